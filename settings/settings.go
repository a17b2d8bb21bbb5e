package settings

import (
	"time"

	"github.com/hybridpos/vssnode/chaincfg"
)

func NewSettings() *Settings {
	params, err := chaincfg.GetChainParams(getString("network", "mainnet"))
	if err != nil {
		panic(err)
	}

	return &Settings{
		ClientName:     getString("clientName", "vssnode"),
		DataFolder:     getString("dataFolder", "data"),
		LogLevel:       getString("logLevel", "INFO"),
		LoggerType:     getString("logger", "zerolog"),
		ChainCfgParams: params,
		Node: NodeSettings{
			MinPeers:         getInt("node_minPeers", 2),
			PeerWaitAttempts: getInt("node_peerWaitAttempts", 30),
			PeerWaitInterval: getDuration("node_peerWaitInterval", time.Second),
			ValidatorKey:     getString("node_validatorKey", ""),
			IgnoreIncoming:   getBool("node_ignoreIncoming", false),
			ClockOffset:      getDuration("node_clockOffset", 0),
		},
		Scheduler: SchedulerSettings{
			PollInterval:          getDuration("scheduler_pollInterval", 20*time.Millisecond),
			SyncCheckMin:          getDuration("scheduler_syncCheckMin", 3*time.Minute),
			SyncCheckMax:          getDuration("scheduler_syncCheckMax", 10*time.Minute),
			MaxSyncFailures:       getInt("scheduler_maxSyncFailures", 3),
			CandidateDelayPerRank: getDuration("scheduler_candidateDelayPerRank", 100*time.Millisecond),
		},
		ChainStore: ChainStoreSettings{
			StoreURL:  getURL("chainstore_store", "file://./data/chain"),
			CacheSize: getInt("chainstore_cacheSize", 200),
		},
		Snapshot: SnapshotSettings{
			StoreURL:         getURL("snapshot_store", "file://./data/snapshots"),
			Interval:         getUint64("snapshot_interval", 5),
			Retention:        getInt("snapshot_retention", 10),
			CheckpointModulo: getUint64("snapshot_checkpointModulo", 100),
		},
		Mempool: MempoolSettings{
			MaxTransactions: getInt("mempool_maxTransactions", 100_000),
		},
		Mining: MiningSettings{
			Enabled:       getBool("mining_enabled", true),
			RewardAddress: getString("mining_rewardAddress", ""),
			Bet:           getFloat64("mining_bet", 0.3),
			HashRateEvery: getDuration("mining_hashRateEvery", 10*time.Second),
		},
		Workers: WorkerSettings{
			ValidationWorkers: getInt("workers_validation", 2),
		},
		P2P: P2PSettings{
			ListenAddresses: getMultiString("p2p_listen_addresses", "|"),
			StaticPeers:     getMultiString("p2p_static_peers", "|"),
			PrivateKey:      getString("p2p_private_key", ""),
			TopicPrefix:     getString("p2p_topic_prefix", "vss"),
			RateLimit:       getFloat64("p2p_rate_limit", 50),
			RateBurst:       getInt("p2p_rate_burst", 100),
			DedupTTL:        getDuration("p2p_dedup_ttl", 10*time.Minute),
			BanThreshold:    getInt("p2p_ban_threshold", 100),
			BanDuration:     getDuration("p2p_ban_duration", 24*time.Hour),
			SyncBatchSize:   getInt("p2p_sync_batch_size", 100),
		},
		Metrics: MetricsSettings{
			ListenAddress: getString("metrics_listen_address", ":9100"),
			Profiling:     getBool("metrics_profiling", false),
		},
	}
}
