package settings

import (
	"net/url"
	"time"

	"github.com/hybridpos/vssnode/chaincfg"
)

type Settings struct {
	ClientName     string
	DataFolder     string
	LogLevel       string
	LoggerType     string
	ChainCfgParams *chaincfg.Params
	Node           NodeSettings
	Scheduler      SchedulerSettings
	ChainStore     ChainStoreSettings
	Snapshot       SnapshotSettings
	Mempool        MempoolSettings
	Mining         MiningSettings
	Workers        WorkerSettings
	P2P            P2PSettings
	Metrics        MetricsSettings
}

type NodeSettings struct {
	// MinPeers is the number of connected peers required before the node starts.
	MinPeers         int
	PeerWaitAttempts int
	PeerWaitInterval time.Duration
	// ValidatorKey is the hex encoded private key used to sign candidates.
	ValidatorKey   string
	IgnoreIncoming bool
	ClockOffset    time.Duration
}

type SchedulerSettings struct {
	PollInterval          time.Duration
	SyncCheckMin          time.Duration
	SyncCheckMax          time.Duration
	MaxSyncFailures       int
	CandidateDelayPerRank time.Duration
}

type ChainStoreSettings struct {
	StoreURL  *url.URL
	CacheSize int
}

type SnapshotSettings struct {
	StoreURL         *url.URL
	Interval         uint64
	Retention        int
	CheckpointModulo uint64
}

type MempoolSettings struct {
	MaxTransactions int
}

type MiningSettings struct {
	Enabled       bool
	RewardAddress string
	Bet           float64
	HashRateEvery time.Duration
}

type WorkerSettings struct {
	ValidationWorkers int
}

type P2PSettings struct {
	ListenAddresses []string
	StaticPeers     []string
	PrivateKey      string
	TopicPrefix     string
	RateLimit       float64
	RateBurst       int
	DedupTTL        time.Duration
	BanThreshold    int
	BanDuration     time.Duration
	SyncBatchSize   int
}

type MetricsSettings struct {
	ListenAddress string
	// Profiling serves a wall clock profile on /debug/fgprof.
	Profiling bool
}
