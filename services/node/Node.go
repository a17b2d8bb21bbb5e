// Package node assembles the stores, workers and services of a validator node
// and runs them as one service.
package node

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/services/blocksync"
	"github.com/hybridpos/vssnode/services/engine"
	"github.com/hybridpos/vssnode/services/forkchoice"
	"github.com/hybridpos/vssnode/services/mempool"
	"github.com/hybridpos/vssnode/services/miner"
	"github.com/hybridpos/vssnode/services/p2p"
	"github.com/hybridpos/vssnode/services/scheduler"
	"github.com/hybridpos/vssnode/services/tasks"
	"github.com/hybridpos/vssnode/services/validator"
	"github.com/hybridpos/vssnode/services/vss"
	"github.com/hybridpos/vssnode/settings"
	"github.com/hybridpos/vssnode/stores/blob"
	"github.com/hybridpos/vssnode/stores/blockchain"
	"github.com/hybridpos/vssnode/stores/snapshot"
	"github.com/hybridpos/vssnode/stores/utxo"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/hybridpos/vssnode/util/clock"
	"golang.org/x/sync/errgroup"
)

// Option customises how a Node is assembled.
type Option func(*Node)

// NetworkFactory builds the network once the chain store it serves is open.
type NetworkFactory func(ctx context.Context, source p2p.BlockSource) (p2p.Network, error)

// WithNetwork replaces the libp2p node, e.g. with a Loopback.
func WithNetwork(factory NetworkFactory) Option {
	return func(n *Node) {
		n.newNetwork = factory
	}
}

type Node struct {
	logger   ulogger.Logger
	settings *settings.Settings

	newNetwork NetworkFactory

	network     p2p.Network
	chain       blockchain.Store
	utxos       *utxo.Set
	spectrum    *vss.Spectrum
	mempool     *mempool.Mempool
	snapshots   *snapshot.Store
	checkpoints *snapshot.CheckpointStore
	pool        *validator.Pool
	miner       *miner.Miner
	forkChoice  *forkchoice.ForkChoice
	engine      *engine.Engine
	syncer      *blocksync.Syncer
	scheduler   *scheduler.Scheduler

	engineStarted atomic.Bool
	stopOnce      sync.Once
}

func New(logger ulogger.Logger, tSettings *settings.Settings, opts ...Option) *Node {
	n := &Node{
		logger:   logger.New("node"),
		settings: tSettings,
	}

	n.newNetwork = func(ctx context.Context, source p2p.BlockSource) (p2p.Network, error) {
		return p2p.NewP2PNode(ctx, n.logger, n.settings, source)
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Init opens the stores and builds every component. Nothing runs until Start.
func (n *Node) Init(ctx context.Context) (err error) {
	n.chain, err = blockchain.NewStore(n.logger, n.settings.ChainStore.StoreURL, n.settings.ChainStore.CacheSize)
	if err != nil {
		return errors.NewStorageError("[Node] failed to open chain store", err)
	}

	blobs, err := blob.NewStore(n.logger, n.settings.Snapshot.StoreURL)
	if err != nil {
		return errors.NewStorageError("[Node] failed to open snapshot store", err)
	}

	n.utxos = utxo.New(n.logger, n.chain)
	n.spectrum = vss.New(n.logger, n.settings.ChainCfgParams)
	n.mempool = mempool.New(n.logger, n.settings.Mempool.MaxTransactions)
	n.snapshots = snapshot.New(n.logger, blobs, n.settings.Snapshot.Retention)
	n.checkpoints = snapshot.NewCheckpointStore(n.logger, blobs, n.snapshots)
	n.pool = validator.New(n.logger, n.settings.Workers.ValidationWorkers)
	n.miner = miner.New(n.logger, n.settings.ChainCfgParams, n.settings.Mining.HashRateEvery)

	// fork choice holds back branches the engine would refuse as future blocks
	clk := clock.New(n.settings.Node.ClockOffset)
	n.forkChoice = forkchoice.New(n.logger, n.chain, clk, n.settings.ChainCfgParams.MaxFutureBlockTime)

	if n.network, err = n.newNetwork(ctx, n.chain); err != nil {
		return err
	}

	n.engine, err = engine.New(n.logger, n.settings, engine.Options{
		Chain:       n.chain,
		Utxos:       n.utxos,
		Spectrum:    n.spectrum,
		Mempool:     n.mempool,
		Snapshots:   n.snapshots,
		Checkpoints: n.checkpoints,
		Validator:   n.pool,
		Miner:       n.miner,
		Network:     n.network,
		Clock:       clk,
	})
	if err != nil {
		return err
	}

	n.syncer = blocksync.New(n.logger, n.settings, n.network, n.engine, n.chain, n.forkChoice, n.checkpoints)
	n.scheduler = scheduler.New(n.logger, n.settings, n.engine, n.forkChoice, n.syncer, n.network.Reputation())

	n.engine.SetTaskQueue(n.scheduler)

	for _, topic := range p2p.Topics {
		if err = n.network.Subscribe(topic, n.engine.P2PHandler); err != nil {
			return errors.NewServiceError("[Node] failed to subscribe to %s", topic, err)
		}
	}

	return nil
}

// Start runs the node until ctx is done or the scheduler asks for a restart.
// readyCh is closed once the initial sync has been queued.
func (n *Node) Start(ctx context.Context, readyCh chan<- struct{}) error {
	if err := n.network.Start(ctx); err != nil {
		return err
	}

	n.pool.Start(ctx)

	n.engineStarted.Store(true)

	if err := n.engine.Start(ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.miner.Start(gCtx)
	})

	g.Go(func() error {
		n.pumpMinerMessages(gCtx)
		return nil
	})

	g.Go(func() error {
		if err := n.engine.ConfigureMiner(gCtx); err != nil {
			return err
		}

		if err := n.engine.WaitForPeers(gCtx); err != nil {
			return err
		}

		n.scheduler.Enqueue(tasks.NewRebuildAddressIndex())
		n.scheduler.Enqueue(tasks.NewSyncWithPeers())

		if readyCh != nil {
			close(readyCh)
		}

		n.logger.Infof("[Node] %s running as %s on %s", n.settings.ClientName, n.engine.Address(), n.settings.ChainCfgParams.Name)

		return n.scheduler.Run(gCtx)
	})

	return g.Wait()
}

// pumpMinerMessages turns miner reports into scheduler work.
func (n *Node) pumpMinerMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.miner.Messages():
			switch m := msg.(type) {
			case miner.BlockFound:
				n.scheduler.Enqueue(tasks.NewDigestFinalizedBlock(m.Block, true, ""))
			case miner.HashRate:
				n.logger.Debugf("[Node] hash rate %.2f H/s", m.Rate)
			}
		}
	}
}

func (n *Node) Stop(ctx context.Context) error {
	var err error

	n.stopOnce.Do(func() {
		if n.engineStarted.Load() {
			_ = n.engine.Stop(ctx)
		}

		if n.pool != nil {
			n.pool.Stop()
		}

		if n.network != nil {
			if stopErr := n.network.Stop(ctx); stopErr != nil {
				n.logger.Warnf("[Node] failed to stop network: %v", stopErr)
			}
		}

		if n.chain != nil {
			err = n.chain.Close()
		}
	})

	return err
}

func (n *Node) Health(ctx context.Context, checkLiveness bool) (int, string, error) {
	if n.chain == nil {
		return http.StatusServiceUnavailable, "not initialised", nil
	}

	if checkLiveness {
		return http.StatusOK, "OK", nil
	}

	return n.chain.Health(ctx, checkLiveness)
}

// Height is the height of the local canonical chain.
func (n *Node) Height() (uint64, bool) {
	return n.chain.Height()
}

// Engine exposes the engine for inspection.
func (n *Node) Engine() *engine.Engine {
	return n.engine
}
