// Package engine is the block candidate and finalization state machine. It
// owns the utxo set, the spectrum, the mempool and the canonical chain, and is
// only ever mutated from the scheduler goroutine.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hybridpos/vssnode/chaincfg"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/services/mempool"
	"github.com/hybridpos/vssnode/services/miner"
	"github.com/hybridpos/vssnode/services/p2p"
	"github.com/hybridpos/vssnode/services/tasks"
	"github.com/hybridpos/vssnode/services/validator"
	"github.com/hybridpos/vssnode/services/vss"
	"github.com/hybridpos/vssnode/settings"
	"github.com/hybridpos/vssnode/stores/blockchain"
	"github.com/hybridpos/vssnode/stores/snapshot"
	"github.com/hybridpos/vssnode/stores/utxo"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/hybridpos/vssnode/util/clock"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// MinerControl is the command side of the miner.
type MinerControl interface {
	Send(ctx context.Context, cmd miner.Command) error
}

// TaskQueue receives the tasks produced from gossip.
type TaskQueue interface {
	Enqueue(task tasks.Task)
}

// Options are the components an Engine is built from.
type Options struct {
	Chain       blockchain.Store
	Utxos       *utxo.Set
	Spectrum    *vss.Spectrum
	Mempool     *mempool.Mempool
	Snapshots   *snapshot.Store
	Checkpoints *snapshot.CheckpointStore
	Validator   validator.Interface
	Miner       MinerControl
	Network     p2p.Network
	Clock       clock.Source
}

type Engine struct {
	logger   ulogger.Logger
	settings *settings.Settings
	params   *chaincfg.Params
	pow      model.PowParams
	signer   *model.Signer

	// mu serializes state changes against readers on gossip goroutines.
	mu          sync.RWMutex
	chain       blockchain.Store
	utxos       *utxo.Set
	spectrum    *vss.Spectrum
	mempool     *mempool.Mempool
	snapshots   *snapshot.Store
	checkpoints *snapshot.CheckpointStore
	validator   validator.Interface
	miner       MinerControl
	network     p2p.Network
	clock       clock.Source
	tracker     *candidateTracker

	tasksMu sync.RWMutex
	tasks   TaskQueue

	seen     *ttlcache.Cache[uint64, struct{}]
	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	requestID     atomic.Uint64
	syncing       atomic.Bool
	miningPending atomic.Bool
}

func New(logger ulogger.Logger, tSettings *settings.Settings, opts Options) (*Engine, error) {
	initPrometheusMetrics()

	logger = logger.New("engine")

	var (
		signer *model.Signer
		err    error
	)

	if tSettings.Node.ValidatorKey == "" {
		signer, err = model.NewSigner()
		if err != nil {
			return nil, errors.NewConfigurationError("[Engine] failed to generate a validator key", err)
		}

		logger.Warnf("[Engine] no validator key configured, using ephemeral address %s", signer.Address())
	} else {
		signer, err = model.NewSignerFromHex(tSettings.Node.ValidatorKey)
		if err != nil {
			return nil, errors.NewConfigurationError("[Engine] invalid validator key", err)
		}
	}

	if opts.Clock == nil {
		opts.Clock = clock.New(tSettings.Node.ClockOffset)
	}

	dedupTTL := tSettings.P2P.DedupTTL
	if dedupTTL <= 0 {
		dedupTTL = 10 * time.Minute
	}

	params := tSettings.ChainCfgParams

	return &Engine{
		logger:      logger,
		settings:    tSettings,
		params:      params,
		pow:         params.PowParams(),
		signer:      signer,
		chain:       opts.Chain,
		utxos:       opts.Utxos,
		spectrum:    opts.Spectrum,
		mempool:     opts.Mempool,
		snapshots:   opts.Snapshots,
		checkpoints: opts.Checkpoints,
		validator:   opts.Validator,
		miner:       opts.Miner,
		network:     opts.Network,
		clock:       opts.Clock,
		tracker:     newCandidateTracker(params.LegitimacyPenalty),
		seen:        ttlcache.New[uint64, struct{}](ttlcache.WithTTL[uint64, struct{}](dedupTTL)),
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

// Start restores the in-memory state for the persisted chain and starts the
// dedupe cache janitor.
func (e *Engine) Start(ctx context.Context) error {
	go e.seen.Start()

	return e.restore(ctx)
}

func (e *Engine) Stop(context.Context) error {
	e.seen.Stop()

	return nil
}

// SetTaskQueue sets where gossip is turned into work.
func (e *Engine) SetTaskQueue(q TaskQueue) {
	e.tasksMu.Lock()
	e.tasks = q
	e.tasksMu.Unlock()
}

func (e *Engine) enqueue(task tasks.Task) {
	e.tasksMu.RLock()
	q := e.tasks
	e.tasksMu.RUnlock()

	if q == nil {
		e.logger.Warnf("[Engine] dropping %s, no task queue", tasks.Describe(task))
		return
	}

	q.Enqueue(task)
}

// Address is the validator address of this node.
func (e *Engine) Address() string {
	return e.signer.Address()
}

func (e *Engine) Height() (uint64, bool) {
	return e.chain.Height()
}

// SetSyncing makes the engine ignore gossip while a block sync runs.
func (e *Engine) SetSyncing(syncing bool) {
	e.syncing.Store(syncing)
}

// restore rebuilds the utxo set and spectrum for the persisted chain from the
// newest usable snapshot, replaying the blocks above it.
func (e *Engine) restore(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tip, ok := e.chain.Height()
	if !ok {
		e.logger.Infof("[Engine] starting with an empty chain")
		return nil
	}

	// snapshots above the persisted tip belong to an abandoned branch
	if err := e.snapshots.QuarantineAboveHeight(ctx, tip); err != nil {
		return err
	}

	heights, err := e.snapshots.HeightsAscending(ctx)
	if err != nil {
		return err
	}

	from := uint64(0)

	for i := len(heights) - 1; i >= 0; i-- {
		if heights[i] > tip {
			continue
		}

		if err = e.snapshots.RollBackTo(ctx, heights[i], e.utxos, e.spectrum, e.mempool); err != nil {
			e.logger.Warnf("[Engine] snapshot %d unusable: %v", heights[i], err)
			continue
		}

		from = heights[i] + 1

		break
	}

	e.logger.Infof("[Engine] replaying blocks %d to %d", from, tip)

	for h := from; h <= tip; h++ {
		block, err := e.chain.GetBlock(ctx, h)
		if err != nil {
			return err
		}

		if _, err = e.chain.ApplyBlock(block, e.utxos, e.spectrum); err != nil {
			return errors.NewInternalConsistencyError("[Engine] failed to replay block %d", h, err)
		}
	}

	prometheusEngineHeight.Set(float64(tip))

	return nil
}

// RollbackHeights lists the heights the state can be rolled back to.
func (e *Engine) RollbackHeights(ctx context.Context) ([]uint64, error) {
	return e.snapshots.HeightsAscending(ctx)
}

// RollBackTo restores the snapshot at height and removes every canonical
// block above it. The removed blocks are returned in ascending order so they
// can compete again if the branch replacing them fails.
func (e *Engine) RollBackTo(ctx context.Context, height uint64) ([]*model.Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var removed []*model.Block

	if tip, ok := e.chain.Height(); ok {
		for h := height + 1; h <= tip; h++ {
			block, err := e.chain.GetBlock(ctx, h)
			if err != nil {
				return nil, err
			}

			removed = append(removed, block)
		}
	}

	if err := e.snapshots.RollBackTo(ctx, height, e.utxos, e.spectrum, e.mempool); err != nil {
		return nil, err
	}

	if err := e.chain.TruncateAbove(ctx, height); err != nil {
		return nil, err
	}

	if err := e.snapshots.QuarantineAboveHeight(ctx, height); err != nil {
		return nil, err
	}

	e.tracker.Reset()

	prometheusEngineRollbacks.Inc()
	prometheusEngineHeight.Set(float64(height))

	e.logger.Infof("[Engine] rolled back to %d, %d blocks removed", height, len(removed))

	return removed, nil
}

// HasActiveCheckpoint reports whether rollbacks are bounded by a checkpoint.
func (e *Engine) HasActiveCheckpoint(ctx context.Context) (bool, error) {
	return e.checkpoints.HasActiveCheckpoint(ctx)
}

func (e *Engine) RebuildAddressIndex(ctx context.Context) error {
	return e.chain.RebuildAddressIndex(ctx)
}

// WaitForPeers blocks until MinPeers peers are connected. After
// PeerWaitAttempts failed checks the node has to be restarted.
func (e *Engine) WaitForPeers(ctx context.Context) error {
	minPeers := e.settings.Node.MinPeers
	if minPeers <= 0 {
		return nil
	}

	attempts := e.settings.Node.PeerWaitAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		count := e.network.ConnectedPeerCount()
		if count >= minPeers {
			e.logger.Infof("[Engine] %d peers connected", count)
			return nil
		}

		e.logger.Infof("[Engine] waiting for peers, %d of %d connected (attempt %d/%d)", count, minPeers, attempt, attempts)

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return errors.NewContextCanceledError("[Engine] stopped waiting for peers", ctx.Err())
		case <-time.After(e.settings.Node.PeerWaitInterval):
		}
	}

	return errors.NewRestartRequiredError("[Engine] fewer than %d peers after %d attempts", minPeers, attempts)
}
