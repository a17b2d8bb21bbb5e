// Package blocksync catches the local chain up with the tip most peers agree
// on, fetching missing blocks over the block range protocol.
package blocksync

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/services/p2p"
	"github.com/hybridpos/vssnode/settings"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/hybridpos/vssnode/util/retry"
	"golang.org/x/sync/errgroup"
)

// Result tells the scheduler what to do after a sync.
type Result uint8

const (
	// ResultDone means the chain is at the majority tip.
	ResultDone Result = iota + 1
	// ResultPartial means blocks were added but the tip was not reached.
	ResultPartial
	// ResultFailed means no progress could be made.
	ResultFailed
	// ResultDiverged means the majority chain forks off below the local tip.
	// Its blocks were handed to the fork cache.
	ResultDiverged
	// ResultCheckpointDeployed means the majority chain forks off below the
	// latest checkpoint and can only be followed after a restart.
	ResultCheckpointDeployed
)

func (r Result) String() string {
	switch r {
	case ResultDone:
		return "done"
	case ResultPartial:
		return "partial"
	case ResultFailed:
		return "failed"
	case ResultDiverged:
		return "diverged"
	case ResultCheckpointDeployed:
		return "checkpoint_deployed"
	default:
		return "unknown"
	}
}

// Digester applies blocks to the local chain.
type Digester interface {
	DigestFinalizedBlock(ctx context.Context, block *model.Block, origin string) (time.Duration, error)
	// CheckProof checks what block proves without its parent.
	CheckProof(block *model.Block) error
	Height() (uint64, bool)
}

// ChainReader reads canonical blocks.
type ChainReader interface {
	GetBlock(ctx context.Context, height uint64) (*model.Block, error)
}

// ForkStore keeps blocks of competing branches with the peer they came from.
type ForkStore interface {
	Store(block *model.Block, origin string) bool
}

// Checkpoints reports the latest checkpoint height.
type Checkpoints interface {
	Latest(ctx context.Context) (uint64, bool, error)
}

type Syncer struct {
	logger      ulogger.Logger
	settings    *settings.Settings
	network     p2p.Network
	engine      Digester
	chain       ChainReader
	forks       ForkStore
	checkpoints Checkpoints
	batchSize   int
}

func New(logger ulogger.Logger, tSettings *settings.Settings, network p2p.Network, engine Digester, chain ChainReader, forks ForkStore, checkpoints Checkpoints) *Syncer {
	initPrometheusMetrics()

	batchSize := tSettings.P2P.SyncBatchSize
	if batchSize <= 0 || batchSize > p2p.MaxRangeCount {
		batchSize = p2p.MaxRangeCount
	}

	return &Syncer{
		logger:      logger.New("blocksync"),
		settings:    tSettings,
		network:     network,
		engine:      engine,
		chain:       chain,
		forks:       forks,
		checkpoints: checkpoints,
		batchSize:   batchSize,
	}
}

type tipVote struct {
	tip   p2p.TipInfo
	peers []string
}

// majorityTip asks every peer for its tip and returns the one most of them
// report, with the peers that report it. Ties go to the higher tip.
func (s *Syncer) majorityTip(ctx context.Context) (*tipVote, error) {
	peers := s.network.Peers()
	if len(peers) == 0 {
		return nil, nil
	}

	tips := make([]*p2p.TipInfo, len(peers))

	g := errgroup.Group{}
	g.SetLimit(8)

	for i, peer := range peers {
		g.Go(func() error {
			tip, err := s.network.GetTip(ctx, peer)
			if err != nil {
				s.logger.Debugf("[Syncer] no tip from %s: %v", peer, err)
				return nil
			}

			tips[i] = tip

			return nil
		})
	}

	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, errors.NewContextCanceledError("[Syncer] tip query cancelled", ctx.Err())
	}

	votes := make(map[chainhash.Hash]*tipVote)

	for i, tip := range tips {
		if tip == nil || tip.Empty {
			continue
		}

		v, ok := votes[tip.Hash]
		if !ok {
			v = &tipVote{tip: *tip}
			votes[tip.Hash] = v
		}

		v.peers = append(v.peers, peers[i])
	}

	if len(votes) == 0 {
		return nil, nil
	}

	ranked := make([]*tipVote, 0, len(votes))
	for _, v := range votes {
		ranked = append(ranked, v)
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if len(a.peers) != len(b.peers) {
			return len(a.peers) > len(b.peers)
		}

		if a.tip.Height != b.tip.Height {
			return a.tip.Height > b.tip.Height
		}

		return bytes.Compare(a.tip.Hash[:], b.tip.Hash[:]) < 0
	})

	return ranked[0], nil
}

// SyncWithPeers brings the local chain to the majority tip. Peers reporting
// that tip are tried in turn until one of them gets the chain there.
func (s *Syncer) SyncWithPeers(ctx context.Context) (Result, error) {
	start := time.Now()

	result, err := s.sync(ctx)

	prometheusSyncResults.WithLabelValues(result.String()).Inc()
	prometheusSyncDuration.Observe(time.Since(start).Seconds())

	return result, err
}

func (s *Syncer) sync(ctx context.Context) (Result, error) {
	target, err := s.majorityTip(ctx)
	if err != nil {
		return ResultFailed, err
	}

	if target == nil {
		s.logger.Debugf("[Syncer] no peer has a chain to sync with")
		return ResultDone, nil
	}

	s.logger.Infof("[Syncer] majority tip %d %s reported by %d peers", target.tip.Height, target.tip.Hash, len(target.peers))

	var (
		best    = ResultFailed
		lastErr error
	)

	for _, peer := range target.peers {
		result, err := s.syncFrom(ctx, peer, target.tip)
		if err != nil {
			s.logger.Warnf("[Syncer] sync from %s ended with %s: %v", peer, result, err)
			lastErr = err
		}

		switch result {
		case ResultDone, ResultDiverged, ResultCheckpointDeployed:
			return result, nil
		case ResultPartial:
			best = ResultPartial
		}

		if ctx.Err() != nil {
			break
		}
	}

	if best == ResultPartial {
		return ResultPartial, nil
	}

	if lastErr == nil {
		lastErr = errors.NewSyncFailedError("[Syncer] no peer could serve tip %d", target.tip.Height)
	}

	return ResultFailed, errors.NewSyncFailedError("[Syncer] failed to reach tip %d", target.tip.Height, lastErr)
}

func (s *Syncer) fetch(ctx context.Context, peer string, from uint64, count int) ([]*model.Block, error) {
	return retry.Retry(ctx, s.logger, func() ([]*model.Block, error) {
		return s.network.GetBlocks(ctx, peer, from, count)
	},
		retry.WithRetryCount(3),
		retry.WithBackoffDurationType(200*time.Millisecond),
		retry.WithMessage("[Syncer] fetching blocks from "+peer),
		retry.WithShouldRetry(func(err error) bool {
			return !errors.Is(err, errors.ErrNetworkMalicious) && !errors.Is(err, errors.ErrNetworkInvalid)
		}),
	)
}

func (s *Syncer) syncFrom(ctx context.Context, peer string, target p2p.TipInfo) (Result, error) {
	var from uint64

	if height, ok := s.engine.Height(); ok {
		at := min(height, target.Height)

		local, err := s.chain.GetBlock(ctx, at)
		if err != nil {
			return ResultFailed, err
		}

		remote, err := s.fetch(ctx, peer, at, 1)
		if err != nil {
			return ResultFailed, err
		}

		if len(remote) != 1 {
			return ResultFailed, errors.NewNetworkInvalidResponseError("[Syncer] %s did not serve block %d", peer, at)
		}

		if remote[0].Hash != local.Hash {
			return s.diverged(ctx, peer, at, target)
		}

		if target.Height <= height {
			return ResultDone, nil
		}

		from = height + 1
	}

	progress := false

	for from <= target.Height {
		count, err := safeconversion.Uint64ToInt(min(uint64(s.batchSize), target.Height-from+1))
		if err != nil {
			return partialOr(progress), err
		}

		blocks, err := s.fetch(ctx, peer, from, count)
		if err != nil {
			return partialOr(progress), err
		}

		if len(blocks) == 0 {
			break
		}

		for _, block := range blocks {
			if err = s.digest(ctx, peer, block); err != nil {
				return partialOr(progress), err
			}

			progress = true
		}

		prometheusSyncBlocks.Add(float64(len(blocks)))

		from += uint64(len(blocks))
	}

	if height, ok := s.engine.Height(); ok && height >= target.Height {
		return ResultDone, nil
	}

	return partialOr(progress), nil
}

func partialOr(progress bool) Result {
	if progress {
		return ResultPartial
	}

	return ResultFailed
}

func (s *Syncer) digest(ctx context.Context, peer string, block *model.Block) error {
	_, err := s.engine.DigestFinalizedBlock(ctx, block, peer)
	if err == nil || errors.Is(err, errors.ErrBlockExists) {
		return nil
	}

	if data, ok := errors.BlockDirectives(err); ok {
		reputation := s.network.Reputation()

		for _, d := range data.Directives {
			switch d.Kind {
			case errors.DirectiveBan:
				reputation.Ban(peer)
			case errors.DirectiveApplyOffense:
				reputation.Penalize(peer, d.Offense)
			case errors.DirectiveStoreForReorg:
				s.forks.Store(block, peer)
			}
		}
	}

	return err
}

// diverged walks back from height at, where the peer's chain differs from ours,
// to the last common block. The peer's blocks above it go to the fork cache.
func (s *Syncer) diverged(ctx context.Context, peer string, at uint64, target p2p.TipInfo) (Result, error) {
	var (
		divergent []*model.Block
		fork      int64 = -1
		upper           = at
	)

	maxDepth := uint64(2 * s.batchSize)

	for fork < 0 && upper > 0 && at-upper < maxDepth {
		start := upper - min(uint64(s.batchSize), upper)

		count, err := safeconversion.Uint64ToInt(upper - start)
		if err != nil {
			return ResultFailed, err
		}

		blocks, err := s.fetch(ctx, peer, start, count)
		if err != nil {
			return ResultFailed, err
		}

		if len(blocks) == 0 {
			break
		}

		for i := len(blocks) - 1; i >= 0; i-- {
			local, err := s.chain.GetBlock(ctx, blocks[i].Index)
			if err != nil {
				return ResultFailed, err
			}

			if local.Hash == blocks[i].Hash {
				fork = int64(blocks[i].Index)
				break
			}

			divergent = append(divergent, blocks[i])
		}

		upper = start
	}

	// ascending from the block after the fork
	for i, j := 0, len(divergent)-1; i < j; i, j = i+1, j-1 {
		divergent[i], divergent[j] = divergent[j], divergent[i]
	}

	for from := at; from <= target.Height; {
		count, err := safeconversion.Uint64ToInt(min(uint64(s.batchSize), target.Height-from+1))
		if err != nil {
			return ResultFailed, err
		}

		blocks, err := s.fetch(ctx, peer, from, count)
		if err != nil {
			return ResultFailed, err
		}

		if len(blocks) == 0 {
			break
		}

		divergent = append(divergent, blocks...)
		from += uint64(len(blocks))
	}

	for _, block := range divergent {
		if err := s.engine.CheckProof(block); err != nil {
			s.network.Reputation().Ban(peer)
			prometheusSyncRejected.Inc()

			return ResultFailed, errors.NewBlockInvalidError("[Syncer] %s sent %s without a valid proof", peer, block, err)
		}
	}

	for _, block := range divergent {
		s.forks.Store(block, peer)
	}

	s.logger.Warnf("[Syncer] chain of %s forks off after height %d, %d blocks stored for reorg", peer, fork, len(divergent))

	checkpoint, ok, err := s.checkpoints.Latest(ctx)
	if err != nil {
		return ResultFailed, err
	}

	if ok && (fork < 0 || uint64(fork) < checkpoint) {
		s.logger.Errorf("[Syncer] majority chain forks off below checkpoint %d", checkpoint)
		return ResultCheckpointDeployed, nil
	}

	return ResultDiverged, nil
}
