// Package forkchoice keeps finalized blocks that could not be applied and
// decides when a competing branch should replace the canonical one.
package forkchoice

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	txmap "github.com/bsv-blockchain/go-tx-map"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/services/tasks"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/hybridpos/vssnode/util/clock"
)

// ChainReader is the canonical chain as fork choice sees it.
type ChainReader interface {
	Height() (uint64, bool)
	GetBlock(ctx context.Context, height uint64) (*model.Block, error)
}

type ForkChoice struct {
	logger    ulogger.Logger
	chain     ChainReader
	clock     clock.Source
	maxFuture int64
	mu        sync.Mutex
	blocks    map[uint64]map[chainhash.Hash]*model.Block
	size      int

	// origins is the peer each cached block came from, "" for local blocks.
	origins *txmap.SyncedMap[chainhash.Hash, string]
	banned  *txmap.SyncedMap[chainhash.Hash, struct{}]
}

// New creates an empty fork cache. Blocks finalized more than maxFuture after
// clk's time are kept but not planned until the clock catches up.
func New(logger ulogger.Logger, chain ChainReader, clk clock.Source, maxFuture time.Duration) *ForkChoice {
	initPrometheusMetrics()

	return &ForkChoice{
		logger:    logger.New("forkchoice"),
		chain:     chain,
		clock:     clk,
		maxFuture: maxFuture.Milliseconds(),
		blocks:    make(map[uint64]map[chainhash.Hash]*model.Block),
		origins:   txmap.NewSyncedMap[chainhash.Hash, string](),
		banned:    txmap.NewSyncedMap[chainhash.Hash, struct{}](),
	}
}

// Store caches a finalized block received from origin. Banned and already
// cached blocks are ignored.
func (f *ForkChoice) Store(block *model.Block, origin string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.IsBanned(block.Hash) {
		return false
	}

	atHeight, ok := f.blocks[block.Index]
	if !ok {
		atHeight = make(map[chainhash.Hash]*model.Block)
		f.blocks[block.Index] = atHeight
	}

	if _, ok := atHeight[block.Hash]; ok {
		return false
	}

	atHeight[block.Hash] = block
	f.origins.Set(block.Hash, origin)
	f.size++

	prometheusForkChoiceCached.Set(float64(f.size))

	return true
}

// Ban marks hash as banned and drops it from the cache.
func (f *ForkChoice) Ban(hash chainhash.Hash) {
	f.banned.Set(hash, struct{}{})
	f.Forget(hash)
}

// Forget drops hash from the cache. Unlike Ban, the block may be stored again.
func (f *ForkChoice) Forget(hash chainhash.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for height, atHeight := range f.blocks {
		if _, ok := atHeight[hash]; ok {
			f.drop(height, hash)
		}
	}
}

func (f *ForkChoice) IsBanned(hash chainhash.Hash) bool {
	_, ok := f.banned.Get(hash)

	return ok
}

func (f *ForkChoice) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.size
}

func (f *ForkChoice) drop(height uint64, hash chainhash.Hash) {
	atHeight, ok := f.blocks[height]
	if !ok {
		return
	}

	if _, ok := atHeight[hash]; !ok {
		return
	}

	delete(atHeight, hash)
	f.origins.Delete(hash)
	f.size--

	if len(atHeight) == 0 {
		delete(f.blocks, height)
	}

	prometheusForkChoiceCached.Set(float64(f.size))
}

// lastTwo returns the two most recent rollback points not above tip, oldest first.
func lastTwo(rollbackHeights []uint64, tip uint64) []uint64 {
	usable := make([]uint64, 0, len(rollbackHeights))

	for _, h := range rollbackHeights {
		if h <= tip {
			usable = append(usable, h)
		}
	}

	sort.Slice(usable, func(i, j int) bool { return usable[i] < usable[j] })

	if len(usable) > 2 {
		usable = usable[len(usable)-2:]
	}

	return usable
}

type branch struct {
	// blocks ordered by ascending height, ending with the candidate
	blocks   []*model.Block
	rollback *uint64
}

// Evaluate scans cached blocks at or above the tip height for a branch that
// beats the canonical chain. A greater height wins; at equal height the
// earlier finalization timestamp wins. The running best timestamp is carried
// across heights during the scan. Branches holding a block from the future
// are skipped until it is due.
//
// The returned plan is [ReorgStart, RollBackTo?, DigestFinalizedBlock..., ReorgEnd]
// with the digests in execution order and only the topmost broadcast.
func (f *ForkChoice) Evaluate(ctx context.Context, rollbackHeights []uint64) ([]tasks.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tipHeight, ok := f.chain.Height()
	if !ok {
		return nil, nil
	}

	tip, err := f.chain.GetBlock(ctx, tipHeight)
	if err != nil {
		return nil, errors.NewProcessingError("[ForkChoice] failed to read tip %d", tipHeight, err)
	}

	points := lastTwo(rollbackHeights, tipHeight)

	if err = f.dropCanonical(ctx, tipHeight); err != nil {
		return nil, err
	}

	heights := make([]uint64, 0, len(f.blocks))

	for h := range f.blocks {
		if h >= tipHeight {
			heights = append(heights, h)
		}
	}

	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	var (
		best          *branch
		bestHeight    = tipHeight
		bestTimestamp = tip.Timestamp
	)

	for _, h := range heights {
		candidates := make([]*model.Block, 0, len(f.blocks[h]))
		for _, b := range f.blocks[h] {
			candidates = append(candidates, b)
		}

		// map order must not leak into the decision
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Timestamp != candidates[j].Timestamp {
				return candidates[i].Timestamp < candidates[j].Timestamp
			}

			return candidates[i].Hash.String() < candidates[j].Hash.String()
		})

		for _, candidate := range candidates {
			if !(candidate.Index > bestHeight || candidate.Timestamp < bestTimestamp) {
				continue
			}

			br, keep, err := f.build(ctx, candidate, tipHeight, points)
			if err != nil {
				return nil, err
			}

			if br == nil {
				if !keep {
					f.logger.Infof("[ForkChoice] pruning unbuildable branch ending at %s", candidate)
					f.drop(candidate.Index, candidate.Hash)
				}

				continue
			}

			best = br
			bestHeight = candidate.Index
			bestTimestamp = candidate.Timestamp
		}
	}

	if best == nil {
		return nil, nil
	}

	return f.plan(ctx, best)
}

// dropCanonical removes cached blocks that are already part of the chain.
func (f *ForkChoice) dropCanonical(ctx context.Context, tipHeight uint64) error {
	for h, atHeight := range f.blocks {
		if h > tipHeight {
			continue
		}

		canonical, err := f.chain.GetBlock(ctx, h)
		if err != nil {
			if errors.Is(err, errors.ErrBlockNotFound) {
				continue
			}

			return errors.NewProcessingError("[ForkChoice] failed to read block %d", h, err)
		}

		if _, ok := atHeight[canonical.Hash]; ok {
			f.drop(h, canonical.Hash)
		}
	}

	return nil
}

// build walks back from candidate through the cache until it meets the
// canonical chain. keep reports whether an unbuildable branch may still
// become buildable once a missing ancestor arrives.
func (f *ForkChoice) build(ctx context.Context, candidate *model.Block, tipHeight uint64, points []uint64) (*branch, bool, error) {
	blocks := []*model.Block{candidate}
	cur := candidate

	limit := f.clock.NowMs() + f.maxFuture

	for {
		if f.IsBanned(cur.Hash) {
			return nil, false, nil
		}

		if cur.Timestamp > limit {
			return nil, true, nil
		}

		if cur.Index == 0 {
			return nil, false, nil
		}

		parentHeight := cur.Index - 1

		if parentHeight <= tipHeight {
			canonical, err := f.chain.GetBlock(ctx, parentHeight)
			if err != nil && !errors.Is(err, errors.ErrBlockNotFound) {
				return nil, false, errors.NewProcessingError("[ForkChoice] failed to read block %d", parentHeight, err)
			}

			if canonical != nil && canonical.Hash == cur.PrevHash {
				return f.attach(blocks, parentHeight, tipHeight, points)
			}
		}

		if f.IsBanned(cur.PrevHash) {
			return nil, false, nil
		}

		parent, ok := f.blocks[parentHeight][cur.PrevHash]
		if !ok {
			// an ancestor above the tip or the oldest rollback point may still arrive
			keep := parentHeight > tipHeight || (len(points) > 0 && parentHeight > points[0])
			return nil, keep, nil
		}

		blocks = append(blocks, parent)
		cur = parent
	}
}

// attach completes a branch that forks off the canonical chain at forkHeight.
func (f *ForkChoice) attach(reversed []*model.Block, forkHeight, tipHeight uint64, points []uint64) (*branch, bool, error) {
	br := &branch{blocks: make([]*model.Block, 0, len(reversed))}

	for i := len(reversed) - 1; i >= 0; i-- {
		br.blocks = append(br.blocks, reversed[i])
	}

	if forkHeight == tipHeight {
		return br, true, nil
	}

	// the most recent rollback point at or below the fork
	for i := len(points) - 1; i >= 0; i-- {
		if points[i] <= forkHeight {
			h := points[i]
			br.rollback = &h

			return br, true, nil
		}
	}

	return nil, false, nil
}

func (f *ForkChoice) plan(ctx context.Context, br *branch) ([]tasks.Task, error) {
	blocks := br.blocks

	if br.rollback != nil {
		forkHeight := blocks[0].Index - 1
		replay := make([]*model.Block, 0, forkHeight-*br.rollback)

		for h := *br.rollback + 1; h <= forkHeight; h++ {
			b, err := f.chain.GetBlock(ctx, h)
			if err != nil {
				return nil, errors.NewProcessingError("[ForkChoice] failed to read block %d for replay", h, err)
			}

			replay = append(replay, b)
		}

		blocks = append(replay, blocks...)
	}

	plan := make([]tasks.Task, 0, len(blocks)+3)
	plan = append(plan, tasks.NewReorgStart())

	if br.rollback != nil {
		plan = append(plan, tasks.NewRollBackTo(*br.rollback))
	}

	for i, b := range blocks {
		origin, _ := f.origins.Get(b.Hash)
		plan = append(plan, tasks.NewDigestFinalizedBlock(b, i == len(blocks)-1, origin))
	}

	plan = append(plan, tasks.NewReorgEnd())

	prometheusForkChoiceReorgs.Inc()

	top := blocks[len(blocks)-1]
	f.logger.Infof("[ForkChoice] switching to branch ending at %s, %d blocks to digest", top, len(blocks))

	return plan, nil
}

// Prune drops cached blocks below the second most recent rollback point.
func (f *ForkChoice) Prune(rollbackHeights []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tip, ok := f.chain.Height()
	if !ok {
		return
	}

	points := lastTwo(rollbackHeights, tip)
	if len(points) == 0 {
		return
	}

	for h, atHeight := range f.blocks {
		if h >= points[0] {
			continue
		}

		for hash := range atHeight {
			f.drop(h, hash)
		}
	}
}
