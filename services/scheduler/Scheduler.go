// Package scheduler runs every engine mutating operation on one goroutine in
// queue order.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/gammazero/deque"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/services/blocksync"
	"github.com/hybridpos/vssnode/services/p2p"
	"github.com/hybridpos/vssnode/services/tasks"
	"github.com/hybridpos/vssnode/settings"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/looplab/fsm"
	"golang.org/x/exp/rand"
)

// Engine is the state machine the scheduler drives.
type Engine interface {
	DigestFinalizedBlock(ctx context.Context, block *model.Block, origin string) (time.Duration, error)
	BroadcastBlock(ctx context.Context, block *model.Block) error
	CreateBlockCandidate(ctx context.Context) (*model.Block, error)
	OfferCandidate(ctx context.Context, candidate *model.Block) bool
	StartMining(ctx context.Context) error
	OnIdle(ctx context.Context)
	RollBackTo(ctx context.Context, height uint64) ([]*model.Block, error)
	RollbackHeights(ctx context.Context) ([]uint64, error)
	PushTransactions(ctx context.Context, txs []*model.Transaction, origins []string) error
	RebuildAddressIndex(ctx context.Context) error
	SetSyncing(syncing bool)
	Height() (uint64, bool)
}

// ForkChoice keeps competing branches and plans reorgs onto them.
type ForkChoice interface {
	Store(block *model.Block, origin string) bool
	Ban(hash chainhash.Hash)
	Forget(hash chainhash.Hash)
	Evaluate(ctx context.Context, rollbackHeights []uint64) ([]tasks.Task, error)
	Prune(rollbackHeights []uint64)
}

type Syncer interface {
	SyncWithPeers(ctx context.Context) (blocksync.Result, error)
}

type Scheduler struct {
	logger     ulogger.Logger
	settings   *settings.Settings
	engine     Engine
	forkChoice ForkChoice
	syncer     Syncer
	reputation p2p.Reputation
	state      *fsm.FSM

	mu          sync.Mutex
	queue       *deque.Deque[tasks.Task]
	wake        chan struct{}
	syncActive  bool
	reorgQueued bool
	reorging    bool
	// reorgTarget is the last block digested by the queued or running reorg.
	reorgTarget *model.Block
	timer       *time.Timer

	// syncFailures is only touched by the loop goroutine.
	syncFailures int
}

func New(logger ulogger.Logger, tSettings *settings.Settings, engine Engine, forkChoice ForkChoice, syncer Syncer, reputation p2p.Reputation) *Scheduler {
	initPrometheusMetrics()

	return &Scheduler{
		logger:     logger.New("scheduler"),
		settings:   tSettings,
		engine:     engine,
		forkChoice: forkChoice,
		syncer:     syncer,
		reputation: reputation,
		state:      newStateMachine(),
		queue:      new(deque.Deque[tasks.Task]),
		wake:       make(chan struct{}, 1),
	}
}

// State is the current activity of the node.
func (s *Scheduler) State() string {
	return s.state.Current()
}

func (s *Scheduler) transition(ctx context.Context, state string) {
	if s.state.Current() == state {
		return
	}

	if err := s.state.Event(ctx, state); err != nil {
		s.logger.Debugf("[Scheduler] state %s -> %s: %v", s.state.Current(), state, err)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Len is the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.Len()
}

// Enqueue appends task. A sync is dropped while another one is pending or
// running.
func (s *Scheduler) Enqueue(task tasks.Task) {
	s.mu.Lock()

	if task.Kind() == tasks.KindSyncWithPeers {
		if s.syncActive {
			s.mu.Unlock()
			s.logger.Debugf("[Scheduler] sync already pending")

			return
		}

		s.syncActive = true
	}

	s.queue.PushBack(task)
	prometheusSchedulerQueueDepth.Set(float64(s.queue.Len()))

	s.mu.Unlock()

	s.signal()
}

// EnqueueFront puts task ahead of everything pending.
func (s *Scheduler) EnqueueFront(task tasks.Task) {
	s.mu.Lock()
	s.queue.PushFront(task)
	prometheusSchedulerQueueDepth.Set(float64(s.queue.Len()))
	s.mu.Unlock()

	s.signal()
}

// EnqueueFrontAtomic puts batch ahead of everything pending, in order. A
// batch opening a reorg is refused while another reorg is queued or running.
func (s *Scheduler) EnqueueFrontAtomic(batch []tasks.Task) bool {
	if len(batch) == 0 {
		return true
	}

	s.mu.Lock()

	opensReorg := batch[0].Kind() == tasks.KindReorgStart
	if opensReorg && (s.reorgQueued || s.reorging) {
		s.mu.Unlock()
		s.logger.Infof("[Scheduler] reorg already in progress, dropping plan of %d tasks", len(batch))

		return false
	}

	if opensReorg {
		s.reorgQueued = true
		s.reorgTarget = planTarget(batch)
	}

	for i := len(batch) - 1; i >= 0; i-- {
		s.queue.PushFront(batch[i])
	}

	prometheusSchedulerQueueDepth.Set(float64(s.queue.Len()))

	s.mu.Unlock()

	s.signal()

	return true
}

// planTarget returns the block the last digest of batch applies.
func planTarget(batch []tasks.Task) *model.Block {
	for i := len(batch) - 1; i >= 0; i-- {
		if d, ok := batch[i].(*tasks.DigestFinalizedBlock); ok {
			return d.Block
		}
	}

	return nil
}

// next pops the front task. Consecutive transaction pushes come out as one
// batch.
func (s *Scheduler) next() (tasks.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return nil, false
	}

	task := s.queue.PopFront()

	if push, ok := task.(*tasks.PushTransaction); ok {
		txs := []*model.Transaction{push.Tx}
		origins := []string{push.Origin}

		for s.queue.Len() > 0 {
			following, ok := s.queue.Front().(*tasks.PushTransaction)
			if !ok {
				break
			}

			s.queue.PopFront()

			txs = append(txs, following.Tx)
			origins = append(origins, following.Origin)
		}

		if len(txs) > 1 {
			prometheusSchedulerCoalesced.Add(float64(len(txs)))
		}

		task = tasks.NewPushTransactions(txs, origins)
	}

	if task.Kind() == tasks.KindReorgStart {
		s.reorgQueued = false
		s.reorging = true
	}

	prometheusSchedulerQueueDepth.Set(float64(s.queue.Len()))

	return task, true
}

func (s *Scheduler) isReorging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reorging
}

// Run executes tasks until ctx is done. An in-flight task always completes.
// It returns a RESTART_REQUIRED error when the node cannot continue without
// a restart.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		s.syncCheck(ctx)
	}()

	defer func() {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()

		wg.Wait()
	}()

	poll := s.settings.Scheduler.PollInterval
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}

	idle := time.NewTimer(poll)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		task, ok := s.next()
		if !ok {
			if !s.isReorging() && s.State() != StateMining {
				s.transition(ctx, StateIdle)
			}

			s.engine.OnIdle(ctx)

			idle.Reset(poll)

			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			case <-idle.C:
			}

			continue
		}

		if err := s.execute(ctx, task); err != nil {
			return err
		}
	}
}

// execute runs task and routes its failure. Only errors that must stop the
// loop are returned.
func (s *Scheduler) execute(ctx context.Context, task tasks.Task) error {
	start := time.Now()

	s.logger.Debugf("[Scheduler] executing %s", tasks.Describe(task))

	err := s.dispatch(ctx, task)

	prometheusSchedulerTaskDuration.WithLabelValues(task.Kind().String()).Observe(float64(time.Since(start).Microseconds()) / 1_000_000)

	if err == nil {
		return nil
	}

	if errors.Is(err, errors.ErrRestartRequired) {
		return err
	}

	s.handleError(ctx, task, err)

	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, task tasks.Task) error {
	switch t := task.(type) {
	case *tasks.RebuildAddressIndex:
		return s.engine.RebuildAddressIndex(ctx)

	case *tasks.PushTransaction:
		return s.engine.PushTransactions(ctx, []*model.Transaction{t.Tx}, []string{t.Origin})

	case *tasks.PushTransactions:
		return s.engine.PushTransactions(ctx, t.Txs, t.Origins)

	case *tasks.DigestFinalizedBlock:
		return s.digest(ctx, t)

	case *tasks.SyncWithPeers:
		return s.sync(ctx)

	case *tasks.CreateCandidate:
		return s.createCandidate(ctx)

	case *tasks.StartMining:
		if err := s.engine.StartMining(ctx); err != nil {
			return err
		}

		s.transition(ctx, StateMining)

		return nil

	case *tasks.RollBackTo:
		removed, err := s.engine.RollBackTo(ctx, t.Height)
		if err != nil {
			return err
		}

		// they compete again if the new branch cannot be applied
		for _, block := range removed {
			s.forkChoice.Store(block, "")
		}

		return nil

	case *tasks.ReorgStart:
		s.transition(ctx, StateReorging)
		prometheusSchedulerReorgs.Inc()

		return nil

	case *tasks.ReorgEnd:
		return s.endReorg(ctx)

	default:
		s.logger.Warnf("[Scheduler] unknown task %s", tasks.Describe(task))
		return nil
	}
}

func (s *Scheduler) digest(ctx context.Context, t *tasks.DigestFinalizedBlock) error {
	reorging := s.isReorging()
	if !reorging {
		s.transition(ctx, StateDigesting)
	}

	delay, err := s.engine.DigestFinalizedBlock(ctx, t.Block, t.Origin)
	if err != nil {
		return err
	}

	if t.Broadcast {
		if err = s.engine.BroadcastBlock(ctx, t.Block); err != nil {
			s.logger.Warnf("[Scheduler] failed to broadcast %s: %v", t.Block, err)
		}
	}

	if !reorging {
		s.scheduleCandidate(delay)
	}

	return nil
}

// scheduleCandidate queues candidate creation after delay. A newer schedule
// replaces an older one.
func (s *Scheduler) scheduleCandidate(delay time.Duration) {
	if delay <= 0 {
		s.Enqueue(tasks.NewCreateCandidate())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}

	s.timer = time.AfterFunc(delay, func() {
		s.Enqueue(tasks.NewCreateCandidate())
	})
}

func (s *Scheduler) createCandidate(ctx context.Context) error {
	candidate, err := s.engine.CreateBlockCandidate(ctx)
	if err != nil || candidate == nil {
		return err
	}

	s.engine.OfferCandidate(ctx, candidate)

	return nil
}

func (s *Scheduler) sync(ctx context.Context) error {
	s.transition(ctx, StateSyncing)
	s.engine.SetSyncing(true)

	result, err := s.syncer.SyncWithPeers(ctx)

	s.engine.SetSyncing(false)

	s.mu.Lock()
	s.syncActive = false
	s.mu.Unlock()

	if err != nil {
		s.logger.Warnf("[Scheduler] sync failed: %v", err)
	}

	s.logger.Infof("[Scheduler] sync finished: %s", result)

	switch result {
	case blocksync.ResultDone:
		s.syncFailures = 0
		s.Enqueue(tasks.NewCreateCandidate())

	case blocksync.ResultPartial:
		s.syncFailures = 0
		s.Enqueue(tasks.NewSyncWithPeers())

	case blocksync.ResultCheckpointDeployed:
		return errors.NewRestartRequiredError("[Scheduler] the network moved past a checkpoint this node is not on")

	case blocksync.ResultDiverged:
		s.syncFailures = 0
		s.consultForkChoice(ctx)

	default:
		s.syncFailures++

		if s.syncFailures < s.settings.Scheduler.MaxSyncFailures {
			s.Enqueue(tasks.NewSyncWithPeers())
			return nil
		}

		s.syncFailures = 0
		s.consultForkChoice(ctx)
	}

	return nil
}

// consultForkChoice queues a reorg when a better branch is known, or resumes
// candidate creation otherwise.
func (s *Scheduler) consultForkChoice(ctx context.Context) {
	plan, err := s.evaluate(ctx)
	if err != nil {
		s.logger.Errorf("[Scheduler] fork choice failed: %v", err)
	}

	if len(plan) > 0 && s.EnqueueFrontAtomic(plan) {
		return
	}

	s.Enqueue(tasks.NewCreateCandidate())
}

func (s *Scheduler) evaluate(ctx context.Context) ([]tasks.Task, error) {
	heights, err := s.engine.RollbackHeights(ctx)
	if err != nil {
		return nil, err
	}

	return s.forkChoice.Evaluate(ctx, heights)
}

func (s *Scheduler) endReorg(ctx context.Context) error {
	s.mu.Lock()
	s.reorging = false
	target := s.reorgTarget
	s.reorgTarget = nil
	s.mu.Unlock()

	s.transition(ctx, StateIdle)

	if target != nil {
		if height, ok := s.engine.Height(); !ok || height < target.Index {
			s.logger.Warnf("[Scheduler] reorg onto %s stopped at height %d, branch dropped", target, height)
			prometheusSchedulerFailedReorgs.Inc()

			// re-planning the same branch would fail the same way
			s.forkChoice.Forget(target.Hash)
		}
	}

	heights, err := s.engine.RollbackHeights(ctx)
	if err != nil {
		return err
	}

	s.forkChoice.Prune(heights)

	s.consultForkChoice(ctx)

	return nil
}

// handleError turns a failed task into follow-up work.
func (s *Scheduler) handleError(ctx context.Context, task tasks.Task, err error) {
	switch {
	case errors.Is(err, errors.ErrBlockExists):
		s.logger.Debugf("[Scheduler] %s: %v", tasks.Describe(task), err)
		return
	case errors.IsTransientMempoolRejection(err):
		s.logger.Debugf("[Scheduler] %s: %v", tasks.Describe(task), err)
		return
	}

	digest, isDigest := task.(*tasks.DigestFinalizedBlock)
	data, hasDirectives := errors.BlockDirectives(err)

	if !isDigest || !hasDirectives {
		if errors.IsContextError(err) && ctx.Err() != nil {
			s.logger.Debugf("[Scheduler] %s interrupted: %v", tasks.Describe(task), err)
			return
		}

		prometheusSchedulerErrors.WithLabelValues(task.Kind().String(), errors.ErrorCategory(err)).Inc()
		s.logger.Errorf("[Scheduler] %s failed: %v", tasks.Describe(task), err)

		return
	}

	s.logger.Infof("[Scheduler] rejected %s from %q at %s: %s", digest.Block, digest.Origin, data.Stage, data.Reason)

	// a block failing inside a reorg is not planned again by its ReorgEnd
	reorging := s.isReorging()
	reorg := false

	for _, d := range data.Directives {
		switch d.Kind {
		case errors.DirectiveBan:
			if digest.Origin != "" {
				s.reputation.Ban(digest.Origin)
			}

			s.forkChoice.Ban(digest.Block.Hash)

		case errors.DirectiveApplyOffense:
			if digest.Origin != "" {
				s.reputation.Penalize(digest.Origin, d.Offense)
			}

		case errors.DirectiveStoreForReorg:
			if reorging {
				s.forkChoice.Forget(digest.Block.Hash)
			} else {
				s.forkChoice.Store(digest.Block, digest.Origin)
			}

		case errors.DirectiveTriggerReorg:
			reorg = true
		}
	}

	if reorg {
		s.triggerReorg(ctx, digest.Block)
	}
}

func (s *Scheduler) triggerReorg(ctx context.Context, block *model.Block) {
	if s.isReorging() {
		s.logger.Debugf("[Scheduler] reorg in progress, %s kept for later", block)
		return
	}

	plan, err := s.evaluate(ctx)
	if err != nil {
		s.logger.Errorf("[Scheduler] fork choice failed: %v", err)
		return
	}

	if len(plan) > 0 {
		s.EnqueueFrontAtomic(plan)
		return
	}

	// the branch cannot be built from what we have, fetch it
	if height, ok := s.engine.Height(); !ok || block.Index > height {
		s.Enqueue(tasks.NewSyncWithPeers())
	}
}

// syncCheck asks for a sync at random intervals so a silently diverged node
// catches up.
func (s *Scheduler) syncCheck(ctx context.Context) {
	lo := s.settings.Scheduler.SyncCheckMin
	hi := s.settings.Scheduler.SyncCheckMax

	if lo <= 0 {
		return
	}

	for {
		wait := lo
		if hi > lo {
			wait += time.Duration(rand.Int63n(int64(hi - lo)))
		}

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Enqueue(tasks.NewSyncWithPeers())
		}
	}
}
