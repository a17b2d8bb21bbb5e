package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/services/blocksync"
	"github.com/hybridpos/vssnode/services/tasks"
	"github.com/hybridpos/vssnode/settings"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) DigestFinalizedBlock(ctx context.Context, block *model.Block, origin string) (time.Duration, error) {
	args := m.Called(ctx, block, origin)
	return args.Get(0).(time.Duration), args.Error(1)
}

func (m *mockEngine) BroadcastBlock(ctx context.Context, block *model.Block) error {
	return m.Called(ctx, block).Error(0)
}

func (m *mockEngine) CreateBlockCandidate(ctx context.Context) (*model.Block, error) {
	args := m.Called(ctx)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*model.Block), args.Error(1)
}

func (m *mockEngine) OfferCandidate(ctx context.Context, candidate *model.Block) bool {
	return m.Called(ctx, candidate).Bool(0)
}

func (m *mockEngine) StartMining(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockEngine) OnIdle(ctx context.Context) {
	m.Called(ctx)
}

func (m *mockEngine) RollBackTo(ctx context.Context, height uint64) ([]*model.Block, error) {
	args := m.Called(ctx, height)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*model.Block), args.Error(1)
}

func (m *mockEngine) RollbackHeights(ctx context.Context) ([]uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).([]uint64), args.Error(1)
}

func (m *mockEngine) PushTransactions(ctx context.Context, txs []*model.Transaction, origins []string) error {
	return m.Called(ctx, txs, origins).Error(0)
}

func (m *mockEngine) RebuildAddressIndex(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockEngine) SetSyncing(syncing bool) {
	m.Called(syncing)
}

func (m *mockEngine) Height() (uint64, bool) {
	args := m.Called()
	return args.Get(0).(uint64), args.Bool(1)
}

type mockForkChoice struct {
	mock.Mock
}

func (m *mockForkChoice) Store(block *model.Block, origin string) bool {
	return m.Called(block, origin).Bool(0)
}

func (m *mockForkChoice) Ban(hash chainhash.Hash) {
	m.Called(hash)
}

func (m *mockForkChoice) Forget(hash chainhash.Hash) {
	m.Called(hash)
}

func (m *mockForkChoice) Evaluate(ctx context.Context, rollbackHeights []uint64) ([]tasks.Task, error) {
	args := m.Called(ctx, rollbackHeights)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]tasks.Task), args.Error(1)
}

func (m *mockForkChoice) Prune(rollbackHeights []uint64) {
	m.Called(rollbackHeights)
}

type mockSyncer struct {
	mock.Mock
}

func (m *mockSyncer) SyncWithPeers(ctx context.Context) (blocksync.Result, error) {
	args := m.Called(ctx)
	return args.Get(0).(blocksync.Result), args.Error(1)
}

type mockReputation struct {
	mock.Mock
}

func (m *mockReputation) Penalize(peerID, offense string) (int, bool) {
	args := m.Called(peerID, offense)
	return args.Int(0), args.Bool(1)
}

func (m *mockReputation) Ban(peerID string) {
	m.Called(peerID)
}

func (m *mockReputation) IsBanned(peerID string) bool {
	return m.Called(peerID).Bool(0)
}

type fixture struct {
	scheduler  *Scheduler
	engine     *mockEngine
	forkChoice *mockForkChoice
	syncer     *mockSyncer
	reputation *mockReputation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tSettings := settings.NewSettings()
	tSettings.Scheduler.PollInterval = time.Millisecond
	tSettings.Scheduler.SyncCheckMin = 0
	tSettings.Scheduler.MaxSyncFailures = 3

	f := &fixture{
		engine:     &mockEngine{},
		forkChoice: &mockForkChoice{},
		syncer:     &mockSyncer{},
		reputation: &mockReputation{},
	}

	f.scheduler = New(ulogger.TestLogger{}, tSettings, f.engine, f.forkChoice, f.syncer, f.reputation)

	return f
}

func kinds(s *Scheduler) []tasks.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]tasks.Kind, 0, s.queue.Len())
	for i := 0; i < s.queue.Len(); i++ {
		out = append(out, s.queue.At(i).Kind())
	}

	return out
}

func testTx(seed byte) *model.Transaction {
	return &model.Transaction{
		Inputs:  []*model.TxInput{{Anchor: model.Anchor{TxID: chainhash.Hash{seed}}}},
		Outputs: []*model.TxOutput{{Address: "addr", Amount: uint64(seed), Rule: model.RuleSig}},
	}
}

func TestCoalescePushTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, b, c := testTx(1), testTx(2), testTx(3)

	f.scheduler.Enqueue(tasks.NewPushTransaction(a, "peer-1"))
	f.scheduler.Enqueue(tasks.NewPushTransaction(b, ""))
	f.scheduler.Enqueue(tasks.NewPushTransaction(c, "peer-2"))
	f.scheduler.Enqueue(tasks.NewCreateCandidate())
	f.scheduler.Enqueue(tasks.NewPushTransaction(a, "peer-3"))

	task, ok := f.scheduler.next()
	require.True(t, ok)

	batch, ok := task.(*tasks.PushTransactions)
	require.True(t, ok)
	assert.Equal(t, []*model.Transaction{a, b, c}, batch.Txs)
	assert.Equal(t, []string{"peer-1", "", "peer-2"}, batch.Origins)

	f.engine.On("PushTransactions", ctx, []*model.Transaction{a, b, c}, []string{"peer-1", "", "peer-2"}).
		Return(errors.NewTxAlreadyExistsError("duplicate")).Once()

	require.NoError(t, f.scheduler.execute(ctx, task))
	f.engine.AssertExpectations(t)

	assert.Equal(t, []tasks.Kind{tasks.KindCreateCandidate, tasks.KindPushTransaction}, kinds(f.scheduler))
}

func TestSyncIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.scheduler.Enqueue(tasks.NewSyncWithPeers())
	f.scheduler.Enqueue(tasks.NewSyncWithPeers())
	assert.Equal(t, 1, f.scheduler.Len())

	task, ok := f.scheduler.next()
	require.True(t, ok)

	// still running
	f.scheduler.Enqueue(tasks.NewSyncWithPeers())
	assert.Equal(t, 0, f.scheduler.Len())

	f.engine.On("SetSyncing", true).Once()
	f.engine.On("SetSyncing", false).Once()
	f.syncer.On("SyncWithPeers", ctx).Return(blocksync.ResultDone, nil).Once()

	require.NoError(t, f.scheduler.execute(ctx, task))

	assert.Equal(t, []tasks.Kind{tasks.KindCreateCandidate}, kinds(f.scheduler))

	f.scheduler.Enqueue(tasks.NewSyncWithPeers())
	assert.Equal(t, 2, f.scheduler.Len())

	f.engine.AssertExpectations(t)
	f.syncer.AssertExpectations(t)
}

func TestEnqueueFrontAtomic(t *testing.T) {
	f := newFixture(t)

	f.scheduler.Enqueue(tasks.NewCreateCandidate())

	plan := []tasks.Task{tasks.NewReorgStart(), tasks.NewRollBackTo(4), tasks.NewReorgEnd()}
	require.True(t, f.scheduler.EnqueueFrontAtomic(plan))

	assert.False(t, f.scheduler.EnqueueFrontAtomic([]tasks.Task{tasks.NewReorgStart(), tasks.NewReorgEnd()}))

	assert.Equal(t, []tasks.Kind{
		tasks.KindReorgStart,
		tasks.KindRollBackTo,
		tasks.KindReorgEnd,
		tasks.KindCreateCandidate,
	}, kinds(f.scheduler))

	f.scheduler.EnqueueFront(tasks.NewRebuildAddressIndex())
	assert.Equal(t, tasks.KindRebuildAddressIndex, kinds(f.scheduler)[0])
}

func TestSyncResultRouting(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		result blocksync.Result
		err    error
		want   []tasks.Kind
	}{
		{"done", blocksync.ResultDone, nil, []tasks.Kind{tasks.KindCreateCandidate}},
		{"partial", blocksync.ResultPartial, nil, []tasks.Kind{tasks.KindSyncWithPeers}},
		{"failed", blocksync.ResultFailed, errors.NewSyncFailedError("no peer"), []tasks.Kind{tasks.KindSyncWithPeers}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.engine.On("SetSyncing", mock.Anything)
			f.syncer.On("SyncWithPeers", ctx).Return(tt.result, tt.err).Once()

			f.scheduler.Enqueue(tasks.NewSyncWithPeers())

			task, _ := f.scheduler.next()
			require.NoError(t, f.scheduler.execute(ctx, task))

			assert.Equal(t, tt.want, kinds(f.scheduler))
		})
	}

	t.Run("checkpoint deployed stops the loop", func(t *testing.T) {
		f := newFixture(t)
		f.engine.On("SetSyncing", mock.Anything)
		f.syncer.On("SyncWithPeers", ctx).Return(blocksync.ResultCheckpointDeployed, nil).Once()

		err := f.scheduler.execute(ctx, tasks.NewSyncWithPeers())
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrRestartRequired))
	})

	t.Run("repeated failures consult the fork choice", func(t *testing.T) {
		f := newFixture(t)
		f.engine.On("SetSyncing", mock.Anything)
		f.engine.On("RollbackHeights", ctx).Return([]uint64{5, 10}, nil)
		f.syncer.On("SyncWithPeers", ctx).Return(blocksync.ResultFailed, nil)

		plan := []tasks.Task{tasks.NewReorgStart(), tasks.NewRollBackTo(5), tasks.NewReorgEnd()}
		f.forkChoice.On("Evaluate", ctx, []uint64{5, 10}).Return(plan, nil).Once()

		for i := 0; i < 3; i++ {
			task, ok := f.scheduler.next()
			if !ok {
				task = tasks.NewSyncWithPeers()
			}

			require.NoError(t, f.scheduler.execute(ctx, task))
		}

		assert.Equal(t, []tasks.Kind{tasks.KindReorgStart, tasks.KindRollBackTo, tasks.KindReorgEnd}, kinds(f.scheduler))
		f.forkChoice.AssertExpectations(t)
	})

	t.Run("divergence consults the fork choice at once", func(t *testing.T) {
		f := newFixture(t)
		f.engine.On("SetSyncing", mock.Anything)
		f.engine.On("RollbackHeights", ctx).Return([]uint64{}, nil)
		f.syncer.On("SyncWithPeers", ctx).Return(blocksync.ResultDiverged, nil).Once()
		f.forkChoice.On("Evaluate", ctx, []uint64{}).Return(nil, nil).Once()

		require.NoError(t, f.scheduler.execute(ctx, tasks.NewSyncWithPeers()))
		assert.Equal(t, []tasks.Kind{tasks.KindCreateCandidate}, kinds(f.scheduler))
	})
}

func TestDigestDirectives(t *testing.T) {
	ctx := context.Background()
	block := &model.Block{Index: 7, Hash: chainhash.Hash{0x07}}

	t.Run("ban", func(t *testing.T) {
		f := newFixture(t)
		f.engine.On("DigestFinalizedBlock", ctx, block, "peer").
			Return(time.Duration(0), errors.NewBlockRejectedError("pow", "bad", errors.Ban())).Once()
		f.reputation.On("Ban", "peer").Once()
		f.forkChoice.On("Ban", block.Hash).Once()

		require.NoError(t, f.scheduler.execute(ctx, tasks.NewDigestFinalizedBlock(block, false, "peer")))

		f.reputation.AssertExpectations(t)
		f.forkChoice.AssertExpectations(t)
		assert.Empty(t, kinds(f.scheduler))
	})

	t.Run("offense and store", func(t *testing.T) {
		f := newFixture(t)
		f.engine.On("DigestFinalizedBlock", ctx, block, "peer").
			Return(time.Duration(0), errors.NewBlockRejectedError("timestamp", "future",
				errors.ApplyOffense(errors.OffenseMinor), errors.StoreForReorg())).Once()
		f.reputation.On("Penalize", "peer", errors.OffenseMinor).Return(10, false).Once()
		f.forkChoice.On("Store", block, "peer").Return(true).Once()

		require.NoError(t, f.scheduler.execute(ctx, tasks.NewDigestFinalizedBlock(block, false, "peer")))

		f.reputation.AssertExpectations(t)
		f.forkChoice.AssertExpectations(t)
	})

	t.Run("trigger reorg queues the plan first", func(t *testing.T) {
		f := newFixture(t)
		f.scheduler.Enqueue(tasks.NewCreateCandidate())

		f.engine.On("DigestFinalizedBlock", ctx, block, "peer").
			Return(time.Duration(0), errors.NewBlockRejectedError("prev_hash", "fork",
				errors.StoreForReorg(), errors.TriggerReorg())).Once()
		f.engine.On("RollbackHeights", ctx).Return([]uint64{5}, nil)
		f.forkChoice.On("Store", block, "peer").Return(true).Once()

		plan := []tasks.Task{tasks.NewReorgStart(), tasks.NewDigestFinalizedBlock(block, true, "peer"), tasks.NewReorgEnd()}
		f.forkChoice.On("Evaluate", ctx, []uint64{5}).Return(plan, nil).Once()

		require.NoError(t, f.scheduler.execute(ctx, tasks.NewDigestFinalizedBlock(block, false, "peer")))

		assert.Equal(t, []tasks.Kind{
			tasks.KindReorgStart,
			tasks.KindDigestFinalizedBlock,
			tasks.KindReorgEnd,
			tasks.KindCreateCandidate,
		}, kinds(f.scheduler))
	})

	t.Run("unbuildable branch ahead of the tip starts a sync", func(t *testing.T) {
		f := newFixture(t)

		f.engine.On("DigestFinalizedBlock", ctx, block, "peer").
			Return(time.Duration(0), errors.NewBlockRejectedError("height", "ahead",
				errors.StoreForReorg(), errors.TriggerReorg())).Once()
		f.engine.On("RollbackHeights", ctx).Return([]uint64{}, nil)
		f.engine.On("Height").Return(uint64(3), true)
		f.forkChoice.On("Store", block, "peer").Return(true).Once()
		f.forkChoice.On("Evaluate", ctx, []uint64{}).Return(nil, nil).Once()

		require.NoError(t, f.scheduler.execute(ctx, tasks.NewDigestFinalizedBlock(block, false, "peer")))

		assert.Equal(t, []tasks.Kind{tasks.KindSyncWithPeers}, kinds(f.scheduler))
	})

	t.Run("existing block is ignored", func(t *testing.T) {
		f := newFixture(t)
		f.engine.On("DigestFinalizedBlock", ctx, block, "peer").
			Return(time.Duration(0), errors.NewBlockExistsError("known")).Once()

		require.NoError(t, f.scheduler.execute(ctx, tasks.NewDigestFinalizedBlock(block, false, "peer")))

		f.forkChoice.AssertNotCalled(t, "Store", mock.Anything, mock.Anything)
		f.reputation.AssertNotCalled(t, "Ban", mock.Anything)
	})
}

func TestDigestSchedulesNextCandidate(t *testing.T) {
	ctx := context.Background()
	block := &model.Block{Index: 1, Hash: chainhash.Hash{0x01}}

	t.Run("immediately for the best ranked node", func(t *testing.T) {
		f := newFixture(t)
		f.engine.On("DigestFinalizedBlock", ctx, block, "").Return(time.Duration(0), nil).Once()
		f.engine.On("BroadcastBlock", ctx, block).Return(nil).Once()

		require.NoError(t, f.scheduler.execute(ctx, tasks.NewDigestFinalizedBlock(block, true, "")))

		assert.Equal(t, []tasks.Kind{tasks.KindCreateCandidate}, kinds(f.scheduler))
		assert.Equal(t, StateDigesting, f.scheduler.State())
		f.engine.AssertExpectations(t)
	})

	t.Run("after the rank delay", func(t *testing.T) {
		f := newFixture(t)
		f.engine.On("DigestFinalizedBlock", ctx, block, "peer").Return(20*time.Millisecond, nil).Once()

		require.NoError(t, f.scheduler.execute(ctx, tasks.NewDigestFinalizedBlock(block, false, "peer")))
		assert.Empty(t, kinds(f.scheduler))

		require.Eventually(t, func() bool {
			return f.scheduler.Len() == 1
		}, time.Second, 5*time.Millisecond)

		f.engine.AssertNotCalled(t, "BroadcastBlock", mock.Anything, mock.Anything)
	})
}

func TestReorgBracket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	block := &model.Block{Index: 9, Hash: chainhash.Hash{0x09}}
	removed := &model.Block{Index: 9, Hash: chainhash.Hash{0x90}}

	f.engine.On("RollBackTo", ctx, uint64(8)).Return([]*model.Block{removed}, nil).Once()
	f.engine.On("DigestFinalizedBlock", ctx, block, "peer").Return(time.Duration(0), nil).Once()
	f.engine.On("BroadcastBlock", ctx, block).Return(nil).Once()
	f.engine.On("RollbackHeights", ctx).Return([]uint64{8}, nil)
	f.engine.On("Height").Return(uint64(9), true)
	f.forkChoice.On("Store", removed, "").Return(true).Once()
	f.forkChoice.On("Prune", []uint64{8}).Once()
	f.forkChoice.On("Evaluate", ctx, []uint64{8}).Return(nil, nil).Once()

	require.True(t, f.scheduler.EnqueueFrontAtomic([]tasks.Task{
		tasks.NewReorgStart(),
		tasks.NewRollBackTo(8),
		tasks.NewDigestFinalizedBlock(block, true, "peer"),
		tasks.NewReorgEnd(),
	}))

	for i := 0; i < 3; i++ {
		task, ok := f.scheduler.next()
		require.True(t, ok)
		require.NoError(t, f.scheduler.execute(ctx, task))

		assert.Equal(t, StateReorging, f.scheduler.State())
	}

	// no candidate while the reorg runs
	assert.Equal(t, []tasks.Kind{tasks.KindReorgEnd}, kinds(f.scheduler))

	task, ok := f.scheduler.next()
	require.True(t, ok)
	require.NoError(t, f.scheduler.execute(ctx, task))

	assert.Equal(t, StateIdle, f.scheduler.State())
	assert.Equal(t, []tasks.Kind{tasks.KindCreateCandidate}, kinds(f.scheduler))

	f.engine.AssertExpectations(t)
	f.forkChoice.AssertExpectations(t)
}

func TestFailedReorgIsNotPlannedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := &model.Block{Index: 9, Hash: chainhash.Hash{0x09}}

	f.engine.On("DigestFinalizedBlock", ctx, target, "peer").
		Return(time.Duration(0), errors.NewBlockRejectedError("timestamp", "future",
			errors.ApplyOffense(errors.OffenseMinor), errors.StoreForReorg())).Once()
	f.engine.On("Height").Return(uint64(8), true)
	f.engine.On("RollbackHeights", ctx).Return([]uint64{8}, nil)
	f.reputation.On("Penalize", "peer", errors.OffenseMinor).Return(10, false).Once()
	f.forkChoice.On("Forget", target.Hash).Twice()
	f.forkChoice.On("Prune", []uint64{8}).Once()
	f.forkChoice.On("Evaluate", ctx, []uint64{8}).Return(nil, nil).Once()

	require.True(t, f.scheduler.EnqueueFrontAtomic([]tasks.Task{
		tasks.NewReorgStart(),
		tasks.NewDigestFinalizedBlock(target, true, "peer"),
		tasks.NewReorgEnd(),
	}))

	for i := 0; i < 3; i++ {
		task, ok := f.scheduler.next()
		require.True(t, ok)
		require.NoError(t, f.scheduler.execute(ctx, task))
	}

	assert.Equal(t, StateIdle, f.scheduler.State())
	assert.Equal(t, []tasks.Kind{tasks.KindCreateCandidate}, kinds(f.scheduler))

	f.forkChoice.AssertNotCalled(t, "Store", mock.Anything, mock.Anything)
	f.forkChoice.AssertExpectations(t)
	f.reputation.AssertExpectations(t)
}

func TestCreateCandidateAndMining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	candidate := &model.Block{Index: 3}

	f.engine.On("CreateBlockCandidate", ctx).Return(candidate, nil).Once()
	f.engine.On("OfferCandidate", ctx, candidate).Return(true).Once()
	f.engine.On("StartMining", ctx).Return(nil).Once()

	require.NoError(t, f.scheduler.execute(ctx, tasks.NewCreateCandidate()))
	require.NoError(t, f.scheduler.execute(ctx, tasks.NewStartMining()))

	assert.Equal(t, StateMining, f.scheduler.State())

	f.engine.On("CreateBlockCandidate", ctx).Return(nil, nil).Once()
	require.NoError(t, f.scheduler.execute(ctx, tasks.NewCreateCandidate()))

	f.engine.AssertExpectations(t)
}

func TestRun(t *testing.T) {
	f := newFixture(t)

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())

	idle := make(chan struct{}, 1)

	f.engine.On("OnIdle", mock.Anything).Run(func(mock.Arguments) {
		select {
		case idle <- struct{}{}:
		default:
		}
	})
	f.engine.On("RebuildAddressIndex", mock.Anything).Return(nil).Once()

	f.scheduler.Enqueue(tasks.NewRebuildAddressIndex())

	done := make(chan error, 1)

	go func() {
		done <- f.scheduler.Run(ctx)
	}()

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("scheduler never went idle")
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}

	f.engine.AssertCalled(t, "RebuildAddressIndex", mock.Anything)
	assert.Equal(t, StateIdle, f.scheduler.State())
}
