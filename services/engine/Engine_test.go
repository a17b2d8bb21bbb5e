package engine

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
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
	"github.com/hybridpos/vssnode/stores/blob/memory"
	"github.com/hybridpos/vssnode/stores/blockchain"
	"github.com/hybridpos/vssnode/stores/snapshot"
	"github.com/hybridpos/vssnode/stores/utxo"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/hybridpos/vssnode/util/clock"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	minerSigner     = model.NewTestSigner("miner")
	validatorSigner = model.NewTestSigner("validator")
	alice           = model.NewTestSigner("alice")
)

type fakeMiner struct {
	mu   sync.Mutex
	cmds []miner.Command
}

func (f *fakeMiner) Send(_ context.Context, cmd miner.Command) error {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()

	return nil
}

func (f *fakeMiner) commands() []miner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]miner.Command(nil), f.cmds...)
}

type recordingQueue struct {
	mu    sync.Mutex
	queue []tasks.Task
}

func (q *recordingQueue) Enqueue(task tasks.Task) {
	q.mu.Lock()
	q.queue = append(q.queue, task)
	q.mu.Unlock()
}

func (q *recordingQueue) tasks() []tasks.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]tasks.Task(nil), q.queue...)
}

type testEnv struct {
	engine  *Engine
	chain   blockchain.Store
	utxos   *utxo.Set
	mempool *mempool.Mempool
	miner   *fakeMiner
	queue   *recordingQueue
	bus     *p2p.Bus
	network *p2p.Loopback
	bans    *p2p.PeerBanManager
	clock   *clock.Fixed
	params  *chaincfg.Params
}

func testParams() *chaincfg.Params {
	params := chaincfg.RegressionNetParams
	params.PowTime = model.TestPowParams.Time
	params.PowMemoryKiB = model.TestPowParams.MemoryKiB
	params.PowThreads = model.TestPowParams.Threads

	return &params
}

func newTestEnv(t *testing.T, configure ...func(*settings.Settings)) *testEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	logger := ulogger.TestLogger{}
	params := testParams()

	tSettings := settings.NewSettings()
	tSettings.ChainCfgParams = params
	tSettings.Node.MinPeers = 0
	tSettings.Node.ValidatorKey = validatorSigner.PrivateKeyHex()
	tSettings.Node.IgnoreIncoming = false
	tSettings.Snapshot.Interval = 1
	tSettings.Snapshot.Retention = 10
	tSettings.Snapshot.CheckpointModulo = 100
	tSettings.Mining.Enabled = true
	tSettings.Scheduler.CandidateDelayPerRank = 10 * time.Millisecond
	tSettings.P2P.RateLimit = 1000
	tSettings.P2P.RateBurst = 1000
	tSettings.P2P.BanThreshold = 100

	for _, fn := range configure {
		fn(tSettings)
	}

	chain, err := blockchain.NewStore(logger, &url.URL{Scheme: "memory"}, 10)
	require.NoError(t, err)

	blobs := memory.New()
	snapshots := snapshot.New(logger, blobs, tSettings.Snapshot.Retention)

	pool := validator.New(logger, 2)
	pool.Start(ctx)

	env := &testEnv{
		chain:   chain,
		utxos:   utxo.New(logger, chain),
		mempool: mempool.New(logger, 100),
		miner:   &fakeMiner{},
		queue:   &recordingQueue{},
		bus:     p2p.NewBus(),
		bans:    p2p.NewPeerBanManager(ctx, nil, tSettings),
		clock:   clock.NewFixed(10_000),
		params:  params,
	}

	env.network = env.bus.Join("self", chain, env.bans)
	require.NoError(t, env.network.Start(ctx))

	env.engine, err = New(logger, tSettings, Options{
		Chain:       chain,
		Utxos:       env.utxos,
		Spectrum:    vss.New(logger, params),
		Mempool:     env.mempool,
		Snapshots:   snapshots,
		Checkpoints: snapshot.NewCheckpointStore(logger, blobs, snapshots),
		Validator:   pool,
		Miner:       env.miner,
		Network:     env.network,
		Clock:       env.clock,
	})
	require.NoError(t, err)

	env.engine.SetTaskQueue(env.queue)
	require.NoError(t, env.engine.Start(ctx))

	t.Cleanup(func() {
		_ = env.engine.Stop(ctx)
		pool.Stop()
		cancel()
		_ = chain.Close()
	})

	return env
}

// nextBlock builds a finalized block on top of prev with no user transactions.
func nextBlock(params *chaincfg.Params, prev *model.Block, timestamp int64, txs ...*model.Transaction) *model.Block {
	var (
		index    uint64
		prevHash chainhash.Hash
	)

	if prev != nil {
		index = prev.Index + 1
		prevHash = prev.Hash
	}

	supply := NextSupply(prev)

	b := model.NewTestBlock(index, prevHash, timestamp, minerSigner, validatorSigner, NextCoinbase(params, index, supply), txs...)
	b.Supply = supply
	model.SolveBlock(b, model.TestPowParams, b.Difficulty)

	return b
}

// finalize turns a candidate into a mined block the way the miner does.
func finalize(candidate *model.Block) *model.Block {
	b := candidate.Clone()
	powTx := model.NewRewardTx(false, b.Index, b.PrevHash, minerSigner.Address(), b.PowReward)

	b.Txs = append([]*model.Transaction{powTx}, b.Txs...)
	b.Timestamp = b.PosTimestamp
	model.SolveBlock(b, model.TestPowParams, b.FinalDifficulty(0))

	return b
}

func requireDirectives(t *testing.T, err error, stage string, kinds ...errors.DirectiveKind) {
	t.Helper()

	require.Error(t, err)
	require.True(t, errors.Is(err, errors.ErrBlockInvalid), "expected BLOCK_INVALID, got %v", err)

	data, ok := errors.BlockDirectives(err)
	require.True(t, ok)
	assert.Equal(t, stage, data.Stage)
	require.Len(t, data.Directives, len(kinds))

	for i, kind := range kinds {
		assert.Equal(t, kind, data.Directives[i].Kind)
	}
}

// rejectedCount reads the rejection counter of stage.
func rejectedCount(t *testing.T, stage string) float64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, prometheusEngineRejected.WithLabelValues(stage).Write(metric))

	return metric.GetCounter().GetValue()
}

func TestCreateBlockCandidateGenesis(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	candidate, err := env.engine.CreateBlockCandidate(ctx)
	require.NoError(t, err)
	require.NotNil(t, candidate)

	assert.Equal(t, uint64(0), candidate.Index)
	assert.Equal(t, chainhash.Hash{}, candidate.PrevHash)
	assert.Equal(t, uint32(0), candidate.Legitimacy)
	assert.Equal(t, env.params.InitialDifficulty, candidate.Difficulty)
	assert.Equal(t, uint64(0), candidate.Supply)
	assert.Equal(t, env.params.InitialReward, candidate.CoinBase)
	assert.Equal(t, int64(10_000), candidate.PosTimestamp)

	require.Len(t, candidate.Txs, 1)
	assert.True(t, candidate.Txs[0].IsPosReward())
	assert.Equal(t, validatorSigner.Address(), candidate.Txs[0].Outputs[0].Address)
	assert.Equal(t, candidate.CoinBase, candidate.PowReward+candidate.Txs[0].Outputs[0].Amount)
}

func TestDigestMinedCandidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	candidate, err := env.engine.CreateBlockCandidate(ctx)
	require.NoError(t, err)
	require.NotNil(t, candidate)

	genesis := finalize(candidate)

	delay, err := env.engine.DigestFinalizedBlock(ctx, genesis, "")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), delay)

	height, ok := env.engine.Height()
	require.True(t, ok)
	assert.Equal(t, uint64(0), height)

	assert.Len(t, env.utxos.GetAddressUtxos(minerSigner.Address()), 1)
	assert.Len(t, env.utxos.GetAddressUtxos(validatorSigner.Address()), 1)
	assert.Equal(t, env.params.InitialReward, env.utxos.TotalAmount())

	assert.Contains(t, env.miner.commands(), miner.Command(miner.Pause{}))

	t.Run("fees go to both rewards", func(t *testing.T) {
		owned := env.utxos.GetAddressUtxos(validatorSigner.Address())
		require.Len(t, owned, 1)

		spend := model.NewTestSpend(validatorSigner, owned,
			&model.TxOutput{Address: alice.Address(), Amount: owned[0].Amount - chaincfg.Unit, Rule: model.RuleSig})
		require.NoError(t, env.engine.PushTransactions(ctx, []*model.Transaction{spend}, []string{""}))
		require.True(t, env.mempool.Has(spend.ID()))

		env.clock.Set(20_000)

		candidate, err := env.engine.CreateBlockCandidate(ctx)
		require.NoError(t, err)
		require.NotNil(t, candidate)
		require.Len(t, candidate.Txs, 2)

		pos, pow := SplitReward(candidate.CoinBase, chaincfg.Unit)
		assert.Equal(t, pos, candidate.Txs[0].Outputs[0].Amount)
		assert.Equal(t, pow, candidate.PowReward)
		assert.Equal(t, env.params.InitialReward, candidate.Supply)

		block := finalize(candidate)
		_, err = env.engine.DigestFinalizedBlock(ctx, block, "peer")
		require.NoError(t, err)

		assert.False(t, env.mempool.Has(spend.ID()))
		assert.Len(t, env.utxos.GetAddressUtxos(alice.Address()), 1)
	})

	t.Run("roll back to the genesis snapshot", func(t *testing.T) {
		heights, err := env.engine.RollbackHeights(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uint64{0, 1}, heights)

		removed, err := env.engine.RollBackTo(ctx, 0)
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, uint64(1), removed[0].Index)

		height, ok := env.engine.Height()
		require.True(t, ok)
		assert.Equal(t, uint64(0), height)

		assert.Empty(t, env.utxos.GetAddressUtxos(alice.Address()))
		assert.Equal(t, env.params.InitialReward, env.utxos.TotalAmount())

		heights, err = env.engine.RollbackHeights(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uint64{0}, heights)
	})
}

func TestDigestRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	genesis := nextBlock(env.params, nil, 10_000)
	_, err := env.engine.DigestFinalizedBlock(ctx, genesis, "")
	require.NoError(t, err)

	t.Run("already canonical", func(t *testing.T) {
		_, err := env.engine.DigestFinalizedBlock(ctx, genesis, "peer")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrBlockExists))

		_, ok := errors.BlockDirectives(err)
		assert.False(t, ok)
	})

	t.Run("unknown parent", func(t *testing.T) {
		orphan := nextBlock(env.params, &model.Block{Index: 0, Hash: chainhash.Hash{0x01}, CoinBase: env.params.InitialReward}, 10_500)

		_, err := env.engine.DigestFinalizedBlock(ctx, orphan, "peer")
		requireDirectives(t, err, StagePrevHash, errors.DirectiveStoreForReorg, errors.DirectiveTriggerReorg)
	})

	t.Run("ahead of the tip", func(t *testing.T) {
		ahead := nextBlock(env.params, &model.Block{Index: 4, Hash: chainhash.Hash{0x04}}, 10_500)

		_, err := env.engine.DigestFinalizedBlock(ctx, ahead, "peer")
		requireDirectives(t, err, StageHeight, errors.DirectiveStoreForReorg, errors.DirectiveTriggerReorg)
	})

	t.Run("competing genesis", func(t *testing.T) {
		other := nextBlock(env.params, nil, 9_000)

		_, err := env.engine.DigestFinalizedBlock(ctx, other, "peer")
		requireDirectives(t, err, StageHeight, errors.DirectiveStoreForReorg, errors.DirectiveTriggerReorg)
	})

	t.Run("proof of work does not match", func(t *testing.T) {
		b := nextBlock(env.params, genesis, 10_500)
		b.Nonce++

		_, err := env.engine.DigestFinalizedBlock(ctx, b, "peer")
		requireDirectives(t, err, StagePow, errors.DirectiveBan)
	})

	t.Run("block from the future", func(t *testing.T) {
		b := nextBlock(env.params, genesis, 10_000+env.params.MaxFutureBlockTime.Milliseconds()+1_000)

		_, err := env.engine.DigestFinalizedBlock(ctx, b, "peer")
		requireDirectives(t, err, StageTimestamp, errors.DirectiveApplyOffense, errors.DirectiveStoreForReorg)

		data, _ := errors.BlockDirectives(err)
		assert.Equal(t, errors.OffenseMinor, data.Directives[0].Offense)
	})

	t.Run("PoS timestamp before the parent", func(t *testing.T) {
		b := nextBlock(env.params, genesis, 9_000)

		_, err := env.engine.DigestFinalizedBlock(ctx, b, "peer")
		requireDirectives(t, err, StageTimestamp, errors.DirectiveBan)
	})

	t.Run("wrong coinbase", func(t *testing.T) {
		b := nextBlock(env.params, genesis, 10_500)
		b.Supply++
		model.SolveBlock(b, model.TestPowParams, b.Difficulty)

		_, err := env.engine.DigestFinalizedBlock(ctx, b, "peer")
		requireDirectives(t, err, StageCoinbase, errors.DirectiveBan)
	})

	t.Run("wrong difficulty", func(t *testing.T) {
		b := nextBlock(env.params, genesis, 10_500)
		b.Difficulty = 2
		model.SolveBlock(b, model.TestPowParams, b.Difficulty)

		_, err := env.engine.DigestFinalizedBlock(ctx, b, "peer")
		requireDirectives(t, err, StageDifficulty, errors.DirectiveBan)
	})

	t.Run("unsolved block is banned before it can compete", func(t *testing.T) {
		before := rejectedCount(t, StageProof)

		for _, b := range []*model.Block{nextBlock(env.params, genesis, 10_500), nextBlock(env.params, nil, 9_000)} {
			b.Difficulty = 400
			b.Hash = b.ComputeHash(model.TestPowParams)

			_, err := env.engine.DigestFinalizedBlock(ctx, b, "peer")
			requireDirectives(t, err, StageProof, errors.DirectiveBan)
			require.Error(t, env.engine.CheckProof(b))
		}

		assert.InDelta(t, before+2, rejectedCount(t, StageProof), 0)
	})

	t.Run("input spent twice in one block", func(t *testing.T) {
		owned := env.utxos.GetAddressUtxos(validatorSigner.Address())
		require.Len(t, owned, 1)

		first := model.NewTestSpend(validatorSigner, owned,
			&model.TxOutput{Address: alice.Address(), Amount: 10, Rule: model.RuleSig})
		second := model.NewTestSpend(validatorSigner, owned,
			&model.TxOutput{Address: minerSigner.Address(), Amount: 10, Rule: model.RuleSig})

		b := nextBlock(env.params, genesis, 10_500, first, second)
		before := rejectedCount(t, StageDoubleSpend)
		rewards := rejectedCount(t, StageRewards)

		_, err := env.engine.DigestFinalizedBlock(ctx, b, "peer")
		requireDirectives(t, err, StageDoubleSpend, errors.DirectiveBan)

		assert.InDelta(t, before+1, rejectedCount(t, StageDoubleSpend), 0)
		assert.InDelta(t, rewards, rejectedCount(t, StageRewards), 0)
	})

	t.Run("missing rewards", func(t *testing.T) {
		b := nextBlock(env.params, genesis, 10_500)
		b.Txs = b.Txs[1:]

		_, err := env.engine.DigestFinalizedBlock(ctx, b, "peer")
		requireDirectives(t, err, StageShape, errors.DirectiveBan)
	})

	height, ok := env.engine.Height()
	require.True(t, ok)
	assert.Equal(t, uint64(0), height)
}

func TestDigestOnEmptyChain(t *testing.T) {
	env := newTestEnv(t)

	genesis := nextBlock(env.params, nil, 10_000)
	b := nextBlock(env.params, genesis, 10_500)

	_, err := env.engine.DigestFinalizedBlock(context.Background(), b, "peer")
	requireDirectives(t, err, StageHeight, errors.DirectiveStoreForReorg)
}

func TestRestoreReplaysAboveSnapshot(t *testing.T) {
	env := newTestEnv(t, func(s *settings.Settings) {
		s.Snapshot.Interval = 2
	})
	ctx := context.Background()

	var prev *model.Block

	for i := int64(0); i < 4; i++ {
		b := nextBlock(env.params, prev, 5_000+i*1_000)

		_, err := env.engine.DigestFinalizedBlock(ctx, b, "")
		require.NoError(t, err)

		prev = b
	}

	total := env.utxos.TotalAmount()
	env.utxos.Import(nil)
	require.Equal(t, uint64(0), env.utxos.TotalAmount())

	require.NoError(t, env.engine.restore(ctx))
	assert.Equal(t, total, env.utxos.TotalAmount())
}

func TestCandidateGossip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	candidate, err := env.engine.CreateBlockCandidate(ctx)
	require.NoError(t, err)
	require.NotNil(t, candidate)

	env.engine.P2PHandler(ctx, p2p.TopicCandidate, "peer", candidate.Bytes())

	queued := env.queue.tasks()
	require.Len(t, queued, 1)
	assert.Equal(t, tasks.KindStartMining, queued[0].Kind())
	assert.Equal(t, candidate.Signature(), env.engine.tracker.Best().Signature())

	require.NoError(t, env.engine.StartMining(ctx))
	env.engine.OnIdle(ctx)
	env.engine.OnIdle(ctx)

	cmds := env.miner.commands()
	require.Len(t, cmds, 2)
	assert.IsType(t, miner.SetCandidate{}, cmds[0])
	assert.Equal(t, miner.Command(miner.MineUntilFound{}), cmds[1])

	t.Run("invalid candidate costs the sender", func(t *testing.T) {
		bad := candidate.Clone()
		bad.Legitimacy = 3

		env.engine.P2PHandler(ctx, p2p.TopicCandidate, "liar", bad.Bytes())

		score, _, _ := env.bans.GetBanScore("liar")
		assert.Positive(t, score)
		assert.Len(t, env.queue.tasks(), 1)
	})
}

func TestP2PHandler(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	block := nextBlock(env.params, nil, 10_000)

	t.Run("blocks are queued once", func(t *testing.T) {
		env.engine.P2PHandler(ctx, p2p.TopicBlock, "peer", block.Bytes())
		env.engine.P2PHandler(ctx, p2p.TopicBlock, "peer", block.Bytes())

		queued := env.queue.tasks()
		require.Len(t, queued, 1)

		digest, ok := queued[0].(*tasks.DigestFinalizedBlock)
		require.True(t, ok)
		assert.Equal(t, "peer", digest.Origin)
		assert.False(t, digest.Broadcast)
		assert.Equal(t, block.Hash, digest.Block.Hash)
	})

	t.Run("gossip is ignored while syncing", func(t *testing.T) {
		env.engine.SetSyncing(true)
		defer env.engine.SetSyncing(false)

		other := nextBlock(env.params, nil, 11_000)
		env.engine.P2PHandler(ctx, p2p.TopicBlock, "peer", other.Bytes())

		assert.Len(t, env.queue.tasks(), 1)
	})

	t.Run("malformed transactions are penalized", func(t *testing.T) {
		env.engine.P2PHandler(ctx, p2p.TopicTransaction, "spammer", []byte{0x01, 0x02})

		score, _, _ := env.bans.GetBanScore("spammer")
		assert.Equal(t, 10, score)
		assert.Len(t, env.queue.tasks(), 1)
	})

	t.Run("transactions are queued with their origin", func(t *testing.T) {
		spend := model.NewTestSpend(alice, []*model.UTXO{{
			Anchor:  model.Anchor{Height: 0, TxID: chainhash.Hash{0x09}},
			Address: alice.Address(),
			Amount:  10,
			Rule:    model.RuleSig,
		}}, &model.TxOutput{Address: minerSigner.Address(), Amount: 9, Rule: model.RuleSig})

		env.engine.P2PHandler(ctx, p2p.TopicTransaction, "peer", spend.Bytes())

		queued := env.queue.tasks()
		require.Len(t, queued, 2)

		push, ok := queued[1].(*tasks.PushTransaction)
		require.True(t, ok)
		assert.Equal(t, "peer", push.Origin)
		assert.Equal(t, spend.ID(), push.Tx.ID())
	})
}

func TestPushTransactions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	genesis := nextBlock(env.params, nil, 10_000)
	_, err := env.engine.DigestFinalizedBlock(ctx, genesis, "")
	require.NoError(t, err)

	owned := env.utxos.GetAddressUtxos(validatorSigner.Address())
	require.Len(t, owned, 1)

	valid := model.NewTestSpend(validatorSigner, owned,
		&model.TxOutput{Address: alice.Address(), Amount: 10, Rule: model.RuleSig})
	forged := model.NewTestSpend(alice, env.utxos.GetAddressUtxos(minerSigner.Address()),
		&model.TxOutput{Address: alice.Address(), Amount: 10, Rule: model.RuleSig})

	err = env.engine.PushTransactions(ctx,
		[]*model.Transaction{valid, valid, forged},
		[]string{"", "", "forger"})
	require.Error(t, err)

	assert.Equal(t, 1, env.mempool.Size())

	score, _, _ := env.bans.GetBanScore("forger")
	assert.Equal(t, 10, score)
}

func TestWaitForPeers(t *testing.T) {
	env := newTestEnv(t, func(s *settings.Settings) {
		s.Node.MinPeers = 2
		s.Node.PeerWaitAttempts = 2
		s.Node.PeerWaitInterval = time.Millisecond
	})
	ctx := context.Background()

	err := env.engine.WaitForPeers(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRestartRequired))

	for _, id := range []string{"peer-a", "peer-b"} {
		peer := env.bus.Join(id, env.chain, env.bans)
		require.NoError(t, peer.Start(ctx))
	}

	require.NoError(t, env.engine.WaitForPeers(ctx))
}

func TestConfigureMiner(t *testing.T) {
	env := newTestEnv(t, func(s *settings.Settings) {
		s.Mining.RewardAddress = ""
		s.Mining.Bet = 0.5
	})

	require.NoError(t, env.engine.ConfigureMiner(context.Background()))

	cmds := env.miner.commands()
	require.Len(t, cmds, 1)

	params, ok := cmds[0].(miner.SetParams)
	require.True(t, ok)
	assert.Equal(t, validatorSigner.Address(), params.Address)
	assert.InDelta(t, 0.5, params.Bet, 1e-9)
}
