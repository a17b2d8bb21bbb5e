package engine

import (
	"context"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/services/miner"
	"github.com/hybridpos/vssnode/services/p2p"
	"github.com/hybridpos/vssnode/services/tasks"
	"github.com/hybridpos/vssnode/services/validator"
)

// rankOf returns the legitimacy of address for the round following prevHash
// and whether it was drawn. Everyone is drawn with rank 0 until stakes exist.
func (e *Engine) rankOf(address string, prevHash chainhash.Hash) (uint32, bool) {
	ranking := e.spectrum.RoundLegitimacies(prevHash)
	if len(ranking) == 0 {
		return 0, true
	}

	for rank, a := range ranking {
		if a == address {
			return legitimacy(rank), true
		}
	}

	return legitimacy(len(ranking)), false
}

// legitimacy converts a ranking position, bounded by LegitimacyCount.
func legitimacy(rank int) uint32 {
	l, err := safeconversion.IntToUint32(rank)
	if err != nil {
		return ^uint32(0)
	}

	return l
}

// tipLocked returns the tip block, nil on an empty chain.
func (e *Engine) tipLocked(ctx context.Context) (*model.Block, error) {
	height, ok := e.chain.Height()
	if !ok {
		return nil, nil
	}

	return e.chain.GetBlock(ctx, height)
}

// nextDifficultyLocked is the difficulty required of the block after prev.
func (e *Engine) nextDifficultyLocked(ctx context.Context, prev *model.Block) (uint32, error) {
	if prev == nil {
		return e.params.InitialDifficulty, nil
	}

	height := prev.Index + 1
	w := e.params.DifficultyWindow

	if e.params.NoDifficultyAdjustment || w < 2 || height < uint64(w) {
		return e.params.InitialDifficulty, nil
	}

	window, err := e.chain.GetBlocks(ctx, height-uint64(w), w)
	if err != nil {
		return 0, err
	}

	return NextDifficulty(e.params, height, window), nil
}

// CreateBlockCandidate builds and signs the candidate of this node for the
// next height. It returns nil when this node's legitimacy cannot beat the
// threshold: the configured count, or the best candidate already known.
func (e *Engine) CreateBlockCandidate(ctx context.Context) (*model.Block, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	prev, err := e.tipLocked(ctx)
	if err != nil {
		return nil, err
	}

	var (
		index    uint64
		prevHash chainhash.Hash
	)

	if prev != nil {
		index = prev.Index + 1
		prevHash = prev.Hash
	}

	address := e.signer.Address()

	rank, drawn := e.rankOf(address, prevHash)
	if !drawn {
		e.logger.Debugf("[Engine] %s not drawn for height %d", address, index)
		return nil, nil
	}

	threshold := uint32(e.params.LegitimacyCount - 1)
	if best := e.tracker.Best(); best != nil && best.PrevHash == prevHash && best.Index == index {
		threshold = best.Legitimacy
	}

	if rank > threshold {
		e.logger.Debugf("[Engine] legitimacy %d above threshold %d for height %d", rank, threshold, index)
		return nil, nil
	}

	difficulty, err := e.nextDifficultyLocked(ctx, prev)
	if err != nil {
		return nil, err
	}

	supply := NextSupply(prev)
	coinbase := NextCoinbase(e.params, index, supply)

	posTimestamp := e.clock.NowMs()
	if prev != nil && posTimestamp < prev.Timestamp {
		posTimestamp = prev.Timestamp
	}

	candidate := &model.Block{
		Index:        index,
		Supply:       supply,
		CoinBase:     coinbase,
		Difficulty:   difficulty,
		Legitimacy:   rank,
		PrevHash:     prevHash,
		PosTimestamp: posTimestamp,
	}

	batch := e.mempool.MostLucrativeBatch(e.utxos, e.params.MaxBlockSize)
	placeholder := model.NewRewardTx(true, index, prevHash, address, 0)

	candidate.Txs = append([]*model.Transaction{placeholder}, batch...)

	diff, err := e.utxos.PreApply(candidate)
	if err != nil {
		e.logger.Warnf("[Engine] mempool batch does not apply, creating an empty candidate: %v", err)

		candidate.Txs = candidate.Txs[:1]

		if diff, err = e.utxos.PreApply(candidate); err != nil {
			return nil, errors.NewInternalConsistencyError("[Engine] empty candidate does not apply", err)
		}
	}

	pos, pow := SplitReward(coinbase, diff.Fees)

	posTx := model.NewRewardTx(true, index, prevHash, address, pos)
	if err = posTx.SignInput(0, e.signer); err != nil {
		return nil, errors.NewProcessingError("[Engine] failed to sign PoS reward", err)
	}

	candidate.Txs[0] = posTx
	candidate.PowReward = pow

	prometheusEngineCandidates.Inc()

	e.logger.Infof("[Engine] candidate for height %d: legitimacy %d, difficulty %d, %d txs", index, rank, difficulty, len(candidate.Txs)-1)

	return candidate, nil
}

// validateCandidate checks a candidate received from a peer against the tip.
func (e *Engine) validateCandidate(ctx context.Context, candidate *model.Block) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	prev, err := e.tipLocked(ctx)
	if err != nil {
		return err
	}

	var (
		index    uint64
		prevHash chainhash.Hash
	)

	if prev != nil {
		index = prev.Index + 1
		prevHash = prev.Hash
	}

	if candidate.Index != index || candidate.PrevHash != prevHash {
		return errors.NewBlockInvalidError("candidate %d does not extend the tip", candidate.Index)
	}

	if len(candidate.Txs) == 0 || !candidate.Txs[0].IsPosReward() {
		return errors.NewBlockInvalidError("candidate does not start with a PoS reward")
	}

	for i, tx := range candidate.Txs {
		if err = tx.CheckShape(); err != nil {
			return errors.NewBlockInvalidError("candidate tx %d", i, err)
		}

		if i > 0 && tx.IsReward() {
			return errors.NewBlockInvalidError("candidate tx %d is a reward", i)
		}
	}

	posTx := candidate.Txs[0]
	if h, parent := posTx.RewardParent(); h != index || parent != prevHash {
		return errors.NewBlockInvalidError("candidate PoS reward is bound to another parent")
	}

	rank, drawn := e.rankOf(posTx.Outputs[0].Address, prevHash)
	if !drawn || rank != candidate.Legitimacy {
		return errors.NewBlockInvalidError("candidate legitimacy %d, expected %d", candidate.Legitimacy, rank)
	}

	difficulty, err := e.nextDifficultyLocked(ctx, prev)
	if err != nil {
		return err
	}

	if candidate.Difficulty != difficulty {
		return errors.NewBlockInvalidError("candidate difficulty %d, expected %d", candidate.Difficulty, difficulty)
	}

	supply := NextSupply(prev)
	if candidate.Supply != supply || candidate.CoinBase != NextCoinbase(e.params, index, supply) {
		return errors.NewBlockInvalidError("candidate coinbase does not follow the schedule")
	}

	if prev != nil && candidate.PosTimestamp < prev.Timestamp {
		return errors.NewBlockInvalidError("candidate PoS timestamp before the tip")
	}

	diff, err := e.utxos.PreApply(candidate)
	if err != nil {
		return errors.NewBlockInvalidError("candidate does not apply", err)
	}

	pos, pow := SplitReward(candidate.CoinBase, diff.Fees)
	if posTx.Outputs[0].Amount != pos || candidate.PowReward != pow {
		return errors.NewBlockInvalidError("candidate reward split is wrong")
	}

	resp, err := e.validator.Validate(ctx, &validator.Request{
		ID:        e.requestID.Add(1),
		Utxos:     diff.ConsumedMap(),
		Txs:       candidate.Txs[1:],
		PosReward: posTx,
	})
	if err != nil {
		return err
	}

	if !resp.Valid {
		return errors.NewBlockInvalidError("candidate transactions are invalid", resp.Err)
	}

	return nil
}

// OfferCandidate hands a valid candidate to the tracker. When it is the best
// one for the next height it is relayed and mined.
func (e *Engine) OfferCandidate(ctx context.Context, candidate *model.Block) bool {
	if !e.tracker.Offer(candidate) {
		return false
	}

	payload := candidate.Bytes()
	e.markSeen(p2p.TopicCandidate, payload)

	if err := e.network.Broadcast(ctx, p2p.TopicCandidate, payload); err != nil {
		e.logger.Warnf("[Engine] failed to broadcast candidate %d: %v", candidate.Index, err)
	}

	e.enqueue(tasks.NewStartMining())

	return true
}

// StartMining hands the best candidate to the miner. Hashing begins once the
// scheduler reports it is idle.
func (e *Engine) StartMining(ctx context.Context) error {
	if !e.settings.Mining.Enabled {
		return nil
	}

	best := e.tracker.Best()
	if best == nil {
		return nil
	}

	if err := e.miner.Send(ctx, miner.SetCandidate{Candidate: best}); err != nil {
		return err
	}

	e.miningPending.Store(true)

	return nil
}

// OnIdle lets the miner proceed with a pending candidate.
func (e *Engine) OnIdle(ctx context.Context) {
	if !e.miningPending.CompareAndSwap(true, false) {
		return
	}

	if err := e.miner.Send(ctx, miner.MineUntilFound{}); err != nil {
		e.logger.Warnf("[Engine] failed to start the miner: %v", err)
	}
}

// ConfigureMiner sends the reward address, bet and clock offset to the miner.
func (e *Engine) ConfigureMiner(ctx context.Context) error {
	address := e.settings.Mining.RewardAddress
	if address == "" {
		address = e.signer.Address()
	}

	return e.miner.Send(ctx, miner.SetParams{
		Address:     address,
		Bet:         e.settings.Mining.Bet,
		ClockOffset: e.settings.Node.ClockOffset,
	})
}
