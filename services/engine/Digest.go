package engine

import (
	"context"
	"time"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/services/miner"
	"github.com/hybridpos/vssnode/services/validator"
	"github.com/ordishs/gocore"
)

// Digestion stages, reported in BlockInvalidErrData.Stage.
const (
	StageShape       = "shape"
	StageWire        = "wire"
	StagePow         = "pow"
	StageProof       = "proof"
	StageHeight      = "height"
	StagePrevHash    = "prev_hash"
	StageTimestamp   = "timestamp"
	StageLegitimacy  = "legitimacy"
	StageDifficulty  = "difficulty"
	StageTarget      = "target"
	StageCoinbase    = "coinbase"
	StageRewards     = "rewards"
	StageDoubleSpend = "double_spend"
	StageValidation  = "validation"
)

var stat = gocore.NewStat("engine")

func reject(stage, reason string, directives ...errors.Directive) error {
	prometheusEngineRejected.WithLabelValues(stage).Inc()

	return errors.NewBlockRejectedError(stage, reason, directives...)
}

func rejectf(stage string, err error, directives ...errors.Directive) error {
	return reject(stage, err.Error(), directives...)
}

// DigestFinalizedBlock validates block against the tip and makes it the new
// tip. It returns how long this node should wait before creating its next
// candidate. Rejections are BLOCK_INVALID errors whose directives tell the
// caller what to do with the block and its sender.
func (e *Engine) DigestFinalizedBlock(ctx context.Context, block *model.Block, origin string) (time.Duration, error) {
	start := gocore.CurrentTime()
	startTime := time.Now()

	defer func() {
		stat.NewStat("DigestFinalizedBlock").AddTime(start)
		prometheusEngineDigestDuration.Observe(float64(time.Since(startTime).Microseconds()) / 1_000_000)
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := checkBlockShape(block); err != nil {
		return 0, rejectf(StageShape, err, errors.Ban())
	}

	decoded, err := model.NewBlockFromBytes(block.Bytes())
	if err != nil || decoded.Signature() != block.Signature() {
		return 0, reject(StageWire, "block does not survive the wire format", errors.Ban())
	}

	if block.ComputeHash(e.pow) != block.Hash {
		return 0, reject(StagePow, "hash does not match the proof of work", errors.Ban())
	}

	// nothing below may cache the block for a reorg before its work is proven
	if err = block.CheckWork(e.params.MinDifficulty, e.params.LegitimacyPenalty); err != nil {
		return 0, rejectf(StageProof, err, errors.Ban())
	}

	prev, err := e.checkPositionLocked(ctx, block)
	if err != nil {
		return 0, err
	}

	if err = e.checkTimestampsLocked(block, prev); err != nil {
		return 0, err
	}

	rank, drawn := e.rankOf(block.ValidatorAddress(), block.PrevHash)
	if !drawn || rank != block.Legitimacy {
		return 0, reject(StageLegitimacy, "validator legitimacy does not match the round", errors.Ban())
	}

	difficulty, err := e.nextDifficultyLocked(ctx, prev)
	if err != nil {
		return 0, err
	}

	if block.Difficulty != difficulty {
		return 0, reject(StageDifficulty, "unexpected difficulty", errors.Ban())
	}

	if !model.MeetsDifficulty(block.Hash, block.FinalDifficulty(e.params.LegitimacyPenalty)) {
		return 0, reject(StageTarget, "hash does not meet the target", errors.Ban())
	}

	supply := NextSupply(prev)
	if block.Supply != supply || block.CoinBase != NextCoinbase(e.params, block.Index, supply) {
		return 0, reject(StageCoinbase, "coinbase does not follow the schedule", errors.Ban())
	}

	diff, err := e.utxos.PreApply(block)
	if err != nil {
		return 0, rejectf(StageDoubleSpend, err, errors.Ban())
	}

	if err = checkRewards(block, diff.Fees); err != nil {
		return 0, rejectf(StageRewards, err, errors.Ban())
	}

	discovered, err := e.validateTxsLocked(ctx, block, diff.ConsumedMap())
	if err != nil {
		return 0, err
	}

	return e.acceptLocked(ctx, block, discovered, origin)
}

// CheckProof runs the checks a finalized block passes on its own, before its
// parent is known. Blocks failing it are never worth keeping for a reorg.
func (e *Engine) CheckProof(block *model.Block) error {
	if err := checkBlockShape(block); err != nil {
		return err
	}

	return block.CheckProof(e.pow, e.params.MinDifficulty, e.params.LegitimacyPenalty)
}

func checkBlockShape(block *model.Block) error {
	if block == nil {
		return errors.NewBlockInvalidError("nil block")
	}

	if len(block.Txs) < 2 {
		return errors.NewBlockInvalidError("block needs PoW and PoS reward transactions")
	}

	if !block.Txs[0].IsPowReward() || !block.Txs[1].IsPosReward() {
		return errors.NewBlockInvalidError("block does not start with PoW and PoS rewards")
	}

	for i, tx := range block.Txs {
		if err := tx.CheckShape(); err != nil {
			return errors.NewBlockInvalidError("tx %d", i, err)
		}

		if i > 1 && tx.IsReward() {
			return errors.NewBlockInvalidError("tx %d is an extra reward", i)
		}

		if tx.IsReward() && len(tx.Outputs) != 1 {
			return errors.NewBlockInvalidError("reward tx %d has %d outputs", i, len(tx.Outputs))
		}
	}

	if block.PosTimestamp > block.Timestamp {
		return errors.NewBlockInvalidError("PoS timestamp after the finalization timestamp")
	}

	return nil
}

// checkPositionLocked returns the parent of block, or a rejection when block
// does not extend the tip.
func (e *Engine) checkPositionLocked(ctx context.Context, block *model.Block) (*model.Block, error) {
	tipHeight, ok := e.chain.Height()
	if !ok {
		if block.Index != 0 {
			return nil, reject(StageHeight, "chain is empty", errors.StoreForReorg())
		}

		return nil, nil
	}

	if block.Index <= tipHeight {
		canonical, err := e.chain.GetBlock(ctx, block.Index)
		if err != nil {
			return nil, err
		}

		if canonical.Hash == block.Hash {
			return nil, errors.NewBlockExistsError("block %s is already canonical", block)
		}

		return nil, reject(StageHeight, "block competes with the canonical chain", errors.StoreForReorg(), errors.TriggerReorg())
	}

	if block.Index > tipHeight+1 {
		return nil, reject(StageHeight, "block is ahead of the tip", errors.StoreForReorg(), errors.TriggerReorg())
	}

	tip, err := e.chain.GetBlock(ctx, tipHeight)
	if err != nil {
		return nil, err
	}

	if block.PrevHash != tip.Hash {
		return nil, reject(StagePrevHash, "block does not extend the tip", errors.StoreForReorg(), errors.TriggerReorg())
	}

	return tip, nil
}

func (e *Engine) checkTimestampsLocked(block, prev *model.Block) error {
	if prev != nil && block.PosTimestamp < prev.Timestamp {
		return reject(StageTimestamp, "PoS timestamp before the parent", errors.Ban())
	}

	limit := e.clock.NowMs() + e.params.MaxFutureBlockTime.Milliseconds()
	if block.Timestamp > limit {
		return reject(StageTimestamp, "block is from the future", errors.ApplyOffense(errors.OffenseMinor), errors.StoreForReorg())
	}

	return nil
}

// checkRewards verifies both rewards are bound to the parent and split
// coinbase plus fees evenly.
func checkRewards(block *model.Block, fees uint64) error {
	pos, pow := SplitReward(block.CoinBase, fees)

	for _, tx := range block.Txs[:2] {
		if h, parent := tx.RewardParent(); h != block.Index || parent != block.PrevHash {
			return errors.NewBlockInvalidError("reward is bound to another parent")
		}
	}

	if block.PowReward != pow || block.Txs[0].Outputs[0].Amount != pow {
		return errors.NewBlockInvalidError("PoW reward %d, expected %d", block.Txs[0].Outputs[0].Amount, pow)
	}

	if block.Txs[1].Outputs[0].Amount != pos {
		return errors.NewBlockInvalidError("PoS reward %d, expected %d", block.Txs[1].Outputs[0].Amount, pos)
	}

	return nil
}

// validateTxsLocked runs the signature checks on the worker pool and returns
// the public keys seen for the first time.
func (e *Engine) validateTxsLocked(ctx context.Context, block *model.Block, consumed map[model.Anchor]*model.UTXO) (map[string][]byte, error) {
	addresses := make([]string, 0, len(consumed))
	for _, u := range consumed {
		addresses = append(addresses, u.Address)
	}

	keys, err := e.chain.GetPubKeys(ctx, addresses)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(keys))
	for address := range keys {
		known[address] = struct{}{}
	}

	resp, err := e.validator.Validate(ctx, &validator.Request{
		ID:        e.requestID.Add(1),
		Utxos:     consumed,
		Txs:       block.UserTxs(),
		PosReward: block.PosRewardTx(),
		KnownKeys: known,
	})
	if err != nil {
		return nil, errors.NewWorkerError("[Engine] validation of %s failed", block, err)
	}

	if !resp.Valid {
		reason := "invalid transaction"
		if resp.Err != nil {
			reason = resp.Err.Error()
		}

		return nil, reject(StageValidation, reason, errors.Ban())
	}

	return resp.DiscoveredKeys, nil
}

func (e *Engine) acceptLocked(ctx context.Context, block *model.Block, discovered map[string][]byte, origin string) (time.Duration, error) {
	if err := e.chain.AddConfirmedBlock(ctx, block); err != nil {
		return 0, err
	}

	if _, err := e.chain.ApplyBlock(block, e.utxos, e.spectrum); err != nil {
		return 0, errors.NewInternalConsistencyError("[Engine] block %s stored but not applied", block, err)
	}

	if len(discovered) > 0 {
		if err := e.chain.RecordPubKeys(ctx, discovered); err != nil {
			return 0, err
		}
	}

	e.mempool.RemoveIncluded(block)

	if err := e.snapshotLocked(ctx, block.Index); err != nil {
		return 0, err
	}

	e.tracker.Reset()

	if err := e.miner.Send(ctx, miner.Pause{}); err != nil {
		e.logger.Warnf("[Engine] failed to pause the miner: %v", err)
	}

	prometheusEngineDigested.Inc()
	prometheusEngineHeight.Set(float64(block.Index))

	if origin == "" {
		e.logger.Infof("[Engine] digested %s", block)
	} else {
		e.logger.Infof("[Engine] digested %s from %s", block, origin)
	}

	rank, _ := e.rankOf(e.signer.Address(), block.Hash)

	return time.Duration(rank) * e.settings.Scheduler.CandidateDelayPerRank, nil
}

// snapshotLocked takes the periodic snapshot and, on checkpoint heights, the
// checkpoint that makes older snapshots unreachable.
func (e *Engine) snapshotLocked(ctx context.Context, height uint64) error {
	interval := e.settings.Snapshot.Interval
	if interval == 0 || height%interval != 0 {
		return nil
	}

	if err := e.snapshots.Create(ctx, height, e.utxos, e.spectrum, e.mempool); err != nil {
		return err
	}

	e.chain.SetReconstructableHeight(height)

	created, err := e.checkpoints.Create(ctx, height, e.settings.Snapshot.CheckpointModulo)
	if err != nil {
		return err
	}

	if created {
		return e.snapshots.QuarantineBelowHeight(ctx, height)
	}

	return nil
}
