package engine

import (
	"github.com/hybridpos/vssnode/chaincfg"
	"github.com/hybridpos/vssnode/model"
)

// NextSupply is the coins issued before the block following prev.
func NextSupply(prev *model.Block) uint64 {
	if prev == nil {
		return 0
	}

	return prev.Supply + prev.CoinBase
}

// NextCoinbase is the scheduled reward at height capped by what is left of
// the max supply.
func NextCoinbase(params *chaincfg.Params, height, supply uint64) uint64 {
	if supply >= params.MaxSupply {
		return 0
	}

	reward := params.BlockReward(height)
	if left := params.MaxSupply - supply; reward > left {
		return left
	}

	return reward
}

// SplitReward divides coinbase and fees between validator and miner. The
// miner gets the odd unit.
func SplitReward(coinbase, fees uint64) (pos, pow uint64) {
	total := coinbase + fees
	pos = total / 2

	return pos, total - pos
}

// NextDifficulty retargets from window, the last DifficultyWindow blocks
// before the new one in ascending order. The difficulty goes up one step when
// the window took less than 3/4 of the target time and down one step above 4/3.
func NextDifficulty(params *chaincfg.Params, height uint64, window []*model.Block) uint32 {
	w := params.DifficultyWindow

	if params.NoDifficultyAdjustment || w < 2 || height < uint64(w) || len(window) < w {
		return params.InitialDifficulty
	}

	window = window[len(window)-w:]

	var sum uint64
	for _, b := range window {
		sum += uint64(b.Difficulty)
	}

	avg := uint32(sum / uint64(w))

	elapsed := window[w-1].Timestamp - window[0].Timestamp
	if elapsed < 0 {
		elapsed = 0
	}

	expected := int64(w-1) * params.TargetTimePerBlock.Milliseconds()

	next := avg

	switch {
	case elapsed*4 < expected*3:
		next = avg + 1
	case elapsed*3 > expected*4 && avg > 0:
		next = avg - 1
	}

	if next < params.MinDifficulty {
		next = params.MinDifficulty
	}

	return next
}
