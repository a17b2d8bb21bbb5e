package leveldb

import (
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/stores/utxo"
)

// ApplyBlock applies a clone of block so the resulting utxos never alias the
// caller's copy. Nothing is committed when the diff cannot be computed.
func (s *LevelDB) ApplyBlock(block *model.Block, utxos utxo.Applier, stakes utxo.StakeRegistry) (*utxo.Diff, error) {
	clone := block.Clone()

	diff, err := utxos.PreApply(clone)
	if err != nil {
		return nil, err
	}

	if err = utxos.Apply(diff); err != nil {
		return nil, err
	}

	if err = stakes.AddStakes(diff.NewStakes); err != nil {
		return nil, err
	}

	return diff, nil
}
