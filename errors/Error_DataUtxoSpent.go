package errors

import (
	"fmt"
)

// UtxoSpentErrData identifies an anchor that was consumed twice.
type UtxoSpentErrData struct {
	Anchor  string
	Height  uint64
	SpentBy string
}

func (e *UtxoSpentErrData) Error() string {
	return fmt.Sprintf("utxo %s already spent by %s (height %d)", e.Anchor, e.SpentBy, e.Height)
}

func NewUtxoSpentErr(anchor string, height uint64, spentBy string, err error) error {
	data := &UtxoSpentErrData{
		Anchor:  anchor,
		Height:  height,
		SpentBy: spentBy,
	}

	if err != nil {
		return New(ERR_UTXO_SPENT, data.Error(), err).WithData(data)
	}

	return New(ERR_UTXO_SPENT, data.Error()).WithData(data)
}
