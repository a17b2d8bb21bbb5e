package utxo

import (
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/hybridpos/vssnode/model"
)

// Status tells a caller why an anchor is not spendable.
type Status int

const (
	StatusUnspent Status = iota
	StatusSpent
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusUnspent:
		return "unspent"
	case StatusSpent:
		return "spent"
	default:
		return "not found"
	}
}

// TxLookup resolves transactions of canonical blocks. It lets the set tell a
// spent output apart from one that never existed.
type TxLookup interface {
	GetTransaction(height uint64, txID chainhash.Hash) (*model.Transaction, bool, error)
}

// Diff is the effect of one block on the set, computed without mutating it.
type Diff struct {
	Height    uint64
	NewUtxos  []*model.UTXO
	Consumed  []*model.UTXO
	NewStakes []*model.UTXO
	// Fees is the sum of inputs minus outputs over user transactions.
	Fees uint64
}

func (d *Diff) NewAmount() uint64 {
	var total uint64
	for _, u := range d.NewUtxos {
		total += u.Amount
	}

	return total
}

func (d *Diff) ConsumedAmount() uint64 {
	var total uint64
	for _, u := range d.Consumed {
		total += u.Amount
	}

	return total
}

// ConsumedMap indexes the consumed outputs by anchor, the form the
// validation workers expect.
func (d *Diff) ConsumedMap() map[model.Anchor]*model.UTXO {
	m := make(map[model.Anchor]*model.UTXO, len(d.Consumed))
	for _, u := range d.Consumed {
		m[u.Anchor] = u
	}

	return m
}

// Applier is the validate-then-commit surface of a Set.
type Applier interface {
	PreApply(block *model.Block) (*Diff, error)
	Apply(diff *Diff) error
}

// StakeRegistry receives the stake outputs created by applied blocks.
type StakeRegistry interface {
	AddStakes(utxos []*model.UTXO) error
}
