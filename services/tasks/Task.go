// Package tasks defines the units of work the scheduler executes. Task is a
// closed union: only the types declared here implement it.
package tasks

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hybridpos/vssnode/model"
)

type Task interface {
	// ID correlates the task in logs.
	ID() uuid.UUID
	Kind() Kind
	task()
}

type Kind uint8

const (
	KindRebuildAddressIndex Kind = iota + 1
	KindPushTransaction
	KindPushTransactions
	KindDigestFinalizedBlock
	KindSyncWithPeers
	KindCreateCandidate
	KindStartMining
	KindRollBackTo
	KindReorgStart
	KindReorgEnd
)

func (k Kind) String() string {
	switch k {
	case KindRebuildAddressIndex:
		return "RebuildAddressIndex"
	case KindPushTransaction:
		return "PushTransaction"
	case KindPushTransactions:
		return "PushTransactions"
	case KindDigestFinalizedBlock:
		return "DigestFinalizedBlock"
	case KindSyncWithPeers:
		return "SyncWithPeers"
	case KindCreateCandidate:
		return "CreateCandidate"
	case KindStartMining:
		return "StartMining"
	case KindRollBackTo:
		return "RollBackTo"
	case KindReorgStart:
		return "ReorgStart"
	case KindReorgEnd:
		return "ReorgEnd"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

type base struct {
	id uuid.UUID
}

func newBase() base {
	return base{id: uuid.New()}
}

func (b base) ID() uuid.UUID { return b.id }
func (base) task()           {}

type RebuildAddressIndex struct {
	base
}

type PushTransaction struct {
	base
	Tx *model.Transaction
	// Origin is the peer the transaction came from, empty when local.
	Origin string
}

// PushTransactions admits a batch in order. The scheduler builds it by
// coalescing consecutive PushTransaction tasks.
type PushTransactions struct {
	base
	Txs []*model.Transaction
	// Origins holds the sending peer of each transaction, empty when local.
	Origins []string
}

type DigestFinalizedBlock struct {
	base
	Block     *model.Block
	Broadcast bool
	// Origin is the peer the block came from, empty when local.
	Origin string
}

type SyncWithPeers struct {
	base
}

type CreateCandidate struct {
	base
}

type StartMining struct {
	base
}

type RollBackTo struct {
	base
	Height uint64
}

type ReorgStart struct {
	base
}

type ReorgEnd struct {
	base
}

func (RebuildAddressIndex) Kind() Kind  { return KindRebuildAddressIndex }
func (PushTransaction) Kind() Kind      { return KindPushTransaction }
func (PushTransactions) Kind() Kind     { return KindPushTransactions }
func (DigestFinalizedBlock) Kind() Kind { return KindDigestFinalizedBlock }
func (SyncWithPeers) Kind() Kind        { return KindSyncWithPeers }
func (CreateCandidate) Kind() Kind      { return KindCreateCandidate }
func (StartMining) Kind() Kind          { return KindStartMining }
func (RollBackTo) Kind() Kind           { return KindRollBackTo }
func (ReorgStart) Kind() Kind           { return KindReorgStart }
func (ReorgEnd) Kind() Kind             { return KindReorgEnd }

func NewRebuildAddressIndex() *RebuildAddressIndex {
	return &RebuildAddressIndex{base: newBase()}
}

func NewPushTransaction(tx *model.Transaction, origin string) *PushTransaction {
	return &PushTransaction{base: newBase(), Tx: tx, Origin: origin}
}

func NewPushTransactions(txs []*model.Transaction, origins []string) *PushTransactions {
	return &PushTransactions{base: newBase(), Txs: txs, Origins: origins}
}

func NewDigestFinalizedBlock(block *model.Block, broadcast bool, origin string) *DigestFinalizedBlock {
	return &DigestFinalizedBlock{base: newBase(), Block: block, Broadcast: broadcast, Origin: origin}
}

func NewSyncWithPeers() *SyncWithPeers {
	return &SyncWithPeers{base: newBase()}
}

func NewCreateCandidate() *CreateCandidate {
	return &CreateCandidate{base: newBase()}
}

func NewStartMining() *StartMining {
	return &StartMining{base: newBase()}
}

func NewRollBackTo(height uint64) *RollBackTo {
	return &RollBackTo{base: newBase(), Height: height}
}

func NewReorgStart() *ReorgStart {
	return &ReorgStart{base: newBase()}
}

func NewReorgEnd() *ReorgEnd {
	return &ReorgEnd{base: newBase()}
}

// Describe renders a task for logs.
func Describe(t Task) string {
	switch v := t.(type) {
	case *DigestFinalizedBlock:
		return fmt.Sprintf("%s(%s, broadcast=%t) %s", v.Kind(), v.Block, v.Broadcast, v.ID())
	case *RollBackTo:
		return fmt.Sprintf("%s(%d) %s", v.Kind(), v.Height, v.ID())
	case *PushTransactions:
		return fmt.Sprintf("%s(%d txs) %s", v.Kind(), len(v.Txs), v.ID())
	default:
		return fmt.Sprintf("%s %s", t.Kind(), t.ID())
	}
}
