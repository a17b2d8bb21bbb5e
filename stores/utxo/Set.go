// Package utxo holds the live set of unspent outputs of the canonical chain.
package utxo

import (
	"sort"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/ulogger"
)

// Set is the authoritative unspent output set. Only the engine mutates it, and
// only through Apply with a Diff produced by PreApply.
type Set struct {
	logger    ulogger.Logger
	mu        sync.RWMutex
	m         *swiss.Map[model.Anchor, *model.UTXO]
	byAddress map[string]map[model.Anchor]struct{}
	lookup    TxLookup
}

func New(logger ulogger.Logger, lookup TxLookup) *Set {
	return &Set{
		logger:    logger,
		m:         swiss.NewMap[model.Anchor, *model.UTXO](1024),
		byAddress: make(map[string]map[model.Anchor]struct{}),
		lookup:    lookup,
	}
}

// SetLookup wires the chain store once it exists.
func (s *Set) SetLookup(lookup TxLookup) {
	s.mu.Lock()
	s.lookup = lookup
	s.mu.Unlock()
}

// PreApply computes what block would do to the set. It reports missing
// inputs, double spends inside the block and value creation by user
// transactions, and never mutates the set.
func (s *Set) PreApply(block *model.Block) (*Diff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diff := &Diff{Height: block.Index}
	spentBy := make(map[model.Anchor]string)

	for txIdx, tx := range block.Txs {
		txID := tx.ID()

		if !tx.IsReward() {
			var inTotal uint64

			for _, in := range tx.Inputs {
				if other, ok := spentBy[in.Anchor]; ok {
					return nil, errors.NewUtxoSpentErr(in.Anchor.String(), block.Index, other, nil)
				}

				u, ok := s.m.Get(in.Anchor)
				if !ok {
					return nil, errors.NewTxMissingInputError("tx %d (%s) spends unknown output %s", txIdx, txID, in.Anchor)
				}

				spentBy[in.Anchor] = txID.String()
				inTotal += u.Amount
				diff.Consumed = append(diff.Consumed, u)
			}

			outTotal, err := tx.OutputsTotal()
			if err != nil {
				return nil, err
			}

			if outTotal > inTotal {
				return nil, errors.NewTxInvalidError("tx %d (%s) spends %d but creates %d", txIdx, txID, inTotal, outTotal)
			}

			diff.Fees += inTotal - outTotal
		}

		for i, out := range tx.Outputs {
			if out.Amount == 0 {
				continue
			}

			u := &model.UTXO{
				Anchor:  model.Anchor{Height: block.Index, TxID: txID, Index: uint32(i)},
				Address: out.Address,
				Amount:  out.Amount,
				Rule:    out.Rule,
			}

			diff.NewUtxos = append(diff.NewUtxos, u)

			if out.Rule == model.RuleStake {
				diff.NewStakes = append(diff.NewStakes, u)
			}
		}
	}

	return diff, nil
}

// Apply commits a diff. A diff that does not match the set means the chain
// state is corrupt; nothing is changed and INTERNAL_CONSISTENCY is returned.
func (s *Set) Apply(diff *Diff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	consumed := make(map[model.Anchor]struct{}, len(diff.Consumed))

	for _, u := range diff.Consumed {
		if _, ok := consumed[u.Anchor]; ok {
			return errors.NewInternalConsistencyError("anchor %s consumed twice in one diff", u.Anchor)
		}

		if !s.m.Has(u.Anchor) {
			return errors.NewInternalConsistencyError("cannot consume %s, not in the utxo set", u.Anchor)
		}

		consumed[u.Anchor] = struct{}{}
	}

	for _, u := range diff.NewUtxos {
		if s.m.Has(u.Anchor) {
			return errors.NewInternalConsistencyError("cannot add %s, already in the utxo set", u.Anchor)
		}
	}

	for _, u := range diff.Consumed {
		s.remove(u.Anchor)
	}

	for _, u := range diff.NewUtxos {
		s.add(u)
	}

	return nil
}

func (s *Set) add(u *model.UTXO) {
	s.m.Put(u.Anchor, u)

	anchors, ok := s.byAddress[u.Address]
	if !ok {
		anchors = make(map[model.Anchor]struct{})
		s.byAddress[u.Address] = anchors
	}

	anchors[u.Anchor] = struct{}{}
}

func (s *Set) remove(anchor model.Anchor) {
	u, ok := s.m.Get(anchor)
	if !ok {
		return
	}

	s.m.Delete(anchor)

	if anchors, ok := s.byAddress[u.Address]; ok {
		delete(anchors, anchor)

		if len(anchors) == 0 {
			delete(s.byAddress, u.Address)
		}
	}
}

// GetUtxo returns the live output at anchor. On a miss the chain is consulted
// to report whether the output was spent or never existed.
func (s *Set) GetUtxo(anchor model.Anchor) (*model.UTXO, Status, error) {
	s.mu.RLock()
	u, ok := s.m.Get(anchor)
	lookup := s.lookup
	s.mu.RUnlock()

	if ok {
		return u, StatusUnspent, nil
	}

	if lookup == nil {
		return nil, StatusNotFound, nil
	}

	tx, found, err := lookup.GetTransaction(anchor.Height, anchor.TxID)
	if err != nil {
		return nil, StatusNotFound, errors.NewStorageError("failed to look up %s", anchor, err)
	}

	if found && int(anchor.Index) < len(tx.Outputs) {
		return nil, StatusSpent, nil
	}

	return nil, StatusNotFound, nil
}

// GetUtxos returns the live outputs among anchors and the anchors that are not live.
func (s *Set) GetUtxos(anchors []model.Anchor) (map[model.Anchor]*model.UTXO, []model.Anchor) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[model.Anchor]*model.UTXO, len(anchors))

	var missing []model.Anchor

	for _, a := range anchors {
		if u, ok := s.m.Get(a); ok {
			found[a] = u
		} else {
			missing = append(missing, a)
		}
	}

	return found, missing
}

// GetAddressUtxos returns the live outputs of address ordered by anchor.
func (s *Set) GetAddressUtxos(address string) []*model.UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anchors := s.byAddress[address]
	utxos := make([]*model.UTXO, 0, len(anchors))

	for a := range anchors {
		if u, ok := s.m.Get(a); ok {
			utxos = append(utxos, u)
		}
	}

	sortUtxos(utxos)

	return utxos
}

func (s *Set) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.m.Count()
}

func (s *Set) TotalAmount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total uint64

	s.m.Iter(func(_ model.Anchor, u *model.UTXO) bool {
		total += u.Amount
		return false
	})

	return total
}

// Export returns every live output ordered by anchor.
func (s *Set) Export() []*model.UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()

	utxos := make([]*model.UTXO, 0, s.m.Count())

	s.m.Iter(func(_ model.Anchor, u *model.UTXO) bool {
		c := *u
		utxos = append(utxos, &c)

		return false
	})

	sortUtxos(utxos)

	return utxos
}

// Import replaces the content of the set.
func (s *Set) Import(utxos []*model.UTXO) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m = swiss.NewMap[model.Anchor, *model.UTXO](uint32(len(utxos) + 1024))
	s.byAddress = make(map[string]map[model.Anchor]struct{})

	for _, u := range utxos {
		c := *u
		s.add(&c)
	}

	s.logger.Debugf("[UtxoSet] imported %d utxos", len(utxos))
}

func sortUtxos(utxos []*model.UTXO) {
	sort.Slice(utxos, func(i, j int) bool {
		return utxos[i].Anchor.Less(utxos[j].Anchor)
	})
}
