// Package vss implements the validator selection spectrum: a stake weighted
// lottery drawn from the hash of the previous block.
package vss

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru"
	"github.com/hybridpos/vssnode/chaincfg"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/ulogger"
)

const (
	defaultTreeDegree = 32
	roundCacheSize    = 10
)

type entry struct {
	// upper is the cumulative weight up to and including this stake.
	upper uint64
	ref   model.StakeRef
}

func entryLess(a, b *entry) bool {
	return a.upper < b.upper
}

// Spectrum maps strictly increasing cumulative weights to stakes. Entries are
// only ever appended; a rollback restores a previous export.
type Spectrum struct {
	logger    ulogger.Logger
	params    *chaincfg.Params
	mu        sync.RWMutex
	tree      *btree.BTreeG[*entry]
	anchors   map[model.Anchor]struct{}
	total     uint64
	rounds    *lru.Cache
	drawCount atomic.Uint64
}

func New(logger ulogger.Logger, params *chaincfg.Params) *Spectrum {
	rounds, _ := lru.New(roundCacheSize)

	return &Spectrum{
		logger:  logger,
		params:  params,
		tree:    btree.NewG(defaultTreeDegree, entryLess),
		anchors: make(map[model.Anchor]struct{}),
		rounds:  rounds,
	}
}

// AddStake appends a stake. Exceeding the max supply or adding an anchor
// twice means the chain state is corrupt.
func (s *Spectrum) AddStake(ref model.StakeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addStake(ref)
}

// AddStakes appends the RuleStake outputs created by a block.
func (s *Spectrum) AddStakes(utxos []*model.UTXO) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range utxos {
		if err := s.addStake(model.StakeRef{Address: u.Address, Anchor: u.Anchor, Amount: u.Amount}); err != nil {
			return err
		}
	}

	return nil
}

func (s *Spectrum) addStake(ref model.StakeRef) error {
	if ref.Amount == 0 {
		return errors.NewInternalConsistencyError("stake %s has zero amount", ref.Anchor)
	}

	if _, ok := s.anchors[ref.Anchor]; ok {
		return errors.NewInternalConsistencyError("stake %s already in spectrum", ref.Anchor)
	}

	upper := s.total + ref.Amount
	if upper < s.total || upper > s.params.MaxSupply {
		return errors.NewInternalConsistencyError("spectrum weight %d exceeds max supply %d", upper, s.params.MaxSupply)
	}

	s.tree.ReplaceOrInsert(&entry{upper: upper, ref: ref})
	s.anchors[ref.Anchor] = struct{}{}
	s.total = upper

	return nil
}

// RoundLegitimacies draws up to LegitimacyCount distinct addresses for the
// round following blockHash. Index in the result is the rank; 0 is best.
func (s *Spectrum) RoundLegitimacies(blockHash chainhash.Hash) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cached, ok := s.rounds.Get(blockHash); ok {
		return cached.([]string)
	}

	ranking := s.draw(blockHash)

	s.rounds.Add(blockHash, ranking)

	return ranking
}

func (s *Spectrum) draw(blockHash chainhash.Hash) []string {
	ranking := make([]string, 0, s.params.LegitimacyCount)

	if s.total == 0 {
		return ranking
	}

	drawn := make(map[string]struct{}, s.params.LegitimacyCount)

	var seed [4 + chainhash.HashSize]byte

	copy(seed[4:], blockHash[:])

	for i := 0; i < s.params.MaxDrawAttempts && len(ranking) < s.params.LegitimacyCount; i++ {
		binary.BigEndian.PutUint32(seed[:4], uint32(i))

		h := sha256.Sum256(seed[:])
		point := binary.BigEndian.Uint64(h[:8]) % s.total

		e := s.lookup(point)
		if e == nil || e.ref.Amount < s.params.MinStake {
			continue
		}

		if _, ok := drawn[e.ref.Address]; ok {
			continue
		}

		drawn[e.ref.Address] = struct{}{}
		ranking = append(ranking, e.ref.Address)
	}

	s.drawCount.Add(1)

	return ranking
}

// lookup returns the entry whose interval (previous upper, upper] contains point+1.
func (s *Spectrum) lookup(point uint64) *entry {
	var found *entry

	s.tree.AscendGreaterOrEqual(&entry{upper: point + 1}, func(e *entry) bool {
		found = e
		return false
	})

	return found
}

// LegitimacyOf returns the rank of address for the round following prevHash,
// or the size of the ranking when the address was not drawn.
func (s *Spectrum) LegitimacyOf(address string, prevHash chainhash.Hash) uint32 {
	ranking := s.RoundLegitimacies(prevHash)

	for rank, a := range ranking {
		if a == address {
			return uint32(rank)
		}
	}

	return uint32(len(ranking))
}

func (s *Spectrum) TotalWeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.total
}

func (s *Spectrum) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tree.Len()
}

// Export returns the stakes in insertion order.
func (s *Spectrum) Export() []model.StakeRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]model.StakeRef, 0, s.tree.Len())

	s.tree.Ascend(func(e *entry) bool {
		refs = append(refs, e.ref)
		return true
	})

	return refs
}

// Import rebuilds the spectrum from an export and forgets cached rounds.
func (s *Spectrum) Import(refs []model.StakeRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tree.Clear(false)
	s.anchors = make(map[model.Anchor]struct{}, len(refs))
	s.total = 0
	s.rounds.Purge()

	for _, ref := range refs {
		if err := s.addStake(ref); err != nil {
			return err
		}
	}

	s.logger.Debugf("[Spectrum] imported %d stakes, total weight %d", len(refs), s.total)

	return nil
}
