package leveldb

import (
	"context"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	ldb "github.com/btcsuite/goleveldb/leveldb"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
)

// AddConfirmedBlock persists block as the new tip and caches a copy of it.
// Blocks at the front of the cache that a snapshot can reconstruct are
// moved to the address index in the same write.
func (s *LevelDB) AddConfirmedBlock(_ context.Context, block *model.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected := uint64(0)
	prevHash := chainhash.Hash{}

	if s.hasTip {
		tipBlock, err := s.blockAt(s.tip)
		if err != nil {
			return err
		}

		expected = s.tip + 1
		prevHash = tipBlock.Hash
	}

	if block.Index != expected {
		return errors.NewBlockInvalidError("block %d does not extend the chain, expected height %d", block.Index, expected)
	}

	if block.PrevHash != prevHash {
		return errors.NewBlockInvalidError("block %d has prevHash %s, tip is %s", block.Index, block.PrevHash, prevHash)
	}

	if _, ok := s.byHash[block.Hash]; ok {
		return errors.NewBlockExistsError("block %s already stored", block.Hash)
	}

	batch := new(ldb.Batch)
	batch.Put(blockKey(block.Index), block.Bytes())
	batch.Put(hashKey(block.Hash), uint64Bytes(block.Index))
	batch.Put(keyTip, uint64Bytes(block.Index))

	evict := s.evictionCount(s.cache.Len() + 1)
	for i := 0; i < evict; i++ {
		indexBlock(batch, s.cache.At(i))
	}

	if evict > 0 {
		batch.Put(keyIndexed, uint64Bytes(s.cache.At(evict-1).Index))
	}

	if err := s.db.Write(batch, nil); err != nil {
		return errors.NewStorageError("failed to store block %d", block.Index, err)
	}

	for i := 0; i < evict; i++ {
		evicted := s.cache.PopFront()
		delete(s.byHash, evicted.Hash)

		s.indexed = evicted.Index
		s.hasIndex = true
	}

	s.cache.PushBack(block.Clone())
	s.byHash[block.Hash] = block.Index
	s.tip = block.Index
	s.hasTip = true

	return nil
}

// evictionCount returns how many blocks may leave the front of a cache of
// size cached. Only blocks at or below the reconstructable height may go.
func (s *LevelDB) evictionCount(cached int) int {
	if !s.hasEvict {
		return 0
	}

	n := 0
	for cached-n > s.cacheSize && n < s.cache.Len() && s.cache.At(n).Index <= s.evictable {
		n++
	}

	return n
}

func (s *LevelDB) SetReconstructableHeight(height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasEvict || height > s.evictable {
		s.evictable = height
		s.hasEvict = true
	}
}
