package leveldb

import (
	"context"

	ldb "github.com/btcsuite/goleveldb/leveldb"
	"github.com/hybridpos/vssnode/errors"
)

// TruncateAbove removes every block higher than height from disk, the cache
// and the address index.
func (s *LevelDB) TruncateAbove(_ context.Context, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasTip || height >= s.tip {
		return nil
	}

	batch := new(ldb.Batch)

	for h := s.tip; h > height; h-- {
		block, err := s.blockAt(h)
		if err != nil {
			return err
		}

		batch.Delete(blockKey(h))
		batch.Delete(hashKey(block.Hash))

		if s.hasIndex && h <= s.indexed {
			unindexBlock(batch, block)
		}
	}

	batch.Put(keyTip, uint64Bytes(height))

	lowerIndex := s.hasIndex && s.indexed > height
	if lowerIndex {
		batch.Put(keyIndexed, uint64Bytes(height))
	}

	if err := s.db.Write(batch, nil); err != nil {
		return errors.NewStorageError("failed to truncate chain above %d", height, err)
	}

	for s.cache.Len() > 0 && s.cache.Back().Index > height {
		removed := s.cache.PopBack()
		delete(s.byHash, removed.Hash)
	}

	s.logger.Infof("[ChainStore] truncated chain from %d to %d", s.tip, height)

	s.tip = height

	if lowerIndex {
		s.indexed = height
	}

	if s.hasEvict && s.evictable > height {
		s.evictable = height
	}

	return nil
}
