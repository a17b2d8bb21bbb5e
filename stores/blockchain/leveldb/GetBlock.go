package leveldb

import (
	"context"
	"encoding/binary"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
	ldb "github.com/btcsuite/goleveldb/leveldb"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
)

// GetBlock returns the canonical block at height from the cache or disk.
// Cached blocks are shared and must not be modified.
func (s *LevelDB) GetBlock(_ context.Context, height uint64) (*model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.blockAt(height)
}

func (s *LevelDB) GetBlockByHash(_ context.Context, hash chainhash.Hash) (*model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if height, ok := s.byHash[hash]; ok {
		return s.blockAt(height)
	}

	b, err := s.db.Get(hashKey(hash), nil)
	if err != nil {
		if err == ldb.ErrNotFound {
			return nil, errors.NewBlockNotFoundError("block %s not found", hash)
		}

		return nil, errors.NewStorageError("failed to read hash index of %s", hash, err)
	}

	return s.blockAt(binary.BigEndian.Uint64(b))
}

func (s *LevelDB) GetTip(_ context.Context) (*model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasTip {
		return nil, nil
	}

	return s.blockAt(s.tip)
}

// GetBlocks returns up to count consecutive blocks starting at from.
func (s *LevelDB) GetBlocks(_ context.Context, from uint64, count int) ([]*model.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.hasTip || from > s.tip {
		return nil, nil
	}

	blocks := make([]*model.Block, 0, count)

	for h := from; h <= s.tip && len(blocks) < count; h++ {
		block, err := s.blockAt(h)
		if err != nil {
			return nil, err
		}

		blocks = append(blocks, block)
	}

	return blocks, nil
}

// GetTransaction finds txID in the canonical block at height.
func (s *LevelDB) GetTransaction(height uint64, txID chainhash.Hash) (*model.Transaction, bool, error) {
	block, err := s.GetBlock(context.Background(), height)
	if err != nil {
		if errors.Is(err, errors.ErrBlockNotFound) {
			return nil, false, nil
		}

		return nil, false, err
	}

	for _, tx := range block.Txs {
		if tx.ID() == txID {
			return tx, true, nil
		}
	}

	return nil, false, nil
}

func (s *LevelDB) blockAt(height uint64) (*model.Block, error) {
	if s.cache.Len() > 0 {
		oldest := s.cache.Front().Index
		if height >= oldest && height <= s.cache.Back().Index {
			offset, err := safeconversion.Uint64ToInt(height - oldest)
			if err != nil {
				return nil, errors.NewProcessingError("cache offset of block %d", height, err)
			}

			return s.cache.At(offset), nil
		}
	}

	if !s.hasTip || height > s.tip {
		return nil, errors.NewBlockNotFoundError("block %d not found", height)
	}

	return s.readBlock(height)
}

func (s *LevelDB) readBlock(height uint64) (*model.Block, error) {
	b, err := s.db.Get(blockKey(height), nil)
	if err != nil {
		if err == ldb.ErrNotFound {
			return nil, errors.NewBlockNotFoundError("block %d not found", height)
		}

		return nil, errors.NewStorageError("failed to read block %d", height, err)
	}

	return model.NewBlockFromBytes(b)
}
