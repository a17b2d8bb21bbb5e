// Package leveldb implements the chain store on goleveldb.
//
// Key layout:
//
//	b|height              block bytes
//	h|hash                height
//	a|address|0|height|id address index entry
//	k|address             compressed public key
//	m|tip, m|indexed      metadata
//
// The cache holds exactly the blocks above m|indexed. A block's address index
// entries are written when it leaves the cache.
package leveldb

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/url"
	"sync"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	ldb "github.com/btcsuite/goleveldb/leveldb"
	"github.com/btcsuite/goleveldb/leveldb/storage"
	"github.com/gammazero/deque"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/ulogger"
)

const (
	prefixBlock   = 'b'
	prefixHash    = 'h'
	prefixAddress = 'a'
	prefixPubKey  = 'k'
	prefixMeta    = 'm'
)

var (
	keyTip     = []byte{prefixMeta, 't', 'i', 'p'}
	keyIndexed = []byte{prefixMeta, 'i', 'd', 'x'}
)

type LevelDB struct {
	logger    ulogger.Logger
	db        *ldb.DB
	cacheSize int

	mu sync.RWMutex
	// cache holds blocks (indexed, tip] in height order.
	cache     deque.Deque[*model.Block]
	byHash    map[chainhash.Hash]uint64
	hasTip    bool
	tip       uint64
	hasIndex  bool
	indexed   uint64
	evictable uint64
	hasEvict  bool
}

// New opens the store named by storeURL. memory:// keeps everything in RAM.
func New(logger ulogger.Logger, storeURL *url.URL, cacheSize int) (*LevelDB, error) {
	var (
		db  *ldb.DB
		err error
	)

	if storeURL.Scheme == "memory" {
		db, err = ldb.Open(storage.NewMemStorage(), nil)
	} else {
		path := storeURL.Host + storeURL.Path
		if path == "" {
			return nil, errors.NewConfigurationError("chain store url %s has no path", storeURL)
		}

		db, err = ldb.OpenFile(path, nil)
	}

	if err != nil {
		return nil, errors.NewStorageError("failed to open chain store", err)
	}

	if cacheSize < 1 {
		cacheSize = 1
	}

	s := &LevelDB{
		logger:    logger.New("chainstore"),
		db:        db,
		cacheSize: cacheSize,
		byHash:    make(map[chainhash.Hash]uint64),
	}

	if err = s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// load restores the tip and refills the cache with the unindexed blocks.
func (s *LevelDB) load() error {
	var err error

	if s.tip, s.hasTip, err = s.getMeta(keyTip); err != nil {
		return err
	}

	if s.indexed, s.hasIndex, err = s.getMeta(keyIndexed); err != nil {
		return err
	}

	if !s.hasTip {
		return nil
	}

	from := uint64(0)
	if s.hasIndex {
		from = s.indexed + 1
	}

	for h := from; h <= s.tip; h++ {
		block, err := s.readBlock(h)
		if err != nil {
			return errors.NewStorageError("failed to reload block %d into cache", h, err)
		}

		s.cache.PushBack(block)
		s.byHash[block.Hash] = block.Index
	}

	s.logger.Infof("[ChainStore] loaded tip %d, %d blocks cached", s.tip, s.cache.Len())

	return nil
}

func (s *LevelDB) Health(_ context.Context, _ bool) (int, string, error) {
	if _, err := s.db.GetProperty("leveldb.num-files-at-level0"); err != nil {
		return http.StatusFailedDependency, "LevelDB unavailable", errors.NewStorageUnavailableError("leveldb", err)
	}

	return http.StatusOK, "OK", nil
}

func (s *LevelDB) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.NewStorageError("failed to close chain store", err)
	}

	return nil
}

// Height returns the tip height and false on an empty chain.
func (s *LevelDB) Height() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tip, s.hasTip
}

func (s *LevelDB) getMeta(key []byte) (uint64, bool, error) {
	b, err := s.db.Get(key, nil)
	if err != nil {
		if err == ldb.ErrNotFound {
			return 0, false, nil
		}

		return 0, false, errors.NewStorageError("failed to read %s", key, err)
	}

	return binary.BigEndian.Uint64(b), true, nil
}

func uint64Bytes(v uint64) []byte {
	var b [8]byte

	binary.BigEndian.PutUint64(b[:], v)

	return b[:]
}

func blockKey(height uint64) []byte {
	return append([]byte{prefixBlock}, uint64Bytes(height)...)
}

func hashKey(hash chainhash.Hash) []byte {
	return append([]byte{prefixHash}, hash[:]...)
}

func addressPrefix(address string) []byte {
	key := make([]byte, 0, 2+len(address))
	key = append(key, prefixAddress)
	key = append(key, address...)

	return append(key, 0)
}

func addressKey(address string, height uint64, txID chainhash.Hash) []byte {
	key := addressPrefix(address)
	key = append(key, uint64Bytes(height)...)

	return append(key, txID[:]...)
}

func pubKeyKey(address string) []byte {
	return append([]byte{prefixPubKey}, address...)
}
