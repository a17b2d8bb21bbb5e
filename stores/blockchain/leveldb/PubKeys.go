package leveldb

import (
	"context"

	ldb "github.com/btcsuite/goleveldb/leveldb"
	"github.com/hybridpos/vssnode/errors"
)

// RecordPubKeys stores public keys discovered while validating blocks.
func (s *LevelDB) RecordPubKeys(_ context.Context, keys map[string][]byte) error {
	if len(keys) == 0 {
		return nil
	}

	batch := new(ldb.Batch)
	for address, pubKey := range keys {
		batch.Put(pubKeyKey(address), pubKey)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return errors.NewStorageError("failed to record %d public keys", len(keys), err)
	}

	return nil
}

// GetPubKeys returns the known public keys of addresses. Unknown addresses
// are left out.
func (s *LevelDB) GetPubKeys(_ context.Context, addresses []string) (map[string][]byte, error) {
	keys := make(map[string][]byte, len(addresses))

	for _, address := range addresses {
		pubKey, err := s.db.Get(pubKeyKey(address), nil)
		if err != nil {
			if err == ldb.ErrNotFound {
				continue
			}

			return nil, errors.NewStorageError("failed to read public key of %s", address, err)
		}

		keys[address] = pubKey
	}

	return keys, nil
}
