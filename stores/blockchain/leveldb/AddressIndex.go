package leveldb

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	ldb "github.com/btcsuite/goleveldb/leveldb"
	"github.com/btcsuite/goleveldb/leveldb/util"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
)

const rebuildBatchBlocks = 500

// txAddresses returns every address a transaction pays or spends from.
func txAddresses(tx *model.Transaction) []string {
	seen := make(map[string]struct{}, len(tx.Outputs)+len(tx.Inputs))
	addresses := make([]string, 0, len(tx.Outputs)+len(tx.Inputs))

	add := func(a string) {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			addresses = append(addresses, a)
		}
	}

	for _, out := range tx.Outputs {
		add(out.Address)
	}

	for _, in := range tx.Inputs {
		if len(in.PubKey) > 0 {
			add(model.AddressFromPubKey(in.PubKey))
		}
	}

	return addresses
}

func indexBlock(batch *ldb.Batch, block *model.Block) {
	for _, tx := range block.Txs {
		txID := tx.ID()

		for _, a := range txAddresses(tx) {
			batch.Put(addressKey(a, block.Index, txID), nil)
		}
	}
}

func unindexBlock(batch *ldb.Batch, block *model.Block) {
	for _, tx := range block.Txs {
		txID := tx.ID()

		for _, a := range txAddresses(tx) {
			batch.Delete(addressKey(a, block.Index, txID))
		}
	}
}

// GetAddressTxRefs merges the persisted index with the cached blocks and
// returns the transactions touching address between from and to inclusive.
func (s *LevelDB) GetAddressTxRefs(_ context.Context, address string, from, to uint64) ([]model.TxRef, error) {
	if from > to {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := addressPrefix(address)
	rng := util.BytesPrefix(prefix)
	rng.Start = append(append([]byte{}, prefix...), uint64Bytes(from)...)

	if to < ^uint64(0) {
		rng.Limit = append(append([]byte{}, prefix...), uint64Bytes(to+1)...)
	}

	seen := make(map[model.TxRef]struct{})
	refs := make([]model.TxRef, 0)

	iter := s.db.NewIterator(rng, nil)
	for iter.Next() {
		key := iter.Key()[len(prefix):]
		if len(key) != 8+chainhash.HashSize {
			continue
		}

		ref := model.TxRef{Height: binary.BigEndian.Uint64(key[:8])}
		copy(ref.TxID[:], key[8:])

		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	iter.Release()

	if err := iter.Error(); err != nil {
		return nil, errors.NewStorageError("failed to scan address index of %s", address, err)
	}

	for i := 0; i < s.cache.Len(); i++ {
		block := s.cache.At(i)
		if block.Index < from || block.Index > to {
			continue
		}

		for _, tx := range block.Txs {
			for _, a := range txAddresses(tx) {
				if a != address {
					continue
				}

				ref := model.TxRef{Height: block.Index, TxID: tx.ID()}
				if _, ok := seen[ref]; !ok {
					seen[ref] = struct{}{}
					refs = append(refs, ref)
				}
			}
		}
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Height != refs[j].Height {
			return refs[i].Height < refs[j].Height
		}

		return bytes.Compare(refs[i].TxID[:], refs[j].TxID[:]) < 0
	})

	return refs, nil
}

// RebuildAddressIndex drops the persisted index and rebuilds it from every
// block that has left the cache.
func (s *LevelDB) RebuildAddressIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(ldb.Batch)

	iter := s.db.NewIterator(util.BytesPrefix([]byte{prefixAddress}), nil)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}

	iter.Release()

	if err := iter.Error(); err != nil {
		return errors.NewStorageError("failed to scan address index", err)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return errors.NewStorageError("failed to clear address index", err)
	}

	if !s.hasIndex {
		return nil
	}

	batch.Reset()

	for h := uint64(0); h <= s.indexed; h++ {
		if err := ctx.Err(); err != nil {
			return errors.NewContextCanceledError("address index rebuild interrupted at %d", h, err)
		}

		block, err := s.readBlock(h)
		if err != nil {
			return err
		}

		indexBlock(batch, block)

		if (h+1)%rebuildBatchBlocks == 0 || h == s.indexed {
			if err = s.db.Write(batch, nil); err != nil {
				return errors.NewStorageError("failed to write address index at %d", h, err)
			}

			batch.Reset()
		}
	}

	s.logger.Infof("[ChainStore] rebuilt address index up to %d", s.indexed)

	return nil
}
