// Package blockchain defines the canonical chain store: an append-only block
// log with a sliding in-memory cache and an address index.
package blockchain

import (
	"context"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/stores/utxo"
)

type Store interface {
	Health(ctx context.Context, checkLiveness bool) (int, string, error)

	// AddConfirmedBlock persists block as the new tip. The block must extend
	// the current tip.
	AddConfirmedBlock(ctx context.Context, block *model.Block) error
	// ApplyBlock applies a clone of block to the utxo set and spectrum.
	ApplyBlock(block *model.Block, utxos utxo.Applier, stakes utxo.StakeRegistry) (*utxo.Diff, error)

	// GetTip returns the tip block, or nil on an empty chain.
	GetTip(ctx context.Context) (*model.Block, error)
	Height() (uint64, bool)
	GetBlock(ctx context.Context, height uint64) (*model.Block, error)
	GetBlockByHash(ctx context.Context, hash chainhash.Hash) (*model.Block, error)
	GetBlocks(ctx context.Context, from uint64, count int) ([]*model.Block, error)
	GetTransaction(height uint64, txID chainhash.Hash) (*model.Transaction, bool, error)

	GetAddressTxRefs(ctx context.Context, address string, from, to uint64) ([]model.TxRef, error)
	RebuildAddressIndex(ctx context.Context) error

	// TruncateAbove removes every block higher than height.
	TruncateAbove(ctx context.Context, height uint64) error
	// SetReconstructableHeight allows blocks up to height to leave the cache.
	SetReconstructableHeight(height uint64)

	RecordPubKeys(ctx context.Context, keys map[string][]byte) error
	GetPubKeys(ctx context.Context, addresses []string) (map[string][]byte, error)

	Close() error
}
