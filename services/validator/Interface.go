/*
Package validator runs ownership and signature checks of block transactions on
a fixed pool of worker goroutines.

The engine never calls the checks directly. It sends a Request and waits for
the matching Response, so the single writer loop only blocks on a channel.
*/
package validator

import (
	"context"

	"github.com/hybridpos/vssnode/model"
)

// Request asks the pool to validate the user transactions of a block and the
// signature of its PoS reward.
type Request struct {
	ID uint64
	// Utxos are the outputs consumed by Txs, as returned by a utxo pre-apply.
	Utxos     map[model.Anchor]*model.UTXO
	Txs       []*model.Transaction
	PosReward *model.Transaction
	// KnownKeys are the addresses whose public key is already recorded.
	KnownKeys map[string]struct{}
}

// Response answers the Request with the same ID.
type Response struct {
	ID    uint64
	Valid bool
	// DiscoveredKeys maps addresses to public keys seen for the first time.
	DiscoveredKeys map[string][]byte
	Err            error
}

// Interface is the validation side of the worker pool.
type Interface interface {
	Validate(ctx context.Context, req *Request) (*Response, error)
}
