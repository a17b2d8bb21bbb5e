// Package blob provides key/value storage of opaque byte blobs with memory and
// file backends.
package blob

import (
	"context"

	"github.com/hybridpos/vssnode/stores/blob/options"
)

// Store is implemented by every blob backend.
type Store interface {
	Health(ctx context.Context, checkLiveness bool) (int, string, error)
	Exists(ctx context.Context, key []byte, opts ...options.FileOption) (bool, error)
	// Get returns errors.ErrNotFound when the blob does not exist.
	Get(ctx context.Context, key []byte, opts ...options.FileOption) ([]byte, error)
	// Set fails with BLOB_EXISTS unless overwriting is allowed.
	Set(ctx context.Context, key []byte, value []byte, opts ...options.FileOption) error
	Del(ctx context.Context, key []byte, opts ...options.FileOption) error
	// List returns the keys stored under the given options, without extension.
	List(ctx context.Context, opts ...options.FileOption) ([]string, error)
	Close(ctx context.Context) error
}
