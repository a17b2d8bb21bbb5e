package snapshot

import (
	"context"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/stores/blob"
	"github.com/hybridpos/vssnode/stores/blob/options"
	"github.com/hybridpos/vssnode/ulogger"
)

const checkpointDir = "checkpoints"

// CheckpointStore keeps long lived copies of snapshots taken every modulo
// blocks.
type CheckpointStore struct {
	logger    ulogger.Logger
	blobs     blob.Store
	snapshots *Store
}

func NewCheckpointStore(logger ulogger.Logger, blobs blob.Store, snapshots *Store) *CheckpointStore {
	return &CheckpointStore{
		logger:    logger.New("checkpoint"),
		blobs:     blobs,
		snapshots: snapshots,
	}
}

// Create copies the snapshot at height into a checkpoint when height is a
// multiple of modulo. It reports whether a checkpoint was written.
func (c *CheckpointStore) Create(ctx context.Context, height, modulo uint64) (bool, error) {
	if modulo == 0 || height == 0 || height%modulo != 0 {
		return false, nil
	}

	b, err := c.snapshots.Get(ctx, height)
	if err != nil {
		return false, err
	}

	opts := append(dirOptions(checkpointDir), options.WithAllowOverwrite(true))
	if err = c.blobs.Set(ctx, heightKey(height), b, opts...); err != nil {
		return false, errors.NewStorageError("failed to write checkpoint %d", height, err)
	}

	c.logger.Infof("[Checkpoint] created checkpoint at %d", height)

	return true, nil
}

func (c *CheckpointStore) HasActiveCheckpoint(ctx context.Context) (bool, error) {
	_, ok, err := c.Latest(ctx)

	return ok, err
}

// Latest returns the highest checkpoint height.
func (c *CheckpointStore) Latest(ctx context.Context) (uint64, bool, error) {
	heights, err := listHeights(ctx, c.logger, c.blobs, checkpointDir)
	if err != nil {
		return 0, false, err
	}

	if len(heights) == 0 {
		return 0, false, nil
	}

	return heights[len(heights)-1], true, nil
}

func (c *CheckpointStore) Load(ctx context.Context, height uint64) (*Image, error) {
	b, err := c.blobs.Get(ctx, heightKey(height), dirOptions(checkpointDir)...)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.NewNotFoundError("no checkpoint at %d", height)
		}

		return nil, errors.NewStorageError("failed to read checkpoint %d", height, err)
	}

	return DecodeImage(b)
}

// PruneBelow deletes every checkpoint lower than height.
func (c *CheckpointStore) PruneBelow(ctx context.Context, height uint64) error {
	heights, err := listHeights(ctx, c.logger, c.blobs, checkpointDir)
	if err != nil {
		return err
	}

	for _, h := range heights {
		if h >= height {
			break
		}

		if err = c.blobs.Del(ctx, heightKey(h), dirOptions(checkpointDir)...); err != nil {
			return errors.NewStorageError("failed to prune checkpoint %d", h, err)
		}
	}

	return nil
}
