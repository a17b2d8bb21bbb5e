package snapshot

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/stores/blob"
	"github.com/hybridpos/vssnode/stores/blob/options"
	"github.com/hybridpos/vssnode/ulogger"
)

const (
	snapshotDir   = "snapshots"
	quarantineDir = "quarantine"
	imageExt      = "snap"
)

func heightKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%020d", height))
}

func dirOptions(dir string) []options.FileOption {
	return []options.FileOption{options.WithSubDirectory(dir), options.WithFileExtension(imageExt)}
}

// Store keeps the most recent snapshots. Snapshots taken on a branch that
// was abandoned are moved to quarantine rather than deleted.
type Store struct {
	logger    ulogger.Logger
	blobs     blob.Store
	retention int
	mu        sync.Mutex
}

func New(logger ulogger.Logger, blobs blob.Store, retention int) *Store {
	if retention < 2 {
		retention = 2
	}

	return &Store{
		logger:    logger.New("snapshot"),
		blobs:     blobs,
		retention: retention,
	}
}

// Create writes the image of the current state at height and prunes the
// oldest snapshots beyond retention.
func (s *Store) Create(ctx context.Context, height uint64, utxos UtxoState, spectrum SpectrumState, mempool MempoolState) error {
	b, err := Capture(height, utxos, spectrum, mempool).Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	opts := append(dirOptions(snapshotDir), options.WithAllowOverwrite(true))
	if err = s.blobs.Set(ctx, heightKey(height), b, opts...); err != nil {
		return errors.NewStorageError("failed to write snapshot %d", height, err)
	}

	heights, err := s.heights(ctx, snapshotDir)
	if err != nil {
		return err
	}

	for len(heights) > s.retention {
		if err = s.blobs.Del(ctx, heightKey(heights[0]), dirOptions(snapshotDir)...); err != nil {
			return errors.NewStorageError("failed to prune snapshot %d", heights[0], err)
		}

		heights = heights[1:]
	}

	s.logger.Infof("[Snapshot] created snapshot at %d (%d bytes)", height, len(b))

	return nil
}

// Get returns the raw encoded snapshot at height.
func (s *Store) Get(ctx context.Context, height uint64) ([]byte, error) {
	b, err := s.blobs.Get(ctx, heightKey(height), dirOptions(snapshotDir)...)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.NewNotFoundError("no snapshot at %d", height)
		}

		return nil, errors.NewStorageError("failed to read snapshot %d", height, err)
	}

	return b, nil
}

func (s *Store) Load(ctx context.Context, height uint64) (*Image, error) {
	b, err := s.Get(ctx, height)
	if err != nil {
		return nil, err
	}

	return DecodeImage(b)
}

// RollBackTo restores the state captured at height.
func (s *Store) RollBackTo(ctx context.Context, height uint64, utxos UtxoState, spectrum SpectrumState, mempool MempoolState) error {
	img, err := s.Load(ctx, height)
	if err != nil {
		return err
	}

	if err = img.Restore(utxos, spectrum, mempool); err != nil {
		return err
	}

	s.logger.Infof("[Snapshot] rolled back to %d", height)

	return nil
}

func (s *Store) HeightsAscending(ctx context.Context) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.heights(ctx, snapshotDir)
}

// QuarantineAboveHeight moves every snapshot higher than height out of the
// rollback set.
func (s *Store) QuarantineAboveHeight(ctx context.Context, height uint64) error {
	return s.quarantine(ctx, func(h uint64) bool { return h > height })
}

// QuarantineBelowHeight moves every snapshot lower than height out of the
// rollback set.
func (s *Store) QuarantineBelowHeight(ctx context.Context, height uint64) error {
	return s.quarantine(ctx, func(h uint64) bool { return h < height })
}

func (s *Store) quarantine(ctx context.Context, match func(uint64) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	heights, err := s.heights(ctx, snapshotDir)
	if err != nil {
		return err
	}

	for _, h := range heights {
		if !match(h) {
			continue
		}

		b, err := s.blobs.Get(ctx, heightKey(h), dirOptions(snapshotDir)...)
		if err != nil {
			return errors.NewStorageError("failed to read snapshot %d", h, err)
		}

		opts := append(dirOptions(quarantineDir), options.WithAllowOverwrite(true))
		if err = s.blobs.Set(ctx, heightKey(h), b, opts...); err != nil {
			return errors.NewStorageError("failed to quarantine snapshot %d", h, err)
		}

		if err = s.blobs.Del(ctx, heightKey(h), dirOptions(snapshotDir)...); err != nil {
			return errors.NewStorageError("failed to remove snapshot %d", h, err)
		}

		s.logger.Infof("[Snapshot] quarantined snapshot %d", h)
	}

	return nil
}

func (s *Store) heights(ctx context.Context, dir string) ([]uint64, error) {
	return listHeights(ctx, s.logger, s.blobs, dir)
}

func listHeights(ctx context.Context, logger ulogger.Logger, blobs blob.Store, dir string) ([]uint64, error) {
	keys, err := blobs.List(ctx, dirOptions(dir)...)
	if err != nil {
		return nil, errors.NewStorageError("failed to list %s", dir, err)
	}

	heights := make([]uint64, 0, len(keys))

	for _, k := range keys {
		h, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			logger.Warnf("[Snapshot] ignoring unexpected key %s in %s", k, dir)
			continue
		}

		heights = append(heights, h)
	}

	// keys are zero padded so lexical order is numeric order
	return heights, nil
}
