// Package logger wraps a blob store and logs every operation at debug level.
// It is enabled with logger=true on the store URL.
package logger

import (
	"context"

	"github.com/hybridpos/vssnode/stores/blob/options"
	"github.com/hybridpos/vssnode/ulogger"
)

type blobStore interface {
	Health(ctx context.Context, checkLiveness bool) (int, string, error)
	Exists(ctx context.Context, key []byte, opts ...options.FileOption) (bool, error)
	Get(ctx context.Context, key []byte, opts ...options.FileOption) ([]byte, error)
	Set(ctx context.Context, key []byte, value []byte, opts ...options.FileOption) error
	Del(ctx context.Context, key []byte, opts ...options.FileOption) error
	List(ctx context.Context, opts ...options.FileOption) ([]string, error)
	Close(ctx context.Context) error
}

type Logger struct {
	logger ulogger.Logger
	store  blobStore
}

func New(logger ulogger.Logger, store blobStore) *Logger {
	return &Logger{
		logger: logger,
		store:  store,
	}
}

func (s *Logger) Health(ctx context.Context, checkLiveness bool) (int, string, error) {
	status, message, err := s.store.Health(ctx, checkLiveness)
	s.logger.Debugf("[BlobStore][Health] status %d: %s, err: %v", status, message, err)

	return status, message, err
}

func (s *Logger) Exists(ctx context.Context, key []byte, opts ...options.FileOption) (bool, error) {
	exists, err := s.store.Exists(ctx, key, opts...)
	s.logger.Debugf("[BlobStore][Exists] %s: %t, err: %v", storeKey(key, opts), exists, err)

	return exists, err
}

func (s *Logger) Get(ctx context.Context, key []byte, opts ...options.FileOption) ([]byte, error) {
	value, err := s.store.Get(ctx, key, opts...)
	s.logger.Debugf("[BlobStore][Get] %s: %d bytes, err: %v", storeKey(key, opts), len(value), err)

	return value, err
}

func (s *Logger) Set(ctx context.Context, key []byte, value []byte, opts ...options.FileOption) error {
	err := s.store.Set(ctx, key, value, opts...)
	s.logger.Debugf("[BlobStore][Set] %s: %d bytes, err: %v", storeKey(key, opts), len(value), err)

	return err
}

func (s *Logger) Del(ctx context.Context, key []byte, opts ...options.FileOption) error {
	err := s.store.Del(ctx, key, opts...)
	s.logger.Debugf("[BlobStore][Del] %s, err: %v", storeKey(key, opts), err)

	return err
}

func (s *Logger) List(ctx context.Context, opts ...options.FileOption) ([]string, error) {
	keys, err := s.store.List(ctx, opts...)
	s.logger.Debugf("[BlobStore][List] %s: %d keys, err: %v", storeKey(nil, opts), len(keys), err)

	return keys, err
}

func (s *Logger) Close(ctx context.Context) error {
	err := s.store.Close(ctx)
	s.logger.Debugf("[BlobStore][Close] err: %v", err)

	return err
}

func storeKey(key []byte, opts []options.FileOption) string {
	return options.NewFileOptions(opts...).StoreKey(key)
}
