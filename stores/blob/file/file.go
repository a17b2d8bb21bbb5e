// Package file implements blob.Store on the local filesystem. Every blob is a
// file below the configured root; writes go through a temporary file and a
// rename so a crash never leaves a partial blob behind.
package file

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/stores/blob/options"
	"github.com/hybridpos/vssnode/ulogger"
)

const tmpExtension = ".tmp"

type File struct {
	path   string
	logger ulogger.Logger
}

// New creates a file store rooted at the host and path of storeURL, so that
// file://./data/snapshots resolves relative to the working directory.
func New(logger ulogger.Logger, storeURL *url.URL) (*File, error) {
	if storeURL == nil {
		return nil, errors.NewConfigurationError("storeURL is nil")
	}

	path := storeURL.Host + storeURL.Path
	if path == "" {
		return nil, errors.NewConfigurationError("file store url %s has no path", storeURL)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.NewStorageError("failed to create directory %s", path, err)
	}

	return &File{
		path:   path,
		logger: logger.New("file"),
	}, nil
}

func (f *File) filename(key []byte, opts []options.FileOption) (string, *options.Options) {
	o := options.NewFileOptions(opts...)

	return filepath.Join(f.path, filepath.FromSlash(o.StoreKey(key))), o
}

func (f *File) Health(_ context.Context, _ bool) (int, string, error) {
	if _, err := os.Stat(f.path); err != nil {
		return http.StatusFailedDependency, "File Store: path unavailable", errors.NewStorageUnavailableError("path %s", f.path, err)
	}

	return http.StatusOK, "File Store", nil
}

func (f *File) Close(_ context.Context) error {
	return nil
}

func (f *File) Set(_ context.Context, key []byte, value []byte, opts ...options.FileOption) error {
	fileName, o := f.filename(key, opts)

	if !o.AllowOverwrite {
		if _, err := os.Stat(fileName); err == nil {
			return errors.NewBlobAlreadyExistsError("blob %s already exists", fileName)
		}
	}

	if err := os.MkdirAll(filepath.Dir(fileName), 0o755); err != nil {
		return errors.NewStorageError("[File][Set] failed to create directory for %s", fileName, err)
	}

	tmpName := fileName + tmpExtension

	if err := os.WriteFile(tmpName, value, 0o600); err != nil {
		return errors.NewStorageError("[File][Set] failed to write %s", tmpName, err)
	}

	if err := os.Rename(tmpName, fileName); err != nil {
		_ = os.Remove(tmpName)
		return errors.NewStorageError("[File][Set] failed to rename %s", tmpName, err)
	}

	return nil
}

func (f *File) Get(_ context.Context, key []byte, opts ...options.FileOption) ([]byte, error) {
	fileName, _ := f.filename(key, opts)

	b, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrNotFound
		}

		return nil, errors.NewStorageError("[File][Get] failed to read %s", fileName, err)
	}

	return b, nil
}

func (f *File) Exists(_ context.Context, key []byte, opts ...options.FileOption) (bool, error) {
	fileName, _ := f.filename(key, opts)

	_, err := os.Stat(fileName)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, errors.NewStorageError("[File][Exists] failed to stat %s", fileName, err)
}

func (f *File) Del(_ context.Context, key []byte, opts ...options.FileOption) error {
	fileName, _ := f.filename(key, opts)

	if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
		return errors.NewStorageError("[File][Del] failed to remove %s", fileName, err)
	}

	return nil
}

func (f *File) List(_ context.Context, opts ...options.FileOption) ([]string, error) {
	o := options.NewFileOptions(opts...)
	dir := filepath.Join(f.path, filepath.FromSlash(o.SubDirectory))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, errors.NewStorageError("[File][List] failed to read %s", dir, err)
	}

	suffix := ""
	if o.Extension != "" {
		suffix = "." + o.Extension
	}

	keys := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, tmpExtension) || !strings.HasSuffix(name, suffix) {
			continue
		}

		keys = append(keys, strings.TrimSuffix(name, suffix))
	}

	sort.Strings(keys)

	return keys, nil
}
