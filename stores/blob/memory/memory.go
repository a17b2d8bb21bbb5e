package memory

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/stores/blob/options"
)

type Memory struct {
	mu         sync.RWMutex
	blobs      map[string][]byte
	Counters   map[string]int
	countersMu sync.Mutex
}

func New() *Memory {
	return &Memory{
		blobs:    make(map[string][]byte),
		Counters: make(map[string]int),
	}
}

func (m *Memory) count(op string) {
	m.countersMu.Lock()
	m.Counters[op]++
	m.countersMu.Unlock()
}

func (m *Memory) Health(_ context.Context, _ bool) (int, string, error) {
	m.count("health")

	return http.StatusOK, "Memory Store", nil
}

func (m *Memory) Close(_ context.Context) error {
	m.count("close")

	return nil
}

func (m *Memory) Set(_ context.Context, key []byte, value []byte, opts ...options.FileOption) error {
	o := options.NewFileOptions(opts...)
	storeKey := o.StoreKey(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.count("set")

	if _, ok := m.blobs[storeKey]; ok && !o.AllowOverwrite {
		return errors.NewBlobAlreadyExistsError("blob %s already exists", storeKey)
	}

	m.blobs[storeKey] = append([]byte(nil), value...)

	return nil
}

func (m *Memory) Get(_ context.Context, key []byte, opts ...options.FileOption) ([]byte, error) {
	storeKey := options.NewFileOptions(opts...).StoreKey(key)

	m.mu.RLock()
	defer m.mu.RUnlock()

	m.count("get")

	b, ok := m.blobs[storeKey]
	if !ok {
		return nil, errors.ErrNotFound
	}

	return b, nil
}

func (m *Memory) Exists(_ context.Context, key []byte, opts ...options.FileOption) (bool, error) {
	storeKey := options.NewFileOptions(opts...).StoreKey(key)

	m.mu.RLock()
	defer m.mu.RUnlock()

	m.count("exists")

	_, ok := m.blobs[storeKey]

	return ok, nil
}

func (m *Memory) Del(_ context.Context, key []byte, opts ...options.FileOption) error {
	storeKey := options.NewFileOptions(opts...).StoreKey(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.count("del")

	delete(m.blobs, storeKey)

	return nil
}

func (m *Memory) List(_ context.Context, opts ...options.FileOption) ([]string, error) {
	o := options.NewFileOptions(opts...)

	prefix := ""
	if o.SubDirectory != "" {
		prefix = o.SubDirectory + "/"
	}

	suffix := ""
	if o.Extension != "" {
		suffix = "." + o.Extension
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.blobs))

	for k := range m.blobs {
		if !strings.HasPrefix(k, prefix) || !strings.HasSuffix(k, suffix) {
			continue
		}

		name := strings.TrimSuffix(strings.TrimPrefix(k, prefix), suffix)
		if strings.Contains(name, "/") {
			continue
		}

		keys = append(keys, name)
	}

	sort.Strings(keys)

	return keys, nil
}
