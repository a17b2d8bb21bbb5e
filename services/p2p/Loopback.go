package p2p

import (
	"context"
	"sort"
	"sync"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
)

// Bus connects Loopback nodes in process. Every joined node is connected to
// every other one.
type Bus struct {
	mu    sync.RWMutex
	nodes map[string]*Loopback
}

func NewBus() *Bus {
	initPrometheusMetrics()

	return &Bus{nodes: make(map[string]*Loopback)}
}

// Join adds a node named id to the bus.
func (b *Bus) Join(id string, source BlockSource, reputation Reputation) *Loopback {
	l := &Loopback{
		id:         id,
		bus:        b,
		source:     source,
		reputation: reputation,
		handlers:   make(map[string][]Handler),
	}

	b.mu.Lock()
	b.nodes[id] = l
	b.mu.Unlock()

	return l
}

// Leave disconnects id from every other node.
func (b *Bus) Leave(id string) {
	b.mu.Lock()
	delete(b.nodes, id)
	b.mu.Unlock()
}

func (b *Bus) others(id string) []*Loopback {
	b.mu.RLock()
	defer b.mu.RUnlock()

	nodes := make([]*Loopback, 0, len(b.nodes))

	for other, l := range b.nodes {
		if other != id {
			nodes = append(nodes, l)
		}
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })

	return nodes
}

func (b *Bus) node(id string) (*Loopback, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	l, ok := b.nodes[id]

	return l, ok
}

// Loopback is an in-process Network. Messages are delivered synchronously on
// the broadcasting goroutine.
type Loopback struct {
	id         string
	bus        *Bus
	source     BlockSource
	reputation Reputation

	mu       sync.RWMutex
	handlers map[string][]Handler
	started  bool
}

func (l *Loopback) ID() string {
	return l.id
}

func (l *Loopback) Start(context.Context) error {
	l.mu.Lock()
	l.started = true
	l.mu.Unlock()

	return nil
}

func (l *Loopback) Stop(context.Context) error {
	l.mu.Lock()
	l.started = false
	l.mu.Unlock()

	return nil
}

func (l *Loopback) isStarted() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.started
}

func (l *Loopback) Subscribe(topic string, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handlers[topic] = append(l.handlers[topic], handler)

	return nil
}

func (l *Loopback) Broadcast(ctx context.Context, topic string, payload []byte) error {
	if !l.isStarted() {
		return errors.NewServiceUnavailableError("[Loopback] %s is not started", l.id)
	}

	prometheusP2PPublished.WithLabelValues(topic).Inc()

	for _, other := range l.bus.others(l.id) {
		other.deliver(ctx, topic, l.id, payload)
	}

	return nil
}

func (l *Loopback) deliver(ctx context.Context, topic, from string, payload []byte) {
	if !l.isStarted() || l.reputation.IsBanned(from) {
		return
	}

	l.mu.RLock()
	handlers := append([]Handler(nil), l.handlers[topic]...)
	l.mu.RUnlock()

	prometheusP2PReceived.WithLabelValues(topic).Inc()

	for _, handler := range handlers {
		handler(ctx, topic, from, append([]byte(nil), payload...))
	}
}

func (l *Loopback) ConnectedPeerCount() int {
	return len(l.Peers())
}

func (l *Loopback) Peers() []string {
	others := l.bus.others(l.id)
	peers := make([]string, 0, len(others))

	for _, other := range others {
		if other.isStarted() && !l.reputation.IsBanned(other.id) {
			peers = append(peers, other.id)
		}
	}

	return peers
}

func (l *Loopback) Reputation() Reputation {
	return l.reputation
}

func (l *Loopback) peer(peerID string) (*Loopback, error) {
	other, ok := l.bus.node(peerID)
	if !ok || !other.isStarted() {
		return nil, errors.NewNetworkError("[Loopback] peer %s is not connected", peerID)
	}

	return other, nil
}

func (l *Loopback) GetTip(ctx context.Context, peerID string) (*TipInfo, error) {
	other, err := l.peer(peerID)
	if err != nil {
		return nil, err
	}

	height, ok := other.source.Height()
	if !ok {
		return &TipInfo{Empty: true}, nil
	}

	tip, err := other.source.GetBlock(ctx, height)
	if err != nil {
		return nil, err
	}

	return &TipInfo{Height: height, Hash: tip.Hash}, nil
}

// GetBlocks returns copies decoded from the wire form, as a remote peer would.
func (l *Loopback) GetBlocks(ctx context.Context, peerID string, from uint64, count int) ([]*model.Block, error) {
	other, err := l.peer(peerID)
	if err != nil {
		return nil, err
	}

	if count > MaxRangeCount {
		count = MaxRangeCount
	}

	blocks, err := other.source.GetBlocks(ctx, from, count)
	if err != nil {
		return nil, err
	}

	out := make([]*model.Block, 0, len(blocks))

	for _, b := range blocks {
		c, err := model.NewBlockFromBytes(b.Bytes())
		if err != nil {
			return nil, err
		}

		out = append(out, c)
	}

	return out, nil
}
