// Package p2p carries blocks, candidates and transactions between nodes.
//
// Gossip runs over libp2p pubsub topics. Block sync uses a request/response
// stream protocol that serves ranges of canonical blocks. Loopback implements
// the same Network in process for tests and local devnets.
package p2p

import (
	"context"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/hybridpos/vssnode/model"
)

// Gossip topics, prefixed with the network name on the wire.
const (
	TopicBlock       = "block"
	TopicCandidate   = "candidate"
	TopicTransaction = "tx"
)

// Topics lists every gossip topic a node subscribes to.
var Topics = []string{TopicBlock, TopicCandidate, TopicTransaction}

// Handler receives a gossip message. from is the id of the relaying peer.
type Handler func(ctx context.Context, topic string, from string, payload []byte)

// Reputation scores misbehaving peers and bans them.
type Reputation interface {
	Penalize(peerID string, offense string) (score int, banned bool)
	Ban(peerID string)
	IsBanned(peerID string) bool
}

// BlockSource is the canonical chain served to peers.
type BlockSource interface {
	Height() (uint64, bool)
	GetBlock(ctx context.Context, height uint64) (*model.Block, error)
	GetBlocks(ctx context.Context, from uint64, count int) ([]*model.Block, error)
}

// TipInfo is a peer's view of its chain tip.
type TipInfo struct {
	Empty  bool
	Height uint64
	Hash   chainhash.Hash
}

type Network interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	Broadcast(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler Handler) error

	ConnectedPeerCount() int
	Peers() []string
	Reputation() Reputation

	// GetTip and GetBlocks query a peer through the block range protocol.
	GetTip(ctx context.Context, peerID string) (*TipInfo, error)
	GetBlocks(ctx context.Context, peerID string, from uint64, count int) ([]*model.Block, error)
}
