package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/settings"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

const streamTimeout = 30 * time.Second

// P2PNode is the libp2p implementation of Network. Gossip runs over
// gossipsub and block ranges over a dedicated stream protocol.
type P2PNode struct {
	logger      ulogger.Logger
	settings    *settings.Settings
	host        host.Host
	pubSub      *pubsub.PubSub
	source      BlockSource
	bans        *PeerBanManager
	topicPrefix string

	mu       sync.RWMutex
	topics   map[string]*pubsub.Topic
	handlers map[string][]Handler

	started       atomic.Bool
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64
}

// NewP2PNode creates the libp2p host. Nothing is joined until Start.
func NewP2PNode(ctx context.Context, logger ulogger.Logger, tSettings *settings.Settings, source BlockSource) (*P2PNode, error) {
	initPrometheusMetrics()

	logger = logger.New("p2p")
	logger.Infof("[P2PNode] Creating node")

	var (
		pk  crypto.PrivKey
		err error
	)

	if tSettings.P2P.PrivateKey == "" {
		privateKeyFilename := fmt.Sprintf("%s/%s.p2p.private_key", tSettings.DataFolder, tSettings.ClientName)

		pk, err = readPrivateKey(privateKeyFilename)
		if err != nil {
			pk, err = generatePrivateKey(privateKeyFilename)
			if err != nil {
				return nil, errors.NewConfigurationError("[P2PNode] error generating private key", err)
			}
		}
	} else {
		pk, err = DecodeHexEd25519PrivateKey(tSettings.P2P.PrivateKey)
		if err != nil {
			return nil, errors.NewInvalidArgumentError("[P2PNode] error decoding private key", err)
		}
	}

	listen := tSettings.P2P.ListenAddresses
	if len(listen) == 0 {
		listen = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%s", tSettings.ChainCfgParams.DefaultPort)}
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listen...),
		libp2p.Identity(pk),
	)
	if err != nil {
		return nil, errors.NewServiceError("[P2PNode] error creating libp2p host", err)
	}

	logger.Infof("[P2PNode] peer ID: %s", h.ID().String())
	logger.Infof("[P2PNode] Connect to me on:")

	for _, addr := range h.Addrs() {
		logger.Infof("[P2PNode]   %s/p2p/%s", addr, h.ID().String())
	}

	node := &P2PNode{
		logger:      logger,
		settings:    tSettings,
		host:        h,
		source:      source,
		topicPrefix: fmt.Sprintf("%s/%s", tSettings.P2P.TopicPrefix, tSettings.ChainCfgParams.Name),
		topics:      make(map[string]*pubsub.Topic),
		handlers:    make(map[string][]Handler),
	}

	node.bans = NewPeerBanManager(ctx, node, tSettings)

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, conn network.Conn) {
			node.logger.Debugf("[P2PNode] Peer connected: %s", conn.RemotePeer().String())
		},
		DisconnectedF: func(n network.Network, conn network.Conn) {
			node.logger.Debugf("[P2PNode] Peer disconnected: %s", conn.RemotePeer().String())
		},
	})

	return node, nil
}

func (s *P2PNode) topicName(topic string) string {
	return s.topicPrefix + "/" + topic
}

func (s *P2PNode) Start(ctx context.Context) error {
	s.logger.Infof("[P2PNode] starting")

	ps, err := pubsub.NewGossipSub(ctx, s.host,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign))
	if err != nil {
		return errors.NewServiceError("[P2PNode] error creating gossipsub", err)
	}

	s.pubSub = ps

	for _, topic := range Topics {
		t, err := ps.Join(s.topicName(topic))
		if err != nil {
			return errors.NewServiceError("[P2PNode] error joining topic %s", topic, err)
		}

		s.logger.Infof("[P2PNode] joined topic: %s", s.topicName(topic))

		s.mu.Lock()
		s.topics[topic] = t
		s.mu.Unlock()

		sub, err := t.Subscribe()
		if err != nil {
			return errors.NewServiceError("[P2PNode] error subscribing to topic %s", topic, err)
		}

		go s.readTopic(ctx, topic, sub)
	}

	s.host.SetStreamHandler(protocol.ID(BlockRangeProtocolID), s.streamHandler)

	s.startStaticPeerConnector(ctx)
	s.started.Store(true)

	return nil
}

func (s *P2PNode) readTopic(ctx context.Context, topic string, sub *pubsub.Subscription) {
	defer sub.Cancel()

	for {
		m, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			s.logger.Errorf("[P2PNode] error getting msg from %s topic: %v", topic, err)

			continue
		}

		if m.ReceivedFrom == s.host.ID() {
			continue
		}

		from := m.ReceivedFrom.String()
		if s.bans.IsBanned(from) {
			continue
		}

		s.bytesReceived.Add(uint64(len(m.Data)))
		prometheusP2PReceived.WithLabelValues(topic).Inc()

		s.mu.RLock()
		handlers := append([]Handler(nil), s.handlers[topic]...)
		s.mu.RUnlock()

		for _, handler := range handlers {
			handler(ctx, topic, from, m.Data)
		}
	}
}

func (s *P2PNode) Stop(ctx context.Context) error {
	s.logger.Infof("[P2PNode] stopping")

	return s.host.Close()
}

func (s *P2PNode) Subscribe(topic string, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[topic] = append(s.handlers[topic], handler)

	return nil
}

func (s *P2PNode) Broadcast(ctx context.Context, topic string, payload []byte) error {
	s.mu.RLock()
	t, ok := s.topics[topic]
	s.mu.RUnlock()

	if !ok {
		return errors.NewServiceError("[P2PNode][Broadcast] topic not joined: %s", topic)
	}

	if err := t.Publish(ctx, payload); err != nil {
		return errors.NewServiceError("[P2PNode][Broadcast] publish error", err)
	}

	s.bytesSent.Add(uint64(len(payload)))
	prometheusP2PPublished.WithLabelValues(topic).Inc()

	return nil
}

func (s *P2PNode) ConnectedPeerCount() int {
	return len(s.Peers())
}

// Peers lists connected peers that are not banned.
func (s *P2PNode) Peers() []string {
	ids := s.host.Network().Peers()
	peers := make([]string, 0, len(ids))

	for _, id := range ids {
		if s.host.Network().Connectedness(id) != network.Connected {
			continue
		}

		if s.bans.IsBanned(id.String()) {
			continue
		}

		peers = append(peers, id.String())
	}

	return peers
}

func (s *P2PNode) Reputation() Reputation {
	return s.bans
}

// OnPeerBanned drops every connection to a banned peer.
func (s *P2PNode) OnPeerBanned(peerID string, until time.Time, reason string) {
	prometheusP2PBans.Inc()

	s.logger.Warnf("[P2PNode] banned peer %s until %s: %s", peerID, until.Format(time.RFC3339), reason)

	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}

	_ = s.host.Network().ClosePeer(pid)
}

func (s *P2PNode) openStream(ctx context.Context, peerID string) (network.Stream, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, errors.NewInvalidArgumentError("[P2PNode] invalid peer id %s", peerID, err)
	}

	st, err := s.host.NewStream(ctx, pid, protocol.ID(BlockRangeProtocolID))
	if err != nil {
		return nil, errors.NewNetworkError("[P2PNode] failed to open stream to %s", peerID, err)
	}

	_ = st.SetDeadline(time.Now().Add(streamTimeout))

	return st, nil
}

func (s *P2PNode) GetTip(ctx context.Context, peerID string) (*TipInfo, error) {
	st, err := s.openStream(ctx, peerID)
	if err != nil {
		return nil, err
	}

	defer st.Close()

	if err = writeRequest(st, rangeRequest{op: opTip}); err != nil {
		_ = st.Reset()
		return nil, errors.NewNetworkError("[P2PNode] failed to request tip from %s", peerID, err)
	}

	_ = st.CloseWrite()

	return readTip(st)
}

func (s *P2PNode) GetBlocks(ctx context.Context, peerID string, from uint64, count int) ([]*model.Block, error) {
	if count > MaxRangeCount {
		count = MaxRangeCount
	}

	st, err := s.openStream(ctx, peerID)
	if err != nil {
		return nil, err
	}

	defer st.Close()

	if err = writeRequest(st, rangeRequest{op: opBlocks, from: from, count: uint32(count)}); err != nil {
		_ = st.Reset()
		return nil, errors.NewNetworkError("[P2PNode] failed to request blocks from %s", peerID, err)
	}

	_ = st.CloseWrite()

	blocks, err := readBlocks(st, from, count)
	if err != nil && errors.Is(err, errors.ErrNetworkMalicious) {
		s.bans.AddScore(peerID, ReasonProtocolViolation)
	}

	return blocks, err
}

func (s *P2PNode) streamHandler(ns network.Stream) {
	defer ns.Close()

	from := ns.Conn().RemotePeer().String()
	if s.bans.IsBanned(from) {
		_ = ns.Reset()
		return
	}

	_ = ns.SetDeadline(time.Now().Add(streamTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
	defer cancel()

	if err := serveRange(ctx, s.source, ns, ns); err != nil {
		_ = ns.Reset()

		s.logger.Warnf("[P2PNode] failed to serve block range to %s: %v", from, err)

		if errors.Is(err, errors.ErrNetworkInvalid) {
			s.bans.AddScore(from, ReasonProtocolViolation)
		}
	}
}

func (s *P2PNode) startStaticPeerConnector(ctx context.Context) {
	staticPeers := s.settings.P2P.StaticPeers
	if len(staticPeers) == 0 {
		s.logger.Infof("[P2PNode] no static peers to connect to - skipping connection attempt")
		return
	}

	go func() {
		logged := false

		for {
			wait := 5 * time.Second

			if s.connectToStaticPeers(ctx, staticPeers) {
				if !logged {
					s.logger.Infof("[P2PNode] all static peers connected")
				}

				logged = true
				// a peer may disconnect later, keep checking
				wait = 30 * time.Second
			} else {
				logged = false

				s.logger.Infof("[P2PNode] all static peers NOT connected")
			}

			select {
			case <-ctx.Done():
				s.logger.Infof("[P2PNode] shutting down")
				return
			case <-time.After(wait):
			}
		}
	}()
}

func (s *P2PNode) connectToStaticPeers(ctx context.Context, staticPeers []string) bool {
	connected := 0

	for _, peerAddr := range staticPeers {
		addr, err := multiaddr.NewMultiaddr(peerAddr)
		if err != nil {
			s.logger.Errorf("[P2PNode] invalid static peer address %s: %v", peerAddr, err)
			continue
		}

		peerInfo, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			s.logger.Errorf("[P2PNode] failed to get peer info from %s: %v", peerAddr, err)
			continue
		}

		if s.host.Network().Connectedness(peerInfo.ID) == network.Connected {
			connected++
			continue
		}

		if err = s.host.Connect(ctx, *peerInfo); err != nil {
			s.logger.Debugf("[P2PNode] failed to connect to static peer %s: %v", peerAddr, err)
			continue
		}

		s.logger.Infof("[P2PNode] connected to static peer: %s", peerAddr)

		connected++
	}

	return connected == len(staticPeers)
}

func generatePrivateKey(privateKeyFilename string) (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	privBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	if err = os.WriteFile(privateKeyFilename, privBytes, 0o600); err != nil {
		return nil, err
	}

	return priv, nil
}

func readPrivateKey(privateKeyFilename string) (crypto.PrivKey, error) {
	privBytes, err := os.ReadFile(privateKeyFilename)
	if err != nil {
		return nil, err
	}

	return crypto.UnmarshalPrivateKey(privBytes)
}

// DecodeHexEd25519PrivateKey decodes a hex encoded raw ed25519 private key.
func DecodeHexEd25519PrivateKey(hexEncodedPrivateKey string) (crypto.PrivKey, error) {
	privKeyBytes, err := hex.DecodeString(hexEncodedPrivateKey)
	if err != nil {
		return nil, err
	}

	return crypto.UnmarshalEd25519PrivateKey(privKeyBytes)
}

// GenerateHexEd25519PrivateKey returns a new raw ed25519 private key, hex encoded.
func GenerateHexEd25519PrivateKey() (string, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return "", err
	}

	raw, err := priv.Raw()
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(raw), nil
}
