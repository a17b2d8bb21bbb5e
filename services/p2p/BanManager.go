package p2p

import (
	"context"
	"sync"
	"time"

	txmap "github.com/bsv-blockchain/go-tx-map"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/settings"
)

// BanReason is a category of misbehavior that adds to a peer's ban score.
type BanReason int

const (
	ReasonUnknown BanReason = iota
	ReasonMinorOffense
	ReasonMajorOffense
	ReasonProtocolViolation
	ReasonSpam
	ReasonInvalidBlock
)

func (r BanReason) String() string {
	switch r {
	case ReasonMinorOffense:
		return errors.OffenseMinor
	case ReasonMajorOffense:
		return errors.OffenseMajor
	case ReasonProtocolViolation:
		return "protocol_violation"
	case ReasonSpam:
		return "spam"
	case ReasonInvalidBlock:
		return "invalid_block"
	default:
		return "unknown"
	}
}

// ParseBanReason maps an offense name back to its reason.
func ParseBanReason(offense string) BanReason {
	for r := ReasonMinorOffense; r <= ReasonInvalidBlock; r++ {
		if r.String() == offense {
			return r
		}
	}

	return ReasonUnknown
}

// BanScore holds the score and ban status for a peer.
type BanScore struct {
	Score      int
	Banned     bool
	BanUntil   time.Time
	LastUpdate time.Time
	Reasons    []string
}

// BanEventHandler is notified when a peer gets banned.
type BanEventHandler interface {
	OnPeerBanned(peerID string, until time.Time, reason string)
}

// PeerBanManager accumulates penalty points per peer and bans a peer once its
// score reaches the threshold. Scores decay over time. mu guards the fields of
// the entries, the map guards itself.
type PeerBanManager struct {
	ctx           context.Context
	mu            sync.RWMutex
	peerBanScores *txmap.SyncedMap[string, *BanScore]
	reasonPoints  map[BanReason]int
	banThreshold  int
	banDuration   time.Duration
	decayInterval time.Duration
	decayAmount   int
	handler       BanEventHandler
}

// NewPeerBanManager creates a ban manager. The decay loop runs until ctx is done.
func NewPeerBanManager(ctx context.Context, handler BanEventHandler, tSettings *settings.Settings) *PeerBanManager {
	m := &PeerBanManager{
		ctx:           ctx,
		peerBanScores: txmap.NewSyncedMap[string, *BanScore](),
		reasonPoints: map[BanReason]int{
			ReasonMinorOffense:      10,
			ReasonMajorOffense:      50,
			ReasonProtocolViolation: 20,
			ReasonSpam:              20,
			ReasonInvalidBlock:      100,
		},
		banThreshold:  tSettings.P2P.BanThreshold,
		banDuration:   tSettings.P2P.BanDuration,
		decayInterval: time.Minute,
		decayAmount:   1,
		handler:       handler,
	}

	go func(interval time.Duration) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.CleanupBanScores()
			case <-m.ctx.Done():
				return
			}
		}
	}(m.decayInterval)

	return m
}

// AddScore applies decay, adds the points of reason and bans the peer once
// the threshold is reached.
func (m *PeerBanManager) AddScore(peerID string, reason BanReason) (score int, banned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry := m.entry(peerID, now)

	decaySteps := int(now.Sub(entry.LastUpdate) / m.decayInterval)
	if decaySteps > 0 {
		entry.Score -= decaySteps * m.decayAmount
		if entry.Score < 0 {
			entry.Score = 0
		}

		entry.LastUpdate = now
	}

	entry.Reasons = append(entry.Reasons, reason.String())

	points, found := m.reasonPoints[reason]
	if !found {
		points = 1
	}

	entry.Score += points

	if entry.Score >= m.banThreshold && !entry.Banned {
		m.ban(peerID, entry, now, reason.String())
	}

	return entry.Score, entry.Banned
}

func (m *PeerBanManager) entry(peerID string, now time.Time) *BanScore {
	entry, ok := m.peerBanScores.Get(peerID)
	if !ok {
		entry = &BanScore{LastUpdate: now}
		m.peerBanScores.Set(peerID, entry)
	}

	return entry
}

func (m *PeerBanManager) ban(peerID string, entry *BanScore, now time.Time, reason string) {
	entry.Banned = true
	entry.BanUntil = now.Add(m.banDuration)

	if m.handler != nil {
		m.handler.OnPeerBanned(peerID, entry.BanUntil, reason)
	}
}

// Penalize implements Reputation.
func (m *PeerBanManager) Penalize(peerID string, offense string) (int, bool) {
	return m.AddScore(peerID, ParseBanReason(offense))
}

// Ban bans peerID immediately, whatever its score.
func (m *PeerBanManager) Ban(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry := m.entry(peerID, now)

	entry.Reasons = append(entry.Reasons, ReasonInvalidBlock.String())

	if !entry.Banned {
		m.ban(peerID, entry, now, ReasonInvalidBlock.String())
	}
}

func (m *PeerBanManager) GetBanScore(peerID string) (score int, banned bool, banUntil time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.peerBanScores.Get(peerID)
	if !ok {
		return 0, false, time.Time{}
	}

	return entry.Score, entry.Banned, entry.BanUntil
}

func (m *PeerBanManager) ResetBanScore(peerID string) {
	m.peerBanScores.Delete(peerID)
}

// IsBanned returns true if the peer is currently banned, and unbans if expired.
func (m *PeerBanManager) IsBanned(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.peerBanScores.Get(peerID)
	if !ok || !entry.Banned {
		return false
	}

	if time.Now().After(entry.BanUntil) {
		m.peerBanScores.Delete(peerID)

		return false
	}

	return true
}

func (m *PeerBanManager) ListBanned() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var banned []string

	now := time.Now()

	for peerID, entry := range m.peerBanScores.Range() {
		if entry.Banned && now.Before(entry.BanUntil) {
			banned = append(banned, peerID)
		}
	}

	return banned
}

// CleanupBanScores removes peers with zero score and not banned.
func (m *PeerBanManager) CleanupBanScores() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for peerID, entry := range m.peerBanScores.Range() {
		if entry.Score == 0 && !entry.Banned {
			m.peerBanScores.Delete(peerID)
		}
	}
}

func (m *PeerBanManager) GetBanReasons(peerID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.peerBanScores.Get(peerID)
	if !ok {
		return nil
	}

	return append([]string{}, entry.Reasons...)
}
