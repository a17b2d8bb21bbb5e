package p2p

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Dummy handler for ban events
type testBanHandler struct {
	mu         sync.Mutex
	lastPeerID string
	lastUntil  time.Time
	lastReason string
}

func (h *testBanHandler) OnPeerBanned(peerID string, until time.Time, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastPeerID = peerID
	h.lastUntil = until
	h.lastReason = reason
}

func newTestSettings(threshold int) *settings.Settings {
	return &settings.Settings{
		P2P: settings.P2PSettings{
			BanThreshold: threshold,
			BanDuration:  time.Hour,
		},
	}
}

func newBanManager(t *testing.T, handler BanEventHandler, threshold int) *PeerBanManager {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return NewPeerBanManager(ctx, handler, newTestSettings(threshold))
}

func TestAddScore_BanAndDecay(t *testing.T) {
	handler := &testBanHandler{}
	m := newBanManager(t, handler, 30)

	m.decayInterval = time.Second
	m.decayAmount = 5

	peerID := "peer1"

	score, banned := m.AddScore(peerID, ReasonMinorOffense)
	assert.Equal(t, 10, score)
	assert.False(t, banned)

	score, banned = m.AddScore(peerID, ReasonProtocolViolation)
	assert.Equal(t, 30, score)
	assert.True(t, banned)
	assert.Equal(t, peerID, handler.lastPeerID)
	assert.Equal(t, ReasonProtocolViolation.String(), handler.lastReason)

	// simulate time passage
	m.mu.Lock()
	entry, _ := m.peerBanScores.Get(peerID)
	entry.LastUpdate = entry.LastUpdate.Add(-3 * time.Second)
	m.mu.Unlock()

	m.AddScore(peerID, ReasonMinorOffense)

	score, _, _ = m.GetBanScore(peerID)
	assert.Equal(t, 25, score)
}

func TestAddScore_UnknownReason(t *testing.T) {
	m := newBanManager(t, nil, 100)

	score, banned := m.AddScore("peer2", ReasonUnknown)
	assert.Equal(t, 1, score)
	assert.False(t, banned)
}

func TestPenalizeMapsOffenses(t *testing.T) {
	m := newBanManager(t, nil, 100)

	tests := []struct {
		offense string
		score   int
	}{
		{errors.OffenseMinor, 10},
		{errors.OffenseMajor, 50},
		{"spam", 20},
		{"something else", 1},
	}

	for _, tt := range tests {
		t.Run(tt.offense, func(t *testing.T) {
			peerID := "peer-" + tt.offense

			score, banned := m.Penalize(peerID, tt.offense)
			assert.Equal(t, tt.score, score)
			assert.False(t, banned)
		})
	}

	t.Run("two major offenses ban", func(t *testing.T) {
		m.Penalize("repeat", errors.OffenseMajor)

		_, banned := m.Penalize("repeat", errors.OffenseMajor)
		assert.True(t, banned)
		assert.True(t, m.IsBanned("repeat"))
	})
}

func TestBanIsImmediate(t *testing.T) {
	handler := &testBanHandler{}
	m := newBanManager(t, handler, 1000)

	m.Ban("peer-bad")

	assert.True(t, m.IsBanned("peer-bad"))
	assert.Equal(t, "peer-bad", handler.lastPeerID)
	assert.Equal(t, ReasonInvalidBlock.String(), handler.lastReason)
	assert.Equal(t, []string{ReasonInvalidBlock.String()}, m.GetBanReasons("peer-bad"))

	// banning twice does not notify again
	handler.lastPeerID = ""
	m.Ban("peer-bad")
	assert.Empty(t, handler.lastPeerID)
}

func TestResetAndCleanupBanScore(t *testing.T) {
	m := newBanManager(t, nil, 100)
	peerID := "peer3"

	m.AddScore(peerID, ReasonMinorOffense)
	score, _, _ := m.GetBanScore(peerID)
	assert.NotZero(t, score)

	m.ResetBanScore(peerID)
	_, ok := m.peerBanScores.Get(peerID)
	assert.False(t, ok)

	m.AddScore(peerID, ReasonMinorOffense)

	m.mu.Lock()
	entry, _ := m.peerBanScores.Get(peerID)
	entry.Score = 0
	m.mu.Unlock()

	m.CleanupBanScores()
	_, ok = m.peerBanScores.Get(peerID)
	assert.False(t, ok)
}

func TestAddScoreFromManyPeers(t *testing.T) {
	m := newBanManager(t, nil, 20)

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func(peerID string) {
			defer wg.Done()

			m.AddScore(peerID, ReasonMinorOffense)
			m.AddScore(peerID, ReasonMinorOffense)
		}(fmt.Sprintf("peer-%d", i))
	}

	wg.Wait()

	assert.Equal(t, 50, m.peerBanScores.Length())
	assert.Len(t, m.ListBanned(), 50)
}

func TestGetBanScoreAndReasons(t *testing.T) {
	m := newBanManager(t, nil, 100)
	peerID := "peer4"

	m.AddScore(peerID, ReasonMinorOffense)
	m.AddScore(peerID, ReasonSpam)

	score, banned, _ := m.GetBanScore(peerID)
	assert.Equal(t, 30, score)
	assert.False(t, banned)

	reasons := m.GetBanReasons(peerID)
	require.Len(t, reasons, 2)
	assert.Equal(t, ReasonMinorOffense.String(), reasons[0])
	assert.Equal(t, ReasonSpam.String(), reasons[1])

	assert.Nil(t, m.GetBanReasons("unknown"))
}

func TestIsBannedAndListBanned(t *testing.T) {
	m := newBanManager(t, nil, 10)
	m.banDuration = 50 * time.Millisecond

	peerID := "peer5"
	m.AddScore(peerID, ReasonSpam)
	assert.True(t, m.IsBanned(peerID))

	bannedList := m.ListBanned()
	require.Len(t, bannedList, 1)
	assert.Equal(t, peerID, bannedList[0])

	time.Sleep(100 * time.Millisecond)
	assert.False(t, m.IsBanned(peerID))
	assert.Empty(t, m.ListBanned())
}

func TestBanReason_String(t *testing.T) {
	tests := []struct {
		reason   BanReason
		expected string
	}{
		{ReasonMinorOffense, "minor"},
		{ReasonMajorOffense, "major"},
		{ReasonProtocolViolation, "protocol_violation"},
		{ReasonSpam, "spam"},
		{ReasonInvalidBlock, "invalid_block"},
		{ReasonUnknown, "unknown"},
		{BanReason(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.reason.String())
			if tt.reason != BanReason(999) {
				assert.Equal(t, tt.reason, ParseBanReason(tt.expected))
			}
		})
	}
}

func TestPeerBanManager_ConcurrentAccess(t *testing.T) {
	m := newBanManager(t, &testBanHandler{}, 100)

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			for j := 0; j < 10; j++ {
				m.AddScore(string(rune('A'+id%5)), ReasonMinorOffense)
			}
		}(i)
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			for j := 0; j < 20; j++ {
				peerID := string(rune('A' + id))
				m.GetBanScore(peerID)
				m.IsBanned(peerID)
				m.GetBanReasons(peerID)
				m.ListBanned()
			}
		}(i)
	}

	wg.Wait()

	// 20 minor offenses per peer
	for i := 0; i < 5; i++ {
		_, banned, _ := m.GetBanScore(string(rune('A' + i)))
		assert.True(t, banned)
	}
}
