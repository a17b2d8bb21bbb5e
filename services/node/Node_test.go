package node

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/hybridpos/vssnode/chaincfg"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/services/p2p"
	"github.com/hybridpos/vssnode/settings"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() *settings.Settings {
	params := chaincfg.RegressionNetParams
	params.PowTime = model.TestPowParams.Time
	params.PowMemoryKiB = model.TestPowParams.MemoryKiB
	params.PowThreads = model.TestPowParams.Threads

	tSettings := settings.NewSettings()
	tSettings.ChainCfgParams = &params
	tSettings.ChainStore.StoreURL = &url.URL{Scheme: "memory"}
	tSettings.Snapshot.StoreURL = &url.URL{Scheme: "memory"}
	tSettings.Snapshot.Interval = 1
	tSettings.Node.MinPeers = 0
	tSettings.Node.ValidatorKey = model.NewTestSigner("node").PrivateKeyHex()
	tSettings.Mining.Enabled = true
	tSettings.Mining.Bet = 0
	tSettings.Mining.HashRateEvery = time.Second
	tSettings.Scheduler.SyncCheckMin = 0
	tSettings.Scheduler.CandidateDelayPerRank = 10 * time.Millisecond

	return tSettings
}

func loopback(bus *p2p.Bus, reputation p2p.Reputation) Option {
	return WithNetwork(func(_ context.Context, source p2p.BlockSource) (p2p.Network, error) {
		return bus.Join("node", source, reputation), nil
	})
}

func TestNodeMinesAlone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tSettings := testSettings()
	bus := p2p.NewBus()
	bans := p2p.NewPeerBanManager(ctx, nil, tSettings)

	n := New(ulogger.NewVerboseTestLogger(t), tSettings, loopback(bus, bans))
	require.NoError(t, n.Init(ctx))

	status, _, err := n.Health(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	readyCh := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- n.Start(ctx, readyCh)
	}()

	select {
	case <-readyCh:
	case err := <-done:
		t.Fatalf("node stopped before it was ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("node never became ready")
	}

	require.Eventually(t, func() bool {
		height, ok := n.Height()
		return ok && height >= 2
	}, 30*time.Second, 50*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}

	require.NoError(t, n.Stop(context.Background()))
}

func TestNodeWaitsForPeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tSettings := testSettings()
	tSettings.Node.MinPeers = 1
	tSettings.Node.PeerWaitAttempts = 2
	tSettings.Node.PeerWaitInterval = time.Millisecond

	bus := p2p.NewBus()

	n := New(ulogger.TestLogger{}, tSettings, loopback(bus, p2p.NewPeerBanManager(ctx, nil, tSettings)))
	require.NoError(t, n.Init(ctx))

	err := n.Start(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peers")

	require.NoError(t, n.Stop(context.Background()))
}

func TestNodeHealthBeforeInit(t *testing.T) {
	n := New(ulogger.TestLogger{}, testSettings())

	status, _, err := n.Health(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	require.NoError(t, n.Stop(context.Background()))
}
