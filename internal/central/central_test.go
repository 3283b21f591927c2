package central

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/chaz8081/blewatch/internal/ble"
	"github.com/chaz8081/blewatch/internal/session"
)

var (
	advA = ble.Advertisement{Name: "Sensor A", Address: "AA:AA:AA:00:00:01", RSSI: -40}
	advB = ble.Advertisement{Name: "Sensor B", Address: "BB:BB:BB:00:00:02", RSSI: -55}
)

type harness struct {
	t     *testing.T
	tr    *mockTransport
	clock *fakeClock
	opts  Options
	c     *Central

	mu          sync.Mutex
	transitions []ConnectionState
}

func newHarness(t *testing.T, gate ble.AccessGate, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{t: t, tr: newMockTransport(), clock: newFakeClock()}

	opts := DefaultOptions()
	opts.Clock = h.clock
	opts.OnTransition = func(_, to ConnectionState) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.transitions = append(h.transitions, to)
	}
	if configure != nil {
		configure(&opts)
	}
	h.opts = opts
	h.c = New(h.tr, gate, opts)
	t.Cleanup(func() { _ = h.c.Close() })
	return h
}

// sync returns once every event posted so far has been applied.
func (h *harness) sync() {
	h.c.State()
}

func (h *harness) phases() []Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Phase, 0, len(h.transitions))
	for _, s := range h.transitions {
		out = append(out, s.Phase)
	}
	return out
}

func (h *harness) transitionTo(p Phase) (ConnectionState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.transitions {
		if s.Phase == p {
			return s, true
		}
	}
	return ConnectionState{}, false
}

func (h *harness) resetTransitions() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transitions = nil
}

func (h *harness) waitPhase(p Phase) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.c.State().Phase == p },
		time.Second, 2*time.Millisecond, "phase never reached %s (at %s)", p, h.c.State())
}

func (h *harness) startScan() {
	h.t.Helper()
	before := h.tr.scanCount()
	require.NoError(h.t, h.c.StartScan(context.Background()))
	require.Eventually(h.t, func() bool { return h.tr.scanCount() > before }, time.Second, 2*time.Millisecond)
}

// discover starts a scan and reports advs.
func (h *harness) discover(advs ...ble.Advertisement) {
	h.t.Helper()
	h.startScan()
	for _, adv := range advs {
		h.tr.emit(h.t, adv)
	}
	h.sync()
}

// connectReady selects address and drives the attempt to Ready with link.
func (h *harness) connectReady(address string, link *mockLink) {
	h.t.Helper()
	require.NoError(h.t, h.c.SelectPeer(context.Background(), address))
	h.tr.waitAttach(h.t)
	// An abandoned attempt must not be the one to take the answer.
	require.Eventually(h.t, func() bool { return h.tr.inFlight() == 1 }, time.Second, 2*time.Millisecond)
	h.tr.attachCh <- attachResult{link: link}
	h.waitPhase(PhaseStabilizing)
	h.clock.Advance(h.opts.SettleDelay)
	h.waitPhase(PhaseReady)
}

// waitTransition waits until the lifecycle has passed through p and the
// event that caused it has been fully applied.
func (h *harness) waitTransition(p Phase) ConnectionState {
	h.t.Helper()
	var s ConnectionState
	require.Eventually(h.t, func() bool {
		var ok bool
		s, ok = h.transitionTo(p)
		return ok
	}, time.Second, 2*time.Millisecond, "never passed through %s", p)
	h.sync()
	return s
}

// --- Discovery session ---

func TestStartScanClearsPreviousSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)
	require.NoError(t, h.c.StopScan())
	require.Len(t, h.c.Snapshot().Discovered, 1)

	h.tr.mu.Lock()
	h.tr.stopErr = errRadio
	h.tr.mu.Unlock()
	h.startScan()
	require.NoError(t, h.c.StopScan())
	require.True(t, h.c.Snapshot().HasError())

	h.startScan()
	snap := h.c.Snapshot()
	assert.True(t, snap.Scanning)
	assert.Empty(t, snap.Discovered)
	assert.False(t, snap.HasError(), "start should clear last_error")
	assert.NotEmpty(t, snap.ScanID)
}

func TestStartScanWhileScanning(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.startScan()

	err := h.c.StartScan(context.Background())
	assert.ErrorIs(t, err, ble.ErrAlreadyScanning)
	assert.True(t, h.c.Snapshot().Scanning)
}

func TestDuplicateAddressFirstSeenWins(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(
		ble.Advertisement{Name: "Thermo", Address: "11:22:33:44:55:66", RSSI: -70},
		ble.Advertisement{Name: "Thermo", Address: "11:22:33:44:55:66", RSSI: -30},
	)

	peers := h.c.Snapshot().Discovered
	require.Len(t, peers, 1)
	assert.Equal(t, -70, peers[0].RSSI)
}

func TestDiscoveredUniqueInFirstSeenOrder(t *testing.T) {
	h := newHarness(t, nil, nil)
	addrs := []string{"03", "01", "03", "02", "01", "04", "02", "03"}
	h.startScan()
	for i, a := range addrs {
		h.tr.emit(t, ble.Advertisement{Address: "AA:BB:CC:DD:EE:" + a, RSSI: -i})
	}
	h.sync()

	var got []string
	for _, p := range h.c.Snapshot().Discovered {
		got = append(got, p.Address[len(p.Address)-2:])
	}
	assert.Equal(t, []string{"03", "01", "02", "04"}, got)
}

func TestAdvertisementWithoutAddressDropped(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(ble.Advertisement{Name: "ghost"}, advA)

	peers := h.c.Snapshot().Discovered
	require.Len(t, peers, 1)
	assert.Equal(t, advA.Address, peers[0].Address)
	assert.False(t, h.c.Snapshot().HasError())
}

func TestPeerNameResolution(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) {
		o.Resolver = ble.NewResolver(map[string]string{"24:0A:C4": "Espressif device"}, "Unknown device")
	})
	h.discover(
		ble.Advertisement{Address: "24:0A:C4:00:00:01"},
		ble.Advertisement{Address: "00:00:00:00:00:02"},
		ble.Advertisement{Name: "Named", Address: "24:0A:C4:00:00:03"},
	)

	peers := h.c.Snapshot().Discovered
	require.Len(t, peers, 3)
	assert.Equal(t, "Espressif device", peers[0].Name)
	assert.Equal(t, "Unknown device", peers[1].Name)
	assert.Equal(t, "Named", peers[2].Name)
}

func TestScanTimerWithNoPeers(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.startScan()

	h.clock.Advance(h.opts.ScanDuration)
	h.sync()

	snap := h.c.Snapshot()
	assert.False(t, snap.Scanning)
	assert.Empty(t, snap.Discovered)
	assert.False(t, snap.HasError())
	assert.Equal(t, 1, h.tr.stopCount())
	assert.Zero(t, h.clock.pending())
}

func TestStopScanWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t, nil, nil)

	require.NoError(t, h.c.StopScan())
	require.NoError(t, h.c.StopScan())

	assert.Zero(t, h.tr.stopCount())
	snap := h.c.Snapshot()
	assert.False(t, snap.Scanning)
	assert.False(t, snap.HasError())
}

func TestStopScanTransportErrorStillStops(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.tr.stopErr = errRadio
	h.startScan()

	require.NoError(t, h.c.StopScan())

	snap := h.c.Snapshot()
	assert.False(t, snap.Scanning)
	assert.Equal(t, ble.TransportError, snap.ErrorKind)
	assert.Zero(t, h.clock.pending())
}

func TestScanFailed(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.startScan()

	h.tr.failScan(&ble.ScanError{Code: ble.ScanFailedTooFrequent})
	require.Eventually(t, func() bool { return !h.c.Snapshot().Scanning }, time.Second, 2*time.Millisecond)
	h.sync()

	snap := h.c.Snapshot()
	assert.Equal(t, ble.ScanFailed, snap.ErrorKind)
	assert.Equal(t, ble.ScanFailureMessage(ble.ScanFailedTooFrequent), snap.LastError)
	assert.Zero(t, h.clock.pending(), "scan timer must be cancelled")
	assert.Zero(t, h.tr.stopCount(), "a failed scan is not stopped again")
}

func TestPeersAfterStopIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)

	h.tr.mu.Lock()
	onPeer := h.tr.onPeer
	h.tr.mu.Unlock()
	require.NoError(t, h.c.StopScan())

	onPeer(advB)
	h.sync()

	peers := h.c.Snapshot().Discovered
	require.Len(t, peers, 1)
	assert.Equal(t, advA.Address, peers[0].Address)
}

func TestStaleScanTimerIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.startScan()
	require.NoError(t, h.c.StopScan())
	h.startScan()

	require.Equal(t, 1, h.clock.fireStopped())
	h.sync()

	assert.True(t, h.c.Snapshot().Scanning, "a cancelled timer from the first session must not stop the second")
	assert.Equal(t, 1, h.tr.stopCount())
}

func TestScanLimiterThrottlesStarts(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) {
		o.ScanLimiter = rate.NewLimiter(rate.Every(time.Minute), 1)
	})
	h.startScan()
	require.NoError(t, h.c.StopScan())

	err := h.c.StartScan(context.Background())
	var be *ble.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ble.ScanFailed, be.Kind)
	assert.Equal(t, ble.ScanFailedTooFrequent, be.Code)

	snap := h.c.Snapshot()
	assert.False(t, snap.Scanning)
	assert.Equal(t, ble.ScanFailed, snap.ErrorKind)

	h.clock.Advance(time.Minute)
	h.startScan()
	assert.True(t, h.c.Snapshot().Scanning)
	assert.False(t, h.c.Snapshot().HasError(), "a successful start clears the error")
}

// --- Connection lifecycle ---

func TestConnectReadsBatteryLevel(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)
	link := newMockLink(advA.Address, &h.tr.log)

	h.connectReady(advA.Address, link)

	snap := h.c.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, 50, snap.BatteryLevel)
	assert.Equal(t, "Sensor A", snap.ConnectedDeviceName)
	assert.Equal(t, "READY", snap.Phase)
	assert.False(t, snap.HasError())
	assert.False(t, snap.Scanning, "selecting a peer ends the scan")

	assert.Equal(t, []Phase{
		PhaseAttaching,
		PhaseStabilizing,
		PhaseDiscoveringAttributes,
		PhaseReadingAttribute,
		PhaseReady,
	}, h.phases())
	assert.Equal(t, ConnectionState{Phase: PhaseReady, PeerName: "Sensor A"}, h.c.State())
}

func TestSettleDelayBeforeDiscovery(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)
	link := newMockLink(advA.Address, &h.tr.log)

	require.NoError(t, h.c.SelectPeer(context.Background(), advA.Address))
	h.tr.waitAttach(t)
	h.tr.attachCh <- attachResult{link: link}
	h.waitPhase(PhaseStabilizing)

	h.clock.Advance(h.opts.SettleDelay - time.Millisecond)
	h.sync()
	assert.Equal(t, PhaseStabilizing, h.c.State().Phase)
	assert.NotContains(t, h.tr.log.list(), "discover "+advA.Address)

	h.clock.Advance(time.Millisecond)
	h.waitPhase(PhaseReady)
}

func TestAttachingStateRecordsTarget(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)

	require.NoError(t, h.c.SelectPeer(context.Background(), advA.Address))
	h.tr.waitAttach(t)

	s := h.c.State()
	assert.Equal(t, PhaseAttaching, s.Phase)
	assert.Equal(t, advA.Address, s.Target)
	assert.Equal(t, h.clock.Now(), s.StartedAt)
	assert.Equal(t, advA.Address, h.c.Snapshot().TargetAddress)
	assert.False(t, h.c.Snapshot().Connected)
}

func TestAttachRejected(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)

	require.NoError(t, h.c.SelectPeer(context.Background(), advA.Address))
	h.tr.waitAttach(t)
	h.tr.attachCh <- attachResult{err: &ble.AttachError{Status: 133}}
	failed := h.waitTransition(PhaseFailed)

	snap := h.c.Snapshot()
	assert.Equal(t, ble.AttachStatusMessage(133), snap.LastError)
	assert.Equal(t, ble.AttachRejected, snap.ErrorKind)
	assert.False(t, snap.Connected)
	assert.Equal(t, PhaseIdle, h.c.State().Phase)
	assert.Equal(t, ble.AttachStatusMessage(133), failed.Reason)
	assert.Zero(t, h.clock.pending(), "attach timer must be cancelled")
}

func TestAttachUnclassifiedErrorUsesGenericStatus(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)

	require.NoError(t, h.c.SelectPeer(context.Background(), advA.Address))
	h.tr.waitAttach(t)
	h.tr.attachCh <- attachResult{err: errRadio}
	h.waitTransition(PhaseFailed)

	assert.Equal(t, ble.AttachStatusMessage(ble.StatusGenericFailure), h.c.Snapshot().LastError)
}

func TestAttachTimeoutIgnoresLateAttach(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.tr.ignoreCancel = true
	h.discover(advA)

	require.NoError(t, h.c.SelectPeer(context.Background(), advA.Address))
	h.tr.waitAttach(t)

	h.clock.Advance(h.opts.AttachTimeout)
	h.sync()

	failed, ok := h.transitionTo(PhaseFailed)
	require.True(t, ok)
	assert.Equal(t, ble.ErrAttachTimeout.Message, failed.Reason)
	assert.Equal(t, PhaseIdle, h.c.State().Phase)
	assert.Equal(t, "connection timeout, try again or pick a different device", h.c.Snapshot().LastError)

	// The radio finally connects after we gave up.
	late := newMockLink(advA.Address, &h.tr.log)
	h.tr.attachCh <- attachResult{link: late}
	require.Eventually(t, func() bool { return late.detachCount() == 1 }, time.Second, 2*time.Millisecond)

	h.sync()
	assert.Equal(t, PhaseIdle, h.c.State().Phase)
	assert.False(t, h.c.Snapshot().Connected)
	assert.NotContains(t, h.phases(), PhaseStabilizing)
}

func TestSupersedeReadyConnection(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA, advB)
	linkA := newMockLink(advA.Address, &h.tr.log)
	linkB := newMockLink(advB.Address, &h.tr.log)
	linkB.value = []byte{80}

	h.connectReady(advA.Address, linkA)
	h.resetTransitions()
	h.connectReady(advB.Address, linkB)

	assert.Equal(t, 1, linkA.detachCount())
	assert.Zero(t, linkB.detachCount())

	log := h.tr.log.list()
	detachA, attachB := -1, -1
	for i, e := range log {
		switch e {
		case "detach " + advA.Address:
			detachA = i
		case "attach " + advB.Address:
			attachB = i
		}
	}
	require.NotEqual(t, -1, detachA)
	require.NotEqual(t, -1, attachB)
	assert.Less(t, detachA, attachB, "old link must be released before the new attach")

	snap := h.c.Snapshot()
	assert.Equal(t, "Sensor B", snap.ConnectedDeviceName)
	assert.Equal(t, 80, snap.BatteryLevel)
	assert.Equal(t, PhaseIdle, h.phases()[0], "supersede passes through Idle")
}

func TestSupersedeDuringAttach(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA, advB)

	require.NoError(t, h.c.SelectPeer(context.Background(), advA.Address))
	h.tr.waitAttach(t)

	linkB := newMockLink(advB.Address, &h.tr.log)
	h.connectReady(advB.Address, linkB)

	assert.Equal(t, "Sensor B", h.c.Snapshot().ConnectedDeviceName)
	assert.Equal(t, 0, h.clock.pending())
}

func TestStaleDisconnectCallbackIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA, advB)
	linkA := newMockLink(advA.Address, &h.tr.log)
	linkB := newMockLink(advB.Address, &h.tr.log)

	h.connectReady(advA.Address, linkA)
	h.connectReady(advB.Address, linkB)

	linkA.SimulateDisconnect()
	h.sync()

	assert.Equal(t, PhaseReady, h.c.State().Phase)
	assert.True(t, h.c.Snapshot().Connected)
}

func TestAttributeDiscoveryFailureStillReady(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)
	link := newMockLink(advA.Address, &h.tr.log)
	link.discoverErr = errRadio

	h.connectReady(advA.Address, link)

	snap := h.c.Snapshot()
	assert.True(t, snap.Connected)
	assert.Zero(t, snap.BatteryLevel)
	assert.Equal(t, ble.AttributeDiscoveryFailed, snap.ErrorKind)
	assert.Zero(t, link.detachCount(), "discovery failure must not drop the link")
	assert.NotContains(t, h.phases(), PhaseReadingAttribute)
}

func TestMissingBatteryAttribute(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)
	link := newMockLink(advA.Address, &h.tr.log)
	link.table = nil

	h.connectReady(advA.Address, link)

	snap := h.c.Snapshot()
	assert.True(t, snap.Connected)
	assert.Zero(t, snap.BatteryLevel)
	assert.False(t, snap.HasError())
	assert.NotContains(t, h.tr.log.list(), "read "+advA.Address)
}

func TestBatteryReadFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)
	link := newMockLink(advA.Address, &h.tr.log)
	link.readErr = errRadio

	h.connectReady(advA.Address, link)

	snap := h.c.Snapshot()
	assert.True(t, snap.Connected)
	assert.Zero(t, snap.BatteryLevel)
	assert.Equal(t, ble.AttributeReadFailed, snap.ErrorKind)
}

func TestBatteryLevelDecode(t *testing.T) {
	tests := []struct {
		name    string
		value   []byte
		want    int
		wantErr bool
	}{
		{name: "fifty", value: []byte{0x32}, want: 50},
		{name: "zero", value: []byte{0x00}, want: 0},
		{name: "full", value: []byte{0x64}, want: 100},
		{name: "out of range clamps", value: []byte{0xff}, want: 100},
		{name: "extra bytes ignored", value: []byte{0x0a, 0x01}, want: 10},
		{name: "empty", value: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := batteryLevel(tt.value, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPeerDisconnectReturnsToIdle(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)
	link := newMockLink(advA.Address, &h.tr.log)
	h.connectReady(advA.Address, link)

	link.SimulateDisconnect()
	h.waitPhase(PhaseIdle)

	snap := h.c.Snapshot()
	assert.False(t, snap.Connected)
	assert.Empty(t, snap.ConnectedDeviceName)
	assert.Zero(t, snap.BatteryLevel)
	assert.Equal(t, 1, link.detachCount())
	assert.False(t, snap.HasError())
}

func TestDisconnectIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)

	require.NoError(t, h.c.Disconnect())
	assert.Empty(t, h.phases(), "disconnect while idle makes no transition")

	h.discover(advA)
	link := newMockLink(advA.Address, &h.tr.log)
	h.connectReady(advA.Address, link)
	h.resetTransitions()

	require.NoError(t, h.c.Disconnect())
	require.NoError(t, h.c.Disconnect())

	assert.Equal(t, []Phase{PhaseDisconnecting, PhaseIdle}, h.phases())
	assert.Equal(t, 1, link.detachCount())
	assert.Equal(t, PhaseIdle, h.c.State().Phase)
	assert.False(t, h.c.Snapshot().Connected)
}

func TestDisconnectDuringAttach(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)

	require.NoError(t, h.c.SelectPeer(context.Background(), advA.Address))
	h.tr.waitAttach(t)
	require.NoError(t, h.c.Disconnect())

	assert.Equal(t, PhaseIdle, h.c.State().Phase)
	assert.Zero(t, h.clock.pending(), "attach timer must be cancelled")

	// The stale timer firing anyway changes nothing.
	h.clock.fireStopped()
	h.sync()
	_, failed := h.transitionTo(PhaseFailed)
	assert.False(t, failed)
}

func TestDisconnectDuringStabilizing(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)
	link := newMockLink(advA.Address, &h.tr.log)

	require.NoError(t, h.c.SelectPeer(context.Background(), advA.Address))
	h.tr.waitAttach(t)
	h.tr.attachCh <- attachResult{link: link}
	h.waitPhase(PhaseStabilizing)

	require.NoError(t, h.c.Disconnect())
	h.clock.Advance(h.opts.SettleDelay)
	h.sync()

	assert.Equal(t, PhaseIdle, h.c.State().Phase)
	assert.Equal(t, 1, link.detachCount())
	assert.NotContains(t, h.tr.log.list(), "discover "+advA.Address)
}

func TestDetachErrorStillReachesIdle(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)
	link := newMockLink(advA.Address, &h.tr.log)
	link.detachErr = errRadio
	h.connectReady(advA.Address, link)

	require.NoError(t, h.c.Disconnect())

	assert.Equal(t, PhaseIdle, h.c.State().Phase)
	assert.Equal(t, ble.TransportError, h.c.Snapshot().ErrorKind)
}

func TestSelectUnknownPeer(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)

	err := h.c.SelectPeer(context.Background(), "00:00:00:00:00:00")
	assert.ErrorIs(t, err, ble.ErrUnknownPeer)
	assert.Equal(t, PhaseIdle, h.c.State().Phase)
}

func TestSelectPeerCaseInsensitive(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(ble.Advertisement{Name: "x", Address: "aa:bb:cc:dd:ee:ff"})

	require.NoError(t, h.c.SelectPeer(context.Background(), "AA:BB:CC:DD:EE:FF"))
	p := h.tr.waitAttach(t)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", p.Address)
}

// --- Errors and permissions ---

func TestErrorNotReshownUntilCleared(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.discover(advA)

	reject := func(status int) {
		require.NoError(t, h.c.SelectPeer(context.Background(), advA.Address))
		h.tr.waitAttach(t)
		h.tr.attachCh <- attachResult{err: &ble.AttachError{Status: status}}
		require.Eventually(t, func() bool {
			_, ok := h.transitionTo(PhaseFailed)
			return ok && h.c.State().Phase == PhaseIdle
		}, time.Second, 2*time.Millisecond)
		h.resetTransitions()
	}

	reject(ble.StatusLinkedElsewhere)
	reject(ble.StatusPeerRejected)
	assert.Equal(t, ble.AttachStatusMessage(ble.StatusLinkedElsewhere), h.c.Snapshot().LastError,
		"an uncleared error of the same kind is not replaced")

	require.NoError(t, h.c.ClearError())
	assert.False(t, h.c.Snapshot().HasError())

	reject(ble.StatusPeerRejected)
	assert.Equal(t, ble.AttachStatusMessage(ble.StatusPeerRejected), h.c.Snapshot().LastError)
}

func TestPermissionDenied(t *testing.T) {
	gate := &mockGate{granted: false, grant: false}
	h := newHarness(t, gate, nil)

	err := h.c.StartScan(context.Background())
	assert.ErrorIs(t, err, ble.ErrPermissionDenied)

	snap := h.c.Snapshot()
	assert.False(t, snap.Scanning)
	assert.Equal(t, ble.PermissionDenied, snap.ErrorKind)
	assert.Equal(t, 1, gate.requests)
	assert.Empty(t, h.tr.log.list(), "no radio call before access is granted")
}

func TestPermissionRequestError(t *testing.T) {
	gate := &mockGate{err: errors.New("prompt dismissed")}
	h := newHarness(t, gate, nil)

	err := h.c.SelectPeer(context.Background(), advA.Address)
	assert.ErrorIs(t, err, ble.ErrPermissionDenied)
	assert.Equal(t, ble.PermissionDenied, h.c.Snapshot().ErrorKind)
}

func TestPermissionGranted(t *testing.T) {
	gate := &mockGate{granted: false, grant: true}
	h := newHarness(t, gate, nil)

	h.startScan()
	require.NoError(t, h.c.StopScan())
	h.startScan()

	assert.Equal(t, 1, gate.requests, "access is only requested while missing")
}

func TestEnableFailureIsScanUnavailable(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.tr.enableErr = errRadio

	err := h.c.StartScan(context.Background())
	assert.ErrorIs(t, err, ble.ErrScanUnavailable)
	assert.Equal(t, ble.ScanUnavailable, h.c.Snapshot().ErrorKind)

	h.tr.mu.Lock()
	h.tr.enableErr = nil
	h.tr.mu.Unlock()
	h.startScan()
	assert.True(t, h.c.Snapshot().Scanning)
}

// --- Shutdown and subscriptions ---

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.StopScanOnSelect = false })
	h.discover(advA)
	link := newMockLink(advA.Address, &h.tr.log)
	h.connectReady(advA.Address, link)
	require.True(t, h.c.Snapshot().Scanning)

	updates, cancel := h.c.Subscribe()
	defer cancel()

	require.NoError(t, h.c.Close())
	require.NoError(t, h.c.Close())

	assert.Equal(t, 1, link.detachCount())
	assert.Equal(t, 1, h.tr.stopCount())
	assert.Zero(t, h.clock.pending())
	assert.Eventually(t, func() bool { return !h.tr.scanning() }, time.Second, 2*time.Millisecond, "transport scan must return")
	assert.ErrorIs(t, h.c.StartScan(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.c.Disconnect(), ErrClosed)

	for range updates {
	}
}

func TestSubscribeSeesConnection(t *testing.T) {
	h := newHarness(t, nil, nil)
	updates, cancel := h.c.Subscribe()
	defer cancel()

	first := <-updates
	assert.False(t, first.Scanning)

	h.discover(advA)
	h.connectReady(advA.Address, newMockLink(advA.Address, &h.tr.log))

	var last session.Snapshot
	require.Eventually(t, func() bool {
		select {
		case last = <-updates:
		default:
		}
		return last.Connected
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 50, last.BatteryLevel)
}
