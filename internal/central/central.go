// Package central drives peripheral discovery and the lifecycle of a single
// connection. Every command and every transport completion is funnelled
// through one event loop goroutine, so transitions are applied strictly in
// delivery order and never concurrently.
package central

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/blewatch/internal/ble"
	"github.com/chaz8081/blewatch/internal/session"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("central: closed")

// Options configures the central.
type Options struct {
	ScanDuration     time.Duration // bounds a discovery session
	AttachTimeout    time.Duration // bounds the attaching phase
	SettleDelay      time.Duration // pause between attach and attribute discovery
	OperationTimeout time.Duration // bounds attribute discovery and reads
	StopScanOnSelect bool          // end the discovery session when a peer is selected

	// ScanLimiter, when set, throttles discovery sessions. A start that
	// exceeds it fails with ScanFailed(ScanFailedTooFrequent).
	ScanLimiter *rate.Limiter

	Resolver     *ble.Resolver
	Clock        Clock
	OnTransition func(from, to ConnectionState)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ScanDuration:     10 * time.Second,
		AttachTimeout:    10 * time.Second,
		SettleDelay:      600 * time.Millisecond,
		OperationTimeout: 5 * time.Second,
		StopScanOnSelect: true,
	}
}

// Central owns the discovery session, the connection and the session state.
type Central struct {
	transport ble.Transport
	gate      ble.AccessGate
	store     *session.Store
	opts      Options

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	enableMu sync.Mutex
	enabled  bool

	// Owned by the loop goroutine.
	disc discovery
	conn connection
}

// New creates a Central and starts its event loop. A nil gate means access
// is always granted.
func New(transport ble.Transport, gate ble.AccessGate, opts Options) *Central {
	def := DefaultOptions()
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = def.ScanDuration
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = def.AttachTimeout
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = def.OperationTimeout
	}
	if opts.Resolver == nil {
		opts.Resolver = ble.NewResolver(nil, ble.DefaultUnknownLabel)
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if gate == nil {
		gate = ble.AlwaysGranted{}
	}

	c := &Central{
		transport: transport,
		gate:      gate,
		store:     session.NewStore(),
		opts:      opts,
		events:    make(chan event, 64),
		done:      make(chan struct{}),
	}
	go c.run()
	return c
}

// Snapshot returns the latest session state.
func (c *Central) Snapshot() session.Snapshot {
	return c.store.Snapshot()
}

// Subscribe streams session snapshots; see session.Store.Subscribe.
func (c *Central) Subscribe() (<-chan session.Snapshot, func()) {
	return c.store.Subscribe()
}

// StartScan begins a discovery session. It fails with ble.ErrAlreadyScanning
// while a session is active.
func (c *Central) StartScan(ctx context.Context) error {
	cmd := startScanCmd{prepErr: c.prepare(ctx), reply: newReply()}
	return c.call(cmd, cmd.reply)
}

// StopScan ends the discovery session. A no-op when none is active.
func (c *Central) StopScan() error {
	cmd := stopScanCmd{reply: newReply()}
	return c.call(cmd, cmd.reply)
}

// SelectPeer connects to a discovered peer, superseding any existing
// connection. It returns once the attach request has been issued; progress
// is reported through the session state.
func (c *Central) SelectPeer(ctx context.Context, address string) error {
	cmd := selectPeerCmd{address: address, prepErr: c.prepare(ctx), reply: newReply()}
	return c.call(cmd, cmd.reply)
}

// Disconnect tears down the connection. Always safe to call.
func (c *Central) Disconnect() error {
	cmd := disconnectCmd{reply: newReply()}
	return c.call(cmd, cmd.reply)
}

// ClearError acknowledges the error on display.
func (c *Central) ClearError() error {
	cmd := clearErrorCmd{reply: newReply()}
	return c.call(cmd, cmd.reply)
}

// State returns the connection lifecycle state.
func (c *Central) State() ConnectionState {
	q := stateQuery{reply: make(chan ConnectionState, 1)}
	select {
	case c.events <- q:
	case <-c.done:
		return ConnectionState{}
	}
	select {
	case s := <-q.reply:
		return s
	case <-c.done:
		return ConnectionState{}
	}
}

// Close stops scanning, releases the connection, cancels every timer and
// ends all subscriptions. Safe to call more than once.
func (c *Central) Close() error {
	var err error
	c.closeOnce.Do(func() {
		cmd := closeCmd{reply: newReply()}
		err = c.call(cmd, cmd.reply)
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// prepare runs the permission gate and powers the radio once. It executes
// on the caller's goroutine so a slow permission prompt never stalls the
// loop; the outcome is handed to the loop with the command.
func (c *Central) prepare(ctx context.Context) error {
	if !c.gate.HasRequiredAccess() {
		granted, err := c.gate.RequestAccess(ctx)
		if err != nil {
			return ble.NewError(ble.PermissionDenied, 0, err)
		}
		if !granted {
			return ble.NewError(ble.PermissionDenied, 0, nil)
		}
	}

	c.enableMu.Lock()
	defer c.enableMu.Unlock()
	if c.enabled {
		return nil
	}
	if err := c.transport.Enable(); err != nil {
		var e *ble.Error
		if errors.As(err, &e) {
			return e
		}
		return ble.NewError(ble.ScanUnavailable, 0, err)
	}
	c.enabled = true
	return nil
}

func (c *Central) call(ev event, r reply) error {
	select {
	case c.events <- ev:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-r:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// post delivers a completion to the loop. It reports false once the loop
// has exited.
func (c *Central) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Central) run() {
	for ev := range c.events {
		if c.handle(ev) {
			return
		}
	}
}

// handle applies one event. It returns true when the loop must exit.
func (c *Central) handle(ev event) bool {
	switch ev := ev.(type) {
	case startScanCmd:
		if ev.prepErr != nil {
			c.recordError(ble.Classify(ev.prepErr))
			ev.reply <- ev.prepErr
			return false
		}
		ev.reply <- c.startScan()
	case stopScanCmd:
		c.stopScan()
		ev.reply <- nil
	case selectPeerCmd:
		if ev.prepErr != nil {
			c.recordError(ble.Classify(ev.prepErr))
			ev.reply <- ev.prepErr
			return false
		}
		ev.reply <- c.connect(ev.address)
	case disconnectCmd:
		c.disconnect()
		ev.reply <- nil
	case clearErrorCmd:
		c.store.Update(session.Snapshot.WithoutError)
		ev.reply <- nil
	case stateQuery:
		ev.reply <- c.conn.state
	case closeCmd:
		c.stopScan()
		c.disconnect()
		close(c.done)
		c.store.Close()
		slog.Info("[CENTRAL] closed")
		ev.reply <- nil
		return true

	case peerObserved:
		c.onPeerObserved(ev)
	case scanEnded:
		c.onScanEnded(ev)
	case timerFired:
		c.onTimer(ev)
	case attachDone:
		c.onAttachDone(ev)
	case attributesDone:
		c.onAttributesDone(ev)
	case readDone:
		c.onReadDone(ev)
	case linkLost:
		c.onLinkLost(ev)
	}
	return false
}

func (c *Central) onTimer(ev timerFired) {
	switch ev.kind {
	case timerScan:
		if !c.disc.active || ev.gen != c.disc.gen {
			slog.Debug("[SCAN] stale timer ignored", "gen", ev.gen)
			return
		}
		c.disc.timer = nil
		slog.Info("[SCAN] duration elapsed", "scan", c.disc.id)
		c.stopScan()
	case timerAttach:
		if ev.gen != c.conn.gen || c.conn.state.Phase != PhaseAttaching {
			slog.Debug("[CONN] stale attach timer ignored", "gen", ev.gen)
			return
		}
		c.conn.timer = nil
		c.onAttachTimeout()
	case timerSettle:
		if ev.gen != c.conn.gen || c.conn.state.Phase != PhaseStabilizing {
			slog.Debug("[CONN] stale settle timer ignored", "gen", ev.gen)
			return
		}
		c.conn.timer = nil
		c.discoverAttributes()
	}
}

// arm schedules a generation-tagged timer that re-enters the loop.
func (c *Central) arm(kind timerKind, gen uint64, d time.Duration) *guard {
	g := &guard{kind: kind, gen: gen}
	g.timer = c.opts.Clock.AfterFunc(d, func() {
		c.post(timerFired{kind: kind, gen: gen})
	})
	return g
}

// set applies an unconditional change to the session state.
func (c *Central) set(fn func(s *session.Snapshot)) session.Snapshot {
	snap, _ := c.store.Update(func(s session.Snapshot) (session.Snapshot, bool) {
		fn(&s)
		return s, true
	})
	return snap
}

func (c *Central) recordError(err *ble.Error) {
	slog.Warn("[CENTRAL] error", "kind", err.Kind, "error", err)
	c.store.Update(func(s session.Snapshot) (session.Snapshot, bool) {
		return s.WithError(err)
	})
}
