package central

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chaz8081/blewatch/internal/ble"
	"github.com/chaz8081/blewatch/internal/session"
)

// connection is the single active connection. gen increments on every
// attempt and on every teardown, so completions, disconnect callbacks and
// timer firings that belong to an earlier attempt are discarded.
type connection struct {
	state  ConnectionState
	gen    uint64
	id     uuid.UUID
	peer   ble.Peer
	link   ble.Link
	cancel context.CancelFunc // in-flight transport operation
	timer  *guard
}

// transition moves to next and publishes it. Connected is derived from the
// phase here and nowhere else.
func (c *Central) transition(next ConnectionState, mutate func(s *session.Snapshot)) {
	prev := c.conn.state
	c.conn.state = next
	c.set(func(s *session.Snapshot) {
		s.Phase = next.Phase.String()
		s.Connected = next.Phase == PhaseReady
		if mutate != nil {
			mutate(s)
		}
	})
	slog.Debug("[CONN] transition", "from", prev, "to", next, "attempt", c.conn.id)
	if c.opts.OnTransition != nil {
		c.opts.OnTransition(prev, next)
	}
}

func (c *Central) connect(address string) error {
	peer, ok := c.store.Snapshot().Peer(address)
	if !ok {
		return ble.ErrUnknownPeer
	}
	if c.opts.StopScanOnSelect {
		c.stopScan()
	}
	if c.conn.state.Phase != PhaseIdle || c.conn.link != nil {
		slog.Info("[CONN] superseding connection", "old", c.conn.peer.Address, "new", peer.Address)
		c.teardown()
	}

	cn := &c.conn
	cn.gen++
	cn.id = uuid.New()
	cn.peer = peer
	gen := cn.gen
	attempt := cn.id.String()

	c.transition(ConnectionState{
		Phase:     PhaseAttaching,
		StartedAt: c.opts.Clock.Now(),
		Target:    peer.Address,
	}, func(s *session.Snapshot) {
		s.TargetAddress = peer.Address
		s.AttemptID = attempt
		s.ConnectedDeviceName = ""
		s.BatteryLevel = 0
	})
	cn.timer = c.arm(timerAttach, gen, c.opts.AttachTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cn.cancel = cancel
	slog.Info("[CONN] attaching", "address", peer.Address, "name", peer.Name, "attempt", attempt)

	go func() {
		link, err := c.transport.Attach(ctx, peer)
		if !c.post(attachDone{gen: gen, link: link, err: err}) && link != nil {
			_ = link.Detach()
		}
	}()
	return nil
}

func (c *Central) onAttachDone(ev attachDone) {
	cn := &c.conn
	if ev.gen != cn.gen || cn.state.Phase != PhaseAttaching {
		// The attempt was abandoned; release whatever it produced.
		if ev.link != nil {
			slog.Debug("[CONN] releasing late link", "gen", ev.gen)
			_ = ev.link.Detach()
		}
		return
	}
	cn.timer.stop()
	cn.timer = nil
	c.finishOp()

	if ev.err != nil || ev.link == nil {
		status := ble.StatusGenericFailure
		var ae *ble.AttachError
		if errors.As(ev.err, &ae) {
			status = ae.Status
		}
		c.fail(ble.NewError(ble.AttachRejected, status, ev.err))
		return
	}

	cn.link = ev.link
	gen := cn.gen
	ev.link.OnDisconnect(func() {
		c.post(linkLost{gen: gen})
	})
	slog.Info("[CONN] attached", "address", cn.peer.Address)

	c.transition(ConnectionState{Phase: PhaseStabilizing}, nil)
	cn.timer = c.arm(timerSettle, gen, c.opts.SettleDelay)
}

func (c *Central) onAttachTimeout() {
	slog.Warn("[CONN] attach timed out", "address", c.conn.peer.Address, "timeout", c.opts.AttachTimeout)
	c.fail(ble.NewError(ble.AttachTimeout, 0, nil))
}

func (c *Central) discoverAttributes() {
	cn := &c.conn
	c.transition(ConnectionState{Phase: PhaseDiscoveringAttributes}, nil)

	link, gen := cn.link, cn.gen
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.OperationTimeout)
	cn.cancel = cancel
	go func() {
		table, err := link.DiscoverAttributes(ctx)
		c.post(attributesDone{gen: gen, table: table, err: err})
	}()
}

// onAttributesDone treats attribute discovery as best effort: a failure is
// reported but the link stays up and becomes ready without a battery value.
func (c *Central) onAttributesDone(ev attributesDone) {
	cn := &c.conn
	if ev.gen != cn.gen || cn.state.Phase != PhaseDiscoveringAttributes {
		return
	}
	c.finishOp()

	if ev.err != nil {
		c.recordError(ble.NewError(ble.AttributeDiscoveryFailed, 0, ev.err))
		c.ready(-1)
		return
	}
	attr, ok := ev.table.Find(ble.BatteryLevelID)
	if !ok {
		slog.Info("[CONN] no battery attribute", "address", cn.peer.Address, "attributes", len(ev.table))
		c.ready(-1)
		return
	}

	c.transition(ConnectionState{Phase: PhaseReadingAttribute}, nil)
	link, gen := cn.link, cn.gen
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.OperationTimeout)
	cn.cancel = cancel
	go func() {
		value, err := link.ReadAttribute(ctx, attr.ID)
		c.post(readDone{gen: gen, value: value, err: err})
	}()
}

func (c *Central) onReadDone(ev readDone) {
	cn := &c.conn
	if ev.gen != cn.gen || cn.state.Phase != PhaseReadingAttribute {
		return
	}
	c.finishOp()

	level, err := batteryLevel(ev.value, ev.err)
	if err != nil {
		c.recordError(ble.NewError(ble.AttributeReadFailed, 0, err))
		c.ready(-1)
		return
	}
	c.ready(level)
}

// batteryLevel decodes the Battery Level characteristic: one unsigned byte,
// a percentage.
func batteryLevel(value []byte, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	if len(value) == 0 {
		return 0, errors.New("empty battery level value")
	}
	return min(int(value[0]), 100), nil
}

// ready publishes a usable connection. A negative level means unknown and
// leaves the battery at its default.
func (c *Central) ready(level int) {
	name := c.conn.peer.Name
	c.transition(ConnectionState{Phase: PhaseReady, PeerName: name}, func(s *session.Snapshot) {
		s.ConnectedDeviceName = name
		s.BatteryLevel = max(level, 0)
	})
	slog.Info("[CONN] ready", "address", c.conn.peer.Address, "name", name, "battery", level)
}

func (c *Central) onLinkLost(ev linkLost) {
	if ev.gen != c.conn.gen || !c.conn.state.Phase.Active() {
		return
	}
	slog.Warn("[CONN] peer disconnected", "address", c.conn.peer.Address)
	c.teardown()
}

// fail records err, passes through Failed and tears the attempt down.
func (c *Central) fail(err *ble.Error) {
	c.transition(ConnectionState{Phase: PhaseFailed, Reason: err.Message}, nil)
	c.recordError(err)
	c.teardown()
}

func (c *Central) disconnect() {
	cn := &c.conn
	if cn.state.Phase == PhaseIdle && cn.link == nil && cn.cancel == nil && cn.timer == nil {
		return
	}
	c.transition(ConnectionState{Phase: PhaseDisconnecting}, nil)
	c.teardown()
}

// teardown releases everything the connection holds and lands in Idle. It
// is total: safe with no link, mid-attach, or fully ready. Detach errors
// are recorded and otherwise ignored.
func (c *Central) teardown() {
	cn := &c.conn
	cn.timer.stop()
	cn.timer = nil
	c.finishOp()
	cn.gen++

	if cn.link != nil {
		link := cn.link
		cn.link = nil
		if err := link.Detach(); err != nil {
			c.recordError(ble.NewError(ble.TransportError, 0, err))
		}
		slog.Info("[CONN] link released", "address", cn.peer.Address)
	}

	c.transition(ConnectionState{Phase: PhaseIdle}, func(s *session.Snapshot) {
		s.ConnectedDeviceName = ""
		s.BatteryLevel = 0
		s.TargetAddress = ""
		s.AttemptID = ""
	})
}

// finishOp cancels the context of the in-flight transport operation.
func (c *Central) finishOp() {
	if c.conn.cancel != nil {
		c.conn.cancel()
		c.conn.cancel = nil
	}
}
