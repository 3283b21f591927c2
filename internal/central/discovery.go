package central

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/chaz8081/blewatch/internal/ble"
	"github.com/chaz8081/blewatch/internal/session"
)

// discovery is the single scan registration. gen increments per session so
// that late advertisements, scan completions and timer firings from an
// earlier session are recognised and dropped.
type discovery struct {
	active bool
	gen    uint64
	id     uuid.UUID
	cancel context.CancelFunc
	timer  *guard
}

func (c *Central) startScan() error {
	d := &c.disc
	if d.active {
		return ble.ErrAlreadyScanning
	}
	if l := c.opts.ScanLimiter; l != nil && !l.AllowN(c.opts.Clock.Now(), 1) {
		err := ble.NewError(ble.ScanFailed, ble.ScanFailedTooFrequent, nil)
		c.recordError(err)
		return err
	}

	d.gen++
	d.active = true
	d.id = uuid.New()
	gen := d.gen
	id := d.id.String()

	c.set(func(s *session.Snapshot) {
		s.Discovered = nil
		s.LastError = ""
		s.ErrorKind = ble.KindNone
		s.Scanning = true
		s.ScanID = id
	})
	d.timer = c.arm(timerScan, gen, c.opts.ScanDuration)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	slog.Info("[SCAN] started", "scan", id, "duration", c.opts.ScanDuration)

	go func() {
		err := c.transport.Scan(ctx, func(adv ble.Advertisement) {
			c.post(peerObserved{gen: gen, adv: adv})
		})
		c.post(scanEnded{gen: gen, err: err})
	}()
	return nil
}

func (c *Central) onPeerObserved(ev peerObserved) {
	if !c.disc.active || ev.gen != c.disc.gen {
		return
	}
	adv := ev.adv
	if adv.Address == "" {
		return
	}

	peer := ble.Peer{
		Handle:  adv.Handle,
		Name:    c.opts.Resolver.Resolve(adv),
		Address: adv.Address,
		RSSI:    adv.RSSI,
	}
	if _, added := c.store.Update(func(s session.Snapshot) (session.Snapshot, bool) {
		return s.WithPeer(peer)
	}); added {
		slog.Debug("[SCAN] peer observed", "address", peer.Address, "name", peer.Name, "rssi", peer.RSSI)
	}
}

// onScanEnded handles the transport's Scan returning on its own. After
// stopScan the session is already inactive and the event is dropped.
func (c *Central) onScanEnded(ev scanEnded) {
	if !c.disc.active || ev.gen != c.disc.gen {
		return
	}
	c.endScan()
	if ev.err == nil {
		return
	}

	var e *ble.Error
	if !errors.As(ev.err, &e) {
		code := 0
		var se *ble.ScanError
		if errors.As(ev.err, &se) {
			code = se.Code
		}
		e = ble.NewError(ble.ScanFailed, code, ev.err)
	}
	c.recordError(e)
}

// stopScan ends the active session. Errors from the transport are recorded
// but never keep the session alive.
func (c *Central) stopScan() {
	if !c.disc.active {
		return
	}
	c.disc.timer.stop()
	c.disc.timer = nil
	err := c.transport.StopScan()
	c.endScan()
	if err != nil {
		c.recordError(ble.NewError(ble.TransportError, 0, err))
	}
}

func (c *Central) endScan() {
	d := &c.disc
	d.active = false
	d.timer.stop()
	d.timer = nil
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}

	snap := c.set(func(s *session.Snapshot) { s.Scanning = false })
	slog.Info("[SCAN] stopped", "scan", d.id, "peers", len(snap.Discovered))
}
