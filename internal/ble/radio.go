package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// radio is the subset of *bluetooth.Adapter the RadioAdapter drives.
type radio interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(address bluetooth.Address, params bluetooth.ConnectionParams) (bluetooth.Device, error)
	SetConnectHandler(c func(device bluetooth.Device, connected bool))
}

// RadioAdapter wraps tinygo-org/bluetooth. On macOS, peer addresses are
// CoreBluetooth UUIDs rather than MAC addresses; the Address field of Peer
// stores whichever string the platform reports.
//
// tinygo's scan and connect calls are not safe to overlap, so the adapter
// stops each scan exactly once and keeps at most one Connect outstanding,
// including connects that were abandoned by a cancelled Attach.
type RadioAdapter struct {
	adapter    radio
	disconnect func(bluetooth.Device) error

	// connecting holds a token while a Connect call is outstanding.
	connecting chan struct{}

	// mu protects the links map and the current scan.
	mu    sync.Mutex
	links map[string]*radioLink // keyed by peer address
	scan  *scanRun
}

// scanRun is one call to Scan. StopScan and the context watcher share it
// so the radio is told to stop a given scan only once.
type scanRun struct {
	mu      sync.Mutex
	stopped bool
}

// NewRadioAdapter creates a Transport backed by the default system adapter.
func NewRadioAdapter() *RadioAdapter {
	return newRadioAdapter(bluetooth.DefaultAdapter)
}

func newRadioAdapter(r radio) *RadioAdapter {
	return &RadioAdapter{
		adapter:    r,
		disconnect: func(d bluetooth.Device) error { return d.Disconnect() },
		connecting: make(chan struct{}, 1),
		links:      make(map[string]*radioLink),
	}
}

func (a *RadioAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return NewError(ScanUnavailable, 0, err)
	}

	// tinygo reports peer-initiated disconnects only through the
	// adapter-level handler, so route them to the owning link.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		link, ok := a.links[addr]
		a.mu.Unlock()
		if ok {
			link.lost()
		}
	})
	return nil
}

func (a *RadioAdapter) Scan(ctx context.Context, onPeer func(Advertisement)) error {
	run := &scanRun{}
	a.mu.Lock()
	a.scan = run
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.scan == run {
			a.scan = nil
		}
		a.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.stop(run)
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		if addr == "" {
			return
		}
		onPeer(Advertisement{
			Handle:  result.Address,
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	if err != nil && ctx.Err() == nil {
		return &ScanError{Code: scanFailureCode(err), Err: err}
	}
	return nil
}

// stop halts run on the radio. Once a stop has succeeded, later calls
// for the same run do not reach tinygo.
func (a *RadioAdapter) stop(run *scanRun) error {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.stopped {
		return nil
	}
	if err := a.adapter.StopScan(); err != nil {
		return err
	}
	run.stopped = true
	return nil
}

func (a *RadioAdapter) StopScan() error {
	a.mu.Lock()
	run := a.scan
	a.mu.Unlock()
	if run == nil {
		return nil
	}
	if err := a.stop(run); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

func (a *RadioAdapter) Attach(ctx context.Context, peer Peer) (Link, error) {
	addr, ok := peer.Handle.(bluetooth.Address)
	if !ok {
		addr.Set(peer.Address)
	}

	// Wait for any earlier Connect, abandoned or not, to finish.
	select {
	case a.connecting <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: attach %s: %w", peer.Address, ctx.Err())
	}

	// Connect blocks with tinygo's own timeout. Run it aside so ctx
	// cancellation returns immediately. The token is released only once
	// Connect returns, and a device that connects after we gave up is
	// disconnected before that.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			defer func() { <-a.connecting }()
			if r := <-ch; r.err == nil {
				slog.Debug("[BLE] dropping late connection", "address", peer.Address)
				_ = a.disconnect(r.device)
			}
		}()
		return nil, fmt.Errorf("ble: attach %s: %w", peer.Address, ctx.Err())
	case r := <-ch:
		<-a.connecting
		if r.err != nil {
			return nil, &AttachError{Status: attachStatus(r.err), Err: r.err}
		}
		link := &radioLink{owner: a, address: peer.Address, device: r.device}
		a.mu.Lock()
		a.links[peer.Address] = link
		a.mu.Unlock()
		return link, nil
	}
}

func (a *RadioAdapter) forget(address string, link *radioLink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.links[address] == link {
		delete(a.links, address)
	}
}

// Compile-time check that RadioAdapter implements Transport.
var _ Transport = (*RadioAdapter)(nil)

// attachStatus maps a tinygo connect error onto a GATT-style status code.
// tinygo does not expose the controller's status, so only the timeout case
// is distinguishable.
func attachStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return StatusLinkTimeout
	}
	return StatusGenericFailure
}

func scanFailureCode(err error) int {
	if strings.Contains(strings.ToLower(err.Error()), "already") {
		return ScanFailedAlreadyStarted
	}
	return ScanFailedInternalError
}

type radioLink struct {
	owner   *RadioAdapter
	address string
	device  bluetooth.Device

	mu           sync.Mutex
	chars        map[uuid.UUID]bluetooth.DeviceCharacteristic
	disconnectCb func()
	detached     bool
}

func (l *radioLink) DiscoverAttributes(ctx context.Context) (AttributeTable, error) {
	type result struct {
		table AttributeTable
		chars map[uuid.UUID]bluetooth.DeviceCharacteristic
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		table, chars, err := l.discover()
		ch <- result{table, chars, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: discover attributes: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		l.mu.Lock()
		l.chars = r.chars
		l.mu.Unlock()
		return r.table, nil
	}
}

func (l *radioLink) discover() (AttributeTable, map[uuid.UUID]bluetooth.DeviceCharacteristic, error) {
	svcs, err := l.device.DiscoverServices(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("ble: discover services: %w", err)
	}

	var table AttributeTable
	chars := make(map[uuid.UUID]bluetooth.DeviceCharacteristic)
	for _, svc := range svcs {
		svcID, err := uuid.Parse(svc.UUID().String())
		if err != nil {
			continue
		}
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			slog.Warn("[BLE] discover characteristics failed", "service", svcID, "error", err)
			continue
		}
		for _, c := range found {
			id, err := uuid.Parse(c.UUID().String())
			if err != nil {
				continue
			}
			table = append(table, Attribute{Service: svcID, ID: id})
			chars[id] = c
		}
	}
	return table, chars, nil
}

func (l *radioLink) ReadAttribute(ctx context.Context, id uuid.UUID) ([]byte, error) {
	l.mu.Lock()
	char, ok := l.chars[id]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble: attribute %s not discovered", id)
	}

	type result struct {
		value []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 512)
		n, err := char.Read(buf)
		ch <- result{buf[:n], err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: read %s: %w", id, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ble: read %s: %w", id, r.err)
		}
		return r.value, nil
	}
}

func (l *radioLink) Detach() error {
	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		return nil
	}
	l.detached = true
	l.disconnectCb = nil
	l.mu.Unlock()

	l.owner.forget(l.address, l)
	if err := l.owner.disconnect(l.device); err != nil {
		return fmt.Errorf("ble: detach %s: %w", l.address, err)
	}
	return nil
}

func (l *radioLink) OnDisconnect(cb func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnectCb = cb
}

func (l *radioLink) lost() {
	l.mu.Lock()
	cb := l.disconnectCb
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}
