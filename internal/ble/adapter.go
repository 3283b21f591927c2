// Package ble defines the radio transport contract the connection core
// depends on, the error taxonomy it reports, and the tinygo-based adapter
// that drives real hardware.
package ble

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Standard GATT Battery Service identifiers.
var (
	BatteryServiceID = uuid.MustParse("0000180f-0000-1000-8000-00805f9b34fb")
	BatteryLevelID   = uuid.MustParse("00002a19-0000-1000-8000-00805f9b34fb")
)

// Advertisement is a single peer_observed event as reported by the radio.
type Advertisement struct {
	Handle  any // transport-owned, passed back to Attach
	Name    string
	Address string
	RSSI    int
}

// Peer is a discovered peripheral. Immutable once created.
type Peer struct {
	Handle  any // borrowed from the transport
	Name    string
	Address string
	RSSI    int
}

// SameAddress reports whether two addresses identify the same peer. MAC
// addresses and CoreBluetooth UUIDs are hex strings whose case varies by
// platform and by user input, so the comparison ignores case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Attribute is one readable value in a peer's attribute table.
type Attribute struct {
	Service uuid.UUID
	ID      uuid.UUID
}

// AttributeTable is the result of attribute discovery.
type AttributeTable []Attribute

// Find returns the attribute with the given identifier.
func (t AttributeTable) Find(id uuid.UUID) (Attribute, bool) {
	for _, a := range t {
		if a.ID == id {
			return a, true
		}
	}
	return Attribute{}, false
}

// Link is an open connection to a peer.
type Link interface {
	// DiscoverAttributes enumerates the services and characteristics of the peer.
	DiscoverAttributes(ctx context.Context) (AttributeTable, error)
	// ReadAttribute reads the current value of an attribute.
	ReadAttribute(ctx context.Context, id uuid.UUID) ([]byte, error)
	// Detach closes the connection. Safe to call more than once.
	Detach() error
	// OnDisconnect registers a callback invoked when the peer drops the link.
	OnDisconnect(callback func())
}

// Transport abstracts the BLE hardware adapter for testing.
type Transport interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement to onPeer until StopScan is called or
	// ctx is cancelled, in which case it returns nil. No service filter is
	// applied. Any other return value is a scan failure.
	Scan(ctx context.Context, onPeer func(Advertisement)) error
	// StopScan halts an active scan.
	StopScan() error
	// Attach opens a connection to the peer. A peer rejection is reported
	// as an *AttachError.
	Attach(ctx context.Context, peer Peer) (Link, error)
}

// AccessGate is the permission collaborator that gates radio access.
type AccessGate interface {
	HasRequiredAccess() bool
	RequestAccess(ctx context.Context) (bool, error)
}

// AlwaysGranted is an AccessGate for platforms without a permission layer.
type AlwaysGranted struct{}

func (AlwaysGranted) HasRequiredAccess() bool                     { return true }
func (AlwaysGranted) RequestAccess(context.Context) (bool, error) { return true, nil }
