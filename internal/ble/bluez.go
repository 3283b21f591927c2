package ble

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName          = "org.bluez"
	bluezAdapterInterface = "org.bluez.Adapter1"
	dbusPropertiesSet     = "org.freedesktop.DBus.Properties.Set"

	// DefaultBlueZAdapterPath is the first controller on most systems.
	DefaultBlueZAdapterPath = "/org/bluez/hci0"
)

// BlueZGate treats a powered BlueZ adapter as "access granted" and powers
// the adapter on when access is requested.
type BlueZGate struct {
	conn *dbus.Conn
	path dbus.ObjectPath
}

// NewBlueZGate connects to the system bus for the given adapter object path.
func NewBlueZGate(adapterPath string) (*BlueZGate, error) {
	if adapterPath == "" {
		adapterPath = DefaultBlueZAdapterPath
	}
	path := dbus.ObjectPath(adapterPath)
	if !path.IsValid() {
		return nil, fmt.Errorf("ble: invalid adapter path %q", adapterPath)
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system D-Bus: %w", err)
	}
	return &BlueZGate{conn: conn, path: path}, nil
}

func (g *BlueZGate) HasRequiredAccess() bool {
	v, err := g.conn.Object(bluezBusName, g.path).GetProperty(bluezAdapterInterface + ".Powered")
	if err != nil {
		slog.Debug("[BLUEZ] read Powered failed", "path", g.path, "error", err)
		return false
	}
	powered, ok := v.Value().(bool)
	return ok && powered
}

func (g *BlueZGate) RequestAccess(ctx context.Context) (bool, error) {
	call := g.conn.Object(bluezBusName, g.path).CallWithContext(ctx, dbusPropertiesSet, 0,
		bluezAdapterInterface, "Powered", dbus.MakeVariant(true))
	if call.Err != nil {
		return false, fmt.Errorf("ble: power on adapter %s: %w", g.path, call.Err)
	}
	slog.Info("[BLUEZ] adapter powered on", "path", g.path)
	return g.HasRequiredAccess(), nil
}

// Compile-time check that BlueZGate implements AccessGate.
var _ AccessGate = (*BlueZGate)(nil)
