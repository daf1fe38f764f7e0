// Package bluez asks bluetoothd over D-Bus whether the local adapter is usable.
package bluez

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/muxable/mdocble/pkg/transport"
	"go.uber.org/zap"
)

const (
	bluezBus     = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	getProperty  = "org.freedesktop.DBus.Properties.Get"
)

// Monitor reports the power state of one BlueZ adapter.
type Monitor struct {
	obj dbus.BusObject
	log *zap.Logger
}

var _ transport.RadioMonitor = (*Monitor)(nil)

// New watches the adapter named like "hci0" on the system bus.
func New(adapter string, log *zap.Logger) (*Monitor, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: system bus: %w", err)
	}
	return NewWithObject(conn.Object(bluezBus, dbus.ObjectPath("/org/bluez/"+adapter)), log), nil
}

func NewWithObject(obj dbus.BusObject, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.L()
	}
	return &Monitor{obj: obj, log: log.Named("bluez")}
}

func (m *Monitor) RadioState(ctx context.Context) (transport.RadioState, error) {
	var v dbus.Variant
	err := m.obj.CallWithContext(ctx, getProperty, 0, adapterIface, "Powered").Store(&v)
	if err != nil {
		var derr dbus.Error
		if errors.As(err, &derr) {
			m.log.Debug("adapter unavailable", zap.String("path", string(m.obj.Path())), zap.String("error", derr.Name))
			switch derr.Name {
			case "org.freedesktop.DBus.Error.ServiceUnknown",
				"org.freedesktop.DBus.Error.UnknownObject",
				"org.freedesktop.DBus.Error.UnknownMethod":
				return transport.RadioUnsupported, nil
			case "org.freedesktop.DBus.Error.AccessDenied",
				"org.bluez.Error.NotAuthorized":
				return transport.RadioUnauthorized, nil
			}
		}
		return transport.RadioUnknown, fmt.Errorf("bluez: powered: %w", err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return transport.RadioUnknown, fmt.Errorf("bluez: powered has type %T", v.Value())
	}
	if !powered {
		return transport.RadioPoweredOff, nil
	}
	return transport.RadioPoweredOn, nil
}
