package transport

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// Peer is a peripheral found while scanning.
type Peer struct {
	Address string
	Name    string
	RSSI    int
}

// CentralDriver is the platform half of the central role.
type CentralDriver interface {
	// Scan blocks until a peripheral advertising service is seen or ctx ends.
	Scan(ctx context.Context, service uuid.UUID) (Peer, error)
	Connect(ctx context.Context, p Peer) (GATTClient, error)
}

// GATTClient is a connected peripheral.
type GATTClient interface {
	// ExchangeMTU proposes mtu and returns the negotiated value.
	ExchangeMTU(ctx context.Context, mtu int) (int, error)
	// Discover returns the characteristics of service present on the peer.
	Discover(ctx context.Context, service uuid.UUID) ([]uuid.UUID, error)
	Read(ctx context.Context, char uuid.UUID) ([]byte, error)
	// Write is a write without response. It returns once the platform is ready
	// to take the next write.
	Write(ctx context.Context, char uuid.UUID, value []byte) error
	Subscribe(ctx context.Context, char uuid.UUID, fn func([]byte)) error
	OpenL2CAP(ctx context.Context, psm uint16) (io.ReadWriteCloser, error)
	Disconnected() <-chan struct{}
	Close() error
}

// Service describes the GATT service a peripheral publishes.
type Service struct {
	UUID    uuid.UUID
	Profile Profile
	// Ident is served on the profile's ident characteristic when both are set.
	Ident []byte
	// L2CAP asks the driver to listen for a connection-oriented channel and to
	// publish its PSM.
	L2CAP bool
}

// PeripheralHandler receives the central's actions. Calls for one connection
// arrive in order.
type PeripheralHandler interface {
	CentralConnected(addr string)
	CharacteristicWritten(char uuid.UUID, value []byte)
	L2CAPAccepted(ch io.ReadWriteCloser)
	CentralDisconnected(err error)
}

// PeripheralDriver is the platform half of the peripheral role.
type PeripheralDriver interface {
	// Serve registers svc, starts advertising it and returns once the service is
	// published.
	Serve(ctx context.Context, svc Service, h PeripheralHandler) (GATTServer, error)
}

type GATTServer interface {
	Notify(ctx context.Context, char uuid.UUID, value []byte) error
	// MTU is the ATT MTU negotiated with the connected central.
	MTU() int
	// PSM is the published L2CAP PSM, zero when none.
	PSM() uint16
	// Close stops advertising, stops listening for L2CAP channels and drops the
	// central.
	Close() error
}

type RadioState uint8

const (
	RadioUnknown RadioState = iota
	RadioPoweredOn
	RadioPoweredOff
	RadioUnauthorized
	RadioUnsupported
)

func (s RadioState) String() string {
	switch s {
	case RadioPoweredOn:
		return "powered on"
	case RadioPoweredOff:
		return "powered off"
	case RadioUnauthorized:
		return "unauthorized"
	case RadioUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// RadioMonitor reports whether the local adapter can be used.
type RadioMonitor interface {
	RadioState(ctx context.Context) (RadioState, error)
}
