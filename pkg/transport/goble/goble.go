// Package goble drives the central role with github.com/go-ble/ble.
package goble

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/muxable/mdocble/pkg/bleerr"
	"github.com/muxable/mdocble/pkg/transport"
	"go.uber.org/zap"
)

// Device is the part of ble.Device the central needs.
type Device interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
}

type Central struct {
	dev Device
	log *zap.Logger
}

var _ transport.CentralDriver = (*Central)(nil)

func NewCentral(dev Device, log *zap.Logger) *Central {
	if log == nil {
		log = zap.L()
	}
	return &Central{dev: dev, log: log}
}

// ToBLE converts u to go-ble's little endian form.
func ToBLE(u uuid.UUID) ble.UUID { return ble.UUID(ble.Reverse(u[:])) }

// FromBLE converts a 128-bit go-ble UUID.
func FromBLE(u ble.UUID) (uuid.UUID, bool) {
	if len(u) != 16 {
		return uuid.Nil, false
	}
	v, err := uuid.FromBytes(ble.Reverse(u))
	return v, err == nil
}

func (c *Central) Scan(ctx context.Context, service uuid.UUID) (transport.Peer, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	want := ToBLE(service)

	var mu sync.Mutex
	var peer *transport.Peer
	err := c.dev.Scan(ctx, false, func(a ble.Advertisement) {
		if !ble.Contains(a.Services(), want) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if peer == nil {
			peer = &transport.Peer{Address: a.Addr().String(), Name: a.LocalName(), RSSI: a.RSSI()}
			cancel()
		}
	})
	mu.Lock()
	defer mu.Unlock()
	if peer != nil {
		return *peer, nil
	}
	if err == nil {
		err = ctx.Err()
	}
	return transport.Peer{}, err
}

func (c *Central) Connect(ctx context.Context, p transport.Peer) (transport.GATTClient, error) {
	cl, err := c.dev.Dial(ctx, ble.NewAddr(p.Address))
	if err != nil {
		return nil, err
	}
	return &Client{c: cl, log: c.log.With(zap.String("addr", p.Address)), chars: make(map[uuid.UUID]*ble.Characteristic)}, nil
}

// Client adapts a connected ble.Client.
type Client struct {
	c   ble.Client
	log *zap.Logger

	mu    sync.Mutex
	chars map[uuid.UUID]*ble.Characteristic
}

var _ transport.GATTClient = (*Client)(nil)

// call runs a blocking go-ble request, giving up when ctx ends. go-ble has no
// way to abort a request, so an abandoned one finishes in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Client) ExchangeMTU(ctx context.Context, mtu int) (int, error) {
	return call(ctx, func() (int, error) { return c.c.ExchangeMTU(mtu) })
}

func (c *Client) Discover(ctx context.Context, service uuid.UUID) ([]uuid.UUID, error) {
	return call(ctx, func() ([]uuid.UUID, error) { return c.discover(service) })
}

func (c *Client) discover(service uuid.UUID) ([]uuid.UUID, error) {
	svcs, err := c.c.DiscoverServices([]ble.UUID{ToBLE(service)})
	if err != nil {
		return nil, err
	}
	var svc *ble.Service
	for _, s := range svcs {
		if s.UUID.Equal(ToBLE(service)) {
			svc = s
		}
	}
	if svc == nil {
		return nil, bleerr.New(bleerr.CodeDiscoveryFailed, "discover", fmt.Errorf("service %s not found", service))
	}
	chars, err := c.c.DiscoverCharacteristics(nil, svc)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []uuid.UUID
	for _, ch := range chars {
		u, ok := FromBLE(ch.UUID)
		if !ok {
			continue
		}
		if ch.Property&(ble.CharNotify|ble.CharIndicate) != 0 {
			if _, err := c.c.DiscoverDescriptors(nil, ch); err != nil {
				c.log.Warn("descriptor discovery failed", zap.Stringer("char", u), zap.Error(err))
			}
		}
		c.chars[u] = ch
		out = append(out, u)
	}
	return out, nil
}

func (c *Client) char(u uuid.UUID) (*ble.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chars[u]
	if !ok {
		return nil, fmt.Errorf("goble: characteristic %s not discovered", u)
	}
	return ch, nil
}

func (c *Client) Read(ctx context.Context, u uuid.UUID) ([]byte, error) {
	ch, err := c.char(u)
	if err != nil {
		return nil, err
	}
	return call(ctx, func() ([]byte, error) { return c.c.ReadCharacteristic(ch) })
}

func (c *Client) Write(ctx context.Context, u uuid.UUID, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := c.char(u)
	if err != nil {
		return err
	}
	return c.c.WriteCharacteristic(ch, value, true)
}

func (c *Client) Subscribe(ctx context.Context, u uuid.UUID, fn func([]byte)) error {
	ch, err := c.char(u)
	if err != nil {
		return err
	}
	_, err = call(ctx, func() (struct{}, error) { return struct{}{}, c.c.Subscribe(ch, false, fn) })
	return err
}

// OpenL2CAP is not offered by go-ble, so the transport falls back to GATT
// unless L2CAP is required.
func (c *Client) OpenL2CAP(ctx context.Context, psm uint16) (io.ReadWriteCloser, error) {
	return nil, bleerr.New(bleerr.CodeL2CAPUnavailable, "open", fmt.Errorf("psm 0x%04x: not supported by go-ble", psm))
}

func (c *Client) Disconnected() <-chan struct{} { return c.c.Disconnected() }

func (c *Client) Close() error {
	if err := c.c.ClearSubscriptions(); err != nil {
		c.log.Debug("clear subscriptions", zap.Error(err))
	}
	return c.c.CancelConnection()
}
