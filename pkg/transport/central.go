package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/muxable/mdocble/pkg/bleerr"
	"github.com/muxable/mdocble/pkg/config"
	"github.com/muxable/mdocble/pkg/connstate"
	"go.uber.org/zap"
)

// Central scans for a peripheral advertising the session's service and runs the
// link as GATT client.
type Central struct {
	*endpoint

	driver  CentralDriver
	service uuid.UUID
}

var _ Transport = (*Central)(nil)

// NewCentral returns a central for service. The profile defaults to
// MdocPeripheralServer.
func NewCentral(driver CentralDriver, service uuid.UUID, opts ...Option) *Central {
	return &Central{
		endpoint: newEndpoint("central", MdocPeripheralServer, opts),
		driver:   driver,
		service:  service,
	}
}

// Start scans, connects and sets up the link. It returns once the machine is
// Connected or the attempt failed. Start may be called again after a failure.
func (c *Central) Start(ctx context.Context) error {
	ctx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	if !c.machine.TransitionTo(connstate.Scanning, nil) {
		c.teardown()
		return fmt.Errorf("%w: cannot scan from %v", ErrInvalidState, c.machine.Current())
	}

	var peer Peer
	exhausted, err := c.retry(ctx, "scan", false, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, c.cfg.ScanTimeout)
		defer cancel()
		p, err := c.driver.Scan(sctx, c.service)
		if err != nil {
			if errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return bleerr.New(bleerr.CodeScanTimeout, "scan", err)
			}
			return err
		}
		peer = p
		return nil
	})
	if err != nil {
		return c.abort(ctx, err, exhausted)
	}
	c.log.Info("found peripheral", zap.String("addr", peer.Address), zap.String("name", peer.Name), zap.Int("rssi", peer.RSSI))

	if !c.machine.TransitionTo(connstate.Connecting, nil) {
		return c.abort(ctx, fmt.Errorf("%w: cannot connect from %v", ErrInvalidState, c.machine.Current()), false)
	}
	var client GATTClient
	exhausted, err = c.retry(ctx, "connect", false, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
		cl, err := c.driver.Connect(cctx, peer)
		if err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return bleerr.New(bleerr.CodeConnectTimeout, "connect", err)
			}
			var be *bleerr.Error
			if !errors.As(err, &be) {
				err = bleerr.New(bleerr.CodeConnectionFailed, "connect", err)
			}
			return err
		}
		client = cl
		return nil
	})
	if err != nil {
		return c.abort(ctx, err, exhausted)
	}
	c.setRelease(client.Close)

	l, err := c.setup(ctx, client)
	if err != nil {
		return c.abort(ctx, err, false)
	}
	go func() {
		select {
		case <-client.Disconnected():
			c.linkLost(l, nil)
		case <-l.ctx.Done():
		}
	}()
	return c.attach(l)
}

func (c *Central) setup(ctx context.Context, client GATTClient) (_ *link, err error) {
	mtu := c.cfg.DefaultMTU
	if m, err := client.ExchangeMTU(ctx, c.cfg.PreferredMTU); err != nil {
		c.log.Warn("mtu exchange failed, using default", zap.Int("mtu", mtu), zap.Error(err))
	} else if m >= config.MinMTU {
		mtu = min(m, c.cfg.PreferredMTU)
	}

	var chars []uuid.UUID
	exhausted, err := c.retry(ctx, "discover", false, func(ctx context.Context) error {
		var err error
		chars, err = client.Discover(ctx, c.service)
		if err != nil {
			var be *bleerr.Error
			if !errors.As(err, &be) {
				err = bleerr.New(bleerr.CodeDiscoveryFailed, "discover", err)
			}
		}
		return err
	})
	if err != nil {
		if exhausted {
			return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, bleerr.New(bleerr.CodeCharacteristicMissing, "discover", err))
		}
		return nil, err
	}
	have := make(map[uuid.UUID]bool, len(chars))
	for _, u := range chars {
		have[u] = true
	}
	for _, u := range c.profile.Required() {
		if !have[u] {
			return nil, bleerr.New(bleerr.CodeCharacteristicMissing, "discover", fmt.Errorf("characteristic %s", u))
		}
	}
	if err := c.checkIdent(ctx, client, have); err != nil {
		return nil, err
	}

	l := newLink(modeGATT)
	defer func() {
		if err != nil {
			_ = l.close()
		}
	}()
	l.mtu = func() int { return mtu }
	l.writeState = func(ctx context.Context, v byte) error {
		return client.Write(ctx, c.profile.State, []byte{v})
	}

	if c.cfg.L2CAP != config.L2CAPNever {
		stream, err := c.openL2CAP(ctx, client, have)
		switch {
		case err == nil:
			l.mode = modeL2CAP
			l.stream = stream
		case c.cfg.L2CAP == config.L2CAPAlways:
			return nil, err
		default:
			c.log.Info("l2cap unavailable, falling back to gatt", zap.Error(err))
		}
	}

	if err := client.Subscribe(ctx, c.profile.State, func(v []byte) {
		if len(v) == 1 && v[0] == StateEnd {
			l.ended.Store(true)
			go c.peerEnded(l)
		}
	}); err != nil {
		if l.mode == modeGATT {
			return nil, bleerr.New(bleerr.CodeDiscoveryFailed, "subscribe state", err)
		}
		c.log.Debug("state notifications unavailable", zap.Error(err))
	}
	if l.mode == modeL2CAP {
		return l, nil
	}

	l.writeChunk = func(ctx context.Context, b []byte) error {
		return client.Write(ctx, c.profile.ClientToServer, b)
	}
	if err := client.Subscribe(ctx, c.profile.ServerToClient, l.push); err != nil {
		return nil, bleerr.New(bleerr.CodeDiscoveryFailed, "subscribe server2client", err)
	}
	if err := client.Write(ctx, c.profile.State, []byte{StateStart}); err != nil {
		return nil, bleerr.New(bleerr.CodeWriteFailed, "start of session", err)
	}
	return l, nil
}

func (c *Central) checkIdent(ctx context.Context, client GATTClient, have map[uuid.UUID]bool) error {
	if len(c.ident) == 0 || c.profile.Ident == uuid.Nil {
		return nil
	}
	if !have[c.profile.Ident] {
		return bleerr.New(bleerr.CodeIdentMismatch, "ident", errors.New("peer publishes no ident"))
	}
	v, err := client.Read(ctx, c.profile.Ident)
	if err != nil {
		return bleerr.New(bleerr.CodeDiscoveryFailed, "read ident", err)
	}
	if !bytes.Equal(v, c.ident) {
		return bleerr.New(bleerr.CodeIdentMismatch, "ident", fmt.Errorf("got %x", v))
	}
	return nil
}

func (c *Central) openL2CAP(ctx context.Context, client GATTClient, have map[uuid.UUID]bool) (io.ReadWriteCloser, error) {
	if c.profile.L2CAP == uuid.Nil || !have[c.profile.L2CAP] {
		return nil, bleerr.New(bleerr.CodeL2CAPUnavailable, "l2cap", errors.New("peer publishes no psm"))
	}
	v, err := client.Read(ctx, c.profile.L2CAP)
	if err != nil {
		return nil, bleerr.New(bleerr.CodeL2CAPUnavailable, "read psm", err)
	}
	psm, err := DecodePSM(v)
	if err != nil {
		return nil, bleerr.New(bleerr.CodeL2CAPNegotiationFailed, "read psm", err)
	}
	octx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	stream, err := client.OpenL2CAP(octx, psm)
	if err != nil {
		var be *bleerr.Error
		if !errors.As(err, &be) {
			err = bleerr.New(bleerr.CodeL2CAPNegotiationFailed, fmt.Sprintf("open psm 0x%04x", psm), err)
		}
		return nil, err
	}
	c.log.Info("l2cap channel open", zap.Uint16("psm", psm))
	return stream, nil
}
