package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/muxable/mdocble/pkg/bleerr"
	"github.com/muxable/mdocble/pkg/config"
	"github.com/muxable/mdocble/pkg/connstate"
	"go.uber.org/zap"
)

// Peripheral publishes the session's service and runs the link as GATT server.
// Advertising is reported as Connecting.
type Peripheral struct {
	*endpoint

	driver  PeripheralDriver
	service uuid.UUID

	pmu     sync.Mutex
	server  GATTServer
	pending *link
}

var _ Transport = (*Peripheral)(nil)

// NewPeripheral returns a peripheral for service. The profile defaults to
// MdocPeripheralServer.
func NewPeripheral(driver PeripheralDriver, service uuid.UUID, opts ...Option) *Peripheral {
	return &Peripheral{
		endpoint: newEndpoint("peripheral", MdocPeripheralServer, opts),
		driver:   driver,
		service:  service,
	}
}

// Start publishes the service and blocks until a central has set up the link,
// the advertising window of ScanTimeout passes, or ctx ends. Start may be
// called again after a failure.
func (p *Peripheral) Start(ctx context.Context) error {
	ctx, err := p.begin(ctx)
	if err != nil {
		return err
	}
	if !p.machine.TransitionTo(connstate.Connecting, nil) {
		p.teardown()
		return fmt.Errorf("%w: cannot advertise from %v", ErrInvalidState, p.machine.Current())
	}
	states, unsubscribe := p.machine.Subscribe()
	defer unsubscribe()

	svc := Service{
		UUID:    p.service,
		Profile: p.profile,
		Ident:   p.ident,
		L2CAP:   p.cfg.L2CAP != config.L2CAPNever,
	}
	var srv GATTServer
	exhausted, err := p.retry(ctx, "advertise", false, func(ctx context.Context) error {
		s, err := p.driver.Serve(ctx, svc, &peripheralHandler{p: p})
		if err != nil {
			var be *bleerr.Error
			if !errors.As(err, &be) {
				err = bleerr.New(bleerr.CodeConnectionFailed, "advertise", err)
			}
			return err
		}
		srv = s
		return nil
	})
	if err != nil {
		return p.abort(ctx, err, exhausted)
	}
	p.pmu.Lock()
	p.server = srv
	p.pmu.Unlock()
	p.setRelease(func() error {
		p.dropPending()
		p.pmu.Lock()
		p.server = nil
		p.pmu.Unlock()
		return srv.Close()
	})
	if svc.L2CAP && srv.PSM() == 0 {
		err := bleerr.New(bleerr.CodeL2CAPUnavailable, "listen", errors.New("driver published no psm"))
		if p.cfg.L2CAP == config.L2CAPAlways {
			return p.abort(ctx, err, false)
		}
		p.log.Info("l2cap unavailable, serving gatt only", zap.Error(err))
	}
	p.log.Info("advertising", zap.Stringer("service", p.service), zap.Uint16("psm", srv.PSM()))

	window := time.NewTimer(p.cfg.ScanTimeout)
	defer window.Stop()
	for {
		select {
		case <-ctx.Done():
			return p.abort(ctx, ctx.Err(), false)
		case <-window.C:
			return p.abort(ctx, bleerr.New(bleerr.CodeConnectTimeout, "advertise", errors.New("no central connected")), false)
		case s, ok := <-states:
			if !ok {
				states = nil
				if p.machine.Current() == connstate.Connected {
					return nil
				}
				continue
			}
			switch s.State {
			case connstate.Connected:
				return nil
			case connstate.Error, connstate.Disconnected:
				if s.Err != nil {
					return s.Err
				}
				return fmt.Errorf("%w: %v before connecting", ErrNotConnected, s.State)
			}
		}
	}
}

func (p *Peripheral) currentServer() GATTServer {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.server
}

func (p *Peripheral) takePending() *link {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	l := p.pending
	p.pending = nil
	return l
}

func (p *Peripheral) dropPending() {
	if l := p.takePending(); l != nil {
		_ = l.close()
	}
}

// gattLink returns a link whose writes go out as notifications.
func (p *Peripheral) gattLink(srv GATTServer, mode linkMode) *link {
	l := newLink(mode)
	l.mtu = srv.MTU
	l.writeChunk = func(ctx context.Context, b []byte) error {
		return srv.Notify(ctx, p.profile.ServerToClient, b)
	}
	l.writeState = func(ctx context.Context, v byte) error {
		return srv.Notify(ctx, p.profile.State, []byte{v})
	}
	return l
}

type peripheralHandler struct {
	p *Peripheral
}

func (h *peripheralHandler) CentralConnected(addr string) {
	p := h.p
	srv := p.currentServer()
	if srv == nil {
		return
	}
	l := p.gattLink(srv, modeGATT)
	p.pmu.Lock()
	old := p.pending
	p.pending = l
	p.pmu.Unlock()
	if old != nil {
		_ = old.close()
	}
	p.log.Info("central connected", zap.String("addr", addr), zap.Int("mtu", srv.MTU()))
}

func (h *peripheralHandler) CharacteristicWritten(char uuid.UUID, value []byte) {
	p := h.p
	switch char {
	case p.profile.State:
		if len(value) != 1 {
			p.log.Warn("ignoring state write", zap.Binary("value", value))
			return
		}
		switch value[0] {
		case StateStart:
			l := p.takePending()
			if l == nil {
				p.log.Debug("start of session without pending link")
				return
			}
			if err := p.attach(l); err != nil {
				p.log.Warn("failed to attach link", zap.Error(err))
			}
		case StateEnd:
			if l := p.currentLink(); l != nil {
				l.ended.Store(true)
				go p.peerEnded(l)
			}
		default:
			p.log.Warn("ignoring state write", zap.Uint8("value", value[0]))
		}
	case p.profile.ClientToServer:
		l := p.currentLink()
		if l == nil || l.mode != modeGATT {
			p.log.Debug("dropping chunk outside gatt session", zap.Int("size", len(value)))
			return
		}
		l.push(value)
	default:
		p.log.Debug("ignoring write", zap.Stringer("char", char))
	}
}

func (h *peripheralHandler) L2CAPAccepted(ch io.ReadWriteCloser) {
	p := h.p
	srv := p.currentServer()
	if srv == nil {
		_ = ch.Close()
		return
	}
	p.dropPending()
	l := p.gattLink(srv, modeL2CAP)
	l.stream = ch
	if err := p.attach(l); err != nil {
		p.log.Warn("failed to attach l2cap channel", zap.Error(err))
	}
}

func (h *peripheralHandler) CentralDisconnected(err error) {
	p := h.p
	p.dropPending()
	if l := p.currentLink(); l != nil {
		go p.linkLost(l, err)
		return
	}
	p.log.Info("central disconnected before session start", zap.Error(err))
}
