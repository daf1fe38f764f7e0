// Package hcidev runs the peripheral role directly on an HCI user channel,
// serving GATT and L2CAP channels from this process.
package hcidev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/muxable/mdocble/pkg/att"
	"github.com/muxable/mdocble/pkg/bleerr"
	"github.com/muxable/mdocble/pkg/hci"
	"github.com/muxable/mdocble/pkg/l2cap"
	"github.com/muxable/mdocble/pkg/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultPSM is the first LE dynamic PSM.
const DefaultPSM uint16 = 0x0080

const closeTimeout = 2 * time.Second

var errNoCentral = errors.New("hcidev: no central connected")

type Driver struct {
	a        *hci.Adapter
	log      *zap.Logger
	name     string
	psm      uint16
	interval uint16
}

var _ transport.PeripheralDriver = (*Driver)(nil)

type Option func(*Driver)

func WithLogger(log *zap.Logger) Option {
	return func(d *Driver) { d.log = log }
}

// WithName puts a local name in the scan response.
func WithName(name string) Option {
	return func(d *Driver) { d.name = name }
}

func WithPSM(psm uint16) Option {
	return func(d *Driver) { d.psm = psm }
}

// WithAdvertisingInterval is in units of 0.625ms.
func WithAdvertisingInterval(interval uint16) Option {
	return func(d *Driver) { d.interval = interval }
}

func New(a *hci.Adapter, opts ...Option) *Driver {
	d := &Driver{a: a, log: zap.L(), psm: DefaultPSM, interval: 0x00a0}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.Named("hcidev")
	return d
}

// Init resets the controller and sizes its buffers. It must run before
// Serve.
func (d *Driver) Init(ctx context.Context) error {
	if err := d.a.Reset(ctx); err != nil {
		return fmt.Errorf("hcidev: reset: %w", err)
	}
	if err := d.a.SetEventMask(ctx, hci.EventMaskDisconnectionCompleteEvent|hci.EventMaskHardwareErrorEvent|hci.EventMaskLEMetaEvent); err != nil {
		return fmt.Errorf("hcidev: event mask: %w", err)
	}
	if err := d.a.LESetEventMask(ctx, hci.LEEventMaskConnectionCompleteEvent|hci.LEEventMaskConnectionUpdateCompleteEvent); err != nil {
		return fmt.Errorf("hcidev: le event mask: %w", err)
	}
	buf, err := d.a.LEReadBufferSize(ctx)
	if err != nil {
		return fmt.Errorf("hcidev: buffer size: %w", err)
	}
	addr, err := d.a.ReadBDAddr(ctx)
	if err != nil {
		return fmt.Errorf("hcidev: address: %w", err)
	}
	d.log.Info("controller ready", zap.Stringer("addr", addr), zap.Uint16("acl_mtu", buf.LEACLDataPacketLength), zap.Uint8("acl_buffers", buf.TotalNumLEACLDataPackets))
	return nil
}

// Serve publishes svc and advertises it until the returned server is closed.
// One central is served at a time; advertising resumes after it leaves.
func (d *Driver) Serve(ctx context.Context, svc transport.Service, h transport.PeripheralHandler) (transport.GATTServer, error) {
	prof := svc.Profile
	written := func(char uuid.UUID) func([]byte) {
		return func(v []byte) { h.CharacteristicWritten(char, v) }
	}
	chars := []att.Characteristic{
		{UUID: prof.State, Properties: att.PropertyWriteWithoutResponse | att.PropertyNotify, OnWrite: written(prof.State)},
		{UUID: prof.ClientToServer, Properties: att.PropertyWriteWithoutResponse, OnWrite: written(prof.ClientToServer)},
		{UUID: prof.ServerToClient, Properties: att.PropertyNotify},
	}
	if prof.Ident != uuid.Nil && svc.Ident != nil {
		chars = append(chars, att.Characteristic{UUID: prof.Ident, Properties: att.PropertyRead, Value: svc.Ident})
	}
	var psm uint16
	if svc.L2CAP && prof.L2CAP != uuid.Nil {
		psm = d.psm
		chars = append(chars, att.Characteristic{UUID: prof.L2CAP, Properties: att.PropertyRead, Value: transport.EncodePSM(psm)})
	}

	ctx2, cancel := context.WithCancel(context.Background())
	s := &server{
		d:      d,
		svc:    svc.UUID,
		db:     att.NewServer(svc.UUID, chars, att.WithLogger(d.log)),
		h:      h,
		psm:    psm,
		log:    d.log.With(zap.Stringer("service", svc.UUID)),
		ctx:    ctx2,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if err := s.advertise(ctx); err != nil {
		cancel()
		return nil, err
	}
	go s.run()
	return s, nil
}

type server struct {
	d   *Driver
	svc uuid.UUID
	db  *att.Server
	h   transport.PeripheralHandler
	psm uint16
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	conn *hci.Conn
	l2   *l2cap.Conn
}

func (s *server) advertise(ctx context.Context) error {
	a := s.d.a
	if err := a.LESetAdvertisingParameters(ctx, hci.LESetAdvertisingParametersCommandPacket{
		AdvertisingIntervalMin: s.d.interval,
		AdvertisingIntervalMax: s.d.interval,
		AdvertisingType:        hci.AdvertisingTypeConnectableUndirected,
	}); err != nil {
		return fmt.Errorf("hcidev: advertising parameters: %w", err)
	}
	if err := a.LESetAdvertisingData(ctx,
		hci.FlagsDataTypeLEGeneralDiscoverableMode|hci.FlagsDataTypeBREDRNotSupported,
		hci.CompleteServiceUUIDs128{s.svc},
	); err != nil {
		return fmt.Errorf("hcidev: advertising data: %w", err)
	}
	if s.d.name != "" {
		if err := a.LESetScanResponseData(ctx, hci.CompleteLocalName(s.d.name)); err != nil {
			return fmt.Errorf("hcidev: scan response: %w", err)
		}
	}
	if err := a.LESetAdvertisingEnable(ctx, true); err != nil {
		return fmt.Errorf("hcidev: enable advertising: %w", err)
	}
	s.log.Debug("advertising")
	return nil
}

func (s *server) run() {
	defer close(s.done)
	for {
		c, err := s.d.a.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Error("accept failed", zap.Error(err))
			}
			return
		}
		s.serveConn(c)
		if s.ctx.Err() != nil {
			return
		}
		if err := s.advertise(s.ctx); err != nil {
			s.log.Error("advertising did not resume", zap.Error(err))
			return
		}
	}
}

// serveConn blocks until c drops. The controller stops advertising when the
// connection forms.
func (s *server) serveConn(c *hci.Conn) {
	log := s.log.With(zap.Stringer("peer", c.PeerAddress), zap.Uint16("handle", c.Handle))
	opts := []l2cap.Option{l2cap.WithLogger(log), l2cap.WithATT(s.db)}
	if s.psm != 0 {
		opts = append(opts, l2cap.WithListener(s.psm, func(ch *l2cap.Channel) {
			s.h.L2CAPAccepted(&stream{ch})
		}))
	}
	l2 := l2cap.NewConn(c, opts...)
	s.mu.Lock()
	s.conn, s.l2 = c, l2
	s.mu.Unlock()

	s.h.CentralConnected(c.PeerAddress.String())
	err := l2.Serve()

	s.mu.Lock()
	s.conn, s.l2 = nil, nil
	s.mu.Unlock()
	s.db.Reset()
	log.Info("central disconnected", zap.Error(err))
	s.h.CentralDisconnected(bleerr.New(bleerr.CodeDisconnected, "link", err))
}

func (s *server) Notify(ctx context.Context, char uuid.UUID, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	l2 := s.l2
	s.mu.Unlock()
	if l2 == nil {
		return bleerr.New(bleerr.CodeDisconnected, "notify", errNoCentral)
	}
	pdu, err := s.db.Notification(char, value)
	if err != nil {
		return err
	}
	return l2.WriteATT(pdu)
}

func (s *server) MTU() int { return s.db.MTU() }

func (s *server) PSM() uint16 { return s.psm }

func (s *server) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if aerr := s.d.a.LESetAdvertisingEnable(ctx, false); aerr != nil {
			s.log.Debug("disable advertising", zap.Error(aerr))
		}

		s.mu.Lock()
		c := s.conn
		s.mu.Unlock()
		if c != nil {
			err = multierr.Append(err, c.Disconnect(ctx, hci.StatusRemoteUserTerminated))
		}
		select {
		case <-s.done:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("hcidev: server did not stop: %w", ctx.Err()))
		}
	})
	return err
}

// stream splits writes larger than the peer's SDU size so the channel can
// carry length prefixed messages of any size.
type stream struct {
	*l2cap.Channel
}

var _ io.ReadWriteCloser = (*stream)(nil)

func (s *stream) Write(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		j := min(len(b), n+int(s.TxMTU))
		if _, err := s.Channel.Write(b[n:j]); err != nil {
			return n, err
		}
		n = j
	}
	return n, nil
}
