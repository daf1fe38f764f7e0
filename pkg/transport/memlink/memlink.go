// Package memlink is an in-memory radio. It pairs transport drivers inside one
// process so both roles can be exercised without an adapter.
//
// Events for one side of a connection are delivered by a single goroutine in
// the order they were produced, the way a controller delivers them.
package memlink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/muxable/mdocble/pkg/bleerr"
	"github.com/muxable/mdocble/pkg/config"
	"github.com/muxable/mdocble/pkg/transport"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("memlink: not connected")
	ErrUnknownChar  = errors.New("memlink: unknown characteristic")
	ErrNotListening = errors.New("memlink: no l2cap listener")
)

// DefaultPSM is the PSM servers listen on.
const DefaultPSM uint16 = 0x0080

type Option func(*Radio)

func WithLogger(log *zap.Logger) Option { return func(r *Radio) { r.log = log } }

// WithMTU caps the negotiated ATT MTU.
func WithMTU(mtu int) Option { return func(r *Radio) { r.mtu = mtu } }

// WithoutCharacteristic hides char from discovery, reads and writes.
func WithoutCharacteristic(char uuid.UUID) Option {
	return func(r *Radio) { r.hidden[char] = true }
}

// WithoutL2CAP makes servers unable to listen for channels.
func WithoutL2CAP() Option { return func(r *Radio) { r.noL2CAP = true } }

// Radio is the shared medium. It also reports the local adapter state.
type Radio struct {
	log     *zap.Logger
	mtu     int
	hidden  map[uuid.UUID]bool
	noL2CAP bool

	mu      sync.Mutex
	state   transport.RadioState
	servers map[string]*server
	changed chan struct{}
	next    int
	queues  []*queue
}

var _ transport.RadioMonitor = (*Radio)(nil)

func New(opts ...Option) *Radio {
	r := &Radio{
		log:     zap.L(),
		mtu:     config.MaxMTU,
		hidden:  make(map[uuid.UUID]bool),
		state:   transport.RadioPoweredOn,
		servers: make(map[string]*server),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Radio) RadioState(ctx context.Context) (transport.RadioState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

func (r *Radio) SetRadioState(s transport.RadioState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// Central returns a driver for the central role.
func (r *Radio) Central() transport.CentralDriver { return &central{r: r} }

// Peripheral returns a driver for the peripheral role.
func (r *Radio) Peripheral() transport.PeripheralDriver { return &peripheral{r: r} }

// DropLinks severs every connection without either side asking, as when the
// devices move out of range.
func (r *Radio) DropLinks() {
	r.mu.Lock()
	var clients []*client
	for _, s := range r.servers {
		if s.conn != nil {
			clients = append(clients, s.conn)
		}
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.sever(errors.New("memlink: link lost"))
	}
}

// Close stops the event goroutines once their queues drain.
func (r *Radio) Close() {
	r.mu.Lock()
	qs := r.queues
	r.queues = nil
	r.mu.Unlock()
	for _, q := range qs {
		q.stop()
	}
}

func (r *Radio) newQueue() *queue {
	q := newQueue()
	r.mu.Lock()
	r.queues = append(r.queues, q)
	r.mu.Unlock()
	return q
}

// notify wakes scanners. r.mu must be held.
func (r *Radio) notify() {
	close(r.changed)
	r.changed = make(chan struct{})
}

type queue struct {
	mu      sync.Mutex
	fns     []func()
	wake    chan struct{}
	stopped bool
}

func newQueue() *queue {
	q := &queue{wake: make(chan struct{}, 1)}
	go q.run()
	return q
}

// post schedules fn after every previously posted fn. Once the queue is stopped
// fn runs on its own goroutine.
func (q *queue) post(fn func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		go fn()
		return
	}
	q.fns = append(q.fns, fn)
	q.mu.Unlock()
	q.poke()
}

func (q *queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.poke()
}

func (q *queue) run() {
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.fns) == 0 {
				stopped := q.stopped
				q.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			fn := q.fns[0]
			q.fns = q.fns[1:]
			q.mu.Unlock()
			fn()
		}
	}
}

type server struct {
	r      *Radio
	addr   string
	svc    transport.Service
	h      transport.PeripheralHandler
	q      *queue
	values map[uuid.UUID][]byte
	psm    uint16

	// guarded by r.mu
	conn   *client
	mtu    int
	closed bool
}

type peripheral struct {
	r *Radio
}

func (p *peripheral) Serve(ctx context.Context, svc transport.Service, h transport.PeripheralHandler) (transport.GATTServer, error) {
	r := p.r
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &server{
		r:      r,
		svc:    svc,
		h:      h,
		q:      r.newQueue(),
		values: make(map[uuid.UUID][]byte),
		mtu:    config.MinMTU,
	}
	prof := svc.Profile
	for _, u := range prof.Required() {
		s.values[u] = nil
	}
	if prof.Ident != uuid.Nil && len(svc.Ident) > 0 {
		s.values[prof.Ident] = append([]byte(nil), svc.Ident...)
	}
	if svc.L2CAP && !r.noL2CAP && prof.L2CAP != uuid.Nil {
		s.psm = DefaultPSM
		s.values[prof.L2CAP] = transport.EncodePSM(s.psm)
	}
	for u := range r.hidden {
		delete(s.values, u)
	}

	r.mu.Lock()
	r.next++
	s.addr = fmt.Sprintf("00:00:00:00:00:%02X", r.next)
	r.servers[s.addr] = s
	r.notify()
	r.mu.Unlock()
	r.log.Debug("advertising", zap.String("addr", s.addr), zap.Stringer("service", svc.UUID))
	return s, nil
}

func (s *server) MTU() int {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.mtu
}

func (s *server) PSM() uint16 { return s.psm }

func (s *server) Notify(ctx context.Context, char uuid.UUID, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.r.mu.Lock()
	c := s.conn
	s.r.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.deliver(char, value)
}

// Close stops advertising and drops the connected central.
func (s *server) Close() error {
	s.r.mu.Lock()
	if s.closed {
		s.r.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	s.conn = nil
	delete(s.r.servers, s.addr)
	s.r.mu.Unlock()
	if c != nil {
		c.q.post(c.drop)
	}
	return nil
}

type central struct {
	r *Radio
}

func (c *central) Scan(ctx context.Context, service uuid.UUID) (transport.Peer, error) {
	r := c.r
	for {
		r.mu.Lock()
		for _, s := range r.servers {
			if s.svc.UUID == service && s.conn == nil {
				r.mu.Unlock()
				return transport.Peer{Address: s.addr, Name: "memlink", RSSI: -40}, nil
			}
		}
		changed := r.changed
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return transport.Peer{}, ctx.Err()
		case <-changed:
		}
	}
}

func (c *central) Connect(ctx context.Context, p transport.Peer) (transport.GATTClient, error) {
	r := c.r
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	s, ok := r.servers[p.Address]
	if !ok || s.conn != nil {
		r.mu.Unlock()
		return nil, bleerr.New(bleerr.CodeConnectionFailed, "connect", fmt.Errorf("%s not connectable", p.Address))
	}
	cl := &client{
		s:            s,
		q:            r.newQueue(),
		subs:         make(map[uuid.UUID]func([]byte)),
		disconnected: make(chan struct{}),
	}
	s.conn = cl
	s.mtu = config.MinMTU
	r.mu.Unlock()
	s.q.post(func() { s.h.CentralConnected("memlink-central") })
	return cl, nil
}

type client struct {
	s *server
	q *queue

	mu           sync.Mutex
	subs         map[uuid.UUID]func([]byte)
	disconnected chan struct{}
	once         sync.Once
}

func (c *client) connected() bool {
	c.s.r.mu.Lock()
	defer c.s.r.mu.Unlock()
	return c.s.conn == c
}

func (c *client) ExchangeMTU(ctx context.Context, mtu int) (int, error) {
	if !c.connected() {
		return 0, ErrNotConnected
	}
	r := c.s.r
	r.mu.Lock()
	defer r.mu.Unlock()
	c.s.mtu = max(config.MinMTU, min(mtu, r.mtu))
	return c.s.mtu, nil
}

func (c *client) Discover(ctx context.Context, service uuid.UUID) ([]uuid.UUID, error) {
	if !c.connected() {
		return nil, ErrNotConnected
	}
	if service != c.s.svc.UUID {
		return nil, fmt.Errorf("memlink: service %s not found", service)
	}
	chars := make([]uuid.UUID, 0, len(c.s.values))
	for u := range c.s.values {
		chars = append(chars, u)
	}
	return chars, nil
}

func (c *client) Read(ctx context.Context, char uuid.UUID) ([]byte, error) {
	if !c.connected() {
		return nil, ErrNotConnected
	}
	v, ok := c.s.values[char]
	if !ok {
		return nil, ErrUnknownChar
	}
	return append([]byte(nil), v...), nil
}

func (c *client) Write(ctx context.Context, char uuid.UUID, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.connected() {
		return ErrNotConnected
	}
	if _, ok := c.s.values[char]; !ok {
		return ErrUnknownChar
	}
	v := append([]byte(nil), value...)
	c.s.q.post(func() { c.s.h.CharacteristicWritten(char, v) })
	return nil
}

func (c *client) Subscribe(ctx context.Context, char uuid.UUID, fn func([]byte)) error {
	if !c.connected() {
		return ErrNotConnected
	}
	if _, ok := c.s.values[char]; !ok {
		return ErrUnknownChar
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[char] = fn
	return nil
}

func (c *client) deliver(char uuid.UUID, value []byte) error {
	c.mu.Lock()
	fn := c.subs[char]
	c.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("memlink: %s not subscribed", char)
	}
	v := append([]byte(nil), value...)
	c.q.post(func() { fn(v) })
	return nil
}

func (c *client) OpenL2CAP(ctx context.Context, psm uint16) (io.ReadWriteCloser, error) {
	if !c.connected() {
		return nil, ErrNotConnected
	}
	if c.s.psm == 0 || psm != c.s.psm {
		return nil, bleerr.New(bleerr.CodeL2CAPUnavailable, "open", ErrNotListening)
	}
	a, b := net.Pipe()
	// Each end closes in order with the events its peer has already been sent.
	local := &pipeEnd{Conn: a, q: c.s.q}
	remote := &pipeEnd{Conn: b, q: c.q}
	c.s.q.post(func() { c.s.h.L2CAPAccepted(remote) })
	return local, nil
}

func (c *client) Disconnected() <-chan struct{} { return c.disconnected }

// Close disconnects from the peripheral.
func (c *client) Close() error {
	c.sever(nil)
	return nil
}

func (c *client) sever(reason error) {
	r := c.s.r
	r.mu.Lock()
	ours := c.s.conn == c
	if ours {
		c.s.conn = nil
		r.notify()
	}
	r.mu.Unlock()
	if ours {
		c.s.q.post(func() { c.s.h.CentralDisconnected(reason) })
	}
	if reason != nil {
		c.q.post(c.drop)
		return
	}
	c.drop()
}

func (c *client) drop() {
	c.once.Do(func() { close(c.disconnected) })
}

type pipeEnd struct {
	net.Conn
	q    *queue
	once sync.Once
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { p.q.post(func() { p.Conn.Close() }) })
	return nil
}
