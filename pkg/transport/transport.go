// Package transport runs one ISO 18013-5 BLE link in either the central or the
// peripheral role.
//
// Both roles share the same engine. Outbound messages are queued on a channel
// drained by a single writer goroutine, so Send never blocks. Inbound GATT
// chunks are queued on a per-connection channel consumed by a single
// reassembly goroutine, and L2CAP channels are read by their own goroutine.
// Every phase change goes through the connection state machine.
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
	"github.com/muxable/mdocble/pkg/framing"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrBusy         = errors.New("transport: transmission in flight")
	ErrNotConnected = errors.New("transport: not connected")
	ErrInvalidState = errors.New("transport: invalid state")
	ErrCancelled    = errors.New("transport: cancelled")
	// ErrRetriesExhausted wraps the last error of an operation that ran out of
	// retries. Such failures are always terminal.
	ErrRetriesExhausted = errors.New("transport: retries exhausted")
)

// Transport is the contract both roles offer to the session layer.
type Transport interface {
	Start(ctx context.Context) error
	Send(b []byte) bool
	SendMessage(b []byte) error
	Messages() <-chan []byte
	States() (<-chan connstate.Snapshot, func())
	Actions() <-chan bleerr.Action
	Flush(ctx context.Context) error
	Closed() <-chan struct{}
	Cancel() error
}

type Option func(*options)

type options struct {
	cfg     config.Config
	log     *zap.Logger
	radio   RadioMonitor
	machine *connstate.Machine
	profile Profile
	ident   []byte
}

func WithConfig(c config.Config) Option { return func(o *options) { o.cfg = c } }

func WithLogger(log *zap.Logger) Option { return func(o *options) { o.log = log } }

func WithRadioMonitor(r RadioMonitor) Option { return func(o *options) { o.radio = r } }

// WithStateMachine shares an existing machine instead of creating one.
func WithStateMachine(m *connstate.Machine) Option { return func(o *options) { o.machine = m } }

func WithProfile(p Profile) Option { return func(o *options) { o.profile = p } }

// WithIdent sets the ident value a peripheral serves and a central expects.
func WithIdent(ident []byte) Option { return func(o *options) { o.ident = ident } }

type linkMode uint8

const (
	modeGATT linkMode = iota
	modeL2CAP
)

func (m linkMode) String() string {
	if m == modeL2CAP {
		return "l2cap"
	}
	return "gatt"
}

type link struct {
	id     string
	mode   linkMode
	stream io.ReadWriteCloser

	writeChunk func(ctx context.Context, b []byte) error
	writeState func(ctx context.Context, v byte) error
	mtu        func() int

	outbound chan []byte
	inbound  chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// ended is set once the end sentinel has been written or received.
	ended      atomic.Bool
	violations int
}

func newLink(mode linkMode) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		id:       uuid.NewString(),
		mode:     mode,
		outbound: make(chan []byte, 1),
		inbound:  make(chan []byte, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// push queues an inbound GATT chunk. Platform callbacks may reuse their buffer,
// so the chunk is copied.
func (l *link) push(chunk []byte) {
	b := append([]byte(nil), chunk...)
	select {
	case l.inbound <- b:
	case <-l.ctx.Done():
	}
}

func (l *link) close() error {
	l.cancel()
	if l.stream != nil {
		return l.stream.Close()
	}
	return nil
}

// Stats are counted only when metrics are enabled.
type Stats struct {
	Mode               string
	MTU                int
	MessagesSent       int64
	MessagesReceived   int64
	BytesSent          int64
	BytesReceived      int64
	ProtocolViolations int64
	Assembly           framing.AssemblyStats
}

type endpoint struct {
	role    string
	cfg     config.Config
	log     *zap.Logger
	radio   RadioMonitor
	machine *connstate.Machine
	framer  *framing.Framer
	profile Profile
	ident   []byte

	messages chan []byte
	actions  chan bleerr.Action

	busy              atomic.Bool
	sent, received    atomic.Int64
	bytesOut, bytesIn atomic.Int64
	violations        atomic.Int64

	mu          sync.Mutex
	link        *link
	release     func() error
	startCancel context.CancelFunc
	done        chan struct{}
	doneOnce    *sync.Once
}

func newEndpoint(role string, defaultProfile Profile, opts []Option) *endpoint {
	o := options{cfg: config.Default(), log: zap.L(), profile: defaultProfile}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With(zap.String("role", role))
	e := &endpoint{
		role:    role,
		cfg:     o.cfg,
		log:     log,
		radio:   o.radio,
		machine: o.machine,
		profile: o.profile,
		ident:   o.ident,
		framer: framing.New(
			framing.WithLogger(log),
			framing.WithMaxMessageSize(o.cfg.MaxMessageSize),
			framing.WithCBORValidation(o.cfg.ValidateCBOR, o.cfg.StrictCBOR),
			framing.WithAssemblyTimeout(o.cfg.MessageTimeout)),
		messages: make(chan []byte, 16),
		actions:  make(chan bleerr.Action, 4),
		done:     make(chan struct{}),
		doneOnce: new(sync.Once),
	}
	if e.machine == nil {
		e.machine = connstate.New(connstate.WithLogger(log))
	}
	e.machine.SetTerminationHandler(e.terminate)
	return e
}

func (e *endpoint) Messages() <-chan []byte { return e.messages }

// Actions delivers requests for the user to fix the adapter before a session.
func (e *endpoint) Actions() <-chan bleerr.Action { return e.actions }

func (e *endpoint) States() (<-chan connstate.Snapshot, func()) { return e.machine.Subscribe() }

func (e *endpoint) State() connstate.State { return e.machine.Current() }

func (e *endpoint) Machine() *connstate.Machine { return e.machine }

// Closed is closed when the current run's link is gone, for any reason.
func (e *endpoint) Closed() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

func (e *endpoint) currentLink() *link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link
}

func (e *endpoint) signal(a bleerr.Action) {
	e.log.Warn("user action required", zap.Stringer("action", a))
	select {
	case e.actions <- a:
	default:
	}
}

func radioError(s RadioState) error {
	switch s {
	case RadioPoweredOff:
		return bleerr.New(bleerr.CodeBluetoothOff, "radio", nil)
	case RadioUnauthorized:
		return bleerr.New(bleerr.CodeUnauthorized, "radio", nil)
	case RadioUnsupported:
		return bleerr.New(bleerr.CodeUnsupported, "radio", nil)
	}
	return nil
}

// begin checks the adapter and prepares a new run, leaving Error for Idle if
// the previous run failed. The returned context is cancelled by Cancel.
func (e *endpoint) begin(ctx context.Context) (context.Context, error) {
	if e.radio != nil {
		s, err := e.radio.RadioState(ctx)
		if err != nil {
			e.log.Warn("radio state unavailable", zap.Error(err))
		} else if rerr := radioError(s); rerr != nil {
			if a, ok := bleerr.RequiredAction(rerr, bleerr.Context{}); ok {
				e.signal(a)
			}
			return nil, rerr
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.link != nil {
		return nil, fmt.Errorf("%w: already connected", ErrInvalidState)
	}
	if snap := e.machine.Snapshot(); snap.State == connstate.Error {
		e.log.Info("clearing previous failure", zap.Error(snap.Err))
		e.machine.Reset()
	}
	ctx, cancel := context.WithCancel(ctx)
	e.startCancel = cancel
	e.done = make(chan struct{})
	e.doneOnce = new(sync.Once)
	return ctx, nil
}

func (e *endpoint) setRelease(fn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.release = fn
}

func (e *endpoint) context(active bool) bleerr.Context {
	return bleerr.Context{SessionActive: active, L2CAP: e.cfg.L2CAP}
}

// retry runs fn until it succeeds, fails terminally or the retry budget is
// spent. exhausted reports the last case.
func (e *endpoint) retry(ctx context.Context, op string, active bool, fn func(context.Context) error) (exhausted bool, err error) {
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return false, nil
		}
		if ctx.Err() != nil {
			return false, err
		}
		c := e.context(active)
		if bleerr.Classify(err, c) == bleerr.Terminal {
			return false, err
		}
		if attempt >= e.cfg.MaxRetries {
			return true, err
		}
		d := e.cfg.Backoff(attempt)
		e.log.Warn("retrying", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("backoff", d), zap.Error(err))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, err
		case <-t.C:
		}
	}
}

// abort ends a run that failed before reaching Connected.
func (e *endpoint) abort(ctx context.Context, err error, exhausted bool) error {
	if ctx.Err() != nil {
		e.teardown()
		if e.machine.Current() != connstate.Disconnected {
			e.machine.ForceTransitionTo(connstate.Disconnected)
		}
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	c := e.context(false)
	c.RetriesExhausted = exhausted || errors.Is(err, ErrRetriesExhausted)
	e.machine.TransitionToError(err, c)
	e.teardown()
	return err
}

// attach makes l the active link and moves to Connected.
func (e *endpoint) attach(l *link) error {
	e.mu.Lock()
	if e.link != nil {
		e.mu.Unlock()
		_ = l.close()
		return fmt.Errorf("%w: link already attached", ErrInvalidState)
	}
	e.link = l
	e.mu.Unlock()
	e.busy.Store(false)

	l.wg.Add(2)
	go e.writeLoop(l)
	if l.mode == modeL2CAP {
		go e.readLoop(l)
	} else {
		go e.reassembleLoop(l)
	}
	if !e.machine.TransitionTo(connstate.Connected, nil) {
		e.log.Warn("link established in unexpected state", zap.Stringer("state", e.machine.Current()))
		e.teardown()
		return fmt.Errorf("%w: %v", ErrInvalidState, e.machine.Current())
	}
	fields := []zap.Field{zap.String("conn", l.id), zap.Stringer("mode", l.mode)}
	if l.mtu != nil {
		fields = append(fields, zap.Int("mtu", l.mtu()))
	}
	e.log.Info("link established", fields...)
	return nil
}

// teardown releases the link and role resources without waiting for the link
// goroutines, so it is safe to call from them.
func (e *endpoint) teardown() error {
	e.mu.Lock()
	l := e.link
	e.link = nil
	release := e.release
	e.release = nil
	cancel := e.startCancel
	e.startCancel = nil
	done, once := e.done, e.doneOnce
	e.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if l != nil {
		err = multierr.Append(err, l.close())
		e.framer.ClearConnection(l.id)
	}
	if release != nil {
		err = multierr.Append(err, release())
	}
	once.Do(func() { close(done) })
	return err
}

// fail handles an error on an established link.
func (e *endpoint) fail(l *link, err error) {
	if l.ctx.Err() != nil {
		return
	}
	c := e.context(true)
	c.RetriesExhausted = errors.Is(err, ErrRetriesExhausted)
	e.machine.TransitionToError(err, c)
	if terr := e.teardown(); terr != nil {
		e.log.Debug("teardown after failure", zap.Error(terr))
	}
}

// peerEnded handles the end sentinel written by the peer.
func (e *endpoint) peerEnded(l *link) {
	if l.ctx.Err() != nil {
		return
	}
	e.log.Info("peer ended session", zap.String("conn", l.id))
	e.machine.TransitionTo(connstate.Disconnected, bleerr.New(bleerr.CodePeerTerminated, "state", nil))
	e.teardown()
}

// linkLost handles the platform reporting the connection gone. A link that
// already saw the end sentinel is left to whoever is ending it.
func (e *endpoint) linkLost(l *link, cause error) {
	if l.ctx.Err() != nil || l.ended.Load() {
		return
	}
	err := bleerr.New(bleerr.CodeDisconnected, "link", cause)
	if e.radio != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DisconnectTimeout)
		s, rerr := e.radio.RadioState(ctx)
		cancel()
		if rerr == nil {
			if r := radioError(s); r != nil {
				err = bleerr.New(bleerr.CodeOf(r), "link", cause)
			}
		}
	}
	e.fail(l, err)
}

// terminate is the state machine's termination handler.
func (e *endpoint) terminate(cause error) {
	l := e.currentLink()
	if l == nil {
		return
	}
	e.log.Info("terminating session", zap.String("conn", l.id), zap.Error(cause))
	_ = e.writeEnd(l)
}

func (e *endpoint) writeEnd(l *link) error {
	if l.writeState == nil || !l.ended.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DisconnectTimeout)
	defer cancel()
	if err := l.writeState(ctx, StateEnd); err != nil {
		e.log.Warn("failed to write end of session", zap.String("conn", l.id), zap.Error(err))
		return bleerr.New(bleerr.CodeWriteFailed, "end of session", err)
	}
	return nil
}

// SendMessage queues b for transmission. It never blocks.
func (e *endpoint) SendMessage(b []byte) error {
	if len(b) > e.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d > %d", framing.ErrMessageTooLarge, len(b), e.cfg.MaxMessageSize)
	}
	l := e.currentLink()
	if l == nil || e.machine.Current() != connstate.Connected {
		return ErrNotConnected
	}
	if !e.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	select {
	case l.outbound <- append([]byte(nil), b...):
	default:
		e.busy.Store(false)
		return ErrBusy
	}
	if l.ctx.Err() != nil {
		// The writer may already have exited.
		e.discard(l)
		return ErrNotConnected
	}
	return nil
}

// Send reports whether b was accepted for transmission.
func (e *endpoint) Send(b []byte) bool {
	err := e.SendMessage(b)
	if err != nil && !errors.Is(err, ErrBusy) {
		e.log.Debug("send rejected", zap.Int("size", len(b)), zap.Error(err))
	}
	return err == nil
}

// Flush waits until no transmission is in flight.
func (e *endpoint) Flush(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for e.busy.Load() {
		if e.currentLink() == nil {
			return ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (e *endpoint) writeLoop(l *link) {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			e.discard(l)
			return
		case msg := <-l.outbound:
			err := e.transmit(l, msg)
			e.busy.Store(false)
			if err != nil {
				e.fail(l, err)
				return
			}
			if e.cfg.Metrics {
				e.sent.Inc()
				e.bytesOut.Add(int64(len(msg)))
			}
		}
	}
}

// discard drops a message queued on a link that went away before it could be
// sent, so the next link starts idle.
func (e *endpoint) discard(l *link) {
	select {
	case msg := <-l.outbound:
		e.log.Debug("dropping unsent message", zap.String("conn", l.id), zap.Int("size", len(msg)))
	default:
	}
	e.busy.Store(false)
}

func (e *endpoint) transmit(l *link, msg []byte) error {
	if l.mode == modeL2CAP {
		buf := msg
		if e.cfg.L2CAPLengthPrefix {
			framed, err := framing.FrameForL2CAP(msg)
			if err != nil {
				return err
			}
			buf = framed
		}
		if _, err := l.stream.Write(buf); err != nil {
			return bleerr.New(bleerr.CodeWriteFailed, "l2cap write", err)
		}
		return nil
	}

	chunks, err := framing.FrameForGATT(msg, l.mtu())
	if err != nil {
		return err
	}
	for i, c := range chunks {
		exhausted, err := e.retry(l.ctx, "gatt write", true, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, e.cfg.ChunkTimeout)
			defer cancel()
			if err := l.writeChunk(ctx, c); err != nil {
				return bleerr.New(bleerr.CodeWriteFailed, fmt.Sprintf("chunk %d/%d", i+1, len(chunks)), err)
			}
			return nil
		})
		if err != nil {
			if exhausted {
				return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
			}
			return err
		}
	}
	return nil
}

func (e *endpoint) deliver(l *link, msg []byte) bool {
	if e.cfg.Metrics {
		e.received.Inc()
		e.bytesIn.Add(int64(len(msg)))
	}
	select {
	case e.messages <- msg:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// violation records a framing error and reports whether the link must fail.
func (e *endpoint) violation(l *link, err error) bool {
	e.violations.Inc()
	l.violations++
	e.log.Warn("framing violation", zap.String("conn", l.id), zap.Int("count", l.violations), zap.Error(err))
	if l.violations > e.cfg.MaxProtocolViolations {
		e.fail(l, bleerr.New(bleerr.CodeProtocolViolation, "reassembly", err))
		return true
	}
	return false
}

func (e *endpoint) reassembleLoop(l *link) {
	defer l.wg.Done()
	var sweep <-chan time.Time
	if e.cfg.EvictStaleAssemblies {
		t := time.NewTicker(max(e.cfg.MessageTimeout/2, time.Millisecond))
		defer t.Stop()
		sweep = t.C
	}
	for {
		select {
		case <-l.ctx.Done():
			return
		case now := <-sweep:
			e.framer.Sweep(now)
		case chunk := <-l.inbound:
			msg, err := e.framer.ProcessGATTChunk(l.id, chunk)
			if err != nil {
				if e.violation(l, err) {
					return
				}
				continue
			}
			if msg != nil && !e.deliver(l, msg) {
				return
			}
		}
	}
}

func (e *endpoint) readLoop(l *link) {
	defer l.wg.Done()
	buf := make([]byte, framing.LengthPrefixSize+framing.MaxMessageSize)
	for {
		n, err := l.stream.Read(buf)
		if n > 0 {
			if !e.consume(l, buf[:n]) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && l.ended.Load() {
				return
			}
			e.linkLost(l, err)
			return
		}
	}
}

func (e *endpoint) consume(l *link, data []byte) bool {
	if !e.cfg.L2CAPLengthPrefix {
		msg := append([]byte(nil), data...)
		if err := e.framer.Validate(l.id, msg); err != nil {
			return !e.violation(l, err)
		}
		return e.deliver(l, msg)
	}
	msgs, err := e.framer.ProcessL2CAPData(l.id, data)
	for _, m := range msgs {
		if !e.deliver(l, m) {
			return false
		}
	}
	if err != nil && e.violation(l, err) {
		return false
	}
	return true
}

func (e *endpoint) Stats() Stats {
	s := Stats{
		MessagesSent:       e.sent.Load(),
		MessagesReceived:   e.received.Load(),
		BytesSent:          e.bytesOut.Load(),
		BytesReceived:      e.bytesIn.Load(),
		ProtocolViolations: e.violations.Load(),
	}
	if l := e.currentLink(); l != nil {
		s.Mode = l.mode.String()
		if l.mtu != nil {
			s.MTU = l.mtu()
		}
		s.Assembly, _ = e.framer.Stats(l.id)
	}
	return s
}

// Cancel ends the session: it writes the end sentinel when connected, closes
// the link, stops advertising or drops the peripheral, clears reassembly state
// and leaves the machine in Disconnected. Every step is best effort and Cancel
// may be called any number of times.
func (e *endpoint) Cancel() error {
	var errs error
	l := e.currentLink()
	if l != nil && e.machine.Current() == connstate.Connected {
		errs = multierr.Append(errs, e.writeEnd(l))
		e.machine.TransitionTo(connstate.Disconnecting, nil)
	}
	errs = multierr.Append(errs, e.teardown())
	if l != nil {
		l.wg.Wait()
	}
	e.framer.ClearAll()
	e.busy.Store(false)
	if e.machine.Current() != connstate.Disconnected {
		e.machine.ForceTransitionTo(connstate.Disconnected)
	}
	if errs != nil {
		e.log.Warn("cancel completed with errors", zap.Error(errs))
	}
	return errs
}
