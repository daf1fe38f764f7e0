package framing

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Framer holds the reassembly state of every connection it has seen. Each
// connection's buffer has its own lock so statistics can be read while chunks
// are being processed.
type Framer struct {
	log      *zap.Logger
	max      int
	validate bool
	strict   bool
	timeout  time.Duration
	now      func() time.Time

	mu         sync.Mutex
	assemblies map[string]*assembly
}

type assembly struct {
	mu       sync.Mutex
	buf      []byte
	expected int
	last     time.Time
}

func (a *assembly) reset() {
	a.buf = nil
	a.expected = 0
}

type Option func(*Framer)

func WithLogger(log *zap.Logger) Option { return func(f *Framer) { f.log = log } }

// WithMaxMessageSize lowers the reassembly limit below MaxMessageSize.
func WithMaxMessageSize(n int) Option {
	return func(f *Framer) {
		if n > 0 && n < MaxMessageSize {
			f.max = n
		}
	}
}

// WithCBORValidation checks every reassembled message for CBOR well-formedness.
// Failures are logged; with strict set the message is also dropped.
func WithCBORValidation(on, strict bool) Option {
	return func(f *Framer) {
		f.validate = on
		f.strict = on && strict
	}
}

// WithAssemblyTimeout sets how long a partial message may sit idle before it is
// reported, and before Sweep evicts it.
func WithAssemblyTimeout(d time.Duration) Option { return func(f *Framer) { f.timeout = d } }

func WithClock(now func() time.Time) Option { return func(f *Framer) { f.now = now } }

func New(opts ...Option) *Framer {
	f := &Framer{
		log:        zap.L(),
		max:        MaxMessageSize,
		timeout:    30 * time.Second,
		now:        time.Now,
		assemblies: make(map[string]*assembly),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Framer) assembly(id string) *assembly {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assemblies[id]
	if !ok {
		a = &assembly{}
		f.assemblies[id] = a
	}
	return a
}

// touch must be called with a.mu held.
func (f *Framer) touch(id string, a *assembly) {
	now := f.now()
	if len(a.buf) > 0 && f.timeout > 0 && now.Sub(a.last) > f.timeout {
		f.log.Warn("partial message idle past assembly timeout",
			zap.String("conn", id),
			zap.Int("buffered", len(a.buf)),
			zap.Duration("idle", now.Sub(a.last)))
	}
	a.last = now
}

// Validate checks msg for CBOR well-formedness when validation is enabled. It
// returns an error only in strict mode.
func (f *Framer) Validate(id string, msg []byte) error {
	if !f.validate {
		return nil
	}
	err := cbor.Wellformed(msg)
	if err == nil {
		return nil
	}
	f.log.Warn("reassembled message is not well-formed cbor",
		zap.String("conn", id), zap.Int("size", len(msg)), zap.Bool("dropped", f.strict), zap.Error(err))
	if f.strict {
		return fmt.Errorf("%w: %v", ErrMalformedCBOR, err)
	}
	return nil
}

// ProcessL2CAPData appends chunk to the connection's stream buffer and returns
// every message it completes, in order. An invalid length prefix discards the
// buffer and is reported alongside any messages already extracted.
func (f *Framer) ProcessL2CAPData(id string, chunk []byte) ([][]byte, error) {
	a := f.assembly(id)
	a.mu.Lock()
	defer a.mu.Unlock()

	f.touch(id, a)
	a.buf = append(a.buf, chunk...)

	var msgs [][]byte
	var errs error
	for len(a.buf) >= LengthPrefixSize {
		if a.expected == 0 {
			n := binary.LittleEndian.Uint32(a.buf)
			if n == 0 || n > uint32(f.max) {
				f.log.Warn("discarding stream buffer with invalid length prefix",
					zap.String("conn", id), zap.Uint32("length", n), zap.Int("buffered", len(a.buf)))
				a.reset()
				return msgs, multierr.Append(errs, fmt.Errorf("%w: %d", ErrInvalidLength, n))
			}
			a.expected = int(n)
		}
		end := LengthPrefixSize + a.expected
		if len(a.buf) < end {
			break
		}
		msg := make([]byte, a.expected)
		copy(msg, a.buf[LengthPrefixSize:end])
		a.buf = a.buf[end:]
		a.expected = 0
		if err := f.Validate(id, msg); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return msgs, errs
}

// ProcessGATTChunk appends one chunk to the connection's buffer. It returns the
// whole message on a FlagFinal chunk and nil, nil while more chunks are due.
// A completed message is never nil, even when empty.
func (f *Framer) ProcessGATTChunk(id string, chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, ErrEmptyChunk
	}
	a := f.assembly(id)
	a.mu.Lock()
	defer a.mu.Unlock()

	f.touch(id, a)
	flag := chunk[0]
	if flag != FlagMore && flag != FlagFinal {
		f.log.Warn("discarding assembly after invalid continuation flag",
			zap.String("conn", id), zap.Uint8("flag", flag), zap.Int("buffered", len(a.buf)))
		a.reset()
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidFlag, flag)
	}
	if len(a.buf)+len(chunk)-1 > f.max {
		f.log.Warn("discarding oversize assembly", zap.String("conn", id), zap.Int("buffered", len(a.buf)))
		a.reset()
		return nil, fmt.Errorf("%w: exceeds %d", ErrMessageTooLarge, f.max)
	}
	a.buf = append(a.buf, chunk[1:]...)
	if flag == FlagMore {
		return nil, nil
	}
	msg := a.buf
	if msg == nil {
		msg = []byte{}
	}
	a.reset()
	if err := f.Validate(id, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ClearConnection drops the connection's reassembly state.
func (f *Framer) ClearConnection(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.assemblies, id)
}

func (f *Framer) ClearAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assemblies = make(map[string]*assembly)
}

// AssemblyStats describes a connection's partial message.
type AssemblyStats struct {
	Buffered int
	// Expected is the length announced by the current L2CAP prefix, or zero.
	Expected int
	Idle     time.Duration
}

func (f *Framer) Stats(id string) (AssemblyStats, bool) {
	f.mu.Lock()
	a, ok := f.assemblies[id]
	f.mu.Unlock()
	if !ok {
		return AssemblyStats{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return AssemblyStats{
		Buffered: len(a.buf),
		Expected: a.expected,
		Idle:     f.now().Sub(a.last),
	}, true
}

// Sweep discards partial messages idle for longer than the assembly timeout and
// returns how many were dropped.
func (f *Framer) Sweep(now time.Time) int {
	f.mu.Lock()
	ids := make(map[string]*assembly, len(f.assemblies))
	for id, a := range f.assemblies {
		ids[id] = a
	}
	f.mu.Unlock()

	n := 0
	for id, a := range ids {
		a.mu.Lock()
		if len(a.buf) > 0 && f.timeout > 0 && now.Sub(a.last) > f.timeout {
			f.log.Warn("evicting stale partial message",
				zap.String("conn", id), zap.Int("buffered", len(a.buf)), zap.Duration("idle", now.Sub(a.last)))
			a.reset()
			n++
		}
		a.mu.Unlock()
	}
	return n
}
