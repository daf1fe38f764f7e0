// Package connstate is the single source of truth for the phase of a BLE session.
package connstate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/muxable/mdocble/pkg/bleerr"
	"go.uber.org/zap"
)

type State uint8

const (
	Idle State = iota
	Scanning
	Connecting
	Connected
	Disconnecting
	Disconnected
	Error
)

var stateNames = [...]string{
	Idle:          "idle",
	Scanning:      "scanning",
	Connecting:    "connecting",
	Connected:     "connected",
	Disconnecting: "disconnecting",
	Disconnected:  "disconnected",
	Error:         "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// States lists every state in declaration order.
func States() []State {
	return []State{Idle, Scanning, Connecting, Connected, Disconnecting, Disconnected, Error}
}

func parseState(name string) State {
	for i, n := range stateNames {
		if n == name {
			return State(i)
		}
	}
	return Error
}

// Transitions is the legal adjacency table, source to targets.
var Transitions = map[State][]State{
	Idle:          {Scanning, Connecting},
	Scanning:      {Connecting, Idle, Error},
	Connecting:    {Connected, Disconnected, Error},
	Connected:     {Disconnecting, Disconnected, Error},
	Disconnecting: {Disconnected, Error},
	Disconnected:  {Idle, Scanning, Connecting},
	Error:         {Idle, Disconnected},
}

func eventName(s State) string { return "to_" + s.String() }

// events builds one fsm event per target state whose sources are the states
// allowed to reach it.
func events() fsm.Events {
	sources := make(map[State][]string)
	for from, targets := range Transitions {
		for _, to := range targets {
			sources[to] = append(sources[to], from.String())
		}
	}
	var ev fsm.Events
	for _, to := range States() {
		src := sources[to]
		if len(src) == 0 {
			continue
		}
		sort.Strings(src)
		ev = append(ev, fsm.EventDesc{Name: eventName(to), Src: src, Dst: to.String()})
	}
	return ev
}

// Snapshot is the machine's state at one point in time.
type Snapshot struct {
	State     State
	Previous  State
	Err       error
	Kind      bleerr.Kind
	// Classified is set when Kind was produced by TransitionToError.
	Classified bool
	ChangedAt  time.Time
}

type Machine struct {
	log *zap.Logger
	now func() time.Time

	mu          sync.Mutex
	fsm         *fsm.FSM
	snap        Snapshot
	onTerminate func(error)

	// pubMu is taken while mu is held so observers see transitions in order.
	pubMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

type Option func(*Machine)

func WithLogger(log *zap.Logger) Option { return func(m *Machine) { m.log = log } }

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// WithTerminationHandler registers the callback run when a terminal error
// moves the machine into Error.
func WithTerminationHandler(fn func(error)) Option {
	return func(m *Machine) { m.onTerminate = fn }
}

func New(opts ...Option) *Machine {
	m := &Machine{
		log:  zap.L(),
		now:  time.Now,
		fsm:  fsm.NewFSM(Idle.String(), events(), fsm.Callbacks{}),
		subs: make(map[chan Snapshot]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.snap = Snapshot{State: Idle, Previous: Idle, ChangedAt: m.now()}
	return m
}

// SetTerminationHandler replaces the termination callback.
func (m *Machine) SetTerminationHandler(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminate = fn
}

// commit must be called with mu held. On success pubMu is locked and the caller
// must publish.
func (m *Machine) commit(to State, err error, kind *bleerr.Kind) (Snapshot, bool) {
	from := parseState(m.fsm.Current())
	if e := m.fsm.Event(context.Background(), eventName(to)); e != nil {
		m.log.Debug("rejected state transition",
			zap.Stringer("from", from), zap.Stringer("to", to), zap.Error(e))
		return Snapshot{}, false
	}
	m.snap = Snapshot{State: to, Previous: from, Err: err, ChangedAt: m.now()}
	if kind != nil {
		m.snap.Kind = *kind
		m.snap.Classified = true
	}
	m.pubMu.Lock()
	return m.snap, true
}

// TransitionTo moves to s when the table allows it and reports whether it did.
// A rejected transition changes nothing.
func (m *Machine) TransitionTo(s State, err error) bool {
	m.mu.Lock()
	snap, ok := m.commit(s, err, nil)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.publish(snap)
	return true
}

// TransitionToError classifies err and enters Error when that is legal. A
// terminal classification runs the termination handler once, after the
// machine is in Error and before TransitionToError returns.
func (m *Machine) TransitionToError(err error, c bleerr.Context) bool {
	kind := bleerr.Classify(err, c)
	m.mu.Lock()
	snap, ok := m.commit(Error, err, &kind)
	terminate := m.onTerminate
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.log.Warn("connection error", zap.Stringer("from", snap.Previous), zap.Stringer("kind", kind), zap.Error(err))
	m.publish(snap)
	if kind == bleerr.Terminal && terminate != nil {
		terminate(err)
	}
	return true
}

// ForceTransitionTo ignores the transition table. It exists for operator driven
// recovery and teardown.
func (m *Machine) ForceTransitionTo(s State) {
	m.mu.Lock()
	from := parseState(m.fsm.Current())
	m.fsm.SetState(s.String())
	m.snap = Snapshot{State: s, Previous: from, ChangedAt: m.now()}
	snap := m.snap
	m.pubMu.Lock()
	m.mu.Unlock()
	if from != s {
		m.log.Warn("forced state transition", zap.Stringer("from", from), zap.Stringer("to", s))
	}
	m.publish(snap)
}

// Reset returns to Idle and drops any error context.
func (m *Machine) Reset() { m.ForceTransitionTo(Idle) }

func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.State
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *Machine) CanTransitionTo(s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Can(eventName(s))
}

// IsInTerminalState is true in Error and Disconnected.
func (m *Machine) IsInTerminalState() bool {
	s := m.Current()
	return s == Error || s == Disconnected
}

// ErrorKind returns the classification recorded when Error was entered.
func (m *Machine) ErrorKind() (bleerr.Kind, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.State != Error || !m.snap.Classified {
		return bleerr.Recoverable, false
	}
	return m.snap.Kind, true
}

func (m *Machine) IsTerminalError() bool {
	k, ok := m.ErrorKind()
	return ok && k == bleerr.Terminal
}

func (m *Machine) IsRecoverableError() bool {
	k, ok := m.ErrorKind()
	return ok && k == bleerr.Recoverable
}

// Subscribe returns a channel that receives the current snapshot followed by
// every later transition. Updates are dropped for a subscriber whose buffer is
// full. The returned func unsubscribes and closes the channel.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	m.mu.Lock()
	ch <- m.snap
	m.pubMu.Lock()
	m.mu.Unlock()
	m.subs[ch] = struct{}{}
	m.pubMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.pubMu.Lock()
			defer m.pubMu.Unlock()
			delete(m.subs, ch)
			close(ch)
		})
	}
}

// publish must be called with pubMu held and releases it.
func (m *Machine) publish(s Snapshot) {
	defer m.pubMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
			m.log.Warn("dropping state update for slow subscriber", zap.Stringer("state", s.State))
		}
	}
}
