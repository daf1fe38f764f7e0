// Package session runs one ISO 18013-5 proximity presentation on the holder
// side over a BLE transport.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/muxable/mdocble/pkg/config"
	"github.com/muxable/mdocble/pkg/transport"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrTerminated is returned once either side has ended the session.
	ErrTerminated = errors.New("session: terminated")
	ErrNotStarted = errors.New("session: not established")
)

// Transport is the part of transport.Transport a session drives.
type Transport interface {
	SendMessage(b []byte) error
	Messages() <-chan []byte
	Flush(ctx context.Context) error
	Closed() <-chan struct{}
	Cancel() error
}

// Engine owns the cryptography and document store. Its methods are only
// called from the goroutine calling into the Session.
type Engine interface {
	// Establish derives session keys from the reader's ephemeral key.
	Establish(eReaderKey []byte) error
	DecodeRequest(data []byte) ([]DocumentRequest, error)
	EncodeResponse(disclosures []Disclosure) ([]byte, error)
}

type Request struct {
	Documents []DocumentRequest
}

type Option func(*Session)

func WithConfig(c config.Config) Option { return func(s *Session) { s.cfg = c } }

func WithLogger(log *zap.Logger) Option { return func(s *Session) { s.log = log } }

type Session struct {
	t   Transport
	e   Engine
	cfg config.Config
	log *zap.Logger

	established bool
	terminated  atomic.Bool
	once        sync.Once
}

func New(t Transport, e Engine, opts ...Option) *Session {
	s := &Session{t: t, e: e, cfg: config.Default(), log: zap.L()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("session")
	return s
}

// NextRequest waits for the reader's next request.
func (s *Session) NextRequest(ctx context.Context) (*Request, error) {
	if s.terminated.Load() {
		return nil, ErrTerminated
	}
	var msg []byte
	select {
	case msg = <-s.t.Messages():
	case <-s.t.Closed():
		s.terminated.Store(true)
		return nil, fmt.Errorf("%w: transport closed", ErrTerminated)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	env, err := Decode(msg)
	if err != nil {
		return nil, s.abort(StatusDecodingError, err)
	}
	var data []byte
	switch env := env.(type) {
	case *Establishment:
		if s.established {
			return nil, s.abort(StatusDecodingError, fmt.Errorf("%w: second establishment", ErrMalformedEnvelope))
		}
		if err := s.e.Establish(env.EReaderKey); err != nil {
			return nil, s.abort(StatusEncryptionError, fmt.Errorf("session: establish: %w", err))
		}
		s.established = true
		s.log.Info("session established")
		data = env.Data
	case *Data:
		if !s.established {
			return nil, s.abort(StatusDecodingError, ErrNotStarted)
		}
		if env.Status != nil {
			s.log.Info("reader ended session", zap.Uint("status", uint(*env.Status)))
			s.terminated.Store(true)
			if err := s.t.Cancel(); err != nil {
				s.log.Debug("transport cancel", zap.Error(err))
			}
			return nil, ErrTerminated
		}
		data = env.Data
	}

	docs, err := s.e.DecodeRequest(data)
	if err != nil {
		return nil, s.abort(StatusDecodingError, fmt.Errorf("session: request: %w", err))
	}
	s.log.Debug("request", zap.Int("documents", len(docs)))
	return &Request{Documents: docs}, nil
}

// Respond sends the response for the approved disclosures and waits until it
// has been handed to the link.
func (s *Session) Respond(ctx context.Context, disclosures []Disclosure) error {
	if s.terminated.Load() {
		return ErrTerminated
	}
	if !s.established {
		return ErrNotStarted
	}
	payload, err := s.e.EncodeResponse(disclosures)
	if err != nil {
		return fmt.Errorf("session: response: %w", err)
	}
	b, err := (&Data{Data: payload}).MarshalCBOR()
	if err != nil {
		return err
	}
	if err := s.send(ctx, b); err != nil {
		return err
	}
	return s.t.Flush(ctx)
}

// send retries while the transport is still busy with an earlier message.
func (s *Session) send(ctx context.Context, b []byte) error {
	for n := 0; ; n++ {
		err := s.t.SendMessage(b)
		if !errors.Is(err, transport.ErrBusy) || n >= s.cfg.MaxRetries {
			return err
		}
		d := s.cfg.Backoff(n)
		s.log.Debug("transport busy", zap.Int("attempt", n+1), zap.Duration("backoff", d))
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// abort tells the reader why the session failed and closes the transport.
func (s *Session) abort(status Status, cause error) error {
	s.log.Warn("aborting session", zap.Uint("status", uint(status)), zap.Error(cause))
	s.terminated.Store(true)
	s.once.Do(func() {
		if err := s.finish(status); err != nil {
			s.log.Debug("abort", zap.Error(err))
		}
	})
	return cause
}

// Cancel ends the session with a termination status. It may be called more
// than once.
func (s *Session) Cancel() error {
	var err error
	s.once.Do(func() {
		if s.terminated.Swap(true) {
			err = s.t.Cancel()
			return
		}
		err = s.finish(StatusTermination)
	})
	return err
}

func (s *Session) finish(status Status) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DisconnectTimeout)
	defer cancel()
	var errs error
	b, err := StatusData(status).MarshalCBOR()
	if err == nil {
		err = s.send(ctx, b)
	}
	if err == nil {
		err = s.t.Flush(ctx)
	}
	if err != nil && !errors.Is(err, transport.ErrNotConnected) {
		errs = multierr.Append(errs, err)
	}
	return multierr.Append(errs, s.t.Cancel())
}
