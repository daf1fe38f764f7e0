// Package config holds the immutable BLE configuration shared by one session.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// L2CAPPolicy controls whether a link tries an L2CAP connection-oriented channel
// before using GATT chunking.
type L2CAPPolicy uint8

const (
	L2CAPIfAvailable L2CAPPolicy = iota
	L2CAPAlways
	L2CAPNever
)

func (p L2CAPPolicy) String() string {
	switch p {
	case L2CAPIfAvailable:
		return "if_available"
	case L2CAPAlways:
		return "always"
	case L2CAPNever:
		return "never"
	}
	return fmt.Sprintf("L2CAPPolicy(%d)", uint8(p))
}

const (
	// MinMTU is the ATT default MTU every LE link starts with.
	MinMTU = 23
	// MaxMTU is the largest ATT MTU, 512 bytes of value plus the 5 byte header.
	MaxMTU = 517
	// MaxMessageSize bounds every reassembled message.
	MaxMessageSize = 64 * 1024
)

// Config is passed by value. A Config returned by New is never modified afterwards.
type Config struct {
	ScanTimeout       time.Duration
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	MessageTimeout    time.Duration
	ChunkTimeout      time.Duration

	MaxRetries             int
	InitialRetryDelay      time.Duration
	MaxRetryDelay          time.Duration
	RetryBackoffMultiplier float64

	DefaultMTU   int
	PreferredMTU int

	L2CAP L2CAPPolicy
	// L2CAPLengthPrefix frames every message on an L2CAP channel with a 4 byte
	// length. When false, each channel SDU carries exactly one message.
	L2CAPLengthPrefix bool

	ValidateCBOR bool
	// StrictCBOR drops messages that fail validation instead of delivering them.
	StrictCBOR bool
	Metrics    bool

	MaxMessageSize int
	// EvictStaleAssemblies discards partial messages idle longer than MessageTimeout.
	EvictStaleAssemblies  bool
	MaxProtocolViolations int
}

// Default returns the configuration used when no options are given.
func Default() Config {
	return Config{
		ScanTimeout:            30 * time.Second,
		ConnectTimeout:         10 * time.Second,
		DisconnectTimeout:      5 * time.Second,
		MessageTimeout:         30 * time.Second,
		ChunkTimeout:           5 * time.Second,
		MaxRetries:             3,
		InitialRetryDelay:      500 * time.Millisecond,
		MaxRetryDelay:          8 * time.Second,
		RetryBackoffMultiplier: 2.0,
		DefaultMTU:             MinMTU,
		PreferredMTU:           515,
		L2CAP:                  L2CAPIfAvailable,
		L2CAPLengthPrefix:      true,
		ValidateCBOR:           true,
		MaxMessageSize:         MaxMessageSize,
		MaxProtocolViolations:  3,
	}
}

// Option adjusts a Config under construction.
type Option func(*Config)

// New applies opts to Default and validates the result.
func New(opts ...Option) (Config, error) {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// MustNew is New for static configurations.
func MustNew(opts ...Option) Config {
	c, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return c
}

var ErrInvalid = errors.New("invalid configuration")

func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"scan timeout":       c.ScanTimeout,
		"connect timeout":    c.ConnectTimeout,
		"disconnect timeout": c.DisconnectTimeout,
		"message timeout":    c.MessageTimeout,
		"chunk timeout":      c.ChunkTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalid, name, d)
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries %d", ErrInvalid, c.MaxRetries)
	}
	if c.InitialRetryDelay <= 0 || c.MaxRetryDelay < c.InitialRetryDelay {
		return fmt.Errorf("%w: retry delay %v..%v", ErrInvalid, c.InitialRetryDelay, c.MaxRetryDelay)
	}
	if c.RetryBackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier %v", ErrInvalid, c.RetryBackoffMultiplier)
	}
	if c.DefaultMTU < MinMTU || c.DefaultMTU > MaxMTU {
		return fmt.Errorf("%w: default mtu %d outside [%d, %d]", ErrInvalid, c.DefaultMTU, MinMTU, MaxMTU)
	}
	if c.PreferredMTU < c.DefaultMTU || c.PreferredMTU > MaxMTU {
		return fmt.Errorf("%w: preferred mtu %d outside [%d, %d]", ErrInvalid, c.PreferredMTU, c.DefaultMTU, MaxMTU)
	}
	if c.L2CAP > L2CAPNever {
		return fmt.Errorf("%w: %v", ErrInvalid, c.L2CAP)
	}
	if c.MaxMessageSize <= 0 || c.MaxMessageSize > MaxMessageSize {
		return fmt.Errorf("%w: max message size %d outside (0, %d]", ErrInvalid, c.MaxMessageSize, MaxMessageSize)
	}
	if c.MaxProtocolViolations < 0 {
		return fmt.Errorf("%w: max protocol violations %d", ErrInvalid, c.MaxProtocolViolations)
	}
	return nil
}

// Backoff returns the delay before retry attempt n, counting from zero.
func (c Config) Backoff(n int) time.Duration {
	d := float64(c.InitialRetryDelay) * math.Pow(c.RetryBackoffMultiplier, float64(n))
	if d > float64(c.MaxRetryDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return c.MaxRetryDelay
	}
	return time.Duration(d)
}

func WithScanTimeout(d time.Duration) Option       { return func(c *Config) { c.ScanTimeout = d } }
func WithConnectTimeout(d time.Duration) Option    { return func(c *Config) { c.ConnectTimeout = d } }
func WithDisconnectTimeout(d time.Duration) Option { return func(c *Config) { c.DisconnectTimeout = d } }
func WithMessageTimeout(d time.Duration) Option    { return func(c *Config) { c.MessageTimeout = d } }
func WithChunkTimeout(d time.Duration) Option      { return func(c *Config) { c.ChunkTimeout = d } }

// WithRetry sets the retry budget and exponential backoff.
func WithRetry(max int, initial, maxDelay time.Duration, multiplier float64) Option {
	return func(c *Config) {
		c.MaxRetries = max
		c.InitialRetryDelay = initial
		c.MaxRetryDelay = maxDelay
		c.RetryBackoffMultiplier = multiplier
	}
}

func WithMTU(def, preferred int) Option {
	return func(c *Config) {
		c.DefaultMTU = def
		c.PreferredMTU = preferred
	}
}

func WithL2CAP(p L2CAPPolicy) Option { return func(c *Config) { c.L2CAP = p } }

func WithL2CAPLengthPrefix(on bool) Option { return func(c *Config) { c.L2CAPLengthPrefix = on } }

func WithCBORValidation(on, strict bool) Option {
	return func(c *Config) {
		c.ValidateCBOR = on
		c.StrictCBOR = strict
	}
}

func WithMetrics(on bool) Option { return func(c *Config) { c.Metrics = on } }

func WithMaxMessageSize(n int) Option { return func(c *Config) { c.MaxMessageSize = n } }

func WithStaleAssemblyEviction(on bool) Option {
	return func(c *Config) { c.EvictStaleAssemblies = on }
}

func WithMaxProtocolViolations(n int) Option {
	return func(c *Config) { c.MaxProtocolViolations = n }
}
