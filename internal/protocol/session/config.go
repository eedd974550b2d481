package session

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// DefaultProtocolVersion is compared verbatim against the registration version slot.
const DefaultProtocolVersion = "0.2"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// EndOfStreamPolicy controls how a registered session treats zero-byte reads.
// RetryLimit bounds consecutive retries; 0 retries until the session is stopped.
type EndOfStreamPolicy struct {
	Backoff    BackoffConfig
	RetryLimit int
}

// Config defines per-connection handshake and transport settings.
type Config struct {
	ProtocolVersion  string
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	EndOfStream      EndOfStreamPolicy
}

// DefaultConfig returns fake server defaults. HandshakeTimeout is disabled so the
// first frame is awaited until the session is stopped.
func DefaultConfig() Config {
	return Config{
		ProtocolVersion:  DefaultProtocolVersion,
		HandshakeTimeout: 0,
		ConnectTimeout:   5 * time.Second,
		WriteTimeout:     5 * time.Second,
		EndOfStream: EndOfStreamPolicy{
			Backoff: BackoffConfig{
				InitialDelay: 5 * time.Millisecond,
				Multiplier:   2.0,
				MaxDelay:     250 * time.Millisecond,
			},
			RetryLimit: 0,
		},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ProtocolVersion) == "" {
		c.ProtocolVersion = def.ProtocolVersion
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HandshakeTimeout < 0 {
		c.HandshakeTimeout = 0
	}
	if c.EndOfStream.Backoff.InitialDelay <= 0 {
		c.EndOfStream.Backoff = def.EndOfStream.Backoff
	}
	if c.EndOfStream.RetryLimit < 0 {
		c.EndOfStream.RetryLimit = 0
	}
	return c
}

// Exhausted reports whether attempt consecutive end-of-stream reads exceed the limit.
func (p EndOfStreamPolicy) Exhausted(attempt int) bool {
	return p.RetryLimit > 0 && attempt > p.RetryLimit
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
