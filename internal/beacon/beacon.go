// Package beacon emits best-effort presence datagrams on a fixed interval.
//
// The payload is supplied by the caller; this package only owns the socket,
// the ticker, and the cancellable send loop.
package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/fakepeer/internal/observability"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPort     = 1030
	DefaultInterval = 5 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("beacon: already started")
	ErrNoPayload      = errors.New("beacon: payload func required")
)

// PayloadFunc produces the datagram body for one tick.
type PayloadFunc func() ([]byte, error)

// JSONPayload marshals v on every tick.
func JSONPayload(v any) PayloadFunc {
	return func() ([]byte, error) {
		return json.Marshal(v)
	}
}

// Config configures the broadcast destination and send interval.
type Config struct {
	// Addr is the datagram destination, normally a broadcast address.
	Addr     string
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:     fmt.Sprintf("255.255.255.255:%d", DefaultPort),
		Interval: DefaultInterval,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = def.Addr
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	return c
}

type Option func(*Beacon)

// WithClock drives the ticker from clk instead of the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(b *Beacon) {
		b.clock = clk
	}
}

// Beacon is a periodic UDP presence announcer.
type Beacon struct {
	cfg     Config
	clock   clock.Clock
	payload PayloadFunc

	mu     sync.Mutex
	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, payload PayloadFunc, opts ...Option) *Beacon {
	b := &Beacon{
		cfg:     cfg.WithDefaults(),
		clock:   clock.New(),
		payload: payload,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start opens the socket and begins sending one datagram per interval.
func (b *Beacon) Start() error {
	if b.payload == nil {
		return ErrNoPayload
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return ErrAlreadyStarted
	}
	dst, err := net.ResolveUDPAddr("udp4", b.cfg.Addr)
	if err != nil {
		return fmt.Errorf("beacon: resolve %s: %w", b.cfg.Addr, err)
	}
	// net enables SO_BROADCAST on every datagram socket it creates
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("beacon: open socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ticker := b.clock.Ticker(b.cfg.Interval)
	b.conn = conn
	b.cancel = cancel
	b.wg.Add(1)
	go b.loop(ctx, conn, dst, ticker)

	log.Info().
		Str("addr", dst.String()).
		Dur("interval", b.cfg.Interval).
		Msg("beacon.Beacon started")
	return nil
}

// Stop cancels the loop, waits for it, and closes the socket. Safe to call more than once.
func (b *Beacon) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	err := b.conn.Close()
	b.conn = nil
	b.cancel = nil
	log.Info().Msg("beacon.Beacon stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (b *Beacon) loop(ctx context.Context, conn *net.UDPConn, dst *net.UDPAddr, ticker *clock.Ticker) {
	defer b.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := b.send(conn, dst)
			observability.RecordBeacon(err)
			if err != nil {
				log.Debug().Err(err).Str("addr", dst.String()).Msg("beacon.Beacon send")
			}
		}
	}
}

func (b *Beacon) send(conn *net.UDPConn, dst *net.UDPAddr) error {
	payload, err := b.payload()
	if err != nil {
		return fmt.Errorf("beacon: payload: %w", err)
	}
	_, err = conn.WriteToUDP(payload, dst)
	return err
}
