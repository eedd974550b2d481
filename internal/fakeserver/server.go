package fakeserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/fakepeer/internal/observability"
	"github.com/danmuck/fakepeer/internal/protocol/frame"
	"github.com/danmuck/fakepeer/internal/protocol/session"
	"github.com/google/uuid"
	tec "github.com/jbenet/go-temp-err-catcher"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DefaultPort is the fixed port peers under test are configured to dial.
const DefaultPort = 7733

var ErrAlreadyStarted = errors.New("fakeserver: server already started")

// Config configures the listening side of the fake server.
type Config struct {
	ListenAddr string
	// MaxSessions caps live clients; 0 leaves acceptance unbounded.
	MaxSessions int
	Session     session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: fmt.Sprintf(":%d", DefaultPort),
		Session:    session.DefaultConfig(),
	}
}

func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = DefaultConfig().ListenAddr
	}
	if c.MaxSessions < 0 {
		c.MaxSessions = 0
	}
	c.Session = c.Session.WithDefaults()
	return c
}

// Delivery is the outcome of pushing one broadcast to one client.
type Delivery struct {
	ClientID uuid.UUID
	Err      error
}

// Server accepts peer connections and tracks one Client per connection.
type Server struct {
	cfg Config

	// lifecycle serializes Start and Stop
	lifecycle sync.Mutex

	mu        sync.RWMutex
	ln        net.Listener
	clients   []*Client
	cancel    context.CancelFunc
	done      chan struct{}
	acceptErr error
}

func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg.WithDefaults()}
}

// Start listens on the configured address and runs the accept loop in the background.
func (s *Server) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("fakeserver: listen %s: %w", s.cfg.ListenAddr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.ln = ln
	s.clients = nil
	s.cancel = cancel
	s.done = make(chan struct{})
	s.acceptErr = nil

	go s.serve(ctx, ln, s.done)
	log.Info().
		Str("addr", ln.Addr().String()).
		Str("protocol_version", s.cfg.Session.ProtocolVersion).
		Int("max_sessions", s.cfg.MaxSessions).
		Msg("fakeserver.Server listening")
	return nil
}

// Stop ends the accept loop, then stops every tracked client and waits for each.
// The server may be started again afterwards.
func (s *Server) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	ln, cancel, done := s.ln, s.cancel, s.done
	s.mu.RUnlock()
	if ln == nil {
		return nil
	}

	cancel()
	<-done
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn().Err(err).Msg("fakeserver.Server close listener")
	}

	s.mu.Lock()
	clients := s.clients
	acceptErr := s.acceptErr
	s.mu.Unlock()

	var g errgroup.Group
	for _, c := range clients {
		g.Go(c.Stop)
	}
	stopErr := g.Wait()

	s.mu.Lock()
	s.ln = nil
	s.clients = nil
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	log.Info().Int("clients", len(clients)).Msg("fakeserver.Server stopped")
	return multierr.Combine(acceptErr, stopErr)
}

// Addr is the bound listener address, nil when the server is not running.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Clients returns live clients in accept order.
func (s *Server) Clients() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if !c.Closed() {
			out = append(out, c)
		}
	}
	return out
}

// Messages drains every live client's inbox and concatenates them in client order.
func (s *Server) Messages() []session.Message {
	out := make([]session.Message, 0)
	for _, c := range s.Clients() {
		out = append(out, c.Messages()...)
	}
	return out
}

// Broadcast marshals v once and pushes it to every live registered client.
func (s *Server) Broadcast(v any) ([]Delivery, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.BroadcastPayload(payload)
}

// BroadcastPayload pushes payload to every live registered client. A failed
// recipient does not stop delivery to the rest; failures are combined in the
// returned error and reported per client in the deliveries.
func (s *Server) BroadcastPayload(payload []byte) ([]Delivery, error) {
	if len(payload) > frame.MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", frame.ErrPayloadTooLarge, len(payload))
	}
	clients := s.Clients()
	deliveries := make([]Delivery, 0, len(clients))
	var errs error
	for _, c := range clients {
		if c.State() != StateRegistered {
			continue
		}
		err := c.SendPayload(payload)
		deliveries = append(deliveries, Delivery{ClientID: c.ID(), Err: err})
		if err != nil {
			log.Warn().Str("client", c.ID().String()).Err(err).Msg("fakeserver.Server broadcast delivery")
			errs = multierr.Append(errs, fmt.Errorf("client %s: %w", c.ID(), err))
		}
	}
	return deliveries, errs
}

// WaitForClients polls until at least n live clients are registered.
func (s *Server) WaitForClients(ctx context.Context, n int) ([]*Client, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		registered := make([]*Client, 0, n)
		for _, c := range s.Clients() {
			if c.State() == StateRegistered {
				registered = append(registered, c)
			}
		}
		if len(registered) >= n {
			return registered, nil
		}
		select {
		case <-ctx.Done():
			return registered, fmt.Errorf("fakeserver: waiting for %d clients, have %d: %w", n, len(registered), ctx.Err())
		case <-ticker.C:
		}
	}
}

// accept loop; closing ln on cancel is what unblocks Accept. The closer is
// joined before done is closed.
func (s *Server) serve(ctx context.Context, ln net.Listener, done chan struct{}) {
	exited := make(chan struct{})
	var closer sync.WaitGroup
	closer.Add(1)
	go func() {
		defer closer.Done()
		select {
		case <-ctx.Done():
		case <-exited:
		}
		_ = ln.Close()
	}()
	defer func() {
		close(exited)
		closer.Wait()
		close(done)
	}()

	var catcher tec.TempErrCatcher
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if catcher.IsTemporary(err) {
				log.Warn().Err(err).Msg("fakeserver.Server temporary accept error")
				continue
			}
			log.Error().Err(err).Msg("fakeserver.Server accept failed")
			s.mu.Lock()
			s.acceptErr = fmt.Errorf("fakeserver: accept: %w", err)
			s.mu.Unlock()
			return
		}
		s.admit(conn)
	}
}

func (s *Server) admit(conn net.Conn) {
	s.mu.Lock()
	if s.cfg.MaxSessions > 0 && s.liveLocked() >= s.cfg.MaxSessions {
		s.mu.Unlock()
		_ = conn.Close()
		observability.RecordSessionRejected(observability.RejectCapacity)
		log.Warn().
			Str("remote", conn.RemoteAddr().String()).
			Int("max_sessions", s.cfg.MaxSessions).
			Msg("fakeserver.Server at capacity, connection refused")
		return
	}
	c := NewClient(conn, s.cfg.Session)
	s.clients = append(s.clients, c)
	live := s.liveLocked()
	s.mu.Unlock()

	log.Info().
		Str("client", c.ID().String()).
		Str("remote", c.RemoteAddr()).
		Int("live_clients", live).
		Msg("fakeserver.Server client connected")
	c.Start()
}

func (s *Server) liveLocked() int {
	n := 0
	for _, c := range s.clients {
		if !c.Closed() {
			n++
		}
	}
	return n
}
