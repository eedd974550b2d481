package fakeserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fakepeer/internal/observability"
	"github.com/danmuck/fakepeer/internal/protocol/frame"
	"github.com/danmuck/fakepeer/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrNotRegistered = errors.New("fakeserver: client not registered")

// State is the registration lifecycle of one inbound connection.
type State int32

const (
	StateUnregistered State = iota
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client is the server-side state for one inbound peer connection.
type Client struct {
	id     uuid.UUID
	conn   net.Conn
	host   string
	remote string
	cfg    session.Config
	inbox  *Inbox

	mu        sync.RWMutex
	reg       session.Registration
	responder *Responder
	err       error

	state   atomic.Int32
	closed  atomic.Bool
	started atomic.Bool
	seq    uint64

	ctx       context.Context
	cancel    context.CancelFunc
	watchers  sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an accepted connection. Nothing is read until Start.
func NewClient(conn net.Conn, cfg session.Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:     uuid.New(),
		conn:   conn,
		host:   hostOf(conn.RemoteAddr()),
		remote: conn.RemoteAddr().String(),
		cfg:    cfg.WithDefaults(),
		inbox:  NewInbox(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start runs the handshake and read loop on a new goroutine.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		c.started.Store(true)
		observability.RecordSessionAccepted()
		c.watch(nil)
		go c.run()
	})
}

// Stop cancels the client and blocks until its goroutine has released the socket.
func (c *Client) Stop() error {
	c.startOnce.Do(func() {
		c.shutdown(nil)
		close(c.done)
	})
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) ID() uuid.UUID      { return c.id }
func (c *Client) Host() string       { return c.host }
func (c *Client) RemoteAddr() string { return c.remote }
func (c *Client) State() State       { return State(c.state.Load()) }
func (c *Client) Closed() bool       { return c.closed.Load() }

// Done is closed after the client reaches StateClosed and its socket is released.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is the failure that closed the client, nil for a clean stop.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Client) Registration() session.Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reg
}

func (c *Client) Port() int {
	return c.Registration().Port
}

func (c *Client) Hears() json.RawMessage {
	return c.Registration().Hears
}

func (c *Client) Speaks() json.RawMessage {
	return c.Registration().Speaks
}

// Messages drains the inbox. Each message is returned to exactly one caller.
func (c *Client) Messages() []session.Message {
	return c.inbox.Drain()
}

// Pending is the number of buffered, undrained messages.
func (c *Client) Pending() int {
	return c.inbox.Len()
}

// Send marshals v as JSON and pushes it over the responder channel.
func (c *Client) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendPayload(payload)
}

// SendPayload pushes an already-encoded JSON payload.
func (c *Client) SendPayload(payload []byte) error {
	c.mu.RLock()
	responder := c.responder
	c.mu.RUnlock()
	if responder == nil || c.Closed() {
		return fmt.Errorf("%w: client=%s state=%s", ErrNotRegistered, c.id, c.State())
	}
	err := responder.Send(payload)
	observability.RecordDelivery(err)
	return err
}

func (c *Client) run() {
	err := c.serve()
	c.shutdown(err)
	c.watchers.Wait()
	close(c.done)
}

func (c *Client) serve() error {
	reader := bufio.NewReader(c.conn)
	if err := c.handshake(reader); err != nil {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		return err
	}
	return c.readLoop(reader)
}

func (c *Client) handshake(reader *bufio.Reader) error {
	if c.cfg.HandshakeTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	}
	reg, err := session.ReadRegistration(reader)
	if err != nil {
		return fmt.Errorf("read registration: %w", err)
	}
	if err := reg.Validate(c.cfg.ProtocolVersion); err != nil {
		return err
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}

	responder, err := DialResponder(c.ctx, c.host, reg.Port, c.cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.reg = reg
	c.responder = responder
	c.mu.Unlock()
	c.state.Store(int32(StateRegistered))
	c.watch(responder.Done())

	log.Info().
		Str("client", c.id.String()).
		Str("remote", c.remote).
		Int("reply_port", reg.Port).
		RawJSON("hears", nonEmptyJSON(reg.Hears)).
		RawJSON("speaks", nonEmptyJSON(reg.Speaks)).
		Msg("fakeserver.Client registered")
	return nil
}

func (c *Client) readLoop(reader *bufio.Reader) error {
	misses := 0
	for {
		payload, err := frame.Read(reader)
		if errors.Is(err, frame.ErrEndOfStream) {
			misses++
			if c.cfg.EndOfStream.Exhausted(misses) {
				return fmt.Errorf("read frame: %d consecutive retries: %w", misses-1, err)
			}
			// the peer may be mid-teardown; retry until stopped or bounded out
			if !c.sleep(session.NextBackoffDelay(c.cfg.EndOfStream.Backoff, misses, nil)) {
				return c.ctx.Err()
			}
			continue
		}
		if err != nil {
			if c.ctx.Err() != nil {
				return c.ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		misses = 0

		c.seq++
		msg, err := session.NewMessage(c.id, c.seq, payload)
		if err != nil {
			return err
		}
		c.inbox.Push(msg)
		observability.RecordFrameReceived()
		log.Debug().
			Str("client", c.id.String()).
			Uint64("seq", msg.Seq).
			RawJSON("payload", msg.Raw).
			Msg("fakeserver.Client message")
	}
}

// watch closes the inbound socket when the client is cancelled or stop fires.
// Closing the socket is what interrupts a blocked read.
func (c *Client) watch(stop <-chan struct{}) {
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		select {
		case <-c.ctx.Done():
		case <-stop:
			log.Debug().Str("client", c.id.String()).Msg("fakeserver.Client responder stopped")
			c.cancel()
		}
		_ = c.conn.Close()
	}()
}

func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.cancel()
		wasRegistered := c.State() == StateRegistered

		c.mu.Lock()
		if cause != nil && !errors.Is(cause, context.Canceled) {
			c.err = cause
		}
		responder := c.responder
		c.mu.Unlock()

		c.closed.Store(true)
		c.state.Store(int32(StateClosed))
		if responder != nil {
			if err := responder.Stop(); err != nil {
				log.Warn().Str("client", c.id.String()).Err(err).Msg("fakeserver.Client responder stop")
			}
		}
		_ = c.conn.Close()
		if !c.started.Load() {
			log.Debug().Str("client", c.id.String()).Msg("fakeserver.Client closed before start")
			return
		}
		observability.RecordSessionClosed()

		err := c.Err()
		if err == nil {
			log.Debug().Str("client", c.id.String()).Msg("fakeserver.Client closed")
			return
		}
		if !wasRegistered {
			observability.RecordSessionRejected(rejectReason(err))
		}
		log.Warn().
			Str("client", c.id.String()).
			Str("remote", c.remote).
			Bool("registered", wasRegistered).
			Err(err).
			Msg("fakeserver.Client closed")
	})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, session.ErrProtocolViolation):
		return observability.RejectProtocolViolation
	case errors.Is(err, ErrConnectFailure):
		return observability.RejectConnectFailure
	default:
		return observability.RejectIO
	}
}

func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func nonEmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
