package fakeserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/fakepeer/internal/protocol/frame"
	"github.com/danmuck/fakepeer/internal/protocol/session"
)

var (
	ErrConnectFailure = errors.New("fakeserver: responder connect failure")
	ErrWriteFailure   = errors.New("fakeserver: responder write failure")
)

// Responder is the outbound connection used to push frames to one peer.
type Responder struct {
	addr         string
	conn         net.Conn
	writeTimeout time.Duration

	mu sync.Mutex
	w  *bufio.Writer

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

// DialResponder connects to the reply port a peer advertised at registration.
func DialResponder(ctx context.Context, host string, port int, cfg session.Config) (*Responder, error) {
	cfg = cfg.WithDefaults()
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailure, addr, err)
	}
	return newResponder(conn, cfg.WriteTimeout), nil
}

func newResponder(conn net.Conn, writeTimeout time.Duration) *Responder {
	return &Responder{
		addr:         conn.RemoteAddr().String(),
		conn:         conn,
		writeTimeout: writeTimeout,
		w:            bufio.NewWriter(conn),
		done:         make(chan struct{}),
	}
}

// Addr is the peer reply address this responder is connected to.
func (r *Responder) Addr() string {
	return r.addr
}

// Send frames payload and writes it fully, flushing before it returns.
func (r *Responder) Send(payload []byte) error {
	buf, err := frame.Encode(payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return fmt.Errorf("%w: %s: responder stopped", ErrWriteFailure, r.addr)
	default:
	}
	if r.writeTimeout > 0 {
		_ = r.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	}
	if _, err := r.w.Write(buf); err != nil {
		r.w.Reset(r.conn)
		return fmt.Errorf("%w: %s: %v", ErrWriteFailure, r.addr, err)
	}
	if err := r.w.Flush(); err != nil {
		r.w.Reset(r.conn)
		return fmt.Errorf("%w: %s: %v", ErrWriteFailure, r.addr, err)
	}
	return nil
}

// Stop closes the connection. Safe to call more than once.
func (r *Responder) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
		// not under mu: a blocked write must be interrupted
		if err := r.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			r.stopErr = err
		}
	})
	return r.stopErr
}

// Done is closed once Stop has been called.
func (r *Responder) Done() <-chan struct{} {
	return r.done
}
