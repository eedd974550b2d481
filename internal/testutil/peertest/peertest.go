// Package peertest scripts the peer side of the protocol: it dials the fake
// server, registers with a reply port, sends frames, and reads frames pushed
// back over the responder channel.
package peertest

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fakepeer/internal/protocol/frame"
	"github.com/danmuck/fakepeer/internal/protocol/session"
)

// Peer is one scripted system-under-test connection. Methods return errors so
// they can be driven from goroutines other than the test's own.
type Peer struct {
	Name string

	conn    net.Conn
	replyLn *net.TCPListener

	mu     sync.Mutex
	pushed net.Conn
}

// Dial connects to the server at addr and opens a loopback reply listener.
// Everything is closed on test cleanup.
func Dial(t testing.TB, name, addr string) (*Peer, error) {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("peertest: reply listener: %w", err)
	}
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("peertest: dial %s: %w", addr, err)
	}
	p := &Peer{Name: name, conn: conn, replyLn: ln}
	t.Cleanup(p.Close)
	return p, nil
}

func (p *Peer) ReplyPort() int {
	return p.replyLn.Addr().(*net.TCPAddr).Port
}

// Register sends a well-formed registration advertising the reply listener.
func (p *Peer) Register(version string, hears, speaks any) error {
	payload, err := session.EncodeRegistration(p.Name, p.ReplyPort(), hears, speaks, version)
	if err != nil {
		return err
	}
	return p.SendRaw(payload)
}

// Send marshals v and writes it as one frame.
func (p *Peer) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.SendRaw(payload)
}

// SendRaw frames payload and writes it unchanged.
func (p *Peer) SendRaw(payload []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return frame.Write(p.conn, payload)
}

// WriteBytes writes b with no framing.
func (p *Peer) WriteBytes(b []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := p.conn.Write(b)
	return err
}

// AcceptResponder waits for the server to open the responder channel.
func (p *Peer) AcceptResponder(timeout time.Duration) error {
	_ = p.replyLn.SetDeadline(time.Now().Add(timeout))
	conn, err := p.replyLn.Accept()
	if err != nil {
		return fmt.Errorf("peertest: accept responder: %w", err)
	}
	p.mu.Lock()
	p.pushed = conn
	p.mu.Unlock()
	return nil
}

// ReadPushed reads one frame pushed by the server.
func (p *Peer) ReadPushed(timeout time.Duration) ([]byte, error) {
	p.mu.Lock()
	conn := p.pushed
	p.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("peertest: responder not accepted")
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	return frame.Read(conn)
}

// ResetResponder aborts the accepted responder connection with an RST so
// later server writes on it fail.
func (p *Peer) ResetResponder() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pushed == nil {
		return fmt.Errorf("peertest: responder not accepted")
	}
	if tcp, ok := p.pushed.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	return p.pushed.Close()
}

// CloseWrite half-closes the inbound connection so the server reads EOF.
func (p *Peer) CloseWrite() error {
	if tcp, ok := p.conn.(*net.TCPConn); ok {
		return tcp.CloseWrite()
	}
	return p.conn.Close()
}

// Closed reports whether the server has closed the inbound connection.
func (p *Peer) Closed(timeout time.Duration) bool {
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	var one [1]byte
	_, err := p.conn.Read(one[:])
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return err != nil
}

func (p *Peer) Close() {
	_ = p.conn.Close()
	_ = p.replyLn.Close()
	p.mu.Lock()
	if p.pushed != nil {
		_ = p.pushed.Close()
	}
	p.mu.Unlock()
}
