package fakeserver

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/fakepeer/internal/protocol/frame"
	"github.com/danmuck/fakepeer/internal/protocol/session"
	"github.com/danmuck/fakepeer/internal/testutil/testlog"
)

func listenReply(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestResponderSendWritesWholeFrames(t *testing.T) {
	testlog.Start(t)
	ln, port := listenReply(t)

	r, err := DialResponder(context.Background(), "127.0.0.1", port, session.Config{})
	if err != nil {
		t.Fatalf("dial responder: %v", err)
	}
	defer r.Stop()
	if r.Addr() != net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) {
		t.Fatalf("unexpected addr %q", r.Addr())
	}

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	for _, payload := range []string{`["a"]`, `{"x":1}`} {
		if err := r.Send([]byte(payload)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{`["a"]`, `{"x":1}`} {
		got, err := frame.Read(conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
}

func TestResponderConnectFailure(t *testing.T) {
	testlog.Start(t)
	ln, port := listenReply(t)
	_ = ln.Close()

	_, err := DialResponder(context.Background(), "127.0.0.1", port, session.Config{ConnectTimeout: time.Second})
	if !errors.Is(err, ErrConnectFailure) {
		t.Fatalf("expected ErrConnectFailure, got %v", err)
	}
}

func TestResponderStopIsIdempotent(t *testing.T) {
	testlog.Start(t)
	ln, port := listenReply(t)
	r, err := DialResponder(context.Background(), "127.0.0.1", port, session.Config{})
	if err != nil {
		t.Fatalf("dial responder: %v", err)
	}
	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer conn.Close()

	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	select {
	case <-r.Done():
	default:
		t.Fatalf("done not closed after stop")
	}
	if err := r.Send([]byte(`[]`)); !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure after stop, got %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := frame.Read(conn); !errors.Is(err, frame.ErrEndOfStream) {
		t.Fatalf("expected peer to see end of stream, got %v", err)
	}
}

func TestResponderWriteFailure(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	r := newResponder(local, time.Second)
	_ = remote.Close()

	if err := r.Send([]byte(`["x"]`)); !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure, got %v", err)
	}
	if err := r.Send(make([]byte, frame.MaxPayloadLen+1)); !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	_ = r.Stop()
}
