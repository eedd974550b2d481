package fakeserver

import (
	"sync"
	"testing"

	"github.com/danmuck/fakepeer/internal/protocol/session"
	"github.com/danmuck/fakepeer/internal/testutil/testlog"
	"github.com/google/uuid"
)

func TestInboxDrainPreservesOrder(t *testing.T) {
	testlog.Start(t)
	q := NewInbox()
	if got := q.Drain(); len(got) != 0 {
		t.Fatalf("expected empty drain, got %d", len(got))
	}
	id := uuid.New()
	for i := uint64(1); i <= 3; i++ {
		q.Push(session.Message{From: id, Seq: i})
	}
	if q.Len() != 3 {
		t.Fatalf("len=%d want 3", q.Len())
	}
	got := q.Drain()
	for i, m := range got {
		if m.Seq != uint64(i+1) {
			t.Fatalf("order broken at %d: seq=%d", i, m.Seq)
		}
	}
	if q.Len() != 0 || len(q.Drain()) != 0 {
		t.Fatalf("drain must consume messages")
	}
}

func TestInboxConcurrentPushAndDrain(t *testing.T) {
	testlog.Start(t)
	q := NewInbox()
	const total = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= total; i++ {
			q.Push(session.Message{Seq: i})
		}
	}()

	var mu sync.Mutex
	var drained []session.Message
	for d := 0; d < 4; d++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				batch := q.Drain()
				mu.Lock()
				drained = append(drained, batch...)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	drained = append(drained, q.Drain()...)

	if len(drained) != total {
		t.Fatalf("drained %d want %d", len(drained), total)
	}
	seen := make(map[uint64]bool, total)
	for _, m := range drained {
		if seen[m.Seq] {
			t.Fatalf("seq %d delivered twice", m.Seq)
		}
		seen[m.Seq] = true
	}
}
