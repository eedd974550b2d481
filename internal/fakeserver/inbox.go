package fakeserver

import (
	"sync"

	"github.com/danmuck/fakepeer/internal/protocol/session"
)

// Inbox is an ordered message queue safe for one producer and many drainers.
type Inbox struct {
	mu    sync.Mutex
	items []session.Message
}

func NewInbox() *Inbox {
	return &Inbox{}
}

func (q *Inbox) Push(msg session.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
}

// Drain removes and returns everything buffered so far.
func (q *Inbox) Drain() []session.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	if out == nil {
		return []session.Message{}
	}
	return out
}

func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
