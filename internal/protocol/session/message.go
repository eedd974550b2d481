package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one application message received from a registered peer.
type Message struct {
	From       uuid.UUID
	Seq        uint64
	ReceivedAt time.Time
	Raw        json.RawMessage
}

// NewMessage validates payload as JSON and wraps it.
func NewMessage(from uuid.UUID, seq uint64, payload []byte) (Message, error) {
	if !json.Valid(payload) {
		return Message{}, fmt.Errorf("%w: from=%s seq=%d", ErrMalformedMessage, from, seq)
	}
	return Message{
		From:       from,
		Seq:        seq,
		ReceivedAt: time.Now(),
		Raw:        json.RawMessage(payload),
	}, nil
}

// Decode maps the raw payload onto v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Tuple decodes array-shaped messages, the common case for this protocol.
func (m Message) Tuple() ([]any, error) {
	var out []any
	if err := json.Unmarshal(m.Raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m Message) String() string {
	return string(m.Raw)
}
