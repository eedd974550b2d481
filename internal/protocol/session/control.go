package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/fakepeer/internal/protocol/frame"
)

const (
	RegisterTag = "register"

	// registration tuple slots
	slotTag     = 0
	slotPort    = 2
	slotHears   = 3
	slotSpeaks  = 4
	slotVersion = 6
	slotCount   = 7
)

var (
	ErrProtocolViolation     = errors.New("session: protocol violation")
	ErrUnexpectedTag         = fmt.Errorf("%w: unexpected tag", ErrProtocolViolation)
	ErrVersionMismatch       = fmt.Errorf("%w: version mismatch", ErrProtocolViolation)
	ErrMalformedRegistration = fmt.Errorf("%w: malformed registration", ErrProtocolViolation)
	ErrMalformedMessage      = fmt.Errorf("%w: malformed message", ErrProtocolViolation)
)

// Registration is the peer->server session-start tuple.
type Registration struct {
	Tag     string
	Port    int
	Hears   json.RawMessage
	Speaks  json.RawMessage
	Version string

	// Raw keeps every tuple slot, including the two the server ignores.
	Raw []json.RawMessage

	hasTag     bool
	hasVersion bool
	portErr    error
}

// Validate checks the tag, then the protocol version against expectedVersion,
// then the reply port. A missing or non-string tag or version classifies the
// same as a wrong one.
func (r Registration) Validate(expectedVersion string) error {
	if !r.hasTag || r.Tag != RegisterTag {
		return fmt.Errorf("%w: got %s", ErrUnexpectedTag, r.slotText(slotTag))
	}
	if !r.hasVersion || r.Version != expectedVersion {
		return fmt.Errorf("%w: got %s want %q", ErrVersionMismatch, r.slotText(slotVersion), expectedVersion)
	}
	if r.portErr != nil {
		return fmt.Errorf("%w: reply port: %v", ErrMalformedRegistration, r.portErr)
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("%w: reply port %d out of range", ErrMalformedRegistration, r.Port)
	}
	return nil
}

func (r Registration) slotText(i int) string {
	if i >= len(r.Raw) {
		return "<missing>"
	}
	return string(r.Raw[i])
}

// ParseRegistration decodes one registration payload. Only a payload that is
// not JSON at all fails here; everything else is classified by Validate.
func ParseRegistration(payload []byte) (Registration, error) {
	if !json.Valid(payload) {
		return Registration{}, fmt.Errorf("%w: payload is not JSON", ErrMalformedRegistration)
	}
	var slots []json.RawMessage
	if err := json.Unmarshal(payload, &slots); err != nil {
		// non-array JSON has no tag slot
		return Registration{portErr: errors.New("missing")}, nil
	}

	reg := Registration{
		Hears:  slotAt(slots, slotHears),
		Speaks: slotAt(slots, slotSpeaks),
		Raw:    slots,
	}
	reg.Tag, reg.hasTag = stringSlot(slots, slotTag)
	reg.Version, reg.hasVersion = stringSlot(slots, slotVersion)
	if raw := slotAt(slots, slotPort); raw == nil {
		reg.portErr = errors.New("missing")
	} else if err := json.Unmarshal(raw, &reg.Port); err != nil {
		reg.portErr = err
	}
	return reg, nil
}

func slotAt(slots []json.RawMessage, i int) json.RawMessage {
	if i >= len(slots) {
		return nil
	}
	return slots[i]
}

func stringSlot(slots []json.RawMessage, i int) (string, bool) {
	raw := slotAt(slots, i)
	if raw == nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// ReadRegistration reads the first frame of a connection and parses it.
func ReadRegistration(r io.Reader) (Registration, error) {
	payload, err := frame.Read(r)
	if err != nil {
		return Registration{}, err
	}
	return ParseRegistration(payload)
}

// EncodeRegistration builds a registration payload the way a peer sends it.
func EncodeRegistration(name string, port int, hears, speaks any, version string) ([]byte, error) {
	if hears == nil {
		hears = []string{}
	}
	if speaks == nil {
		speaks = []string{}
	}
	return json.Marshal([]any{RegisterTag, name, port, hears, speaks, "", version})
}

// WriteRegistration frames and writes a registration payload.
func WriteRegistration(w io.Writer, name string, port int, hears, speaks any, version string) error {
	payload, err := EncodeRegistration(name, port, hears, speaks, version)
	if err != nil {
		return err
	}
	return frame.Write(w, payload)
}
