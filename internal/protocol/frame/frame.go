package frame

import (
	"errors"
	"fmt"
	"io"
)

const (
	// PrefixLen is the width of the zero-padded decimal length prefix.
	PrefixLen = 6
	// MaxPayloadLen is the largest length a 6-digit prefix can carry.
	MaxPayloadLen = 999999
)

var (
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrInvalidLength   = errors.New("frame: invalid length prefix")
	ErrTruncated       = errors.New("frame: truncated frame")
	// ErrEndOfStream reports a read that yielded zero bytes, usually a peer
	// half-close. Callers decide whether that is transient.
	ErrEndOfStream = errors.New("frame: end of stream")
)

// Encode returns the length prefix followed by the raw payload bytes.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	buf := make([]byte, 0, PrefixLen+len(payload))
	buf = fmt.Appendf(buf, "%06d", len(payload))
	buf = append(buf, payload...)
	return buf, nil
}

// Write encodes payload and writes the whole frame with a single Write call.
func Write(w io.Writer, payload []byte) error {
	buf, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Read decodes one frame from r and returns its payload verbatim.
func Read(r io.Reader) ([]byte, error) {
	var prefix [PrefixLen]byte
	if err := readFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n, err := ParseLength(prefix[:])
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if n == 0 {
		return payload, nil
	}
	if err := readFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ParseLength parses a 6-byte unsigned decimal prefix.
func ParseLength(prefix []byte) (int, error) {
	if len(prefix) != PrefixLen {
		return 0, fmt.Errorf("%w: prefix is %d bytes", ErrInvalidLength, len(prefix))
	}
	n := 0
	for _, c := range prefix {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidLength, prefix)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return ErrEndOfStream
	case errors.Is(err, io.ErrUnexpectedEOF):
		return ErrTruncated
	default:
		return err
	}
}
