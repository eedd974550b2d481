package frame

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeReadRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte(`["register",0,9001,"a","b",0,"1.0"]`),
		{0x00, 0xff, 0x10, '\n', '0'},
		bytes.Repeat([]byte("x"), MaxPayloadLen),
	}
	for _, payload := range cases {
		buf, err := Encode(payload)
		if err != nil {
			t.Fatalf("encode len=%d: %v", len(payload), err)
		}
		if len(buf) != PrefixLen+len(payload) {
			t.Fatalf("encoded len mismatch: got=%d want=%d", len(buf), PrefixLen+len(payload))
		}
		out, err := Read(bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("read len=%d: %v", len(payload), err)
		}
		if !bytes.Equal(out, payload) {
			t.Fatalf("payload mismatch for len=%d", len(payload))
		}
	}
}

func TestEncodeZeroPadsPrefix(t *testing.T) {
	buf, err := Encode([]byte(`["register",0,9001,"a","b",0,"1.0"]`))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := string(buf[:PrefixLen]); got != "000035" {
		t.Fatalf("unexpected prefix %q", got)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(make([]byte, MaxPayloadLen+1))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	var buf bytes.Buffer
	if err := Write(&buf, make([]byte, MaxPayloadLen+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge from Write, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("oversized write must not emit bytes, got %d", buf.Len())
	}
}

func TestReadSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	for _, p := range []string{`[1]`, `{"x":1}`, `"three"`} {
		if err := Write(&buf, []byte(p)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, want := range []string{`[1]`, `{"x":1}`, `"three"`} {
		got, err := Read(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
	if _, err := Read(&buf); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream on drained buffer, got %v", err)
	}
}

func TestReadEmptyStreamIsEndOfStream(t *testing.T) {
	_, err := Read(strings.NewReader(""))
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
}

func TestReadEndOfStreamBeforeBody(t *testing.T) {
	_, err := Read(strings.NewReader("000004"))
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
}

func TestReadTruncated(t *testing.T) {
	if _, err := Read(strings.NewReader("0001")); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated on short prefix, got %v", err)
	}
	if _, err := Read(strings.NewReader("000004ab")); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated on short body, got %v", err)
	}
}

func TestReadInvalidLength(t *testing.T) {
	for _, prefix := range []string{"00x004", "-00004", "  0004"} {
		_, err := Read(strings.NewReader(prefix + "abcd"))
		if !errors.Is(err, ErrInvalidLength) {
			t.Fatalf("prefix %q: expected ErrInvalidLength, got %v", prefix, err)
		}
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestReadPassesThroughIOErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Read(failingReader{err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("expected underlying error, got %v", err)
	}
	if errors.Is(err, io.EOF) {
		t.Fatalf("unexpected EOF classification")
	}
}
