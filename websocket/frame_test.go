package websocket

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func roundTrip(t *testing.T, f *frame) *frame {
	t.Helper()

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeFrame(w, f); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	got, err := readFrame(bufio.NewReader(&buf), f.masked)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	return got
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		f    *frame
	}{
		{"empty text", &frame{fin: true, opcode: OpText}},
		{"binary small", &frame{fin: true, opcode: OpBinary, payload: []byte("hello")}},
		{"masked client frame", &frame{fin: true, opcode: OpText, masked: true, payload: []byte("hi")}},
		{"16-bit length", &frame{fin: true, opcode: OpBinary, payload: bytes.Repeat([]byte{'a'}, 200)}},
		{"64-bit length", &frame{fin: true, opcode: OpBinary, payload: bytes.Repeat([]byte{'b'}, 70000)}},
		{"fragment start", &frame{fin: false, opcode: OpText, payload: []byte("part1")}},
		{"continuation", &frame{fin: true, opcode: OpContinuation, payload: []byte("part2")}},
		{"ping", &frame{fin: true, opcode: OpPing, payload: []byte("ping-data")}},
		{"close with code", &frame{fin: true, opcode: OpClose, payload: []byte{0x03, 0xe8}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, tt.f)
			opts := []cmp.Option{
				cmp.AllowUnexported(frame{}),
				cmpopts.IgnoreFields(frame{}, "mask"),
			}
			if diff := cmp.Diff(tt.f, got, opts...); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteFrameGeneratesFreshMask(t *testing.T) {
	f1 := &frame{fin: true, opcode: OpText, masked: true, payload: []byte("hello")}
	f2 := &frame{fin: true, opcode: OpText, masked: true, payload: []byte("hello")}

	var buf1, buf2 bytes.Buffer
	if err := writeFrame(bufio.NewWriter(&buf1), f1); err != nil {
		t.Fatalf("writeFrame 1: %v", err)
	}
	if err := writeFrame(bufio.NewWriter(&buf2), f2); err != nil {
		t.Fatalf("writeFrame 2: %v", err)
	}

	if bytes.Equal(buf1.Bytes(), buf2.Bytes()) {
		t.Error("two masked writes of identical payloads produced identical wire bytes; mask is not being randomized")
	}
}

func TestReadFrameRejectsReservedBits(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x80 | 0x40 | byte(OpText)) // FIN + RSV1 + text
	buf.WriteByte(0x00)

	_, err := readFrame(bufio.NewReader(&buf), false)
	if err == nil {
		t.Fatal("expected error for reserved bit set")
	}
}

func TestReadFrameRejectsFragmentedControl(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpPing)) // FIN=0, ping
	buf.WriteByte(0x00)

	_, err := readFrame(bufio.NewReader(&buf), false)
	if err == nil {
		t.Fatal("expected error for fragmented control frame")
	}
}

func TestReadFrameRejectsOversizedControl(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, maxControlPayload+1)

	var buf bytes.Buffer
	// Bypass writeFrame's own size check to exercise readFrame's.
	buf.WriteByte(0x80 | byte(OpPing))
	buf.WriteByte(126)
	buf.WriteByte(byte(len(payload) >> 8))
	buf.WriteByte(byte(len(payload)))
	buf.Write(payload)

	_, err := readFrame(bufio.NewReader(&buf), false)
	if err == nil {
		t.Fatal("expected error for oversized control frame")
	}
}

func TestApplyMaskIsInvolution(t *testing.T) {
	mask := [4]byte{0x11, 0x22, 0x33, 0x44}
	data := []byte("the quick brown fox jumps over the lazy dog")
	orig := append([]byte(nil), data...)

	applyMask(data, mask)
	if bytes.Equal(data, orig) {
		t.Fatal("masking did not change data")
	}
	applyMask(data, mask)
	if !bytes.Equal(data, orig) {
		t.Fatal("applying mask twice did not restore original data")
	}
}

func TestReadFrameServerRejectsUnmaskedFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(bufio.NewWriter(&buf), &frame{fin: true, opcode: OpText, payload: []byte("hi")}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	_, err := readFrame(bufio.NewReader(&buf), true)
	if err != ErrMaskRequired {
		t.Fatalf("readFrame() error = %v, want %v", err, ErrMaskRequired)
	}
}

func TestReadFrameClientRejectsMaskedFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(bufio.NewWriter(&buf), &frame{fin: true, opcode: OpText, masked: true, payload: []byte("hi")}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	_, err := readFrame(bufio.NewReader(&buf), false)
	if err != ErrMaskUnexpected {
		t.Fatalf("readFrame() error = %v, want %v", err, ErrMaskUnexpected)
	}
}

func Test64BitLengthUsesBitShift56(t *testing.T) {
	// RFC 6455 Section 5.2: the extended 64-bit length field's top byte
	// is bits 56-63 of the value. A shift of 54 (a bug some ports of
	// this logic carry forward) would decode a different, wrong length
	// from the same eight bytes.
	const length = uint64(100000) // forces the 64-bit length form, stays well under maxFramePayload
	payload := bytes.Repeat([]byte{'z'}, int(length))

	header := make([]byte, 10)
	header[0] = 0x80 | byte(OpBinary)
	header[1] = payloadLen64Bit
	for i := 0; i < 8; i++ {
		header[2+i] = byte(length >> uint(56-8*i))
	}

	r := bufio.NewReader(bytes.NewReader(append(header, payload...)))
	got, err := readFrame(r, false)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if uint64(len(got.payload)) != length {
		t.Fatalf("decoded length %d, want %d (shift-56 vs shift-54 mismatch)", len(got.payload), length)
	}
}
