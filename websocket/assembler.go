package websocket

import (
	"bufio"
	"bytes"
	"fmt"
	"time"
	"unicode/utf8"
)

// assembler combines consecutive frames from one bufio.Reader into
// Messages, honoring the FIN bit and the continuation-opcode rule: a
// fragmented message starts with a frame carrying the real
// opcode and FIN=0, continues with zero or more OpContinuation frames
// with FIN=0, and ends with a frame carrying FIN=1 (opcode OpContinuation
// if there were prior fragments, or the original opcode if unfragmented).
//
// Control frames (CLOSE/PING/PONG) are never fragmented and are returned
// to the caller immediately via next's second result, without touching
// the accumulation buffer — they may legally arrive in the middle of a
// fragmented data message (RFC 6455 Section 5.5).
type assembler struct {
	buf        bytes.Buffer
	opcode     Opcode
	fragmented bool
	hasMask    bool
	mask       [4]byte
}

// next reads frames from r, read by the side identified by isServer,
// until one complete Message or one control frame is available. It
// returns exactly one of (*Message, nil) or (nil, *frame) on success.
func (a *assembler) next(r *bufio.Reader, isServer bool) (*Message, *frame, error) {
	for {
		f, err := readFrame(r, isServer)
		if err != nil {
			return nil, nil, err
		}

		if isControlFrame(f.opcode) {
			return nil, f, nil
		}

		switch f.opcode {
		case OpText, OpBinary:
			if a.fragmented {
				return nil, nil, fmt.Errorf("%w: data frame while fragment in progress", ErrProtocolError)
			}
			if f.fin {
				return a.finish(f.opcode, f.payload, f.masked, f.mask)
			}
			a.fragmented = true
			a.opcode = f.opcode
			a.hasMask = f.masked
			a.mask = f.mask
			a.buf.Reset()
			a.buf.Write(f.payload)

		case OpContinuation:
			if !a.fragmented {
				return nil, nil, ErrUnexpectedContinuation
			}
			a.buf.Write(f.payload)
			if f.fin {
				a.fragmented = false
				payload := make([]byte, a.buf.Len())
				copy(payload, a.buf.Bytes())
				a.buf.Reset()
				return a.finish(a.opcode, payload, a.hasMask, a.mask)
			}

		default:
			return nil, nil, fmt.Errorf("%w: opcode 0x%X", ErrInvalidOpcode, f.opcode)
		}
	}
}

// finish validates and returns a completed Message. UTF-8 validity is
// checked once, on the fully assembled payload — checking it
// per-fragment would spuriously reject a message whose fragment
// boundary splits a multi-byte UTF-8 sequence.
func (a *assembler) finish(opcode Opcode, payload []byte, hasMask bool, mask [4]byte) (*Message, *frame, error) {
	if opcode == OpText && !utf8.Valid(payload) {
		return nil, nil, ErrInvalidUTF8
	}
	return &Message{
		Opcode:    opcode,
		Payload:   payload,
		HasMask:   hasMask,
		Mask:      mask,
		Timestamp: time.Now(),
	}, nil, nil
}
