package websocket

import (
	"crypto/rand"
	"fmt"
)

// keyAlphabet is the 62-symbol alphanumeric charset the Sec-WebSocket-Key
// nonce is drawn from before base64-encoding it.
const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// secWebSocketKeyLen is the raw nonce length, base64-encoded to produce
// the 24-byte header value.
const secWebSocketKeyLen = 16

// randomAlphanumeric draws n bytes uniformly from keyAlphabet using
// rejection sampling: 62 does not divide 256 evenly, so a plain
// `randByte % 62` would bias the low 8 values (256 = 4*62 + 8);
// rejecting draws that land in that trailing partial range removes the
// bias.
func randomAlphanumeric(n int) ([]byte, error) {
	const alphabetLen = byte(len(keyAlphabet))
	const limit = 256 - (256 % int(alphabetLen)) // 248: largest multiple of 62 that fits a byte

	out := make([]byte, n)
	scratch := make([]byte, 1)
	for i := 0; i < n; {
		if _, err := rand.Read(scratch); err != nil {
			return nil, fmt.Errorf("websocket: read random byte: %w", err)
		}
		if int(scratch[0]) >= limit {
			continue // reject and redraw, see limit comment above
		}
		out[i] = keyAlphabet[scratch[0]%alphabetLen]
		i++
	}
	return out, nil
}

// generateSecWebSocketKey returns a fresh, unencoded Sec-WebSocket-Key
// nonce. Callers base64-encode the result before placing it in the
// request header.
func generateSecWebSocketKey() ([]byte, error) {
	return randomAlphanumeric(secWebSocketKeyLen)
}
