package websocket

import "testing"

func TestRandomAlphanumericLengthAndAlphabet(t *testing.T) {
	b, err := randomAlphanumeric(16)
	if err != nil {
		t.Fatalf("randomAlphanumeric: %v", err)
	}
	if len(b) != 16 {
		t.Fatalf("len = %d, want 16", len(b))
	}
	for _, c := range b {
		found := false
		for _, a := range keyAlphabet {
			if byte(a) == c {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("byte %q not in keyAlphabet", c)
		}
	}
}

func TestGenerateSecWebSocketKeyIsNotConstant(t *testing.T) {
	a, err := generateSecWebSocketKey()
	if err != nil {
		t.Fatalf("generateSecWebSocketKey: %v", err)
	}
	b, err := generateSecWebSocketKey()
	if err != nil {
		t.Fatalf("generateSecWebSocketKey: %v", err)
	}
	if string(a) == string(b) {
		t.Error("two consecutive keys were identical; generator may not be randomized")
	}
}
