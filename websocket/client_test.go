package websocket

import (
	"context"
	"errors"
	"testing"
)

func TestDialRejectsUnsupportedScheme(t *testing.T) {
	_, err := Dial(context.Background(), "ftp://example.com/ws", nil)
	if !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Dial() error = %v, want wrapping %v", err, ErrInvalidParams)
	}
}

func TestDialRejectsUnreachableHost(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1", &DialOptions{})
	if err == nil {
		t.Fatal("expected an error dialing a closed port")
	}
}
