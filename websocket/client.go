package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// defaultDialTimeout bounds the TCP connect phase of Dial (not the
// handshake itself, which runs over the already-connected socket).
const defaultDialTimeout = 10 * time.Second

// DialOptions configures a client-initiated WebSocket connection.
type DialOptions struct {
	// Subprotocols is the list offered via Sec-WebSocket-Protocol, in
	// preference order.
	Subprotocols []string

	// Header carries additional request headers (e.g. cookies) sent
	// with the upgrade request.
	Header http.Header

	// DialTimeout bounds the TCP connect phase (default 10s).
	DialTimeout time.Duration

	// TLSConfig is used for wss:// targets. A nil value dials with
	// tls.Config{ServerName: <host>} and full certificate verification.
	// Set InsecureSkipVerify on a supplied config to talk to a
	// self-signed test server.
	TLSConfig *tls.Config

	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	PollInterval    time.Duration
	MaxCloseTry     int
	Logger          *zerolog.Logger
}

// Dial opens a client WebSocket connection to a ws:// or wss:// URL,
// running the TCP (or TLS) connect and the opening handshake, and
// returns a ready-to-use *Conn: scheme dispatch, optional Basic-Auth
// from userinfo, handshake, then connection startup.
func Dial(ctx context.Context, rawURL string, opts *DialOptions) (*Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	if opts.ReadBufferSize == 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	if opts.WriteBufferSize == 0 {
		opts.WriteBufferSize = defaultWriteBufferSize
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse URL: %v", ErrInvalidParams, err)
	}

	var useTLS bool
	switch u.Scheme {
	case "ws", "http":
		useTLS = false
	case "wss", "https":
		useTLS = true
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidParams, u.Scheme)
	}

	host := u.Host
	if u.Port() == "" {
		if useTLS {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	var d net.Dialer
	netConn, err := d.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrDisconnected, host, err)
	}

	var t *transport
	if useTLS {
		cfg := opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: u.Hostname()}
		} else if cfg.ServerName == "" {
			clone := cfg.Clone()
			clone.ServerName = u.Hostname()
			cfg = clone
		}
		t, err = newTLSTransport(netConn, cfg)
	} else {
		t, err = newPlainTransport(netConn)
	}
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	reader := bufio.NewReaderSize(t.rw, opts.ReadBufferSize)
	writer := bufio.NewWriterSize(t.rw, opts.WriteBufferSize)
	rw := bufio.NewReadWriter(reader, writer)

	proto, extensions, err := clientHandshake(rw, u, opts)
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	conn := newConn(t, reader, writer, false, connOptions{
		maxMessageSize: opts.MaxMessageSize,
		pollInterval:   opts.PollInterval,
		maxCloseTry:    opts.MaxCloseTry,
		logger:         opts.Logger,
		subprotocol:    proto,
		extensions:     extensions,
	})

	return conn, nil
}
