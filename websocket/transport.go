package websocket

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// pollStatus is the outcome of one pollReadable call.
type pollStatus int

const (
	pollTimeout pollStatus = iota
	pollReadableStatus
	pollPeerClosed
)

// transport is the uniform read/write surface over a plain TCP socket, a
// server-hijacked socket, or a TLS session.
//
// raw is always the underlying TCP-level net.Conn: the one that owns the
// file descriptor pollReadable polls. rw is what the buffered frame
// reader/writer actually move bytes through — raw itself for plain
// connections, or a *tls.Conn wrapping raw for TLS, since poll readiness
// is a TCP-level fact but the wire bytes only become meaningful after
// the record layer decrypts them.
type transport struct {
	raw net.Conn
	rw  io.ReadWriter
	fd  int
}

// newPlainTransport wraps an already-connected (or server-hijacked) TCP
// socket.
func newPlainTransport(conn net.Conn) (*transport, error) {
	fd, err := rawFD(conn)
	if err != nil {
		return nil, err
	}
	return &transport{raw: conn, rw: conn, fd: fd}, nil
}

// newTLSTransport wraps conn (already TCP-connected) with a TLS client
// session. It performs the handshake before returning, optionally
// skipping certificate verification per cfg.
func newTLSTransport(conn net.Conn, cfg *tls.Config) (*transport, error) {
	fd, err := rawFD(conn)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("websocket: TLS handshake: %w", err)
	}
	return &transport{raw: conn, rw: tlsConn, fd: fd}, nil
}

// rawFD extracts the file descriptor backing conn, for use with
// pollReadable. Plain and hijacked TCP sockets implement syscall.Conn;
// a *tls.Conn does not, since record-layer buffering means readiness at
// the TCP level doesn't imply a full record is available. In that case
// rawFD returns (-1, nil) and pollReadable degrades to an immediate
// "readable" so the caller falls back to a plain blocking Read.
func rawFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := rc.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

// pollReadable wraps unix.Poll on (fd, POLLIN|POLLRDHUP). It returns
// within timeout even if nothing happens, so the reader loop can
// re-check its close state at bounded intervals.
func (t *transport) pollReadable(timeout time.Duration) (pollStatus, error) {
	if t.fd < 0 {
		return pollReadableStatus, nil
	}
	pfd := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN | unix.POLLRDHUP}}

	_, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return pollTimeout, nil
		}
		return 0, fmt.Errorf("websocket: poll: %w", err)
	}

	revents := pfd[0].Revents
	switch {
	case revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL|unix.POLLRDHUP) != 0:
		return pollPeerClosed, nil
	case revents&unix.POLLIN != 0:
		return pollReadableStatus, nil
	default:
		return pollTimeout, nil
	}
}

// Close releases the transport's underlying socket.
func (t *transport) Close() error {
	return t.raw.Close()
}
