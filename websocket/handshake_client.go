package websocket

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// clientHandshake drives the client side of RFC 6455 Section 4.1 over an
// already-connected transport: it writes the GET/Upgrade request, reads
// the HTTP response with net/http's own parser rather than hand-split
// response lines (which breaks on a multi-token Sec-WebSocket-Protocol
// value), and verifies the response: status 101, Upgrade and Connection
// tokens, Sec-WebSocket-Accept, a Sec-WebSocket-Protocol that is one of
// the offered subprotocols (required when any were offered), and a
// Sec-WebSocket-Extensions echo when the request carried one. An
// extensions value the request did not offer is recorded unchecked.
func clientHandshake(rw *bufio.ReadWriter, u *url.URL, opts *DialOptions) (acceptedProto, acceptedExtensions string, err error) {
	key, err := generateSecWebSocketKey()
	if err != nil {
		return "", "", fmt.Errorf("websocket: generate key: %w", err)
	}
	encodedKey := base64.StdEncoding.EncodeToString(key)

	reqURL := &url.URL{Path: u.EscapedPath(), RawQuery: u.RawQuery}
	if reqURL.Path == "" {
		reqURL.Path = "/"
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        reqURL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", encodedKey)
	req.Header.Set("Sec-WebSocket-Version", "13")
	if len(opts.Subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(opts.Subprotocols, ", "))
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		req.Header.Set("Authorization", "Basic "+basicAuth(u.User.Username(), pass))
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if err := req.Write(rw.Writer); err != nil {
		return "", "", fmt.Errorf("websocket: write upgrade request: %w", err)
	}
	if err := rw.Writer.Flush(); err != nil {
		return "", "", fmt.Errorf("websocket: flush upgrade request: %w", err)
	}

	resp, err := http.ReadResponse(rw.Reader, req)
	if err != nil {
		return "", "", fmt.Errorf("%w: read upgrade response: %v", ErrHandshakeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return "", "", fmt.Errorf("%w: expected 101, got %d", ErrHandshakeFailed, resp.StatusCode)
	}
	if !headerContainsToken(resp.Header.Get("Upgrade"), "websocket") {
		return "", "", fmt.Errorf("%w: %v", ErrMissingUpgrade, resp.Header.Get("Upgrade"))
	}
	if !headerContainsToken(resp.Header.Get("Connection"), "upgrade") {
		return "", "", fmt.Errorf("%w: %v", ErrMissingConnection, resp.Header.Get("Connection"))
	}

	accept := resp.Header.Get("Sec-WebSocket-Accept")
	if accept == "" {
		return "", "", fmt.Errorf("%w: missing Sec-WebSocket-Accept", ErrHandshakeFailed)
	}
	if accept != computeAcceptKey(encodedKey) {
		return "", "", ErrAcceptMismatch
	}

	proto := resp.Header.Get("Sec-WebSocket-Protocol")
	if (len(opts.Subprotocols) > 0 || proto != "") && !slices.Contains(opts.Subprotocols, proto) {
		return "", "", fmt.Errorf("%w: Sec-WebSocket-Protocol %q was not offered", ErrHandshakeFailed, proto)
	}
	extensions := resp.Header.Get("Sec-WebSocket-Extensions")
	if req.Header.Get("Sec-WebSocket-Extensions") != "" && extensions == "" {
		return "", "", fmt.Errorf("%w: missing Sec-WebSocket-Extensions", ErrHandshakeFailed)
	}

	return proto, extensions, nil
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
