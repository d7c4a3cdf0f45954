package websocket

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// connState is the connection's state machine: OPEN accepts reads and
// writes; CLOSING has sent its own CLOSE frame and is waiting (bounded
// by maxCloseTry) for the peer's; CLOSED means the transport is gone. A
// CLOSE received while OPEN is answered and moves straight to CLOSED.
type connState int32

const (
	stateOpen connState = iota
	stateClosing
	stateClosed
)

// defaultMaxCloseTry bounds how many pollInterval-sized waits
// CloseWithCode spends listening for the peer's answering close frame
// before giving up and closing the transport unilaterally.
const defaultMaxCloseTry = 10

// defaultPollInterval is how long a single pollReadable wait runs before
// the reader re-checks its close state.
const defaultPollInterval = 200 * time.Millisecond

// Callbacks are invoked by Manage as messages and control events arrive.
// All fields are optional; a nil callback is simply skipped. Each
// callback runs on Manage's single application-task goroutine, in frame
// arrival order — handlers that block delay subsequent deliveries, and
// delay the reader loop only once 64 undelivered messages are queued:
// the reader loop and the application task are separate goroutines,
// decoupled by an internal channel of that capacity.
type Callbacks struct {
	OnMessage func(*Conn, *Message)
	OnPong    func(*Conn, []byte)
	OnClose   func(*Conn, CloseCode, string)
}

// Conn represents one RFC 6455 WebSocket connection, server- or
// client-side, over a plain TCP or TLS transport.
//
// Read returns one assembled Message at a time. PING gets an automatic
// PONG echoing its payload and is not itself returned; CLOSE runs the
// close handshake and Read returns ErrClosed; PONG is handed back to the
// caller as a Message with Opcode OpPong for liveness tracking. Write,
// WriteText, WriteJSON, Ping, Pong, Close, and CloseWithCode are safe for
// concurrent use; Read is not meant to be called from more than one
// goroutine at a time, the same restriction the underlying frame stream
// itself implies.
type Conn struct {
	t        *transport
	reader   *bufio.Reader
	writer   *bufio.Writer
	isServer bool

	maxMessageSize int64
	pollInterval   time.Duration
	maxCloseTry    int
	log            zerolog.Logger

	asm assembler

	writeMu sync.Mutex
	st      atomic.Int32

	closeOnce sync.Once
	closeErr  error
	peerClose chan struct{} // closed once a peer CLOSE frame has been observed

	mu              sync.Mutex
	lastCloseCode   CloseCode
	lastCloseReason string

	// Subprotocol negotiated during the handshake, if any.
	Subprotocol string

	// NegotiatedExtensions is the verbatim Sec-WebSocket-Extensions value
	// observed during the handshake, if any. No extension (e.g.
	// permessage-deflate) is actually implemented; this is recorded for
	// callers that need to inspect or log what was offered/echoed.
	NegotiatedExtensions string
}

// connOptions carries the subset of UpgradeOptions/DialOptions the
// connection needs, independent of which side created it.
type connOptions struct {
	maxMessageSize int64
	pollInterval   time.Duration
	maxCloseTry    int
	logger         *zerolog.Logger
	subprotocol    string
	extensions     string
}

func newConn(t *transport, reader *bufio.Reader, writer *bufio.Writer, isServer bool, opts connOptions) *Conn {
	if opts.pollInterval <= 0 {
		opts.pollInterval = defaultPollInterval
	}
	if opts.maxCloseTry <= 0 {
		opts.maxCloseTry = defaultMaxCloseTry
	}

	logger := log.Logger
	if opts.logger != nil {
		logger = *opts.logger
	}

	return &Conn{
		t:                    t,
		reader:               reader,
		writer:               writer,
		isServer:             isServer,
		maxMessageSize:       opts.maxMessageSize,
		pollInterval:         opts.pollInterval,
		maxCloseTry:          opts.maxCloseTry,
		log:                  logger.With().Bool("server", isServer).Logger(),
		peerClose:            make(chan struct{}),
		Subprotocol:          opts.subprotocol,
		NegotiatedExtensions: opts.extensions,
	}
}

func (c *Conn) state() connState {
	return connState(c.st.Load())
}

func (c *Conn) setState(s connState) {
	c.st.Store(int32(s))
}

// Read returns the next assembled message, transparently replying to
// PING frames and handling the CLOSE handshake. Callers normally call it
// in a loop until it returns an error (IsCloseError distinguishes a
// clean shutdown from a transport failure).
func (c *Conn) Read() (*Message, error) {
	for {
		if c.state() == stateClosed {
			return nil, ErrClosed
		}

		if c.reader.Buffered() == 0 {
			status, err := c.t.pollReadable(c.pollInterval)
			if err != nil {
				c.fail(err)
				return nil, err
			}
			switch status {
			case pollTimeout:
				continue
			case pollPeerClosed:
				err := fmt.Errorf("%w: poll observed peer hangup", ErrDisconnected)
				c.fail(err)
				return nil, err
			}
		}

		msg, f, err := c.asm.next(c.reader, c.isServer)
		if err != nil {
			c.fail(err)
			return nil, err
		}

		if f == nil {
			if c.maxMessageSize > 0 && int64(len(msg.Payload)) > c.maxMessageSize {
				err := fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg.Payload))
				_ = c.CloseWithCode(CloseMessageTooBig, "")
				return nil, err
			}
			return msg, nil
		}

		switch f.opcode {
		case OpPing:
			if err := c.writeControlFrame(OpPong, f.payload); err != nil {
				c.fail(err)
				return nil, err
			}
		case OpPong:
			return &Message{
				Opcode:    OpPong,
				Payload:   f.payload,
				HasMask:   f.masked,
				Mask:      f.mask,
				Timestamp: time.Now(),
			}, nil
		case OpClose:
			c.handlePeerClose(f.payload)
			return nil, ErrClosed
		}
	}
}

// ReadText reads the next message and requires it to be text.
func (c *Conn) ReadText() (string, error) {
	msg, err := c.Read()
	if err != nil {
		return "", err
	}
	if msg.Opcode != OpText {
		return "", ErrInvalidMessageType
	}
	return string(msg.Payload), nil
}

// ReadJSON reads the next message, requires it to be text, and
// unmarshals it into v.
func (c *Conn) ReadJSON(v any) error {
	msg, err := c.Read()
	if err != nil {
		return err
	}
	if msg.Opcode != OpText {
		return ErrInvalidMessageType
	}
	return json.Unmarshal(msg.Payload, v)
}

// Manage drives Read on a dedicated reader goroutine and delivers
// results to cb on a second, one-shot application-task goroutine,
// decoupling slow message handling from frame I/O. The returned channel
// is closed once the connection has fully shut down and, if set,
// cb.OnClose has already run.
func (c *Conn) Manage(cb Callbacks) (done <-chan struct{}) {
	inbox := make(chan *Message, 64)
	finished := make(chan struct{})

	go func() {
		defer close(inbox)
		for {
			msg, err := c.Read()
			if err != nil {
				return
			}
			inbox <- msg
		}
	}()

	go func() {
		defer close(finished)
		for msg := range inbox {
			if msg.Opcode == OpPong {
				if cb.OnPong != nil {
					cb.OnPong(c, msg.Payload)
				}
				continue
			}
			if cb.OnMessage != nil {
				cb.OnMessage(c, msg)
			}
		}
		if cb.OnClose != nil {
			code, reason := c.closeDetail()
			cb.OnClose(c, code, reason)
		}
	}()

	return finished
}

func (c *Conn) closeDetail() (CloseCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCloseCode, c.lastCloseReason
}

// Write sends a single-frame message of the given opcode (OpText or
// OpBinary). Large messages are not fragmented by Write — callers that
// need fragmentation use WriteFragmented.
func (c *Conn) Write(opcode Opcode, data []byte) error {
	if opcode != OpText && opcode != OpBinary {
		return ErrInvalidMessageType
	}
	if opcode == OpText && !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	if c.state() != stateOpen {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	f := &frame{fin: true, opcode: opcode, masked: !c.isServer, payload: data}
	if err := writeFrame(c.writer, f); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// WriteText writes a text message.
func (c *Conn) WriteText(text string) error {
	return c.Write(OpText, []byte(text))
}

// WriteJSON marshals v and writes it as a text message.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(OpText, data)
}

// WriteFragmented writes data as OpText or OpBinary split into frames no
// larger than chunkSize, honoring the continuation rule: the opcode
// appears only on the first fragment, OpContinuation on the rest, and
// FIN is set only on the last.
func (c *Conn) WriteFragmented(opcode Opcode, data []byte, chunkSize int) error {
	if opcode != OpText && opcode != OpBinary {
		return ErrInvalidMessageType
	}
	if opcode == OpText && !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	if chunkSize <= 0 {
		return fmt.Errorf("%w: chunkSize must be positive", ErrInvalidParams)
	}
	if c.state() != stateOpen {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(data) == 0 {
		f := &frame{fin: true, opcode: opcode, masked: !c.isServer}
		if err := writeFrame(c.writer, f); err != nil {
			c.fail(err)
			return err
		}
		return nil
	}

	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		f := &frame{
			fin:     end == len(data),
			opcode:  opcode,
			masked:  !c.isServer,
			payload: data[offset:end],
		}
		if offset > 0 {
			f.opcode = OpContinuation
		}
		if err := writeFrame(c.writer, f); err != nil {
			c.fail(err)
			return err
		}
	}
	return nil
}

// Ping sends a PING frame (max 125 bytes of application data).
func (c *Conn) Ping(data []byte) error {
	return c.writeControlFrame(OpPing, data)
}

// Pong sends an unsolicited PONG frame. Read already answers incoming
// PINGs automatically; this is for heartbeats a peer did not request.
func (c *Conn) Pong(data []byte) error {
	return c.writeControlFrame(OpPong, data)
}

func (c *Conn) writeControlFrame(opcode Opcode, data []byte) error {
	if len(data) > maxControlPayload {
		return ErrControlTooLarge
	}
	if c.state() == stateClosed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	f := &frame{fin: true, opcode: opcode, masked: !c.isServer, payload: data}
	if err := writeFrame(c.writer, f); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// Close sends a normal-closure CLOSE frame and waits for the peer's
// answer.
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormalClosure, "")
}

// CloseWithCode runs the active side of the close handshake: it sends a
// CLOSE frame carrying code and reason, then waits up
// to maxCloseTry intervals of pollInterval for the peer's answering
// CLOSE frame (observed by a concurrent Read/Manage goroutine) before
// closing the transport unilaterally. Idempotent.
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.runCloseHandshake(code, reason)
	})
	return c.closeErr
}

func (c *Conn) runCloseHandshake(code CloseCode, reason string) error {
	if reason != "" && !utf8.ValidString(reason) {
		return ErrInvalidUTF8
	}

	c.setState(stateClosing)

	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code & 0xFF)
	copy(payload[2:], reason)

	c.writeMu.Lock()
	f := &frame{fin: true, opcode: OpClose, masked: !c.isServer, payload: payload}
	writeErr := writeFrame(c.writer, f)
	c.writeMu.Unlock()

	if writeErr != nil {
		c.log.Debug().Err(writeErr).Msg("close frame write failed")
	}

waitPeer:
	for try := 0; try < c.maxCloseTry; try++ {
		select {
		case <-c.peerClose:
			c.log.Trace().Int("try", try).Msg("peer close observed")
			break waitPeer
		case <-time.After(c.pollInterval):
		}
	}

	c.setState(stateClosed)
	closeErr := c.t.Close()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// handlePeerClose runs the passive side of the close handshake: it
// decodes the peer's code/reason, answers with its own CLOSE frame (if
// this side had not already initiated one), marks the connection
// CLOSED, and wakes any CloseWithCode call waiting on peerClose.
func (c *Conn) handlePeerClose(payload []byte) {
	code := CloseNoStatusReceived
	reason := ""
	if len(payload) >= 2 {
		code = CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
		reason = string(payload[2:])
	}

	c.mu.Lock()
	c.lastCloseCode = code
	c.lastCloseReason = reason
	c.mu.Unlock()

	wasClosing := c.state() == stateClosing
	c.setState(stateClosed)

	if !wasClosing {
		c.writeMu.Lock()
		f := &frame{fin: true, opcode: OpClose, masked: !c.isServer, payload: payload}
		_ = writeFrame(c.writer, f)
		c.writeMu.Unlock()
		_ = c.t.Close()
	}

	c.signalPeerClose()
}

func (c *Conn) signalPeerClose() {
	select {
	case <-c.peerClose:
	default:
		close(c.peerClose)
	}
}

// fail marks the connection CLOSED after a transport or protocol error
// and releases the underlying socket.
func (c *Conn) fail(err error) {
	if c.state() == stateClosed {
		return
	}
	c.setState(stateClosed)
	c.log.Debug().Err(err).Msg("connection failed")
	_ = c.t.Close()
	c.signalPeerClose()
}
