package wsconn

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coregx/go-socket/wsframe"
	"github.com/coregx/go-socket/wsproto"
)

// defaults per spec.md §5: "ping/close wait_time (default 5s client, 1s
// server)"; fragment_length has no RFC-mandated default, 32 KiB matches
// common practice and the frame codec's control-payload-unrelated limits.
const (
	defaultClientWaitTime = 5 * time.Second
	defaultServerWaitTime = 1 * time.Second
	defaultFragmentLength = 32 * 1024
)

// Handler receives lifecycle and message events for one Conn. Exactly one
// Handler is attached per Conn (spec.md §6: "set handlers for
// open/message/close/error").
type Handler interface {
	// OnOpen is called once the connection reaches the Open state.
	OnOpen(c *Conn)
	// OnMessage is called for each received Text/Binary message. r is a
	// read-once stream; the Conn drains any unread remainder once
	// OnMessage returns (spec.md §4.E Receive).
	OnMessage(c *Conn, opcode wsproto.Opcode, r io.Reader)
	// OnClose is called exactly once, when the connection reaches Closed.
	OnClose(c *Conn, code wsproto.CloseCode, reason string, wasClean bool)
	// OnError is called when the receive path stops on a transport,
	// protocol, UTF-8 or inflate error, in addition to the close that
	// error triggers (OnClose still fires); OnError must not block and
	// must not call back into c synchronously from within a Read.
	OnError(c *Conn, err error)
}

// Compressor is the external collaborator for permessage-deflate
// (spec.md §1: "compression algorithm itself is an external
// collaborator"). A nil Compressor means deflate was not negotiated.
type Compressor interface {
	Deflate(payload []byte) ([]byte, error)
	Inflate(payload []byte) ([]byte, error)
}

// Options configures a new Conn.
type Options struct {
	// IsClient selects the masking direction: true masks outgoing frames
	// and expects unmasked incoming frames; false is the server role.
	IsClient bool
	// WaitTime bounds ping and close-handshake waits. Zero selects the
	// role's default (5s client, 1s server).
	WaitTime time.Duration
	// FragmentLength is the outgoing chunking size for Send. Zero selects
	// a 32 KiB default.
	FragmentLength int
	// DeflateNegotiated enables rsv1 compressed-frame plumbing; Compressor
	// must be non-nil if this is true.
	DeflateNegotiated bool
	Compressor        Compressor
	// Subprotocol and Extensions record what the handshake negotiated,
	// exposed read-only via Conn.
	Subprotocol string
	Extensions  []string
	Limits      wsframe.Limits
}

// Conn is a single WebSocket connection: the state machine, the
// single-writer send path, and the receive task's dispatch to a Handler.
type Conn struct {
	nc net.Conn
	bw *bufio.Writer
	sr *wsframe.StreamReader

	isClient          bool
	waitTime          time.Duration
	fragmentLength    int
	deflateNegotiated bool
	compressor        Compressor
	subprotocol       string
	extensions        []string

	handler Handler

	state atomic.Int32

	writeMu sync.Mutex

	pingMu      sync.Mutex
	pingWaiters []chan bool

	closeMu     sync.Mutex
	closeOnce   sync.Once
	closeSent   bool
	closeRecvd  bool
	peerCode    wsproto.CloseCode
	peerReason  string
	wasClean    bool
	closeWaitCh chan struct{}
	doneCh      chan struct{}
}

// New wraps an already-upgraded byte stream in a Conn. br/bw must be the
// buffered reader/writer obtained from the handshake's hijack (server) or
// dial (client); nc is the underlying connection, closed when the Conn
// reaches Closed.
func New(nc net.Conn, br *bufio.Reader, bw *bufio.Writer, handler Handler, opts Options) *Conn {
	waitTime := opts.WaitTime
	if waitTime <= 0 {
		if opts.IsClient {
			waitTime = defaultClientWaitTime
		} else {
			waitTime = defaultServerWaitTime
		}
	}
	fragLen := opts.FragmentLength
	if fragLen <= 0 {
		fragLen = defaultFragmentLength
	}

	c := &Conn{
		nc:                nc,
		bw:                bw,
		isClient:          opts.IsClient,
		waitTime:          waitTime,
		fragmentLength:    fragLen,
		deflateNegotiated: opts.DeflateNegotiated,
		compressor:        opts.Compressor,
		subprotocol:       opts.Subprotocol,
		extensions:        opts.Extensions,
		handler:           handler,
		closeWaitCh:       make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
	c.state.Store(int32(Connecting))
	// The stream reader's isServer argument is the mask direction we
	// expect from the PEER: a server Conn expects masked client frames.
	c.sr = wsframe.NewStreamReader(br, !opts.IsClient, opts.DeflateNegotiated, opts.Limits, c.handleControl)
	return c
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Subprotocol returns the negotiated subprotocol, or "" if none.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// Extensions returns the negotiated extension tokens.
func (c *Conn) Extensions() []string { return c.extensions }

// Start transitions the connection to Open, fires Handler.OnOpen, and runs
// the single receive task until the connection closes. Start blocks; run
// it in its own goroutine.
func (c *Conn) Start() {
	c.state.Store(int32(Open))
	if c.handler != nil {
		c.handler.OnOpen(c)
	}
	c.receiveLoop()
}

// Done returns a channel closed once the connection reaches Closed.
func (c *Conn) Done() <-chan struct{} { return c.doneCh }

// receiveLoop is the connection's single receive task (spec.md §5: "one
// receive task"). It pulls messages from the stream reader until a
// transport error, a Close frame, or a protocol violation ends it.
func (c *Conn) receiveLoop() {
	for {
		msg, err := c.sr.NextMessage()
		if err != nil {
			c.handleReceiveError(err)
			return
		}

		switch msg.Opcode {
		case wsproto.OpText, wsproto.OpBinary:
			c.dispatchData(msg)
		default:
			// Close/Ping/Pong reaching NextMessage directly (not
			// interleaved inside a fragmented message) go through the
			// same dispatcher as interleaved control frames.
			payload, rerr := msg.ReadAll()
			if rerr != nil {
				c.handleReceiveError(rerr)
				return
			}
			if herr := c.handleControl(msg.Opcode, payload); herr != nil {
				c.handleReceiveError(herr)
				return
			}
			if c.State() == Closed {
				return
			}
		}
	}
}

// dispatchData delivers one Text/Binary message to the handler. Text
// messages are fully buffered and UTF-8 validated before delivery (spec.md
// §3: "Text messages, when delivered, MUST decode as valid UTF-8"); Binary
// messages are handed to the handler as a live stream and any unread
// remainder is drained afterward, satisfying the stream reader's
// one-message-at-a-time contract (spec.md §4.B). A compressed message
// (rsv1 set on its first frame) must be fully reassembled before it can be
// inflated, so both opcodes fall back to full buffering in that case.
func (c *Conn) dispatchData(msg *wsframe.Message) {
	if msg.Compressed {
		c.dispatchCompressed(msg)
		return
	}

	if msg.Opcode == wsproto.OpText {
		data, err := msg.ReadAll()
		if err != nil {
			if errors.Is(err, wsproto.ErrInvalidUTF8) {
				_ = c.CloseWithCode(wsproto.CloseInvalidPayload, "invalid UTF-8")
				if c.handler != nil {
					c.handler.OnError(c, err)
				}
				return
			}
			c.handleReceiveError(err)
			return
		}
		if c.handler != nil {
			c.handler.OnMessage(c, wsproto.OpText, bytes.NewReader(data))
		}
		return
	}

	if c.handler != nil {
		c.handler.OnMessage(c, wsproto.OpBinary, msg)
	}
	_ = msg.Discard()
}

// dispatchCompressed reassembles a compressed message in full (the
// raw wire bytes will not themselves be valid UTF-8 even for a Text
// message, so the usual Message.ReadAll's premature check is skipped),
// inflates it via the negotiated Compressor, then validates and delivers
// the decompressed payload the same way the uncompressed path does.
func (c *Conn) dispatchCompressed(msg *wsframe.Message) {
	raw, err := io.ReadAll(msg)
	if err != nil {
		c.handleReceiveError(err)
		return
	}
	if c.compressor == nil {
		_ = c.CloseWithCode(wsproto.CloseProtocolError, "rsv1 set with no compressor configured")
		return
	}
	data, err := c.compressor.Inflate(raw)
	if err != nil {
		_ = c.CloseWithCode(wsproto.CloseProtocolError, "inflate failed")
		if c.handler != nil {
			c.handler.OnError(c, err)
		}
		return
	}
	if msg.Opcode == wsproto.OpText && !utf8.Valid(data) {
		_ = c.CloseWithCode(wsproto.CloseInvalidPayload, "invalid UTF-8")
		if c.handler != nil {
			c.handler.OnError(c, wsproto.ErrInvalidUTF8)
		}
		return
	}
	if c.handler != nil {
		c.handler.OnMessage(c, msg.Opcode, bytes.NewReader(data))
	}
}

// handleControl is shared by the stream reader's interleaved-control
// callback and the receive loop's top-level control dispatch (see
// wsframe.ControlHandler).
func (c *Conn) handleControl(opcode wsproto.Opcode, payload []byte) error {
	switch opcode {
	case wsproto.OpPing:
		_ = c.writeControlFrame(wsproto.OpPong, payload)
		return nil
	case wsproto.OpPong:
		c.signalPongWaiters(true)
		return nil
	case wsproto.OpClose:
		c.onPeerClose(payload)
		return nil
	default:
		return nil
	}
}

// onPeerClose records the peer's close code/reason, replies in kind if we
// have not already sent our own Close, and completes the close handshake
// (spec.md §4.E Receive: Close case).
func (c *Conn) onPeerClose(payload []byte) {
	code := wsproto.CloseNoStatus
	reason := ""
	if len(payload) >= 2 {
		code = wsproto.CloseCode(binary.BigEndian.Uint16(payload[:2]))
		reason = string(payload[2:])
	}

	c.closeMu.Lock()
	c.closeRecvd = true
	c.peerCode = code
	c.peerReason = reason
	alreadySent := c.closeSent
	c.closeMu.Unlock()

	select {
	case <-c.closeWaitCh:
	default:
		close(c.closeWaitCh)
	}

	if !alreadySent {
		replyCode := code
		if replyCode.ReservedOnWire() || !replyCode.ValidOnWire() {
			replyCode = wsproto.CloseNormal
		}
		_ = c.sendCloseFrame(replyCode, "")
	}

	c.finish(code, reason, true)
}

// handleReceiveError converts a transport or protocol error from the
// stream reader into the appropriate close transition (spec.md §7).
func (c *Conn) handleReceiveError(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		c.finish(wsproto.CloseAbnormal, "", false)
		if c.handler != nil {
			c.handler.OnError(c, err)
		}
		return
	}

	code := wsproto.CodeFor(err)
	_ = c.sendCloseFrame(code, "")
	c.finish(code, "", false)
	if c.handler != nil {
		c.handler.OnError(c, err)
	}
}

// finish performs the terminal Closing->Closed transition exactly once:
// releases the socket and fires Handler.OnClose. wasClean is true iff both
// a Close send and a Close receive occurred (spec.md §4.E Close).
func (c *Conn) finish(code wsproto.CloseCode, reason string, peerInitiated bool) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closed))

		c.closeMu.Lock()
		clean := c.closeSent && c.closeRecvd
		c.closeMu.Unlock()
		c.wasClean = clean

		c.signalPongWaiters(false)

		_ = c.nc.Close()
		close(c.doneCh)

		if c.handler != nil {
			c.handler.OnClose(c, code, reason, clean)
		}
	})
}
