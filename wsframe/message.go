package wsframe

import (
	"bufio"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/coregx/go-socket/wsproto"
)

// ControlHandler is invoked synchronously whenever the stream reader
// observes a control frame (Close/Ping/Pong), whether between messages or
// interleaved inside a fragmented message's continuation frames (RFC 6455
// Section 5.4 permits control frames between fragments). It receives the
// already-unmasked, already-size-validated control payload.
//
// The handler runs on the same goroutine that is pulling bytes off the
// wire; it must not block on anything that waits for more reads from this
// same reader. This is how component E (the connection state machine)
// supplies Pong-on-Ping and close-frame bookkeeping without component B
// (this package) knowing about connection lifecycle at all.
type ControlHandler func(opcode wsproto.Opcode, payload []byte) error

// StreamReader pulls frames off a byte stream and reassembles fragmented
// messages into a lazy, read-once sequence of Messages (spec.md §4.B).
//
// A StreamReader is not safe for concurrent use; a connection's receive
// task is expected to be its only caller.
type StreamReader struct {
	br       *bufio.Reader
	isServer bool
	deflate  bool
	limits   Limits
	onCtrl   ControlHandler

	current *Message // message returned by the last NextMessage, if any
}

// NewStreamReader constructs a StreamReader over br. isServer selects the
// expected mask direction of incoming frames (true: frames must be
// masked). onCtrl, if non-nil, is invoked for every control frame
// encountered (see ControlHandler).
func NewStreamReader(br *bufio.Reader, isServer bool, deflateNegotiated bool, lim Limits, onCtrl ControlHandler) *StreamReader {
	return &StreamReader{br: br, isServer: isServer, deflate: deflateNegotiated, limits: lim, onCtrl: onCtrl}
}

// Message is a single WebSocket message: an opcode plus its payload,
// exposed as an io.Reader. For Text/Binary messages the reader streams
// frame-by-frame off the transport (component B's "lazy byte stream"); for
// Close/Ping/Pong the payload is already fully buffered (spec.md §4.B item
// 3), since control payloads are capped at 125 bytes and must never
// interleave with each other.
type Message struct {
	Opcode wsproto.Opcode

	// Compressed is true when the message's first frame carried rsv1
	// (RFC 6455 Section 5.2: rsv1 marks the whole message, set only on
	// the first frame; continuation frames never repeat it). Callers with
	// a negotiated Compressor inflate the reassembled payload when this
	// is set; always false for control messages, which RFC 7692 forbids
	// compressing.
	Compressed bool

	sr       *StreamReader
	buffered []byte // control frames: the whole payload, consumed via Read
	bufPos   int
	chunk    []byte // data frames: unread bytes of the current frame
	chunkPos int
	fragFin  bool // true once the final (FIN=1) frame of this message has been read
}

// Read implements io.Reader. For data messages it pulls additional frames
// off the transport as needed, transparently absorbing any control frames
// RFC 6455 permits between fragments by invoking the StreamReader's
// ControlHandler. Read returns io.EOF once the message's final fragment is
// exhausted.
func (m *Message) Read(p []byte) (int, error) {
	if m.Opcode.IsControl() {
		if m.bufPos >= len(m.buffered) {
			return 0, io.EOF
		}
		n := copy(p, m.buffered[m.bufPos:])
		m.bufPos += n
		return n, nil
	}

	for {
		if m.chunkPos < len(m.chunk) {
			n := copy(p, m.chunk[m.chunkPos:])
			m.chunkPos += n
			return n, nil
		}
		if m.fragFin {
			return 0, io.EOF
		}
		if err := m.pullNextFragment(); err != nil {
			return 0, err
		}
	}
}

// pullNextFragment reads wire frames until it finds either the next
// continuation segment of this message (stored into m.chunk) or the
// message's end. Control frames encountered along the way are routed to
// the owning StreamReader's ControlHandler and otherwise skipped; a data
// frame that is not a Continuation is a protocol violation (spec.md §4.B
// item 4 generalizes: any data-opcode frame where a Continuation was
// expected is a stray/invalid sequence).
func (m *Message) pullNextFragment() error {
	for {
		h, err := ReadHeader(m.sr.br, m.sr.limits)
		if err != nil {
			return err
		}
		if err := CheckRole(h, m.sr.isServer); err != nil {
			return err
		}
		if err := CheckReserved(h, m.sr.deflate); err != nil {
			return err
		}

		if h.Opcode.IsControl() {
			payload, err := ReadControlPayload(m.sr.br, h)
			if err != nil {
				return err
			}
			if m.sr.onCtrl != nil {
				if err := m.sr.onCtrl(h.Opcode, payload); err != nil {
					return err
				}
			}
			continue
		}

		if h.Opcode != wsproto.OpContinuation {
			return wsproto.ErrUnexpectedContinuation
		}

		payload, err := ReadPayload(m.sr.br, h)
		if err != nil {
			return err
		}
		m.chunk = payload
		m.chunkPos = 0
		m.fragFin = h.Fin
		return nil
	}
}

// ReadAll drains the message to completion and returns its payload. For
// Text messages it also validates UTF-8 across the reassembled whole,
// since validity can only be checked once every fragment has arrived
// (spec.md §3: "Text messages, when delivered, MUST decode as valid
// UTF-8").
func (m *Message) ReadAll() ([]byte, error) {
	data, err := io.ReadAll(m)
	if err != nil {
		return nil, err
	}
	if m.Opcode == wsproto.OpText && !utf8.Valid(data) {
		return nil, wsproto.ErrInvalidUTF8
	}
	return data, nil
}

// Discard consumes and drops any unread bytes of the message without
// returning them, satisfying the "fully read or explicitly discard"
// consumption contract (spec.md §4.B) so the underlying StreamReader can
// move on to the next message.
func (m *Message) Discard() error {
	_, err := io.Copy(io.Discard, m)
	return err
}

// NextMessage blocks until the next message-starting frame arrives and
// returns it. If the previously returned Message was not fully read or
// explicitly discarded, NextMessage discards it first — this resolves
// spec.md §9 Open Question (b): callers that partially read a message are
// not required to call Discard themselves, matching the common
// "next read implicitly abandons the rest" behavior of comparable
// streaming readers, while Discard remains available for callers that
// want to release the underlying buffer without requesting more data.
func (sr *StreamReader) NextMessage() (*Message, error) {
	if sr.current != nil {
		if err := sr.current.Discard(); err != nil {
			sr.current = nil
			return nil, err
		}
		sr.current = nil
	}

	for {
		h, err := ReadHeader(sr.br, sr.limits)
		if err != nil {
			return nil, err
		}
		if err := CheckRole(h, sr.isServer); err != nil {
			return nil, err
		}
		if err := CheckReserved(h, sr.deflate); err != nil {
			return nil, err
		}

		if h.Opcode.IsControl() {
			payload, err := ReadControlPayload(sr.br, h)
			if err != nil {
				return nil, err
			}
			msg := &Message{Opcode: h.Opcode, sr: sr, buffered: payload}
			sr.current = msg
			return msg, nil
		}

		switch h.Opcode {
		case wsproto.OpText, wsproto.OpBinary:
			payload, err := ReadPayload(sr.br, h)
			if err != nil {
				return nil, err
			}
			msg := &Message{Opcode: h.Opcode, sr: sr, chunk: payload, fragFin: h.Fin, Compressed: h.RSV1}
			sr.current = msg
			return msg, nil
		case wsproto.OpContinuation:
			return nil, wsproto.ErrUnexpectedContinuation
		default:
			return nil, fmt.Errorf("%w: unexpected opcode 0x%X at message start", wsproto.ErrProtocolError, byte(h.Opcode))
		}
	}
}
