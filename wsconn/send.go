package wsconn

import (
	"fmt"

	"github.com/coregx/go-socket/wsframe"
	"github.com/coregx/go-socket/wsproto"
)

// Send writes one message of the given opcode (Text or Binary), splitting
// it into fragments of at most fragmentLength bytes (spec.md §4.E Send:
// "fragments a message into frames of at most fragment_length"). Send is
// safe for concurrent use; frames from concurrent Send/Ping/Close calls
// never interleave on the wire (spec.md §5: "single-writer discipline").
func (c *Conn) Send(opcode wsproto.Opcode, payload []byte) error {
	if c.State() != Open {
		return wsproto.ErrClosed
	}
	if opcode != wsproto.OpText && opcode != wsproto.OpBinary {
		return fmt.Errorf("wsconn: Send requires a data opcode, got %s", opcode)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	body := payload
	rsv1 := false
	if c.deflateNegotiated && c.compressor != nil && len(payload) > 0 {
		deflated, err := c.compressor.Deflate(payload)
		if err != nil {
			return fmt.Errorf("wsconn: deflate payload: %w", err)
		}
		body = deflated
		rsv1 = true
	}

	if len(body) == 0 {
		return c.writeFrameLocked(true, rsv1, opcode, nil)
	}

	for offset := 0; offset < len(body); offset += c.fragmentLength {
		end := offset + c.fragmentLength
		if end > len(body) {
			end = len(body)
		}
		fin := end == len(body)
		frameOpcode := opcode
		frameRSV1 := false
		if offset == 0 {
			frameRSV1 = rsv1
		} else {
			frameOpcode = wsproto.OpContinuation
		}
		if err := c.writeFrameLocked(fin, frameRSV1, frameOpcode, body[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

// WriteText sends s as a single Text message.
func (c *Conn) WriteText(s string) error { return c.Send(wsproto.OpText, []byte(s)) }

// WriteBinary sends p as a single Binary message.
func (c *Conn) WriteBinary(p []byte) error { return c.Send(wsproto.OpBinary, p) }

// writeFrameLocked emits one frame. Callers must hold writeMu.
func (c *Conn) writeFrameLocked(fin, rsv1 bool, opcode wsproto.Opcode, payload []byte) error {
	return wsframe.WriteFrame(c.bw, fin, rsv1, opcode, payload, c.isClient)
}

// writeControlFrame emits one Ping/Pong/Close frame under the shared
// write lock. Control frames are never fragmented (RFC 6455 Section 5.5).
func (c *Conn) writeControlFrame(opcode wsproto.Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(true, false, opcode, payload)
}
