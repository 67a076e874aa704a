package wsconn

import (
	"encoding/binary"
	"time"

	"github.com/coregx/go-socket/wsproto"
)

// Close starts the closing handshake with CloseNormal and no reason, then
// waits for the peer's Close frame or waitTime, whichever comes first.
func (c *Conn) Close() error {
	return c.CloseWithCode(wsproto.CloseNormal, "")
}

// CloseWithCode starts the closing handshake with the given code/reason
// (spec.md §4.E Close): sends a Close frame, transitions to Closing, and
// waits for the peer's own Close frame (or abandons the wait after
// waitTime and tears down unilaterally). Calling CloseWithCode more than
// once, or after the peer already closed, is a no-op.
func (c *Conn) CloseWithCode(code wsproto.CloseCode, reason string) error {
	if c.State() == Closed {
		return nil
	}
	if code != 0 && !code.ValidOnWire() {
		return wsproto.ErrInvalidCloseCode
	}
	if len(reason) > 123 {
		return wsproto.ErrCloseReasonTooLong
	}

	c.state.CompareAndSwap(int32(Open), int32(Closing))

	if err := c.sendCloseFrame(code, reason); err != nil {
		c.finish(code, reason, false)
		return err
	}

	select {
	case <-c.closeWaitCh:
		// The receive loop's onPeerClose already called finish.
	case <-time.After(c.waitTime):
		c.finish(code, reason, false)
	}
	return nil
}

// sendCloseFrame sends a Close frame exactly once per connection; later
// calls (from either direction of the handshake) are no-ops.
func (c *Conn) sendCloseFrame(code wsproto.CloseCode, reason string) error {
	c.closeMu.Lock()
	if c.closeSent {
		c.closeMu.Unlock()
		return nil
	}
	c.closeSent = true
	c.closeMu.Unlock()

	return c.writeControlFrame(wsproto.OpClose, encodeClosePayload(code, reason))
}

// encodeClosePayload builds a Close frame payload: a 2-byte big-endian
// code followed by the UTF-8 reason (RFC 6455 Section 7.4). code==0 (no
// status code; CloseNoStatus itself is 1005 and is never sent) omits the
// code entirely, producing an empty Close payload.
func encodeClosePayload(code wsproto.CloseCode, reason string) []byte {
	if code == 0 {
		return nil
	}
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf[:2], uint16(code))
	copy(buf[2:], reason)
	return buf
}

// WasClean reports whether the close handshake completed on both sides
// (spec.md §4.E Close: "wasClean ... both sides exchanged Close frames").
// Valid only after the connection has reached Closed.
func (c *Conn) WasClean() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.wasClean
}

// PeerCloseInfo returns the code and reason carried by the peer's Close
// frame, if one was received. Valid only after the connection has reached
// Closed.
func (c *Conn) PeerCloseInfo() (code wsproto.CloseCode, reason string, received bool) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.peerCode, c.peerReason, c.closeRecvd
}
