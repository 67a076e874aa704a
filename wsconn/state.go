// Package wsconn implements the WebSocket connection state machine
// (component E): Connecting -> Open -> Closing -> Closed, single-writer
// send discipline, ping/pong keepalive, and the close handshake.
package wsconn

import "fmt"

// State is a connection's position in its lifecycle (spec.md §3, §4.E).
// Connecting is the initial state for both client and server roles;
// Closed is terminal and never reopens.
type State int32

const (
	// Connecting is the state before the handshake completes.
	Connecting State = iota
	// Open is the state once the handshake has completed on both sides.
	Open
	// Closing is entered when a user-initiated Close has sent its Close
	// frame and is waiting for the peer's reply. A received Close frame or
	// a detected protocol error does not pass through Closing: the
	// connection moves from Open straight to Closed.
	Closing
	// Closed is terminal: the underlying byte stream has been released.
	Closed
)

// String returns the lifecycle state's name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
