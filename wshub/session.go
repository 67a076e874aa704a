// Package wshub implements the per-service session registry: tracking
// open sessions, fanning out broadcasts and pings, sweeping dead entries,
// and a graceful, parallel shutdown.
package wshub

import (
	"github.com/lithammer/shortuuid/v4"

	"github.com/coregx/go-socket/wsconn"
)

// Session pairs a Connection with its opaque id and service-assigned
// behavior (spec.md §3 Session: "Server-side pairing of Connection +
// behavior + unique id (opaque 128-bit string)"). Behavior is whatever
// the owning ServiceHost's factory attached to the Conn's Handler; Session
// itself only needs the Conn to drive Broadcast/BroadPing/Sweep/Stop.
type Session struct {
	ID   string
	Conn *wsconn.Conn
}

// newSessionID mints a fresh opaque session id. spec.md §4.F literally
// describes "a fresh random 128-bit hex" id; this module instead uses
// shortuuid's base57 encoding of a random UUID (also 128 bits of entropy,
// just not hex-formatted on the wire) because SPEC_FULL.md's dependency
// wiring commits to shortuuid for this id, matching how the rest of the
// retrieved pack (tzrikka-timpani) mints opaque ids. "Opaque" is the
// operative word in spec.md §3: callers never parse or compare substrings
// of a session id, so the encoding is free to vary as long as it stays a
// collision-resistant 128-bit value.
func newSessionID() string {
	return shortuuid.New()
}
