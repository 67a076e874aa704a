// Package wshandshake implements the RFC 6455 opening handshake (component
// C): server-side upgrade validation and client-side dialing, subprotocol
// and extension negotiation, and the 401/407 auth-retry contract.
package wshandshake

import (
	"crypto/rand"
	"crypto/sha1" // #nosec G505 - SHA-1 is mandated by RFC 6455 Section 1.3, not used for security
	"encoding/base64"
	"strings"

	"github.com/coregx/go-socket/wsproto"
)

// websocketGUID is the fixed GUID RFC 6455 Section 1.3 concatenates onto
// the client's key before hashing.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// NewClientKey draws 16 random bytes and returns their base64 encoding, the
// value sent as Sec-WebSocket-Key (RFC 6455 Section 4.1).
func NewClientKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// AcceptKey computes Sec-WebSocket-Accept from a client's Sec-WebSocket-Key
// (RFC 6455 Section 1.3: base64(SHA-1(key + GUID))).
//
//	AcceptKey("dGhlIHNhbXBsZSBub25jZQ==") == "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func AcceptKey(clientKey string) string {
	// #nosec G401 - SHA-1 is mandated by RFC 6455 Section 1.3, not used for security
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// negotiateSubprotocol picks the first client-requested subprotocol that
// the server also supports, preserving the client's preference order (RFC
// 6455 Section 4.2.2 item 5.2 leaves the selection policy to the server;
// this mirrors the teacher's first-match behavior).
func negotiateSubprotocol(clientOffered string, serverSupported []string) string {
	if len(serverSupported) == 0 || clientOffered == "" {
		return ""
	}
	for _, want := range wsproto.SplitTokens(clientOffered) {
		for _, have := range serverSupported {
			if strings.EqualFold(want, have) {
				return have
			}
		}
	}
	return ""
}

// negotiateDeflate reports whether the client offered the
// "permessage-deflate" token in Sec-WebSocket-Extensions and the server is
// configured to allow it.
func negotiateDeflate(clientExtensions string, serverAllowsDeflate bool) bool {
	if !serverAllowsDeflate {
		return false
	}
	for _, tok := range wsproto.SplitTokens(clientExtensions) {
		if strings.EqualFold(strings.TrimSpace(strings.SplitN(tok, ";", 2)[0]), "permessage-deflate") {
			return true
		}
	}
	return false
}
