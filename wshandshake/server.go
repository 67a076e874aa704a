package wshandshake

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/coregx/go-socket/httpcore"
	"github.com/coregx/go-socket/wsconn"
	"github.com/coregx/go-socket/wsproto"
)

// Sentinel errors returned by Accept when a request fails handshake
// validation (spec.md §6: "HandshakeFailure: any 4xx on upgrade, or
// invalid Accept/Version; connection never reaches Open").
var (
	ErrNotGet             = errors.New("wshandshake: request method must be GET")
	ErrMissingUpgrade     = errors.New("wshandshake: missing or invalid Upgrade header")
	ErrMissingConnection  = errors.New("wshandshake: missing or invalid Connection header")
	ErrUnsupportedVersion = errors.New("wshandshake: unsupported Sec-WebSocket-Version")
	ErrMissingKey         = errors.New("wshandshake: missing Sec-WebSocket-Key")
	ErrOriginRejected     = errors.New("wshandshake: origin rejected")
)

// ServerOptions configures Accept.
type ServerOptions struct {
	// Subprotocols lists the subprotocols this server supports, in order
	// of preference for ties; the client's order wins when both sides
	// offer more than one acceptable match.
	Subprotocols []string
	// AllowDeflate enables negotiating the permessage-deflate extension
	// token when the client offers it.
	AllowDeflate bool
	Compressor   wsconn.Compressor
	// CheckOrigin, if non-nil, validates the request's Origin header; a
	// false return rejects the upgrade with ErrOriginRejected.
	CheckOrigin func(r *httpcore.Request) bool
	// ConnOptions carries wsconn tuning (wait time, fragment length,
	// frame-size limits) through to the constructed Conn.
	ConnOptions wsconn.Options
}

// Accept validates r as a WebSocket upgrade request (RFC 6455 Section
// 4.2.1), writes the 101 Switching Protocols response, hijacks the
// connection, and returns a ready-to-Start wsconn.Conn.
func Accept(w *httpcore.ResponseWriter, r *httpcore.Request, handler wsconn.Handler, opts ServerOptions) (*wsconn.Conn, error) {
	if r.Method != http.MethodGet {
		return nil, ErrNotGet
	}
	if !wsproto.HeaderContainsToken(r.Header.Get("Upgrade"), "websocket") {
		return nil, ErrMissingUpgrade
	}
	if !wsproto.HeaderContainsToken(r.Header.Get("Connection"), "upgrade") {
		return nil, ErrMissingConnection
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return nil, ErrUnsupportedVersion
	}
	clientKey := r.Header.Get("Sec-WebSocket-Key")
	if clientKey == "" {
		return nil, ErrMissingKey
	}
	if opts.CheckOrigin != nil && !opts.CheckOrigin(r) {
		return nil, ErrOriginRejected
	}

	subprotocol := negotiateSubprotocol(r.Header.Get("Sec-WebSocket-Protocol"), opts.Subprotocols)
	deflate := negotiateDeflate(r.Header.Get("Sec-WebSocket-Extensions"), opts.AllowDeflate)

	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", AcceptKey(clientKey))
	if subprotocol != "" {
		w.Header().Set("Sec-WebSocket-Protocol", subprotocol)
	}
	var extensions []string
	if deflate {
		w.Header().Set("Sec-WebSocket-Extensions", "permessage-deflate")
		extensions = []string{"permessage-deflate"}
	}
	w.WriteHeader(http.StatusSwitchingProtocols)

	conn, rw, err := w.Hijack()
	if err != nil {
		return nil, fmt.Errorf("wshandshake: hijack: %w", err)
	}
	if err := rw.Flush(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wshandshake: flush upgrade response: %w", err)
	}

	connOpts := opts.ConnOptions
	connOpts.IsClient = false
	connOpts.DeflateNegotiated = deflate
	connOpts.Compressor = opts.Compressor
	connOpts.Subprotocol = subprotocol
	connOpts.Extensions = extensions

	return wsconn.New(conn, rw.Reader, rw.Writer, handler, connOpts), nil
}
