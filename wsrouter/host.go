// Package wsrouter implements the service host: a path -> behavior-factory
// binding that upgrades matching requests and registers the resulting
// session with a per-host SessionManager (spec.md §4.G).
package wsrouter

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coregx/go-socket/httpcore"
	"github.com/coregx/go-socket/wsconn"
	"github.com/coregx/go-socket/wshandshake"
	"github.com/coregx/go-socket/wshub"
	"github.com/coregx/go-socket/wsproto"
)

// BehaviorFactory builds the Handler a newly accepted session will use for
// its lifetime, given the request that triggered the upgrade (so a
// factory can read query parameters or headers, e.g. a chat username).
// Called once per request on a registered path, before the handshake is
// validated (so also for a request whose handshake then fails) and before
// the session is registered, mirroring spec.md §4.G: "a new session
// object is constructed via the factory, wrapped around the new
// Connection".
type BehaviorFactory func(r *httpcore.Request) wsconn.Handler

// HostState is ServiceHost's own Start/Stop lifecycle (spec.md §3
// ServiceHost: "Started/stopped as a whole").
type HostState int32

const (
	HostIdle HostState = iota
	HostStarted
	HostStopped
)

// route pairs a normalized path with the factory registered for it.
type route struct {
	path    string
	factory BehaviorFactory
}

// ServiceHost holds the path -> behavior-factory map, an embedded
// httpcore.Server, and the SessionManager every accepted session
// registers with. Grounded on coregx-stream's examples/websocket
// single-path http.HandleFunc wiring, generalized to a multi-path router
// dispatching through httpcore.Server instead of net/http.ServeMux.
type ServiceHost struct {
	log zerolog.Logger

	mu     sync.RWMutex
	routes map[string]route

	server  *httpcore.Server
	manager *wshub.SessionManager

	handshakeOpts wshandshake.ServerOptions

	state atomic.Int32
}

// Options configures a ServiceHost.
type Options struct {
	Logger        zerolog.Logger
	HandshakeOpts wshandshake.ServerOptions
	ServerOpts    httpcore.Options
	SweepInterval time.Duration
}

// NewServiceHost creates a ServiceHost with no routes registered yet; use
// Handle to bind paths before calling Start.
func NewServiceHost(opts Options) *ServiceHost {
	h := &ServiceHost{
		log:           opts.Logger,
		routes:        make(map[string]route),
		manager:       wshub.NewSessionManager(opts.Logger, opts.SweepInterval),
		handshakeOpts: opts.HandshakeOpts,
	}
	serverOpts := opts.ServerOpts
	serverOpts.Logger = opts.Logger
	h.server = httpcore.NewServer(httpcore.HandlerFunc(h.serveHTTP), serverOpts)
	return h
}

// Handle binds path to factory. path is normalized the same way incoming
// request paths are (URL-decoded, trailing slash stripped), so
// registering "/chat/" and serving "/chat" match each other.
func (h *ServiceHost) Handle(path string, factory BehaviorFactory) {
	p := normalizePath(path)
	h.mu.Lock()
	h.routes[p] = route{path: p, factory: factory}
	h.mu.Unlock()
}

// Manager returns the host's SessionManager, for callers that want to
// broadcast or inspect sessions directly (e.g. an admin endpoint).
func (h *ServiceHost) Manager() *wshub.SessionManager { return h.manager }

// State returns the host's Start/Stop lifecycle state.
func (h *ServiceHost) State() HostState { return HostState(h.state.Load()) }

// Start transitions the host to Started, starts the SessionManager's
// sweep task, and serves ln until Stop is called (spec.md §3: "Started
// ... as a whole"). Start blocks; call it in its own goroutine.
func (h *ServiceHost) Start(ln net.Listener) error {
	if !h.state.CompareAndSwap(int32(HostIdle), int32(HostStarted)) {
		return nil
	}
	h.manager.Start()
	return h.server.Serve(ln)
}

// Stop stops accepting new connections and closes every registered
// session in parallel with the given close code/reason, bounded by
// timeout (spec.md §5: "Server stop() cancels the accept loop and closes
// all sessions ... in parallel"). The server shutdown runs alongside the
// session closes, since it waits for each upgraded session's handler to
// return.
func (h *ServiceHost) Stop(ctx context.Context, code wsproto.CloseCode, reason string, timeout time.Duration) error {
	if !h.state.CompareAndSwap(int32(HostStarted), int32(HostStopped)) {
		return nil
	}
	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- h.server.Shutdown() }()
	mgrErr := h.manager.Stop(ctx, code, reason, timeout)
	serverErr := <-serverErrCh
	if serverErr != nil {
		return serverErr
	}
	return mgrErr
}

// serveHTTP dispatches one parsed request: non-matching paths reject with
// 501 (spec.md §4.G: "on miss, the handshake is rejected with 501");
// matching paths run the opening handshake and, on success, register the
// new session and run its receive loop until the connection closes.
func (h *ServiceHost) serveHTTP(w *httpcore.ResponseWriter, r *httpcore.Request) {
	path := normalizePath(r.Path)

	h.mu.RLock()
	rt, ok := h.routes[path]
	h.mu.RUnlock()
	if !ok {
		w.WriteError(501)
		return
	}

	behavior := rt.factory(r)
	conn, err := wshandshake.Accept(w, r, behavior, h.handshakeOpts)
	if err != nil {
		h.log.Debug().Err(err).Str("path", path).Msg("wsrouter: handshake rejected")
		w.WriteError(400)
		return
	}

	id, err := h.manager.Add(conn)
	if err != nil {
		h.log.Warn().Err(err).Str("path", path).Msg("wsrouter: session manager rejected new connection")
		_ = conn.CloseWithCode(wsproto.CloseInternalError, "session manager unavailable")
		return
	}

	h.log.Info().Str("session_id", id).Str("path", path).Msg("wsrouter: session opened")
	conn.Start()
	h.manager.Remove(id)
	h.log.Info().Str("session_id", id).Str("path", path).Msg("wsrouter: session closed")
}

// normalizePath URL-decodes path and strips a single trailing slash,
// except for the root path itself (spec.md §4.G: "Paths are URL-decoded
// and trailing / stripped").
func normalizePath(path string) string {
	decoded, err := url.PathUnescape(path)
	if err != nil {
		decoded = path
	}
	if len(decoded) > 1 {
		decoded = strings.TrimSuffix(decoded, "/")
	}
	return decoded
}
