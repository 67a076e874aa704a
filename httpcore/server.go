package httpcore

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coregx/go-socket/wsproto"
)

// Timeouts per spec.md §4.D / §5.
const (
	firstRequestIdleTimeout = 90 * time.Second
	reuseIdleTimeout        = 15 * time.Second
	maxKeepAliveReuses      = 100
)

// Handler serves one parsed request. Implementations that want to perform
// a WebSocket upgrade call ResponseWriter.Hijack and hand the raw
// connection to wshandshake; implementations that want keep-alive reuse
// must not hijack.
type Handler interface {
	ServeHTTP(w *ResponseWriter, r *Request)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(w *ResponseWriter, r *Request)

// ServeHTTP calls f(w, r).
func (f HandlerFunc) ServeHTTP(w *ResponseWriter, r *Request) { f(w, r) }

// Options configures a Server.
type Options struct {
	// TLSConfig, if non-nil, wraps accepted connections in TLS before
	// parsing any HTTP (spec.md §4.D: "optionally wrap in TLS").
	TLSConfig *tls.Config
	// Logger receives structured connection lifecycle events. The zero
	// value is a disabled logger (writes nothing).
	Logger zerolog.Logger
}

// Server accepts TCP (optionally TLS) connections and drives each through
// the HTTP/1.1 request/response/keep-alive state machine described in
// spec.md §4.D.
type Server struct {
	handler Handler
	opts    Options

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewServer constructs a Server that dispatches every parsed request to
// handler.
func NewServer(handler Handler, opts Options) *Server {
	return &Server{handler: handler, opts: opts}
}

// Serve accepts connections from ln until the server is shut down,
// spawning one goroutine per connection (spec.md §5: "Each accepted TCP
// connection spawns one logical task pair").
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("httpcore: server already closed")
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// Shutdown stops accepting new connections and waits for every connection
// goroutine to return: a keep-alive connection keeps being served until
// the client closes it or its idle timeout expires, and a hijacked
// connection's goroutine returns when its handler does.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	hijacked := false
	defer func() {
		if !hijacked {
			conn.Close()
		}
	}()

	if s.opts.TLSConfig != nil {
		tlsConn := tls.Server(conn, s.opts.TLSConfig)
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			s.opts.Logger.Debug().Err(err).Msg("httpcore: TLS handshake failed")
			return
		}
		conn = tlsConn
	}

	br := bufio.NewReader(conn)
	reuses := 0

	for {
		idle := firstRequestIdleTimeout
		if reuses > 0 {
			idle = reuseIdleTimeout
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		req, err := readRequest(br, conn.RemoteAddr().String())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			s.writeParseError(conn, err)
			return
		}

		bw := bufio.NewWriter(conn)
		rw := newResponseWriter(conn, br, bw)

		if expect := req.Header.Get("Expect"); strings.EqualFold(expect, "100-continue") {
			if err := rw.WriteContinue(); err != nil {
				return
			}
		}

		s.handler.ServeHTTP(rw, req)

		if rw.hijacked {
			// The handshake (or another protocol switch) now owns conn;
			// stop managing its lifecycle here.
			hijacked = true
			return
		}

		if err := rw.Flush(); err != nil {
			return
		}

		reuses++
		closeConn := rw.ForceClose() ||
			httpConnectionWantsClose(req) ||
			reuses >= maxKeepAliveReuses ||
			req.ProtoMajor < 1 || (req.ProtoMajor == 1 && req.ProtoMinor < 1)
		if closeConn {
			return
		}
	}
}

func (s *Server) writeParseError(conn net.Conn, err error) {
	if errors.Is(err, io.EOF) {
		return
	}
	status := http.StatusBadRequest
	var rle *requestLineError
	if errors.As(err, &rle) {
		status = rle.status
	}
	bw := bufio.NewWriter(conn)
	rw := newResponseWriter(conn, bufio.NewReader(conn), bw)
	rw.WriteError(status)
	_ = rw.Flush()
}

// httpConnectionWantsClose reports whether the request's Connection header
// asked for the connection to close after this response (HTTP/1.0 default,
// or an explicit "close" token on HTTP/1.1).
func httpConnectionWantsClose(r *Request) bool {
	conn := r.Header.Get("Connection")
	if conn != "" {
		return wsproto.HeaderContainsToken(conn, "close")
	}
	return r.ProtoMajor == 1 && r.ProtoMinor == 0
}
