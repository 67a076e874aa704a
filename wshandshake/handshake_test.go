package wshandshake

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coregx/go-socket/httpcore"
)

func TestAcceptKeyMatchesRFCExample(t *testing.T) {
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("AcceptKey() = %q, want %q", got, want)
	}
}

func TestNegotiateSubprotocolFirstMatch(t *testing.T) {
	got := negotiateSubprotocol("chat, superchat", []string{"superchat", "chat"})
	if got != "chat" {
		t.Fatalf("negotiateSubprotocol() = %q, want %q", got, "chat")
	}
}

func TestNegotiateSubprotocolNoOverlap(t *testing.T) {
	got := negotiateSubprotocol("chat", []string{"other"})
	if got != "" {
		t.Fatalf("negotiateSubprotocol() = %q, want empty", got)
	}
}

func TestNegotiateDeflate(t *testing.T) {
	if !negotiateDeflate("permessage-deflate; client_max_window_bits", true) {
		t.Fatal("expected deflate to be negotiated")
	}
	if negotiateDeflate("permessage-deflate", false) {
		t.Fatal("expected deflate to stay off when server disallows it")
	}
	if negotiateDeflate("", true) {
		t.Fatal("expected no negotiation with no extensions offered")
	}
}

func TestAcceptUpgradesConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	s := httpcore.NewServer(httpcore.HandlerFunc(func(w *httpcore.ResponseWriter, r *httpcore.Request) {
		conn, err := Accept(w, r, nil, ServerOptions{Subprotocols: []string{"chat"}})
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		if conn == nil {
			t.Error("Accept returned nil conn")
		}
	}), httpcore.Options{})

	done := make(chan struct{})
	go func() {
		s.Serve(listenerFrom(server))
		close(done)
	}()
	defer s.Shutdown()

	req := "GET /chat HTTP/1.1\r\nHost: x\r\n" +
		"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\nSec-WebSocket-Protocol: chat\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(line, "101") {
		t.Fatalf("status line = %q, want 101", line)
	}

	headers := map[string]string{}
	for {
		l, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		l = strings.TrimRight(l, "\r\n")
		if l == "" {
			break
		}
		name, value, _ := strings.Cut(l, ":")
		headers[http.CanonicalHeaderKey(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	if headers["Sec-Websocket-Accept"] != AcceptKey("dGhlIHNhbXBsZSBub25jZQ==") {
		t.Fatalf("Sec-WebSocket-Accept = %q", headers["Sec-Websocket-Accept"])
	}
	if headers["Sec-Websocket-Protocol"] != "chat" {
		t.Fatalf("Sec-WebSocket-Protocol = %q, want chat", headers["Sec-Websocket-Protocol"])
	}
}

// listenerFrom adapts a single already-connected net.Conn into a
// net.Listener that yields it exactly once, so httpcore.Server.Serve can
// drive a net.Pipe-backed connection without a real TCP listener.
type singleConnListener struct {
	conn net.Conn
	used bool
	done chan struct{}
}

func listenerFrom(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, done: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.used {
		<-l.done
		return nil, net.ErrClosed
	}
	l.used = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

func TestProxyTunnelRejectsNonOKStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		_, _ = br.ReadString('\n')
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		_, _ = c.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
	}()

	_, err = tunnelThroughProxy(context.Background(), mustDial(t, ln.Addr().String()), "http://"+ln.Addr().String(), "example.com:443", nil)
	if err == nil {
		t.Fatal("expected an error for a non-200 CONNECT response")
	}
}

func mustDial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}
