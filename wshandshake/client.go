package wshandshake

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coregx/go-socket/wsconn"
)

// first-response / post-auth-retry timeouts (spec.md §4.C: "await response
// with a timeout (default 90s for first, 15s after auth retry)").
const (
	firstResponseTimeout = 90 * time.Second
	retryResponseTimeout = 15 * time.Second
)

// DialOptions configures Dial.
type DialOptions struct {
	Header         http.Header
	Subprotocols   []string
	RequestDeflate bool
	TLSConfig      *tls.Config
	ProxyURL       string
	Authenticator  Authenticator
	// Handler receives the connection's lifecycle and message events once
	// Start is called on the returned Conn; nil is valid for callers that
	// only send and never care about incoming messages.
	Handler     wsconn.Handler
	ConnOptions wsconn.Options
}

// Dial performs the client side of the opening handshake against rawURL
// ("ws://" or "wss://") and returns a ready-to-Start wsconn.Conn.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*wsconn.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wshandshake: parse url: %w", err)
	}
	tlsRequired := u.Scheme == "wss"
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wshandshake: unsupported scheme %q", u.Scheme)
	}
	addr := u.Host
	if !strings.Contains(addr, ":") {
		if tlsRequired {
			addr += ":443"
		} else {
			addr += ":80"
		}
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wshandshake: dial %s: %w", addr, err)
	}

	if opts.ProxyURL != "" {
		if nc, err = tunnelThroughProxy(ctx, nc, opts.ProxyURL, addr, opts.Authenticator); err != nil {
			return nil, err
		}
	}

	if tlsRequired {
		tlsConf := opts.TLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		tlsConn := tls.Client(nc, tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("wshandshake: TLS handshake: %w", err)
		}
		nc = tlsConn
	}

	br := bufio.NewReader(nc)
	resp, clientKey, err := performUpgrade(nc, br, u, opts, firstResponseTimeout)
	if err != nil {
		nc.Close()
		return nil, err
	}

	if (resp.status == http.StatusUnauthorized) && opts.Authenticator != nil {
		challenge := resp.header.Get("WWW-Authenticate")
		cred, authErr := opts.Authenticator.Authorize(challenge, "GET", u.RequestURI())
		if authErr != nil {
			nc.Close()
			return nil, fmt.Errorf("wshandshake: auth retry: %w", authErr)
		}
		if opts.Header == nil {
			opts.Header = http.Header{}
		}
		opts.Header.Set("Authorization", cred)
		resp, clientKey, err = performUpgrade(nc, br, u, opts, retryResponseTimeout)
		if err != nil {
			nc.Close()
			return nil, err
		}
	}

	if resp.status != http.StatusSwitchingProtocols {
		nc.Close()
		return nil, fmt.Errorf("wshandshake: handshake failed with status %d", resp.status)
	}
	if !strings.EqualFold(resp.header.Get("Upgrade"), "websocket") ||
		!wantsUpgrade(resp.header.Get("Connection")) {
		nc.Close()
		return nil, fmt.Errorf("wshandshake: %w", ErrMissingUpgrade)
	}
	if resp.header.Get("Sec-WebSocket-Accept") != AcceptKey(clientKey) {
		nc.Close()
		return nil, fmt.Errorf("wshandshake: Sec-WebSocket-Accept mismatch")
	}

	deflate := opts.RequestDeflate && strings.Contains(strings.ToLower(resp.header.Get("Sec-WebSocket-Extensions")), "permessage-deflate")
	var extensions []string
	if deflate {
		extensions = []string{"permessage-deflate"}
	}

	connOpts := opts.ConnOptions
	connOpts.IsClient = true
	connOpts.DeflateNegotiated = deflate
	connOpts.Subprotocol = resp.header.Get("Sec-WebSocket-Protocol")
	connOpts.Extensions = extensions

	bw := bufio.NewWriter(nc)
	return wsconn.New(nc, br, bw, opts.Handler, connOpts), nil
}

// clientResponse is the subset of an HTTP response the handshake needs.
type clientResponse struct {
	status int
	header http.Header
}

// performUpgrade writes one upgrade request and reads its response,
// enforcing deadline as the read timeout (spec.md §4.C).
func performUpgrade(nc net.Conn, br *bufio.Reader, u *url.URL, opts DialOptions, deadline time.Duration) (clientResponse, string, error) {
	clientKey, err := NewClientKey()
	if err != nil {
		return clientResponse{}, "", fmt.Errorf("wshandshake: generate client key: %w", err)
	}

	var b strings.Builder
	requestURI := u.RequestURI()
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", requestURI)
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", clientKey)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	if len(opts.Subprotocols) > 0 {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(opts.Subprotocols, ", "))
	}
	if opts.RequestDeflate {
		b.WriteString("Sec-WebSocket-Extensions: permessage-deflate\r\n")
	}
	for name, values := range opts.Header {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	b.WriteString("\r\n")

	_ = nc.SetDeadline(time.Now().Add(deadline))
	if _, err := nc.Write([]byte(b.String())); err != nil {
		return clientResponse{}, "", fmt.Errorf("wshandshake: write request: %w", err)
	}

	resp, err := readResponseHead(br)
	if err != nil {
		return clientResponse{}, "", fmt.Errorf("wshandshake: read response: %w", err)
	}
	_ = nc.SetDeadline(time.Time{})
	return resp, clientKey, nil
}

// readResponseHead parses an HTTP/1.1 status line and header block, the
// client-side mirror of httpcore's request parser (spec.md §4.C: the
// handshake parses both directions of the same wire format).
func readResponseHead(br *bufio.Reader) (clientResponse, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return clientResponse{}, err
	}
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return clientResponse{}, fmt.Errorf("wshandshake: malformed status line %q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return clientResponse{}, fmt.Errorf("wshandshake: malformed status code %q", parts[1])
	}

	header := http.Header{}
	for {
		hline, err := br.ReadString('\n')
		if err != nil {
			return clientResponse{}, err
		}
		hline = strings.TrimRight(hline, "\r\n")
		if hline == "" {
			break
		}
		name, value, ok := strings.Cut(hline, ":")
		if !ok {
			continue
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	return clientResponse{status: status, header: header}, nil
}

func wantsUpgrade(connectionHeader string) bool {
	for _, tok := range strings.Split(connectionHeader, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}
