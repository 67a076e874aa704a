package wshandshake

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
)

// tunnelThroughProxy issues an HTTP CONNECT to proxyURL asking it to
// tunnel to targetAddr, retrying once with Proxy-Authorization if the
// proxy challenges with 407 (spec.md §4.C Proxy: "Client may issue an
// HTTP CONNECT to a proxy before TLS; proxy may challenge with 407,
// triggering one retry with Proxy-Authorization").
func tunnelThroughProxy(ctx context.Context, nc net.Conn, proxyURL, targetAddr string, auth Authenticator) (net.Conn, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("wshandshake: parse proxy url: %w", err)
	}

	var d net.Dialer
	proxyConn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("wshandshake: dial proxy %s: %w", u.Host, err)
	}
	nc.Close() // the direct dial to targetAddr is replaced by the proxy tunnel

	br := bufio.NewReader(proxyConn)
	status, header, err := connectRequest(proxyConn, br, targetAddr, "")
	if err != nil {
		proxyConn.Close()
		return nil, err
	}

	if status == 407 && auth != nil {
		challenge := header.Get("Proxy-Authenticate")
		cred, authErr := auth.Authorize(challenge, "CONNECT", targetAddr)
		if authErr != nil {
			proxyConn.Close()
			return nil, fmt.Errorf("wshandshake: proxy auth retry: %w", authErr)
		}
		status, _, err = connectRequest(proxyConn, br, targetAddr, cred)
		if err != nil {
			proxyConn.Close()
			return nil, err
		}
	}

	if status != 200 {
		proxyConn.Close()
		return nil, fmt.Errorf("wshandshake: proxy CONNECT failed with status %d", status)
	}
	return proxyConn, nil
}

func connectRequest(nc net.Conn, br *bufio.Reader, targetAddr, proxyAuth string) (int, httpHeaderGetter, error) {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, targetAddr)
	if proxyAuth != "" {
		req += fmt.Sprintf("Proxy-Authorization: %s\r\n", proxyAuth)
	}
	req += "\r\n"
	if _, err := nc.Write([]byte(req)); err != nil {
		return 0, nil, fmt.Errorf("wshandshake: write CONNECT: %w", err)
	}
	resp, err := readResponseHead(br)
	if err != nil {
		return 0, nil, fmt.Errorf("wshandshake: read CONNECT response: %w", err)
	}
	return resp.status, resp.header, nil
}

// httpHeaderGetter is the minimal header-lookup surface connectRequest's
// caller needs; net/http.Header already satisfies it.
type httpHeaderGetter interface {
	Get(string) string
}
