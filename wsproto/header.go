package wsproto

import "strings"

// HeaderContainsToken reports whether the comma-separated header value
// contains token, case-insensitively, ignoring surrounding whitespace
// around each comma-separated item. Used for Upgrade/Connection header
// validation (RFC 6455 Section 4.2.1) and for HTTP/1.1 Connection header
// parsing in the embedded server core.
func HeaderContainsToken(header, token string) bool {
	token = strings.ToLower(token)
	for _, item := range strings.Split(header, ",") {
		if strings.ToLower(strings.TrimSpace(item)) == token {
			return true
		}
	}
	return false
}

// SplitTokens splits a comma-separated header value into trimmed tokens,
// dropping empty entries. Used for Sec-WebSocket-Protocol and
// Sec-WebSocket-Extensions negotiation.
func SplitTokens(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}
