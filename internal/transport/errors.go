package transport

import (
	"fmt"
	"net/url"
)

// ConnectError is returned when the streaming connection cannot be established
type ConnectError struct {
	URL        string
	StatusCode int // handshake HTTP status, 0 when the handshake never got a response
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("connect %s: handshake rejected with status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TransportError is returned when a control-plane request fails before any
// HTTP response is received
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RedactURL hides the token query parameter so URLs are safe to log
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
