package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/lamim/comfyremote/pkg/models"
)

// Resolved holds the URLs derived from an Endpoint once its TLS policy has
// been decided. It is immutable after Resolve returns.
type Resolved struct {
	endpoint models.Endpoint
	secure   bool
	httpBase url.URL
	wsBase   url.URL
}

// Resolve decides the scheme for ep and builds the base URLs.
// locality is only consulted for TLSAuto; nil means DefaultLocality.
func Resolve(ctx context.Context, ep models.Endpoint, locality Locality, logger *slog.Logger) (*Resolved, error) {
	if ep.Host == "" {
		return nil, fmt.Errorf("endpoint host is required")
	}
	if ep.Port < 1 || ep.Port > 65535 {
		return nil, fmt.Errorf("endpoint port must be between 1 and 65535 (got %d)", ep.Port)
	}

	var secure bool
	switch ep.TLS {
	case models.TLSAlways:
		secure = true
	case models.TLSNever:
		secure = false
	case models.TLSAuto, "":
		if locality == nil {
			locality = NewDefaultLocality()
		}
		secure = !locality.IsLocal(ctx, ep.Host)
	default:
		return nil, fmt.Errorf("unknown tls policy %q", ep.TLS)
	}

	hostPort := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	r := &Resolved{
		endpoint: ep,
		secure:   secure,
		httpBase: url.URL{Scheme: "http", Host: hostPort},
		wsBase:   url.URL{Scheme: "ws", Host: hostPort},
	}
	if secure {
		r.httpBase.Scheme = "https"
		r.wsBase.Scheme = "wss"
	}

	if logger != nil {
		logger.Debug("Resolved endpoint",
			"host", ep.Host,
			"port", ep.Port,
			"tls_policy", ep.TLS,
			"secure", secure)
	}

	return r, nil
}

// Secure reports whether TLS was chosen
func (r *Resolved) Secure() bool {
	return r.secure
}

// Token returns the auth token, if any
func (r *Resolved) Token() string {
	return r.endpoint.Token
}

// Endpoint returns the endpoint the URLs were built from
func (r *Resolved) Endpoint() models.Endpoint {
	return r.endpoint
}

// HTTPURL builds a control-plane URL for path with query parameters.
// The token, when set, is appended as the "token" query parameter.
func (r *Resolved) HTTPURL(path string, query url.Values) string {
	u := r.httpBase
	u.Path = "/" + strings.TrimPrefix(path, "/")
	u.RawQuery = r.withToken(query).Encode()
	return u.String()
}

// StreamURL builds the websocket URL that attributes events to clientID
func (r *Resolved) StreamURL(clientID string) string {
	u := r.wsBase
	u.Path = "/ws"
	q := url.Values{}
	q.Set("clientId", clientID)
	u.RawQuery = r.withToken(q).Encode()
	return u.String()
}

func (r *Resolved) withToken(query url.Values) url.Values {
	out := url.Values{}
	for k, v := range query {
		out[k] = append([]string(nil), v...)
	}
	if r.endpoint.Token != "" && out.Get("token") == "" {
		out.Set("token", r.endpoint.Token)
	}
	return out
}
