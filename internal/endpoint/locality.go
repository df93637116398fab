package endpoint

import (
	"context"
	"net"
	"strings"
	"time"
)

// Locality decides whether a host is on the local machine or LAN.
// The same-subnet part is platform dependent, so callers may swap in their own.
type Locality interface {
	IsLocal(ctx context.Context, host string) bool
}

// LocalityFunc adapts a plain function to Locality
type LocalityFunc func(ctx context.Context, host string) bool

// IsLocal implements Locality
func (f LocalityFunc) IsLocal(ctx context.Context, host string) bool {
	return f(ctx, host)
}

// DefaultLocality treats loopback, RFC 1918 ranges, link-local addresses,
// ".local" names and anything on the same subnet as an active interface as local.
type DefaultLocality struct {
	// InterfaceAddrs lists the addresses of active interfaces (net.InterfaceAddrs by default)
	InterfaceAddrs func() ([]net.Addr, error)
	// LookupIP resolves host names; nil disables lookups so only literals are classified
	LookupIP func(ctx context.Context, host string) ([]net.IP, error)
	// LookupTimeout bounds a single name lookup
	LookupTimeout time.Duration
}

// NewDefaultLocality returns a DefaultLocality backed by the system resolver
func NewDefaultLocality() *DefaultLocality {
	return &DefaultLocality{
		InterfaceAddrs: net.InterfaceAddrs,
		LookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		},
		LookupTimeout: 2 * time.Second,
	}
}

// IsLocal implements Locality
func (d *DefaultLocality) IsLocal(ctx context.Context, host string) bool {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}

	if ip := net.ParseIP(host); ip != nil {
		return d.isLocalIP(ip)
	}

	if d.LookupIP == nil {
		return false
	}
	timeout := d.LookupTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ips, err := d.LookupIP(lookupCtx, host)
	if err != nil || len(ips) == 0 {
		return false
	}
	for _, ip := range ips {
		if !d.isLocalIP(ip) {
			return false
		}
	}
	return true
}

func (d *DefaultLocality) isLocalIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return true
	}
	return d.sameSubnet(ip)
}

func (d *DefaultLocality) sameSubnet(ip net.IP) bool {
	if d.InterfaceAddrs == nil {
		return false
	}
	addrs, err := d.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
