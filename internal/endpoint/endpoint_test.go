package endpoint

import (
	"context"
	"errors"
	"net"
	"net/url"
	"testing"

	"github.com/lamim/comfyremote/pkg/models"
)

func alwaysLocal(local bool) Locality {
	return LocalityFunc(func(ctx context.Context, host string) bool { return local })
}

func TestResolve_Scheme(t *testing.T) {
	tests := []struct {
		name       string
		policy     models.TLSPolicy
		local      bool
		wantSecure bool
	}{
		{"always on LAN", models.TLSAlways, true, true},
		{"never on internet", models.TLSNever, false, false},
		{"auto on LAN", models.TLSAuto, true, false},
		{"auto on internet", models.TLSAuto, false, true},
		{"empty behaves like auto", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := models.Endpoint{Host: "example.com", Port: 8188, TLS: tt.policy}
			r, err := Resolve(context.Background(), ep, alwaysLocal(tt.local), nil)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if r.Secure() != tt.wantSecure {
				t.Errorf("Expected secure=%v, got %v", tt.wantSecure, r.Secure())
			}
		})
	}
}

func TestResolve_InvalidEndpoint(t *testing.T) {
	cases := []models.Endpoint{
		{Host: "", Port: 8188},
		{Host: "h", Port: 0},
		{Host: "h", Port: 70000},
		{Host: "h", Port: 8188, TLS: "sometimes"},
	}
	for _, ep := range cases {
		if _, err := Resolve(context.Background(), ep, alwaysLocal(true), nil); err == nil {
			t.Errorf("Expected error for %+v", ep)
		}
	}
}

func TestResolved_URLsCarryToken(t *testing.T) {
	ep := models.Endpoint{Host: "10.0.0.5", Port: 8188, TLS: models.TLSNever, Token: "s3cret"}
	r, err := Resolve(context.Background(), ep, nil, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	got := r.HTTPURL("/history/abc", nil)
	if got != "http://10.0.0.5:8188/history/abc?token=s3cret" {
		t.Errorf("Unexpected history URL: %s", got)
	}

	q := url.Values{}
	q.Set("filename", "a b.png")
	q.Set("type", "output")
	view := r.HTTPURL("view", q)
	if view != "http://10.0.0.5:8188/view?filename=a+b.png&token=s3cret&type=output" {
		t.Errorf("Unexpected view URL: %s", view)
	}

	ws := r.StreamURL("client-1")
	if ws != "ws://10.0.0.5:8188/ws?clientId=client-1&token=s3cret" {
		t.Errorf("Unexpected stream URL: %s", ws)
	}
}

func TestResolved_IPv6Host(t *testing.T) {
	ep := models.Endpoint{Host: "::1", Port: 8188, TLS: models.TLSAlways}
	r, err := Resolve(context.Background(), ep, nil, nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := r.StreamURL("c"); got != "wss://[::1]:8188/ws?clientId=c" {
		t.Errorf("Unexpected stream URL: %s", got)
	}
}

func TestDefaultLocality(t *testing.T) {
	d := &DefaultLocality{
		InterfaceAddrs: func() ([]net.Addr, error) {
			_, subnet, _ := net.ParseCIDR("100.64.10.0/24")
			subnet.IP = net.ParseIP("100.64.10.7")
			return []net.Addr{subnet}, nil
		},
		LookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			switch host {
			case "nas.home.arpa":
				return []net.IP{net.ParseIP("192.168.1.20")}, nil
			case "gpu.example.com":
				return []net.IP{net.ParseIP("203.0.113.9")}, nil
			}
			return nil, errors.New("no such host")
		},
	}

	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.32.0.1", false},
		{"192.168.0.10", true},
		{"comfy.local", true},
		{"100.64.10.42", true}, // same subnet as the interface
		{"100.64.11.42", false},
		{"nas.home.arpa", true},
		{"gpu.example.com", false},
		{"unknown.invalid", false},
		{"8.8.8.8", false},
	}

	for _, tt := range tests {
		if got := d.IsLocal(context.Background(), tt.host); got != tt.want {
			t.Errorf("IsLocal(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
