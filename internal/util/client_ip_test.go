package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"10.0.0.0/8", " ", "192.168.1.5"})
	if err != nil {
		t.Fatalf("parse trusted proxies: %v", err)
	}

	cases := []struct {
		name    string
		trusted *TrustedProxies
		remote  string
		xff     []string
		want    string
	}{
		{name: "direct peer", remote: "203.0.113.7:51000", want: "203.0.113.7"},
		{name: "untrusted peer ignores header", trusted: trusted, remote: "203.0.113.7:51000", xff: []string{"1.1.1.1"}, want: "203.0.113.7"},
		{name: "trusted peer uses header", trusted: trusted, remote: "10.1.2.3:80", xff: []string{"198.51.100.9"}, want: "198.51.100.9"},
		{name: "rightmost untrusted hop", trusted: trusted, remote: "10.1.2.3:80", xff: []string{"6.6.6.6, 198.51.100.9, 192.168.1.5"}, want: "198.51.100.9"},
		{name: "repeated headers", trusted: trusted, remote: "10.1.2.3:80", xff: []string{"6.6.6.6", "198.51.100.9"}, want: "198.51.100.9"},
		{name: "all hops trusted", trusted: trusted, remote: "10.1.2.3:80", xff: []string{"10.9.9.9, 10.8.8.8"}, want: "10.9.9.9"},
		{name: "garbage header", trusted: trusted, remote: "10.1.2.3:80", xff: []string{"not-an-ip"}, want: "10.1.2.3"},
		{name: "ipv6 peer", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "unparsable peer", remote: "pipe", want: "pipe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/healthz", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if got := ClientIP(req, tc.trusted); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	if tp, err := NewTrustedProxies(nil); err != nil || tp != nil {
		t.Fatalf("empty list = %v, %v; want nil, nil", tp, err)
	}
	for _, bad := range []string{"10.0.0.0/33", "example.com"} {
		if _, err := NewTrustedProxies([]string{bad}); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
