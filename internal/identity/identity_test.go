package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestResolver_ClientIP(t *testing.T) {
	tests := []struct {
		name   string
		res    Resolver
		remote string
		header map[string]string
		want   string
	}{
		{"remote addr", Resolver{}, "192.0.2.10:5555", nil, "192.0.2.10"},
		{"xff ignored when untrusted", Resolver{}, "192.0.2.10:5555", map[string]string{"X-Forwarded-For": "203.0.113.5"}, "192.0.2.10"},
		{"xff first entry", Resolver{TrustForwardedFor: true}, "10.0.0.1:80", map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.2"}, "203.0.113.5"},
		{"xff garbage falls back", Resolver{TrustForwardedFor: true}, "10.0.0.1:80", map[string]string{"X-Forwarded-For": "unknown"}, "10.0.0.1"},
		{"custom header", Resolver{Header: "CF-Connecting-IP"}, "10.0.0.1:80", map[string]string{"CF-Connecting-IP": "2001:db8::1"}, "2001:db8::1"},
		{"mapped v4", Resolver{}, "[::ffff:192.0.2.7]:80", nil, "192.0.2.7"},
		{"no port", Resolver{}, "192.0.2.11", nil, "192.0.2.11"},
		{"unusable", Resolver{}, "pipe", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := tt.res.Resolve(r).IP; got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizeUserAgent(t *testing.T) {
	if got := SanitizeUserAgent("curl/8.0\x00\r\n\tok"); got != "curl/8.0\tok" {
		t.Fatalf("unexpected sanitized value %q", got)
	}
	long := strings.Repeat("é", MaxUserAgentLen+20)
	if got := SanitizeUserAgent(long); len([]rune(got)) != MaxUserAgentLen {
		t.Fatalf("expected truncation to %d runes, got %d", MaxUserAgentLen, len([]rune(got)))
	}
}

func TestMiddleware_StoresClient(t *testing.T) {
	var (
		got Client
		ok  bool
	)
	h := Resolver{}.Middleware()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got, ok = ClientFrom(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.20:1234"
	r.Header.Set("User-Agent", "Mozilla/5.0")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if !ok || got.IP != "192.0.2.20" || got.UserAgent != "Mozilla/5.0" {
		t.Fatalf("unexpected client %+v ok=%v", got, ok)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "@"
	h.ServeHTTP(httptest.NewRecorder(), r)
	if ok {
		t.Fatalf("expected no client for unusable address")
	}
}
