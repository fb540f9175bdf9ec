package identity

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"unicode"
)

type ctxKey int

const keyClient ctxKey = 0

// MaxUserAgentLen caps the sanitized user agent, in characters.
const MaxUserAgentLen = 500

// Client is the identity the admission layer keys on.
type Client struct {
	IP        string
	UserAgent string
}

// Resolver derives a Client from a request.
type Resolver struct {
	// TrustForwardedFor takes the first X-Forwarded-For entry when it parses
	// as an IP. Only enable behind a proxy that sets the header.
	TrustForwardedFor bool
	// Header, when set, names a header whose value overrides the IP
	// (e.g. "CF-Connecting-IP"). It must also parse as an IP.
	Header string
}

// WithClient injects the client into context.
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, keyClient, c)
}

// ClientFrom extracts the client from context (if present).
func ClientFrom(ctx context.Context) (Client, bool) {
	v := ctx.Value(keyClient)
	if v == nil {
		return Client{}, false
	}
	c, ok := v.(Client)
	return c, ok
}

// Resolve returns the client for r. IP is empty when nothing usable is found.
func (res Resolver) Resolve(r *http.Request) Client {
	return Client{
		IP:        res.clientIP(r),
		UserAgent: SanitizeUserAgent(r.UserAgent()),
	}
}

func (res Resolver) clientIP(r *http.Request) string {
	if res.Header != "" {
		if ip, ok := parseIP(r.Header.Get(res.Header)); ok {
			return ip
		}
	}
	if res.TrustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip, ok := parseIP(first); ok {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = r.RemoteAddr
	}
	if ip, ok := parseIP(host); ok {
		return ip
	}
	return ""
}

func parseIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().WithZone("").String(), true
}

// SanitizeUserAgent drops control characters other than space and tab and
// truncates to MaxUserAgentLen characters.
func SanitizeUserAgent(ua string) string {
	var b strings.Builder
	n := 0
	for _, c := range ua {
		if n == MaxUserAgentLen {
			break
		}
		if unicode.IsControl(c) && c != ' ' && c != '\t' {
			continue
		}
		b.WriteRune(c)
		n++
	}
	return b.String()
}

// Middleware resolves the client and stores it in the request context.
// Requests without a usable address pass through with no client, which the
// admission middleware reports as a missing precondition.
func (res Resolver) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := res.Resolve(r)
			if c.IP == "" {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), c)))
		})
	}
}
