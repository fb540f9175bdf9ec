package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Route struct {
	ID      string
	Methods map[string]struct{} // empty means any method
	Prefix  string
	UpURL   *url.URL
	Timeout time.Duration
}

// NewRoute normalizes prefix and methods and parses the upstream URL.
func NewRoute(id, prefix string, methods []string, upstream string, timeout time.Duration) (*Route, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("route %q: parse upstream: %w", id, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("route %q: upstream %q must be absolute", id, upstream)
	}

	rt := &Route{
		ID:      id,
		Methods: make(map[string]struct{}, len(methods)),
		Prefix:  normalizePrefix(prefix),
		UpURL:   u,
		Timeout: timeout,
	}
	for _, m := range methods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			rt.Methods[m] = struct{}{}
		}
	}
	return rt, nil
}

func normalizePrefix(p string) string {
	p = strings.TrimSuffix(strings.TrimSpace(p), "/")
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route, in insertion order, whose method set and
// path prefix accept the request.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		if rt.Prefix == "/" || path == rt.Prefix || strings.HasPrefix(path, rt.Prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
