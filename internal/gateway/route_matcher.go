package gateway

import (
	"net/http"

	"github.com/AlexKimmel/GateGuard/internal/routing"
	"github.com/rs/zerolog"
)

// RouteMatcher stores the matching route in the request context and answers
// 404 when none matches.
func RouteMatcher(rr *routing.Router, skip map[string]struct{}, log zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			rt, ok := rr.Match(r.Method, r.URL.Path)
			if !ok {
				log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("routes", len(rr.Routes())).Msg("no route matched")
				writeJSON(w, http.StatusNotFound, "no_route", "no matching route")
				return
			}

			next.ServeHTTP(w, routing.WithRoute(r, rt))
		})
	}
}
