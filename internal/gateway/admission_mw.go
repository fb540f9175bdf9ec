package gateway

import (
	"math"
	"net/http"
	"strconv"

	"github.com/AlexKimmel/GateGuard/internal/admission"
	"github.com/AlexKimmel/GateGuard/internal/identity"
	"github.com/rs/zerolog"
)

// Admission rejects rate-limited clients with 429 and screened requests
// with 418, then settles the bucket from the downstream status.
func Admission(coord *admission.Coordinator, skipPaths map[string]struct{}, log zerolog.Logger) Middleware {
	limit := strconv.Itoa(coord.Limiter().Config().RateLimitPerPeriod)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// allow ops endpoints without limits
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			client, ok := identity.ClientFrom(r.Context())
			if !ok || client.IP == "" {
				log.Error().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("client identity missing, identity middleware must run first")
				writeJSON(w, http.StatusInternalServerError, "identity_missing", "client identity unavailable")
				return
			}

			v := coord.Admit(admission.Request{
				Key:       client.IP,
				Path:      r.URL.Path,
				UserAgent: client.UserAgent,
			})

			switch v.Outcome {
			case admission.RateLimited:
				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			case admission.Screened:
				writeJSON(w, http.StatusTeapot, "screened", "Request rejected")
				return
			case admission.PreconditionMissing:
				writeJSON(w, http.StatusInternalServerError, "identity_missing", "client identity unavailable")
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(math.Max(v.Remaining, 0))))

			rec := NewStatusRecorder(w)
			next.ServeHTTP(rec, r)

			coord.Settle(client.IP, rec.Status())
		})
	}
}
