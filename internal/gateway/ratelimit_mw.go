package gateway

import (
	"net/http"
	"strconv"

	"gatekeep/internal/admission"
	"gatekeep/internal/auth"
)

// RateLimit enforces admission control on every wrapped request.
// Blocked requests get 429 with a Retry-After hint; admitted requests
// optionally carry X-RateLimit-* headers when the policy asks for
// them. onLimited, when non-nil, is invoked with the request path for
// metrics.
func RateLimit(gate *admission.Gate, skipPaths map[string]struct{}, onLimited func(path string)) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// ops endpoints bypass limits entirely
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			doc := gate.Policy()

			identity, _ := auth.IdentityFrom(r.Context())
			ip := ClientIP(r, doc.IPHeaderPriority)

			info, ok := gate.AdmitWithPolicy(doc, identity, ip, r.URL.Path)

			if doc.IncludeHeaders && info.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.FormatUint(uint64(info.Limit), 10))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatUint(uint64(info.Remaining), 10))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatUint(info.ResetSeconds, 10))
			}

			if !ok {
				if onLimited != nil {
					onLimited(r.URL.Path)
				}
				w.Header().Set("Retry-After", strconv.FormatUint(info.RetryAfter, 10))
				writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
