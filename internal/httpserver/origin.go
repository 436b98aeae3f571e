package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/origin"
)

// withOriginPolicy rejects browser requests from origins outside
// cfg.AllowedOrigins and adds CORS headers for the ones it lets through.
// Requests without an Origin header are not browser cross-origin requests
// and pass unchanged.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		allowOrigin := originHeader
		if len(s.cfg.AllowedOrigins) > 0 {
			normalizedOrigin, ok := origin.Normalize(originHeader)
			if !ok || !origin.IsAllowed(normalizedOrigin, s.cfg.AllowedOrigins) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			allowOrigin = normalizedOrigin
		}

		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
