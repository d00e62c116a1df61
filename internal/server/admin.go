package server

import "net/http"

// cacheClearedResponse is the fixed body of a successful cache clear.
type cacheClearedResponse struct {
	Message string `json:"message"`
}

// handleCacheClear wipes the entire response cache. Idempotent: clearing an
// empty (or disabled) cache still reports success.
func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Invalidator != nil {
		s.deps.Invalidator.All(r.Context())
		if s.deps.Metrics != nil {
			s.deps.Metrics.Invalidations.WithLabelValues("all").Inc()
		}
	}
	writeJSON(w, http.StatusOK, cacheClearedResponse{Message: "cache cleared"})
}
