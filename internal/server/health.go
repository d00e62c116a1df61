package server

import (
	"net/http"
	"time"

	gateway "heimdall/internal"
)

// Pre-allocated response body and header value slice for the hot probe
// endpoints.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

// healthResponse is the aggregated gateway health document.
type healthResponse struct {
	Status    gateway.HealthStatus   `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Cache     string                 `json:"cache"`
	Services  []gateway.HealthReport `json:"services"`
}

// handleHealth probes every configured backend and the cache store, and
// rolls the results into one report. Overall status is healthy only when
// every backend is.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var reports []gateway.HealthReport
	if s.deps.Health != nil {
		reports = s.deps.Health.Report(r.Context())
	}

	cacheStatus := "disabled"
	if s.deps.Cache != nil {
		cacheStatus = "healthy"
		if err := s.deps.Cache.Ping(r.Context()); err != nil {
			cacheStatus = "unavailable"
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    gateway.Aggregate(reports),
		Timestamp: time.Now().UTC(),
		Cache:     cacheStatus,
		Services:  reports,
	})
}
