package api

import (
	"encoding/json"
	"net/http"
)

// healthResponse reports liveness plus whether the pool can take work. The
// endpoint answers 200 either way; a pool that is not ready is "degraded".
type healthResponse struct {
	Status           string `json:"status"`
	PoolInitialized  bool   `json:"pool_initialized"`
	Workers          int    `json:"workers"`
	AvailableWorkers int    `json:"available_workers"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()
	resp := healthResponse{
		Status:           "ok",
		PoolInitialized:  s.pool.Initialized(),
		Workers:          stats.WorkerCount,
		AvailableWorkers: stats.AvailableWorkers,
	}
	if !resp.PoolInitialized {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
