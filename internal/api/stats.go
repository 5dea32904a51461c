package api

import (
	"net/http"

	"github.com/lumyxel/dataforge/internal/model"
	"github.com/lumyxel/dataforge/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Initialized bool                   `json:"initialized"`
	Pool        model.PoolStats        `json:"pool"`
	Submissions *store.SubmissionStats `json:"submissions"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetSubmissionStats(r.Context())
	if err != nil {
		s.logger.Error("get submission stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Initialized: s.pool.Initialized(),
		Pool:        s.pool.Stats(),
		Submissions: stats,
	})
}
