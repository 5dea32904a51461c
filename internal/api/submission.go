package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lumyxel/dataforge/internal/engine"
	"github.com/lumyxel/dataforge/internal/model"
	"github.com/lumyxel/dataforge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createSubmissionRequest is the JSON body for POST /v1/submissions.
type createSubmissionRequest struct {
	Items       []string `json:"items"`
	ProjectRoot string   `json:"project_root"`
	AutoModify  bool     `json:"auto_modify"`
}

// submissionResponse is a finished submission record with its outputs.
type submissionResponse struct {
	*model.Submission
	Outputs []string `json:"outputs"`
}

// listSubmissionsResponse wraps the paginated list response.
type listSubmissionsResponse struct {
	Submissions []*model.Submission `json:"submissions"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSubmission(w, r)
	if !ok {
		return
	}

	if len(req.Items) == 0 {
		outputs, err := s.pool.Submit(r.Context(), nil, engine.SubmitOptions{})
		if err != nil {
			s.writeSubmitError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, outputs)
		return
	}

	if !s.pool.Initialized() {
		s.writeSubmitError(w, engine.ErrNotInitialized)
		return
	}

	sub, err := s.createSubmission(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create submission")
		return
	}

	outputs, err := s.runSubmission(r.Context(), modeSync, sub, req)
	if err != nil {
		if isPoolStateError(err) {
			s.writeSubmitError(w, err)
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, submissionResponse{Submission: sub, Outputs: []string{}})
		return
	}

	s.writeJSON(w, http.StatusOK, submissionResponse{Submission: sub, Outputs: outputs})
}

func (s *Server) handleAsyncSubmission(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSubmission(w, r)
	if !ok {
		return
	}
	if len(req.Items) == 0 {
		s.writeError(w, http.StatusBadRequest, "items is required")
		return
	}
	if !s.pool.Initialized() {
		s.writeSubmitError(w, engine.ErrNotInitialized)
		return
	}

	sub, err := s.createSubmission(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create submission")
		return
	}

	// The response is written before the submission runs, so it gets a copy.
	accepted := *sub
	s.async.Go(func() {
		s.runSubmission(context.Background(), modeAsync, sub, req)
	})

	s.writeJSON(w, http.StatusAccepted, &accepted)
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := s.store.GetSubmission(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "submission not found")
		return
	}
	if err != nil {
		s.logger.Error("get submission", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get submission")
		return
	}

	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	subs, total, err := s.store.ListSubmissions(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list submissions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list submissions")
		return
	}

	if subs == nil {
		subs = []*model.Submission{}
	}

	s.writeJSON(w, http.StatusOK, listSubmissionsResponse{
		Submissions: subs,
		Total:       total,
		Limit:       limit,
		Offset:      offset,
	})
}

// decodeSubmission reads the request body, writing a 400 on failure.
func (s *Server) decodeSubmission(w http.ResponseWriter, r *http.Request) (createSubmissionRequest, bool) {
	var req createSubmissionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, false
	}
	return req, true
}

// createSubmission stores a running record for req.
func (s *Server) createSubmission(ctx context.Context, req createSubmissionRequest) (*model.Submission, error) {
	sub := &model.Submission{
		ID:          model.NewID(),
		Status:      model.SubmissionRunning,
		ItemCount:   len(req.Items),
		BatchCount:  s.pool.BatchCount(req.Items),
		ProjectRoot: req.ProjectRoot,
		AutoModify:  req.AutoModify,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateSubmission(ctx, sub); err != nil {
		s.logger.Error("create submission", "error", err)
		return nil, err
	}
	return sub, nil
}

// runSubmission submits req to the pool and records the outcome on sub.
// The record is finished even when ctx is cancelled mid-run.
func (s *Server) runSubmission(ctx context.Context, mode string, sub *model.Submission, req createSubmissionRequest) ([]string, error) {
	start := time.Now()
	outputs, submitErr := s.pool.Submit(ctx, req.Items, engine.SubmitOptions{
		ProjectRoot:  req.ProjectRoot,
		AutoModify:   req.AutoModify,
		SubmissionID: sub.ID,
	})
	duration := time.Since(start)

	status, errMsg := model.SubmissionCompleted, ""
	if submitErr != nil {
		status, errMsg = model.SubmissionFailed, submitErr.Error()
	}
	recordSubmission(mode, status, len(req.Items))

	finishCtx := context.WithoutCancel(ctx)
	if err := s.store.FinishSubmission(finishCtx, sub.ID, status, len(outputs), errMsg, duration); err != nil {
		s.logger.Error("finish submission", "submission_id", sub.ID, "error", err)
	} else if rec, err := s.store.GetSubmission(finishCtx, sub.ID); err == nil {
		*sub = *rec
	} else {
		s.logger.Error("reload submission", "submission_id", sub.ID, "error", err)
	}

	return outputs, submitErr
}

// isPoolStateError reports whether err means the pool cannot take work.
func isPoolStateError(err error) bool {
	return errors.Is(err, engine.ErrNotInitialized) ||
		errors.Is(err, engine.ErrPoolShutdown) ||
		errors.Is(err, engine.ErrNoWorkers)
}

// writeSubmitError maps a pool error to a response.
func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	if isPoolStateError(err) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Error("submit", "error", err)
	s.writeError(w, http.StatusInternalServerError, "submission failed")
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
