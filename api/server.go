// Package api exposes the dispatch pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/dispatch"
	"github.com/forgeml/mediaflow/store"
	"github.com/forgeml/mediaflow/types"
)

// Server wires the orchestrator and store behind the HTTP API.
type Server struct {
	orch   *dispatch.Orchestrator
	store  store.GenerationStore
	logger *zap.Logger
	mux    *http.ServeMux
}

// New builds the server. gatherer may be nil to omit /metrics.
func New(orch *dispatch.Orchestrator, st store.GenerationStore, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{orch: orch, store: st, logger: logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /v1/generations", s.handleCreate)
	s.mux.HandleFunc("GET /v1/generations", s.handleList)
	s.mux.HandleFunc("GET /v1/generations/{id}", s.handleGet)
	s.mux.HandleFunc("POST /v1/generations/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("DELETE /v1/generations/{id}", s.handleDelete)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// createRequest is the submit payload.
type createRequest struct {
	ProviderID  string         `json:"provider_id"`
	ModelID     string         `json:"model_id"`
	Prompt      string         `json:"prompt"`
	InputImages []string       `json:"input_images,omitempty"`
	NumOutputs  int            `json:"num_outputs,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, types.NewError(types.ErrInvalidRequest, "malformed JSON body").WithCause(err))
		return
	}
	if body.NumOutputs == 0 {
		body.NumOutputs = 1
	}

	req, err := s.orch.Submit(r.Context(), &types.GenerationRequest{
		ProviderID:  body.ProviderID,
		ModelID:     body.ModelID,
		Prompt:      body.Prompt,
		InputImages: body.InputImages,
		NumOutputs:  body.NumOutputs,
		Parameters:  body.Parameters,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.orch.Go(req.ID)
	s.writeJSON(w, http.StatusAccepted, req.View())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req.View())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{Limit: 100}
	if st := r.URL.Query().Get("status"); st != "" {
		filter.Status = types.Status(st)
	}
	if p := r.URL.Query().Get("provider_id"); p != "" {
		filter.ProviderID = p
	}

	reqs, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]types.StatusView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, req.View())
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"generations": views})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	req, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req.View())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SoftDelete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type errorResponse struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError maps taxonomy kinds and store errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := types.ErrInternal

	switch {
	case errors.Is(err, store.ErrNotFound):
		status, kind = http.StatusNotFound, types.ErrInvalidRequest
	case errors.Is(err, store.ErrNotTerminal), errors.Is(err, dispatch.ErrNotCancellable):
		status, kind = http.StatusConflict, types.ErrInvalidRequest
	case errors.Is(err, store.ErrInvalidTransition):
		status, kind = http.StatusConflict, types.ErrInvalidRequest
	default:
		kind = types.KindOf(err)
		switch kind {
		case types.ErrInvalidRequest, types.ErrInvalidParameters:
			status = http.StatusBadRequest
		case types.ErrAuthenticationFailed:
			status = http.StatusUnauthorized
		case types.ErrQuotaExceeded:
			status = http.StatusPaymentRequired
		case types.ErrRateLimited:
			status = http.StatusTooManyRequests
		}
	}

	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err))
	}

	var resp errorResponse
	resp.Error.Kind = string(kind)
	resp.Error.Message = err.Error()
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}
