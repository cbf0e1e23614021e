package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/engine"
)

// OpsHandler runs one-shot engine passes on operator request
type OpsHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewOpsHandler creates an ops handler
func NewOpsHandler(e *engine.Engine, logger *zap.Logger) *OpsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpsHandler{engine: e, logger: logger}
}

// Routes returns the handler routes
func (h *OpsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{pass}", h.Run)
	return r
}

// Run handles POST /ops/{pass} for materialize, dispatch, escalate and sweep
func (h *OpsHandler) Run(w http.ResponseWriter, r *http.Request) {
	pass := chi.URLParam(r, "pass")
	start := time.Now()
	n, err := h.engine.RunPass(r.Context(), pass)
	if err != nil {
		h.logger.Error("manual pass failed", zap.String("pass", pass), zap.Int("processed", n), zap.Error(err))
		writeError(w, err)
		return
	}
	h.logger.Info("manual pass completed", zap.String("pass", pass), zap.Int("processed", n))
	writeJSON(w, http.StatusOK, map[string]any{
		"pass":        pass,
		"processed":   n,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
