package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
)

const maxListLimit = 500

// InstanceHandler handles reminder instance endpoints
type InstanceHandler struct {
	store     engine.Store
	escalator *engine.Escalator
	now       func() time.Time
}

// NewInstanceHandler creates an instance handler
func NewInstanceHandler(store engine.Store, escalator *engine.Escalator, now func() time.Time) *InstanceHandler {
	if now == nil {
		now = time.Now
	}
	return &InstanceHandler{store: store, escalator: escalator, now: now}
}

// Routes returns the handler routes
func (h *InstanceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/escalation", h.Escalation)
	return r
}

// List handles GET /instances?patient_id=&status=&limit=
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := instanceFilter(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.PatientID == "" {
		jsonError(w, "patient_id is required", http.StatusBadRequest)
		return
	}
	list, err := h.store.ListInstances(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": nonNil(list)})
}

// Get handles GET /instances/{id}
func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	inst, err := h.store.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// Escalation handles GET /instances/{id}/escalation
func (h *InstanceHandler) Escalation(w http.ResponseWriter, r *http.Request) {
	inst, err := h.store.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.escalator.Status(r.Context(), inst, h.now()))
}

// instanceFilter reads patient_id, status (comma separated) and limit
func instanceFilter(r *http.Request) (engine.InstanceFilter, error) {
	q := r.URL.Query()
	f := engine.InstanceFilter{PatientID: q.Get("patient_id"), Limit: maxListLimit}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := reminder.Status(strings.TrimSpace(s))
			switch st {
			case reminder.StatusScheduled, reminder.StatusSent, reminder.StatusAcknowledged,
				reminder.StatusMissed, reminder.StatusStopped, reminder.StatusEmergency:
				f.Statuses = append(f.Statuses, st)
			default:
				return f, fmt.Errorf("unknown status %q", s)
			}
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("invalid limit %q", raw)
		}
		f.Limit = min(n, maxListLimit)
	}
	return f, nil
}
