package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drfirst/go-adherence/internal/engine"
)

// PatientHandler serves per-patient adherence
type PatientHandler struct {
	store   engine.Store
	tracker *engine.Tracker
}

// NewPatientHandler creates a patient handler
func NewPatientHandler(store engine.Store, tracker *engine.Tracker) *PatientHandler {
	return &PatientHandler{store: store, tracker: tracker}
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/adherence", h.Adherence)
	r.Get("/{id}/adherence/{medicine}", h.MedicineAdherence)
	return r
}

// Adherence handles GET /patients/{id}/adherence
func (h *PatientHandler) Adherence(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListAdherence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": nonNil(records)})
}

// MedicineAdherence handles GET /patients/{id}/adherence/{medicine}
func (h *PatientHandler) MedicineAdherence(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tracker.Get(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "medicine"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
