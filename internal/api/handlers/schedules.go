package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/engine"
	fhir "github.com/drfirst/go-adherence/internal/fhir/r5"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// ScheduleHandler handles dose schedule endpoints
type ScheduleHandler struct {
	engine *engine.Engine
	store  engine.Store
	logger *zap.Logger
}

// NewScheduleHandler creates a schedule handler
func NewScheduleHandler(e *engine.Engine, store engine.Store, logger *zap.Logger) *ScheduleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleHandler{engine: e, store: store, logger: logger}
}

// Routes returns the handler routes
func (h *ScheduleHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Post("/fhir", h.CreateFromFHIR)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/instances", h.Instances)
	r.Post("/{id}/stop", h.Stop)
	return r
}

// Create handles POST /schedules with a prescription item
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var item schedule.PrescriptionItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.create(w, r, item)
}

// CreateFromFHIR handles POST /schedules/fhir with a FHIR R5 MedicationRequest,
// or a Bundle of them. Every request is checked before any schedule is created;
// a Bundle answers with one result per request.
func (h *ScheduleHandler) CreateFromFHIR(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	requests, err := fhir.ParseAll(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, fhir.Outcome(fhir.Issue{
			Severity:    fhir.SeverityError,
			Code:        fhir.IssueInvalid,
			Diagnostics: err.Error(),
		}))
		return
	}
	var issues []fhir.Issue
	for _, mr := range requests {
		issues = append(issues, mr.Check()...)
	}
	if len(issues) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, fhir.Outcome(issues...))
		return
	}
	if len(requests) == 1 {
		h.create(w, r, schedule.FromMedicationRequest(requests[0]))
		return
	}

	type bundleResult struct {
		MedicationRequest string               `json:"medication_request,omitempty"`
		Result            *engine.CreateResult `json:"result,omitempty"`
		Error             string               `json:"error,omitempty"`
	}
	results := make([]bundleResult, 0, len(requests))
	created := 0
	for _, mr := range requests {
		res, err := h.engine.CreateSchedule(r.Context(), schedule.FromMedicationRequest(mr))
		if err != nil {
			h.logger.Warn("bundle entry rejected", zap.String("medication_request", mr.ID), zap.Error(err))
			results = append(results, bundleResult{MedicationRequest: mr.ID, Error: err.Error()})
			continue
		}
		created++
		results = append(results, bundleResult{MedicationRequest: mr.ID, Result: res})
	}
	status := http.StatusCreated
	if created == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"created": created, "results": results})
}

func (h *ScheduleHandler) create(w http.ResponseWriter, r *http.Request, item schedule.PrescriptionItem) {
	ctx, span := otel.Tracer("schedule-handler").Start(r.Context(), "create_schedule")
	defer span.End()

	res, err := h.engine.CreateSchedule(ctx, item)
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("schedule rejected",
			zap.String("patient_id", item.PatientID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		writeError(w, err)
		return
	}
	span.SetAttributes(attribute.String("schedule_id", res.Schedule.ID))
	writeJSON(w, http.StatusCreated, res)
}

// Get handles GET /schedules/{id}
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// List handles GET /schedules?patient_id=
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	patientID := r.URL.Query().Get("patient_id")
	if patientID == "" {
		jsonError(w, "patient_id is required", http.StatusBadRequest)
		return
	}
	list, err := h.store.ListSchedules(r.Context(), patientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": nonNil(list)})
}

// Instances handles GET /schedules/{id}/instances
func (h *ScheduleHandler) Instances(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetSchedule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	f, err := instanceFilter(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.ScheduleID = id
	list, err := h.store.ListInstances(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": nonNil(list)})
}

// Stop handles POST /schedules/{id}/stop. Every scheduled instance is stopped
// before the response is written.
func (h *ScheduleHandler) Stop(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.StopSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedule":          res.Schedule,
		"stopped_instances": len(res.Stopped),
		"already_inactive":  res.AlreadyInactive,
	})
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
