package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
	"github.com/drfirst/go-adherence/internal/inbound"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

var start = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

type testAPI struct {
	t      *testing.T
	mu     sync.Mutex
	clock  time.Time
	store  *memory.Store
	engine *engine.Engine
	router chi.Router
}

func (a *testAPI) now() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clock
}

func (a *testAPI) setClock(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock = t
}

type capturingQueue struct {
	msgs []inbound.Message
	err  error
}

func (q *capturingQueue) Enqueue(_ context.Context, msg inbound.Message) error {
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

type apiOption func(*RouterDeps)

func newTestAPI(t *testing.T, opts ...apiOption) *testAPI {
	t.Helper()
	logger := zaptest.NewLogger(t)
	a := &testAPI{t: t, clock: start, store: memory.NewStore()}
	dir := memory.NewDirectory(reminder.Patient{
		ID:       "p-1",
		Name:     "Asha",
		Contact:  "+91 98000 00001",
		Language: "en",
	})

	cfg := engine.DefaultConfig()
	cfg.Now = a.now
	cfg.Workers = 2
	eng, err := engine.New(engine.Deps{
		Store:     a.store,
		Sender:    notify.NewChain(logger, nil, notify.NewLogProvider(logger)),
		Templates: notify.NewTemplates("en"),
		Directory: dir,
	}, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	a.engine = eng

	inbox := idempotency.NewInbox(idempotency.NewMemoryBackend(), idempotency.DefaultConfig(), logger)
	processor := inbound.NewProcessor(eng.Responses, inbox, a.now, logger)
	deps := RouterDeps{
		Engine:      eng,
		Store:       a.store,
		Webhook:     NewWebhookHandler(processor, nil, "", a.now, logger),
		Health:      NewHealthHandler("reminder-api", "test", nil),
		ServiceName: "reminder-api",
		Logger:      logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	a.router = NewRouter(deps)
	return a
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(a.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var amoxicillin = map[string]any{
	"patient_id":    "p-1",
	"medicine_name": "Amoxicillin",
	"dose":          "1 tablet",
	"frequency":     "1-0-1",
	"timing":        "after food",
	"duration":      "3 days",
	"timezone":      "UTC",
}

func (a *testAPI) createSchedule() *engine.CreateResult {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/schedules", amoxicillin)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[engine.CreateResult](a.t, rec)
	require.NotEmpty(a.t, res.Instances)
	return &res
}

func TestScheduleLifecycle(t *testing.T) {
	api := newTestAPI(t)
	created := api.createSchedule()
	id := created.Schedule.ID

	rec := api.do(http.MethodGet, "/api/v1/schedules/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Amoxicillin", decode[reminder.DoseSchedule](t, rec).MedicineName)

	rec = api.do(http.MethodGet, "/api/v1/schedules?patient_id=p-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]reminder.DoseSchedule](t, rec)["schedules"], 1)

	rec = api.do(http.MethodGet, "/api/v1/schedules/"+id+"/instances?status=scheduled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[map[string][]reminder.ReminderInstance](t, rec)["instances"]
	assert.Len(t, listed, len(created.Instances))

	rec = api.do(http.MethodPost, "/api/v1/schedules/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stop := decode[map[string]any](t, rec)
	assert.EqualValues(t, len(created.Instances), stop["stopped_instances"])
	assert.Equal(t, false, stop["already_inactive"])

	rec = api.do(http.MethodGet, "/api/v1/schedules/"+id+"/instances?status=scheduled", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]reminder.ReminderInstance](t, rec)["instances"])

	rec = api.do(http.MethodPost, "/api/v1/schedules/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["already_inactive"])
}

func TestScheduleErrors(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed body", http.MethodPost, "/api/v1/schedules", "{", http.StatusBadRequest},
		{"missing medicine", http.MethodPost, "/api/v1/schedules", map[string]any{"patient_id": "p-1"}, http.StatusUnprocessableEntity},
		{"unknown schedule", http.MethodGet, "/api/v1/schedules/nope", nil, http.StatusNotFound},
		{"list without patient", http.MethodGet, "/api/v1/schedules", nil, http.StatusBadRequest},
		{"stop unknown", http.MethodPost, "/api/v1/schedules/nope/stop", nil, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/api/v1/instances?patient_id=p-1&status=lost", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/instances?patient_id=p-1&limit=-1", nil, http.StatusBadRequest},
		{"unknown pass", http.MethodPost, "/api/v1/ops/compact", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestCreateFromFHIR(t *testing.T) {
	api := newTestAPI(t)

	request := `{
		"resourceType": "MedicationRequest",
		"status": "active",
		"intent": "order",
		"subject": {"reference": "Patient/p-1"},
		"medication": {"concept": {"text": "Metformin 500mg"}},
		"dosageInstruction": [{"text": "1 tablet twice daily after food for 5 days"}]
	}`
	rec := api.do(http.MethodPost, "/api/v1/schedules/fhir", request)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[engine.CreateResult](t, rec)
	assert.Equal(t, "p-1", res.Schedule.PatientID)

	rec = api.do(http.MethodPost, "/api/v1/schedules/fhir", `{"resourceType":"Patient"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "OperationOutcome")

	rec = api.do(http.MethodPost, "/api/v1/schedules/fhir", strings.Replace(request, `"active"`, `"cancelled"`, 1))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "business-rule")

	bundle := `{"resourceType": "Bundle", "entry": [{"resource": ` + request + `}, {"resource": ` +
		strings.Replace(request, "Metformin 500mg", "Atorvastatin 10mg", 1) + `}]}`
	rec = api.do(http.MethodPost, "/api/v1/schedules/fhir", bundle)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decode[map[string]any](t, rec)["created"])
}

func TestReplyThroughWebhook(t *testing.T) {
	api := newTestAPI(t)
	created := api.createSchedule()
	first := created.Instances[0]

	api.setClock(first.ReminderAt)
	rec := api.do(http.MethodPost, "/api/v1/ops/dispatch", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["processed"])

	reply := map[string]any{"message_id": "wamid.1", "from": "+919800000001", "text": "TAKEN"}
	rec = api.do(http.MethodPost, "/webhooks/messages", reply)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[inbound.Result](t, rec)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, engine.ReplyTaken, res.Outcome.Kind)
	assert.True(t, res.Outcome.Applied)

	rec = api.do(http.MethodGet, "/api/v1/instances/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reminder.StatusAcknowledged, decode[reminder.ReminderInstance](t, rec).Status)

	// the gateway redelivers the same message
	rec = api.do(http.MethodPost, "/webhooks/messages", reply)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[inbound.Result](t, rec).Duplicate)

	rec = api.do(http.MethodGet, "/api/v1/patients/p-1/adherence/Amoxicillin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[reminder.AdherenceRecord](t, rec).Taken)

	rec = api.do(http.MethodGet, "/api/v1/patients/p-1/adherence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]reminder.AdherenceRecord](t, rec)["records"], 1)
}

func TestWebhookEdgeCases(t *testing.T) {
	t.Run("unknown sender is acknowledged", func(t *testing.T) {
		api := newTestAPI(t)
		rec := api.do(http.MethodPost, "/webhooks/messages", map[string]any{"id": "wamid.9", "from": "+10000000000", "text": "TAKEN"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ignored", decode[map[string]string](t, rec)["status"])
	})

	t.Run("empty text is rejected", func(t *testing.T) {
		api := newTestAPI(t)
		rec := api.do(http.MethodPost, "/webhooks/messages", map[string]any{"from": "+919800000001"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("signature required when configured", func(t *testing.T) {
		queue := &capturingQueue{}
		api := newTestAPI(t, func(d *RouterDeps) {
			d.Webhook = NewWebhookHandler(nil, queue, "s3cret", nil, nil)
		})
		body := []byte(`{"message_id":"wamid.2","from":"+919800000001","text":"taken"}`)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/messages", bytes.NewReader(body))
		req.Header.Set(notify.SignatureHeader, "sha256=deadbeef")
		rec := httptest.NewRecorder()
		api.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req = httptest.NewRequest(http.MethodPost, "/webhooks/messages", bytes.NewReader(body))
		req.Header.Set(notify.SignatureHeader, "sha256="+notify.Sign(body, "s3cret"))
		rec = httptest.NewRecorder()
		api.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		require.Len(t, queue.msgs, 1)
	})

	t.Run("queued with button payload", func(t *testing.T) {
		queue := &capturingQueue{}
		api := newTestAPI(t, func(d *RouterDeps) {
			d.Webhook = NewWebhookHandler(nil, queue, "", nil, nil)
		})
		rec := api.do(http.MethodPost, "/webhooks/messages", map[string]any{
			"message_id":     "wamid.3",
			"from":           "+919800000001",
			"text":           "Taken",
			"button_payload": "TAKEN:inst-1",
			"timestamp":      "1772348400",
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Len(t, queue.msgs, 1)
		assert.Equal(t, "TAKEN:inst-1", queue.msgs[0].Text)
		assert.Equal(t, time.Unix(1772348400, 0).UTC(), queue.msgs[0].SentAt)
	})

	t.Run("queue unavailable", func(t *testing.T) {
		queue := &capturingQueue{err: errors.New("broker down")}
		api := newTestAPI(t, func(d *RouterDeps) {
			d.Webhook = NewWebhookHandler(nil, queue, "", nil, nil)
		})
		rec := api.do(http.MethodPost, "/webhooks/messages", map[string]any{"from": "+919800000001", "text": "TAKEN"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestEscalationStatusEndpoint(t *testing.T) {
	api := newTestAPI(t)
	first := api.createSchedule().Instances[0]

	api.setClock(first.ReminderAt)
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/v1/ops/dispatch", nil).Code)

	api.setClock(first.DoseAt.Add(time.Hour))
	rec := api.do(http.MethodGet, "/api/v1/instances/"+first.ID+"/escalation", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	status := decode[engine.EscalationStatus](t, rec)
	assert.Equal(t, reminder.StatusSent, status.Status)
	assert.True(t, status.Overdue)

	rec = api.do(http.MethodGet, "/api/v1/instances?patient_id=p-1&status=sent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]reminder.ReminderInstance](t, rec)["instances"], 1)

	rec = api.do(http.MethodGet, "/api/v1/instances", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(""), nil)
	_, err := breakers.Get("gateway")
	require.NoError(t, err)

	failing := true
	health := NewHealthHandler("reminder-api", "test", breakers).
		AddCheck("database", func(context.Context) error {
			if failing {
				return errors.New("connection refused")
			}
			return nil
		})
	api := newTestAPI(t, func(d *RouterDeps) { d.Health = health })

	rec := api.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	failing = false
	rec = api.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string][]circuitbreaker.HealthStatus](t, rec)["breakers"]
	require.Len(t, got, 1)
	assert.Equal(t, "gateway", got[0].Name)
	assert.True(t, got[0].Healthy)
}

func TestAPIKeyGuardsAPI(t *testing.T) {
	api := newTestAPI(t, func(d *RouterDeps) {
		d.Auth = func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-API-Key") != "k" {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
			})
		}
	})
	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/api/v1/schedules?patient_id=p-1", nil).Code)
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/health", nil).Code)
}
