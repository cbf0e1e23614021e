package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/schedule"
)

type sentMessage struct {
	Contact string
	Channel reminder.Channel
	Msg     reminder.Message
}

// Key is the template key the fake templater put in front of the text
func (m sentMessage) Key() string {
	key, _, _ := strings.Cut(m.Msg.Text, ":")
	return key
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentMessage
	fail  map[reminder.Channel]bool
	gates map[string]chan struct{}
	seq   int
}

func (f *fakeSender) Send(ctx context.Context, contact string, ch reminder.Channel, msg reminder.Message) (string, error) {
	f.mu.Lock()
	gate := f.gates[contact]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[ch] {
		return "", errors.New("provider unavailable")
	}
	f.seq++
	f.sent = append(f.sent, sentMessage{Contact: contact, Channel: ch, Msg: msg})
	return fmt.Sprintf("%s-%d", ch, f.seq), nil
}

func (f *fakeSender) setFail(ch reminder.Channel, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = make(map[reminder.Channel]bool)
	}
	f.fail[ch] = fail
}

// hold blocks sends to contact until the returned func is called
func (f *fakeSender) hold(contact string) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates == nil {
		f.gates = make(map[string]chan struct{})
	}
	gate := make(chan struct{})
	f.gates[contact] = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *fakeSender) messages(key string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if key == "" || m.Key() == key {
			out = append(out, m)
		}
	}
	return out
}

type keyTemplater struct{}

func (keyTemplater) Render(key, _ string, vars map[string]string) (string, error) {
	return key + ":" + vars["medicine"], nil
}

type fakeProvider struct {
	mu     sync.Mutex
	alerts []engine.ProviderAlert
}

func (f *fakeProvider) NotifyProvider(_ context.Context, alert engine.ProviderAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeProvider) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

var (
	patientContact = "+91 98000 00001"
	familyContact  = "+91 98000 00002"
	day1           = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

func at(day, hour, minute int) time.Time {
	return day1.AddDate(0, 0, day-1).Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type fixture struct {
	t        *testing.T
	mu       sync.Mutex
	clock    time.Time
	store    *memory.Store
	dir      *memory.Directory
	sender   *fakeSender
	provider *fakeProvider
	eng      *engine.Engine
}

func newFixture(t *testing.T, critical ...string) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		clock:    at(1, 6, 0),
		store:    memory.NewStore(),
		sender:   &fakeSender{},
		provider: &fakeProvider{},
	}
	f.dir = memory.NewDirectory(reminder.Patient{
		ID:            "p-1",
		Name:          "Asha",
		Contact:       patientContact,
		Language:      "en",
		FamilyContact: familyContact,
	})

	cfg := engine.DefaultConfig()
	cfg.Now = f.now
	cfg.Workers = 4

	eng, err := engine.New(engine.Deps{
		Store:     f.store,
		Sender:    f.sender,
		Templates: keyTemplater{},
		Directory: f.dir,
		Critical:  engine.NewStaticCriticality(critical...),
		Provider:  f.provider,
	}, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	f.eng = eng
	return f
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *fixture) setClock(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = t
}

// createSchedule creates a 1-0-1, after food, 3 day course for p-1
func (f *fixture) createSchedule() *engine.CreateResult {
	return f.createScheduleFor("p-1", "Amoxicillin")
}

func (f *fixture) createScheduleFor(patientID, medicine string) *engine.CreateResult {
	f.t.Helper()
	res, err := f.eng.CreateSchedule(context.Background(), schedule.PrescriptionItem{
		PatientID:    patientID,
		MedicineName: medicine,
		Dose:         "1 tablet",
		Frequency:    "1-0-1",
		Timing:       "after food",
		Duration:     "3 days",
		Timezone:     "UTC",
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) instance(scheduleID string, doseAt time.Time) *reminder.ReminderInstance {
	f.t.Helper()
	insts, err := f.store.ListInstances(context.Background(), engine.InstanceFilter{ScheduleID: scheduleID})
	require.NoError(f.t, err)
	for _, inst := range insts {
		if inst.DoseAt.Equal(doseAt) {
			return inst
		}
	}
	f.t.Fatalf("no instance at %s", doseAt)
	return nil
}

func (f *fixture) reply(identifier, text string, receivedAt time.Time) *engine.ResponseOutcome {
	f.t.Helper()
	f.setClock(receivedAt)
	out, err := f.eng.Responses.HandleResponse(context.Background(), identifier, text, receivedAt)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) scan(now time.Time) int {
	f.t.Helper()
	f.setClock(now)
	n, err := f.eng.Escalator.Scan(context.Background(), now)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) adherence(medicine string) *reminder.AdherenceRecord {
	f.t.Helper()
	rec, err := f.eng.Tracker.Get(context.Background(), "p-1", medicine)
	require.NoError(f.t, err)
	return rec
}

func (f *fixture) dispatch(now time.Time) int {
	f.t.Helper()
	f.setClock(now)
	n, err := f.eng.Dispatcher.SendDue(context.Background(), now)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) events(eventType reminder.EventType) int {
	n := 0
	for _, e := range f.store.Events() {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}
