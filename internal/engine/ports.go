package engine

import (
	"context"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

// InstanceFilter selects reminder instances. Zero fields do not filter.
// Results are ordered by reminder time, then id.
type InstanceFilter struct {
	Statuses   []reminder.Status
	PatientID  string
	ScheduleID string

	ReminderBefore *time.Time // reminder_at <= t
	DoseAfter      *time.Time // dose_at > t
	DoseBefore     *time.Time // dose_at < t

	// FollowUpBefore selects instances with an unsent follow-up due at or before t
	FollowUpBefore *time.Time

	Limit int
}

// Store persists schedules, instances and adherence records.
// Every instance mutation is a compare-and-set on Version: UpdateInstance fails with
// reminder.ErrConflict when the stored version differs from expectedVersion, and
// bumps inst.Version on success. Events are persisted in the same unit of work.
type Store interface {
	CreateSchedule(ctx context.Context, s *reminder.DoseSchedule, events ...*reminder.Event) error
	GetSchedule(ctx context.Context, id string) (*reminder.DoseSchedule, error)
	ListSchedules(ctx context.Context, patientID string) ([]*reminder.DoseSchedule, error)
	// ListActiveSchedules returns active schedules whose end date is after asOf
	ListActiveSchedules(ctx context.Context, asOf time.Time) ([]*reminder.DoseSchedule, error)
	// StopSchedule deactivates a schedule and stops its scheduled instances, plus the
	// instance named by alsoStop when it is still awaiting a reply, atomically.
	StopSchedule(ctx context.Context, scheduleID, alsoStop string, at time.Time) (*StopResult, error)
	// HoldSends takes the send lock of a schedule in shared mode until release is
	// called. StopSchedule takes it exclusively, so a stop returns only after every
	// send that was in flight on the schedule has been recorded.
	HoldSends(ctx context.Context, scheduleID string) (release func(), err error)

	// InsertInstances stores instances whose (schedule, date, slot) is not yet taken
	// and returns the ones actually inserted.
	InsertInstances(ctx context.Context, insts []*reminder.ReminderInstance, events ...*reminder.Event) ([]*reminder.ReminderInstance, error)
	GetInstance(ctx context.Context, id string) (*reminder.ReminderInstance, error)
	ListInstances(ctx context.Context, f InstanceFilter) ([]*reminder.ReminderInstance, error)
	UpdateInstance(ctx context.Context, inst *reminder.ReminderInstance, expectedVersion int, events ...*reminder.Event) error

	GetAdherence(ctx context.Context, patientID, medicine string) (*reminder.AdherenceRecord, error)
	ListAdherence(ctx context.Context, patientID string) ([]*reminder.AdherenceRecord, error)
	// SaveAdherence inserts when expectedVersion is 0, otherwise compare-and-sets
	SaveAdherence(ctx context.Context, rec *reminder.AdherenceRecord, expectedVersion int) error
}

// StopResult reports what a schedule stop changed
type StopResult struct {
	Schedule *reminder.DoseSchedule
	Stopped  []*reminder.ReminderInstance
	// AlreadyInactive is set when the schedule had been stopped before
	AlreadyInactive bool
}

// NotificationSender delivers a rendered message on one channel and returns the
// provider message id.
type NotificationSender interface {
	Send(ctx context.Context, contact string, channel reminder.Channel, msg reminder.Message) (string, error)
}

// Template keys
const (
	TemplateReminder          = "reminder"
	TemplateEscalation        = "escalation"
	TemplateFamilyNotice      = "family_notification"
	TemplateEmergency         = "emergency"
	TemplateProviderAlert     = "provider_alert"
	TemplateStopConfirmation  = "stop_confirmation"
	TemplateLaterConfirmation = "later_confirmation"
	TemplateHelp              = "help"
)

// MessageTemplater renders localized text. Unknown languages fall back to a default.
type MessageTemplater interface {
	Render(key, language string, vars map[string]string) (string, error)
}

// PatientDirectory is a read-only patient lookup
type PatientDirectory interface {
	Lookup(ctx context.Context, patientID string) (*reminder.Patient, error)
	LookupByContact(ctx context.Context, contact string) (*reminder.Patient, error)
}

// CriticalityLookup reports whether missing a medicine warrants family notification
type CriticalityLookup interface {
	IsCritical(ctx context.Context, medicineName string) bool
}

// ProviderAlert is raised to a healthcare provider when a dose reaches emergency
type ProviderAlert struct {
	InstanceID   string    `json:"instance_id"`
	ScheduleID   string    `json:"schedule_id"`
	PatientID    string    `json:"patient_id"`
	PatientName  string    `json:"patient_name"`
	MedicineName string    `json:"medicine_name"`
	DoseAt       time.Time `json:"dose_datetime"`
	OverdueFor   string    `json:"overdue_for"`
	Message      string    `json:"message"`
	RaisedAt     time.Time `json:"raised_at"`
}

// ProviderNotifier notifies the healthcare-provider collaborator
type ProviderNotifier interface {
	NotifyProvider(ctx context.Context, alert ProviderAlert) error
}

// Recorder receives engine measurements
type Recorder interface {
	InstancesMaterialized(n int)
	ReminderSent(channel reminder.Channel)
	SendFailed(channel reminder.Channel)
	ResponseReceived(kind string)
	Escalated(level int)
	DoseMissed()
	PassCompleted(pass string, duration time.Duration, processed int, err error)
}

type nopRecorder struct{}

func (nopRecorder) InstancesMaterialized(int)                       {}
func (nopRecorder) ReminderSent(reminder.Channel)                   {}
func (nopRecorder) SendFailed(reminder.Channel)                     {}
func (nopRecorder) ResponseReceived(string)                         {}
func (nopRecorder) Escalated(int)                                   {}
func (nopRecorder) DoseMissed()                                     {}
func (nopRecorder) PassCompleted(string, time.Duration, int, error) {}

// StaticCriticality treats a fixed set of medicine names as critical, case-insensitively
type StaticCriticality map[string]bool

// IsCritical implements CriticalityLookup
func (s StaticCriticality) IsCritical(_ context.Context, medicineName string) bool {
	return s[normalizeName(medicineName)]
}

// NewStaticCriticality builds a lookup from names
func NewStaticCriticality(names ...string) StaticCriticality {
	s := make(StaticCriticality, len(names))
	for _, n := range names {
		s[normalizeName(n)] = true
	}
	return s
}
