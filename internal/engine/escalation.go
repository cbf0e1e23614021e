package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

// Tier is an escalation policy step
type Tier string

const (
	TierNone      Tier = ""
	TierRetry     Tier = "retry"
	TierFamily    Tier = "family"
	TierEmergency Tier = "emergency"
)

// Decide returns the single tier a scan should apply to an instance overdue by
// elapsed, evaluated emergency first, then critical-family, then retry. Retry
// level n+1 waits until elapsed exceeds overdue + n*spacing.
func Decide(cfg Config, inst *reminder.ReminderInstance, elapsed time.Duration, critical bool) (Tier, int) {
	level := inst.EscalationLevel
	switch {
	case elapsed >= cfg.EmergencyThreshold && level < reminder.LevelEmergency:
		return TierEmergency, reminder.LevelEmergency
	case critical && elapsed >= cfg.CriticalThreshold && level < reminder.LevelFamilyNotice:
		return TierFamily, reminder.LevelFamilyNotice
	case level < reminder.MaxRegularLevel && elapsed > cfg.OverdueThreshold+time.Duration(level)*cfg.RetrySpacing:
		return TierRetry, level + 1
	}
	return TierNone, level
}

// Escalator applies tiered escalation to overdue, unanswered instances
type Escalator struct {
	store     Store
	directory PatientDirectory
	critical  CriticalityLookup
	provider  ProviderNotifier
	tracker   *Tracker
	messenger *messenger
	config    Config
	recorder  Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewEscalator creates an escalation engine
func NewEscalator(store Store, directory PatientDirectory, critical CriticalityLookup, provider ProviderNotifier, tracker *Tracker, sender NotificationSender, templates MessageTemplater, cfg Config, recorder Recorder, logger *zap.Logger) *Escalator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if critical == nil {
		critical = NewStaticCriticality()
	}
	cfg = cfg.withDefaults()
	return &Escalator{
		store:     store,
		directory: directory,
		critical:  critical,
		provider:  provider,
		tracker:   tracker,
		messenger: &messenger{sender: sender, templates: templates, config: cfg, recorder: recorder, logger: logger},
		config:    cfg,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer("reminder-escalation"),
	}
}

// Scan escalates every scheduled or sent instance whose dose time has passed and
// returns how many tier transitions it applied. Each transition is claimed with a
// compare-and-set before its side effects run, so a tier fires at most once.
func (e *Escalator) Scan(ctx context.Context, now time.Time) (int, error) {
	ctx, span := e.tracer.Start(ctx, "Escalator.Scan")
	defer span.End()
	start := time.Now()

	overdue, err := e.store.ListInstances(ctx, InstanceFilter{
		Statuses:   []reminder.Status{reminder.StatusScheduled, reminder.StatusSent},
		DoseBefore: &now,
		Limit:      e.config.BatchSize,
	})
	if err != nil {
		span.RecordError(err)
		e.recorder.PassCompleted("escalate", time.Since(start), 0, err)
		return 0, fmt.Errorf("failed to list overdue instances: %w", err)
	}

	applied := 0
	var errs []error
	for _, inst := range overdue {
		if ctx.Err() != nil {
			break
		}
		ok, err := e.escalate(ctx, inst, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.ID, err))
			continue
		}
		if ok {
			applied++
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("instances.overdue", len(overdue)), attribute.Int("escalations", applied))
	e.recorder.PassCompleted("escalate", time.Since(start), applied, err)
	return applied, err
}

func (e *Escalator) escalate(ctx context.Context, inst *reminder.ReminderInstance, now time.Time) (bool, error) {
	if inst.PatientResponse == reminder.ResponseTaken || inst.PatientResponse == reminder.ResponseSkipped {
		return false, nil
	}
	elapsed := now.Sub(inst.DoseAt)
	critical := elapsed >= e.config.CriticalThreshold && e.critical.IsCritical(ctx, inst.MedicineName)

	tier, level := Decide(e.config, inst, elapsed, critical)
	if tier == TierNone {
		return false, nil
	}

	release, err := e.store.HoldSends(ctx, inst.ScheduleID)
	if err != nil {
		return false, fmt.Errorf("failed to hold schedule sends: %w", err)
	}
	defer release()

	schedule, err := e.store.GetSchedule(ctx, inst.ScheduleID)
	if err != nil {
		e.logger.Warn("schedule lookup failed", zap.String("instance_id", inst.ID), zap.Error(err))
		schedule = nil
	}
	if schedule != nil && !schedule.IsActive {
		return false, nil
	}

	updated := inst.Clone()
	expected := updated.Version
	if err := updated.Escalate(level, now); err != nil {
		return false, nil
	}
	events := []*reminder.Event{reminder.InstanceEvent(updated, reminder.EventReminderEscalated, now)}
	if tier == TierEmergency {
		events = append(events, reminder.InstanceEvent(updated, reminder.EventEmergencyRaised, now))
	}
	if err := e.store.UpdateInstance(ctx, updated, expected, events...); err != nil {
		if errors.Is(err, reminder.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim escalation: %w", err)
	}

	e.recorder.Escalated(level)
	logger := e.logger.With(
		zap.String("instance_id", updated.ID),
		zap.String("tier", string(tier)),
		zap.Int("level", level),
		zap.Duration("overdue", elapsed))
	logger.Info("dose escalated")

	patient, err := e.directory.Lookup(ctx, updated.PatientID)
	if err != nil {
		logger.Error("patient lookup failed, escalation recorded without notification", zap.Error(err))
		patient = &reminder.Patient{ID: updated.PatientID}
	}

	switch tier {
	case TierRetry:
		e.notifyPatient(ctx, logger, updated, schedule, patient, TemplateEscalation)
	case TierFamily:
		e.notifyFamily(ctx, logger, updated, schedule, patient, TemplateFamilyNotice)
	case TierEmergency:
		e.notifyPatient(ctx, logger, updated, schedule, patient, TemplateEmergency)
		e.notifyFamily(ctx, logger, updated, schedule, patient, TemplateEmergency)
		e.notifyProvider(ctx, logger, updated, schedule, patient, elapsed, now)

		loc := time.UTC
		if schedule != nil {
			loc = schedule.Location()
		}
		if _, err := e.tracker.Update(ctx, updated.PatientID, updated.MedicineName, reminder.OutcomeMissed, now.In(loc)); err != nil {
			logger.Error("adherence update failed", zap.Error(err))
		}
		e.recorder.DoseMissed()
	}
	return true, nil
}

func (e *Escalator) notifyPatient(ctx context.Context, logger *zap.Logger, inst *reminder.ReminderInstance, s *reminder.DoseSchedule, p *reminder.Patient, key string) {
	vars := instanceVars(inst, s, p)
	msg := reminder.Message{
		Text:       e.messenger.render(key, e.messenger.language(p), vars),
		InstanceID: inst.ID,
	}
	if key == TemplateEscalation {
		msg.Replies = reminder.ReminderReplies(inst.ID, nil)
	}
	ids, err := e.messenger.deliver(ctx, p.Contact, channelsFor(s, p), msg)
	if err != nil {
		logger.Warn("patient escalation not fully delivered", zap.Error(err))
	}
	if len(ids) == 0 || inst.Status.Terminal() {
		return
	}

	// every dispatch attempt failed, so this resend is the first delivery the
	// patient sees and replies must be able to find the instance
	now := e.config.Now()
	expected := inst.Version
	var events []*reminder.Event
	if inst.Status == reminder.StatusScheduled {
		if err := inst.MarkSent(now, ids); err != nil {
			return
		}
		events = append(events, reminder.InstanceEvent(inst, reminder.EventReminderSent, now))
	} else if err := inst.RecordDelivery(now, ids); err != nil {
		return
	}
	if err := e.store.UpdateInstance(ctx, inst, expected, events...); err != nil {
		logger.Warn("escalation delivery not recorded", zap.Error(err))
	}
}

func (e *Escalator) notifyFamily(ctx context.Context, logger *zap.Logger, inst *reminder.ReminderInstance, s *reminder.DoseSchedule, p *reminder.Patient, key string) {
	if p.FamilyContact == "" {
		logger.Warn("no family contact on file", zap.Error(reminder.ErrFamilyContactMissing))
		return
	}
	vars := instanceVars(inst, s, p)
	msg := reminder.Message{
		Text:       e.messenger.render(key, e.messenger.language(p), vars),
		InstanceID: inst.ID,
	}
	if _, err := e.messenger.deliver(ctx, p.FamilyContact, []reminder.Channel{e.config.FamilyChannel}, msg); err != nil {
		logger.Warn("family notification failed", zap.Error(err))
	}
}

func (e *Escalator) notifyProvider(ctx context.Context, logger *zap.Logger, inst *reminder.ReminderInstance, s *reminder.DoseSchedule, p *reminder.Patient, elapsed time.Duration, now time.Time) {
	if e.provider == nil {
		logger.Warn("no provider notifier configured")
		return
	}
	vars := instanceVars(inst, s, p)
	alert := ProviderAlert{
		InstanceID:   inst.ID,
		ScheduleID:   inst.ScheduleID,
		PatientID:    inst.PatientID,
		PatientName:  p.Name,
		MedicineName: inst.MedicineName,
		DoseAt:       inst.DoseAt,
		OverdueFor:   elapsed.Round(time.Minute).String(),
		Message:      e.messenger.render(TemplateProviderAlert, e.config.DefaultLanguage, vars),
		RaisedAt:     now,
	}
	if err := e.provider.NotifyProvider(ctx, alert); err != nil {
		logger.Error("provider alert failed", zap.Error(err))
	}
}

// EscalationStatus describes where an instance stands in the escalation policy
type EscalationStatus struct {
	InstanceID      string          `json:"instance_id"`
	Status          reminder.Status `json:"status"`
	EscalationLevel int             `json:"escalation_level"`
	Overdue         bool            `json:"overdue"`
	OverdueFor      string          `json:"overdue_for,omitempty"`
	Critical        bool            `json:"critical"`
	// NextTier is the tier a scan at the reported time would apply
	NextTier        Tier       `json:"next_tier,omitempty"`
	NextLevel       int        `json:"next_level,omitempty"`
	LastEscalatedAt *time.Time `json:"last_escalated_at,omitempty"`
}

// Status reports the escalation position of inst at now without changing it
func (e *Escalator) Status(ctx context.Context, inst *reminder.ReminderInstance, now time.Time) EscalationStatus {
	st := EscalationStatus{
		InstanceID:      inst.ID,
		Status:          inst.Status,
		EscalationLevel: inst.EscalationLevel,
		Critical:        e.critical.IsCritical(ctx, inst.MedicineName),
		LastEscalatedAt: inst.LastEscalatedAt,
	}
	elapsed := now.Sub(inst.DoseAt)
	if elapsed > 0 {
		st.Overdue = elapsed > e.config.OverdueThreshold
		st.OverdueFor = elapsed.Round(time.Minute).String()
	}
	if !inst.Awaiting() || elapsed <= 0 {
		return st
	}
	critical := st.Critical && elapsed >= e.config.CriticalThreshold
	if tier, level := Decide(e.config, inst, elapsed, critical); tier != TierNone {
		st.NextTier, st.NextLevel = tier, level
	}
	return st
}
