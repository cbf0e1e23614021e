package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

// ReplyKind is the canonical meaning of an inbound message
type ReplyKind string

const (
	ReplyTaken        ReplyKind = "taken"
	ReplySkipped      ReplyKind = "skipped"
	ReplyLater        ReplyKind = "later"
	ReplyStop         ReplyKind = "stop"
	ReplyUnrecognized ReplyKind = "unrecognized"
)

var replyKeywords = map[string]ReplyKind{
	"TAKEN": ReplyTaken, "T": ReplyTaken, "✅": ReplyTaken, "YES": ReplyTaken, "Y": ReplyTaken, "DONE": ReplyTaken,
	"SKIP": ReplySkipped, "S": ReplySkipped, "SKIPPED": ReplySkipped, "❌": ReplySkipped, "NO": ReplySkipped, "N": ReplySkipped,
	"LATER": ReplyLater, "L": ReplyLater, "⏰": ReplyLater, "REMIND": ReplyLater, "SNOOZE": ReplyLater,
	"REMIND LATER": ReplyLater, "REMIND ME LATER": ReplyLater,
	"STOP": ReplyStop, "CANCEL": ReplyStop, "UNSUBSCRIBE": ReplyStop,
}

var payloadKinds = map[string]ReplyKind{
	reminder.PayloadTaken: ReplyTaken,
	reminder.PayloadLater: ReplyLater,
	reminder.PayloadSkip:  ReplySkipped,
}

// Classify maps raw inbound text to a reply kind. Button payloads of the form
// VERB:<instance-id> also return the instance id they carry.
func Classify(raw string) (ReplyKind, string) {
	text := strings.TrimSpace(raw)
	if verb, instanceID, ok := reminder.SplitReplyPayload(text); ok && instanceID != "" {
		return payloadKinds[verb], instanceID
	}

	norm := strings.ToUpper(strings.Join(strings.Fields(text), " "))
	norm = strings.TrimRight(norm, ".!?")
	if kind, ok := replyKeywords[norm]; ok {
		return kind, ""
	}
	// emoji followed by the word, e.g. "✅ TAKEN"
	if fields := strings.Fields(norm); len(fields) == 2 {
		a, aok := replyKeywords[fields[0]]
		b, bok := replyKeywords[fields[1]]
		if aok && bok && a == b {
			return a, ""
		}
	}
	return ReplyUnrecognized, ""
}

// ResponseOutcome reports what an inbound message did
type ResponseOutcome struct {
	Kind      ReplyKind                  `json:"kind"`
	PatientID string                     `json:"patient_id,omitempty"`
	Instance  *reminder.ReminderInstance `json:"instance,omitempty"`
	// Applied is false when the message changed no state (duplicate, no active
	// instance, unrecognized text)
	Applied bool `json:"applied"`
	// Stopped counts instances cancelled by a stop request
	Stopped int `json:"stopped,omitempty"`
}

// ResponseHandler applies patient replies to their reminder instances
type ResponseHandler struct {
	store     Store
	directory PatientDirectory
	tracker   *Tracker
	messenger *messenger
	config    Config
	recorder  Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewResponseHandler creates a response handler
func NewResponseHandler(store Store, directory PatientDirectory, tracker *Tracker, sender NotificationSender, templates MessageTemplater, cfg Config, recorder Recorder, logger *zap.Logger) *ResponseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	cfg = cfg.withDefaults()
	return &ResponseHandler{
		store:     store,
		directory: directory,
		tracker:   tracker,
		messenger: &messenger{sender: sender, templates: templates, config: cfg, recorder: recorder, logger: logger},
		config:    cfg,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer("reminder-responses"),
	}
}

// HandleResponse classifies rawText from patientIdentifier (a patient id or a
// contact) and applies it to the patient's most recent sent instance. A reply
// with nothing to apply to is not an error to the caller.
func (h *ResponseHandler) HandleResponse(ctx context.Context, patientIdentifier, rawText string, receivedAt time.Time) (*ResponseOutcome, error) {
	ctx, span := h.tracer.Start(ctx, "ResponseHandler.HandleResponse")
	defer span.End()

	kind, instanceID := Classify(rawText)
	span.SetAttributes(attribute.String("reply.kind", string(kind)))
	h.recorder.ResponseReceived(string(kind))

	patient, err := h.resolvePatient(ctx, patientIdentifier)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out := &ResponseOutcome{Kind: kind, PatientID: patient.ID}

	if kind == ReplyUnrecognized {
		h.reply(ctx, patient, TemplateHelp, map[string]string{"patient_name": patient.Name})
		return out, nil
	}

	inst, err := h.target(ctx, patient.ID, instanceID)
	if err != nil {
		if errors.Is(err, reminder.ErrNoActiveInstance) {
			h.logger.Info("reply without an active reminder",
				zap.String("patient_id", patient.ID),
				zap.String("kind", string(kind)))
			return out, nil
		}
		span.RecordError(err)
		return nil, err
	}
	out.Instance = inst

	switch kind {
	case ReplyTaken, ReplySkipped:
		err = h.acknowledge(ctx, out, inst, kind, receivedAt)
	case ReplyLater:
		err = h.snooze(ctx, out, patient, inst, receivedAt)
	case ReplyStop:
		err = h.stop(ctx, out, patient, inst, receivedAt)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

func (h *ResponseHandler) resolvePatient(ctx context.Context, identifier string) (*reminder.Patient, error) {
	p, err := h.directory.Lookup(ctx, identifier)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, reminder.ErrNotFound) {
		return nil, fmt.Errorf("patient lookup: %w", err)
	}
	p, err = h.directory.LookupByContact(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("patient lookup by contact: %w", err)
	}
	return p, nil
}

// target picks the instance a reply applies to. A correlation id carried by a
// button payload wins when it names a sent instance of this patient; otherwise
// the latest sent instance by reminder time, then dose time, then id.
func (h *ResponseHandler) target(ctx context.Context, patientID, instanceID string) (*reminder.ReminderInstance, error) {
	if instanceID != "" {
		inst, err := h.store.GetInstance(ctx, instanceID)
		switch {
		case err == nil && inst.PatientID == patientID && inst.Status == reminder.StatusSent:
			return inst, nil
		case err == nil && inst.PatientID == patientID && inst.Status.Terminal():
			// a redelivered button press on an answered reminder
			return nil, reminder.ErrNoActiveInstance
		case err != nil && !errors.Is(err, reminder.ErrNotFound):
			return nil, fmt.Errorf("failed to load instance %s: %w", instanceID, err)
		}
	}

	sent, err := h.store.ListInstances(ctx, InstanceFilter{
		Statuses:  []reminder.Status{reminder.StatusSent},
		PatientID: patientID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sent instances: %w", err)
	}
	if len(sent) == 0 {
		return nil, reminder.ErrNoActiveInstance
	}
	return mostRecent(sent), nil
}

func mostRecent(insts []*reminder.ReminderInstance) *reminder.ReminderInstance {
	sorted := append([]*reminder.ReminderInstance(nil), insts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.ReminderAt.Equal(b.ReminderAt) {
			return a.ReminderAt.After(b.ReminderAt)
		}
		if !a.DoseAt.Equal(b.DoseAt) {
			return a.DoseAt.After(b.DoseAt)
		}
		return a.ID > b.ID
	})
	return sorted[0]
}

func (h *ResponseHandler) acknowledge(ctx context.Context, out *ResponseOutcome, inst *reminder.ReminderInstance, kind ReplyKind, at time.Time) error {
	resp, outcome := reminder.ResponseTaken, reminder.OutcomeTaken
	if kind == ReplySkipped {
		resp, outcome = reminder.ResponseSkipped, reminder.OutcomeSkipped
	}

	updated := inst.Clone()
	expected := updated.Version
	if err := updated.Acknowledge(resp, at); err != nil {
		return nil
	}
	err := h.store.UpdateInstance(ctx, updated, expected, reminder.InstanceEvent(updated, reminder.EventReminderAcknowledged, at))
	if errors.Is(err, reminder.ErrConflict) {
		// lost to a concurrent reply, sweep or escalation; the winner owns the side effects
		h.logger.Info("acknowledgement lost a concurrent update", zap.String("instance_id", inst.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to acknowledge instance: %w", err)
	}
	out.Instance, out.Applied = updated, true

	local := at.In(h.location(ctx, updated.ScheduleID))
	if _, err := h.tracker.Update(ctx, updated.PatientID, updated.MedicineName, outcome, local); err != nil {
		h.logger.Error("adherence update failed", zap.String("instance_id", updated.ID), zap.Error(err))
	}

	h.logger.Info("dose acknowledged",
		zap.String("instance_id", updated.ID),
		zap.String("response", string(resp)))
	return nil
}

func (h *ResponseHandler) snooze(ctx context.Context, out *ResponseOutcome, patient *reminder.Patient, inst *reminder.ReminderInstance, at time.Time) error {
	updated := inst.Clone()
	expected := updated.Version
	followUp := at.Add(h.config.LaterDelay)
	if err := updated.Snooze(at, followUp); err != nil {
		// only one follow-up per instance
		return nil
	}
	err := h.store.UpdateInstance(ctx, updated, expected, reminder.InstanceEvent(updated, reminder.EventReminderSnoozed, at))
	if errors.Is(err, reminder.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to snooze instance: %w", err)
	}
	out.Instance, out.Applied = updated, true

	vars := instanceVars(updated, nil, patient)
	vars["delay"] = fmt.Sprintf("%d", int(h.config.LaterDelay/time.Minute))
	h.reply(ctx, patient, TemplateLaterConfirmation, vars)
	return nil
}

func (h *ResponseHandler) stop(ctx context.Context, out *ResponseOutcome, patient *reminder.Patient, inst *reminder.ReminderInstance, at time.Time) error {
	res, err := h.store.StopSchedule(ctx, inst.ScheduleID, inst.ID, at)
	if err != nil {
		return fmt.Errorf("failed to stop schedule %s: %w", inst.ScheduleID, err)
	}
	out.Applied = !res.AlreadyInactive || len(res.Stopped) > 0
	out.Stopped = len(res.Stopped)
	for _, s := range res.Stopped {
		if s.ID == inst.ID {
			out.Instance = s
		}
	}

	h.logger.Info("schedule stopped by patient",
		zap.String("schedule_id", inst.ScheduleID),
		zap.Int("stopped_instances", len(res.Stopped)))

	if out.Applied {
		h.reply(ctx, patient, TemplateStopConfirmation, map[string]string{
			"patient_name": patient.Name,
			"medicine":     inst.MedicineName,
		})
	}
	return nil
}

func (h *ResponseHandler) location(ctx context.Context, scheduleID string) *time.Location {
	s, err := h.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return time.UTC
	}
	return s.Location()
}

// reply sends an informational message. Failures are logged only.
func (h *ResponseHandler) reply(ctx context.Context, patient *reminder.Patient, key string, vars map[string]string) {
	msg := reminder.Message{Text: h.messenger.render(key, h.messenger.language(patient), vars)}
	channels := []reminder.Channel{reminder.ChannelWhatsApp}
	if len(patient.ChannelPreferences) > 0 {
		channels = patient.ChannelPreferences[:1]
	}
	if _, err := h.messenger.deliver(ctx, patient.Contact, channels, msg); err != nil {
		h.logger.Warn("reply not delivered",
			zap.String("patient_id", patient.ID),
			zap.String("template", key),
			zap.Error(err))
	}
}
