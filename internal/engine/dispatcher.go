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
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

// Dispatcher sends reminders whose send time has arrived
type Dispatcher struct {
	store     Store
	directory PatientDirectory
	messenger *messenger
	config    Config
	recorder  Recorder
	logger    *zap.Logger
	tracer    trace.Tracer
	pool      *workerpool.Pool[*dispatchJob, bool]
}

type dispatchJob struct {
	inst     *reminder.ReminderInstance
	schedule *reminder.DoseSchedule
	followUp bool
	now      time.Time
}

// NewDispatcher creates a dispatcher and starts its worker pool. Call Close to stop it.
func NewDispatcher(store Store, sender NotificationSender, templates MessageTemplater, directory PatientDirectory, cfg Config, recorder Recorder, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		store:     store,
		directory: directory,
		messenger: &messenger{sender: sender, templates: templates, config: cfg, recorder: recorder, logger: logger},
		config:    cfg,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer("reminder-dispatcher"),
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers
	poolCfg.QueueSize = cfg.BatchSize
	pool, err := workerpool.New[*dispatchJob, bool](poolCfg, d.deliver, logger.Named("dispatch-pool"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch pool: %w", err)
	}
	pool.Start()
	d.pool = pool
	return d, nil
}

// Close stops the worker pool
func (d *Dispatcher) Close() error {
	return d.pool.Stop()
}

// PoolStats exposes worker pool counters
func (d *Dispatcher) PoolStats() workerpool.Stats {
	return d.pool.Stats()
}

// SendDue sends every scheduled instance due at now, plus follow-ups armed by a
// "later" reply, and returns how many were delivered. Sends run concurrently and
// a failed instance never blocks the rest of the pass.
func (d *Dispatcher) SendDue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.SendDue",
		trace.WithAttributes(attribute.String("now", now.Format(time.RFC3339))))
	defer span.End()
	start := time.Now()

	jobs, err := d.collect(ctx, now)
	if err != nil {
		span.RecordError(err)
		d.recorder.PassCompleted("dispatch", time.Since(start), 0, err)
		return 0, err
	}
	if len(jobs) == 0 {
		d.recorder.PassCompleted("dispatch", time.Since(start), 0, nil)
		return 0, nil
	}

	tasks := make([]workerpool.Task[*dispatchJob], len(jobs))
	for i, job := range jobs {
		tasks[i] = workerpool.Task[*dispatchJob]{ID: job.inst.ID, Payload: job}
	}

	sent := 0
	var errs []error
	for _, res := range d.pool.RunBatch(ctx, tasks) {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", res.TaskID, res.Err))
			continue
		}
		if res.Value {
			sent++
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("instances.due", len(jobs)), attribute.Int("instances.sent", sent))
	d.recorder.PassCompleted("dispatch", time.Since(start), sent, err)
	d.logger.Debug("dispatch pass finished", zap.Int("due", len(jobs)), zap.Int("sent", sent))
	return sent, err
}

func (d *Dispatcher) collect(ctx context.Context, now time.Time) ([]*dispatchJob, error) {
	tol := d.config.DispatchTolerance
	reminderBefore := now.Add(tol)
	doseAfter := now.Add(-tol)
	candidates, err := d.store.ListInstances(ctx, InstanceFilter{
		Statuses:       []reminder.Status{reminder.StatusScheduled},
		ReminderBefore: &reminderBefore,
		DoseAfter:      &doseAfter,
		Limit:          d.config.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list due instances: %w", err)
	}

	followUpBefore := now.Add(tol)
	followUps, err := d.store.ListInstances(ctx, InstanceFilter{
		Statuses:       []reminder.Status{reminder.StatusSent},
		FollowUpBefore: &followUpBefore,
		Limit:          d.config.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list follow-ups: %w", err)
	}

	schedules := make(map[string]*reminder.DoseSchedule)
	lookup := func(id string) *reminder.DoseSchedule {
		if s, ok := schedules[id]; ok {
			return s
		}
		s, err := d.store.GetSchedule(ctx, id)
		if err != nil {
			d.logger.Warn("schedule lookup failed", zap.String("schedule_id", id), zap.Error(err))
		}
		schedules[id] = s
		return s
	}

	var jobs []*dispatchJob
	for _, inst := range candidates {
		if inst.DueForInitialSend(now, tol) {
			jobs = append(jobs, &dispatchJob{inst: inst, schedule: lookup(inst.ScheduleID), now: now})
		}
	}
	for _, inst := range followUps {
		if inst.DueForFollowUp(now, tol) {
			jobs = append(jobs, &dispatchJob{inst: inst, schedule: lookup(inst.ScheduleID), followUp: true, now: now})
		}
	}
	return jobs, nil
}

// deliver claims the instance, sends it and records the outcome under the
// schedule's send lock, so a stop either precedes the claim or waits for the
// outcome. The claim is a compare-and-set, so an instance stopped or claimed by
// another pass is skipped.
func (d *Dispatcher) deliver(ctx context.Context, job *dispatchJob) (bool, error) {
	now := job.now
	inst := job.inst.Clone()
	logger := d.logger.With(zap.String("instance_id", inst.ID), zap.Bool("follow_up", job.followUp))

	if job.schedule != nil && !job.schedule.IsActive {
		return false, nil
	}

	release, err := d.store.HoldSends(ctx, inst.ScheduleID)
	if err != nil {
		return false, fmt.Errorf("failed to hold schedule sends: %w", err)
	}
	defer release()

	sched := job.schedule
	if current, err := d.store.GetSchedule(ctx, inst.ScheduleID); err == nil {
		sched = current
	}
	if sched != nil && !sched.IsActive {
		logger.Debug("schedule stopped before the send")
		return false, nil
	}

	expected := inst.Version
	if job.followUp {
		err = inst.ClaimFollowUp(now)
	} else {
		err = inst.ClaimSend(now)
	}
	if err != nil {
		return false, nil
	}
	if err := d.store.UpdateInstance(ctx, inst, expected); err != nil {
		if errors.Is(err, reminder.ErrConflict) {
			logger.Debug("instance claimed elsewhere")
			return false, nil
		}
		return false, fmt.Errorf("failed to claim instance: %w", err)
	}

	patient, err := d.directory.Lookup(ctx, inst.PatientID)
	if err != nil {
		logger.Warn("patient lookup failed", zap.Error(err))
		return false, d.recordFailure(ctx, inst, now, fmt.Errorf("%w: patient lookup: %v", reminder.ErrChannelSendFailed, err))
	}

	vars := instanceVars(inst, sched, patient)
	msg := reminder.Message{
		Text:       d.messenger.render(TemplateReminder, d.messenger.language(patient), vars),
		Replies:    reminder.ReminderReplies(inst.ID, nil),
		InstanceID: inst.ID,
	}

	ids, sendErr := d.messenger.deliver(ctx, patient.Contact, channelsFor(sched, patient), msg)
	if len(ids) == 0 {
		logger.Warn("reminder not yet confirmed sent",
			zap.Int("send_attempts", inst.SendAttempts),
			zap.Error(sendErr))
		return false, d.recordFailure(ctx, inst, now, sendErr)
	}
	if sendErr != nil {
		logger.Info("reminder sent on a subset of channels", zap.Error(sendErr))
	}

	expected = inst.Version
	if job.followUp {
		err = inst.RecordDelivery(now, ids)
	} else {
		err = inst.MarkSent(now, ids)
	}
	if err != nil {
		return false, err
	}
	if err := d.store.UpdateInstance(ctx, inst, expected, reminder.InstanceEvent(inst, reminder.EventReminderSent, now)); err != nil {
		if errors.Is(err, reminder.ErrConflict) {
			logger.Warn("instance changed while the reminder was in flight")
			return false, nil
		}
		return false, fmt.Errorf("failed to record delivery: %w", err)
	}

	logger.Info("reminder sent",
		zap.String("patient_id", inst.PatientID),
		zap.String("medicine", inst.MedicineName),
		zap.Int("channels", len(ids)))
	return true, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, inst *reminder.ReminderInstance, now time.Time, cause error) error {
	expected := inst.Version
	if err := inst.RecordSendFailure(now, cause); err != nil {
		return nil
	}
	if err := d.store.UpdateInstance(ctx, inst, expected); err != nil && !errors.Is(err, reminder.ErrConflict) {
		return fmt.Errorf("failed to record send failure: %w", err)
	}
	return nil
}
