package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

// Instantiator materializes reminder instances for a rolling look-ahead window
type Instantiator struct {
	store    Store
	config   Config
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewInstantiator creates an instantiator
func NewInstantiator(store Store, cfg Config, recorder Recorder, logger *zap.Logger) *Instantiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Instantiator{
		store:    store,
		config:   cfg.withDefaults(),
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("reminder-instantiator"),
	}
}

// Plan computes the instances a schedule should have in [today, today+windowDays)
// without touching the store. Slots without a configured time are skipped, as are
// instances whose reminder time is already behind now.
func Plan(s *reminder.DoseSchedule, now time.Time, windowDays int) []*reminder.ReminderInstance {
	if !s.IsActive || windowDays <= 0 {
		return nil
	}
	loc := s.Location()
	today := midnight(now.In(loc), loc)
	from := midnight(s.StartDate.In(loc), loc)
	if from.Before(today) {
		from = today
	}
	to := midnight(s.EndDate.In(loc), loc)
	if horizon := today.AddDate(0, 0, windowDays); horizon.Before(to) {
		to = horizon
	}

	var out []*reminder.ReminderInstance
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		for _, slot := range s.Cadence.ActiveSlots() {
			ct, ok := s.SlotTimes[slot]
			if !ok {
				continue
			}
			doseAt := ct.On(day, loc)
			reminderAt := doseAt.Add(-s.LeadTime())
			if reminderAt.Before(now) {
				continue
			}
			out = append(out, &reminder.ReminderInstance{
				ID:           uuid.New().String(),
				ScheduleID:   s.ID,
				PatientID:    s.PatientID,
				MedicineName: s.MedicineName,
				DoseAmount:   s.DoseAmount,
				DoseDate:     day.Format(reminder.DateLayout),
				Slot:         slot,
				DoseAt:       doseAt,
				ReminderAt:   reminderAt,
				Status:       reminder.StatusScheduled,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
		}
	}
	return out
}

// Materialize stores the planned instances for the window and returns the ones
// that did not exist yet. Re-running it for a covered window creates nothing.
func (i *Instantiator) Materialize(ctx context.Context, s *reminder.DoseSchedule, windowDays int) ([]*reminder.ReminderInstance, error) {
	ctx, span := i.tracer.Start(ctx, "Instantiator.Materialize",
		trace.WithAttributes(
			attribute.String("schedule.id", s.ID),
			attribute.Int("window_days", windowDays),
		))
	defer span.End()

	planned := Plan(s, i.config.Now(), windowDays)
	if len(planned) == 0 {
		return nil, nil
	}

	created, err := i.store.InsertInstances(ctx, planned)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert instances for schedule %s: %w", s.ID, err)
	}

	span.SetAttributes(attribute.Int("instances.created", len(created)))
	i.recorder.InstancesMaterialized(len(created))
	if len(created) > 0 {
		i.logger.Debug("materialized reminder instances",
			zap.String("schedule_id", s.ID),
			zap.Int("created", len(created)),
			zap.Int("planned", len(planned)))
	}
	return created, nil
}

// MaterializeAll extends the window of every active schedule. A failing schedule
// is logged and does not stop the others.
func (i *Instantiator) MaterializeAll(ctx context.Context) (int, error) {
	start := time.Now()
	schedules, err := i.store.ListActiveSchedules(ctx, i.config.Now())
	if err != nil {
		i.recorder.PassCompleted("materialize", time.Since(start), 0, err)
		return 0, fmt.Errorf("failed to list active schedules: %w", err)
	}

	total := 0
	for _, s := range schedules {
		if ctx.Err() != nil {
			break
		}
		created, err := i.Materialize(ctx, s, i.config.LookaheadDays)
		if err != nil {
			i.logger.Error("materialization failed", zap.String("schedule_id", s.ID), zap.Error(err))
			continue
		}
		total += len(created)
	}

	i.recorder.PassCompleted("materialize", time.Since(start), total, ctx.Err())
	return total, ctx.Err()
}

func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
