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

// Sweeper closes sent instances that stayed unanswered past the grace window
type Sweeper struct {
	store    Store
	tracker  *Tracker
	config   Config
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewSweeper creates a missed-dose sweeper
func NewSweeper(store Store, tracker *Tracker, cfg Config, recorder Recorder, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Sweeper{
		store:    store,
		tracker:  tracker,
		config:   cfg.withDefaults(),
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("missed-dose-sweeper"),
	}
}

// SweepOverdue marks sent instances with no reply whose dose time is older than
// now-grace as missed and returns how many it closed. Snoozed instances are left
// to their follow-up and to escalation.
func (s *Sweeper) SweepOverdue(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	ctx, span := s.tracer.Start(ctx, "Sweeper.SweepOverdue",
		trace.WithAttributes(attribute.String("grace", grace.String())))
	defer span.End()
	start := time.Now()

	if grace <= 0 {
		grace = s.config.MissedGrace
	}
	cutoff := now.Add(-grace)
	overdue, err := s.store.ListInstances(ctx, InstanceFilter{
		Statuses:   []reminder.Status{reminder.StatusSent},
		DoseBefore: &cutoff,
		Limit:      s.config.BatchSize,
	})
	if err != nil {
		span.RecordError(err)
		s.recorder.PassCompleted("sweep", time.Since(start), 0, err)
		return 0, fmt.Errorf("failed to list overdue instances: %w", err)
	}

	missed := 0
	var errs []error
	locations := make(map[string]*time.Location)
	for _, inst := range overdue {
		if ctx.Err() != nil {
			break
		}
		updated := inst.Clone()
		expected := updated.Version
		if err := updated.MarkMissed(now); err != nil {
			continue
		}
		err := s.store.UpdateInstance(ctx, updated, expected, reminder.InstanceEvent(updated, reminder.EventReminderMissed, now))
		if errors.Is(err, reminder.ErrConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.ID, err))
			continue
		}
		missed++
		s.recorder.DoseMissed()

		loc, ok := locations[updated.ScheduleID]
		if !ok {
			loc = time.UTC
			if sched, err := s.store.GetSchedule(ctx, updated.ScheduleID); err == nil {
				loc = sched.Location()
			}
			locations[updated.ScheduleID] = loc
		}
		if _, err := s.tracker.Update(ctx, updated.PatientID, updated.MedicineName, reminder.OutcomeMissed, now.In(loc)); err != nil {
			s.logger.Error("adherence update failed", zap.String("instance_id", updated.ID), zap.Error(err))
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("instances.missed", missed))
	s.recorder.PassCompleted("sweep", time.Since(start), missed, err)
	if missed > 0 {
		s.logger.Info("marked overdue doses missed", zap.Int("count", missed))
	}
	return missed, err
}
