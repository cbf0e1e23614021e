// Package engine implements reminder materialization, dispatch, reply handling,
// adherence tracking, escalation and the missed-dose sweep on top of a Store and
// a set of notification collaborators.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// Deps are the collaborators the engine is built from
type Deps struct {
	Store     Store
	Sender    NotificationSender
	Templates MessageTemplater
	Directory PatientDirectory
	Critical  CriticalityLookup
	Provider  ProviderNotifier
	Recorder  Recorder
	Compiler  *schedule.Compiler
}

// Engine wires the reminder components around one store
type Engine struct {
	Compiler     *schedule.Compiler
	Instantiator *Instantiator
	Dispatcher   *Dispatcher
	Responses    *ResponseHandler
	Tracker      *Tracker
	Escalator    *Escalator
	Sweeper      *Sweeper

	store  Store
	config Config
	logger *zap.Logger
}

// New builds an engine. The dispatcher worker pool is started; call Close to stop it.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Engine, error) {
	if deps.Store == nil || deps.Sender == nil || deps.Templates == nil || deps.Directory == nil {
		return nil, errors.New("engine requires a store, sender, templater and patient directory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	cfg = cfg.withDefaults()
	if deps.Compiler == nil {
		deps.Compiler = schedule.NewCompiler(schedule.DefaultConfig(), logger.Named("compiler")).WithClock(cfg.Now)
	}

	tracker := NewTracker(deps.Store, logger.Named("adherence"))
	dispatcher, err := NewDispatcher(deps.Store, deps.Sender, deps.Templates, deps.Directory, cfg, deps.Recorder, logger.Named("dispatcher"))
	if err != nil {
		return nil, err
	}

	return &Engine{
		Compiler:     deps.Compiler,
		Instantiator: NewInstantiator(deps.Store, cfg, deps.Recorder, logger.Named("instantiator")),
		Dispatcher:   dispatcher,
		Responses:    NewResponseHandler(deps.Store, deps.Directory, tracker, deps.Sender, deps.Templates, cfg, deps.Recorder, logger.Named("responses")),
		Tracker:      tracker,
		Escalator:    NewEscalator(deps.Store, deps.Directory, deps.Critical, deps.Provider, tracker, deps.Sender, deps.Templates, cfg, deps.Recorder, logger.Named("escalation")),
		Sweeper:      NewSweeper(deps.Store, tracker, cfg, deps.Recorder, logger.Named("sweeper")),
		store:        deps.Store,
		config:       cfg,
		logger:       logger,
	}, nil
}

// Config returns the effective configuration
func (e *Engine) Config() Config {
	return e.config
}

// Close stops background resources
func (e *Engine) Close() error {
	return e.Dispatcher.Close()
}

// CreateResult is the outcome of creating a schedule from a prescription item
type CreateResult struct {
	Schedule  *reminder.DoseSchedule       `json:"schedule"`
	Warnings  []schedule.Warning           `json:"warnings,omitempty"`
	Instances []*reminder.ReminderInstance `json:"instances"`
}

// CreateSchedule compiles a prescription item, stores the schedule, registers its
// doses with the adherence record and seeds the near horizon.
func (e *Engine) CreateSchedule(ctx context.Context, item schedule.PrescriptionItem) (*CreateResult, error) {
	res, err := e.Compiler.Compile(item)
	if err != nil {
		return nil, err
	}
	s := res.Schedule
	if s.PatientID == "" {
		return nil, fmt.Errorf("%w: patient id is required", reminder.ErrInvalidSchedule)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	now := e.config.Now()
	if err := e.store.CreateSchedule(ctx, s, reminder.ScheduleEvent(s, reminder.EventScheduleCreated, 0, now)); err != nil {
		return nil, fmt.Errorf("failed to store schedule: %w", err)
	}
	if _, err := e.Tracker.Prescribe(ctx, s.PatientID, s.MedicineName, s.TotalDoses(), now); err != nil {
		e.logger.Error("failed to register prescribed doses", zap.String("schedule_id", s.ID), zap.Error(err))
	}

	instances, err := e.Instantiator.Materialize(ctx, s, e.config.LookaheadDays)
	if err != nil {
		// the rolling pass will seed it later
		e.logger.Error("initial materialization failed", zap.String("schedule_id", s.ID), zap.Error(err))
	}

	e.logger.Info("schedule created",
		zap.String("schedule_id", s.ID),
		zap.String("patient_id", s.PatientID),
		zap.String("medicine", s.MedicineName),
		zap.String("cadence", s.Cadence.String()),
		zap.Int("duration_days", s.DurationDays),
		zap.Int("warnings", len(res.Warnings)),
		zap.Int("instances", len(instances)))

	return &CreateResult{Schedule: s, Warnings: res.Warnings, Instances: instances}, nil
}

// StopSchedule deactivates a schedule on doctor or operator request. It waits for
// sends already in flight on the schedule, and all scheduled instances are stopped
// before it returns.
func (e *Engine) StopSchedule(ctx context.Context, scheduleID string) (*StopResult, error) {
	res, err := e.store.StopSchedule(ctx, scheduleID, "", e.config.Now())
	if err != nil {
		return nil, err
	}
	e.logger.Info("schedule stopped",
		zap.String("schedule_id", scheduleID),
		zap.Int("stopped_instances", len(res.Stopped)),
		zap.Bool("already_inactive", res.AlreadyInactive))
	return res, nil
}

// Pass names accepted by RunPass
const (
	PassMaterialize = "materialize"
	PassDispatch    = "dispatch"
	PassEscalate    = "escalate"
	PassSweep       = "sweep"
)

// ErrUnknownPass is returned by RunPass for an unknown name
var ErrUnknownPass = errors.New("unknown pass")

// RunPass runs one named periodic pass at the configured clock's now
func (e *Engine) RunPass(ctx context.Context, name string) (int, error) {
	now := e.config.Now()
	switch name {
	case PassMaterialize:
		return e.Instantiator.MaterializeAll(ctx)
	case PassDispatch:
		return e.Dispatcher.SendDue(ctx, now)
	case PassEscalate:
		return e.Escalator.Scan(ctx, now)
	case PassSweep:
		return e.Sweeper.SweepOverdue(ctx, now, e.config.MissedGrace)
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPass, name)
}
