package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

const adherenceRetries = 5

// Tracker maintains rolling adherence counters per patient and medicine
type Tracker struct {
	store  Store
	logger *zap.Logger
}

// NewTracker creates an adherence tracker
func NewTracker(store Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, logger: logger}
}

// Update folds one outcome into the patient's record for medicine. at should be
// in the patient's timezone so streaks follow local calendar days.
func (t *Tracker) Update(ctx context.Context, patientID, medicine string, outcome reminder.Outcome, at time.Time) (*reminder.AdherenceRecord, error) {
	rec, err := t.mutate(ctx, patientID, medicine, func(r *reminder.AdherenceRecord) error {
		return r.Apply(outcome, at)
	})
	if err != nil {
		return nil, err
	}
	t.logger.Debug("adherence updated",
		zap.String("patient_id", patientID),
		zap.String("medicine", medicine),
		zap.String("outcome", string(outcome)),
		zap.Int("adherence_percentage", rec.AdherencePercentage))
	return rec, nil
}

// Prescribe adds doses to total_prescribed when a schedule is created
func (t *Tracker) Prescribe(ctx context.Context, patientID, medicine string, doses int, at time.Time) (*reminder.AdherenceRecord, error) {
	return t.mutate(ctx, patientID, medicine, func(r *reminder.AdherenceRecord) error {
		r.TotalPrescribed += doses
		r.UpdatedAt = at
		return nil
	})
}

// Get returns the record, or an empty one when nothing was recorded yet
func (t *Tracker) Get(ctx context.Context, patientID, medicine string) (*reminder.AdherenceRecord, error) {
	rec, err := t.store.GetAdherence(ctx, patientID, medicine)
	if errors.Is(err, reminder.ErrNotFound) {
		return &reminder.AdherenceRecord{PatientID: patientID, MedicineName: medicine}, nil
	}
	return rec, err
}

// mutate runs a read-modify-write under compare-and-set, retrying on conflict
func (t *Tracker) mutate(ctx context.Context, patientID, medicine string, fn func(*reminder.AdherenceRecord) error) (*reminder.AdherenceRecord, error) {
	for attempt := 0; attempt < adherenceRetries; attempt++ {
		rec, err := t.store.GetAdherence(ctx, patientID, medicine)
		switch {
		case errors.Is(err, reminder.ErrNotFound):
			rec = &reminder.AdherenceRecord{PatientID: patientID, MedicineName: medicine}
		case err != nil:
			return nil, fmt.Errorf("failed to load adherence: %w", err)
		}

		expected := rec.Version
		if err := fn(rec); err != nil {
			return nil, err
		}
		err = t.store.SaveAdherence(ctx, rec, expected)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, reminder.ErrConflict) {
			return nil, fmt.Errorf("failed to save adherence: %w", err)
		}
	}
	return nil, fmt.Errorf("adherence for %s/%s: %w", patientID, medicine, reminder.ErrConflict)
}
