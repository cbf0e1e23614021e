package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
	"github.com/drfirst/go-adherence/internal/schedule"
)

func TestCreateSchedule_SeedsLookaheadWindow(t *testing.T) {
	f := newFixture(t)
	res := f.createSchedule()

	s := res.Schedule
	assert.Equal(t, "p-1", s.PatientID)
	assert.Equal(t, reminder.TimingAfterFood, s.TimingType)
	assert.Equal(t, 3, s.DurationDays)
	assert.Empty(t, res.Warnings)
	require.Len(t, res.Instances, 6)

	for _, inst := range res.Instances {
		assert.Equal(t, reminder.StatusScheduled, inst.Status)
		assert.Contains(t, []reminder.Slot{reminder.SlotMorning, reminder.SlotEvening}, inst.Slot)
		assert.Equal(t, 30*time.Minute, inst.DoseAt.Sub(inst.ReminderAt))
		assert.False(t, inst.DoseAt.Before(s.StartDate))
		assert.True(t, inst.DoseAt.Before(s.EndDate))
	}

	rec := f.adherence("Amoxicillin")
	assert.Equal(t, 6, rec.TotalPrescribed)
	assert.Equal(t, 1, f.events(reminder.EventScheduleCreated))
}

func TestCreateSchedule_RequiresPatient(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.CreateSchedule(context.Background(), schedule.PrescriptionItem{
		MedicineName: "Amoxicillin",
		Frequency:    "1-0-1",
		Duration:     "3 days",
	})
	assert.ErrorIs(t, err, reminder.ErrInvalidSchedule)
}

func TestMaterialize_Idempotent(t *testing.T) {
	f := newFixture(t)
	res := f.createSchedule()
	ctx := context.Background()

	n, err := f.eng.RunPass(ctx, engine.PassMaterialize)
	require.NoError(t, err)
	assert.Zero(t, n)

	again, err := f.eng.Instantiator.Materialize(ctx, res.Schedule, 7)
	require.NoError(t, err)
	assert.Empty(t, again)

	insts, err := f.store.ListInstances(ctx, engine.InstanceFilter{ScheduleID: res.Schedule.ID})
	require.NoError(t, err)
	assert.Len(t, insts, 6)
}

func TestMaterialize_RollsForward(t *testing.T) {
	f := newFixture(t)
	res, err := f.eng.CreateSchedule(context.Background(), schedule.PrescriptionItem{
		PatientID:    "p-1",
		MedicineName: "Metformin",
		Frequency:    "1-0-0",
		Duration:     "10 days",
		Timezone:     "UTC",
	})
	require.NoError(t, err)
	require.Len(t, res.Instances, 3)

	f.setClock(at(3, 6, 0))
	n, err := f.eng.RunPass(context.Background(), engine.PassMaterialize)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "days 4 and 5 come into the window")
}

func TestPlan_OneInstancePerActiveSlotPerDay(t *testing.T) {
	now := at(1, 6, 0)
	compiler := schedule.NewCompiler(schedule.DefaultConfig(), nil).WithClock(func() time.Time { return now })

	tests := []struct {
		frequency string
		perDay    int
	}{
		{"1-0-0", 1},
		{"0-1-0", 1},
		{"1-0-1", 2},
		{"1-1-1", 3},
		{"2-0-2", 2},
		{"0-0-3", 1},
	}
	for _, days := range []int{1, 5, 10} {
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%s/%dd", tt.frequency, days), func(t *testing.T) {
				res, err := compiler.Compile(schedule.PrescriptionItem{
					PatientID:    "p-1",
					MedicineName: "Paracetamol",
					Frequency:    tt.frequency,
					Duration:     fmt.Sprintf("%d days", days),
					StartDate:    at(2, 0, 0),
				})
				require.NoError(t, err)

				planned := engine.Plan(res.Schedule, now, 60)
				assert.Len(t, planned, tt.perDay*days)
				assert.Equal(t, len(planned), res.Schedule.TotalDoses())

				keys := make(map[string]bool)
				for _, inst := range planned {
					assert.False(t, keys[inst.Key()], "duplicate %s", inst.Key())
					keys[inst.Key()] = true
				}
			})
		}
	}
}

func TestPlan_SkipsPastReminders(t *testing.T) {
	now := at(1, 12, 0)
	compiler := schedule.NewCompiler(schedule.DefaultConfig(), nil).WithClock(func() time.Time { return now })
	res, err := compiler.Compile(schedule.PrescriptionItem{
		PatientID:    "p-1",
		MedicineName: "Paracetamol",
		Frequency:    "1-1-1",
		Duration:     "2 days",
	})
	require.NoError(t, err)

	planned := engine.Plan(res.Schedule, now, 7)
	// the morning reminder of day one has passed
	assert.Len(t, planned, 5)
	for _, inst := range planned {
		assert.False(t, inst.ReminderAt.Before(now))
	}

	res.Schedule.IsActive = false
	assert.Empty(t, engine.Plan(res.Schedule, now, 7))
}

func TestPlan_UsesScheduleTimezone(t *testing.T) {
	now := time.Date(2026, 2, 28, 20, 0, 0, 0, time.UTC)
	compiler := schedule.NewCompiler(schedule.DefaultConfig(), nil).WithClock(func() time.Time { return now })
	res, err := compiler.Compile(schedule.PrescriptionItem{
		PatientID:    "p-1",
		MedicineName: "Amoxicillin",
		Frequency:    "1-0-1",
		Duration:     "1 day",
		Timezone:     "Asia/Kolkata",
	})
	require.NoError(t, err)

	planned := engine.Plan(res.Schedule, now, 3)
	require.Len(t, planned, 2)
	assert.Equal(t, "2026-03-01", planned[0].DoseDate)
	// 08:00 IST
	assert.Equal(t, time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC), planned[0].DoseAt.UTC())
}
