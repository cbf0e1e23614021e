package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdherenceStreaks(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	day := func(d, h int) time.Time { return time.Date(2026, 3, d, h, 0, 0, 0, loc) }

	rec := &AdherenceRecord{TotalPrescribed: 10}

	require.NoError(t, rec.Apply(OutcomeTaken, day(1, 8)))
	assert.Equal(t, 1, rec.StreakDays)

	require.NoError(t, rec.Apply(OutcomeTaken, day(2, 8)))
	require.NoError(t, rec.Apply(OutcomeTaken, day(3, 8)))
	assert.Equal(t, 3, rec.StreakDays)
	assert.Equal(t, 3, rec.LongestStreak)

	require.NoError(t, rec.Apply(OutcomeTaken, day(3, 14)))
	assert.Equal(t, 1, rec.StreakDays, "a second dose on the same day restarts the streak")
	assert.Equal(t, 3, rec.LongestStreak)

	require.NoError(t, rec.Apply(OutcomeSkipped, day(3, 20)))
	assert.Equal(t, 0, rec.StreakDays)

	require.NoError(t, rec.Apply(OutcomeTaken, day(5, 8)))
	assert.Equal(t, 1, rec.StreakDays, "gap resets the streak")
	assert.Equal(t, 3, rec.LongestStreak)

	require.NoError(t, rec.Apply(OutcomeMissed, day(5, 20)))
	assert.Equal(t, 0, rec.StreakDays)

	assert.Equal(t, 5, rec.Taken)
	assert.Equal(t, 1, rec.Skipped)
	assert.Equal(t, 1, rec.Missed)
	assert.Equal(t, 71, rec.AdherencePercentage)
	assert.LessOrEqual(t, rec.Applied(), rec.TotalPrescribed)
}

func TestAdherenceRejectsUnknownOutcome(t *testing.T) {
	rec := &AdherenceRecord{}
	assert.Error(t, rec.Apply(Outcome("later"), time.Now()))
	assert.Equal(t, 0, rec.Applied())
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0, Percentage(0, 0))
	assert.Equal(t, 67, Percentage(2, 3))
	assert.Equal(t, 100, Percentage(4, 4))
}

func TestScheduleValidateAndTotals(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := &DoseSchedule{
		MedicineName: "Amoxicillin",
		Cadence:      Cadence{Morning: 1, Evening: 1},
		DurationDays: 3,
		SlotTimes:    DefaultSlotTimes(),
		StartDate:    start,
		EndDate:      start.AddDate(0, 0, 3),
	}
	require.NoError(t, s.Validate())
	assert.Equal(t, 6, s.TotalDoses())
	assert.Equal(t, "1-0-1", s.Cadence.String())

	s.EndDate = start.AddDate(0, 0, 4)
	assert.ErrorIs(t, s.Validate(), ErrInvalidSchedule)

	s.MedicineName = ""
	assert.ErrorIs(t, s.Validate(), ErrInvalidMedicine)
}

func TestParseClockTime(t *testing.T) {
	ct, err := ParseClockTime("07:45")
	require.NoError(t, err)
	assert.Equal(t, ClockTime{Hour: 7, Minute: 45}, ct)
	assert.Equal(t, "07:45", ct.String())

	_, err = ParseClockTime("7pm")
	assert.Error(t, err)
}
