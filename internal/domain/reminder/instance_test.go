package reminder

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sentInstance(t *testing.T, at time.Time) *ReminderInstance {
	t.Helper()
	inst := &ReminderInstance{
		ID:         "inst-1",
		Status:     StatusScheduled,
		DoseAt:     at.Add(30 * time.Minute),
		ReminderAt: at,
	}
	require.NoError(t, inst.ClaimSend(at))
	require.NoError(t, inst.MarkSent(at, map[Channel]string{ChannelWhatsApp: "wamid.1"}))
	return inst
}

func TestInstanceTerminalStatesAreImmutable(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	inst := sentInstance(t, now)
	require.NoError(t, inst.Acknowledge(ResponseTaken, now))

	assert.ErrorIs(t, inst.Acknowledge(ResponseSkipped, now), ErrInvalidTransition)
	assert.ErrorIs(t, inst.MarkMissed(now), ErrInvalidTransition)
	assert.ErrorIs(t, inst.Stop(now), ErrInvalidTransition)
	assert.ErrorIs(t, inst.Escalate(1, now), ErrInvalidTransition)
	assert.Equal(t, StatusAcknowledged, inst.Status)
	assert.Equal(t, ResponseTaken, inst.PatientResponse)
}

func TestInstanceEscalationLevelOnlyIncreases(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	inst := sentInstance(t, now)

	require.NoError(t, inst.Escalate(1, now))
	assert.True(t, errors.Is(inst.Escalate(1, now), ErrInvalidTransition))
	require.NoError(t, inst.Escalate(LevelFamilyNotice, now))
	assert.ErrorIs(t, inst.Escalate(3, now), ErrInvalidTransition)

	require.NoError(t, inst.Escalate(LevelEmergency, now))
	assert.Equal(t, StatusEmergency, inst.Status)
	assert.True(t, inst.Status.Terminal())
}

func TestInstanceSnoozeArmsSingleFollowUp(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	inst := sentInstance(t, now)

	require.NoError(t, inst.Snooze(now, now.Add(30*time.Minute)))
	assert.Equal(t, StatusSent, inst.Status)
	assert.Equal(t, ResponseLater, inst.PatientResponse)
	assert.ErrorIs(t, inst.Snooze(now, now.Add(time.Hour)), ErrInvalidTransition)

	assert.False(t, inst.DueForFollowUp(now, 5*time.Minute))
	assert.True(t, inst.DueForFollowUp(now.Add(26*time.Minute), 5*time.Minute))

	require.NoError(t, inst.ClaimFollowUp(now.Add(30*time.Minute)))
	assert.False(t, inst.DueForFollowUp(now.Add(31*time.Minute), 5*time.Minute))
	assert.ErrorIs(t, inst.ClaimFollowUp(now.Add(31*time.Minute)), ErrInvalidTransition)
	require.NoError(t, inst.RecordDelivery(now.Add(30*time.Minute), map[Channel]string{ChannelPush: "p-2"}))
	assert.Len(t, inst.ChannelMessageIDs, 2)
	assert.Equal(t, 2, inst.SendAttempts)

	// a snoozed dose is not swept
	assert.ErrorIs(t, inst.MarkMissed(now.Add(3*time.Hour)), ErrInvalidTransition)
	assert.Equal(t, StatusSent, inst.Status)
}

func TestInstanceDueForInitialSend(t *testing.T) {
	reminderAt := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC)
	inst := &ReminderInstance{
		Status:     StatusScheduled,
		ReminderAt: reminderAt,
		DoseAt:     reminderAt.Add(30 * time.Minute),
	}
	tol := 5 * time.Minute

	assert.False(t, inst.DueForInitialSend(reminderAt.Add(-6*time.Minute), tol))
	assert.True(t, inst.DueForInitialSend(reminderAt.Add(-5*time.Minute), tol))
	assert.True(t, inst.DueForInitialSend(reminderAt.Add(5*time.Minute), tol))
	assert.False(t, inst.DueForInitialSend(reminderAt.Add(10*time.Minute), tol))

	// after a failed attempt it stays due until the dose time
	require.NoError(t, inst.ClaimSend(reminderAt))
	require.NoError(t, inst.RecordSendFailure(reminderAt, ErrChannelSendFailed))
	assert.Equal(t, ErrChannelSendFailed.Error(), inst.LastSendError)
	assert.True(t, inst.DueForInitialSend(reminderAt.Add(10*time.Minute), tol))
	assert.False(t, inst.DueForInitialSend(reminderAt.Add(31*time.Minute), tol))
}

func TestInstanceCloneIsDeep(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	inst := sentInstance(t, now)

	c := inst.Clone()
	c.ChannelMessageIDs[ChannelPush] = "other"
	*c.SentAt = now.Add(time.Hour)

	assert.NotContains(t, inst.ChannelMessageIDs, ChannelPush)
	assert.Equal(t, now, *inst.SentAt)
}
