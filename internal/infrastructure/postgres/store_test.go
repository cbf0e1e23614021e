package postgres

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
)

func TestInstanceQuery_NoFilter(t *testing.T) {
	query, args := instanceQuery(engine.InstanceFilter{})
	assert.NotContains(t, query, "WHERE")
	assert.True(t, strings.HasSuffix(query, "ORDER BY reminder_at, id"))
	assert.Empty(t, args)
}

func TestInstanceQuery_PlaceholdersFollowArgs(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	query, args := instanceQuery(engine.InstanceFilter{
		Statuses:       []reminder.Status{reminder.StatusSent, reminder.StatusScheduled},
		PatientID:      "p-1",
		ReminderBefore: &now,
		FollowUpBefore: &now,
		Limit:          50,
	})

	assert.Contains(t, query, "status = ANY($1)")
	assert.Contains(t, query, "patient_id = $2")
	assert.Contains(t, query, "reminder_at <= $3")
	assert.Contains(t, query, "follow_up_at <= $4 AND NOT follow_up_sent")
	assert.True(t, strings.HasSuffix(query, "LIMIT $5"))
	assert.Equal(t, []any{[]string{"sent", "scheduled"}, "p-1", now, now, 50}, args)
}

func TestInstanceQuery_DoseWindow(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	query, args := instanceQuery(engine.InstanceFilter{ScheduleID: "s-1", DoseAfter: &from, DoseBefore: &to})

	assert.Contains(t, query, "schedule_id = $1 AND dose_at > $2 AND dose_at < $3")
	assert.Len(t, args, 3)
}

func TestSortByReminder(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	insts := []*reminder.ReminderInstance{
		{ID: "c", ReminderAt: at.Add(time.Hour)},
		{ID: "b", ReminderAt: at},
		{ID: "a", ReminderAt: at},
	}
	sortByReminder(insts)
	assert.Equal(t, "a", insts[0].ID)
	assert.Equal(t, "b", insts[1].ID)
	assert.Equal(t, "c", insts[2].ID)
}
