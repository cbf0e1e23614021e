package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		raw      string
		kind     engine.ReplyKind
		instance string
	}{
		{"TAKEN", engine.ReplyTaken, ""},
		{"  taken ", engine.ReplyTaken, ""},
		{"t", engine.ReplyTaken, ""},
		{"✅", engine.ReplyTaken, ""},
		{"✅ Taken", engine.ReplyTaken, ""},
		{"Done!", engine.ReplyTaken, ""},
		{"yes", engine.ReplyTaken, ""},
		{"skip", engine.ReplySkipped, ""},
		{"❌", engine.ReplySkipped, ""},
		{"No.", engine.ReplySkipped, ""},
		{"later", engine.ReplyLater, ""},
		{"remind  me   later", engine.ReplyLater, ""},
		{"⏰", engine.ReplyLater, ""},
		{"STOP", engine.ReplyStop, ""},
		{"unsubscribe", engine.ReplyStop, ""},
		{"TAKEN:inst-1", engine.ReplyTaken, "inst-1"},
		{"later:inst-2", engine.ReplyLater, "inst-2"},
		{"SKIP:inst-3", engine.ReplySkipped, "inst-3"},
		{"✅ LATER", engine.ReplyUnrecognized, ""},
		{"what is this medicine for", engine.ReplyUnrecognized, ""},
		{"", engine.ReplyUnrecognized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			kind, instanceID := engine.Classify(tt.raw)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.instance, instanceID)
		})
	}
}

func TestHandleResponse_TakenUpdatesAdherence(t *testing.T) {
	f := newFixture(t)
	res := f.createSchedule()
	require.Equal(t, 1, f.dispatch(at(1, 7, 30)))

	// contact in a different format than the directory holds
	out := f.reply("+919800000001", "taken", at(1, 7, 50))
	assert.Equal(t, engine.ReplyTaken, out.Kind)
	assert.True(t, out.Applied)
	assert.Equal(t, "p-1", out.PatientID)
	require.NotNil(t, out.Instance)
	assert.Equal(t, reminder.StatusAcknowledged, out.Instance.Status)
	assert.Equal(t, reminder.ResponseTaken, out.Instance.PatientResponse)

	stored := f.instance(res.Schedule.ID, at(1, 8, 0))
	assert.Equal(t, reminder.StatusAcknowledged, stored.Status)
	require.NotNil(t, stored.ResponseAt)
	assert.True(t, stored.ResponseAt.Equal(at(1, 7, 50)))

	rec := f.adherence("Amoxicillin")
	assert.Equal(t, 6, rec.TotalPrescribed)
	assert.Equal(t, 1, rec.Taken)
	assert.Equal(t, 100, rec.AdherencePercentage)
	assert.Equal(t, 1, rec.StreakDays)

	// the instance is no longer awaiting, so nothing escalates it
	assert.Zero(t, f.scan(at(1, 9, 0)))
}

func TestHandleResponse_DuplicateTakenIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.createSchedule()
	require.Equal(t, 1, f.dispatch(at(1, 7, 30)))

	first := f.reply("p-1", "TAKEN", at(1, 7, 50))
	require.True(t, first.Applied)
	second := f.reply("p-1", "TAKEN", at(1, 7, 51))
	assert.False(t, second.Applied)
	assert.Nil(t, second.Instance)

	assert.Equal(t, 1, f.adherence("Amoxicillin").Taken)
	assert.Equal(t, 1, f.events(reminder.EventReminderAcknowledged))
}

func TestHandleResponse_SkippedBreaksStreak(t *testing.T) {
	f := newFixture(t)
	f.createSchedule()

	require.Equal(t, 1, f.dispatch(at(1, 7, 30)))
	f.reply("p-1", "TAKEN", at(1, 7, 45))
	require.Equal(t, 1, f.dispatch(at(1, 19, 30)))
	out := f.reply("p-1", "skip", at(1, 19, 40))
	require.True(t, out.Applied)
	assert.Equal(t, reminder.ResponseSkipped, out.Instance.PatientResponse)

	rec := f.adherence("Amoxicillin")
	assert.Equal(t, 1, rec.Taken)
	assert.Equal(t, 1, rec.Skipped)
	assert.Equal(t, 0, rec.StreakDays)
	assert.Equal(t, 1, rec.LongestStreak)
	assert.Equal(t, 50, rec.AdherencePercentage)
}

func TestHandleResponse_CorrelationToken(t *testing.T) {
	f := newFixture(t)
	res := f.createSchedule()
	require.Equal(t, 1, f.dispatch(at(1, 7, 30)))
	require.Equal(t, 1, f.dispatch(at(1, 19, 30)))
	morning := f.instance(res.Schedule.ID, at(1, 8, 0))
	evening := f.instance(res.Schedule.ID, at(1, 20, 0))

	// a button on the older reminder wins over recency
	out := f.reply("p-1", reminder.ReplyPayload(reminder.PayloadTaken, morning.ID), at(1, 19, 40))
	require.True(t, out.Applied)
	assert.Equal(t, morning.ID, out.Instance.ID)
	assert.Equal(t, reminder.StatusSent, f.instance(res.Schedule.ID, at(1, 20, 0)).Status)

	// pressing it again does not spill over to the evening reminder
	out = f.reply("p-1", reminder.ReplyPayload(reminder.PayloadTaken, morning.ID), at(1, 19, 41))
	assert.False(t, out.Applied)
	assert.Equal(t, reminder.StatusSent, f.instance(res.Schedule.ID, at(1, 20, 0)).Status)

	// free text goes to the most recent sent instance
	out = f.reply("p-1", "taken", at(1, 19, 42))
	require.True(t, out.Applied)
	assert.Equal(t, evening.ID, out.Instance.ID)
}

func TestHandleResponse_UnknownTokenFallsBackToMostRecent(t *testing.T) {
	f := newFixture(t)
	res := f.createSchedule()
	require.Equal(t, 1, f.dispatch(at(1, 7, 30)))

	out := f.reply("p-1", "TAKEN:does-not-exist", at(1, 7, 40))
	require.True(t, out.Applied)
	assert.Equal(t, f.instance(res.Schedule.ID, at(1, 8, 0)).ID, out.Instance.ID)
}

func TestHandleResponse_LaterArmsOneFollowUp(t *testing.T) {
	f := newFixture(t)
	res := f.createSchedule()
	require.Equal(t, 1, f.dispatch(at(1, 7, 30)))

	out := f.reply("p-1", "later", at(1, 7, 35))
	require.True(t, out.Applied)
	assert.Equal(t, reminder.StatusSent, out.Instance.Status)
	assert.Equal(t, reminder.ResponseLater, out.Instance.PatientResponse)
	require.NotNil(t, out.Instance.FollowUpAt)
	assert.True(t, out.Instance.FollowUpAt.Equal(at(1, 8, 5)))
	assert.Len(t, f.sender.messages(engine.TemplateLaterConfirmation), 1)

	assert.Zero(t, f.dispatch(at(1, 7, 50)))
	assert.Equal(t, 1, f.dispatch(at(1, 8, 5)))
	assert.Zero(t, f.dispatch(at(1, 8, 10)))
	assert.Len(t, f.sender.messages(engine.TemplateReminder), 2)

	morning := f.instance(res.Schedule.ID, at(1, 8, 0))
	assert.True(t, morning.FollowUpSent)
	assert.Equal(t, 2, morning.SendAttempts)
	assert.Equal(t, 0, morning.EscalationLevel)

	// a second "later" does not arm another follow-up
	again := f.reply("p-1", "later", at(1, 8, 10))
	assert.False(t, again.Applied)
	assert.Len(t, f.sender.messages(engine.TemplateLaterConfirmation), 1)

	done := f.reply("p-1", "taken", at(1, 8, 20))
	require.True(t, done.Applied)
	assert.Equal(t, reminder.ResponseTaken, done.Instance.PatientResponse)
}

func TestHandleResponse_StopCancelsSchedule(t *testing.T) {
	f := newFixture(t)
	res := f.createSchedule()
	require.Equal(t, 1, f.dispatch(at(1, 7, 30)))

	out := f.reply(patientContact, "STOP", at(1, 7, 40))
	assert.Equal(t, engine.ReplyStop, out.Kind)
	assert.True(t, out.Applied)
	assert.Equal(t, 6, out.Stopped)
	require.NotNil(t, out.Instance)
	assert.Equal(t, reminder.StatusStopped, out.Instance.Status)

	sched, err := f.store.GetSchedule(context.Background(), res.Schedule.ID)
	require.NoError(t, err)
	assert.False(t, sched.IsActive)
	assert.NotNil(t, sched.DeactivatedAt)

	insts, err := f.store.ListInstances(context.Background(), engine.InstanceFilter{ScheduleID: res.Schedule.ID})
	require.NoError(t, err)
	for _, inst := range insts {
		assert.Equal(t, reminder.StatusStopped, inst.Status)
	}

	assert.Zero(t, f.dispatch(at(1, 19, 30)))
	assert.Len(t, f.sender.messages(engine.TemplateReminder), 1)
	assert.Len(t, f.sender.messages(engine.TemplateStopConfirmation), 1)
	assert.Zero(t, f.scan(at(2, 12, 0)))

	f.setClock(at(2, 6, 0))
	n, err := f.eng.RunPass(context.Background(), engine.PassMaterialize)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec := f.adherence("Amoxicillin")
	assert.Zero(t, rec.Applied())
	assert.Equal(t, 1, f.events(reminder.EventScheduleStopped))

	again := f.reply(patientContact, "STOP", at(1, 7, 45))
	assert.False(t, again.Applied)
	assert.Len(t, f.sender.messages(engine.TemplateStopConfirmation), 1)
}

func TestHandleResponse_WithoutSentReminder(t *testing.T) {
	f := newFixture(t)
	res := f.createSchedule()

	out := f.reply("p-1", "TAKEN", at(1, 7, 0))
	assert.False(t, out.Applied)
	assert.Nil(t, out.Instance)

	// STOP with nothing sent leaves the schedule running
	out = f.reply("p-1", "STOP", at(1, 7, 0))
	assert.False(t, out.Applied)
	sched, err := f.store.GetSchedule(context.Background(), res.Schedule.ID)
	require.NoError(t, err)
	assert.True(t, sched.IsActive)
}

func TestHandleResponse_UnrecognizedSendsHelp(t *testing.T) {
	f := newFixture(t)
	res := f.createSchedule()
	require.Equal(t, 1, f.dispatch(at(1, 7, 30)))

	out := f.reply("p-1", "which pill is this?", at(1, 7, 35))
	assert.Equal(t, engine.ReplyUnrecognized, out.Kind)
	assert.False(t, out.Applied)
	assert.Len(t, f.sender.messages(engine.TemplateHelp), 1)
	assert.Equal(t, reminder.StatusSent, f.instance(res.Schedule.ID, at(1, 8, 0)).Status)
}

func TestHandleResponse_UnknownPatient(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Responses.HandleResponse(context.Background(), "+1 555 0100 999", "TAKEN", at(1, 7, 0))
	assert.ErrorIs(t, err, reminder.ErrNotFound)
}
