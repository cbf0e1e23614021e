package reminder

import (
	"fmt"
	"time"
)

// ReminderInstance is one dose of one schedule on one calendar date and slot
type ReminderInstance struct {
	ID                string             `json:"id"`
	ScheduleID        string             `json:"schedule_id"`
	PatientID         string             `json:"patient_id"`
	MedicineName      string             `json:"medicine_name"`
	DoseAmount        string             `json:"dose_amount"`
	DoseDate          string             `json:"dose_date"`
	Slot              Slot               `json:"slot"`
	DoseAt            time.Time          `json:"dose_datetime"`
	ReminderAt        time.Time          `json:"reminder_datetime"`
	Status            Status             `json:"status"`
	EscalationLevel   int                `json:"escalation_level"`
	PatientResponse   Response           `json:"patient_response,omitempty"`
	ResponseAt        *time.Time         `json:"response_time,omitempty"`
	ChannelMessageIDs map[Channel]string `json:"channel_message_ids,omitempty"`
	SendAttempts      int                `json:"send_attempts"`
	LastSendError     string             `json:"last_send_error,omitempty"`
	SentAt            *time.Time         `json:"sent_at,omitempty"`
	FollowUpAt        *time.Time         `json:"follow_up_at,omitempty"`
	FollowUpSent      bool               `json:"follow_up_sent"`
	LastEscalatedAt   *time.Time         `json:"last_escalated_at,omitempty"`
	Version           int                `json:"version"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// DateLayout is the layout of DoseDate
const DateLayout = "2006-01-02"

// Key identifies the (schedule, date, slot) uniqueness tuple
func (r *ReminderInstance) Key() string {
	return r.ScheduleID + "|" + r.DoseDate + "|" + string(r.Slot)
}

// Clone returns a deep copy so stores never share mutable state with callers
func (r *ReminderInstance) Clone() *ReminderInstance {
	c := *r
	if r.ChannelMessageIDs != nil {
		c.ChannelMessageIDs = make(map[Channel]string, len(r.ChannelMessageIDs))
		for k, v := range r.ChannelMessageIDs {
			c.ChannelMessageIDs[k] = v
		}
	}
	c.ResponseAt = cloneTime(r.ResponseAt)
	c.SentAt = cloneTime(r.SentAt)
	c.FollowUpAt = cloneTime(r.FollowUpAt)
	c.LastEscalatedAt = cloneTime(r.LastEscalatedAt)
	return &c
}

// DueForInitialSend reports whether a scheduled instance should go out in a poll at now.
// Instances inside the tolerance window are due; instances that were attempted and
// failed stay due until the dose time passes.
func (r *ReminderInstance) DueForInitialSend(now time.Time, tolerance time.Duration) bool {
	if r.Status != StatusScheduled {
		return false
	}
	if !r.ReminderAt.Before(now.Add(-tolerance)) && !r.ReminderAt.After(now.Add(tolerance)) {
		return true
	}
	return r.SendAttempts > 0 && r.ReminderAt.Before(now) && r.DoseAt.After(now)
}

// DueForFollowUp reports whether a snoozed instance should be re-sent at now
func (r *ReminderInstance) DueForFollowUp(now time.Time, tolerance time.Duration) bool {
	return r.Status == StatusSent && r.FollowUpAt != nil && !r.FollowUpSent &&
		!r.FollowUpAt.After(now.Add(tolerance))
}

// Awaiting reports whether the instance still expects a taken/skipped answer
func (r *ReminderInstance) Awaiting() bool {
	return r.Status == StatusScheduled || r.Status == StatusSent
}

// ClaimSend reserves a send attempt for a scheduled instance. The claim is persisted
// before any channel is contacted so two passes never deliver the same reminder.
func (r *ReminderInstance) ClaimSend(at time.Time) error {
	if r.Status != StatusScheduled {
		return r.invalid("claim send")
	}
	r.SendAttempts++
	r.touch(at)
	return nil
}

// MarkSent records a successful delivery on at least one channel
func (r *ReminderInstance) MarkSent(at time.Time, messageIDs map[Channel]string) error {
	if r.Status != StatusScheduled {
		return r.invalid("mark sent")
	}
	r.Status = StatusSent
	r.LastSendError = ""
	r.mergeMessageIDs(messageIDs)
	r.SentAt = &at
	r.touch(at)
	return nil
}

// ClaimFollowUp reserves the single re-send that follows a "later" reply
func (r *ReminderInstance) ClaimFollowUp(at time.Time) error {
	if r.Status != StatusSent || r.FollowUpAt == nil || r.FollowUpSent {
		return r.invalid("claim follow-up")
	}
	r.FollowUpSent = true
	r.SendAttempts++
	r.touch(at)
	return nil
}

// RecordDelivery stores provider message ids of a follow-up or escalation re-send
func (r *ReminderInstance) RecordDelivery(at time.Time, messageIDs map[Channel]string) error {
	if !r.Awaiting() {
		return r.invalid("record delivery")
	}
	r.LastSendError = ""
	r.mergeMessageIDs(messageIDs)
	r.touch(at)
	return nil
}

// RecordSendFailure notes a pass where every channel failed
func (r *ReminderInstance) RecordSendFailure(at time.Time, cause error) error {
	if !r.Awaiting() {
		return r.invalid("record send failure")
	}
	if cause != nil {
		r.LastSendError = cause.Error()
	}
	r.touch(at)
	return nil
}

// Acknowledge applies a taken or skipped reply
func (r *ReminderInstance) Acknowledge(resp Response, at time.Time) error {
	if resp != ResponseTaken && resp != ResponseSkipped {
		return fmt.Errorf("%w: %q is not an acknowledgement", ErrInvalidTransition, resp)
	}
	if r.Status != StatusSent {
		return r.invalid("acknowledge")
	}
	r.Status = StatusAcknowledged
	r.PatientResponse = resp
	r.ResponseAt = &at
	r.touch(at)
	return nil
}

// Snooze arms exactly one follow-up reminder at followUp
func (r *ReminderInstance) Snooze(at, followUp time.Time) error {
	if r.Status != StatusSent {
		return r.invalid("snooze")
	}
	if r.FollowUpAt != nil {
		return fmt.Errorf("%w: follow-up already armed", ErrInvalidTransition)
	}
	r.PatientResponse = ResponseLater
	r.ResponseAt = &at
	r.FollowUpAt = &followUp
	r.touch(at)
	return nil
}

// Stop cancels a pending instance
func (r *ReminderInstance) Stop(at time.Time) error {
	if !r.Awaiting() {
		return r.invalid("stop")
	}
	r.Status = StatusStopped
	r.touch(at)
	return nil
}

// MarkMissed closes a sent instance that got no reply at all. A snoozed instance
// is left to its follow-up and the escalation tiers.
func (r *ReminderInstance) MarkMissed(at time.Time) error {
	if r.Status != StatusSent || r.PatientResponse != ResponseNone {
		return r.invalid("mark missed")
	}
	r.Status = StatusMissed
	r.touch(at)
	return nil
}

// Escalate raises the escalation level. Level 5 moves the instance to emergency.
func (r *ReminderInstance) Escalate(level int, at time.Time) error {
	if !r.Awaiting() {
		return r.invalid("escalate")
	}
	if level <= r.EscalationLevel || level > LevelEmergency {
		return fmt.Errorf("%w: level %d after %d", ErrInvalidTransition, level, r.EscalationLevel)
	}
	r.EscalationLevel = level
	if level == LevelEmergency {
		r.Status = StatusEmergency
	}
	r.LastEscalatedAt = &at
	r.touch(at)
	return nil
}

func (r *ReminderInstance) mergeMessageIDs(ids map[Channel]string) {
	if len(ids) == 0 {
		return
	}
	if r.ChannelMessageIDs == nil {
		r.ChannelMessageIDs = make(map[Channel]string, len(ids))
	}
	for ch, id := range ids {
		r.ChannelMessageIDs[ch] = id
	}
}

func (r *ReminderInstance) touch(at time.Time) {
	r.UpdatedAt = at
}

func (r *ReminderInstance) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s instance %s in status %s", ErrInvalidTransition, op, r.ID, r.Status)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
