package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

// messenger renders templates and fans a message out over channels. Every provider
// call gets its own timeout; a timeout counts as a failed channel.
type messenger struct {
	sender    NotificationSender
	templates MessageTemplater
	config    Config
	recorder  Recorder
	logger    *zap.Logger
}

func (m *messenger) language(p *reminder.Patient) string {
	if p != nil && p.Language != "" {
		return p.Language
	}
	return m.config.DefaultLanguage
}

func (m *messenger) render(key, language string, vars map[string]string) string {
	text, err := m.templates.Render(key, language, vars)
	if err == nil && text != "" {
		return text
	}
	m.logger.Warn("template render failed, using plain text",
		zap.String("template", key),
		zap.String("language", language),
		zap.Error(err))
	return strings.TrimSpace(fmt.Sprintf("%s %s %s", vars["medicine"], vars["dose"], vars["time"]))
}

// deliver sends msg on each channel and returns the provider ids of the channels
// that succeeded, with the failures joined into the error.
func (m *messenger) deliver(ctx context.Context, contact string, channels []reminder.Channel, msg reminder.Message) (map[reminder.Channel]string, error) {
	if contact == "" {
		return nil, fmt.Errorf("%w: no contact on file", reminder.ErrChannelSendFailed)
	}
	ids := make(map[reminder.Channel]string, len(channels))
	var errs []error
	for _, ch := range channels {
		sendCtx, cancel := context.WithTimeout(ctx, m.config.SendTimeout)
		id, err := m.sender.Send(sendCtx, contact, ch, msg)
		cancel()
		if err != nil {
			m.recorder.SendFailed(ch)
			errs = append(errs, fmt.Errorf("%w: %s: %v", reminder.ErrChannelSendFailed, ch, err))
			continue
		}
		m.recorder.ReminderSent(ch)
		ids[ch] = id
	}
	return ids, errors.Join(errs...)
}

// channelsFor intersects the schedule channels with the patient preferences,
// falling back to the schedule channels when the intersection is empty.
func channelsFor(s *reminder.DoseSchedule, p *reminder.Patient) []reminder.Channel {
	enabled := []reminder.Channel{reminder.ChannelWhatsApp}
	if s != nil && len(s.ChannelsEnabled) > 0 {
		enabled = s.ChannelsEnabled
	}
	if p == nil || len(p.ChannelPreferences) == 0 {
		return enabled
	}
	preferred := make(map[reminder.Channel]bool, len(p.ChannelPreferences))
	for _, ch := range p.ChannelPreferences {
		preferred[ch] = true
	}
	var out []reminder.Channel
	for _, ch := range enabled {
		if preferred[ch] {
			out = append(out, ch)
		}
	}
	if len(out) == 0 {
		return enabled
	}
	return out
}

var timingText = map[reminder.TimingType]string{
	reminder.TimingBeforeFood:   "before food",
	reminder.TimingAfterFood:    "after food",
	reminder.TimingWithFood:     "with food",
	reminder.TimingEmptyStomach: "on an empty stomach",
	reminder.TimingAnytime:      "",
}

// instanceVars are the substitution variables of instance-level templates
func instanceVars(inst *reminder.ReminderInstance, s *reminder.DoseSchedule, p *reminder.Patient) map[string]string {
	loc := inst.DoseAt.Location()
	vars := map[string]string{
		"medicine": inst.MedicineName,
		"dose":     inst.DoseAmount,
		"slot":     string(inst.Slot),
		"date":     inst.DoseDate,
	}
	if s != nil {
		loc = s.Location()
		vars["timing"] = timingText[s.TimingType]
	}
	vars["time"] = inst.DoseAt.In(loc).Format("03:04 PM")
	if p != nil {
		vars["patient_name"] = p.Name
	}
	return vars
}
