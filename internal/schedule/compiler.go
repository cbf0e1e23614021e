// Package schedule compiles prescription items into normalized dose schedules.
// Parsing never fails on free text: unparseable fields fall back to defaults and
// are reported as warnings next to the schedule.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

// PrescriptionItem is one medicine line of a finalized prescription
type PrescriptionItem struct {
	PatientID       string                               `json:"patient_id"`
	MedicineName    string                               `json:"medicine_name"`
	Dose            string                               `json:"dose,omitempty"`
	Frequency       string                               `json:"frequency,omitempty"`
	Timing          string                               `json:"timing,omitempty"`
	Duration        string                               `json:"duration,omitempty"`
	Instructions    string                               `json:"instructions,omitempty"`
	StartDate       time.Time                            `json:"start_date,omitempty"`
	Timezone        string                               `json:"timezone,omitempty"`
	SlotTimes       map[reminder.Slot]reminder.ClockTime `json:"slot_times,omitempty"`
	LeadTimeMinutes int                                  `json:"lead_time_minutes,omitempty"`
	Channels        []reminder.Channel                   `json:"channels,omitempty"`
	Metadata        map[string]string                    `json:"metadata,omitempty"`
}

// Warning is a non-fatal parsing problem resolved with a default
type Warning struct {
	Field   string `json:"field"`
	Input   string `json:"input"`
	Default string `json:"default"`
	Err     error  `json:"-"`
}

func (w Warning) Error() string {
	return fmt.Sprintf("%s %q: %v (using %s)", w.Field, w.Input, w.Err, w.Default)
}

func (w Warning) Unwrap() error { return w.Err }

// Result is a best-effort schedule plus everything that had to be defaulted
type Result struct {
	Schedule *reminder.DoseSchedule
	Warnings []Warning
}

// Config holds compiler defaults
type Config struct {
	DefaultTimezone     string
	DefaultLeadTime     time.Duration
	DefaultSlotTimes    map[reminder.Slot]reminder.ClockTime
	DefaultChannels     []reminder.Channel
	DefaultDurationDays int
	DefaultDose         string
}

// DefaultConfig returns the defaults used by the reminder engine
func DefaultConfig() Config {
	return Config{
		DefaultTimezone:     "UTC",
		DefaultLeadTime:     30 * time.Minute,
		DefaultSlotTimes:    reminder.DefaultSlotTimes(),
		DefaultChannels:     []reminder.Channel{reminder.ChannelWhatsApp},
		DefaultDurationDays: 7,
		DefaultDose:         "1 tablet",
	}
}

// Compiler turns prescription items into dose schedules
type Compiler struct {
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// NewCompiler creates a compiler
func NewCompiler(cfg Config, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultSlotTimes == nil {
		cfg.DefaultSlotTimes = reminder.DefaultSlotTimes()
	}
	if cfg.DefaultDurationDays <= 0 {
		cfg.DefaultDurationDays = DefaultConfig().DefaultDurationDays
	}
	if cfg.DefaultDose == "" {
		cfg.DefaultDose = DefaultConfig().DefaultDose
	}
	return &Compiler{config: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the clock used to pick a default start date
func (c *Compiler) WithClock(now func() time.Time) *Compiler {
	c.now = now
	return c
}

// Compile builds a DoseSchedule. Only a missing medicine name is fatal.
func (c *Compiler) Compile(item PrescriptionItem) (*Result, error) {
	name := strings.TrimSpace(item.MedicineName)
	if name == "" {
		return nil, reminder.ErrInvalidMedicine
	}

	var warnings []Warning
	warn := func(field, input, def string, err error) {
		warnings = append(warnings, Warning{Field: field, Input: input, Default: def, Err: err})
	}

	cadence, ok := ParseCadence(item.Frequency)
	if !ok {
		cadence, ok = ParseCadence(item.Instructions)
	}
	if !ok {
		cadence = DefaultCadence
		warn("frequency", item.Frequency, DefaultCadence.String(), reminder.ErrUnparseableCadence)
	}

	timing := ParseTiming(strings.Join([]string{item.Timing, item.Instructions, item.Frequency}, " "))

	days, ok := ParseDurationDays(item.Duration)
	if !ok {
		days, ok = ParseDurationDays(item.Instructions)
	}
	if !ok {
		days = c.config.DefaultDurationDays
		warn("duration", item.Duration, fmt.Sprintf("%d days", days), reminder.ErrUnparseableDuration)
	}

	dose, ok := ParseDose(item.Dose)
	if !ok {
		dose, ok = ParseDose(item.Instructions)
	}
	if !ok {
		dose = c.config.DefaultDose
		warn("dose", item.Dose, dose, reminder.ErrUnparseableDose)
	}

	tz := item.Timezone
	if tz == "" {
		tz = c.config.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		warn("timezone", tz, "UTC", fmt.Errorf("%w: unknown timezone", reminder.ErrInvalidSchedule))
		tz, loc = "UTC", time.UTC
	}

	startRef := item.StartDate
	if startRef.IsZero() {
		startRef = c.now().In(loc)
	}
	start := time.Date(startRef.Year(), startRef.Month(), startRef.Day(), 0, 0, 0, 0, loc)

	slotTimes := make(map[reminder.Slot]reminder.ClockTime, len(reminder.Slots))
	for slot, t := range c.config.DefaultSlotTimes {
		slotTimes[slot] = t
	}
	for slot, t := range item.SlotTimes {
		slotTimes[slot] = t
	}

	lead := item.LeadTimeMinutes
	if lead <= 0 {
		lead = int(c.config.DefaultLeadTime / time.Minute)
	}

	var channels []reminder.Channel
	for _, ch := range item.Channels {
		if ch.Valid() {
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		channels = append(channels, c.config.DefaultChannels...)
	}

	sched := &reminder.DoseSchedule{
		ID:              uuid.New().String(),
		PatientID:       item.PatientID,
		MedicineName:    name,
		DoseAmount:      dose,
		Cadence:         cadence,
		TimingType:      timing,
		DurationDays:    days,
		SlotTimes:       slotTimes,
		Timezone:        tz,
		StartDate:       start,
		EndDate:         start.AddDate(0, 0, days),
		IsActive:        true,
		LeadTimeMinutes: lead,
		ChannelsEnabled: channels,
		Metadata:        item.Metadata,
		CreatedAt:       c.now().UTC(),
	}

	for _, w := range warnings {
		c.logger.Warn("prescription field defaulted",
			zap.String("medicine", name),
			zap.String("field", w.Field),
			zap.String("input", w.Input),
			zap.String("default", w.Default))
	}

	return &Result{Schedule: sched, Warnings: warnings}, nil
}
