// Package reminder holds the dose schedule, reminder instance and adherence model
// shared by the compiler, the engine and the stores.
package reminder

import (
	"fmt"
	"math"
	"time"
)

// Slot is a time-of-day bucket a dose is assigned to
type Slot string

const (
	SlotMorning   Slot = "morning"
	SlotAfternoon Slot = "afternoon"
	SlotEvening   Slot = "evening"
)

// Slots lists slots in chronological order
var Slots = []Slot{SlotMorning, SlotAfternoon, SlotEvening}

// TimingType describes how a dose relates to food
type TimingType string

const (
	TimingBeforeFood   TimingType = "before_food"
	TimingAfterFood    TimingType = "after_food"
	TimingWithFood     TimingType = "with_food"
	TimingEmptyStomach TimingType = "empty_stomach"
	TimingAnytime      TimingType = "anytime"
)

// Channel is an outbound notification channel
type Channel string

const (
	ChannelPush     Channel = "push"
	ChannelWhatsApp Channel = "whatsapp"
)

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	return c == ChannelPush || c == ChannelWhatsApp
}

// Status is the lifecycle state of a ReminderInstance
type Status string

const (
	StatusScheduled    Status = "scheduled"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusMissed       Status = "missed"
	StatusStopped      Status = "stopped"
	StatusEmergency    Status = "emergency"
)

// Terminal reports whether no further transitions are allowed from s
func (s Status) Terminal() bool {
	switch s {
	case StatusAcknowledged, StatusMissed, StatusStopped, StatusEmergency:
		return true
	}
	return false
}

// Response is a canonical patient reply
type Response string

const (
	ResponseNone    Response = ""
	ResponseTaken   Response = "taken"
	ResponseSkipped Response = "skipped"
	ResponseLater   Response = "later"
)

// Outcome is what AdherenceTracker counts
type Outcome string

const (
	OutcomeTaken   Outcome = "taken"
	OutcomeSkipped Outcome = "skipped"
	OutcomeMissed  Outcome = "missed"
)

// Escalation levels
const (
	LevelNone         = 0
	MaxRegularLevel   = 3
	LevelFamilyNotice = 4
	LevelEmergency    = 5
)

// Cadence is the number of doses assigned to each slot per day
type Cadence struct {
	Morning   int `json:"morning"`
	Afternoon int `json:"afternoon"`
	Evening   int `json:"evening"`
}

// Count returns the doses assigned to slot
func (c Cadence) Count(slot Slot) int {
	switch slot {
	case SlotMorning:
		return c.Morning
	case SlotAfternoon:
		return c.Afternoon
	case SlotEvening:
		return c.Evening
	}
	return 0
}

// Total returns the daily dose count
func (c Cadence) Total() int {
	return c.Morning + c.Afternoon + c.Evening
}

// ActiveSlots returns the slots with a non-zero count
func (c Cadence) ActiveSlots() []Slot {
	var out []Slot
	for _, s := range Slots {
		if c.Count(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// String renders the cadence as an M-A-E triplet
func (c Cadence) String() string {
	return fmt.Sprintf("%d-%d-%d", c.Morning, c.Afternoon, c.Evening)
}

// ClockTime is a patient-local wall clock time
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM"
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// MarshalText encodes the time as "HH:MM"
func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes "HH:MM"
func (c *ClockTime) UnmarshalText(b []byte) error {
	parsed, err := ParseClockTime(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// On returns the instant of c on the calendar day of date in loc
func (c ClockTime) On(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, loc)
}

// DefaultSlotTimes are used when a schedule does not carry its own
func DefaultSlotTimes() map[Slot]ClockTime {
	return map[Slot]ClockTime{
		SlotMorning:   {Hour: 8},
		SlotAfternoon: {Hour: 13},
		SlotEvening:   {Hour: 20},
	}
}

// DoseSchedule is one prescribed medicine for one patient
type DoseSchedule struct {
	ID              string             `json:"id"`
	PatientID       string             `json:"patient_id"`
	MedicineName    string             `json:"medicine_name"`
	DoseAmount      string             `json:"dose_amount"`
	Cadence         Cadence            `json:"cadence"`
	TimingType      TimingType         `json:"timing_type"`
	DurationDays    int                `json:"duration_days"`
	SlotTimes       map[Slot]ClockTime `json:"slot_times"`
	Timezone        string             `json:"timezone"`
	StartDate       time.Time          `json:"start_date"`
	EndDate         time.Time          `json:"end_date"`
	IsActive        bool               `json:"is_active"`
	LeadTimeMinutes int                `json:"lead_time_minutes"`
	ChannelsEnabled []Channel          `json:"channels_enabled"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	DeactivatedAt   *time.Time         `json:"deactivated_at,omitempty"`
}

// Location resolves the schedule timezone, defaulting to UTC
func (s *DoseSchedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LeadTime returns the pre-dose notification offset
func (s *DoseSchedule) LeadTime() time.Duration {
	return time.Duration(s.LeadTimeMinutes) * time.Minute
}

// TotalDoses is the number of reminder instances the schedule yields over its full duration
func (s *DoseSchedule) TotalDoses() int {
	n := 0
	for _, slot := range s.Cadence.ActiveSlots() {
		if _, ok := s.SlotTimes[slot]; ok {
			n++
		}
	}
	return n * s.DurationDays
}

// Validate checks the structural invariants
func (s *DoseSchedule) Validate() error {
	if s.MedicineName == "" {
		return ErrInvalidMedicine
	}
	if s.Cadence.Total() <= 0 {
		return fmt.Errorf("%w: cadence has no doses", ErrInvalidSchedule)
	}
	if s.DurationDays <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidSchedule)
	}
	if !s.EndDate.Equal(s.StartDate.AddDate(0, 0, s.DurationDays)) {
		return fmt.Errorf("%w: end date must equal start date plus duration", ErrInvalidSchedule)
	}
	return nil
}

// Patient is the read-only directory view of a patient
type Patient struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Contact            string    `json:"contact"`
	Language           string    `json:"language"`
	FamilyContact      string    `json:"family_contact,omitempty"`
	ChannelPreferences []Channel `json:"channel_preferences,omitempty"`
}

// AdherenceRecord holds rolling counters per patient and medicine
type AdherenceRecord struct {
	PatientID           string     `json:"patient_id"`
	MedicineName        string     `json:"medicine_name"`
	TotalPrescribed     int        `json:"total_prescribed"`
	Taken               int        `json:"taken"`
	Skipped             int        `json:"skipped"`
	Missed              int        `json:"missed"`
	AdherencePercentage int        `json:"adherence_percentage"`
	StreakDays          int        `json:"streak_days"`
	LongestStreak       int        `json:"longest_streak"`
	LastDoseTime        *time.Time `json:"last_dose_time,omitempty"`
	Version             int        `json:"version"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Applied returns the number of recorded outcomes
func (r *AdherenceRecord) Applied() int {
	return r.Taken + r.Skipped + r.Missed
}

// Apply folds one outcome into the record. at is interpreted in its own location
// when comparing calendar days.
func (r *AdherenceRecord) Apply(outcome Outcome, at time.Time) error {
	switch outcome {
	case OutcomeTaken:
		r.Taken++
		// the streak grows only when the previous taken dose was on the day before
		if r.LastDoseTime != nil && sameDay(r.LastDoseTime.In(at.Location()).AddDate(0, 0, 1), at) {
			r.StreakDays++
		} else {
			r.StreakDays = 1
		}
		if r.StreakDays > r.LongestStreak {
			r.LongestStreak = r.StreakDays
		}
		t := at
		r.LastDoseTime = &t
	case OutcomeSkipped:
		r.Skipped++
		r.StreakDays = 0
	case OutcomeMissed:
		r.Missed++
		r.StreakDays = 0
	default:
		return fmt.Errorf("unknown adherence outcome %q", outcome)
	}

	if r.TotalPrescribed < r.Applied() {
		r.TotalPrescribed = r.Applied()
	}
	r.AdherencePercentage = Percentage(r.Taken, r.Applied())
	r.UpdatedAt = at
	return nil
}

// Percentage returns taken/total*100 rounded to the nearest integer, 0 when total is 0
func Percentage(taken, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(taken) * 100 / float64(total)))
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
