package engine

import (
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

// Config holds every tunable of the reminder engine. It is built once and passed
// to each component at construction.
type Config struct {
	// LookaheadDays bounds how far ahead instances are materialized
	LookaheadDays int
	// DispatchTolerance is the +/- window around reminder time a poll picks up
	DispatchTolerance time.Duration
	// SendTimeout bounds each provider call
	SendTimeout time.Duration
	// LaterDelay is how long a "later" reply defers the follow-up reminder
	LaterDelay time.Duration
	// MissedGrace is how long after dose time an unanswered instance becomes missed
	MissedGrace time.Duration

	OverdueThreshold   time.Duration
	RetrySpacing       time.Duration
	CriticalThreshold  time.Duration
	EmergencyThreshold time.Duration

	DefaultLanguage string
	// FamilyChannel is used for family and emergency contact notifications
	FamilyChannel reminder.Channel

	DispatchInterval    time.Duration
	MaterializeInterval time.Duration
	EscalationInterval  time.Duration

	// BatchSize caps instances loaded per pass
	BatchSize int
	// Workers is the dispatcher concurrency
	Workers int

	// Now is the clock, overridable in tests
	Now func() time.Time
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		LookaheadDays:       3,
		DispatchTolerance:   5 * time.Minute,
		SendTimeout:         12 * time.Second,
		LaterDelay:          30 * time.Minute,
		MissedGrace:         2 * time.Hour,
		OverdueThreshold:    30 * time.Minute,
		RetrySpacing:        30 * time.Minute,
		CriticalThreshold:   2 * time.Hour,
		EmergencyThreshold:  24 * time.Hour,
		DefaultLanguage:     "en",
		FamilyChannel:       reminder.ChannelWhatsApp,
		DispatchInterval:    time.Minute,
		MaterializeInterval: time.Hour,
		EscalationInterval:  5 * time.Minute,
		BatchSize:           500,
		Workers:             16,
		Now:                 time.Now,
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LookaheadDays <= 0 {
		c.LookaheadDays = d.LookaheadDays
	}
	if c.DispatchTolerance <= 0 {
		c.DispatchTolerance = d.DispatchTolerance
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.LaterDelay <= 0 {
		c.LaterDelay = d.LaterDelay
	}
	if c.MissedGrace <= 0 {
		c.MissedGrace = d.MissedGrace
	}
	if c.OverdueThreshold <= 0 {
		c.OverdueThreshold = d.OverdueThreshold
	}
	if c.RetrySpacing <= 0 {
		c.RetrySpacing = d.RetrySpacing
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = d.CriticalThreshold
	}
	if c.EmergencyThreshold <= 0 {
		c.EmergencyThreshold = d.EmergencyThreshold
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = d.DefaultLanguage
	}
	if !c.FamilyChannel.Valid() {
		c.FamilyChannel = d.FamilyChannel
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = d.DispatchInterval
	}
	if c.MaterializeInterval <= 0 {
		c.MaterializeInterval = d.MaterializeInterval
	}
	if c.EscalationInterval <= 0 {
		c.EscalationInterval = d.EscalationInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
