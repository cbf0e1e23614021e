// Package r5 reads the parts of FHIR R5 resources that turn a prescription into
// dose reminders: MedicationRequest, alone or inside a Bundle.
package r5

import (
	"strings"
	"time"
)

// CodeableConcept is a concept given as text and/or codings
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding is one code from a terminology system
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Display prefers the text, then a coding display, then a bare code
func (c *CodeableConcept) Display() string {
	if c == nil {
		return ""
	}
	if c.Text != "" {
		return c.Text
	}
	code := ""
	for _, cd := range c.Coding {
		if cd.Display != "" {
			return cd.Display
		}
		if code == "" {
			code = cd.Code
		}
	}
	return code
}

// Reference points at another resource, e.g. "Patient/123"
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// ID is the part after the last "/" or ":", so both "Patient/123" and
// "urn:uuid:123" give "123"
func (r Reference) ID() string {
	return r.Reference[strings.LastIndexAny(r.Reference, "/:")+1:]
}

// CodeableReference holds a concept, a reference, or both
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

type Period struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Quantity is a value with a unit; Code is the UCUM code when given
type Quantity struct {
	Value float64 `json:"value,omitempty"`
	Unit  string  `json:"unit,omitempty"`
	Code  string  `json:"code,omitempty"`
}

// Duration is a Quantity of time
type Duration Quantity

// Days rounds the duration to whole days, reading hours up and months as 30
// days. An unknown unit is read as days.
func (d *Duration) Days() int {
	if d == nil || d.Value <= 0 {
		return 0
	}
	unit := d.Code
	if unit == "" {
		unit = strings.ToLower(d.Unit)
	}
	perDay := map[string]float64{"h": 1.0 / 24, "wk": 7, "week": 7, "weeks": 7, "mo": 30, "month": 30, "months": 30}
	f, ok := perDay[unit]
	if !ok {
		return int(d.Value)
	}
	if f < 1 {
		return int((d.Value + 23) / 24)
	}
	return int(d.Value * f)
}

// Annotation is a free-text note
type Annotation struct {
	Text string `json:"text"`
}
