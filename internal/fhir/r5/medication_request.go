package r5

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotMedicationRequest is returned for a resource of another type
var ErrNotMedicationRequest = errors.New("not a MedicationRequest")

// MedicationRequest statuses that still produce reminders
const (
	StatusActive = "active"
	StatusDraft  = "draft"
)

// MedicationRequest carries the prescription fields reminders are built from
type MedicationRequest struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Status       string            `json:"status"`
	Intent       string            `json:"intent"`
	Medication   CodeableReference `json:"medication"`
	Subject      Reference         `json:"subject"`
	AuthoredOn   time.Time         `json:"authoredOn,omitempty"`
	Note         []Annotation      `json:"note,omitempty"`

	RenderedDosageInstruction string           `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest           *DispenseRequest `json:"dispenseRequest,omitempty"`
}

type DispenseRequest struct {
	ValidityPeriod         *Period   `json:"validityPeriod,omitempty"`
	Quantity               *Quantity `json:"quantity,omitempty"`
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// Dosage is one dosage instruction
type Dosage struct {
	Sequence              int               `json:"sequence,omitempty"`
	Text                  string            `json:"text,omitempty"`
	AdditionalInstruction []CodeableConcept `json:"additionalInstruction,omitempty"`
	PatientInstruction    string            `json:"patientInstruction,omitempty"`
	Timing                *Timing           `json:"timing,omitempty"`
	AsNeeded              bool              `json:"asNeeded,omitempty"`
	DoseAndRate           []DoseAndRate     `json:"doseAndRate,omitempty"`
}

type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

type Timing struct {
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat is the structured schedule of a dosage
type TimingRepeat struct {
	BoundsDuration *Duration `json:"boundsDuration,omitempty"`
	BoundsPeriod   *Period   `json:"boundsPeriod,omitempty"`
	Frequency      int       `json:"frequency,omitempty"`
	Period         float64   `json:"period,omitempty"`
	// PeriodUnit is one of s, min, h, d, wk, mo, a
	PeriodUnit string   `json:"periodUnit,omitempty"`
	TimeOfDay  []string `json:"timeOfDay,omitempty"`
	// When holds event timing codes such as PCM or HS
	When []string `json:"when,omitempty"`
}

func (m *MedicationRequest) PatientID() string {
	return m.Subject.ID()
}

// MedicationName is the concept display, falling back to the reference display
func (m *MedicationRequest) MedicationName() string {
	if name := m.Medication.Concept.Display(); name != "" {
		return name
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// PrimaryDosage is the instruction with the lowest sequence; an unsequenced
// first entry wins
func (m *MedicationRequest) PrimaryDosage() *Dosage {
	if len(m.DosageInstruction) == 0 {
		return nil
	}
	best := &m.DosageInstruction[0]
	for i := 1; i < len(m.DosageInstruction); i++ {
		d := &m.DosageInstruction[i]
		if d.Sequence > 0 && d.Sequence < best.Sequence {
			best = d
		}
	}
	return best
}

// Sig is the human-readable instruction
func (m *MedicationRequest) Sig() string {
	if m.RenderedDosageInstruction != "" {
		return m.RenderedDosageInstruction
	}
	if d := m.PrimaryDosage(); d != nil {
		return d.Text
	}
	return ""
}

// SupplyDays is the expected supply duration in days, or 0
func (m *MedicationRequest) SupplyDays() int {
	if m.DispenseRequest == nil {
		return 0
	}
	return m.DispenseRequest.ExpectedSupplyDuration.Days()
}

// Check reports why the request cannot produce reminders
func (m *MedicationRequest) Check() []Issue {
	var issues []Issue
	if m.Status != "" && m.Status != StatusActive && m.Status != StatusDraft {
		issues = append(issues, Issue{
			Severity:    SeverityError,
			Code:        IssueBusinessRule,
			Diagnostics: "medication request status " + m.Status + " does not produce reminders",
			Expression:  []string{"MedicationRequest.status"},
		})
	}
	if m.PatientID() == "" {
		issues = append(issues, Issue{
			Severity:    SeverityError,
			Code:        IssueInvalid,
			Diagnostics: "subject reference is required",
			Expression:  []string{"MedicationRequest.subject"},
		})
	}
	if m.MedicationName() == "" {
		issues = append(issues, Issue{
			Severity:    SeverityError,
			Code:        IssueInvalid,
			Diagnostics: "medication has no name",
			Expression:  []string{"MedicationRequest.medication"},
		})
	}
	return issues
}

// DoseText renders the first dose quantity, e.g. "2 tablet"
func (d *Dosage) DoseText() string {
	for _, dr := range d.DoseAndRate {
		q := dr.DoseQuantity
		if q == nil || q.Value <= 0 {
			continue
		}
		unit := q.Unit
		if unit == "" {
			unit = q.Code
		}
		return strings.TrimSpace(strconv.FormatFloat(q.Value, 'f', -1, 64) + " " + unit)
	}
	return ""
}

// FrequencyText renders frequency per period in the free-text forms the
// schedule compiler reads, e.g. "3 times daily" or "every 8 hours"
func (r *TimingRepeat) FrequencyText() string {
	if r == nil || r.Frequency <= 0 {
		return ""
	}
	period := r.Period
	if period <= 0 {
		period = 1
	}
	switch {
	case r.PeriodUnit == "h":
		return "every " + strconv.FormatFloat(period/float64(r.Frequency), 'f', -1, 64) + " hours"
	case (r.PeriodUnit == "d" || r.PeriodUnit == "") && period == 1:
		return strconv.Itoa(r.Frequency) + " times daily"
	}
	return ""
}

// Parse decodes a single MedicationRequest
func Parse(data []byte) (*MedicationRequest, error) {
	var m MedicationRequest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode MedicationRequest: %w", err)
	}
	if m.ResourceType != "MedicationRequest" {
		return nil, fmt.Errorf("%w: resourceType %q", ErrNotMedicationRequest, m.ResourceType)
	}
	return &m, nil
}

// ParseAll decodes a MedicationRequest or a Bundle of them. Bundle entries of
// other resource types are skipped.
func ParseAll(data []byte) ([]*MedicationRequest, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if head.ResourceType != "Bundle" {
		m, err := Parse(data)
		if err != nil {
			return nil, err
		}
		return []*MedicationRequest{m}, nil
	}

	var out []*MedicationRequest
	for i, e := range head.Entry {
		m, err := Parse(e.Resource)
		if err != nil {
			if errors.Is(err, ErrNotMedicationRequest) {
				continue
			}
			return nil, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: bundle has no MedicationRequest entry", ErrNotMedicationRequest)
	}
	return out, nil
}
