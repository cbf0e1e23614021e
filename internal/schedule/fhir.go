package schedule

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/fhir/r5"
)

// FHIR event timing codes (v3 TimingEvent) mapped to slots
var whenSlots = map[string]reminder.Slot{
	"MORN": reminder.SlotMorning, "MORN.early": reminder.SlotMorning, "MORN.late": reminder.SlotMorning,
	"WAKE": reminder.SlotMorning, "ACM": reminder.SlotMorning, "PCM": reminder.SlotMorning, "CM": reminder.SlotMorning,
	"NOON": reminder.SlotAfternoon, "AFT": reminder.SlotAfternoon, "AFT.early": reminder.SlotAfternoon,
	"AFT.late": reminder.SlotAfternoon, "ACD": reminder.SlotAfternoon, "PCD": reminder.SlotAfternoon, "CD": reminder.SlotAfternoon,
	"EVE": reminder.SlotEvening, "EVE.early": reminder.SlotEvening, "EVE.late": reminder.SlotEvening,
	"NIGHT": reminder.SlotEvening, "HS": reminder.SlotEvening, "PHS": reminder.SlotEvening,
	"ACV": reminder.SlotEvening, "PCV": reminder.SlotEvening, "CV": reminder.SlotEvening,
}

// FromMedicationRequest converts a FHIR MedicationRequest into a prescription item.
// Structured timing is rendered to the same free-text forms the compiler parses,
// so the sig text only fills in what the structure leaves out.
func FromMedicationRequest(mr *r5.MedicationRequest) PrescriptionItem {
	item := PrescriptionItem{
		PatientID:    mr.PatientID(),
		MedicineName: mr.MedicationName(),
		Instructions: mr.Sig(),
	}
	if mr.ID != "" {
		item.Metadata = map[string]string{"fhir_medication_request": mr.ID}
	}

	dosage := mr.PrimaryDosage()
	if dosage == nil {
		return item
	}
	item.Dose = dosage.DoseText()
	if dosage.PatientInstruction != "" {
		item.Instructions = strings.TrimSpace(item.Instructions + " " + dosage.PatientInstruction)
	}
	var extra []string
	for _, ai := range dosage.AdditionalInstruction {
		extra = append(extra, ai.Display())
	}
	if dosage.AsNeeded {
		extra = append(extra, "as needed")
	}

	if dosage.Timing == nil {
		item.Timing = strings.Join(extra, " ")
		return item
	}
	if dosage.Timing.Code != nil {
		item.Frequency = dosage.Timing.Code.Display()
	}

	repeat := dosage.Timing.Repeat
	if repeat == nil {
		item.Timing = strings.Join(extra, " ")
		return item
	}

	var cadence reminder.Cadence
	for _, code := range repeat.When {
		if timing := whenTiming(code); timing != "" {
			extra = append(extra, timing)
		}
		switch whenSlots[code] {
		case reminder.SlotMorning:
			cadence.Morning = 1
		case reminder.SlotAfternoon:
			cadence.Afternoon = 1
		case reminder.SlotEvening:
			cadence.Evening = 1
		}
	}

	for _, tod := range repeat.TimeOfDay {
		ct, err := reminder.ParseClockTime(truncateSeconds(tod))
		if err != nil {
			continue
		}
		slot := slotForHour(ct.Hour)
		if item.SlotTimes == nil {
			item.SlotTimes = make(map[reminder.Slot]reminder.ClockTime)
		}
		if _, taken := item.SlotTimes[slot]; !taken {
			item.SlotTimes[slot] = ct
		}
		switch slot {
		case reminder.SlotMorning:
			cadence.Morning = 1
		case reminder.SlotAfternoon:
			cadence.Afternoon = 1
		case reminder.SlotEvening:
			cadence.Evening = 1
		}
	}

	switch {
	case cadence.Total() > 0:
		item.Frequency = cadence.String()
	case repeat.FrequencyText() != "":
		item.Frequency = repeat.FrequencyText()
	}

	days := repeat.BoundsDuration.Days()
	if days == 0 {
		days = mr.SupplyDays()
	}
	if days > 0 {
		item.Duration = fmt.Sprintf("%d days", days)
	}
	if repeat.BoundsPeriod != nil && !repeat.BoundsPeriod.Start.IsZero() {
		item.StartDate = repeat.BoundsPeriod.Start
	}

	item.Timing = strings.Join(extra, " ")
	return item
}

func whenTiming(code string) string {
	switch {
	case strings.HasPrefix(code, "AC"):
		return "before food"
	case strings.HasPrefix(code, "PC"):
		return "after food"
	case code == "C" || code == "CM" || code == "CD" || code == "CV":
		return "with food"
	}
	return ""
}

func slotForHour(h int) reminder.Slot {
	switch {
	case h < 12:
		return reminder.SlotMorning
	case h < 17:
		return reminder.SlotAfternoon
	}
	return reminder.SlotEvening
}

// FHIR time is hh:mm:ss
func truncateSeconds(s string) string {
	if len(s) >= 5 {
		return s[:5]
	}
	return s
}
