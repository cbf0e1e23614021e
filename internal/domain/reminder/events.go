package reminder

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventScheduleCreated      EventType = "ScheduleCreated"
	EventScheduleStopped      EventType = "ScheduleStopped"
	EventReminderSent         EventType = "ReminderSent"
	EventReminderAcknowledged EventType = "ReminderAcknowledged"
	EventReminderSnoozed      EventType = "ReminderSnoozed"
	EventReminderMissed       EventType = "ReminderMissed"
	EventReminderEscalated    EventType = "ReminderEscalated"
	EventEmergencyRaised      EventType = "EmergencyRaised"
)

// Aggregate types carried on events
const (
	AggregateSchedule = "DoseSchedule"
	AggregateInstance = "ReminderInstance"
)

// Event is a lifecycle event written alongside the state change that caused it
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	PatientID     string          `json:"patient_id"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEvent creates a new event
func NewEvent(aggregateType, aggregateID, patientID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		PatientID:     patientID,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// InstanceEvent builds an event whose payload is the instance snapshot
func InstanceEvent(inst *ReminderInstance, eventType EventType, at time.Time) *Event {
	data := InstanceEventData{
		InstanceID:      inst.ID,
		ScheduleID:      inst.ScheduleID,
		MedicineName:    inst.MedicineName,
		Slot:            inst.Slot,
		DoseAt:          inst.DoseAt,
		Status:          inst.Status,
		EscalationLevel: inst.EscalationLevel,
		PatientResponse: inst.PatientResponse,
	}
	// the payload is a flat struct of marshalable fields
	evt, _ := NewEvent(AggregateInstance, inst.ID, inst.PatientID, eventType, data, at)
	return evt
}

// InstanceEventData is the payload of every reminder instance event
type InstanceEventData struct {
	InstanceID      string    `json:"instance_id"`
	ScheduleID      string    `json:"schedule_id"`
	MedicineName    string    `json:"medicine_name"`
	Slot            Slot      `json:"slot"`
	DoseAt          time.Time `json:"dose_datetime"`
	Status          Status    `json:"status"`
	EscalationLevel int       `json:"escalation_level"`
	PatientResponse Response  `json:"patient_response,omitempty"`
}

// ScheduleEventData is the payload of schedule events
type ScheduleEventData struct {
	ScheduleID   string    `json:"schedule_id"`
	MedicineName string    `json:"medicine_name"`
	Cadence      string    `json:"cadence"`
	StartDate    string    `json:"start_date"`
	EndDate      string    `json:"end_date"`
	IsActive     bool      `json:"is_active"`
	Cancelled    int       `json:"cancelled_instances,omitempty"`
	At           time.Time `json:"at"`
}

// ScheduleEvent builds a schedule lifecycle event
func ScheduleEvent(s *DoseSchedule, eventType EventType, cancelled int, at time.Time) *Event {
	data := ScheduleEventData{
		ScheduleID:   s.ID,
		MedicineName: s.MedicineName,
		Cadence:      s.Cadence.String(),
		StartDate:    s.StartDate.Format(DateLayout),
		EndDate:      s.EndDate.Format(DateLayout),
		IsActive:     s.IsActive,
		Cancelled:    cancelled,
		At:           at,
	}
	evt, _ := NewEvent(AggregateSchedule, s.ID, s.PatientID, eventType, data, at)
	return evt
}
