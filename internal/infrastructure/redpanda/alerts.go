package redpanda

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/drfirst/go-adherence/internal/engine"
)

// AlertEventType is the event-type header of care alerts
const AlertEventType = "ProviderAlertRaised"

// AlertPublisher delivers provider alerts on care.alerts, keyed by patient
type AlertPublisher struct {
	producer RecordProducer
	topic    string
}

var _ engine.ProviderNotifier = (*AlertPublisher)(nil)

// NewAlertPublisher creates an alert publisher on producer
func NewAlertPublisher(producer RecordProducer) *AlertPublisher {
	return &AlertPublisher{producer: producer, topic: TopicCareAlerts}
}

// NotifyProvider implements engine.ProviderNotifier
func (a *AlertPublisher) NotifyProvider(ctx context.Context, alert engine.ProviderAlert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return a.producer.Produce(ctx, Record{
		Topic: a.topic,
		Key:   alert.PatientID,
		Value: value,
		Headers: map[string]string{
			HeaderEventType:   AlertEventType,
			HeaderContentType: "application/json",
		},
	})
}
