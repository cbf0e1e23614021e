package redpanda

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topics used by the reminder engine
const (
	// TopicReminderEvents carries schedule and instance lifecycle events from the outbox
	TopicReminderEvents = "reminder.events"
	// TopicPatientResponses carries inbound patient messages from provider webhooks
	TopicPatientResponses = "patient.responses"
	// TopicCareAlerts carries emergency alerts for healthcare providers
	TopicCareAlerts = "care.alerts"
	// TopicDeadLetter holds undeliverable notifications and poisoned outbox rows
	TopicDeadLetter = "dead.letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topic layout. Every topic is keyed by patient
// so per-patient ordering holds within a partition.
func DefaultTopicConfigs() []TopicConfig {
	return TopicConfigs(1)
}

// TopicConfigs returns the topic layout with the given replication factor
func TopicConfigs(replication int16) []TopicConfig {
	ptr := func(s string) *string { return &s }
	minISR := "1"
	if replication >= 3 {
		minISR = "2"
	}
	topic := func(name string, partitions int32, retention string) TopicConfig {
		return TopicConfig{
			Name:              name,
			Partitions:        partitions,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":        ptr(retention),
				"cleanup.policy":      ptr("delete"),
				"compression.type":    ptr("lz4"),
				"min.insync.replicas": ptr(minISR),
			},
		}
	}

	return []TopicConfig{
		topic(TopicReminderEvents, 12, "2592000000"), // 30 days, adherence audit
		topic(TopicPatientResponses, 6, "604800000"),
		topic(TopicCareAlerts, 3, "2592000000"),
		topic(TopicDeadLetter, 3, "1209600000"),
	}
}

// Admin creates and inspects the service topics
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// TopicReport is the outcome of EnsureTopics
type TopicReport struct {
	Created  []string `json:"created"`
	Existing []string `json:"existing"`
	// Underpartitioned lists existing topics with fewer partitions than the
	// layout asks for. Partitions are never added automatically because that
	// would move patients between partitions.
	Underpartitioned []string `json:"underpartitioned,omitempty"`
}

// CreateTopics creates the topics in configs that do not exist yet
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) (*TopicReport, error) {
	names := make([]string, 0, len(configs))
	for _, cfg := range configs {
		names = append(names, cfg.Name)
	}
	existing, err := a.client.ListTopics(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	report := &TopicReport{}
	for _, cfg := range configs {
		if detail, ok := existing[cfg.Name]; ok && detail.Err == nil {
			report.Existing = append(report.Existing, cfg.Name)
			if int32(len(detail.Partitions)) < cfg.Partitions {
				report.Underpartitioned = append(report.Underpartitioned, cfg.Name)
				a.logger.Warn("topic has fewer partitions than configured",
					zap.String("topic", cfg.Name),
					zap.Int("partitions", len(detail.Partitions)),
					zap.Int32("want", cfg.Partitions))
			}
			continue
		}

		resp, err := a.client.CreateTopic(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		switch {
		case errors.Is(err, kerr.TopicAlreadyExists) || errors.Is(resp.Err, kerr.TopicAlreadyExists):
			// created concurrently by another instance
			report.Existing = append(report.Existing, cfg.Name)
		case err != nil:
			return report, fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		case resp.Err != nil:
			return report, fmt.Errorf("failed to create topic %s: %w", cfg.Name, resp.Err)
		default:
			report.Created = append(report.Created, cfg.Name)
			a.logger.Info("topic created",
				zap.String("topic", cfg.Name),
				zap.Int32("partitions", cfg.Partitions),
				zap.Int16("replication", cfg.ReplicationFactor))
		}
	}
	return report, nil
}

// EnsureTopics creates any missing topic of the service layout
func (a *Admin) EnsureTopics(ctx context.Context, replication int16) (*TopicReport, error) {
	if replication <= 0 {
		replication = 1
	}
	return a.CreateTopics(ctx, TopicConfigs(replication))
}

// ListTopics returns the names of all non-internal topics, sorted
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	return topics.Names(), nil
}

// TopicDetails describes the partitions of one topic
type TopicDetails struct {
	Name       string             `json:"name"`
	Partitions []PartitionDetails `json:"partitions"`
}

// PartitionDetails describes one partition
type PartitionDetails struct {
	ID       int32   `json:"id"`
	Leader   int32   `json:"leader"`
	Replicas []int32 `json:"replicas"`
	ISR      []int32 `json:"isr"`
}

// DescribeTopic returns the partition layout of topic
func (a *Admin) DescribeTopic(ctx context.Context, topic string) (*TopicDetails, error) {
	topics, err := a.client.ListTopics(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to describe topic: %w", err)
	}
	t, ok := topics[topic]
	if !ok || errors.Is(t.Err, kerr.UnknownTopicOrPartition) {
		return nil, fmt.Errorf("topic %s not found", topic)
	}
	if t.Err != nil {
		return nil, fmt.Errorf("failed to describe topic %s: %w", topic, t.Err)
	}

	details := &TopicDetails{Name: topic}
	for _, p := range t.Partitions.Sorted() {
		details.Partitions = append(details.Partitions, PartitionDetails{
			ID:       p.Partition,
			Leader:   p.Leader,
			Replicas: p.Replicas,
			ISR:      p.ISR,
		})
	}
	return details, nil
}

// PartitionLag is how far a consumer group trails one partition
type PartitionLag struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Committed int64  `json:"committed"`
	End       int64  `json:"end"`
	Lag       int64  `json:"lag"`
}

// GroupLag reports the lag of a consumer group, such as the response consumer
type GroupLag struct {
	Group      string         `json:"group"`
	State      string         `json:"state"`
	Total      int64          `json:"total"`
	Partitions []PartitionLag `json:"partitions"`
}

// GetConsumerGroupLag returns the lag of groupID per partition, sorted by topic
// and partition
func (a *Admin) GetConsumerGroupLag(ctx context.Context, groupID string) (*GroupLag, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}
	l, ok := described[groupID]
	if !ok {
		return nil, fmt.Errorf("consumer group %s not found", groupID)
	}
	if err := l.Error(); err != nil {
		return nil, fmt.Errorf("failed to describe group %s: %w", groupID, err)
	}

	out := &GroupLag{Group: groupID, State: l.State, Total: l.Lag.Total()}
	for _, ml := range l.Lag.Sorted() {
		out.Partitions = append(out.Partitions, PartitionLag{
			Topic:     ml.Topic,
			Partition: ml.Partition,
			Committed: ml.Commit.At,
			End:       ml.End.Offset,
			Lag:       ml.Lag,
		})
	}
	return out, nil
}
