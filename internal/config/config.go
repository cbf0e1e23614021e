// Package config loads service configuration from the environment and an
// optional .env file and converts it into the component configs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/internal/schedule"
)

// Config is the flat environment view of all settings
type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	HTTPAddr       string        `mapstructure:"HTTP_ADDR"`
	WorkerAddr     string        `mapstructure:"WORKER_ADDR"`
	ShutdownPeriod time.Duration `mapstructure:"SHUTDOWN_PERIOD"`
	APIKeys        []string      `mapstructure:"API_KEYS"`
	WebhookSecret  string        `mapstructure:"WEBHOOK_SECRET"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	KafkaReplication int16    `mapstructure:"KAFKA_REPLICATION"`
	ConsumerGroup    string   `mapstructure:"CONSUMER_GROUP"`
	// ResponsesAsync makes the webhook enqueue on patient.responses instead of
	// applying replies inline
	ResponsesAsync bool `mapstructure:"RESPONSES_ASYNC"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
	ServiceVersion  string  `mapstructure:"SERVICE_VERSION"`

	GatewayURL       string        `mapstructure:"GATEWAY_URL"`
	GatewayToken     string        `mapstructure:"GATEWAY_TOKEN"`
	GatewaySecret    string        `mapstructure:"GATEWAY_SECRET"`
	BackupGatewayURL string        `mapstructure:"BACKUP_GATEWAY_URL"`
	GatewayTimeout   time.Duration `mapstructure:"GATEWAY_TIMEOUT"`

	LookaheadDays      int           `mapstructure:"LOOKAHEAD_DAYS"`
	LeadTime           time.Duration `mapstructure:"LEAD_TIME"`
	DispatchTolerance  time.Duration `mapstructure:"DISPATCH_TOLERANCE"`
	SendTimeout        time.Duration `mapstructure:"SEND_TIMEOUT"`
	LaterDelay         time.Duration `mapstructure:"LATER_DELAY"`
	MissedGrace        time.Duration `mapstructure:"MISSED_GRACE"`
	OverdueThreshold   time.Duration `mapstructure:"OVERDUE_THRESHOLD"`
	RetrySpacing       time.Duration `mapstructure:"RETRY_SPACING"`
	CriticalThreshold  time.Duration `mapstructure:"CRITICAL_THRESHOLD"`
	EmergencyThreshold time.Duration `mapstructure:"EMERGENCY_THRESHOLD"`

	DefaultLanguage  string   `mapstructure:"DEFAULT_LANGUAGE"`
	DefaultTimezone  string   `mapstructure:"DEFAULT_TIMEZONE"`
	DefaultChannels  []string `mapstructure:"DEFAULT_CHANNELS"`
	FamilyChannel    string   `mapstructure:"FAMILY_CHANNEL"`
	SlotMorning      string   `mapstructure:"SLOT_MORNING"`
	SlotAfternoon    string   `mapstructure:"SLOT_AFTERNOON"`
	SlotEvening      string   `mapstructure:"SLOT_EVENING"`
	CriticalMedicine []string `mapstructure:"CRITICAL_MEDICINES"`

	DispatchInterval    time.Duration `mapstructure:"DISPATCH_INTERVAL"`
	MaterializeInterval time.Duration `mapstructure:"MATERIALIZE_INTERVAL"`
	EscalationInterval  time.Duration `mapstructure:"ESCALATION_INTERVAL"`
	BatchSize           int           `mapstructure:"BATCH_SIZE"`
	Workers             int           `mapstructure:"WORKERS"`

	PatientCacheTTL time.Duration `mapstructure:"PATIENT_CACHE_TTL"`
}

var defaults = map[string]any{
	"ENV":                  "development",
	"LOG_LEVEL":            "info",
	"HTTP_ADDR":            ":8080",
	"WORKER_ADDR":          ":9090",
	"SHUTDOWN_PERIOD":      "15s",
	"DB_MAX_CONNS":         20,
	"DB_MIN_CONNS":         2,
	"KAFKA_REPLICATION":    1,
	"CONSUMER_GROUP":       "reminder-responses",
	"RESPONSES_ASYNC":      false,
	"TRACE_SAMPLE_RATE":    1.0,
	"SERVICE_VERSION":      "dev",
	"GATEWAY_TIMEOUT":      "10s",
	"LOOKAHEAD_DAYS":       3,
	"LEAD_TIME":            "30m",
	"DISPATCH_TOLERANCE":   "5m",
	"SEND_TIMEOUT":         "12s",
	"LATER_DELAY":          "30m",
	"MISSED_GRACE":         "2h",
	"OVERDUE_THRESHOLD":    "30m",
	"RETRY_SPACING":        "30m",
	"CRITICAL_THRESHOLD":   "2h",
	"EMERGENCY_THRESHOLD":  "24h",
	"DEFAULT_LANGUAGE":     "en",
	"DEFAULT_TIMEZONE":     "UTC",
	"DEFAULT_CHANNELS":     "whatsapp",
	"FAMILY_CHANNEL":       "whatsapp",
	"SLOT_MORNING":         "08:00",
	"SLOT_AFTERNOON":       "13:00",
	"SLOT_EVENING":         "20:00",
	"DISPATCH_INTERVAL":    "1m",
	"MATERIALIZE_INTERVAL": "1h",
	"ESCALATION_INTERVAL":  "5m",
	"BATCH_SIZE":           500,
	"WORKERS":              16,
	"PATIENT_CACHE_TTL":    "24h",
}

var bound = []string{"API_KEYS", "WEBHOOK_SECRET", "DATABASE_URL", "KAFKA_BROKERS", "OTLP_ENDPOINT",
	"GATEWAY_URL", "GATEWAY_TOKEN", "GATEWAY_SECRET", "BACKUP_GATEWAY_URL", "CRITICAL_MEDICINES"}

// Load reads the environment and, when present, a .env file in the working
// directory. Environment values win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range bound {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDev reports whether the service runs in development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	if !c.IsDev() && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required outside development")
	}
	if c.ResponsesAsync && len(c.KafkaBrokers) == 0 {
		return errors.New("RESPONSES_ASYNC needs KAFKA_BROKERS")
	}
	for _, ch := range append([]string{c.FamilyChannel}, c.DefaultChannels...) {
		if !reminder.Channel(ch).Valid() {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	if _, err := c.slotTimes(); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE: %w", err)
	}
	return nil
}

func (c *Config) slotTimes() (map[reminder.Slot]reminder.ClockTime, error) {
	out := make(map[reminder.Slot]reminder.ClockTime, 3)
	for slot, raw := range map[reminder.Slot]string{
		reminder.SlotMorning:   c.SlotMorning,
		reminder.SlotAfternoon: c.SlotAfternoon,
		reminder.SlotEvening:   c.SlotEvening,
	} {
		t, err := reminder.ParseClockTime(raw)
		if err != nil {
			return nil, fmt.Errorf("slot time for %s: %w", slot, err)
		}
		out[slot] = t
	}
	return out, nil
}

func channels(names []string) []reminder.Channel {
	out := make([]reminder.Channel, 0, len(names))
	for _, n := range names {
		out = append(out, reminder.Channel(strings.TrimSpace(n)))
	}
	return out
}

// Engine returns the engine configuration
func (c *Config) Engine() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.LookaheadDays = c.LookaheadDays
	cfg.DispatchTolerance = c.DispatchTolerance
	cfg.SendTimeout = c.SendTimeout
	cfg.LaterDelay = c.LaterDelay
	cfg.MissedGrace = c.MissedGrace
	cfg.OverdueThreshold = c.OverdueThreshold
	cfg.RetrySpacing = c.RetrySpacing
	cfg.CriticalThreshold = c.CriticalThreshold
	cfg.EmergencyThreshold = c.EmergencyThreshold
	cfg.DefaultLanguage = c.DefaultLanguage
	cfg.FamilyChannel = reminder.Channel(c.FamilyChannel)
	cfg.DispatchInterval = c.DispatchInterval
	cfg.MaterializeInterval = c.MaterializeInterval
	cfg.EscalationInterval = c.EscalationInterval
	cfg.BatchSize = c.BatchSize
	cfg.Workers = c.Workers
	return cfg
}

// Compiler returns the schedule compiler defaults
func (c *Config) Compiler() schedule.Config {
	cfg := schedule.DefaultConfig()
	cfg.DefaultTimezone = c.DefaultTimezone
	cfg.DefaultLeadTime = c.LeadTime
	cfg.DefaultChannels = channels(c.DefaultChannels)
	if slots, err := c.slotTimes(); err == nil {
		cfg.DefaultSlotTimes = slots
	}
	return cfg
}

// Critical returns the medicines whose missed doses reach the family
func (c *Config) Critical() engine.StaticCriticality {
	return engine.NewStaticCriticality(c.CriticalMedicine...)
}

// Pool returns the database pool configuration
func (c *Config) Pool() postgres.PoolConfig {
	cfg := postgres.DefaultPoolConfig(c.DatabaseURL)
	cfg.MaxConns = c.DBMaxConns
	cfg.MinConns = c.DBMinConns
	return cfg
}

// Producer returns the Redpanda producer configuration
func (c *Config) Producer() redpanda.ProducerConfig {
	cfg := redpanda.DefaultProducerConfig()
	cfg.Brokers = c.KafkaBrokers
	return cfg
}

// Consumer returns the patient response consumer configuration
func (c *Config) Consumer() redpanda.ConsumerConfig {
	cfg := redpanda.DefaultConsumerConfig()
	cfg.Brokers = c.KafkaBrokers
	cfg.GroupID = c.ConsumerGroup
	return cfg
}

// Tracing returns the tracing configuration for service
func (c *Config) Tracing(service string) tracing.Config {
	cfg := tracing.DefaultConfig(service)
	cfg.ServiceVersion = c.ServiceVersion
	cfg.Environment = c.Env
	cfg.OTLPEndpoint = c.OTLPEndpoint
	cfg.SampleRate = c.TraceSampleRate
	return cfg
}

// Gateways returns the messaging gateways in fallback order
func (c *Config) Gateways() []notify.HTTPConfig {
	var out []notify.HTTPConfig
	for i, url := range []string{c.GatewayURL, c.BackupGatewayURL} {
		if url == "" {
			continue
		}
		name := "gateway"
		if i > 0 {
			name = "backup-gateway"
		}
		cfg := notify.DefaultHTTPConfig(name, url)
		cfg.Token = c.GatewayToken
		cfg.Secret = c.GatewaySecret
		cfg.Timeout = c.GatewayTimeout
		out = append(out, cfg)
	}
	return out
}

// ClientKeys parses API_KEYS entries of the form key:client-id
func (c *Config) ClientKeys() map[string]string {
	keys := make(map[string]string, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		key, client, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok {
			client = "default"
		}
		if key != "" {
			keys[key] = client
		}
	}
	return keys
}
