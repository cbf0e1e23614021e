package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsDev())

	eng := cfg.Engine()
	assert.Equal(t, 3, eng.LookaheadDays)
	assert.Equal(t, 2*time.Hour, eng.MissedGrace)
	assert.Equal(t, 24*time.Hour, eng.EmergencyThreshold)
	assert.Equal(t, reminder.ChannelWhatsApp, eng.FamilyChannel)

	comp := cfg.Compiler()
	assert.Equal(t, 30*time.Minute, comp.DefaultLeadTime)
	assert.Equal(t, "20:00", comp.DefaultSlotTimes[reminder.SlotEvening].String())
	assert.Equal(t, []reminder.Channel{reminder.ChannelWhatsApp}, comp.DefaultChannels)
	assert.Empty(t, cfg.Gateways())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MISSED_GRACE", "90m")
	t.Setenv("KAFKA_BROKERS", "rp-0:9092,rp-1:9092")
	t.Setenv("CRITICAL_MEDICINES", "Warfarin,Insulin Glargine")
	t.Setenv("SLOT_MORNING", "07:30")
	t.Setenv("GATEWAY_URL", "https://gw.example/send")
	t.Setenv("BACKUP_GATEWAY_URL", "https://backup.example/send")
	t.Setenv("API_KEYS", "k1:clinic-a,k2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Minute, cfg.Engine().MissedGrace)
	assert.Equal(t, []string{"rp-0:9092", "rp-1:9092"}, cfg.Producer().Brokers)
	assert.True(t, cfg.Critical()["insulin glargine"])
	assert.Equal(t, "07:30", cfg.Compiler().DefaultSlotTimes[reminder.SlotMorning].String())

	gws := cfg.Gateways()
	require.Len(t, gws, 2)
	assert.Equal(t, "gateway", gws[0].Name)
	assert.Equal(t, "backup-gateway", gws[1].Name)

	assert.Equal(t, map[string]string{"k1": "clinic-a", "k2": "default"}, cfg.ClientKeys())
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LOOKAHEAD_DAYS=5\nDEFAULT_LANGUAGE=hi\n"), 0o600))
	t.Setenv("DEFAULT_LANGUAGE", "ta")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine().LookaheadDays)
	assert.Equal(t, "ta", cfg.Engine().DefaultLanguage)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("production needs a database", func(t *testing.T) {
		t.Setenv("ENV", "production")
		_, err := Load()
		assert.ErrorContains(t, err, "DATABASE_URL")
	})
	t.Run("unknown channel", func(t *testing.T) {
		t.Setenv("DEFAULT_CHANNELS", "sms")
		_, err := Load()
		assert.ErrorContains(t, err, "sms")
	})
	t.Run("bad slot time", func(t *testing.T) {
		t.Setenv("SLOT_EVENING", "25:00")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("async responses need brokers", func(t *testing.T) {
		t.Setenv("RESPONSES_ASYNC", "true")
		_, err := Load()
		assert.ErrorContains(t, err, "KAFKA_BROKERS")
	})
}
