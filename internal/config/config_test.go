package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "8084", cfg.HTTP.Port)
	assert.Equal(t, StoreMongo, cfg.Store.Driver)
	assert.Equal(t, NotifyRabbitMQ, cfg.Notifications.Driver)
	assert.Equal(t, 5*time.Second, cfg.Notifications.PublishTimeout)
	assert.Equal(t, 10*time.Second, cfg.Notifications.RabbitMQ.DialTimeout)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Notifications.Kafka.Brokers)
	assert.False(t, cfg.NeedsRedis())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("TXMS_STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://db/tx")
	t.Setenv("PORT", "9000")
	t.Setenv("TXMS_NOTIFICATIONS_DRIVER", "redis")
	t.Setenv("TXMS_ACCOUNTS_TIMEOUT", "750ms")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://db/tx", cfg.Store.Postgres.DSN)
	assert.Equal(t, "9000", cfg.HTTP.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Accounts.Timeout)
	assert.True(t, cfg.NeedsRedis())
}

func TestLoad_PrefixedEnvWinsOverLegacyName(t *testing.T) {
	t.Setenv("TXMS_HTTP_PORT", "7000")
	t.Setenv("PORT", "9000")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.HTTP.Port)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txms.yaml")
	content := `
store:
  driver: memory
notifications:
  driver: kafka
  kafka:
    brokers: ["k1:9092", "k2:9092"]
    topic: tx-events
cache:
  enabled: true
  ttl: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Notifications.Kafka.Brokers)
	assert.Equal(t, "tx-events", cfg.Notifications.Kafka.Topic)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "unknown store", env: map[string]string{"TXMS_STORE_DRIVER": "sqlite"}, want: "unknown store.driver"},
		{name: "unknown notifier", env: map[string]string{"TXMS_NOTIFICATIONS_DRIVER": "sns"}, want: "unknown notifications.driver"},
		{name: "blank accounts url", env: map[string]string{"TXMS_ACCOUNTS_BASE_URL": " "}, want: "accounts.base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(viper.New(), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
