package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	clearRelaykitEnv(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "relaykit", cfg.ServiceName)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "http", cfg.Transport)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 5, cfg.Processing.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Processing.RetryDelay)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearRelaykitEnv(t)
	t.Setenv("RELAYKIT_DRIVER", "mysql")
	t.Setenv("RELAYKIT_TRANSPORT", "nats")
	t.Setenv("PROCESSING_BATCH_SIZE", "250")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Driver)
	assert.Equal(t, "nats", cfg.Transport)
	assert.Equal(t, 250, cfg.Processing.BatchSize)
}

func TestLoad_ParsesServiceMap(t *testing.T) {
	clearRelaykitEnv(t)
	t.Setenv("RELAYKIT_SERVICES", "orders=http://orders.internal:8080,billing=http://billing.internal:8080")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "http://orders.internal:8080", cfg.Services["orders"])
	assert.Equal(t, "http://billing.internal:8080", cfg.Services["billing"])
}

func TestLoadFromFile_ParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.toml"
	require.NoError(t, WriteExampleConfig(path))

	cfg, err := LoadFromFile(path)

	require.NoError(t, err)
	assert.Equal(t, "relaykit", cfg.ServiceName)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, 100, cfg.Processing.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.Processing.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Leader.TTL)
}

func TestLoadFromFile_RejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.toml"
	require.NoError(t, os.WriteFile(path, []byte(`driver = "oracle"`), 0644))

	_, err := LoadFromFile(path)

	assert.Error(t, err)
}

func TestLoadFromFile_RejectsUnknownTransport(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.toml"
	require.NoError(t, os.WriteFile(path, []byte(`transport = "kafka"`), 0644))

	_, err := LoadFromFile(path)

	assert.Error(t, err)
}

func TestMergeConfigs_EnvOverridesFileValue(t *testing.T) {
	base := &Config{ServiceName: "relaykit", Driver: "postgres", Transport: "http", Processing: ProcessingConfig{MaxRetries: 5}}
	override := &Config{ServiceName: "relaykit", Driver: "mysql", Transport: "http", Processing: ProcessingConfig{MaxRetries: 5}}

	merged := mergeConfigs(base, override)

	assert.Equal(t, "mysql", merged.Driver)
}

func TestMergeConfigs_FileValueSurvivesWhenEnvIsDefault(t *testing.T) {
	base := &Config{ServiceName: "checkout-relay", Driver: "mongo", Transport: "http"}
	override := &Config{ServiceName: "relaykit", Driver: "postgres", Transport: "http"}

	merged := mergeConfigs(base, override)

	assert.Equal(t, "checkout-relay", merged.ServiceName)
	assert.Equal(t, "mongo", merged.Driver)
}

func clearRelaykitEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SERVICE_NAME", "RELAYKIT_DRIVER", "RELAYKIT_TRANSPORT", "RELAYKIT_SERVICES",
		"HTTP_PORT", "CORS_ORIGINS", "POSTGRES_DSN", "MYSQL_DSN", "MONGODB_URI",
		"MONGODB_DATABASE", "NATS_URL", "AWS_REGION", "SQS_ENDPOINT",
		"HEADERS_MESSAGE_ID", "HEADERS_SOURCE_SERVICE", "HEADERS_EVENT_TYPE",
		"HEADERS_CUSTOM_PREFIX", "PROCESSING_BATCH_SIZE", "PROCESSING_MAX_RETRIES",
		"PROCESSING_RETRY_DELAY", "WEBHOOK_JWT_ENABLED", "WEBHOOK_JWT_SECRET",
		"LEADER_ELECTION_ENABLED", "HOSTNAME", "LEADER_REDIS_URL", "LEADER_LOCK_NAME",
		"LEADER_TTL", "LEADER_REFRESH_INTERVAL", "SECRETS_PROVIDER", "RELAYKIT_DEV",
		"RELAYKIT_CONFIG",
	}
	for _, k := range keys {
		v, ok := os.LookupEnv(k)
		if ok {
			os.Unsetenv(k)
			t.Cleanup(func(k, v string) func() { return func() { os.Setenv(k, v) } }(k, v))
		}
	}
}
