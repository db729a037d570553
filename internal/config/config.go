package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for a relaykit process (outbox relay,
// inbox dispatcher, webhook ingress, or the relayctl CLI).
type Config struct {
	// ServiceName is this process's identity, sent as X-Source-Service on
	// outbound messages and used to key metrics/logs.
	ServiceName string

	// Driver selects the storage backend: "postgres", "mysql", or "mongo".
	Driver string

	// Transport selects the outbound Transport: "http", "nats", or "sqs".
	Transport string

	// Services maps a logical destination_service name to its base URL
	// (HTTPTransport), NATS subject prefix, or SQS queue URL, depending on
	// Transport.
	Services map[string]string

	HTTP       HTTPConfig
	Postgres   PostgresConfig
	MySQL      MySQLConfig
	MongoDB    MongoDBConfig
	NATS       NATSConfig
	SQS        SQSConfig
	Headers    HeadersConfig
	Processing ProcessingConfig
	Webhook    WebhookConfig
	Leader     LeaderConfig
	Secrets    SecretsConfig

	// DevMode enables debug-level logging.
	DevMode bool
}

// HTTPConfig holds the daemon's own HTTP server configuration (webhook
// ingress, health, and metrics endpoints).
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	DSN string
}

// MySQLConfig holds MySQL connection configuration.
type MySQLConfig struct {
	DSN string
}

// MongoDBConfig holds MongoDB connection configuration.
type MongoDBConfig struct {
	URI      string
	Database string
}

// NATSConfig holds NATS JetStream configuration.
type NATSConfig struct {
	URL string
}

// SQSConfig holds AWS SQS configuration.
type SQSConfig struct {
	Region   string
	Endpoint string // non-empty to target localstack/a custom endpoint
}

// HeadersConfig overrides the header names and custom-header prefix used by
// the webhook ingress adapter to extract message identity from a request.
type HeadersConfig struct {
	MessageID     string
	SourceService string
	EventType     string
	CustomPrefix  string
}

// DefaultHeadersConfig returns the spec-mandated default header names.
func DefaultHeadersConfig() HeadersConfig {
	return HeadersConfig{
		MessageID:     "X-Message-Id",
		SourceService: "X-Source-Service",
		EventType:     "X-Event-Type",
		CustomPrefix:  "X-",
	}
}

// ProcessingConfig holds batch-processing defaults shared by the relay,
// dispatcher, and relayctl CLI.
type ProcessingConfig struct {
	// BatchSize is the default CLI/daemon batch size.
	BatchSize int

	// MaxRetries is the retry ceiling before a row is left FAILED for good.
	MaxRetries int

	// RetryDelay is the minimum time between retries of the same row;
	// advisory, enforced by the cron/ticker cadence driving retry passes
	// rather than by the store itself.
	RetryDelay time.Duration
}

// WebhookConfig holds inbound webhook ingress configuration.
type WebhookConfig struct {
	// JWTEnabled requires a valid bearer token on inbound requests.
	JWTEnabled bool
	JWTSecret  string
}

// LeaderConfig holds leader election configuration, used as the
// single-writer-mode fallback for claim protocols that cannot express
// SKIP LOCKED semantics.
type LeaderConfig struct {
	Enabled         bool
	InstanceID      string
	RedisURL        string
	LockName        string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// SecretsConfig selects how sensitive values (DSNs, API keys) are resolved.
type SecretsConfig struct {
	Provider string // env, encrypted, aws-sm, vault, gcp-sm
}

// Load loads configuration from environment variables with sensible
// defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "relaykit"),
		Driver:      getEnv("RELAYKIT_DRIVER", "postgres"),
		Transport:   getEnv("RELAYKIT_TRANSPORT", "http"),
		Services:    parseServiceMap(getEnv("RELAYKIT_SERVICES", "")),

		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"*"}),
		},
		Postgres: PostgresConfig{
			DSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/relaykit?sslmode=disable"),
		},
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", "root@tcp(localhost:3306)/relaykit"),
		},
		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGODB_DATABASE", "relaykit"),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
		SQS: SQSConfig{
			Region:   getEnv("AWS_REGION", "us-east-1"),
			Endpoint: getEnv("SQS_ENDPOINT", ""),
		},
		Headers: HeadersConfig{
			MessageID:     getEnv("HEADERS_MESSAGE_ID", "X-Message-Id"),
			SourceService: getEnv("HEADERS_SOURCE_SERVICE", "X-Source-Service"),
			EventType:     getEnv("HEADERS_EVENT_TYPE", "X-Event-Type"),
			CustomPrefix:  getEnv("HEADERS_CUSTOM_PREFIX", "X-"),
		},
		Processing: ProcessingConfig{
			BatchSize:  getEnvInt("PROCESSING_BATCH_SIZE", 100),
			MaxRetries: getEnvInt("PROCESSING_MAX_RETRIES", 5),
			RetryDelay: getEnvDuration("PROCESSING_RETRY_DELAY", 60*time.Second),
		},
		Webhook: WebhookConfig{
			JWTEnabled: getEnvBool("WEBHOOK_JWT_ENABLED", false),
			JWTSecret:  getEnv("WEBHOOK_JWT_SECRET", ""),
		},
		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ELECTION_ENABLED", false),
			InstanceID:      getEnv("HOSTNAME", ""),
			RedisURL:        getEnv("LEADER_REDIS_URL", ""),
			LockName:        getEnv("LEADER_LOCK_NAME", "relaykit-relay-leader"),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
		},
		Secrets: SecretsConfig{
			Provider: getEnv("SECRETS_PROVIDER", "env"),
		},

		DevMode: getEnvBool("RELAYKIT_DEV", false),
	}

	return cfg, nil
}

// parseServiceMap parses "name=url,name2=url2" into a map, the env-var
// equivalent of the TOML `[services]` table.
func parseServiceMap(raw string) map[string]string {
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
