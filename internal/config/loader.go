package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure.
type TOMLConfig struct {
	ServiceName string            `toml:"service_name"`
	Driver      string            `toml:"driver"`
	Transport   string            `toml:"transport"`
	Services    map[string]string `toml:"services"`

	HTTP       TOMLHTTPConfig       `toml:"http"`
	Postgres   TOMLPostgresConfig   `toml:"postgres"`
	MySQL      TOMLMySQLConfig      `toml:"mysql"`
	MongoDB    TOMLMongoDBConfig    `toml:"mongodb"`
	NATS       TOMLNATSConfig       `toml:"nats"`
	SQS        TOMLSQSConfig        `toml:"sqs"`
	Headers    TOMLHeadersConfig    `toml:"headers"`
	Processing TOMLProcessingConfig `toml:"processing"`
	Webhook    TOMLWebhookConfig    `toml:"webhook"`
	Leader     TOMLLeaderConfig     `toml:"leader"`
	Secrets    TOMLSecretsConfig    `toml:"secrets"`

	DevMode bool `toml:"dev_mode"`
}

type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type TOMLPostgresConfig struct {
	DSN string `toml:"dsn"`
}

type TOMLMySQLConfig struct {
	DSN string `toml:"dsn"`
}

type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type TOMLNATSConfig struct {
	URL string `toml:"url"`
}

type TOMLSQSConfig struct {
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
}

// TOMLHeadersConfig is the `headers.{message_id,source_service,event_type,
// custom_prefix}` configuration key from the external interface contract.
type TOMLHeadersConfig struct {
	MessageID     string `toml:"message_id"`
	SourceService string `toml:"source_service"`
	EventType     string `toml:"event_type"`
	CustomPrefix  string `toml:"custom_prefix"`
}

// TOMLProcessingConfig is the `processing.{batch_size,max_retries,
// retry_delay}` configuration key.
type TOMLProcessingConfig struct {
	BatchSize  int    `toml:"batch_size"`
	MaxRetries int    `toml:"max_retries"`
	RetryDelay string `toml:"retry_delay"`
}

type TOMLWebhookConfig struct {
	JWTEnabled bool   `toml:"jwt_enabled"`
	JWTSecret  string `toml:"jwt_secret"`
}

type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	InstanceID      string `toml:"instance_id"`
	RedisURL        string `toml:"redis_url"`
	LockName        string `toml:"lock_name"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

type TOMLSecretsConfig struct {
	Provider string `toml:"provider"`
}

// ConfigPaths lists the paths searched for a config file.
var ConfigPaths = []string{
	"config.toml",
	"relaykit.toml",
	"./config/config.toml",
	"/etc/relaykit/config.toml",
}

// LoadFromFile loads configuration from a TOML file.
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig
	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env
// vars — the two-layer configuration model used throughout this codebase.
func LoadWithFile() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	configPath := os.Getenv("RELAYKIT_CONFIG")
	if configPath == "" {
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}
	if configPath == "" {
		return cfg, nil
	}

	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	return mergeConfigs(fileCfg, cfg), nil
}

func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	if tc.Driver != "" && tc.Driver != "postgres" && tc.Driver != "mysql" && tc.Driver != "mongo" {
		return nil, fmt.Errorf("unknown driver %q: must be postgres, mysql, or mongo", tc.Driver)
	}
	if tc.Transport != "" && tc.Transport != "http" && tc.Transport != "nats" && tc.Transport != "sqs" {
		return nil, fmt.Errorf("unknown transport %q: must be http, nats, or sqs", tc.Transport)
	}

	cfg := &Config{
		ServiceName: tc.ServiceName,
		Driver:      tc.Driver,
		Transport:   tc.Transport,
		Services:    tc.Services,

		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		Postgres: PostgresConfig{DSN: tc.Postgres.DSN},
		MySQL:    MySQLConfig{DSN: tc.MySQL.DSN},
		MongoDB: MongoDBConfig{
			URI:      tc.MongoDB.URI,
			Database: tc.MongoDB.Database,
		},
		NATS: NATSConfig{URL: tc.NATS.URL},
		SQS: SQSConfig{
			Region:   tc.SQS.Region,
			Endpoint: tc.SQS.Endpoint,
		},
		Headers: HeadersConfig{
			MessageID:     tc.Headers.MessageID,
			SourceService: tc.Headers.SourceService,
			EventType:     tc.Headers.EventType,
			CustomPrefix:  tc.Headers.CustomPrefix,
		},
		Processing: ProcessingConfig{
			BatchSize:  tc.Processing.BatchSize,
			MaxRetries: tc.Processing.MaxRetries,
		},
		Webhook: WebhookConfig{
			JWTEnabled: tc.Webhook.JWTEnabled,
			JWTSecret:  tc.Webhook.JWTSecret,
		},
		Leader: LeaderConfig{
			Enabled:    tc.Leader.Enabled,
			InstanceID: tc.Leader.InstanceID,
			RedisURL:   tc.Leader.RedisURL,
			LockName:   tc.Leader.LockName,
		},
		Secrets: SecretsConfig{Provider: tc.Secrets.Provider},
		DevMode: tc.DevMode,
	}

	if tc.Processing.RetryDelay != "" {
		if d, err := time.ParseDuration(tc.Processing.RetryDelay); err == nil {
			cfg.Processing.RetryDelay = d
		}
	}
	if tc.Leader.TTL != "" {
		if d, err := time.ParseDuration(tc.Leader.TTL); err == nil {
			cfg.Leader.TTL = d
		}
	}
	if tc.Leader.RefreshInterval != "" {
		if d, err := time.ParseDuration(tc.Leader.RefreshInterval); err == nil {
			cfg.Leader.RefreshInterval = d
		}
	}

	return cfg, nil
}

// mergeConfigs merges two configs, with override taking precedence for
// non-zero/non-default values — file config as base, env vars override.
// Fields not compared below (Headers, Webhook, Secrets, SQS.Endpoint,
// Processing.RetryDelay, and Leader's RedisURL/LockName/TTL/RefreshInterval)
// are taken from base alone; their env values and Load's defaults are not
// applied.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.ServiceName != "" && override.ServiceName != "relaykit" {
		result.ServiceName = override.ServiceName
	}
	if override.Driver != "" && override.Driver != "postgres" {
		result.Driver = override.Driver
	}
	if override.Transport != "" && override.Transport != "http" {
		result.Transport = override.Transport
	}
	for k, v := range override.Services {
		if result.Services == nil {
			result.Services = make(map[string]string)
		}
		result.Services[k] = v
	}

	if override.HTTP.Port != 0 && override.HTTP.Port != 8080 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 && !(len(override.HTTP.CORSOrigins) == 1 && override.HTTP.CORSOrigins[0] == "*") {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	if override.Postgres.DSN != "" && override.Postgres.DSN != "postgres://localhost:5432/relaykit?sslmode=disable" {
		result.Postgres.DSN = override.Postgres.DSN
	}
	if override.MySQL.DSN != "" && override.MySQL.DSN != "root@tcp(localhost:3306)/relaykit" {
		result.MySQL.DSN = override.MySQL.DSN
	}
	if override.MongoDB.URI != "" && override.MongoDB.URI != "mongodb://localhost:27017" {
		result.MongoDB.URI = override.MongoDB.URI
	}
	if override.MongoDB.Database != "" && override.MongoDB.Database != "relaykit" {
		result.MongoDB.Database = override.MongoDB.Database
	}
	if override.NATS.URL != "" && override.NATS.URL != "nats://localhost:4222" {
		result.NATS.URL = override.NATS.URL
	}
	if override.SQS.Region != "" && override.SQS.Region != "us-east-1" {
		result.SQS.Region = override.SQS.Region
	}

	if override.Processing.BatchSize != 0 && override.Processing.BatchSize != 100 {
		result.Processing.BatchSize = override.Processing.BatchSize
	}
	if override.Processing.MaxRetries != 0 && override.Processing.MaxRetries != 5 {
		result.Processing.MaxRetries = override.Processing.MaxRetries
	}

	if override.Leader.Enabled {
		result.Leader.Enabled = true
	}
	if override.Leader.InstanceID != "" {
		result.Leader.InstanceID = override.Leader.InstanceID
	}

	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# relaykit configuration
# Environment variables override these settings

service_name = "relaykit"
driver = "postgres"     # postgres, mysql, or mongo
transport = "http"      # http, nats, or sqs
dev_mode = false

[services]
# logical destination_service name -> base URL / queue URL / subject prefix
# orders = "http://orders.internal:8080"

[http]
port = 8080
cors_origins = ["*"]

[postgres]
dsn = "postgres://localhost:5432/relaykit?sslmode=disable"

[mysql]
dsn = "root@tcp(localhost:3306)/relaykit"

[mongodb]
uri = "mongodb://localhost:27017"
database = "relaykit"

[nats]
url = "nats://localhost:4222"

[sqs]
region = "us-east-1"
endpoint = ""

[headers]
message_id = "X-Message-Id"
source_service = "X-Source-Service"
event_type = "X-Event-Type"
custom_prefix = "X-"

[processing]
batch_size = 100
max_retries = 5
retry_delay = "60s"

[webhook]
jwt_enabled = false
jwt_secret = ""

[leader]
enabled = false
instance_id = ""
redis_url = ""
lock_name = "relaykit-relay-leader"
ttl = "30s"
refresh_interval = "10s"

[secrets]
provider = "env"  # env, encrypted, aws-sm, vault, gcp-sm
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
