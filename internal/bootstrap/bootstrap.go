// Package bootstrap wires a Config into concrete storage repositories and
// transports. The four binaries that need this wiring (the outbox relay
// daemon, the inbox dispatcher daemon, the webhook ingress server, and the
// relayctl CLI) would
// otherwise each duplicate the driver/transport switch statement; this
// package is that switch, extracted once.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/relaykit/relaykit/internal/common/leader"
	relaymongo "github.com/relaykit/relaykit/internal/common/mongo"
	"github.com/relaykit/relaykit/internal/common/secrets"
	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/inbox"
	"github.com/relaykit/relaykit/internal/outbox"
)

// Stores bundles the storage handles opened for a given driver so callers
// can close whichever ones were actually opened on shutdown.
type Stores struct {
	SQL   *sql.DB
	Mongo *relaymongo.Client
}

// Close releases whichever handle is non-nil.
func (s *Stores) Close(ctx context.Context) {
	if s.SQL != nil {
		_ = s.SQL.Close()
	}
	if s.Mongo != nil {
		_ = s.Mongo.Disconnect(ctx)
	}
}

// OpenOutboxRepository opens the configured storage driver and returns its
// outbox.Repository, along with the Stores handle needed to close it.
func OpenOutboxRepository(ctx context.Context, cfg *config.Config) (outbox.Repository, *Stores, error) {
	switch cfg.Driver {
	case "postgres":
		dsn, err := resolveDSN(ctx, cfg, "postgres_dsn", cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return outbox.NewPostgresRepository(db, outbox.DefaultRepositoryConfig()), &Stores{SQL: db}, nil
	case "mysql":
		dsn, err := resolveDSN(ctx, cfg, "mysql_dsn", cfg.MySQL.DSN)
		if err != nil {
			return nil, nil, err
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		return outbox.NewMySQLRepository(db, outbox.DefaultRepositoryConfig()), &Stores{SQL: db}, nil
	case "mongo":
		client, database, err := openMongo(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return outbox.NewMongoRepository(database, outbox.DefaultRepositoryConfig()), &Stores{Mongo: client}, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q: must be postgres, mysql, or mongo", cfg.Driver)
	}
}

// OpenInboxRepository is OpenOutboxRepository's inbox counterpart.
func OpenInboxRepository(ctx context.Context, cfg *config.Config) (inbox.Repository, *Stores, error) {
	switch cfg.Driver {
	case "postgres":
		dsn, err := resolveDSN(ctx, cfg, "postgres_dsn", cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return inbox.NewPostgresRepository(db, inbox.DefaultRepositoryConfig()), &Stores{SQL: db}, nil
	case "mysql":
		dsn, err := resolveDSN(ctx, cfg, "mysql_dsn", cfg.MySQL.DSN)
		if err != nil {
			return nil, nil, err
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open mysql: %w", err)
		}
		return inbox.NewMySQLRepository(db, inbox.DefaultRepositoryConfig()), &Stores{SQL: db}, nil
	case "mongo":
		client, database, err := openMongo(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return inbox.NewMongoRepository(database, inbox.DefaultRepositoryConfig()), &Stores{Mongo: client}, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q: must be postgres, mysql, or mongo", cfg.Driver)
	}
}

func openMongo(ctx context.Context, cfg *config.Config) (*relaymongo.Client, *mongo.Database, error) {
	mongoCfg := cfg.MongoDB
	uri, err := resolveDSN(ctx, cfg, "mongodb_uri", mongoCfg.URI)
	if err != nil {
		return nil, nil, err
	}
	mongoCfg.URI = uri

	client, err := relaymongo.Connect(ctx, mongoCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	return client, client.Database(), nil
}

// resolveDSN looks up key through the configured secrets provider, falling
// back to fallback when the provider is the default "env" passthrough or the
// key isn't held by the backend. This lets an operator point Postgres/MySQL/
// MongoDB connection strings at Vault, AWS Secrets Manager, or GCP Secret
// Manager instead of a plaintext config value, without changing call sites.
func resolveDSN(ctx context.Context, cfg *config.Config, key, fallback string) (string, error) {
	provider := cfg.Secrets.Provider
	if provider == "" || provider == "env" {
		return fallback, nil
	}

	sc := secrets.LoadConfigFromEnv()
	sc.Provider = secrets.ProviderType(provider)
	p, err := secrets.NewProvider(sc)
	if err != nil {
		return "", fmt.Errorf("build secrets provider %q: %w", provider, err)
	}

	value, err := p.Get(ctx, key)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return fallback, nil
		}
		return "", fmt.Errorf("resolve secret %q from %s: %w", key, provider, err)
	}
	return value, nil
}

// OpenTransport constructs the configured outbox.Transport. ctx is used only
// to build the underlying client (e.g. NATS connection); it is not retained.
func OpenTransport(ctx context.Context, cfg *config.Config) (outbox.Transport, error) {
	switch cfg.Transport {
	case "http":
		httpCfg := outbox.DefaultHTTPTransportConfig()
		httpCfg.ServiceName = cfg.ServiceName
		httpCfg.ServiceURLs = cfg.Services
		return outbox.NewHTTPTransport(httpCfg), nil
	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("create jetstream context: %w", err)
		}
		return outbox.NewNATSTransport(js, cfg.ServiceName, nil), nil
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQS.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.SQS.Endpoint != "" {
				o.BaseEndpoint = &cfg.SQS.Endpoint
			}
		})
		return outbox.NewSQSTransport(client, cfg.ServiceName, cfg.Services), nil
	default:
		return nil, fmt.Errorf("unknown transport %q: must be http, nats, or sqs", cfg.Transport)
	}
}

// OpenElector starts the optional Redis-backed leader elector used as the
// single-writer-mode fallback for backends (Mongo's CAS claim, or any SQL
// dialect lacking SKIP LOCKED) where operators want at most one active
// worker rather than relying purely on per-row contention. Returns nil,nil
// if leader election is disabled in config.
func OpenElector(ctx context.Context, cfg *config.Config) (*leader.RedisLeaderElector, error) {
	if !cfg.Leader.Enabled {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.Leader.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse leader redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis for leader election: %w", err)
	}

	electorCfg := leader.DefaultRedisElectorConfig(cfg.Leader.LockName)
	if cfg.Leader.InstanceID != "" {
		electorCfg.InstanceID = cfg.Leader.InstanceID
	}
	if cfg.Leader.TTL > 0 {
		electorCfg.TTL = cfg.Leader.TTL
	}
	if cfg.Leader.RefreshInterval > 0 {
		electorCfg.RefreshInterval = cfg.Leader.RefreshInterval
	}

	elector := leader.NewRedisLeaderElector(client, electorCfg)
	if err := elector.Start(ctx); err != nil {
		return nil, fmt.Errorf("start leader election: %w", err)
	}
	return elector, nil
}
