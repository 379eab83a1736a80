package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/eaglebank/transactional-ms/internal/config"
	"github.com/eaglebank/transactional-ms/internal/repository"
	"github.com/eaglebank/transactional-ms/shared/events"
	"github.com/eaglebank/transactional-ms/shared/models"
	sharedredis "github.com/eaglebank/transactional-ms/shared/redis"
)

// dependencies holds the long-lived clients of one process.
type dependencies struct {
	store     repository.TransactionStore
	readRepo  *repository.TransactionReadRepository
	accounts  *repository.AccountRepository
	publisher events.Publisher
	redis     *sharedredis.Client
	db        *sql.DB
	logger    *zap.Logger
}

func buildDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{logger: logger}

	if cfg.NeedsRedis() {
		client, err := sharedredis.NewClient(ctx, sharedredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		deps.redis = client
	}

	store, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		deps.Close(context.Background())
		return nil, err
	}
	deps.store, deps.db = store, db

	var cache *sharedredis.ViewCache[models.Transaction]
	if cfg.Cache.Enabled {
		cache = sharedredis.NewViewCache[models.Transaction](deps.redis.Client, repository.TransactionViewKeyPrefix, cfg.Cache.TTL, logger)
	}
	deps.readRepo = repository.NewTransactionReadRepository(store, cache)

	deps.accounts = repository.NewAccountRepository(repository.AccountRepositoryConfig{
		BaseURL:            cfg.Accounts.BaseURL,
		Timeout:            cfg.Accounts.Timeout,
		BreakerMaxFailures: cfg.Accounts.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.Accounts.BreakerOpenTimeout,
	}, logger)

	publisher, err := openPublisher(cfg, deps.redis, logger)
	if err != nil {
		deps.Close(context.Background())
		return nil, err
	}
	deps.publisher = publisher

	return deps, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.TransactionStore, *sql.DB, error) {
	switch cfg.Store.Driver {
	case config.StoreMongo:
		client, err := repository.NewMongoClient(ctx, cfg.Store.Mongo.URI)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using mongo transaction store", zap.String("database", cfg.Store.Mongo.Database))
		return repository.NewMongoTransactionRepository(client, cfg.Store.Mongo.Database, logger), nil, nil

	case config.StorePostgres:
		db, err := openPostgres(ctx, cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		store, err := repository.NewPostgresTransactionRepository(db, cfg.Store.Postgres.DSN, logger)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("using postgres transaction store")
		return store, db, nil

	case config.StoreMemory:
		logger.Warn("using in-memory transaction store, records are lost on restart")
		return repository.NewMemoryTransactionRepository(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func openPublisher(cfg *config.Config, redis *sharedredis.Client, logger *zap.Logger) (events.Publisher, error) {
	n := cfg.Notifications
	switch n.Driver {
	case config.NotifyRabbitMQ:
		publisher, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:         n.RabbitMQ.URL,
			Exchange:    n.RabbitMQ.Exchange,
			Queue:       n.RabbitMQ.Queue,
			Heartbeat:   n.RabbitMQ.Heartbeat,
			DialTimeout: n.RabbitMQ.DialTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return publisher, nil
	case config.NotifyRedis:
		if redis == nil {
			return nil, errors.New("redis notifications need a redis client")
		}
		return events.NewRedisStreamPublisher(redis.Client, n.Redis.Stream, n.Redis.MaxLen), nil
	case config.NotifyKafka:
		return events.NewKafkaPublisher(n.Kafka.Brokers, n.Kafka.Topic), nil
	case config.NotifyLog:
		return events.NewLogPublisher(logger), nil
	default:
		return nil, fmt.Errorf("unknown notifications driver %q", n.Driver)
	}
}

// Close releases clients in reverse order of use. Errors are logged.
func (d *dependencies) Close(ctx context.Context) {
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			d.logger.Warn("failed to close publisher", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(ctx); err != nil {
			d.logger.Warn("failed to close transaction store", zap.Error(err))
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn("failed to close database", zap.Error(err))
		}
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
