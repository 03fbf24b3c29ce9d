// Package app builds the service graph shared by the API process and secctl.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"security-core/internal/audit"
	"security-core/internal/authhooks"
	"security-core/internal/config"
	"security-core/internal/directory"
	"security-core/internal/events"
	"security-core/internal/httpapi"
	"security-core/internal/investigation"
	"security-core/internal/metrics"
	"security-core/internal/ratelimit"
	"security-core/internal/reporting"
	"security-core/internal/retention"
	"security-core/internal/risk"
	"security-core/internal/rules"
	"security-core/internal/stream"
	"security-core/internal/threat"
	"security-core/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App owns every long-lived dependency of the process.
type App struct {
	Config  config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Rules   rules.Rules

	DB    *sql.DB
	Redis *redis.Client

	AuditRepo  *audit.PostgresRepo
	EventsRepo *events.PostgresRepo

	Audit         *audit.Service
	Events        *events.Service
	Limiter       *ratelimit.Limiter
	Risk          *risk.Service
	Threat        *threat.Detector
	Investigation *investigation.Service
	Reporting     *reporting.Service
	Hooks         *authhooks.Hooks
	Retention     *retention.Job

	closers []func() error
}

// New connects to Postgres (and Redis or Kafka when configured) and wires
// the services.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	r := rules.Default()
	if cfg.Rules.File != "" {
		var err error
		if r, err = rules.LoadFile(cfg.Rules.File); err != nil {
			return nil, fmt.Errorf("rules: %w", err)
		}
	}
	a.Rules = r
	a.Metrics = metrics.New(prometheus.NewRegistry())

	db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	a.AuditRepo = audit.NewPostgresRepo(db)
	a.EventsRepo = events.NewPostgresRepo(db)

	a.Audit = audit.NewService(a.AuditRepo).WithLogger(log).WithMetrics(a.Metrics)
	a.Events = events.NewService(a.EventsRepo, a.Audit, r).WithLogger(log).WithMetrics(a.Metrics)

	if cfg.Kafka.Enabled() {
		w := stream.NewWriter(stream.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		pub := stream.NewPublisher(w, cfg.Kafka.PublishTimeout)
		a.Events.WithPublisher(pub)
		a.closers = append(a.closers, pub.Close)
	}

	store, counters, err := a.limiterStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Limiter = ratelimit.NewLimiter(store, r, a.Events).WithLogger(log).WithMetrics(a.Metrics)

	a.Risk = risk.NewService(a.EventsRepo, risk.NewCategorizer(r))
	a.Threat = threat.NewDetector(threat.NewEventHistory(a.EventsRepo)).WithLogger(log).WithMetrics(a.Metrics)

	dir, err := directory.NewCached(ctx, directory.NewPostgresDirectory(db), cfg.Directory.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("directory cache: %w", err)
	}
	dir.WithLogger(log)
	a.closers = append(a.closers, dir.Close)

	a.Investigation = investigation.NewService(a.EventsRepo, a.Audit, dir).WithLogger(log).WithMetrics(a.Metrics)
	a.Reporting = reporting.NewService(a.EventsRepo, a.Risk, r).WithLogger(log)
	a.Hooks = authhooks.New(a.Events, a.Audit, a.Limiter, a.Threat, a.Risk).WithLogger(log)
	a.Retention = retention.NewJob(a.EventsRepo, counters, a.AuditRepo).WithLogger(log).WithMetrics(a.Metrics)

	ok = true
	return a, nil
}

// limiterStore picks the counter backend. The Redis backend expires keys
// itself, so it has no counter purger.
func (a *App) limiterStore(ctx context.Context) (ratelimit.Store, retention.CounterPurger, error) {
	switch a.Config.RateLimit.Backend {
	case config.BackendMemory:
		s := ratelimit.NewMemoryStore()
		return s, s, nil
	case config.BackendRedis:
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     a.Config.RedisAddr(),
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		a.Redis = rdb
		a.closers = append(a.closers, rdb.Close)
		s := ratelimit.NewRedisStore(rdb).WithKeyPrefix(a.Config.Redis.KeyPrefix)
		if err := s.Preload(ctx); err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		s := ratelimit.NewPostgresStore(a.DB)
		return s, s, nil
	}
}

// Handlers returns the HTTP handlers bound to this app's services.
func (a *App) Handlers() httpapi.Handlers {
	return httpapi.Handlers{
		Events:        a.Events,
		Audit:         a.Audit,
		Limiter:       a.Limiter,
		Risk:          a.Risk,
		Threat:        a.Threat,
		Investigation: a.Investigation,
		Reporting:     a.Reporting,
		Hooks:         a.Hooks,
	}
}

// Ready pings the database and, when configured, Redis.
func (a *App) Ready(ctx context.Context) error {
	if err := utils.HealthCheck(ctx, a.DB, 2*time.Second); err != nil {
		return err
	}
	if a.Redis != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := a.Redis.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}

// Close releases resources in reverse acquisition order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
