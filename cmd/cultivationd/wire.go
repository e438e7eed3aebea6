package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/cultivation-engine/config"
	"github.com/warp/cultivation-engine/cultivation"
	"github.com/warp/cultivation-engine/cultivation/store"
	"github.com/warp/cultivation-engine/factory"
	"github.com/warp/cultivation-engine/lock/redislock"
	"github.com/warp/cultivation-engine/notify"
	"github.com/warp/cultivation-engine/store/postgres"
	"github.com/warp/cultivation-engine/store/sqlite"
	"github.com/warp/cultivation-engine/store/sqlstore"
)

// app is everything a command needs, built once from the config.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    cultivation.Store
	db       *sqlstore.Store // nil for the memory driver
	registry *prometheus.Registry
	eng      *cultivation.Engine

	closers []func() error
}

// openStore connects the configured backend. SQL backends migrate on open.
func openStore(ctx context.Context, db config.DatabaseConfig) (cultivation.Store, *sqlstore.Store, error) {
	switch db.Driver {
	case "memory":
		return store.NewMemory(), nil, nil
	case "sqlite":
		s, err := sqlite.New(ctx, db.DSN)
		return s, s, err
	case "postgres":
		s, err := postgres.New(ctx, db.DSN, postgres.Options{
			MaxOpenConns: db.MaxOpenConns,
			LockTimeout:  db.LockTimeout,
		})
		return s, s, err
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", db.Driver)
}

func build(ctx context.Context, cfg *config.Config, logOut io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg, log: cfg.Log.Logger(logOut)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	st, db, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.store, a.db = st, db
	if db != nil {
		a.closers = append(a.closers, db.Close)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := cultivation.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}

	opts := []cultivation.Option{
		cultivation.WithLogger(a.log),
		cultivation.WithMetrics(metrics),
		cultivation.WithRetryPolicy(cultivation.RetryPolicy{
			MaxAttempts:     cfg.Quota.MaxAttempts,
			InitialInterval: cfg.Quota.InitialBackoff,
			MaxInterval:     cfg.Quota.MaxBackoff,
		}),
	}

	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		// Local mutex first so one process sends a single contender per key.
		opts = append(opts, cultivation.WithLocker(cultivation.ChainLockers(
			cultivation.NewKeyedLocker(),
			redislock.New(rdb, redislock.Options{TTL: cfg.Redis.LockTTL, WaitTimeout: cfg.Redis.LockWait, Log: a.log}),
		)))
		a.log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis locks")
	}

	emitters := notify.Multi{notify.NewLog(a.log)}
	if cfg.NATS.URL != "" {
		nc, err := notify.Connect(cfg.NATS.URL, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Drain)
		emitters = append(emitters, notify.NewNATS(nc, cfg.NATS.SubjectPrefix))
		a.log.Info().Str("url", cfg.NATS.URL).Msg("publishing events to nats")
	}
	opts = append(opts, cultivation.WithEmitter(emitters))

	a.eng = cultivation.New(st, opts...)
	return a, nil
}

// ready probes the database for /healthz.
func (a *app) ready(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.DB().PingContext(ctx)
}

// bootstrap applies the configured templates, in site order.
func (a *app) bootstrap(ctx context.Context, only string) ([]siteResult, error) {
	sites := make([]string, 0, len(a.cfg.Sites))
	for id := range a.cfg.Sites {
		if only == "" || id == only {
			sites = append(sites, id)
		}
	}
	if only != "" && len(sites) == 0 {
		return nil, fmt.Errorf("site %s is not configured", only)
	}
	sort.Strings(sites)

	out := make([]siteResult, 0, len(sites))
	for _, id := range sites {
		t, err := a.cfg.Template(id)
		if err != nil {
			return out, err
		}
		res, err := factory.Apply(ctx, a.eng, cultivation.SiteID(id), t)
		if err != nil {
			return out, fmt.Errorf("bootstrap site %s: %w", id, err)
		}
		a.log.Info().
			Str("site_id", id).
			Int("stages_created", len(res.StagesCreated)).
			Int("transitions_created", len(res.TransitionsCreated)).
			Bool("settings_applied", res.SettingsApplied).
			Msg("site bootstrapped")
		out = append(out, siteResult{Site: id, Result: res})
	}
	return out, nil
}

type siteResult struct {
	Site   string
	Result *factory.ApplyResult
}

// Close releases connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
