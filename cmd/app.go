package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/canonical"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/ledger"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/lock"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/notify"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/observation"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/reconcile"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/resilience"
	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/store"
)

// appEnv holds the store and every service the commands run against.
type appEnv struct {
	Store        store.Store
	Schema       *canonical.Schema
	Ledger       *ledger.Ledger
	Observations *observation.Service
	Locks        *lock.Registry
	Engine       *reconcile.Engine

	closers []func()
}

// Close releases resources held by the environment.
func (a *appEnv) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initSchema() (*canonical.Schema, error) {
	if cfg.Reconcile.SchemaPath == "" {
		return canonical.DefaultSchema(), nil
	}
	return canonical.LoadSchema(cfg.Reconcile.SchemaPath)
}

// initNotifier always logs events and adds the webhook and NATS sinks that are configured.
func initNotifier() (notify.Notifier, func(), error) {
	sinks := notify.Multi{notify.NewLogNotifier()}
	cleanup := func() {}

	if cfg.Notify.WebhookURL != "" {
		breaker := resilience.WebhookCircuitConfig(
			cfg.Notify.WebhookFailureThreshold,
			time.Duration(cfg.Notify.WebhookResetSecs)*time.Second,
		)
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, breaker))
	}
	if cfg.Notify.NATSURL != "" {
		conn, err := notify.ConnectNATS(cfg.Notify.NATSURL)
		if err != nil {
			return nil, cleanup, err
		}
		sinks = append(sinks, notify.NewNATSNotifier(conn, cfg.Notify.NATSSubject))
		cleanup = func() {
			if err := conn.Drain(); err != nil {
				zap.L().Warn("nats drain failed", zap.Error(err))
			}
		}
	}
	return sinks, cleanup, nil
}

// initApp opens and migrates the store and builds the services on top of
// it. Callers should defer env.Close().
func initApp(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}
	env.closers = append(env.closers, func() { _ = st.Close() })

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env.Schema, err = initSchema()
	if err != nil {
		env.Close()
		return nil, err
	}
	rules, err := lock.NewRuleSet(cfg.LockRules)
	if err != nil {
		env.Close()
		return nil, err
	}
	notifier, cleanup, err := initNotifier()
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, cleanup)

	env.Ledger = ledger.New(st)
	env.Observations = observation.NewService(st, observation.Options{
		DefaultTTL: cfg.Reconcile.DefaultObservationTTL,
		Schema:     env.Schema,
	})
	env.Locks = lock.NewRegistry(st)
	env.Engine = reconcile.NewEngine(st, env.Observations, reconcile.Options{
		Policy: reconcile.NewThresholdPolicy(reconcile.PolicyConfig{
			Threshold:       cfg.Reconcile.HighConfidenceThreshold,
			RejectBelow:     cfg.Reconcile.RejectBelow,
			FieldThresholds: cfg.Reconcile.FieldThresholds,
			ReviewFields:    cfg.Reconcile.FieldsRequiringHumanReview,
		}, env.Schema),
		Schema:      env.Schema,
		Notifier:    notifier,
		Locks:       env.Locks,
		Rules:       rules,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
	})
	return env, nil
}

func newSweeper(env *appEnv) *reconcile.Sweeper {
	return reconcile.NewSweeper(env.Engine, env.Observations, reconcile.SweeperConfig{
		Interval:     cfg.Sweep.SweepInterval(),
		Concurrency:  cfg.Sweep.Concurrency,
		MaxPerSecond: cfg.Sweep.MaxPerSecond,
	})
}
