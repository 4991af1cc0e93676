package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lukassherman27/Benlsey-Operating-System-sub003/internal/metrics"
)

// Expirer transitions observations whose validity window has closed.
type Expirer interface {
	MarkExpired(ctx context.Context, asOf time.Time) (int, error)
}

// SweeperConfig controls the background sweep.
type SweeperConfig struct {
	Interval     time.Duration
	Concurrency  int
	MaxPerSecond float64
}

// Sweeper periodically expires stale observations and re-reconciles the
// pending ones, so observations held by a lock are applied once it lapses.
type Sweeper struct {
	engine  *Engine
	expirer Expirer
	cfg     SweeperConfig
	limiter *rate.Limiter
	now     func() time.Time
	log     *zap.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(engine *Engine, expirer Expirer, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	limit := rate.Inf
	if cfg.MaxPerSecond > 0 {
		limit = rate.Limit(cfg.MaxPerSecond)
	}
	return &Sweeper{
		engine:  engine,
		expirer: expirer,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Concurrency),
		now:     func() time.Time { return time.Now().UTC() },
		log:     zap.L().With(zap.String("component", "sweeper")),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("sweeper started", zap.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce expires stale observations, then reconciles every pending one.
func (s *Sweeper) SweepOnce(ctx context.Context) (Summary, error) {
	start := time.Now()
	var sum Summary

	n, err := s.expirer.MarkExpired(ctx, s.now())
	if err != nil {
		metrics.RecordSweep("error")
		return sum, eris.Wrap(err, "sweeper: mark expired")
	}
	sum.Expired = n

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)

	var listErr error
	for o, err := range s.engine.pending.ListPending(ctx, nil) {
		if err != nil {
			listErr = err
			break
		}
		if err := s.limiter.Wait(ctx); err != nil {
			listErr = err
			break
		}
		id := o.ID
		g.Go(func() error {
			d, err := s.engine.Reconcile(ctx, id)
			if err != nil {
				s.log.Warn("reconcile failed", zap.Int64("observation_id", id), zap.Error(err))
			}
			mu.Lock()
			sum.add(d, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if listErr != nil {
		metrics.RecordSweep("error")
		return sum, eris.Wrap(listErr, "sweeper: list pending")
	}
	metrics.RecordSweep("ok")
	s.log.Info("sweep complete",
		zap.Int("expired", sum.Expired),
		zap.Int("reconciled", sum.Total),
		zap.Int("approved", sum.ByOutcome[OutcomeApproved]),
		zap.Int("held", sum.ByOutcome[OutcomeHeldLocked]+sum.ByOutcome[OutcomeHeldReview]),
		zap.Int("errors", sum.Errors),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sum, nil
}
