// Package sweeper closes auctions whose end time has passed. Each pass
// lists expired auctions and hands one close job per auction to a
// bounded worker pool; the engine's idempotent CloseAuction makes it safe
// to run several sweepers against the same store.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/viney-shih/goroutines"

	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
)

// Engine is the part of the auction service the sweeper drives.
type Engine interface {
	ActivateDue(ctx context.Context, now time.Time, limit int) (int, error)
	CloseAuction(ctx context.Context, auctionID string, now time.Time) (*model.Outcome, error)
}

// Lister finds auctions that are due for closing.
type Lister interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Auction, error)
}

// Config tunes a Sweeper.
type Config struct {
	Interval        time.Duration // time between passes
	Batch           int           // max auctions listed per pass
	Workers         int           // pool size
	JobTimeout      time.Duration // per-auction close deadline
	ScheduleTimeout time.Duration // how long a pass waits for a free worker
}

// Sweeper periodically closes expired auctions.
type Sweeper struct {
	engine Engine
	lister Lister
	cfg    Config
	pool   *goroutines.Pool
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	jobs     sync.WaitGroup
}

// New creates a sweeper. Call Run to start it.
func New(engine Engine, lister Lister, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Batch < 1 {
		cfg.Batch = 200
	}
	if cfg.Workers < 1 {
		cfg.Workers = 16
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	if cfg.ScheduleTimeout <= 0 {
		cfg.ScheduleTimeout = 3 * time.Second
	}
	prealloc := cfg.Workers / 2
	if prealloc < 1 {
		prealloc = 1
	}
	return &Sweeper{
		engine:   engine,
		lister:   lister,
		cfg:      cfg,
		pool:     goroutines.NewPool(cfg.Workers, goroutines.WithTaskQueueLength(cfg.Batch), goroutines.WithPreAllocWorkers(prealloc)),
		now:      time.Now,
		logger:   slog.Default().With("component", "sweeper"),
		inFlight: make(map[string]struct{}),
	}
}

// Run sweeps every Interval until ctx is done, then waits for running
// jobs and releases the pool.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		"interval", s.cfg.Interval,
		"batch", s.cfg.Batch,
		"workers", s.cfg.Workers,
	)
	for {
		select {
		case <-ctx.Done():
			s.jobs.Wait()
			s.pool.Release()
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many close jobs it scheduled.
func (s *Sweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := s.now().UTC()

	activated, err := s.engine.ActivateDue(ctx, now, s.cfg.Batch)
	if err != nil {
		metrics.SweepErrors.WithLabelValues("activate").Inc()
		s.logger.Error("activate due auctions failed", "err", err)
	}
	if activated > 0 {
		metrics.Activations.Add(float64(activated))
	}

	expired, err := s.lister.ListExpired(ctx, now, s.cfg.Batch)
	if err != nil {
		metrics.SweepErrors.WithLabelValues("list").Inc()
		s.logger.Error("list expired auctions failed", "err", err)
		return 0
	}

	scheduled := 0
	seen := make(map[string]struct{}, len(expired))
	for i := range expired {
		id := expired[i].ID
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if !s.claim(id) {
			continue
		}

		s.jobs.Add(1)
		err := s.pool.ScheduleWithTimeout(s.cfg.ScheduleTimeout, func() {
			defer s.jobs.Done()
			defer s.release(id)
			s.close(ctx, id, now)
		})
		if err != nil {
			s.jobs.Done()
			s.release(id)
			metrics.SweepErrors.WithLabelValues("schedule").Inc()
			s.logger.Warn("schedule close failed", "auction_id", id, "err", err)
			continue
		}
		scheduled++
	}
	metrics.SweepScheduled.Add(float64(scheduled))
	if scheduled > 0 || activated > 0 {
		s.logger.Info("sweep pass", "expired", len(expired), "scheduled", scheduled, "activated", activated)
	}
	return scheduled
}

// Wait blocks until every scheduled job has finished.
func (s *Sweeper) Wait() {
	s.jobs.Wait()
}

func (s *Sweeper) close(ctx context.Context, id string, now time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.JobTimeout)
	defer cancel()

	_, err := s.engine.CloseAuction(ctx, id, now)
	switch {
	case err == nil:
	case errors.Is(err, auction.ErrSettlementInProgress), errors.Is(err, auction.ErrAuctionNotExpired):
		// Another closer has it, or a late bid extended the end.
		s.logger.Debug("close skipped", "auction_id", id, "reason", auction.Reason(err))
	default:
		metrics.SweepErrors.WithLabelValues(auction.Reason(err)).Inc()
		s.logger.Error("close auction failed", "auction_id", id, "err", err)
	}
}

func (s *Sweeper) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Sweeper) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}
