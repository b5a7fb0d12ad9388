package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/auction-engine/internal/access"
	"github.com/atmx/auction-engine/internal/api"
	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/config"
	"github.com/atmx/auction-engine/internal/eligibility"
	"github.com/atmx/auction-engine/internal/ledger"
	"github.com/atmx/auction-engine/internal/notify"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/sweeper"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Collaborators ---
	var wallet auction.Ledger
	if cfg.LedgerURL != "" {
		wallet = ledger.NewHTTPLedger(cfg.LedgerURL, cfg.LedgerTimeout)
		slog.Info("using wallet ledger", "url", cfg.LedgerURL)
	} else {
		slog.Warn("LEDGER_URL not set, using in-memory ledger")
		wallet = ledger.NewMemoryLedger()
	}

	var granter auction.AccessGranter
	if cfg.AccessURL != "" {
		granter = access.NewHTTPGranter(cfg.AccessURL, cfg.LedgerTimeout)
	} else {
		granter = access.NewMemoryGranter()
	}

	var directory eligibility.Checker
	if cfg.SubscriptionURL != "" {
		directory = eligibility.NewHTTPChecker(cfg.SubscriptionURL, cfg.SubscriptionTimeout)
		slog.Info("using subscription service", "url", cfg.SubscriptionURL)
	} else {
		slog.Warn("SUBSCRIPTION_URL not set, using in-memory subscriber directory")
		directory = eligibility.NewMemoryDirectory()
	}
	subs := eligibility.NewCached(directory, cfg.EligibilityCacheMB, cfg.EligibilityCacheTTL)

	// --- Notifications ---
	wsHub := notify.NewWSHub()
	sinks := notify.Fanout{wsHub}

	var kafkaPub *notify.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub = notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, kafkaPub)
		slog.Info("kafka events enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// --- Auction engine ---
	svc := auction.NewService(st, wallet, subs, granter, sinks, auction.Config{
		CommissionPercent: cfg.CommissionPercent,
		MaxAttempts:       cfg.BidMaxAttempts,
		ClaimLease:        cfg.ClaimLease,
		SettlementTimeout: cfg.SettlementTimeout,
	})

	sw := sweeper.New(svc, st, sweeper.Config{
		Interval:   cfg.SweepInterval,
		Batch:      cfg.SweepBatch,
		Workers:    cfg.SweepWorkers,
		JobTimeout: cfg.SettlementTimeout + 5*time.Second,
	})

	// --- HTTP router ---
	r := api.NewRouter(api.NewHandler(svc), wsHub.HandleWS)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("auction-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		wsHub.Run()
		return nil
	})
	g.Go(func() error {
		return sw.Run(gctx)
	})
	if kafkaPub != nil {
		g.Go(func() error {
			return kafkaPub.Run(gctx)
		})
	}

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down auction-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		wsHub.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("auction-engine stopped with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("auction-engine stopped")
}
