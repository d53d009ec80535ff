// gratulo is the club mailer: it schedules mailing jobs, resolves their
// recipients, queues deliveries through a rate-limited Redis queue and
// serves the management API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Flo-63/gratulo-sub000/internal/api"
	"github.com/Flo-63/gratulo-sub000/internal/config"
	"github.com/Flo-63/gratulo-sub000/internal/jobs"
	"github.com/Flo-63/gratulo-sub000/internal/mailing"
	"github.com/Flo-63/gratulo-sub000/internal/store"
	"github.com/Flo-63/gratulo-sub000/pkg/db"
	"github.com/Flo-63/gratulo-sub000/pkg/health"
	"github.com/Flo-63/gratulo-sub000/pkg/logger"
	"github.com/Flo-63/gratulo-sub000/pkg/mailer"
	"github.com/Flo-63/gratulo-sub000/pkg/mailer/resend"
	"github.com/Flo-63/gratulo-sub000/pkg/mailqueue"
	"github.com/Flo-63/gratulo-sub000/pkg/ratelimit"
	"github.com/Flo-63/gratulo-sub000/pkg/redis"
	"github.com/Flo-63/gratulo-sub000/pkg/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration failed", slog.Any("error", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logger)

	if err := run(cfg, log); err != nil {
		log.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer func() { _ = db.Shutdown(pool)(ctx) }()

	if err := db.Migrate(ctx, pool, store.Migrations, cfg.DB.MigrationsTable, log); err != nil {
		return err
	}

	rdb, err := redis.Open(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = redis.Shutdown(rdb)(ctx) }()

	st := store.New(pool)

	var sender mailer.Sender
	if cfg.Resend.APIKey != "" {
		sender = resend.New(cfg.Resend)
	} else {
		log.Warn("no mail transport configured, queue will not drain")
	}

	limiter := ratelimit.New(rdb)
	queue := mailqueue.New(rdb, sender, limiter, log,
		mailqueue.WithRateLimit(cfg.Queue.RateLimit, cfg.Queue.RateWindow),
		mailqueue.WithConsumerInterval(cfg.Queue.ConsumerInterval),
		mailqueue.WithConfigSource(mailing.DeliveryConfigSource(st)),
	)

	resolver := mailing.NewResolver(st, st)
	executor := mailing.NewService(st, resolver, queue, log)

	sched := scheduler.New(executor, log, scheduler.WithLocation(loc))
	sched.RunEvery("mailqueue-consumer", cfg.Queue.ConsumerInterval, func(ctx context.Context) {
		if err := queue.Process(ctx, cfg.Queue.MaxBatch); err != nil {
			log.Error("queue pass failed", slog.Any("error", err))
		}
	})

	manager := jobs.NewService(st, sched, log)
	if err := manager.ResyncAll(ctx); err != nil {
		return err
	}

	if err := sched.Start(); err != nil {
		return err
	}

	handler := api.New(manager, st, executor, queue, log,
		api.WithReadiness(health.Ready(health.Checks{
			"postgres": func(ctx context.Context) error { return pool.Ping(ctx) },
			"redis":    redis.Healthcheck(rdb),
		}, health.WithLogger(log))),
	)
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := sched.Stop(shutdownCtx); err != nil {
			log.Error("scheduler shutdown incomplete", slog.Any("error", err))
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
