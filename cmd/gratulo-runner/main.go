// gratulo-runner executes a single mailer job from the command line, for
// backfills and testing. It shares the execution path of the scheduler, so
// a manual run behaves exactly like a fired trigger, including the
// execution log entry.
//
// Usage:
//
//	gratulo-runner -job 3
//	gratulo-runner -job 3 -date 2026-06-15
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/Flo-63/gratulo-sub000/internal/config"
	"github.com/Flo-63/gratulo-sub000/internal/mailing"
	"github.com/Flo-63/gratulo-sub000/internal/store"
	"github.com/Flo-63/gratulo-sub000/pkg/db"
	"github.com/Flo-63/gratulo-sub000/pkg/logger"
	"github.com/Flo-63/gratulo-sub000/pkg/mailqueue"
	"github.com/Flo-63/gratulo-sub000/pkg/ratelimit"
	"github.com/Flo-63/gratulo-sub000/pkg/redis"
)

func main() {
	jobID := flag.Int64("job", 0, "id of the job to execute")
	dateStr := flag.String("date", "", "logical date YYYY-MM-DD (default: today)")
	flag.Parse()

	if *jobID <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration failed", slog.Any("error", err))
		os.Exit(1)
	}
	log := logger.New(cfg.Logger)

	logical := time.Now()
	if *dateStr != "" {
		logical, err = time.Parse("2006-01-02", *dateStr)
		if err != nil {
			log.Error("date must be YYYY-MM-DD", slog.String("date", *dateStr))
			os.Exit(2)
		}
	}

	if err := run(cfg, log, *jobID, logical); err != nil {
		log.Error("run failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger, jobID int64, logical time.Time) error {
	ctx := context.Background()

	pool, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer func() { _ = db.Shutdown(pool)(ctx) }()

	rdb, err := redis.Open(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = redis.Shutdown(rdb)(ctx) }()

	st := store.New(pool)
	queue := mailqueue.New(rdb, nil, ratelimit.New(rdb), log,
		mailqueue.WithRateLimit(cfg.Queue.RateLimit, cfg.Queue.RateWindow),
		mailqueue.WithConsumerInterval(cfg.Queue.ConsumerInterval),
		mailqueue.WithConfigSource(mailing.DeliveryConfigSource(st)),
	)
	executor := mailing.NewService(st, mailing.NewResolver(st, st), queue, log)

	log.Info("executing job",
		slog.Int64("job_id", jobID),
		slog.String("logical_date", logical.Format("2006-01-02")),
	)
	return executor.ExecuteJob(ctx, jobID, logical)
}
