// Command jobqueued runs a job queue with simulated pipeline stages and
// serves its management API over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	jobqueue "github.com/d1fmarketing/book-automation-sub010"
	"github.com/d1fmarketing/book-automation-sub010/internal/config"
	"github.com/d1fmarketing/book-automation-sub010/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var (
		addr        = flag.String("addr", cfg.Addr, "HTTP bind address")
		storeType   = flag.String("store", cfg.Store, "Storage type (memory, sqlite, mysql, postgres, redis or mongodb)")
		dsn         = flag.String("dsn", cfg.DSN, "Connection string or file name of the store")
		storeDebug  = flag.Bool("store-debug", cfg.StoreDebug, "Enable debug output of the store")
		fillTime    = flag.Duration("fill-time", 0, "add a demo job at random within this interval (0 to disable)")
		logInterval = flag.Duration("log-interval", 0, "log interval for stats (0 to disable)")
	)
	flag.Parse()
	cfg.Addr, cfg.Store, cfg.DSN, cfg.StoreDebug = *addr, *storeType, *dsn, *storeDebug
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := jobqueue.NewLogger(os.Stderr, cfg.LogPretty)
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	if err := run(cfg, logger, *fillTime, *logInterval); err != nil {
		logger.Error().Err(err).Msg("exit with error")
		os.Exit(1)
	}
	logger.Info().Msg("exiting")
}

func run(cfg *config.Config, logger zerolog.Logger, fillTime, logInterval time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	m, err := newManager(cfg, logger)
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}

	if fillTime > 0 {
		go enqueuer(ctx, m, logger, fillTime)
	}
	if logInterval > 0 {
		go statsLogger(ctx, m, logger, logInterval)
	}

	srv := server.New(m, server.SetLogger(logger))
	serveErr := srv.Serve(ctx, cfg.Addr)
	stop()

	logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("shutting down")
	if err := m.CloseWithTimeout(cfg.ShutdownTimeout); err != nil {
		return err
	}
	return serveErr
}

// newManager initializes the store, the manager, its queues and the
// simulated stage processors.
func newManager(cfg *config.Config, logger zerolog.Logger) (*jobqueue.Manager, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	options := []jobqueue.ManagerOption{
		jobqueue.SetLogger(logger),
		jobqueue.SetPollInterval(cfg.PollInterval),
		jobqueue.SetDrainTimeout(cfg.DrainTimeout),
		jobqueue.SetMaintenanceSchedule(cfg.MaintenanceSchedule),
		jobqueue.SetRetention(cfg.RetentionDays, cfg.RetentionSchedule),
	}
	if store != nil {
		options = append(options, jobqueue.SetStore(store))
	}
	for typ, cost := range cfg.Costs {
		options = append(options, jobqueue.SetCost(typ, cost))
	}
	if cfg.WebhookURL != "" {
		options = append(options, jobqueue.SetNotifiers(jobqueue.NewWebhookNotifier(cfg.WebhookURL,
			jobqueue.WithRateLimit(cfg.WebhookInterval, cfg.WebhookBurst),
			jobqueue.WithRetries(cfg.WebhookRetries, time.Second),
			jobqueue.WithWebhookLogger(logger),
		)))
	}
	m := jobqueue.New(options...)

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for _, q := range cfg.Queues {
		_, err := m.CreateQueue(jobqueue.QueueConfig{
			Name:                 q.Name,
			MaxAttempts:          cfg.MaxAttempts,
			Backoff:              jobqueue.Backoff{Type: cfg.BackoffType, Delay: cfg.BackoffDelay},
			Timeout:              cfg.Timeout,
			Workers:              q.Workers,
			ConcurrencyPerWorker: q.Concurrency,
		})
		if err != nil {
			return nil, err
		}
		m.Register(q.Name, makeProcessor(q.Name, newRand(rnd.Int63()), cfg.FailureRate, cfg.MaxSleep))
	}
	return m, nil
}

// enqueuer adds demo jobs to random queues until ctx is canceled.
func enqueuer(ctx context.Context, m *jobqueue.Manager, logger zerolog.Logger, fillTime time.Duration) {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	queues := m.Queues()
	var cnt int
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(rnd.Int63n(int64(fillTime)))):
		}
		queue := queues[rnd.Intn(len(queues))]
		cnt++
		payload := map[string]interface{}{"chapter": cnt, "words": 500 + rnd.Intn(2500)}
		if _, err := m.AddJob(ctx, queue, queue, payload, jobqueue.WithPriority(rnd.Intn(3))); err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Str("queue", queue).Msg("cannot add demo job")
			}
			return
		}
	}
}

func statsLogger(ctx context.Context, m *jobqueue.Manager, logger zerolog.Logger, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			ss, err := m.GlobalStats(ctx)
			if err != nil {
				continue
			}
			logger.Info().
				Int("waiting", ss.Totals.Waiting).
				Int("active", ss.Totals.Active).
				Int("delayed", ss.Totals.Delayed).
				Int("completed", ss.Totals.Completed).
				Int("failed", ss.Totals.Failed).
				Int("dead_letters", ss.DeadLetters).
				Msg("stats")
		case <-ctx.Done():
			return
		}
	}
}
