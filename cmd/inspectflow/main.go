package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inspectflow/internal/api"
	"inspectflow/internal/config"
	"inspectflow/internal/events"
	"inspectflow/internal/generator"
	"inspectflow/internal/guard"
	"inspectflow/internal/notify"
	"inspectflow/internal/scheduler"
	"inspectflow/internal/scope"
	"inspectflow/internal/store"
	"inspectflow/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config path")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "expose pprof under /debug/pprof")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	setupLogging(cfg.Log)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	repo := store.NewSQLiteRepo(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Notifications
	var sink notify.Sink = notify.LogSink{}
	if cfg.Notifier.WebhookURL != "" {
		sink = notify.NewWebhook(cfg.Notifier.WebhookURL, cfg.Notifier.WebhookHeaders, cfg.Notifier.WebhookTimeout)
	}
	notifier := notify.NewService(sink, notify.Config{
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: cfg.Notifier.RatePerSec,
		RetryMax:   cfg.Notifier.RetryMax,
	})
	go notifier.Run(ctx)

	sc := cfg.Scheduler
	gen := generator.New(
		scope.NewResolver(repo, sc.LookupTimeout),
		guard.New(repo, sc.StoreTimeout),
		repo,
		worker.NewPool(sc.AssetWorkers),
		generator.Options{GenerateAheadDays: sc.GenerateAheadDays, StoreTimeout: sc.StoreTimeout, Notifier: notifier},
	)
	runner := scheduler.NewService(repo, gen, events.NewProcessor(repo, gen, sc.EventBatchSize), notifier, scheduler.Config{
		RunCron:           sc.RunCron,
		ScheduleWorkers:   sc.ScheduleWorkers,
		PollInterval:      sc.PollInterval,
		OverdueBatchSize:  sc.OverdueBatchSize,
		GenerateAheadDays: sc.GenerateAheadDays,
	})
	go func() {
		if err := runner.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("scheduler")
		}
	}()

	if *cfgPath != "" {
		go func() {
			err := config.Watch(ctx, *cfgPath, func(c config.Config) {
				applyLevel(c.Log.Level)
				log.Info().Str("level", c.Log.Level).Msg("config reloaded; log level applied, other changes need a restart")
			})
			if err != nil {
				log.Warn().Err(err).Msg("config watch disabled")
			}
		}()
	}

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewServerWithDebug(repo, runner, *debug)}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	if n := notifier.Dropped(); n > 0 {
		log.Warn().Int64("dropped", n).Msg("notifications dropped during run")
	}
}

func setupLogging(lc config.LogConfig) {
	applyLevel(lc.Level)
	if lc.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// applyLevel is safe to call while other goroutines log.
func applyLevel(raw string) {
	level, err := zerolog.ParseLevel(raw)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
