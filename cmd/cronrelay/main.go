package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"cronrelay/internal/api"
	"cronrelay/internal/auth"
	"cronrelay/internal/caller"
	"cronrelay/internal/config"
	"cronrelay/internal/dispatch"
	"cronrelay/internal/jobs"
	"cronrelay/internal/keys"
	"cronrelay/internal/logging"
	"cronrelay/internal/metrics"
	"cronrelay/internal/planchange"
	"cronrelay/internal/quota"
	"cronrelay/internal/schedule"
	"cronrelay/internal/scheduler"
	"cronrelay/internal/store"
	"cronrelay/internal/usage"
	"cronrelay/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		addr       = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath     = flag.String("db", "", "SQLite DB path (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	loc, err := schedule.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal().Err(err).Msg("load timezone")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := worker.NewQueue(worker.Options{
		Size:        cfg.Queue.Size,
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.Backoff,
	}, logger)
	queue.Start(ctx)
	metrics.RegisterQueue(queue)

	issuer, err := auth.NewIssuer(cfg.JWTSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("jwt issuer")
	}
	ledger := usage.NewLedger(st, loc)
	guard := quota.NewGuard(st, ledger)
	sessions := auth.NewSessions(st, cfg.SessionTTL)
	verifier := auth.NewVerifier(issuer, st, sessions, ledger, queue, logger)

	dispatcher := dispatch.New(st, ledger, caller.New(cfg.Dispatch.Timeout), dispatch.Options{
		Width:                 cfg.Dispatch.Width,
		EnforceScheduledQuota: cfg.Dispatch.EnforceScheduledQuota,
	}, logger)

	var sched *scheduler.Service
	if cfg.Dispatch.Enabled {
		sched = scheduler.NewService(dispatcher, st, cfg.Dispatch.Interval, cfg.Dispatch.RetentionInterval, logger)
		go sched.Start(ctx)
	}

	handler := api.NewServer(api.Deps{
		Store:      st,
		Verifier:   verifier,
		Sessions:   sessions,
		Guard:      guard,
		Ledger:     ledger,
		Jobs:       jobs.NewService(st, guard, ledger, dispatcher, logger),
		Keys:       keys.NewService(st, guard, ledger, issuer, logger),
		Plans:      planchange.New(st, logger),
		Dispatcher: dispatcher,
		AdminToken: cfg.AdminToken,
		RateLimit:  rate.Limit(cfg.RateLimit.RPS),
		RateBurst:  cfg.RateLimit.Burst,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Addr).Bool("dispatch", cfg.Dispatch.Enabled).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Info().Msg("shutting down")

	// Stop waits for an in-flight dispatch cycle, so its records are written
	// before the store closes.
	if sched != nil {
		sched.Stop()
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	cancel()
	queue.Close()
}
