package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"flowsched/internal/api"
	"flowsched/internal/config"
	"flowsched/internal/dispatch"
	"flowsched/internal/scheduler"
	"flowsched/internal/stats"
	"flowsched/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		tick    = flag.Duration("tick", 0, "scheduler tick interval (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof debug routes")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *tick > 0 {
		cfg.TickInterval = *tick
	}
	if *debug {
		cfg.EnableDebug = true
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.NewSQLiteStore(db)

	var dispatcher dispatch.Dispatcher
	switch cfg.Engine.Kind {
	case "shell":
		dispatcher = &dispatch.ShellInvoker{Command: cfg.Engine.Command, Args: cfg.Engine.Args}
	default:
		dispatcher = dispatch.NewHTTPInvoker(cfg.Engine.BaseURL)
	}

	loop := scheduler.NewLoop(st, dispatcher, scheduler.Options{
		TickInterval:  cfg.TickInterval,
		MaxConcurrent: cfg.MaxConcurrentDispatches,
		RatePerSec:    cfg.DispatchRatePerSec,
	})

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()

	agg := stats.NewAggregator(st, cfg.RecentExecutions)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api.NewServerWithDebug(st, loop, agg, cfg.EnableDebug)}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	cancel()
	select {
	case <-loopDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("scheduler loop did not drain in time")
	}
}
