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

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"taskwise/internal/api"
	"taskwise/internal/config"
	"taskwise/internal/dispatch"
	"taskwise/internal/notify"
	"taskwise/internal/runner"
	"taskwise/internal/store"
)

func main() {
	var (
		addr     = flag.String("addr", ":8080", "HTTP bind address")
		dbPath   = flag.String("db", "taskwise.db", "SQLite DB path")
		cfgPath  = flag.String("config", "taskwise.yaml", "config file path")
		cronExpr = flag.String("cron", "*/5 * * * *", "dispatch cadence (resident mode)")
		once     = flag.Bool("once", false, "run one dispatch and exit (for an external scheduler)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.Email.APIKey == "" {
		log.Warn().Msg("no email API key configured, sends will be rejected by the provider")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.New(db)

	run, err := buildRunner(st, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build dispatcher")
	}

	if *once {
		if _, err := run.RunOnce(context.Background(), time.Now()); err != nil {
			log.Error().Err(err).Msg("dispatch run failed")
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resident mode: drive the dispatcher from a cron expression. A tick
	// that fires while the previous run is still going is skipped; the
	// watermark makes the next tick cover the difference.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = c.AddFunc(*cronExpr, func() {
		if _, err := run.RunOnce(ctx, time.Now()); err != nil {
			log.Error().Err(err).Msg("dispatch run failed")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Str("cron", *cronExpr).Msg("invalid cron expression")
	}
	c.Start()
	log.Info().Str("cron", *cronExpr).Msg("dispatcher started")

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(st, run)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	cancel()
	<-c.Stop().Done()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func buildRunner(st store.Store, cfg config.Config) (*runner.Runner, error) {
	emailTimeout, err := config.ParseDuration("email.timeout", cfg.Email.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	lookback, err := config.ParseDuration("dispatch.lookback", cfg.Dispatch.Lookback, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	maxCatchUp, err := config.ParseDuration("dispatch.max_catch_up", cfg.Dispatch.MaxCatchUp, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	sendTimeout, err := config.ParseDuration("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}

	port := notify.NewBrevo(notify.BrevoConfig{
		APIKey:      cfg.Email.APIKey,
		BaseURL:     cfg.Email.BaseURL,
		SenderName:  cfg.Email.SenderName,
		SenderEmail: cfg.Email.SenderEmail,
		TemplateID:  cfg.Email.TemplateID,
		Timeout:     emailTimeout,
	})
	engine := dispatch.NewEngine(port, dispatch.Config{
		MaxInFlight:    cfg.Dispatch.MaxInFlight,
		SendsPerSecond: cfg.Dispatch.SendsPerSecond,
		SendTimeout:    sendTimeout,
	})
	return runner.New(st, engine, runner.Config{
		Lookback:     lookback,
		MaxCatchUp:   maxCatchUp,
		UseWatermark: !cfg.Dispatch.FixedLookback,
	}), nil
}
