package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/somnolab/somnia/internal/api"
	"github.com/somnolab/somnia/internal/config"
	"github.com/somnolab/somnia/internal/content"
	"github.com/somnolab/somnia/internal/conversation"
	"github.com/somnolab/somnia/internal/insight"
	"github.com/somnolab/somnia/internal/journal"
	"github.com/somnolab/somnia/internal/platform/logger"
	"github.com/somnolab/somnia/internal/scheduler"
	"github.com/somnolab/somnia/internal/store"
	"github.com/somnolab/somnia/internal/store/postgres"
	"github.com/somnolab/somnia/internal/store/sqlite"
	"github.com/somnolab/somnia/internal/telegram"
)

func main() {
	log := logger.New("somnia")

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.TelegramToken == "" {
		log.Fatal().Msg("SOMNIA_TELEGRAM_TOKEN is required")
	}

	log.Info().
		Str("db_driver", cfg.DBDriver).
		Str("llm_model", cfg.LLMModel).
		Int("http_port", cfg.HTTPPort).
		Msg("Somnia starting…")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------- Storage layer -----------------
	var st store.Store
	switch cfg.DBDriver {
	case "postgres":
		db, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Postgres unavailable")
		}
		if st, err = postgres.NewWithDB(db); err != nil {
			log.Fatal().Err(err).Msg("Postgres schema setup failed")
		}
	default:
		if st, err = sqlite.New(cfg.SQLitePath); err != nil {
			log.Fatal().Err(err).Msg("SQLite setup failed")
		}
	}
	pinger, _ := st.(api.Pinger)

	// -------- Domain services ---------------
	journalSvc := journal.New(st, log)
	if err := journalSvc.SeedExercises(ctx, content.SeedExercises); err != nil {
		log.Fatal().Err(err).Msg("Exercise catalog seeding failed")
	}

	llm := insight.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
	insightEng := insight.NewEngine(st, llm, log)

	bot := telegram.NewClient(cfg.TelegramToken, log)
	engine := conversation.New(journalSvc, insightEng, bot, cfg.SessionIdleTTL, log)

	tz, err := time.LoadLocation(cfg.RealityCheckTZ)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.RealityCheckTZ).Msg("Invalid reality check timezone")
	}
	sched := scheduler.New(st, journalSvc, bot, scheduler.Config{
		Interval:       cfg.TickInterval,
		RealityCheckTZ: tz,
		Retries:        cfg.DispatchRetries,
	}, log)

	// -------- Background loops --------------
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Scheduler stopped")
		}
	}()

	go func() {
		_ = engine.RunEviction(ctx, 10*time.Minute)
	}()

	poller := telegram.NewPoller(bot, engine, int(cfg.TelegramPollTimeout.Seconds()), log)
	go func() {
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Telegram poller stopped")
		}
	}()

	// -------- Admin API ---------------------
	router := api.NewRouter(journalSvc, st, pinger, log)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("Shutting down…")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		os.Exit(1)
	}
	log.Info().Msg("Somnia exited")
}
