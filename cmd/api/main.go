package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/spencermiles/jira-report-web-sub000/internal/adapters/jira"
	"github.com/spencermiles/jira-report-web-sub000/internal/adapters/telegram"
	"github.com/spencermiles/jira-report-web-sub000/internal/config"
	httpapi "github.com/spencermiles/jira-report-web-sub000/internal/http"
	"github.com/spencermiles/jira-report-web-sub000/internal/jobs"
	"github.com/spencermiles/jira-report-web-sub000/internal/logger"
	"github.com/spencermiles/jira-report-web-sub000/internal/repo"
	"github.com/spencermiles/jira-report-web-sub000/internal/services"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MigrateOnStart {
		if err := repo.Migrate(cfg.DBDSN, log); err != nil {
			log.Fatal().Err(err).Msg("migrate failed")
		}
	}

	db := repo.MustOpen(ctx, cfg, log)
	defer db.Close()
	repository := repo.NewRepository(db, log)

	jc := jira.NewClient(cfg, log)
	tg := telegram.NewClient(cfg, log)
	svc := services.New(cfg, log, repository, jc, tg)

	router := httpapi.NewRouter(cfg, log, svc)

	cron := jobs.NewCron(cfg, log, svc)
	cron.Start()
	defer cron.Stop()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
}
