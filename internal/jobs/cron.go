package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/spencermiles/jira-report-web-sub000/internal/config"
)

type service interface {
	RunNightlyRecompute(ctx context.Context) error
	RunWeeklyDigest(ctx context.Context) error
}

type Cron struct {
	cfg config.Config
	log zerolog.Logger
	svc service
	c   *cron.Cron
}

func NewCron(cfg config.Config, log zerolog.Logger, svc service) *Cron {
	loc, _ := time.LoadLocation(cfg.TZ)
	c := cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)))
	cr := &Cron{cfg: cfg, log: log, svc: svc, c: c}
	if _, err := c.AddFunc(cfg.RecomputeCron, cr.nightly); err != nil {
		log.Error().Err(err).Str("spec", cfg.RecomputeCron).Msg("cron: bad recompute spec")
	}
	if _, err := c.AddFunc(cfg.DigestCron, cr.weekly); err != nil {
		log.Error().Err(err).Str("spec", cfg.DigestCron).Msg("cron: bad digest spec")
	}
	return cr
}

func (cr *Cron) Start() { cr.c.Start() }
func (cr *Cron) Stop()  { cr.c.Stop() }

func (cr *Cron) nightly() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	cr.log.Info().Msg("cron: nightly recompute")
	if err := cr.svc.RunNightlyRecompute(ctx); err != nil {
		cr.log.Error().Err(err).Msg("cron: recompute failed")
	}
}

func (cr *Cron) weekly() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	cr.log.Info().Msg("cron: weekly digest")
	if err := cr.svc.RunWeeklyDigest(ctx); err != nil {
		cr.log.Error().Err(err).Msg("cron: digest failed")
	}
}
