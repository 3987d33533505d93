package jobs

import (
	"context"
	"time"

	"mutuo-backend/internal/config"
	"mutuo-backend/internal/loans"
	"mutuo-backend/internal/reconciliation"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Scheduler runs the periodic sweeps: overdue loan handling and the
// reconciliation pass. Specs come from config so operators can tune cadence
// without a deploy.
type Scheduler struct {
	cron *cron.Cron
}

// New registers the jobs. Nothing runs until Start.
func New(cfg *config.Config, loanSvc *loans.Service, reconSvc *reconciliation.Service) (*Scheduler, error) {
	c := cron.New()

	if _, err := c.AddFunc(cfg.OverdueSweepSpec, func() {
		n, err := loanSvc.MarkOverdue(context.Background(), time.Now())
		if err != nil {
			log.Error().Err(err).Msg("overdue sweep failed")
			return
		}
		if n > 0 {
			log.Info().Int("loans", n).Msg("overdue sweep applied penalties")
		}
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(cfg.ReconcileSpec, func() {
		if _, err := reconSvc.Run(context.Background()); err != nil {
			log.Error().Err(err).Msg("reconciliation run failed")
		}
	}); err != nil {
		return nil, err
	}

	return &Scheduler{cron: c}, nil
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
