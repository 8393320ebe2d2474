package copytrading

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const DefaultReconcileSchedule = "@every 1m"

// Processor periodically re-runs fan-out for executed trades that left
// followers behind.
type Processor struct {
	service  *Service
	schedule string
}

func NewProcessor(service *Service, schedule string) *Processor {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}
	return &Processor{
		service:  service,
		schedule: schedule,
	}
}

// Start runs the reconciler until ctx is cancelled
func (p *Processor) Start(ctx context.Context) error {
	logger := log.With().Str("component", "fanout_reconciler").Logger()

	c := cron.New()
	if _, err := c.AddFunc(p.schedule, func() { p.reconcile(ctx) }); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", p.schedule, err)
	}

	logger.Info().Str("schedule", p.schedule).Msg("starting fan-out reconciler")
	c.Start()

	<-ctx.Done()
	logger.Info().Msg("shutting down fan-out reconciler")
	<-c.Stop().Done()
	return nil
}

func (p *Processor) reconcile(ctx context.Context) {
	logger := log.With().Str("component", "fanout_reconciler").Logger()

	settled, err := p.service.Reconcile(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reconcile trades")
		return
	}
	if settled > 0 {
		logger.Info().Int("settled", settled).Msg("reconciled partially copied trades")
	}
}
