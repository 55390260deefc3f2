package service

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/hook"
)

// retryBatch bounds one webhook retry scan
const retryBatch = 200

// Scheduler recovers persisted timers: due webhook retries and expired temporary bans
type Scheduler struct {
	cards  *CardService
	engine *hook.Engine
	cron   *cron.Cron
	spec   string
	log    *logrus.Logger
}

// NewScheduler initializes a scheduler running on the given cron spec, e.g. "@every 30s"
func NewScheduler(cards *CardService, engine *hook.Engine, spec string, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		cards:  cards,
		engine: engine,
		cron:   cron.New(),
		spec:   spec,
		log:    log,
	}
}

// Start runs one scan immediately and then on every tick
func (s *Scheduler) Start(ctx context.Context) error {
	s.RunOnce(ctx)
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule scans %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.log.Infof("Scheduler started: %s", s.spec)
	return nil
}

// Stop waits for a running scan to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("Scheduler stopped")
}

// RunOnce lifts due bans and retries due webhooks
func (s *Scheduler) RunOnce(ctx context.Context) {
	unbanned, err := s.cards.ProcessUnbans(ctx)
	if err != nil {
		s.log.WithError(err).Error("Unban scan failed")
	} else if unbanned > 0 {
		s.log.Infof("Unban scan lifted %d bans", unbanned)
	}

	sent, err := s.engine.RetryDue(ctx, retryBatch)
	if err != nil {
		s.log.WithError(err).Error("Webhook retry scan failed")
	} else if sent > 0 {
		s.log.Infof("Webhook retry scan sent %d notifications", sent)
	}
}
