package service

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StartAudit запускает периодическую сверку балансов и проверку резерва по расписанию
// в формате cron. Задача останавливается при отмене ctx.
func (s *Service) StartAudit(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() { s.runAudit(ctx) }); err != nil {
		return fmt.Errorf("parse audit schedule %q: %w", schedule, err)
	}
	c.Start()

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

func (s *Service) runAudit(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	recs, err := s.ReconcileAll(ctx)
	if err != nil {
		s.logger.Error("audit reconciliation failed", zap.Error(err))
		return
	}
	snap, err := s.ReserveSnapshot(ctx)
	if err != nil {
		s.logger.Error("audit reserve check failed", zap.Error(err))
		return
	}
	s.logger.Info("audit completed",
		zap.Int("divergent_balances", len(recs)),
		zap.Int64("reserve_gap", snap.ReserveGap),
	)
}
