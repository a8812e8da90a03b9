package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/bonus"
	"github.com/mmeshcher/bonus-ledger/internal/metrics"
	"github.com/mmeshcher/bonus-ledger/internal/model"
)

// ReserveSnapshot сравнивает суммарные обязательства по бонусам с зарезервированной
// долей денежной выручки. Снимок только читает данные: признак Blocked служит внешнему
// оформлению заказа для решения об оплате бонусами, сам сервис по нему ничего не блокирует.
func (s *Service) ReserveSnapshot(ctx context.Context) (model.ReserveSnapshot, error) {
	cfg, err := s.settings.Snapshot(ctx)
	if err != nil {
		return model.ReserveSnapshot{}, fmt.Errorf("load settings: %w", err)
	}

	needed, cashIn, err := s.repo.ReserveTotals(ctx)
	if err != nil {
		return model.ReserveSnapshot{}, fmt.Errorf("reserve totals: %w", err)
	}

	snap := model.ReserveSnapshot{
		ReserveNeeded:  needed,
		CashInAll:      cashIn,
		ReservePercent: cfg.ReservePercent,
		ReservedCash:   bonus.Percent(cashIn, cfg.ReservePercent),
		CheckedAt:      time.Now().UTC(),
	}
	snap.ReserveGap = snap.ReservedCash - snap.ReserveNeeded
	snap.Blocked = snap.ReserveGap < 0

	metrics.SetReserveGap(snap.ReserveGap)
	if snap.Blocked {
		s.logger.Warn("bonus reserve is insufficient",
			zap.Int64("reserve_needed", snap.ReserveNeeded),
			zap.Int64("reserved_cash", snap.ReservedCash),
			zap.Int64("reserve_gap", snap.ReserveGap),
		)
	}
	return snap, nil
}
