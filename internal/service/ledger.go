package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/metrics"
	"github.com/mmeshcher/bonus-ledger/internal/model"
	"github.com/mmeshcher/bonus-ledger/internal/repository"
)

const maxPerPage = 200

// AdjustBalance записывает ручную корректировку баланса. Корректировка не может
// увести баланс в минус.
func (s *Service) AdjustBalance(ctx context.Context, userID, amount int64, note string) (model.LedgerEvent, error) {
	if amount == 0 {
		return model.LedgerEvent{}, invalid("amount", "must not be zero")
	}
	if note == "" {
		return model.LedgerEvent{}, invalid("note", "reason is required")
	}

	var saved model.LedgerEvent
	err := s.run(ctx, func(ctx context.Context, tx repository.Tx, w *work) error {
		locked, err := tx.LockUsers(ctx, []int64{userID})
		if err != nil {
			return err
		}
		u, ok := locked[userID]
		if !ok {
			return repository.ErrUserNotFound
		}
		if u.Balance+amount < 0 {
			return ErrInsufficientBalance
		}
		saved, err = w.append(ctx, tx, model.LedgerEvent{
			BeneficiaryID: userID,
			Kind:          model.EventManualAdjustment,
			Amount:        amount,
			Note:          note,
		})
		return err
	})
	if err != nil {
		return model.LedgerEvent{}, fmt.Errorf("adjust balance of user %d: %w", userID, err)
	}

	s.logger.Info("manual adjustment recorded",
		zap.Int64("user_id", userID),
		zap.Int64("amount", amount),
		zap.String("note", note),
	)
	return saved, nil
}

// History возвращает страницу событий реестра пользователя от новых к старым.
func (s *Service) History(ctx context.Context, userID int64, page model.Page) ([]model.LedgerEvent, error) {
	if page.Number < 1 {
		page.Number = 1
	}
	if page.PerPage <= 0 || page.PerPage > maxPerPage {
		page.PerPage = maxPerPage
	}
	events, err := s.repo.ListEvents(ctx, userID, page)
	if err != nil {
		return nil, fmt.Errorf("list events of user %d: %w", userID, err)
	}
	return events, nil
}

// Reconcile сверяет кешированный баланс пользователя с суммой его событий.
// Расхождение не исправляется автоматически, а только фиксируется в логе.
func (s *Service) Reconcile(ctx context.Context, userID int64) (model.Reconciliation, error) {
	rec, err := s.repo.Reconcile(ctx, userID)
	if err != nil {
		return rec, fmt.Errorf("reconcile user %d: %w", userID, err)
	}
	if !rec.Consistent() {
		s.logDivergence(rec)
	}
	return rec, nil
}

// ReconcileAll возвращает всех пользователей с расхождением баланса.
func (s *Service) ReconcileAll(ctx context.Context) ([]model.Reconciliation, error) {
	recs, err := s.repo.ReconcileAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile all: %w", err)
	}
	metrics.SetDivergences(len(recs))
	for _, rec := range recs {
		s.logDivergence(rec)
	}
	return recs, nil
}

func (s *Service) logDivergence(rec model.Reconciliation) {
	s.logger.Error("balance diverges from ledger",
		zap.Int64("user_id", rec.UserID),
		zap.Int64("cached", rec.Cached),
		zap.Int64("computed", rec.Computed),
	)
}

// TeamKPI возвращает показатели пользователя и его прямых рефералов за полуинтервал [from, to).
func (s *Service) TeamKPI(ctx context.Context, userID int64, from, to time.Time) (model.TeamKPI, error) {
	if !from.Before(to) {
		return model.TeamKPI{}, invalid("to", "must be after from")
	}
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return model.TeamKPI{}, fmt.Errorf("get user %d: %w", userID, err)
	}
	kpi, err := s.repo.TeamKPI(ctx, userID, from, to)
	if err != nil {
		return model.TeamKPI{}, fmt.Errorf("team kpi of user %d: %w", userID, err)
	}
	return kpi, nil
}

// Settings возвращает текущие настройки программы.
func (s *Service) Settings(ctx context.Context) (model.Settings, error) {
	return s.settings.Snapshot(ctx)
}

// UpdateSettings сохраняет настройки, приводя проценты к допустимым границам.
func (s *Service) UpdateSettings(ctx context.Context, cfg model.Settings) (model.Settings, error) {
	saved, err := s.settings.Update(ctx, cfg)
	if err != nil {
		return model.Settings{}, fmt.Errorf("update settings: %w", err)
	}
	s.logger.Info("settings updated",
		zap.Int64("customer_percent", saved.CustomerPercent),
		zap.Int64("inviter_percent", saved.InviterPercent),
		zap.Int64("inviter_bonus_level2_percent", saved.InviterBonusLevel2Percent),
		zap.Int64("reserve_percent", saved.ReservePercent),
	)
	return saved, nil
}
