package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/bonus"
	"github.com/mmeshcher/bonus-ledger/internal/model"
	"github.com/mmeshcher/bonus-ledger/internal/repository"
)

// SlotPurchase описывает результат покупки слота.
type SlotPurchase struct {
	Price      int64 `json:"price"`
	SlotsTotal int64 `json:"slots_total"`
	Balance    int64 `json:"balance"`
}

// SlotPrice возвращает цену следующего слота пользователя.
func (s *Service) SlotPrice(ctx context.Context, userID int64) (int64, error) {
	cfg, err := s.settings.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load settings: %w", err)
	}
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get user %d: %w", userID, err)
	}
	return bonus.SlotPrice(cfg.SlotBaseBonus, cfg.SlotStepBonus, u.SlotsTotal), nil
}

// PurchaseSlot списывает цену следующего слота с бонусного баланса и увеличивает
// число слотов. Цена и остаток проверяются под блокировкой строки пользователя.
func (s *Service) PurchaseSlot(ctx context.Context, userID int64) (*SlotPurchase, error) {
	cfg, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	var res *SlotPurchase
	err = s.run(ctx, func(ctx context.Context, tx repository.Tx, w *work) error {
		locked, err := tx.LockUsers(ctx, []int64{userID})
		if err != nil {
			return err
		}
		u, ok := locked[userID]
		if !ok {
			return repository.ErrUserNotFound
		}

		price := bonus.SlotPrice(cfg.SlotBaseBonus, cfg.SlotStepBonus, u.SlotsTotal)
		if u.Balance < price {
			return ErrInsufficientBalance
		}
		if price > 0 {
			_, err := w.append(ctx, tx, model.LedgerEvent{
				BeneficiaryID: userID,
				Kind:          model.EventBonusSpent,
				Amount:        -price,
				Note:          fmt.Sprintf("slot purchase #%d", u.SlotsTotal+1),
			})
			if err != nil {
				return err
			}
		}
		if err := tx.IncrementSlots(ctx, userID); err != nil {
			return err
		}

		res = &SlotPurchase{Price: price, SlotsTotal: u.SlotsTotal + 1, Balance: u.Balance - price}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("purchase slot for user %d: %w", userID, err)
	}

	s.logger.Info("slot purchased",
		zap.Int64("user_id", userID),
		zap.Int64("price", res.Price),
		zap.Int64("slots_total", res.SlotsTotal),
	)
	return res, nil
}
