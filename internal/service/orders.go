package service

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/model"
	"github.com/mmeshcher/bonus-ledger/internal/repository"
	"github.com/mmeshcher/bonus-ledger/internal/validation"
)

var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusNew:        {model.OrderStatusProcessing, model.OrderStatusDone, model.OrderStatusCancelled},
	model.OrderStatusProcessing: {model.OrderStatusDone, model.OrderStatusCancelled},
}

func canTransition(from, to model.OrderStatus) bool {
	return slices.Contains(transitions[from], to)
}

// IngestOrder принимает снимок заказа из системы оформления. Суммы на момент создания
// фиксируются как исходные, списанные бонусы сразу уходят в реестр событием BONUS_SPENT.
func (s *Service) IngestOrder(ctx context.Context, o model.Order) (*model.Order, error) {
	cfg, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if o.Status == "" {
		o.Status = model.OrderStatusNew
	}
	if err := validation.Order(o, cfg.AllowFullBonusPay); err != nil {
		return nil, err
	}

	o.OriginalTotalAmount = o.TotalAmount
	o.OriginalBonusSpent = o.BonusSpent
	o.Items = slices.Clone(o.Items)
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
		o.Items[i].ReturnedQuantity = 0
	}

	err = s.run(ctx, func(ctx context.Context, tx repository.Tx, w *work) error {
		if o.BonusSpent > 0 {
			locked, err := tx.LockUsers(ctx, []int64{o.BuyerID})
			if err != nil {
				return err
			}
			buyer, ok := locked[o.BuyerID]
			if !ok {
				return fmt.Errorf("buyer %d: %w", o.BuyerID, repository.ErrUserNotFound)
			}
			if buyer.Balance < o.BonusSpent {
				return ErrInsufficientBalance
			}
		}

		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}

		if o.BonusSpent > 0 {
			_, err := w.append(ctx, tx, model.LedgerEvent{
				BeneficiaryID: o.BuyerID,
				OrderID:       ptr(o.ID),
				Kind:          model.EventBonusSpent,
				Amount:        -o.BonusSpent,
				Note:          "order payment",
			})
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest order %d: %w", o.ID, err)
	}

	s.logger.Info("order ingested",
		zap.Int64("order_id", o.ID),
		zap.Int64("buyer_id", o.BuyerID),
		zap.Int64("total_amount", o.TotalAmount),
		zap.Int64("bonus_spent", o.BonusSpent),
	)
	return s.repo.GetOrder(ctx, o.ID)
}

// TransitionOrder меняет статус заказа. Переход в DONE запускает расчёт начислений и
// проверку открытия второго уровня в той же транзакции. Повторная доставка DONE ничего
// не пересчитывает: цепочка, флаг второго уровня и проценты берутся только на момент
// первого перехода.
// Если from не пуст, текущий статус обязан с ним совпадать.
func (s *Service) TransitionOrder(ctx context.Context, orderID int64, from, to model.OrderStatus) (*model.Order, error) {
	if !to.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", to))
	}
	if from != "" && !from.Valid() {
		return nil, invalid("from", fmt.Sprintf("unknown status %q", from))
	}

	cfg, err := s.settings.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	err = s.run(ctx, func(ctx context.Context, tx repository.Tx, w *work) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if from != "" && order.Status != from && order.Status != to {
			return fmt.Errorf("%w: order is %s", ErrStatusConflict, order.Status)
		}

		switch {
		case order.Status == to && to == model.OrderStatusDone:
			// Расчёт выполнен в той же транзакции, что и переход в DONE.
			w.redelivered = append(w.redelivered, order.ID)
			return nil
		case order.Status == to:
			return nil
		case order.Status == model.OrderStatusCancelled && to == model.OrderStatusDone:
			return ErrOrderNotSettleable
		case !canTransition(order.Status, to):
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, to)
		}

		order.Status = to
		if to == model.OrderStatusCancelled {
			if err := s.refundBonus(ctx, tx, w, order, "order cancelled"); err != nil {
				return err
			}
		}
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if to == model.OrderStatusDone {
			return s.completeOrder(ctx, tx, w, order, cfg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transition order %d to %s: %w", orderID, to, err)
	}

	s.logger.Info("order status changed", zap.Int64("order_id", orderID), zap.String("status", string(to)))
	return s.repo.GetOrder(ctx, orderID)
}

// GetOrder возвращает заказ с позициями.
func (s *Service) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", orderID, err)
	}
	return o, nil
}

// refundBonus возвращает покупателю списанные по заказу бонусы. Возврат по заказу
// записывается не более одного раза.
func (s *Service) refundBonus(ctx context.Context, tx repository.Tx, w *work, order *model.Order, note string) error {
	if order.OriginalBonusSpent <= 0 {
		return nil
	}
	exists, err := tx.ExistsSettlementEvent(ctx, order.ID, model.EventBonusRefund, order.BuyerID)
	if err != nil {
		return err
	}
	if exists {
		w.skips = append(w.skips, skip{orderID: order.ID, userID: order.BuyerID, kind: model.EventBonusRefund})
		order.BonusSpent = 0
		return nil
	}

	if _, err := tx.LockUsers(ctx, []int64{order.BuyerID}); err != nil {
		return err
	}
	_, err = w.append(ctx, tx, model.LedgerEvent{
		BeneficiaryID: order.BuyerID,
		OrderID:       ptr(order.ID),
		Kind:          model.EventBonusRefund,
		Amount:        order.OriginalBonusSpent,
		Note:          note,
	})
	if err != nil {
		return err
	}
	order.BonusSpent = 0
	return nil
}
