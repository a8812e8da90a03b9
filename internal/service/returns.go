package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/bonus"
	"github.com/mmeshcher/bonus-ledger/internal/model"
	"github.com/mmeshcher/bonus-ledger/internal/repository"
	"github.com/mmeshcher/bonus-ledger/internal/validation"
)

// ReturnResult описывает итог обработки возврата.
type ReturnResult struct {
	OrderID       int64
	ReturnAmount  int64
	FullReturn    bool
	BonusRefunded int64
	Clawbacks     []model.LedgerEvent
	Order         *model.Order
}

type commission struct {
	beneficiary int64
	related     *int64
	kind        model.EventKind
	paid        int64
	clawed      int64
}

// ProcessReturn принимает возврат позиций завершённого заказа. Комиссии по заказу
// списываются пропорционально доле возвращённой суммы от исходной суммы заказа, а при
// полном возврате списывается весь остаток и возвращаются потраченные бонусы.
func (s *Service) ProcessReturn(ctx context.Context, orderID int64, lines []model.ReturnLine) (*ReturnResult, error) {
	var res *ReturnResult

	err := s.run(ctx, func(ctx context.Context, tx repository.Tx, w *work) error {
		res = &ReturnResult{OrderID: orderID}

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusDone {
			return invalid("order_id", fmt.Sprintf("order is %s, only completed orders can be returned", order.Status))
		}

		amount, err := validation.Return(order, lines)
		if err != nil {
			return err
		}

		returned := make(map[int64]int64, len(lines))
		for _, l := range lines {
			returned[l.ItemID] = l.Quantity
		}
		for i := range order.Items {
			order.Items[i].ReturnedQuantity += returned[order.Items[i].ID]
		}
		order.TotalAmount -= amount
		res.ReturnAmount = amount
		res.FullReturn = order.IsFullyReturned()

		events, err := tx.OrderEvents(ctx, order.ID)
		if err != nil {
			return err
		}
		comms := collectCommissions(events)

		ids := []int64{order.BuyerID}
		for _, c := range comms {
			ids = append(ids, c.beneficiary)
		}
		if _, err := tx.LockUsers(ctx, ids); err != nil {
			return err
		}

		if res.FullReturn {
			before := order.BonusSpent
			if err := s.refundBonus(ctx, tx, w, order, "full return"); err != nil {
				return err
			}
			if before > 0 {
				res.BonusRefunded = before
			}
		}

		for _, c := range comms {
			remaining := c.paid - c.clawed
			if remaining <= 0 {
				continue
			}
			claw := remaining
			if !res.FullReturn {
				claw = min(bonus.Proportional(c.paid, amount, order.OriginalTotalAmount), remaining)
			}
			if claw <= 0 {
				continue
			}
			e, err := w.append(ctx, tx, model.LedgerEvent{
				BeneficiaryID: c.beneficiary,
				RelatedUserID: c.related,
				OrderID:       ptr(order.ID),
				Kind:          model.EventClawback,
				Amount:        -claw,
				Note:          "clawback of " + string(c.kind),
			})
			if err != nil {
				return err
			}
			res.Clawbacks = append(res.Clawbacks, e)
		}

		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		res.Order = order
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("process return for order %d: %w", orderID, err)
	}

	s.logger.Info("return processed",
		zap.Int64("order_id", orderID),
		zap.Int64("return_amount", res.ReturnAmount),
		zap.Bool("full_return", res.FullReturn),
		zap.Int("clawbacks", len(res.Clawbacks)),
	)
	return res, nil
}

// collectCommissions сводит начисления и списания по получателям в порядке первых начислений.
func collectCommissions(events []model.LedgerEvent) []*commission {
	var order []*commission
	byUser := make(map[int64]*commission)
	for _, e := range events {
		if !e.Kind.IsCommission() {
			continue
		}
		c, ok := byUser[e.BeneficiaryID]
		if !ok {
			c = &commission{beneficiary: e.BeneficiaryID, related: e.RelatedUserID, kind: e.Kind}
			byUser[e.BeneficiaryID] = c
			order = append(order, c)
		}
		c.paid += e.Amount
	}
	for _, e := range events {
		if e.Kind != model.EventClawback {
			continue
		}
		if c, ok := byUser[e.BeneficiaryID]; ok {
			c.clawed -= e.Amount
		}
	}
	return order
}
