package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/bonus"
	"github.com/mmeshcher/bonus-ledger/internal/model"
	"github.com/mmeshcher/bonus-ledger/internal/notify"
	"github.com/mmeshcher/bonus-ledger/internal/repository"
)

// tier2UnlockReferrals задаёт число прямых рефералов с завершённым заказом, открывающее второй уровень.
const tier2UnlockReferrals = 3

type payout struct {
	kind        model.EventKind
	beneficiary *model.User
	related     *int64
	percent     int64
	notice      notify.Type
}

// completeOrder выполняет расчёт по завершённому заказу и затем проверяет открытие
// второго уровня у пригласившего покупателя. Других мест вызова проверки нет.
func (s *Service) completeOrder(ctx context.Context, tx repository.Tx, w *work, order *model.Order, cfg model.Settings) error {
	if order.Status != model.OrderStatusDone {
		return ErrOrderNotSettleable
	}

	buyer, inviter, ancestor, err := lockChain(ctx, tx, order.BuyerID)
	if err != nil {
		return err
	}
	if err := s.settle(ctx, tx, w, order, cfg, buyer, inviter, ancestor); err != nil {
		return err
	}
	return s.evaluateTier2Unlock(ctx, tx, w, inviter)
}

// settle начисляет кешбэк покупателю, бонус первого уровня пригласившему и бонус второго
// уровня следующему предку при открытом втором уровне. Каждый шаг защищён проверкой
// существующего события, поэтому повторный расчёт ничего не удваивает.
func (s *Service) settle(ctx context.Context, tx repository.Tx, w *work, order *model.Order, cfg model.Settings,
	buyer, inviter, ancestor *model.User) error {
	steps := []payout{{
		kind:        model.EventCashback,
		beneficiary: buyer,
		percent:     cfg.CustomerPercent,
		notice:      notify.TypeCashbackCredited,
	}}
	if inviter != nil {
		steps = append(steps, payout{
			kind:        model.EventLevel1Bonus,
			beneficiary: inviter,
			related:     ptr(buyer.ID),
			percent:     cfg.InviterPercent,
			notice:      notify.TypeTeamBonusCredited,
		})
	}
	if ancestor != nil && ancestor.Tier2Active {
		steps = append(steps, payout{
			kind:        model.EventLevel2Bonus,
			beneficiary: ancestor,
			related:     ptr(inviter.ID),
			percent:     cfg.InviterBonusLevel2Percent,
			notice:      notify.TypeTeamBonusCredited,
		})
	}

	cash := order.CashPaid()
	for _, p := range steps {
		exists, err := tx.ExistsSettlementEvent(ctx, order.ID, p.kind, p.beneficiary.ID)
		if err != nil {
			return err
		}
		if exists {
			w.skips = append(w.skips, skip{orderID: order.ID, userID: p.beneficiary.ID, kind: p.kind})
			continue
		}

		amount := bonus.Percent(cash, p.percent)
		if amount == 0 {
			continue
		}
		_, err = w.append(ctx, tx, model.LedgerEvent{
			BeneficiaryID: p.beneficiary.ID,
			RelatedUserID: p.related,
			OrderID:       ptr(order.ID),
			Kind:          p.kind,
			Amount:        amount,
		})
		if err != nil {
			return err
		}
		w.notify(p.notice, p.beneficiary.Contact, amount, ptr(order.ID))
	}

	s.logger.Debug("order settled", zap.Int64("order_id", order.ID), zap.Int64("cash_paid", cash))
	return nil
}

// evaluateTier2Unlock открывает второй уровень, когда у пригласившего набирается
// достаточно прямых рефералов с завершёнными заказами. Флаг только включается.
func (s *Service) evaluateTier2Unlock(ctx context.Context, tx repository.Tx, w *work, inviter *model.User) error {
	if inviter == nil || inviter.Tier2Active {
		return nil
	}

	n, err := tx.CountActiveReferrals(ctx, inviter.ID)
	if err != nil {
		return err
	}
	if n < tier2UnlockReferrals {
		return nil
	}

	if err := tx.SetTier2Active(ctx, inviter.ID); err != nil {
		return err
	}
	inviter.Tier2Active = true
	w.notify(notify.TypeTier2Unlocked, inviter.Contact, 0, nil)
	s.logger.Info("tier 2 unlocked", zap.Int64("user_id", inviter.ID), zap.Int64("active_referrals", n))
	return nil
}
