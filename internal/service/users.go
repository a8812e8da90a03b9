package service

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/model"
	"github.com/mmeshcher/bonus-ledger/internal/repository"
)

// RegisterUser регистрирует участника программы с необязательным пригласившим.
func (s *Service) RegisterUser(ctx context.Context, id int64, inviterID *int64, contact string) (*model.User, error) {
	if id <= 0 {
		return nil, invalid("id", "must be positive")
	}
	if inviterID != nil && *inviterID == id {
		return nil, ErrReferralCycle
	}

	err := s.run(ctx, func(ctx context.Context, tx repository.Tx, _ *work) error {
		return tx.CreateUser(ctx, model.User{ID: id, InviterID: inviterID, Contact: contact})
	})
	if err != nil {
		return nil, fmt.Errorf("register user %d: %w", id, err)
	}

	s.logger.Info("user registered", zap.Int64("user_id", id))
	return s.repo.GetUser(ctx, id)
}

// RelinkUser меняет пригласившего пользователя. Привязка к себе или к собственному
// потомку отклоняется, поэтому граф приглашений остаётся лесом.
func (s *Service) RelinkUser(ctx context.Context, userID int64, inviterID *int64) error {
	err := s.run(ctx, func(ctx context.Context, tx repository.Tx, _ *work) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		if inviterID != nil {
			if *inviterID == userID {
				return ErrReferralCycle
			}
			if _, err := tx.GetUser(ctx, *inviterID); err != nil {
				return fmt.Errorf("inviter: %w", err)
			}
			ancestors, err := tx.Ancestors(ctx, *inviterID)
			if err != nil {
				return err
			}
			if slices.Contains(ancestors, userID) {
				return ErrReferralCycle
			}
		}
		return tx.SetInviter(ctx, userID, inviterID)
	})
	if err != nil {
		return fmt.Errorf("relink user %d: %w", userID, err)
	}

	s.logger.Info("user relinked", zap.Int64("user_id", userID), zap.Int64p("inviter_id", inviterID))
	return nil
}

// GetUser возвращает пользователя с текущим балансом.
func (s *Service) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	return u, nil
}

// lockChain блокирует покупателя и двух его вышестоящих пригласивших. Цепочка читается
// до блокировки, поэтому после неё звенья берутся из заблокированных строк; звено,
// появившееся после чтения цепочки, блокируется дополнительно.
func lockChain(ctx context.Context, tx repository.Tx, buyerID int64) (buyer, inviter, ancestor *model.User, err error) {
	ids := []int64{buyerID}
	chain, err := tx.Ancestors(ctx, buyerID)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(chain) > 2 {
		chain = chain[:2]
	}
	ids = append(ids, chain...)

	locked, err := tx.LockUsers(ctx, ids)
	if err != nil {
		return nil, nil, nil, err
	}
	buyer, ok := locked[buyerID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("buyer %d: %w", buyerID, repository.ErrUserNotFound)
	}

	parent := func(u *model.User) (*model.User, error) {
		if u == nil || u.InviterID == nil {
			return nil, nil
		}
		id := *u.InviterID
		if p, ok := locked[id]; ok {
			return p, nil
		}
		extra, err := tx.LockUsers(ctx, []int64{id})
		if err != nil {
			return nil, err
		}
		p, ok := extra[id]
		if !ok {
			return nil, fmt.Errorf("inviter %d: %w", id, repository.ErrUserNotFound)
		}
		locked[id] = p
		return p, nil
	}

	if inviter, err = parent(buyer); err != nil {
		return nil, nil, nil, err
	}
	if ancestor, err = parent(inviter); err != nil {
		return nil, nil, nil, err
	}
	return buyer, inviter, ancestor, nil
}
