package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mmeshcher/bonus-ledger/internal/model"
)

const selectUserSQL = `SELECT id, inviter_id, contact, balance, tier2_active, slots_total, created_at FROM users`

// maxChainDepth ограничивает обход цепочки пригласивших.
const maxChainDepth = 10000

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgTx struct {
	tx pgx.Tx
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.InviterID, &u.Contact, &u.Balance, &u.Tier2Active, &u.SlotsTotal, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func collectEvents(rows pgx.Rows) ([]model.LedgerEvent, error) {
	defer rows.Close()

	var res []model.LedgerEvent
	for rows.Next() {
		var (
			e    model.LedgerEvent
			kind string
		)
		if err := rows.Scan(&e.ID, &e.BeneficiaryID, &e.RelatedUserID, &e.OrderID, &kind, &e.Amount, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = model.EventKind(kind)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func loadOrder(ctx context.Context, q querier, id int64, lock bool) (*model.Order, error) {
	suffix := ""
	if lock {
		suffix = " FOR UPDATE"
	}

	var (
		o      model.Order
		status string
	)
	err := q.QueryRow(ctx,
		`SELECT id, buyer_id, total_amount, bonus_spent, original_total_amount, original_bonus_spent,
		        status, created_at, updated_at
		 FROM orders WHERE id = $1`+suffix,
		id,
	).Scan(&o.ID, &o.BuyerID, &o.TotalAmount, &o.BonusSpent, &o.OriginalTotalAmount, &o.OriginalBonusSpent,
		&status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("select order: %w", err)
	}
	o.Status = model.OrderStatus(status)

	rows, err := q.Query(ctx,
		`SELECT id, order_id, quantity, price_at_order, returned_quantity
		 FROM order_items WHERE order_id = $1 ORDER BY id`+suffix,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.Quantity, &it.PriceAtOrderTime, &it.ReturnedQuantity); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &o, nil
}

func (t *pgTx) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(t.tx.QueryRow(ctx, selectUserSQL+` WHERE id = $1`, id))
}

func (t *pgTx) LockUsers(ctx context.Context, ids []int64) (map[int64]*model.User, error) {
	rows, err := t.tx.Query(ctx, selectUserSQL+` WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("lock users: %w", err)
	}
	defer rows.Close()

	res := make(map[int64]*model.User, len(ids))
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res[u.ID] = u
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (t *pgTx) CreateUser(ctx context.Context, u model.User) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO users (id, inviter_id, contact) VALUES ($1, $2, $3)`,
		u.ID, u.InviterID, u.Contact,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return fmt.Errorf("%w: %d", ErrUserExists, u.ID)
			case pgerrcode.ForeignKeyViolation:
				return fmt.Errorf("%w: inviter", ErrUserNotFound)
			}
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (t *pgTx) SetInviter(ctx context.Context, userID int64, inviterID *int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE users SET inviter_id = $2 WHERE id = $1`, userID, inviterID)
	if err != nil {
		return fmt.Errorf("set inviter: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrUserNotFound
	}
	return nil
}

func (t *pgTx) Ancestors(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := t.tx.Query(ctx,
		`WITH RECURSIVE chain (id, inviter_id, depth) AS (
		     SELECT id, inviter_id, 0 FROM users WHERE id = $1
		     UNION ALL
		     SELECT u.id, u.inviter_id, c.depth + 1
		     FROM users u JOIN chain c ON u.id = c.inviter_id
		     WHERE c.depth < $2
		 )
		 SELECT id FROM chain WHERE depth > 0 ORDER BY depth`,
		userID, maxChainDepth,
	)
	if err != nil {
		return nil, fmt.Errorf("select ancestors: %w", err)
	}
	defer rows.Close()

	var res []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ancestor: %w", err)
		}
		res = append(res, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (t *pgTx) SetTier2Active(ctx context.Context, userID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE users SET tier2_active = TRUE WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("set tier2 active: %w", err)
	}
	return nil
}

func (t *pgTx) IncrementSlots(ctx context.Context, userID int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE users SET slots_total = slots_total + 1 WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("increment slots: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrUserNotFound
	}
	return nil
}

func (t *pgTx) CountActiveReferrals(ctx context.Context, inviterID int64) (int64, error) {
	var n int64
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(DISTINCT u.id)
		 FROM users u
		 JOIN orders o ON o.buyer_id = u.id
		 WHERE u.inviter_id = $1 AND o.status = $2`,
		inviterID, string(model.OrderStatusDone),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active referrals: %w", err)
	}
	return n, nil
}

func (t *pgTx) CreateOrder(ctx context.Context, o model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, buyer_id, total_amount, bonus_spent, original_total_amount, original_bonus_spent, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.BuyerID, o.TotalAmount, o.BonusSpent, o.OriginalTotalAmount, o.OriginalBonusSpent, string(o.Status),
	)
	if err != nil {
		return mapOrderInsertError(err)
	}

	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(
			`INSERT INTO order_items (id, order_id, quantity, price_at_order) VALUES ($1, $2, $3, $4)`,
			it.ID, o.ID, it.Quantity, it.PriceAtOrderTime,
		)
	}

	br := t.tx.SendBatch(ctx, batch)
	for range o.Items {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapOrderInsertError(err)
		}
	}
	if err := br.Close(); err != nil {
		return mapOrderInsertError(err)
	}

	return nil
}

func mapOrderInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == "order_items_pkey":
			return ErrItemExists
		case pgErr.Code == pgerrcode.UniqueViolation:
			return ErrOrderExists
		case pgErr.Code == pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: buyer", ErrUserNotFound)
		}
	}
	return fmt.Errorf("insert order: %w", err)
}

func (t *pgTx) LockOrder(ctx context.Context, id int64) (*model.Order, error) {
	return loadOrder(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET total_amount = $2, bonus_spent = $3, status = $4, updated_at = now() WHERE id = $1`,
		o.ID, o.TotalAmount, o.BonusSpent, string(o.Status),
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrOrderNotFound
	}

	for _, it := range o.Items {
		_, err := t.tx.Exec(ctx,
			`UPDATE order_items SET returned_quantity = $3 WHERE id = $1 AND order_id = $2`,
			it.ID, o.ID, it.ReturnedQuantity,
		)
		if err != nil {
			return fmt.Errorf("update order item: %w", err)
		}
	}

	return nil
}

func (t *pgTx) ExistsSettlementEvent(ctx context.Context, orderID int64, kind model.EventKind, userID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM ledger_events
		     WHERE order_id = $1 AND kind = $2 AND beneficiary_user_id = $3
		 )`,
		orderID, string(kind), userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check settlement event: %w", err)
	}
	return exists, nil
}

func (t *pgTx) OrderEvents(ctx context.Context, orderID int64) ([]model.LedgerEvent, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, beneficiary_user_id, related_user_id, order_id, kind, amount, note, created_at
		 FROM ledger_events
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order events: %w", err)
	}
	return collectEvents(rows)
}

func (t *pgTx) AppendEvent(ctx context.Context, e model.LedgerEvent) (model.LedgerEvent, error) {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO ledger_events (beneficiary_user_id, related_user_id, order_id, kind, amount, note)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		e.BeneficiaryID, e.RelatedUserID, e.OrderID, string(e.Kind), e.Amount, e.Note,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return e, fmt.Errorf("%w: %w", ErrDuplicateEvent, err)
		}
		return e, fmt.Errorf("insert event: %w", err)
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1`,
		e.BeneficiaryID, e.Amount,
	)
	if err != nil {
		return e, fmt.Errorf("apply balance delta: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return e, ErrUserNotFound
	}

	return e, nil
}
