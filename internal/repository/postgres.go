// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/bonus-ledger/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const settlementIndex = "ledger_events_settlement_uniq"

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// isRetryable сообщает, имеет ли смысл повторить транзакцию целиком.
// Гонка за уникальный индекс выплат повторяется: при повторе проверка идемпотентности
// увидит уже записанное событие и пропустит шаг.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return true
		case pgerrcode.UniqueViolation:
			return pgErr.ConstraintName == settlementIndex
		}
		return false
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// InTx выполняет fn в транзакции и повторяет её при временных ошибках.
// fn может быть вызвана несколько раз и не должна иметь побочных эффектов вне Tx.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx, selectUserSQL+` WHERE id = $1`, id))
}

// GetOrder возвращает заказ с позициями.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return loadOrder(ctx, r.pool, id, false)
}

// ListEvents возвращает события пользователя от новых к старым.
func (r *PostgresRepository) ListEvents(ctx context.Context, userID int64, page model.Page) ([]model.LedgerEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, beneficiary_user_id, related_user_id, order_id, kind, amount, note, created_at
		 FROM ledger_events
		 WHERE beneficiary_user_id = $1
		 ORDER BY id DESC
		 LIMIT $2 OFFSET $3`,
		userID, page.PerPage, page.Offset(),
	)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	return collectEvents(rows)
}

// Reconcile сравнивает кешированный баланс пользователя с суммой его событий одним запросом.
func (r *PostgresRepository) Reconcile(ctx context.Context, userID int64) (model.Reconciliation, error) {
	rec := model.Reconciliation{UserID: userID}
	err := r.pool.QueryRow(ctx,
		`SELECT u.balance, COALESCE(SUM(e.amount), 0)::BIGINT
		 FROM users u
		 LEFT JOIN ledger_events e ON e.beneficiary_user_id = u.id
		 WHERE u.id = $1
		 GROUP BY u.id, u.balance`,
		userID,
	).Scan(&rec.Cached, &rec.Computed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, ErrUserNotFound
		}
		return rec, fmt.Errorf("reconcile user: %w", err)
	}
	return rec, nil
}

// ReconcileAll возвращает всех пользователей, у которых кеш баланса расходится с суммой событий.
func (r *PostgresRepository) ReconcileAll(ctx context.Context) ([]model.Reconciliation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.balance, COALESCE(s.total, 0)::BIGINT
		 FROM users u
		 LEFT JOIN (
		     SELECT beneficiary_user_id, SUM(amount) AS total
		     FROM ledger_events
		     GROUP BY beneficiary_user_id
		 ) s ON s.beneficiary_user_id = u.id
		 WHERE u.balance <> COALESCE(s.total, 0)
		 ORDER BY u.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("reconcile all: %w", err)
	}
	defer rows.Close()

	var res []model.Reconciliation
	for rows.Next() {
		var rec model.Reconciliation
		if err := rows.Scan(&rec.UserID, &rec.Cached, &rec.Computed); err != nil {
			return nil, fmt.Errorf("scan reconciliation: %w", err)
		}
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ReserveTotals возвращает сумму всех балансов и сумму денежной оплаты по неотменённым заказам.
func (r *PostgresRepository) ReserveTotals(ctx context.Context) (int64, int64, error) {
	var reserveNeeded, cashInAll int64
	err := r.pool.QueryRow(ctx,
		`SELECT
		     (SELECT COALESCE(SUM(balance), 0) FROM users)::BIGINT,
		     (SELECT COALESCE(SUM(GREATEST(total_amount - bonus_spent, 0)), 0)
		      FROM orders WHERE status <> $1)::BIGINT`,
		string(model.OrderStatusCancelled),
	).Scan(&reserveNeeded, &cashInAll)
	if err != nil {
		return 0, 0, fmt.Errorf("reserve totals: %w", err)
	}
	return reserveNeeded, cashInAll, nil
}

// TeamKPI возвращает агрегаты по пользователю за полуинтервал [from, to).
func (r *PostgresRepository) TeamKPI(ctx context.Context, userID int64, from, to time.Time) (model.TeamKPI, error) {
	kpi := model.TeamKPI{
		UserID:      userID,
		From:        from,
		To:          to,
		BonusTotals: make(map[model.EventKind]int64),
	}

	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM users WHERE inviter_id = $1 AND created_at >= $2 AND created_at < $3`,
		userID, from, to,
	).Scan(&kpi.InvitedCount)
	if err != nil {
		return kpi, fmt.Errorf("count invited: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(GREATEST(o.total_amount - o.bonus_spent, 0)), 0)::BIGINT
		 FROM orders o
		 JOIN users u ON u.id = o.buyer_id
		 WHERE u.inviter_id = $1 AND o.status = $2 AND o.created_at >= $3 AND o.created_at < $4`,
		userID, string(model.OrderStatusDone), from, to,
	).Scan(&kpi.TeamRevenue)
	if err != nil {
		return kpi, fmt.Errorf("sum team revenue: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT kind, SUM(amount)::BIGINT
		 FROM ledger_events
		 WHERE beneficiary_user_id = $1 AND created_at >= $2 AND created_at < $3
		 GROUP BY kind`,
		userID, from, to,
	)
	if err != nil {
		return kpi, fmt.Errorf("sum bonus totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind  string
			total int64
		)
		if err := rows.Scan(&kind, &total); err != nil {
			return kpi, fmt.Errorf("scan bonus total: %w", err)
		}
		kpi.BonusTotals[model.EventKind(kind)] = total
	}

	if err := rows.Err(); err != nil {
		return kpi, fmt.Errorf("rows error: %w", err)
	}

	return kpi, nil
}

// LoadSettings читает текущие настройки бонусной программы без ограничения диапазонов.
func (r *PostgresRepository) LoadSettings(ctx context.Context) (model.Settings, error) {
	var s model.Settings
	err := r.pool.QueryRow(ctx,
		`SELECT customer_percent, inviter_percent, inviter_bonus_level2_percent, allow_full_bonus_pay,
		        reserve_percent, slot_base_bonus, slot_step_bonus
		 FROM bonus_settings WHERE id = 1`,
	).Scan(&s.CustomerPercent, &s.InviterPercent, &s.InviterBonusLevel2Percent, &s.AllowFullBonusPay,
		&s.ReservePercent, &s.SlotBaseBonus, &s.SlotStepBonus)
	if err != nil {
		return s, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

// SaveSettings сохраняет настройки бонусной программы.
func (r *PostgresRepository) SaveSettings(ctx context.Context, s model.Settings) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO bonus_settings (id, customer_percent, inviter_percent, inviter_bonus_level2_percent,
		                             allow_full_bonus_pay, reserve_percent, slot_base_bonus, slot_step_bonus, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (id) DO UPDATE SET
		     customer_percent = EXCLUDED.customer_percent,
		     inviter_percent = EXCLUDED.inviter_percent,
		     inviter_bonus_level2_percent = EXCLUDED.inviter_bonus_level2_percent,
		     allow_full_bonus_pay = EXCLUDED.allow_full_bonus_pay,
		     reserve_percent = EXCLUDED.reserve_percent,
		     slot_base_bonus = EXCLUDED.slot_base_bonus,
		     slot_step_bonus = EXCLUDED.slot_step_bonus,
		     updated_at = now()`,
		s.CustomerPercent, s.InviterPercent, s.InviterBonusLevel2Percent, s.AllowFullBonusPay,
		s.ReservePercent, s.SlotBaseBonus, s.SlotStepBonus,
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
