// Package service реализует бизнес-логику бонусного реестра: расчёт начислений по заказам,
// возвраты, покупку слотов и сверку балансов.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/metrics"
	"github.com/mmeshcher/bonus-ledger/internal/model"
	"github.com/mmeshcher/bonus-ledger/internal/notify"
	"github.com/mmeshcher/bonus-ledger/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	ListEvents(ctx context.Context, userID int64, page model.Page) ([]model.LedgerEvent, error)
	Reconcile(ctx context.Context, userID int64) (model.Reconciliation, error)
	ReconcileAll(ctx context.Context) ([]model.Reconciliation, error)
	ReserveTotals(ctx context.Context) (int64, int64, error)
	TeamKPI(ctx context.Context, userID int64, from, to time.Time) (model.TeamKPI, error)
}

// SettingsProvider отдаёт снимок настроек бонусной программы.
type SettingsProvider interface {
	Snapshot(ctx context.Context) (model.Settings, error)
	Update(ctx context.Context, s model.Settings) (model.Settings, error)
}

// Notifier асинхронно доставляет уведомления после фиксации транзакции.
type Notifier interface {
	Dispatch(ctx context.Context, batch []notify.Notification)
}

// Service содержит бизнес-логику бонусного реестра.
type Service struct {
	repo     Repository
	settings SettingsProvider
	notifier Notifier
	logger   *zap.Logger
}

// NewService создаёт новый сервис. notifier и logger могут быть nil.
func NewService(repo Repository, settings SettingsProvider, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		settings: settings,
		notifier: notifier,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

type skip struct {
	orderID int64
	userID  int64
	kind    model.EventKind
}

// work накапливает результаты одной попытки транзакции. Метрики и уведомления
// применяются только после фиксации.
type work struct {
	events      []model.LedgerEvent
	skips       []skip
	redelivered []int64
	outbox      []notify.Notification
}

func (w *work) append(ctx context.Context, tx repository.Tx, e model.LedgerEvent) (model.LedgerEvent, error) {
	saved, err := tx.AppendEvent(ctx, e)
	if err != nil {
		return saved, err
	}
	w.events = append(w.events, saved)
	return saved, nil
}

func (w *work) notify(kind notify.Type, contact string, amount int64, orderID *int64) {
	w.outbox = append(w.outbox, notify.New(kind, contact, amount, orderID))
}

// run выполняет fn в транзакции репозитория. Каждая попытка получает чистый work.
func (s *Service) run(ctx context.Context, fn func(ctx context.Context, tx repository.Tx, w *work) error) error {
	var w *work
	err := s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		w = &work{}
		return fn(ctx, tx, w)
	})
	if err != nil {
		return err
	}

	for _, e := range w.events {
		metrics.RecordEvent(string(e.Kind))
	}
	for _, sk := range w.skips {
		metrics.RecordSkip(string(sk.kind))
		s.logger.Info("settlement step already recorded, skipping",
			zap.Int64("order_id", sk.orderID),
			zap.Int64("user_id", sk.userID),
			zap.String("kind", string(sk.kind)),
		)
	}
	for _, orderID := range w.redelivered {
		metrics.RecordSkip("REDELIVERY")
		s.logger.Info("order already settled, skipping redelivery", zap.Int64("order_id", orderID))
	}
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, w.outbox)
	}
	return nil
}

func ptr(v int64) *int64 {
	return &v
}

// Ping проверяет доступность хранилища, если оно это поддерживает.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.repo.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
