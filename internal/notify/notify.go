// Package notify доставляет уведомления о начислениях во внешний сервис уведомлений.
//
// Доставка выполняется после фиксации транзакции и никогда не блокирует расчёт:
// ошибки только журналируются.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/metrics"
)

// Type описывает тип уведомления.
type Type string

const (
	TypeCashbackCredited  Type = "cashback_credited"
	TypeTier2Unlocked     Type = "tier2_unlocked"
	TypeTeamBonusCredited Type = "team_bonus_credited"
)

// Notification описывает сообщение для внешнего сервиса уведомлений.
type Notification struct {
	ID               string    `json:"id"`
	Type             Type      `json:"type"`
	RecipientContact string    `json:"recipient_contact"`
	Amount           int64     `json:"amount"`
	OrderID          *int64    `json:"order_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// New создаёт уведомление с уникальным идентификатором для дедупликации у получателя.
func New(kind Type, contact string, amount int64, orderID *int64) Notification {
	return Notification{
		ID:               uuid.NewString(),
		Type:             kind,
		RecipientContact: contact,
		Amount:           amount,
		OrderID:          orderID,
		CreatedAt:        time.Now().UTC(),
	}
}

// Sender отправляет одно уведомление.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender только журналирует уведомления. Используется, когда транспорт не настроен.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	s.Logger.Info("notification",
		zap.String("type", string(n.Type)),
		zap.String("id", n.ID),
		zap.Int64("amount", n.Amount),
	)
	return nil
}

// Dispatcher отправляет уведомления в фоне, не блокируя вызывающего.
type Dispatcher struct {
	sender  Sender
	logger  *zap.Logger
	timeout time.Duration
	// maxRetryAfter ограничивает паузу, которую может запросить сервис уведомлений.
	maxRetryAfter time.Duration
	wg            sync.WaitGroup
}

// NewDispatcher создаёт диспетчер уведомлений.
func NewDispatcher(sender Sender, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sender:        sender,
		logger:        logger,
		timeout:       5 * time.Second,
		maxRetryAfter: 30 * time.Second,
	}
}

// Dispatch отправляет уведомления асинхронно. Уведомления без контакта получателя пропускаются.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []Notification) {
	if d == nil || len(batch) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		for _, n := range batch {
			if n.RecipientContact == "" {
				continue
			}

			err := d.send(ctx, n)
			var rl *RateLimitedError
			if errors.As(err, &rl) {
				pause := min(rl.RetryAfter, d.maxRetryAfter)
				d.logger.Info("notification service rate limited, retrying",
					zap.String("id", n.ID),
					zap.Duration("retry_after", pause),
				)
				time.Sleep(pause)
				err = d.send(ctx, n)
			}

			if err != nil {
				metrics.RecordNotificationFailure(string(n.Type))
				d.logger.Warn("notification delivery failed",
					zap.Error(err),
					zap.String("type", string(n.Type)),
					zap.String("id", n.ID),
				)
			}
		}
	}()
}

func (d *Dispatcher) send(ctx context.Context, n Notification) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.sender.Send(ctx, n)
}

// Wait дожидается завершения уже запущенных отправок.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
