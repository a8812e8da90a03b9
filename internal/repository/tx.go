package repository

import (
	"context"
	"errors"

	"github.com/mmeshcher/bonus-ledger/internal/model"
)

var (
	// ErrUserExists возвращается при попытке создать пользователя с уже существующим идентификатором.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderExists возвращается при повторной загрузке заказа.
	ErrOrderExists = errors.New("order already exists")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrItemExists возвращается, если позиция заказа с таким идентификатором уже существует.
	ErrItemExists = errors.New("order item already exists")
	// ErrDuplicateEvent возвращается при попытке повторно записать идемпотентное событие по заказу.
	ErrDuplicateEvent = errors.New("settlement event already recorded")
)

// Tx задаёт единицу работы над реестром. Все изменения внутри одной Tx фиксируются
// атомарно либо откатываются целиком.
type Tx interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
	// LockUsers блокирует строки пользователей в порядке возрастания идентификаторов.
	// Отсутствующие идентификаторы в результат не попадают.
	LockUsers(ctx context.Context, ids []int64) (map[int64]*model.User, error)
	CreateUser(ctx context.Context, u model.User) error
	SetInviter(ctx context.Context, userID int64, inviterID *int64) error
	// Ancestors возвращает цепочку пригласивших, начиная с непосредственного.
	Ancestors(ctx context.Context, userID int64) ([]int64, error)
	SetTier2Active(ctx context.Context, userID int64) error
	IncrementSlots(ctx context.Context, userID int64) error
	// CountActiveReferrals возвращает число прямых рефералов хотя бы с одним заказом в статусе DONE.
	CountActiveReferrals(ctx context.Context, inviterID int64) (int64, error)

	CreateOrder(ctx context.Context, o model.Order) error
	// LockOrder возвращает заказ с позициями, удерживая блокировку строки до конца транзакции.
	LockOrder(ctx context.Context, id int64) (*model.Order, error)
	// UpdateOrder сохраняет текущие суммы, статус и возвращённые количества позиций.
	UpdateOrder(ctx context.Context, o *model.Order) error

	ExistsSettlementEvent(ctx context.Context, orderID int64, kind model.EventKind, userID int64) (bool, error)
	OrderEvents(ctx context.Context, orderID int64) ([]model.LedgerEvent, error)
	// AppendEvent записывает событие и применяет его сумму к балансу получателя.
	// Это единственный путь изменения баланса.
	AppendEvent(ctx context.Context, e model.LedgerEvent) (model.LedgerEvent, error)
}

// IsIdempotentKind сообщает, допускается ли по заказу не более одного события данного типа
// на получателя.
func IsIdempotentKind(kind model.EventKind) bool {
	switch kind {
	case model.EventCashback, model.EventLevel1Bonus, model.EventLevel2Bonus,
		model.EventBonusSpent, model.EventBonusRefund:
		return true
	}
	return false
}
