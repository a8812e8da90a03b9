// Package model содержит доменные сущности бонусного реестра.
package model

import "time"

// User представляет участника реферальной программы.
type User struct {
	ID          int64
	InviterID   *int64
	Contact     string
	Balance     int64
	Tier2Active bool
	SlotsTotal  int64
	CreatedAt   time.Time
}

// OrderStatus описывает статус заказа во внешней системе оформления.
type OrderStatus string

const (
	OrderStatusNew        OrderStatus = "NEW"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusDone       OrderStatus = "DONE"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// Valid сообщает, является ли статус известным.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusNew, OrderStatusProcessing, OrderStatusDone, OrderStatusCancelled:
		return true
	}
	return false
}

// Order описывает заказ с изменяемыми текущими суммами и неизменяемым снимком на момент создания.
//
// OriginalTotalAmount и OriginalBonusSpent фиксируются при создании заказа и служат
// знаменателем при пропорциональном списании комиссий при возвратах.
type Order struct {
	ID                  int64
	BuyerID             int64
	TotalAmount         int64
	BonusSpent          int64
	OriginalTotalAmount int64
	OriginalBonusSpent  int64
	Status              OrderStatus
	Items               []OrderItem
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CashPaid возвращает сумму, оплаченную деньгами, а не бонусами.
func (o *Order) CashPaid() int64 {
	if paid := o.TotalAmount - o.BonusSpent; paid > 0 {
		return paid
	}
	return 0
}

// IsFullyReturned сообщает, возвращены ли все позиции заказа.
func (o *Order) IsFullyReturned() bool {
	var qty, returned int64
	for _, it := range o.Items {
		qty += it.Quantity
		returned += it.ReturnedQuantity
	}
	return qty > 0 && qty == returned
}

// OrderItem описывает позицию заказа.
type OrderItem struct {
	ID               int64
	OrderID          int64
	Quantity         int64
	PriceAtOrderTime int64
	ReturnedQuantity int64
}

// Remaining возвращает количество, ещё доступное для возврата.
func (i OrderItem) Remaining() int64 {
	return i.Quantity - i.ReturnedQuantity
}

// EventKind описывает тип события бонусного реестра.
type EventKind string

const (
	EventCashback         EventKind = "CASHBACK"
	EventLevel1Bonus      EventKind = "LEVEL1_BONUS"
	EventLevel2Bonus      EventKind = "LEVEL2_BONUS"
	EventBonusSpent       EventKind = "BONUS_SPENT"
	EventBonusRefund      EventKind = "BONUS_REFUND"
	EventClawback         EventKind = "CLAWBACK"
	EventManualAdjustment EventKind = "MANUAL_ADJUSTMENT"
)

// IsCommission сообщает, относится ли событие к начисляемым по заказу комиссиям.
func (k EventKind) IsCommission() bool {
	return k == EventCashback || k == EventLevel1Bonus || k == EventLevel2Bonus
}

// LedgerEvent описывает неизменяемую запись реестра со знаковой суммой в минимальных единицах.
type LedgerEvent struct {
	ID            int64
	BeneficiaryID int64
	RelatedUserID *int64
	OrderID       *int64
	Kind          EventKind
	Amount        int64
	Note          string
	CreatedAt     time.Time
}

// Settings хранит снимок настроек бонусной программы, прочитанный один раз на транзакцию.
type Settings struct {
	CustomerPercent           int64 `json:"customer_percent"`
	InviterPercent            int64 `json:"inviter_percent"`
	InviterBonusLevel2Percent int64 `json:"inviter_bonus_level2_percent"`
	AllowFullBonusPay         bool  `json:"allow_full_bonus_pay"`
	ReservePercent            int64 `json:"reserve_percent"`
	SlotBaseBonus             int64 `json:"slot_base_bonus"`
	SlotStepBonus             int64 `json:"slot_step_bonus"`
}

// ReserveSnapshot описывает проверку платёжеспособности резерва.
type ReserveSnapshot struct {
	ReserveNeeded  int64     `json:"reserve_needed"`
	CashInAll      int64     `json:"cash_in_all"`
	ReservePercent int64     `json:"reserve_percent"`
	ReservedCash   int64     `json:"reserved_cash"`
	ReserveGap     int64     `json:"reserve_gap"`
	Blocked        bool      `json:"blocked"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Reconciliation содержит результат сверки кешированного баланса с суммой событий.
type Reconciliation struct {
	UserID   int64 `json:"user_id"`
	Cached   int64 `json:"cached"`
	Computed int64 `json:"computed"`
}

// Consistent сообщает, совпадает ли кешированный баланс с суммой событий.
func (r Reconciliation) Consistent() bool {
	return r.Cached == r.Computed
}

// TeamKPI содержит агрегаты по пользователю и его команде за период.
type TeamKPI struct {
	UserID       int64               `json:"user_id"`
	From         time.Time           `json:"from"`
	To           time.Time           `json:"to"`
	InvitedCount int64               `json:"invited_count"`
	TeamRevenue  int64               `json:"team_revenue"`
	BonusTotals  map[EventKind]int64 `json:"bonus_totals"`
}

// Page задаёт параметры постраничной выборки.
type Page struct {
	Number  int
	PerPage int
}

// Offset возвращает смещение первой записи страницы.
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.PerPage
}

// ReturnLine описывает возвращаемое количество одной позиции заказа.
type ReturnLine struct {
	ItemID   int64 `json:"item_id"`
	Quantity int64 `json:"quantity"`
}
