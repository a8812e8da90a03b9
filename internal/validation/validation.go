// Package validation содержит функции валидации входных данных.
//
// Все проверки выполняются до любой записи в реестр: запрос либо принимается целиком,
// либо отклоняется без побочных эффектов.
package validation

import (
	"fmt"
	"math"

	"github.com/mmeshcher/bonus-ledger/internal/model"
)

// Error описывает отклонённый запрос.
type Error struct {
	Field  string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Invalid создаёт ошибку валидации для поля.
func Invalid(field, reason string) error {
	return &Error{Field: field, Reason: reason}
}

// Order проверяет снимок заказа перед загрузкой: сумма заказа равна сумме позиций,
// списанные бонусы не превышают сумму, идентификаторы позиций уникальны.
func Order(o model.Order, allowFullBonusPay bool) error {
	if o.ID <= 0 {
		return Invalid("id", "must be positive")
	}
	if o.BuyerID <= 0 {
		return Invalid("buyer_id", "must be positive")
	}
	if len(o.Items) == 0 {
		return Invalid("items", "order has no items")
	}

	seen := make(map[int64]struct{}, len(o.Items))
	var sum int64
	for i, it := range o.Items {
		field := fmt.Sprintf("items[%d]", i)
		if it.ID <= 0 {
			return Invalid(field+".id", "must be positive")
		}
		if _, dup := seen[it.ID]; dup {
			return Invalid(field+".id", "duplicate item id")
		}
		seen[it.ID] = struct{}{}
		if it.Quantity <= 0 {
			return Invalid(field+".quantity", "must be positive")
		}
		if it.PriceAtOrderTime < 0 {
			return Invalid(field+".price", "must not be negative")
		}
		cost, ok := lineAmount(it.Quantity, it.PriceAtOrderTime)
		if !ok {
			return Invalid(field+".quantity", "line amount overflows")
		}
		if sum > math.MaxInt64-cost {
			return Invalid("items", "items sum overflows")
		}
		sum += cost
	}

	if o.TotalAmount <= 0 {
		return Invalid("total_amount", "must be positive")
	}
	if o.TotalAmount != sum {
		return Invalid("total_amount", fmt.Sprintf("does not match items sum %d", sum))
	}
	if o.BonusSpent < 0 {
		return Invalid("bonus_spent", "must not be negative")
	}
	if o.BonusSpent > o.TotalAmount {
		return Invalid("bonus_spent", "exceeds order total")
	}
	if !allowFullBonusPay && o.BonusSpent == o.TotalAmount {
		return Invalid("bonus_spent", "full bonus payment is disabled")
	}
	if o.Status != model.OrderStatusNew && o.Status != model.OrderStatusProcessing {
		return Invalid("status", "new orders must be NEW or PROCESSING")
	}
	return nil
}

// Return проверяет строки возврата против позиций заказа и возвращает сумму возврата.
// Заказ не изменяется.
func Return(o *model.Order, lines []model.ReturnLine) (int64, error) {
	if len(lines) == 0 {
		return 0, Invalid("items", "no items to return")
	}

	items := make(map[int64]model.OrderItem, len(o.Items))
	for _, it := range o.Items {
		items[it.ID] = it
	}

	seen := make(map[int64]struct{}, len(lines))
	var amount int64
	for i, l := range lines {
		field := fmt.Sprintf("items[%d]", i)
		it, ok := items[l.ItemID]
		if !ok {
			return 0, Invalid(field+".item_id", fmt.Sprintf("item %d does not belong to order %d", l.ItemID, o.ID))
		}
		if _, dup := seen[l.ItemID]; dup {
			return 0, Invalid(field+".item_id", "duplicate item id")
		}
		seen[l.ItemID] = struct{}{}
		if l.Quantity <= 0 {
			return 0, Invalid(field+".quantity", "must be positive")
		}
		if l.Quantity > it.Remaining() {
			return 0, Invalid(field+".quantity", fmt.Sprintf("exceeds remaining quantity %d", it.Remaining()))
		}
		cost, ok := lineAmount(l.Quantity, it.PriceAtOrderTime)
		if !ok || amount > math.MaxInt64-cost {
			return 0, Invalid(field+".quantity", "return amount overflows")
		}
		amount += cost
	}
	return amount, nil
}

// lineAmount возвращает стоимость строки; ok равен false при переполнении int64.
func lineAmount(qty, price int64) (int64, bool) {
	if price > 0 && qty > math.MaxInt64/price {
		return 0, false
	}
	return qty * price, true
}
