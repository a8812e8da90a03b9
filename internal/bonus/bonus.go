// Package bonus содержит формулы расчёта бонусов в минимальных денежных единицах.
package bonus

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Percent возвращает round(base × percent / 100) с округлением половины вверх.
func Percent(base, percent int64) int64 {
	if base <= 0 || percent <= 0 {
		return 0
	}
	return decimal.NewFromInt(base).
		Mul(decimal.NewFromInt(percent)).
		DivRound(hundred, 0).
		IntPart()
}

// Proportional возвращает round(amount × part / whole).
// Знак результата совпадает со знаком amount; половина округляется от нуля.
func Proportional(amount, part, whole int64) int64 {
	if amount == 0 || part <= 0 || whole <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(part)).
		DivRound(decimal.NewFromInt(whole), 0).
		IntPart()
}

// SlotPrice возвращает цену следующего слота при уже купленных slotsTotal.
func SlotPrice(base, step, slotsTotal int64) int64 {
	if slotsTotal < 0 {
		slotsTotal = 0
	}
	return base + step*slotsTotal
}

// Clamp ограничивает v отрезком [lo, hi].
func Clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
