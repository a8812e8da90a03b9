package service

import (
	"errors"

	"github.com/mmeshcher/bonus-ledger/internal/validation"
)

var (
	// ErrInsufficientBalance возвращается, если бонусного баланса не хватает для списания.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidTransition возвращается при недопустимой смене статуса заказа.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrStatusConflict возвращается, если текущий статус заказа не совпадает с ожидаемым.
	ErrStatusConflict = errors.New("order status does not match expected status")
	// ErrOrderNotSettleable возвращается при попытке расчёта по отменённому или незавершённому заказу.
	ErrOrderNotSettleable = errors.New("order is not eligible for settlement")
	// ErrReferralCycle возвращается, если привязка пригласившего образует цикл.
	ErrReferralCycle = errors.New("referral link would create a cycle")
)

// ValidationError описывает отклонённый до любой записи запрос.
type ValidationError = validation.Error

func invalid(field, reason string) error {
	return validation.Invalid(field, reason)
}
