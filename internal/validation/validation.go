// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/consultbilling-system/internal/model"
)

// ErrInvalidAmount возвращается для неположительных сумм и сумм с долями цента.
var ErrInvalidAmount = errors.New("invalid amount")

// ParseServiceType проверяет и приводит строковый вид услуги к доменному типу.
func ParseServiceType(s string) (model.ServiceType, bool) {
	switch model.ServiceType(s) {
	case model.ServiceTypeChat:
		return model.ServiceTypeChat, true
	case model.ServiceTypeCall:
		return model.ServiceTypeCall, true
	case model.ServiceTypeWrittenNote:
		return model.ServiceTypeWrittenNote, true
	}
	return "", false
}

// ParseRateUnit проверяет и приводит строковый способ тарификации к доменному типу.
func ParseRateUnit(s string) (model.RateUnit, bool) {
	switch model.RateUnit(s) {
	case model.RateUnitPerMinute:
		return model.RateUnitPerMinute, true
	case model.RateUnitFlat:
		return model.RateUnitFlat, true
	}
	return "", false
}

// AmountToCents переводит сумму в валюте в центы.
// Суммы с точностью мельче цента отклоняются, а не округляются:
// пополнение на 10.005 — ошибка клиента, не решение биллинга.
func AmountToCents(amount float64) (int64, error) {
	d := decimal.NewFromFloat(amount)
	if d.LessThanOrEqual(decimal.Zero) {
		return 0, ErrInvalidAmount
	}

	cents := d.Mul(decimal.NewFromInt(100))
	if !cents.Equal(cents.Truncate(0)) {
		return 0, ErrInvalidAmount
	}

	return cents.IntPart(), nil
}

// CentsToAmount переводит центы в сумму в валюте для ответа API.
func CentsToAmount(cents int64) float64 {
	f, _ := decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).Float64()
	return f
}
