// Package billing содержит расчёт стоимости консультаций и разделение выручки.
// Все суммы хранятся в центах; промежуточные пропорции считаются через decimal,
// чтобы избежать потерь точности при поминутной тарификации.
package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/consultbilling-system/internal/model"
)

var sixty = decimal.NewFromInt(60)

// CostCents возвращает стоимость сессии за прошедшее время.
// Для фиксированного тарифа стоимость не зависит от длительности.
// Результат округляется до целого цента (половина — от нуля).
func CostCents(rate model.RateSpec, elapsed time.Duration) int64 {
	if rate.Unit == model.RateUnitFlat {
		return rate.UnitPriceCents
	}
	if elapsed <= 0 {
		return 0
	}

	seconds := decimal.NewFromFloat(elapsed.Seconds())
	price := decimal.NewFromInt(rate.UnitPriceCents)

	return price.Mul(seconds).Div(sixty).Round(0).IntPart()
}

// Split делит итоговую стоимость на долю эксперта и комиссию платформы.
// Доля платформы считается вычитанием, поэтому сумма долей всегда
// в точности равна исходной стоимости.
func Split(finalCostCents int64, commissionPct int) (expertCents, platformCents int64) {
	if finalCostCents <= 0 {
		return 0, 0
	}
	if commissionPct <= 0 {
		return finalCostCents, 0
	}
	if commissionPct >= 100 {
		return 0, finalCostCents
	}

	cost := decimal.NewFromInt(finalCostCents)
	expertPct := decimal.NewFromInt(int64(100 - commissionPct)).Div(decimal.NewFromInt(100))

	expertCents = cost.Mul(expertPct).Round(0).IntPart()
	platformCents = finalCostCents - expertCents

	return expertCents, platformCents
}

// RemainingAffordableSeconds возвращает, сколько секунд поминутной сессии
// ещё покрывает баланс с учётом уже накопленной стоимости.
// Отрицательное значение означает, что накопленная стоимость превысила баланс.
func RemainingAffordableSeconds(balanceCents, costCents int64, rate model.RateSpec) int64 {
	if rate.Unit != model.RateUnitPerMinute || rate.UnitPriceCents <= 0 {
		return 0
	}

	// Умножаем на 60 до деления, чтобы не терять точность на цене за секунду.
	left := decimal.NewFromInt(balanceCents - costCents)
	price := decimal.NewFromInt(rate.UnitPriceCents)

	return left.Mul(sixty).Div(price).Floor().IntPart()
}
