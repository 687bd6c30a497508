package billing

import (
	"testing"
	"time"

	"github.com/mmeshcher/consultbilling-system/internal/model"
)

func perMinute(priceCents int64) model.RateSpec {
	return model.RateSpec{
		ServiceType:    model.ServiceTypeChat,
		Unit:           model.RateUnitPerMinute,
		UnitPriceCents: priceCents,
		CommissionPct:  20,
	}
}

func TestCostCents(t *testing.T) {
	tests := []struct {
		name    string
		rate    model.RateSpec
		elapsed time.Duration
		want    int64
	}{
		{
			name:    "1 eur per minute, 4m30s",
			rate:    perMinute(100),
			elapsed: 4*time.Minute + 30*time.Second,
			want:    450,
		},
		{
			name:    "exact minute",
			rate:    perMinute(200),
			elapsed: time.Minute,
			want:    200,
		},
		{
			name:    "fraction rounds to cent",
			rate:    perMinute(100),
			elapsed: time.Second,
			want:    2, // 100/60 = 1.666..., округляется вверх
		},
		{
			name:    "zero elapsed",
			rate:    perMinute(100),
			elapsed: 0,
			want:    0,
		},
		{
			name: "flat fee ignores duration",
			rate: model.RateSpec{
				ServiceType:    model.ServiceTypeWrittenNote,
				Unit:           model.RateUnitFlat,
				UnitPriceCents: 1500,
			},
			elapsed: 3 * time.Hour,
			want:    1500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CostCents(tt.rate, tt.elapsed)
			if got != tt.want {
				t.Fatalf("CostCents = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSplit_Exact(t *testing.T) {
	expert, platform := Split(1000, 20)
	if expert != 800 {
		t.Fatalf("expert = %d, want 800", expert)
	}
	if platform != 200 {
		t.Fatalf("platform = %d, want 200", platform)
	}
}

func TestSplit_NoLeakage(t *testing.T) {
	// Для любых стоимости и комиссии сумма долей равна исходной стоимости.
	for _, cost := range []int64{1, 3, 7, 99, 101, 450, 1000, 99999} {
		for pct := 0; pct <= 100; pct++ {
			expert, platform := Split(cost, pct)
			if expert+platform != cost {
				t.Fatalf("cost %d pct %d: expert %d + platform %d != %d",
					cost, pct, expert, platform, cost)
			}
			if expert < 0 || platform < 0 {
				t.Fatalf("cost %d pct %d: negative share", cost, pct)
			}
		}
	}
}

func TestRemainingAffordableSeconds(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		cost    int64
		rate    model.RateSpec
		want    int64
	}{
		{
			name:    "full balance untouched",
			balance: 500,
			cost:    0,
			rate:    perMinute(100),
			want:    300, // 5 eur при 1 eur/мин = 5 минут
		},
		{
			name:    "partially spent",
			balance: 500,
			cost:    450,
			rate:    perMinute(100),
			want:    30,
		},
		{
			name:    "overspent is negative",
			balance: 100,
			cost:    250,
			rate:    perMinute(100),
			want:    -90,
		},
		{
			name:    "flat is not metered",
			balance: 500,
			cost:    0,
			rate: model.RateSpec{
				Unit:           model.RateUnitFlat,
				UnitPriceCents: 1500,
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RemainingAffordableSeconds(tt.balance, tt.cost, tt.rate)
			if got != tt.want {
				t.Fatalf("RemainingAffordableSeconds = %d, want %d", got, tt.want)
			}
		})
	}
}
