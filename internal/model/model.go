// Package model содержит доменные сущности биллинга консультаций.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ServiceType описывает вид консультационной услуги.
type ServiceType string

const (
	ServiceTypeChat        ServiceType = "CHAT"
	ServiceTypeCall        ServiceType = "CALL"
	ServiceTypeWrittenNote ServiceType = "WRITTEN_NOTE"
)

// RateUnit описывает способ тарификации услуги.
type RateUnit string

const (
	// RateUnitPerMinute — поминутная тарификация, стоимость накапливается со временем.
	RateUnitPerMinute RateUnit = "PER_MINUTE"
	// RateUnitFlat — фиксированная стоимость, списывается один раз.
	RateUnitFlat RateUnit = "FLAT"
)

// RateSpec описывает тариф эксперта на момент начала сессии.
// Снимок тарифа сохраняется в сессию и не меняется до её завершения.
type RateSpec struct {
	ServiceType    ServiceType
	Unit           RateUnit
	UnitPriceCents int64
	CommissionPct  int
}

// WalletRole описывает принадлежность кошелька.
type WalletRole string

const (
	WalletRoleClient   WalletRole = "client"
	WalletRoleExpert   WalletRole = "expert"
	WalletRolePlatform WalletRole = "platform"
)

// Wallet представляет счёт участника платформы.
// BalanceCents — кэшируемая проекция суммы записей журнала,
// обновляется в одной транзакции с записями.
type Wallet struct {
	ID           int64
	OwnerID      int64
	Role         WalletRole
	BalanceCents int64
	Currency     string
	CreatedAt    time.Time
}

// EntryKind описывает тип записи журнала кошелька.
type EntryKind string

const (
	EntryKindTopUp             EntryKind = "TOPUP"
	EntryKindConsultationDebit EntryKind = "CONSULTATION_DEBIT"
	EntryKindExpertCredit      EntryKind = "EXPERT_CREDIT"
	EntryKindPlatformFeeCredit EntryKind = "PLATFORM_FEE_CREDIT"
	EntryKindRefund            EntryKind = "REFUND"
)

// LedgerEntry — запись журнала кошелька. Записи только добавляются,
// баланс воспроизводим свёрткой всех записей кошелька.
type LedgerEntry struct {
	ID          int64
	WalletID    int64
	AmountCents int64
	Kind        EntryKind
	SessionID   *uuid.UUID
	CreatedAt   time.Time
}

// SessionState описывает состояние консультационной сессии.
type SessionState string

const (
	SessionStateRequested  SessionState = "REQUESTED"
	SessionStateActive     SessionState = "ACTIVE"
	SessionStateLowBalance SessionState = "LOW_BALANCE"
	SessionStateEnding     SessionState = "ENDING"
	SessionStateEnded      SessionState = "ENDED"
	SessionStateCancelled  SessionState = "CANCELLED"
)

// Terminal сообщает, является ли состояние конечным.
func (s SessionState) Terminal() bool {
	return s == SessionStateEnded || s == SessionStateCancelled
}

// Metered сообщает, тарифицируется ли сессия в этом состоянии.
func (s SessionState) Metered() bool {
	return s == SessionStateActive || s == SessionStateLowBalance
}

// EndReason описывает причину завершения сессии.
type EndReason string

const (
	EndReasonClient              EndReason = "CLIENT"
	EndReasonExpert              EndReason = "EXPERT"
	EndReasonInsufficientBalance EndReason = "INSUFFICIENT_BALANCE"
	EndReasonExpired             EndReason = "EXPIRED"
)

// Session представляет одну консультацию клиента с экспертом.
// Тариф зафиксирован на момент создания. Строки сессий не удаляются.
type Session struct {
	ID          uuid.UUID
	ClientID    int64
	ExpertID    int64
	ServiceType ServiceType
	Rate        RateSpec
	State       SessionState
	CreatedAt   time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	EndReason   *EndReason
}

// Settlement описывает итог закрытия сессии: итоговое списание,
// доли эксперта и платформы и недостачу, если баланса не хватило.
type Settlement struct {
	SessionID       uuid.UUID
	FinalCostCents  int64
	ExpertCents     int64
	PlatformCents   int64
	ShortfallCents  int64
	DurationSeconds int64
}

// SessionStatus — срез состояния сессии для опроса со стороны UI.
type SessionStatus struct {
	State                      SessionState
	ElapsedSeconds             int64
	ProjectedCostCents         int64
	RemainingAffordableSeconds int64
}
