// Package service реализует бизнес-логику биллинга консультаций.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/consultbilling-system/internal/billing"
	"github.com/mmeshcher/consultbilling-system/internal/metrics"
	"github.com/mmeshcher/consultbilling-system/internal/model"
	"github.com/mmeshcher/consultbilling-system/internal/notifier"
	"github.com/mmeshcher/consultbilling-system/internal/profile"
	"github.com/mmeshcher/consultbilling-system/internal/repository"
)

// ErrInsufficientFunds возвращается, если баланса не хватает на одну единицу тарификации.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrAlreadyEnded возвращается при обращении к уже завершённой сессии.
	ErrAlreadyEnded = errors.New("session already ended")
	// ErrNotParticipant возвращается, если вызывающий не является участником сессии.
	ErrNotParticipant = errors.New("actor is not a session participant")
	// ErrAccountUnavailable возвращается, если учётная запись не найдена или заблокирована.
	ErrAccountUnavailable = errors.New("account unavailable")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetOrCreateWallet(ctx context.Context, ownerID int64, role model.WalletRole) (*model.Wallet, error)
	GetWalletBalance(ctx context.Context, walletID int64) (int64, error)
	Credit(ctx context.Context, walletID, amountCents int64, sessionID *uuid.UUID, kind model.EntryKind) (*model.LedgerEntry, error)
	GetEntriesByWallet(ctx context.Context, walletID int64) ([]model.LedgerEntry, error)
	ResolveRate(ctx context.Context, expertID int64, serviceType model.ServiceType) (*model.RateSpec, error)
	UpsertRate(ctx context.Context, expertID int64, rate model.RateSpec, enabled bool) error
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error)
	ActivateSession(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)
	SetSessionState(ctx context.Context, id uuid.UUID, from []model.SessionState, to model.SessionState) (bool, error)
	ClaimEnding(ctx context.Context, id uuid.UUID, reason model.EndReason, endedAt time.Time) (bool, error)
	CancelRequested(ctx context.Context, id uuid.UUID, reason model.EndReason) (bool, error)
	CancelExpiredRequested(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	GetSessionsByState(ctx context.Context, states []model.SessionState, limit int) ([]model.Session, error)
	SettleSession(ctx context.Context, sessionID uuid.UUID) (*model.Settlement, error)
	GetSessionSettlement(ctx context.Context, id uuid.UUID) (*model.Settlement, error)
}

// ProfileClient описывает контракт сервиса профилей.
type ProfileClient interface {
	GetAccount(ctx context.Context, id int64) (*profile.Account, error)
}

// NotifierClient описывает контракт сервиса уведомлений.
type NotifierClient interface {
	Notify(ctx context.Context, event notifier.Event) error
}

// Settings содержит настройки тарификации.
type Settings struct {
	MeterInterval time.Duration
	WarningWindow time.Duration
	RequestedTTL  time.Duration
}

const sweepBatchSize = 500

// Service содержит бизнес-логику биллинга консультаций.
type Service struct {
	repo          Repository
	profiles      ProfileClient
	notifications NotifierClient
	logger        *zap.Logger
	settings      Settings

	now func() time.Time

	timersMu sync.Mutex
	timers   map[uuid.UUID]*time.Timer
}

// NewService создаёт новый сервис с указанным репозиторием и клиентами внешних систем.
// Клиенты профилей и уведомлений могут быть nil: проверка учётных записей
// и отправка уведомлений при этом пропускаются.
func NewService(repo Repository, profiles ProfileClient, notifications NotifierClient, logger *zap.Logger, settings Settings) *Service {
	if settings.MeterInterval <= 0 {
		settings.MeterInterval = time.Second
	}
	if settings.WarningWindow <= 0 {
		settings.WarningWindow = 2 * time.Minute
	}
	if settings.RequestedTTL <= 0 {
		settings.RequestedTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:          repo,
		profiles:      profiles,
		notifications: notifications,
		logger:        logger,
		settings:      settings,
		now:           time.Now,
		timers:        make(map[uuid.UUID]*time.Timer),
	}
}

// Close останавливает таймеры ожидания подтверждения и закрывает ресурсы сервиса.
func (s *Service) Close() error {
	s.timersMu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.timers = nil
	s.timersMu.Unlock()

	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) checkAccount(ctx context.Context, id int64) error {
	if s.profiles == nil {
		return nil
	}

	account, err := s.profiles.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, profile.ErrAccountNotFound) {
			return ErrAccountUnavailable
		}
		return err
	}
	if account.Status != profile.AccountStatusActive {
		return ErrAccountUnavailable
	}

	return nil
}

// StartSession открывает новую сессию клиента с экспертом.
// Тариф фиксируется на момент вызова; баланс должен покрывать одну единицу
// тарификации (минуту или фиксированную стоимость). Проверка баланса
// предварительная, не резервирование: цикл тарификации перепроверяет баланс
// на каждом проходе.
func (s *Service) StartSession(ctx context.Context, clientID, expertID int64, serviceType model.ServiceType) (uuid.UUID, error) {
	if err := s.checkAccount(ctx, clientID); err != nil {
		return uuid.Nil, err
	}
	if err := s.checkAccount(ctx, expertID); err != nil {
		return uuid.Nil, err
	}

	rate, err := s.repo.ResolveRate(ctx, expertID, serviceType)
	if err != nil {
		return uuid.Nil, err
	}

	wallet, err := s.repo.GetOrCreateWallet(ctx, clientID, model.WalletRoleClient)
	if err != nil {
		return uuid.Nil, err
	}

	if wallet.BalanceCents < rate.UnitPriceCents {
		return uuid.Nil, ErrInsufficientFunds
	}

	session := &model.Session{
		ID:          uuid.New(),
		ClientID:    clientID,
		ExpertID:    expertID,
		ServiceType: serviceType,
		Rate:        *rate,
		State:       model.SessionStateRequested,
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return uuid.Nil, err
	}

	s.scheduleRequestedExpiry(session.ID)

	metrics.SessionsStarted.WithLabelValues(string(serviceType)).Inc()
	s.logger.Info("session requested",
		zap.String("session", session.ID.String()),
		zap.Int64("client", clientID),
		zap.Int64("expert", expertID),
		zap.String("service", string(serviceType)),
	)

	return session.ID, nil
}

// scheduleRequestedExpiry отменяет сессию, если эксперт не подтвердил её
// за отведённый срок. Одноразовый таймер; останавливается при подтверждении
// и при остановке сервиса, а после рестарта его роль выполняет проход
// тарификации.
func (s *Service) scheduleRequestedExpiry(id uuid.UUID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.timers == nil {
		return
	}

	s.timers[id] = time.AfterFunc(s.settings.RequestedTTL, func() {
		s.stopExpiryTimer(id)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cancelled, err := s.repo.CancelRequested(ctx, id, model.EndReasonExpired)
		if err != nil {
			s.logger.Error("cancel expired session", zap.Error(err), zap.String("session", id.String()))
			return
		}
		if cancelled {
			metrics.SessionsEnded.WithLabelValues(string(model.EndReasonExpired)).Inc()
			s.logger.Info("session expired without confirmation", zap.String("session", id.String()))
		}
	})
}

func (s *Service) stopExpiryTimer(id uuid.UUID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// ConfirmSession подтверждает сессию со стороны эксперта и запускает тарификацию.
// Повторное подтверждение уже активной сессии — no-op.
func (s *Service) ConfirmSession(ctx context.Context, sessionID uuid.UUID, actorID int64) error {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.ExpertID != actorID {
		return ErrNotParticipant
	}

	activated, err := s.repo.ActivateSession(ctx, sessionID, s.now())
	if err != nil {
		return err
	}
	if activated {
		s.stopExpiryTimer(sessionID)
		return nil
	}

	session, err = s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State.Metered() {
		return nil
	}

	return ErrAlreadyEnded
}

// EndSession завершает сессию по инициативе участника и возвращает итоговый расчёт.
// Из нескольких одновременных инициаторов (клиент, эксперт, цикл тарификации)
// расчёт выполняет тот, кто выиграл переход в ENDING; остальные получают
// уже готовый итог.
func (s *Service) EndSession(ctx context.Context, sessionID uuid.UUID, actorID int64) (*model.Settlement, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var reason model.EndReason
	switch actorID {
	case session.ClientID:
		reason = model.EndReasonClient
	case session.ExpertID:
		reason = model.EndReasonExpert
	default:
		return nil, ErrNotParticipant
	}

	if session.State.Terminal() {
		return nil, ErrAlreadyEnded
	}

	if session.State == model.SessionStateRequested {
		cancelled, err := s.repo.CancelRequested(ctx, sessionID, reason)
		if err != nil {
			return nil, err
		}
		if cancelled {
			s.stopExpiryTimer(sessionID)
			metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()
			return &model.Settlement{SessionID: sessionID}, nil
		}
		// Сессию успели подтвердить или отменить; продолжаем по текущему состоянию.
		session, err = s.repo.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.State.Terminal() {
			return nil, ErrAlreadyEnded
		}
	}

	if _, err := s.repo.ClaimEnding(ctx, sessionID, reason, s.now()); err != nil {
		return nil, err
	}

	settlement, err := s.settle(ctx, session, reason)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotEnding) {
			// Гонку выиграл другой инициатор — возвращаем его итог.
			return s.repo.GetSessionSettlement(ctx, sessionID)
		}
		return nil, err
	}

	return settlement, nil
}

// settle выполняет расчёт заявленной на завершение сессии и отправляет уведомление.
// Счётчик завершённых сессий обновляется только здесь, после фиксации расчёта:
// неудавшийся расчёт, довершённый повторным проходом, считается один раз.
func (s *Service) settle(ctx context.Context, session *model.Session, reason model.EndReason) (*model.Settlement, error) {
	settlement, err := s.repo.SettleSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()
	metrics.SettledCents.Add(float64(settlement.FinalCostCents - settlement.ShortfallCents))
	if settlement.ShortfallCents > 0 {
		metrics.WriteoffCents.Add(float64(settlement.ShortfallCents))
		s.logger.Warn("settlement shortfall written off",
			zap.String("session", session.ID.String()),
			zap.Int64("shortfallCents", settlement.ShortfallCents),
		)
	}

	s.notify(ctx, notifier.Event{
		Event:          notifier.EventSessionEnded,
		SessionID:      session.ID,
		ClientID:       session.ClientID,
		ExpertID:       session.ExpertID,
		FinalCostCents: settlement.FinalCostCents,
	})

	s.logger.Info("session settled",
		zap.String("session", session.ID.String()),
		zap.Int64("finalCostCents", settlement.FinalCostCents),
		zap.Int64("expertCents", settlement.ExpertCents),
		zap.Int64("platformCents", settlement.PlatformCents),
		zap.Int64("durationSeconds", settlement.DurationSeconds),
	)

	return settlement, nil
}

// notify отправляет уведомление по принципу fire-and-forget:
// сбой доставки логируется и не влияет на результат операции.
func (s *Service) notify(ctx context.Context, event notifier.Event) {
	if s.notifications == nil {
		return
	}
	if err := s.notifications.Notify(ctx, event); err != nil {
		s.logger.Warn("notify failed", zap.Error(err), zap.String("event", event.Event))
	}
}

// SetRate создаёт или обновляет тариф эксперта на услугу.
// Новый тариф действует только для новых сессий: открытые сессии
// продолжают работать по снимку тарифа на момент старта.
func (s *Service) SetRate(ctx context.Context, expertID int64, rate model.RateSpec, enabled bool) error {
	if err := s.checkAccount(ctx, expertID); err != nil {
		return err
	}

	if err := s.repo.UpsertRate(ctx, expertID, rate, enabled); err != nil {
		return err
	}

	s.logger.Info("rate updated",
		zap.Int64("expert", expertID),
		zap.String("service", string(rate.ServiceType)),
		zap.String("unit", string(rate.Unit)),
		zap.Int64("priceCents", rate.UnitPriceCents),
		zap.Bool("enabled", enabled),
	)

	return nil
}

// GetSessionStatus возвращает срез состояния сессии для опроса со стороны UI.
// Не блокируется: оценка стоимости считается по текущим часам и балансу.
// Статус доступен только участникам сессии: оценка остатка оплачиваемого
// времени раскрывает баланс кошелька клиента.
func (s *Service) GetSessionStatus(ctx context.Context, sessionID uuid.UUID, actorID int64) (*model.SessionStatus, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if actorID != session.ClientID && actorID != session.ExpertID {
		return nil, ErrNotParticipant
	}

	status := &model.SessionStatus{State: session.State}

	if session.StartedAt == nil {
		return status, nil
	}

	end := s.now()
	if session.EndedAt != nil {
		end = *session.EndedAt
	}
	elapsed := end.Sub(*session.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	status.ElapsedSeconds = int64(elapsed.Seconds())
	status.ProjectedCostCents = billing.CostCents(session.Rate, elapsed)

	if session.State.Metered() && session.Rate.Unit == model.RateUnitPerMinute {
		wallet, err := s.repo.GetOrCreateWallet(ctx, session.ClientID, model.WalletRoleClient)
		if err != nil {
			return nil, err
		}
		status.RemainingAffordableSeconds = billing.RemainingAffordableSeconds(
			wallet.BalanceCents, status.ProjectedCostCents, session.Rate,
		)
	}

	return status, nil
}

// TopUp зачисляет пополнение на кошелёк клиента.
// Сессии в LOW_BALANCE вернутся в ACTIVE на следующем проходе тарификации.
func (s *Service) TopUp(ctx context.Context, clientID, amountCents int64) (*model.LedgerEntry, error) {
	wallet, err := s.repo.GetOrCreateWallet(ctx, clientID, model.WalletRoleClient)
	if err != nil {
		return nil, err
	}

	return s.repo.Credit(ctx, wallet.ID, amountCents, nil, model.EntryKindTopUp)
}

// GetWallet возвращает кошелёк владельца, создавая его при первом обращении.
func (s *Service) GetWallet(ctx context.Context, ownerID int64, role model.WalletRole) (*model.Wallet, error) {
	return s.repo.GetOrCreateWallet(ctx, ownerID, role)
}

// GetLedger возвращает журнал кошелька владельца.
func (s *Service) GetLedger(ctx context.Context, ownerID int64, role model.WalletRole) ([]model.LedgerEntry, error) {
	wallet, err := s.repo.GetOrCreateWallet(ctx, ownerID, role)
	if err != nil {
		return nil, err
	}

	return s.repo.GetEntriesByWallet(ctx, wallet.ID)
}

// StartMetering запускает фоновый цикл тарификации: периодический проход
// по активным сессиям с пересчётом накопленной стоимости, автоматическим
// завершением при исчерпании баланса и повтором незавершённых расчётов.
func (s *Service) StartMetering(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.settings.MeterInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.meterSweep(ctx)
			}
		}
	}()
}

func (s *Service) meterSweep(ctx context.Context) {
	sessions, err := s.repo.GetSessionsByState(ctx,
		[]model.SessionState{model.SessionStateActive, model.SessionStateLowBalance},
		sweepBatchSize,
	)
	if err != nil {
		s.logger.Error("metering sweep", zap.Error(err))
		return
	}

	metrics.MeteredSessions.Set(float64(len(sessions)))

	for i := range sessions {
		s.meterSession(ctx, &sessions[i])
	}

	s.retryEndingSessions(ctx)
	s.cancelExpiredRequested(ctx)
}

// meterSession оценивает одну активную сессию: накопленную стоимость,
// остаток оплачиваемого времени и необходимый переход состояния.
func (s *Service) meterSession(ctx context.Context, session *model.Session) {
	// Фиксированный тариф списывается один раз при расчёте и не тарифицируется по времени.
	if session.Rate.Unit != model.RateUnitPerMinute {
		return
	}
	if session.StartedAt == nil {
		return
	}

	wallet, err := s.repo.GetOrCreateWallet(ctx, session.ClientID, model.WalletRoleClient)
	if err != nil {
		s.logger.Error("meter session wallet", zap.Error(err), zap.String("session", session.ID.String()))
		return
	}

	now := s.now()
	elapsed := now.Sub(*session.StartedAt)
	cost := billing.CostCents(session.Rate, elapsed)
	remaining := billing.RemainingAffordableSeconds(wallet.BalanceCents, cost, session.Rate)

	switch {
	case remaining < 0:
		claimed, err := s.repo.ClaimEnding(ctx, session.ID, model.EndReasonInsufficientBalance, now)
		if err != nil {
			s.logger.Error("claim ending", zap.Error(err), zap.String("session", session.ID.String()))
			return
		}
		if !claimed {
			return
		}
		if _, err := s.settle(ctx, session, model.EndReasonInsufficientBalance); err != nil && !errors.Is(err, repository.ErrSessionNotEnding) {
			// Сессия остаётся в ENDING и будет рассчитана на следующем проходе.
			s.logger.Error("settle session", zap.Error(err), zap.String("session", session.ID.String()))
		}

	case remaining < int64(s.settings.WarningWindow.Seconds()):
		if session.State != model.SessionStateActive {
			return
		}
		moved, err := s.repo.SetSessionState(ctx, session.ID,
			[]model.SessionState{model.SessionStateActive}, model.SessionStateLowBalance)
		if err != nil {
			s.logger.Error("set low balance", zap.Error(err), zap.String("session", session.ID.String()))
			return
		}
		if moved {
			s.notify(ctx, notifier.Event{
				Event:            notifier.EventLowBalance,
				SessionID:        session.ID,
				ClientID:         session.ClientID,
				ExpertID:         session.ExpertID,
				RemainingSeconds: remaining,
			})
		}

	default:
		if session.State == model.SessionStateLowBalance {
			// Пополнение вернуло запас времени — предупреждение снимается.
			if _, err := s.repo.SetSessionState(ctx, session.ID,
				[]model.SessionState{model.SessionStateLowBalance}, model.SessionStateActive); err != nil {
				s.logger.Error("clear low balance", zap.Error(err), zap.String("session", session.ID.String()))
			}
		}
	}
}

// retryEndingSessions повторяет расчёт сессий, застрявших в ENDING
// из-за сбоя записи: ни одна частично оплаченная сессия не теряется.
func (s *Service) retryEndingSessions(ctx context.Context) {
	sessions, err := s.repo.GetSessionsByState(ctx,
		[]model.SessionState{model.SessionStateEnding}, sweepBatchSize,
	)
	if err != nil {
		s.logger.Error("select ending sessions", zap.Error(err))
		return
	}

	for i := range sessions {
		session := &sessions[i]
		reason := model.EndReasonClient
		if session.EndReason != nil {
			reason = *session.EndReason
		}
		if _, err := s.settle(ctx, session, reason); err != nil && !errors.Is(err, repository.ErrSessionNotEnding) {
			s.logger.Error("retry settle", zap.Error(err), zap.String("session", session.ID.String()))
		}
	}
}

// cancelExpiredRequested отменяет неподтверждённые сессии, пережившие
// рестарт сервиса вместе со своими одноразовыми таймерами.
func (s *Service) cancelExpiredRequested(ctx context.Context) {
	cutoff := s.now().Add(-s.settings.RequestedTTL)
	ids, err := s.repo.CancelExpiredRequested(ctx, cutoff)
	if err != nil {
		s.logger.Error("cancel expired requested", zap.Error(err))
		return
	}

	for _, id := range ids {
		s.stopExpiryTimer(id)
		metrics.SessionsEnded.WithLabelValues(string(model.EndReasonExpired)).Inc()
		s.logger.Info("session expired without confirmation", zap.String("session", id.String()))
	}
}
