// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/consultbilling-system/internal/billing"
	"github.com/mmeshcher/consultbilling-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRateNotFound возвращается, если эксперт не предлагает запрошенную услугу.
var (
	ErrRateNotFound = errors.New("rate not found")
	// ErrServiceDisabled возвращается, если услуга временно отключена экспертом.
	ErrServiceDisabled = errors.New("service disabled")
	// ErrWalletNotFound возвращается, если кошелёк не найден.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrSessionNotFound возвращается, если сессия не найдена.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyActive возвращается при попытке открыть вторую сессию той же пары клиент-эксперт.
	ErrAlreadyActive = errors.New("session already active for this pair")
	// ErrSessionNotEnding возвращается при попытке рассчитать сессию, не заявленную на завершение.
	ErrSessionNotEnding = errors.New("session is not in ending state")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраим конфликты сериализации и дедлоки: расчёт сессии блокирует
		// несколько кошельков и может столкнуться с параллельным пополнением.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetOrCreateWallet возвращает кошелёк владельца, создавая его при первом обращении.
func (r *PostgresRepository) GetOrCreateWallet(ctx context.Context, ownerID int64, role model.WalletRole) (*model.Wallet, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO wallets (owner_id, role) VALUES ($1, $2)
		 ON CONFLICT (owner_id, role) DO UPDATE SET owner_id = wallets.owner_id
		 RETURNING id, owner_id, role, balance_cents, currency, created_at`,
		ownerID, string(role),
	)

	var w model.Wallet
	var roleStr string
	if err := row.Scan(&w.ID, &w.OwnerID, &roleStr, &w.BalanceCents, &w.Currency, &w.CreatedAt); err != nil {
		return nil, fmt.Errorf("get or create wallet: %w", err)
	}
	w.Role = model.WalletRole(roleStr)

	return &w, nil
}

// GetWalletBalance возвращает текущий баланс кошелька в центах.
func (r *PostgresRepository) GetWalletBalance(ctx context.Context, walletID int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT balance_cents FROM wallets WHERE id = $1`,
		walletID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrWalletNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}

	return balance, nil
}

// Credit зачисляет средства на кошелёк и пишет запись журнала в одной транзакции.
func (r *PostgresRepository) Credit(ctx context.Context, walletID, amountCents int64, sessionID *uuid.UUID, kind model.EntryKind) (*model.LedgerEntry, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amountCents)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Блокируем строку кошелька: все изменения баланса сериализуются.
	var dummy int
	err = tx.QueryRow(ctx, `SELECT 1 FROM wallets WHERE id = $1 FOR UPDATE`, walletID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("lock wallet: %w", err)
	}

	entry, err := insertEntry(ctx, tx, walletID, amountCents, sessionID, kind)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallets SET balance_cents = balance_cents + $2 WHERE id = $1`,
		walletID, amountCents,
	)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return entry, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, walletID, amountCents int64, sessionID *uuid.UUID, kind model.EntryKind) (*model.LedgerEntry, error) {
	entry := &model.LedgerEntry{
		WalletID:    walletID,
		AmountCents: amountCents,
		Kind:        kind,
		SessionID:   sessionID,
	}

	err := tx.QueryRow(ctx,
		`INSERT INTO ledger_entries (wallet_id, amount_cents, kind, session_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		walletID, amountCents, string(kind), sessionID,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	return entry, nil
}

// GetEntriesByWallet возвращает журнал кошелька, новые записи первыми.
func (r *PostgresRepository) GetEntriesByWallet(ctx context.Context, walletID int64) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, wallet_id, amount_cents, kind, session_id, created_at
		 FROM ledger_entries
		 WHERE wallet_id = $1
		 ORDER BY created_at DESC, id DESC`,
		walletID,
	)
	if err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var (
			e    model.LedgerEntry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.WalletID, &e.AmountCents, &kind, &e.SessionID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Kind = model.EntryKind(kind)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ResolveRate возвращает тариф эксперта на услугу.
func (r *PostgresRepository) ResolveRate(ctx context.Context, expertID int64, serviceType model.ServiceType) (*model.RateSpec, error) {
	var (
		unit    string
		price   int64
		pct     int
		enabled bool
	)
	err := r.pool.QueryRow(ctx,
		`SELECT unit, unit_price_cents, commission_pct, enabled
		 FROM expert_rates
		 WHERE expert_id = $1 AND service_type = $2`,
		expertID, string(serviceType),
	).Scan(&unit, &price, &pct, &enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRateNotFound
		}
		return nil, fmt.Errorf("select rate: %w", err)
	}

	if !enabled {
		return nil, ErrServiceDisabled
	}

	return &model.RateSpec{
		ServiceType:    serviceType,
		Unit:           model.RateUnit(unit),
		UnitPriceCents: price,
		CommissionPct:  pct,
	}, nil
}

// UpsertRate создаёт или обновляет тариф эксперта на услугу.
func (r *PostgresRepository) UpsertRate(ctx context.Context, expertID int64, rate model.RateSpec, enabled bool) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO expert_rates (expert_id, service_type, unit, unit_price_cents, commission_pct, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (expert_id, service_type) DO UPDATE
		 SET unit = EXCLUDED.unit,
		     unit_price_cents = EXCLUDED.unit_price_cents,
		     commission_pct = EXCLUDED.commission_pct,
		     enabled = EXCLUDED.enabled,
		     updated_at = now()`,
		expertID, string(rate.ServiceType), string(rate.Unit), rate.UnitPriceCents, rate.CommissionPct, enabled,
	)
	if err != nil {
		return fmt.Errorf("upsert rate: %w", err)
	}

	return nil
}

const sessionColumns = `id, client_id, expert_id, service_type,
	rate_unit, rate_price_cents, rate_commission_pct,
	state, created_at, started_at, ended_at, end_reason`

func scanSession(row pgx.Row) (*model.Session, error) {
	var (
		s           model.Session
		serviceType string
		rateUnit    string
		state       string
		endReason   *string
	)

	err := row.Scan(
		&s.ID, &s.ClientID, &s.ExpertID, &serviceType,
		&rateUnit, &s.Rate.UnitPriceCents, &s.Rate.CommissionPct,
		&state, &s.CreatedAt, &s.StartedAt, &s.EndedAt, &endReason,
	)
	if err != nil {
		return nil, err
	}

	s.ServiceType = model.ServiceType(serviceType)
	s.Rate.ServiceType = s.ServiceType
	s.Rate.Unit = model.RateUnit(rateUnit)
	s.State = model.SessionState(state)
	if endReason != nil {
		reason := model.EndReason(*endReason)
		s.EndReason = &reason
	}

	return &s, nil
}

// CreateSession сохраняет новую сессию в состоянии REQUESTED.
// Вторая незавершённая сессия той же пары клиент-эксперт отклоняется.
func (r *PostgresRepository) CreateSession(ctx context.Context, s *model.Session) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (id, client_id, expert_id, service_type,
		                       rate_unit, rate_price_cents, rate_commission_pct, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.ClientID, s.ExpertID, string(s.ServiceType),
		string(s.Rate.Unit), s.Rate.UnitPriceCents, s.Rate.CommissionPct, string(s.State),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrAlreadyActive
		}
		return fmt.Errorf("insert session: %w", err)
	}

	return nil
}

// GetSession возвращает сессию по идентификатору.
func (r *PostgresRepository) GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id,
	)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	return s, nil
}

// ActivateSession переводит сессию REQUESTED -> ACTIVE и фиксирует момент старта.
// Возвращает false, если сессия уже покинула состояние REQUESTED.
func (r *PostgresRepository) ActivateSession(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET state = $2, started_at = $3
		 WHERE id = $1 AND state = $4`,
		id, string(model.SessionStateActive), startedAt, string(model.SessionStateRequested),
	)
	if err != nil {
		return false, fmt.Errorf("activate session: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// SetSessionState переводит сессию из одного из состояний from в состояние to.
// Используется для переходов ACTIVE <-> LOW_BALANCE.
func (r *PostgresRepository) SetSessionState(ctx context.Context, id uuid.UUID, from []model.SessionState, to model.SessionState) (bool, error) {
	states := make([]string, 0, len(from))
	for _, s := range from {
		states = append(states, string(s))
	}

	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET state = $2 WHERE id = $1 AND state = ANY($3)`,
		id, string(to), states,
	)
	if err != nil {
		return false, fmt.Errorf("set session state: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// ClaimEnding заявляет завершение сессии: ACTIVE или LOW_BALANCE -> ENDING.
// Состояние работает как compare-and-swap: из нескольких одновременных
// инициаторов переход достаётся ровно одному, остальные получают false.
func (r *PostgresRepository) ClaimEnding(ctx context.Context, id uuid.UUID, reason model.EndReason, endedAt time.Time) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET state = $2, ended_at = $3, end_reason = $4
		 WHERE id = $1 AND state = ANY($5)`,
		id, string(model.SessionStateEnding), endedAt, string(reason),
		[]string{string(model.SessionStateActive), string(model.SessionStateLowBalance)},
	)
	if err != nil {
		return false, fmt.Errorf("claim ending: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// CancelRequested отменяет сессию, не вышедшую из REQUESTED. Биллинг не выполняется.
func (r *PostgresRepository) CancelRequested(ctx context.Context, id uuid.UUID, reason model.EndReason) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET state = $2, ended_at = now(), end_reason = $3
		 WHERE id = $1 AND state = $4`,
		id, string(model.SessionStateCancelled), string(reason), string(model.SessionStateRequested),
	)
	if err != nil {
		return false, fmt.Errorf("cancel requested: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// CancelExpiredRequested отменяет все сессии, ожидающие подтверждения дольше cutoff.
// Подстраховка на случай рестарта сервиса, когда одноразовые таймеры потеряны.
func (r *PostgresRepository) CancelExpiredRequested(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE sessions SET state = $1, ended_at = now(), end_reason = $2
		 WHERE state = $3 AND created_at < $4
		 RETURNING id`,
		string(model.SessionStateCancelled), string(model.EndReasonExpired),
		string(model.SessionStateRequested), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel expired: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// GetSessionsByState возвращает сессии в указанных состояниях, старые первыми.
func (r *PostgresRepository) GetSessionsByState(ctx context.Context, states []model.SessionState, limit int) ([]model.Session, error) {
	strs := make([]string, 0, len(states))
	for _, s := range states {
		strs = append(strs, string(s))
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE state = ANY($1)
		 ORDER BY created_at
		 LIMIT $2`,
		strs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var res []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SettleSession выполняет расчёт сессии в состоянии ENDING одной транзакцией:
// итоговая стоимость пересчитывается от started_at до ended_at, списывается
// с кошелька клиента (с усечением до доступного баланса), доли эксперта и
// платформы зачисляются, сессия переводится в ENDED. Если расчёт не
// зафиксировался, сессия остаётся в ENDING и будет повторена циклом тарификации.
func (r *PostgresRepository) SettleSession(ctx context.Context, sessionID uuid.UUID) (*model.Settlement, error) {
	var res *model.Settlement
	err := r.withRetry(ctx, func() error {
		var err error
		res, err = r.settleSessionTx(ctx, sessionID)
		return err
	})
	return res, err
}

func (r *PostgresRepository) settleSessionTx(ctx context.Context, sessionID uuid.UUID) (*model.Settlement, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, sessionID,
	)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("lock session: %w", err)
	}

	if s.State != model.SessionStateEnding {
		return nil, ErrSessionNotEnding
	}

	var elapsed time.Duration
	if s.StartedAt != nil && s.EndedAt != nil && s.EndedAt.After(*s.StartedAt) {
		elapsed = s.EndedAt.Sub(*s.StartedAt)
	}

	finalCost := int64(0)
	if s.StartedAt != nil {
		finalCost = billing.CostCents(s.Rate, elapsed)
	}

	settlement := &model.Settlement{
		SessionID:       sessionID,
		FinalCostCents:  finalCost,
		DurationSeconds: int64(elapsed.Seconds()),
	}

	if finalCost > 0 {
		if err := r.applySettlement(ctx, tx, s, settlement); err != nil {
			return nil, err
		}
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE sessions SET state = $2 WHERE id = $1 AND state = $3`,
		sessionID, string(model.SessionStateEnded), string(model.SessionStateEnding),
	)
	if err != nil {
		return nil, fmt.Errorf("mark ended: %w", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return nil, ErrSessionNotEnding
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return settlement, nil
}

func (r *PostgresRepository) applySettlement(ctx context.Context, tx pgx.Tx, s *model.Session, settlement *model.Settlement) error {
	clientWalletID, err := walletIDInTx(ctx, tx, s.ClientID, model.WalletRoleClient)
	if err != nil {
		return err
	}
	expertWalletID, err := walletIDInTx(ctx, tx, s.ExpertID, model.WalletRoleExpert)
	if err != nil {
		return err
	}

	var platformWalletID int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM wallets WHERE role = $1`, string(model.WalletRolePlatform),
	).Scan(&platformWalletID)
	if err != nil {
		return fmt.Errorf("platform wallet: %w", err)
	}

	// Кошельки блокируются в порядке возрастания id — защита от дедлоков
	// при одновременном расчёте нескольких сессий.
	balances, err := lockWallets(ctx, tx, clientWalletID, expertWalletID, platformWalletID)
	if err != nil {
		return err
	}

	// Списание усекается до доступного баланса: биллинг никогда не уводит
	// кошелёк в минус, недостача фиксируется отдельно.
	charged := settlement.FinalCostCents
	if balances[clientWalletID] < charged {
		charged = balances[clientWalletID]
		settlement.ShortfallCents = settlement.FinalCostCents - charged
	}

	expertCents, platformCents := billing.Split(charged, s.Rate.CommissionPct)
	settlement.ExpertCents = expertCents
	settlement.PlatformCents = platformCents

	sid := s.ID
	if charged > 0 {
		if _, err := insertEntry(ctx, tx, clientWalletID, -charged, &sid, model.EntryKindConsultationDebit); err != nil {
			return err
		}
		if err := shiftBalance(ctx, tx, clientWalletID, -charged); err != nil {
			return err
		}
	}
	if expertCents > 0 {
		if _, err := insertEntry(ctx, tx, expertWalletID, expertCents, &sid, model.EntryKindExpertCredit); err != nil {
			return err
		}
		if err := shiftBalance(ctx, tx, expertWalletID, expertCents); err != nil {
			return err
		}
	}
	if platformCents > 0 {
		if _, err := insertEntry(ctx, tx, platformWalletID, platformCents, &sid, model.EntryKindPlatformFeeCredit); err != nil {
			return err
		}
		if err := shiftBalance(ctx, tx, platformWalletID, platformCents); err != nil {
			return err
		}
	}

	if settlement.ShortfallCents > 0 {
		_, err := tx.Exec(ctx,
			`INSERT INTO writeoffs (session_id, amount_cents) VALUES ($1, $2)`,
			s.ID, settlement.ShortfallCents,
		)
		if err != nil {
			return fmt.Errorf("insert writeoff: %w", err)
		}
	}

	return nil
}

func walletIDInTx(ctx context.Context, tx pgx.Tx, ownerID int64, role model.WalletRole) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO wallets (owner_id, role) VALUES ($1, $2)
		 ON CONFLICT (owner_id, role) DO UPDATE SET owner_id = wallets.owner_id
		 RETURNING id`,
		ownerID, string(role),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("wallet for owner %d: %w", ownerID, err)
	}

	return id, nil
}

func lockWallets(ctx context.Context, tx pgx.Tx, ids ...int64) (map[int64]int64, error) {
	ordered := append([]int64(nil), ids...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j] < ordered[j-1]; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	balances := make(map[int64]int64, len(ordered))
	for _, id := range ordered {
		if _, ok := balances[id]; ok {
			continue
		}
		var balance int64
		err := tx.QueryRow(ctx,
			`SELECT balance_cents FROM wallets WHERE id = $1 FOR UPDATE`, id,
		).Scan(&balance)
		if err != nil {
			return nil, fmt.Errorf("lock wallet %d: %w", id, err)
		}
		balances[id] = balance
	}

	return balances, nil
}

func shiftBalance(ctx context.Context, tx pgx.Tx, walletID, delta int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE wallets SET balance_cents = balance_cents + $2 WHERE id = $1`,
		walletID, delta,
	)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

// GetSessionSettlement восстанавливает итог завершённой сессии по журналу.
// Используется, когда гонку за завершение выиграл другой инициатор,
// а вызывающему всё равно нужен итоговый расчёт.
func (r *PostgresRepository) GetSessionSettlement(ctx context.Context, id uuid.UUID) (*model.Settlement, error) {
	s, err := r.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.State.Terminal() {
		return nil, ErrSessionNotEnding
	}

	settlement := &model.Settlement{SessionID: id}
	if s.StartedAt != nil && s.EndedAt != nil && s.EndedAt.After(*s.StartedAt) {
		settlement.DurationSeconds = int64(s.EndedAt.Sub(*s.StartedAt).Seconds())
	}

	rows, err := r.pool.Query(ctx,
		`SELECT kind, COALESCE(SUM(amount_cents), 0)
		 FROM ledger_entries
		 WHERE session_id = $1
		 GROUP BY kind`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select settlement entries: %w", err)
	}
	defer rows.Close()

	var charged int64
	for rows.Next() {
		var (
			kind string
			sum  int64
		)
		if err := rows.Scan(&kind, &sum); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		switch model.EntryKind(kind) {
		case model.EntryKindConsultationDebit:
			charged = -sum
		case model.EntryKindExpertCredit:
			settlement.ExpertCents = sum
		case model.EntryKindPlatformFeeCredit:
			settlement.PlatformCents = sum
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	var shortfall int64
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM writeoffs WHERE session_id = $1`, id,
	).Scan(&shortfall)
	if err != nil {
		return nil, fmt.Errorf("select writeoff: %w", err)
	}

	settlement.ShortfallCents = shortfall
	settlement.FinalCostCents = charged + shortfall

	return settlement, nil
}
