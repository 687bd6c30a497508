// Package handler содержит HTTP-обработчики API сервиса биллинга.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/consultbilling-system/internal/middleware"
	"github.com/mmeshcher/consultbilling-system/internal/model"
	"github.com/mmeshcher/consultbilling-system/internal/repository"
	"github.com/mmeshcher/consultbilling-system/internal/service"
	"github.com/mmeshcher/consultbilling-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	StartSession(ctx context.Context, clientID, expertID int64, serviceType model.ServiceType) (uuid.UUID, error)
	ConfirmSession(ctx context.Context, sessionID uuid.UUID, actorID int64) error
	EndSession(ctx context.Context, sessionID uuid.UUID, actorID int64) (*model.Settlement, error)
	GetSessionStatus(ctx context.Context, sessionID uuid.UUID, actorID int64) (*model.SessionStatus, error)
	SetRate(ctx context.Context, expertID int64, rate model.RateSpec, enabled bool) error
	TopUp(ctx context.Context, clientID, amountCents int64) (*model.LedgerEntry, error)
	GetWallet(ctx context.Context, ownerID int64, role model.WalletRole) (*model.Wallet, error)
	GetLedger(ctx context.Context, ownerID int64, role model.WalletRole) ([]model.LedgerEntry, error)
}

// Handler реализует HTTP-обработчики API сервиса биллинга.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func sessionIDFromURL(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

type startSessionRequest struct {
	ExpertID    int64  `json:"expert_id"`
	ServiceType string `json:"service_type"`
}

type startSessionResponse struct {
	SessionID string `json:"session_id"`
}

// StartSession открывает новую сессию текущего клиента с экспертом.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	clientID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ExpertID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	serviceType, ok := validation.ParseServiceType(req.ServiceType)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	sessionID, err := h.service.StartSession(r.Context(), clientID, req.ExpertID, serviceType)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrRateNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrServiceDisabled):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrAlreadyActive):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, service.ErrInsufficientFunds):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		case errors.Is(err, service.ErrAccountUnavailable):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.logger.Error("start session error", zap.Error(err), zap.Int64("clientID", clientID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(startSessionResponse{SessionID: sessionID.String()})
}

// ConfirmSession подтверждает сессию со стороны эксперта.
func (h *Handler) ConfirmSession(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	sessionID, ok := sessionIDFromURL(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.ConfirmSession(r.Context(), sessionID, actorID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSessionNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrNotParticipant):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrAlreadyEnded):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("confirm session error", zap.Error(err), zap.String("session", sessionID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type endSessionResponse struct {
	FinalCost       float64 `json:"final_cost"`
	DurationSeconds int64   `json:"duration_seconds"`
}

// EndSession завершает сессию по инициативе текущего участника.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	sessionID, ok := sessionIDFromURL(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	settlement, err := h.service.EndSession(r.Context(), sessionID, actorID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSessionNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrNotParticipant):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrAlreadyEnded):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("end session error", zap.Error(err), zap.String("session", sessionID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, endSessionResponse{
		FinalCost:       validation.CentsToAmount(settlement.FinalCostCents),
		DurationSeconds: settlement.DurationSeconds,
	})
}

type sessionStatusResponse struct {
	State                      string  `json:"state"`
	ElapsedSeconds             int64   `json:"elapsed_seconds"`
	ProjectedCost              float64 `json:"projected_cost"`
	RemainingAffordableSeconds int64   `json:"remaining_affordable_seconds"`
}

// GetSessionStatus возвращает текущее состояние сессии. Опрашивается UI, не блокируется.
// Доступен только участникам сессии.
func (h *Handler) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	sessionID, ok := sessionIDFromURL(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	status, err := h.service.GetSessionStatus(r.Context(), sessionID, actorID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSessionNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrNotParticipant):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			h.logger.Error("session status error", zap.Error(err), zap.String("session", sessionID.String()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, sessionStatusResponse{
		State:                      string(status.State),
		ElapsedSeconds:             status.ElapsedSeconds,
		ProjectedCost:              validation.CentsToAmount(status.ProjectedCostCents),
		RemainingAffordableSeconds: status.RemainingAffordableSeconds,
	})
}

func walletRoleFromQuery(r *http.Request) (model.WalletRole, bool) {
	switch r.URL.Query().Get("role") {
	case "", string(model.WalletRoleClient):
		return model.WalletRoleClient, true
	case string(model.WalletRoleExpert):
		return model.WalletRoleExpert, true
	}
	return "", false
}

type balanceResponse struct {
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// GetBalance возвращает баланс кошелька текущего участника.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	role, ok := walletRoleFromQuery(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	wallet, err := h.service.GetWallet(r.Context(), actorID, role)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("actorID", actorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, balanceResponse{
		Balance:  validation.CentsToAmount(wallet.BalanceCents),
		Currency: wallet.Currency,
	})
}

type setRateRequest struct {
	ServiceType   string  `json:"service_type"`
	Unit          string  `json:"unit"`
	Price         float64 `json:"price"`
	CommissionPct int     `json:"commission_pct"`
	Enabled       bool    `json:"enabled"`
}

// SetRate создаёт или обновляет тариф текущего эксперта на услугу.
func (h *Handler) SetRate(w http.ResponseWriter, r *http.Request) {
	expertID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req setRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	serviceType, ok := validation.ParseServiceType(req.ServiceType)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}
	unit, ok := validation.ParseRateUnit(req.Unit)
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}
	priceCents, err := validation.AmountToCents(req.Price)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}
	if req.CommissionPct < 0 || req.CommissionPct > 100 {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	rate := model.RateSpec{
		ServiceType:    serviceType,
		Unit:           unit,
		UnitPriceCents: priceCents,
		CommissionPct:  req.CommissionPct,
	}

	if err := h.service.SetRate(r.Context(), expertID, rate, req.Enabled); err != nil {
		if errors.Is(err, service.ErrAccountUnavailable) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.logger.Error("set rate error", zap.Error(err), zap.Int64("expertID", expertID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type topUpRequest struct {
	Sum float64 `json:"sum"`
}

// TopUp зачисляет пополнение на кошелёк текущего клиента.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amountCents, err := validation.AmountToCents(req.Sum)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	if _, err := h.service.TopUp(r.Context(), actorID, amountCents); err != nil {
		h.logger.Error("top up error", zap.Error(err), zap.Int64("actorID", actorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type ledgerEntryResponse struct {
	Amount      float64 `json:"amount"`
	Kind        string  `json:"kind"`
	SessionID   *string `json:"session_id,omitempty"`
	ProcessedAt string  `json:"processed_at"`
}

// GetLedger возвращает журнал кошелька текущего участника.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	role, ok := walletRoleFromQuery(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entries, err := h.service.GetLedger(r.Context(), actorID, role)
	if err != nil {
		h.logger.Error("get ledger error", zap.Error(err), zap.Int64("actorID", actorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		var sessionID *string
		if e.SessionID != nil {
			s := e.SessionID.String()
			sessionID = &s
		}
		resp = append(resp, ledgerEntryResponse{
			Amount:      validation.CentsToAmount(e.AmountCents),
			Kind:        string(e.Kind),
			SessionID:   sessionID,
			ProcessedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, resp)
}
