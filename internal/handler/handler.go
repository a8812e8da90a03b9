// Package handler содержит HTTP-обработчики API бонусного реестра.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/middleware"
	"github.com/mmeshcher/bonus-ledger/internal/model"
	"github.com/mmeshcher/bonus-ledger/internal/repository"
	"github.com/mmeshcher/bonus-ledger/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, id int64, inviterID *int64, contact string) (*model.User, error)
	RelinkUser(ctx context.Context, userID int64, inviterID *int64) error
	GetUser(ctx context.Context, userID int64) (*model.User, error)

	IngestOrder(ctx context.Context, o model.Order) (*model.Order, error)
	TransitionOrder(ctx context.Context, orderID int64, from, to model.OrderStatus) (*model.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	ProcessReturn(ctx context.Context, orderID int64, lines []model.ReturnLine) (*service.ReturnResult, error)

	ReserveSnapshot(ctx context.Context) (model.ReserveSnapshot, error)
	SlotPrice(ctx context.Context, userID int64) (int64, error)
	PurchaseSlot(ctx context.Context, userID int64) (*service.SlotPurchase, error)

	AdjustBalance(ctx context.Context, userID, amount int64, note string) (model.LedgerEvent, error)
	History(ctx context.Context, userID int64, page model.Page) ([]model.LedgerEvent, error)
	Reconcile(ctx context.Context, userID int64) (model.Reconciliation, error)
	ReconcileAll(ctx context.Context) ([]model.Reconciliation, error)
	TeamKPI(ctx context.Context, userID int64, from, to time.Time) (model.TeamKPI, error)

	Settings(ctx context.Context) (model.Settings, error)
	UpdateSettings(ctx context.Context, s model.Settings) (model.Settings, error)

	Ping(ctx context.Context) error
}

// Handler реализует HTTP-обработчики API бонусного реестра.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	rateLimiter    *middleware.RateLimiter
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, limiter *middleware.RateLimiter) *Handler {
	if limiter == nil {
		limiter = middleware.NewRateLimiter(0)
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		rateLimiter:    limiter,
	}
}

// Ping сообщает о доступности хранилища.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.service.Ping(ctx); err != nil {
		h.logger.Error("ping error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит ошибку сервиса в HTTP-статус. Неизвестные ошибки логируются
// и отдаются клиенту как 500 без подробностей.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var verr *service.ValidationError
	switch {
	case errors.Is(err, repository.ErrUserNotFound), errors.Is(err, repository.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, service.ErrInsufficientBalance):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: service.ErrInsufficientBalance.Error()})
	case errors.Is(err, repository.ErrUserExists),
		errors.Is(err, repository.ErrOrderExists),
		errors.Is(err, repository.ErrItemExists),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrStatusConflict),
		errors.Is(err, service.ErrOrderNotSettleable),
		errors.Is(err, service.ErrReferralCycle):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid " + name})
		return 0, false
	}
	return id, true
}

func currentUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok || userID <= 0 {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return 0, false
	}
	return userID, true
}

func pageFromQuery(r *http.Request) model.Page {
	q := r.URL.Query()
	number, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	return model.Page{Number: number, PerPage: perPage}
}

type userResponse struct {
	ID          int64  `json:"id"`
	InviterID   *int64 `json:"inviter_id,omitempty"`
	Balance     int64  `json:"balance"`
	Tier2Active bool   `json:"tier2_active"`
	SlotsTotal  int64  `json:"slots_total"`
	CreatedAt   string `json:"created_at"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:          u.ID,
		InviterID:   u.InviterID,
		Balance:     u.Balance,
		Tier2Active: u.Tier2Active,
		SlotsTotal:  u.SlotsTotal,
		CreatedAt:   u.CreatedAt.Format(time.RFC3339),
	}
}

// ledgerEntryResponse описывает запись истории. Идентификаторы события и связанного пользователя
// отдаются только администраторам.
type ledgerEntryResponse struct {
	ID            int64  `json:"id,omitempty"`
	RelatedUserID *int64 `json:"related_user_id,omitempty"`
	Kind          string `json:"kind"`
	Amount        int64  `json:"amount"`
	OrderID       *int64 `json:"order_id,omitempty"`
	Note          string `json:"note,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toLedgerEntries(events []model.LedgerEvent, withIDs bool) []ledgerEntryResponse {
	resp := make([]ledgerEntryResponse, 0, len(events))
	for _, e := range events {
		entry := ledgerEntryResponse{
			Kind:      string(e.Kind),
			Amount:    e.Amount,
			OrderID:   e.OrderID,
			Note:      e.Note,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
		if withIDs {
			entry.ID = e.ID
			entry.RelatedUserID = e.RelatedUserID
		}
		resp = append(resp, entry)
	}
	return resp
}
