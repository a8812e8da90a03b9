package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/middleware"
	"github.com/mmeshcher/bonus-ledger/internal/model"
)

const defaultKPIWindow = 30 * 24 * time.Hour

// AdminUser возвращает карточку пользователя.
func (h *Handler) AdminUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	u, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get user error", zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// AdminLedger возвращает историю событий пользователя со служебными идентификаторами.
func (h *Handler) AdminLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), userID, pageFromQuery(r))
	if err != nil {
		h.writeError(w, err, "get ledger error", zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntries(events, true))
}

// TeamKPI возвращает показатели команды пользователя. Параметры from и to задаются в RFC 3339,
// по умолчанию берутся последние 30 дней.
func (h *Handler) TeamKPI(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	to := time.Now().UTC()
	from := to.Add(-defaultKPIWindow)
	q := r.URL.Query()
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid time", Field: name})
			return
		}
		*dst = t
	}

	kpi, err := h.service.TeamKPI(r.Context(), userID, from, to)
	if err != nil {
		h.writeError(w, err, "team kpi error", zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, kpi)
}

type adjustmentRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

// Adjust записывает ручную корректировку баланса.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req adjustmentRequest
	if !decode(w, r, &req) {
		return
	}

	e, err := h.service.AdjustBalance(r.Context(), userID, req.Amount, req.Note)
	if err != nil {
		h.writeError(w, err, "adjust balance error", zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntries([]model.LedgerEvent{e}, true)[0])
}

type reconciliationResponse struct {
	model.Reconciliation
	IsConsistent bool `json:"consistent"`
}

// ReconcileUser сверяет баланс пользователя с реестром.
func (h *Handler) ReconcileUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.service.Reconcile(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "reconcile error", zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, reconciliationResponse{Reconciliation: rec, IsConsistent: rec.Consistent()})
}

// ReconcileAll возвращает всех пользователей с расхождением баланса.
func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	recs, err := h.service.ReconcileAll(r.Context())
	if err != nil {
		h.writeError(w, err, "reconcile all error")
		return
	}
	if recs == nil {
		recs = []model.Reconciliation{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetSettings возвращает текущие настройки программы.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.Settings(r.Context())
	if err != nil {
		h.writeError(w, err, "get settings error")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// UpdateSettings сохраняет настройки; значения вне допустимых границ приводятся к ним.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req model.Settings
	if !decode(w, r, &req) {
		return
	}
	s, err := h.service.UpdateSettings(r.Context(), req)
	if err != nil {
		h.writeError(w, err, "update settings error")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type tokenRequest struct {
	UserID int64           `json:"user_id"`
	Role   middleware.Role `json:"role"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// IssueToken выпускает токен доступа для пользователя или внешней системы.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Role.Valid() {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "unknown role", Field: "role"})
		return
	}
	if req.Role == middleware.RoleUser {
		if _, err := h.service.GetUser(r.Context(), req.UserID); err != nil {
			h.writeError(w, err, "issue token error", zap.Int64("userID", req.UserID))
			return
		}
	}

	token, err := h.authMiddleware.IssueToken(req.UserID, req.Role)
	if err != nil {
		h.writeError(w, err, "issue token error")
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{Token: token})
}
