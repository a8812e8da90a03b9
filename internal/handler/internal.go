package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bonus-ledger/internal/model"
)

type createUserRequest struct {
	ID        int64  `json:"id"`
	InviterID *int64 `json:"inviter_id"`
	Contact   string `json:"contact"`
}

// CreateUser регистрирует участника программы.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decode(w, r, &req) {
		return
	}

	u, err := h.service.RegisterUser(r.Context(), req.ID, req.InviterID, req.Contact)
	if err != nil {
		h.writeError(w, err, "register user error", zap.Int64("userID", req.ID))
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

type relinkRequest struct {
	InviterID *int64 `json:"inviter_id"`
}

// RelinkUser меняет пригласившего пользователя.
func (h *Handler) RelinkUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req relinkRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.service.RelinkUser(r.Context(), userID, req.InviterID); err != nil {
		h.writeError(w, err, "relink user error", zap.Int64("userID", userID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type orderItemPayload struct {
	ID               int64 `json:"id"`
	Quantity         int64 `json:"quantity"`
	Price            int64 `json:"price"`
	ReturnedQuantity int64 `json:"returned_quantity"`
}

type orderRequest struct {
	ID          int64              `json:"id"`
	BuyerID     int64              `json:"buyer_id"`
	TotalAmount int64              `json:"total_amount"`
	BonusSpent  int64              `json:"bonus_spent"`
	Status      string             `json:"status"`
	Items       []orderItemPayload `json:"items"`
}

type orderResponse struct {
	ID                  int64              `json:"id"`
	BuyerID             int64              `json:"buyer_id"`
	Status              string             `json:"status"`
	TotalAmount         int64              `json:"total_amount"`
	BonusSpent          int64              `json:"bonus_spent"`
	CashPaid            int64              `json:"cash_paid"`
	OriginalTotalAmount int64              `json:"original_total_amount"`
	OriginalBonusSpent  int64              `json:"original_bonus_spent"`
	Items               []orderItemPayload `json:"items"`
	CreatedAt           string             `json:"created_at"`
	UpdatedAt           string             `json:"updated_at"`
}

func toOrderResponse(o *model.Order) orderResponse {
	items := make([]orderItemPayload, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemPayload{
			ID:               it.ID,
			Quantity:         it.Quantity,
			Price:            it.PriceAtOrderTime,
			ReturnedQuantity: it.ReturnedQuantity,
		})
	}
	return orderResponse{
		ID:                  o.ID,
		BuyerID:             o.BuyerID,
		Status:              string(o.Status),
		TotalAmount:         o.TotalAmount,
		BonusSpent:          o.BonusSpent,
		CashPaid:            o.CashPaid(),
		OriginalTotalAmount: o.OriginalTotalAmount,
		OriginalBonusSpent:  o.OriginalBonusSpent,
		Items:               items,
		CreatedAt:           o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           o.UpdatedAt.Format(time.RFC3339),
	}
}

// IngestOrder принимает снимок нового заказа из системы оформления.
func (h *Handler) IngestOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !decode(w, r, &req) {
		return
	}

	o := model.Order{
		ID:          req.ID,
		BuyerID:     req.BuyerID,
		TotalAmount: req.TotalAmount,
		BonusSpent:  req.BonusSpent,
		Status:      model.OrderStatus(req.Status),
		Items:       make([]model.OrderItem, 0, len(req.Items)),
	}
	for _, it := range req.Items {
		o.Items = append(o.Items, model.OrderItem{ID: it.ID, Quantity: it.Quantity, PriceAtOrderTime: it.Price})
	}

	saved, err := h.service.IngestOrder(r.Context(), o)
	if err != nil {
		h.writeError(w, err, "ingest order error", zap.Int64("orderID", req.ID))
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(saved))
}

// GetOrder возвращает заказ с текущими и исходными суммами.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	o, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, err, "get order error", zap.Int64("orderID", orderID))
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type transitionRequest struct {
	From string `json:"from_status"`
	To   string `json:"to_status"`
}

// TransitionOrder меняет статус заказа; переход в DONE запускает начисления.
func (h *Handler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}

	o, err := h.service.TransitionOrder(r.Context(), orderID, model.OrderStatus(req.From), model.OrderStatus(req.To))
	if err != nil {
		h.writeError(w, err, "transition order error", zap.Int64("orderID", orderID), zap.String("to", req.To))
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type returnRequest struct {
	Items []model.ReturnLine `json:"items"`
}

type returnResponse struct {
	OrderID       int64                 `json:"order_id"`
	ReturnAmount  int64                 `json:"return_amount"`
	FullReturn    bool                  `json:"full_return"`
	BonusRefunded int64                 `json:"bonus_refunded"`
	Clawbacks     []ledgerEntryResponse `json:"clawbacks"`
	Order         orderResponse         `json:"order"`
}

// ProcessReturn принимает возврат позиций завершённого заказа.
func (h *Handler) ProcessReturn(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req returnRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.service.ProcessReturn(r.Context(), orderID, req.Items)
	if err != nil {
		h.writeError(w, err, "process return error", zap.Int64("orderID", orderID))
		return
	}

	writeJSON(w, http.StatusOK, returnResponse{
		OrderID:       res.OrderID,
		ReturnAmount:  res.ReturnAmount,
		FullReturn:    res.FullReturn,
		BonusRefunded: res.BonusRefunded,
		Clawbacks:     toLedgerEntries(res.Clawbacks, true),
		Order:         toOrderResponse(res.Order),
	})
}

// Reserve возвращает результат проверки резерва; Blocked запрещает оформление заказов.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.ReserveSnapshot(r.Context())
	if err != nil {
		h.writeError(w, err, "reserve snapshot error")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
