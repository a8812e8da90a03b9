package handler

import (
	"net/http"

	"go.uber.org/zap"
)

// GetBalance возвращает баланс и слоты текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	u, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get balance error", zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// GetLedger возвращает историю событий текущего пользователя без служебных идентификаторов.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	events, err := h.service.History(r.Context(), userID, pageFromQuery(r))
	if err != nil {
		h.writeError(w, err, "get ledger error", zap.Int64("userID", userID))
		return
	}
	if len(events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntries(events, false))
}

type slotPriceResponse struct {
	Price int64 `json:"price"`
}

// GetSlotPrice возвращает цену следующего слота.
func (h *Handler) GetSlotPrice(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	price, err := h.service.SlotPrice(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "slot price error", zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, slotPriceResponse{Price: price})
}

// PurchaseSlot покупает следующий слот за бонусы.
func (h *Handler) PurchaseSlot(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	res, err := h.service.PurchaseSlot(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "purchase slot error", zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
