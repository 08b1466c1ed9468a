package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/mmeshcher/keypool-system/internal/inventory"
	"github.com/mmeshcher/keypool-system/internal/payment"
)

type paymentWebhookRequest struct {
	OrderID string `json:"orderId" validate:"required"`
	Status  string `json:"status" validate:"required"`
}

// PaymentWebhook применяет уведомление платёжного шлюза к заказу.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req paymentWebhookRequest
	if !h.decode(w, r, &req) {
		return
	}

	status, err := payment.ParseStatus(req.Status)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err = h.service.HandlePayment(r.Context(), req.OrderID, status)
	if err != nil {
		if errors.Is(err, inventory.ErrOutOfStock) {
			h.logger.Info("paid order is waiting for stock", zap.String("order_id", req.OrderID))
		}
		h.writeServiceError(w, r, "payment webhook", err)
		return
	}

	render.JSON(w, r, map[string]string{"orderId": req.OrderID, "status": string(status)})
}
