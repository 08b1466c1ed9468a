package handler

import (
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/mmeshcher/keypool-system/internal/model"
	"github.com/mmeshcher/keypool-system/internal/service"
)

type createOrderRequest struct {
	ProductType   string  `json:"productType" validate:"required,max=64"`
	Duration      string  `json:"duration" validate:"required"`
	Amount        float64 `json:"amount" validate:"gt=0"`
	Currency      string  `json:"currency" validate:"omitempty,len=3,alpha"`
	PaymentMethod string  `json:"paymentMethod" validate:"omitempty,max=32"`
}

type orderResponse struct {
	ID            string  `json:"id"`
	ProductType   string  `json:"productType"`
	Duration      string  `json:"duration"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	PaymentMethod string  `json:"paymentMethod,omitempty"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
}

func newOrderResponse(o model.Order) orderResponse {
	return orderResponse{
		ID:            o.ID,
		ProductType:   o.ProductType,
		Duration:      string(o.Tier),
		Amount:        float64(o.AmountMinor) / 100,
		Currency:      o.Currency,
		PaymentMethod: o.PaymentMethod,
		Status:        string(o.Status),
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     o.UpdatedAt.Format(time.RFC3339),
	}
}

// CreateOrder создаёт заказ ключа для текущего пользователя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	o, err := h.service.CreateOrder(r.Context(), userID, service.NewOrder{
		ProductType:   req.ProductType,
		Tier:          model.Tier(req.Duration),
		AmountMinor:   int64(math.Round(req.Amount * 100)),
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		h.writeServiceError(w, r, "create order", err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]orderResponse{"order": newOrderResponse(o)})
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orders, err := h.service.UserOrders(r.Context(), userID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.String("userID", userID))
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, newOrderResponse(o))
	}
	render.JSON(w, r, map[string][]orderResponse{"orders": resp})
}

// GetOrder возвращает один заказ текущего пользователя.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	o, err := h.service.GetOrder(r.Context(), userID, chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeServiceError(w, r, "get order", err)
		return
	}
	render.JSON(w, r, map[string]orderResponse{"order": newOrderResponse(o)})
}

type keyResponse struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Duration    string `json:"duration"`
	ProductType string `json:"productType"`
	OrderID     string `json:"orderId"`
	AssignedAt  string `json:"assignedAt"`
	ExpiresAt   string `json:"expiresAt"`
	Expired     bool   `json:"expired"`
}

// GetKeys возвращает ключи, выданные текущему пользователю.
func (h *Handler) GetKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	assignments, err := h.service.UserKeys(r.Context(), userID)
	if err != nil {
		h.logger.Error("get keys error", zap.Error(err), zap.String("userID", userID))
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}

	now := h.now()
	resp := make([]keyResponse, 0, len(assignments))
	for _, a := range assignments {
		resp = append(resp, keyResponse{
			ID:          a.ID,
			Key:         a.Key,
			Duration:    string(a.Tier),
			ProductType: a.ProductType,
			OrderID:     a.OrderID,
			AssignedAt:  a.AssignedAt.Format(time.RFC3339),
			ExpiresAt:   a.ExpiresAt.Format(time.RFC3339),
			Expired:     a.Expired(now),
		})
	}
	render.JSON(w, r, map[string][]keyResponse{"keys": resp})
}

type productResponse struct {
	ID          string  `json:"id"`
	ProductType string  `json:"productType"`
	Duration    string  `json:"duration"`
	Price       float64 `json:"price"`
	Currency    string  `json:"currency"`
	Description string  `json:"description,omitempty"`
	InStock     bool    `json:"inStock"`
	StockCount  int     `json:"stockCount"`
}

// GetProducts возвращает каталог с наличием ключей.
func (h *Handler) GetProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.Products(r.Context())
	if err != nil {
		h.logger.Error("get products error", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, productResponse{
			ID:          p.ID,
			ProductType: p.ProductType,
			Duration:    string(p.Tier),
			Price:       p.Price,
			Currency:    p.Currency,
			Description: p.Description,
			InStock:     p.InStock,
			StockCount:  p.StockCount,
		})
	}
	render.JSON(w, r, map[string][]productResponse{"products": resp})
}
