// Package handler содержит HTTP-обработчики API сервиса выдачи ключей.
package handler

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mmeshcher/keypool-system/internal/inventory"
	"github.com/mmeshcher/keypool-system/internal/metrics"
	"github.com/mmeshcher/keypool-system/internal/middleware"
	"github.com/mmeshcher/keypool-system/internal/model"
	"github.com/mmeshcher/keypool-system/internal/payment"
	"github.com/mmeshcher/keypool-system/internal/ratelimit"
	"github.com/mmeshcher/keypool-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, userID string, req service.NewOrder) (model.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (model.Order, error)
	UserOrders(ctx context.Context, userID string) ([]model.Order, error)
	UserKeys(ctx context.Context, userID string) ([]model.Assignment, error)
	Products(ctx context.Context) ([]model.Product, error)

	AddKeys(ctx context.Context, tier model.Tier, candidates []string) (int, int, error)
	RemoveKey(ctx context.Context, tier model.Tier, key string) error
	ListPool(ctx context.Context, tier model.Tier) ([]string, error)
	Stats(ctx context.Context) (model.PoolStats, error)

	HandlePayment(ctx context.Context, orderID string, status payment.Status) error
}

// Handler реализует HTTP-обработчики API сервиса выдачи ключей.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validator.Validate

	limiter      ratelimit.Limiter
	limitWindow  time.Duration
	webhookToken string
	corsOrigins  []string
	metrics      *metrics.Metrics
	health       func(ctx context.Context) error
	now          func() time.Time
}

// Option настраивает Handler.
type Option func(*Handler)

// WithRateLimit ограничивает создание заказов.
func WithRateLimit(l ratelimit.Limiter, window time.Duration) Option {
	return func(h *Handler) {
		h.limiter = l
		h.limitWindow = window
	}
}

// WithWebhookToken задаёт общий секрет для вебхука платёжного шлюза.
func WithWebhookToken(token string) Option {
	return func(h *Handler) { h.webhookToken = token }
}

// WithCORSOrigins задаёт разрешённые источники для CORS.
func WithCORSOrigins(origins []string) Option {
	return func(h *Handler) { h.corsOrigins = origins }
}

// WithMetrics включает учёт длительности запросов.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithHealthCheck задаёт проверку зависимостей для /healthz.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(h *Handler) { h.health = fn }
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts ...Option) *Handler {
	h := &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validate:       newValidator(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if msg == "" {
		msg = http.StatusText(status)
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

// writeServiceError переводит ошибку бизнес-логики в HTTP-статус.
// Неожиданные ошибки пишутся в лог и отдаются как 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidTier),
		errors.Is(err, service.ErrInvalidOrder),
		errors.Is(err, service.ErrUnknownProduct),
		errors.Is(err, payment.ErrUnknownStatus):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, inventory.ErrNotFound),
		errors.Is(err, model.ErrOrderNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, inventory.ErrAlreadyAssigned),
		errors.Is(err, inventory.ErrOutOfStock),
		errors.Is(err, model.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		// клиент ушёл
	default:
		h.logger.Error(op+" error", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "")
	}
}

// decode читает JSON-тело запроса и проверяет его по тегам validate.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, r, http.StatusBadRequest, "invalid field "+verrs[0].Field()+": "+verrs[0].Tag())
			return false
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "")
	}
	return userID, ok
}

// Health отвечает 200, если зависимости доступны.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeError(w, r, http.StatusServiceUnavailable, "unavailable")
			return
		}
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}
