// Package service реализует бизнес-логику сервиса выдачи ключей: заказы,
// подтверждение оплаты, выдачу ключей и администрирование пулов.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/keypool-system/internal/clock"
	"github.com/mmeshcher/keypool-system/internal/events"
	"github.com/mmeshcher/keypool-system/internal/inventory"
	"github.com/mmeshcher/keypool-system/internal/metrics"
	"github.com/mmeshcher/keypool-system/internal/model"
	"github.com/mmeshcher/keypool-system/internal/payment"
)

var (
	// ErrInvalidOrder возвращается для заказа с некорректными параметрами.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrUnknownProduct возвращается, если товара нет в каталоге.
	ErrUnknownProduct = errors.New("unknown product")
)

// KeyStore описывает хранилище ключей и выдач.
type KeyStore interface {
	Close() error
	AddKeys(ctx context.Context, tier model.Tier, candidates []string) (int, int, error)
	RemoveKey(ctx context.Context, tier model.Tier, key string) error
	ListAvailable(ctx context.Context, tier model.Tier) ([]string, error)
	AvailableCount(ctx context.Context, tier model.Tier) (int, error)
	Assign(ctx context.Context, tier model.Tier, orderID, userID, productType string) (model.Assignment, bool, error)
	Lookup(ctx context.Context, orderID string) (model.Assignment, error)
	ListForUser(ctx context.Context, userID string) ([]model.Assignment, error)
	Stats(ctx context.Context) (model.PoolStats, error)
}

// OrderStore описывает хранилище заказов.
type OrderStore interface {
	CreateOrder(ctx context.Context, o model.Order) error
	GetOrder(ctx context.Context, id string) (model.Order, error)
	GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	GetOrdersByStatus(ctx context.Context, status model.OrderStatus, tier model.Tier, limit int) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) error
}

// PaymentGateway запрашивает статус оплаты у внешнего шлюза.
type PaymentGateway interface {
	GetPayment(ctx context.Context, orderID string) (*payment.PaymentInfo, int, time.Duration, error)
}

// Publisher отправляет события во внешнюю шину.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error
}

type restockSignal struct {
	tier  model.Tier
	added int
}

// Service содержит бизнес-логику сервиса выдачи ключей.
type Service struct {
	keys      KeyStore
	orders    OrderStore
	gateway   PaymentGateway
	publisher Publisher
	metrics   *metrics.Metrics
	catalog   []model.Product
	logger    *zap.Logger
	clock     clock.Clock
	newID     func() string

	restock chan restockSignal
}

// Option настраивает Service.
type Option func(*Service)

// WithGateway включает опрос платёжного шлюза.
func WithGateway(g PaymentGateway) Option {
	return func(s *Service) { s.gateway = g }
}

// WithPublisher задаёт получателя событий о выдаче. nil игнорируется.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithMetrics включает учёт метрик выдачи и загрузки ключей.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithCatalog задаёт каталог товаров. С пустым каталогом заказы принимаются
// на любой тип товара.
func WithCatalog(products []model.Product) Option {
	return func(s *Service) { s.catalog = products }
}

// WithLogger задаёт логгер сервиса.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock задаёт источник текущего времени.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithIDGenerator задаёт генератор идентификаторов заказов.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService создаёт сервис поверх хранилищ ключей и заказов.
func NewService(keys KeyStore, orders OrderStore, opts ...Option) *Service {
	logger := zap.NewNop()
	s := &Service{
		keys:      keys,
		orders:    orders,
		publisher: events.NewLoggingPublisher(logger),
		logger:    logger,
		clock:     clock.NewSystem(),
		newID:     uuid.NewString,
		restock:   make(chan restockSignal, 64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.keys != nil {
		return s.keys.Close()
	}
	return nil
}

// NewOrder содержит параметры создаваемого заказа.
type NewOrder struct {
	ProductType   string
	Tier          model.Tier
	AmountMinor   int64
	Currency      string
	PaymentMethod string
}

// CreateOrder сохраняет заказ в статусе ожидания оплаты.
func (s *Service) CreateOrder(ctx context.Context, userID string, req NewOrder) (model.Order, error) {
	tier, err := model.ParseTier(string(req.Tier))
	if err != nil {
		return model.Order{}, err
	}
	if req.AmountMinor <= 0 {
		return model.Order{}, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if strings.TrimSpace(userID) == "" {
		return model.Order{}, fmt.Errorf("%w: empty user", ErrInvalidOrder)
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(s.catalog) > 0 {
		p, ok := s.findProduct(req.ProductType, tier)
		if !ok {
			return model.Order{}, fmt.Errorf("%w: %s for %s", ErrUnknownProduct, req.ProductType, tier)
		}
		if want := p.AmountMinor(); req.AmountMinor != want {
			return model.Order{}, fmt.Errorf("%w: amount %d does not match price %d", ErrInvalidOrder, req.AmountMinor, want)
		}
		catalogCurrency := strings.ToUpper(p.Currency)
		if currency != "" && currency != catalogCurrency {
			return model.Order{}, fmt.Errorf("%w: currency %s, expected %s", ErrInvalidOrder, currency, catalogCurrency)
		}
		currency = catalogCurrency
	}

	now := s.clock.Now()
	o := model.Order{
		ID:            s.newID(),
		UserID:        userID,
		ProductType:   req.ProductType,
		Tier:          tier,
		AmountMinor:   req.AmountMinor,
		Currency:      currency,
		PaymentMethod: req.PaymentMethod,
		Status:        model.OrderStatusPendingPayment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.orders.CreateOrder(ctx, o); err != nil {
		return model.Order{}, err
	}

	s.logger.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("user_id", userID),
		zap.String("tier", string(tier)),
	)
	return o, nil
}

func (s *Service) findProduct(productType string, tier model.Tier) (model.Product, bool) {
	for _, p := range s.catalog {
		if p.ProductType == productType && p.Tier == tier {
			return p, true
		}
	}
	return model.Product{}, false
}

// GetOrder возвращает заказ пользователя. Чужой заказ считается ненайденным.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (model.Order, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	if o.UserID != userID {
		return model.Order{}, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}
	return o, nil
}

// UserOrders возвращает заказы пользователя, новые первыми.
func (s *Service) UserOrders(ctx context.Context, userID string) ([]model.Order, error) {
	return s.orders.GetOrdersByUser(ctx, userID)
}

// UserKeys возвращает ключи, выданные пользователю, новые первыми.
func (s *Service) UserKeys(ctx context.Context, userID string) ([]model.Assignment, error) {
	return s.keys.ListForUser(ctx, userID)
}

// Products возвращает каталог с текущим наличием ключей.
func (s *Service) Products(ctx context.Context) ([]model.Product, error) {
	res := make([]model.Product, 0, len(s.catalog))
	for _, p := range s.catalog {
		n, err := s.keys.AvailableCount(ctx, p.Tier)
		if err != nil {
			return nil, fmt.Errorf("count stock for %s: %w", p.Tier, err)
		}
		p.StockCount = n
		p.InStock = n > 0
		res = append(res, p)
	}
	return res, nil
}

// ConfirmPayment отмечает заказ оплаченным и выдаёт ему ключ. Вызов
// идемпотентен: для исполненного заказа возвращается уже выданный ключ.
// Если ключей нет, заказ переходит в out_of_stock и возвращается
// inventory.ErrOutOfStock.
func (s *Service) ConfirmPayment(ctx context.Context, orderID string) (model.Assignment, error) {
	// Статус мог смениться параллельным вызовом между чтением и переходом,
	// тогда заказ перечитывается.
	for attempt := 0; attempt < 3; attempt++ {
		o, err := s.orders.GetOrder(ctx, orderID)
		if err != nil {
			return model.Assignment{}, err
		}

		switch o.Status {
		case model.OrderStatusFulfilled:
			return s.keys.Lookup(ctx, o.ID)
		case model.OrderStatusPaymentFailed:
			return model.Assignment{}, fmt.Errorf("%w: order %s payment failed", model.ErrInvalidTransition, o.ID)
		case model.OrderStatusFulfilling:
			return s.fulfil(ctx, o)
		case model.OrderStatusPendingPayment, model.OrderStatusOutOfStock:
			err := s.orders.UpdateOrderStatus(ctx, o.ID, o.Status, model.OrderStatusFulfilling)
			if err == nil {
				o.Status = model.OrderStatusFulfilling
				return s.fulfil(ctx, o)
			}
			if !errors.Is(err, model.ErrInvalidTransition) {
				return model.Assignment{}, err
			}
		default:
			return model.Assignment{}, fmt.Errorf("%w: unknown status %q", model.ErrInvalidTransition, o.Status)
		}
	}

	return model.Assignment{}, fmt.Errorf("%w: order %s keeps changing", model.ErrInvalidTransition, orderID)
}

func (s *Service) fulfil(ctx context.Context, o model.Order) (model.Assignment, error) {
	a, created, err := s.keys.Assign(ctx, o.Tier, o.ID, o.UserID, o.ProductType)
	if err != nil {
		if !errors.Is(err, inventory.ErrOutOfStock) {
			return model.Assignment{}, fmt.Errorf("assign key: %w", err)
		}

		s.metrics.ObserveAssign(o.Tier, metrics.AssignOutOfStock)
		uerr := s.orders.UpdateOrderStatus(ctx, o.ID, model.OrderStatusFulfilling, model.OrderStatusOutOfStock)
		if uerr != nil && !errors.Is(uerr, model.ErrInvalidTransition) {
			s.logger.Error("failed to mark order out of stock", zap.String("order_id", o.ID), zap.Error(uerr))
		}
		s.logger.Warn("pool exhausted", zap.String("order_id", o.ID), zap.String("tier", string(o.Tier)))
		s.publish(ctx, events.TypeOrderOutOfStock, o.ID, events.OrderOutOfStock{
			OrderID: o.ID,
			UserID:  o.UserID,
			Tier:    string(o.Tier),
			At:      s.clock.Now(),
		})
		return model.Assignment{}, err
	}

	if err := s.markFulfilled(ctx, o.ID); err != nil {
		return model.Assignment{}, err
	}

	if !created {
		s.metrics.ObserveAssign(o.Tier, metrics.AssignReplayed)
		return a, nil
	}

	s.metrics.ObserveAssign(o.Tier, metrics.AssignCreated)
	s.logger.Info("key assigned",
		zap.String("order_id", o.ID),
		zap.String("assignment_id", a.ID),
		zap.String("tier", string(a.Tier)),
	)
	s.publish(ctx, events.TypeKeyAssigned, o.ID, events.KeyAssigned{
		AssignmentID: a.ID,
		OrderID:      a.OrderID,
		UserID:       a.UserID,
		Tier:         string(a.Tier),
		ProductType:  a.ProductType,
		AssignedAt:   a.AssignedAt,
		ExpiresAt:    a.ExpiresAt,
	})
	return a, nil
}

// markFulfilled переводит заказ с выданным ключом в fulfilled. Параллельный
// вызов мог успеть отметить заказ как out_of_stock до выдачи.
func (s *Service) markFulfilled(ctx context.Context, orderID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		err := s.orders.UpdateOrderStatus(ctx, orderID, model.OrderStatusFulfilling, model.OrderStatusFulfilled)
		if err == nil || !errors.Is(err, model.ErrInvalidTransition) {
			return err
		}

		o, err := s.orders.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		switch o.Status {
		case model.OrderStatusFulfilled:
			return nil
		case model.OrderStatusOutOfStock:
			err := s.orders.UpdateOrderStatus(ctx, orderID, model.OrderStatusOutOfStock, model.OrderStatusFulfilling)
			if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
				return err
			}
		default:
			return fmt.Errorf("%w: order %s is %s", model.ErrInvalidTransition, orderID, o.Status)
		}
	}
	return fmt.Errorf("%w: order %s keeps changing", model.ErrInvalidTransition, orderID)
}

// FailPayment отмечает неуспешную оплату. Повторный вызов ничего не меняет.
func (s *Service) FailPayment(ctx context.Context, orderID string) error {
	err := s.orders.UpdateOrderStatus(ctx, orderID, model.OrderStatusPendingPayment, model.OrderStatusPaymentFailed)
	if err == nil {
		s.logger.Info("payment failed", zap.String("order_id", orderID))
		return nil
	}
	if !errors.Is(err, model.ErrInvalidTransition) {
		return err
	}

	o, gerr := s.orders.GetOrder(ctx, orderID)
	if gerr != nil {
		return gerr
	}
	if o.Status == model.OrderStatusPaymentFailed {
		return nil
	}
	return err
}

// HandlePayment применяет итог оплаты из шлюза, вебхука или брокера.
func (s *Service) HandlePayment(ctx context.Context, orderID string, status payment.Status) error {
	switch status {
	case payment.StatusPaid:
		_, err := s.ConfirmPayment(ctx, orderID)
		return err
	case payment.StatusFailed:
		return s.FailPayment(ctx, orderID)
	case payment.StatusPending:
		return nil
	default:
		return fmt.Errorf("%w: %q", payment.ErrUnknownStatus, status)
	}
}

func (s *Service) publish(ctx context.Context, eventType, key string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, eventType, payload, key); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("partition_key", key),
			zap.Error(err),
		)
	}
}
