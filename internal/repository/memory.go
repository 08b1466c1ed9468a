package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mmeshcher/keypool-system/internal/clock"
	"github.com/mmeshcher/keypool-system/internal/model"
)

// MemoryOrderRepository хранит заказы в памяти процесса. Используется, когда
// БД не настроена, и в тестах.
type MemoryOrderRepository struct {
	mu     sync.RWMutex
	orders map[string]model.Order
	clock  clock.Clock
}

// MemoryOption настраивает MemoryOrderRepository.
type MemoryOption func(*MemoryOrderRepository)

// WithOrderClock задаёт часы, которыми отмечается время смены статуса.
func WithOrderClock(c clock.Clock) MemoryOption {
	return func(m *MemoryOrderRepository) {
		if c != nil {
			m.clock = c
		}
	}
}

// NewMemoryOrderRepository создаёт пустое хранилище заказов.
func NewMemoryOrderRepository(opts ...MemoryOption) *MemoryOrderRepository {
	m := &MemoryOrderRepository{
		orders: make(map[string]model.Order),
		clock:  clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOrder сохраняет новый заказ. Повторный идентификатор даёт ErrOrderExists.
func (m *MemoryOrderRepository) CreateOrder(ctx context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrOrderExists, o.ID)
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	m.orders[o.ID] = o
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (m *MemoryOrderRepository) GetOrder(ctx context.Context, id string) (model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	return o, nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (m *MemoryOrderRepository) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	m.mu.RLock()
	var res []model.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			res = append(res, o)
		}
	}
	m.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// GetOrdersByStatus возвращает до limit заказов в статусе status, старые
// первыми. Пустой tier означает любой тариф.
func (m *MemoryOrderRepository) GetOrdersByStatus(ctx context.Context, status model.OrderStatus, tier model.Tier, limit int) ([]model.Order, error) {
	m.mu.RLock()
	var res []model.Order
	for _, o := range m.orders {
		if o.Status != status {
			continue
		}
		if tier != "" && o.Tier != tier {
			continue
		}
		res = append(res, o)
	}
	m.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// UpdateOrderStatus переводит заказ из from в to, если он всё ещё в from.
func (m *MemoryOrderRepository) UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	if o.Status != from {
		return fmt.Errorf("%w: order %s is %s, expected %s", model.ErrInvalidTransition, id, o.Status, from)
	}

	o.Status = to
	o.UpdatedAt = m.clock.Now()
	m.orders[id] = o
	return nil
}
