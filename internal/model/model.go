// Package model содержит доменные сущности сервиса пула лицензионных ключей.
package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrInvalidTier возвращается для неизвестного тарифа (срока действия ключа).
	ErrInvalidTier = errors.New("invalid tier")
	// ErrInvalidTransition возвращается при недопустимой смене статуса заказа.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
)

// Tier описывает срок действия ключа и одновременно идентифицирует пул.
type Tier string

const (
	TierOneDay     Tier = "1 day"
	TierSevenDays  Tier = "7 days"
	TierThirtyDays Tier = "30 days"
)

// Tiers перечисляет все известные тарифы в порядке возрастания срока.
var Tiers = []Tier{TierOneDay, TierSevenDays, TierThirtyDays}

// ParseTier проверяет строку и возвращает соответствующий тариф.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
}

// Duration возвращает срок действия ключа тарифа.
func (t Tier) Duration() time.Duration {
	switch t {
	case TierOneDay:
		return 24 * time.Hour
	case TierSevenDays:
		return 7 * 24 * time.Hour
	case TierThirtyDays:
		return 30 * 24 * time.Hour
	}
	return 0
}

// KeyStatus описывает состояние ключа.
type KeyStatus string

const (
	KeyStatusAvailable KeyStatus = "available"
	KeyStatusAssigned  KeyStatus = "assigned"
	KeyStatusRemoved   KeyStatus = "removed"
)

// Key описывает одноразовый ключ активации.
type Key struct {
	Value  string
	Tier   Tier
	Status KeyStatus
}

// Assignment связывает оплаченный заказ с выданным ключом. Запись неизменяема.
type Assignment struct {
	ID          string
	OrderID     string
	UserID      string
	Key         string
	Tier        Tier
	ProductType string
	AssignedAt  time.Time
	ExpiresAt   time.Time
}

// Expired сообщает, истёк ли срок действия ключа к моменту now.
func (a Assignment) Expired(now time.Time) bool {
	return !a.ExpiresAt.After(now)
}

// NewAssignment создаёт запись о выдаче ключа со сроком действия по тарифу.
func NewAssignment(id, orderID, userID, key string, tier Tier, productType string, now time.Time) Assignment {
	return Assignment{
		ID:          id,
		OrderID:     orderID,
		UserID:      userID,
		Key:         key,
		Tier:        tier,
		ProductType: productType,
		AssignedAt:  now,
		ExpiresAt:   now.Add(tier.Duration()),
	}
}

// PoolStats содержит агрегированную статистику пулов.
type PoolStats struct {
	Available     map[Tier]int
	Assigned      map[Tier]int
	TotalAssigned int
}

// NewPoolStats возвращает статистику с нулевыми значениями для всех тарифов.
func NewPoolStats() PoolStats {
	s := PoolStats{
		Available: make(map[Tier]int, len(Tiers)),
		Assigned:  make(map[Tier]int, len(Tiers)),
	}
	for _, t := range Tiers {
		s.Available[t] = 0
		s.Assigned[t] = 0
	}
	return s
}

// OrderStatus описывает статус заказа с точки зрения выдачи ключа.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaymentFailed  OrderStatus = "payment_failed"
	OrderStatusFulfilling     OrderStatus = "fulfilling"
	OrderStatusFulfilled      OrderStatus = "fulfilled"
	OrderStatusOutOfStock     OrderStatus = "out_of_stock"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingPayment: {OrderStatusFulfilling, OrderStatusPaymentFailed},
	OrderStatusFulfilling:     {OrderStatusFulfilled, OrderStatusOutOfStock},
	OrderStatusOutOfStock:     {OrderStatusFulfilling},
}

// CanTransition сообщает, допустим ли переход из статуса s в next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order описывает заказ ключа. Сумма хранится в минимальных единицах валюты.
type Order struct {
	ID            string
	UserID        string
	ProductType   string
	Tier          Tier
	AmountMinor   int64
	Currency      string
	PaymentMethod string
	Status        OrderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Product описывает позицию каталога и текущее наличие ключей.
type Product struct {
	ID          string  `yaml:"id"`
	ProductType string  `yaml:"product_type"`
	Tier        Tier    `yaml:"duration"`
	Price       float64 `yaml:"price"`
	Currency    string  `yaml:"currency"`
	Description string  `yaml:"description"`
	InStock     bool    `yaml:"-"`
	StockCount  int     `yaml:"-"`
}

// AmountMinor возвращает цену товара в минимальных единицах валюты.
func (p Product) AmountMinor() int64 {
	return int64(math.Round(p.Price * 100))
}
