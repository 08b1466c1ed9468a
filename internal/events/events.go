// Package events публикует события выдачи ключей и принимает события оплаты
// через Kafka.
package events

import (
	"time"
)

// Типы исходящих событий.
const (
	TypeKeyAssigned     = "key.assigned"
	TypeOrderOutOfStock = "order.out_of_stock"
)

// KeyAssigned публикуется при первой выдаче ключа заказу. Значение ключа
// в событие не попадает.
type KeyAssigned struct {
	AssignmentID string    `json:"assignmentId"`
	OrderID      string    `json:"orderId"`
	UserID       string    `json:"userId"`
	Tier         string    `json:"duration"`
	ProductType  string    `json:"productType"`
	AssignedAt   time.Time `json:"assignedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// OrderOutOfStock публикуется, когда оплаченный заказ не получил ключ.
type OrderOutOfStock struct {
	OrderID string    `json:"orderId"`
	UserID  string    `json:"userId"`
	Tier    string    `json:"duration"`
	At      time.Time `json:"at"`
}

// PaymentEvent описывает входящее событие платёжного шлюза.
type PaymentEvent struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}
