// Package inventory реализует хранение ключей по тарифам и их однократную выдачу заказам.
package inventory

import "errors"

var (
	// ErrNotFound возвращается, если ключ не доступен в пуле или выдача не найдена.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyAssigned возвращается при попытке удалить уже выданный ключ.
	ErrAlreadyAssigned = errors.New("key already assigned")
	// ErrOutOfStock возвращается, если в пуле тарифа нет доступных ключей.
	ErrOutOfStock = errors.New("out of stock")
)
