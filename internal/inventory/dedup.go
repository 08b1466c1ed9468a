package inventory

import "sync"

// Deduplicator помнит каждый когда-либо принятый ключ независимо от его
// дальнейшей судьбы. Множество только растёт.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduplicator создаёт пустое множество.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Add атомарно регистрирует ключ. Возвращает false, если ключ уже встречался.
func (d *Deduplicator) Add(value string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[value]; ok {
		return false
	}
	d.seen[value] = struct{}{}
	return true
}

// Seen сообщает, встречался ли ключ.
func (d *Deduplicator) Seen(value string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.seen[value]
	return ok
}

// Len возвращает размер множества.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}
