package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mmeshcher/keypool-system/internal/clock"
	"github.com/mmeshcher/keypool-system/internal/model"
	"github.com/mmeshcher/keypool-system/internal/validation"
)

// Store хранит ключи в памяти процесса: пулы по тарифам, множество
// принятых ключей и журнал выдач.
type Store struct {
	registry *PoolRegistry
	dedup    *Deduplicator
	ledger   *Ledger
	clock    clock.Clock
	newID    func() string
}

// Option настраивает Store.
type Option func(*Store)

// WithClock подменяет источник времени для выдач.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов выдач.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewStore создаёт пустое хранилище с пулами для всех тарифов.
func NewStore(opts ...Option) *Store {
	s := &Store{
		registry: NewPoolRegistry(),
		dedup:    NewDeduplicator(),
		ledger:   NewLedger(),
		clock:    clock.NewSystem(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddKeys добавляет ключи в пул тарифа. Пустые строки отбрасываются, уже
// известные системе ключи (в любом тарифе и статусе) и повторы внутри пачки
// считаются дубликатами.
func (s *Store) AddKeys(ctx context.Context, tier model.Tier, candidates []string) (int, int, error) {
	keys := validation.NormalizeKeys(candidates)

	var added, duplicates int
	err := s.registry.With(tier, func(p *KeyPool) error {
		for _, k := range keys {
			if !s.dedup.Add(k) {
				duplicates++
				continue
			}
			p.Add(k)
			added++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return added, duplicates, nil
}

// RemoveKey окончательно убирает доступный ключ из пула тарифа.
func (s *Store) RemoveKey(ctx context.Context, tier model.Tier, key string) error {
	return s.registry.With(tier, func(p *KeyPool) error {
		if p.Remove(key) {
			return nil
		}
		if a, ok := s.ledger.ByKey(key); ok && a.Tier == tier {
			return fmt.Errorf("%w: %s", ErrAlreadyAssigned, key)
		}
		return fmt.Errorf("key %w in pool %q", ErrNotFound, tier)
	})
}

// ListAvailable возвращает доступные ключи тарифа.
func (s *Store) ListAvailable(ctx context.Context, tier model.Tier) ([]string, error) {
	return s.registry.ListAvailable(tier)
}

// AvailableCount возвращает число доступных ключей тарифа.
func (s *Store) AvailableCount(ctx context.Context, tier model.Tier) (int, error) {
	return s.registry.AvailableCount(tier)
}

// Assign выдаёт заказу один ключ тарифа. Повторный вызов для того же заказа
// возвращает существующую выдачу и false, пул при этом не меняется.
func (s *Store) Assign(ctx context.Context, tier model.Tier, orderID, userID, productType string) (model.Assignment, bool, error) {
	if existing, ok := s.ledger.Lookup(orderID); ok {
		return existing, false, nil
	}

	var (
		result  model.Assignment
		created bool
	)
	err := s.registry.With(tier, func(p *KeyPool) error {
		if existing, ok := s.ledger.Lookup(orderID); ok {
			result = existing
			return nil
		}

		key, ok := p.Take()
		if !ok {
			return fmt.Errorf("pool %q: %w", tier, ErrOutOfStock)
		}

		a := model.NewAssignment(s.newID(), orderID, userID, key, tier, productType, s.clock.Now())
		stored, inserted := s.ledger.Insert(a)
		if !inserted {
			// Заказ уже получил ключ из другого пула: возвращаем взятый ключ.
			p.Add(key)
		}
		result, created = stored, inserted
		return nil
	})
	if err != nil {
		return model.Assignment{}, false, err
	}

	return result, created, nil
}

// Lookup возвращает выдачу по заказу.
func (s *Store) Lookup(ctx context.Context, orderID string) (model.Assignment, error) {
	a, ok := s.ledger.Lookup(orderID)
	if !ok {
		return model.Assignment{}, fmt.Errorf("assignment for order %s: %w", orderID, ErrNotFound)
	}
	return a, nil
}

// ListForUser возвращает выдачи пользователя.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]model.Assignment, error) {
	return s.ledger.ListForUser(userID), nil
}

// Stats возвращает актуальную статистику по всем тарифам. Пулы и журнал
// читаются под блокировками всех тарифов, поэтому выдача не может попасть
// между подсчётами.
func (s *Store) Stats(ctx context.Context) (model.PoolStats, error) {
	stats := model.NewPoolStats()

	s.registry.WithAllLocked(func(counts map[model.Tier]int) {
		for t, n := range counts {
			stats.Available[t] = n
		}
		for t, n := range s.ledger.CountByTier() {
			stats.Assigned[t] = n
			stats.TotalAssigned += n
		}
	})

	return stats, nil
}

// Close ничего не делает: хранилище в памяти не держит внешних ресурсов.
func (s *Store) Close() error {
	return nil
}
