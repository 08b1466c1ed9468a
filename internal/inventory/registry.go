package inventory

import (
	"fmt"
	"sync"

	"github.com/mmeshcher/keypool-system/internal/model"
)

type tierShard struct {
	mu   sync.Mutex
	pool *KeyPool
}

// PoolRegistry владеет пулами всех тарифов. Операции над одним тарифом
// выполняются под его собственной блокировкой, разные тарифы не блокируют друг друга.
type PoolRegistry struct {
	shards map[model.Tier]*tierShard
}

// NewPoolRegistry создаёт пустые пулы для всех известных тарифов.
func NewPoolRegistry() *PoolRegistry {
	shards := make(map[model.Tier]*tierShard, len(model.Tiers))
	for _, t := range model.Tiers {
		shards[t] = &tierShard{pool: NewKeyPool()}
	}
	return &PoolRegistry{shards: shards}
}

// With выполняет fn с эксклюзивным доступом к пулу тарифа.
func (r *PoolRegistry) With(tier model.Tier, fn func(p *KeyPool) error) error {
	s, ok := r.shards[tier]
	if !ok {
		return fmt.Errorf("%w: %q", model.ErrInvalidTier, tier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(s.pool)
}

// AvailableCount возвращает число доступных ключей тарифа.
func (r *PoolRegistry) AvailableCount(tier model.Tier) (int, error) {
	var n int
	err := r.With(tier, func(p *KeyPool) error {
		n = p.Len()
		return nil
	})
	return n, err
}

// ListAvailable возвращает доступные ключи тарифа.
func (r *PoolRegistry) ListAvailable(tier model.Tier) ([]string, error) {
	var keys []string
	err := r.With(tier, func(p *KeyPool) error {
		keys = p.List()
		return nil
	})
	return keys, err
}

// WithAllLocked выполняет fn, удерживая блокировки всех тарифов. Блокировки
// берутся в порядке model.Tiers. counts содержит число доступных ключей
// каждого тарифа на момент вызова.
func (r *PoolRegistry) WithAllLocked(fn func(counts map[model.Tier]int)) {
	counts := make(map[model.Tier]int, len(model.Tiers))
	for _, t := range model.Tiers {
		s := r.shards[t]
		s.mu.Lock()
		defer s.mu.Unlock()
		counts[t] = s.pool.Len()
	}
	fn(counts)
}
