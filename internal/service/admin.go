package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmeshcher/keypool-system/internal/model"
)

// AddKeys загружает пачку ключей в пул тарифа и возвращает число добавленных
// ключей и дубликатов. Если ключи добавлены, ожидающие заказы тарифа будут
// обработаны повторно.
func (s *Service) AddKeys(ctx context.Context, tier model.Tier, candidates []string) (int, int, error) {
	tier, err := model.ParseTier(string(tier))
	if err != nil {
		return 0, 0, err
	}

	added, duplicates, err := s.keys.AddKeys(ctx, tier, candidates)
	if err != nil {
		return 0, 0, err
	}

	s.metrics.ObserveIngest(tier, added, duplicates)
	s.logger.Info("keys ingested",
		zap.String("tier", string(tier)),
		zap.Int("added", added),
		zap.Int("duplicates", duplicates),
	)

	if added > 0 {
		select {
		case s.restock <- restockSignal{tier: tier, added: added}:
		default:
			// Очередь полна: заказы подберёт периодический проход.
			s.logger.Debug("restock signal dropped", zap.String("tier", string(tier)))
		}
	}

	return added, duplicates, nil
}

// RemoveKey удаляет доступный ключ из пула тарифа.
func (s *Service) RemoveKey(ctx context.Context, tier model.Tier, key string) error {
	tier, err := model.ParseTier(string(tier))
	if err != nil {
		return err
	}

	if err := s.keys.RemoveKey(ctx, tier, key); err != nil {
		return err
	}

	s.metrics.ObserveRemoval(tier)
	s.logger.Info("key removed", zap.String("tier", string(tier)))
	return nil
}

// ListPool возвращает доступные ключи тарифа.
func (s *Service) ListPool(ctx context.Context, tier model.Tier) ([]string, error) {
	tier, err := model.ParseTier(string(tier))
	if err != nil {
		return nil, err
	}
	return s.keys.ListAvailable(ctx, tier)
}

// Stats возвращает статистику пулов.
func (s *Service) Stats(ctx context.Context) (model.PoolStats, error) {
	return s.keys.Stats(ctx)
}
