package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/keypool-system/internal/inventory"
	"github.com/mmeshcher/keypool-system/internal/metrics"
	"github.com/mmeshcher/keypool-system/internal/model"
	"github.com/mmeshcher/keypool-system/internal/payment"
)

const (
	sweepBatch       = 100
	pollBatch        = 100
	stuckFulfilAfter = time.Minute
)

// RetryBacklog повторяет выдачу для не более чем limit заказов тарифа,
// оставшихся без ключа, начиная с самых старых. Проход останавливается на
// первом заказе, которому снова не хватило ключа. Возвращает число
// исполненных заказов.
func (s *Service) RetryBacklog(ctx context.Context, tier model.Tier, limit int) (int, error) {
	orders, err := s.orders.GetOrdersByStatus(ctx, model.OrderStatusOutOfStock, tier, limit)
	if err != nil {
		return 0, err
	}

	fulfilled := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return fulfilled, ctx.Err()
		}

		_, err := s.ConfirmPayment(ctx, o.ID)
		switch {
		case err == nil:
			fulfilled++
			s.metrics.ObserveRedrive(tier, metrics.AssignCreated)
		case errors.Is(err, inventory.ErrOutOfStock):
			s.metrics.ObserveRedrive(tier, metrics.AssignOutOfStock)
			return fulfilled, nil
		case errors.Is(err, model.ErrInvalidTransition):
			// Заказ уже обработан другим вызовом.
		default:
			s.logger.Warn("re-drive failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}

	return fulfilled, nil
}

// RunRestockWorker обрабатывает сигналы о пополнении пулов и периодически
// проходит по всем тарифам. Блокируется до отмены ctx.
func (s *Service) RunRestockWorker(ctx context.Context, sweepInterval time.Duration) error {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-s.restock:
			n, err := s.RetryBacklog(ctx, sig.tier, sig.added)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("restock re-drive failed", zap.String("tier", string(sig.tier)), zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("backlog fulfilled after restock", zap.String("tier", string(sig.tier)), zap.Int("orders", n))
			}
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	for _, tier := range model.Tiers {
		if _, err := s.RetryBacklog(ctx, tier, sweepBatch); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("backlog sweep failed", zap.String("tier", string(tier)), zap.Error(err))
		}
	}

	// Заказы, застрявшие в fulfilling после сбоя посреди выдачи.
	stuck, err := s.orders.GetOrdersByStatus(ctx, model.OrderStatusFulfilling, "", sweepBatch)
	if err != nil {
		s.logger.Error("select stuck orders failed", zap.Error(err))
		return
	}
	cutoff := s.clock.Now().Add(-stuckFulfilAfter)
	for _, o := range stuck {
		if o.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := s.ConfirmPayment(ctx, o.ID); err != nil && !errors.Is(err, inventory.ErrOutOfStock) {
			s.logger.Warn("stuck order re-drive failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

// RunPaymentPolling периодически опрашивает платёжный шлюз по заказам,
// ожидающим оплаты. Без настроенного шлюза сразу возвращает nil.
func (s *Service) RunPaymentPolling(ctx context.Context, interval time.Duration) error {
	if s.gateway == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.processPaymentBatch(ctx)
		}
	}
}

func (s *Service) processPaymentBatch(ctx context.Context) {
	orders, err := s.orders.GetOrdersByStatus(ctx, model.OrderStatusPendingPayment, "", pollBatch)
	if err != nil {
		s.logger.Error("select pending orders failed", zap.Error(err))
		return
	}

	for _, o := range orders {
		info, statusCode, retryAfter, err := s.gateway.GetPayment(ctx, o.ID)
		if err != nil {
			s.logger.Debug("payment gateway request failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if info == nil {
			continue
		}

		status, err := payment.ParseStatus(info.Status)
		if err != nil {
			s.logger.Warn("unknown payment status", zap.String("order_id", o.ID), zap.String("status", info.Status))
			continue
		}

		err = s.HandlePayment(ctx, o.ID, status)
		if err != nil && !errors.Is(err, inventory.ErrOutOfStock) {
			s.logger.Warn("failed to apply payment status", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}
