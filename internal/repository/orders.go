package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/keypool-system/internal/model"
)

// ErrOrderExists возвращается при повторном создании заказа с тем же идентификатором.
var ErrOrderExists = errors.New("order already exists")

const selectOrder = `SELECT id, user_id, product_type, tier, amount_minor, currency, payment_method, status, created_at, updated_at FROM orders`

func scanOrder(row pgx.Row) (model.Order, error) {
	var (
		o      model.Order
		tier   string
		status string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.ProductType, &tier, &o.AmountMinor, &o.Currency,
		&o.PaymentMethod, &status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return model.Order{}, err
	}
	o.Tier = model.Tier(tier)
	o.Status = model.OrderStatus(status)
	return o, nil
}

// CreateOrder сохраняет новый заказ.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o model.Order) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, product_type, tier, amount_minor, currency, payment_method, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		o.ID, o.UserID, o.ProductType, string(o.Tier), o.AmountMinor, o.Currency,
		o.PaymentMethod, string(o.Status), o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrOrderExists, o.ID)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, selectOrder+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Order{}, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
		}
		return model.Order{}, fmt.Errorf("select order: %w", err)
	}
	return o, nil
}

// GetOrdersByUser возвращает заказы пользователя, новые первыми.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return r.queryOrders(ctx, selectOrder+` WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

// GetOrdersByStatus возвращает самые старые заказы в статусе status.
// Пустой tier означает любой тариф.
func (r *PostgresRepository) GetOrdersByStatus(ctx context.Context, status model.OrderStatus, tier model.Tier, limit int) ([]model.Order, error) {
	return r.queryOrders(ctx,
		selectOrder+` WHERE status = $1 AND ($2::text = '' OR tier = $2::text) ORDER BY created_at LIMIT $3`,
		string(status), string(tier), limit,
	)
}

func (r *PostgresRepository) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// UpdateOrderStatus переводит заказ из статуса from в to. Обновление
// условное, поэтому из параллельных переходов успешен только один.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), r.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: order %s is %s, expected %s", model.ErrInvalidTransition, id, current.Status, from)
}
