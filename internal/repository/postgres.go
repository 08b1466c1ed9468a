// Package repository содержит реализацию доступа к данным в PostgreSQL и в памяти процесса.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/keypool-system/internal/clock"
	"github.com/mmeshcher/keypool-system/internal/inventory"
	"github.com/mmeshcher/keypool-system/internal/model"
	"github.com/mmeshcher/keypool-system/internal/validation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository хранит ключи, выдачи и заказы в PostgreSQL.
// Таблица keys одновременно служит пулами (status = available) и
// множеством всех когда-либо принятых ключей: строки из неё не удаляются.
type PostgresRepository struct {
	pool  *pgxpool.Pool
	clock clock.Clock
	newID func() string
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:  pool,
		clock: clock.NewSystem(),
		newID: uuid.NewString,
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// AddKeys добавляет ключи в пул тарифа. Конфликт по первичному ключу означает,
// что значение уже когда-либо принималось системой, и строка пропускается.
func (r *PostgresRepository) AddKeys(ctx context.Context, tier model.Tier, candidates []string) (int, int, error) {
	if _, err := model.ParseTier(string(tier)); err != nil {
		return 0, 0, err
	}

	keys := validation.NormalizeKeys(candidates)
	if len(keys) == 0 {
		return 0, 0, nil
	}

	distinct := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		distinct = append(distinct, k)
	}

	var added int
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`INSERT INTO keys (value, tier, status)
			 SELECT k, $2, $3 FROM unnest($1::text[]) AS k
			 ON CONFLICT (value) DO NOTHING`,
			distinct, string(tier), string(model.KeyStatusAvailable),
		)
		if err != nil {
			return err
		}
		added = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("insert keys: %w", err)
	}

	return added, len(keys) - added, nil
}

// RemoveKey помечает доступный ключ тарифа удалённым.
func (r *PostgresRepository) RemoveKey(ctx context.Context, tier model.Tier, key string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE keys SET status = $3, updated_at = NOW()
		 WHERE value = $1 AND tier = $2 AND status = $4`,
		key, string(tier), string(model.KeyStatusRemoved), string(model.KeyStatusAvailable),
	)
	if err != nil {
		return fmt.Errorf("remove key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = r.pool.QueryRow(ctx,
		`SELECT status FROM keys WHERE value = $1 AND tier = $2`,
		key, string(tier),
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("key %w in pool %q", inventory.ErrNotFound, tier)
		}
		return fmt.Errorf("select key status: %w", err)
	}

	if model.KeyStatus(status) == model.KeyStatusAssigned {
		return fmt.Errorf("%w: %s", inventory.ErrAlreadyAssigned, key)
	}
	return fmt.Errorf("key %w in pool %q", inventory.ErrNotFound, tier)
}

// ListAvailable возвращает доступные ключи тарифа в порядке добавления.
func (r *PostgresRepository) ListAvailable(ctx context.Context, tier model.Tier) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT value FROM keys
		 WHERE tier = $1 AND status = $2
		 ORDER BY created_at, value`,
		string(tier), string(model.KeyStatusAvailable),
	)
	if err != nil {
		return nil, fmt.Errorf("select keys: %w", err)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect keys: %w", err)
	}
	return keys, nil
}

// AvailableCount возвращает число доступных ключей тарифа.
func (r *PostgresRepository) AvailableCount(ctx context.Context, tier model.Tier) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM keys WHERE tier = $1 AND status = $2`,
		string(tier), string(model.KeyStatusAvailable),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count keys: %w", err)
	}
	return n, nil
}

// Assign выдаёт заказу один доступный ключ тарифа. Строки, заблокированные
// параллельными транзакциями, пропускаются, поэтому ожидания ключа нет.
func (r *PostgresRepository) Assign(ctx context.Context, tier model.Tier, orderID, userID, productType string) (model.Assignment, bool, error) {
	var (
		result  model.Assignment
		created bool
	)

	err := r.withRetry(ctx, func() error {
		a, c, err := r.assignOnce(ctx, tier, orderID, userID, productType)
		if err != nil {
			return err
		}
		result, created = a, c
		return nil
	})
	if err != nil {
		return model.Assignment{}, false, err
	}

	return result, created, nil
}

func (r *PostgresRepository) assignOnce(ctx context.Context, tier model.Tier, orderID, userID, productType string) (model.Assignment, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Assignment{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanAssignment(tx.QueryRow(ctx, selectAssignment+` WHERE order_id = $1`, orderID))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Assignment{}, false, fmt.Errorf("select assignment: %w", err)
	}

	var key string
	err = tx.QueryRow(ctx,
		`SELECT value FROM keys
		 WHERE tier = $1 AND status = $2
		 ORDER BY created_at
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		string(tier), string(model.KeyStatusAvailable),
	).Scan(&key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Assignment{}, false, fmt.Errorf("pool %q: %w", tier, inventory.ErrOutOfStock)
		}
		return model.Assignment{}, false, fmt.Errorf("lock key: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE keys SET status = $2, updated_at = NOW() WHERE value = $1`,
		key, string(model.KeyStatusAssigned),
	)
	if err != nil {
		return model.Assignment{}, false, fmt.Errorf("mark key assigned: %w", err)
	}

	a := model.NewAssignment(r.newID(), orderID, userID, key, tier, productType, r.clock.Now())
	_, err = tx.Exec(ctx,
		`INSERT INTO assignments (id, order_id, user_id, key_value, tier, product_type, assigned_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.OrderID, a.UserID, a.Key, string(a.Tier), a.ProductType, a.AssignedAt, a.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Параллельная выдача для того же заказа успела раньше: откатываем
			// свою и возвращаем её результат.
			_ = tx.Rollback(ctx)
			winner, lookupErr := r.Lookup(ctx, orderID)
			if lookupErr != nil {
				return model.Assignment{}, false, lookupErr
			}
			return winner, false, nil
		}
		return model.Assignment{}, false, fmt.Errorf("insert assignment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Assignment{}, false, fmt.Errorf("commit tx: %w", err)
	}

	return a, true, nil
}

const selectAssignment = `SELECT id, order_id, user_id, key_value, tier, product_type, assigned_at, expires_at FROM assignments`

func scanAssignment(row pgx.Row) (model.Assignment, error) {
	var (
		a    model.Assignment
		tier string
	)
	err := row.Scan(&a.ID, &a.OrderID, &a.UserID, &a.Key, &tier, &a.ProductType, &a.AssignedAt, &a.ExpiresAt)
	if err != nil {
		return model.Assignment{}, err
	}
	a.Tier = model.Tier(tier)
	return a, nil
}

// Lookup возвращает выдачу по заказу.
func (r *PostgresRepository) Lookup(ctx context.Context, orderID string) (model.Assignment, error) {
	a, err := scanAssignment(r.pool.QueryRow(ctx, selectAssignment+` WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Assignment{}, fmt.Errorf("assignment for order %s: %w", orderID, inventory.ErrNotFound)
		}
		return model.Assignment{}, fmt.Errorf("select assignment: %w", err)
	}
	return a, nil
}

// ListForUser возвращает выдачи пользователя, новые первыми.
func (r *PostgresRepository) ListForUser(ctx context.Context, userID string) ([]model.Assignment, error) {
	rows, err := r.pool.Query(ctx,
		selectAssignment+` WHERE user_id = $1 ORDER BY assigned_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select assignments: %w", err)
	}
	defer rows.Close()

	var res []model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// Stats считает доступные и выданные ключи по тарифам в одном снимке данных.
func (r *PostgresRepository) Stats(ctx context.Context) (model.PoolStats, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return model.PoolStats{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stats := model.NewPoolStats()

	err = countByTier(ctx, tx,
		`SELECT tier, COUNT(*) FROM keys WHERE status = $1 GROUP BY tier`,
		stats.Available, string(model.KeyStatusAvailable),
	)
	if err != nil {
		return model.PoolStats{}, fmt.Errorf("count available: %w", err)
	}

	err = countByTier(ctx, tx, `SELECT tier, COUNT(*) FROM assignments GROUP BY tier`, stats.Assigned)
	if err != nil {
		return model.PoolStats{}, fmt.Errorf("count assigned: %w", err)
	}

	for _, n := range stats.Assigned {
		stats.TotalAssigned += n
	}

	return stats, nil
}

func countByTier(ctx context.Context, tx pgx.Tx, query string, dst map[model.Tier]int, args ...any) error {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tier string
			n    int
		)
		if err := rows.Scan(&tier, &n); err != nil {
			return err
		}
		dst[model.Tier(tier)] = n
	}
	return rows.Err()
}
