// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/virtnum/otpbuyer/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrFivesimOrderExists возвращается, если заказ с таким идентификатором 5sim уже записан.
	ErrFivesimOrderExists = errors.New("fivesim order id already recorded")
	// ErrOrderTerminal возвращается при попытке возврата по заказу в конечном статусе.
	ErrOrderTerminal = errors.New("order is in terminal status")
)

const orderColumns = `id, user_id, fivesim_order_id, service_code, country_code,
	 phone_number, otp_code, price, status, created_at, updated_at, expires_at`

// PostgresRepository предоставляет доступ к хранилищу пользователей и заказов.
type PostgresRepository struct {
	pool *pgxpool.Pool
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

	r := &PostgresRepository{pool: pool}

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
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock,
		// с переподключением pgxpool справляется сам.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const userColumns = `id, telegram_id, username, first_name, balance, currency, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName,
		&u.BalanceCents, &u.Currency, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetOrCreateUser возвращает пользователя по telegram_id, создавая его при первом
// обращении. Изменившиеся отображаемые поля обновляются на месте.
func (r *PostgresRepository) GetOrCreateUser(ctx context.Context, telegramID int64, username, firstName string) (*model.User, error) {
	var u *model.User
	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`INSERT INTO users (telegram_id, username, first_name)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (telegram_id) DO UPDATE SET
				username   = CASE WHEN EXCLUDED.username <> ''   THEN EXCLUDED.username   ELSE users.username END,
				first_name = CASE WHEN EXCLUDED.first_name <> '' THEN EXCLUDED.first_name ELSE users.first_name END,
				updated_at = now()
			 RETURNING `+userColumns,
			telegramID, username, firstName,
		)
		var scanErr error
		u, scanErr = scanUser(row)
		return scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("get or create user: %w", err)
	}
	return u, nil
}

// AdjustBalance атомарно изменяет баланс пользователя на delta копеек.
// Отрицательный итог репозиторий не отклоняет: это правило живёт в сервисе.
func (r *PostgresRepository) AdjustBalance(ctx context.Context, telegramID int64, deltaCents int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2, updated_at = now()
		 WHERE telegram_id = $1
		 RETURNING `+userColumns,
		telegramID, deltaCents,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("adjust balance: %w", err)
	}
	return u, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.UserID, &o.FivesimOrderID, &o.ServiceCode, &o.CountryCode,
		&o.PhoneNumber, &o.OTPCode, &o.PriceCents, &o.Status,
		&o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

// CreateOrderParams описывает параметры создания заказа при покупке.
type CreateOrderParams struct {
	TelegramID      int64
	FivesimOrderID  int64
	ServiceCode     string
	CountryCode     string
	PhoneNumber     string
	PriceCents      int64
	ValidityMinutes int
}

// CreateOrderWithDebit списывает цену с баланса пользователя и создаёт заказ
// в статусе WAITING_OTP одной транзакцией. Строка пользователя блокируется,
// чтобы сериализовать конкурентные списания.
func (r *PostgresRepository) CreateOrderWithDebit(ctx context.Context, p CreateOrderParams) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM users WHERE telegram_id = $1 FOR UPDATE`,
		p.TelegramID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lock user for update: %w", err)
	}

	if balance < p.PriceCents {
		return nil, ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET balance = balance - $2, updated_at = now() WHERE telegram_id = $1`,
		p.TelegramID, p.PriceCents,
	)
	if err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO orders (user_id, fivesim_order_id, service_code, country_code,
			 phone_number, price, status, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now() + make_interval(mins => $8))
		 RETURNING `+orderColumns,
		p.TelegramID, p.FivesimOrderID, p.ServiceCode, p.CountryCode,
		p.PhoneNumber, p.PriceCents, string(model.OrderStatusWaitingOTP), p.ValidityMinutes,
	)
	order, err := scanOrder(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %d", ErrFivesimOrderExists, p.FivesimOrderID)
		}
		return nil, fmt.Errorf("insert order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

// GetOrder возвращает заказ по внутреннему идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
		orderID,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// GetOrderByFivesimID возвращает заказ по идентификатору 5sim.
func (r *PostgresRepository) GetOrderByFivesimID(ctx context.Context, fivesimOrderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE fivesim_order_id = $1`,
		fivesimOrderID,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by fivesim id: %w", err)
	}
	return o, nil
}

// UpdateOrderStatus меняет статус заказа и, если передан, записывает код из SMS.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID int64, status model.OrderStatus, otpCode *string) (*model.Order, error) {
	var row pgx.Row
	if otpCode == nil {
		row = r.pool.QueryRow(ctx,
			`UPDATE orders SET status = $2, updated_at = now()
			 WHERE id = $1
			 RETURNING `+orderColumns,
			orderID, string(status),
		)
	} else {
		row = r.pool.QueryRow(ctx,
			`UPDATE orders SET status = $2, otp_code = $3, updated_at = now()
			 WHERE id = $1
			 RETURNING `+orderColumns,
			orderID, string(status), *otpCode,
		)
	}

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("update order status: %w", err)
	}
	return o, nil
}

// RefundOrder возвращает цену заказа на баланс владельца и переводит заказ в
// REFUNDED через промежуточный статус одной транзакцией: падение процесса не
// может оставить зачисление без смены статуса или наоборот.
func (r *PostgresRepository) RefundOrder(ctx context.Context, orderID int64, viaStatus model.OrderStatus) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`,
		orderID,
	)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order for update: %w", err)
	}

	if order.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrOrderTerminal, order.Status)
	}
	if !model.CanTransition(order.Status, viaStatus) || !model.CanTransition(viaStatus, model.OrderStatusRefunded) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrOrderTerminal, order.Status, viaStatus)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET balance = balance + $2, updated_at = now() WHERE telegram_id = $1`,
		order.UserID, order.PriceCents,
	)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}

	row = tx.QueryRow(ctx,
		`UPDATE orders SET status = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+orderColumns,
		orderID, string(model.OrderStatusRefunded),
	)
	order, err = scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

// ListOrdersForUser возвращает последние заказы пользователя, новые — первыми.
func (r *PostgresRepository) ListOrdersForUser(ctx context.Context, telegramID int64, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		telegramID, limit,
	)
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
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}
