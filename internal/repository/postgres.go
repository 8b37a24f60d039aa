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
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/edupay-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrGoodNotFound возвращается, если товар не найден.
	ErrGoodNotFound = errors.New("good not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
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

// withRetry повторяет операцию при сериализационных конфликтах, дедлоках
// и сетевых сбоях. Ошибки контекста и бизнес-ошибки не ретраятся.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
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

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, openID string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, openid) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, openID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, openid, member_due, created_at FROM users WHERE login = $1`,
		login,
	)
	return scanUser(row)
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, openid, member_due, created_at FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.OpenID, &u.MemberDue, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetGoodByID возвращает товар каталога по идентификатору.
func (r *PostgresRepository) GetGoodByID(ctx context.Context, id string) (*model.Good, error) {
	var g model.Good
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, description, price, member_days FROM goods WHERE id = $1`,
		id,
	).Scan(&g.ID, &g.Name, &g.Description, &g.Price, &g.MemberDays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGoodNotFound
		}
		return nil, fmt.Errorf("get good: %w", err)
	}
	return &g, nil
}

// ListGoods возвращает товары каталога.
func (r *PostgresRepository) ListGoods(ctx context.Context) ([]model.Good, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, price, member_days FROM goods ORDER BY price`,
	)
	if err != nil {
		return nil, fmt.Errorf("select goods: %w", err)
	}
	defer rows.Close()

	var goods []model.Good
	for rows.Next() {
		var g model.Good
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.Price, &g.MemberDays); err != nil {
			return nil, fmt.Errorf("scan good: %w", err)
		}
		goods = append(goods, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return goods, nil
}

// CreateOrder сохраняет новый заказ в статусе CREATED.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	return r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO orders (id, user_id, good_id, pay_amount, status, trade_id)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			order.ID, order.UserID, order.GoodID, order.PayAmount, string(order.Status), order.TradeID,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		return nil
	})
}

// GetOrderByID возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, id string) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, good_id, pay_amount, status, trade_id, created_at, updated_at
		 FROM orders WHERE id = $1`,
		id,
	).Scan(&o.ID, &o.UserID, &o.GoodID, &o.PayAmount, &status, &o.TradeID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

// TransitionOrderStatus выполняет условный перевод заказа из статуса from в to.
// Возвращает false, если текущий статус не равен from: конкурентный переход
// проигрывает гонку без порчи данных. Это единственный примитив, на котором
// держится идемпотентность начислений.
func (r *PostgresRepository) TransitionOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) (bool, error) {
	var transitioned bool
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE orders SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
			id, string(from), string(to),
		)
		if err != nil {
			return fmt.Errorf("transition order status: %w", err)
		}
		transitioned = cmdTag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

// CreditMemberDays начисляет пользователю days дней подписки за заказ.
// Запись в журнале начислений с конфликтом по order_id делает операцию
// идемпотентной: повторный вызов для того же заказа возвращает false и
// не меняет member_due. Начисление и запись журнала выполняются в одной
// транзакции, частичного начисления не бывает.
func (r *PostgresRepository) CreditMemberDays(ctx context.Context, orderID string, userID int64, days int) (bool, error) {
	var credited bool

	err := r.withRetry(ctx, func() error {
		credited = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO entitlement_credits (order_id, user_id, days)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (order_id) DO NOTHING`,
			orderID, userID, days,
		)
		if err != nil {
			return fmt.Errorf("insert credit: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			// Начисление по этому заказу уже было.
			return tx.Commit(ctx)
		}

		// Блокируем строку пользователя: параллельные начисления по разным
		// заказам должны продлевать срок последовательно.
		var memberDue *time.Time
		err = tx.QueryRow(ctx,
			`SELECT member_due FROM users WHERE id = $1 FOR UPDATE`,
			userID,
		).Scan(&memberDue)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user for update: %w", err)
		}

		newDue := model.ExtendMembership(memberDue, time.Now(), days)

		_, err = tx.Exec(ctx,
			`UPDATE users SET member_due = $2 WHERE id = $1`,
			userID, newDue,
		)
		if err != nil {
			return fmt.Errorf("update member due: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		credited = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return credited, nil
}
