package stockd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes we map into the error taxonomy.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    username    VARCHAR(50) NOT NULL UNIQUE,
    email       VARCHAR(100),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS products (
    id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    name        VARCHAR(100) NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    price       BIGINT NOT NULL CHECK (price >= 0),
    stock       BIGINT NOT NULL CHECK (stock >= 0),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS purchases (
    id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    user_id      BIGINT NOT NULL REFERENCES users(id),
    product_id   BIGINT NOT NULL REFERENCES products(id),
    quantity     BIGINT NOT NULL CHECK (quantity > 0),
    total_price  BIGINT NOT NULL,
    purchased_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS purchases_user_id_idx ON purchases (user_id);
CREATE INDEX IF NOT EXISTS purchases_product_id_idx ON purchases (product_id);
`

// PGStore is the authoritative relational store: the product registry and the
// append-only purchase ledger. It implements the Catalog and Ledger
// capability sets over a process-wide pgx connection pool.
//
// The products.stock column is a mirror of the hot Redis counter and is never
// consulted for admission control; RecordPurchase refreshes it inside the
// same transaction as the ledger insert.
type PGStore struct {
	pool    *pgxpool.Pool
	logger  Logger
	metrics Metrics
}

// NewPGStore connects a pool using the configured DATABASE_URL and pool
// bounds.
func NewPGStore(ctx context.Context, cfg *Config, logger Logger, metrics Metrics) (*PGStore, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "DatabaseURL",
			"reason": err.Error(),
		})
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MinConns = cfg.DBMinConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.DBAcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &PGStore{pool: pool, logger: logger, metrics: metrics}, nil
}

// NewPGStoreFromPool wraps an existing pool (tests, shared pools).
func NewPGStoreFromPool(pool *pgxpool.Pool, logger Logger, metrics Metrics) *PGStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &PGStore{pool: pool, logger: logger, metrics: metrics}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// RegisterUser inserts a user row. Username uniqueness is enforced at the
// schema level; a duplicate surfaces as ErrUserExists.
func (s *PGStore) RegisterUser(ctx context.Context, username, email string) (*User, error) {
	u := &User{Username: username, Email: email}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, email) VALUES ($1, $2)
		 RETURNING id, created_at`,
		username, email,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, WithContext(ErrUserExists, map[string]interface{}{
				"username": username,
			})
		}
		return nil, fmt.Errorf("failed to register user: %w", err)
	}
	return u, nil
}

// CreateProduct inserts the product row. Name uniqueness is enforced by the
// schema; a duplicate insert fails loudly as ErrProductExists.
func (s *PGStore) CreateProduct(ctx context.Context, p *Product) (*Product, error) {
	created := *p
	err := s.pool.QueryRow(ctx,
		`INSERT INTO products (name, description, price, stock)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		p.Name, p.Description, p.Price, p.Stock,
	).Scan(&created.ID, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, WithContext(ErrProductExists, map[string]interface{}{
				"name": p.Name,
			})
		}
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	s.logger.Info("product created", "product_id", created.ID, "name", created.Name)
	return &created, nil
}

// GetProduct returns the product row by id.
func (s *PGStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	p := &Product{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, price, stock, created_at, updated_at
		 FROM products WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, WithContext(ErrProductNotFound, map[string]interface{}{
			"product_id": id,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// GetProductByName returns the product row by its unique name.
func (s *PGStore) GetProductByName(ctx context.Context, name string) (*Product, error) {
	p := &Product{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, price, stock, created_at, updated_at
		 FROM products WHERE name = $1`,
		name,
	).Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, WithContext(ErrProductNotFound, map[string]interface{}{
			"name": name,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product by name: %w", err)
	}
	return p, nil
}

// ListProducts returns a page of products ordered by id.
func (s *PGStore) ListProducts(ctx context.Context, offset, limit int64) ([]*Product, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, price, stock, created_at, updated_at
		 FROM products ORDER BY id OFFSET $1 LIMIT $2`,
		offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p := &Product{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// DeleteProduct removes a product row. Only used by the creation saga's
// compensation, before any purchase can reference the row.
func (s *PGStore) DeleteProduct(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return WithContext(ErrProductNotFound, map[string]interface{}{
			"product_id": id,
		})
	}
	return nil
}

// RecordPurchase appends the ledger row and refreshes the stock mirror in one
// transaction. mirrorStock is the hot counter value observed after this
// request's decrement; concurrent purchases each write their own observation
// and the last committer wins, which is acceptable for a mirror.
func (s *PGStore) RecordPurchase(ctx context.Context, p *Purchase, mirrorStock int64) (*Purchase, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	recorded := *p
	err = tx.QueryRow(ctx,
		`INSERT INTO purchases (user_id, product_id, quantity, total_price)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, purchased_at`,
		p.UserID, p.ProductID, p.Quantity, p.TotalPrice,
	).Scan(&recorded.ID, &recorded.PurchasedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, WithContext(ErrProductNotFound, map[string]interface{}{
				"product_id": p.ProductID,
				"user_id":    p.UserID,
			})
		}
		return nil, fmt.Errorf("failed to insert purchase: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE products SET stock = $1, updated_at = now() WHERE id = $2`,
		mirrorStock, p.ProductID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update stock mirror: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit purchase: %w", err)
	}

	return &recorded, nil
}

// PurchasesByUser returns the user's purchase history, newest first.
func (s *PGStore) PurchasesByUser(ctx context.Context, userID int64) ([]*Purchase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, product_id, quantity, total_price, purchased_at
		 FROM purchases WHERE user_id = $1 ORDER BY purchased_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	var purchases []*Purchase
	for rows.Next() {
		p := &Purchase{}
		if err := rows.Scan(&p.ID, &p.UserID, &p.ProductID, &p.Quantity, &p.TotalPrice, &p.PurchasedAt); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}
