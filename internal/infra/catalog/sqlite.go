// Package catalog is the local commerce catalog backed by SQLite.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmrzaf/invsync/internal/domain"
	"github.com/mmrzaf/invsync/internal/infra/repos/queue"
)

var ErrNotFound = errors.New("product not found")

// KindComposite marks parent rows whose variants are the sellable entities.
const KindComposite = "composite"

// Product is the stored row, including the synced stock and price fields.
type Product struct {
	domain.Entity
	StockQuantity float64            `json:"stock_quantity"`
	StockStatus   domain.StockStatus `json:"stock_status,omitempty"`
	RegularPrice  *float64           `json:"regular_price,omitempty"`
	SalePrice     *float64           `json:"sale_price,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

type SQLiteCatalog struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens the catalog database and creates the products table.
func OpenSQLite(ctx context.Context, path string) (*SQLiteCatalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("catalog db path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create catalog db directory: %w", err)
		}
	}
	db, err := queue.OpenSQLiteDB(path)
	if err != nil {
		return nil, err
	}
	c := &SQLiteCatalog{db: db, now: time.Now}
	if err := c.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCatalog) init(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY,
		parent_id INTEGER,
		kind TEXT NOT NULL,
		virtual INTEGER NOT NULL DEFAULT 0,
		sku TEXT,
		name TEXT NOT NULL,
		stock_quantity REAL NOT NULL DEFAULT 0,
		stock_status TEXT,
		regular_price REAL,
		sale_price REAL,
		updated_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create products table: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_products_sku ON products(sku)`)
	return err
}

func (c *SQLiteCatalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

const entityColumns = `id, COALESCE(parent_id, 0), kind, virtual, COALESCE(sku, ''), name`

// Enumerate returns every sellable entity (standalone products and
// variants) in id order.
func (c *SQLiteCatalog) Enumerate(ctx context.Context) ([]domain.Entity, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+entityColumns+`
		FROM products
		WHERE kind IN (?, ?)
		ORDER BY id ASC`, string(domain.EntityKindStandalone), string(domain.EntityKindVariant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// FindBySKU returns the most recently created sellable entity with sku, or
// nil when none matches.
func (c *SQLiteCatalog) FindBySKU(ctx context.Context, sku string) (*domain.Entity, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM products
		WHERE sku = ? AND kind IN (?, ?)
		ORDER BY id DESC
		LIMIT 1`, sku, string(domain.EntityKindStandalone), string(domain.EntityKindVariant))
	return optionalEntity(row)
}

func (c *SQLiteCatalog) FindByID(ctx context.Context, id int64) (*domain.Entity, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM products
		WHERE id = ? AND kind IN (?, ?)`, id, string(domain.EntityKindStandalone), string(domain.EntityKindVariant))
	return optionalEntity(row)
}

func (c *SQLiteCatalog) WriteStock(ctx context.Context, e domain.Entity, u domain.StockUpdate) error {
	return c.update(ctx, e.ID, `UPDATE products SET stock_quantity = ?, stock_status = ?, updated_at = ? WHERE id = ?`,
		u.Quantity, string(u.Status), queue.DialectSQLite.Time(c.now()), e.ID)
}

// WritePrice sets both the regular and the sale price.
func (c *SQLiteCatalog) WritePrice(ctx context.Context, e domain.Entity, amount float64) error {
	return c.update(ctx, e.ID, `UPDATE products SET regular_price = ?, sale_price = ?, updated_at = ? WHERE id = ?`,
		amount, amount, queue.DialectSQLite.Time(c.now()), e.ID)
}

func (c *SQLiteCatalog) update(ctx context.Context, id int64, query string, args ...any) error {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	return nil
}

// Get returns the full stored row for id, whatever its kind.
func (c *SQLiteCatalog) Get(ctx context.Context, id int64) (*Product, error) {
	var (
		p       Product
		virtual bool
		status  sql.NullString
		regular sql.NullFloat64
		sale    sql.NullFloat64
		updated queue.NullTime
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(parent_id, 0), kind, virtual, COALESCE(sku, ''), name,
		       stock_quantity, stock_status, regular_price, sale_price, updated_at
		FROM products WHERE id = ?`, id).Scan(
		&p.ID, &p.ParentID, &p.Kind, &virtual, &p.SKU, &p.Name,
		&p.StockQuantity, &status, &regular, &sale, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.Virtual = virtual
	p.StockStatus = domain.StockStatus(status.String)
	if regular.Valid {
		p.RegularPrice = &regular.Float64
	}
	if sale.Valid {
		p.SalePrice = &sale.Float64
	}
	p.UpdatedAt = updated.Time
	return &p, nil
}

// Insert stores a product row. ID is assigned when zero.
func (c *SQLiteCatalog) Insert(ctx context.Context, e *domain.Entity) error {
	var parent, sku, id any
	if e.ParentID != 0 {
		parent = e.ParentID
	}
	if e.SKU != "" {
		sku = e.SKU
	}
	if e.ID != 0 {
		id = e.ID
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO products (id, parent_id, kind, virtual, sku, name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, parent, string(e.Kind), e.Virtual, sku, e.Name, queue.DialectSQLite.Time(c.now()))
	if err != nil {
		return fmt.Errorf("insert product %q: %w", e.Name, err)
	}
	if e.ID == 0 {
		if e.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

func (c *SQLiteCatalog) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n)
	return n, err
}

func optionalEntity(row *sql.Row) (*domain.Entity, error) {
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*domain.Entity, error) {
	var (
		e       domain.Entity
		kind    string
		virtual bool
	)
	if err := s.Scan(&e.ID, &e.ParentID, &kind, &virtual, &e.SKU, &e.Name); err != nil {
		return nil, err
	}
	e.Kind = domain.EntityKind(kind)
	e.Virtual = virtual
	return &e, nil
}
