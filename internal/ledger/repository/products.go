package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

const productColumns = `id, codigo, nombre, descripcion, clasificacion, stock, stock_minimo,
	costo_unitario, precio_venta, proveedor, dias_entrega, activo, created_at, updated_at`

// ProductRepository handles catalog persistence
type ProductRepository struct {
	q sqlx.ExtContext
}

// NewProductRepository creates a new product repository
func NewProductRepository(q sqlx.ExtContext) *ProductRepository {
	return &ProductRepository{q: q}
}

// Create inserts a product
func (r *ProductRepository) Create(ctx context.Context, p *domain.Product) error {
	if p.CurrentStock < 0 || p.ReorderThreshold < 0 {
		return errors.Validation(map[string]string{"quantity": "must not be negative"})
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	query := `
		INSERT INTO productos (
			id, codigo, nombre, descripcion, clasificacion, stock, stock_minimo,
			costo_unitario, precio_venta, proveedor, dias_entrega, activo
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err := r.q.QueryRowxContext(ctx, query,
		p.ID, p.Code, p.Name, p.Description, p.Classification, p.CurrentStock,
		p.ReorderThreshold, p.UnitCost, p.UnitPrice, p.Supplier, p.LeadTimeDays, p.IsActive,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if violates(err, uniqueViolation, "productos_codigo_key") {
			return domain.DuplicateCode(p.Code)
		}
		return wrap(err, "create product")
	}
	return nil
}

// GetByCode gets a product by its catalog code
func (r *ProductRepository) GetByCode(ctx context.Context, code string) (*domain.Product, error) {
	return r.get(ctx, `SELECT `+productColumns+` FROM productos WHERE codigo = $1`, code)
}

// GetByID gets a product by ID
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	return r.get(ctx, `SELECT `+productColumns+` FROM productos WHERE id = $1`, id)
}

// LockByCode reads the product with a row lock held until the transaction ends.
func (r *ProductRepository) LockByCode(ctx context.Context, code string) (*domain.Product, error) {
	return r.get(ctx, `SELECT `+productColumns+` FROM productos WHERE codigo = $1 FOR UPDATE`, code)
}

func (r *ProductRepository) get(ctx context.Context, query, key string) (*domain.Product, error) {
	var p domain.Product
	if err := sqlx.GetContext(ctx, r.q, &p, query, key); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ProductNotFound(key)
		}
		return nil, wrap(err, "get product")
	}
	return &p, nil
}

// List lists every product ordered by code
func (r *ProductRepository) List(ctx context.Context) ([]domain.Product, error) {
	var products []domain.Product
	query := `SELECT ` + productColumns + ` FROM productos ORDER BY codigo`
	if err := sqlx.SelectContext(ctx, r.q, &products, query); err != nil {
		return nil, wrap(err, "list products")
	}
	return products, nil
}

// UpdateReorderThreshold sets the minimum stock before a reorder is suggested
func (r *ProductRepository) UpdateReorderThreshold(ctx context.Context, id string, threshold int) error {
	if threshold < 0 {
		return errors.Validation(map[string]string{"reorder_threshold": "must not be negative"})
	}
	return r.update(ctx, id, `UPDATE productos SET stock_minimo = $2, updated_at = NOW() WHERE id = $1`, threshold)
}

// UpdateClassification changes the sale classification
func (r *ProductRepository) UpdateClassification(ctx context.Context, id string, class domain.SaleClass) error {
	if !class.Valid() {
		return errors.Validation(map[string]string{"classification": "must be one of: venta_libre, con_receta, controlado"})
	}
	return r.update(ctx, id, `UPDATE productos SET clasificacion = $2, updated_at = NOW() WHERE id = $1`, class)
}

// UpdateStock rewrites the cached stock
func (r *ProductRepository) UpdateStock(ctx context.Context, id string, stock int) error {
	if stock < 0 {
		return errors.Validation(map[string]string{"quantity": "must not be negative"})
	}
	return r.update(ctx, id, `UPDATE productos SET stock = $2, updated_at = NOW() WHERE id = $1`, stock)
}

func (r *ProductRepository) update(ctx context.Context, id, query string, value interface{}) error {
	result, err := r.q.ExecContext(ctx, query, id, value)
	if err != nil {
		return wrap(err, "update product")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ProductNotFound(id)
	}
	return nil
}
