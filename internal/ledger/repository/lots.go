package repository

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

const lotColumns = `id, producto_id, numero_lote, fecha_fabricacion, fecha_vencimiento,
	cantidad, estado, fecha_ingreso`

// fefoOrder is the consumption order of lots.
const fefoOrder = `ORDER BY fecha_vencimiento, id`

// LotRepository handles lot persistence
type LotRepository struct {
	q sqlx.ExtContext
}

// NewLotRepository creates a new lot repository
func NewLotRepository(q sqlx.ExtContext) *LotRepository {
	return &LotRepository{q: q}
}

// Create inserts a lot and assigns its ID
func (r *LotRepository) Create(ctx context.Context, lot *domain.Lot) error {
	var productCode string
	err := sqlx.GetContext(ctx, r.q, &productCode, `SELECT codigo FROM productos WHERE id = $1`, lot.ProductID)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ProductNotFound(lot.ProductID)
		}
		return wrap(err, "create lot")
	}
	if lot.ExpiryDate.Before(lot.ManufactureDate) {
		return domain.InvalidDateRange(lot.ManufactureDate, lot.ExpiryDate)
	}
	if lot.Quantity < 0 {
		return errors.Validation(map[string]string{"quantity": "must not be negative"})
	}
	if lot.Status == "" {
		lot.Status = domain.StatusActive
	}
	if lot.ReceivedAt.IsZero() {
		lot.ReceivedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO lotes (
			producto_id, numero_lote, fecha_fabricacion, fecha_vencimiento, cantidad, estado, fecha_ingreso
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err = r.q.QueryRowxContext(ctx, query,
		lot.ProductID, lot.LotNumber, sqlDate(lot.ManufactureDate), sqlDate(lot.ExpiryDate),
		lot.Quantity, lot.Status, lot.ReceivedAt,
	).Scan(&lot.ID)
	if err != nil {
		if violates(err, uniqueViolation, "lotes_producto_numero_key") {
			return domain.DuplicateLot(productCode, lot.LotNumber)
		}
		return wrap(err, "create lot")
	}
	return nil
}

// Get gets a lot by ID
func (r *LotRepository) Get(ctx context.Context, id int64) (*domain.Lot, error) {
	var lot domain.Lot
	query := `SELECT ` + lotColumns + ` FROM lotes WHERE id = $1`
	if err := sqlx.GetContext(ctx, r.q, &lot, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.LotNotFound(strconv.FormatInt(id, 10))
		}
		return nil, wrap(err, "get lot")
	}
	return normalizeLot(&lot), nil
}

// GetByNumber gets a lot by product and lot number
func (r *LotRepository) GetByNumber(ctx context.Context, productID, lotNumber string) (*domain.Lot, error) {
	var lot domain.Lot
	query := `SELECT ` + lotColumns + ` FROM lotes WHERE producto_id = $1 AND numero_lote = $2`
	if err := sqlx.GetContext(ctx, r.q, &lot, query, productID, lotNumber); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.LotNotFound(lotNumber)
		}
		return nil, wrap(err, "get lot")
	}
	return normalizeLot(&lot), nil
}

// ListByProduct lists every lot of a product in FEFO order
func (r *LotRepository) ListByProduct(ctx context.Context, productID string) ([]domain.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lotes WHERE producto_id = $1 ` + fefoOrder
	return r.selectLots(ctx, "list lots", query, productID)
}

// CountByProduct counts the lots of a product
func (r *LotRepository) CountByProduct(ctx context.Context, productID string) (int, error) {
	var n int
	if err := sqlx.GetContext(ctx, r.q, &n, `SELECT COUNT(*) FROM lotes WHERE producto_id = $1`, productID); err != nil {
		return 0, wrap(err, "count lots")
	}
	return n, nil
}

// UpdateQuantity sets the remaining quantity of a lot
func (r *LotRepository) UpdateQuantity(ctx context.Context, id int64, quantity int) error {
	if quantity < 0 {
		return errors.Validation(map[string]string{"quantity": "must not be negative"})
	}
	result, err := r.q.ExecContext(ctx, `UPDATE lotes SET cantidad = $2 WHERE id = $1`, id, quantity)
	if err != nil {
		return wrap(err, "update lot quantity")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.LotNotFound(strconv.FormatInt(id, 10))
	}
	return nil
}

// SumQuantity totals all lots of a product, expired ones included
func (r *LotRepository) SumQuantity(ctx context.Context, productID string) (int, error) {
	var total int
	query := `SELECT COALESCE(SUM(cantidad), 0) FROM lotes WHERE producto_id = $1`
	if err := sqlx.GetContext(ctx, r.q, &total, query, productID); err != nil {
		return 0, wrap(err, "sum lot quantities")
	}
	return total, nil
}

// ExpireBefore flags active lots expiring before date as vencido
func (r *LotRepository) ExpireBefore(ctx context.Context, date time.Time) ([]domain.Lot, error) {
	query := `
		WITH flipped AS (
			UPDATE lotes SET estado = 'vencido'
			WHERE estado = 'vigente' AND fecha_vencimiento < $1::date
			RETURNING ` + lotColumns + `
		)
		SELECT * FROM flipped ` + fefoOrder
	return r.selectLots(ctx, "expire lots", query, sqlDate(date))
}

// ListExpiring lists active non-empty lots expiring within [from, to]
func (r *LotRepository) ListExpiring(ctx context.Context, from, to time.Time) ([]domain.Lot, error) {
	query := `
		SELECT ` + lotColumns + ` FROM lotes
		WHERE estado = 'vigente' AND cantidad > 0
		  AND fecha_vencimiento BETWEEN $1::date AND $2::date
		` + fefoOrder
	return r.selectLots(ctx, "list expiring lots", query, sqlDate(from), sqlDate(to))
}

type stockLevelRow struct {
	domain.Product
	Available int `db:"disponible"`
}

// StockLevels derives the allocatable stock of every active product as of asOf
func (r *LotRepository) StockLevels(ctx context.Context, asOf time.Time) ([]domain.StockLevel, error) {
	query := `
		SELECT p.*, COALESCE(SUM(l.cantidad) FILTER (
			WHERE l.estado = 'vigente' AND l.fecha_vencimiento >= $1::date
		), 0) AS disponible
		FROM productos p
		LEFT JOIN lotes l ON l.producto_id = p.id
		WHERE p.activo
		GROUP BY p.id
		ORDER BY p.codigo
	`
	var rows []stockLevelRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, sqlDate(asOf)); err != nil {
		return nil, wrap(err, "stock levels")
	}
	levels := make([]domain.StockLevel, len(rows))
	for i, row := range rows {
		levels[i] = domain.StockLevel{Product: row.Product, Available: row.Available}
	}
	return levels, nil
}

func (r *LotRepository) selectLots(ctx context.Context, op, query string, args ...interface{}) ([]domain.Lot, error) {
	var lots []domain.Lot
	if err := sqlx.SelectContext(ctx, r.q, &lots, query, args...); err != nil {
		return nil, wrap(err, op)
	}
	for i := range lots {
		normalizeLot(&lots[i])
	}
	return lots, nil
}

// normalizeLot moves DATE columns to UTC midnight, the form the domain compares.
func normalizeLot(l *domain.Lot) *domain.Lot {
	l.ManufactureDate = domain.DateOf(l.ManufactureDate)
	l.ExpiryDate = domain.DateOf(l.ExpiryDate)
	return l
}
