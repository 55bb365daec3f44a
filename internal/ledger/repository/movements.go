package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

const movementSelect = `
	SELECT m.id, m.secuencia, m.producto_id, p.codigo, m.tipo, m.motivo, m.cantidad,
		m.precio_unitario, m.responsable, m.receta_id, m.usuario_id, m.observacion, m.fecha
	FROM movimientos m
	JOIN productos p ON p.id = m.producto_id
`

// MovementRepository handles the append-only movement journal
type MovementRepository struct {
	q sqlx.ExtContext
}

// NewMovementRepository creates a new movement repository
func NewMovementRepository(q sqlx.ExtContext) *MovementRepository {
	return &MovementRepository{q: q}
}

// Create appends a movement with its lot allocations and assigns its sequence
func (r *MovementRepository) Create(ctx context.Context, m *domain.Movement) error {
	if m.Quantity <= 0 {
		return domain.InvalidQuantity(m.Quantity)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	query := `
		INSERT INTO movimientos (
			id, producto_id, tipo, motivo, cantidad, precio_unitario, responsable,
			receta_id, usuario_id, observacion, fecha
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING secuencia
	`
	err := r.q.QueryRowxContext(ctx, query,
		m.ID, m.ProductID, m.Direction, m.Reason, m.Quantity, m.UnitPrice, m.Responsible,
		m.PrescriptionID, m.UserID, m.Note, m.OccurredAt,
	).Scan(&m.Sequence)
	if err != nil {
		if violates(err, uniqueViolation, "") {
			return errors.Conflict("movement " + m.ID + " already exists")
		}
		return wrap(err, "create movement")
	}

	allocQuery := `INSERT INTO movimiento_lotes (movimiento_id, lote_id, cantidad) VALUES ($1, $2, $3)`
	for _, a := range m.Allocations {
		if _, err := r.q.ExecContext(ctx, allocQuery, m.ID, a.LotID, a.Quantity); err != nil {
			return wrap(err, "create movement allocation")
		}
	}
	return nil
}

// Get gets a movement by ID
func (r *MovementRepository) Get(ctx context.Context, id string) (*domain.Movement, error) {
	var m domain.Movement
	if err := sqlx.GetContext(ctx, r.q, &m, movementSelect+` WHERE m.id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("movement")
		}
		return nil, wrap(err, "get movement")
	}
	list := []domain.Movement{m}
	if err := r.loadAllocations(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

// ListByProduct lists a product's movements in commit order
func (r *MovementRepository) ListByProduct(ctx context.Context, productID string, f domain.MovementFilter) ([]domain.Movement, error) {
	conditions := []string{"m.producto_id = $1"}
	args := []interface{}{productID}
	argIdx := 2

	if f.From != nil {
		conditions = append(conditions, fmt.Sprintf("m.fecha >= $%d", argIdx))
		args = append(args, *f.From)
		argIdx++
	}
	if f.To != nil {
		conditions = append(conditions, fmt.Sprintf("m.fecha <= $%d", argIdx))
		args = append(args, *f.To)
		argIdx++
	}
	if f.Direction != nil {
		conditions = append(conditions, fmt.Sprintf("m.tipo = $%d", argIdx))
		args = append(args, *f.Direction)
		argIdx++
	}

	query := movementSelect + " WHERE " + strings.Join(conditions, " AND ") + " ORDER BY m.secuencia"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	var movements []domain.Movement
	if err := sqlx.SelectContext(ctx, r.q, &movements, query, args...); err != nil {
		return nil, wrap(err, "list movements")
	}
	if err := r.loadAllocations(ctx, movements); err != nil {
		return nil, err
	}
	return movements, nil
}

type allocationRow struct {
	MovementID string `db:"movimiento_id"`
	domain.Allocation
}

func (r *MovementRepository) loadAllocations(ctx context.Context, movements []domain.Movement) error {
	if len(movements) == 0 {
		return nil
	}
	ids := make([]string, len(movements))
	byID := make(map[string]*domain.Movement, len(movements))
	for i := range movements {
		ids[i] = movements[i].ID
		byID[movements[i].ID] = &movements[i]
	}

	query := `
		SELECT ml.movimiento_id, ml.lote_id, l.numero_lote, l.fecha_vencimiento, ml.cantidad
		FROM movimiento_lotes ml
		JOIN lotes l ON l.id = ml.lote_id
		WHERE ml.movimiento_id = ANY($1)
		ORDER BY l.fecha_vencimiento, l.id
	`
	var rows []allocationRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, pq.Array(ids)); err != nil {
		return wrap(err, "load movement allocations")
	}
	for _, row := range rows {
		m := byID[row.MovementID]
		a := row.Allocation
		a.ExpiryDate = domain.DateOf(a.ExpiryDate)
		m.Allocations = append(m.Allocations, a)
	}
	return nil
}

// LastOccurredAt returns the timestamp of the newest movement of any product.
// Under SERIALIZABLE the read conflicts with concurrent inserts, so two
// commits can never record out of order.
func (r *MovementRepository) LastOccurredAt(ctx context.Context) (time.Time, error) {
	var last sql.NullTime
	query := `SELECT MAX(fecha) FROM movimientos`
	if err := sqlx.GetContext(ctx, r.q, &last, query); err != nil {
		return time.Time{}, wrap(err, "last movement")
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}

// Totals sums the product's inbound and outbound quantities
func (r *MovementRepository) Totals(ctx context.Context, productID string) (domain.MovementTotals, error) {
	var t domain.MovementTotals
	query := `
		SELECT
			COALESCE(SUM(cantidad) FILTER (WHERE tipo = 'entrada'), 0) AS total_in,
			COALESCE(SUM(cantidad) FILTER (WHERE tipo = 'salida'), 0) AS total_out
		FROM movimientos WHERE producto_id = $1
	`
	if err := sqlx.GetContext(ctx, r.q, &t, query, productID); err != nil {
		return t, wrap(err, "movement totals")
	}
	return t, nil
}
