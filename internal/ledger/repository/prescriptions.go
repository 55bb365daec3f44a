package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

// PrescriptionRepository handles prescription persistence
type PrescriptionRepository struct {
	q sqlx.ExtContext
}

// NewPrescriptionRepository creates a new prescription repository
func NewPrescriptionRepository(q sqlx.ExtContext) *PrescriptionRepository {
	return &PrescriptionRepository{q: q}
}

// Create inserts a prescription with its lines. Callers run it inside a
// unit of work so a failing line leaves nothing behind.
func (r *PrescriptionRepository) Create(ctx context.Context, rx *domain.Prescription) error {
	if rx.ID == "" {
		rx.ID = uuid.New().String()
	}
	seen := make(map[string]bool, len(rx.Lines))
	for _, line := range rx.Lines {
		if seen[line.ProductID] {
			return errors.Conflict("prescription has more than one line for product " + line.ProductCode)
		}
		seen[line.ProductID] = true
	}

	var expires *string
	if rx.ExpiresOn != nil {
		d := sqlDate(*rx.ExpiresOn)
		expires = &d
	}

	query := `
		INSERT INTO recetas (id, paciente, medico, fecha_emision, fecha_vencimiento)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.q.QueryRowxContext(ctx, query,
		rx.ID, rx.PatientRef, rx.PrescriberRef, sqlDate(rx.EmittedOn), expires,
	).Scan(&rx.CreatedAt)
	if err != nil {
		if violates(err, uniqueViolation, "") {
			return errors.Conflict("prescription " + rx.ID + " already exists")
		}
		return wrap(err, "create prescription")
	}

	lineQuery := `
		INSERT INTO receta_detalle (id, receta_id, posicion, producto_id, cantidad)
		VALUES ($1, $2, $3, $4, $5)
	`
	for i := range rx.Lines {
		line := &rx.Lines[i]
		if line.ID == "" {
			line.ID = uuid.New().String()
		}
		line.PrescriptionID = rx.ID
		_, err := r.q.ExecContext(ctx, lineQuery,
			line.ID, rx.ID, line.Position, line.ProductID, line.AuthorizedQuantity)
		if err != nil {
			if violates(err, foreignKeyViolation, "") {
				return domain.ProductNotFound(line.ProductCode)
			}
			return wrap(err, "create prescription line")
		}
	}
	return nil
}

// Get gets a prescription with its lines
func (r *PrescriptionRepository) Get(ctx context.Context, id string) (*domain.Prescription, error) {
	var rx domain.Prescription
	query := `
		SELECT id, paciente, medico, fecha_emision, fecha_vencimiento, anulada_en, motivo_anulacion, created_at
		FROM recetas WHERE id = $1
	`
	if err := sqlx.GetContext(ctx, r.q, &rx, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.PrescriptionNotFound(id)
		}
		return nil, wrap(err, "get prescription")
	}
	rx.EmittedOn = domain.DateOf(rx.EmittedOn)
	if rx.ExpiresOn != nil {
		d := domain.DateOf(*rx.ExpiresOn)
		rx.ExpiresOn = &d
	}

	linesQuery := `
		SELECT d.id, d.receta_id, d.posicion, d.producto_id, p.codigo, d.cantidad
		FROM receta_detalle d
		JOIN productos p ON p.id = d.producto_id
		WHERE d.receta_id = $1
		ORDER BY d.posicion
	`
	if err := sqlx.SelectContext(ctx, r.q, &rx.Lines, linesQuery, id); err != nil {
		return nil, wrap(err, "get prescription lines")
	}
	return &rx, nil
}

// Void annuls a prescription
func (r *PrescriptionRepository) Void(ctx context.Context, id string, at time.Time, reason string) error {
	query := `UPDATE recetas SET anulada_en = $2, motivo_anulacion = $3 WHERE id = $1`
	result, err := r.q.ExecContext(ctx, query, id, at, reason)
	if err != nil {
		return wrap(err, "void prescription")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.PrescriptionNotFound(id)
	}
	return nil
}

// Dispensed sums what was dispensed against the prescription for one product
func (r *PrescriptionRepository) Dispensed(ctx context.Context, prescriptionID, productID string) (int, error) {
	var total int
	query := `
		SELECT COALESCE(SUM(cantidad), 0) FROM movimientos
		WHERE receta_id = $1 AND producto_id = $2 AND motivo = 'dispensacion'
	`
	if err := sqlx.GetContext(ctx, r.q, &total, query, prescriptionID, productID); err != nil {
		return 0, wrap(err, "sum dispensed")
	}
	return total, nil
}
