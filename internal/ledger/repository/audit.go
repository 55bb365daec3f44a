package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

const auditColumns = `id, movimiento_id, producto_id, numero_entrada, accion, cantidad, saldo,
	receta_id, usuario_id, fecha, hash_anterior, hash`

// AuditRepository handles the controlled-substance register
type AuditRepository struct {
	q sqlx.ExtContext
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(q sqlx.ExtContext) *AuditRepository {
	return &AuditRepository{q: q}
}

// Append adds the next entry of a product's register
func (r *AuditRepository) Append(ctx context.Context, rec *domain.AuditRecord) error {
	var last int
	query := `SELECT COALESCE(MAX(numero_entrada), 0) FROM auditoria_controlados WHERE producto_id = $1`
	if err := sqlx.GetContext(ctx, r.q, &last, query, rec.ProductID); err != nil {
		return wrap(err, "append audit record")
	}
	if rec.EntryNumber != last+1 {
		return errors.Conflict("audit entry number out of sequence")
	}

	insert := `
		INSERT INTO auditoria_controlados (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.q.ExecContext(ctx, insert,
		rec.ID, rec.MovementID, rec.ProductID, rec.EntryNumber, rec.Action, rec.Quantity,
		rec.Balance, rec.PrescriptionID, rec.UserID, rec.RecordedAt, rec.PrevHash, rec.Hash,
	)
	if err != nil {
		if violates(err, uniqueViolation, "auditoria_movimiento_key") {
			return errors.Conflict("movement " + rec.MovementID + " already has an audit record")
		}
		if violates(err, uniqueViolation, "auditoria_producto_entrada_key") {
			return errors.Conflict("audit entry number out of sequence")
		}
		return wrap(err, "append audit record")
	}
	return nil
}

// Last returns the newest entry of a product, nil when the register is empty
func (r *AuditRepository) Last(ctx context.Context, productID string) (*domain.AuditRecord, error) {
	var rec domain.AuditRecord
	query := `
		SELECT ` + auditColumns + ` FROM auditoria_controlados
		WHERE producto_id = $1
		ORDER BY numero_entrada DESC
		LIMIT 1
	`
	if err := sqlx.GetContext(ctx, r.q, &rec, query, productID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrap(err, "last audit record")
	}
	return utcRecord(&rec), nil
}

// GetByMovement gets the entry paired with a movement
func (r *AuditRepository) GetByMovement(ctx context.Context, movementID string) (*domain.AuditRecord, error) {
	var rec domain.AuditRecord
	query := `SELECT ` + auditColumns + ` FROM auditoria_controlados WHERE movimiento_id = $1`
	if err := sqlx.GetContext(ctx, r.q, &rec, query, movementID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("audit record")
		}
		return nil, wrap(err, "get audit record")
	}
	return utcRecord(&rec), nil
}

// ListByProduct lists a product's register in entry order
func (r *AuditRepository) ListByProduct(ctx context.Context, productID string) ([]domain.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM auditoria_controlados WHERE producto_id = $1 ORDER BY numero_entrada`
	return r.list(ctx, query, productID)
}

// ListByPrescription lists the entries recorded against a prescription in time order
func (r *AuditRepository) ListByPrescription(ctx context.Context, prescriptionID string) ([]domain.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM auditoria_controlados WHERE receta_id = $1 ORDER BY fecha, id`
	return r.list(ctx, query, prescriptionID)
}

func (r *AuditRepository) list(ctx context.Context, query, key string) ([]domain.AuditRecord, error) {
	var records []domain.AuditRecord
	if err := sqlx.SelectContext(ctx, r.q, &records, query, key); err != nil {
		return nil, wrap(err, "list audit records")
	}
	for i := range records {
		utcRecord(&records[i])
	}
	return records, nil
}

// utcRecord puts RecordedAt back in UTC; the hash covers its UTC rendering
// but equality checks in callers compare Time values.
func utcRecord(rec *domain.AuditRecord) *domain.AuditRecord {
	rec.RecordedAt = rec.RecordedAt.UTC()
	return rec
}
