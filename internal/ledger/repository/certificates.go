package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
)

const certificateColumns = `id, producto_id, numero_registro, entidad_emisora, fecha_emision,
	fecha_vencimiento, estado, created_at`

// CertificateRepository handles sanitary certificate persistence
type CertificateRepository struct {
	q sqlx.ExtContext
}

// NewCertificateRepository creates a new certificate repository
func NewCertificateRepository(q sqlx.ExtContext) *CertificateRepository {
	return &CertificateRepository{q: q}
}

// Create registers a certificate for a product
func (r *CertificateRepository) Create(ctx context.Context, c *domain.Certificate) error {
	if c.ExpiryDate.Before(c.IssueDate) {
		return domain.InvalidDateRange(c.IssueDate, c.ExpiryDate)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = domain.StatusActive
	}

	query := `
		INSERT INTO certificados_sanitarios (
			id, producto_id, numero_registro, entidad_emisora, fecha_emision, fecha_vencimiento, estado
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.q.QueryRowxContext(ctx, query,
		c.ID, c.ProductID, c.RegistrationNumber, c.Authority,
		sqlDate(c.IssueDate), sqlDate(c.ExpiryDate), c.Status,
	).Scan(&c.CreatedAt)
	if err != nil {
		if violates(err, foreignKeyViolation, "") {
			return domain.ProductNotFound(c.ProductID)
		}
		return wrap(err, "create certificate")
	}
	return nil
}

// ListByProduct lists a product's certificates, furthest expiry first
func (r *CertificateRepository) ListByProduct(ctx context.Context, productID string) ([]domain.Certificate, error) {
	var certs []domain.Certificate
	query := `
		SELECT ` + certificateColumns + ` FROM certificados_sanitarios
		WHERE producto_id = $1
		ORDER BY fecha_vencimiento DESC, created_at
	`
	if err := sqlx.SelectContext(ctx, r.q, &certs, query, productID); err != nil {
		return nil, wrap(err, "list certificates")
	}
	for i := range certs {
		normalizeCertificate(&certs[i])
	}
	return certs, nil
}

// Latest returns the certificate with the furthest expiry, nil when none
func (r *CertificateRepository) Latest(ctx context.Context, productID string) (*domain.Certificate, error) {
	var c domain.Certificate
	query := `
		SELECT ` + certificateColumns + ` FROM certificados_sanitarios
		WHERE producto_id = $1
		ORDER BY fecha_vencimiento DESC, created_at
		LIMIT 1
	`
	if err := sqlx.GetContext(ctx, r.q, &c, query, productID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrap(err, "latest certificate")
	}
	return normalizeCertificate(&c), nil
}

// ExpireBefore flags active certificates expiring before date as vencido
func (r *CertificateRepository) ExpireBefore(ctx context.Context, date time.Time) (int, error) {
	query := `
		UPDATE certificados_sanitarios SET estado = 'vencido'
		WHERE estado = 'vigente' AND fecha_vencimiento < $1::date
	`
	result, err := r.q.ExecContext(ctx, query, sqlDate(date))
	if err != nil {
		return 0, wrap(err, "expire certificates")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

func normalizeCertificate(c *domain.Certificate) *domain.Certificate {
	c.IssueDate = domain.DateOf(c.IssueDate)
	c.ExpiryDate = domain.DateOf(c.ExpiryDate)
	return c
}
