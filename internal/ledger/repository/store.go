// Package repository implements the ledger store on PostgreSQL. Every
// repository runs its statements on an sqlx.ExtContext so the same code
// serves plain reads on the pool and units of work inside a transaction.
package repository

import (
	"context"
	_ "embed"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/database"
)

//go:embed schema.sql
var schema string

// Migrate creates the ledger tables when they do not exist yet.
func Migrate(ctx context.Context, db *database.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return nil
}

// Store implements domain.Store on PostgreSQL.
type Store struct {
	repositories
	db     *database.DB
	policy database.RetryPolicy
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a store on db. Conflicting units of work are retried
// according to policy.
func NewStore(db *database.DB, policy database.RetryPolicy) *Store {
	return &Store{
		repositories: repositories{q: db},
		db:           db,
		policy:       policy,
	}
}

// Execute runs fn in a SERIALIZABLE transaction. Repositories handed to fn
// are bound to it; the whole of fn is re-run when PostgreSQL aborts the
// transaction with a serialization failure or deadlock.
func (s *Store) Execute(ctx context.Context, fn func(ctx context.Context, tx domain.Repositories) error) error {
	return s.db.Serializable(ctx, s.policy, func(tx *sqlx.Tx) error {
		return fn(ctx, repositories{q: tx})
	})
}

type repositories struct {
	q sqlx.ExtContext
}

func (r repositories) Products() domain.ProductRepository           { return NewProductRepository(r.q) }
func (r repositories) Lots() domain.LotRepository                   { return NewLotRepository(r.q) }
func (r repositories) Certificates() domain.CertificateRepository   { return NewCertificateRepository(r.q) }
func (r repositories) Prescriptions() domain.PrescriptionRepository { return NewPrescriptionRepository(r.q) }
func (r repositories) Movements() domain.MovementRepository         { return NewMovementRepository(r.q) }
func (r repositories) Audit() domain.AuditRepository                { return NewAuditRepository(r.q) }
func (r repositories) Users() domain.UserRepository                 { return NewUserRepository(r.q) }

// wrap maps constraint violations to AppErrors. Anything else keeps the
// driver error in the chain so retry detection still sees it.
func wrap(err error, op string) error {
	if appErr := database.MapPQError(err); appErr != nil {
		return appErr
	}
	return fmt.Errorf("%s: %w", op, err)
}

func violates(err error, code pq.ErrorCode, constraint string) bool {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) || pqErr.Code != code {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

const (
	uniqueViolation     pq.ErrorCode = "23505"
	foreignKeyViolation pq.ErrorCode = "23503"
)

// sqlDate renders the calendar day of t for comparisons against DATE columns.
func sqlDate(t time.Time) string {
	return domain.DateOf(t).Format("2006-01-02")
}
