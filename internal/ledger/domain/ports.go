package domain

import (
	"context"
	"time"
)

// ProductRepository persists catalog entries.
type ProductRepository interface {
	Create(ctx context.Context, p *Product) error
	GetByCode(ctx context.Context, code string) (*Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	// LockByCode reads the product and holds it for the rest of the unit of
	// work so concurrent commits on the same product serialize.
	LockByCode(ctx context.Context, code string) (*Product, error)
	List(ctx context.Context) ([]Product, error)
	UpdateReorderThreshold(ctx context.Context, id string, threshold int) error
	UpdateClassification(ctx context.Context, id string, class SaleClass) error
	UpdateStock(ctx context.Context, id string, stock int) error
}

// LotRepository persists lots. Listing methods return FEFO order.
type LotRepository interface {
	Create(ctx context.Context, lot *Lot) error
	Get(ctx context.Context, id int64) (*Lot, error)
	GetByNumber(ctx context.Context, productID, lotNumber string) (*Lot, error)
	ListByProduct(ctx context.Context, productID string) ([]Lot, error)
	CountByProduct(ctx context.Context, productID string) (int, error)
	UpdateQuantity(ctx context.Context, id int64, quantity int) error
	// SumQuantity totals every lot of the product, expired ones included.
	SumQuantity(ctx context.Context, productID string) (int, error)
	// ExpireBefore flips active lots whose expiry is before date and returns them.
	ExpireBefore(ctx context.Context, date time.Time) ([]Lot, error)
	// ListExpiring returns active non-empty lots expiring within [from, to].
	ListExpiring(ctx context.Context, from, to time.Time) ([]Lot, error)
	// StockLevels derives every active product's allocatable stock as of asOf.
	StockLevels(ctx context.Context, asOf time.Time) ([]StockLevel, error)
}

// CertificateRepository persists sanitary certificates.
type CertificateRepository interface {
	Create(ctx context.Context, c *Certificate) error
	ListByProduct(ctx context.Context, productID string) ([]Certificate, error)
	// Latest returns the certificate with the furthest expiry, or nil when none exists.
	Latest(ctx context.Context, productID string) (*Certificate, error)
	ExpireBefore(ctx context.Context, date time.Time) (int, error)
}

// PrescriptionRepository persists prescriptions and their lines.
type PrescriptionRepository interface {
	Create(ctx context.Context, rx *Prescription) error
	Get(ctx context.Context, id string) (*Prescription, error)
	Void(ctx context.Context, id string, at time.Time, reason string) error
	// Dispensed sums the dispensing movements recorded against the
	// prescription for one product.
	Dispensed(ctx context.Context, prescriptionID, productID string) (int, error)
}

// MovementRepository is append-only.
type MovementRepository interface {
	Create(ctx context.Context, m *Movement) error
	Get(ctx context.Context, id string) (*Movement, error)
	ListByProduct(ctx context.Context, productID string, filter MovementFilter) ([]Movement, error)
	// LastOccurredAt is the newest movement time of the whole log, zero
	// when it is empty.
	LastOccurredAt(ctx context.Context) (time.Time, error)
	Totals(ctx context.Context, productID string) (MovementTotals, error)
}

// AuditRepository is the append-only controlled-substance register.
type AuditRepository interface {
	Append(ctx context.Context, r *AuditRecord) error
	// Last returns the newest entry of the product, or nil when there is none.
	Last(ctx context.Context, productID string) (*AuditRecord, error)
	GetByMovement(ctx context.Context, movementID string) (*AuditRecord, error)
	ListByProduct(ctx context.Context, productID string) ([]AuditRecord, error)
	ListByPrescription(ctx context.Context, prescriptionID string) ([]AuditRecord, error)
}

// UserRepository is the local directory of acting users.
type UserRepository interface {
	Get(ctx context.Context, id string) (*User, error)
	Upsert(ctx context.Context, u *User) error
	Deactivate(ctx context.Context, id string) error
}

// Repositories groups the repositories of one store. Inside Execute they are
// bound to the unit of work.
type Repositories interface {
	Products() ProductRepository
	Lots() LotRepository
	Certificates() CertificateRepository
	Prescriptions() PrescriptionRepository
	Movements() MovementRepository
	Audit() AuditRepository
	Users() UserRepository
}

// Store is the single logical store shared by all components. Reads through
// the embedded Repositories are advisory and may be stale; Execute runs fn as
// one serializable unit of work that either fully commits or leaves no trace.
// fn may be invoked more than once when the store retries a conflict.
type Store interface {
	Repositories
	Execute(ctx context.Context, fn func(ctx context.Context, tx Repositories) error) error
}
