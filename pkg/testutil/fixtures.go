package testutil

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
)

// FixtureFactory creates domain fixtures with sensible defaults
type FixtureFactory struct {
	sequence int
	// Today anchors fixture dates; lots expire relative to it.
	Today time.Time
}

// NewFixtureFactory creates a new fixture factory anchored at today.
func NewFixtureFactory(today time.Time) *FixtureFactory {
	return &FixtureFactory{Today: domain.DateOf(today)}
}

func (f *FixtureFactory) nextSeq() int {
	f.sequence++
	return f.sequence
}

// Day returns Today shifted by offset days.
func (f *FixtureFactory) Day(offset int) time.Time {
	return f.Today.AddDate(0, 0, offset)
}

// Product creates a free-sale product fixture
func (f *FixtureFactory) Product(opts ...func(*domain.Product)) *domain.Product {
	seq := f.nextSeq()
	p := &domain.Product{
		ID:               uuid.New().String(),
		Code:             fmt.Sprintf("PRD-%03d", seq),
		Name:             fmt.Sprintf("Product %d", seq),
		Classification:   domain.ClassFreeSale,
		ReorderThreshold: 5,
		UnitCost:         decimal.RequireFromString("1.50"),
		UnitPrice:        decimal.RequireFromString("2.80"),
		LeadTimeDays:     3,
		IsActive:         true,
		CreatedAt:        f.Today,
		UpdatedAt:        f.Today,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithCode sets the product code
func WithCode(code string) func(*domain.Product) {
	return func(p *domain.Product) { p.Code = code }
}

// WithClassification sets the sale classification
func WithClassification(c domain.SaleClass) func(*domain.Product) {
	return func(p *domain.Product) { p.Classification = c }
}

// WithThreshold sets the reorder threshold
func WithThreshold(n int) func(*domain.Product) {
	return func(p *domain.Product) { p.ReorderThreshold = n }
}

// Lot creates a lot of productID expiring expiresIn days after Today
func (f *FixtureFactory) Lot(productID string, quantity, expiresIn int) *domain.Lot {
	seq := f.nextSeq()
	return &domain.Lot{
		ProductID:       productID,
		LotNumber:       fmt.Sprintf("L-%04d", seq),
		ManufactureDate: f.Day(-180),
		ExpiryDate:      f.Day(expiresIn),
		Quantity:        quantity,
		Status:          domain.StatusActive,
		ReceivedAt:      f.Today,
	}
}

// Certificate creates a sanitary certificate expiring expiresIn days after Today
func (f *FixtureFactory) Certificate(productID string, expiresIn int) *domain.Certificate {
	seq := f.nextSeq()
	return &domain.Certificate{
		ID:                 uuid.New().String(),
		ProductID:          productID,
		RegistrationNumber: fmt.Sprintf("RS-%05d", seq),
		Authority:          "DIGEMID",
		IssueDate:          f.Day(-365),
		ExpiryDate:         f.Day(expiresIn),
		Status:             domain.StatusActive,
		CreatedAt:          f.Today,
	}
}

// Prescription creates a prescription emitted yesterday and valid for 30 days
// with one line per product.
func (f *FixtureFactory) Prescription(lines map[*domain.Product]int) *domain.Prescription {
	seq := f.nextSeq()
	expires := f.Day(30)
	rx := &domain.Prescription{
		ID:            uuid.New().String(),
		PatientRef:    fmt.Sprintf("PAC-%04d", seq),
		PrescriberRef: "CMP-12345",
		EmittedOn:     f.Day(-1),
		ExpiresOn:     &expires,
		CreatedAt:     f.Today,
	}
	pos := 0
	for p, qty := range lines {
		pos++
		rx.Lines = append(rx.Lines, domain.PrescriptionLine{
			ID:                 uuid.New().String(),
			PrescriptionID:     rx.ID,
			Position:           pos,
			ProductID:          p.ID,
			ProductCode:        p.Code,
			AuthorizedQuantity: qty,
		})
	}
	return rx
}

// User creates an active user fixture
func (f *FixtureFactory) User() *domain.User {
	seq := f.nextSeq()
	return &domain.User{
		ID:        uuid.New().String(),
		Name:      fmt.Sprintf("Pharmacist %d", seq),
		Email:     fmt.Sprintf("qf%d@botica.test", seq),
		Role:      "pharmacist",
		IsActive:  true,
		UpdatedAt: f.Today,
	}
}
