package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/internal/ledger/events"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// LotMetadata identifies the lot a receipt goes into. Dates are calendar days.
type LotMetadata struct {
	Number          string    `json:"lot_number" validate:"required"`
	ManufactureDate time.Time `json:"manufacture_date" validate:"required"`
	ExpiryDate      time.Time `json:"expiry_date" validate:"required"`
}

// LotLedger tracks the quantity held in each lot. Receive, Allocate and Apply
// run on the repositories of the caller's unit of work; the remaining
// methods open their own.
type LotLedger struct {
	store     domain.Store
	clock     clock.Clock
	publisher *events.LedgerEventPublisher
	logger    *logger.Logger
}

// NewLotLedger creates a new lot ledger
func NewLotLedger(store domain.Store, clk clock.Clock, publisher *events.LedgerEventPublisher, log *logger.Logger) *LotLedger {
	return &LotLedger{store: store, clock: clk, publisher: publisher, logger: log}
}

// Receive adds quantity units to a lot of product, creating the lot when it
// is new. A receipt without metadata goes into a fresh lot without expiry.
func (l *LotLedger) Receive(ctx context.Context, tx domain.Repositories, product *domain.Product, meta *LotMetadata, quantity int, asOf time.Time) (domain.Allocation, error) {
	if quantity <= 0 {
		return domain.Allocation{}, domain.InvalidQuantity(quantity)
	}
	if meta == nil {
		meta = syntheticLot(asOf)
	}
	number := strings.TrimSpace(meta.Number)
	if number == "" {
		return domain.Allocation{}, errors.Validation(map[string]string{"lot_number": "is required"})
	}
	mfg, exp := domain.DateOf(meta.ManufactureDate), domain.DateOf(meta.ExpiryDate)
	if exp.Before(mfg) {
		return domain.Allocation{}, domain.InvalidDateRange(mfg, exp)
	}
	if exp.Before(domain.DateOf(asOf)) {
		return domain.Allocation{}, domain.LotExpired(number, exp)
	}

	existing, err := tx.Lots().GetByNumber(ctx, product.ID, number)
	switch {
	case err == nil:
		if !existing.ManufactureDate.Equal(mfg) || !existing.ExpiryDate.Equal(exp) {
			return domain.Allocation{}, domain.DuplicateLot(product.Code, number)
		}
		if existing.Status == domain.StatusExpired {
			return domain.Allocation{}, domain.LotExpired(number, exp)
		}
		if err := tx.Lots().UpdateQuantity(ctx, existing.ID, existing.Quantity+quantity); err != nil {
			return domain.Allocation{}, err
		}
		return domain.Allocation{LotID: existing.ID, LotNumber: number, ExpiryDate: exp, Quantity: quantity}, nil

	case errors.CodeOf(err) == domain.CodeLotNotFound:
		lot := &domain.Lot{
			ProductID:       product.ID,
			LotNumber:       number,
			ManufactureDate: mfg,
			ExpiryDate:      exp,
			Quantity:        quantity,
			Status:          domain.StatusActive,
			ReceivedAt:      asOf.UTC(),
		}
		if err := tx.Lots().Create(ctx, lot); err != nil {
			return domain.Allocation{}, err
		}
		return domain.Allocation{LotID: lot.ID, LotNumber: number, ExpiryDate: exp, Quantity: quantity}, nil

	default:
		return domain.Allocation{}, err
	}
}

// syntheticLot names a lot for stock received without lot metadata.
func syntheticLot(asOf time.Time) *LotMetadata {
	var b [4]byte
	_, _ = rand.Read(b[:])
	day := domain.DateOf(asOf)
	return &LotMetadata{
		Number:          fmt.Sprintf("AUTO-%s-%s", day.Format("20060102"), hex.EncodeToString(b[:])),
		ManufactureDate: day,
		ExpiryDate:      domain.NoExpiry,
	}
}

// Allocate plans a FEFO draw of quantity units over the product's lots as
// read inside the unit of work.
func (l *LotLedger) Allocate(ctx context.Context, tx domain.Repositories, product *domain.Product, quantity int, asOf time.Time) ([]domain.Allocation, error) {
	lots, err := tx.Lots().ListByProduct(ctx, product.ID)
	if err != nil {
		return nil, err
	}
	return domain.PlanFEFO(product.Code, lots, quantity, asOf)
}

// Apply takes the planned quantities out of their lots
func (l *LotLedger) Apply(ctx context.Context, tx domain.Repositories, product *domain.Product, plan []domain.Allocation) error {
	for _, a := range plan {
		lot, err := tx.Lots().Get(ctx, a.LotID)
		if err != nil {
			return err
		}
		if lot.Quantity < a.Quantity {
			return domain.InsufficientStock(product.Code, a.Quantity, lot.Quantity)
		}
		if err := tx.Lots().UpdateQuantity(ctx, lot.ID, lot.Quantity-a.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeStock rewrites the product's cached stock from its allocatable lots
func (l *LotLedger) RecomputeStock(ctx context.Context, tx domain.Repositories, productID string, asOf time.Time) (int, error) {
	lots, err := tx.Lots().ListByProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	stock := domain.Available(lots, asOf)
	if err := tx.Products().UpdateStock(ctx, productID, stock); err != nil {
		return 0, err
	}
	return stock, nil
}

// PreviewAllocation returns the plan a draw would use right now. It reads
// outside any unit of work, so a later commit may allocate differently.
func (l *LotLedger) PreviewAllocation(ctx context.Context, code string, quantity int, asOf time.Time) ([]domain.Allocation, error) {
	p, err := l.store.Products().GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return l.Allocate(ctx, l.store, p, quantity, asOf)
}

// ListLots lists a product's lots in FEFO order, zero-quantity history included
func (l *LotLedger) ListLots(ctx context.Context, code string) ([]domain.Lot, error) {
	p, err := l.store.Products().GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return l.store.Lots().ListByProduct(ctx, p.ID)
}

// SweepExpirations marks lots expired as of asOf and refreshes the stock of
// their products. Certificates past their expiry are flagged in the same
// unit of work. A repeated sweep for the same day returns no lots.
func (l *LotLedger) SweepExpirations(ctx context.Context, asOf time.Time) ([]domain.Lot, error) {
	cutoff := domain.DateOf(asOf)

	var expired []domain.Lot
	var certificates int
	err := l.store.Execute(ctx, func(ctx context.Context, tx domain.Repositories) error {
		lots, err := tx.Lots().ExpireBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("expire lots: %w", err)
		}
		touched := map[string]bool{}
		for _, lot := range lots {
			if touched[lot.ProductID] {
				continue
			}
			touched[lot.ProductID] = true
			if _, err := l.RecomputeStock(ctx, tx, lot.ProductID, asOf); err != nil {
				return fmt.Errorf("recompute stock: %w", err)
			}
		}
		n, err := tx.Certificates().ExpireBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("expire certificates: %w", err)
		}
		expired, certificates = lots, n
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, lot := range expired {
		l.publisher.PublishLotExpired(ctx, lot, asOf)
	}

	l.logger.Info().
		Time("as_of", asOf).
		Int("lots_expired", len(expired)).
		Int("certificates_expired", certificates).
		Msg("expiry sweep completed")
	return expired, nil
}
