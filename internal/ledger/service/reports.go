package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// ReportService serves the read side of the ledger: history, audit
// registers, stock cards and reorder suggestions. Reads are advisory.
type ReportService struct {
	store   domain.Store
	scanner *AlertScanner
	clock   clock.Clock
	logger  *logger.Logger
}

// NewReportService creates a new report service. Month boundaries follow the
// location of clk.
func NewReportService(store domain.Store, scanner *AlertScanner, clk clock.Clock, log *logger.Logger) *ReportService {
	return &ReportService{store: store, scanner: scanner, clock: clk, logger: log}
}

// MovementHistory lists a product's movements in commit order
func (s *ReportService) MovementHistory(ctx context.Context, code string, filter domain.MovementFilter) ([]domain.Movement, error) {
	p, err := s.store.Products().GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, errors.Validation(map[string]string{"to": "must not be before from"})
	}
	return s.store.Movements().ListByProduct(ctx, p.ID, filter)
}

// AuditTrailByProduct lists a product's controlled-substance register
func (s *ReportService) AuditTrailByProduct(ctx context.Context, code string) ([]domain.AuditRecord, error) {
	p, err := s.store.Products().GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.store.Audit().ListByProduct(ctx, p.ID)
}

// AuditTrailByPrescription lists the register entries dispensed against a prescription
func (s *ReportService) AuditTrailByPrescription(ctx context.Context, id string) ([]domain.AuditRecord, error) {
	if _, err := s.store.Prescriptions().Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Audit().ListByPrescription(ctx, id)
}

// ChainVerification is the result of recomputing a register's hash chain.
type ChainVerification struct {
	ProductCode string `json:"product_code"`
	Entries     int    `json:"entries"`
	Intact      bool   `json:"intact"`
	BrokenAt    string `json:"broken_at,omitempty"`
}

// VerifyAuditChain recomputes the hash chain of a product's register
func (s *ReportService) VerifyAuditChain(ctx context.Context, code string) (*ChainVerification, error) {
	records, err := s.AuditTrailByProduct(ctx, code)
	if err != nil {
		return nil, err
	}
	broken := domain.VerifyAuditChain(records)
	if broken != "" {
		s.logger.Error().Str("product_code", code).Str("record_id", broken).Msg("audit chain broken")
	}
	return &ChainVerification{
		ProductCode: code,
		Entries:     len(records),
		Intact:      broken == "",
		BrokenAt:    broken,
	}, nil
}

// StockCard is the monthly existencias of one product: opening balance,
// entries, exits and closing balance, in units and value.
type StockCard struct {
	ProductCode   string          `json:"product_code"`
	Year          int             `json:"year"`
	Month         int             `json:"month"`
	OpeningStock  int             `json:"opening_stock"`
	Entries       int             `json:"entries"`
	Exits         int             `json:"exits"`
	ClosingStock  int             `json:"closing_stock"`
	OpeningValue  decimal.Decimal `json:"opening_value"`
	EntriesValue  decimal.Decimal `json:"entries_value"`
	ExitsValue    decimal.Decimal `json:"exits_value"`
	ClosingValue  decimal.Decimal `json:"closing_value"`
	MovementCount int             `json:"movement_count"`
}

type cardTotals struct {
	in, out           int
	inValue, outValue decimal.Decimal
	count             int
}

// accumulate values entries at their recorded unit price and exits at the
// product's unit cost.
func (t *cardTotals) accumulate(p *domain.Product, movements []domain.Movement) {
	for _, m := range movements {
		t.count++
		qty := decimal.NewFromInt(int64(m.Quantity))
		if m.Direction == domain.DirectionIn {
			price := p.UnitCost
			if m.UnitPrice.Valid {
				price = m.UnitPrice.Decimal
			}
			t.in += m.Quantity
			t.inValue = t.inValue.Add(price.Mul(qty))
			continue
		}
		t.out += m.Quantity
		t.outValue = t.outValue.Add(p.UnitCost.Mul(qty))
	}
}

// StockCard builds the card for a calendar month in the clock's location.
// The opening balance is everything journaled before the month starts.
func (s *ReportService) StockCard(ctx context.Context, code string, year, month int) (*StockCard, error) {
	if month < 1 || month > 12 {
		return nil, errors.Validation(map[string]string{"month": "must be between 1 and 12"})
	}
	if year < 1 {
		return nil, errors.Validation(map[string]string{"year": "must be positive"})
	}
	p, err := s.store.Products().GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, s.clock.Now().Location())
	beforeStart := start.Add(-time.Nanosecond)
	lastOfMonth := start.AddDate(0, 1, 0).Add(-time.Nanosecond)

	var prior, current cardTotals
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		movements, err := s.store.Movements().ListByProduct(gctx, p.ID, domain.MovementFilter{To: &beforeStart})
		if err != nil {
			return fmt.Errorf("stock card: opening movements: %w", err)
		}
		prior.accumulate(p, movements)
		return nil
	})
	g.Go(func() error {
		movements, err := s.store.Movements().ListByProduct(gctx, p.ID, domain.MovementFilter{From: &start, To: &lastOfMonth})
		if err != nil {
			return fmt.Errorf("stock card: month movements: %w", err)
		}
		current.accumulate(p, movements)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	openingStock := prior.in - prior.out
	openingValue := prior.inValue.Sub(prior.outValue)
	return &StockCard{
		ProductCode:   p.Code,
		Year:          year,
		Month:         month,
		OpeningStock:  openingStock,
		Entries:       current.in,
		Exits:         current.out,
		ClosingStock:  openingStock + current.in - current.out,
		OpeningValue:  openingValue,
		EntriesValue:  current.inValue,
		ExitsValue:    current.outValue,
		ClosingValue:  openingValue.Add(current.inValue).Sub(current.outValue),
		MovementCount: current.count,
	}, nil
}

// ReorderSuggestion proposes a purchase for a product below its threshold.
type ReorderSuggestion struct {
	ProductCode     string          `json:"product_code"`
	ProductName     string          `json:"product_name"`
	Available       int             `json:"available"`
	Threshold       int             `json:"threshold"`
	Quantity        int             `json:"quantity"`
	EstimatedCost   decimal.Decimal `json:"estimated_cost"`
	Supplier        *string         `json:"supplier,omitempty"`
	LeadTimeDays    int             `json:"lead_time_days"`
	ExpectedArrival time.Time       `json:"expected_arrival"`
}

// ReorderSuggestions lists active products strictly below their reorder
// threshold with the quantity that brings them back to it.
func (s *ReportService) ReorderSuggestions(ctx context.Context, asOf time.Time) ([]ReorderSuggestion, error) {
	levels, err := s.store.Lots().StockLevels(ctx, asOf)
	if err != nil {
		return nil, err
	}
	out := []ReorderSuggestion{}
	for _, level := range levels {
		p := level.Product
		if level.Available >= p.ReorderThreshold {
			continue
		}
		qty := p.ReorderThreshold - level.Available
		out = append(out, ReorderSuggestion{
			ProductCode:     p.Code,
			ProductName:     p.Name,
			Available:       level.Available,
			Threshold:       p.ReorderThreshold,
			Quantity:        qty,
			EstimatedCost:   p.UnitCost.Mul(decimal.NewFromInt(int64(qty))),
			Supplier:        p.Supplier,
			LeadTimeDays:    p.LeadTimeDays,
			ExpectedArrival: domain.DateOf(asOf).AddDate(0, 0, p.LeadTimeDays),
		})
	}
	return out, nil
}

// ExpiringLotRow is one line of the expiring lots CSV export.
type ExpiringLotRow struct {
	ProductCode   string `csv:"codigo"`
	ProductName   string `csv:"producto"`
	LotNumber     string `csv:"numero_lote"`
	ExpiryDate    string `csv:"fecha_vencimiento"`
	Quantity      int    `csv:"cantidad"`
	DaysRemaining int    `csv:"dias_restantes"`
}

// ExportExpiringCSV writes the lots expiring within withinDays as CSV
func (s *ReportService) ExportExpiringCSV(ctx context.Context, w io.Writer, withinDays int, asOf time.Time) error {
	groups, err := s.scanner.ScanExpiringSoon(ctx, withinDays, asOf)
	if err != nil {
		return err
	}
	rows := []*ExpiringLotRow{}
	for _, g := range groups {
		for _, lot := range g.Lots {
			rows = append(rows, &ExpiringLotRow{
				ProductCode:   g.ProductCode,
				ProductName:   g.ProductName,
				LotNumber:     lot.LotNumber,
				ExpiryDate:    lot.ExpiryDate.Format("2006-01-02"),
				Quantity:      lot.Quantity,
				DaysRemaining: lot.DaysRemaining,
			})
		}
	}
	return gocsv.Marshal(rows, w)
}
