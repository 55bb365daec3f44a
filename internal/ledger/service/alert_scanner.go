package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/internal/ledger/events"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
)

// LowStockPolicy selects the threshold a product is compared against.
type LowStockPolicy struct {
	// FixedThreshold overrides every product's reorder threshold when set.
	FixedThreshold *int
}

func (p LowStockPolicy) thresholdFor(product *domain.Product) int {
	if p.FixedThreshold != nil {
		return *p.FixedThreshold
	}
	return product.ReorderThreshold
}

// LowStockAlert reports a product at or below its threshold.
type LowStockAlert struct {
	ProductCode       string  `json:"product_code"`
	ProductName       string  `json:"product_name"`
	Available         int     `json:"available"`
	Threshold         int     `json:"threshold"`
	SuggestedQuantity int     `json:"suggested_quantity"`
	Supplier          *string `json:"supplier,omitempty"`
	LeadTimeDays      int     `json:"lead_time_days"`
}

// ExpiringLot is a lot inside the expiry window.
type ExpiringLot struct {
	LotID         int64     `json:"lot_id"`
	LotNumber     string    `json:"lot_number"`
	Quantity      int       `json:"quantity"`
	ExpiryDate    time.Time `json:"expiry_date"`
	DaysRemaining int       `json:"days_remaining"`
}

// ExpiringProduct groups the expiring lots of one product, soonest first.
type ExpiringProduct struct {
	ProductCode string        `json:"product_code"`
	ProductName string        `json:"product_name"`
	Lots        []ExpiringLot `json:"lots"`
}

// ScanReport is the outcome of ScanAll.
type ScanReport struct {
	AsOf     time.Time         `json:"as_of"`
	LowStock []LowStockAlert   `json:"low_stock"`
	Expiring []ExpiringProduct `json:"expiring"`
}

// AlertScanner finds products that need reordering and lots about to expire.
// Scans only read; they never change stock.
type AlertScanner struct {
	store      domain.Store
	publisher  *events.LedgerEventPublisher
	policy     LowStockPolicy
	windowDays int
	logger     *logger.Logger
}

// NewAlertScanner creates a new alert scanner. windowDays is the expiry
// window ScanAll uses.
func NewAlertScanner(store domain.Store, publisher *events.LedgerEventPublisher, policy LowStockPolicy, windowDays int, log *logger.Logger) *AlertScanner {
	return &AlertScanner{
		store:      store,
		publisher:  publisher,
		policy:     policy,
		windowDays: windowDays,
		logger:     log,
	}
}

// ScanLowStock lists active products whose stock derived from lots as of
// asOf is at or below their threshold.
func (s *AlertScanner) ScanLowStock(ctx context.Context, policy LowStockPolicy, asOf time.Time) ([]LowStockAlert, error) {
	levels, err := s.store.Lots().StockLevels(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("scanLowStock: stock levels: %w", err)
	}

	alerts := []LowStockAlert{}
	for i := range levels {
		p := &levels[i].Product
		threshold := policy.thresholdFor(p)
		if levels[i].Available > threshold {
			continue
		}
		alerts = append(alerts, LowStockAlert{
			ProductCode:       p.Code,
			ProductName:       p.Name,
			Available:         levels[i].Available,
			Threshold:         threshold,
			SuggestedQuantity: max(threshold-levels[i].Available, 1),
			Supplier:          p.Supplier,
			LeadTimeDays:      p.LeadTimeDays,
		})
	}
	return alerts, nil
}

// ScanExpiringSoon lists active non-empty lots expiring between asOf's day
// and withinDays later, grouped by product.
func (s *AlertScanner) ScanExpiringSoon(ctx context.Context, withinDays int, asOf time.Time) ([]ExpiringProduct, error) {
	if withinDays < 0 {
		withinDays = 0
	}
	from := domain.DateOf(asOf)
	lots, err := s.store.Lots().ListExpiring(ctx, from, from.AddDate(0, 0, withinDays))
	if err != nil {
		return nil, fmt.Errorf("scanExpiringSoon: list lots: %w", err)
	}
	if len(lots) == 0 {
		return []ExpiringProduct{}, nil
	}

	products, err := s.store.Products().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanExpiringSoon: list products: %w", err)
	}
	byID := make(map[string]*domain.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	groups := []ExpiringProduct{}
	index := map[string]int{}
	for _, lot := range lots {
		p, ok := byID[lot.ProductID]
		if !ok || !p.IsActive {
			continue
		}
		i, seen := index[p.ID]
		if !seen {
			i = len(groups)
			index[p.ID] = i
			groups = append(groups, ExpiringProduct{ProductCode: p.Code, ProductName: p.Name})
		}
		groups[i].Lots = append(groups[i].Lots, ExpiringLot{
			LotID:         lot.ID,
			LotNumber:     lot.LotNumber,
			Quantity:      lot.Quantity,
			ExpiryDate:    lot.ExpiryDate,
			DaysRemaining: domain.DaysUntil(lot.ExpiryDate, asOf),
		})
	}
	return groups, nil
}

// ScanAll runs both scans concurrently with the scanner's configured policy
// and window, then publishes one event per finding.
func (s *AlertScanner) ScanAll(ctx context.Context, asOf time.Time) (*ScanReport, error) {
	report := &ScanReport{AsOf: asOf}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		alerts, err := s.ScanLowStock(gctx, s.policy, asOf)
		if err != nil {
			return err
		}
		report.LowStock = alerts
		return nil
	})
	g.Go(func() error {
		expiring, err := s.ScanExpiringSoon(gctx, s.windowDays, asOf)
		if err != nil {
			return err
		}
		report.Expiring = expiring
		return nil
	})
	if err := g.Wait(); err != nil {
		s.logger.Error().Err(err).Msg("alert scan failed")
		return nil, err
	}

	for _, a := range report.LowStock {
		s.publisher.PublishLowStock(ctx, messaging.LowStockAlertEvent{
			ProductCode:       a.ProductCode,
			ProductName:       a.ProductName,
			Available:         a.Available,
			Threshold:         a.Threshold,
			SuggestedQuantity: a.SuggestedQuantity,
			Supplier:          a.Supplier,
		})
	}
	lots := 0
	for _, group := range report.Expiring {
		for _, lot := range group.Lots {
			lots++
			s.publisher.PublishExpiring(ctx, messaging.ExpiringAlertEvent{
				ProductCode:   group.ProductCode,
				LotID:         lot.LotID,
				LotNumber:     lot.LotNumber,
				Quantity:      lot.Quantity,
				ExpiryDate:    lot.ExpiryDate,
				DaysRemaining: lot.DaysRemaining,
			})
		}
	}

	s.logger.Info().
		Int("low_stock", len(report.LowStock)).
		Int("expiring_lots", lots).
		Msg("alert scan completed")
	return report, nil
}
