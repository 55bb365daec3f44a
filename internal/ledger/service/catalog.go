package service

import (
	"context"
	"strings"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// CatalogService manages products and their sanitary certificates
type CatalogService struct {
	store  domain.Store
	clock  clock.Clock
	logger *logger.Logger
}

// NewCatalogService creates a new catalog service
func NewCatalogService(store domain.Store, clk clock.Clock, log *logger.Logger) *CatalogService {
	return &CatalogService{store: store, clock: clk, logger: log}
}

// CreateProduct registers a product. Stock always starts at zero; it only
// grows through received lots.
func (s *CatalogService) CreateProduct(ctx context.Context, p *domain.Product) error {
	p.Code = strings.TrimSpace(p.Code)
	p.Name = strings.TrimSpace(p.Name)

	details := map[string]string{}
	if p.Code == "" {
		details["code"] = "is required"
	}
	if p.Name == "" {
		details["name"] = "is required"
	}
	if p.Classification == "" {
		p.Classification = domain.ClassFreeSale
	}
	if !p.Classification.Valid() {
		details["classification"] = "must be one of: venta_libre, con_receta, controlado"
	}
	if p.ReorderThreshold < 0 {
		details["reorder_threshold"] = "must not be negative"
	}
	if p.UnitCost.IsNegative() || p.UnitPrice.IsNegative() {
		details["unit_cost"] = "must not be negative"
	}
	if p.LeadTimeDays < 0 {
		details["lead_time_days"] = "must not be negative"
	}
	if len(details) > 0 {
		return errors.Validation(details)
	}

	now := s.clock.Now().UTC()
	p.CurrentStock = 0
	p.IsActive = true
	p.CreatedAt, p.UpdatedAt = now, now

	if err := s.store.Execute(ctx, func(ctx context.Context, tx domain.Repositories) error {
		return tx.Products().Create(ctx, p)
	}); err != nil {
		return err
	}

	s.logger.Info().
		Str("product_code", p.Code).
		Str("classification", string(p.Classification)).
		Msg("product created")
	return nil
}

// GetProduct gets a product by code
func (s *CatalogService) GetProduct(ctx context.Context, code string) (*domain.Product, error) {
	return s.store.Products().GetByCode(ctx, code)
}

// ListProducts lists the catalog ordered by code
func (s *CatalogService) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.store.Products().List(ctx)
}

// AdjustReorderThreshold changes the stock level at which a product is reported low
func (s *CatalogService) AdjustReorderThreshold(ctx context.Context, code string, threshold int) (*domain.Product, error) {
	if threshold < 0 {
		return nil, errors.Validation(map[string]string{"reorder_threshold": "must not be negative"})
	}

	var updated *domain.Product
	err := s.store.Execute(ctx, func(ctx context.Context, tx domain.Repositories) error {
		p, err := tx.Products().LockByCode(ctx, code)
		if err != nil {
			return err
		}
		if err := tx.Products().UpdateReorderThreshold(ctx, p.ID, threshold); err != nil {
			return err
		}
		p.ReorderThreshold = threshold
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ChangeClassification reclassifies a product. Once a lot has been received
// the classification is frozen, since existing movements were authorized
// under it.
func (s *CatalogService) ChangeClassification(ctx context.Context, code string, class domain.SaleClass) (*domain.Product, error) {
	if !class.Valid() {
		return nil, errors.Validation(map[string]string{"classification": "must be one of: venta_libre, con_receta, controlado"})
	}

	var updated *domain.Product
	err := s.store.Execute(ctx, func(ctx context.Context, tx domain.Repositories) error {
		p, err := tx.Products().LockByCode(ctx, code)
		if err != nil {
			return err
		}
		if p.Classification == class {
			updated = p
			return nil
		}
		lots, err := tx.Lots().CountByProduct(ctx, p.ID)
		if err != nil {
			return err
		}
		if lots > 0 {
			return domain.ClassificationLocked(code)
		}
		if err := tx.Products().UpdateClassification(ctx, p.ID, class); err != nil {
			return err
		}
		p.Classification = class
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("product_code", code).Str("classification", string(class)).Msg("product reclassified")
	return updated, nil
}

// AddCertificate registers a sanitary certificate for a product
func (s *CatalogService) AddCertificate(ctx context.Context, code string, cert *domain.Certificate) error {
	details := map[string]string{}
	if strings.TrimSpace(cert.RegistrationNumber) == "" {
		details["registration_number"] = "is required"
	}
	if strings.TrimSpace(cert.Authority) == "" {
		details["authority"] = "is required"
	}
	if len(details) > 0 {
		return errors.Validation(details)
	}
	cert.IssueDate = domain.DateOf(cert.IssueDate)
	cert.ExpiryDate = domain.DateOf(cert.ExpiryDate)
	if cert.ExpiryDate.Before(cert.IssueDate) {
		return domain.InvalidDateRange(cert.IssueDate, cert.ExpiryDate)
	}

	now := s.clock.Now()
	cert.Status = domain.StatusActive
	if cert.ExpiredAt(now) {
		cert.Status = domain.StatusExpired
	}
	cert.CreatedAt = now.UTC()

	return s.store.Execute(ctx, func(ctx context.Context, tx domain.Repositories) error {
		p, err := tx.Products().GetByCode(ctx, code)
		if err != nil {
			return err
		}
		cert.ProductID = p.ID
		return tx.Certificates().Create(ctx, cert)
	})
}

// ListCertificates lists a product's certificates, furthest expiry first
func (s *CatalogService) ListCertificates(ctx context.Context, code string) ([]domain.Certificate, error) {
	p, err := s.store.Products().GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.store.Certificates().ListByProduct(ctx, p.ID)
}
