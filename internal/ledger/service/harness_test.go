package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/internal/ledger/events"
	"github.com/medflow/pharmacy-ledger/internal/ledger/memstore"
	"github.com/medflow/pharmacy-ledger/internal/ledger/service"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/idempotency"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/testutil"
)

var now = time.Date(2024, time.March, 1, 10, 30, 0, 0, time.UTC)

type harness struct {
	store      *memstore.Store
	clock      *clock.Mock
	events     *testutil.MockPublisher
	fixtures   *testutil.FixtureFactory
	pharmacist *domain.User

	catalog  *service.CatalogService
	lots     *service.LotLedger
	registry *service.PrescriptionRegistry
	engine   *service.MovementEngine
	scanner  *service.AlertScanner
	reports  *service.ReportService
}

type harnessConfig struct {
	policy      domain.CertificatePolicy
	idempotency *idempotency.Store
}

type option func(*harnessConfig)

func withCertificatePolicy(p domain.CertificatePolicy) option {
	return func(c *harnessConfig) { c.policy = p }
}

func withIdempotency(s *idempotency.Store) option {
	return func(c *harnessConfig) { c.idempotency = s }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	cfg := harnessConfig{policy: domain.CertificateEnforce}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := logger.Nop()
	store := memstore.New()
	clk := clock.NewMock(now)
	mock := testutil.NewMockPublisher()
	publisher := events.NewWithPublisher(mock, log)

	lots := service.NewLotLedger(store, clk, publisher, log)
	scanner := service.NewAlertScanner(store, publisher, service.LowStockPolicy{}, 30, log)
	h := &harness{
		store:    store,
		clock:    clk,
		events:   mock,
		fixtures: testutil.NewFixtureFactory(now),
		catalog:  service.NewCatalogService(store, clk, log),
		lots:     lots,
		registry: service.NewPrescriptionRegistry(store, clk, log),
		engine:   service.NewMovementEngine(store, lots, domain.NewComplianceGate(cfg.policy), cfg.idempotency, publisher, clk, log),
		scanner:  scanner,
		reports:  service.NewReportService(store, scanner, clk, log),
	}

	h.pharmacist = h.fixtures.User()
	require.NoError(t, store.Users().Upsert(context.Background(), h.pharmacist))
	return h
}

func (h *harness) product(t *testing.T, opts ...func(*domain.Product)) *domain.Product {
	t.Helper()
	p := h.fixtures.Product(opts...)
	err := h.store.Execute(context.Background(), func(ctx context.Context, tx domain.Repositories) error {
		return tx.Products().Create(ctx, p)
	})
	require.NoError(t, err)
	return p
}

func (h *harness) certificate(t *testing.T, p *domain.Product, expiresIn int) {
	t.Helper()
	err := h.store.Execute(context.Background(), func(ctx context.Context, tx domain.Repositories) error {
		return tx.Certificates().Create(ctx, h.fixtures.Certificate(p.ID, expiresIn))
	})
	require.NoError(t, err)
}

func (h *harness) receiveRequest(p *domain.Product, number string, quantity, expiresIn int) service.MovementRequest {
	price := decimal.RequireFromString("1.20")
	return service.MovementRequest{
		ProductCode: p.Code,
		Direction:   domain.DirectionIn,
		Quantity:    quantity,
		UnitPrice:   &price,
		Responsible: "almacen",
		UserRef:     &h.pharmacist.ID,
		Lot: &service.LotMetadata{
			Number:          number,
			ManufactureDate: h.fixtures.Day(-60),
			ExpiryDate:      h.fixtures.Day(expiresIn),
		},
	}
}

// receive commits a receipt of quantity units into lot number.
func (h *harness) receive(t *testing.T, p *domain.Product, number string, quantity, expiresIn int) *service.CommitResult {
	t.Helper()
	res, err := h.engine.Commit(context.Background(), h.receiveRequest(p, number, quantity, expiresIn))
	require.NoError(t, err)
	return res
}

func (h *harness) dispenseRequest(p *domain.Product, quantity int, rx *domain.Prescription) service.MovementRequest {
	req := service.MovementRequest{
		ProductCode: p.Code,
		Direction:   domain.DirectionOut,
		Quantity:    quantity,
		Responsible: "ventanilla",
		UserRef:     &h.pharmacist.ID,
	}
	if rx != nil {
		req.PrescriptionRef = &rx.ID
	}
	return req
}

func (h *harness) prescription(t *testing.T, lines map[*domain.Product]int) *domain.Prescription {
	t.Helper()
	rx := h.fixtures.Prescription(lines)
	require.NoError(t, h.registry.Register(context.Background(), rx))
	return rx
}

func (h *harness) lot(t *testing.T, id int64) *domain.Lot {
	t.Helper()
	lot, err := h.store.Lots().Get(context.Background(), id)
	require.NoError(t, err)
	return lot
}

func writeOff(h *harness, p *domain.Product, lotID int64, quantity int) service.MovementRequest {
	return service.MovementRequest{
		ProductCode: p.Code,
		Direction:   domain.DirectionOut,
		Reason:      domain.ReasonWriteOff,
		Quantity:    quantity,
		Responsible: "qf",
		UserRef:     &h.pharmacist.ID,
		LotID:       &lotID,
	}
}
