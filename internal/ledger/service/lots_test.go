package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
	"github.com/medflow/pharmacy-ledger/pkg/testutil"
)

func TestSweepExpirations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.product(t)
	a := h.receive(t, p, "A", 5, 2).Movement.Allocations[0]
	h.receive(t, p, "B", 3, 60)

	h.clock.Advance(3 * 24 * time.Hour)

	// an expired lot is never allocated, swept or not
	_, err := h.engine.Commit(ctx, h.dispenseRequest(p, 4, nil))
	testutil.AssertErrorCode(t, err, domain.CodeInsufficientStock)

	expired, err := h.lots.SweepExpirations(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, a.LotID, expired[0].ID)

	lot := h.lot(t, a.LotID)
	assert.Equal(t, domain.StatusExpired, lot.Status)
	assert.Equal(t, 5, lot.Quantity)

	stored, err := h.store.Products().GetByCode(ctx, p.Code)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.CurrentStock)
	assert.Len(t, h.events.Events(messaging.EventLotExpired), 1)

	again, err := h.lots.SweepExpirations(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, h.events.Events(messaging.EventLotExpired), 1)
}

func TestSweepExpirations_ExpiredStockCanBeWrittenOff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.product(t)
	a := h.receive(t, p, "A", 5, 1).Movement.Allocations[0]
	h.receive(t, p, "B", 3, 60)

	h.clock.Advance(2 * 24 * time.Hour)
	_, err := h.lots.SweepExpirations(ctx, h.clock.Now())
	require.NoError(t, err)

	res, err := h.engine.Commit(ctx, writeOff(h, p, a.LotID, 5))
	require.NoError(t, err)
	assert.Equal(t, 3, res.StockAfter)
	assert.Zero(t, h.lot(t, a.LotID).Quantity)
}

func TestSweepExpirations_FlagsCertificates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.product(t, func(p *domain.Product) { p.Classification = domain.ClassPrescription })
	h.certificate(t, p, 1)

	h.clock.Advance(2 * 24 * time.Hour)
	_, err := h.lots.SweepExpirations(ctx, h.clock.Now())
	require.NoError(t, err)

	certs, err := h.catalog.ListCertificates(ctx, p.Code)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, domain.StatusExpired, certs[0].Status)
}

func TestPreviewAllocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.product(t)
	late := h.receive(t, p, "LATE", 2, 10).Movement.Allocations[0]
	early := h.receive(t, p, "EARLY", 2, 5).Movement.Allocations[0]

	plan, err := h.lots.PreviewAllocation(ctx, p.Code, 3, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, early.LotID, plan[0].LotID)
	assert.Equal(t, 2, plan[0].Quantity)
	assert.Equal(t, late.LotID, plan[1].LotID)
	assert.Equal(t, 1, plan[1].Quantity)

	// previews never move stock
	assert.Equal(t, 2, h.lot(t, early.LotID).Quantity)

	_, err = h.lots.PreviewAllocation(ctx, p.Code, 5, h.clock.Now())
	testutil.AssertErrorCode(t, err, domain.CodeInsufficientStock)
}

func TestListLots_KeepsEmptyLots(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.product(t)
	h.receive(t, p, "A", 2, 5)
	h.receive(t, p, "B", 2, 10)
	_, err := h.engine.Commit(ctx, h.dispenseRequest(p, 2, nil))
	require.NoError(t, err)

	lots, err := h.lots.ListLots(ctx, p.Code)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, "A", lots[0].LotNumber)
	assert.Zero(t, lots[0].Quantity)

	_, err = h.lots.ListLots(ctx, "NOPE")
	testutil.AssertErrorCode(t, err, domain.CodeProductNotFound)
}
