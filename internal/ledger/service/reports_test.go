package service_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/testutil"
)

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.RequireFromString(want)), "want %s, got %s", want, got)
}

func TestStockCard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.product(t)

	h.clock.Set(time.Date(2024, time.February, 10, 9, 0, 0, 0, time.UTC))
	h.receive(t, p, "L1", 10, 60)
	_, err := h.engine.Commit(ctx, h.dispenseRequest(p, 4, nil))
	require.NoError(t, err)

	h.clock.Set(time.Date(2024, time.March, 5, 9, 0, 0, 0, time.UTC))
	h.receive(t, p, "L1", 5, 60)
	_, err = h.engine.Commit(ctx, h.dispenseRequest(p, 3, nil))
	require.NoError(t, err)

	feb, err := h.reports.StockCard(ctx, p.Code, 2024, 2)
	require.NoError(t, err)
	assert.Zero(t, feb.OpeningStock)
	assert.Equal(t, 10, feb.Entries)
	assert.Equal(t, 4, feb.Exits)
	assert.Equal(t, 6, feb.ClosingStock)
	assertDecimal(t, "12.00", feb.EntriesValue)
	assertDecimal(t, "6.00", feb.ExitsValue)

	mar, err := h.reports.StockCard(ctx, p.Code, 2024, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, mar.OpeningStock)
	assert.Equal(t, 5, mar.Entries)
	assert.Equal(t, 3, mar.Exits)
	assert.Equal(t, 8, mar.ClosingStock)
	assert.Equal(t, 2, mar.MovementCount)
	assertDecimal(t, "6.00", mar.OpeningValue)
	assertDecimal(t, "6.00", mar.EntriesValue)
	assertDecimal(t, "4.50", mar.ExitsValue)
	assertDecimal(t, "7.50", mar.ClosingValue)

	_, err = h.reports.StockCard(ctx, p.Code, 2024, 13)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestStockCard_MonthsFollowClockLocation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.product(t)

	// Leap day evening in UTC-5 is 2024-03-01 03:00 UTC.
	h.clock.Set(time.Date(2024, time.February, 29, 22, 0, 0, 0, time.FixedZone("UTC-5", -5*60*60)))
	h.receive(t, p, "L1", 10, 60)

	feb, err := h.reports.StockCard(ctx, p.Code, 2024, 2)
	require.NoError(t, err)
	assert.Equal(t, 10, feb.Entries)
	assert.Equal(t, 10, feb.ClosingStock)

	mar, err := h.reports.StockCard(ctx, p.Code, 2024, 3)
	require.NoError(t, err)
	assert.Equal(t, 10, mar.OpeningStock)
	assert.Zero(t, mar.Entries)
	assert.Zero(t, mar.MovementCount)
}

func TestReorderSuggestions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	short := h.product(t, testutil.WithThreshold(10), func(p *domain.Product) {
		p.Supplier = testutil.PtrString("Droguería Alfa")
	})
	atThreshold := h.product(t, testutil.WithThreshold(5))
	h.receive(t, short, "L1", 4, 30)
	h.receive(t, atThreshold, "L1", 5, 30)

	suggestions, err := h.reports.ReorderSuggestions(ctx, now)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)

	s := suggestions[0]
	assert.Equal(t, short.Code, s.ProductCode)
	assert.Equal(t, 6, s.Quantity)
	assertDecimal(t, "9.00", s.EstimatedCost)
	assert.Equal(t, "Droguería Alfa", *s.Supplier)
	assert.True(t, s.ExpectedArrival.Equal(time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)))
}

func TestAuditReports(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.product(t, testutil.WithClassification(domain.ClassControlled))
	h.certificate(t, p, 365)
	h.receive(t, p, "A", 10, 90)
	rx := h.prescription(t, map[*domain.Product]int{p: 4})
	_, err := h.engine.Commit(ctx, h.dispenseRequest(p, 4, rx))
	require.NoError(t, err)

	check, err := h.reports.VerifyAuditChain(ctx, p.Code)
	require.NoError(t, err)
	assert.True(t, check.Intact)
	assert.Equal(t, 2, check.Entries)
	assert.Empty(t, check.BrokenAt)

	byRx, err := h.reports.AuditTrailByPrescription(ctx, rx.ID)
	require.NoError(t, err)
	require.Len(t, byRx, 1)
	assert.Equal(t, 6, byRx[0].Balance)

	_, err = h.reports.AuditTrailByPrescription(ctx, "missing")
	assert.Equal(t, domain.CodePrescriptionNotFound, errors.CodeOf(err))
}

func TestMovementHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.product(t)
	h.receive(t, p, "A", 10, 90)
	_, err := h.engine.Commit(ctx, h.dispenseRequest(p, 1, nil))
	require.NoError(t, err)

	out := domain.DirectionOut
	history, err := h.reports.MovementHistory(ctx, p.Code, domain.MovementFilter{Direction: &out})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ReasonDispense, history[0].Reason)

	from, to := now, now.Add(-time.Hour)
	_, err = h.reports.MovementHistory(ctx, p.Code, domain.MovementFilter{From: &from, To: &to})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestExportExpiringCSV(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := h.product(t, testutil.WithCode("AMOX-500"))
	h.receive(t, p, "L-77", 5, 10)

	var buf bytes.Buffer
	require.NoError(t, h.reports.ExportExpiringCSV(ctx, &buf, 30, now))

	assert.Equal(t,
		"codigo,producto,numero_lote,fecha_vencimiento,cantidad,dias_restantes\n"+
			"AMOX-500,"+p.Name+",L-77,2024-03-11,5,10\n",
		buf.String())
}
