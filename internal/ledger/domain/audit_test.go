package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
)

func movement(id string, dir domain.Direction, reason domain.MovementReason, qty int) *domain.Movement {
	return &domain.Movement{
		ID:         id,
		ProductID:  "p-1",
		Direction:  dir,
		Reason:     reason,
		Quantity:   qty,
		UserID:     ptr("u-1"),
		OccurredAt: asOf,
	}
}

func buildChain() []domain.AuditRecord {
	first := domain.NewAuditRecord("a-1", movement("m-1", domain.DirectionIn, domain.ReasonReceipt, 10), 10, nil)
	second := domain.NewAuditRecord("a-2", movement("m-2", domain.DirectionOut, domain.ReasonDispense, 7), 3, first)
	third := domain.NewAuditRecord("a-3", movement("m-3", domain.DirectionOut, domain.ReasonWriteOff, 3), 0, second)
	return []domain.AuditRecord{*first, *second, *third}
}

func TestNewAuditRecord(t *testing.T) {
	chain := buildChain()

	assert.Equal(t, 1, chain[0].EntryNumber)
	assert.Empty(t, chain[0].PrevHash)
	assert.Equal(t, "entrada", chain[0].Action)
	assert.Equal(t, "dispensacion", chain[1].Action)
	assert.Equal(t, "baja", chain[2].Action)
	assert.Equal(t, chain[1].Hash, chain[2].PrevHash)
	assert.Equal(t, 3, chain[2].EntryNumber)
	assert.Equal(t, "u-1", chain[1].UserID)
	assert.Len(t, chain[0].Hash, 64)
}

func TestVerifyAuditChain(t *testing.T) {
	t.Run("intact", func(t *testing.T) {
		assert.Empty(t, domain.VerifyAuditChain(buildChain()))
	})

	t.Run("tampered quantity", func(t *testing.T) {
		chain := buildChain()
		chain[1].Quantity = 1
		assert.Equal(t, "a-2", domain.VerifyAuditChain(chain))
	})

	t.Run("removed entry", func(t *testing.T) {
		chain := buildChain()
		chain = append(chain[:1], chain[2:]...)
		assert.Equal(t, "a-3", domain.VerifyAuditChain(chain))
	})

	t.Run("empty register", func(t *testing.T) {
		assert.Empty(t, domain.VerifyAuditChain(nil))
	})
}

func TestAuditHash_StableAcrossTimeZones(t *testing.T) {
	chain := buildChain()
	r := chain[0]
	lima, err := time.LoadLocation("America/Lima")
	require.NoError(t, err)

	r.RecordedAt = r.RecordedAt.In(lima)

	assert.Equal(t, chain[0].Hash, domain.AuditHash(&r))
}

func TestDaysUntil(t *testing.T) {
	assert.Equal(t, 10, domain.DaysUntil(day(10), asOf))
	assert.Equal(t, 0, domain.DaysUntil(day(0), asOf))
	assert.Equal(t, -3, domain.DaysUntil(day(-3), asOf))
}
