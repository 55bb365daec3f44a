package clock_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/medflow/pharmacy-ledger/pkg/clock"
)

func TestMock(t *testing.T) {
	start := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	c := clock.NewMock(start)

	c.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestSystem_UsesLocation(t *testing.T) {
	loc := time.FixedZone("PET", -5*3600)

	now := clock.System(loc).Now()

	assert.Equal(t, loc, now.Location())
	assert.WithinDuration(t, time.Now(), now, time.Second)
	assert.Equal(t, time.UTC, clock.System(nil).Now().Location())
}
