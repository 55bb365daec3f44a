package domain

import (
	"sort"
	"time"
)

// FEFOLess orders lots first-expiry-first-out, breaking ties by insertion order.
func FEFOLess(a, b *Lot) bool {
	if !a.ExpiryDate.Equal(b.ExpiryDate) {
		return a.ExpiryDate.Before(b.ExpiryDate)
	}
	return a.ID < b.ID
}

// PlanFEFO selects the lots to consume for quantity units of a product.
// Only lots that are active, non-empty and not expired as of asOf are
// candidates. The earliest-expiring lot is drained before the next one is
// touched. lots is not modified.
func PlanFEFO(productCode string, lots []Lot, quantity int, asOf time.Time) ([]Allocation, error) {
	if quantity <= 0 {
		return nil, InvalidQuantity(quantity)
	}

	candidates := make([]*Lot, 0, len(lots))
	available := 0
	for i := range lots {
		if lots[i].Allocatable(asOf) {
			candidates = append(candidates, &lots[i])
			available += lots[i].Quantity
		}
	}
	if available < quantity {
		return nil, InsufficientStock(productCode, quantity, available)
	}

	sort.Slice(candidates, func(i, j int) bool { return FEFOLess(candidates[i], candidates[j]) })

	plan := make([]Allocation, 0, 2)
	remaining := quantity
	for _, lot := range candidates {
		take := min(lot.Quantity, remaining)
		plan = append(plan, Allocation{
			LotID:      lot.ID,
			LotNumber:  lot.LotNumber,
			ExpiryDate: lot.ExpiryDate,
			Quantity:   take,
		})
		remaining -= take
		if remaining == 0 {
			break
		}
	}
	return plan, nil
}

// Available sums the allocatable quantity of lots as of asOf.
func Available(lots []Lot, asOf time.Time) int {
	total := 0
	for i := range lots {
		if lots[i].Allocatable(asOf) {
			total += lots[i].Quantity
		}
	}
	return total
}
