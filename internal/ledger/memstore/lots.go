package memstore

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/btree"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

func newLotIndex() *btree.BTreeG[*domain.Lot] {
	return btree.NewG[*domain.Lot](btreeDegree, domain.FEFOLess)
}

type lotRepo struct{ u *unit }

func (r lotRepo) Create(ctx context.Context, lot *domain.Lot) error {
	defer r.u.lock()()
	st := r.u.st

	product, ok := st.products[lot.ProductID]
	if !ok {
		return domain.ProductNotFound(lot.ProductID)
	}
	key := lotKey{lot.ProductID, lot.LotNumber}
	if _, exists := st.lotByNumber[key]; exists {
		return domain.DuplicateLot(product.Code, lot.LotNumber)
	}
	if lot.ExpiryDate.Before(lot.ManufactureDate) {
		return domain.InvalidDateRange(lot.ManufactureDate, lot.ExpiryDate)
	}
	if lot.Quantity < 0 {
		return errors.Validation(map[string]string{"quantity": "must not be negative"})
	}

	st.nextLotID++
	lot.ID = st.nextLotID
	stored := *lot
	st.lots[stored.ID] = &stored
	st.lotByNumber[key] = stored.ID
	st.fefo[stored.ProductID].ReplaceOrInsert(&stored)

	r.u.onUndo(func() {
		st.fefo[stored.ProductID].Delete(&stored)
		delete(st.lotByNumber, key)
		delete(st.lots, stored.ID)
	})
	return nil
}

func (r lotRepo) Get(ctx context.Context, id int64) (*domain.Lot, error) {
	defer r.u.lock()()
	lot, ok := r.u.st.lots[id]
	if !ok {
		return nil, domain.LotNotFound(strconv.FormatInt(id, 10))
	}
	cp := *lot
	return &cp, nil
}

func (r lotRepo) GetByNumber(ctx context.Context, productID, lotNumber string) (*domain.Lot, error) {
	defer r.u.lock()()
	id, ok := r.u.st.lotByNumber[lotKey{productID, lotNumber}]
	if !ok {
		return nil, domain.LotNotFound(lotNumber)
	}
	cp := *r.u.st.lots[id]
	return &cp, nil
}

func (r lotRepo) ListByProduct(ctx context.Context, productID string) ([]domain.Lot, error) {
	defer r.u.lock()()
	idx, ok := r.u.st.fefo[productID]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Lot, 0, idx.Len())
	idx.Ascend(func(l *domain.Lot) bool {
		out = append(out, *l)
		return true
	})
	return out, nil
}

func (r lotRepo) CountByProduct(ctx context.Context, productID string) (int, error) {
	defer r.u.lock()()
	if idx, ok := r.u.st.fefo[productID]; ok {
		return idx.Len(), nil
	}
	return 0, nil
}

func (r lotRepo) UpdateQuantity(ctx context.Context, id int64, quantity int) error {
	defer r.u.lock()()
	lot, ok := r.u.st.lots[id]
	if !ok {
		return domain.LotNotFound(strconv.FormatInt(id, 10))
	}
	if quantity < 0 {
		return errors.Validation(map[string]string{"quantity": "must not be negative"})
	}
	old := lot.Quantity
	lot.Quantity = quantity
	r.u.onUndo(func() { lot.Quantity = old })
	return nil
}

func (r lotRepo) SumQuantity(ctx context.Context, productID string) (int, error) {
	defer r.u.lock()()
	total := 0
	if idx, ok := r.u.st.fefo[productID]; ok {
		idx.Ascend(func(l *domain.Lot) bool {
			total += l.Quantity
			return true
		})
	}
	return total, nil
}

// ExpireBefore walks each product's index only up to the first lot that is
// still in date.
func (r lotRepo) ExpireBefore(ctx context.Context, date time.Time) ([]domain.Lot, error) {
	defer r.u.lock()()
	var flipped []domain.Lot
	for _, idx := range r.u.st.fefo {
		idx.Ascend(func(l *domain.Lot) bool {
			if !l.ExpiryDate.Before(date) {
				return false
			}
			if l.Status == domain.StatusActive {
				l.Status = domain.StatusExpired
				lot := l
				r.u.onUndo(func() { lot.Status = domain.StatusActive })
				flipped = append(flipped, *l)
			}
			return true
		})
	}
	sortFEFO(flipped)
	return flipped, nil
}

func (r lotRepo) ListExpiring(ctx context.Context, from, to time.Time) ([]domain.Lot, error) {
	defer r.u.lock()()
	var out []domain.Lot
	for _, idx := range r.u.st.fefo {
		idx.Ascend(func(l *domain.Lot) bool {
			if l.ExpiryDate.After(to) {
				return false
			}
			if !l.ExpiryDate.Before(from) && l.Status == domain.StatusActive && l.Quantity > 0 {
				out = append(out, *l)
			}
			return true
		})
	}
	sortFEFO(out)
	return out, nil
}

func (r lotRepo) StockLevels(ctx context.Context, asOf time.Time) ([]domain.StockLevel, error) {
	defer r.u.lock()()
	st := r.u.st
	levels := make([]domain.StockLevel, 0, len(st.products))
	for id, p := range st.products {
		if !p.IsActive {
			continue
		}
		available := 0
		st.fefo[id].Ascend(func(l *domain.Lot) bool {
			if l.Allocatable(asOf) {
				available += l.Quantity
			}
			return true
		})
		levels = append(levels, domain.StockLevel{Product: *p, Available: available})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Product.Code < levels[j].Product.Code })
	return levels, nil
}

func sortFEFO(lots []domain.Lot) {
	sort.Slice(lots, func(i, j int) bool { return domain.FEFOLess(&lots[i], &lots[j]) })
}
