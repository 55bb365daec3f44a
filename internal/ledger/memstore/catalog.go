package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

type productRepo struct{ u *unit }

func (r productRepo) Create(ctx context.Context, p *domain.Product) error {
	defer r.u.lock()()
	st := r.u.st

	if _, exists := st.productByCode[p.Code]; exists {
		return domain.DuplicateCode(p.Code)
	}
	if p.CurrentStock < 0 || p.ReorderThreshold < 0 {
		return errors.Validation(map[string]string{"quantity": "must not be negative"})
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	stored := *p
	st.products[p.ID] = &stored
	st.productByCode[p.Code] = p.ID
	st.fefo[p.ID] = newLotIndex()
	r.u.onUndo(func() {
		delete(st.products, stored.ID)
		delete(st.productByCode, stored.Code)
		delete(st.fefo, stored.ID)
	})
	return nil
}

func (r productRepo) GetByCode(ctx context.Context, code string) (*domain.Product, error) {
	defer r.u.lock()()
	id, ok := r.u.st.productByCode[code]
	if !ok {
		return nil, domain.ProductNotFound(code)
	}
	p := *r.u.st.products[id]
	return &p, nil
}

func (r productRepo) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	defer r.u.lock()()
	p, ok := r.u.st.products[id]
	if !ok {
		return nil, domain.ProductNotFound(id)
	}
	cp := *p
	return &cp, nil
}

// LockByCode is GetByCode: a unit of work already holds the whole store.
func (r productRepo) LockByCode(ctx context.Context, code string) (*domain.Product, error) {
	return r.GetByCode(ctx, code)
}

func (r productRepo) List(ctx context.Context) ([]domain.Product, error) {
	defer r.u.lock()()
	out := make([]domain.Product, 0, len(r.u.st.products))
	for _, p := range r.u.st.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r productRepo) update(id string, mutate func(p *domain.Product)) error {
	defer r.u.lock()()
	p, ok := r.u.st.products[id]
	if !ok {
		return domain.ProductNotFound(id)
	}
	old := *p
	mutate(p)
	p.UpdatedAt = time.Now().UTC()
	r.u.onUndo(func() { *p = old })
	return nil
}

func (r productRepo) UpdateReorderThreshold(ctx context.Context, id string, threshold int) error {
	if threshold < 0 {
		return errors.Validation(map[string]string{"reorder_threshold": "must not be negative"})
	}
	return r.update(id, func(p *domain.Product) { p.ReorderThreshold = threshold })
}

func (r productRepo) UpdateClassification(ctx context.Context, id string, class domain.SaleClass) error {
	if !class.Valid() {
		return errors.Validation(map[string]string{"classification": "must be one of: venta_libre, con_receta, controlado"})
	}
	return r.update(id, func(p *domain.Product) { p.Classification = class })
}

func (r productRepo) UpdateStock(ctx context.Context, id string, stock int) error {
	if stock < 0 {
		return errors.Validation(map[string]string{"quantity": "must not be negative"})
	}
	return r.update(id, func(p *domain.Product) { p.CurrentStock = stock })
}

type certificateRepo struct{ u *unit }

func (r certificateRepo) Create(ctx context.Context, c *domain.Certificate) error {
	defer r.u.lock()()
	st := r.u.st
	if _, ok := st.products[c.ProductID]; !ok {
		return domain.ProductNotFound(c.ProductID)
	}
	if c.ExpiryDate.Before(c.IssueDate) {
		return domain.InvalidDateRange(c.IssueDate, c.ExpiryDate)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	stored := *c
	st.certificates[c.ProductID] = append(st.certificates[c.ProductID], &stored)
	r.u.onUndo(func() {
		list := st.certificates[stored.ProductID]
		st.certificates[stored.ProductID] = list[:len(list)-1]
	})
	return nil
}

func (r certificateRepo) ListByProduct(ctx context.Context, productID string) ([]domain.Certificate, error) {
	defer r.u.lock()()
	list := r.u.st.certificates[productID]
	out := make([]domain.Certificate, 0, len(list))
	for _, c := range list {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiryDate.After(out[j].ExpiryDate) })
	return out, nil
}

func (r certificateRepo) Latest(ctx context.Context, productID string) (*domain.Certificate, error) {
	defer r.u.lock()()
	var latest *domain.Certificate
	for _, c := range r.u.st.certificates[productID] {
		if latest == nil || c.ExpiryDate.After(latest.ExpiryDate) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r certificateRepo) ExpireBefore(ctx context.Context, date time.Time) (int, error) {
	defer r.u.lock()()
	n := 0
	for _, list := range r.u.st.certificates {
		for _, c := range list {
			if c.Status == domain.StatusActive && c.ExpiryDate.Before(date) {
				c.Status = domain.StatusExpired
				cert := c
				r.u.onUndo(func() { cert.Status = domain.StatusActive })
				n++
			}
		}
	}
	return n, nil
}

type userRepo struct{ u *unit }

func (r userRepo) Get(ctx context.Context, id string) (*domain.User, error) {
	defer r.u.lock()()
	usr, ok := r.u.st.users[id]
	if !ok {
		return nil, domain.UserNotFound(id)
	}
	cp := *usr
	return &cp, nil
}

func (r userRepo) Upsert(ctx context.Context, usr *domain.User) error {
	defer r.u.lock()()
	st := r.u.st
	prev, existed := st.users[usr.ID]
	stored := *usr
	st.users[usr.ID] = &stored
	r.u.onUndo(func() {
		if existed {
			st.users[stored.ID] = prev
		} else {
			delete(st.users, stored.ID)
		}
	})
	return nil
}

func (r userRepo) Deactivate(ctx context.Context, id string) error {
	defer r.u.lock()()
	usr, ok := r.u.st.users[id]
	if !ok {
		return domain.UserNotFound(id)
	}
	was := usr.IsActive
	usr.IsActive = false
	r.u.onUndo(func() { usr.IsActive = was })
	return nil
}
