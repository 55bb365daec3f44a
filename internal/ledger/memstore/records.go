package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

type prescriptionRepo struct{ u *unit }

func copyPrescription(rx *domain.Prescription) *domain.Prescription {
	cp := *rx
	cp.Lines = append([]domain.PrescriptionLine(nil), rx.Lines...)
	return &cp
}

func (r prescriptionRepo) Create(ctx context.Context, rx *domain.Prescription) error {
	defer r.u.lock()()
	st := r.u.st
	if rx.ID == "" {
		rx.ID = uuid.New().String()
	}
	if _, exists := st.prescriptions[rx.ID]; exists {
		return errors.Conflict("prescription " + rx.ID + " already exists")
	}
	seen := map[string]bool{}
	for i := range rx.Lines {
		line := &rx.Lines[i]
		if _, ok := st.products[line.ProductID]; !ok {
			return domain.ProductNotFound(line.ProductCode)
		}
		if seen[line.ProductID] {
			return errors.Conflict("prescription has more than one line for product " + line.ProductCode)
		}
		seen[line.ProductID] = true
		if line.ID == "" {
			line.ID = uuid.New().String()
		}
		line.PrescriptionID = rx.ID
	}
	st.prescriptions[rx.ID] = copyPrescription(rx)
	id := rx.ID
	r.u.onUndo(func() { delete(st.prescriptions, id) })
	return nil
}

func (r prescriptionRepo) Get(ctx context.Context, id string) (*domain.Prescription, error) {
	defer r.u.lock()()
	rx, ok := r.u.st.prescriptions[id]
	if !ok {
		return nil, domain.PrescriptionNotFound(id)
	}
	return copyPrescription(rx), nil
}

func (r prescriptionRepo) Void(ctx context.Context, id string, at time.Time, reason string) error {
	defer r.u.lock()()
	rx, ok := r.u.st.prescriptions[id]
	if !ok {
		return domain.PrescriptionNotFound(id)
	}
	oldAt, oldReason := rx.VoidedAt, rx.VoidReason
	rx.VoidedAt, rx.VoidReason = &at, &reason
	r.u.onUndo(func() { rx.VoidedAt, rx.VoidReason = oldAt, oldReason })
	return nil
}

func (r prescriptionRepo) Dispensed(ctx context.Context, prescriptionID, productID string) (int, error) {
	defer r.u.lock()()
	total := 0
	for _, m := range r.u.st.movements {
		if m.ProductID == productID && m.Reason == domain.ReasonDispense &&
			m.PrescriptionID != nil && *m.PrescriptionID == prescriptionID {
			total += m.Quantity
		}
	}
	return total, nil
}

type movementRepo struct{ u *unit }

func copyMovement(m *domain.Movement) domain.Movement {
	cp := *m
	cp.Allocations = append([]domain.Allocation(nil), m.Allocations...)
	return cp
}

func (r movementRepo) Create(ctx context.Context, m *domain.Movement) error {
	defer r.u.lock()()
	st := r.u.st
	if m.Quantity <= 0 {
		return domain.InvalidQuantity(m.Quantity)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if _, exists := st.movementByID[m.ID]; exists {
		return errors.Conflict("movement " + m.ID + " already exists")
	}
	st.nextMoveSeq++
	m.Sequence = st.nextMoveSeq
	stored := copyMovement(m)
	st.movements = append(st.movements, &stored)
	st.movementByID[stored.ID] = &stored
	r.u.onUndo(func() {
		st.movements = st.movements[:len(st.movements)-1]
		delete(st.movementByID, stored.ID)
	})
	return nil
}

func (r movementRepo) Get(ctx context.Context, id string) (*domain.Movement, error) {
	defer r.u.lock()()
	m, ok := r.u.st.movementByID[id]
	if !ok {
		return nil, errors.NotFound("movement")
	}
	cp := copyMovement(m)
	return &cp, nil
}

func (r movementRepo) ListByProduct(ctx context.Context, productID string, f domain.MovementFilter) ([]domain.Movement, error) {
	defer r.u.lock()()
	var out []domain.Movement
	skipped := 0
	for _, m := range r.u.st.movements {
		if m.ProductID != productID ||
			(f.From != nil && m.OccurredAt.Before(*f.From)) ||
			(f.To != nil && m.OccurredAt.After(*f.To)) ||
			(f.Direction != nil && m.Direction != *f.Direction) {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, copyMovement(m))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (r movementRepo) LastOccurredAt(ctx context.Context) (time.Time, error) {
	defer r.u.lock()()
	var last time.Time
	for _, m := range r.u.st.movements {
		if m.OccurredAt.After(last) {
			last = m.OccurredAt
		}
	}
	return last, nil
}

func (r movementRepo) Totals(ctx context.Context, productID string) (domain.MovementTotals, error) {
	defer r.u.lock()()
	var t domain.MovementTotals
	for _, m := range r.u.st.movements {
		if m.ProductID != productID {
			continue
		}
		if m.Direction == domain.DirectionIn {
			t.In += m.Quantity
		} else {
			t.Out += m.Quantity
		}
	}
	return t, nil
}

type auditRepo struct{ u *unit }

func (r auditRepo) Append(ctx context.Context, rec *domain.AuditRecord) error {
	defer r.u.lock()()
	st := r.u.st
	if _, exists := st.auditByMove[rec.MovementID]; exists {
		return errors.Conflict("movement " + rec.MovementID + " already has an audit record")
	}
	chain := st.audit[rec.ProductID]
	if rec.EntryNumber != len(chain)+1 {
		return errors.Conflict("audit entry number out of sequence")
	}
	stored := *rec
	st.audit[rec.ProductID] = append(chain, &stored)
	st.auditByMove[rec.MovementID] = &stored
	r.u.onUndo(func() {
		list := st.audit[stored.ProductID]
		st.audit[stored.ProductID] = list[:len(list)-1]
		delete(st.auditByMove, stored.MovementID)
	})
	return nil
}

func (r auditRepo) Last(ctx context.Context, productID string) (*domain.AuditRecord, error) {
	defer r.u.lock()()
	chain := r.u.st.audit[productID]
	if len(chain) == 0 {
		return nil, nil
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

func (r auditRepo) GetByMovement(ctx context.Context, movementID string) (*domain.AuditRecord, error) {
	defer r.u.lock()()
	rec, ok := r.u.st.auditByMove[movementID]
	if !ok {
		return nil, errors.NotFound("audit record")
	}
	cp := *rec
	return &cp, nil
}

func (r auditRepo) ListByProduct(ctx context.Context, productID string) ([]domain.AuditRecord, error) {
	defer r.u.lock()()
	chain := r.u.st.audit[productID]
	out := make([]domain.AuditRecord, 0, len(chain))
	for _, rec := range chain {
		out = append(out, *rec)
	}
	return out, nil
}

func (r auditRepo) ListByPrescription(ctx context.Context, prescriptionID string) ([]domain.AuditRecord, error) {
	defer r.u.lock()()
	var out []domain.AuditRecord
	for _, chain := range r.u.st.audit {
		for _, rec := range chain {
			if rec.PrescriptionID != nil && *rec.PrescriptionID == prescriptionID {
				out = append(out, *rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
