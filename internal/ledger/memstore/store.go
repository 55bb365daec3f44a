// Package memstore is an in-memory implementation of the ledger store. Lots
// live in a per-product B-tree kept in FEFO order. Units of work run one at a
// time under a mutex and are rolled back from an undo log when they fail.
package memstore

import (
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
)

const btreeDegree = 16

type state struct {
	products      map[string]*domain.Product // by id
	productByCode map[string]string
	lots          map[int64]*domain.Lot
	fefo          map[string]*btree.BTreeG[*domain.Lot] // by product id
	lotByNumber   map[lotKey]int64
	certificates  map[string][]*domain.Certificate // by product id
	prescriptions map[string]*domain.Prescription
	movements     []*domain.Movement
	movementByID  map[string]*domain.Movement
	audit         map[string][]*domain.AuditRecord // by product id, entry order
	auditByMove   map[string]*domain.AuditRecord
	users         map[string]*domain.User

	nextLotID   int64
	nextMoveSeq int64
}

type lotKey struct {
	productID string
	number    string
}

// Store implements domain.Store in memory.
type Store struct {
	mu sync.Mutex
	st *state
	// direct serves reads and writes issued outside Execute.
	direct *unit
}

var _ domain.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	s := &Store{st: &state{
		products:      map[string]*domain.Product{},
		productByCode: map[string]string{},
		lots:          map[int64]*domain.Lot{},
		fefo:          map[string]*btree.BTreeG[*domain.Lot]{},
		lotByNumber:   map[lotKey]int64{},
		certificates:  map[string][]*domain.Certificate{},
		prescriptions: map[string]*domain.Prescription{},
		movementByID:  map[string]*domain.Movement{},
		audit:         map[string][]*domain.AuditRecord{},
		auditByMove:   map[string]*domain.AuditRecord{},
		users:         map[string]*domain.User{},
	}}
	s.direct = &unit{st: s.st, mu: &s.mu}
	return s
}

// Execute runs fn while holding the store exclusively. Every mutation fn
// makes is logged; when fn fails or panics the log is replayed backwards.
func (s *Store) Execute(ctx context.Context, fn func(ctx context.Context, tx domain.Repositories) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := &unit{st: s.st}
	defer func() {
		if p := recover(); p != nil {
			u.rollback()
			panic(p)
		}
	}()

	if err = fn(ctx, u); err != nil {
		u.rollback()
		return err
	}
	return nil
}

func (s *Store) Products() domain.ProductRepository           { return s.direct.Products() }
func (s *Store) Lots() domain.LotRepository                   { return s.direct.Lots() }
func (s *Store) Certificates() domain.CertificateRepository   { return s.direct.Certificates() }
func (s *Store) Prescriptions() domain.PrescriptionRepository { return s.direct.Prescriptions() }
func (s *Store) Movements() domain.MovementRepository         { return s.direct.Movements() }
func (s *Store) Audit() domain.AuditRepository                { return s.direct.Audit() }
func (s *Store) Users() domain.UserRepository                 { return s.direct.Users() }

// unit is a view of the state. Inside Execute mu is nil because the store is
// already held, and undo collects compensations.
type unit struct {
	st   *state
	mu   *sync.Mutex
	undo []func()
}

func (u *unit) lock() func() {
	if u.mu == nil {
		return func() {}
	}
	u.mu.Lock()
	return u.mu.Unlock
}

// onUndo registers a compensation. Direct writes are not undoable.
func (u *unit) onUndo(f func()) {
	if u.mu == nil {
		u.undo = append(u.undo, f)
	}
}

func (u *unit) rollback() {
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	u.undo = nil
}

func (u *unit) Products() domain.ProductRepository           { return productRepo{u} }
func (u *unit) Lots() domain.LotRepository                   { return lotRepo{u} }
func (u *unit) Certificates() domain.CertificateRepository   { return certificateRepo{u} }
func (u *unit) Prescriptions() domain.PrescriptionRepository { return prescriptionRepo{u} }
func (u *unit) Movements() domain.MovementRepository         { return movementRepo{u} }
func (u *unit) Audit() domain.AuditRepository                { return auditRepo{u} }
func (u *unit) Users() domain.UserRepository                 { return userRepo{u} }
