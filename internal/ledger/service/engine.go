// Package service implements the ledger's components on top of a
// domain.Store: catalog, lot ledger, prescription registry, the movement
// engine that ties them together, alert scanning and read models.
package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/internal/ledger/events"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/idempotency"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// MovementRequest asks the engine to commit one stock change.
type MovementRequest struct {
	ProductCode string                `json:"product_code" validate:"required"`
	Direction   domain.Direction      `json:"direction" validate:"required,oneof=entrada salida"`
	Reason      domain.MovementReason `json:"reason,omitempty" validate:"omitempty,oneof=recepcion dispensacion baja ajuste"`
	Quantity    int                   `json:"quantity" validate:"gt=0"`
	// UnitPrice is the purchase cost of a receipt.
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
	Responsible     string           `json:"responsible" validate:"required"`
	PrescriptionRef *string          `json:"prescription_id,omitempty"`
	UserRef         *string          `json:"user_id,omitempty"`
	// Lot names the lot an inbound movement goes into; nil receives into a
	// synthetic lot without expiry.
	Lot *LotMetadata `json:"lot,omitempty"`
	// LotID selects the lot an outbound write-off or adjustment draws from.
	LotID          *int64  `json:"lot_id,omitempty"`
	Note           *string `json:"note,omitempty"`
	IdempotencyKey string  `json:"-"`
}

// CommitResult is what a committed movement produced.
type CommitResult struct {
	Movement   *domain.Movement    `json:"movement"`
	Audit      *domain.AuditRecord `json:"audit,omitempty"`
	StockAfter int                 `json:"stock_after"`
	Warnings   []string            `json:"warnings,omitempty"`
	Replayed   bool                `json:"replayed,omitempty"`
}

// WriteOffRequest removes units of one lot from stock.
type WriteOffRequest struct {
	LotID          int64   `json:"-"`
	Quantity       int     `json:"quantity" validate:"gt=0"`
	Responsible    string  `json:"responsible" validate:"required"`
	UserRef        *string `json:"user_id,omitempty"`
	Note           *string `json:"note,omitempty"`
	IdempotencyKey string  `json:"-"`
}

// MovementEngine commits movements. Each commit authorizes, plans, applies
// and records inside one unit of work of the store, so a failure at any step
// leaves lots, stock, movements and the audit register untouched.
type MovementEngine struct {
	store       domain.Store
	lots        *LotLedger
	gate        *domain.ComplianceGate
	idempotency *idempotency.Store
	publisher   *events.LedgerEventPublisher
	clock       clock.Clock
	logger      *logger.Logger
}

// NewMovementEngine creates a new movement engine. idem and publisher may be nil.
func NewMovementEngine(
	store domain.Store,
	lots *LotLedger,
	gate *domain.ComplianceGate,
	idem *idempotency.Store,
	publisher *events.LedgerEventPublisher,
	clk clock.Clock,
	log *logger.Logger,
) *MovementEngine {
	return &MovementEngine{
		store:       store,
		lots:        lots,
		gate:        gate,
		idempotency: idem,
		publisher:   publisher,
		clock:       clk,
		logger:      log,
	}
}

// Commit validates, authorizes and records a movement.
func (e *MovementEngine) Commit(ctx context.Context, req MovementRequest) (result *CommitResult, err error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		// err below must stay the named result: settleKey reads it.
		fingerprint, ferr := idempotency.Fingerprint(req)
		if ferr != nil {
			return nil, ferr
		}
		stored, rerr := e.idempotency.Reserve(ctx, req.IdempotencyKey, fingerprint)
		switch {
		case stderrors.Is(rerr, idempotency.ErrInFlight):
			return nil, domain.IdempotencyInFlight(req.IdempotencyKey)
		case stderrors.Is(rerr, idempotency.ErrKeyReused):
			return nil, domain.IdempotencyKeyReused(req.IdempotencyKey)
		case rerr != nil:
			return nil, errors.Unavailable(rerr)
		}
		if stored != "" {
			var replay CommitResult
			if uerr := json.Unmarshal([]byte(stored), &replay); uerr != nil {
				return nil, fmt.Errorf("decode idempotent result: %w", uerr)
			}
			replay.Replayed = true
			return &replay, nil
		}
		defer func() { e.settleKey(ctx, req.IdempotencyKey, fingerprint, result, err) }()
	}

	if req.UserRef != nil {
		usr, err := e.store.Users().Get(ctx, *req.UserRef)
		if err != nil {
			return nil, err
		}
		if !usr.IsActive {
			return nil, domain.UserNotFound(*req.UserRef)
		}
	}

	err = e.store.Execute(ctx, func(ctx context.Context, tx domain.Repositories) error {
		r, err := e.commit(ctx, tx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		e.logger.Warn().
			Err(err).
			Str("product_code", req.ProductCode).
			Str("direction", string(req.Direction)).
			Int("quantity", req.Quantity).
			Str("code", errors.CodeOf(err)).
			Msg("movement rejected")
		return nil, err
	}

	auditID := ""
	if result.Audit != nil {
		auditID = result.Audit.ID
	}
	e.publisher.PublishMovementCommitted(ctx, result.Movement, auditID, result.StockAfter)

	e.logger.Info().
		Str("movement_id", result.Movement.ID).
		Str("product_code", req.ProductCode).
		Str("direction", string(req.Direction)).
		Str("reason", string(req.Reason)).
		Int("quantity", req.Quantity).
		Int("stock_after", result.StockAfter).
		Msg("movement committed")
	return result, nil
}

// WriteOff commits an outbound baja movement on one lot
func (e *MovementEngine) WriteOff(ctx context.Context, req WriteOffRequest) (*CommitResult, error) {
	lot, err := e.store.Lots().Get(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	p, err := e.store.Products().GetByID(ctx, lot.ProductID)
	if err != nil {
		return nil, err
	}
	lotID := req.LotID
	return e.Commit(ctx, MovementRequest{
		ProductCode:    p.Code,
		Direction:      domain.DirectionOut,
		Reason:         domain.ReasonWriteOff,
		Quantity:       req.Quantity,
		Responsible:    req.Responsible,
		UserRef:        req.UserRef,
		LotID:          &lotID,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (e *MovementEngine) settleKey(ctx context.Context, key, fingerprint string, result *CommitResult, err error) {
	if err != nil {
		if rerr := e.idempotency.Release(ctx, key); rerr != nil {
			e.logger.Error().Err(rerr).Str("idempotency_key", key).Msg("failed to release idempotency key")
		}
		return
	}
	payload, merr := json.Marshal(result)
	if merr == nil {
		merr = e.idempotency.Complete(ctx, key, fingerprint, string(payload))
	}
	if merr != nil {
		e.logger.Error().Err(merr).Str("idempotency_key", key).Msg("failed to store idempotent result")
	}
}

// normalize checks the request shape and fills in the default reason.
func normalize(req *MovementRequest) error {
	req.ProductCode = strings.TrimSpace(req.ProductCode)
	req.Responsible = strings.TrimSpace(req.Responsible)
	if req.PrescriptionRef != nil && strings.TrimSpace(*req.PrescriptionRef) == "" {
		req.PrescriptionRef = nil
	}
	if req.UserRef != nil && strings.TrimSpace(*req.UserRef) == "" {
		req.UserRef = nil
	}

	if req.Quantity <= 0 {
		return domain.InvalidQuantity(req.Quantity)
	}

	details := map[string]string{}
	if req.ProductCode == "" {
		details["product_code"] = "is required"
	}
	if req.Responsible == "" {
		details["responsible"] = "is required"
	}

	switch req.Direction {
	case domain.DirectionIn:
		if req.Reason == "" {
			req.Reason = domain.ReasonReceipt
		}
		if req.Reason != domain.ReasonReceipt && req.Reason != domain.ReasonAdjustment {
			details["reason"] = "must be recepcion or ajuste for entrada"
		}
		if req.Reason == domain.ReasonAdjustment && req.Lot == nil {
			details["lot"] = "is required for an adjustment"
		}
		if req.UnitPrice == nil {
			details["unit_price"] = "is required for entrada"
		} else if req.UnitPrice.IsNegative() {
			details["unit_price"] = "must not be negative"
		}
		if req.LotID != nil {
			details["lot_id"] = "is only allowed for salida"
		}
	case domain.DirectionOut:
		if req.Reason == "" {
			req.Reason = domain.ReasonDispense
			if req.LotID != nil {
				req.Reason = domain.ReasonWriteOff
			}
		}
		switch req.Reason {
		case domain.ReasonDispense:
			if req.LotID != nil {
				details["lot_id"] = "is not allowed for dispensacion"
			}
		case domain.ReasonWriteOff, domain.ReasonAdjustment:
			if req.LotID == nil {
				details["lot_id"] = "is required for " + string(req.Reason)
			}
		default:
			details["reason"] = "must be dispensacion, baja or ajuste for salida"
		}
		if req.Lot != nil {
			details["lot"] = "is only allowed for entrada"
		}
	default:
		details["direction"] = "must be one of: entrada, salida"
	}

	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

// commit is the unit of work. It may run more than once when the store
// retries a conflict, so it derives everything from tx.
func (e *MovementEngine) commit(ctx context.Context, tx domain.Repositories, req MovementRequest) (*CommitResult, error) {
	product, err := tx.Products().LockByCode(ctx, req.ProductCode)
	if err != nil {
		return nil, err
	}
	controlled := product.Classification == domain.ClassControlled
	// Dispensing gets this check from the gate, after the prescription checks.
	if controlled && req.UserRef == nil && req.Reason != domain.ReasonDispense {
		return nil, domain.MissingResponsibleParty(product.Code)
	}

	// asOf keeps the clock's location: expiry is judged on the local
	// calendar day. at is only the recorded instant.
	asOf := e.clock.Now()
	at, err := e.nextTimestamp(ctx, tx, asOf)
	if err != nil {
		return nil, err
	}

	var (
		plan     []domain.Allocation
		warnings []string
		rxID     *string
	)
	switch {
	case req.Direction == domain.DirectionIn:
		alloc, err := e.lots.Receive(ctx, tx, product, req.Lot, req.Quantity, asOf)
		if err != nil {
			return nil, err
		}
		plan = []domain.Allocation{alloc}

	case req.Reason == domain.ReasonDispense:
		decision, rx, err := e.authorize(ctx, tx, product, req, asOf)
		if err != nil {
			return nil, err
		}
		warnings = decision.Warnings
		if rx != nil {
			rxID = &rx.ID
		}
		if plan, err = e.lots.Allocate(ctx, tx, product, req.Quantity, asOf); err != nil {
			return nil, err
		}
		if err := e.lots.Apply(ctx, tx, product, plan); err != nil {
			return nil, err
		}

	default:
		if plan, err = e.writeOffPlan(ctx, tx, product, *req.LotID, req.Quantity); err != nil {
			return nil, err
		}
		if err := e.lots.Apply(ctx, tx, product, plan); err != nil {
			return nil, err
		}
	}

	stock, err := e.lots.RecomputeStock(ctx, tx, product.ID, asOf)
	if err != nil {
		return nil, fmt.Errorf("recompute stock: %w", err)
	}

	m := &domain.Movement{
		ID:             uuid.New().String(),
		ProductID:      product.ID,
		ProductCode:    product.Code,
		Direction:      req.Direction,
		Reason:         req.Reason,
		Quantity:       req.Quantity,
		Responsible:    req.Responsible,
		PrescriptionID: rxID,
		UserID:         req.UserRef,
		Note:           req.Note,
		OccurredAt:     at,
		Allocations:    plan,
	}
	if req.UnitPrice != nil {
		m.UnitPrice = decimal.NewNullDecimal(*req.UnitPrice)
	}
	if err := tx.Movements().Create(ctx, m); err != nil {
		return nil, fmt.Errorf("record movement: %w", err)
	}

	balance, err := e.checkConservation(ctx, tx, product)
	if err != nil {
		return nil, err
	}

	result := &CommitResult{Movement: m, StockAfter: stock, Warnings: warnings}
	if controlled {
		prev, err := tx.Audit().Last(ctx, product.ID)
		if err != nil {
			return nil, fmt.Errorf("read audit register: %w", err)
		}
		rec := domain.NewAuditRecord(uuid.New().String(), m, balance, prev)
		if err := tx.Audit().Append(ctx, rec); err != nil {
			return nil, fmt.Errorf("append audit record: %w", err)
		}
		result.Audit = rec
	}
	return result, nil
}

// authorize loads the gate snapshot inside the unit of work and runs the gate.
func (e *MovementEngine) authorize(ctx context.Context, tx domain.Repositories, product *domain.Product, req MovementRequest, asOf time.Time) (domain.Decision, *domain.Prescription, error) {
	snapshot := domain.AuthorizationRequest{
		Product:         product,
		Quantity:        req.Quantity,
		PrescriptionRef: req.PrescriptionRef,
		UserRef:         req.UserRef,
	}

	var rx *domain.Prescription
	if req.PrescriptionRef != nil {
		loaded, err := tx.Prescriptions().Get(ctx, *req.PrescriptionRef)
		if err != nil {
			return domain.Decision{}, nil, err
		}
		rx = loaded
		snapshot.Prescription = rx
		if _, ok := rx.Line(product.ID); ok {
			remaining, err := remainingOn(ctx, tx, rx, product)
			if err != nil {
				return domain.Decision{}, nil, err
			}
			snapshot.Remaining = remaining
		}
	}

	if product.Classification.RequiresPrescription() {
		cert, err := tx.Certificates().Latest(ctx, product.ID)
		if err != nil {
			return domain.Decision{}, nil, err
		}
		snapshot.Certificate = cert
	}

	decision, err := e.gate.Authorize(snapshot, asOf)
	if err != nil {
		return domain.Decision{}, nil, err
	}
	return decision, rx, nil
}

func (e *MovementEngine) writeOffPlan(ctx context.Context, tx domain.Repositories, product *domain.Product, lotID int64, quantity int) ([]domain.Allocation, error) {
	lot, err := tx.Lots().Get(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.ProductID != product.ID {
		return nil, domain.LotNotFound(fmt.Sprint(lotID))
	}
	if quantity > lot.Quantity {
		return nil, domain.WriteOffExceeds(lot.LotNumber, quantity, lot.Quantity)
	}
	return []domain.Allocation{{
		LotID:      lot.ID,
		LotNumber:  lot.LotNumber,
		ExpiryDate: lot.ExpiryDate,
		Quantity:   quantity,
	}}, nil
}

// nextTimestamp keeps movement times strictly increasing across the whole
// log at the microsecond precision PostgreSQL stores.
func (e *MovementEngine) nextTimestamp(ctx context.Context, tx domain.Repositories, now time.Time) (time.Time, error) {
	at := now.UTC().Truncate(time.Microsecond)
	last, err := tx.Movements().LastOccurredAt(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("read last movement: %w", err)
	}
	if !at.After(last) {
		at = last.UTC().Add(time.Microsecond)
	}
	return at, nil
}

// checkConservation verifies that the lots hold exactly what the journal
// says came in minus what went out, and returns that balance.
func (e *MovementEngine) checkConservation(ctx context.Context, tx domain.Repositories, product *domain.Product) (int, error) {
	held, err := tx.Lots().SumQuantity(ctx, product.ID)
	if err != nil {
		return 0, fmt.Errorf("sum lots: %w", err)
	}
	totals, err := tx.Movements().Totals(ctx, product.ID)
	if err != nil {
		return 0, fmt.Errorf("sum movements: %w", err)
	}
	if held != totals.In-totals.Out {
		e.logger.Error().
			Str("product_code", product.Code).
			Int("lots", held).
			Int("journal", totals.In-totals.Out).
			Msg("stock conservation violated")
		return 0, errors.Internal(fmt.Sprintf("stock of %s does not match its movements", product.Code))
	}
	return held, nil
}
