package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/internal/ledger/service"
	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/permissions"
)

// IdempotencyHeader carries the client's retry key for a commit.
const IdempotencyHeader = "Idempotency-Key"

// MovementHandler handles stock movement endpoints
type MovementHandler struct {
	engine  *service.MovementEngine
	catalog *service.CatalogService
	lots    *service.LotLedger
	clock   clock.Clock
	logger  *logger.Logger
}

// NewMovementHandler creates a new movement handler
func NewMovementHandler(engine *service.MovementEngine, catalog *service.CatalogService, lots *service.LotLedger, clk clock.Clock, log *logger.Logger) *MovementHandler {
	return &MovementHandler{
		engine:  engine,
		catalog: catalog,
		lots:    lots,
		clock:   clk,
		logger:  log,
	}
}

type lotRequest struct {
	Number          string    `json:"lot_number" validate:"required"`
	ManufactureDate civilDate `json:"manufacture_date"`
	ExpiryDate      civilDate `json:"expiry_date"`
}

type movementRequest struct {
	ProductCode     string                `json:"product_code" validate:"required"`
	Direction       domain.Direction      `json:"direction" validate:"required,oneof=entrada salida"`
	Reason          domain.MovementReason `json:"reason,omitempty" validate:"omitempty,oneof=recepcion dispensacion baja ajuste"`
	Quantity        int                   `json:"quantity"`
	UnitPrice       *decimal.Decimal      `json:"unit_price,omitempty"`
	Responsible     string                `json:"responsible,omitempty"`
	PrescriptionRef *string               `json:"prescription_id,omitempty"`
	UserRef         *string               `json:"user_id,omitempty"`
	Lot             *lotRequest           `json:"lot,omitempty"`
	LotID           *int64                `json:"lot_id,omitempty"`
	Note            *string               `json:"note,omitempty"`
}

// Commit records a stock movement
func (h *MovementHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, r, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, r, err)
		return
	}

	cmd := service.MovementRequest{
		ProductCode:     req.ProductCode,
		Direction:       req.Direction,
		Reason:          req.Reason,
		Quantity:        req.Quantity,
		UnitPrice:       req.UnitPrice,
		Responsible:     req.Responsible,
		PrescriptionRef: req.PrescriptionRef,
		UserRef:         req.UserRef,
		LotID:           req.LotID,
		Note:            req.Note,
		IdempotencyKey:  strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
	}
	if req.Lot != nil {
		if req.Lot.ManufactureDate.IsZero() || req.Lot.ExpiryDate.IsZero() {
			httputil.Error(w, r, errors.Validation(map[string]string{"lot": "manufacture_date and expiry_date are required"}))
			return
		}
		cmd.Lot = &service.LotMetadata{
			Number:          req.Lot.Number,
			ManufactureDate: req.Lot.ManufactureDate.Time,
			ExpiryDate:      req.Lot.ExpiryDate.Time,
		}
	}
	if err := fillActor(r, &cmd.Responsible, &cmd.UserRef); err != nil {
		httputil.Error(w, r, err)
		return
	}

	if cmd.Direction == domain.DirectionOut {
		p, err := h.catalog.GetProduct(r.Context(), cmd.ProductCode)
		if err != nil {
			httputil.Error(w, r, err)
			return
		}
		if p.Classification == domain.ClassControlled && !callerMay(r, permissions.ControlledDispense) {
			httputil.Error(w, r, errors.Forbidden("missing permission "+permissions.ControlledDispense))
			return
		}
	}

	result, err := h.engine.Commit(r.Context(), cmd)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	if result.Replayed {
		httputil.JSON(w, http.StatusOK, result)
		return
	}
	httputil.Created(w, result)
}

type writeOffRequest struct {
	Quantity    int     `json:"quantity"`
	Responsible string  `json:"responsible,omitempty"`
	UserRef     *string `json:"user_id,omitempty"`
	Note        *string `json:"note,omitempty"`
}

// WriteOff removes units of one lot from stock
func (h *MovementHandler) WriteOff(w http.ResponseWriter, r *http.Request) {
	lotID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httputil.Error(w, r, domain.LotNotFound(chi.URLParam(r, "id")))
		return
	}

	var req writeOffRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, r, err)
		return
	}

	cmd := service.WriteOffRequest{
		LotID:          lotID,
		Quantity:       req.Quantity,
		Responsible:    req.Responsible,
		UserRef:        req.UserRef,
		Note:           req.Note,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
	}
	if err := fillActor(r, &cmd.Responsible, &cmd.UserRef); err != nil {
		httputil.Error(w, r, err)
		return
	}

	result, err := h.engine.WriteOff(r.Context(), cmd)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	if result.Replayed {
		httputil.JSON(w, http.StatusOK, result)
		return
	}
	httputil.Created(w, result)
}

type sweepResponse struct {
	AsOf        time.Time    `json:"as_of"`
	ExpiredLots []domain.Lot `json:"expired_lots"`
}

// Sweep marks lots expired as of as_of
func (h *MovementHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	at, err := asOf(r, h.clock)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	lots, err := h.lots.SweepExpirations(r.Context(), at)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}
	if lots == nil {
		lots = []domain.Lot{}
	}

	httputil.JSON(w, http.StatusOK, sweepResponse{AsOf: at, ExpiredLots: lots})
}

// fillActor defaults the responsible party and acting user to the caller.
// Recording a movement under another user needs MovementsDelegate.
func fillActor(r *http.Request, responsible *string, userRef **string) error {
	a := actor.FromContext(r.Context())
	if a == nil || a.IsSystem() {
		return nil
	}
	if strings.TrimSpace(*responsible) == "" {
		*responsible = a.DisplayName()
	}
	if *userRef == nil {
		if a.ID != "" {
			id := a.ID
			*userRef = &id
		}
		return nil
	}
	if **userRef != a.ID && !permissions.HasPermission(a.Permissions, permissions.MovementsDelegate) {
		return errors.Forbidden("user_id must be the signed-in user without permission " + permissions.MovementsDelegate)
	}
	return nil
}

func callerMay(r *http.Request, perm string) bool {
	a := actor.FromContext(r.Context())
	return a != nil && permissions.HasPermission(a.Permissions, perm)
}
