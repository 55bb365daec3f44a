package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/internal/ledger/service"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// PrescriptionHandler handles prescription endpoints
type PrescriptionHandler struct {
	registry *service.PrescriptionRegistry
	reports  *service.ReportService
	clock    clock.Clock
	logger   *logger.Logger
}

// NewPrescriptionHandler creates a new prescription handler
func NewPrescriptionHandler(registry *service.PrescriptionRegistry, reports *service.ReportService, clk clock.Clock, log *logger.Logger) *PrescriptionHandler {
	return &PrescriptionHandler{
		registry: registry,
		reports:  reports,
		clock:    clk,
		logger:   log,
	}
}

type prescriptionLineRequest struct {
	ProductCode string `json:"product_code"`
	Quantity    int    `json:"quantity"`
}

type registerPrescriptionRequest struct {
	ID            string                    `json:"id,omitempty" validate:"omitempty,max=64"`
	PatientRef    string                    `json:"patient_ref"`
	PrescriberRef string                    `json:"prescriber_ref"`
	EmittedOn     *civilDate                `json:"emitted_on,omitempty"`
	ExpiresOn     *civilDate                `json:"expires_on,omitempty"`
	Lines         []prescriptionLineRequest `json:"lines"`
}

// Register stores a prescription
func (h *PrescriptionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerPrescriptionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, r, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, r, err)
		return
	}

	rx := &domain.Prescription{
		ID:            req.ID,
		PatientRef:    req.PatientRef,
		PrescriberRef: req.PrescriberRef,
		EmittedOn:     h.clock.Now(),
		ExpiresOn:     req.ExpiresOn.ptr(),
	}
	if req.EmittedOn != nil {
		rx.EmittedOn = req.EmittedOn.Time
	}
	for _, line := range req.Lines {
		rx.Lines = append(rx.Lines, domain.PrescriptionLine{
			ProductCode:        line.ProductCode,
			AuthorizedQuantity: line.Quantity,
		})
	}

	if err := h.registry.Register(r.Context(), rx); err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.Created(w, rx)
}

// Get returns a prescription with its lines
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	rx, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, rx)
}

type remainingResponse struct {
	PrescriptionID string `json:"prescription_id"`
	ProductCode    string `json:"product_code"`
	Remaining      int    `json:"remaining"`
}

// Remaining returns the quantity still dispensable on one line
func (h *PrescriptionHandler) Remaining(w http.ResponseWriter, r *http.Request) {
	id, code := chi.URLParam(r, "id"), chi.URLParam(r, "code")

	remaining, err := h.registry.RemainingAuthorized(r.Context(), id, code)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, remainingResponse{
		PrescriptionID: id,
		ProductCode:    code,
		Remaining:      remaining,
	})
}

type expiredResponse struct {
	Expired bool      `json:"expired"`
	AsOf    time.Time `json:"as_of"`
}

// Expired reports whether the prescription had expired as of as_of
func (h *PrescriptionHandler) Expired(w http.ResponseWriter, r *http.Request) {
	at, err := asOf(r, h.clock)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	expired, err := h.registry.IsExpired(r.Context(), chi.URLParam(r, "id"), at)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, expiredResponse{Expired: expired, AsOf: at})
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// Void annuls a prescription
func (h *PrescriptionHandler) Void(w http.ResponseWriter, r *http.Request) {
	var req voidRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, r, err)
		return
	}

	rx, err := h.registry.Void(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, rx)
}

// Audit lists the audit entries of dispensations against a prescription
func (h *PrescriptionHandler) Audit(w http.ResponseWriter, r *http.Request) {
	records, err := h.reports.AuditTrailByPrescription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, r, err)
		return
	}
	if records == nil {
		records = []domain.AuditRecord{}
	}

	httputil.JSON(w, http.StatusOK, records)
}
