package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/internal/ledger/service"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ProductHandler handles catalog endpoints and the per-product reads
type ProductHandler struct {
	catalog *service.CatalogService
	lots    *service.LotLedger
	reports *service.ReportService
	clock   clock.Clock
	logger  *logger.Logger
}

// NewProductHandler creates a new product handler
func NewProductHandler(catalog *service.CatalogService, lots *service.LotLedger, reports *service.ReportService, clk clock.Clock, log *logger.Logger) *ProductHandler {
	return &ProductHandler{
		catalog: catalog,
		lots:    lots,
		reports: reports,
		clock:   clk,
		logger:  log,
	}
}

type createProductRequest struct {
	Code             string           `json:"code" validate:"required,max=50"`
	Name             string           `json:"name" validate:"required,max=200"`
	Description      *string          `json:"description,omitempty"`
	Classification   domain.SaleClass `json:"classification,omitempty" validate:"omitempty,oneof=venta_libre con_receta controlado"`
	ReorderThreshold int              `json:"reorder_threshold" validate:"gte=0"`
	UnitCost         decimal.Decimal  `json:"unit_cost"`
	UnitPrice        decimal.Decimal  `json:"unit_price"`
	Supplier         *string          `json:"supplier,omitempty"`
	LeadTimeDays     int              `json:"lead_time_days" validate:"gte=0"`
}

// Create registers a product
func (h *ProductHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, r, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, r, err)
		return
	}

	p := &domain.Product{
		Code:             req.Code,
		Name:             req.Name,
		Description:      req.Description,
		Classification:   req.Classification,
		ReorderThreshold: req.ReorderThreshold,
		UnitCost:         req.UnitCost,
		UnitPrice:        req.UnitPrice,
		Supplier:         req.Supplier,
		LeadTimeDays:     req.LeadTimeDays,
	}
	if err := h.catalog.CreateProduct(r.Context(), p); err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.Created(w, p)
}

// List lists the catalog
func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.ListProducts(r.Context())
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, products, &httputil.Meta{Total: int64(len(products))})
}

// Get gets a product by code
func (h *ProductHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.GetProduct(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, p)
}

// UpdateReorderThreshold changes the low-stock threshold
func (h *ProductHandler) UpdateReorderThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReorderThreshold *int `json:"reorder_threshold" validate:"required,gte=0"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, r, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, r, err)
		return
	}

	p, err := h.catalog.AdjustReorderThreshold(r.Context(), chi.URLParam(r, "code"), *req.ReorderThreshold)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, p)
}

// UpdateClassification reclassifies a product that has never held stock
func (h *ProductHandler) UpdateClassification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Classification domain.SaleClass `json:"classification" validate:"required"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, r, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, r, err)
		return
	}

	p, err := h.catalog.ChangeClassification(r.Context(), chi.URLParam(r, "code"), req.Classification)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	h.logger.Info().Str("product_code", p.Code).Str("classification", string(p.Classification)).Msg("classification changed via API")
	httputil.JSON(w, http.StatusOK, p)
}

type certificateRequest struct {
	RegistrationNumber string    `json:"registration_number" validate:"required"`
	Authority          string    `json:"authority" validate:"required"`
	IssueDate          civilDate `json:"issue_date"`
	ExpiryDate         civilDate `json:"expiry_date"`
}

// AddCertificate registers a sanitary certificate
func (h *ProductHandler) AddCertificate(w http.ResponseWriter, r *http.Request) {
	var req certificateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, r, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, r, err)
		return
	}

	cert := &domain.Certificate{
		RegistrationNumber: req.RegistrationNumber,
		Authority:          req.Authority,
		IssueDate:          req.IssueDate.Time,
		ExpiryDate:         req.ExpiryDate.Time,
	}
	if err := h.catalog.AddCertificate(r.Context(), chi.URLParam(r, "code"), cert); err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.Created(w, cert)
}

// ListCertificates lists a product's certificates
func (h *ProductHandler) ListCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := h.catalog.ListCertificates(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, certs)
}

// ListLots lists a product's lots in FEFO order
func (h *ProductHandler) ListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.lots.ListLots(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lots)
}

// PreviewAllocation shows the lots a dispensing would draw from right now
func (h *ProductHandler) PreviewAllocation(w http.ResponseWriter, r *http.Request) {
	quantity, err := queryInt(r, "quantity", 0)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}
	if quantity <= 0 {
		httputil.Error(w, r, domain.InvalidQuantity(quantity))
		return
	}
	at, err := asOf(r, h.clock)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	plan, err := h.lots.PreviewAllocation(r.Context(), chi.URLParam(r, "code"), quantity, at)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, plan)
}

// Movements lists a product's movement history
func (h *ProductHandler) Movements(w http.ResponseWriter, r *http.Request) {
	filter := domain.MovementFilter{}

	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}
	if limit < 1 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}
	filter.Limit, filter.Offset = limit, max(offset, 0)

	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if r.URL.Query().Get(name) == "" {
			continue
		}
		t, err := queryTime(r, name, h.clock.Now())
		if err != nil {
			httputil.Error(w, r, err)
			return
		}
		*dst = &t
	}

	if d := strings.TrimSpace(r.URL.Query().Get("direction")); d != "" {
		direction := domain.Direction(d)
		if direction != domain.DirectionIn && direction != domain.DirectionOut {
			httputil.Error(w, r, errors.Validation(map[string]string{"direction": "must be one of: entrada, salida"}))
			return
		}
		filter.Direction = &direction
	}

	history, err := h.reports.MovementHistory(r.Context(), chi.URLParam(r, "code"), filter)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSONWithMeta(w, http.StatusOK, history, &httputil.Meta{Limit: filter.Limit, Offset: filter.Offset})
}

// Audit lists a product's controlled-substance register
func (h *ProductHandler) Audit(w http.ResponseWriter, r *http.Request) {
	records, err := h.reports.AuditTrailByProduct(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, records)
}

// VerifyAudit recomputes the register's hash chain
func (h *ProductHandler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	result, err := h.reports.VerifyAuditChain(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// StockCard returns the monthly stock card; year and month default to the current month
func (h *ProductHandler) StockCard(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	year, err := queryInt(r, "year", now.Year())
	if err != nil {
		httputil.Error(w, r, err)
		return
	}
	month, err := queryInt(r, "month", int(now.Month()))
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	card, err := h.reports.StockCard(r.Context(), chi.URLParam(r, "code"), year, month)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, card)
}
