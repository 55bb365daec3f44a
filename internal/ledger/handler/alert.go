package handler

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/medflow/pharmacy-ledger/internal/ledger/service"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// AlertHandler serves the stock and expiry alerts
type AlertHandler struct {
	scanner    *service.AlertScanner
	reports    *service.ReportService
	policy     service.LowStockPolicy
	windowDays int
	clock      clock.Clock
	logger     *logger.Logger
}

// NewAlertHandler creates a new alert handler. policy and windowDays are the
// defaults used when a request does not override them.
func NewAlertHandler(scanner *service.AlertScanner, reports *service.ReportService, policy service.LowStockPolicy, windowDays int, clk clock.Clock, log *logger.Logger) *AlertHandler {
	return &AlertHandler{
		scanner:    scanner,
		reports:    reports,
		policy:     policy,
		windowDays: windowDays,
		clock:      clk,
		logger:     log,
	}
}

// LowStock lists products at or below their threshold. ?threshold= applies
// one fixed threshold to every product.
func (h *AlertHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	at, err := asOf(r, h.clock)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	policy := h.policy
	if r.URL.Query().Has("threshold") {
		threshold, err := queryInt(r, "threshold", 0)
		if err != nil {
			httputil.Error(w, r, err)
			return
		}
		if threshold < 0 {
			httputil.Error(w, r, errors.Validation(map[string]string{"threshold": "must be 0 or greater"}))
			return
		}
		policy.FixedThreshold = &threshold
	}

	alerts, err := h.scanner.ScanLowStock(r.Context(), policy, at)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, alerts)
}

func (h *AlertHandler) window(r *http.Request) (int, error) {
	days, err := queryInt(r, "days", h.windowDays)
	if err != nil {
		return 0, err
	}
	if days < 0 {
		return 0, errors.Validation(map[string]string{"days": "must be 0 or greater"})
	}
	return days, nil
}

// Expiring lists lots expiring within ?days= of as_of
func (h *AlertHandler) Expiring(w http.ResponseWriter, r *http.Request) {
	days, err := h.window(r)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}
	at, err := asOf(r, h.clock)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	groups, err := h.scanner.ScanExpiringSoon(r.Context(), days, at)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, groups)
}

// ExpiringCSV downloads the expiring lots as a CSV file
func (h *AlertHandler) ExpiringCSV(w http.ResponseWriter, r *http.Request) {
	days, err := h.window(r)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}
	at, err := asOf(r, h.clock)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	// Buffered so a failed scan still gets a JSON error response.
	var buf bytes.Buffer
	if err := h.reports.ExportExpiringCSV(r.Context(), &buf, days, at); err != nil {
		httputil.Error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="lotes-por-vencer-%s.csv"`, at.Format("2006-01-02")))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Warn().Err(err).Msg("failed to write csv export")
	}
}

// Scan runs both scans with the configured defaults and publishes their alerts
func (h *AlertHandler) Scan(w http.ResponseWriter, r *http.Request) {
	at, err := asOf(r, h.clock)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	report, err := h.scanner.ScanAll(r.Context(), at)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, report)
}

// ReorderSuggestions lists the purchases that bring products back to threshold
func (h *AlertHandler) ReorderSuggestions(w http.ResponseWriter, r *http.Request) {
	at, err := asOf(r, h.clock)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	suggestions, err := h.reports.ReorderSuggestions(r.Context(), at)
	if err != nil {
		httputil.Error(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusOK, suggestions)
}
