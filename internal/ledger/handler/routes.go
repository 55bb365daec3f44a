package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/permissions"
)

// Handlers bundles the ledger's HTTP handlers for mounting.
type Handlers struct {
	Products      *ProductHandler
	Movements     *MovementHandler
	Prescriptions *PrescriptionHandler
	Alerts        *AlertHandler

	// CommitLimit throttles the movement commit routes when set.
	CommitLimit func(http.Handler) http.Handler
}

// Routes mounts the ledger endpoints on r. Authentication is expected to run
// before r; each route only checks the caller's permission.
func (h *Handlers) Routes(r chi.Router) {
	read := httputil.RequirePermission(permissions.LedgerRead)
	catalogWrite := httputil.RequirePermission(permissions.CatalogWrite)
	audit := httputil.RequirePermission(permissions.AuditRead)
	verify := httputil.RequireAllPermissions(permissions.LedgerRead, permissions.AuditRead)

	limit := h.CommitLimit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/products", func(r chi.Router) {
		r.With(read).Get("/", h.Products.List)
		r.With(catalogWrite).Post("/", h.Products.Create)

		r.Route("/{code}", func(r chi.Router) {
			r.With(read).Get("/", h.Products.Get)
			r.With(catalogWrite).Put("/reorder-threshold", h.Products.UpdateReorderThreshold)
			r.With(catalogWrite).Put("/classification", h.Products.UpdateClassification)
			r.With(read).Get("/certificates", h.Products.ListCertificates)
			r.With(catalogWrite).Post("/certificates", h.Products.AddCertificate)
			r.With(read).Get("/lots", h.Products.ListLots)
			r.With(read).Get("/allocation", h.Products.PreviewAllocation)
			r.With(read).Get("/movements", h.Products.Movements)
			r.With(read).Get("/stock-card", h.Products.StockCard)
			r.With(audit).Get("/audit", h.Products.Audit)
			r.With(verify).Get("/audit/verify", h.Products.VerifyAudit)
		})
	})

	r.With(limit, httputil.RequirePermission(permissions.MovementsCommit)).Post("/movements", h.Movements.Commit)

	r.Route("/lots", func(r chi.Router) {
		r.With(httputil.RequirePermission(permissions.AlertsRun, permissions.LotsWriteOff)).Post("/sweep", h.Movements.Sweep)
		r.With(limit, httputil.RequirePermission(permissions.LotsWriteOff)).Post("/{id}/write-off", h.Movements.WriteOff)
	})

	r.Route("/prescriptions", func(r chi.Router) {
		r.With(httputil.RequirePermission(permissions.PrescriptionsWrite)).Post("/", h.Prescriptions.Register)
		r.With(read).Get("/{id}", h.Prescriptions.Get)
		r.With(read).Get("/{id}/remaining/{code}", h.Prescriptions.Remaining)
		r.With(read).Get("/{id}/expired", h.Prescriptions.Expired)
		r.With(httputil.RequirePermission(permissions.PrescriptionsWrite)).Post("/{id}/void", h.Prescriptions.Void)
		r.With(audit).Get("/{id}/audit", h.Prescriptions.Audit)
	})

	r.Route("/alerts", func(r chi.Router) {
		r.With(read).Get("/low-stock", h.Alerts.LowStock)
		r.With(read).Get("/expiring", h.Alerts.Expiring)
		r.With(read).Get("/expiring.csv", h.Alerts.ExpiringCSV)
		r.With(httputil.RequirePermission(permissions.AlertsRun)).Post("/scan", h.Alerts.Scan)
	})

	r.With(read).Get("/reorder-suggestions", h.Alerts.ReorderSuggestions)
}
