package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/internal/ledger/events"
	"github.com/medflow/pharmacy-ledger/internal/ledger/handler"
	"github.com/medflow/pharmacy-ledger/internal/ledger/memstore"
	"github.com/medflow/pharmacy-ledger/internal/ledger/service"
	"github.com/medflow/pharmacy-ledger/pkg/actor"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/httputil"
	"github.com/medflow/pharmacy-ledger/pkg/idempotency"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/permissions"
	"github.com/medflow/pharmacy-ledger/pkg/testutil"
)

const (
	basePath   = "/api/v1/ledger"
	roleHeader = "X-Test-Role"
)

var now = time.Date(2024, time.March, 1, 10, 30, 0, 0, time.UTC)

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *httputil.ErrorBody `json:"error"`
	Meta    *httputil.Meta      `json:"meta"`
}

type server struct {
	router   http.Handler
	store    *memstore.Store
	clock    *clock.Mock
	fixtures *testutil.FixtureFactory
	catalog  *service.CatalogService
	users    map[string]*domain.User
}

func newServer(t *testing.T, idem *idempotency.Store) *server {
	t.Helper()
	log := logger.Nop()
	store := memstore.New()
	clk := clock.NewMock(now)
	publisher := events.NewWithPublisher(testutil.NewMockPublisher(), log)

	catalog := service.NewCatalogService(store, clk, log)
	lots := service.NewLotLedger(store, clk, publisher, log)
	registry := service.NewPrescriptionRegistry(store, clk, log)
	engine := service.NewMovementEngine(store, lots, domain.NewComplianceGate(domain.CertificateOff), idem, publisher, clk, log)
	scanner := service.NewAlertScanner(store, publisher, service.LowStockPolicy{}, 30, log)
	reports := service.NewReportService(store, scanner, clk, log)

	s := &server{
		store:    store,
		clock:    clk,
		fixtures: testutil.NewFixtureFactory(now),
		catalog:  catalog,
		users:    map[string]*domain.User{},
	}
	for _, role := range []string{"pharmacist", "technician", "auditor"} {
		u := s.fixtures.User()
		u.Role = role
		require.NoError(t, store.Users().Upsert(context.Background(), u))
		s.users[role] = u
	}

	h := &handler.Handlers{
		Products:      handler.NewProductHandler(catalog, lots, reports, clk, log),
		Movements:     handler.NewMovementHandler(engine, catalog, lots, clk, log),
		Prescriptions: handler.NewPrescriptionHandler(registry, reports, clk, log),
		Alerts:        handler.NewAlertHandler(scanner, reports, service.LowStockPolicy{}, 30, clk, log),
	}

	r := chi.NewRouter()
	r.Use(s.testActor)
	r.Route(basePath, h.Routes)
	s.router = r
	return s
}

// testActor stands in for token authentication: the role header picks one of
// the seeded users.
func (s *server) testActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, ok := s.users[r.Header.Get(roleHeader)]; ok {
			r = r.WithContext(actor.WithActor(r.Context(), &actor.Actor{
				ID:          u.ID,
				Name:        u.Name,
				Email:       u.Email,
				Role:        u.Role,
				Permissions: permissions.Effective(u.Role, nil),
			}))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) do(t *testing.T, role, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := testutil.NewHTTPRequest(method, basePath+path, body)
	if role != "" {
		req.Header.Set(roleHeader, role)
	}
	rr := testutil.ExecuteRequest(s.router, req)

	var env envelope
	if rr.Header().Get("Content-Type") == "application/json" {
		testutil.ParseJSONBody(t, rr, &env)
	}
	return rr, env
}

func (s *server) product(t *testing.T, opts ...func(*domain.Product)) *domain.Product {
	t.Helper()
	p := s.fixtures.Product(opts...)
	require.NoError(t, s.catalog.CreateProduct(context.Background(), p))
	return p
}

func receipt(p *domain.Product, lot string, quantity int, expiry string) map[string]interface{} {
	return map[string]interface{}{
		"product_code": p.Code,
		"direction":    "entrada",
		"quantity":     quantity,
		"unit_price":   "1.20",
		"lot": map[string]string{
			"lot_number":       lot,
			"manufacture_date": "2024-01-15",
			"expiry_date":      expiry,
		},
	}
}

type commitResult struct {
	Movement struct {
		ID          string `json:"id"`
		Responsible string `json:"responsible"`
		UserID      string `json:"user_id"`
		Allocations []struct {
			LotID    int64 `json:"lot_id"`
			Quantity int   `json:"quantity"`
		} `json:"allocations"`
	} `json:"movement"`
	StockAfter int  `json:"stock_after"`
	Replayed   bool `json:"replayed"`
}

func decodeData(t *testing.T, env envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func TestProducts_CreateAndGet(t *testing.T) {
	s := newServer(t, nil)

	body := map[string]interface{}{
		"code":              "AMOX-500",
		"name":              "Amoxicilina 500 mg",
		"classification":    "con_receta",
		"reorder_threshold": 10,
		"unit_cost":         "1.20",
		"unit_price":        "2.50",
	}
	rr, env := s.do(t, "pharmacist", http.MethodPost, "/products", body)
	testutil.AssertStatus(t, rr, http.StatusCreated)
	assert.True(t, env.Success)

	rr, env = s.do(t, "auditor", http.MethodGet, "/products/AMOX-500", nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	var p domain.Product
	decodeData(t, env, &p)
	assert.Equal(t, "Amoxicilina 500 mg", p.Name)
	assert.Equal(t, domain.ClassPrescription, p.Classification)
	assert.Equal(t, 10, p.ReorderThreshold)

	rr, env = s.do(t, "pharmacist", http.MethodPost, "/products", body)
	testutil.AssertStatus(t, rr, http.StatusConflict)
	assert.Equal(t, domain.CodeDuplicateCode, env.Error.Code)

	rr, env = s.do(t, "pharmacist", http.MethodGet, "/products", nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	require.NotNil(t, env.Meta)
	assert.EqualValues(t, 1, env.Meta.Total)
}

func TestProducts_ErrorMapping(t *testing.T) {
	s := newServer(t, nil)

	t.Run("validation", func(t *testing.T) {
		rr, env := s.do(t, "pharmacist", http.MethodPost, "/products", map[string]interface{}{"code": "X-1"})
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
		assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
		assert.Contains(t, env.Error.Details, "name")
	})

	t.Run("unknown field", func(t *testing.T) {
		rr, env := s.do(t, "pharmacist", http.MethodPost, "/products", map[string]interface{}{"code": "X-1", "name": "x", "colour": "red"})
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
		assert.Equal(t, "BAD_REQUEST", env.Error.Code)
	})

	t.Run("not found", func(t *testing.T) {
		rr, env := s.do(t, "auditor", http.MethodGet, "/products/NOPE", nil)
		testutil.AssertStatus(t, rr, http.StatusNotFound)
		assert.Equal(t, domain.CodeProductNotFound, env.Error.Code)
	})

	t.Run("allocation quantity", func(t *testing.T) {
		p := s.product(t)
		rr, env := s.do(t, "auditor", http.MethodGet, "/products/"+p.Code+"/allocation?quantity=0", nil)
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
		assert.Equal(t, domain.CodeInvalidQuantity, env.Error.Code)
	})

	t.Run("bad as_of", func(t *testing.T) {
		rr, env := s.do(t, "auditor", http.MethodGet, "/alerts/expiring?as_of=someday", nil)
		testutil.AssertStatus(t, rr, http.StatusBadRequest)
		assert.Contains(t, env.Error.Details, "as_of")
	})
}

func TestRoutes_Permissions(t *testing.T) {
	s := newServer(t, nil)
	free := s.product(t)
	controlled := s.product(t, testutil.WithClassification(domain.ClassControlled))

	tests := []struct {
		name   string
		role   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"anonymous read", "", http.MethodGet, "/products", nil, http.StatusUnauthorized},
		{"auditor commits", "auditor", http.MethodPost, "/movements", receipt(free, "L-1", 5, "2025-01-31"), http.StatusForbidden},
		{"technician writes catalog", "technician", http.MethodPost, "/products", map[string]interface{}{"code": "A", "name": "a"}, http.StatusForbidden},
		{"technician reads audit", "technician", http.MethodGet, "/products/" + controlled.Code + "/audit", nil, http.StatusForbidden},
		{"technician writes off", "technician", http.MethodPost, "/lots/1/write-off", map[string]int{"quantity": 1}, http.StatusForbidden},
		{
			"technician dispenses controlled", "technician", http.MethodPost, "/movements",
			map[string]interface{}{"product_code": controlled.Code, "direction": "salida", "quantity": 1},
			http.StatusForbidden,
		},
		{"auditor reads audit", "auditor", http.MethodGet, "/products/" + controlled.Code + "/audit", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _ := s.do(t, tt.role, tt.method, tt.path, tt.body)
			testutil.AssertStatus(t, rr, tt.want)
		})
	}
}

func TestMovements_ReceiveDispenseAndWriteOff(t *testing.T) {
	s := newServer(t, nil)
	p := s.product(t)
	pharmacist := s.users["pharmacist"]

	rr, env := s.do(t, "pharmacist", http.MethodPost, "/movements", receipt(p, "L-100", 10, "2025-06-30"))
	testutil.AssertStatus(t, rr, http.StatusCreated)
	var received commitResult
	decodeData(t, env, &received)
	assert.Equal(t, 10, received.StockAfter)
	assert.Equal(t, pharmacist.Name, received.Movement.Responsible)
	assert.Equal(t, pharmacist.ID, received.Movement.UserID)
	require.Len(t, received.Movement.Allocations, 1)
	lotID := received.Movement.Allocations[0].LotID

	rr, env = s.do(t, "technician", http.MethodPost, "/movements", map[string]interface{}{
		"product_code": p.Code,
		"direction":    "salida",
		"quantity":     4,
		"responsible":  "ventanilla 2",
	})
	testutil.AssertStatus(t, rr, http.StatusCreated)
	var dispensed commitResult
	decodeData(t, env, &dispensed)
	assert.Equal(t, 6, dispensed.StockAfter)
	assert.Equal(t, "ventanilla 2", dispensed.Movement.Responsible)

	rr, env = s.do(t, "pharmacist", http.MethodPost, fmt.Sprintf("/lots/%d/write-off", lotID), map[string]interface{}{"quantity": 2, "note": "blister roto"})
	testutil.AssertStatus(t, rr, http.StatusCreated)
	var writtenOff commitResult
	decodeData(t, env, &writtenOff)
	assert.Equal(t, 4, writtenOff.StockAfter)

	rr, env = s.do(t, "pharmacist", http.MethodPost, "/movements", map[string]interface{}{
		"product_code": p.Code,
		"direction":    "salida",
		"quantity":     5,
	})
	testutil.AssertStatus(t, rr, http.StatusConflict)
	assert.Equal(t, domain.CodeInsufficientStock, env.Error.Code)

	rr, env = s.do(t, "auditor", http.MethodGet, "/products/"+p.Code+"/movements?direction=salida", nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	var history []domain.Movement
	decodeData(t, env, &history)
	assert.Len(t, history, 2)
}

func TestMovements_ActingUserMustBeCaller(t *testing.T) {
	s := newServer(t, nil)
	p := s.product(t)
	pharmacist, technician := s.users["pharmacist"], s.users["technician"]

	as := func(userID string) map[string]interface{} {
		body := receipt(p, "L-1", 2, "2025-01-31")
		body["user_id"] = userID
		return body
	}

	t.Run("technician cannot record for someone else", func(t *testing.T) {
		rr, env := s.do(t, "technician", http.MethodPost, "/movements", as(pharmacist.ID))
		testutil.AssertStatus(t, rr, http.StatusForbidden)
		assert.Equal(t, "FORBIDDEN", env.Error.Code)

		stock, err := s.catalog.GetProduct(context.Background(), p.Code)
		require.NoError(t, err)
		assert.Zero(t, stock.CurrentStock)
	})

	t.Run("own id is accepted", func(t *testing.T) {
		rr, env := s.do(t, "technician", http.MethodPost, "/movements", as(technician.ID))
		testutil.AssertStatus(t, rr, http.StatusCreated)
		var res commitResult
		decodeData(t, env, &res)
		assert.Equal(t, technician.ID, res.Movement.UserID)
	})

	t.Run("delegation permission allows another user", func(t *testing.T) {
		rr, env := s.do(t, "pharmacist", http.MethodPost, "/movements", as(technician.ID))
		testutil.AssertStatus(t, rr, http.StatusCreated)
		var res commitResult
		decodeData(t, env, &res)
		assert.Equal(t, technician.ID, res.Movement.UserID)
	})
}

func TestMovements_LotDatesRequired(t *testing.T) {
	s := newServer(t, nil)
	p := s.product(t)

	rr, env := s.do(t, "pharmacist", http.MethodPost, "/movements", map[string]interface{}{
		"product_code": p.Code,
		"direction":    "entrada",
		"quantity":     3,
		"unit_price":   "1.00",
		"lot":          map[string]string{"lot_number": "L-9"},
	})
	testutil.AssertStatus(t, rr, http.StatusBadRequest)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestMovements_IdempotentReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := newServer(t, idempotency.New(client, time.Hour))
	p := s.product(t)

	send := func() (*httptest.ResponseRecorder, envelope) {
		req := testutil.NewHTTPRequest(http.MethodPost, basePath+"/movements", receipt(p, "L-5", 5, "2025-01-31"))
		req.Header.Set(roleHeader, "pharmacist")
		req.Header.Set(handler.IdempotencyHeader, "recepcion-0001")
		rr := testutil.ExecuteRequest(s.router, req)
		var env envelope
		testutil.ParseJSONBody(t, rr, &env)
		return rr, env
	}

	rr, env := send()
	testutil.AssertStatus(t, rr, http.StatusCreated)
	var first commitResult
	decodeData(t, env, &first)

	rr, env = send()
	testutil.AssertStatus(t, rr, http.StatusOK)
	var second commitResult
	decodeData(t, env, &second)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Movement.ID, second.Movement.ID)
	assert.Equal(t, 5, second.StockAfter)
}

func TestLots_Sweep(t *testing.T) {
	s := newServer(t, nil)
	p := s.product(t)

	rr, _ := s.do(t, "pharmacist", http.MethodPost, "/movements", receipt(p, "L-3", 4, "2024-03-03"))
	testutil.AssertStatus(t, rr, http.StatusCreated)

	rr, env := s.do(t, "pharmacist", http.MethodPost, "/lots/sweep?as_of=2024-03-05", nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	var out struct {
		ExpiredLots []domain.Lot `json:"expired_lots"`
	}
	decodeData(t, env, &out)
	require.Len(t, out.ExpiredLots, 1)
	assert.Equal(t, "L-3", out.ExpiredLots[0].LotNumber)
	assert.Equal(t, domain.StatusExpired, out.ExpiredLots[0].Status)

	rr, env = s.do(t, "pharmacist", http.MethodPost, "/lots/sweep?as_of=2024-03-05", nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	decodeData(t, env, &out)
	assert.Empty(t, out.ExpiredLots)
}

func TestPrescriptions_Lifecycle(t *testing.T) {
	s := newServer(t, nil)
	p := s.product(t, testutil.WithClassification(domain.ClassPrescription))

	rr, env := s.do(t, "technician", http.MethodPost, "/prescriptions", map[string]interface{}{
		"patient_ref":    "PAC-0042",
		"prescriber_ref": "CMP-12345",
		"emitted_on":     "2024-02-29",
		"expires_on":     "2024-03-30",
		"lines":          []map[string]interface{}{{"product_code": p.Code, "quantity": 3}},
	})
	testutil.AssertStatus(t, rr, http.StatusCreated)
	var rx domain.Prescription
	decodeData(t, env, &rx)
	require.NotEmpty(t, rx.ID)

	rr, env = s.do(t, "auditor", http.MethodGet, "/prescriptions/"+rx.ID+"/remaining/"+p.Code, nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	var remaining struct {
		Remaining int `json:"remaining"`
	}
	decodeData(t, env, &remaining)
	assert.Equal(t, 3, remaining.Remaining)

	for asOf, want := range map[string]bool{"2024-03-30": false, "2024-03-31": true} {
		rr, env = s.do(t, "auditor", http.MethodGet, "/prescriptions/"+rx.ID+"/expired?as_of="+asOf, nil)
		testutil.AssertStatus(t, rr, http.StatusOK)
		var expired struct {
			Expired bool `json:"expired"`
		}
		decodeData(t, env, &expired)
		assert.Equal(t, want, expired.Expired, asOf)
	}

	rr, _ = s.do(t, "technician", http.MethodPost, "/prescriptions/"+rx.ID+"/void", map[string]string{"reason": "duplicada"})
	testutil.AssertStatus(t, rr, http.StatusOK)

	rr, env = s.do(t, "technician", http.MethodPost, "/prescriptions/"+rx.ID+"/void", map[string]string{"reason": "duplicada"})
	testutil.AssertStatus(t, rr, http.StatusUnprocessableEntity)
	assert.Equal(t, domain.CodePrescriptionVoided, env.Error.Code)

	rr, env = s.do(t, "auditor", http.MethodGet, "/prescriptions/missing", nil)
	testutil.AssertStatus(t, rr, http.StatusNotFound)
	assert.Equal(t, domain.CodePrescriptionNotFound, env.Error.Code)
}

func TestAlerts_ExpiringCSV(t *testing.T) {
	s := newServer(t, nil)
	p := s.product(t, testutil.WithCode("AMOX-500"))

	rr, _ := s.do(t, "pharmacist", http.MethodPost, "/movements", receipt(p, "L-77", 5, "2024-03-11"))
	testutil.AssertStatus(t, rr, http.StatusCreated)

	req := testutil.NewHTTPRequest(http.MethodGet, basePath+"/alerts/expiring.csv?days=30", nil)
	req.Header.Set(roleHeader, "auditor")
	rr = testutil.ExecuteRequest(s.router, req)

	testutil.AssertStatus(t, rr, http.StatusOK)
	assert.Equal(t, "text/csv; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="lotes-por-vencer-2024-03-01.csv"`, rr.Header().Get("Content-Disposition"))
	assert.Equal(t,
		"codigo,producto,numero_lote,fecha_vencimiento,cantidad,dias_restantes\n"+
			"AMOX-500,"+p.Name+",L-77,2024-03-11,5,10\n",
		rr.Body.String())

	rr, env := s.do(t, "auditor", http.MethodGet, "/alerts/expiring?days=5", nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	var groups []service.ExpiringProduct
	decodeData(t, env, &groups)
	assert.Empty(t, groups)
}

func TestAlerts_LowStockAndReorder(t *testing.T) {
	s := newServer(t, nil)
	p := s.product(t, testutil.WithThreshold(8))

	rr, _ := s.do(t, "pharmacist", http.MethodPost, "/movements", receipt(p, "L-1", 3, "2025-01-31"))
	testutil.AssertStatus(t, rr, http.StatusCreated)

	rr, env := s.do(t, "auditor", http.MethodGet, "/alerts/low-stock", nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	var alerts []service.LowStockAlert
	decodeData(t, env, &alerts)
	require.Len(t, alerts, 1)
	assert.Equal(t, 5, alerts[0].SuggestedQuantity)

	rr, env = s.do(t, "auditor", http.MethodGet, "/alerts/low-stock?threshold=2", nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	decodeData(t, env, &alerts)
	assert.Empty(t, alerts)

	rr, env = s.do(t, "auditor", http.MethodGet, "/reorder-suggestions", nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	var suggestions []service.ReorderSuggestion
	decodeData(t, env, &suggestions)
	require.Len(t, suggestions, 1)
	assert.Equal(t, 5, suggestions[0].Quantity)
	assert.Equal(t, "7.5", suggestions[0].EstimatedCost.String())
}
