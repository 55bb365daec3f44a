package testutil

import (
	"context"
	"database/sql/driver"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// MockDB pairs a sqlx handle with its sqlmock controller. The Expect
// helpers match SQL literally.
//
//	db := testutil.NewMockDB(t)
//	defer db.Close()
//	db.ExpectQuery(`SELECT code FROM products`).WillReturnRows(testutil.MockRows("code"))
type MockDB struct {
	DB   *sqlx.DB
	Mock sqlmock.Sqlmock
}

func NewMockDB(t *testing.T) *MockDB {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return &MockDB{DB: sqlx.NewDb(raw, "postgres"), Mock: mock}
}

// Wrapped returns the mock as the *database.DB the repositories take.
func (m *MockDB) Wrapped() *database.DB { return database.Wrap(m.DB, logger.Nop()) }

func (m *MockDB) Close() error { return m.DB.Close() }

func (m *MockDB) ExpectQuery(sql string) *sqlmock.ExpectedQuery {
	return m.Mock.ExpectQuery(regexp.QuoteMeta(sql))
}

func (m *MockDB) ExpectExec(sql string) *sqlmock.ExpectedExec {
	return m.Mock.ExpectExec(regexp.QuoteMeta(sql))
}

func (m *MockDB) ExpectBegin() *sqlmock.ExpectedBegin       { return m.Mock.ExpectBegin() }
func (m *MockDB) ExpectCommit() *sqlmock.ExpectedCommit     { return m.Mock.ExpectCommit() }
func (m *MockDB) ExpectRollback() *sqlmock.ExpectedRollback { return m.Mock.ExpectRollback() }

// ExpectationsWereMet fails t when a queued expectation was never hit.
func (m *MockDB) ExpectationsWereMet(t *testing.T) {
	t.Helper()
	if err := m.Mock.ExpectationsWereMet(); err != nil {
		t.Errorf("sqlmock: %v", err)
	}
}

func MockRows(columns ...string) *sqlmock.Rows { return sqlmock.NewRows(columns) }

// AnyTime matches any time.Time argument.
type AnyTime struct{}

func (AnyTime) Match(v driver.Value) bool {
	_, ok := v.(time.Time)
	return ok
}

var uuidRE = regexp.MustCompile(`^[0-9a-f]{8}(-[0-9a-f]{4}){3}-[0-9a-f]{12}$`)

// AnyUUID matches a canonical lowercase UUID string argument.
type AnyUUID struct{}

func (AnyUUID) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && uuidRE.MatchString(s)
}

// MockPublisher captures events in memory. Err, when set, is returned from
// every Publish after the event is recorded.
type MockPublisher struct {
	Err error

	mu   sync.Mutex
	sent []published
}

type published struct {
	kind    string
	payload interface{}
}

func NewMockPublisher() *MockPublisher { return &MockPublisher{} }

func (m *MockPublisher) Publish(_ context.Context, eventType string, payload interface{}) error {
	m.mu.Lock()
	m.sent = append(m.sent, published{kind: eventType, payload: payload})
	m.mu.Unlock()
	return m.Err
}

// Events returns the payloads published under eventType in publish order.
func (m *MockPublisher) Events(eventType string) []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []interface{}
	for _, p := range m.sent {
		if p.kind == eventType {
			out = append(out, p.payload)
		}
	}
	return out
}

func (m *MockPublisher) AssertEventPublished(t *testing.T, eventType string) {
	t.Helper()
	if len(m.Events(eventType)) == 0 {
		t.Errorf("no %q event published", eventType)
	}
}

func (m *MockPublisher) AssertNoEventsPublished(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.sent); n > 0 {
		t.Errorf("expected no events, got %d", n)
	}
}

func (m *MockPublisher) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}
