package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// One container per test binary.
var (
	shared     *PostgresContainer
	sharedOnce sync.Once
	sharedErr  error
)

// IntegrationSuite is a migrated ledger database on the shared container.
type IntegrationSuite struct {
	Container *PostgresContainer
	DB        *database.DB
	Logger    *logger.Logger
}

// NewIntegrationSuite starts the shared container on first use, connects and
// runs migrate. Call it from TestMain and TerminateContainer after m.Run.
func NewIntegrationSuite(ctx context.Context, migrate func(context.Context, *database.DB) error) (*IntegrationSuite, error) {
	sharedOnce.Do(func() {
		shared, sharedErr = StartPostgres(ctx)
	})
	if sharedErr != nil {
		return nil, sharedErr
	}

	log := logger.Nop()
	db, err := database.NewWithDSN(shared.DSN, log)
	if err != nil {
		return nil, err
	}
	if migrate != nil {
		if err := migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("migrate test database: %w", err)
		}
	}

	return &IntegrationSuite{Container: shared, DB: db, Logger: log}, nil
}

// Truncate empties tables and restarts their sequences.
func (s *IntegrationSuite) Truncate(t *testing.T, ctx context.Context, tables ...string) {
	t.Helper()
	if len(tables) == 0 {
		return
	}
	if _, err := s.DB.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY CASCADE"); err != nil {
		t.Fatalf("truncate %v: %v", tables, err)
	}
}

// TerminateContainer stops the shared container.
func TerminateContainer(ctx context.Context) {
	if shared != nil {
		_ = shared.Terminate(ctx)
	}
}
