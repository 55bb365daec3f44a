// Package testutil provides testing utilities for the ledger service:
// a PostgreSQL testcontainer, sqlmock wrappers, a recording event publisher,
// domain fixtures and HTTP helpers.
package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	ledgerTestImage    = "postgres:16-alpine"
	ledgerTestDatabase = "pharmacy_ledger_test"
	ledgerTestRole     = "ledger"
)

// PostgresContainer is a disposable PostgreSQL for repository tests.
type PostgresContainer struct {
	*postgres.PostgresContainer
	DSN string
}

// StartPostgres runs a PostgreSQL container with an empty ledger database.
// The caller terminates it.
func StartPostgres(ctx context.Context) (*PostgresContainer, error) {
	ready := wait.ForLog("database system is ready to accept connections").
		WithOccurrence(2).
		WithStartupTimeout(90 * time.Second)

	c, err := postgres.RunContainer(ctx,
		testcontainers.WithImage(ledgerTestImage),
		postgres.WithDatabase(ledgerTestDatabase),
		postgres.WithUsername(ledgerTestRole),
		postgres.WithPassword(ledgerTestRole),
		testcontainers.WithWaitStrategy(ready),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable", "timezone=UTC")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	return &PostgresContainer{PostgresContainer: c, DSN: dsn}, nil
}
