// Package database holds the PostgreSQL connection pool of the ledger and
// its transaction helpers.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/medflow/pharmacy-ledger/pkg/config"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

const healthTimeout = time.Second

// DB is the ledger's connection pool
type DB struct {
	*sqlx.DB
	logger *logger.Logger
}

// New opens the pool described by cfg and checks it is reachable
func New(cfg *config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	db, err := NewWithDSN(cfg.DSN(), log)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	log.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Int("max_open_conns", cfg.MaxOpenConns).
		Msg("connected to ledger database")
	return db, nil
}

// NewWithDSN opens a pool on dsn with driver defaults
func NewWithDSN(dsn string, log *logger.Logger) (*DB, error) {
	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return Wrap(conn, log), nil
}

// Wrap adopts an existing pool, e.g. one backed by sqlmock.
func Wrap(db *sqlx.DB, log *logger.Logger) *DB {
	return &DB{DB: db, logger: log}
}

// Health pings the database and reports pool usage
func (db *DB) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	stats := db.Stats()
	status := map[string]string{
		"status":           "up",
		"open_connections": fmt.Sprint(stats.OpenConnections),
		"in_use":           fmt.Sprint(stats.InUse),
		"wait_count":       fmt.Sprint(stats.WaitCount),
	}
	if err := db.PingContext(ctx); err != nil {
		status["status"] = "down"
		status["error"] = err.Error()
	}
	return status
}

func (db *DB) rollback(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && db.logger != nil {
		db.logger.Error().Err(err).Msg("failed to rollback transaction")
	}
}
