package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
)

// UserRepository keeps the local copy of the users allowed to act on the ledger
type UserRepository struct {
	q sqlx.ExtContext
}

// NewUserRepository creates a new user repository
func NewUserRepository(q sqlx.ExtContext) *UserRepository {
	return &UserRepository{q: q}
}

// Get gets a user by ID
func (r *UserRepository) Get(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	query := `SELECT id, nombre, email, rol, activo, updated_at FROM usuarios WHERE id = $1`
	if err := sqlx.GetContext(ctx, r.q, &u, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.UserNotFound(id)
		}
		return nil, wrap(err, "get user")
	}
	return &u, nil
}

// Upsert creates or replaces a user
func (r *UserRepository) Upsert(ctx context.Context, u *domain.User) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO usuarios (id, nombre, email, rol, activo, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			nombre = EXCLUDED.nombre,
			email = EXCLUDED.email,
			rol = EXCLUDED.rol,
			activo = EXCLUDED.activo,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.q.ExecContext(ctx, query, u.ID, u.Name, u.Email, u.Role, u.IsActive, u.UpdatedAt); err != nil {
		return wrap(err, "upsert user")
	}
	return nil
}

// Deactivate marks a user inactive. Users are kept because movements reference them.
func (r *UserRepository) Deactivate(ctx context.Context, id string) error {
	result, err := r.q.ExecContext(ctx, `UPDATE usuarios SET activo = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return wrap(err, "deactivate user")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.UserNotFound(id)
	}
	return nil
}
