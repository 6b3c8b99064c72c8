package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrPrincipalNotFound signals that the principal does not exist.
	ErrPrincipalNotFound = errors.New("auth: principal not found")
	// ErrDuplicatePrincipal signals that the principal id is already registered.
	ErrDuplicatePrincipal = errors.New("auth: principal already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreatePrincipal(ctx context.Context, params CreatePrincipalParams) (Principal, error)
	GetPrincipal(ctx context.Context, id string) (Principal, error)
}

// CreatePrincipalParams contains write parameters for creating principals.
type CreatePrincipalParams struct {
	ID           string
	DisplayName  string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) CreatePrincipal(ctx context.Context, params CreatePrincipalParams) (Principal, error) {
	const insertSQL = `
		INSERT INTO principals (id, display_name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id, display_name, password_hash, role, created_at
	`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, insertSQL, params.ID, params.DisplayName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Principal{}, ErrDuplicatePrincipal
		}
		return Principal{}, fmt.Errorf("auth: create principal: %w", err)
	}

	return p, nil
}

func (r *PGRepository) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	const selectSQL = `
		SELECT id, display_name, password_hash, role, created_at
		FROM principals
		WHERE id = $1
	`

	p, err := scanPrincipal(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, ErrPrincipalNotFound
		}
		return Principal{}, fmt.Errorf("auth: get principal: %w", err)
	}

	return p, nil
}

func scanPrincipal(row pgx.Row) (Principal, error) {
	var (
		p    Principal
		role string
	)
	if err := row.Scan(&p.ID, &p.DisplayName, &p.PasswordHash, &role, &p.CreatedAt); err != nil {
		return Principal{}, err
	}
	p.Role = Role(role)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}
