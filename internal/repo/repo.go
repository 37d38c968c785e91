package repo

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm-gateway/internal/tenant"
)

// Repository provides typed access to the Postgres registry.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &Repository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *Repository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx executes fn within a database transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(tx)
	})
}

// RunMigrations applies schema migrations on the connected database.
func (r *Repository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

// ResolveAPIKey maps a caller credential onto its tenant Space. Unknown or
// revoked tokens return ErrNotFound; callers must treat that as fatal for the
// request and never fall back to an unscoped write.
func (r *Repository) ResolveAPIKey(ctx context.Context, token string) (tenant.Space, error) {
	const q = `
SELECT t.id, k.owner_id, t.slug
FROM api_keys k
JOIN tenants t ON t.id = k.tenant_id
WHERE k.token = $1 AND k.revoked_at IS NULL;
`
	var space tenant.Space
	err := r.pool.QueryRow(ctx, q, token).Scan(&space.TenantID, &space.OwnerID, &space.Slug)
	if err != nil {
		if err == pgx.ErrNoRows {
			return tenant.Space{}, ErrNotFound
		}
		return tenant.Space{}, fmt.Errorf("resolve api key: %w", err)
	}
	return space, nil
}
