package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"crm-gateway/internal/tenant"
)

// UpsertContact stores or refreshes a contact keyed by (provider_id,
// connection_id). Repeated events overwrite mutable fields, never duplicate.
func (r *Repository) UpsertContact(ctx context.Context, space tenant.Space, params ContactUpsert) error {
	const q = `
INSERT INTO contacts (id, connection_id, tenant_id, provider_id, name, avatar_url, blocked, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (provider_id, connection_id) DO UPDATE SET
    name = COALESCE(EXCLUDED.name, contacts.name),
    avatar_url = COALESCE(EXCLUDED.avatar_url, contacts.avatar_url),
    blocked = EXCLUDED.blocked,
    updated_at = NOW();
`
	_, err := r.pool.Exec(ctx, q,
		uuid.New(),
		params.ConnectionID,
		space.TenantID,
		params.ProviderID,
		params.Name,
		params.AvatarURL,
		params.Blocked,
	)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// FindContactByProviderID resolves a contact within one connection.
func (r *Repository) FindContactByProviderID(ctx context.Context, space tenant.Space, connectionID uuid.UUID, providerID string) (*Contact, error) {
	const q = `
SELECT id, connection_id, tenant_id, provider_id, name, avatar_url, blocked, created_at, updated_at
FROM contacts
WHERE provider_id = $1 AND connection_id = $2 AND tenant_id = $3;
`
	var c Contact
	err := r.pool.QueryRow(ctx, q, providerID, connectionID, space.TenantID).Scan(
		&c.ID, &c.ConnectionID, &c.TenantID, &c.ProviderID, &c.Name, &c.AvatarURL, &c.Blocked, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find contact: %w", err)
	}
	return &c, nil
}
