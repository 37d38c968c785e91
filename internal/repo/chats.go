package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"crm-gateway/internal/tenant"
)

const chatColumns = `id, connection_id, tenant_id, thread_id, name, kind, unread_count, last_activity_at, contact_id, created_at, updated_at`

func scanChat(row pgx.Row) (*Chat, error) {
	var c Chat
	err := row.Scan(&c.ID, &c.ConnectionID, &c.TenantID, &c.ThreadID, &c.Name, &c.Kind,
		&c.UnreadCount, &c.LastActivityAt, &c.ContactID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan chat: %w", err)
	}
	return &c, nil
}

// UpsertChat stores or refreshes a chat keyed by (thread_id, connection_id).
func (r *Repository) UpsertChat(ctx context.Context, space tenant.Space, params ChatUpsert) error {
	const q = `
INSERT INTO chats (id, connection_id, tenant_id, thread_id, name, kind, unread_count, last_activity_at, contact_id, updated_at)
VALUES ($1, $2, $3, $4, $5, COALESCE(NULLIF($6, ''), 'direct'), $7, $8, $9, NOW())
ON CONFLICT (thread_id, connection_id) DO UPDATE SET
    name = COALESCE(EXCLUDED.name, chats.name),
    kind = EXCLUDED.kind,
    unread_count = EXCLUDED.unread_count,
    last_activity_at = COALESCE(EXCLUDED.last_activity_at, chats.last_activity_at),
    contact_id = COALESCE(EXCLUDED.contact_id, chats.contact_id),
    updated_at = NOW();
`
	_, err := r.pool.Exec(ctx, q,
		uuid.New(),
		params.ConnectionID,
		space.TenantID,
		params.ThreadID,
		params.Name,
		params.Kind,
		params.UnreadCount,
		params.LastActivityAt,
		params.ContactID,
	)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// FindChatByThread resolves a chat by its provider thread id within one
// connection and tenant.
func (r *Repository) FindChatByThread(ctx context.Context, space tenant.Space, connectionID uuid.UUID, threadID string) (*Chat, error) {
	q := fmt.Sprintf(`
SELECT %s FROM chats
WHERE thread_id = $1 AND connection_id = $2 AND tenant_id = $3;
`, chatColumns)
	return scanChat(r.pool.QueryRow(ctx, q, threadID, connectionID, space.TenantID))
}

// ListChats returns chats for one connection ordered by recent activity.
func (r *Repository) ListChats(ctx context.Context, space tenant.Space, connectionID uuid.UUID) ([]Chat, error) {
	q := fmt.Sprintf(`
SELECT %s FROM chats
WHERE connection_id = $1 AND tenant_id = $2
ORDER BY last_activity_at DESC NULLS LAST;
`, chatColumns)
	rows, err := r.pool.Query(ctx, q, connectionID, space.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return out, nil
}
