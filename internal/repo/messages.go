package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"crm-gateway/internal/tenant"
)

// UpsertMessage stores or refreshes a message keyed by (provider_message_id,
// connection_id) and bumps the owning chat's last-activity timestamp in the
// same transaction.
func (r *Repository) UpsertMessage(ctx context.Context, space tenant.Space, params MessageUpsert) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		const q = `
INSERT INTO messages (id, connection_id, tenant_id, chat_id, provider_message_id, direction, content_type, body, author_id, delivery_status, media_url, sent_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (provider_message_id, connection_id) DO UPDATE SET
    body = COALESCE(EXCLUDED.body, messages.body),
    delivery_status = COALESCE(EXCLUDED.delivery_status, messages.delivery_status),
    media_url = COALESCE(EXCLUDED.media_url, messages.media_url);
`
		_, err := tx.Exec(ctx, q,
			uuid.New(),
			params.ConnectionID,
			space.TenantID,
			params.ChatID,
			params.ProviderMessageID,
			params.Direction,
			params.ContentType,
			params.Body,
			params.AuthorID,
			params.DeliveryStatus,
			params.MediaURL,
			params.SentAt,
		)
		if err != nil {
			return fmt.Errorf("upsert message: %w", err)
		}

		const bump = `
UPDATE chats
SET last_activity_at = GREATEST(COALESCE(last_activity_at, $3), $3), updated_at = NOW()
WHERE id = $1 AND tenant_id = $2;
`
		if _, err := tx.Exec(ctx, bump, params.ChatID, space.TenantID, params.SentAt); err != nil {
			return fmt.Errorf("bump chat activity: %w", err)
		}
		return nil
	})
}

// ListMessages returns the most recent messages of a chat.
func (r *Repository) ListMessages(ctx context.Context, space tenant.Space, chatID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, connection_id, tenant_id, chat_id, provider_message_id, direction, content_type, body, author_id, delivery_status, media_url, sent_at, created_at
FROM messages
WHERE chat_id = $1 AND tenant_id = $2
ORDER BY sent_at DESC
LIMIT $3;
`
	rows, err := r.pool.Query(ctx, q, chatID, space.TenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConnectionID, &m.TenantID, &m.ChatID, &m.ProviderMessageID,
			&m.Direction, &m.ContentType, &m.Body, &m.AuthorID, &m.DeliveryStatus, &m.MediaURL,
			&m.SentAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
