package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crm-gateway/internal/tenant"
)

// -- Connections --

func (r *SQLiteStore) CreateConnection(ctx context.Context, space tenant.Space, name string) (*Connection, error) {
	id := uuid.New()
	const q = `
INSERT INTO connections (id, tenant_id, owner_id, name, status)
VALUES (?, ?, ?, ?, ?);
`
	if _, err := r.db.ExecContext(ctx, q, id, space.TenantID, space.OwnerID, name, StatusCreated); err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	return r.GetConnection(ctx, space, id)
}

func (r *SQLiteStore) scanConnectionRow(row *sql.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.TenantID, &c.OwnerID, &c.Name, &c.Status, &c.Phone,
		&c.PairingPayload, &c.LastConnectedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	return &c, nil
}

func (r *SQLiteStore) GetConnection(ctx context.Context, space tenant.Space, id uuid.UUID) (*Connection, error) {
	q := fmt.Sprintf(`SELECT %s FROM connections WHERE id = ? AND tenant_id = ?;`, connectionColumns)
	return r.scanConnectionRow(r.db.QueryRowContext(ctx, q, id, space.TenantID))
}

func (r *SQLiteStore) ListConnections(ctx context.Context, space tenant.Space) ([]Connection, error) {
	q := fmt.Sprintf(`SELECT %s FROM connections WHERE tenant_id = ? ORDER BY created_at ASC;`, connectionColumns)
	rows, err := r.db.QueryContext(ctx, q, space.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.ID, &c.TenantID, &c.OwnerID, &c.Name, &c.Status, &c.Phone,
			&c.PairingPayload, &c.LastConnectedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return out, nil
}

func (r *SQLiteStore) UpdateConnectionStatus(ctx context.Context, space tenant.Space, id uuid.UUID, status string) error {
	const q = `UPDATE connections SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND tenant_id = ?;`
	res, err := r.db.ExecContext(ctx, q, status, id, space.TenantID)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return requireRows(res)
}

func (r *SQLiteStore) SetPairingPayload(ctx context.Context, space tenant.Space, id uuid.UUID, payload *string) error {
	const q = `UPDATE connections SET pairing_payload = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND tenant_id = ?;`
	res, err := r.db.ExecContext(ctx, q, payload, id, space.TenantID)
	if err != nil {
		return fmt.Errorf("set pairing payload: %w", err)
	}
	return requireRows(res)
}

func (r *SQLiteStore) MarkConnected(ctx context.Context, space tenant.Space, id uuid.UUID, phone string, at time.Time) error {
	const q = `
UPDATE connections
SET status = ?, phone = ?, last_connected_at = ?, pairing_payload = NULL, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND tenant_id = ?;
`
	res, err := r.db.ExecContext(ctx, q, StatusConnected, phone, at, id, space.TenantID)
	if err != nil {
		return fmt.Errorf("mark connected: %w", err)
	}
	return requireRows(res)
}

func (r *SQLiteStore) DeleteConnectionCascade(ctx context.Context, space tenant.Space, id uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cascade delete: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM messages WHERE connection_id = ? AND tenant_id = ?`,
		`DELETE FROM chats WHERE connection_id = ? AND tenant_id = ?`,
		`DELETE FROM contacts WHERE connection_id = ? AND tenant_id = ?`,
		`DELETE FROM gateway_sessions WHERE connection_id = ? AND tenant_id = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, id, space.TenantID); err != nil {
			return fmt.Errorf("cascade delete: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE id = ? AND tenant_id = ?`, id, space.TenantID)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if err := requireRows(res); err != nil {
		return err
	}
	return tx.Commit()
}

// -- Contacts --

func (r *SQLiteStore) UpsertContact(ctx context.Context, space tenant.Space, params ContactUpsert) error {
	const q = `
INSERT INTO contacts (id, connection_id, tenant_id, provider_id, name, avatar_url, blocked, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (provider_id, connection_id) DO UPDATE SET
    name = COALESCE(excluded.name, contacts.name),
    avatar_url = COALESCE(excluded.avatar_url, contacts.avatar_url),
    blocked = excluded.blocked,
    updated_at = CURRENT_TIMESTAMP;
`
	_, err := r.db.ExecContext(ctx, q,
		uuid.New(), params.ConnectionID, space.TenantID, params.ProviderID,
		params.Name, params.AvatarURL, params.Blocked)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

func (r *SQLiteStore) FindContactByProviderID(ctx context.Context, space tenant.Space, connectionID uuid.UUID, providerID string) (*Contact, error) {
	const q = `
SELECT id, connection_id, tenant_id, provider_id, name, avatar_url, blocked, created_at, updated_at
FROM contacts
WHERE provider_id = ? AND connection_id = ? AND tenant_id = ?;
`
	var c Contact
	err := r.db.QueryRowContext(ctx, q, providerID, connectionID, space.TenantID).Scan(
		&c.ID, &c.ConnectionID, &c.TenantID, &c.ProviderID, &c.Name, &c.AvatarURL, &c.Blocked, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find contact: %w", err)
	}
	return &c, nil
}

// -- Chats --

func (r *SQLiteStore) UpsertChat(ctx context.Context, space tenant.Space, params ChatUpsert) error {
	kind := params.Kind
	if kind == "" {
		kind = "direct"
	}
	var contactID any
	if params.ContactID != nil {
		contactID = *params.ContactID
	}
	const q = `
INSERT INTO chats (id, connection_id, tenant_id, thread_id, name, kind, unread_count, last_activity_at, contact_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (thread_id, connection_id) DO UPDATE SET
    name = COALESCE(excluded.name, chats.name),
    kind = excluded.kind,
    unread_count = excluded.unread_count,
    last_activity_at = COALESCE(excluded.last_activity_at, chats.last_activity_at),
    contact_id = COALESCE(excluded.contact_id, chats.contact_id),
    updated_at = CURRENT_TIMESTAMP;
`
	_, err := r.db.ExecContext(ctx, q,
		uuid.New(), params.ConnectionID, space.TenantID, params.ThreadID,
		params.Name, kind, params.UnreadCount, params.LastActivityAt, contactID)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

func (r *SQLiteStore) FindChatByThread(ctx context.Context, space tenant.Space, connectionID uuid.UUID, threadID string) (*Chat, error) {
	q := fmt.Sprintf(`SELECT %s FROM chats WHERE thread_id = ? AND connection_id = ? AND tenant_id = ?;`, chatColumns)
	var c Chat
	var contactID uuid.NullUUID
	err := r.db.QueryRowContext(ctx, q, threadID, connectionID, space.TenantID).Scan(
		&c.ID, &c.ConnectionID, &c.TenantID, &c.ThreadID, &c.Name, &c.Kind,
		&c.UnreadCount, &c.LastActivityAt, &contactID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find chat: %w", err)
	}
	if contactID.Valid {
		c.ContactID = &contactID.UUID
	}
	return &c, nil
}

func (r *SQLiteStore) ListChats(ctx context.Context, space tenant.Space, connectionID uuid.UUID) ([]Chat, error) {
	q := fmt.Sprintf(`
SELECT %s FROM chats
WHERE connection_id = ? AND tenant_id = ?
ORDER BY last_activity_at DESC;
`, chatColumns)
	rows, err := r.db.QueryContext(ctx, q, connectionID, space.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var contactID uuid.NullUUID
		if err := rows.Scan(&c.ID, &c.ConnectionID, &c.TenantID, &c.ThreadID, &c.Name, &c.Kind,
			&c.UnreadCount, &c.LastActivityAt, &contactID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		if contactID.Valid {
			c.ContactID = &contactID.UUID
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return out, nil
}

// -- Messages --

func (r *SQLiteStore) UpsertMessage(ctx context.Context, space tenant.Space, params MessageUpsert) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert message: %w", err)
	}
	defer tx.Rollback()

	const q = `
INSERT INTO messages (id, connection_id, tenant_id, chat_id, provider_message_id, direction, content_type, body, author_id, delivery_status, media_url, sent_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (provider_message_id, connection_id) DO UPDATE SET
    body = COALESCE(excluded.body, messages.body),
    delivery_status = COALESCE(excluded.delivery_status, messages.delivery_status),
    media_url = COALESCE(excluded.media_url, messages.media_url);
`
	_, err = tx.ExecContext(ctx, q,
		uuid.New(), params.ConnectionID, space.TenantID, params.ChatID,
		params.ProviderMessageID, params.Direction, params.ContentType,
		params.Body, params.AuthorID, params.DeliveryStatus, params.MediaURL, params.SentAt)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	const bump = `
UPDATE chats
SET last_activity_at = MAX(COALESCE(last_activity_at, ?), ?), updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND tenant_id = ?;
`
	if _, err := tx.ExecContext(ctx, bump, params.SentAt, params.SentAt, params.ChatID, space.TenantID); err != nil {
		return fmt.Errorf("bump chat activity: %w", err)
	}
	return tx.Commit()
}

func (r *SQLiteStore) ListMessages(ctx context.Context, space tenant.Space, chatID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, connection_id, tenant_id, chat_id, provider_message_id, direction, content_type, body, author_id, delivery_status, media_url, sent_at, created_at
FROM messages
WHERE chat_id = ? AND tenant_id = ?
ORDER BY sent_at DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, chatID, space.TenantID, limit)
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

// -- Supervision audit --

func (r *SQLiteStore) StartSessionRecord(ctx context.Context, space tenant.Space, connectionID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	const q = `INSERT INTO gateway_sessions (id, connection_id, tenant_id, phase) VALUES (?, ?, ?, ?);`
	if _, err := r.db.ExecContext(ctx, q, id, connectionID, space.TenantID, StatusConnecting); err != nil {
		return uuid.Nil, fmt.Errorf("start session record: %w", err)
	}
	return id, nil
}

func (r *SQLiteStore) FinishSessionRecord(ctx context.Context, space tenant.Space, sessionID uuid.UUID, phase string, refreshes int, lastError *string) error {
	const q = `
UPDATE gateway_sessions
SET phase = ?, refreshes = ?, last_error = ?, ended_at = CURRENT_TIMESTAMP
WHERE id = ? AND tenant_id = ?;
`
	if _, err := r.db.ExecContext(ctx, q, phase, refreshes, lastError, sessionID, space.TenantID); err != nil {
		return fmt.Errorf("finish session record: %w", err)
	}
	return nil
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
