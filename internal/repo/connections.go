package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"crm-gateway/internal/tenant"
)

const connectionColumns = `id, tenant_id, owner_id, name, status, phone, pairing_payload, last_connected_at, created_at, updated_at`

func scanConnection(row pgx.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.TenantID, &c.OwnerID, &c.Name, &c.Status, &c.Phone,
		&c.PairingPayload, &c.LastConnectedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	return &c, nil
}

// CreateConnection inserts a new connection row owned by the caller's tenant.
func (r *Repository) CreateConnection(ctx context.Context, space tenant.Space, name string) (*Connection, error) {
	q := fmt.Sprintf(`
INSERT INTO connections (id, tenant_id, owner_id, name, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING %s;
`, connectionColumns)
	row := r.pool.QueryRow(ctx, q, uuid.New(), space.TenantID, space.OwnerID, name, StatusCreated)
	conn, err := scanConnection(row)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	return conn, nil
}

// ListConnections returns all connections belonging to the tenant.
func (r *Repository) ListConnections(ctx context.Context, space tenant.Space) ([]Connection, error) {
	q := fmt.Sprintf(`
SELECT %s FROM connections
WHERE tenant_id = $1
ORDER BY created_at ASC;
`, connectionColumns)
	rows, err := r.pool.Query(ctx, q, space.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return out, nil
}

// GetConnection fetches one connection scoped by (id, tenant_id).
func (r *Repository) GetConnection(ctx context.Context, space tenant.Space, id uuid.UUID) (*Connection, error) {
	q := fmt.Sprintf(`SELECT %s FROM connections WHERE id = $1 AND tenant_id = $2;`, connectionColumns)
	return scanConnection(r.pool.QueryRow(ctx, q, id, space.TenantID))
}

// UpdateConnectionStatus changes the lifecycle status of a connection.
func (r *Repository) UpdateConnectionStatus(ctx context.Context, space tenant.Space, id uuid.UUID, status string) error {
	const q = `
UPDATE connections SET status = $3, updated_at = NOW()
WHERE id = $1 AND tenant_id = $2;
`
	ct, err := r.pool.Exec(ctx, q, id, space.TenantID, status)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPairingPayload stores or clears the transient pairing payload.
func (r *Repository) SetPairingPayload(ctx context.Context, space tenant.Space, id uuid.UUID, payload *string) error {
	const q = `
UPDATE connections SET pairing_payload = $3, updated_at = NOW()
WHERE id = $1 AND tenant_id = $2;
`
	ct, err := r.pool.Exec(ctx, q, id, space.TenantID, payload)
	if err != nil {
		return fmt.Errorf("set pairing payload: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkConnected records a successful pairing: phone identifier, last-connected
// time, connected status, and the pairing payload cleared in one statement.
func (r *Repository) MarkConnected(ctx context.Context, space tenant.Space, id uuid.UUID, phone string, at time.Time) error {
	const q = `
UPDATE connections
SET status = $3, phone = $4, last_connected_at = $5, pairing_payload = NULL, updated_at = NOW()
WHERE id = $1 AND tenant_id = $2;
`
	ct, err := r.pool.Exec(ctx, q, id, space.TenantID, StatusConnected, phone, at)
	if err != nil {
		return fmt.Errorf("mark connected: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConnectionCascade removes a connection and everything that references
// it: messages first, then chats, contacts, supervision records, and finally
// the connection row. The order guarantees the registry never retains orphaned
// children even when interrupted partway.
func (r *Repository) DeleteConnectionCascade(ctx context.Context, space tenant.Space, id uuid.UUID) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		statements := []string{
			`DELETE FROM messages WHERE connection_id = $1 AND tenant_id = $2`,
			`DELETE FROM chats WHERE connection_id = $1 AND tenant_id = $2`,
			`DELETE FROM contacts WHERE connection_id = $1 AND tenant_id = $2`,
			`DELETE FROM gateway_sessions WHERE connection_id = $1 AND tenant_id = $2`,
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt, id, space.TenantID); err != nil {
				return fmt.Errorf("cascade delete: %w", err)
			}
		}
		ct, err := tx.Exec(ctx, `DELETE FROM connections WHERE id = $1 AND tenant_id = $2`, id, space.TenantID)
		if err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// StartSessionRecord opens a supervision audit row.
func (r *Repository) StartSessionRecord(ctx context.Context, space tenant.Space, connectionID uuid.UUID) (uuid.UUID, error) {
	const q = `
INSERT INTO gateway_sessions (id, connection_id, tenant_id, phase)
VALUES ($1, $2, $3, $4)
RETURNING id;
`
	id := uuid.New()
	if err := r.pool.QueryRow(ctx, q, id, connectionID, space.TenantID, StatusConnecting).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("start session record: %w", err)
	}
	return id, nil
}

// FinishSessionRecord closes a supervision audit row with its final phase.
func (r *Repository) FinishSessionRecord(ctx context.Context, space tenant.Space, sessionID uuid.UUID, phase string, refreshes int, lastError *string) error {
	const q = `
UPDATE gateway_sessions
SET phase = $3, refreshes = $4, last_error = $5, ended_at = NOW()
WHERE id = $1 AND tenant_id = $2;
`
	if _, err := r.pool.Exec(ctx, q, sessionID, space.TenantID, phase, refreshes, lastError); err != nil {
		return fmt.Errorf("finish session record: %w", err)
	}
	return nil
}
