package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/google/uuid"

	"crm-gateway/internal/tenant"
)

// ErrNotFound is returned when a scoped lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store defines the persistence surface shared by the Postgres and SQLite
// implementations. Every operation that touches connection data is scoped by
// the caller's tenant Space; no write predicate omits the tenant id.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Tenant resolution
	ResolveAPIKey(ctx context.Context, token string) (tenant.Space, error)

	// Connections
	CreateConnection(ctx context.Context, space tenant.Space, name string) (*Connection, error)
	ListConnections(ctx context.Context, space tenant.Space) ([]Connection, error)
	GetConnection(ctx context.Context, space tenant.Space, id uuid.UUID) (*Connection, error)
	UpdateConnectionStatus(ctx context.Context, space tenant.Space, id uuid.UUID, status string) error
	SetPairingPayload(ctx context.Context, space tenant.Space, id uuid.UUID, payload *string) error
	MarkConnected(ctx context.Context, space tenant.Space, id uuid.UUID, phone string, at time.Time) error
	DeleteConnectionCascade(ctx context.Context, space tenant.Space, id uuid.UUID) error

	// Contacts
	UpsertContact(ctx context.Context, space tenant.Space, params ContactUpsert) error
	FindContactByProviderID(ctx context.Context, space tenant.Space, connectionID uuid.UUID, providerID string) (*Contact, error)

	// Chats
	UpsertChat(ctx context.Context, space tenant.Space, params ChatUpsert) error
	FindChatByThread(ctx context.Context, space tenant.Space, connectionID uuid.UUID, threadID string) (*Chat, error)
	ListChats(ctx context.Context, space tenant.Space, connectionID uuid.UUID) ([]Chat, error)

	// Messages
	UpsertMessage(ctx context.Context, space tenant.Space, params MessageUpsert) error
	ListMessages(ctx context.Context, space tenant.Space, chatID uuid.UUID, limit int) ([]Message, error)

	// Supervision audit
	StartSessionRecord(ctx context.Context, space tenant.Space, connectionID uuid.UUID) (uuid.UUID, error)
	FinishSessionRecord(ctx context.Context, space tenant.Space, sessionID uuid.UUID, phase string, refreshes int, lastError *string) error
}
