package repo

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Connection statuses as persisted in the registry.
const (
	StatusCreated      = "created"
	StatusConnecting   = "connecting"
	StatusPairing      = "awaiting_pairing"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusFailed       = "failed"
)

// StatusFromProvider maps the loose status strings providers emit onto
// registry statuses. Unrecognized values report false; the caller drops them
// rather than writing provider vocabulary into the registry.
func StatusFromProvider(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	switch s {
	case "connecting", "initializing", "starting", "loading", "syncing":
		return StatusConnecting, true
	case "pairing", "awaitingpairing", "qr", "qrcode", "qrwait", "scan", "pairingcode":
		return StatusPairing, true
	case "connected", "ready", "authenticated", "open", "loggedin":
		return StatusConnected, true
	case "disconnected", "closed", "close", "logout", "loggedout":
		return StatusDisconnected, true
	case "failed", "error", "banned":
		return StatusFailed, true
	default:
		return "", false
	}
}

// Connection represents a gateway connection row. The registry is the single
// source of truth consumed by the UI; upstream data only enriches it.
type Connection struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        uuid.UUID  `json:"tenant_id"`
	OwnerID         uuid.UUID  `json:"owner_id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	Phone           *string    `json:"phone,omitempty"`
	PairingPayload  *string    `json:"pairing_payload,omitempty"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Contact represents a contacts table row, unique per (provider_id, connection_id).
type Contact struct {
	ID           uuid.UUID
	ConnectionID uuid.UUID
	TenantID     uuid.UUID
	ProviderID   string
	Name         *string
	AvatarURL    *string
	Blocked      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chat represents a chats table row, unique per (thread_id, connection_id).
// ContactID is a weak back-reference resolved at ingest time.
type Chat struct {
	ID             uuid.UUID
	ConnectionID   uuid.UUID
	TenantID       uuid.UUID
	ThreadID       string
	Name           *string
	Kind           string
	UnreadCount    int
	LastActivityAt *time.Time
	ContactID      *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message represents a messages table row, unique per (provider_message_id, connection_id).
type Message struct {
	ID                uuid.UUID
	ConnectionID      uuid.UUID
	TenantID          uuid.UUID
	ChatID            uuid.UUID
	ProviderMessageID string
	Direction         string
	ContentType       string
	Body              *string
	AuthorID          *string
	DeliveryStatus    *string
	MediaURL          *string
	SentAt            time.Time
	CreatedAt         time.Time
}

// SessionRecord is the audit row written for each supervision attempt.
type SessionRecord struct {
	ID           uuid.UUID
	ConnectionID uuid.UUID
	TenantID     uuid.UUID
	Phase        string
	Refreshes    int
	LastError    *string
	StartedAt    time.Time
	EndedAt      *time.Time
}

// ContactUpsert carries data for an idempotent contact write.
type ContactUpsert struct {
	ConnectionID uuid.UUID
	ProviderID   string
	Name         *string
	AvatarURL    *string
	Blocked      bool
}

// ChatUpsert carries data for an idempotent chat write.
type ChatUpsert struct {
	ConnectionID   uuid.UUID
	ThreadID       string
	Name           *string
	Kind           string
	UnreadCount    int
	LastActivityAt *time.Time
	ContactID      *uuid.UUID
}

// MessageUpsert carries data for an idempotent message write. ChatID must
// reference a chat on the same connection; the write also refreshes that
// chat's last-activity timestamp.
type MessageUpsert struct {
	ConnectionID      uuid.UUID
	ChatID            uuid.UUID
	ProviderMessageID string
	Direction         string
	ContentType       string
	Body              *string
	AuthorID          *string
	DeliveryStatus    *string
	MediaURL          *string
	SentAt            time.Time
}
