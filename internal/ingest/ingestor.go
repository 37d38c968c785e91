package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"crm-gateway/internal/metrics"
	"crm-gateway/internal/repo"
	"crm-gateway/internal/stream"
	"crm-gateway/internal/tenant"
)

// Ingestor makes provider stream events durable for exactly one connection.
// The tenant scope is fixed at construction and every write goes through it;
// events can never leak across tenants no matter what the payload claims.
//
// All writes are upserts keyed on provider identifiers, so replaying a
// stream (or receiving the same snapshot twice) converges instead of
// duplicating.
type Ingestor struct {
	store  repo.Store
	logger *slog.Logger
	m      *metrics.Metrics

	space        tenant.Space
	connectionID uuid.UUID

	// trackStatus lets the ingestor own connected/disconnected transitions.
	// Off when a supervision session already owns them.
	trackStatus bool
}

// New builds an ingestor scoped to one connection.
func New(store repo.Store, logger *slog.Logger, m *metrics.Metrics, space tenant.Space, connectionID uuid.UUID, trackStatus bool) *Ingestor {
	return &Ingestor{
		store:        store,
		logger:       logger.With("component", "ingest", "connection_id", connectionID, "tenant_id", space.TenantID),
		m:            m,
		space:        space,
		connectionID: connectionID,
		trackStatus:  trackStatus,
	}
}

// Apply makes one decoded event durable. Failures are logged and counted,
// never propagated: a bad frame must not stall the stream behind it.
func (i *Ingestor) Apply(ctx context.Context, ev stream.Event) {
	switch ev.Kind {
	case stream.KindContacts:
		i.applyContacts(ctx, ev.Data)
	case stream.KindChats:
		i.applyChats(ctx, ev.Data)
	case stream.KindMessages:
		i.applyMessages(ctx, ev.Data)
	case stream.KindConnected:
		if i.trackStatus {
			if err := i.store.MarkConnected(ctx, i.space, i.connectionID, ev.Phone, ev.At); err != nil {
				i.fail("mark connected", err)
			}
		}
	case stream.KindDisconnected:
		if i.trackStatus {
			if err := i.store.UpdateConnectionStatus(ctx, i.space, i.connectionID, repo.StatusDisconnected); err != nil {
				i.fail("mark disconnected", err)
			}
			if err := i.store.SetPairingPayload(ctx, i.space, i.connectionID, nil); err != nil {
				i.fail("clear pairing payload", err)
			}
		}
	case stream.KindStatus:
		if !i.trackStatus {
			return
		}
		if mapped, ok := repo.StatusFromProvider(ev.Status); ok {
			if err := i.store.UpdateConnectionStatus(ctx, i.space, i.connectionID, mapped); err != nil {
				i.fail("apply provider status", err)
			}
		} else {
			i.logger.Debug("ignoring unrecognized provider status", "status", ev.Status)
		}
	}
}

func (i *Ingestor) fail(op string, err error) {
	if i.m != nil {
		i.m.Errors.WithLabelValues("ingest").Inc()
	}
	i.logger.Error(op, "error", err)
}

func (i *Ingestor) drop(reason string, attrs ...any) {
	if i.m != nil {
		i.m.IngestDropped.WithLabelValues(reason).Inc()
	}
	i.logger.Warn("dropping event", append([]any{"reason", reason}, attrs...)...)
}

func (i *Ingestor) upserted(entity string) {
	if i.m != nil {
		i.m.IngestUpserts.WithLabelValues(entity).Inc()
	}
}

// wireContact covers the contact field spellings seen across provider
// versions.
type wireContact struct {
	ID            string `json:"id"`
	JID           string `json:"jid"`
	Phone         string `json:"phone"`
	Name          string `json:"name"`
	PushName      string `json:"pushName"`
	Notify        string `json:"notify"`
	Avatar        string `json:"avatar"`
	ProfilePicURL string `json:"profilePicUrl"`
	Blocked       bool   `json:"blocked"`
}

func (w wireContact) providerID() string {
	return firstNonEmpty(w.ID, w.JID, w.Phone)
}

func (w wireContact) displayName() string {
	return firstNonEmpty(w.Name, w.PushName, w.Notify)
}

func (i *Ingestor) applyContacts(ctx context.Context, data json.RawMessage) {
	var batch []wireContact
	if !decodeBatch(data, "contacts", &batch) {
		i.drop("undecodable_contacts")
		return
	}
	for _, c := range batch {
		providerID := c.providerID()
		if providerID == "" {
			i.drop("contact_without_id")
			continue
		}
		params := repo.ContactUpsert{
			ConnectionID: i.connectionID,
			ProviderID:   providerID,
			Blocked:      c.Blocked,
		}
		if name := c.displayName(); name != "" {
			params.Name = &name
		}
		if avatar := firstNonEmpty(c.Avatar, c.ProfilePicURL); avatar != "" {
			params.AvatarURL = &avatar
		}
		if err := i.store.UpsertContact(ctx, i.space, params); err != nil {
			i.fail("upsert contact", err)
			continue
		}
		i.upserted("contact")
	}
}

// wireChat covers the chat field spellings seen across provider versions.
type wireChat struct {
	ID          string          `json:"id"`
	JID         string          `json:"jid"`
	Thread      string          `json:"thread"`
	Name        string          `json:"name"`
	Subject     string          `json:"subject"`
	IsGroup     bool            `json:"isGroup"`
	Kind        string          `json:"kind"`
	UnreadCount int             `json:"unreadCount"`
	Timestamp   json.RawMessage `json:"timestamp"`
	LastActive  json.RawMessage `json:"lastMessageTime"`
}

func (w wireChat) threadID() string {
	return firstNonEmpty(w.Thread, w.ID, w.JID)
}

func (w wireChat) chatKind() string {
	if w.Kind != "" {
		return w.Kind
	}
	if w.IsGroup || strings.HasSuffix(w.threadID(), "@g.us") {
		return "group"
	}
	return "direct"
}

func (i *Ingestor) applyChats(ctx context.Context, data json.RawMessage) {
	var batch []wireChat
	if !decodeBatch(data, "chats", &batch) {
		i.drop("undecodable_chats")
		return
	}
	for _, c := range batch {
		threadID := c.threadID()
		if threadID == "" {
			i.drop("chat_without_thread")
			continue
		}
		params := repo.ChatUpsert{
			ConnectionID: i.connectionID,
			ThreadID:     threadID,
			Kind:         c.chatKind(),
			UnreadCount:  c.UnreadCount,
		}
		if name := firstNonEmpty(c.Name, c.Subject); name != "" {
			params.Name = &name
		}
		if ts := parseTimestamp(c.LastActive, c.Timestamp); ts != nil {
			params.LastActivityAt = ts
		}
		// Direct chats reference the contact sharing the thread identifier,
		// when it is already known. Chats arriving before their contact
		// simply carry no back-reference yet.
		if params.Kind == "direct" {
			if contact, err := i.store.FindContactByProviderID(ctx, i.space, i.connectionID, threadID); err == nil {
				params.ContactID = &contact.ID
			}
		}
		if err := i.store.UpsertChat(ctx, i.space, params); err != nil {
			i.fail("upsert chat", err)
			continue
		}
		i.upserted("chat")
	}
}

// wireMessage covers the message field spellings seen across provider
// versions. Thread resolution prefers the explicit chat id, then the remote
// JID from the key envelope.
type wireMessage struct {
	ID     string `json:"id"`
	ChatID string `json:"chatId"`
	From   string `json:"from"`
	Key    struct {
		ID        string `json:"id"`
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
	} `json:"key"`
	FromMe       bool            `json:"fromMe"`
	Body         string          `json:"body"`
	Text         string          `json:"text"`
	Conversation string          `json:"conversation"`
	Type         string          `json:"type"`
	Author       string          `json:"author"`
	Participant  string          `json:"participant"`
	Status       string          `json:"status"`
	MediaURL     string          `json:"mediaUrl"`
	Timestamp    json.RawMessage `json:"timestamp"`
	MessageTime  json.RawMessage `json:"messageTimestamp"`
}

func (w wireMessage) providerMessageID() string {
	return firstNonEmpty(w.ID, w.Key.ID)
}

func (w wireMessage) threadID() string {
	return firstNonEmpty(w.ChatID, w.Key.RemoteJID, w.From)
}

func (w wireMessage) direction() string {
	if w.FromMe || w.Key.FromMe {
		return "outbound"
	}
	return "inbound"
}

func (i *Ingestor) applyMessages(ctx context.Context, data json.RawMessage) {
	var batch []wireMessage
	if !decodeBatch(data, "messages", &batch) {
		i.drop("undecodable_messages")
		return
	}
	for _, msg := range batch {
		providerMessageID := msg.providerMessageID()
		if providerMessageID == "" {
			i.drop("message_without_id")
			continue
		}
		threadID := msg.threadID()
		if threadID == "" {
			i.drop("message_without_thread", "provider_message_id", providerMessageID)
			continue
		}

		chat, err := i.store.FindChatByThread(ctx, i.space, i.connectionID, threadID)
		if err != nil {
			// Messages for threads the registry has never seen are orphans;
			// the next chats snapshot will bring the thread, and the message
			// will arrive again on the replayed history.
			i.drop("orphan_message", "thread_id", threadID, "provider_message_id", providerMessageID)
			continue
		}

		sentAt := time.Now().UTC()
		if ts := parseTimestamp(msg.Timestamp, msg.MessageTime); ts != nil {
			sentAt = *ts
		}
		params := repo.MessageUpsert{
			ConnectionID:      i.connectionID,
			ChatID:            chat.ID,
			ProviderMessageID: providerMessageID,
			Direction:         msg.direction(),
			ContentType:       firstNonEmpty(msg.Type, "text"),
			SentAt:            sentAt,
		}
		if body := firstNonEmpty(msg.Body, msg.Text, msg.Conversation); body != "" {
			params.Body = &body
		}
		if author := firstNonEmpty(msg.Author, msg.Participant); author != "" {
			params.AuthorID = &author
		}
		if msg.Status != "" {
			params.DeliveryStatus = &msg.Status
		}
		if msg.MediaURL != "" {
			params.MediaURL = &msg.MediaURL
		}
		if err := i.store.UpsertMessage(ctx, i.space, params); err != nil {
			i.fail("upsert message", err)
			continue
		}
		i.upserted("message")
	}
}

// decodeBatch accepts the payload as a bare array, a single object, or an
// object wrapping the array under the entity's key.
func decodeBatch[T any](data json.RawMessage, key string, out *[]T) bool {
	if len(data) == 0 {
		return false
	}
	if err := json.Unmarshal(data, out); err == nil {
		return true
	}
	var single T
	if err := json.Unmarshal(data, &single); err == nil {
		var wrapped map[string]json.RawMessage
		if json.Unmarshal(data, &wrapped) == nil {
			if inner, ok := wrapped[key]; ok {
				return json.Unmarshal(inner, out) == nil
			}
		}
		*out = []T{single}
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseTimestamp handles the timestamp spellings in the wild: unix seconds,
// unix milliseconds, and RFC 3339 strings. Returns nil when nothing parses.
func parseTimestamp(candidates ...json.RawMessage) *time.Time {
	for _, raw := range candidates {
		if len(raw) == 0 {
			continue
		}
		var num int64
		if err := json.Unmarshal(raw, &num); err == nil && num > 0 {
			t := fromUnix(num)
			return &t
		}
		var str string
		if err := json.Unmarshal(raw, &str); err == nil && str != "" {
			if t, err := time.Parse(time.RFC3339, str); err == nil {
				t = t.UTC()
				return &t
			}
			if num, err := strconv.ParseInt(str, 10, 64); err == nil && num > 0 {
				t := fromUnix(num)
				return &t
			}
		}
	}
	return nil
}

func fromUnix(v int64) time.Time {
	// Millisecond timestamps are 13 digits until the year 33658.
	if v > 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}
