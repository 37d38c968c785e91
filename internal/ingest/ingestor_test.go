package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-gateway/internal/repo"
	"crm-gateway/internal/stream"
	"crm-gateway/internal/tenant"
)

type recordingStore struct {
	repo.Store

	contacts []repo.ContactUpsert
	chats    []repo.ChatUpsert
	messages []repo.MessageUpsert

	knownContacts map[string]*repo.Contact
	knownChats    map[string]*repo.Chat

	connectedPhone string
	statuses       []string
	payloadCleared bool
}

func (r *recordingStore) UpsertContact(ctx context.Context, space tenant.Space, params repo.ContactUpsert) error {
	r.contacts = append(r.contacts, params)
	return nil
}

func (r *recordingStore) FindContactByProviderID(ctx context.Context, space tenant.Space, connectionID uuid.UUID, providerID string) (*repo.Contact, error) {
	if c, ok := r.knownContacts[providerID]; ok {
		return c, nil
	}
	return nil, repo.ErrNotFound
}

func (r *recordingStore) UpsertChat(ctx context.Context, space tenant.Space, params repo.ChatUpsert) error {
	r.chats = append(r.chats, params)
	return nil
}

func (r *recordingStore) FindChatByThread(ctx context.Context, space tenant.Space, connectionID uuid.UUID, threadID string) (*repo.Chat, error) {
	if c, ok := r.knownChats[threadID]; ok {
		return c, nil
	}
	return nil, repo.ErrNotFound
}

func (r *recordingStore) UpsertMessage(ctx context.Context, space tenant.Space, params repo.MessageUpsert) error {
	r.messages = append(r.messages, params)
	return nil
}

func (r *recordingStore) MarkConnected(ctx context.Context, space tenant.Space, id uuid.UUID, phone string, at time.Time) error {
	r.connectedPhone = phone
	r.statuses = append(r.statuses, repo.StatusConnected)
	return nil
}

func (r *recordingStore) UpdateConnectionStatus(ctx context.Context, space tenant.Space, id uuid.UUID, status string) error {
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *recordingStore) SetPairingPayload(ctx context.Context, space tenant.Space, id uuid.UUID, payload *string) error {
	r.payloadCleared = payload == nil
	return nil
}

func newTestIngestor(store *recordingStore, trackStatus bool) *Ingestor {
	space := tenant.Space{TenantID: uuid.New(), OwnerID: uuid.New(), Slug: "acme"}
	return New(store, slog.Default(), nil, space, uuid.New(), trackStatus)
}

func event(kind stream.Kind, data string) stream.Event {
	return stream.Event{Kind: kind, Data: json.RawMessage(data), At: time.Now().UTC()}
}

func TestApplyContactsFieldFallbacks(t *testing.T) {
	store := &recordingStore{}
	ing := newTestIngestor(store, false)

	ing.Apply(context.Background(), event(stream.KindContacts, `[
		{"id":"111@s.whatsapp.net","name":"Alice","avatar":"http://a/pic"},
		{"jid":"222@s.whatsapp.net","pushName":"Bob"},
		{"phone":"333","notify":"Carol","blocked":true},
		{"name":"no identifier, dropped"}
	]`))

	require.Len(t, store.contacts, 3)
	assert.Equal(t, "111@s.whatsapp.net", store.contacts[0].ProviderID)
	assert.Equal(t, "Alice", *store.contacts[0].Name)
	assert.Equal(t, "http://a/pic", *store.contacts[0].AvatarURL)
	assert.Equal(t, "222@s.whatsapp.net", store.contacts[1].ProviderID)
	assert.Equal(t, "Bob", *store.contacts[1].Name)
	assert.Equal(t, "333", store.contacts[2].ProviderID)
	assert.True(t, store.contacts[2].Blocked)
}

func TestApplyChatsResolvesContactBackref(t *testing.T) {
	contactID := uuid.New()
	store := &recordingStore{
		knownContacts: map[string]*repo.Contact{
			"111@s.whatsapp.net": {ID: contactID, ProviderID: "111@s.whatsapp.net"},
		},
	}
	ing := newTestIngestor(store, false)

	ing.Apply(context.Background(), event(stream.KindChats, `[
		{"id":"111@s.whatsapp.net","name":"Alice","unreadCount":2,"lastMessageTime":1700000000},
		{"id":"999@g.us","subject":"Team","isGroup":true},
		{"id":"444@s.whatsapp.net"}
	]`))

	require.Len(t, store.chats, 3)

	direct := store.chats[0]
	assert.Equal(t, "direct", direct.Kind)
	require.NotNil(t, direct.ContactID)
	assert.Equal(t, contactID, *direct.ContactID)
	assert.Equal(t, 2, direct.UnreadCount)
	require.NotNil(t, direct.LastActivityAt)
	assert.Equal(t, int64(1700000000), direct.LastActivityAt.Unix())

	group := store.chats[1]
	assert.Equal(t, "group", group.Kind)
	assert.Equal(t, "Team", *group.Name)
	assert.Nil(t, group.ContactID)

	// Chat arriving before its contact keeps no back-reference.
	assert.Nil(t, store.chats[2].ContactID)
}

func TestApplyMessagesDropsOrphans(t *testing.T) {
	chatID := uuid.New()
	store := &recordingStore{
		knownChats: map[string]*repo.Chat{
			"111@s.whatsapp.net": {ID: chatID, ThreadID: "111@s.whatsapp.net"},
		},
	}
	ing := newTestIngestor(store, false)

	ing.Apply(context.Background(), event(stream.KindMessages, `[
		{"key":{"id":"M1","remoteJid":"111@s.whatsapp.net","fromMe":true},"conversation":"hi","messageTimestamp":1700000123},
		{"id":"M2","chatId":"unknown-thread","body":"orphan"},
		{"body":"no id, dropped"}
	]`))

	require.Len(t, store.messages, 1)
	msg := store.messages[0]
	assert.Equal(t, "M1", msg.ProviderMessageID)
	assert.Equal(t, chatID, msg.ChatID)
	assert.Equal(t, "outbound", msg.Direction)
	assert.Equal(t, "hi", *msg.Body)
	assert.Equal(t, int64(1700000123), msg.SentAt.Unix())
}

func TestApplyStatusOnlyWhenTracking(t *testing.T) {
	store := &recordingStore{}
	passive := newTestIngestor(store, false)
	passive.Apply(context.Background(), stream.Event{Kind: stream.KindConnected, Phone: "628"})
	assert.Empty(t, store.statuses)

	tracking := newTestIngestor(store, true)
	tracking.Apply(context.Background(), stream.Event{Kind: stream.KindConnected, Phone: "628", At: time.Now()})
	require.Equal(t, []string{repo.StatusConnected}, store.statuses)
	assert.Equal(t, "628", store.connectedPhone)

	tracking.Apply(context.Background(), stream.Event{Kind: stream.KindDisconnected})
	assert.Contains(t, store.statuses, repo.StatusDisconnected)
	assert.True(t, store.payloadCleared)
}

func TestApplyStatusEventUpdatesRegistry(t *testing.T) {
	store := &recordingStore{}
	tracking := newTestIngestor(store, true)

	tracking.Apply(context.Background(), stream.Event{Kind: stream.KindStatus, Status: "initializing"})
	require.Equal(t, []string{repo.StatusConnecting}, store.statuses)

	// Provider vocabulary the registry does not know stays out of it.
	tracking.Apply(context.Background(), stream.Event{Kind: stream.KindStatus, Status: "mysterious"})
	assert.Equal(t, []string{repo.StatusConnecting}, store.statuses)

	passive := newTestIngestor(store, false)
	passive.Apply(context.Background(), stream.Event{Kind: stream.KindStatus, Status: "connecting"})
	assert.Equal(t, []string{repo.StatusConnecting}, store.statuses)
}

func TestDecodeBatchShapes(t *testing.T) {
	var out []wireContact

	require.True(t, decodeBatch(json.RawMessage(`[{"id":"a"}]`), "contacts", &out))
	require.Len(t, out, 1)

	out = nil
	require.True(t, decodeBatch(json.RawMessage(`{"contacts":[{"id":"b"},{"id":"c"}]}`), "contacts", &out))
	require.Len(t, out, 2)

	out = nil
	require.True(t, decodeBatch(json.RawMessage(`{"id":"solo"}`), "contacts", &out))
	require.Len(t, out, 1)
	assert.Equal(t, "solo", out[0].ID)

	out = nil
	assert.False(t, decodeBatch(json.RawMessage(`"just a string"`), "contacts", &out))
	assert.False(t, decodeBatch(nil, "contacts", &out))
}

func TestParseTimestampVariants(t *testing.T) {
	seconds := json.RawMessage(`1700000000`)
	millis := json.RawMessage(`1700000000000`)
	rfc := json.RawMessage(`"2023-11-14T22:13:20Z"`)
	numString := json.RawMessage(`"1700000000"`)

	for name, raw := range map[string]json.RawMessage{
		"seconds": seconds, "millis": millis, "rfc3339": rfc, "numeric string": numString,
	} {
		ts := parseTimestamp(raw)
		require.NotNil(t, ts, name)
		assert.Equal(t, int64(1700000000), ts.Unix(), name)
	}

	assert.Nil(t, parseTimestamp(json.RawMessage(`"soon"`)))
	assert.Nil(t, parseTimestamp(nil))
	assert.Nil(t, parseTimestamp())
}
