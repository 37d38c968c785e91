package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"crm-gateway/internal/repo"
	"crm-gateway/internal/stream"
	"crm-gateway/internal/supervisor"
	"crm-gateway/internal/tenant"
	"crm-gateway/internal/upstream"
)

type fakeStore struct {
	repo.Store

	spaces      map[string]tenant.Space
	connections map[uuid.UUID]*repo.Connection
	deleted     []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		spaces:      make(map[string]tenant.Space),
		connections: make(map[uuid.UUID]*repo.Connection),
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) ResolveAPIKey(ctx context.Context, token string) (tenant.Space, error) {
	if space, ok := f.spaces[token]; ok {
		return space, nil
	}
	return tenant.Space{}, repo.ErrNotFound
}

func (f *fakeStore) CreateConnection(ctx context.Context, space tenant.Space, name string) (*repo.Connection, error) {
	conn := &repo.Connection{
		ID:       uuid.New(),
		TenantID: space.TenantID,
		OwnerID:  space.OwnerID,
		Name:     name,
		Status:   repo.StatusCreated,
	}
	f.connections[conn.ID] = conn
	return conn, nil
}

func (f *fakeStore) ListConnections(ctx context.Context, space tenant.Space) ([]repo.Connection, error) {
	var out []repo.Connection
	for _, c := range f.connections {
		if c.TenantID == space.TenantID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetConnection(ctx context.Context, space tenant.Space, id uuid.UUID) (*repo.Connection, error) {
	c, ok := f.connections[id]
	if !ok || c.TenantID != space.TenantID {
		return nil, repo.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) DeleteConnectionCascade(ctx context.Context, space tenant.Space, id uuid.UUID) error {
	c, ok := f.connections[id]
	if !ok || c.TenantID != space.TenantID {
		return repo.ErrNotFound
	}
	delete(f.connections, id)
	f.deleted = append(f.deleted, id)
	return nil
}

// deadClient targets a port nothing listens on, so every provider call fails
// as unreachable.
func deadClient() *upstream.Client {
	return upstream.New(upstream.Config{
		BaseURL: "http://127.0.0.1:1",
		Timeout: 200 * time.Millisecond,
	}, slog.Default(), nil)
}

func newTestServer(store *fakeStore, origins []string) *Server {
	client := deadClient()
	reader := stream.NewReader(slog.Default(), nil, 0)
	appliers := func(space tenant.Space, connectionID uuid.UUID) supervisor.EventApplier { return nil }
	manager := supervisor.NewManager(store, client, reader, nil, nil, slog.Default(), supervisor.Timers{
		Watchdog:    time.Second,
		SoftRestart: time.Second,
		HardReset:   2 * time.Second,
	}, appliers)
	return New(Config{
		ListenAddr:     ":0",
		AllowedOrigins: origins,
	}, store, client, manager, nil, nil, slog.Default())
}

func seedTenant(store *fakeStore, token string) tenant.Space {
	space := tenant.Space{TenantID: uuid.New(), OwnerID: uuid.New(), Slug: token}
	store.spaces[token] = space
	return space
}

func doRequest(s *Server, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, r)
	return w
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil)
	if w := doRequest(s, r); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	if w := doRequest(s, r); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", w.Code)
	}
}

func TestCreateConnectionSurvivesDeadProvider(t *testing.T) {
	store := newFakeStore()
	seedTenant(store, "tok-1")
	s := newTestServer(store, nil)

	body := bytes.NewBufferString(`{"name":"support line"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/connections", body)
	r.Header.Set("Authorization", "Bearer tok-1")
	w := doRequest(s, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var conn repo.Connection
	if err := json.Unmarshal(w.Body.Bytes(), &conn); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if conn.Name != "support line" || conn.Status != repo.StatusCreated {
		t.Fatalf("unexpected connection %+v", conn)
	}
	if len(store.connections) != 1 {
		t.Fatal("connection not persisted")
	}
}

func TestCreateConnectionValidation(t *testing.T) {
	store := newFakeStore()
	seedTenant(store, "tok-1")
	s := newTestServer(store, nil)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/connections", bytes.NewBufferString(`{"name":"  "}`))
	r.Header.Set("Authorization", "Bearer tok-1")
	if w := doRequest(s, r); w.Code != http.StatusBadRequest {
		t.Fatalf("blank name: status = %d", w.Code)
	}
}

func TestTenantIsolation(t *testing.T) {
	store := newFakeStore()
	spaceA := seedTenant(store, "tok-a")
	seedTenant(store, "tok-b")
	s := newTestServer(store, nil)

	conn, err := store.CreateConnection(context.Background(), spaceA, "a-line")
	if err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	// Tenant A sees its connection.
	r := httptest.NewRequest(http.MethodGet, "/api/v1/connections/"+conn.ID.String(), nil)
	r.Header.Set("Authorization", "Bearer tok-a")
	if w := doRequest(s, r); w.Code != http.StatusOK {
		t.Fatalf("owner read: status = %d", w.Code)
	}

	// Tenant B gets a 404, not a 403: existence itself is scoped.
	r = httptest.NewRequest(http.MethodGet, "/api/v1/connections/"+conn.ID.String(), nil)
	r.Header.Set("Authorization", "Bearer tok-b")
	if w := doRequest(s, r); w.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant read: status = %d", w.Code)
	}

	// And B cannot delete it either.
	r = httptest.NewRequest(http.MethodDelete, "/api/v1/connections/"+conn.ID.String(), nil)
	r.Header.Set("Authorization", "Bearer tok-b")
	if w := doRequest(s, r); w.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant delete: status = %d", w.Code)
	}
	if len(store.deleted) != 0 {
		t.Fatal("cross-tenant delete went through")
	}
}

func TestDeleteCascadesDespiteDeadProvider(t *testing.T) {
	store := newFakeStore()
	space := seedTenant(store, "tok-1")
	s := newTestServer(store, nil)

	conn, err := store.CreateConnection(context.Background(), space, "line")
	if err != nil {
		t.Fatalf("seed connection: %v", err)
	}

	r := httptest.NewRequest(http.MethodDelete, "/api/v1/connections/"+conn.ID.String(), nil)
	r.Header.Set("Authorization", "Bearer tok-1")
	if w := doRequest(s, r); w.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(store.deleted) != 1 || store.deleted[0] != conn.ID {
		t.Fatalf("local cascade did not run, deleted = %v", store.deleted)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(newFakeStore(), nil)
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	if w := doRequest(s, r); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
