package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"crm-gateway/internal/repo"
	"crm-gateway/internal/stream"
	"crm-gateway/internal/tenant"
	"crm-gateway/internal/upstream"
)

type fakeStore struct {
	repo.Store

	mu             sync.Mutex
	statuses       []string
	payloads       []*string
	phone          string
	phase          string
	refreshes      int
	connectedCalls int
}

func (f *fakeStore) StartSessionRecord(ctx context.Context, space tenant.Space, connectionID uuid.UUID) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (f *fakeStore) FinishSessionRecord(ctx context.Context, space tenant.Space, sessionID uuid.UUID, phase string, refreshes int, lastError *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phase = phase
	f.refreshes = refreshes
	return nil
}

func (f *fakeStore) UpdateConnectionStatus(ctx context.Context, space tenant.Space, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) SetPairingPayload(ctx context.Context, space tenant.Space, id uuid.UUID, payload *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeStore) MarkConnected(ctx context.Context, space tenant.Space, id uuid.UUID, phone string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phone = phone
	f.statuses = append(f.statuses, repo.StatusConnected)
	f.connectedCalls++
	return nil
}

func (f *fakeStore) sawStatus(status string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.statuses {
		if s == status {
			return true
		}
	}
	return false
}

type fakeUpstream struct {
	mu       sync.Mutex
	bodies   []io.ReadCloser
	restarts int
	resets   int
}

func (f *fakeUpstream) StartSession(ctx context.Context, tenantID, connectionID uuid.UUID) error {
	return nil
}

func (f *fakeUpstream) Restart(ctx context.Context, tenantID, connectionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func (f *fakeUpstream) ForceReset(ctx context.Context, tenantID, connectionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeUpstream) Ping(ctx context.Context, tenantID, connectionID uuid.UUID) error {
	return nil
}

func (f *fakeUpstream) OpenStream(ctx context.Context, kind upstream.StreamKind, tenantID, connectionID uuid.UUID) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return nil, errors.New("no stream bodies queued")
	}
	body := f.bodies[0]
	f.bodies = f.bodies[1:]
	return body, nil
}

// silentBody never delivers a frame until closed.
func silentBody() io.ReadCloser {
	pr, _ := io.Pipe()
	return pr
}

func newTestManager(store *fakeStore, client *fakeUpstream, timers Timers) *Manager {
	logger := slog.Default()
	reader := stream.NewReader(logger, nil, 0)
	appliers := func(space tenant.Space, connectionID uuid.UUID) EventApplier { return nil }
	return NewManager(store, client, reader, nil, nil, logger, timers, appliers)
}

func testSpace() tenant.Space {
	return tenant.Space{TenantID: uuid.New(), OwnerID: uuid.New(), Slug: "acme"}
}

func slowTimers() Timers {
	return Timers{
		Watchdog:    5 * time.Second,
		SoftRestart: 5 * time.Second,
		HardReset:   10 * time.Second,
		SoftSettle:  time.Millisecond,
		HardSettle:  time.Millisecond,
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestSessionPairsAndConnects(t *testing.T) {
	frames := `{"event":"qr","data":{"qr":"CODE-1"}}` + "\n" +
		`{"event":"status","status":"connected","phone":"628123"}` + "\n"
	client := &fakeUpstream{bodies: []io.ReadCloser{io.NopCloser(strings.NewReader(frames))}}
	store := &fakeStore{}
	m := newTestManager(store, client, slowTimers())

	conn := &repo.Connection{ID: uuid.New()}
	s, err := m.StartPairing(testSpace(), conn)
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}

	var kinds []stream.Kind
	for ev := range s.Events() {
		kinds = append(kinds, ev.Kind)
	}
	waitDone(t, s)

	if err := s.Err(); err != nil {
		t.Fatalf("session error: %v", err)
	}
	if len(kinds) < 2 || kinds[0] != stream.KindPairingCode || kinds[len(kinds)-1] != stream.KindConnected {
		t.Fatalf("event kinds = %v", kinds)
	}
	if !store.sawStatus(repo.StatusConnecting) || !store.sawStatus(repo.StatusPairing) || !store.sawStatus(repo.StatusConnected) {
		t.Fatalf("status trail = %v", store.statuses)
	}
	if store.phone != "628123" {
		t.Fatalf("phone = %q", store.phone)
	}
	if store.phase != "connected" {
		t.Fatalf("audit phase = %q", store.phase)
	}
	client.mu.Lock()
	restarts, resets := client.restarts, client.resets
	client.mu.Unlock()
	if restarts != 0 || resets != 0 {
		t.Fatalf("fast pairing triggered recovery: restarts = %d resets = %d", restarts, resets)
	}
}

func TestSessionCountsPairingCodeRefreshes(t *testing.T) {
	frames := `{"event":"qr","data":{"qr":"CODE-A"}}` + "\n" +
		`{"event":"qr","data":{"qr":"CODE-B"}}` + "\n" +
		`{"event":"status","status":"connected"}` + "\n"
	client := &fakeUpstream{bodies: []io.ReadCloser{io.NopCloser(strings.NewReader(frames))}}
	store := &fakeStore{}
	m := newTestManager(store, client, slowTimers())

	s, err := m.StartPairing(testSpace(), &repo.Connection{ID: uuid.New()})
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	for range s.Events() {
	}
	waitDone(t, s)

	if err := s.Err(); err != nil {
		t.Fatalf("session error: %v", err)
	}
	// The provider rotated the code once; the audit row counts both codes.
	if store.refreshes != 2 {
		t.Fatalf("audit refreshes = %d, want 2", store.refreshes)
	}
}

func TestSessionActsOnConnectedOnce(t *testing.T) {
	frames := `{"event":"qr","data":{"qr":"CODE-4"}}` + "\n" +
		`{"event":"status","status":"connected","phone":"628123"}` + "\n" +
		`{"event":"status","status":"connected","phone":"628123"}` + "\n"
	client := &fakeUpstream{bodies: []io.ReadCloser{io.NopCloser(strings.NewReader(frames))}}
	store := &fakeStore{}
	m := newTestManager(store, client, slowTimers())

	s, err := m.StartPairing(testSpace(), &repo.Connection{ID: uuid.New()})
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	for range s.Events() {
	}
	waitDone(t, s)

	if err := s.Err(); err != nil {
		t.Fatalf("session error: %v", err)
	}
	store.mu.Lock()
	calls := store.connectedCalls
	store.mu.Unlock()
	if calls != 1 {
		t.Fatalf("connected recorded %d times, want 1", calls)
	}
}

func TestSessionSoftRestartsWhenCodeStalls(t *testing.T) {
	frames := `{"event":"qr","data":{"qr":"CODE-2"}}` + "\n" +
		`{"event":"status","status":"connected"}` + "\n"
	client := &fakeUpstream{bodies: []io.ReadCloser{
		silentBody(),
		io.NopCloser(strings.NewReader(frames)),
	}}
	store := &fakeStore{}
	timers := slowTimers()
	timers.SoftRestart = 30 * time.Millisecond
	m := newTestManager(store, client, timers)

	s, err := m.StartPairing(testSpace(), &repo.Connection{ID: uuid.New()})
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	for range s.Events() {
	}
	waitDone(t, s)

	if err := s.Err(); err != nil {
		t.Fatalf("session error: %v", err)
	}
	client.mu.Lock()
	restarts := client.restarts
	client.mu.Unlock()
	if restarts != 1 {
		t.Fatalf("restarts = %d, want 1", restarts)
	}
	if store.refreshes != 1 {
		t.Fatalf("audit refreshes = %d, want 1", store.refreshes)
	}
}

func TestSessionHardResetsAfterSoftFails(t *testing.T) {
	frames := `{"event":"qr","data":{"qr":"CODE-3"}}` + "\n" +
		`{"event":"status","status":"connected"}` + "\n"
	client := &fakeUpstream{bodies: []io.ReadCloser{
		silentBody(),
		silentBody(),
		io.NopCloser(strings.NewReader(frames)),
	}}
	store := &fakeStore{}
	timers := slowTimers()
	timers.SoftRestart = 20 * time.Millisecond
	timers.HardReset = 60 * time.Millisecond
	m := newTestManager(store, client, timers)

	s, err := m.StartPairing(testSpace(), &repo.Connection{ID: uuid.New()})
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	for range s.Events() {
	}
	waitDone(t, s)

	if err := s.Err(); err != nil {
		t.Fatalf("session error: %v", err)
	}
	client.mu.Lock()
	restarts, resets := client.restarts, client.resets
	client.mu.Unlock()
	if restarts != 1 || resets != 1 {
		t.Fatalf("restarts = %d resets = %d, want 1 and 1", restarts, resets)
	}
}

func TestSessionFailsOnSilentProvider(t *testing.T) {
	client := &fakeUpstream{bodies: []io.ReadCloser{silentBody()}}
	store := &fakeStore{}
	timers := slowTimers()
	timers.Watchdog = 30 * time.Millisecond
	m := newTestManager(store, client, timers)

	s, err := m.StartPairing(testSpace(), &repo.Connection{ID: uuid.New()})
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	for range s.Events() {
	}
	waitDone(t, s)

	if s.Err() == nil {
		t.Fatal("expected watchdog failure")
	}
	if !store.sawStatus(repo.StatusFailed) {
		t.Fatalf("status trail = %v", store.statuses)
	}
	if store.phase != "failed" {
		t.Fatalf("audit phase = %q", store.phase)
	}
}

func TestSessionFailsOnConflict(t *testing.T) {
	frames := `{"event":"error","message":"session already active elsewhere"}` + "\n"
	client := &fakeUpstream{bodies: []io.ReadCloser{io.NopCloser(strings.NewReader(frames))}}
	store := &fakeStore{}
	m := newTestManager(store, client, slowTimers())

	s, err := m.StartPairing(testSpace(), &repo.Connection{ID: uuid.New()})
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	for range s.Events() {
	}
	waitDone(t, s)

	if s.Err() == nil {
		t.Fatal("expected conflict failure")
	}
	if !store.sawStatus(repo.StatusFailed) {
		t.Fatalf("status trail = %v", store.statuses)
	}
}

func TestManagerRejectsSecondSession(t *testing.T) {
	client := &fakeUpstream{bodies: []io.ReadCloser{silentBody()}}
	store := &fakeStore{}
	m := newTestManager(store, client, slowTimers())

	conn := &repo.Connection{ID: uuid.New()}
	space := testSpace()
	s, err := m.StartPairing(space, conn)
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	if _, err := m.StartPairing(space, conn); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start = %v, want ErrAlreadyRunning", err)
	}

	m.Stop(conn.ID)
	waitDone(t, s)

	// Once the first session is gone a new one may start.
	client.mu.Lock()
	client.bodies = append(client.bodies, silentBody())
	client.mu.Unlock()
	s2, err := m.StartPairing(space, conn)
	if err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	m.Stop(conn.ID)
	waitDone(t, s2)
}
