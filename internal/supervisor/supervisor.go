package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"crm-gateway/internal/cache"
	"crm-gateway/internal/metrics"
	"crm-gateway/internal/repo"
	"crm-gateway/internal/stream"
	"crm-gateway/internal/tenant"
	"crm-gateway/internal/upstream"
)

// Timers configures the pairing recovery schedule.
type Timers struct {
	// Watchdog bounds the wait for the first stream event.
	Watchdog time.Duration
	// SoftRestart fires a provider restart if no pairing code arrived yet.
	SoftRestart time.Duration
	// HardReset tears pairing state down if the soft restart did not help.
	HardReset time.Duration
	// SoftSettle and HardSettle are the delays before reopening the stream
	// after the respective recovery action.
	SoftSettle time.Duration
	HardSettle time.Duration
	// Keepalive is the ping interval while a stream is open.
	Keepalive time.Duration
}

// EventApplier receives every decoded frame of a supervised stream and makes
// it durable. Appliers handle their own error logging; a failed apply never
// stops the stream.
type EventApplier interface {
	Apply(ctx context.Context, ev stream.Event)
}

// ApplierFactory builds the applier for one connection's stream, with the
// tenant scope fixed for the lifetime of the run.
type ApplierFactory func(space tenant.Space, connectionID uuid.UUID) EventApplier

// Manager runs at most one supervision session per connection.
type Manager struct {
	store    repo.Store
	client   Upstream
	reader   *stream.Reader
	listings *cache.Listings
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timers   Timers
	appliers ApplierFactory

	mu     sync.Mutex
	active map[uuid.UUID]*Session
	wg     sync.WaitGroup
}

// Upstream is the provider surface the supervisor drives. Satisfied by
// *upstream.Client; narrowed here so session tests can fake it.
type Upstream interface {
	StartSession(ctx context.Context, tenantID, connectionID uuid.UUID) error
	Restart(ctx context.Context, tenantID, connectionID uuid.UUID) error
	ForceReset(ctx context.Context, tenantID, connectionID uuid.UUID) error
	Ping(ctx context.Context, tenantID, connectionID uuid.UUID) error
	OpenStream(ctx context.Context, kind upstream.StreamKind, tenantID, connectionID uuid.UUID) (io.ReadCloser, error)
}

// NewManager wires the supervision manager.
func NewManager(store repo.Store, client Upstream, reader *stream.Reader, listings *cache.Listings, m *metrics.Metrics, logger *slog.Logger, timers Timers, appliers ApplierFactory) *Manager {
	return &Manager{
		store:    store,
		client:   client,
		reader:   reader,
		listings: listings,
		metrics:  m,
		logger:   logger.With("component", "supervisor"),
		timers:   timers,
		appliers: appliers,
		active:   make(map[uuid.UUID]*Session),
	}
}

// StartPairing begins a supervision session for the connection. At most one
// session per connection may run; a second start while one is active returns
// ErrAlreadyRunning.
func (m *Manager) StartPairing(space tenant.Space, conn *repo.Connection) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.active[conn.ID]; running {
		return nil, fmt.Errorf("connection %s: %w", conn.ID, ErrAlreadyRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		manager:      m,
		space:        space,
		connectionID: conn.ID,
		logger:       m.logger.With("connection_id", conn.ID, "tenant_id", space.TenantID),
		applier:      m.appliers(space, conn.ID),
		timers:       newTimerSet(),
		events:       make(chan stream.Event, 64),
		done:         make(chan struct{}),
		reopen:       make(chan reopenRequest, 1),
		cancel:       cancel,
	}
	m.active[conn.ID] = s

	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(ctx)
		m.mu.Lock()
		delete(m.active, conn.ID)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ActiveSessions.Dec()
		}
		// done closes only after the slot is free, so a caller waiting on
		// Done can immediately start a fresh session.
		close(s.done)
	}()
	return s, nil
}

// Session returns the running session for a connection, if any.
func (m *Manager) Session(connectionID uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[connectionID]
	return s, ok
}

// Stop cancels the session for a connection, if one is running.
func (m *Manager) Stop(connectionID uuid.UUID) {
	m.mu.Lock()
	s, ok := m.active[connectionID]
	m.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Shutdown cancels every session and waits for them to finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, s := range m.active {
		s.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
