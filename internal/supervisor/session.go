package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"crm-gateway/internal/repo"
	"crm-gateway/internal/stream"
	"crm-gateway/internal/tenant"
	"crm-gateway/internal/upstream"
)

// ErrAlreadyRunning is returned when a pairing session is requested for a
// connection that already has one.
var ErrAlreadyRunning = errors.New("supervision session already running")

const (
	timerWatchdog    = "watchdog"
	timerSoftRestart = "soft_restart"
	timerHardReset   = "hard_reset"
)

type reopenRequest struct {
	hard bool
}

// Session supervises one connection's pairing run: it holds the provider
// stream open, escalates recovery when the pairing code fails to arrive, and
// persists every state transition to the registry.
type Session struct {
	manager      *Manager
	space        tenant.Space
	connectionID uuid.UUID
	logger       *slog.Logger
	applier      EventApplier
	timers       *timerSet
	events       chan stream.Event
	done         chan struct{}
	reopen       chan reopenRequest
	cancel       context.CancelFunc

	ctx context.Context

	mu            sync.Mutex
	gotEvent      bool
	codeSeen      bool
	connected     bool
	watchdogFired bool
	refreshes     int
	lastErr       error
	attemptCancel context.CancelFunc
}

// Events exposes the normalized event feed for the caller holding the
// pairing request open. The channel closes when the session ends.
func (s *Session) Events() <-chan stream.Event {
	return s.events
}

// Done closes when the session has fully stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended, nil on a clean pairing.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) run(ctx context.Context) {
	s.ctx = ctx
	defer close(s.events)
	defer s.timers.CancelAll()

	m := s.manager
	sessionID, err := m.store.StartSessionRecord(ctx, s.space, s.connectionID)
	if err != nil {
		s.logger.Warn("session audit record not created", "error", err)
	}

	if err := m.store.UpdateConnectionStatus(ctx, s.space, s.connectionID, repo.StatusConnecting); err != nil {
		s.finishFailed(sessionID, fmt.Errorf("mark connecting: %w", err))
		return
	}
	m.listings.Invalidate(ctx, s.space.TenantID)

	// Best effort: the provider may auto-start on stream open, and the local
	// registry stays the source of truth either way.
	if err := m.client.StartSession(ctx, s.space.TenantID, s.connectionID); err != nil {
		s.logger.Warn("provider start failed, continuing to stream", "error", err)
	}

	s.armTimers()

	for {
		if ctx.Err() != nil {
			s.finishCancelled(sessionID)
			return
		}

		body, err := m.client.OpenStream(ctx, upstream.StreamPairing, s.space.TenantID, s.connectionID)
		if err != nil {
			s.finishFailed(sessionID, fmt.Errorf("open pairing stream: %w", err))
			return
		}

		attemptCtx, attemptCancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.attemptCancel = attemptCancel
		s.mu.Unlock()

		runErr := m.reader.Run(attemptCtx, body, nil, s.handleEvent, s.sendKeepalive)
		attemptCancel()

		if s.isConnected() {
			s.finishConnected(sessionID)
			return
		}
		if ctx.Err() != nil {
			s.finishCancelled(sessionID)
			return
		}
		s.mu.Lock()
		fired := s.watchdogFired
		pending := s.lastErr
		s.mu.Unlock()
		if fired {
			s.finishFailed(sessionID, fmt.Errorf("no provider events within %s; force-reset the connection", m.timers.Watchdog))
			return
		}
		if pending != nil {
			s.finishFailed(sessionID, pending)
			return
		}

		select {
		case req := <-s.reopen:
			if err := s.recover(ctx, req.hard); err != nil {
				s.finishFailed(sessionID, err)
				return
			}
		default:
			// The provider closed the stream without a recovery request.
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				s.finishFailed(sessionID, fmt.Errorf("pairing stream: %w", runErr))
			} else {
				s.finishFailed(sessionID, errors.New("pairing stream closed before completion; retry the connection"))
			}
			return
		}
	}
}

// armTimers schedules the full recovery ladder once, at session start. Each
// callback re-checks progress at fire time, so a code that arrived in the
// meantime turns the timer into a no-op.
func (s *Session) armTimers() {
	t := s.manager.timers
	s.timers.Schedule(timerWatchdog, t.Watchdog, func() {
		if s.sawEvent() {
			return
		}
		s.mu.Lock()
		s.watchdogFired = true
		cancel := s.attemptCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	s.timers.Schedule(timerSoftRestart, t.SoftRestart, func() {
		s.requestReopenIfStalled(false)
	})
	s.timers.Schedule(timerHardReset, t.HardReset, func() {
		s.requestReopenIfStalled(true)
	})
}

func (s *Session) requestReopenIfStalled(hard bool) {
	s.mu.Lock()
	stalled := !s.codeSeen && !s.connected
	cancel := s.attemptCancel
	s.mu.Unlock()
	if !stalled {
		return
	}
	select {
	case s.reopen <- reopenRequest{hard: hard}:
	default:
	}
	if cancel != nil {
		cancel()
	}
}

// recover runs one recovery action and waits out the settle delay before the
// caller reopens the stream.
func (s *Session) recover(ctx context.Context, hard bool) error {
	m := s.manager

	action := "soft_restart"
	settle := m.timers.SoftSettle
	if hard {
		action = "hard_reset"
		settle = m.timers.HardSettle
	}
	if m.metrics != nil {
		m.metrics.RecoveryActions.WithLabelValues(action).Inc()
	}
	s.logger.Info("recovering stalled pairing", "action", action)

	var err error
	if hard {
		err = m.client.ForceReset(ctx, s.space.TenantID, s.connectionID)
	} else {
		err = m.client.Restart(ctx, s.space.TenantID, s.connectionID)
	}
	if err != nil {
		if errors.Is(err, upstream.ErrUnreachable) {
			return fmt.Errorf("%s: %w", action, err)
		}
		// The provider refused the action; the reopened stream will tell us
		// whether the session survived anyway.
		s.logger.Warn("recovery action rejected", "action", action, "error", err)
	}

	if hard {
		// The ladder is exhausted; give the reset one fresh watchdog window.
		s.timers.Schedule(timerWatchdog, m.timers.Watchdog, func() {
			s.requestFailure(errors.New("pairing code still missing after hard reset; delete and recreate the connection"))
		})
	}

	select {
	case <-time.After(settle):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) requestFailure(err error) {
	s.mu.Lock()
	if s.codeSeen || s.connected {
		s.mu.Unlock()
		return
	}
	if s.lastErr == nil {
		s.lastErr = err
	}
	cancel := s.attemptCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) sendKeepalive(ctx context.Context) {
	if err := s.manager.client.Ping(ctx, s.space.TenantID, s.connectionID); err != nil {
		s.logger.Debug("keepalive ping failed", "error", err)
	}
}

func (s *Session) sawEvent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gotEvent
}

func (s *Session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// handleEvent runs on the stream goroutine for every decoded frame.
func (s *Session) handleEvent(ev stream.Event) {
	m := s.manager
	ctx := s.ctx

	s.mu.Lock()
	s.gotEvent = true
	alreadyConnected := s.connected
	s.mu.Unlock()

	switch ev.Kind {
	case stream.KindPairingCode:
		// Every code event counts as a refresh: providers rotate the code
		// while the user hesitates, and the audit row records how many the
		// run went through.
		s.mu.Lock()
		s.codeSeen = true
		s.refreshes++
		s.mu.Unlock()
		if err := m.store.SetPairingPayload(ctx, s.space, s.connectionID, &ev.Code); err != nil {
			s.logger.Error("persist pairing code", "error", err)
		}
		if err := m.store.UpdateConnectionStatus(ctx, s.space, s.connectionID, repo.StatusPairing); err != nil {
			s.logger.Error("mark awaiting pairing", "error", err)
		}
		m.listings.Invalidate(ctx, s.space.TenantID)

	case stream.KindConnected:
		if alreadyConnected {
			return
		}
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		s.timers.CancelAll()
		if err := m.store.MarkConnected(ctx, s.space, s.connectionID, ev.Phone, time.Now().UTC()); err != nil {
			s.logger.Error("mark connected", "error", err)
		}
		m.listings.Invalidate(ctx, s.space.TenantID)

	case stream.KindDisconnected:
		if err := m.store.UpdateConnectionStatus(ctx, s.space, s.connectionID, repo.StatusDisconnected); err != nil {
			s.logger.Error("mark disconnected", "error", err)
		}
		if err := m.store.SetPairingPayload(ctx, s.space, s.connectionID, nil); err != nil {
			s.logger.Error("clear pairing payload", "error", err)
		}
		m.listings.Invalidate(ctx, s.space.TenantID)

	case stream.KindStatus:
		if mapped, ok := repo.StatusFromProvider(ev.Status); ok {
			if err := m.store.UpdateConnectionStatus(ctx, s.space, s.connectionID, mapped); err != nil {
				s.logger.Error("apply provider status", "status", mapped, "error", err)
			}
			m.listings.Invalidate(ctx, s.space.TenantID)
		} else {
			s.logger.Debug("ignoring unrecognized provider status", "status", ev.Status)
		}

	case stream.KindConflict:
		s.requestFailure(errors.New("session already active elsewhere; force-reset to take over"))

	case stream.KindError:
		s.logger.Warn("provider error event", "message", ev.Message)
	}

	if s.applier != nil {
		s.applier.Apply(ctx, ev)
	}
	s.emit(ev)

	if ev.Kind == stream.KindConnected {
		// Pairing is complete; tear the stream down.
		s.mu.Lock()
		cancel := s.attemptCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// emit forwards an event to the pairing subscriber without ever blocking the
// stream goroutine. A slow subscriber loses UI frames, never durable state.
func (s *Session) emit(ev stream.Event) {
	select {
	case s.events <- ev:
	default:
		if s.manager.metrics != nil {
			s.manager.metrics.StreamDropped.WithLabelValues("subscriber_slow").Inc()
		}
	}
}

func (s *Session) finishConnected(sessionID uuid.UUID) {
	s.finish(sessionID, "connected", nil)
}

func (s *Session) finishCancelled(sessionID uuid.UUID) {
	s.finish(sessionID, "cancelled", nil)
}

func (s *Session) finishFailed(sessionID uuid.UUID, cause error) {
	s.mu.Lock()
	if s.lastErr == nil {
		s.lastErr = cause
	} else {
		cause = s.lastErr
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.manager.store.UpdateConnectionStatus(ctx, s.space, s.connectionID, repo.StatusFailed); err != nil {
		s.logger.Error("mark failed", "error", err)
	}
	s.manager.listings.Invalidate(ctx, s.space.TenantID)
	if s.manager.metrics != nil {
		s.manager.metrics.Errors.WithLabelValues("supervisor").Inc()
	}
	s.logger.Error("pairing session failed", "error", cause)

	payload, _ := json.Marshal(map[string]string{"message": cause.Error()})
	s.emit(stream.Event{Kind: stream.KindError, Message: cause.Error(), Raw: payload, At: time.Now().UTC()})
	s.finish(sessionID, "failed", cause)
}

func (s *Session) finish(sessionID uuid.UUID, phase string, cause error) {
	if sessionID == uuid.Nil {
		return
	}
	s.mu.Lock()
	refreshes := s.refreshes
	s.mu.Unlock()

	var lastError *string
	if cause != nil {
		msg := cause.Error()
		lastError = &msg
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.manager.store.FinishSessionRecord(ctx, s.space, sessionID, phase, refreshes, lastError); err != nil {
		s.logger.Warn("session audit record not closed", "error", err)
	}
}
