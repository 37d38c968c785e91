package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Provider deployments expose the same operations under different route
// layouts depending on version and hosting mode. Each operation carries an
// ordered candidate list, most specific first; the first 2xx answer settles
// the route.
var (
	createSessionCandidates = []string{
		"/api/tenants/{tenant}/sessions",
		"/instance/create",
		"/sessions",
	}
	startSessionCandidates = []string{
		"/api/tenants/{tenant}/sessions/{id}/start",
		"/instance/connect/{id}",
		"/sessions/{id}/start",
	}
	restartCandidates = []string{
		"/api/tenants/{tenant}/sessions/{id}/restart",
		"/instance/restart/{id}",
		"/sessions/{id}/restart",
	}
	forceResetCandidates = []string{
		"/api/tenants/{tenant}/sessions/{id}/reset",
		"/instance/logout/{id}",
		"/sessions/{id}/force-reset",
	}
	disconnectCandidates = []string{
		"/api/tenants/{tenant}/sessions/{id}/disconnect",
		"/instance/disconnect/{id}",
		"/sessions/{id}/stop",
	}
	deleteSessionCandidates = []string{
		"/api/tenants/{tenant}/sessions/{id}",
		"/instance/delete/{id}",
		"/sessions/{id}",
	}
	listSessionsCandidates = []string{
		"/api/tenants/{tenant}/sessions",
		"/instance/fetchInstances",
		"/sessions",
	}
	sendTextCandidates = []string{
		"/api/tenants/{tenant}/sessions/{id}/messages",
		"/message/sendText/{id}",
		"/sessions/{id}/messages/text",
	}
	contactsCandidates = []string{
		"/api/tenants/{tenant}/sessions/{id}/contacts",
		"/chat/findContacts/{id}",
		"/sessions/{id}/contacts",
	}
	chatsCandidates = []string{
		"/api/tenants/{tenant}/sessions/{id}/chats",
		"/chat/findChats/{id}",
		"/sessions/{id}/chats",
	}
	messagesCandidates = []string{
		"/api/tenants/{tenant}/sessions/{id}/messages",
		"/chat/findMessages/{id}",
		"/sessions/{id}/messages",
	}
	pingCandidates = []string{
		"/api/tenants/{tenant}/sessions/{id}/ping",
		"/instance/connectionState/{id}",
		"/sessions/{id}/status",
	}
)

// Attempt records the outcome of one probed candidate.
type Attempt struct {
	Path   string
	Status int
	Err    error
}

// ProbeError aggregates every failed candidate of one operation so the log
// line shows the whole story instead of just the last path tried.
type ProbeError struct {
	Op       string
	Attempts []Attempt
}

func (e *ProbeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: all %d endpoints failed", e.Op, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			fmt.Fprintf(&b, "; %s: %v", a.Path, a.Err)
		} else {
			fmt.Fprintf(&b, "; %s: status %d", a.Path, a.Status)
		}
	}
	return b.String()
}

// Unwrap exposes ErrUnreachable when every attempt failed at the transport
// level, so callers can fall back to registry-only behavior.
func (e *ProbeError) Unwrap() error {
	for _, a := range e.Attempts {
		if a.Err == nil || !errors.Is(a.Err, ErrUnreachable) {
			return nil
		}
	}
	return ErrUnreachable
}

func probeVars(tenantID, connectionID uuid.UUID) map[string]string {
	return map[string]string{
		"{tenant}": tenantID.String(),
		"{id}":     connectionID.String(),
	}
}

func expandPath(template string, vars map[string]string) string {
	path := template
	for placeholder, value := range vars {
		path = strings.ReplaceAll(path, placeholder, value)
	}
	return path
}

// Probe tries each candidate path in order. Only a 2xx settles the
// operation; a 404 means "wrong route layout, try the next", and every other
// failure, transport errors included, is recorded before probing continues,
// since a broken route on one layout says nothing about the others.
// Exhaustion returns a ProbeError carrying every attempt.
func (c *Client) Probe(ctx context.Context, op, method string, candidates []string, vars map[string]string, body any) (*Envelope, error) {
	attempts := make([]Attempt, 0, len(candidates))
	for _, candidate := range candidates {
		path := expandPath(candidate, vars)
		status, env, err := c.do(ctx, op, method, path, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			attempts = append(attempts, Attempt{Path: path, Status: status, Err: err})
			continue
		}
		if status >= 300 {
			var cause error
			if env.Message != "" {
				cause = errors.New(env.Message)
			}
			attempts = append(attempts, Attempt{Path: path, Status: status, Err: cause})
			continue
		}
		if !env.Status {
			// The route answered and refused; that is the provider's final
			// word, not a layout mismatch.
			msg := env.Message
			if msg == "" {
				msg = fmt.Sprintf("status %d", status)
			}
			return env, fmt.Errorf("%s %s: upstream rejected: %s", op, path, msg)
		}
		return env, nil
	}
	return nil, &ProbeError{Op: op, Attempts: attempts}
}

// CreateSession registers the connection with the provider. The provider
// acknowledgement carries no state the registry needs; the local row stays
// the source of truth.
func (c *Client) CreateSession(ctx context.Context, tenantID, connectionID uuid.UUID, name string) error {
	payload := map[string]string{
		"id":     connectionID.String(),
		"tenant": tenantID.String(),
		"name":   name,
	}
	_, err := c.Probe(ctx, "create_session", http.MethodPost, createSessionCandidates, probeVars(tenantID, connectionID), payload)
	return err
}

// StartSession asks the provider to begin pairing for the connection.
func (c *Client) StartSession(ctx context.Context, tenantID, connectionID uuid.UUID) error {
	_, err := c.Probe(ctx, "start_session", http.MethodPost, startSessionCandidates, probeVars(tenantID, connectionID), nil)
	return err
}

// Restart asks the provider to soft-restart the session, keeping any
// half-established pairing state server-side.
func (c *Client) Restart(ctx context.Context, tenantID, connectionID uuid.UUID) error {
	_, err := c.Probe(ctx, "restart", http.MethodPost, restartCandidates, probeVars(tenantID, connectionID), nil)
	return err
}

// ForceReset tears down provider-side pairing state entirely so the next
// start begins from scratch.
func (c *Client) ForceReset(ctx context.Context, tenantID, connectionID uuid.UUID) error {
	_, err := c.Probe(ctx, "force_reset", http.MethodPost, forceResetCandidates, probeVars(tenantID, connectionID), nil)
	return err
}

// Disconnect logs the session out without deleting it.
func (c *Client) Disconnect(ctx context.Context, tenantID, connectionID uuid.UUID) error {
	_, err := c.Probe(ctx, "disconnect", http.MethodPost, disconnectCandidates, probeVars(tenantID, connectionID), nil)
	return err
}

// DeleteSession removes the session from the provider.
func (c *Client) DeleteSession(ctx context.Context, tenantID, connectionID uuid.UUID) error {
	_, err := c.Probe(ctx, "delete_session", http.MethodDelete, deleteSessionCandidates, probeVars(tenantID, connectionID), nil)
	return err
}

// ListSessions returns the provider's raw view of the tenant's sessions,
// used for reconciliation against the registry.
func (c *Client) ListSessions(ctx context.Context, tenantID uuid.UUID) (json.RawMessage, error) {
	vars := map[string]string{"{tenant}": tenantID.String()}
	env, err := c.Probe(ctx, "list_sessions", http.MethodGet, listSessionsCandidates, vars, nil)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// FetchContacts pulls the provider's contact snapshot for a connection.
func (c *Client) FetchContacts(ctx context.Context, tenantID, connectionID uuid.UUID) (json.RawMessage, error) {
	env, err := c.Probe(ctx, "fetch_contacts", http.MethodGet, contactsCandidates, probeVars(tenantID, connectionID), nil)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// FetchChats pulls the provider's chat snapshot for a connection.
func (c *Client) FetchChats(ctx context.Context, tenantID, connectionID uuid.UUID) (json.RawMessage, error) {
	env, err := c.Probe(ctx, "fetch_chats", http.MethodGet, chatsCandidates, probeVars(tenantID, connectionID), nil)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// FetchMessages pulls the provider's recent message history for a connection.
func (c *Client) FetchMessages(ctx context.Context, tenantID, connectionID uuid.UUID) (json.RawMessage, error) {
	env, err := c.Probe(ctx, "fetch_messages", http.MethodGet, messagesCandidates, probeVars(tenantID, connectionID), nil)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}
