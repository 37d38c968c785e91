package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"crm-gateway/internal/repo"
	"crm-gateway/internal/stream"
	"crm-gateway/internal/supervisor"
	"crm-gateway/internal/tenant"
	"crm-gateway/internal/upstream"
)

func (s *Server) space(w http.ResponseWriter, r *http.Request) (tenant.Space, bool) {
	space, ok := tenant.FromContext(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, "missing tenant scope")
	}
	return space, ok
}

func (s *Server) connectionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "connectionID"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid connection id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) lookupConnection(w http.ResponseWriter, r *http.Request, space tenant.Space, id uuid.UUID) (*repo.Connection, bool) {
	conn, err := s.store.GetConnection(r.Context(), space, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "connection not found")
		} else {
			s.logger.Error("load connection", "connection_id", id, "error", err)
			s.respondError(w, http.StatusInternalServerError, "internal error")
		}
		return nil, false
	}
	return conn, true
}

type createConnectionRequest struct {
	Name string `json:"name"`
}

// handleCreateConnection registers a new connection. The registry row is the
// source of truth; the provider registration is best effort, and an
// unreachable provider degrades to a registry-only connection instead of a
// failed request.
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	space, ok := s.space(w, r)
	if !ok {
		return
	}
	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	conn, err := s.store.CreateConnection(r.Context(), space, req.Name)
	if err != nil {
		s.logger.Error("create connection", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.listings.Invalidate(r.Context(), space.TenantID)

	if err := s.client.CreateSession(r.Context(), space.TenantID, conn.ID, conn.Name); err != nil {
		if errors.Is(err, upstream.ErrUnreachable) {
			s.logger.Warn("provider unreachable, connection registered locally only", "connection_id", conn.ID)
		} else {
			s.logger.Warn("provider session registration failed", "connection_id", conn.ID, "error", err)
		}
	}
	s.respondJSON(w, http.StatusCreated, conn)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	space, ok := s.space(w, r)
	if !ok {
		return
	}

	var cached []repo.Connection
	if s.listings.Get(r.Context(), space.TenantID, &cached) {
		s.respondJSON(w, http.StatusOK, cached)
		return
	}

	conns, err := s.store.ListConnections(r.Context(), space)
	if err != nil {
		s.logger.Error("list connections", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.listings.Put(r.Context(), space.TenantID, conns)
	s.respondJSON(w, http.StatusOK, conns)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	space, ok := s.space(w, r)
	if !ok {
		return
	}
	id, ok := s.connectionID(w, r)
	if !ok {
		return
	}
	conn, ok := s.lookupConnection(w, r, space, id)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, conn)
}

// handleConnect starts the pairing run and streams normalized events back as
// NDJSON until the connection pairs, fails, or the caller goes away. The
// supervision session itself outlives the request only long enough to settle
// terminal state.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	space, ok := s.space(w, r)
	if !ok {
		return
	}
	id, ok := s.connectionID(w, r)
	if !ok {
		return
	}
	conn, ok := s.lookupConnection(w, r, space, id)
	if !ok {
		return
	}

	session, err := s.manager.StartPairing(space, conn)
	if err != nil {
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			s.respondError(w, http.StatusConflict, "pairing already in progress")
			return
		}
		s.logger.Error("start pairing", "connection_id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			// The caller left; supervision continues on its own.
			return
		case ev, open := <-session.Events():
			if !open {
				return
			}
			if err := enc.Encode(newPairingFrame(ev)); err != nil {
				return
			}
			flusher.Flush()
			if ev.Kind == stream.KindConnected || ev.Kind == stream.KindError {
				return
			}
		}
	}
}

// pairingFrame is the NDJSON shape emitted to UI clients during pairing.
type pairingFrame struct {
	Kind        stream.Kind `json:"kind"`
	Code        string      `json:"code,omitempty"`
	CodeIsImage bool        `json:"code_is_image,omitempty"`
	Status      string      `json:"status,omitempty"`
	Phone       string      `json:"phone,omitempty"`
	Message     string      `json:"message,omitempty"`
	At          string      `json:"at"`
}

func newPairingFrame(ev stream.Event) pairingFrame {
	return pairingFrame{
		Kind:        ev.Kind,
		Code:        ev.Code,
		CodeIsImage: ev.CodeIsImage,
		Status:      ev.Status,
		Phone:       ev.Phone,
		Message:     ev.Message,
		At:          ev.At.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

type sendTextRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	space, ok := s.space(w, r)
	if !ok {
		return
	}
	id, ok := s.connectionID(w, r)
	if !ok {
		return
	}
	conn, ok := s.lookupConnection(w, r, space, id)
	if !ok {
		return
	}
	if conn.Status != repo.StatusConnected {
		s.respondError(w, http.StatusConflict, "connection is not connected")
		return
	}

	var req sendTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.To) == "" || req.Body == "" {
		s.respondError(w, http.StatusBadRequest, "to and body are required")
		return
	}

	res, err := s.client.SendText(r.Context(), space.TenantID, id, req.To, req.Body)
	if err != nil {
		s.logger.Error("send text", "connection_id", id, "error", err)
		if errors.Is(err, upstream.ErrUnreachable) {
			s.respondError(w, http.StatusBadGateway, "provider unreachable")
			return
		}
		s.respondError(w, http.StatusBadGateway, "provider rejected message")
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	space, ok := s.space(w, r)
	if !ok {
		return
	}
	id, ok := s.connectionID(w, r)
	if !ok {
		return
	}
	if _, ok := s.lookupConnection(w, r, space, id); !ok {
		return
	}
	if err := s.client.Restart(r.Context(), space.TenantID, id); err != nil {
		s.logger.Error("restart", "connection_id", id, "error", err)
		s.respondError(w, http.StatusBadGateway, "restart failed")
		return
	}
	s.listings.Invalidate(r.Context(), space.TenantID)
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

// handleForceReset tears down provider pairing state and clears the local
// pairing payload so the next connect starts from scratch.
func (s *Server) handleForceReset(w http.ResponseWriter, r *http.Request) {
	space, ok := s.space(w, r)
	if !ok {
		return
	}
	id, ok := s.connectionID(w, r)
	if !ok {
		return
	}
	if _, ok := s.lookupConnection(w, r, space, id); !ok {
		return
	}

	s.manager.Stop(id)
	if err := s.client.ForceReset(r.Context(), space.TenantID, id); err != nil {
		s.logger.Warn("provider force-reset failed", "connection_id", id, "error", err)
	}
	if err := s.store.SetPairingPayload(r.Context(), space, id, nil); err != nil {
		s.logger.Error("clear pairing payload", "connection_id", id, "error", err)
	}
	if err := s.store.UpdateConnectionStatus(r.Context(), space, id, repo.StatusDisconnected); err != nil {
		s.logger.Error("mark disconnected", "connection_id", id, "error", err)
	}
	s.listings.Invalidate(r.Context(), space.TenantID)
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "reset"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	space, ok := s.space(w, r)
	if !ok {
		return
	}
	id, ok := s.connectionID(w, r)
	if !ok {
		return
	}
	if _, ok := s.lookupConnection(w, r, space, id); !ok {
		return
	}

	s.manager.Stop(id)
	if err := s.client.Disconnect(r.Context(), space.TenantID, id); err != nil {
		s.logger.Warn("provider disconnect failed", "connection_id", id, "error", err)
	}
	if err := s.store.UpdateConnectionStatus(r.Context(), space, id, repo.StatusDisconnected); err != nil {
		s.logger.Error("mark disconnected", "connection_id", id, "error", err)
	}
	if err := s.store.SetPairingPayload(r.Context(), space, id, nil); err != nil {
		s.logger.Error("clear pairing payload", "connection_id", id, "error", err)
	}
	s.listings.Invalidate(r.Context(), space.TenantID)
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// handleDeleteConnection removes a connection everywhere. The provider
// delete is best effort; the local cascade always runs, since the registry
// is the source of truth and orphaned provider sessions age out server-side.
func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	space, ok := s.space(w, r)
	if !ok {
		return
	}
	id, ok := s.connectionID(w, r)
	if !ok {
		return
	}
	if _, ok := s.lookupConnection(w, r, space, id); !ok {
		return
	}

	s.manager.Stop(id)
	if err := s.client.DeleteSession(r.Context(), space.TenantID, id); err != nil {
		s.logger.Warn("provider delete failed, proceeding with local cascade", "connection_id", id, "error", err)
	}
	if err := s.store.DeleteConnectionCascade(r.Context(), space, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "connection not found")
			return
		}
		s.logger.Error("cascade delete", "connection_id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.listings.Invalidate(r.Context(), space.TenantID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	space, ok := s.space(w, r)
	if !ok {
		return
	}
	id, ok := s.connectionID(w, r)
	if !ok {
		return
	}
	if _, ok := s.lookupConnection(w, r, space, id); !ok {
		return
	}
	chats, err := s.store.ListChats(r.Context(), space, id)
	if err != nil {
		s.logger.Error("list chats", "connection_id", id, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, chats)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	space, ok := s.space(w, r)
	if !ok {
		return
	}
	if _, ok := s.connectionID(w, r); !ok {
		return
	}
	chatID, err := uuid.Parse(chi.URLParam(r, "chatID"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	messages, err := s.store.ListMessages(r.Context(), space, chatID, limit)
	if err != nil {
		s.logger.Error("list messages", "chat_id", chatID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.respondJSON(w, http.StatusOK, messages)
}
