package proxy

import (
	"net/http"

	"crm-gateway/internal/ingest"
	"crm-gateway/internal/stream"
	"crm-gateway/internal/upstream"
)

// handleEvents proxies the provider's live event stream for one connection.
// Frames are forwarded to the caller byte for byte, in arrival order, while
// a decode tee feeds the ingestor so the registry stays current even when
// no UI is watching a given frame shape.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	body, err := s.client.OpenStream(r.Context(), upstream.StreamEvents, space.TenantID, id)
	if err != nil {
		s.logger.Error("open events stream", "connection_id", id, "error", err)
		s.respondError(w, http.StatusBadGateway, "provider stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	applier := ingest.New(s.store, s.logger, s.metrics, space, id, true)
	reader := stream.NewReader(s.logger, s.metrics, 0)

	rawSink := func(raw []byte) {
		if _, err := w.Write(raw); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n")); err != nil {
			return
		}
		flusher.Flush()
	}
	eventSink := func(ev stream.Event) {
		applier.Apply(r.Context(), ev)
	}

	if err := reader.Run(r.Context(), body, rawSink, eventSink, nil); err != nil && r.Context().Err() == nil {
		s.logger.Warn("events stream ended", "connection_id", id, "error", err)
	}
}
