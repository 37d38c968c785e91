package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"crm-gateway/internal/metrics"
)

// maxFrameSize bounds one NDJSON line; pairing-code images arrive as base64
// data URIs and can run to several hundred KB.
const maxFrameSize = 1 << 20

// Reader drains one provider NDJSON stream, teeing every frame in arrival
// order to a raw sink before decoding it for the typed sink. The raw sink
// sees bytes exactly as received so storage stays faithful even when
// decoding fails.
type Reader struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	keepalive time.Duration
}

// NewReader creates a stream reader. keepalive <= 0 disables the keepalive
// callback.
func NewReader(logger *slog.Logger, m *metrics.Metrics, keepalive time.Duration) *Reader {
	return &Reader{
		logger:    logger.With("component", "stream"),
		metrics:   m,
		keepalive: keepalive,
	}
}

// Run consumes the stream until ctx is cancelled or the provider closes it.
// rawSink receives every non-empty line; eventSink receives frames that
// decoded cleanly. onKeepalive, if set, fires on the keepalive interval for
// as long as the stream is open. Malformed frames are logged and dropped,
// never fatal.
func (s *Reader) Run(ctx context.Context, body io.ReadCloser, rawSink func([]byte), eventSink func(Event), onKeepalive func(context.Context)) error {
	defer body.Close()

	// Closing the body is the only way to unblock the scanner.
	watchdone := make(chan struct{})
	defer close(watchdone)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-watchdone:
		}
	}()

	if onKeepalive != nil && s.keepalive > 0 {
		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ticker.C:
					onKeepalive(ctx)
				case <-watchdone:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Copy before handing out: the scanner reuses its buffer.
		raw := append([]byte(nil), line...)
		if rawSink != nil {
			rawSink(raw)
		}

		ev, err := Decode(raw)
		if err != nil {
			if s.metrics != nil {
				s.metrics.StreamDropped.WithLabelValues("malformed").Inc()
			}
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.StreamEvents.WithLabelValues(string(ev.Kind)).Inc()
		}
		if eventSink != nil {
			eventSink(ev)
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		return fmt.Errorf("read stream: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
