package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"crm-gateway/internal/metrics"
)

// ErrUnreachable indicates the provider could not be reached at all, as
// opposed to answering with an error. Callers use it to decide whether to
// fall back to registry-only operation.
var ErrUnreachable = errors.New("upstream unreachable")

// Client provides typed access to the messaging provider's HTTP API. The
// service credential is injected here and never taken from the caller.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	metrics *metrics.Metrics
}

// Config holds provider client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Envelope mirrors the provider's loose response shape. Status may arrive as
// a bool, a string, or a number depending on the endpoint that answered.
type Envelope struct {
	Status  bool
	Message string
	Code    int
	Data    json.RawMessage
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias struct {
		Status  json.RawMessage `json:"status"`
		Success json.RawMessage `json:"success"`
		Message json.RawMessage `json:"message"`
		Error   json.RawMessage `json:"error"`
		Code    json.RawMessage `json:"code"`
		Data    json.RawMessage `json:"data"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	e.Message = strings.TrimSpace(trimQuotes(a.Message))
	if e.Message == "" {
		e.Message = strings.TrimSpace(trimQuotes(a.Error))
	}
	e.Data = a.Data
	if len(e.Data) == 0 {
		// Some endpoints answer with the payload at the top level.
		e.Data = data
	}

	status := a.Status
	if len(status) == 0 {
		status = a.Success
	}
	if len(status) != 0 {
		var boolVal bool
		if err := json.Unmarshal(status, &boolVal); err == nil {
			e.Status = boolVal
		} else {
			str := strings.TrimSpace(trimQuotes(status))
			e.Status = strings.EqualFold(str, "true") || strings.EqualFold(str, "success") || str == "1"
		}
	} else {
		e.Status = len(a.Error) == 0
	}

	if len(a.Code) != 0 {
		var intVal int
		if err := json.Unmarshal(a.Code, &intVal); err == nil {
			e.Code = intVal
		} else {
			str := strings.TrimSpace(trimQuotes(a.Code))
			if parsed, err := strconv.Atoi(str); err == nil {
				e.Code = parsed
			}
		}
	}
	return nil
}

func trimQuotes(raw json.RawMessage) string {
	s := string(raw)
	s = strings.TrimPrefix(s, `"`)
	return strings.TrimSuffix(s, `"`)
}

// New creates a new provider client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "upstream"),
		baseURL: base,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// do performs one HTTP call against a concrete path. It returns the HTTP
// status alongside the decoded envelope; transport-level failures map to
// ErrUnreachable so callers can distinguish "provider said no" from
// "provider not there".
func (c *Client) do(ctx context.Context, op, method, path string, body any) (int, *Envelope, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal %s body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if c.metrics != nil {
		c.metrics.ProbeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.ProbeRequests.WithLabelValues(op, "unreachable").Inc()
		}
		return 0, nil, fmt.Errorf("%s %s: %w: %w", op, path, ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.ProbeRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s response: %w", op, err)
	}

	env := &Envelope{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, env); err != nil {
			// Non-JSON bodies are common on error pages; keep the text.
			env.Message = strings.TrimSpace(string(raw))
			env.Status = resp.StatusCode < 300
		}
	} else {
		env.Status = resp.StatusCode < 300
	}
	return resp.StatusCode, env, nil
}

// StreamKind selects which live feed to open.
type StreamKind string

const (
	StreamPairing StreamKind = "pairing"
	StreamEvents  StreamKind = "events"
)

// OpenStream opens the long-lived NDJSON stream for one connection. The
// stream endpoint authenticates via a query-parameter token plus tenant and
// connection identifiers. The returned reader has no client-side timeout;
// the caller owns its lifetime through ctx and Close.
func (c *Client) OpenStream(ctx context.Context, kind StreamKind, tenantID, connectionID uuid.UUID) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("token", c.apiKey)
	q.Set("tenant", tenantID.String())
	q.Set("connection", connectionID.String())
	q.Set("scope", string(kind))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	// A dedicated client without timeout: the stream is long-lived.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w: %w", kind, ErrUnreachable, err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("open %s stream: upstream status %d", kind, resp.StatusCode)
	}
	return resp.Body, nil
}

// SendTextResult is the provider acknowledgement for an outbound text.
type SendTextResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// SendText relays an outbound text message through the provider.
func (c *Client) SendText(ctx context.Context, tenantID, connectionID uuid.UUID, recipient, body string) (*SendTextResult, error) {
	payload := map[string]string{"to": recipient, "text": body}
	env, err := c.Probe(ctx, "send_text", http.MethodPost, sendTextCandidates, probeVars(tenantID, connectionID), payload)
	if err != nil {
		return nil, err
	}
	res := &SendTextResult{Status: "sent"}
	if len(env.Data) > 0 {
		var data map[string]any
		if err := json.Unmarshal(env.Data, &data); err == nil {
			if id, ok := data["id"].(string); ok {
				res.MessageID = id
			} else if id, ok := data["message_id"].(string); ok {
				res.MessageID = id
			}
			if st, ok := data["status"].(string); ok && st != "" {
				res.Status = st
			}
		}
	}
	return res, nil
}

// Ping is the keepalive issued while a stream is open. Failures are
// advisory; the stream itself decides liveness.
func (c *Client) Ping(ctx context.Context, tenantID, connectionID uuid.UUID) error {
	_, err := c.Probe(ctx, "ping", http.MethodGet, pingCandidates, probeVars(tenantID, connectionID), nil)
	return err
}
