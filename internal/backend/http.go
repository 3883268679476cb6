// ABOUTME: HTTP completion backend with a content policy switch and response classification
// ABOUTME: Reads the body as text first, then decides protocol, business or success

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/consult-gateway/internal/apierr"
)

// ContentPolicy decides whether the message text leaves the gateway.
type ContentPolicy int

const (
	// WithholdContent sends only session_id and message_id; the backend reads
	// the message from the shared store.
	WithholdContent ContentPolicy = iota
	// ForwardContent also sends the message text.
	ForwardContent
)

func (p ContentPolicy) String() string {
	if p == ForwardContent {
		return "forward"
	}
	return "withhold"
}

const (
	defaultTimeout  = 60 * time.Second
	maxSnippet      = 300
	maxResponseBody = 4 << 20
)

// HTTPBackend calls a completion endpoint over HTTP.
type HTTPBackend struct {
	endpoint   string
	policy     ContentPolicy
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures an HTTPBackend.
type Option func(*HTTPBackend)

// WithPolicy sets the content policy. The default is WithholdContent.
func WithPolicy(p ContentPolicy) Option {
	return func(b *HTTPBackend) { b.policy = p }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *HTTPBackend) { b.httpClient = hc }
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(b *HTTPBackend) { b.httpClient = &http.Client{Timeout: d} }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *HTTPBackend) { b.logger = l }
}

// NewHTTPBackend creates a backend that POSTs to endpoint.
func NewHTTPBackend(endpoint string, opts ...Option) *HTTPBackend {
	b := &HTTPBackend{
		endpoint:   endpoint,
		policy:     WithholdContent,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	b.logger = b.logger.With("component", "backend", "policy", b.policy.String())
	return b
}

// Policy returns the configured content policy.
func (b *HTTPBackend) Policy() ContentPolicy {
	return b.policy
}

type completionRequest struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Message   string `json:"message,omitempty"`
}

// completionResponse covers both success and error payload shapes seen upstream.
type completionResponse struct {
	Response  *string         `json:"response"`
	SessionID string          `json:"session_id"`
	Error     json.RawMessage `json:"error"`
	Message   string          `json:"message"`
	Details   string          `json:"details"`
	Detail    string          `json:"detail"`
	Status    json.RawMessage `json:"status"`
	Code      json.RawMessage `json:"code"`
}

// Complete sends the request and classifies the result.
func (b *HTTPBackend) Complete(ctx context.Context, req *Request) (*Reply, error) {
	payload := completionRequest{SessionID: req.SessionID, MessageID: req.MessageID}
	if b.policy == ForwardContent {
		payload.Message = req.Message
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	b.logger.Debug("calling backend", "session_id", req.SessionID, "message_id", req.MessageID)

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNetwork, err, "backend unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNetwork, err, "reading backend response").WithStatus(resp.StatusCode)
	}

	reply, err := classify(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
	if err != nil {
		return nil, err
	}
	if reply.SessionID == "" {
		reply.SessionID = req.SessionID
	}
	return reply, nil
}

// classify turns a raw backend response into a Reply or an *apierr.Error.
func classify(status int, contentType string, raw []byte) (*Reply, error) {
	if looksLikeMarkup(contentType, raw) {
		return nil, apierr.New(apierr.KindUpstreamProtocol, "backend returned markup instead of data").
			WithStatus(status).
			WithDetail(snippet(raw))
	}

	var decoded completionResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamProtocol, err, "backend returned an unreadable body").
			WithStatus(status).
			WithDetail(snippet(raw))
	}

	if msg, ok := payloadError(decoded.Error); ok {
		return nil, businessError(status, msg, decoded)
	}
	for _, field := range []json.RawMessage{decoded.Status, decoded.Code} {
		if code, ok := numericStatus(field); ok && code >= 400 && code != status {
			return nil, businessError(code, "", decoded)
		}
	}
	if status < 200 || status >= 300 {
		return nil, businessError(status, "", decoded)
	}

	if decoded.Response == nil {
		return nil, apierr.New(apierr.KindUpstreamProtocol, "backend reply has no response field").
			WithStatus(status).
			WithDetail(snippet(raw))
	}

	return &Reply{Response: *decoded.Response, SessionID: decoded.SessionID}, nil
}

func businessError(status int, msg string, decoded completionResponse) *apierr.Error {
	if msg == "" {
		msg = decoded.Message
	}
	detail := decoded.Details
	if detail == "" {
		detail = decoded.Detail
	}
	if msg == "" && detail != "" {
		msg, detail = detail, ""
	}
	if msg == "" {
		msg = fmt.Sprintf("backend returned HTTP %d", status)
	}
	return apierr.New(apierr.KindUpstreamBusiness, msg).WithStatus(status).WithDetail(detail)
}

// payloadError reads an error field that may be a string or an object with a
// message.
func payloadError(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message, true
	}

	if string(raw) == "false" {
		return "", false
	}
	return strings.TrimSpace(string(raw)), true
}

func numericStatus(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// looksLikeMarkup reports whether a body is an HTML/XML page rather than data.
func looksLikeMarkup(contentType string, raw []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/html") || strings.Contains(ct, "xml") {
		return true
	}
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxSnippet {
		n := maxSnippet
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return s
}
