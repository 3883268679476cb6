// ABOUTME: HTTP client for the consult relay and session history endpoints
// ABOUTME: A 200 response that carries an error field is still a failure

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/consult-gateway/internal/apierr"
)

const (
	defaultTimeout = 90 * time.Second
	// RelayPath is the relay route on the gateway
	RelayPath = "/chat"
	// DegradedHeader marks replies synthesized without a live backend
	DegradedHeader = "X-Relay-Mode"
)

// Client talks to a consult gateway over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient = &http.Client{Timeout: d} }
}

// WithToken sets the identity bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SendRequest is one relay call.
type SendRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// SendResponse is a successful relay reply.
type SendResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Degraded  bool   `json:"degraded,omitempty"`
}

// Message is one turn returned by History.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// relayEnvelope covers every body shape the relay returns.
type relayEnvelope struct {
	Response  *string         `json:"response"`
	SessionID string          `json:"session_id"`
	Degraded  bool            `json:"degraded"`
	Error     json.RawMessage `json:"error"`
	Details   string          `json:"details"`
	Code      int             `json:"code"`
	Message   string          `json:"message"`
}

// Send posts one message to the relay. Failures are *apierr.Error values; an
// error field in the body fails the call regardless of the HTTP status.
func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, RelayPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNetwork, err, "relay request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindNetwork, err, "reading relay response")
	}

	var env relayEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamProtocol, err, "relay returned a non-JSON body").
			WithStatus(resp.StatusCode).
			WithDetail(snippet(raw))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		msg := env.Message
		if msg == "" {
			msg = "unauthorized"
		}
		return nil, apierr.Unauthenticated(msg).WithStatus(resp.StatusCode)
	}

	if msg, ok := errorMessage(env.Error); ok {
		kind := apierr.KindUpstreamBusiness
		if resp.StatusCode >= 500 {
			kind = apierr.KindInternal
		} else if resp.StatusCode >= 400 {
			kind = apierr.KindInvalidRequest
		}
		return nil, apierr.New(kind, msg).WithStatus(resp.StatusCode).WithDetail(env.Details)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.Newf(apierr.KindInternal, "relay returned status %d", resp.StatusCode).
			WithStatus(resp.StatusCode).
			WithDetail(snippet(raw))
	}
	if env.Response == nil {
		return nil, apierr.New(apierr.KindUpstreamProtocol, "relay reply has no response field").
			WithStatus(resp.StatusCode)
	}

	return &SendResponse{
		Response:  *env.Response,
		SessionID: env.SessionID,
		Degraded:  env.Degraded || resp.Header.Get(DegradedHeader) == "degraded",
	}, nil
}

// History fetches the stored messages of a session in order.
func (c *Client) History(ctx context.Context, sessionID string) ([]Message, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.doJSON(httpReq, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Health checks that the gateway is up.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	return c.doJSON(httpReq, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// doJSON runs req and decodes a 2xx body into out when out is non-nil.
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindNetwork, err, "request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.Wrap(apierr.KindNetwork, err, "reading response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env relayEnvelope
		_ = json.Unmarshal(raw, &env)
		msg, ok := errorMessage(env.Error)
		if !ok {
			msg = env.Message
		}
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		kind := apierr.KindInternal
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			kind = apierr.KindUnauthenticated
		case http.StatusNotFound:
			kind = apierr.KindNotFound
		case http.StatusBadRequest:
			kind = apierr.KindInvalidRequest
		case http.StatusConflict:
			kind = apierr.KindConflict
		}
		return apierr.New(kind, msg).WithStatus(resp.StatusCode).WithDetail(env.Details)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apierr.Wrap(apierr.KindUpstreamProtocol, err, "decoding response").WithDetail(snippet(raw))
	}
	return nil
}

// errorMessage extracts the error field as either a string or {message}.
func errorMessage(raw json.RawMessage) (string, bool) {
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
	return string(raw), true
}

func snippet(raw []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		n := limit
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return s
}
