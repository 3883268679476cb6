// ABOUTME: Token exchange: trades an identity credential for a session-scoped backend credential
// ABOUTME: HTTPClient calls a remote auth endpoint; LocalIssuer mints in-process with the auth package

package tokenexchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/consult-gateway/internal/apierr"
	"github.com/2389/consult-gateway/internal/auth"
)

// ScopedCredential is the backend credential plus issuance metadata.
type ScopedCredential struct {
	Token     string
	TokenType string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Exchanger trades an identity token for a scoped credential. Every failure
// is an *apierr.Error of KindAuthExchange.
type Exchanger interface {
	Exchange(ctx context.Context, identityToken, sessionID string) (*ScopedCredential, error)
}

const (
	defaultTimeout = 10 * time.Second
	// maxErrorSnippet bounds how much of an unreadable upstream body is kept
	maxErrorSnippet = 200
)

// HTTPClient implements Exchanger against a remote exchange endpoint.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	now        func() time.Time
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) { c.httpClient = &http.Client{Timeout: d} }
}

// NewHTTPClient creates an exchanger that POSTs to endpoint.
func NewHTTPClient(endpoint string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type exchangeRequest struct {
	SupabaseToken string `json:"supabase_token"`
	SessionID     string `json:"session_id,omitempty"`
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`

	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
	Detail           string `json:"detail"`
}

// Exchange posts the identity token and returns the scoped credential.
func (c *HTTPClient) Exchange(ctx context.Context, identityToken, sessionID string) (*ScopedCredential, error) {
	body, err := json.Marshal(exchangeRequest{SupabaseToken: identityToken, SessionID: sessionID})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAuthExchange, err, "encoding exchange request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAuthExchange, err, "building exchange request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	issued := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAuthExchange, err, "token exchange unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAuthExchange, err, "reading exchange response").WithStatus(resp.StatusCode)
	}

	var decoded exchangeResponse
	decodeErr := json.Unmarshal(raw, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, exchangeFailure(resp.StatusCode, raw, decoded, decodeErr)
	}
	if decodeErr != nil {
		return nil, apierr.New(apierr.KindAuthExchange, "token exchange returned an unreadable body").
			WithStatus(resp.StatusCode).
			WithDetail(snippet(raw))
	}
	if decoded.Error != "" {
		return nil, exchangeFailure(resp.StatusCode, raw, decoded, nil)
	}
	if decoded.AccessToken == "" {
		return nil, apierr.New(apierr.KindAuthExchange, "token exchange returned no access token").
			WithStatus(resp.StatusCode)
	}

	cred := &ScopedCredential{
		Token:     decoded.AccessToken,
		TokenType: decoded.TokenType,
		SessionID: sessionID,
		IssuedAt:  issued,
	}
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
	if decoded.ExpiresIn > 0 {
		cred.ExpiresAt = issued.Add(time.Duration(decoded.ExpiresIn) * time.Second)
	}
	return cred, nil
}

// exchangeFailure keeps the upstream's own words when it gave any.
func exchangeFailure(status int, raw []byte, decoded exchangeResponse, decodeErr error) *apierr.Error {
	e := apierr.New(apierr.KindAuthExchange, fmt.Sprintf("token exchange rejected (HTTP %d)", status)).WithStatus(status)
	if decodeErr != nil {
		return e.WithDetail(snippet(raw))
	}

	msg := firstNonEmpty(decoded.Error, decoded.Message)
	detail := firstNonEmpty(decoded.ErrorDescription, decoded.Detail)
	if msg != "" {
		e.Message = msg
	}
	e.Detail = detail
	return e
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorSnippet {
		n := maxErrorSnippet
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return s
}

// LocalIssuer verifies the identity token and mints the scoped credential
// in-process, for deployments without a separate auth service.
type LocalIssuer struct {
	identity *auth.JWTVerifier
	scoped   *auth.JWTVerifier
	ttl      time.Duration
}

// NewLocalIssuer creates an issuer. identity verifies caller tokens and
// scoped signs the backend credential; they may share a secret.
func NewLocalIssuer(identity, scoped *auth.JWTVerifier, ttl time.Duration) *LocalIssuer {
	return &LocalIssuer{identity: identity, scoped: scoped, ttl: ttl}
}

// Exchange implements Exchanger.
func (l *LocalIssuer) Exchange(ctx context.Context, identityToken, sessionID string) (*ScopedCredential, error) {
	if err := ctx.Err(); err != nil {
		return nil, apierr.Wrap(apierr.KindAuthExchange, err, "token exchange cancelled")
	}

	principalID, err := l.identity.Verify(identityToken)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAuthExchange, err, "identity token rejected").
			WithStatus(http.StatusUnauthorized)
	}

	token, claims, err := l.scoped.GenerateScoped(principalID, sessionID, l.ttl)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAuthExchange, err, "minting scoped token")
	}

	return &ScopedCredential{
		Token:     token,
		TokenType: "Bearer",
		SessionID: sessionID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

var (
	_ Exchanger = (*HTTPClient)(nil)
	_ Exchanger = (*LocalIssuer)(nil)
)
