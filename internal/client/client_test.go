// ABOUTME: Tests for the relay HTTP client against httptest servers
// ABOUTME: Covers success, degraded marker, error-on-200, 401 and non-JSON bodies

package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/consult-gateway/internal/apierr"
)

func relayServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, WithToken("identity"), WithTimeout(5*time.Second))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestSend_Success(t *testing.T) {
	t.Parallel()

	c := relayServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, RelayPath, r.URL.Path)
		assert.Equal(t, "Bearer identity", r.Header.Get("Authorization"))

		var req SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hello", req.Message)
		assert.Equal(t, "s1", req.SessionID)
		assert.Equal(t, "m1", req.MessageID)

		writeJSON(w, http.StatusOK, map[string]string{"response": "Hi there", "session_id": "s1"})
	})

	resp, err := c.Send(t.Context(), &SendRequest{Message: "Hello", SessionID: "s1", MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp.Response)
	assert.Equal(t, "s1", resp.SessionID)
	assert.False(t, resp.Degraded)
}

func TestSend_DegradedHeader(t *testing.T) {
	t.Parallel()

	c := relayServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(DegradedHeader, "degraded")
		writeJSON(w, http.StatusOK, map[string]string{"response": "Echo: Hello", "session_id": "s1"})
	})

	resp, err := c.Send(t.Context(), &SendRequest{Message: "Hello", SessionID: "s1", MessageID: "m1"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
}

func TestSend_ErrorFieldOn200(t *testing.T) {
	t.Parallel()

	c := relayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"error": "quota exceeded", "details": "try tomorrow"})
	})

	_, err := c.Send(t.Context(), &SendRequest{Message: "Hello", SessionID: "s1", MessageID: "m1"})
	require.Error(t, err)
	e := apierr.As(err)
	assert.Equal(t, apierr.KindUpstreamBusiness, e.Kind)
	assert.Equal(t, "quota exceeded", e.Message)
	assert.Equal(t, "try tomorrow", e.Detail)
}

func TestSend_ErrorObjectOn200(t *testing.T) {
	t.Parallel()

	c := relayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"response": "ignored", "error": map[string]string{"message": "policy"}})
	})

	_, err := c.Send(t.Context(), &SendRequest{Message: "Hello", SessionID: "s1", MessageID: "m1"})
	require.Error(t, err)
	assert.Equal(t, "policy", apierr.As(err).Message)
}

func TestSend_Unauthorized(t *testing.T) {
	t.Parallel()

	c := relayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": 401, "message": "Missing authorization header"})
	})

	_, err := c.Send(t.Context(), &SendRequest{Message: "Hello", SessionID: "s1", MessageID: "m1"})
	require.Error(t, err)
	assert.Equal(t, apierr.KindUnauthenticated, apierr.KindOf(err))
	assert.Equal(t, "Missing authorization header", apierr.As(err).Message)
}

func TestSend_ServerError(t *testing.T) {
	t.Parallel()

	c := relayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Backend unreachable", "details": "Error processing chat request"})
	})

	_, err := c.Send(t.Context(), &SendRequest{Message: "Hello", SessionID: "s1", MessageID: "m1"})
	require.Error(t, err)
	e := apierr.As(err)
	assert.Equal(t, http.StatusInternalServerError, e.Status)
	assert.Equal(t, "Backend unreachable", e.Message)
}

func TestSend_MarkupBody(t *testing.T) {
	t.Parallel()

	c := relayServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html><body>Bad gateway</body></html>"))
	})

	_, err := c.Send(t.Context(), &SendRequest{Message: "Hello", SessionID: "s1", MessageID: "m1"})
	require.Error(t, err)
	e := apierr.As(err)
	assert.Equal(t, apierr.KindUpstreamProtocol, e.Kind)
	assert.Contains(t, e.Detail, "<html>")
}

func TestSend_MissingResponse(t *testing.T) {
	t.Parallel()

	c := relayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"session_id": "s1"})
	})

	_, err := c.Send(t.Context(), &SendRequest{Message: "Hello", SessionID: "s1", MessageID: "m1"})
	assert.Equal(t, apierr.KindUpstreamProtocol, apierr.KindOf(err))
}

func TestSend_NetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).Send(t.Context(), &SendRequest{Message: "Hello", SessionID: "s1", MessageID: "m1"})
	assert.Equal(t, apierr.KindNetwork, apierr.KindOf(err))
}

func TestHistory(t *testing.T) {
	t.Parallel()

	c := relayServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/s1/messages", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"messages": []map[string]string{
				{"id": "m1", "session_id": "s1", "role": "user", "content": "Hello"},
				{"id": "m2", "session_id": "s1", "role": "assistant", "content": "Hi there"},
			},
		})
	})

	msgs, err := c.History(t.Context(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].Role)
}

func TestHistory_NotFound(t *testing.T) {
	t.Parallel()

	c := relayServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
	})

	_, err := c.History(t.Context(), "missing")
	assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))
}

func TestHealth(t *testing.T) {
	t.Parallel()

	c := relayServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	require.NoError(t, c.Health(t.Context()))
}

func TestSnippet_KeepsRunesWhole(t *testing.T) {
	for _, body := range []string{
		"a" + strings.Repeat("é", 200),
		strings.Repeat("日本", 200),
		"  " + strings.Repeat("🙂", 200),
	} {
		got := snippet([]byte(body))
		assert.True(t, utf8.ValidString(got), "cut inside a rune: %q", got[len(got)-4:])
		assert.LessOrEqual(t, len(got), 200)
		assert.Greater(t, len(got), 200-4)
		assert.True(t, strings.HasPrefix(strings.TrimSpace(body), got))
	}

	assert.Equal(t, "short", snippet([]byte(" short\n")))
}
