// ABOUTME: HTTP routing, middleware and JSON response helpers for the gateway
// ABOUTME: Error bodies are {code, message} for 401 and {error, details} for everything else

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/consult-gateway/internal/apierr"
	"github.com/2389/consult-gateway/internal/auth"
	"github.com/2389/consult-gateway/internal/lifecycle"
)

const maxRequestBody = 1 << 20

// routes registers every HTTP route.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Relay - the handler does its own bearer check so the 401 body matches the relay contract
	mux.HandleFunc("POST /chat", g.handleChat)
	mux.HandleFunc("POST /functions/v1/chat", g.handleChat)

	identity := auth.HTTPAuthMiddleware(g.identity)
	user := func(h http.HandlerFunc) http.Handler { return identity(h) }

	mux.Handle("GET /api/sessions", user(g.handleListSessions))
	mux.Handle("POST /api/sessions", user(g.handleCreateSession))
	mux.Handle("PATCH /api/sessions/{id}", user(g.handleRenameSession))
	mux.Handle("GET /api/sessions/{id}/messages", user(g.handleSessionMessages))
	mux.Handle("GET /api/sessions/{id}/lifecycle", user(g.handleLifecycle))
	mux.Handle("GET /api/sessions/{id}/lifecycle/events", user(g.handleLifecycleEvents))
	mux.Handle("POST /api/sessions/{id}/completion", user(g.handleRequestCompletion))
	mux.Handle("POST /api/sessions/{id}/feedback", user(g.handleSubmitFeedback))
	mux.Handle("POST /api/sessions/{id}/dismiss", user(g.handleDismiss))

	// Backend webhook - scoped credential bound to the session in the path
	backendAuth := auth.ScopedAuthMiddleware(g.scoped)
	mux.Handle("POST /api/backend/sessions/{id}/finished", backendAuth(http.HandlerFunc(g.handleMarkFinished)))

	return mux
}

// withCORS adds permissive CORS headers and answers preflight requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
		h.Set("Access-Control-Expose-Headers", relayModeHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withLogging logs every request at debug level.
func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// errorBody is the non-401 error shape.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// classifyError maps lifecycle sentinels onto the apierr taxonomy.
func classifyError(err error) *apierr.Error {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrConfirmationRequired),
		errors.Is(err, lifecycle.ErrPromptUsed):
		return apierr.Wrap(apierr.KindConflict, err, err.Error())
	case errors.Is(err, lifecycle.ErrManagerClosed):
		return apierr.Wrap(apierr.KindInternal, err, "gateway is shutting down")
	}
	return apierr.As(err)
}

// writeError writes err in the gateway's error shape. defaultDetails fills
// details when the error carries none.
func writeError(w http.ResponseWriter, err error, defaultDetails string) {
	e := classifyError(err)
	if e.Kind == apierr.KindUnauthenticated {
		auth.WriteUnauthorized(w, e.Message)
		return
	}

	details := e.Detail
	if details == "" {
		details = defaultDetails
	}
	writeJSON(w, apierr.HTTPStatus(e.Kind), errorBody{Error: e.Message, Details: details})
}

// decodeJSON reads a bounded JSON body into dst. An empty body is allowed
// when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return apierr.Wrap(apierr.KindInvalidRequest, err, "Invalid JSON body").WithDetail(err.Error())
	}
	return nil
}

// principal returns the authenticated caller. Routes registered behind the
// auth middleware always have one.
func principal(r *http.Request) string {
	if a := auth.FromContext(r.Context()); a != nil {
		return a.PrincipalID
	}
	return ""
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
