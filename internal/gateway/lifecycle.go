// ABOUTME: Lifecycle HTTP handlers: phase snapshot, SSE event stream, completion, feedback and dismiss
// ABOUTME: Each request attaches through the lifecycle manager so dialog state lives across requests

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/consult-gateway/internal/apierr"
	"github.com/2389/consult-gateway/internal/lifecycle"
	"github.com/2389/consult-gateway/internal/store"
)

const sseKeepaliveInterval = 25 * time.Second

// lifecycleResponse is a snapshot plus, for a dismiss request, the
// confirmation step the caller must answer.
type lifecycleResponse struct {
	lifecycle.Snapshot
	ConfirmationRequired bool `json:"confirmation_required,omitempty"`
}

// acquire checks ownership and returns the session's coordinator. The caller
// must Release it.
func (g *Gateway) acquire(r *http.Request) (*lifecycle.Coordinator, error) {
	id := r.PathValue("id")
	if _, err := g.sessions.GetSession(r.Context(), principal(r), id); err != nil {
		return nil, err
	}
	return g.lifecycle.Acquire(r.Context(), id)
}

// withCoordinator runs fn against the session's coordinator and answers with
// its snapshot.
func (g *Gateway) withCoordinator(w http.ResponseWriter, r *http.Request, fn func(*lifecycle.Coordinator) (bool, error)) {
	coord, err := g.acquire(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	defer g.lifecycle.Release(coord.SessionID())

	confirm, err := fn(coord)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, lifecycleResponse{Snapshot: coord.Snapshot(), ConfirmationRequired: confirm})
}

func (g *Gateway) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	g.withCoordinator(w, r, func(*lifecycle.Coordinator) (bool, error) { return false, nil })
}

func (g *Gateway) handleRequestCompletion(w http.ResponseWriter, r *http.Request) {
	g.withCoordinator(w, r, func(c *lifecycle.Coordinator) (bool, error) {
		return false, c.RequestCompletion()
	})
}

type feedbackRequest struct {
	EmojiRating string `json:"emoji_rating"`
	ReviewText  string `json:"review_text"`
}

func (g *Gateway) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err, "")
		return
	}
	g.withCoordinator(w, r, func(c *lifecycle.Coordinator) (bool, error) {
		return false, c.SubmitFeedback(r.Context(), store.EmojiRating(req.EmojiRating), req.ReviewText)
	})
}

type dismissRequest struct {
	Action string `json:"action"`
}

// Dismiss actions
const (
	dismissRequestAction = "request"
	dismissConfirmAction = "confirm"
	dismissCancelAction  = "cancel"
)

func (g *Gateway) handleDismiss(w http.ResponseWriter, r *http.Request) {
	var req dismissRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err, "")
		return
	}

	switch req.Action {
	case dismissRequestAction, dismissConfirmAction, dismissCancelAction:
	default:
		writeError(w, apierr.Newf(apierr.KindInvalidRequest, "action must be %q, %q or %q",
			dismissRequestAction, dismissConfirmAction, dismissCancelAction), "")
		return
	}

	g.withCoordinator(w, r, func(c *lifecycle.Coordinator) (bool, error) {
		switch req.Action {
		case dismissRequestAction:
			_, err := c.DismissWithoutFeedback()
			return err == nil, err
		case dismissConfirmAction:
			return false, c.ConfirmDismiss(r.Context())
		default:
			return false, c.CancelDismiss()
		}
	})
}

// handleLifecycleEvents streams phase, finishable and finalize events as SSE.
func (g *Gateway) handleLifecycleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.New(apierr.KindInternal, "streaming not supported"), "")
		return
	}

	coord, err := g.acquire(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	defer g.lifecycle.Release(coord.SessionID())

	events, ok := g.lifecycle.Watch(r.Context(), coord.SessionID())
	if !ok {
		writeError(w, apierr.New(apierr.KindInternal, "session is not being watched"), "")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Snapshot after Watch so nothing between the two is missed
	g.writeSSEEvent(w, string(lifecycle.NotifyPhase), coord.Snapshot())
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(n.Type), n.Snapshot)
			flusher.Flush()
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
