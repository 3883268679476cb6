// ABOUTME: Session HTTP handlers: list, create, rename, history and the backend finished webhook
// ABOUTME: Sessions are always scoped to the authenticated owner

package gateway

import (
	"net/http"
	"time"

	"github.com/2389/consult-gateway/internal/apierr"
	"github.com/2389/consult-gateway/internal/lifecycle"
	"github.com/2389/consult-gateway/internal/store"
)

type sessionJSON struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Finished    bool            `json:"finished"`
	HasFeedback bool            `json:"has_feedback"`
	Phase       lifecycle.Phase `json:"phase"`
	CreatedAt   time.Time       `json:"created_at"`
}

type sessionGroupsJSON struct {
	Ongoing    []sessionJSON `json:"ongoing"`
	Finishable []sessionJSON `json:"finishable"`
	Completed  []sessionJSON `json:"completed"`
}

type messageJSON struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func toSessionJSON(s *store.Session, hasFeedback bool) sessionJSON {
	return sessionJSON{
		ID:          s.ID,
		Title:       s.Title,
		Finished:    s.Finished,
		HasFeedback: hasFeedback,
		Phase:       lifecycle.Derive(s.Finished, hasFeedback),
		CreatedAt:   s.CreatedAt,
	}
}

func toSessionList(summaries []*store.SessionSummary) []sessionJSON {
	out := make([]sessionJSON, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, toSessionJSON(&s.Session, s.HasFeedback))
	}
	return out
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	groups, err := g.sessions.ListSessions(r.Context(), principal(r))
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, sessionGroupsJSON{
		Ongoing:    toSessionList(groups.Ongoing),
		Finishable: toSessionList(groups.Finishable),
		Completed:  toSessionList(groups.Completed),
	})
}

type titleRequest struct {
	Title string `json:"title"`
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, err, "")
		return
	}

	s, err := g.sessions.CreateSession(r.Context(), principal(r), req.Title)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, toSessionJSON(s, false))
}

func (g *Gateway) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err, "")
		return
	}

	s, err := g.sessions.RenameSession(r.Context(), principal(r), r.PathValue("id"), req.Title)
	if err != nil {
		writeError(w, err, "")
		return
	}
	hasFeedback, err := g.store.HasFeedback(r.Context(), s.ID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindPersistence, err, "checking feedback"), "")
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(s, hasFeedback))
}

func (g *Gateway) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := g.sessions.History(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err, "")
		return
	}

	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			ID:        m.ID,
			SessionID: m.SessionID,
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type finishedRequest struct {
	Finished *bool `json:"finished"`
}

// handleMarkFinished is the backend's webhook for the finished flag.
func (g *Gateway) handleMarkFinished(w http.ResponseWriter, r *http.Request) {
	var req finishedRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err, "")
		return
	}
	if req.Finished == nil {
		writeError(w, apierr.New(apierr.KindInvalidRequest, "finished is required"), "")
		return
	}

	s, err := g.sessions.MarkFinished(r.Context(), r.PathValue("id"), *req.Finished)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": s.ID, "finished": s.Finished})
}
