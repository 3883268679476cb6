// ABOUTME: Relay HTTP handler for POST /chat and its compatibility path
// ABOUTME: Degraded replies carry "degraded": true and the X-Relay-Mode header

package gateway

import (
	"net/http"

	"github.com/2389/consult-gateway/internal/auth"
	"github.com/2389/consult-gateway/internal/relay"
)

const (
	relayModeHeader  = "X-Relay-Mode"
	relayModeDegrade = "degraded"
	// relayErrorDetails is the details value when an error has no upstream detail
	relayErrorDetails = "Error processing chat request"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

type chatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Degraded  bool   `json:"degraded,omitempty"`
	// PersistWarning is set when the reply was returned but not stored
	PersistWarning string `json:"persist_warning,omitempty"`
}

// handleChat relays one message. The bearer is checked before the body, so a
// missing header is a 401 even when the body is malformed.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.ExtractBearerToken(r.Header.Get("Authorization")); err != nil {
		writeError(w, err, relayErrorDetails)
		return
	}

	var req chatRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err, relayErrorDetails)
		return
	}

	out, err := g.relay.SendMessage(r.Context(), &relay.Input{
		Message:       req.Message,
		SessionID:     req.SessionID,
		MessageID:     req.MessageID,
		Authorization: r.Header.Get("Authorization"),
	})
	if err != nil {
		writeError(w, err, relayErrorDetails)
		return
	}

	resp := chatResponse{
		Response:  out.Response,
		SessionID: out.SessionID,
		Degraded:  out.Degraded,
	}
	if out.PersistErr != nil {
		resp.PersistWarning = "reply was not saved"
	}
	if out.Degraded {
		w.Header().Set(relayModeHeader, relayModeDegrade)
	}
	writeJSON(w, http.StatusOK, resp)
}
