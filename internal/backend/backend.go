// ABOUTME: Completion backend contract shared by the HTTP, Gemini and degraded echo clients
// ABOUTME: Request carries the scoped credential; Reply marks synthetic (degraded) answers

package backend

import "context"

// Request is one completion call.
type Request struct {
	SessionID string
	MessageID string
	Message   string
	// Token is the session-scoped backend credential from the token exchange
	Token string
}

// Reply is a completed assistant turn.
type Reply struct {
	Response  string
	SessionID string
	// Synthetic is true when no real backend produced the reply
	Synthetic bool
}

// Backend produces an assistant reply. Failures are *apierr.Error values
// classified as upstream_protocol, upstream_business or network.
type Backend interface {
	Complete(ctx context.Context, req *Request) (*Reply, error)
}
