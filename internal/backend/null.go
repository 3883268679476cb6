// ABOUTME: Degraded backend used when no completion endpoint is configured
// ABOUTME: Echoes the input deterministically and marks the reply synthetic

package backend

import "context"

// EchoPrefix starts every degraded reply.
const EchoPrefix = "Echo: "

// NullBackend answers without any network call.
type NullBackend struct{}

// NewNullBackend creates a degraded backend.
func NewNullBackend() *NullBackend {
	return &NullBackend{}
}

// Complete returns "Echo: <message>".
func (NullBackend) Complete(ctx context.Context, req *Request) (*Reply, error) {
	return &Reply{
		Response:  EchoPrefix + req.Message,
		SessionID: req.SessionID,
		Synthetic: true,
	}, nil
}
