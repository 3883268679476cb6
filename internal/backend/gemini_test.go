// ABOUTME: Tests for the Gemini backend prompt assembly and error classification
// ABOUTME: No network: the genai client is only exercised through its error types

package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/2389/consult-gateway/internal/apierr"
	"github.com/2389/consult-gateway/internal/store"
)

type fakeHistory struct {
	msgs []*store.Message
	err  error
}

func (f *fakeHistory) ListMessages(ctx context.Context, sessionID string) ([]*store.Message, error) {
	return f.msgs, f.err
}

func TestGeminiBackend_ContentsFromHistory(t *testing.T) {
	g := &GeminiBackend{history: &fakeHistory{msgs: []*store.Message{
		{ID: "m0", Role: store.RoleUser, Content: "Hi"},
		{ID: "a0", Role: store.RoleAssistant, Content: "Hello!"},
		{ID: "m1", Role: store.RoleUser, Content: "My knee hurts"},
	}}}

	contents, err := g.contents(t.Context(), &Request{SessionID: "s1", MessageID: "m1", Message: "My knee hurts"})
	require.NoError(t, err)
	require.Len(t, contents, 3, "the persisted current message is not repeated")
	assert.Equal(t, genai.Role(genai.RoleModel), genai.Role(contents[1].Role))
	assert.Equal(t, "My knee hurts", contents[2].Parts[0].Text)
}

func TestGeminiBackend_ContentsAppendsUnpersistedMessage(t *testing.T) {
	g := &GeminiBackend{history: &fakeHistory{msgs: []*store.Message{
		{ID: "m0", Role: store.RoleUser, Content: "Hi"},
	}}}

	contents, err := g.contents(t.Context(), &Request{SessionID: "s1", MessageID: "m1", Message: "Again"})
	require.NoError(t, err)
	require.Len(t, contents, 2)
	assert.Equal(t, "Again", contents[1].Parts[0].Text)
}

func TestGeminiBackend_ContentsWithoutHistory(t *testing.T) {
	g := &GeminiBackend{}

	contents, err := g.contents(t.Context(), &Request{SessionID: "s1", MessageID: "m1", Message: "Hello"})
	require.NoError(t, err)
	require.Len(t, contents, 1)
}

func TestGeminiBackend_HistoryError(t *testing.T) {
	g := &GeminiBackend{history: &fakeHistory{err: errors.New("db down")}}

	_, err := g.contents(t.Context(), &Request{SessionID: "s1"})
	assert.Error(t, err)
}

func TestClassifyGenAIError(t *testing.T) {
	err := classifyGenAIError(fmt.Errorf("generate: %w", genai.APIError{Code: 429, Message: "Resource exhausted", Status: "RESOURCE_EXHAUSTED"}))
	e := apierr.As(err)
	assert.Equal(t, apierr.KindUpstreamBusiness, e.Kind)
	assert.Equal(t, 429, e.Status)
	assert.Equal(t, "Resource exhausted", e.Message)

	err = classifyGenAIError(errors.New("dial tcp: connection refused"))
	assert.Equal(t, apierr.KindNetwork, apierr.KindOf(err))
}
