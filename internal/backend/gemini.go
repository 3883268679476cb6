// ABOUTME: Completion backend that calls a Gemini model directly through google.golang.org/genai
// ABOUTME: Builds the prompt from stored history when a history source is attached

package backend

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/2389/consult-gateway/internal/apierr"
	"github.com/2389/consult-gateway/internal/store"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// HistorySource supplies prior turns for a session.
type HistorySource interface {
	ListMessages(ctx context.Context, sessionID string) ([]*store.Message, error)
}

// GeminiConfig configures a GeminiBackend.
type GeminiConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	// BaseURL overrides the API endpoint, for tests
	BaseURL string
}

// GeminiBackend forwards message content to a model, so it always behaves as
// ForwardContent.
type GeminiBackend struct {
	client  *genai.Client
	model   string
	system  string
	history HistorySource
}

// NewGeminiBackend creates the genai client. history may be nil.
func NewGeminiBackend(ctx context.Context, cfg GeminiConfig, history HistorySource) (*GeminiBackend, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}

	return &GeminiBackend{
		client:  client,
		model:   model,
		system:  cfg.SystemPrompt,
		history: history,
	}, nil
}

// Complete generates one reply.
func (g *GeminiBackend) Complete(ctx context.Context, req *Request) (*Reply, error) {
	contents, err := g.contents(ctx, req)
	if err != nil {
		return nil, err
	}

	var cfg *genai.GenerateContentConfig
	if g.system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(g.system, genai.RoleUser),
		}
	}

	res, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, classifyGenAIError(err)
	}

	text := res.Text()
	if text == "" {
		return nil, apierr.New(apierr.KindUpstreamProtocol, "model returned no text")
	}

	return &Reply{Response: text, SessionID: req.SessionID}, nil
}

// contents maps stored history onto genai roles. The current message is
// already persisted by the time the backend is called, so it is appended only
// when the history does not end with it.
func (g *GeminiBackend) contents(ctx context.Context, req *Request) ([]*genai.Content, error) {
	var contents []*genai.Content
	lastUser := ""

	if g.history != nil {
		msgs, err := g.history.ListMessages(ctx, req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("loading history: %w", err)
		}
		for _, m := range msgs {
			role := genai.Role(genai.RoleUser)
			if m.Role == store.RoleAssistant {
				role = genai.RoleModel
			}
			contents = append(contents, genai.NewContentFromText(m.Content, role))
			if m.Role == store.RoleUser {
				lastUser = m.ID
			} else {
				lastUser = ""
			}
		}
	}

	if req.MessageID == "" || lastUser != req.MessageID {
		contents = append(contents, genai.NewContentFromText(req.Message, genai.RoleUser))
	}
	return contents, nil
}

func classifyGenAIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apierr.Wrap(apierr.KindUpstreamBusiness, err, apiErr.Message).WithStatus(apiErr.Code).WithDetail(apiErr.Status)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apierr.Wrap(apierr.KindUpstreamBusiness, err, apiErrPtr.Message).WithStatus(apiErrPtr.Code).WithDetail(apiErrPtr.Status)
	}
	return apierr.Wrap(apierr.KindNetwork, err, "model unreachable")
}
