package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/chatsync/internal/llm"
	"github.com/capitalize-ai/chatsync/internal/model"
)

const titlePrompt = "Write a short title (at most six words) for the conversation below. " +
	"Reply with the title only, without quotes or punctuation at the end."

// maxTitleContext bounds how much history is sent for titling.
const maxTitleContext = 2000

// LLMTitler asks a provider for a conversation title.
type LLMTitler struct {
	providers *llm.Registry
	provider  string
	model     string
}

// NewLLMTitler creates a titler. Empty provider and model fall back to the
// registry default and the provider's default model.
func NewLLMTitler(providers *llm.Registry, provider, model string) *LLMTitler {
	return &LLMTitler{providers: providers, provider: provider, model: model}
}

// GenerateTitle implements streaming.Titler.
func (t *LLMTitler) GenerateTitle(ctx context.Context, history []model.IncomingMessage) (string, error) {
	transcript := titleTranscript(history)
	if transcript == "" {
		return "", errors.New("no user or assistant text to title")
	}

	client, err := t.providers.Resolve(t.provider)
	if err != nil {
		return "", err
	}
	resp, err := client.Complete(ctx, &llm.CompletionRequest{
		Model:     t.model,
		System:    titlePrompt,
		Messages:  []llm.ChatMessage{{Role: string(model.RoleUser), Content: transcript}},
		MaxTokens: 32,
	})
	if err != nil {
		return "", fmt.Errorf("title completion: %w", err)
	}
	return resp.Content, nil
}

// titleTranscript renders the opening of a conversation as "role: text" lines.
func titleTranscript(history []model.IncomingMessage) string {
	var b strings.Builder
	for _, m := range history {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			continue
		}
		text := strings.TrimSpace(m.Content.PlainText())
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
		if b.Len() >= maxTitleContext {
			break
		}
	}
	out := b.String()
	if len(out) > maxTitleContext {
		out = out[:maxTitleContext]
		for !utf8.ValidString(out) {
			out = out[:len(out)-1]
		}
	}
	return strings.TrimSpace(out)
}
