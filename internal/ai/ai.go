// Package ai generates card explanations through OpenAI-compatible chat
// completion endpoints.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/conorfennell/flowcards/internal/domain"
)

const systemPrompt = "You are a medical board-review tutor. Explain the " +
	"flashcard concisely: why the answer is correct, the key mechanism or " +
	"distinction being tested, and one memorable hook. Plain text only."

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Sanitize strips card markup down to the plain text a prompt needs:
// HTML tags, field separators and entity spaces removed, whitespace
// collapsed.
func Sanitize(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "\x1f", " ")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	return strings.Join(strings.Fields(s), " ")
}

// Client calls one chat-completion endpoint resolved from settings.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: 60 * time.Second}}
}

// endpoint resolves the provider's URL, API key and model. Custom
// endpoints are normalized so users can paste a base URL or the full
// completions path.
func endpoint(settings domain.Settings) (url, key, model string, err error) {
	switch settings.Provider {
	case domain.ProviderOpenAI:
		return "https://api.openai.com/v1/chat/completions", settings.APIKeys.OpenAI, settings.Model, nil
	case domain.ProviderPerplexity:
		return "https://api.perplexity.ai/chat/completions", settings.APIKeys.Perplexity, settings.Model, nil
	case domain.ProviderCustom:
		url = strings.TrimRight(settings.CustomEndpoint, "/")
		if url == "" {
			return "", "", "", fmt.Errorf("custom provider selected but no endpoint configured")
		}
		if !strings.HasSuffix(url, "/chat/completions") {
			url += "/chat/completions"
		}
		return url, settings.APIKeys.Custom, settings.CustomModel, nil
	default:
		return "", "", "", fmt.Errorf("unknown AI provider %q", settings.Provider)
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Explain asks the configured provider to explain one card.
func (c *Client) Explain(ctx context.Context, front, back string, settings domain.Settings) (string, error) {
	url, key, model, err := endpoint(settings)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("no API key configured for provider %q; add one in settings", settings.Provider)
	}

	payload, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Front: %s\nBack: %s", Sanitize(front), Sanitize(back))},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode explain request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build explain request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach AI provider: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read AI response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("AI provider returned an unreadable response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil && parsed.Error.Message != "" {
			return "", fmt.Errorf("AI provider rejected the request: %s", parsed.Error.Message)
		}
		return "", fmt.Errorf("AI provider returned status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("AI provider returned no completion")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
