// Package llm provides chat-completion clients for the providers the engine
// talks to, plus retry, routing and reply-parsing helpers.
package llm

import (
	"context"
	"time"
)

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-independent completion request.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// ResponseJSON asks the provider for a JSON object reply where supported.
	ResponseJSON bool
}

// Response is a provider-independent completion response.
type Response struct {
	Content          string
	StopReason       string
	PromptTokens     int
	CompletionTokens int
}

// Client is a non-streaming chat completion client.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// Config carries provider connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 120 * time.Second
}

// UserMessage builds a single-turn request.
func UserMessage(content string) Request {
	return Request{Messages: []Message{{Role: "user", Content: content}}}
}
