// Package llm wraps the chat-completion providers used to phrase check-in
// questions. Provider errors are mapped onto the checkin error kinds.
package llm

import "context"

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string
	Content string
}

// Response is the first completion returned by a provider.
type Response struct {
	Content     string
	Model       string
	TotalTokens int
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (Response, error)
}

// Settings bound a single completion. Check-in questions are one sentence,
// so the defaults are small.
type Settings struct {
	MaxTokens   int
	Temperature float32
}

var DefaultSettings = Settings{MaxTokens: 80, Temperature: 0.7}
