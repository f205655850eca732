package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"sleep-checkin/internal/checkin"
)

// OpenAIOptions configure an OpenAI-compatible endpoint. Referrer and Title
// are the OpenRouter attribution headers and are optional.
type OpenAIOptions struct {
	APIKey   string
	BaseURL  string
	Model    string
	Referrer string
	Title    string
	Settings Settings
}

type OpenAIClient struct {
	client   *openai.Client
	model    string
	settings Settings
}

// attribution adds fixed headers to every request.
type attribution struct {
	next    http.RoundTripper
	headers http.Header
}

func (a attribution) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, vs := range a.headers {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	return a.next.RoundTrip(r)
}

func NewOpenAI(o OpenAIOptions) *OpenAIClient {
	cc := openai.DefaultConfig(o.APIKey)
	if o.BaseURL != "" {
		cc.BaseURL = o.BaseURL
	}
	h := http.Header{}
	if o.Referrer != "" {
		h.Set("HTTP-Referer", o.Referrer)
	}
	if o.Title != "" {
		h.Set("X-Title", o.Title)
	}
	if len(h) > 0 {
		cc.HTTPClient = &http.Client{Transport: attribution{next: http.DefaultTransport, headers: h}}
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cc), model: o.Model, settings: o.Settings}
}

func (c *OpenAIClient) Generate(ctx context.Context, messages []Message) (Response, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		MaxTokens:   c.settings.MaxTokens,
		Temperature: c.settings.Temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Response{}, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, checkin.Transient("openai: chat completion", errors.New("no choices returned"))
	}
	return Response{
		Content:     resp.Choices[0].Message.Content,
		Model:       c.model,
		TotalTokens: resp.Usage.TotalTokens,
	}, nil
}

func classifyOpenAI(err error) error {
	const op = "openai: chat completion"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return checkin.Auth(op, err)
	}
	return checkin.Transient(op, err)
}
