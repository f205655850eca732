package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sleep-checkin/internal/checkin"
	"sleep-checkin/internal/config"
)

func TestOpenAI_GenerateSendsMessagesAndHeaders(t *testing.T) {
	var gotBody map[string]any
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"What kept you up?"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`)
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIOptions{
		APIKey:   "key",
		BaseURL:  srv.URL + "/v1",
		Model:    "gpt-4o-mini",
		Referrer: "https://example.org",
		Title:    "sleep-checkin",
		Settings: DefaultSettings,
	})
	resp, err := c.Generate(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "summary"},
	})
	require.NoError(t, err)

	assert.Equal(t, "What kept you up?", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, 17, resp.TotalTokens)
	assert.Equal(t, "https://example.org", gotHeaders.Get("HTTP-Referer"))
	assert.Equal(t, "sleep-checkin", gotHeaders.Get("X-Title"))
	assert.Equal(t, "Bearer key", gotHeaders.Get("Authorization"))
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])
	assert.EqualValues(t, DefaultSettings.MaxTokens, gotBody["max_tokens"])
	msgs, _ := gotBody["messages"].([]any)
	assert.Len(t, msgs, 2)
}

func TestOpenAI_NoChoicesIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","model":"m","choices":[]}`)
	}))
	defer srv.Close()

	_, err := NewOpenAI(OpenAIOptions{APIKey: "key", BaseURL: srv.URL + "/v1", Model: "m"}).
		Generate(context.Background(), []Message{{Role: "user", Content: "x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, checkin.ErrTransient)
}

func TestOpenAI_ErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, checkin.ErrAuth},
		{http.StatusForbidden, checkin.ErrAuth},
		{http.StatusTooManyRequests, checkin.ErrTransient},
		{http.StatusInternalServerError, checkin.ErrTransient},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"invalid_request_error"}}`)
		}))
		c := NewOpenAI(OpenAIOptions{APIKey: "key", BaseURL: srv.URL + "/v1", Model: "m"})
		_, err := c.Generate(context.Background(), []Message{{Role: "user", Content: "x"}})
		srv.Close()
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}
}

func TestYandex_IAMTokenRefresh(t *testing.T) {
	now := time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC)
	calls := 0
	c := &YandexClient{
		refresh: func() (string, error) {
			calls++
			return "t" + string(rune('0'+calls)), nil
		},
		now: func() time.Time { return now },
	}

	tok, err := c.iamToken()
	require.NoError(t, err)
	assert.Equal(t, "t1", tok)
	now = now.Add(iamLifetime - time.Minute)
	tok, _ = c.iamToken()
	assert.Equal(t, "t1", tok)
	now = now.Add(2 * time.Minute)
	tok, _ = c.iamToken()
	assert.Equal(t, "t2", tok)
	assert.Equal(t, 2, calls)

	c.refresh = func() (string, error) { return "", errors.New("oauth token revoked") }
	now = now.Add(iamLifetime)
	_, err = c.iamToken()
	assert.ErrorIs(t, err, checkin.ErrAuth)
}

func TestFactory(t *testing.T) {
	f := NewFactory(&config.Config{OpenAIAPIKey: "k", OpenAIModel: "m"})
	_, err := f.CreateClient("mistral")
	require.Error(t, err)

	c, err := f.CreateClient("OpenAI")
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)
}
