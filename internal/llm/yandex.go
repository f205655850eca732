package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Morwran/yagpt"

	"sleep-checkin/internal/checkin"
)

// iamLifetime is how long an IAM token is reused. Yandex tokens are valid for 12h.
const iamLifetime = 10 * time.Hour

// YandexClient talks to YandexGPT. The IAM token is exchanged from the OAuth
// token at construction and refreshed once it ages past iamLifetime.
type YandexClient struct {
	ya      yagpt.YaGPTFace
	refresh func() (string, error)

	mu       sync.Mutex
	token    string
	issuedAt time.Time
	now      func() time.Time
}

func NewYandex(oauthToken, folderID string) (*YandexClient, error) {
	iam, err := yagpt.NewYaIam(oauthToken)
	if err != nil {
		return nil, checkin.Auth("yandex: init iam", err)
	}
	ya, err := yagpt.NewYagpt(folderID)
	if err != nil {
		return nil, fmt.Errorf("yandex: init yagpt: %w", err)
	}
	refresh := func() (string, error) {
		resp, err := iam.Create()
		if err != nil {
			return "", err
		}
		return resp.IamToken, nil
	}
	c := &YandexClient{ya: ya, refresh: refresh, now: time.Now}
	if _, err := c.iamToken(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *YandexClient) iamToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Sub(c.issuedAt) < iamLifetime {
		return c.token, nil
	}
	token, err := c.refresh()
	if err != nil {
		return "", checkin.Auth("yandex: create iam token", err)
	}
	if token == "" {
		return "", checkin.Auth("yandex: create iam token", errors.New("empty token"))
	}
	c.token, c.issuedAt = token, c.now()
	return c.token, nil
}

func (c *YandexClient) Generate(ctx context.Context, messages []Message) (Response, error) {
	token, err := c.iamToken()
	if err != nil {
		return Response{}, err
	}
	msgs := make([]yagpt.Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, yagpt.Message{Role: m.Role, Content: m.Content})
	}

	resp, err := c.ya.CompletionWithCtx(ctx, token, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, fmt.Errorf("yandex: completion: %w", ctx.Err())
		}
		return Response{}, checkin.Transient("yandex: completion", err)
	}
	if resp == nil || len(resp.Alternatives) == 0 {
		return Response{}, checkin.Transient("yandex: completion", errors.New("empty response"))
	}
	return Response{
		Content:     resp.Alternatives[0].Message.Content,
		Model:       yagpt.YaModelLite,
		TotalTokens: int(resp.Usage.TotalTokens),
	}, nil
}
