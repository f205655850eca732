package llm

import (
	"fmt"
	"strings"

	"sleep-checkin/internal/config"
)

const (
	ProviderOpenAI = "openai"
	ProviderYandex = "yandex"
)

// Factory builds a Client for the provider named by INSIGHT_MODE.
type Factory struct {
	cfg      *config.Config
	settings Settings
}

func NewFactory(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg, settings: DefaultSettings}
}

func (f *Factory) CreateClient(provider string) (Client, error) {
	switch strings.ToLower(provider) {
	case ProviderOpenAI:
		return NewOpenAI(OpenAIOptions{
			APIKey:   f.cfg.OpenAIAPIKey,
			BaseURL:  f.cfg.OpenAIBaseURL,
			Model:    f.cfg.OpenAIModel,
			Referrer: f.cfg.OpenRouterReferrer,
			Title:    f.cfg.OpenRouterTitle,
			Settings: f.settings,
		}), nil
	case ProviderYandex:
		return NewYandex(f.cfg.YandexOAuthToken, f.cfg.YandexFolderID)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", provider)
	}
}
