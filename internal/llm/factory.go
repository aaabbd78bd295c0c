package llm

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the completer for the configured provider.
func New(cfg Config, logger *zap.Logger) (Completer, error) {
	switch cfg.Provider {
	case "", "openai":
		client, err := NewOpenAIClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "anthropic":
		client, err := NewAnthropicClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
