package rating

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stevemoraco/Kull-sub004/internal/config"
	"github.com/stevemoraco/Kull-sub004/internal/providers"
)

// NewClientsFromConfig builds a client for every catalog provider whose vendor
// has an API key configured. Providers without a client are rejected at submission.
func NewClientsFromConfig(ctx context.Context, cfg config.ProvidersConfig, log zerolog.Logger) (*Clients, error) {
	clients := NewClients()

	var gemini *Gemini
	if cfg.Gemini.APIKey != "" {
		g, err := NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.BaseURL)
		if err != nil {
			return nil, err
		}
		gemini = g
	}

	for _, p := range providers.All() {
		switch p.Vendor {
		case providers.VendorOpenAI:
			if cfg.OpenAI.APIKey == "" {
				continue
			}
			clients.RegisterRater(p.ID, NewOpenAIRater(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL))
			clients.RegisterBatchRater(p.ID, NewOpenAIBatcher(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL))
		case providers.VendorAnthropic:
			if cfg.Anthropic.APIKey == "" {
				continue
			}
			clients.RegisterRater(p.ID, NewOpenAIRater(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL))
			clients.RegisterBatchRater(p.ID, NewAnthropicBatcher(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL))
		case providers.VendorGoogle:
			if gemini == nil {
				continue
			}
			clients.RegisterRater(p.ID, gemini)
			clients.RegisterBatchRater(p.ID, gemini)
			clients.RequireInlineData(p.ID)
		case providers.VendorXAI:
			if cfg.XAI.APIKey == "" {
				continue
			}
			clients.RegisterRater(p.ID, NewOpenAIRater(cfg.XAI.APIKey, cfg.XAI.BaseURL))
		case providers.VendorGroq:
			if cfg.Groq.APIKey == "" {
				continue
			}
			clients.RegisterRater(p.ID, NewOpenAIRater(cfg.Groq.APIKey, cfg.Groq.BaseURL))
		default:
			// on-device providers run in the companion app
			continue
		}
		log.Debug().Str("provider_id", string(p.ID)).Msg("provider client registered")
	}

	return clients, nil
}
