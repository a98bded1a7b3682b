package app

import (
	"fmt"
	"net/http"

	"github.com/antoniostano/narrate/internal/config"
	"github.com/antoniostano/narrate/internal/synthesis"
)

type synthesisSetup struct {
	client   synthesis.Client
	provider string
	detail   string
}

func resolveSynthesis(cfg config.Config) (synthesisSetup, error) {
	var setup synthesisSetup
	switch provider := cfg.ResolvedProvider(); provider {
	case "openai":
		c, err := synthesis.NewOpenAIClient(synthesis.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAITTSModel,
			Format:  cfg.OpenAITTSFormat,
			// Per-call deadlines come from the dispatcher; this only
			// guards against a hung connection outliving them.
			HTTPClient: &http.Client{Timeout: cfg.SynthesisTimeout + cfg.SynthesisTimeout/2},
		})
		if err != nil {
			return synthesisSetup{}, fmt.Errorf("openai synthesis init failed: %w", err)
		}
		setup = synthesisSetup{client: c, provider: provider, detail: c.String()}
	case "mock":
		setup = synthesisSetup{client: synthesis.NewMockClient(), provider: provider, detail: "mock tone generator"}
	default:
		return synthesisSetup{}, fmt.Errorf("invalid SYNTHESIS_PROVIDER: %q (expected auto|openai|mock)", cfg.SynthesisProvider)
	}

	if cfg.SynthesisRPS > 0 {
		burst := int(cfg.SynthesisRPS)
		if burst < 1 {
			burst = 1
		}
		setup.client = synthesis.NewPaced(setup.client, cfg.SynthesisRPS, burst)
		setup.detail += fmt.Sprintf(", paced at %.2f rps", cfg.SynthesisRPS)
	}
	return setup, nil
}
