// Package providers constructs the concrete llm.Provider adapters named in
// configuration.
package providers

import (
	"net/http"

	"council/internal/config"
	"council/internal/llm"
	"council/internal/llm/anthropic"
	"council/internal/llm/google"
	openaillm "council/internal/llm/openai"
)

// BuildAll constructs every provider with usable credentials/endpoint
// configured, keyed by llm.Provider.Name(). Missing credentials simply skip
// that backend rather than failing startup, since a deployment may run with
// only a local model configured.
func BuildAll(cfg config.Config, httpClient *http.Client) (map[string]llm.Provider, error) {
	out := map[string]llm.Provider{}

	if cfg.Anthropic.APIKey != "" {
		out["anthropic"] = anthropic.New(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.BaseURL, httpClient)
	}
	if cfg.OpenAI.APIKey != "" {
		out["openai"] = openaillm.New(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL, httpClient)
	}
	if cfg.Google.APIKey != "" {
		gc, err := google.New(cfg.Google.APIKey, cfg.Google.Model, cfg.Google.BaseURL, httpClient)
		if err != nil {
			return nil, err
		}
		out["google"] = gc
	}
	if cfg.Local.BaseURL != "" {
		out["local"] = openaillm.New(cfg.Local.APIKey, cfg.Local.Model, cfg.Local.BaseURL, httpClient)
	}
	return out, nil
}
