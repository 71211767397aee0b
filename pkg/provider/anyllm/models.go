package anyllm

import (
	"strings"

	"github.com/modelgate/modelgate/pkg/provider"
)

// defaultModels returns a built-in catalog for backends with stable public
// pricing. Backends without one (ollama, llamacpp, llamafile serve whatever
// the host loaded; groq and mistral rotate models too fast to pin) return
// nil and rely on WithModels from the deployment config.
func defaultModels(backendName, providerName string) []provider.ModelDescriptor {
	switch strings.ToLower(backendName) {
	case "anthropic":
		return []provider.ModelDescriptor{
			{
				ID:       "claude-sonnet-4-20250514",
				Provider: providerName,
				Type:     provider.ModelTypeCompletion,
				Capabilities: []provider.Capability{
					provider.CapCompletion, provider.CapStreaming, provider.CapTools,
				},
				ContextWindow: 200_000,
				MaxTokens:     64_000,
				Costs:         &provider.CostInfo{InputCost: 0.003, OutputCost: 0.015, Currency: "USD", Unit: "per_1k_tokens"},
			},
			{
				ID:       "claude-3-5-haiku-20241022",
				Provider: providerName,
				Type:     provider.ModelTypeCompletion,
				Capabilities: []provider.Capability{
					provider.CapCompletion, provider.CapStreaming, provider.CapTools,
				},
				ContextWindow: 200_000,
				MaxTokens:     8_192,
				Costs:         &provider.CostInfo{InputCost: 0.0008, OutputCost: 0.004, Currency: "USD", Unit: "per_1k_tokens"},
			},
		}
	case "deepseek":
		return []provider.ModelDescriptor{
			{
				ID:       "deepseek-chat",
				Provider: providerName,
				Type:     provider.ModelTypeCompletion,
				Capabilities: []provider.Capability{
					provider.CapCompletion, provider.CapStreaming, provider.CapTools,
				},
				ContextWindow: 65_536,
				MaxTokens:     8_192,
				Costs:         &provider.CostInfo{InputCost: 0.00027, OutputCost: 0.0011, Currency: "USD", Unit: "per_1k_tokens"},
			},
			{
				ID:       "deepseek-reasoner",
				Provider: providerName,
				Type:     provider.ModelTypeCompletion,
				Capabilities: []provider.Capability{
					provider.CapCompletion, provider.CapStreaming,
				},
				ContextWindow: 65_536,
				MaxTokens:     65_536,
				Costs:         &provider.CostInfo{InputCost: 0.00055, OutputCost: 0.00219, Currency: "USD", Unit: "per_1k_tokens"},
			},
		}
	default:
		return nil
	}
}
