package gemini

import "github.com/modelgate/modelgate/pkg/provider"

// defaultModels is the built-in catalog used when the deployment config does
// not override the model list. Costs are USD per 1k tokens.
func defaultModels(providerName string) []provider.ModelDescriptor {
	return []provider.ModelDescriptor{
		{
			ID:       "gemini-2.5-pro",
			Provider: providerName,
			Type:     provider.ModelTypeCompletion,
			Capabilities: []provider.Capability{
				provider.CapCompletion, provider.CapStreaming,
				provider.CapTools, provider.CapMultimodal,
			},
			ContextWindow: 1_048_576,
			MaxTokens:     65_536,
			Costs:         &provider.CostInfo{InputCost: 0.00125, OutputCost: 0.01, Currency: "USD", Unit: "per_1k_tokens"},
		},
		{
			ID:       "gemini-2.5-flash",
			Provider: providerName,
			Type:     provider.ModelTypeCompletion,
			Capabilities: []provider.Capability{
				provider.CapCompletion, provider.CapStreaming,
				provider.CapTools, provider.CapMultimodal,
			},
			ContextWindow: 1_048_576,
			MaxTokens:     65_536,
			Costs:         &provider.CostInfo{InputCost: 0.0003, OutputCost: 0.0025, Currency: "USD", Unit: "per_1k_tokens"},
		},
		{
			ID:       "gemini-2.0-flash",
			Provider: providerName,
			Type:     provider.ModelTypeCompletion,
			Capabilities: []provider.Capability{
				provider.CapCompletion, provider.CapStreaming,
				provider.CapTools, provider.CapMultimodal,
			},
			ContextWindow: 1_048_576,
			MaxTokens:     8_192,
			Costs:         &provider.CostInfo{InputCost: 0.0001, OutputCost: 0.0004, Currency: "USD", Unit: "per_1k_tokens"},
		},
		{
			ID:           "text-embedding-004",
			Provider:     providerName,
			Type:         provider.ModelTypeEmbedding,
			Capabilities: []provider.Capability{provider.CapEmbedding},
			Dimensions:   768,
			Costs:        &provider.CostInfo{InputCost: 0.00001, Currency: "USD", Unit: "per_1k_tokens"},
		},
		{
			ID:       "gemini-2.0-flash-live-001",
			Provider: providerName,
			Type:     provider.ModelTypeTranscription,
			Capabilities: []provider.Capability{
				provider.CapTranscription, provider.CapAudio, provider.CapRealtime,
			},
			Costs: &provider.CostInfo{InputCost: 0.002, Currency: "USD", Unit: "per_minute"},
		},
	}
}
