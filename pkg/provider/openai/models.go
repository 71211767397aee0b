package openai

import "github.com/modelgate/modelgate/pkg/provider"

// knownVoices is the accepted voice set for speech synthesis.
var knownVoices = map[string]bool{
	"alloy":   true,
	"ash":     true,
	"ballad":  true,
	"coral":   true,
	"echo":    true,
	"fable":   true,
	"nova":    true,
	"onyx":    true,
	"sage":    true,
	"shimmer": true,
	"verse":   true,
}

// defaultModels is the built-in catalog used when the deployment config does
// not override the model list. Costs are USD per 1k tokens for text models,
// per minute for transcription, and per 1k characters for speech.
func defaultModels(providerName string) []provider.ModelDescriptor {
	return []provider.ModelDescriptor{
		{
			ID:       "gpt-4o",
			Provider: providerName,
			Type:     provider.ModelTypeCompletion,
			Capabilities: []provider.Capability{
				provider.CapCompletion, provider.CapStreaming,
				provider.CapTools, provider.CapMultimodal,
			},
			ContextWindow: 128_000,
			MaxTokens:     16_384,
			Costs:         &provider.CostInfo{InputCost: 0.0025, OutputCost: 0.01, Currency: "USD", Unit: "per_1k_tokens"},
		},
		{
			ID:       "gpt-4o-mini",
			Provider: providerName,
			Type:     provider.ModelTypeCompletion,
			Capabilities: []provider.Capability{
				provider.CapCompletion, provider.CapStreaming,
				provider.CapTools, provider.CapMultimodal,
			},
			ContextWindow: 128_000,
			MaxTokens:     16_384,
			Costs:         &provider.CostInfo{InputCost: 0.00015, OutputCost: 0.0006, Currency: "USD", Unit: "per_1k_tokens"},
		},
		{
			ID:       "o3-mini",
			Provider: providerName,
			Type:     provider.ModelTypeCompletion,
			Capabilities: []provider.Capability{
				provider.CapCompletion, provider.CapStreaming, provider.CapTools,
			},
			ContextWindow: 200_000,
			MaxTokens:     100_000,
			Costs:         &provider.CostInfo{InputCost: 0.0011, OutputCost: 0.0044, Currency: "USD", Unit: "per_1k_tokens"},
		},
		{
			ID:           "text-embedding-3-small",
			Provider:     providerName,
			Type:         provider.ModelTypeEmbedding,
			Capabilities: []provider.Capability{provider.CapEmbedding},
			Dimensions:   1536,
			Costs:        &provider.CostInfo{InputCost: 0.00002, Currency: "USD", Unit: "per_1k_tokens"},
		},
		{
			ID:           "text-embedding-3-large",
			Provider:     providerName,
			Type:         provider.ModelTypeEmbedding,
			Capabilities: []provider.Capability{provider.CapEmbedding},
			Dimensions:   3072,
			Costs:        &provider.CostInfo{InputCost: 0.00013, Currency: "USD", Unit: "per_1k_tokens"},
		},
		{
			ID:           "whisper-1",
			Provider:     providerName,
			Type:         provider.ModelTypeTranscription,
			Capabilities: []provider.Capability{provider.CapTranscription, provider.CapAudio},
			Costs:        &provider.CostInfo{InputCost: 0.006, Currency: "USD", Unit: "per_minute"},
		},
		{
			ID:       "gpt-4o-transcribe",
			Provider: providerName,
			Type:     provider.ModelTypeTranscription,
			Capabilities: []provider.Capability{
				provider.CapTranscription, provider.CapAudio, provider.CapRealtime,
			},
			Costs: &provider.CostInfo{InputCost: 0.006, Currency: "USD", Unit: "per_minute"},
		},
		{
			ID:       "gpt-4o-mini-transcribe",
			Provider: providerName,
			Type:     provider.ModelTypeTranscription,
			Capabilities: []provider.Capability{
				provider.CapTranscription, provider.CapAudio, provider.CapRealtime,
			},
			Costs: &provider.CostInfo{InputCost: 0.003, Currency: "USD", Unit: "per_minute"},
		},
		{
			ID:           "tts-1",
			Provider:     providerName,
			Type:         provider.ModelTypeTTS,
			Capabilities: []provider.Capability{provider.CapTTS, provider.CapAudio},
			Costs:        &provider.CostInfo{InputCost: 0.015, Currency: "USD", Unit: "per_1k_chars"},
		},
		{
			ID:           "gpt-4o-mini-tts",
			Provider:     providerName,
			Type:         provider.ModelTypeTTS,
			Capabilities: []provider.Capability{provider.CapTTS, provider.CapAudio},
			Costs:        &provider.CostInfo{InputCost: 0.012, Currency: "USD", Unit: "per_1k_chars"},
		},
	}
}
