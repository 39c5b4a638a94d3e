package models

import (
	"strings"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/pricing"
)

// namePatterns maps well-known name substrings to providers, checked in
// order. Mistral outranks llama because mixtral-derived names can contain
// both.
var namePatterns = []struct {
	substrings []string
	provider   string
}{
	{[]string{"gpt-", "davinci", "turbo", "text-"}, "openai"},
	{[]string{"claude", "opus", "sonnet", "haiku"}, "anthropic"},
	{[]string{"gemini", "palm", "bard"}, "google"},
	{[]string{"deepseek"}, "deepseek"},
	{[]string{"qwen"}, "qwen"},
	{[]string{"grok"}, "xai"},
	{[]string{"mistral", "mixtral", "codestral"}, "mistral"},
	{[]string{"llama", "codellama"}, "ollama"},
	{[]string{"command", "cohere"}, "cohere"},
	{[]string{"glm"}, "zai"},
	{[]string{"groq"}, "groq"},
}

// DetectProvider determines the provider from a model name. The models.yaml
// model_catalog is authoritative; name patterns only cover models the
// catalog does not list.
//
// All provider detection goes through this function so usage rows, rate
// control and metrics agree on provider labels.
//
// Llama models label as "ollama" (local deployment convention) even when the
// catalog lists them under "meta".
func DetectProvider(model string) string {
	if model == "" {
		return "unknown"
	}

	// Groq-hosted models are "groq" even when the underlying model is a
	// llama variant.
	ml := strings.ToLower(model)
	if strings.Contains(ml, "groq") && (!strings.Contains(ml, "llama") || strings.Contains(ml, "groq-llama")) {
		return "groq"
	}

	if provider := fromCatalog(model); provider != "" {
		if provider == "meta" && strings.Contains(ml, "llama") {
			return "ollama"
		}
		return provider
	}
	return fromPattern(ml)
}

// fromCatalog scans every tier of the model_catalog for an explicit
// provider mapping.
func fromCatalog(model string) string {
	for _, tier := range []string{"T0", "T1", "T2", "T3"} {
		if provider := pricing.GetProviderForModel(tier, model); provider != "" {
			return provider
		}
	}
	return ""
}

func fromPattern(ml string) string {
	for _, p := range namePatterns {
		for _, s := range p.substrings {
			if strings.Contains(ml, s) {
				return p.provider
			}
		}
	}
	return "unknown"
}
