package provider

import "strings"

// ModelPricing holds per-million-token prices in USD.
type ModelPricing struct {
	InputPerMTok      float64
	OutputPerMTok     float64
	CacheReadPerMTok  float64
	CacheWritePerMTok float64
}

// priceTable maps provider/model prefixes to prices. Lookup matches the
// longest model prefix so dated model suffixes resolve correctly.
var priceTable = map[string]map[string]ModelPricing{
	"anthropic": {
		"claude-haiku":  {InputPerMTok: 1.00, OutputPerMTok: 5.00, CacheReadPerMTok: 0.10, CacheWritePerMTok: 1.25},
		"claude-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00, CacheReadPerMTok: 0.30, CacheWritePerMTok: 3.75},
		"claude-opus":   {InputPerMTok: 15.00, OutputPerMTok: 75.00, CacheReadPerMTok: 1.50, CacheWritePerMTok: 18.75},
	},
	"openai": {
		"gpt-4o-mini": {InputPerMTok: 0.15, OutputPerMTok: 0.60, CacheReadPerMTok: 0.075},
		"gpt-4o":      {InputPerMTok: 2.50, OutputPerMTok: 10.00, CacheReadPerMTok: 1.25},
		"o3":          {InputPerMTok: 2.00, OutputPerMTok: 8.00, CacheReadPerMTok: 0.50},
	},
}

// defaultPricing is used when a model has no table entry, so cost accounting
// degrades to a conservative estimate rather than zero.
var defaultPricing = ModelPricing{InputPerMTok: 3.00, OutputPerMTok: 15.00, CacheReadPerMTok: 0.30, CacheWritePerMTok: 3.75}

// PricingFor looks up prices for a provider/model pair.
func PricingFor(providerName, model string) ModelPricing {
	models, ok := priceTable[providerName]
	if !ok {
		return defaultPricing
	}

	bestLen := -1
	best := defaultPricing
	for prefix, pricing := range models {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = pricing
		}
	}
	return best
}

// Cost computes the USD cost of a call from normalized usage.
func Cost(providerName, model string, usage TokenUsage) float64 {
	p := PricingFor(providerName, model)
	const mtok = 1_000_000.0
	return float64(usage.InputTokens)/mtok*p.InputPerMTok +
		float64(usage.OutputTokens)/mtok*p.OutputPerMTok +
		float64(usage.CacheReadTokens)/mtok*p.CacheReadPerMTok +
		float64(usage.CacheWriteTokens)/mtok*p.CacheWritePerMTok
}
