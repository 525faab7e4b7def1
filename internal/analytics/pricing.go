package analytics

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ModelPricing holds per-million-token rates in micro-dollars, so a model
// priced at $2.50 per million input tokens carries Input: 2_500_000.
type ModelPricing struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Cached    int64 `json:"cached"`
	Reasoning int64 `json:"reasoning"`
}

// PricingConfig maps model prefixes to rates, with a default fallback.
type PricingConfig struct {
	Models  map[string]ModelPricing `json:"models"`
	Default *ModelPricing           `json:"default,omitempty"`
}

// LoadPricing reads the pricing JSON file. A missing path yields an empty
// config; costs are then zero and events are still written.
func LoadPricing(path string) (*PricingConfig, error) {
	if path == "" {
		return &PricingConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PricingConfig{}, nil
		}
		return nil, fmt.Errorf("read pricing config: %w", err)
	}

	var cfg PricingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse pricing config %s: %w", path, err)
	}

	return &cfg, nil
}

// Lookup returns the pricing for a model by longest-prefix match, falling
// back to the default. Nil when neither matches.
func (c *PricingConfig) Lookup(model string) *ModelPricing {
	if c == nil {
		return nil
	}

	var best *ModelPricing
	var bestLen int
	for prefix := range c.Models {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			p := c.Models[prefix]
			best, bestLen = &p, len(prefix)
		}
	}
	if best != nil {
		return best
	}

	return c.Default
}

// Cost computes micro-dollar costs for the given usage. Cached tokens are
// priced at the cached rate and removed from the input bucket; reasoning
// tokens price at the reasoning rate on top of output.
func (c *PricingConfig) Cost(model string, usage UsageInfo) CostInfo {
	pricing := c.Lookup(model)
	if pricing == nil {
		return CostInfo{}
	}

	var cost CostInfo

	if usage.PromptTokens != nil {
		prompt := int64(*usage.PromptTokens)
		cached := int64(0)
		if usage.CachedTokens != nil {
			cached = int64(*usage.CachedTokens)
			if cached > prompt {
				cached = prompt
			}
		}
		cost.Input = (prompt - cached) * pricing.Input / 1_000_000
		cost.Cached = cached * pricing.Cached / 1_000_000
	}

	if usage.CompletionTokens != nil {
		cost.Output = int64(*usage.CompletionTokens) * pricing.Output / 1_000_000
	}
	if usage.ReasoningTokens != nil && pricing.Reasoning > 0 {
		cost.Output += int64(*usage.ReasoningTokens) * pricing.Reasoning / 1_000_000
	}

	cost.Total = cost.Input + cost.Output + cost.Cached
	return cost
}
