package ledger

import "strings"

// Usage is the token-usage record reported by an agent process
type Usage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

// Empty returns true when no tokens were reported
func (u Usage) Empty() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CacheReadInputTokens == 0
}

// Rate is a model tier's price in USD per million tokens
type Rate struct {
	Input     float64
	Output    float64
	CacheRead float64
	// ColdStartCycle is the flat per-agent cycle cost assumed before any history exists
	ColdStartCycle float64
}

// Tier names a pricing tier
type Tier string

const (
	TierOpus   Tier = "opus"
	TierSonnet Tier = "sonnet"
	TierHaiku  Tier = "haiku"
)

var rates = map[Tier]Rate{
	TierOpus:   {Input: 15, Output: 75, CacheRead: 1.50, ColdStartCycle: 2.00},
	TierSonnet: {Input: 3, Output: 15, CacheRead: 0.30, ColdStartCycle: 0.50},
	TierHaiku:  {Input: 1, Output: 5, CacheRead: 0.10, ColdStartCycle: 0.10},
}

// TierFor maps a model identifier to its pricing tier. Unknown models price as sonnet.
func TierFor(model string) Tier {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "opus"):
		return TierOpus
	case strings.Contains(m, "haiku"):
		return TierHaiku
	default:
		return TierSonnet
	}
}

// RateFor returns the rate table entry for a model
func RateFor(model string) Rate {
	return rates[TierFor(model)]
}

// Cost returns the USD cost of a usage record under a model's rates
func Cost(model string, u Usage) float64 {
	r := RateFor(model)
	return (float64(u.InputTokens)*r.Input +
		float64(u.OutputTokens)*r.Output +
		float64(u.CacheReadInputTokens)*r.CacheRead) / 1_000_000
}
