// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package usage

import (
	"errors"
	"fmt"
)

// ErrInvalidUsageRecord is returned when a record carries negative counts.
var ErrInvalidUsageRecord = errors.New("invalid usage record")

// =============================================================================
// RATES
// =============================================================================

// Rates is the price of 1,000 tokens in dollars.
type Rates struct {
	InputPer1K  float64 `toml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `toml:"output_per_1k" json:"output_per_1k"`
}

// DefaultRates returns Claude Sonnet list pricing.
func DefaultRates() Rates {
	return Rates{
		InputPer1K:  0.003,
		OutputPer1K: 0.015,
	}
}

// Cost returns the dollar cost of the given token counts.
func (r Rates) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000.0*r.InputPer1K +
		float64(completionTokens)/1000.0*r.OutputPer1K
}

// =============================================================================
// TOTALS
// =============================================================================

// Totals tracks cumulative token counts and the derived cost.
type Totals struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// Tokens returns prompt plus completion tokens.
func (t Totals) Tokens() int {
	return t.PromptTokens + t.CompletionTokens
}

// IsZero reports whether nothing has been recorded.
func (t Totals) IsZero() bool {
	return t.PromptTokens == 0 && t.CompletionTokens == 0 && t.Cost == 0
}

// String formats the totals for status lines.
func (t Totals) String() string {
	return fmt.Sprintf("%d in / %d out ($%.4f)", t.PromptTokens, t.CompletionTokens, t.Cost)
}

// =============================================================================
// ACCOUNTING
// =============================================================================

// Record adds one call's usage to totals. Negative counts or rates are
// rejected and totals come back unchanged, so callers can apply the result
// unconditionally.
func Record(totals Totals, promptTokens, completionTokens int, rates Rates) (Totals, error) {
	if promptTokens < 0 || completionTokens < 0 {
		return totals, fmt.Errorf("%w: prompt=%d completion=%d",
			ErrInvalidUsageRecord, promptTokens, completionTokens)
	}
	if rates.InputPer1K < 0 || rates.OutputPer1K < 0 {
		return totals, fmt.Errorf("%w: negative rate", ErrInvalidUsageRecord)
	}

	return Totals{
		PromptTokens:     totals.PromptTokens + promptTokens,
		CompletionTokens: totals.CompletionTokens + completionTokens,
		Cost:             totals.Cost + rates.Cost(promptTokens, completionTokens),
	}, nil
}

// Aggregate sums any number of totals.
func Aggregate(all ...Totals) Totals {
	var sum Totals
	for _, t := range all {
		sum.PromptTokens += t.PromptTokens
		sum.CompletionTokens += t.CompletionTokens
		sum.Cost += t.Cost
	}
	return sum
}

// Reset returns zero totals. It is the only way totals decrease.
func Reset() Totals {
	return Totals{}
}

// =============================================================================
// PENDING RECORDS
// =============================================================================

// Entry is a single call's usage, held until the owning operation commits.
type Entry struct {
	PromptTokens     int
	CompletionTokens int
}

// Add merges another call into the entry.
func (e Entry) Add(promptTokens, completionTokens int) Entry {
	return Entry{
		PromptTokens:     e.PromptTokens + promptTokens,
		CompletionTokens: e.CompletionTokens + completionTokens,
	}
}

// Apply records the entry against totals.
func (e Entry) Apply(totals Totals, rates Rates) (Totals, error) {
	return Record(totals, e.PromptTokens, e.CompletionTokens, rates)
}
