// Package usage attributes model token spend to projects. Each turn opens an
// accounting session with three scopes (cached prompt, prompt, completion)
// that hold a conservative reservation until real counts are observed.
package usage

import (
	"fmt"
	"math"
	"strings"
)

// Kind names an accounting scope.
type Kind string

const (
	KindCached     Kind = "cached"
	KindPrompt     Kind = "prompt"
	KindCompletion Kind = "completion"
)

// Kinds lists every scope in the order sessions open them.
var Kinds = []Kind{KindCached, KindPrompt, KindCompletion}

// Basis tells whether a charge comes from observed counts or a reservation.
type Basis string

const (
	BasisReserved Basis = "reserved"
	BasisObserved Basis = "observed"
)

// Cost is the USD price per token for each scope.
type Cost struct {
	Cached     float64 `json:"cached" yaml:"cached"`
	Prompt     float64 `json:"prompt" yaml:"prompt"`
	Completion float64 `json:"completion" yaml:"completion"`
}

// PerToken returns the price for one token of kind.
func (c Cost) PerToken(kind Kind) float64 {
	switch kind {
	case KindCached:
		return c.Cached
	case KindPrompt:
		return c.Prompt
	case KindCompletion:
		return c.Completion
	default:
		return 0
	}
}

// CostTable maps model names to prices. The "default" entry applies to
// models without their own.
type CostTable map[string]Cost

// DefaultModel is the CostTable fallback key.
const DefaultModel = "default"

// Lookup returns the price for model.
func (t CostTable) Lookup(model string) Cost {
	if c, ok := t[model]; ok {
		return c
	}
	return t[DefaultModel]
}

// reservationEpsilon absorbs float error so that an exact budget such as
// 0.01 / 0.00001 buys 1000 tokens, not 999.
const reservationEpsilon = 1e-6

// CompletionReservation is the number of completion tokens that maxSpend
// buys for model. It is 0 when either value is unset.
func (t CostTable) CompletionReservation(model string, maxSpend float64) int {
	perToken := t.Lookup(model).Completion
	if maxSpend <= 0 || perToken <= 0 {
		return 0
	}
	return int(math.Floor(maxSpend/perToken + reservationEpsilon))
}

// EstimatePromptTokens approximates the token count of text at four
// characters per token, rounding up.
func EstimatePromptTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

// FormatTokenCount formats a token count with K/M suffixes.
func FormatTokenCount(count int64) string {
	switch {
	case count >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(count)/1_000_000)
	case count >= 1_000:
		return fmt.Sprintf("%.1fK", float64(count)/1_000)
	default:
		return fmt.Sprintf("%d", count)
	}
}

// FormatUSD formats a dollar amount, keeping sub-cent precision.
func FormatUSD(amount float64) string {
	switch {
	case amount == 0:
		return "$0.00"
	case amount < 0.01:
		return fmt.Sprintf("$%.4f", amount)
	default:
		return fmt.Sprintf("$%.2f", amount)
	}
}

// FormatTotals renders per-scope token totals, e.g. "cached=1.2K prompt=300 completion=42".
func FormatTotals(totals map[Kind]int64) string {
	parts := make([]string, 0, len(Kinds))
	for _, k := range Kinds {
		parts = append(parts, string(k)+"="+FormatTokenCount(totals[k]))
	}
	return strings.Join(parts, " ")
}
