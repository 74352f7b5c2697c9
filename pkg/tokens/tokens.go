// Package tokens provides deterministic token estimation and a running
// token budget.
//
// Estimation uses the 1-token-per-4-characters heuristic. English text
// averages roughly 4 characters per token across common LLM tokenizers;
// this avoids pulling in a tokenizer dependency while staying proportional
// to real prompt cost. The same input always yields the same count.
package tokens

// charsPerToken is the heuristic ratio used for token estimation.
const charsPerToken = 4

// Estimate returns a rough token count for text. Non-empty text always
// counts as at least one token.
func Estimate(text string) int {
	n := len(text) / charsPerToken
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// Budget tracks cumulative token usage against a fixed maximum with a
// reservation held back for the model's response.
//
// Budget is not safe for concurrent use; each pipeline run owns its own.
type Budget struct {
	// Max is the total token allowance.
	Max int

	// ReservedForResponse is subtracted from Max before any text is admitted.
	ReservedForResponse int

	used int
}

// NewBudget creates a Budget with the given allowance and reservation.
func NewBudget(max, reservedForResponse int) *Budget {
	return &Budget{Max: max, ReservedForResponse: reservedForResponse}
}

// Available returns the number of tokens still admissible.
func (b *Budget) Available() int {
	avail := b.Max - b.ReservedForResponse - b.used
	if avail < 0 {
		return 0
	}
	return avail
}

// Used returns the number of tokens admitted so far.
func (b *Budget) Used() int { return b.used }

// Fits reports whether text would fit in the remaining budget without
// admitting it.
func (b *Budget) Fits(text string) bool {
	return Estimate(text) <= b.Available()
}

// Add admits text into the budget. It returns false, leaving the budget
// unchanged, when the text does not fit.
func (b *Budget) Add(text string) bool {
	n := Estimate(text)
	if n > b.Available() {
		return false
	}
	b.used += n
	return true
}
