// Package compact reduces a conversation history to fit a token budget.
//
// Three strategies are available. All are deterministic, preserve the
// original order of kept turns, and prefer newer turns when two fit equally
// well (the walk is newest-to-oldest, so the newer turn is admitted first).
package compact

import (
	"fmt"
	"slices"
	"strings"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/pkg/tokens"
	"github.com/openbotx/openbotx/pkg/types"
)

// Result describes one compaction run.
type Result struct {
	// KeptTurns are the retained turns, in original order. The adaptive and
	// truncate strategies may keep a non-contiguous subset; progressive always
	// keeps a suffix.
	KeptTurns []types.Turn

	// Summary is the conversation summary to carry forward. For the
	// progressive strategy with SummaryUpdated set, it is a raw aggregate of
	// the evicted turns that still needs a model pass.
	Summary string

	// TokensBefore and TokensAfter are estimates over turn contents plus the
	// summary.
	TokensBefore int
	TokensAfter  int

	// TurnsRemoved counts evicted turns.
	TurnsRemoved int

	// SummaryUpdated is true when Summary was rebuilt from evicted turns and
	// requires summarization by the caller.
	SummaryUpdated bool
}

// Options carries the per-invocation knobs.
type Options struct {
	// Strategy selects the reduction algorithm.
	Strategy config.CompactionStrategy

	// Budget is the token allowance for kept turns plus summary.
	Budget int

	// Summary is the existing conversation summary, if any.
	Summary string

	// MinMessagesToKeep is the adaptive-strategy floor.
	MinMessagesToKeep int
}

// recentShare is the fraction of the budget granted to recent turns by the
// progressive strategy; the rest is notional headroom for the refreshed
// summary.
const recentShare = 0.7

// Compact applies the selected strategy to turns and returns the result.
// The input slice is never modified.
func Compact(turns []types.Turn, opts Options) Result {
	switch opts.Strategy {
	case config.CompactProgressive:
		return progressive(turns, opts)
	case config.CompactTruncate:
		return fit(turns, opts, 0)
	default:
		return fit(turns, opts, opts.MinMessagesToKeep)
	}
}

// fit implements the adaptive and truncate strategies. Turns are considered
// newest-first; every turn that still fits the remaining budget (after
// reserving room for the unchanged summary) is kept, so an oversized turn in
// the middle is dropped without evicting the older turns around it. When
// floor > 0 and fewer turns fit, the last floor turns are kept regardless of
// budget.
func fit(turns []types.Turn, opts Options, floor int) Result {
	summaryTokens := tokens.Estimate(opts.Summary)
	res := Result{
		Summary:      opts.Summary,
		TokensBefore: totalTokens(turns) + summaryTokens,
	}

	available := opts.Budget - summaryTokens
	kept := make([]types.Turn, 0, len(turns))
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		cost := tokens.Estimate(turns[i].Content)
		if used+cost > available {
			continue
		}
		used += cost
		kept = append(kept, turns[i])
	}
	slices.Reverse(kept)

	if len(kept) < floor {
		n := min(floor, len(turns))
		kept = clone(turns[len(turns)-n:])
	}

	res.KeptTurns = kept
	res.TurnsRemoved = len(turns) - len(kept)
	res.TokensAfter = totalTokens(kept) + summaryTokens
	return res
}

// progressive keeps the newest turns within 70% of the budget and folds
// everything older into a summarizer-ready aggregate.
func progressive(turns []types.Turn, opts Options) Result {
	res := Result{
		Summary:      opts.Summary,
		TokensBefore: totalTokens(turns) + tokens.Estimate(opts.Summary),
	}

	available := int(float64(opts.Budget) * recentShare)
	kept := 0
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		cost := tokens.Estimate(turns[i].Content)
		if used+cost > available {
			break
		}
		used += cost
		kept++
	}

	evicted := turns[:len(turns)-kept]
	res.KeptTurns = clone(turns[len(turns)-kept:])
	res.TurnsRemoved = len(evicted)
	if len(evicted) > 0 {
		res.Summary = prepareSummary(opts.Summary, evicted)
		res.SummaryUpdated = true
	}
	res.TokensAfter = totalTokens(res.KeptTurns) + tokens.Estimate(res.Summary)
	return res
}

// prepareSummary concatenates the existing summary and the evicted turns
// into the text handed to the summarizer model.
func prepareSummary(existing string, evicted []types.Turn) string {
	var b strings.Builder
	if existing != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(existing)
		b.WriteString("\n\n")
	}
	b.WriteString("Older conversation turns:\n")
	for _, t := range evicted {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return b.String()
}

func totalTokens(turns []types.Turn) int {
	sum := 0
	for _, t := range turns {
		sum += tokens.Estimate(t.Content)
	}
	return sum
}

func clone(turns []types.Turn) []types.Turn {
	out := make([]types.Turn, len(turns))
	copy(out, turns)
	return out
}
