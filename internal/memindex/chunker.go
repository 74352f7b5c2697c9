package memindex

import (
	"strings"

	"github.com/openbotx/openbotx/pkg/tokens"
)

// Chunk is one line-bounded slice of an indexed document. StartLine and
// EndLine are 1-based and inclusive.
type Chunk struct {
	Text      string
	StartLine int
	EndLine   int
}

// chunkLines splits text into line-based chunks of at most sizeTokens
// estimated tokens. When a chunk closes, the next chunk is seeded with the
// tail lines of the closed chunk whose cumulative token count stays within
// overlapTokens, so neighbouring chunks share context. The final partial
// chunk is always emitted.
func chunkLines(text string, sizeTokens, overlapTokens int) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")

	type pending struct {
		lines     []string
		startLine int
		tokenSum  int
	}

	var out []Chunk
	cur := pending{startLine: 1}

	flush := func(endLine int) {
		if len(cur.lines) == 0 {
			return
		}
		out = append(out, Chunk{
			Text:      strings.Join(cur.lines, "\n"),
			StartLine: cur.startLine,
			EndLine:   endLine,
		})
	}

	for i, line := range lines {
		lineNo := i + 1
		cost := tokens.Estimate(line)

		if len(cur.lines) > 0 && cur.tokenSum+cost > sizeTokens {
			flush(lineNo - 1)

			// Seed the next chunk with overlap from the tail of the closed one.
			carry := 0
			carryLines := 0
			for j := len(cur.lines) - 1; j >= 0; j-- {
				c := tokens.Estimate(cur.lines[j])
				if carry+c > overlapTokens {
					break
				}
				carry += c
				carryLines++
			}
			tail := cur.lines[len(cur.lines)-carryLines:]
			cur = pending{
				lines:     append([]string(nil), tail...),
				startLine: lineNo - carryLines,
				tokenSum:  carry,
			}
		}

		cur.lines = append(cur.lines, line)
		cur.tokenSum += cost
	}
	flush(len(lines))
	return out
}
