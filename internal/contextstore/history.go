package contextstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/openbotx/openbotx/pkg/types"
)

// roleHeadings maps turn roles to their history file headings and back.
var roleHeadings = map[types.TurnRole]string{
	types.TurnUser:      "User",
	types.TurnAssistant: "Assistant",
}

// SerializeHistory renders turns into the history file format:
//
//	# Conversation History
//
//	## User - 2026-01-02T15:04:05Z
//	message content
//
//	## Assistant - 2026-01-02T15:04:07Z
//	reply content
//
// ParseHistory inverts this exactly for turn contents without leading or
// trailing blank lines.
func SerializeHistory(turns []types.Turn) string {
	var b strings.Builder
	b.WriteString(historyHeader)
	b.WriteString("\n")
	for _, t := range turns {
		heading, ok := roleHeadings[t.Role]
		if !ok {
			heading = string(t.Role)
		}
		fmt.Fprintf(&b, "\n## %s - %s\n", heading, t.Timestamp.UTC().Format(time.RFC3339))
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// ParseHistory parses the history file format produced by
// [SerializeHistory]. The first line must be the history header. Unknown
// role headings are preserved as-is.
func ParseHistory(data string) ([]types.Turn, error) {
	lines := strings.Split(strings.TrimRight(data, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != historyHeader {
		return nil, fmt.Errorf("history file must start with %q", historyHeader)
	}

	var turns []types.Turn
	var current *types.Turn
	var content []string

	flush := func() {
		if current == nil {
			return
		}
		current.Content = strings.TrimSpace(strings.Join(content, "\n"))
		turns = append(turns, *current)
		current = nil
		content = nil
	}

	for _, line := range lines[1:] {
		role, ts, ok := parseTurnHeading(line)
		if !ok {
			if current != nil {
				content = append(content, line)
			}
			continue
		}
		flush()
		current = &types.Turn{Role: role, Timestamp: ts}
	}
	flush()
	return turns, nil
}

// parseTurnHeading recognises "## <Role> - <RFC3339 timestamp>" lines.
func parseTurnHeading(line string) (types.TurnRole, time.Time, bool) {
	rest, ok := strings.CutPrefix(line, "## ")
	if !ok {
		return "", time.Time{}, false
	}
	heading, tsText, ok := strings.Cut(rest, " - ")
	if !ok {
		return "", time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(tsText))
	if err != nil {
		return "", time.Time{}, false
	}

	switch heading {
	case "User":
		return types.TurnUser, ts.UTC(), true
	case "Assistant":
		return types.TurnAssistant, ts.UTC(), true
	default:
		return types.TurnRole(heading), ts.UTC(), true
	}
}
