package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openbotx/openbotx/internal/memindex"
)

// memorySearchArgs is the JSON-decoded input for the "memory_search" tool.
type memorySearchArgs struct {
	// Query is the natural-language search string.
	Query string `json:"query"`

	// MaxResults caps the number of results. Defaults to 5 when ≤ 0.
	MaxResults int `json:"max_results,omitempty"`

	// Sources optionally restricts results to the given source tags.
	Sources []string `json:"sources,omitempty"`
}

// memoryGetArgs is the JSON-decoded input for the "memory_get" tool.
type memoryGetArgs struct {
	// Path identifies the indexed document to fetch.
	Path string `json:"path"`
}

// memoryStoreArgs is the JSON-decoded input for the "memory_store" tool.
type memoryStoreArgs struct {
	// Path is the logical path to store the content under.
	Path string `json:"path"`

	// Content is the text to index.
	Content string `json:"content"`
}

func makeMemorySearchHandler(index *memindex.Index) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a memorySearchArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory_search: failed to parse arguments: %w", err)
		}
		if a.Query == "" {
			return "", fmt.Errorf("memory_search: query must not be empty")
		}

		results, err := index.Search(ctx, a.Query, memindex.SearchOptions{
			MaxResults: a.MaxResults,
			Sources:    a.Sources,
		})
		if err != nil {
			return "", fmt.Errorf("memory_search: %w", err)
		}

		res, err := json.Marshal(results)
		if err != nil {
			return "", fmt.Errorf("memory_search: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

func makeMemoryGetHandler(index *memindex.Index) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a memoryGetArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory_get: failed to parse arguments: %w", err)
		}
		if a.Path == "" {
			return "", fmt.Errorf("memory_get: path must not be empty")
		}

		content, ok, err := index.Get(ctx, a.Path)
		if err != nil {
			return "", fmt.Errorf("memory_get: %w", err)
		}
		if !ok {
			return "", fmt.Errorf("memory_get: %q is not indexed", a.Path)
		}

		res, err := json.Marshal(map[string]string{"path": a.Path, "content": content})
		if err != nil {
			return "", fmt.Errorf("memory_get: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

func makeMemoryStoreHandler(index *memindex.Index) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a memoryStoreArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory_store: failed to parse arguments: %w", err)
		}
		if a.Path == "" || a.Content == "" {
			return "", fmt.Errorf("memory_store: path and content must not be empty")
		}

		n, err := index.IndexText(ctx, a.Content, a.Path, "agent")
		if err != nil {
			return "", fmt.Errorf("memory_store: %w", err)
		}

		res, err := json.Marshal(map[string]any{"path": a.Path, "chunks": n})
		if err != nil {
			return "", fmt.Errorf("memory_store: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// NewMemoryTools constructs the built-in memory tools wired to the given
// index. index must be non-nil.
func NewMemoryTools(index *memindex.Index) []Tool {
	return []Tool{
		{
			Info: Info{
				Name:            "memory_search",
				PrimaryGroup:    GroupDatabase,
				SecondaryGroups: []string{GroupSystem},
			},
			Definition: llmDefinition("memory_search",
				"Search the long-term memory index with a hybrid semantic and full-text query. Returns matching chunks with paths, line ranges, scores and snippets.",
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Natural-language search query.",
						},
						"max_results": map[string]any{
							"type":        "integer",
							"description": "Maximum number of results to return. Defaults to 5.",
							"minimum":     1,
							"maximum":     50,
						},
						"sources": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "Restrict results to these source tags. Omit for all sources.",
						},
					},
					"required": []string{"query"},
				}),
			Handler: makeMemorySearchHandler(index),
		},
		{
			Info: Info{
				Name:         "memory_get",
				PrimaryGroup: GroupDatabase,
			},
			Definition: llmDefinition("memory_get",
				"Fetch the full content of an indexed document by path. Use after memory_search to read a whole document instead of a snippet.",
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "Path of the indexed document, as returned by memory_search.",
						},
					},
					"required": []string{"path"},
				}),
			Handler: makeMemoryGetHandler(index),
		},
		{
			Info: Info{
				Name:         "memory_store",
				PrimaryGroup: GroupDatabase,
			},
			Definition: llmDefinition("memory_store",
				"Store a note in the long-term memory index so later searches can find it. Content is chunked and embedded.",
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{
							"type":        "string",
							"description": "Logical path to file the note under, e.g. notes/deploy.md.",
						},
						"content": map[string]any{
							"type":        "string",
							"description": "The note text to remember.",
						},
					},
					"required": []string{"path", "content"},
				}),
			Handler: makeMemoryStoreHandler(index),
		},
	}
}
