// Package contextstore persists per-channel conversation history and rolling
// summaries.
//
// Each channel owns two files under the store directory: a human-readable
// history file ("<key>.md") holding the framed turn list, and a summary file
// ("<key>.summary.json") holding the dual summary payload. The store keeps a
// write-through cache; after every successful mutator the cache and the files
// are equivalent.
//
// Store methods are safe for concurrent use, but per-channel turn ordering is
// the caller's responsibility (the orchestrator serializes work per channel).
package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openbotx/openbotx/internal/compact"
	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/observe"
	"github.com/openbotx/openbotx/pkg/tokens"
	"github.com/openbotx/openbotx/pkg/types"
)

// historyHeader is the mandatory first line of every history file.
const historyHeader = "# Conversation History"

// Summarizer produces the dual summary from conversation turns. Implemented
// by the agent package; failures must be returned, not swallowed, so the
// store can decide what to keep.
type Summarizer interface {
	// Summarize returns the refreshed user summary and conversation summary
	// for the given turns and previous summaries.
	Summarize(ctx context.Context, turns []types.Turn, prevUser, prevConversation string) (user, conversation string, err error)
}

// Summary is the persisted summary payload.
type Summary struct {
	UserSummary         *string   `json:"user_summary"`
	ConversationSummary *string   `json:"conversation_summary"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Context is one channel's cached conversation state.
type Context struct {
	ChannelID           string
	Turns               []types.Turn
	UserSummary         string
	ConversationSummary string
	SummaryUpdatedAt    time.Time

	// tokenEstimate caches the token total over turn contents.
	tokenEstimate int
}

// TokenEstimate returns the cached token total over turn contents.
func (c *Context) TokenEstimate() int { return c.tokenEstimate }

// Store owns the context directory. Safe for concurrent use.
type Store struct {
	dir        string
	threshold  int
	summarizer Summarizer

	mu    sync.Mutex
	cache map[string]*Context
}

// Option configures a Store.
type Option func(*Store)

// WithSummarizer sets the summarizer used by TriggerSummarization.
func WithSummarizer(s Summarizer) Option {
	return func(st *Store) { st.summarizer = s }
}

// New creates a Store rooted at cfg.Dir. threshold is the token count above
// which NeedsSummarization reports true.
func New(cfg config.ContextConfig, threshold int, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("contextstore: create dir: %w", err)
	}
	st := &Store{
		dir:       cfg.Dir,
		threshold: threshold,
		cache:     make(map[string]*Context),
	}
	for _, o := range opts {
		o(st)
	}
	return st, nil
}

// SanitizeChannelID derives the storage key for a channel id: every
// character outside [A-Za-z0-9_-] becomes '_'.
func SanitizeChannelID(channelID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, channelID)
}

func (s *Store) historyPath(channelID string) string {
	return filepath.Join(s.dir, SanitizeChannelID(channelID)+".md")
}

func (s *Store) summaryPath(channelID string) string {
	return filepath.Join(s.dir, SanitizeChannelID(channelID)+".summary.json")
}

// Load returns the channel's context from cache, falling back to the
// persistent record. A missing record yields an empty context.
func (s *Store) Load(channelID string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(channelID)
}

func (s *Store) loadLocked(channelID string) (*Context, error) {
	if c, ok := s.cache[channelID]; ok {
		return c, nil
	}

	c := &Context{ChannelID: channelID}

	data, err := os.ReadFile(s.historyPath(channelID))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First contact on this channel.
	case err != nil:
		return nil, fmt.Errorf("contextstore: read history for %q: %w", channelID, err)
	default:
		turns, perr := ParseHistory(string(data))
		if perr != nil {
			return nil, fmt.Errorf("contextstore: parse history for %q: %w", channelID, perr)
		}
		c.Turns = turns
	}

	if sum, err := s.readSummary(channelID); err == nil && sum != nil {
		if sum.UserSummary != nil {
			c.UserSummary = *sum.UserSummary
		}
		if sum.ConversationSummary != nil {
			c.ConversationSummary = *sum.ConversationSummary
		}
		c.SummaryUpdatedAt = sum.UpdatedAt
	} else if err != nil {
		// Persistence read errors degrade to "no prior summary".
		observe.Logger(context.Background()).Warn("summary read failed, continuing without",
			"channel", channelID, "error", err)
	}

	c.tokenEstimate = totalTokens(c.Turns)
	s.cache[channelID] = c
	return c, nil
}

func (s *Store) readSummary(channelID string) (*Summary, error) {
	data, err := os.ReadFile(s.summaryPath(channelID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sum Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// Save atomically replaces the channel's history record with c and refreshes
// the cache.
func (s *Store) Save(c *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(c)
}

func (s *Store) saveLocked(c *Context) error {
	if err := writeAtomic(s.historyPath(c.ChannelID), []byte(SerializeHistory(c.Turns))); err != nil {
		return fmt.Errorf("contextstore: save history for %q: %w", c.ChannelID, err)
	}
	c.tokenEstimate = totalTokens(c.Turns)
	s.cache[c.ChannelID] = c
	return nil
}

// AddTurn appends one turn to the channel's history and persists it.
// Returns the updated context.
func (s *Store) AddTurn(channelID string, role types.TurnRole, content string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.loadLocked(channelID)
	if err != nil {
		return nil, err
	}
	c.Turns = append(c.Turns, types.Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if err := s.saveLocked(c); err != nil {
		return nil, err
	}
	return c, nil
}

// SaveSummary atomically replaces the channel's summary record and updates
// the cache.
func (s *Store) SaveSummary(channelID, userSummary, conversationSummary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	payload := Summary{UpdatedAt: now}
	if userSummary != "" {
		payload.UserSummary = &userSummary
	}
	if conversationSummary != "" {
		payload.ConversationSummary = &conversationSummary
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contextstore: marshal summary for %q: %w", channelID, err)
	}
	if err := writeAtomic(s.summaryPath(channelID), data); err != nil {
		return fmt.Errorf("contextstore: save summary for %q: %w", channelID, err)
	}

	if c, ok := s.cache[channelID]; ok {
		c.UserSummary = userSummary
		c.ConversationSummary = conversationSummary
		c.SummaryUpdatedAt = now
	}
	return nil
}

// NeedsSummarization reports whether the channel's cached token estimate
// exceeds the configured threshold.
func (s *Store) NeedsSummarization(c *Context) bool {
	return c.tokenEstimate > s.threshold
}

// TriggerSummarization runs the summarizer for channelID when the channel
// needs it, persisting the refreshed summaries. Returns whether
// summarization occurred.
func (s *Store) TriggerSummarization(ctx context.Context, channelID string) (bool, error) {
	if s.summarizer == nil {
		return false, nil
	}

	s.mu.Lock()
	c, err := s.loadLocked(channelID)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	needed := s.NeedsSummarization(c)
	turns := make([]types.Turn, len(c.Turns))
	copy(turns, c.Turns)
	prevUser, prevConv := c.UserSummary, c.ConversationSummary
	s.mu.Unlock()

	if !needed {
		return false, nil
	}

	user, conversation, err := s.summarizer.Summarize(ctx, turns, prevUser, prevConv)
	if err != nil {
		return false, fmt.Errorf("contextstore: summarize %q: %w", channelID, err)
	}
	if err := s.SaveSummary(channelID, user, conversation); err != nil {
		return false, err
	}
	return true, nil
}

// GetCompacted reduces the channel's turns to fit budget using the given
// strategy settings. The stored history is not modified.
func (s *Store) GetCompacted(c *Context, opts compact.Options) compact.Result {
	opts.Summary = c.ConversationSummary
	return compact.Compact(c.Turns, opts)
}

// Clear removes both records for channelID and evicts the cache entry.
func (s *Store) Clear(channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, path := range []string{s.historyPath(channelID), s.summaryPath(channelID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	delete(s.cache, channelID)
	return errors.Join(errs...)
}

// ListChannels returns the storage keys of all channels with a persisted
// history, sorted by filename.
func (s *Store) ListChannels() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("contextstore: list channels: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".md"))
	}
	return out, nil
}

// writeAtomic replaces path with data via a temp file and rename so readers
// never observe a partial record.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func totalTokens(turns []types.Turn) int {
	sum := 0
	for _, t := range turns {
		sum += tokens.Estimate(t.Content)
	}
	return sum
}
