package memory

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strings"
	"unicode"

	"crabstack.local/projects/crab-core/internal/types"
)

var (
	ErrStoreUnavailable = errors.New("memory store unavailable")
	ErrCorrupt          = errors.New("memory store corrupt")
)

// Query selects turns from a long-term store. An empty ConversationID
// searches every conversation.
type Query struct {
	Text           string
	ConversationID types.ConversationID
	Offset         int
	Limit          int
}

type Scored struct {
	Turn  types.Turn
	Score float64
}

// Store is the long-term side of memory. Append is idempotent by turn id;
// Search returns one page of results ordered by rank.
type Store interface {
	Append(ctx context.Context, turns ...types.Turn) error
	Search(ctx context.Context, q Query) ([]Scored, error)
	Latest(ctx context.Context, conversationID types.ConversationID, limit int) ([]types.Turn, error)
	Close() error
}

// rank orders results by score, then by recency.
func rank(items []Scored) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].Turn.Newer(items[j].Turn)
	})
}

func page(items []Scored, offset, limit int) []Scored {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func chronological(turns []types.Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[j].Newer(turns[i])
	})
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// lexicalScore is the share of query terms present in content.
func lexicalScore(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	contentTerms := make(map[string]struct{})
	for _, term := range tokenize(content) {
		contentTerms[term] = struct{}{}
	}
	hits := 0
	for _, term := range queryTerms {
		if _, ok := contentTerms[term]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

// searchable is the text a turn is indexed under: its identifiers, tool
// name and content, plus every planned action with its arguments.
func searchable(turn types.Turn) string {
	parts := []string{turn.ID, turn.CallID, turn.ToolName, turn.Content}
	for _, action := range turn.Actions {
		parts = append(parts, action.CallID, action.Tool)
		if len(action.Args) > 0 {
			if data, err := json.Marshal(action.Args); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(slices.DeleteFunc(parts, func(p string) bool { return p == "" }), " ")
}
