package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crabstack.local/projects/crab-core/internal/types"
)

const (
	MemorySearchName         = "memory_search"
	defaultMemorySearchLimit = 5
	maxMemorySearchLimit     = 50
)

// Searcher is the slice of long-term memory the memory_search tool needs.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]types.Turn, error)
}

type MemorySearch struct {
	searcher Searcher
}

func NewMemorySearch(searcher Searcher) *MemorySearch {
	return &MemorySearch{searcher: searcher}
}

func (t *MemorySearch) Name() string { return MemorySearchName }

func (t *MemorySearch) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        MemorySearchName,
		Description: "Search long-term conversation memory for turns relevant to a query.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer","minimum":1,"maximum":50}},"required":["query"],"additionalProperties":false}`),
		SubjectKind: types.SubjectNone,
	}
}

type memoryHit struct {
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

type memorySearchResult struct {
	Query   string      `json:"query"`
	Results []memoryHit `json:"results"`
}

func (t *MemorySearch) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	if t.searcher == nil {
		return nil, fmt.Errorf("memory search is not configured")
	}
	query, err := stringArg(call.Args, "query")
	if err != nil {
		return nil, err
	}
	limit, err := intArg(call.Args, "limit", defaultMemorySearchLimit)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMemorySearchLimit
	}
	limit = min(limit, maxMemorySearchLimit)

	turns, err := t.searcher.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	result := memorySearchResult{Query: query, Results: make([]memoryHit, 0, len(turns))}
	for _, turn := range turns {
		result.Results = append(result.Results, memoryHit{
			ConversationID: turn.ConversationID.String(),
			Role:           string(turn.Role),
			Content:        turn.Content,
			CreatedAt:      turn.CreatedAt,
		})
	}
	return marshalPayload(result, call.limit())
}
