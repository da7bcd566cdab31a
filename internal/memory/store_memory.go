package memory

import (
	"context"
	"sync"

	"crabstack.local/projects/crab-core/internal/types"
)

// MemoryStore keeps long-term turns in process. It loses everything on
// restart and is meant for tests and the console chat mode.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string]types.Turn
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string]types.Turn)}
}

func (s *MemoryStore) Append(ctx context.Context, turns ...types.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, turn := range turns {
		if _, exists := s.turns[turn.ID]; !exists {
			s.order = append(s.order, turn.ID)
		}
		s.turns[turn.ID] = types.CloneTurn(turn)
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, q Query) ([]Scored, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	var matches []Scored
	for _, id := range s.order {
		turn := s.turns[id]
		if q.ConversationID != "" && turn.ConversationID != q.ConversationID {
			continue
		}
		if score := lexicalScore(terms, searchable(turn)); score > 0 {
			matches = append(matches, Scored{Turn: types.CloneTurn(turn), Score: score})
		}
	}
	s.mu.RUnlock()

	rank(matches)
	return page(matches, q.Offset, q.Limit), nil
}

func (s *MemoryStore) Latest(ctx context.Context, conversationID types.ConversationID, limit int) ([]types.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var turns []types.Turn
	for _, id := range s.order {
		if turn := s.turns[id]; turn.ConversationID == conversationID {
			turns = append(turns, types.CloneTurn(turn))
		}
	}
	s.mu.RUnlock()

	chronological(turns)
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

func (s *MemoryStore) Close() error { return nil }
