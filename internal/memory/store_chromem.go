package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"crabstack.local/projects/crab-core/internal/types"
)

const chromemCollectionPrefix = "conversation:"

// ChromemStore keeps one vector collection per conversation and ranks
// matches by cosine similarity.
type ChromemStore struct {
	db    *chromem.DB
	embed chromem.EmbeddingFunc

	mu          sync.Mutex
	collections map[types.ConversationID]*chromem.Collection
}

// NewChromemStore opens an in-memory database when path is empty and a
// persistent one otherwise.
func NewChromemStore(path string, compress bool, embed chromem.EmbeddingFunc) (*ChromemStore, error) {
	if embed == nil {
		embed = NewHashingEmbedder(0).Func()
	}
	var (
		db  *chromem.DB
		err error
	)
	if strings.TrimSpace(path) == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, compress)
		if err != nil {
			return nil, fmt.Errorf("%w: open chromem db: %v", ErrStoreUnavailable, err)
		}
	}

	s := &ChromemStore{
		db:          db,
		embed:       embed,
		collections: make(map[types.ConversationID]*chromem.Collection),
	}
	for name := range db.ListCollections() {
		if !strings.HasPrefix(name, chromemCollectionPrefix) {
			continue
		}
		if _, err := s.collection(types.ConversationID(strings.TrimPrefix(name, chromemCollectionPrefix))); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *ChromemStore) collection(id types.ConversationID) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[id]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(chromemCollectionPrefix+id.String(), map[string]string{"conversation_id": id.String()}, s.embed)
	if err != nil {
		return nil, fmt.Errorf("%w: collection %s: %v", ErrStoreUnavailable, id, err)
	}
	s.collections[id] = col
	return col, nil
}

func (s *ChromemStore) snapshot() []*chromem.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*chromem.Collection, 0, len(s.collections))
	for _, col := range s.collections {
		out = append(out, col)
	}
	return out
}

func (s *ChromemStore) Append(ctx context.Context, turns ...types.Turn) error {
	for _, turn := range turns {
		col, err := s.collection(turn.ConversationID)
		if err != nil {
			return err
		}
		embedding, err := s.embed(ctx, searchable(turn))
		if err != nil {
			return fmt.Errorf("%w: embed turn %s: %v", ErrStoreUnavailable, turn.ID, err)
		}
		metadata, err := turnMetadata(turn)
		if err != nil {
			return err
		}
		doc := chromem.Document{
			ID:        turn.ID,
			Content:   turn.Content,
			Embedding: embedding,
			Metadata:  metadata,
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("%w: add turn %s: %v", ErrStoreUnavailable, turn.ID, err)
		}
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, q Query) ([]Scored, error) {
	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}
	embedding, err := s.embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrStoreUnavailable, err)
	}

	var cols []*chromem.Collection
	if q.ConversationID != "" {
		col, err := s.collection(q.ConversationID)
		if err != nil {
			return nil, err
		}
		cols = []*chromem.Collection{col}
	} else {
		cols = s.snapshot()
	}

	var matches []Scored
	for _, col := range cols {
		n := col.Count()
		if n <= 0 {
			continue
		}
		results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: query %s: %v", ErrStoreUnavailable, col.Name, err)
		}
		for _, result := range results {
			turn, err := turnFromResult(result)
			if err != nil {
				return nil, err
			}
			// Hashed vectors can cancel out, so an exact term hit always
			// counts as a match.
			lexical := lexicalScore(terms, searchable(turn))
			similarity := max(float64(result.Similarity), 0)
			if lexical == 0 && similarity == 0 {
				continue
			}
			matches = append(matches, Scored{Turn: turn, Score: (similarity + lexical) / 2})
		}
	}
	rank(matches)
	return page(matches, q.Offset, q.Limit), nil
}

func (s *ChromemStore) Latest(ctx context.Context, conversationID types.ConversationID, limit int) ([]types.Turn, error) {
	col, err := s.collection(conversationID)
	if err != nil {
		return nil, err
	}
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	anchor, err := s.embed(ctx, conversationID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: embed anchor: %v", ErrStoreUnavailable, err)
	}
	results, err := col.QueryEmbedding(ctx, anchor, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStoreUnavailable, conversationID, err)
	}
	turns := make([]types.Turn, 0, len(results))
	for _, result := range results {
		turn, err := turnFromResult(result)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	chronological(turns)
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (s *ChromemStore) Close() error { return nil }

func turnMetadata(turn types.Turn) (map[string]string, error) {
	metadata := map[string]string{
		"conversation_id": turn.ConversationID.String(),
		"sequence":        strconv.FormatInt(turn.Sequence, 10),
		"role":            string(turn.Role),
		"created_at":      turn.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if turn.CallID != "" {
		metadata["call_id"] = turn.CallID
	}
	if turn.ToolName != "" {
		metadata["tool_name"] = turn.ToolName
	}
	if turn.IsError {
		metadata["is_error"] = "true"
	}
	if len(turn.Actions) > 0 {
		data, err := json.Marshal(turn.Actions)
		if err != nil {
			return nil, fmt.Errorf("encode actions: %w", err)
		}
		metadata["actions"] = string(data)
	}
	return metadata, nil
}

func turnFromResult(result chromem.Result) (types.Turn, error) {
	md := result.Metadata
	seq, err := strconv.ParseInt(md["sequence"], 10, 64)
	if err != nil {
		return types.Turn{}, fmt.Errorf("%w: turn %s sequence: %v", ErrCorrupt, result.ID, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, md["created_at"])
	if err != nil {
		return types.Turn{}, fmt.Errorf("%w: turn %s created_at: %v", ErrCorrupt, result.ID, err)
	}
	turn := types.Turn{
		ID:             result.ID,
		ConversationID: types.ConversationID(md["conversation_id"]),
		Sequence:       seq,
		Role:           types.Role(md["role"]),
		Content:        result.Content,
		CallID:         md["call_id"],
		ToolName:       md["tool_name"],
		IsError:        md["is_error"] == "true",
		CreatedAt:      createdAt.UTC(),
	}
	if !turn.Role.Valid() {
		return types.Turn{}, fmt.Errorf("%w: turn %s has role %q", ErrCorrupt, result.ID, md["role"])
	}
	if raw := md["actions"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &turn.Actions); err != nil {
			return types.Turn{}, fmt.Errorf("%w: turn %s actions: %v", ErrCorrupt, result.ID, err)
		}
	}
	return turn, nil
}
