package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "crabstack.local/projects/crab-core/internal/db"
	"crabstack.local/projects/crab-core/internal/types"
)

type turnRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:255;not null;index:idx_turns_conversation_seq,priority:1"`
	Sequence       int64     `gorm:"not null;index:idx_turns_conversation_seq,priority:2"`
	Role           string    `gorm:"size:16;not null"`
	Content        string    `gorm:"type:text;not null"`
	Actions        string    `gorm:"type:text"`
	CallID         string    `gorm:"size:128"`
	ToolName       string    `gorm:"size:128"`
	IsError        bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"not null;index"`
}

func (turnRow) TableName() string {
	return "turns"
}

func turnRowFromTurn(turn types.Turn) (turnRow, error) {
	row := turnRow{
		ID:             turn.ID,
		ConversationID: turn.ConversationID.String(),
		Sequence:       turn.Sequence,
		Role:           string(turn.Role),
		Content:        turn.Content,
		CallID:         turn.CallID,
		ToolName:       turn.ToolName,
		IsError:        turn.IsError,
		CreatedAt:      turn.CreatedAt.UTC(),
	}
	if len(turn.Actions) > 0 {
		data, err := json.Marshal(turn.Actions)
		if err != nil {
			return turnRow{}, fmt.Errorf("encode actions: %w", err)
		}
		row.Actions = string(data)
	}
	return row, nil
}

func (r turnRow) toTurn() (types.Turn, error) {
	turn := types.Turn{
		ID:             r.ID,
		ConversationID: types.ConversationID(r.ConversationID),
		Sequence:       r.Sequence,
		Role:           types.Role(r.Role),
		Content:        r.Content,
		CallID:         r.CallID,
		ToolName:       r.ToolName,
		IsError:        r.IsError,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if !turn.Role.Valid() {
		return types.Turn{}, fmt.Errorf("%w: turn %s has role %q", ErrCorrupt, r.ID, r.Role)
	}
	if r.Actions != "" {
		if err := json.Unmarshal([]byte(r.Actions), &turn.Actions); err != nil {
			return types.Turn{}, fmt.Errorf("%w: turn %s actions: %v", ErrCorrupt, r.ID, err)
		}
	}
	return turn, nil
}

// GormStore persists turns in a relational database and scores matches
// lexically.
type GormStore struct {
	db    *gorm.DB
	owned bool
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStoreUnavailable, err)
	}
	store, err := NewGormStoreFromDB(gormDB)
	if err != nil {
		_ = dbpkg.Close(gormDB)
		return nil, err
	}
	store.owned = true
	return store, nil
}

func NewGormStoreFromDB(gormDB *gorm.DB) (*GormStore, error) {
	if err := gormDB.AutoMigrate(&turnRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrStoreUnavailable, err)
	}
	return &GormStore{db: gormDB}, nil
}

func (s *GormStore) Append(ctx context.Context, turns ...types.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	rows := make([]turnRow, 0, len(turns))
	for _, turn := range turns {
		row, err := turnRowFromTurn(turn)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("%w: append turns: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// gormHaystack mirrors searchable over the stored columns; the actions
// column holds the JSON-encoded actions.
const gormHaystack = `LOWER(COALESCE(id, '') || ' ' || COALESCE(call_id, '') || ' ' || COALESCE(tool_name, '') || ' ' || COALESCE(content, '') || ' ' || COALESCE(actions, ''))`

// Search scores a row by the share of query terms it contains. Ranking and
// paging run in SQL so each page costs one bounded query.
func (s *GormStore) Search(ctx context.Context, q Query) ([]Scored, error) {
	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}

	matches := make([]string, 0, len(terms))
	hits := make([]string, 0, len(terms))
	patterns := make([]any, 0, len(terms))
	for _, term := range terms {
		matches = append(matches, gormHaystack+` LIKE ? ESCAPE '\'`)
		hits = append(hits, `CASE WHEN `+gormHaystack+` LIKE ? ESCAPE '\' THEN 1 ELSE 0 END`)
		patterns = append(patterns, "%"+escapeLike(term)+"%")
	}

	tx := s.db.WithContext(ctx).Model(&turnRow{})
	if q.ConversationID != "" {
		tx = tx.Where("conversation_id = ?", q.ConversationID.String())
	}
	tx = tx.Where(strings.Join(matches, " OR "), patterns...).
		Clauses(clause.OrderBy{Expression: clause.Expr{
			SQL:                "(" + strings.Join(hits, " + ") + ") DESC, created_at DESC, sequence DESC, id DESC",
			Vars:               patterns,
			WithoutParentheses: true,
		}})
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []turnRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: search turns: %v", ErrStoreUnavailable, err)
	}

	out := make([]Scored, 0, len(rows))
	for _, row := range rows {
		turn, err := row.toTurn()
		if err != nil {
			return nil, err
		}
		out = append(out, Scored{Turn: turn, Score: containsScore(terms, row.haystack())})
	}
	return out, nil
}

func (r turnRow) haystack() string {
	return strings.ToLower(strings.Join([]string{r.ID, r.CallID, r.ToolName, r.Content, r.Actions}, " "))
}

// containsScore is the share of terms found as substrings of haystack, the
// same test the LIKE clauses apply.
func containsScore(terms []string, haystack string) float64 {
	hits := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func (s *GormStore) Latest(ctx context.Context, conversationID types.ConversationID, limit int) ([]types.Turn, error) {
	tx := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID.String()).
		Order("sequence DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var rows []turnRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: latest turns: %v", ErrStoreUnavailable, err)
	}
	turns := make([]types.Turn, 0, len(rows))
	for _, row := range rows {
		turn, err := row.toTurn()
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	chronological(turns)
	return turns, nil
}

func (s *GormStore) Close() error {
	if !s.owned {
		return nil
	}
	return dbpkg.Close(s.db)
}

func escapeLike(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(term)
}
