package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabstack.local/projects/crab-core/internal/types"
)

func sampleTurns() []types.Turn {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []types.Turn{
		{ID: "t1", ConversationID: conv, Sequence: 1, Role: types.RoleUser, Content: "please read the quarterly report", CreatedAt: base},
		{ID: "t2", ConversationID: conv, Sequence: 2, Role: types.RoleAssistant, Actions: []types.Action{{CallID: "c1", Tool: "read_file", Args: map[string]any{"path": "/workspace/report.txt"}}}, CreatedAt: base.Add(time.Second)},
		{ID: "t3", ConversationID: conv, Sequence: 3, Role: types.RoleTool, Content: `{"content":"revenue grew"}`, CallID: "c1", ToolName: "read_file", CreatedAt: base.Add(2 * time.Second)},
		{ID: "t4", ConversationID: "ws:bob", Sequence: 1, Role: types.RoleUser, Content: "the report on otters", CreatedAt: base.Add(3 * time.Second)},
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	turns := sampleTurns()

	require.NoError(t, store.Append(ctx, turns...))
	require.NoError(t, store.Append(ctx, turns[0]), "append must be idempotent")

	latest, err := store.Latest(ctx, conv, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "t2", latest[0].ID)
	assert.Equal(t, "t3", latest[1].ID)
	require.Len(t, latest[0].Actions, 1)
	assert.Equal(t, "read_file", latest[0].Actions[0].Tool)
	assert.Equal(t, "/workspace/report.txt", latest[0].Actions[0].Args["path"])
	assert.Equal(t, "read_file", latest[1].ToolName)
	assert.True(t, latest[1].CreatedAt.Equal(turns[2].CreatedAt))

	all, err := store.Latest(ctx, conv, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := store.Search(ctx, Query{Text: "quarterly report", ConversationID: conv})
	require.NoError(t, err)
	require.NotEmpty(t, scoped)
	for _, s := range scoped {
		assert.Equal(t, conv, s.Turn.ConversationID)
	}
	assert.Equal(t, "t1", scoped[0].Turn.ID)

	for _, key := range []string{"read_file", "workspace", "c1", "t2"} {
		planned, err := store.Search(ctx, Query{Text: key, ConversationID: conv})
		require.NoError(t, err)
		var found bool
		for _, s := range planned {
			found = found || s.Turn.ID == "t2"
		}
		assert.True(t, found, "action-only turn not found by %q", key)
	}

	global, err := store.Search(ctx, Query{Text: "report"})
	require.NoError(t, err)
	ids := make([]string, 0, len(global))
	for _, s := range global {
		ids = append(ids, s.Turn.ID)
	}
	assert.Contains(t, ids, "t4")
	assert.Contains(t, ids, "t1")

	paged, err := store.Search(ctx, Query{Text: "report", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 1)

	empty, err := store.Search(ctx, Query{Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.Close())
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestGormStore(t *testing.T) {
	store, err := NewGormStore("sqlite", filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestGormStorePagesInOrder(t *testing.T) {
	store, err := NewGormStore("sqlite", filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var turns []types.Turn
	for i := 1; i <= 5; i++ {
		turns = append(turns, types.Turn{ID: fmt.Sprintf("n%d", i), ConversationID: conv, Sequence: int64(i), Role: types.RoleUser, Content: fmt.Sprintf("note %d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	turns[1].Content = "note about green apples"
	require.NoError(t, store.Append(context.Background(), turns...))

	var ids []string
	for offset := 0; ; offset += 2 {
		page, err := store.Search(context.Background(), Query{Text: "green note", Offset: offset, Limit: 2})
		require.NoError(t, err)
		for _, s := range page {
			ids = append(ids, s.Turn.ID)
		}
		if len(page) < 2 {
			break
		}
	}
	assert.Equal(t, []string{"n2", "n5", "n4", "n3", "n1"}, ids)

	top, err := store.Search(context.Background(), Query{Text: "green note", Limit: 1})
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.InDelta(t, 1.0, top[0].Score, 1e-9)
}

func TestGormStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	store, err := NewGormStore("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), sampleTurns()...))
	require.NoError(t, store.Close())

	reopened, err := NewGormStore("sqlite", path)
	require.NoError(t, err)
	defer reopened.Close()
	latest, err := reopened.Latest(context.Background(), conv, 10)
	require.NoError(t, err)
	assert.Len(t, latest, 3)
}

func TestGormStoreCorruptRow(t *testing.T) {
	store, err := NewGormStore("sqlite", filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.db.Create(&turnRow{ID: "bad", ConversationID: conv.String(), Sequence: 1, Role: "user", Content: "report", Actions: "{not json", CreatedAt: time.Now()}).Error)
	_, err = store.Search(context.Background(), Query{Text: "report"})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%\_done\\`, escapeLike(`100%_done\`))
}

func TestChromemStore(t *testing.T) {
	store, err := NewChromemStore("", false, nil)
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestChromemStorePersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vectors")
	store, err := NewChromemStore(dir, true, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), sampleTurns()...))
	require.NoError(t, store.Close())

	reopened, err := NewChromemStore(dir, true, nil)
	require.NoError(t, err)
	latest, err := reopened.Latest(context.Background(), conv, 10)
	require.NoError(t, err)
	assert.Len(t, latest, 3)
}

func TestHashingEmbedder(t *testing.T) {
	e := NewHashingEmbedder(64)
	a, err := e.Embed(context.Background(), "quarterly report")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "quarterly report")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	var norm float32
	for _, v := range a {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-4)

	empty, err := e.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, float32(1), empty[0])
}
