package memory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crabstack.local/projects/crab-core/internal/ids"
	"crabstack.local/projects/crab-core/internal/observer"
	"crabstack.local/projects/crab-core/internal/types"
)

const (
	DefaultWindowSize  = 20
	DefaultRecallLimit = 5
	defaultPageSize    = 32
)

// ContextWindow is what the backend sees for one planning round.
type ContextWindow struct {
	ConversationID types.ConversationID
	Recent         []types.Turn
	Recalled       []types.Turn
}

// Turns returns recalled turns followed by the recent window, both in
// chronological order.
func (w ContextWindow) Turns() []types.Turn {
	out := make([]types.Turn, 0, len(w.Recalled)+len(w.Recent))
	out = append(out, w.Recalled...)
	out = append(out, w.Recent...)
	return out
}

type window struct {
	mu      sync.Mutex
	loaded  bool
	turns   []types.Turn
	nextSeq int64
}

// Manager owns the short-term window of every conversation and the shared
// long-term store behind it.
type Manager struct {
	store       Store
	windowSize  int
	recallLimit int
	logger      zerolog.Logger
	events      observer.Emitter
	now         func() time.Time

	mu      sync.Mutex
	windows map[types.ConversationID]*window

	corrupt     chan struct{}
	corruptOnce sync.Once
	corruptErr  error
}

type Option func(*Manager)

func WithWindowSize(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.windowSize = size
		}
	}
}

func WithRecallLimit(limit int) Option {
	return func(m *Manager) {
		if limit >= 0 {
			m.recallLimit = limit
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithEmitter(events observer.Emitter) Option {
	return func(m *Manager) {
		if events != nil {
			m.events = events
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(store Store, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		store:       store,
		windowSize:  DefaultWindowSize,
		recallLimit: DefaultRecallLimit,
		logger:      zerolog.Nop(),
		events:      observer.Nop(),
		now:         time.Now,
		windows:     make(map[types.ConversationID]*window),
		corrupt:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Corrupted is closed once the store reports corruption. From then on
// every read and write returns Err.
func (m *Manager) Corrupted() <-chan struct{} {
	return m.corrupt
}

func (m *Manager) Err() error {
	select {
	case <-m.corrupt:
		return m.corruptErr
	default:
		return nil
	}
}

func (m *Manager) latch(err error) error {
	if err == nil || !errors.Is(err, ErrCorrupt) {
		return err
	}
	m.corruptOnce.Do(func() {
		m.corruptErr = err
		close(m.corrupt)
		m.logger.Error().Err(err).Msg("memory store corrupt")
	})
	return err
}

func (m *Manager) window(id types.ConversationID) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		w = &window{nextSeq: 1}
		m.windows[id] = w
	}
	return w
}

// lockWindow returns the live, loaded window for id with its lock held. A
// window that was flushed while we waited for its lock is skipped.
func (m *Manager) lockWindow(ctx context.Context, id types.ConversationID) (*window, error) {
	if err := m.Err(); err != nil {
		return nil, err
	}
	for {
		w := m.window(id)
		w.mu.Lock()
		m.mu.Lock()
		live := m.windows[id] == w
		m.mu.Unlock()
		if !live {
			w.mu.Unlock()
			continue
		}
		if err := m.load(ctx, id, w); err != nil {
			w.mu.Unlock()
			return nil, m.latch(err)
		}
		return w, nil
	}
}

// load rehydrates a window from the store the first time a conversation is
// touched in this process. Caller holds w.mu.
func (m *Manager) load(ctx context.Context, id types.ConversationID, w *window) error {
	if w.loaded {
		return nil
	}
	latest, err := m.store.Latest(ctx, id, m.windowSize)
	if err != nil {
		return err
	}
	w.turns = latest
	for _, turn := range latest {
		if turn.Sequence >= w.nextSeq {
			w.nextSeq = turn.Sequence + 1
		}
	}
	w.loaded = true
	return nil
}

// Append records a turn. Identity, sequence and timestamp are filled in
// when missing. When the window is full the oldest turn is written to the
// long-term store before it is dropped; if that write fails nothing
// changes.
func (m *Manager) Append(ctx context.Context, id types.ConversationID, turn types.Turn) (types.Turn, error) {
	if !id.Valid() {
		return types.Turn{}, fmt.Errorf("invalid conversation id %q", id)
	}
	if !turn.Role.Valid() {
		return types.Turn{}, fmt.Errorf("invalid role %q", turn.Role)
	}

	w, err := m.lockWindow(ctx, id)
	if err != nil {
		return types.Turn{}, err
	}
	defer w.mu.Unlock()

	turn = types.CloneTurn(turn)
	turn.ConversationID = id
	if turn.ID == "" {
		turn.ID = ids.NewPrefixed("turn")
	}
	if turn.Sequence <= 0 {
		turn.Sequence = w.nextSeq
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = m.now().UTC()
	}

	evictCount := len(w.turns) + 1 - m.windowSize
	if evictCount > 0 {
		evicted := w.turns[:evictCount]
		if err := m.store.Append(ctx, evicted...); err != nil {
			return types.Turn{}, m.latch(fmt.Errorf("persist evicted turns: %w", err))
		}
		for _, e := range evicted {
			m.events.Emit(types.NewEvent(types.EventTypeTurnEvicted, id, map[string]any{"turn_id": e.ID, "sequence": e.Sequence}))
		}
		w.turns = append([]types.Turn(nil), w.turns[evictCount:]...)
	}

	w.turns = append(w.turns, turn)
	if turn.Sequence >= w.nextSeq {
		w.nextSeq = turn.Sequence + 1
	}
	m.events.Emit(types.NewEvent(types.EventTypeTurnAppended, id, map[string]any{"turn_id": turn.ID, "role": string(turn.Role), "sequence": turn.Sequence}))
	return types.CloneTurn(turn), nil
}

// Assemble builds the context for the next planning round. hint is the text
// used to recall older turns from the long-term store; recalled turns that
// are still in the window are skipped.
func (m *Manager) Assemble(ctx context.Context, id types.ConversationID, hint string) (ContextWindow, error) {
	w, err := m.lockWindow(ctx, id)
	if err != nil {
		return ContextWindow{}, err
	}
	recent := make([]types.Turn, len(w.turns))
	for i, turn := range w.turns {
		recent[i] = types.CloneTurn(turn)
	}
	w.mu.Unlock()

	out := ContextWindow{ConversationID: id, Recent: recent}
	if m.recallLimit == 0 || strings.TrimSpace(hint) == "" {
		return out, nil
	}

	inWindow := make(map[string]struct{}, len(recent))
	for _, turn := range recent {
		inWindow[turn.ID] = struct{}{}
	}
	for turn, err := range m.Query(ctx, hint, InConversation(id)) {
		if err != nil {
			return ContextWindow{}, err
		}
		if _, dup := inWindow[turn.ID]; dup {
			continue
		}
		inWindow[turn.ID] = struct{}{}
		out.Recalled = append(out.Recalled, turn)
		if len(out.Recalled) == m.recallLimit {
			break
		}
	}
	chronological(out.Recalled)
	return out, nil
}

type queryOptions struct {
	conversationID types.ConversationID
	pageSize       int
	limit          int
}

type QueryOption func(*queryOptions)

func InConversation(id types.ConversationID) QueryOption {
	return func(o *queryOptions) { o.conversationID = id }
}

func WithPageSize(size int) QueryOption {
	return func(o *queryOptions) {
		if size > 0 {
			o.pageSize = size
		}
	}
}

func WithLimit(limit int) QueryOption {
	return func(o *queryOptions) {
		if limit > 0 {
			o.limit = limit
		}
	}
}

// Query returns ranked long-term matches for key. Pages are fetched from
// the store only as the caller iterates; the sequence ends at the first
// error.
func (m *Manager) Query(ctx context.Context, key string, opts ...QueryOption) iter.Seq2[types.Turn, error] {
	o := queryOptions{pageSize: defaultPageSize}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return func(yield func(types.Turn, error) bool) {
		offset := 0
		emitted := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(types.Turn{}, err)
				return
			}
			if err := m.Err(); err != nil {
				yield(types.Turn{}, err)
				return
			}
			size := o.pageSize
			if o.limit > 0 {
				size = min(size, o.limit-emitted)
			}
			results, err := m.store.Search(ctx, Query{
				Text:           key,
				ConversationID: o.conversationID,
				Offset:         offset,
				Limit:          size,
			})
			if err != nil {
				yield(types.Turn{}, m.latch(err))
				return
			}
			for _, result := range results {
				if !yield(result.Turn, nil) {
					return
				}
				emitted++
			}
			offset += len(results)
			if len(results) < size || (o.limit > 0 && emitted >= o.limit) {
				return
			}
		}
	}
}

// Search collects up to limit matches. It is scoped to the conversation
// carried by ctx when there is one.
func (m *Manager) Search(ctx context.Context, query string, limit int) ([]types.Turn, error) {
	opts := []QueryOption{WithLimit(limit)}
	if id, ok := types.ConversationFromContext(ctx); ok {
		opts = append(opts, InConversation(id))
	}
	var out []types.Turn
	for turn, err := range m.Query(ctx, query, opts...) {
		if err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	return out, nil
}

// Flush writes a conversation's window to the long-term store and drops it
// from memory.
func (m *Manager) Flush(ctx context.Context, id types.ConversationID) error {
	m.mu.Lock()
	w, ok := m.windows[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := m.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.turns) > 0 {
		if err := m.store.Append(ctx, w.turns...); err != nil {
			return m.latch(fmt.Errorf("flush %s: %w", id, err))
		}
	}

	m.mu.Lock()
	if m.windows[id] == w {
		delete(m.windows, id)
	}
	m.mu.Unlock()
	w.turns = nil
	w.loaded = false
	return nil
}

// FlushAll flushes every open window, continuing past failures.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	convs := make([]types.ConversationID, 0, len(m.windows))
	for id := range m.windows {
		convs = append(convs, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range convs {
		if err := m.Flush(ctx, id); err != nil {
			m.logger.Error().Err(err).Str("conversation_id", id.String()).Msg("flush memory window")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Close(ctx context.Context) error {
	flushErr := m.FlushAll(ctx)
	return errors.Join(flushErr, m.store.Close())
}
