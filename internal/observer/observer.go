package observer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"crabstack.local/projects/crab-core/internal/types"
)

const (
	defaultQueueSize    = 256
	defaultRetryCount   = 3
	defaultRetryBackoff = 150 * time.Millisecond
)

type Sink interface {
	Name() string
	Handle(context.Context, types.Event) error
}

// Emitter is the only surface the rest of the core sees. Emit must not
// block.
type Emitter interface {
	Emit(types.Event)
}

type nop struct{}

func (nop) Emit(types.Event) {}

func Nop() Emitter { return nop{} }

type Option func(*Bus)

func WithQueueSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

func WithRetry(count int, backoff time.Duration) Option {
	return func(b *Bus) {
		if count > 0 {
			b.retryCount = count
		}
		if backoff > 0 {
			b.retryBackoff = backoff
		}
	}
}

// Bus fans events out to sinks. Each sink owns a bounded queue and a worker
// goroutine, so delivery to one sink is in emit order and a slow sink only
// drops its own events.
type Bus struct {
	logger       zerolog.Logger
	queueSize    int
	retryCount   int
	retryBackoff time.Duration

	mu      sync.RWMutex
	closed  bool
	workers []*worker
	wg      sync.WaitGroup
	stop    context.CancelFunc
	ctx     context.Context
}

type worker struct {
	sink    Sink
	queue   chan types.Event
	dropped atomic.Int64
}

func New(logger zerolog.Logger, sinks []Sink, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:       logger,
		queueSize:    defaultQueueSize,
		retryCount:   defaultRetryCount,
		retryBackoff: defaultRetryBackoff,
		ctx:          ctx,
		stop:         cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		w := &worker{sink: sink, queue: make(chan types.Event, b.queueSize)}
		b.workers = append(b.workers, w)
		b.wg.Add(1)
		go b.run(w)
	}
	return b
}

func (b *Bus) Emit(event types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, w := range b.workers {
		select {
		case w.queue <- event:
		default:
			if w.dropped.Add(1) == 1 {
				b.logger.Warn().Str("sink", w.sink.Name()).Str("event_type", string(event.Type)).Msg("observer queue full, dropping events")
			}
		}
	}
}

// Dropped returns the number of events discarded per sink because its
// queue was full.
func (b *Bus) Dropped() map[string]int64 {
	out := make(map[string]int64, len(b.workers))
	for _, w := range b.workers {
		out[w.sink.Name()] += w.dropped.Load()
	}
	return out
}

// Close stops accepting events and waits for queued events to drain. When
// ctx expires first, in-flight deliveries are cancelled.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, w := range b.workers {
		close(w.queue)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.stop()
		return nil
	case <-ctx.Done():
		b.stop()
		<-done
		return ctx.Err()
	}
}

func (b *Bus) run(w *worker) {
	defer b.wg.Done()
	for event := range w.queue {
		b.deliver(w.sink, event)
	}
}

func (b *Bus) deliver(sink Sink, event types.Event) {
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(b.retryCount-1), retry.NewConstant(b.retryBackoff))
	err := retry.Do(b.ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := sink.Handle(ctx, event); err != nil {
			b.logger.Debug().Err(err).Str("sink", sink.Name()).Str("event_id", event.ID).Int("attempt", attempt).Msg("sink delivery failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn().Err(err).Str("sink", sink.Name()).Str("event_id", event.ID).Str("event_type", string(event.Type)).Msg("dropping event after retries")
	}
}

// FilterTypes returns a predicate matching the listed event types. Entries
// ending in ".*" match by prefix; an empty list matches everything.
func FilterTypes(patterns []string) func(types.EventType) bool {
	var exact []string
	var prefixes []string
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
			continue
		case p == "*":
			return nil
		case strings.HasSuffix(p, ".*"):
			prefixes = append(prefixes, strings.TrimSuffix(p, "*"))
		default:
			exact = append(exact, p)
		}
	}
	if len(exact) == 0 && len(prefixes) == 0 {
		return nil
	}
	return func(t types.EventType) bool {
		for _, e := range exact {
			if string(t) == e {
				return true
			}
		}
		for _, p := range prefixes {
			if strings.HasPrefix(string(t), p) {
				return true
			}
		}
		return false
	}
}
