package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crabstack.local/projects/crab-core/internal/types"
)

const (
	defaultQueueSize   = 64
	defaultIdleTimeout = 30 * time.Minute
	evictTimeout       = 10 * time.Second
)

type MessageHandler func(context.Context, types.InboundMessage)

// EvictFunc runs once a conversation's worker has stopped, after idle
// timeout, Close or Shutdown.
type EvictFunc func(context.Context, types.ConversationID)

// Scheduler runs one worker goroutine per conversation. Messages of one
// conversation are handled one at a time in arrival order.
type Scheduler struct {
	logger      zerolog.Logger
	handler     MessageHandler
	onEvict     EvictFunc
	queueSize   int
	idleTimeout time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	workers  map[types.ConversationID]*worker
	retiring map[types.ConversationID]*worker
}

type worker struct {
	ch     chan types.InboundMessage
	ctx    context.Context
	cancel context.CancelFunc

	// prev is the conversation's retiring worker; this one starts only
	// after prev's eviction has finished.
	prev *worker
	done chan struct{}
}

type SchedulerOption func(*Scheduler)

func WithQueueSize(size int) SchedulerOption {
	return func(s *Scheduler) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

func WithIdleTimeout(timeout time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.idleTimeout = timeout
		}
	}
}

func WithEvictFunc(fn EvictFunc) SchedulerOption {
	return func(s *Scheduler) {
		s.onEvict = fn
	}
}

func NewScheduler(logger zerolog.Logger, handler MessageHandler, opts ...SchedulerOption) *Scheduler {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:      logger,
		handler:     handler,
		queueSize:   defaultQueueSize,
		idleTimeout: defaultIdleTimeout,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
		workers:     make(map[types.ConversationID]*worker),
		retiring:    make(map[types.ConversationID]*worker),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enqueue never blocks: a full conversation queue is reported as
// ErrConversationQueueFull.
func (s *Scheduler) Enqueue(_ context.Context, msg types.InboundMessage) error {
	key := msg.ConversationID

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	w, ok := s.workers[key]
	if !ok {
		w = s.startWorker(key)
	}
	select {
	case w.ch <- msg:
		return nil
	default:
		s.logger.Warn().Str("conversation_id", key.String()).Msg("conversation queue full")
		return ErrConversationQueueFull
	}
}

// Active reports the number of conversations with a running worker.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// startWorker is called with s.mu held.
func (s *Scheduler) startWorker(key types.ConversationID) *worker {
	ctx, cancel := context.WithCancel(s.baseCtx)
	w := &worker{
		ch:     make(chan types.InboundMessage, s.queueSize),
		ctx:    ctx,
		cancel: cancel,
		prev:   s.retiring[key],
		done:   make(chan struct{}),
	}
	s.workers[key] = w
	s.wg.Add(1)
	go s.run(key, w)
	return w
}

func (s *Scheduler) run(key types.ConversationID, w *worker) {
	defer s.wg.Done()
	defer s.evict(key, w)
	if w.prev != nil {
		<-w.prev.done
	}

	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg, ok := <-w.ch:
			if !ok {
				return
			}
			if w.ctx.Err() != nil {
				return
			}
			idle.Stop()
			s.handler(w.ctx, msg)
			idle.Reset(s.idleTimeout)
		case <-idle.C:
			// Enqueue sends under s.mu, so an empty queue checked under the
			// same lock cannot receive another message once removed.
			s.mu.Lock()
			if len(w.ch) > 0 {
				s.mu.Unlock()
				idle.Reset(s.idleTimeout)
				continue
			}
			s.retire(key, w)
			s.mu.Unlock()
			s.logger.Debug().Str("conversation_id", key.String()).Msg("conversation idle, evicting")
			return
		}
	}
}

// retire is called with s.mu held.
func (s *Scheduler) retire(key types.ConversationID, w *worker) {
	if s.workers[key] == w {
		delete(s.workers, key)
		s.retiring[key] = w
	}
}

// evict skips onEvict when a newer worker already owns the conversation;
// that worker waits on w.done before handling anything.
func (s *Scheduler) evict(key types.ConversationID, w *worker) {
	defer close(w.done)
	w.cancel()
	s.mu.Lock()
	if s.workers[key] == w {
		delete(s.workers, key)
	}
	_, replaced := s.workers[key]
	s.mu.Unlock()

	if s.onEvict != nil && !replaced {
		ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
		s.onEvict(ctx, key)
		cancel()
	}

	s.mu.Lock()
	if s.retiring[key] == w {
		delete(s.retiring, key)
	}
	s.mu.Unlock()
}

// Close stops a conversation: the turn in flight is cancelled and queued
// messages are dropped.
func (s *Scheduler) Close(id types.ConversationID) {
	s.mu.Lock()
	w, ok := s.workers[id]
	if ok {
		s.retire(id, w)
	}
	s.mu.Unlock()
	if ok {
		w.cancel()
	}
}

// Shutdown stops accepting messages and lets every worker finish its queue.
// When ctx ends first, turns in flight are cancelled and Shutdown waits for
// the workers to return before reporting ctx's error.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, w := range s.workers {
			close(w.ch)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		s.cancelBase()
		<-done
		return ctx.Err()
	}
}
