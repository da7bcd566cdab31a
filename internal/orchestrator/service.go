package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	conciter "github.com/sourcegraph/conc/iter"
	"golang.org/x/sync/errgroup"

	"crabstack.local/projects/crab-core/internal/backend"
	"crabstack.local/projects/crab-core/internal/channel"
	"crabstack.local/projects/crab-core/internal/config"
	"crabstack.local/projects/crab-core/internal/ids"
	"crabstack.local/projects/crab-core/internal/memory"
	"crabstack.local/projects/crab-core/internal/observer"
	"crabstack.local/projects/crab-core/internal/sandbox"
	"crabstack.local/projects/crab-core/internal/types"
)

const (
	DefaultFailureMessage = "Sorry, I couldn't complete that request."

	defaultMaxRounds      = 10
	defaultConcurrency    = 4
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 200 * time.Millisecond
	defaultRetryMaxDelay  = 5 * time.Second
	failureSendTimeout    = 10 * time.Second
	receiveRestartDelay   = time.Second
	receiveRestartMax     = 30 * time.Second
)

// Executor runs actions inside the sandbox.
type Executor interface {
	Execute(ctx context.Context, action types.Action) (sandbox.Outcome, error)
	Definitions() []types.ToolDefinition
}

type Option func(*Service)

func WithEmitter(events observer.Emitter) Option {
	return func(s *Service) {
		if events != nil {
			s.events = events
		}
	}
}

func WithSystemPrompt(prompt string) Option {
	return func(s *Service) {
		s.systemPrompt = strings.TrimSpace(prompt)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service drives the per-conversation state machine: plan with the
// backend, run requested actions in the sandbox, record every step in
// memory and deliver the answer on the originating channel.
type Service struct {
	logger       zerolog.Logger
	memory       *memory.Manager
	backend      backend.Backend
	executor     Executor
	channels     map[string]channel.Channel
	events       observer.Emitter
	systemPrompt string
	now          func() time.Time

	maxRounds      int
	turnTimeout    time.Duration
	concurrency    int
	failureMessage string
	retryAttempts  int
	retryBase      time.Duration
	retryMax       time.Duration

	scheduler *Scheduler

	mu            sync.Mutex
	conversations map[types.ConversationID]*conversation
}

func New(logger zerolog.Logger, cfg config.OrchestratorConfig, mem *memory.Manager, planner backend.Backend, executor Executor, channels []channel.Channel, opts ...Option) (*Service, error) {
	if mem == nil {
		return nil, errors.New("memory manager is required")
	}
	if planner == nil {
		return nil, errors.New("backend is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}

	s := &Service{
		logger:         logger,
		memory:         mem,
		backend:        planner,
		executor:       executor,
		channels:       make(map[string]channel.Channel, len(channels)),
		events:         observer.Nop(),
		now:            time.Now,
		maxRounds:      positive(cfg.MaxRounds, defaultMaxRounds),
		turnTimeout:    cfg.TurnTimeout,
		concurrency:    positive(cfg.MaxActionConcurrency, defaultConcurrency),
		failureMessage: strings.TrimSpace(cfg.FailureMessage),
		retryAttempts:  positive(cfg.Retry.Attempts, defaultRetryAttempts),
		retryBase:      cfg.Retry.BaseDelay,
		retryMax:       cfg.Retry.MaxDelay,
		conversations:  make(map[types.ConversationID]*conversation),
	}
	if s.failureMessage == "" {
		s.failureMessage = DefaultFailureMessage
	}
	if s.retryBase <= 0 {
		s.retryBase = defaultRetryBaseDelay
	}
	if s.retryMax <= 0 {
		s.retryMax = defaultRetryMaxDelay
	}
	for _, ch := range channels {
		if ch == nil {
			continue
		}
		name := ch.Name()
		if _, dup := s.channels[name]; dup {
			return nil, fmt.Errorf("duplicate channel %q", name)
		}
		s.channels[name] = ch
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.scheduler = NewScheduler(logger, s.handle,
		WithQueueSize(cfg.QueueSize),
		WithIdleTimeout(cfg.IdleTimeout),
		WithEvictFunc(s.evict),
	)
	return s, nil
}

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Submit queues msg on its conversation's worker.
func (s *Service) Submit(ctx context.Context, msg types.InboundMessage) error {
	if !msg.ConversationID.Valid() {
		return fmt.Errorf("invalid conversation id %q", msg.ConversationID)
	}
	return s.scheduler.Enqueue(ctx, msg)
}

// State reports the current state of a conversation. Unknown conversations
// are idle.
func (s *Service) State(id types.ConversationID) State {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	s.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return conv.State()
}

// Close cancels a conversation's turn in flight and drops its queue.
func (s *Service) Close(id types.ConversationID) {
	s.scheduler.Close(id)
}

func (s *Service) Shutdown(ctx context.Context) error {
	return s.scheduler.Shutdown(ctx)
}

func (s *Service) handle(ctx context.Context, msg types.InboundMessage) {
	_ = s.Process(ctx, msg)
}

func (s *Service) evict(ctx context.Context, id types.ConversationID) {
	s.mu.Lock()
	delete(s.conversations, id)
	s.mu.Unlock()
	if err := s.memory.Flush(ctx, id); err != nil {
		s.logger.Error().Err(err).Str("conversation_id", id.String()).Msg("flush evicted conversation")
	}
	s.emit(types.EventTypeConversationEvicted, id, nil)
}

func (s *Service) conversation(id types.ConversationID) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		conv = newConversation(id, s.now())
		s.conversations[id] = conv
	}
	return conv
}

// Process runs one inbound message through the state machine and returns
// once the conversation is idle again. Failures have already been reported
// to the channel when Process returns them.
func (s *Service) Process(ctx context.Context, msg types.InboundMessage) error {
	id := msg.ConversationID
	if !id.Valid() {
		return fmt.Errorf("invalid conversation id %q", id)
	}
	channelName := msg.Channel
	if channelName == "" {
		channelName = id.Channel()
	}
	ch, ok := s.channels[channelName]
	if !ok {
		s.logger.Error().Str("conversation_id", id.String()).Str("channel", channelName).Msg("message from unknown channel")
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelName)
	}

	conv := s.conversation(id)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	ctx = types.WithConversation(ctx, id)
	if s.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.turnTimeout)
		defer cancel()
	}

	logger := s.logger.With().Str("conversation_id", id.String()).Str("message_id", msg.ID).Logger()
	logger.Debug().Msg("turn start")
	s.emit(types.EventTypeMessageReceived, id, map[string]any{"message_id": msg.ID, "channel": channelName})

	text, err := s.runTurn(ctx, conv, msg)
	if err == nil {
		err = s.deliver(ctx, ch, types.OutboundMessage{ConversationID: id, Text: text, ReplyTo: msg.ID})
		if err == nil {
			s.emit(types.EventTypeResponseDelivered, id, map[string]any{"message_id": msg.ID})
			s.transition(conv, StateIdle)
			logger.Debug().Msg("turn complete")
			return nil
		}
	}
	err = s.cancellation(ctx, err)
	s.fail(ctx, conv, ch, msg, err)
	return err
}

// cancellation maps an error caused by the turn's context ending onto
// ErrCancelled.
func (s *Service) cancellation(ctx context.Context, err error) error {
	if errors.Is(err, ErrCancelled) || ctx.Err() == nil {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return err
}

func (s *Service) runTurn(ctx context.Context, conv *conversation, msg types.InboundMessage) (string, error) {
	id := conv.id
	s.transition(conv, StateAwaitingPlan)

	if _, err := s.memory.Append(ctx, id, types.Turn{Role: types.RoleUser, Content: msg.Text, CreatedAt: msg.ReceivedAt}); err != nil {
		return "", fmt.Errorf("record user turn: %w", err)
	}

	tools := s.executor.Definitions()
	for round := 0; ; round++ {
		window, err := s.memory.Assemble(ctx, id, msg.Text)
		if err != nil {
			return "", fmt.Errorf("assemble context: %w", err)
		}
		plan, err := s.decide(ctx, backend.Request{
			ConversationID: id,
			SystemPrompt:   s.systemPrompt,
			Turns:          window.Turns(),
			Tools:          tools,
		})
		if err != nil {
			return "", err
		}
		s.emit(types.EventTypeBackendDecided, id, map[string]any{
			"round":         round,
			"actions":       len(plan.Actions),
			"stop_reason":   plan.StopReason,
			"input_tokens":  plan.Usage.InputTokens,
			"output_tokens": plan.Usage.OutputTokens,
		})

		if plan.Final() {
			s.transition(conv, StateFinalizing)
			if _, err := s.memory.Append(ctx, id, types.Turn{Role: types.RoleAssistant, Content: plan.Text}); err != nil {
				return "", fmt.Errorf("record answer: %w", err)
			}
			return plan.Text, nil
		}
		if round >= s.maxRounds {
			return "", fmt.Errorf("%w: backend still requested actions after %d rounds", ErrPlanLoopExceeded, s.maxRounds)
		}

		s.transition(conv, StateExecutingActions)
		actions := make([]types.Action, len(plan.Actions))
		for i, action := range plan.Actions {
			actions[i] = types.CloneAction(action)
			if actions[i].CallID == "" {
				actions[i].CallID = ids.NewPrefixed("call")
			}
		}
		if _, err := s.memory.Append(ctx, id, types.Turn{Role: types.RoleAssistant, Content: plan.Text, Actions: actions}); err != nil {
			return "", fmt.Errorf("record plan: %w", err)
		}

		results := s.executeRound(ctx, id, actions)
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		for _, result := range results {
			if _, err := s.memory.Append(ctx, id, result); err != nil {
				return "", fmt.Errorf("record tool result: %w", err)
			}
		}
		s.transition(conv, StateAwaitingPlan)
	}
}

// executeRound runs the actions of one round concurrently. Results come
// back in request order.
func (s *Service) executeRound(ctx context.Context, id types.ConversationID, actions []types.Action) []types.Turn {
	mapper := conciter.Mapper[types.Action, types.Turn]{MaxGoroutines: s.concurrency}
	return mapper.Map(actions, func(action *types.Action) types.Turn {
		return s.executeAction(ctx, id, *action)
	})
}

func (s *Service) executeAction(ctx context.Context, id types.ConversationID, action types.Action) types.Turn {
	turn := types.Turn{Role: types.RoleTool, CallID: action.CallID, ToolName: action.Tool}
	s.emit(types.EventTypeActionDispatched, id, map[string]any{"call_id": action.CallID, "tool": action.Tool})

	outcome, err := s.executor.Execute(ctx, action)
	if err == nil {
		turn.Content = string(outcome.Payload)
		s.emit(types.EventTypeActionCompleted, id, map[string]any{
			"call_id":     action.CallID,
			"tool":        outcome.Tool,
			"rule":        outcome.Metadata.Rule,
			"duration_ms": outcome.Metadata.Duration.Milliseconds(),
			"bytes":       outcome.Metadata.Bytes,
		})
		return turn
	}

	turn.IsError = true
	var toolErr *sandbox.ToolError
	if errors.As(err, &toolErr) {
		turn.Content = string(toolErr.Payload())
		eventType := types.EventTypeActionFailed
		if toolErr.Kind == sandbox.KindNotAllowed {
			eventType = types.EventTypeActionRejected
		}
		s.emit(eventType, id, map[string]any{
			"call_id": action.CallID,
			"tool":    action.Tool,
			"kind":    string(toolErr.Kind),
			"reason":  toolErr.Reason,
			"error":   err.Error(),
		})
		s.logger.Info().
			Str("conversation_id", id.String()).
			Str("call_id", action.CallID).
			Str("tool", action.Tool).
			Str("kind", string(toolErr.Kind)).
			Str("reason", toolErr.Reason).
			Msg("action not completed")
		return turn
	}

	payload, _ := json.Marshal(map[string]string{"error": "cancelled", "tool": action.Tool})
	turn.Content = string(payload)
	s.emit(types.EventTypeActionFailed, id, map[string]any{"call_id": action.CallID, "tool": action.Tool, "kind": "cancelled", "error": err.Error()})
	return turn
}

func (s *Service) backoff() retry.Backoff {
	b := retry.NewExponential(s.retryBase)
	b = retry.WithCappedDuration(s.retryMax, b)
	return retry.WithMaxRetries(uint64(s.retryAttempts-1), b)
}

func (s *Service) decide(ctx context.Context, req backend.Request) (backend.PlannedResponse, error) {
	var plan backend.PlannedResponse
	attempt := 0
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		resp, err := s.backend.Decide(ctx, req)
		if err != nil {
			if backend.IsTransient(err) && ctx.Err() == nil {
				s.logger.Warn().Err(err).Str("conversation_id", req.ConversationID.String()).Int("attempt", attempt).Msg("backend transient failure")
				s.emit(types.EventTypeBackendRetry, req.ConversationID, map[string]any{"attempt": attempt, "error": err.Error()})
				return retry.RetryableError(err)
			}
			return err
		}
		plan = resp
		return nil
	})
	if err != nil {
		return backend.PlannedResponse{}, fmt.Errorf("decide with %s: %w", s.backend.Name(), err)
	}
	return plan, nil
}

func (s *Service) deliver(ctx context.Context, ch channel.Channel, msg types.OutboundMessage) error {
	attempt := 0
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		err := ch.Send(ctx, msg)
		if err != nil && channel.IsTransient(err) && ctx.Err() == nil {
			s.emit(types.EventTypeChannelRetry, msg.ConversationID, map[string]any{"attempt": attempt, "error": err.Error()})
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("deliver on %s: %w", ch.Name(), err)
	}
	return nil
}

// fail moves the conversation through Errored back to Idle and tells the
// user, without internal detail.
func (s *Service) fail(ctx context.Context, conv *conversation, ch channel.Channel, msg types.InboundMessage, err error) {
	condition := conditionOf(err)
	s.transition(conv, StateErrored)
	s.logger.Error().Err(err).
		Str("conversation_id", conv.id.String()).
		Str("message_id", msg.ID).
		Str("condition", string(condition)).
		Msg("turn failed")
	s.emit(types.EventTypeConversationErrored, conv.id, map[string]any{
		"message_id": msg.ID,
		"condition":  string(condition),
		"error":      err.Error(),
	})

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureSendTimeout)
	defer cancel()
	failure := types.OutboundMessage{ConversationID: conv.id, Text: s.failureMessage, ReplyTo: msg.ID, Failure: true}
	if sendErr := s.deliver(sendCtx, ch, failure); sendErr != nil {
		s.logger.Error().Err(sendErr).Str("conversation_id", conv.id.String()).Msg("failure message not delivered")
	}
	s.transition(conv, StateIdle)
}

func (s *Service) transition(conv *conversation, to State) {
	from, err := conv.transition(to, s.now())
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", conv.id.String()).Msg("state machine")
		return
	}
	s.emit(types.EventTypeStateChanged, conv.id, map[string]any{"from": string(from), "to": string(to)})
}

func (s *Service) emit(eventType types.EventType, id types.ConversationID, attrs map[string]any) {
	s.events.Emit(types.NewEvent(eventType, id, attrs))
}

// Run receives from every channel until ctx ends or all channels are
// closed. Receive failures are retried with backoff.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range s.channels {
		g.Go(func() error {
			s.receive(gctx, ch)
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) receive(ctx context.Context, ch channel.Channel) {
	logger := s.logger.With().Str("channel", ch.Name()).Logger()
	for ctx.Err() == nil {
		var inbound <-chan types.InboundMessage
		b := retry.WithCappedDuration(receiveRestartMax, retry.NewExponential(receiveRestartDelay))
		err := retry.Do(ctx, b, func(ctx context.Context) error {
			var err error
			inbound, err = ch.Receive(ctx)
			if err != nil && channel.IsTransient(err) {
				logger.Warn().Err(err).Msg("channel receive failed, retrying")
				s.emit(types.EventTypeChannelReceiveFailed, "", map[string]any{"channel": ch.Name(), "error": err.Error(), "retrying": true})
				return retry.RetryableError(err)
			}
			return err
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, channel.ErrClosed) {
				return
			}
			logger.Error().Err(err).Msg("channel receive stopped")
			s.emit(types.EventTypeChannelReceiveFailed, "", map[string]any{"channel": ch.Name(), "error": err.Error(), "retrying": false})
			return
		}

		for msg := range inbound {
			if msg.Channel == "" {
				msg.Channel = ch.Name()
			}
			if err := s.Submit(ctx, msg); err != nil {
				logger.Warn().Err(err).Str("conversation_id", msg.ConversationID.String()).Msg("inbound message rejected")
			}
		}
	}
}
