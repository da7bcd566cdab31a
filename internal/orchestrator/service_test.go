package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"crabstack.local/projects/crab-core/internal/backend"
	"crabstack.local/projects/crab-core/internal/channel"
	"crabstack.local/projects/crab-core/internal/config"
	"crabstack.local/projects/crab-core/internal/memory"
	"crabstack.local/projects/crab-core/internal/policy"
	"crabstack.local/projects/crab-core/internal/sandbox"
	"crabstack.local/projects/crab-core/internal/tools"
	"crabstack.local/projects/crab-core/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testConversation types.ConversationID = "test:peer"

type decideFunc func(ctx context.Context, call int, req backend.Request) (backend.PlannedResponse, error)

type scriptedBackend struct {
	decide   decideFunc
	calls    atomic.Int32
	inFlight atomic.Int32
	overlap  atomic.Bool

	mu       sync.Mutex
	requests []backend.Request
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Decide(ctx context.Context, req backend.Request) (backend.PlannedResponse, error) {
	if b.inFlight.Add(1) > 1 {
		b.overlap.Store(true)
	}
	defer b.inFlight.Add(-1)
	call := int(b.calls.Add(1))
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	return b.decide(ctx, call, req)
}

func (b *scriptedBackend) Requests() []backend.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Request(nil), b.requests...)
}

type recordingChannel struct {
	name    string
	inbox   *channel.Inbox
	sendErr func(attempt int) error
	sent    chan types.OutboundMessage

	mu       sync.Mutex
	attempts int
}

func newRecordingChannel(name string) *recordingChannel {
	return &recordingChannel{name: name, inbox: channel.NewInbox(8), sent: make(chan types.OutboundMessage, 64)}
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Receive(ctx context.Context) (<-chan types.InboundMessage, error) {
	return c.inbox.Receive(ctx)
}

func (c *recordingChannel) Send(_ context.Context, msg types.OutboundMessage) error {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()
	if c.sendErr != nil {
		if err := c.sendErr(attempt); err != nil {
			return err
		}
	}
	c.sent <- msg
	return nil
}

func (c *recordingChannel) next(t *testing.T) types.OutboundMessage {
	t.Helper()
	select {
	case msg := <-c.sent:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return types.OutboundMessage{}
	}
}

type fakeTool struct {
	name   string
	invoke func(ctx context.Context, call tools.Call) (json.RawMessage, error)
}

func (f *fakeTool) Name() string { return f.name }
func (f *fakeTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{Name: f.name, Description: "test tool"}
}
func (f *fakeTool) Invoke(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	return f.invoke(ctx, call)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recordingEmitter) Emit(event types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) transitions(id types.ConversationID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, event := range r.events {
		if event.Type == types.EventTypeStateChanged && event.ConversationID == id {
			out = append(out, event.Attrs["from"].(string)+">"+event.Attrs["to"].(string))
		}
	}
	return out
}

func (r *recordingEmitter) has(eventType types.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

type harness struct {
	svc     *Service
	backend *scriptedBackend
	channel *recordingChannel
	memory  *memory.Manager
	store   *memory.MemoryStore
	events  *recordingEmitter
}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		MaxRounds:            10,
		QueueSize:            8,
		MaxActionConcurrency: 4,
		Retry:                config.RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func newHarness(t *testing.T, cfg config.OrchestratorConfig, decide decideFunc, toolset ...tools.Tool) *harness {
	t.Helper()
	engine, err := policy.NewEngine([]policy.Rule{
		{Tool: policy.AnyTool, Pattern: "**", Effect: policy.EffectAllow},
		{Tool: "forbidden", Pattern: "**", Effect: policy.EffectDeny},
	})
	require.NoError(t, err)
	toolset = append(toolset, &fakeTool{name: "forbidden", invoke: func(context.Context, tools.Call) (json.RawMessage, error) {
		t.Error("denied tool must never run")
		return nil, nil
	}})
	executor, err := sandbox.New(engine, toolset, config.SandboxConfig{DefaultTimeout: time.Second})
	require.NoError(t, err)

	store := memory.NewMemoryStore()
	events := &recordingEmitter{}
	mem := memory.NewManager(store, memory.WithWindowSize(64))
	b := &scriptedBackend{decide: decide}
	ch := newRecordingChannel("test")

	svc, err := New(zerolog.Nop(), cfg, mem, b, executor, []channel.Channel{ch}, WithEmitter(events))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, svc.Shutdown(ctx))
	})
	return &harness{svc: svc, backend: b, channel: ch, memory: mem, store: store, events: events}
}

func (h *harness) turns(t *testing.T) []types.Turn {
	t.Helper()
	window, err := h.memory.Assemble(context.Background(), testConversation, "")
	require.NoError(t, err)
	return window.Recent
}

func inbound(id, text string) types.InboundMessage {
	return types.InboundMessage{ID: id, Channel: "test", ConversationID: testConversation, Text: text}
}

func final(text string) backend.PlannedResponse {
	return backend.PlannedResponse{Text: text, StopReason: "end_turn"}
}

func TestProcessDeliversFinalAnswer(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ context.Context, _ int, req backend.Request) (backend.PlannedResponse, error) {
		return final("echo: " + req.Turns[len(req.Turns)-1].Content), nil
	})

	require.NoError(t, h.svc.Process(context.Background(), inbound("m1", "hello")))

	out := h.channel.next(t)
	assert.Equal(t, "echo: hello", out.Text)
	assert.Equal(t, "m1", out.ReplyTo)
	assert.False(t, out.Failure)
	assert.Equal(t, StateIdle, h.svc.State(testConversation))
	assert.Equal(t, []string{"idle>awaiting_plan", "awaiting_plan>finalizing", "finalizing>idle"}, h.events.transitions(testConversation))

	turns := h.turns(t)
	require.Len(t, turns, 2)
	assert.Equal(t, types.RoleUser, turns[0].Role)
	assert.Equal(t, types.RoleAssistant, turns[1].Role)
	assert.Equal(t, "echo: hello", turns[1].Content)
}

// Results of one round are fed back in request order even when later
// actions finish first.
func TestActionResultsKeepRequestOrder(t *testing.T) {
	var completionMu sync.Mutex
	var completed []string
	sleeper := &fakeTool{name: "sleep", invoke: func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		delay := time.Duration(call.Args["ms"].(float64)) * time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		completionMu.Lock()
		completed = append(completed, call.ID)
		completionMu.Unlock()
		return json.Marshal(map[string]string{"call": call.ID})
	}}

	var fedBack []string
	h := newHarness(t, testConfig(), func(_ context.Context, call int, req backend.Request) (backend.PlannedResponse, error) {
		if call == 1 {
			return backend.PlannedResponse{Actions: []types.Action{
				{CallID: "slow-1", Tool: "sleep", Args: map[string]any{"ms": float64(120)}},
				{CallID: "slow-2", Tool: "sleep", Args: map[string]any{"ms": float64(80)}},
				{CallID: "fast", Tool: "sleep", Args: map[string]any{"ms": float64(1)}},
			}}, nil
		}
		for _, turn := range req.Turns {
			if turn.Role == types.RoleTool {
				fedBack = append(fedBack, turn.CallID)
			}
		}
		return final("done"), nil
	}, sleeper)

	require.NoError(t, h.svc.Process(context.Background(), inbound("m1", "go")))
	assert.Equal(t, "done", h.channel.next(t).Text)

	assert.Equal(t, []string{"slow-1", "slow-2", "fast"}, fedBack)
	completionMu.Lock()
	assert.Equal(t, "fast", completed[0])
	completionMu.Unlock()
	assert.Equal(t, []string{
		"idle>awaiting_plan",
		"awaiting_plan>executing_actions",
		"executing_actions>awaiting_plan",
		"awaiting_plan>finalizing",
		"finalizing>idle",
	}, h.events.transitions(testConversation))
}

// A second message for the same conversation waits for the first to
// finish, and turns are recorded in arrival order.
func TestBackToBackMessagesAreSerialized(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ context.Context, _ int, req backend.Request) (backend.PlannedResponse, error) {
		time.Sleep(30 * time.Millisecond)
		return final("re: " + req.Turns[len(req.Turns)-1].Content), nil
	})

	require.NoError(t, h.svc.Submit(context.Background(), inbound("m1", "first")))
	require.NoError(t, h.svc.Submit(context.Background(), inbound("m2", "second")))

	assert.Equal(t, "re: first", h.channel.next(t).Text)
	assert.Equal(t, "re: second", h.channel.next(t).Text)
	assert.False(t, h.backend.overlap.Load(), "turns of one conversation overlapped")

	turns := h.turns(t)
	contents := make([]string, 0, len(turns))
	for _, turn := range turns {
		contents = append(contents, turn.Content)
	}
	assert.Equal(t, []string{"first", "re: first", "second", "re: second"}, contents)
}

func TestPlanLoopExceeded(t *testing.T) {
	noop := &fakeTool{name: "noop", invoke: func(context.Context, tools.Call) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}}
	h := newHarness(t, testConfig(), func(_ context.Context, call int, _ backend.Request) (backend.PlannedResponse, error) {
		return backend.PlannedResponse{Actions: []types.Action{{Tool: "noop"}}}, nil
	}, noop)

	err := h.svc.Process(context.Background(), inbound("m1", "loop forever"))
	require.ErrorIs(t, err, ErrPlanLoopExceeded)
	assert.Equal(t, int32(11), h.backend.calls.Load())

	out := h.channel.next(t)
	assert.True(t, out.Failure)
	assert.Equal(t, DefaultFailureMessage, out.Text)
	assert.Equal(t, StateIdle, h.svc.State(testConversation))
	assert.True(t, h.events.has(types.EventTypeConversationErrored))

	turns := h.turns(t)
	require.Len(t, turns, 21)
	assert.Equal(t, "loop forever", turns[0].Content)
	for i := 1; i < len(turns); i += 2 {
		assert.Equal(t, types.RoleAssistant, turns[i].Role)
		assert.Equal(t, types.RoleTool, turns[i+1].Role)
		assert.Equal(t, turns[i].Actions[0].CallID, turns[i+1].CallID)
	}
}

func TestDeniedActionIsFedBack(t *testing.T) {
	var rejection types.Turn
	h := newHarness(t, testConfig(), func(_ context.Context, call int, req backend.Request) (backend.PlannedResponse, error) {
		if call == 1 {
			return backend.PlannedResponse{Actions: []types.Action{{CallID: "c1", Tool: "forbidden"}}}, nil
		}
		rejection = req.Turns[len(req.Turns)-1]
		return final("could not do that"), nil
	})

	require.NoError(t, h.svc.Process(context.Background(), inbound("m1", "do the forbidden thing")))
	assert.Equal(t, "could not do that", h.channel.next(t).Text)

	assert.True(t, rejection.IsError)
	assert.Equal(t, "c1", rejection.CallID)
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(rejection.Content), &payload))
	assert.Equal(t, "not_allowed", payload["error"])
	assert.Equal(t, "forbidden", payload["tool"])
	assert.True(t, h.events.has(types.EventTypeActionRejected))
}

func TestUnknownToolIsFedBack(t *testing.T) {
	var result types.Turn
	h := newHarness(t, testConfig(), func(_ context.Context, call int, req backend.Request) (backend.PlannedResponse, error) {
		if call == 1 {
			return backend.PlannedResponse{Actions: []types.Action{{Tool: "does_not_exist"}}}, nil
		}
		result = req.Turns[len(req.Turns)-1]
		return final("ok"), nil
	})
	require.NoError(t, h.svc.Process(context.Background(), inbound("m1", "x")))
	h.channel.next(t)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, `"not_allowed"`)
	assert.NotEmpty(t, result.CallID)
}

func TestTransientBackendErrorsAreRetried(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ context.Context, call int, _ backend.Request) (backend.PlannedResponse, error) {
		if call < 3 {
			return backend.PlannedResponse{}, &backend.Error{Backend: "scripted", StatusCode: 429, Transient: true, Err: errors.New("slow down")}
		}
		return final("finally"), nil
	})
	require.NoError(t, h.svc.Process(context.Background(), inbound("m1", "x")))
	assert.Equal(t, "finally", h.channel.next(t).Text)
	assert.Equal(t, int32(3), h.backend.calls.Load())
	assert.True(t, h.events.has(types.EventTypeBackendRetry))
}

func TestTransientBackendErrorsExhaustAttempts(t *testing.T) {
	h := newHarness(t, testConfig(), func(context.Context, int, backend.Request) (backend.PlannedResponse, error) {
		return backend.PlannedResponse{}, &backend.Error{Backend: "scripted", StatusCode: 503, Transient: true, Err: errors.New("unavailable")}
	})
	err := h.svc.Process(context.Background(), inbound("m1", "x"))
	require.Error(t, err)
	assert.True(t, backend.IsTransient(err))
	assert.Equal(t, int32(3), h.backend.calls.Load())
	assert.True(t, h.channel.next(t).Failure)
}

func TestPermanentBackendErrorFailsOnce(t *testing.T) {
	h := newHarness(t, testConfig(), func(context.Context, int, backend.Request) (backend.PlannedResponse, error) {
		return backend.PlannedResponse{}, &backend.Error{Backend: "scripted", StatusCode: 400, Err: errors.New("secret internal detail")}
	})
	err := h.svc.Process(context.Background(), inbound("m1", "x"))
	require.Error(t, err)
	assert.Equal(t, int32(1), h.backend.calls.Load())

	out := h.channel.next(t)
	assert.True(t, out.Failure)
	assert.NotContains(t, out.Text, "secret internal detail")
	assert.Equal(t, StateIdle, h.svc.State(testConversation))

	// History survives the failure.
	turns := h.turns(t)
	require.Len(t, turns, 1)
	assert.Equal(t, "x", turns[0].Content)
}

func TestTurnTimeoutCancelsConversation(t *testing.T) {
	cfg := testConfig()
	cfg.TurnTimeout = 50 * time.Millisecond
	toolStarted := make(chan struct{})
	blocking := &fakeTool{name: "block", invoke: func(ctx context.Context, _ tools.Call) (json.RawMessage, error) {
		close(toolStarted)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, cfg, func(context.Context, int, backend.Request) (backend.PlannedResponse, error) {
		return backend.PlannedResponse{Actions: []types.Action{{Tool: "block"}}}, nil
	}, blocking)

	err := h.svc.Process(context.Background(), inbound("m1", "x"))
	require.ErrorIs(t, err, ErrCancelled)
	<-toolStarted
	out := h.channel.next(t)
	assert.True(t, out.Failure)
	assert.Equal(t, StateIdle, h.svc.State(testConversation))
}

func TestCloseCancelsScheduledTurn(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, testConfig(), func(ctx context.Context, _ int, _ backend.Request) (backend.PlannedResponse, error) {
		close(started)
		<-ctx.Done()
		return backend.PlannedResponse{}, ctx.Err()
	})
	require.NoError(t, h.svc.Submit(context.Background(), inbound("m1", "x")))
	<-started
	h.svc.Close(testConversation)

	out := h.channel.next(t)
	assert.True(t, out.Failure)
	require.Eventually(t, func() bool {
		h.events.mu.Lock()
		defer h.events.mu.Unlock()
		for _, event := range h.events.events {
			if event.Type == types.EventTypeConversationErrored {
				return event.Attrs["condition"] == string(ConditionCancelled)
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitAfterCloseKeepsNewTurnState(t *testing.T) {
	started := make(chan struct{})
	planning := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, testConfig(), func(ctx context.Context, call int, _ backend.Request) (backend.PlannedResponse, error) {
		if call == 1 {
			close(started)
			<-ctx.Done()
			return backend.PlannedResponse{}, ctx.Err()
		}
		close(planning)
		<-release
		return final("second"), nil
	})
	require.NoError(t, h.svc.Submit(context.Background(), inbound("m1", "first")))
	<-started
	h.svc.Close(testConversation)
	require.NoError(t, h.svc.Submit(context.Background(), inbound("m2", "again")))

	assert.True(t, h.channel.next(t).Failure)
	<-planning
	assert.Equal(t, StateAwaitingPlan, h.svc.State(testConversation))
	close(release)
	assert.Equal(t, "second", h.channel.next(t).Text)

	require.Eventually(t, func() bool {
		return h.svc.State(testConversation) == StateIdle
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, h.events.has(types.EventTypeConversationEvicted))

	turns := h.turns(t)
	require.NotEmpty(t, turns)
	assert.Equal(t, "second", turns[len(turns)-1].Content)
	var contents []string
	for _, turn := range turns {
		contents = append(contents, turn.Content)
	}
	assert.Contains(t, contents, "again")
}

func TestTransientChannelErrorsAreRetried(t *testing.T) {
	h := newHarness(t, testConfig(), func(context.Context, int, backend.Request) (backend.PlannedResponse, error) {
		return final("hello"), nil
	})
	h.channel.sendErr = func(attempt int) error {
		if attempt == 1 {
			return &channel.Error{Channel: "test", Transient: true, Err: errors.New("hiccup")}
		}
		return nil
	}
	require.NoError(t, h.svc.Process(context.Background(), inbound("m1", "x")))
	assert.Equal(t, "hello", h.channel.next(t).Text)
	assert.True(t, h.events.has(types.EventTypeChannelRetry))
}

func TestPermanentChannelErrorErrors(t *testing.T) {
	h := newHarness(t, testConfig(), func(context.Context, int, backend.Request) (backend.PlannedResponse, error) {
		return final("hello"), nil
	})
	h.channel.sendErr = func(attempt int) error {
		if attempt == 1 {
			return &channel.Error{Channel: "test", Err: errors.New("gone")}
		}
		return nil
	}
	err := h.svc.Process(context.Background(), inbound("m1", "x"))
	require.Error(t, err)
	assert.Equal(t, ConditionChannel, conditionOf(err))
	assert.True(t, h.channel.next(t).Failure)
}

func TestIdleConversationIsFlushedToStore(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, func(context.Context, int, backend.Request) (backend.PlannedResponse, error) {
		return final("bye"), nil
	})
	require.NoError(t, h.svc.Submit(context.Background(), inbound("m1", "hi")))
	h.channel.next(t)

	require.Eventually(t, func() bool {
		return h.svc.scheduler.Active() == 0 && h.events.has(types.EventTypeConversationEvicted)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.store.Len())

	// The window rehydrates from the store on the next message.
	assert.Len(t, h.turns(t), 2)
}

func TestProcessRejectsUnknownChannel(t *testing.T) {
	h := newHarness(t, testConfig(), func(context.Context, int, backend.Request) (backend.PlannedResponse, error) {
		return final("x"), nil
	})
	err := h.svc.Process(context.Background(), types.InboundMessage{ID: "m1", Channel: "nowhere", ConversationID: "nowhere:peer", Text: "x"})
	require.ErrorIs(t, err, ErrUnknownChannel)
	assert.Equal(t, int32(0), h.backend.calls.Load())
}

func TestRunReceivesFromChannels(t *testing.T) {
	h := newHarness(t, testConfig(), func(_ context.Context, _ int, req backend.Request) (backend.PlannedResponse, error) {
		return final(strings.ToUpper(req.Turns[len(req.Turns)-1].Content)), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	require.NoError(t, h.channel.inbox.Deliver(context.Background(), types.InboundMessage{ID: "m1", ConversationID: testConversation, Text: "shout"}))
	assert.Equal(t, "SHOUT", h.channel.next(t).Text)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunReturnsWhenChannelsClose(t *testing.T) {
	h := newHarness(t, testConfig(), func(context.Context, int, backend.Request) (backend.PlannedResponse, error) {
		return final("ok"), nil
	})
	require.NoError(t, h.channel.inbox.Deliver(context.Background(), types.InboundMessage{ID: "m1", ConversationID: testConversation, Text: "last"}))
	h.channel.inbox.Close()

	done := make(chan error, 1)
	go func() { done <- h.svc.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after channel closed")
	}
	assert.Equal(t, "ok", h.channel.next(t).Text)
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateAwaitingPlan, true},
		{StateIdle, StateFinalizing, false},
		{StateAwaitingPlan, StateExecutingActions, true},
		{StateAwaitingPlan, StateFinalizing, true},
		{StateExecutingActions, StateAwaitingPlan, true},
		{StateExecutingActions, StateFinalizing, false},
		{StateFinalizing, StateIdle, true},
		{StateIdle, StateErrored, true},
		{StateExecutingActions, StateErrored, true},
		{StateErrored, StateErrored, false},
		{StateErrored, StateIdle, true},
		{StateErrored, StateAwaitingPlan, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestConditionOf(t *testing.T) {
	assert.Equal(t, ConditionMemory, conditionOf(memory.ErrStoreUnavailable))
	assert.Equal(t, ConditionBackend, conditionOf(&backend.Error{Err: errors.New("x")}))
	assert.Equal(t, ConditionInternal, conditionOf(errors.New("x")))
}
