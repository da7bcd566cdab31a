package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"crabstack.local/projects/crab-core/internal/config"
	"crabstack.local/projects/crab-core/internal/policy"
	"crabstack.local/projects/crab-core/internal/tools"
	"crabstack.local/projects/crab-core/internal/types"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxOutputBytes = 1 << 20
)

type Outcome struct {
	CallID   string          `json:"call_id"`
	Tool     string          `json:"tool"`
	Payload  json.RawMessage `json:"payload"`
	Metadata Metadata        `json:"metadata"`
}

type Metadata struct {
	Rule      string        `json:"rule"`
	Subject   string        `json:"subject,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Bytes     int           `json:"bytes"`
}

type registeredTool struct {
	tool   tools.Tool
	def    types.ToolDefinition
	schema *gojsonschema.Schema
}

// Executor validates actions against policy and runs the matching tool
// under per-tool time and output limits.
type Executor struct {
	tools  map[string]registeredTool
	policy *policy.Engine
	guard  guard
	limits config.SandboxConfig
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Executor)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func New(engine *policy.Engine, toolset []tools.Tool, cfg config.SandboxConfig, opts ...Option) (*Executor, error) {
	if engine == nil {
		return nil, &config.ConfigError{Key: "sandbox.rules", Reason: "policy engine is required"}
	}
	e := &Executor{
		tools:  make(map[string]registeredTool, len(toolset)),
		policy: engine,
		guard:  newGuard(cfg.Roots),
		limits: cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	for _, tool := range toolset {
		if tool == nil {
			continue
		}
		def := tool.Definition()
		name := strings.ToLower(strings.TrimSpace(def.Name))
		if name == "" {
			return nil, &config.ConfigError{Key: "tools", Reason: "tool definition without a name"}
		}
		if _, exists := e.tools[name]; exists {
			return nil, &config.ConfigError{Key: "tools", Reason: fmt.Sprintf("duplicate tool %q", name)}
		}
		entry := registeredTool{tool: tool, def: def}
		if len(def.InputSchema) > 0 {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.InputSchema))
			if err != nil {
				return nil, &config.ConfigError{Key: "tools." + name, Reason: fmt.Sprintf("invalid input schema: %v", err)}
			}
			entry.schema = schema
		}
		e.tools[name] = entry
	}
	return e, nil
}

func (e *Executor) Definitions() []types.ToolDefinition {
	defs := make([]types.ToolDefinition, 0, len(e.tools))
	for _, entry := range e.tools {
		defs = append(defs, entry.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a single action. Denied, timed out, oversized and failed
// actions come back as *ToolError; cancellation of ctx is returned as the
// context error.
func (e *Executor) Execute(ctx context.Context, action types.Action) (Outcome, error) {
	name := strings.ToLower(strings.TrimSpace(action.Tool))
	entry, ok := e.tools[name]
	if !ok {
		return Outcome{}, e.reject(action, "unknown tool", nil)
	}

	args := cloneArgs(action.Args)
	subject := ""
	hasSubject := entry.def.HasSubject()
	if hasSubject {
		raw, ok := args[entry.def.SubjectArg].(string)
		if !ok {
			return Outcome{}, e.reject(action, fmt.Sprintf("argument %q must be a string", entry.def.SubjectArg), nil)
		}
		normalized, err := e.guard.normalize(entry.def.SubjectKind, raw)
		if err != nil {
			return Outcome{}, e.reject(action, err.Error(), nil)
		}
		subject = normalized
		args[entry.def.SubjectArg] = normalized
	}

	decision := e.policy.Evaluate(name, subject, hasSubject)
	if !decision.Allowed {
		return Outcome{}, e.reject(action, decision.Reason, nil)
	}

	if entry.schema != nil {
		result, err := entry.schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return Outcome{}, e.fail(action, KindExecutionFailed, "arguments could not be validated", err)
		}
		if !result.Valid() {
			messages := make([]string, 0, len(result.Errors()))
			for _, desc := range result.Errors() {
				messages = append(messages, desc.String())
			}
			return Outcome{}, e.fail(action, KindExecutionFailed, "invalid arguments: "+strings.Join(messages, "; "), nil)
		}
	}

	timeout, maxBytes := e.limits.ToolLimits(name)
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxOutputBytes
	}

	started := e.now()
	call := tools.Call{ID: action.CallID, Args: args, MaxOutputBytes: maxBytes}
	if hasSubject {
		call.Authorize = e.authorizer(name, entry.def.SubjectKind)
	}
	payload, err := e.invoke(ctx, entry.tool, call, timeout)
	duration := e.now().Sub(started)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, fmt.Errorf("execute %s: %w", name, ctxErr)
		}
		switch {
		case errors.Is(err, tools.ErrNotAllowed):
			return Outcome{}, e.reject(action, err.Error(), err)
		case errors.Is(err, context.DeadlineExceeded):
			return Outcome{}, e.fail(action, KindTimeout, fmt.Sprintf("exceeded %s", timeout), err)
		case errors.Is(err, tools.ErrOutputLimit):
			return Outcome{}, e.fail(action, KindResourceExceeded, fmt.Sprintf("output exceeded %d bytes", maxBytes), err)
		default:
			return Outcome{}, e.fail(action, KindExecutionFailed, "tool failed", err)
		}
	}
	if int64(len(payload)) > maxBytes {
		return Outcome{}, e.fail(action, KindResourceExceeded, fmt.Sprintf("output exceeded %d bytes", maxBytes), nil)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return Outcome{}, e.fail(action, KindExecutionFailed, "tool returned invalid json", nil)
	}

	rule := ""
	if decision.Rule != nil {
		rule = decision.Rule.String()
	}
	e.logger.Debug().
		Str("call_id", action.CallID).
		Str("tool", name).
		Str("rule", rule).
		Dur("duration", duration).
		Int("bytes", len(payload)).
		Msg("action executed")

	return Outcome{
		CallID:  action.CallID,
		Tool:    name,
		Payload: payload,
		Metadata: Metadata{
			Rule:      rule,
			Subject:   subject,
			StartedAt: started,
			Duration:  duration,
			Bytes:     len(payload),
		},
	}, nil
}

// authorizer applies the same guard and policy checks to subjects a tool
// reaches mid-call, such as redirect targets.
func (e *Executor) authorizer(name string, kind types.SubjectKind) func(string) error {
	return func(raw string) error {
		subject, err := e.guard.normalize(kind, raw)
		if err != nil {
			return fmt.Errorf("%w: %v", tools.ErrNotAllowed, err)
		}
		if decision := e.policy.Evaluate(name, subject, true); !decision.Allowed {
			return fmt.Errorf("%w: %s", tools.ErrNotAllowed, decision.Reason)
		}
		return nil
	}
}

type invokeResult struct {
	payload json.RawMessage
	err     error
}

// invoke runs the tool on its own goroutine so a tool that ignores its
// context cannot hold the caller past the deadline.
func (e *Executor) invoke(ctx context.Context, tool tools.Tool, call tools.Call, timeout time.Duration) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- invokeResult{err: fmt.Errorf("tool panic: %v", recovered)}
			}
		}()
		payload, err := tool.Invoke(callCtx, call)
		done <- invokeResult{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && callCtx.Err() != nil && ctx.Err() == nil {
			return nil, context.DeadlineExceeded
		}
		return res.payload, res.err
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

func (e *Executor) reject(action types.Action, reason string, err error) error {
	e.logger.Info().
		Str("call_id", action.CallID).
		Str("tool", action.Tool).
		Str("reason", reason).
		Msg("action rejected")
	return &ToolError{Kind: KindNotAllowed, CallID: action.CallID, Tool: action.Tool, Reason: reason, Err: err}
}

func (e *Executor) fail(action types.Action, kind ErrorKind, reason string, err error) error {
	e.logger.Warn().
		Err(err).
		Str("call_id", action.CallID).
		Str("tool", action.Tool).
		Str("kind", string(kind)).
		Msg("action failed")
	return &ToolError{Kind: kind, CallID: action.CallID, Tool: action.Tool, Reason: reason, Err: err}
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
