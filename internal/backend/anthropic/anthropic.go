package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"crabstack.local/projects/crab-core/internal/backend"
	"crabstack.local/projects/crab-core/internal/types"
)

const (
	Name             = "anthropic"
	DefaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
)

type Option func(*Backend)

func WithModel(model string) Option {
	return func(b *Backend) {
		if model = strings.TrimSpace(model); model != "" {
			b.model = model
		}
	}
}

func WithMaxTokens(maxTokens int64) Option {
	return func(b *Backend) {
		if maxTokens > 0 {
			b.maxTokens = maxTokens
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(b *Backend) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			b.clientOpts = append(b.clientOpts, option.WithBaseURL(baseURL))
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) {
		if client != nil {
			b.clientOpts = append(b.clientOpts, option.WithHTTPClient(client))
		}
	}
}

type Backend struct {
	client     anthropic.Client
	model      string
	maxTokens  int64
	clientOpts []option.RequestOption
}

// New builds a Messages API backend. Retries are left to the caller, so
// the SDK's own retry loop is disabled.
func New(apiKey string, opts ...Option) *Backend {
	b := &Backend{
		model:     DefaultModel,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	clientOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, b.clientOpts...)
	b.client = anthropic.NewClient(clientOpts...)
	return b
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Decide(ctx context.Context, req backend.Request) (backend.PlannedResponse, error) {
	messages, system := buildMessages(req)
	if len(messages) == 0 {
		return backend.PlannedResponse{}, &backend.Error{Backend: Name, Err: errors.New("no user message to send")}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: b.maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return backend.PlannedResponse{}, classify(err)
	}

	planned := backend.PlannedResponse{
		StopReason: string(resp.StopReason),
		Usage: backend.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if t := block.AsText().Text; t != "" {
				text = append(text, t)
			}
		case "tool_use":
			toolUse := block.AsToolUse()
			raw, err := json.Marshal(toolUse.Input)
			if err != nil {
				return backend.PlannedResponse{}, &backend.Error{Backend: Name, Err: fmt.Errorf("encode tool input: %w", err)}
			}
			args, err := backend.DecodeArgs(raw)
			if err != nil {
				return backend.PlannedResponse{}, &backend.Error{Backend: Name, Err: fmt.Errorf("decode tool input for %s: %w", toolUse.Name, err)}
			}
			planned.Actions = append(planned.Actions, types.Action{CallID: toolUse.ID, Tool: toolUse.Name, Args: args})
		}
	}
	planned.Text = strings.Join(text, "\n")
	return planned, nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return backend.Classify(Name, apiErr.StatusCode, err)
	}
	return backend.Classify(Name, 0, err)
}

// buildMessages converts the transcript into alternating user/assistant
// messages. Tool results travel in the user message that follows the
// assistant's tool_use blocks; system turns join the system prompt.
func buildMessages(req backend.Request) ([]anthropic.MessageParam, string) {
	systemParts := []string{}
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		systemParts = append(systemParts, s)
	}

	var (
		messages []anthropic.MessageParam
		role     anthropic.MessageParamRole
		blocks   []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if role == anthropic.MessageParamRoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
		blocks = nil
	}
	push := func(r anthropic.MessageParamRole, block anthropic.ContentBlockParamUnion) {
		if r != role {
			flush()
			role = r
		}
		blocks = append(blocks, block)
	}

	started := false
	for _, turn := range backend.Transcript(req.Turns) {
		if turn.Role == types.RoleUser {
			started = true
		}
		if !started && turn.Role != types.RoleSystem {
			continue
		}
		switch turn.Role {
		case types.RoleSystem:
			if s := strings.TrimSpace(turn.Content); s != "" {
				systemParts = append(systemParts, s)
			}
		case types.RoleUser:
			if turn.Content != "" {
				push(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(turn.Content))
			}
		case types.RoleAssistant:
			if turn.Content != "" {
				push(anthropic.MessageParamRoleAssistant, anthropic.NewTextBlock(turn.Content))
			}
			for _, action := range turn.Actions {
				args := action.Args
				if args == nil {
					args = map[string]any{}
				}
				push(anthropic.MessageParamRoleAssistant, anthropic.NewToolUseBlock(action.CallID, args, action.Tool))
			}
		case types.RoleTool:
			push(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(turn.CallID, turn.Content, turn.IsError))
		}
	}
	flush()
	return messages, strings.Join(systemParts, "\n\n")
}

func buildTools(defs []types.ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := backend.SchemaObject(def.InputSchema)
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: schema["properties"],
			Required:   backend.RequiredFields(schema),
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, def.Name)
		if def.Description != "" && tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}
