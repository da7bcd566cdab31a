package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"crabstack.local/projects/crab-core/internal/backend"
	"crabstack.local/projects/crab-core/internal/types"
)

const (
	Name             = "openai"
	DefaultModel     = openai.ChatModelGPT4oMini
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

// Backend plans through the Chat Completions API with function calling.
type Backend struct {
	client     openai.Client
	model      string
	maxTokens  int64
	clientOpts []option.RequestOption
}

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
	b.client = openai.NewClient(clientOpts...)
	return b
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Decide(ctx context.Context, req backend.Request) (backend.PlannedResponse, error) {
	messages := buildMessages(req)
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               b.model,
		MaxCompletionTokens: openai.Int(b.maxTokens),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return backend.PlannedResponse{}, backend.Classify(Name, apiErr.StatusCode, err)
		}
		return backend.PlannedResponse{}, backend.Classify(Name, 0, err)
	}
	if len(resp.Choices) == 0 {
		return backend.PlannedResponse{}, &backend.Error{Backend: Name, Err: errors.New("no choices returned")}
	}

	choice := resp.Choices[0]
	planned := backend.PlannedResponse{
		Text:       choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage: backend.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		args, err := backend.DecodeArgs([]byte(call.Function.Arguments))
		if err != nil {
			return backend.PlannedResponse{}, &backend.Error{Backend: Name, Err: fmt.Errorf("decode arguments for %s: %w", call.Function.Name, err)}
		}
		planned.Actions = append(planned.Actions, types.Action{CallID: call.ID, Tool: call.Function.Name, Args: args})
	}
	return planned, nil
}

func buildMessages(req backend.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if s := strings.TrimSpace(req.SystemPrompt); s != "" {
		messages = append(messages, openai.SystemMessage(s))
	}
	for _, turn := range backend.Transcript(req.Turns) {
		switch turn.Role {
		case types.RoleSystem:
			if turn.Content != "" {
				messages = append(messages, openai.SystemMessage(turn.Content))
			}
		case types.RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case types.RoleAssistant:
			if len(turn.Actions) == 0 {
				messages = append(messages, openai.AssistantMessage(turn.Content))
				continue
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toolCalls(turn.Actions),
			}
			if turn.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(turn.Content)}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case types.RoleTool:
			messages = append(messages, openai.ToolMessage(turn.Content, turn.CallID))
		}
	}
	return messages
}

func toolCalls(actions []types.Action) []openai.ChatCompletionMessageToolCallParam {
	calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(actions))
	for _, action := range actions {
		arguments := "{}"
		if len(action.Args) > 0 {
			if raw, err := json.Marshal(action.Args); err == nil {
				arguments = string(raw)
			}
		}
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID:   action.CallID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      action.Tool,
				Arguments: arguments,
			},
		})
	}
	return calls
}

func buildTools(defs []types.ToolDefinition) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  openai.FunctionParameters(backend.SchemaObject(def.InputSchema)),
			},
		})
	}
	return tools
}
