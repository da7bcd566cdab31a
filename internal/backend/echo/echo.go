// Package echo is an offline backend for development. It repeats the user's
// text, and a message of the form "/tool <name> <json-args>" plans a single
// tool call whose result is then echoed back as the final answer.
package echo

import (
	"context"
	"fmt"
	"strings"

	"crabstack.local/projects/crab-core/internal/backend"
	"crabstack.local/projects/crab-core/internal/ids"
	"crabstack.local/projects/crab-core/internal/types"
)

const (
	Name          = "echo"
	commandPrefix = "/tool "
)

type Backend struct{}

func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Decide(ctx context.Context, req backend.Request) (backend.PlannedResponse, error) {
	if err := ctx.Err(); err != nil {
		return backend.PlannedResponse{}, err
	}
	if len(req.Turns) == 0 {
		return backend.PlannedResponse{}, &backend.Error{Backend: Name, Err: fmt.Errorf("empty transcript")}
	}

	last := req.Turns[len(req.Turns)-1]
	switch last.Role {
	case types.RoleTool:
		return backend.PlannedResponse{Text: summarizeResults(req.Turns), StopReason: "end_turn"}, nil
	case types.RoleUser:
		if strings.HasPrefix(last.Content, commandPrefix) {
			action, err := parseCommand(strings.TrimPrefix(last.Content, commandPrefix))
			if err != nil {
				return backend.PlannedResponse{Text: "echo: " + err.Error(), StopReason: "end_turn"}, nil
			}
			return backend.PlannedResponse{Actions: []types.Action{action}, StopReason: "tool_use"}, nil
		}
		return backend.PlannedResponse{Text: last.Content, StopReason: "end_turn"}, nil
	default:
		return backend.PlannedResponse{Text: last.Content, StopReason: "end_turn"}, nil
	}
}

func parseCommand(raw string) (types.Action, error) {
	name, rest, _ := strings.Cut(strings.TrimSpace(raw), " ")
	if name == "" {
		return types.Action{}, fmt.Errorf("usage: /tool <name> <json-args>")
	}
	args, err := backend.DecodeArgs([]byte(strings.TrimSpace(rest)))
	if err != nil {
		return types.Action{}, fmt.Errorf("invalid arguments for %s: %v", name, err)
	}
	return types.Action{CallID: ids.NewPrefixed("call"), Tool: name, Args: args}, nil
}

// summarizeResults joins the tool results recorded since the last
// assistant turn that requested them.
func summarizeResults(turns []types.Turn) string {
	start := len(turns)
	for start > 0 && turns[start-1].Role == types.RoleTool {
		start--
	}
	parts := make([]string, 0, len(turns)-start)
	for _, turn := range turns[start:] {
		parts = append(parts, turn.ToolName+": "+turn.Content)
	}
	return strings.Join(parts, "\n")
}
