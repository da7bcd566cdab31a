package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"crabstack.local/projects/crab-core/internal/types"
)

// Request is everything a backend sees for one planning round. Turns are in
// chronological order and never include secret material.
type Request struct {
	ConversationID types.ConversationID
	SystemPrompt   string
	Turns          []types.Turn
	Tools          []types.ToolDefinition
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// PlannedResponse is a backend decision: a final answer when Actions is
// empty, otherwise tool calls to run before planning again.
type PlannedResponse struct {
	Text       string
	Actions    []types.Action
	StopReason string
	Usage      Usage
}

func (p PlannedResponse) Final() bool {
	return len(p.Actions) == 0
}

type Backend interface {
	Name() string
	Decide(ctx context.Context, req Request) (PlannedResponse, error)
}

type Error struct {
	Backend    string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s %s error (status %d): %v", e.Backend, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend %s %s error: %v", e.Backend, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var backendErr *Error
	return errors.As(err, &backendErr) && backendErr.Transient
}

// TransientStatus reports whether an HTTP status is worth retrying.
func TransientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusConflict, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// Classify wraps err for backend name. statusCode is zero when the request
// never produced an HTTP response.
func Classify(name string, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	transient := false
	switch {
	case statusCode != 0:
		transient = TransientStatus(statusCode)
	case errors.Is(err, context.DeadlineExceeded):
		transient = true
	default:
		var netErr net.Error
		transient = errors.As(err, &netErr)
	}
	return &Error{Backend: name, StatusCode: statusCode, Transient: transient, Err: err}
}

// Transcript drops tool results whose call is not in the transcript and
// actions whose results are missing, so providers that pair calls with
// results strictly accept the history. Eviction can split such pairs.
func Transcript(turns []types.Turn) []types.Turn {
	results := make(map[string]struct{})
	for _, turn := range turns {
		if turn.Role == types.RoleTool && turn.CallID != "" {
			results[turn.CallID] = struct{}{}
		}
	}

	calls := make(map[string]struct{})
	out := make([]types.Turn, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case types.RoleAssistant:
			kept := turn
			kept.Actions = nil
			for _, action := range turn.Actions {
				if _, ok := results[action.CallID]; !ok {
					continue
				}
				kept.Actions = append(kept.Actions, action)
				calls[action.CallID] = struct{}{}
			}
			if kept.Content == "" && len(kept.Actions) == 0 {
				continue
			}
			out = append(out, kept)
		case types.RoleTool:
			if _, ok := calls[turn.CallID]; !ok {
				continue
			}
			out = append(out, turn)
		default:
			out = append(out, turn)
		}
	}
	return out
}
