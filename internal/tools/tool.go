package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"crabstack.local/projects/crab-core/internal/types"
)

var (
	// ErrOutputLimit is returned by tools that stop producing output at the
	// configured ceiling.
	ErrOutputLimit = errors.New("tool output exceeds limit")
	ErrInvalidArgs = errors.New("invalid tool arguments")
	// ErrNotAllowed is returned when a subject reached during the call,
	// such as a redirect target, fails Call.Authorize.
	ErrNotAllowed = errors.New("subject not allowed")
)

// DefaultMaxOutputBytes applies when a call arrives without a ceiling.
const DefaultMaxOutputBytes int64 = 1 << 20

type Call struct {
	ID             string
	Args           map[string]any
	MaxOutputBytes int64

	// Authorize re-applies the subject checks to a subject the tool derives
	// after the call was admitted. Nil means no further checks.
	Authorize func(subject string) error
}

func (c Call) authorize(subject string) error {
	if c.Authorize == nil {
		return nil
	}
	if err := c.Authorize(subject); err != nil {
		if errors.Is(err, ErrNotAllowed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}
	return nil
}

func (c Call) limit() int64 {
	if c.MaxOutputBytes <= 0 {
		return DefaultMaxOutputBytes
	}
	return c.MaxOutputBytes
}

type Tool interface {
	Name() string
	Definition() types.ToolDefinition
	Invoke(ctx context.Context, call Call) (json.RawMessage, error)
}

func stringArg(args map[string]any, name string) (string, error) {
	raw, ok := args[name]
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgs, name)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidArgs, name)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: %s must not be empty", ErrInvalidArgs, name)
	}
	return value, nil
}

func intArg(args map[string]any, name string, fallback int) (int, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgs, name)
		}
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgs, name)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgs, name)
	}
}

func marshalPayload(v any, limit int64) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool payload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrOutputLimit, len(data), limit)
	}
	return data, nil
}
