package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNotAllowed       ErrorKind = "not_allowed"
	KindTimeout          ErrorKind = "timeout"
	KindResourceExceeded ErrorKind = "resource_exceeded"
	KindExecutionFailed  ErrorKind = "execution_failed"
)

// ToolError is the only error type Execute returns for a failed action,
// apart from cancellation of the caller's context.
type ToolError struct {
	Kind   ErrorKind
	CallID string
	Tool   string
	Reason string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s %s: %s: %v", e.Tool, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("tool %s %s: %s", e.Tool, e.Kind, e.Reason)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Payload is the structured rejection fed back to the backend. It carries
// the kind and a short reason, never the wrapped error text.
func (e *ToolError) Payload() json.RawMessage {
	data, _ := json.Marshal(struct {
		Error  ErrorKind `json:"error"`
		Tool   string    `json:"tool"`
		Reason string    `json:"reason"`
	}{Error: e.Kind, Tool: e.Tool, Reason: e.Reason})
	return data
}

func KindOf(err error) (ErrorKind, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Kind, true
	}
	return "", false
}

func IsNotAllowed(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindNotAllowed
}
