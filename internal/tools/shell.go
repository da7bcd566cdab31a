package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"crabstack.local/projects/crab-core/internal/types"
)

const ShellExecName = "shell_exec"

// ShellExec runs a single command without a shell. Arguments are split on
// whitespace; quoting is not interpreted.
type ShellExec struct {
	workDir string
	env     []string
}

func NewShellExec(workDir string) *ShellExec {
	return &ShellExec{workDir: workDir, env: []string{"PATH=/usr/local/bin:/usr/bin:/bin", "LANG=C.UTF-8"}}
}

func (t *ShellExec) Name() string { return ShellExecName }

func (t *ShellExec) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        ShellExecName,
		Description: "Run a single command with arguments. No shell features such as pipes or redirection are available.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Command line, split on whitespace"}},"required":["command"],"additionalProperties":false}`),
		SubjectArg:  "command",
		SubjectKind: types.SubjectCommand,
	}
}

type shellResult struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func (t *ShellExec) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	command, err := stringArg(call.Args, "command")
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: command is empty", ErrInvalidArgs)
	}
	limit := call.limit()

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = t.workDir
	cmd.Env = t.env
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdout, max: limit}
	stderrLimited := &limitedWriter{w: &stderr, max: limit}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if stdoutLimited.truncated || stderrLimited.truncated {
		return nil, fmt.Errorf("%w: command wrote more than %d bytes", ErrOutputLimit, limit)
	}

	result := shellResult{
		Command:    command,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: duration.Milliseconds(),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", fields[0], runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return marshalPayload(result, limit)
}

type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = lw.truncated || n > 0
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
