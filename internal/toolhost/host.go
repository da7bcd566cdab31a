// Package toolhost publishes sandboxed tools to other crab-core processes
// over the HTTP tool protocol that tools.RemoteClient speaks.
package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crabstack.local/projects/crab-core/internal/sandbox"
	"crabstack.local/projects/crab-core/internal/tools"
	"crabstack.local/projects/crab-core/internal/types"
)

const (
	maxRequestBytes = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Executor runs one action under policy and resource limits.
type Executor interface {
	Execute(ctx context.Context, action types.Action) (sandbox.Outcome, error)
	Definitions() []types.ToolDefinition
}

type Host struct {
	service  string
	executor Executor
	logger   zerolog.Logger
}

func New(logger zerolog.Logger, service string, executor Executor) *Host {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "crab-core"
	}
	return &Host{service: service, executor: executor, logger: logger}
}

func (h *Host) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/v1/tools", h.handleDiscovery)
	mux.HandleFunc("/v1/tools/call", h.handleCall)
	return mux
}

// Serve listens on addr until ctx ends.
func (h *Host) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	h.logger.Info().Str("addr", ln.Addr().String()).Int("tools", len(h.executor.Definitions())).Msg("tool host listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errCh
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (h *Host) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Host) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, tools.DiscoveryResponse{
		Version: tools.WireVersion,
		Service: h.service,
		Tools:   h.executor.Definitions(),
	})
}

func (h *Host) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req tools.CallRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := assertNoTrailingJSON(decoder); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Version = strings.TrimSpace(req.Version)
	req.CallID = strings.TrimSpace(req.CallID)
	req.ToolName = strings.TrimSpace(req.ToolName)

	start := time.Now()
	if req.Version == "" || req.CallID == "" || req.ToolName == "" {
		writeJSON(w, http.StatusOK, errorResponse(req, tools.CallStatusError, tools.ErrorCodeInvalidArgs, "missing required fields: version, call_id, tool_name", start))
		return
	}
	if !h.hasTool(req.ToolName) {
		writeJSON(w, http.StatusOK, errorResponse(req, tools.CallStatusError, tools.ErrorCodeToolNotFound, "tool not found", start))
		return
	}

	args := map[string]any{}
	if len(req.Args) > 0 && string(req.Args) != "null" {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			writeJSON(w, http.StatusOK, errorResponse(req, tools.CallStatusError, tools.ErrorCodeInvalidArgs, "args must be a json object", start))
			return
		}
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	outcome, err := h.executor.Execute(ctx, types.Action{CallID: req.CallID, Tool: req.ToolName, Args: args})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		writeJSON(w, http.StatusOK, errorResponse(req, tools.CallStatusTimeout, tools.ErrorCodeTimeout, "tool execution timed out", start))
		return
	}
	if err != nil {
		h.logger.Info().Err(err).Str("call_id", req.CallID).Str("tool", req.ToolName).Msg("remote call not completed")
		writeJSON(w, http.StatusOK, failureResponse(req, err, start))
		return
	}
	if req.MaxOutputBytes > 0 && int64(len(outcome.Payload)) > req.MaxOutputBytes {
		writeJSON(w, http.StatusOK, errorResponse(req, tools.CallStatusError, tools.ErrorCodeOutputLimit, fmt.Sprintf("output exceeded %d bytes", req.MaxOutputBytes), start))
		return
	}
	writeJSON(w, http.StatusOK, tools.CallResponse{
		Version:    req.Version,
		CallID:     req.CallID,
		ToolName:   req.ToolName,
		Status:     tools.CallStatusOK,
		Result:     outcome.Payload,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

func (h *Host) hasTool(name string) bool {
	for _, def := range h.executor.Definitions() {
		if strings.EqualFold(def.Name, name) {
			return true
		}
	}
	return false
}

func failureResponse(req tools.CallRequest, err error, start time.Time) tools.CallResponse {
	var toolErr *sandbox.ToolError
	if !errors.As(err, &toolErr) {
		return errorResponse(req, tools.CallStatusError, tools.ErrorCodeInternal, "call cancelled", start)
	}
	switch toolErr.Kind {
	case sandbox.KindNotAllowed:
		return errorResponse(req, tools.CallStatusError, tools.ErrorCodeForbidden, toolErr.Reason, start)
	case sandbox.KindTimeout:
		return errorResponse(req, tools.CallStatusTimeout, tools.ErrorCodeTimeout, toolErr.Reason, start)
	case sandbox.KindResourceExceeded:
		return errorResponse(req, tools.CallStatusError, tools.ErrorCodeOutputLimit, toolErr.Reason, start)
	default:
		if errors.Is(err, tools.ErrInvalidArgs) {
			return errorResponse(req, tools.CallStatusError, tools.ErrorCodeInvalidArgs, toolErr.Reason, start)
		}
		return errorResponse(req, tools.CallStatusError, tools.ErrorCodeInternal, toolErr.Reason, start)
	}
}

func errorResponse(req tools.CallRequest, status tools.CallStatus, code, message string, start time.Time) tools.CallResponse {
	version := req.Version
	if version == "" {
		version = tools.WireVersion
	}
	return tools.CallResponse{
		Version:    version,
		CallID:     req.CallID,
		ToolName:   req.ToolName,
		Status:     status,
		Error:      &tools.CallError{Code: code, Message: message},
		DurationMS: time.Since(start).Milliseconds(),
	}
}

func assertNoTrailingJSON(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return errors.New("extra content")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
