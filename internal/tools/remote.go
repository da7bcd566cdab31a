package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crabstack.local/projects/crab-core/internal/types"
)

const WireVersion = "v1"

const maxWireBytes = 1 << 20

type CallStatus string

const (
	CallStatusOK      CallStatus = "ok"
	CallStatusError   CallStatus = "error"
	CallStatusTimeout CallStatus = "timeout"
)

const (
	ErrorCodeToolNotFound = "TOOL_NOT_FOUND"
	ErrorCodeInvalidArgs  = "INVALID_ARGS"
	ErrorCodeForbidden    = "FORBIDDEN"
	ErrorCodeTimeout      = "TIMEOUT"
	ErrorCodeOutputLimit  = "OUTPUT_LIMIT"
	ErrorCodeInternal     = "INTERNAL"
)

type DiscoveryResponse struct {
	Version string                 `json:"version"`
	Service string                 `json:"service"`
	Tools   []types.ToolDefinition `json:"tools"`
}

type CallRequest struct {
	Version        string          `json:"version"`
	CallID         string          `json:"call_id"`
	ToolName       string          `json:"tool_name"`
	Args           json.RawMessage `json:"args"`
	MaxOutputBytes int64           `json:"max_output_bytes,omitempty"`
	TimeoutMS      int64           `json:"timeout_ms,omitempty"`
}

type CallResponse struct {
	Version    string          `json:"version"`
	CallID     string          `json:"call_id"`
	ToolName   string          `json:"tool_name"`
	Status     CallStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *CallError      `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

type CallError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HostConfig struct {
	Name    string
	BaseURL string
}

// RemoteClient discovers tools published by tool hosts and forwards calls
// to the host that advertised them.
type RemoteClient struct {
	hosts      []HostConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

type RemoteOption func(*RemoteClient)

func WithHTTPClient(client *http.Client) RemoteOption {
	return func(c *RemoteClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func NewRemoteClient(logger zerolog.Logger, hosts []HostConfig, opts ...RemoteOption) *RemoteClient {
	c := &RemoteClient{
		hosts:      normalizeHosts(hosts),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Discover queries every host and returns one Tool per advertised
// definition. Unreachable hosts are logged and skipped; a tool advertised by
// more than one host is bound to the last host that lists it.
func (c *RemoteClient) Discover(ctx context.Context) ([]Tool, error) {
	byName := make(map[string]*RemoteTool)

	for _, host := range c.hosts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parsed, err := c.discoverHost(ctx, host)
		if err != nil {
			c.logger.Warn().Err(err).Str("host", host.Name).Msg("tool discovery failed")
			continue
		}
		for _, def := range parsed.Tools {
			name := strings.TrimSpace(def.Name)
			if name == "" {
				continue
			}
			if prev, exists := byName[name]; exists && prev.baseURL != host.BaseURL {
				c.logger.Warn().Str("tool", name).Str("prev_host", prev.baseURL).Str("host", host.BaseURL).Msg("duplicate remote tool")
			}
			def.Name = name
			def.InputSchema = cloneRawMessage(def.InputSchema)
			byName[name] = &RemoteTool{client: c, baseURL: host.BaseURL, def: def}
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, byName[name])
	}
	return out, nil
}

func (c *RemoteClient) discoverHost(ctx context.Context, host HostConfig) (DiscoveryResponse, error) {
	discoveryURL := host.BaseURL + "/v1/tools"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return DiscoveryResponse{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DiscoveryResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DiscoveryResponse{}, statusError(resp)
	}

	var parsed DiscoveryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxWireBytes)).Decode(&parsed); err != nil {
		return DiscoveryResponse{}, fmt.Errorf("decode discovery response: %w", err)
	}
	return parsed, nil
}

type RemoteTool struct {
	client  *RemoteClient
	baseURL string
	def     types.ToolDefinition
}

func (t *RemoteTool) Name() string { return t.def.Name }

func (t *RemoteTool) Definition() types.ToolDefinition {
	def := t.def
	def.InputSchema = cloneRawMessage(def.InputSchema)
	return def
}

func (t *RemoteTool) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	args, err := json.Marshal(call.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	req := CallRequest{
		Version:        WireVersion,
		CallID:         call.ID,
		ToolName:       t.def.Name,
		Args:           args,
		MaxOutputBytes: call.limit(),
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMS = max(time.Until(deadline).Milliseconds(), 1)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal tool call request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/tools/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tool call request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := t.client.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call tool host: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var parsed CallResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxWireBytes)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode tool call response: %w", err)
	}
	return parsed.result()
}

func (r CallResponse) result() (json.RawMessage, error) {
	switch r.Status {
	case CallStatusOK:
		return cloneRawMessage(r.Result), nil
	case CallStatusTimeout:
		return nil, fmt.Errorf("remote tool %s: %w", r.ToolName, context.DeadlineExceeded)
	}
	if r.Error == nil {
		return nil, fmt.Errorf("remote tool %s failed with status %q", r.ToolName, r.Status)
	}
	switch r.Error.Code {
	case ErrorCodeOutputLimit:
		return nil, fmt.Errorf("remote tool %s: %w: %s", r.ToolName, ErrOutputLimit, r.Error.Message)
	case ErrorCodeInvalidArgs:
		return nil, fmt.Errorf("remote tool %s: %w: %s", r.ToolName, ErrInvalidArgs, r.Error.Message)
	case ErrorCodeTimeout:
		return nil, fmt.Errorf("remote tool %s: %w", r.ToolName, context.DeadlineExceeded)
	}
	return nil, &RemoteError{Tool: r.ToolName, Code: r.Error.Code, Message: r.Error.Message}
}

type RemoteError struct {
	Tool    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote tool %s: %s: %s", e.Tool, e.Code, e.Message)
}

func IsRemoteError(err error, code string) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.Code == code
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxWireBytes))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("tool host status %d: %s", resp.StatusCode, message)
}

func normalizeHosts(hosts []HostConfig) []HostConfig {
	normalized := make([]HostConfig, 0, len(hosts))
	for _, host := range hosts {
		baseURL := strings.TrimSuffix(strings.TrimSpace(host.BaseURL), "/")
		if baseURL == "" {
			continue
		}
		name := strings.TrimSpace(host.Name)
		if name == "" {
			name = baseURL
		}
		normalized = append(normalized, HostConfig{Name: name, BaseURL: baseURL})
	}
	return normalized
}

func cloneRawMessage(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	copied := make(json.RawMessage, len(raw))
	copy(copied, raw)
	return copied
}
