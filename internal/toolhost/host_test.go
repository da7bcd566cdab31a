package toolhost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crabstack.local/projects/crab-core/internal/config"
	"crabstack.local/projects/crab-core/internal/policy"
	"crabstack.local/projects/crab-core/internal/sandbox"
	"crabstack.local/projects/crab-core/internal/tools"
	"crabstack.local/projects/crab-core/internal/types"
)

type greetTool struct{}

func (greetTool) Name() string { return "greet" }

func (greetTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        "greet",
		Description: "Say hello.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
	}
}

func (greetTool) Invoke(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	if call.Args["name"] == "slow" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return json.Marshal(map[string]any{"greeting": "hello " + call.Args["name"].(string)})
}

type lockedTool struct{ greetTool }

func (lockedTool) Name() string { return "locked" }

func (lockedTool) Definition() types.ToolDefinition {
	return types.ToolDefinition{Name: "locked", Description: "Never allowed."}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	engine, err := policy.NewEngine([]policy.Rule{{Tool: "greet", Pattern: "**", Effect: policy.EffectAllow}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	executor, err := sandbox.New(engine, []tools.Tool{greetTool{}, lockedTool{}}, config.SandboxConfig{
		DefaultTimeout:        time.Second,
		DefaultMaxOutputBytes: 1024,
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	server := httptest.NewServer(New(zerolog.Nop(), "test-service", executor).Handler())
	t.Cleanup(server.Close)
	return server
}

func postCall(t *testing.T, baseURL string, req tools.CallRequest) tools.CallResponse {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(baseURL+"/v1/tools/call", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post call: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status code got=%d want=%d body=%s", resp.StatusCode, http.StatusOK, data)
	}
	var parsed tools.CallResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return parsed
}

func validRequest(tool string, args string) tools.CallRequest {
	return tools.CallRequest{Version: tools.WireVersion, CallID: "call-1", ToolName: tool, Args: json.RawMessage(args)}
}

func TestDiscovery(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/v1/tools")
	if err != nil {
		t.Fatalf("get discovery: %v", err)
	}
	defer resp.Body.Close()

	var discovery tools.DiscoveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&discovery); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if discovery.Service != "test-service" {
		t.Fatalf("service got=%q want=%q", discovery.Service, "test-service")
	}
	if len(discovery.Tools) != 2 || discovery.Tools[0].Name != "greet" || discovery.Tools[1].Name != "locked" {
		t.Fatalf("tools got=%+v", discovery.Tools)
	}
}

func TestCallAllowed(t *testing.T) {
	server := newTestServer(t)
	resp := postCall(t, server.URL, validRequest("greet", `{"name":"crab"}`))
	if resp.Status != tools.CallStatusOK {
		t.Fatalf("status got=%q want=%q error=%+v", resp.Status, tools.CallStatusOK, resp.Error)
	}
	if string(resp.Result) != `{"greeting":"hello crab"}` {
		t.Fatalf("result got=%s", resp.Result)
	}
	if resp.CallID != "call-1" {
		t.Fatalf("call id got=%q", resp.CallID)
	}
}

func TestCallErrors(t *testing.T) {
	server := newTestServer(t)

	cases := []struct {
		name   string
		req    tools.CallRequest
		status tools.CallStatus
		code   string
	}{
		{"unknown tool", validRequest("missing", `{}`), tools.CallStatusError, tools.ErrorCodeToolNotFound},
		{"denied", validRequest("locked", `{}`), tools.CallStatusError, tools.ErrorCodeForbidden},
		{"missing fields", tools.CallRequest{ToolName: "greet"}, tools.CallStatusError, tools.ErrorCodeInvalidArgs},
		{"args not an object", validRequest("greet", `[1]`), tools.CallStatusError, tools.ErrorCodeInvalidArgs},
		{"output ceiling", func() tools.CallRequest {
			req := validRequest("greet", `{"name":"crab"}`)
			req.MaxOutputBytes = 4
			return req
		}(), tools.CallStatusError, tools.ErrorCodeOutputLimit},
		{"timeout", func() tools.CallRequest {
			req := validRequest("greet", `{"name":"slow"}`)
			req.TimeoutMS = 20
			return req
		}(), tools.CallStatusTimeout, tools.ErrorCodeTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postCall(t, server.URL, tc.req)
			if resp.Status != tc.status {
				t.Fatalf("status got=%q want=%q", resp.Status, tc.status)
			}
			if resp.Error == nil || resp.Error.Code != tc.code {
				t.Fatalf("error got=%+v want code %q", resp.Error, tc.code)
			}
		})
	}
}

func TestCallInvalidJSON(t *testing.T) {
	server := newTestServer(t)
	resp, err := http.Post(server.URL+"/v1/tools/call", "application/json", bytes.NewBufferString("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status code got=%d want=%d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestRemoteClientRoundTrip(t *testing.T) {
	server := newTestServer(t)
	client := tools.NewRemoteClient(zerolog.Nop(), []tools.HostConfig{{Name: "local", BaseURL: server.URL}})

	discovered, err := client.Discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(discovered) != 2 {
		t.Fatalf("discovered got=%d want=2", len(discovered))
	}

	result, err := discovered[0].Invoke(context.Background(), tools.Call{ID: "c1", Args: map[string]any{"name": "remote"}})
	if err != nil {
		t.Fatalf("invoke greet: %v", err)
	}
	if string(result) != `{"greeting":"hello remote"}` {
		t.Fatalf("result got=%s", result)
	}

	_, err = discovered[1].Invoke(context.Background(), tools.Call{ID: "c2"})
	if !tools.IsRemoteError(err, tools.ErrorCodeForbidden) {
		t.Fatalf("locked err got=%v want FORBIDDEN", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected deadline error: %v", err)
	}
}
