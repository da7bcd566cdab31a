package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"crabstack.local/projects/crab-core/internal/channel/console"
	"crabstack.local/projects/crab-core/internal/config"
	"crabstack.local/projects/crab-core/internal/memory"
	"crabstack.local/projects/crab-core/internal/registry"
	"crabstack.local/projects/crab-core/internal/tools"
	"crabstack.local/projects/crab-core/internal/vault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) (config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Vault.KeyFile = filepath.Join(dir, "keys", "vault.key")
	cfg.Vault.Path = filepath.Join(dir, "vault.json")
	cfg.Memory.Store = "memory"
	cfg.Backend.Provider = "echo"
	cfg.Channels.WebSocket.Enabled = false
	cfg.Observer.LogEvents = false
	cfg.Sandbox.Roots = []string{root}
	cfg.Sandbox.Rules = []config.RuleConfig{{Tool: "list_dir", Pattern: root + "/**", Effect: "allow"}}
	cfg.Orchestrator.IdleTimeout = time.Minute
	return cfg, root
}

func TestChatOverConsole(t *testing.T) {
	cfg, root := testConfig(t)
	docs := filepath.Join(root, "docs")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "notes.txt"), []byte("hi"), 0o600))

	args, err := json.Marshal(map[string]string{"path": docs})
	require.NoError(t, err)
	input := strings.Join([]string{
		"hello there",
		"/tool list_dir " + string(args),
		`/tool shell_exec {"command":"rm -rf /"}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	ch := console.New(strings.NewReader(input), &out, "tester")

	a, err := Build(context.Background(), cfg, zerolog.Nop(), WithChannel(ch))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Run(ctx))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3, out.String())
	assert.Equal(t, "hello there", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "list_dir: "), lines[1])
	assert.Contains(t, lines[1], "notes.txt")
	assert.True(t, strings.HasPrefix(lines[2], "shell_exec: "), lines[2])
	assert.Contains(t, lines[2], `"not_allowed"`)
}

func TestRunStopsOnCorruptMemory(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Memory.Store = "gorm"
	cfg.DB.Driver = "sqlite"
	cfg.DB.DSN = filepath.Join(t.TempDir(), "core.db")

	var out bytes.Buffer
	ch := console.New(strings.NewReader("what was in the report\n"), &out, "tester")
	a, err := Build(context.Background(), cfg, zerolog.Nop(), WithChannel(ch))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.db.Exec(
		`INSERT INTO turns (id, conversation_id, sequence, role, content, actions, is_error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"bad", "console:tester", 1, "user", "the report", "{not json", false, time.Now().UTC(),
	).Error)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = a.Run(ctx)
	require.ErrorIs(t, err, memory.ErrCorrupt)
}

func TestBuildAbortsOnCorruptVault(t *testing.T) {
	cfg, _ := testConfig(t)
	ctx := context.Background()

	v, err := OpenVault(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, v.Set(ctx, "anthropic_api_key", "sk-test"))
	require.NoError(t, v.Close())

	data, err := os.ReadFile(cfg.Vault.KeyFile)
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(data, &record))
	record["key"] = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	data, err = json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.Vault.KeyFile, data, 0o600))

	_, err = Build(ctx, cfg, zerolog.Nop(), WithChannel(console.New(strings.NewReader(""), &bytes.Buffer{}, "")))
	require.Error(t, err)
	assert.ErrorIs(t, err, vault.ErrCorrupt)
}

func TestBuildRequiresAChannel(t *testing.T) {
	cfg, _ := testConfig(t)
	_, err := Build(context.Background(), cfg, zerolog.Nop())
	var cfgErr *registry.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, registry.KindChannel, cfgErr.Kind)
}

func TestBuildNeedsBackendSecret(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Backend.Provider = "anthropic"
	cfg.Backend.APIKeySecret = "anthropic_api_key"
	_, err := Build(context.Background(), cfg, zerolog.Nop(), WithChannel(console.New(strings.NewReader(""), &bytes.Buffer{}, "")))
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestBuildNeedsWebhookSigningSecret(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Observer.Webhooks = []config.WebhookConfig{{Name: "audit", URL: "http://127.0.0.1:1/hook", SigningSecret: "audit_hook_key"}}
	_, err := Build(context.Background(), cfg, zerolog.Nop(), WithChannel(console.New(strings.NewReader(""), &bytes.Buffer{}, "")))
	assert.ErrorIs(t, err, vault.ErrNotFound)

	v, err := OpenVault(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, v.Set(context.Background(), "audit_hook_key", "s3cret"))
	require.NoError(t, v.Close())

	a, err := Build(context.Background(), cfg, zerolog.Nop(), WithChannel(console.New(strings.NewReader(""), &bytes.Buffer{}, "")))
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func TestBuildRejectsUnknownTool(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Tools.Enabled = []string{"teleport"}
	_, err := Build(context.Background(), cfg, zerolog.Nop(), WithChannel(console.New(strings.NewReader(""), &bytes.Buffer{}, "")))
	var cfgErr *registry.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "teleport", cfgErr.Name)
}

func TestLoadPolicy(t *testing.T) {
	cfg, root := testConfig(t)
	policyFile := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyFile, []byte("- tool: read_file\n  pattern: "+root+"/**\n  effect: allow\n"), 0o600))
	cfg.Sandbox.PolicyFile = policyFile

	engine, err := LoadPolicy(cfg)
	require.NoError(t, err)
	assert.True(t, engine.Evaluate("list_dir", root+"/a", true).Allowed)
	assert.True(t, engine.Evaluate("read_file", root+"/a", true).Allowed)
	assert.False(t, engine.Evaluate("read_file", "/etc/passwd", true).Allowed)
}

func TestNewToolHostPublishesBuiltins(t *testing.T) {
	cfg, _ := testConfig(t)
	host, err := NewToolHost(context.Background(), cfg, zerolog.Nop(), "test")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	host.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tools", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var discovery tools.DiscoveryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &discovery))
	names := make([]string, 0, len(discovery.Tools))
	for _, def := range discovery.Tools {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"http_fetch", "list_dir", "read_file", "shell_exec"}, names)
}
