package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := strings.Join([]string{
		"log:",
		"  level: error",
		"vault:",
		"  key_file: " + filepath.Join(dir, "keys", "vault.key"),
		"  path: " + filepath.Join(dir, "vault.json"),
		"sandbox:",
		"  roots: [/srv/work]",
		"  rules:",
		"    - tool: read_file",
		"      pattern: /srv/work/**",
		"      effect: allow",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, configPath, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVaultCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "s3cret\n", "vault", "set", "api_token")
	require.NoError(t, err)
	assert.Equal(t, "stored api_token\n", out)

	out, err = run(t, cfg, "", "vault", "get", "api_token")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")

	out, err = run(t, cfg, "", "vault", "get", "api_token", "--reveal")
	require.NoError(t, err)
	assert.Equal(t, "s3cret\n", out)

	out, err = run(t, cfg, "", "vault", "list")
	require.NoError(t, err)
	assert.Equal(t, "api_token\n", out)

	_, err = run(t, cfg, "", "vault", "rotate")
	require.NoError(t, err)

	out, err = run(t, cfg, "", "vault", "verify")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	out, err = run(t, cfg, "", "vault", "get", "api_token", "--reveal")
	require.NoError(t, err)
	assert.Equal(t, "s3cret\n", out)

	_, err = run(t, cfg, "", "vault", "rm", "api_token")
	require.NoError(t, err)
	_, err = run(t, cfg, "", "vault", "get", "api_token")
	assert.Error(t, err)
}

func TestVaultSetRejectsEmptyValue(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "\n", "vault", "set", "empty")
	assert.Error(t, err)
}

func TestPolicyCheck(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "", "policy", "check", "read_file", "/srv/work/notes.txt")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "allow"), out)

	out, err = run(t, cfg, "", "policy", "check", "read_file", "/etc/shadow")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "deny"), out)

	out, err = run(t, cfg, "", "policy", "check", "shell_exec", "ls")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "deny"), out)
}
