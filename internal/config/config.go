package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix     = "CRAB_CORE"
	EnvConfigFile = "CRAB_CORE_CONFIG"
)

type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	DB           DBConfig           `mapstructure:"db"`
	Vault        VaultConfig        `mapstructure:"vault"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Sandbox      SandboxConfig      `mapstructure:"sandbox"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Channels     ChannelsConfig     `mapstructure:"channels"`
	Observer     ObserverConfig     `mapstructure:"observer"`
	Tools        ToolsConfig        `mapstructure:"tools"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type VaultConfig struct {
	KeyFile string `mapstructure:"key_file"`
	Store   string `mapstructure:"store"`
	Path    string `mapstructure:"path"`
}

type MemoryConfig struct {
	WindowSize      int    `mapstructure:"window_size"`
	RecallLimit     int    `mapstructure:"recall_limit"`
	Store           string `mapstructure:"store"`
	ChromemPath     string `mapstructure:"chromem_path"`
	ChromemCompress bool   `mapstructure:"chromem_compress"`
}

type OrchestratorConfig struct {
	MaxRounds            int           `mapstructure:"max_rounds"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout"`
	TurnTimeout          time.Duration `mapstructure:"turn_timeout"`
	QueueSize            int           `mapstructure:"queue_size"`
	MaxActionConcurrency int           `mapstructure:"max_action_concurrency"`
	FailureMessage       string        `mapstructure:"failure_message"`
	Retry                RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

type SandboxConfig struct {
	DefaultTimeout        time.Duration              `mapstructure:"default_timeout"`
	DefaultMaxOutputBytes int64                      `mapstructure:"default_max_output_bytes"`
	Roots                 []string                   `mapstructure:"roots"`
	PolicyFile            string                     `mapstructure:"policy_file"`
	Rules                 []RuleConfig               `mapstructure:"rules"`
	Tools                 map[string]ToolLimitConfig `mapstructure:"tools"`
}

type RuleConfig struct {
	Tool    string `mapstructure:"tool"`
	Pattern string `mapstructure:"pattern"`
	Effect  string `mapstructure:"effect"`
}

type ToolLimitConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxOutputBytes int64         `mapstructure:"max_output_bytes"`
}

type BackendConfig struct {
	Provider     string `mapstructure:"provider"`
	Model        string `mapstructure:"model"`
	MaxTokens    int64  `mapstructure:"max_tokens"`
	SystemPrompt string `mapstructure:"system_prompt"`
	APIKeySecret string `mapstructure:"api_key_secret"`
	BaseURL      string `mapstructure:"base_url"`
}

type ChannelsConfig struct {
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Discord   DiscordConfig   `mapstructure:"discord"`
}

type WebSocketConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type DiscordConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	TokenSecret string `mapstructure:"token_secret"`
}

type ObserverConfig struct {
	QueueSize int             `mapstructure:"queue_size"`
	LogEvents bool            `mapstructure:"log_events"`
	Webhooks  []WebhookConfig `mapstructure:"webhooks"`
}

type WebhookConfig struct {
	Name   string   `mapstructure:"name"`
	URL    string   `mapstructure:"url"`
	Events []string `mapstructure:"events"`

	// SigningSecret names the vault entry used to sign deliveries.
	SigningSecret string `mapstructure:"signing_secret"`
}

type ToolsConfig struct {
	Enabled     []string           `mapstructure:"enabled"`
	RemoteHosts []RemoteHostConfig `mapstructure:"remote_hosts"`
}

type RemoteHostConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
}

// ConfigError reports an invalid or missing configuration value.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "crab-core.db")

	v.SetDefault("vault.key_file", filepath.Join(".crabstack", "keys", "vault.key"))
	v.SetDefault("vault.store", "file")
	v.SetDefault("vault.path", filepath.Join(".crabstack", "vault.json"))

	v.SetDefault("memory.window_size", 20)
	v.SetDefault("memory.recall_limit", 5)
	v.SetDefault("memory.store", "gorm")
	v.SetDefault("memory.chromem_path", "")
	v.SetDefault("memory.chromem_compress", false)

	v.SetDefault("orchestrator.max_rounds", 10)
	v.SetDefault("orchestrator.idle_timeout", 30*time.Minute)
	v.SetDefault("orchestrator.turn_timeout", 5*time.Minute)
	v.SetDefault("orchestrator.queue_size", 64)
	v.SetDefault("orchestrator.max_action_concurrency", 4)
	v.SetDefault("orchestrator.failure_message", "Sorry, I couldn't complete that request.")
	v.SetDefault("orchestrator.retry.attempts", 3)
	v.SetDefault("orchestrator.retry.base_delay", 200*time.Millisecond)
	v.SetDefault("orchestrator.retry.max_delay", 5*time.Second)

	v.SetDefault("sandbox.default_timeout", 30*time.Second)
	v.SetDefault("sandbox.default_max_output_bytes", 64*1024)
	v.SetDefault("sandbox.roots", []string{"/workspace"})
	v.SetDefault("sandbox.policy_file", "")

	v.SetDefault("backend.provider", "anthropic")
	v.SetDefault("backend.model", "claude-sonnet-4-20250514")
	v.SetDefault("backend.max_tokens", 4096)
	v.SetDefault("backend.system_prompt", "You are a helpful assistant.")
	v.SetDefault("backend.api_key_secret", "")
	v.SetDefault("backend.base_url", "")

	v.SetDefault("channels.websocket.enabled", true)
	v.SetDefault("channels.websocket.addr", ":8080")
	v.SetDefault("channels.discord.enabled", false)
	v.SetDefault("channels.discord.token_secret", "discord_bot_token")

	v.SetDefault("observer.queue_size", 256)
	v.SetDefault("observer.log_events", true)

	v.SetDefault("tools.enabled", []string{"read_file", "list_dir", "shell_exec", "http_fetch", "memory_search"})
}

// Load reads configuration from path, or from CRAB_CORE_CONFIG, or from
// config.yaml in the working directory, and applies CRAB_CORE_* overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := strings.TrimSpace(path)
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(EnvConfigFile))
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".crabstack"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Default returns the built-in configuration without reading any file.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.DB.DSN = strings.TrimSpace(c.DB.DSN)
	c.Vault.Store = strings.ToLower(strings.TrimSpace(c.Vault.Store))
	c.Memory.Store = strings.ToLower(strings.TrimSpace(c.Memory.Store))
	c.Backend.Provider = strings.ToLower(strings.TrimSpace(c.Backend.Provider))
	if strings.TrimSpace(c.Backend.APIKeySecret) == "" && c.Backend.Provider != "" {
		c.Backend.APIKeySecret = c.Backend.Provider + "_api_key"
	}

	roots := make([]string, 0, len(c.Sandbox.Roots))
	for _, root := range c.Sandbox.Roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		roots = append(roots, filepath.Clean(root))
	}
	c.Sandbox.Roots = roots

	if len(c.Sandbox.Tools) > 0 {
		tools := make(map[string]ToolLimitConfig, len(c.Sandbox.Tools))
		for name, limits := range c.Sandbox.Tools {
			tools[strings.ToLower(strings.TrimSpace(name))] = limits
		}
		c.Sandbox.Tools = tools
	}
}

func (c Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return &ConfigError{Key: "db.driver", Reason: "must be sqlite or postgres"}
	}
	if c.DB.DSN == "" {
		return &ConfigError{Key: "db.dsn", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.Vault.KeyFile) == "" {
		return &ConfigError{Key: "vault.key_file", Reason: "must not be empty"}
	}
	switch c.Vault.Store {
	case "file":
		if strings.TrimSpace(c.Vault.Path) == "" {
			return &ConfigError{Key: "vault.path", Reason: "must not be empty for the file store"}
		}
	case "gorm":
	default:
		return &ConfigError{Key: "vault.store", Reason: "must be file or gorm"}
	}
	if c.Memory.WindowSize <= 0 {
		return &ConfigError{Key: "memory.window_size", Reason: "must be > 0"}
	}
	if c.Memory.RecallLimit < 0 {
		return &ConfigError{Key: "memory.recall_limit", Reason: "must be >= 0"}
	}
	switch c.Memory.Store {
	case "gorm", "chromem", "memory":
	default:
		return &ConfigError{Key: "memory.store", Reason: "must be gorm, chromem or memory"}
	}
	if c.Orchestrator.MaxRounds <= 0 {
		return &ConfigError{Key: "orchestrator.max_rounds", Reason: "must be > 0"}
	}
	if c.Orchestrator.IdleTimeout <= 0 {
		return &ConfigError{Key: "orchestrator.idle_timeout", Reason: "must be > 0"}
	}
	if c.Orchestrator.TurnTimeout <= 0 {
		return &ConfigError{Key: "orchestrator.turn_timeout", Reason: "must be > 0"}
	}
	if c.Orchestrator.QueueSize <= 0 {
		return &ConfigError{Key: "orchestrator.queue_size", Reason: "must be > 0"}
	}
	if c.Orchestrator.MaxActionConcurrency <= 0 {
		return &ConfigError{Key: "orchestrator.max_action_concurrency", Reason: "must be > 0"}
	}
	if c.Orchestrator.Retry.Attempts <= 0 {
		return &ConfigError{Key: "orchestrator.retry.attempts", Reason: "must be > 0"}
	}
	if c.Orchestrator.Retry.BaseDelay <= 0 {
		return &ConfigError{Key: "orchestrator.retry.base_delay", Reason: "must be > 0"}
	}
	if c.Sandbox.DefaultTimeout <= 0 {
		return &ConfigError{Key: "sandbox.default_timeout", Reason: "must be > 0"}
	}
	if c.Sandbox.DefaultMaxOutputBytes <= 0 {
		return &ConfigError{Key: "sandbox.default_max_output_bytes", Reason: "must be > 0"}
	}
	for _, root := range c.Sandbox.Roots {
		if !filepath.IsAbs(root) {
			return &ConfigError{Key: "sandbox.roots", Reason: fmt.Sprintf("root %q must be absolute", root)}
		}
	}
	for name, limits := range c.Sandbox.Tools {
		if limits.Timeout < 0 || limits.MaxOutputBytes < 0 {
			return &ConfigError{Key: "sandbox.tools." + name, Reason: "limits must be >= 0"}
		}
	}
	for i, rule := range c.Sandbox.Rules {
		switch strings.ToLower(strings.TrimSpace(rule.Effect)) {
		case "allow", "deny":
		default:
			return &ConfigError{Key: fmt.Sprintf("sandbox.rules[%d].effect", i), Reason: "must be allow or deny"}
		}
		if strings.TrimSpace(rule.Tool) == "" {
			return &ConfigError{Key: fmt.Sprintf("sandbox.rules[%d].tool", i), Reason: "must not be empty"}
		}
	}
	switch c.Backend.Provider {
	case "anthropic", "openai", "echo":
	default:
		return &ConfigError{Key: "backend.provider", Reason: "must be anthropic, openai or echo"}
	}
	if c.Backend.MaxTokens <= 0 {
		return &ConfigError{Key: "backend.max_tokens", Reason: "must be > 0"}
	}
	if c.Channels.WebSocket.Enabled && strings.TrimSpace(c.Channels.WebSocket.Addr) == "" {
		return &ConfigError{Key: "channels.websocket.addr", Reason: "must not be empty"}
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.TokenSecret) == "" {
		return &ConfigError{Key: "channels.discord.token_secret", Reason: "must not be empty"}
	}
	if c.Observer.QueueSize <= 0 {
		return &ConfigError{Key: "observer.queue_size", Reason: "must be > 0"}
	}
	for i, hook := range c.Observer.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return &ConfigError{Key: fmt.Sprintf("observer.webhooks[%d].url", i), Reason: "must not be empty"}
		}
	}
	for i, host := range c.Tools.RemoteHosts {
		if strings.TrimSpace(host.BaseURL) == "" {
			return &ConfigError{Key: fmt.Sprintf("tools.remote_hosts[%d].base_url", i), Reason: "must not be empty"}
		}
	}
	return nil
}

// ToolLimits returns the timeout and output ceiling for a tool, falling
// back to the sandbox defaults.
func (c SandboxConfig) ToolLimits(name string) (time.Duration, int64) {
	timeout := c.DefaultTimeout
	maxBytes := c.DefaultMaxOutputBytes
	if limits, ok := c.Tools[strings.ToLower(strings.TrimSpace(name))]; ok {
		if limits.Timeout > 0 {
			timeout = limits.Timeout
		}
		if limits.MaxOutputBytes > 0 {
			maxBytes = limits.MaxOutputBytes
		}
	}
	return timeout, maxBytes
}
