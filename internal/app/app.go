// Package app assembles a running crab-core process from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"crabstack.local/projects/crab-core/internal/backend"
	"crabstack.local/projects/crab-core/internal/backend/anthropic"
	"crabstack.local/projects/crab-core/internal/backend/echo"
	"crabstack.local/projects/crab-core/internal/backend/openai"
	"crabstack.local/projects/crab-core/internal/channel"
	"crabstack.local/projects/crab-core/internal/channel/discord"
	"crabstack.local/projects/crab-core/internal/channel/websocket"
	"crabstack.local/projects/crab-core/internal/config"
	dbpkg "crabstack.local/projects/crab-core/internal/db"
	"crabstack.local/projects/crab-core/internal/logging"
	"crabstack.local/projects/crab-core/internal/memory"
	"crabstack.local/projects/crab-core/internal/observer"
	"crabstack.local/projects/crab-core/internal/observer/logsink"
	"crabstack.local/projects/crab-core/internal/observer/webhook"
	"crabstack.local/projects/crab-core/internal/orchestrator"
	"crabstack.local/projects/crab-core/internal/policy"
	"crabstack.local/projects/crab-core/internal/registry"
	"crabstack.local/projects/crab-core/internal/sandbox"
	"crabstack.local/projects/crab-core/internal/toolhost"
	"crabstack.local/projects/crab-core/internal/tools"
	"crabstack.local/projects/crab-core/internal/types"
	"crabstack.local/projects/crab-core/internal/vault"
)

const (
	discoverTimeout = 10 * time.Second
	shutdownTimeout = 15 * time.Second
	embedDimensions = 256
)

type Option func(*options)

type options struct {
	channels []channel.Channel
}

// WithChannel adds a channel that is not described by configuration, such
// as the console used by the chat command.
func WithChannel(ch channel.Channel) Option {
	return func(o *options) {
		if ch != nil {
			o.channels = append(o.channels, ch)
		}
	}
}

type App struct {
	logger   zerolog.Logger
	cfg      config.Config
	db       *gorm.DB
	vault    *vault.Vault
	registry *registry.Registry
	store    memory.Store
	memory   *memory.Manager
	bus      *observer.Bus
	service  *orchestrator.Service
	channels []channel.Channel
	servers  []channel.Server
}

// Build wires every component. It fails on an invalid configuration, a
// vault that does not verify, or a capability kind left without a binding.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts ...Option) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	a := &App{logger: logger, cfg: cfg, registry: registry.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.vault, err = a.openVault(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.vault.Verify(ctx); err != nil {
		return nil, fmt.Errorf("verify vault: %w", err)
	}

	sinks, err := a.sinks(ctx)
	if err != nil {
		return nil, err
	}
	for _, sink := range sinks {
		if err := a.registry.Register(registry.KindObserver, sink.Name(), sink); err != nil {
			return nil, err
		}
	}
	a.bus = observer.New(logging.Component(logger, "observer"), sinks, observer.WithQueueSize(cfg.Observer.QueueSize))

	store, err := a.memoryStore()
	if err != nil {
		return nil, err
	}
	if err := a.registry.Register(registry.KindMemory, cfg.Memory.Store, store); err != nil {
		_ = store.Close()
		return nil, err
	}
	a.store = store

	toolset, err := a.tools(ctx)
	if err != nil {
		return nil, err
	}
	for _, tool := range toolset {
		if err := a.registry.Register(registry.KindTool, tool.Name(), tool); err != nil {
			return nil, err
		}
	}

	planner, err := a.backend(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.registry.Register(registry.KindBackend, planner.Name(), planner); err != nil {
		return nil, err
	}

	channels, err := a.configuredChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range append(channels, o.channels...) {
		if err := a.registry.Register(registry.KindChannel, ch.Name(), ch); err != nil {
			return nil, err
		}
	}

	if err := a.registry.SetDefault(registry.KindBackend, planner.Name()); err != nil {
		return nil, err
	}
	if err := a.registry.SetDefault(registry.KindMemory, cfg.Memory.Store); err != nil {
		return nil, err
	}
	if names := a.registry.Names(registry.KindChannel); len(names) > 0 {
		if err := a.registry.SetDefault(registry.KindChannel, names[0]); err != nil {
			return nil, err
		}
	}
	a.registry.Seal()
	if err := a.registry.Require(registry.KindBackend, registry.KindMemory, registry.KindChannel); err != nil {
		return nil, err
	}

	resolvedBackend, err := registry.ResolveAs[backend.Backend](a.registry, registry.KindBackend, "")
	if err != nil {
		return nil, err
	}
	resolvedStore, err := registry.ResolveAs[memory.Store](a.registry, registry.KindMemory, "")
	if err != nil {
		return nil, err
	}
	a.memory = memory.NewManager(resolvedStore,
		memory.WithWindowSize(cfg.Memory.WindowSize),
		memory.WithRecallLimit(cfg.Memory.RecallLimit),
		memory.WithLogger(logging.Component(logger, "memory")),
		memory.WithEmitter(a.bus),
	)
	a.channels, err = registry.AllAs[channel.Channel](a.registry, registry.KindChannel)
	if err != nil {
		return nil, err
	}
	resolvedTools, err := registry.AllAs[tools.Tool](a.registry, registry.KindTool)
	if err != nil {
		return nil, err
	}
	for _, ch := range a.channels {
		if server, ok := ch.(channel.Server); ok {
			a.servers = append(a.servers, server)
		}
	}

	engine, err := a.policy()
	if err != nil {
		return nil, err
	}
	executor, err := sandbox.New(engine, resolvedTools, cfg.Sandbox, sandbox.WithLogger(logging.Component(logger, "sandbox")))
	if err != nil {
		return nil, err
	}

	a.service, err = orchestrator.New(
		logging.Component(logger, "orchestrator"),
		cfg.Orchestrator,
		a.memory,
		resolvedBackend,
		executor,
		a.channels,
		orchestrator.WithEmitter(a.bus),
		orchestrator.WithSystemPrompt(cfg.Backend.SystemPrompt),
	)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("backend", resolvedBackend.Name()).
		Strs("channels", a.registry.Names(registry.KindChannel)).
		Strs("tools", a.registry.Names(registry.KindTool)).
		Str("memory", cfg.Memory.Store).
		Msg("crab-core assembled")
	return a, nil
}

// OpenVault opens the configured vault without building anything else.
func OpenVault(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*vault.Vault, error) {
	a := &App{logger: logger, cfg: cfg}
	v, err := a.openVault(ctx)
	if err != nil {
		a.closeDB()
		return nil, err
	}
	return v, nil
}

// LoadPolicy builds the policy engine from inline rules and the optional
// policy file.
func LoadPolicy(cfg config.Config) (*policy.Engine, error) {
	a := &App{cfg: cfg}
	return a.policy()
}

// NewToolHost builds a sandbox over the configured tools and publishes it
// over HTTP. Conversation memory is not available to a tool host.
func NewToolHost(ctx context.Context, cfg config.Config, logger zerolog.Logger, service string) (*toolhost.Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{logger: logger, cfg: cfg}
	toolset, err := a.tools(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := a.policy()
	if err != nil {
		return nil, err
	}
	executor, err := sandbox.New(engine, toolset, cfg.Sandbox, sandbox.WithLogger(logging.Component(logger, "sandbox")))
	if err != nil {
		return nil, err
	}
	return toolhost.New(logging.Component(logger, "toolhost"), service, executor), nil
}

func (a *App) database() (*gorm.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	gormDB, err := dbpkg.OpenGorm(a.cfg.DB.Driver, a.cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = gormDB
	return gormDB, nil
}

func (a *App) openVault(ctx context.Context) (*vault.Vault, error) {
	var store vault.Store
	switch a.cfg.Vault.Store {
	case "gorm":
		gormDB, err := a.database()
		if err != nil {
			return nil, err
		}
		gs, err := vault.NewGormStoreFromDB(gormDB)
		if err != nil {
			return nil, err
		}
		store = gs
	default:
		fs, err := vault.NewFileStore(a.cfg.Vault.Path)
		if err != nil {
			return nil, err
		}
		store = fs
	}
	v, err := vault.Open(ctx, a.cfg.Vault.KeyFile, store, vault.WithLogger(logging.Component(a.logger, "vault")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return v, nil
}

func (a *App) policy() (*policy.Engine, error) {
	rules, err := policy.FromConfig(a.cfg.Sandbox.Rules)
	if err != nil {
		return nil, err
	}
	if a.cfg.Sandbox.PolicyFile != "" {
		fileRules, err := policy.LoadFile(a.cfg.Sandbox.PolicyFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	return policy.NewEngine(rules)
}

func (a *App) sinks(ctx context.Context) ([]observer.Sink, error) {
	var sinks []observer.Sink
	if a.cfg.Observer.LogEvents {
		sinks = append(sinks, logsink.New(logging.Component(a.logger, "events")))
	}
	for i, hook := range a.cfg.Observer.Webhooks {
		name := hook.Name
		if name == "" {
			name = fmt.Sprintf("webhook-%d", i+1)
		}
		var opts []webhook.Option
		if len(hook.Events) > 0 {
			opts = append(opts, webhook.WithEventFilter(observer.FilterTypes(hook.Events)))
		}
		if hook.SigningSecret != "" {
			secret, err := a.secret(ctx, hook.SigningSecret)
			if err != nil {
				return nil, fmt.Errorf("webhook %s: %w", name, err)
			}
			opts = append(opts, webhook.WithSigningSecret([]byte(secret)))
		}
		sinks = append(sinks, webhook.New(name, hook.URL, opts...))
	}
	return sinks, nil
}

func (a *App) memoryStore() (memory.Store, error) {
	switch a.cfg.Memory.Store {
	case "memory":
		return memory.NewMemoryStore(), nil
	case "chromem":
		embedder := memory.NewHashingEmbedder(embedDimensions)
		return memory.NewChromemStore(a.cfg.Memory.ChromemPath, a.cfg.Memory.ChromemCompress, embedder.Func())
	default:
		gormDB, err := a.database()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", memory.ErrStoreUnavailable, err)
		}
		return memory.NewGormStoreFromDB(gormDB)
	}
}

func (a *App) tools(ctx context.Context) ([]tools.Tool, error) {
	workDir := ""
	if len(a.cfg.Sandbox.Roots) > 0 {
		workDir = a.cfg.Sandbox.Roots[0]
	}
	var toolset []tools.Tool
	for _, name := range a.cfg.Tools.Enabled {
		switch name {
		case tools.ReadFileName:
			toolset = append(toolset, tools.NewReadFile())
		case tools.ListDirName:
			toolset = append(toolset, tools.NewListDir())
		case tools.ShellExecName:
			toolset = append(toolset, tools.NewShellExec(workDir))
		case tools.HTTPFetchName:
			toolset = append(toolset, tools.NewHTTPFetch(nil))
		case tools.MemorySearchName:
			if a.store == nil {
				continue
			}
			toolset = append(toolset, tools.NewMemorySearch(memorySearcher{app: a}))
		default:
			return nil, &registry.ConfigError{Kind: registry.KindTool, Name: name, Reason: "unknown builtin tool"}
		}
	}

	if len(a.cfg.Tools.RemoteHosts) == 0 {
		return toolset, nil
	}
	hosts := make([]tools.HostConfig, 0, len(a.cfg.Tools.RemoteHosts))
	for _, host := range a.cfg.Tools.RemoteHosts {
		hosts = append(hosts, tools.HostConfig{Name: host.Name, BaseURL: host.BaseURL})
	}
	client := tools.NewRemoteClient(logging.Component(a.logger, "toolclient"), hosts)
	discoverCtx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()
	remote, err := client.Discover(discoverCtx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("tool discovery incomplete")
	}
	return append(toolset, remote...), nil
}

func (a *App) secret(ctx context.Context, name string) (string, error) {
	secret, err := a.vault.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("secret %q: %w", name, err)
	}
	return secret.Reveal(), nil
}

func (a *App) backend(ctx context.Context) (backend.Backend, error) {
	cfg := a.cfg.Backend
	switch cfg.Provider {
	case echo.Name:
		return echo.New(), nil
	case anthropic.Name:
		apiKey, err := a.secret(ctx, cfg.APIKeySecret)
		if err != nil {
			return nil, err
		}
		return anthropic.New(apiKey,
			anthropic.WithModel(cfg.Model),
			anthropic.WithMaxTokens(cfg.MaxTokens),
			anthropic.WithBaseURL(cfg.BaseURL),
		), nil
	case openai.Name:
		apiKey, err := a.secret(ctx, cfg.APIKeySecret)
		if err != nil {
			return nil, err
		}
		return openai.New(apiKey,
			openai.WithModel(cfg.Model),
			openai.WithMaxTokens(cfg.MaxTokens),
			openai.WithBaseURL(cfg.BaseURL),
		), nil
	default:
		return nil, &registry.ConfigError{Kind: registry.KindBackend, Name: cfg.Provider, Reason: "unknown provider"}
	}
}

func (a *App) configuredChannels(ctx context.Context) ([]channel.Channel, error) {
	var channels []channel.Channel
	if a.cfg.Channels.WebSocket.Enabled {
		channels = append(channels, websocket.New(logging.Component(a.logger, "websocket"), a.cfg.Channels.WebSocket.Addr))
	}
	if a.cfg.Channels.Discord.Enabled {
		token, err := a.secret(ctx, a.cfg.Channels.Discord.TokenSecret)
		if err != nil {
			return nil, err
		}
		channels = append(channels, discord.New(logging.Component(a.logger, "discord"), token))
	}
	return channels, nil
}

// Service exposes the orchestrator, mainly for tests and embedding.
func (a *App) Service() *orchestrator.Service {
	return a.service
}

// Run serves every channel until ctx ends or all channels have closed,
// then drains conversations in flight and the observer bus.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	for _, server := range a.servers {
		g.Go(func() error {
			return server.Serve(gctx)
		})
	}
	g.Go(func() error {
		defer cancel()
		return a.service.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-a.memory.Corrupted():
			a.logger.Error().Err(a.memory.Err()).Msg("memory store corrupt, stopping")
			return a.memory.Err()
		case <-gctx.Done():
			return nil
		}
	})
	runErr := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()
	var errs []error
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		errs = append(errs, runErr)
	}
	if err := a.service.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain conversations: %w", err))
	}
	if err := a.memory.Err(); err != nil {
		if !errors.Is(runErr, memory.ErrCorrupt) {
			errs = append(errs, err)
		}
	} else if err := a.memory.FlushAll(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush memory: %w", err))
	}
	if err := a.bus.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain observer bus: %w", err))
	}
	if dropped := a.bus.Dropped(); len(dropped) > 0 {
		a.logger.Warn().Interface("dropped", dropped).Msg("observer events dropped")
	}
	return errors.Join(errs...)
}

type closer interface {
	Close() error
}

// Close releases channels, stores and the vault. It is safe after a failed
// Build.
func (a *App) Close() error {
	var errs []error
	for _, ch := range a.channels {
		if c, ok := ch.(closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	switch {
	case a.memory != nil:
		errs = append(errs, a.memory.Close(ctx))
	case a.store != nil:
		errs = append(errs, a.store.Close())
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close(ctx))
	}
	if a.vault != nil {
		errs = append(errs, a.vault.Close())
	}
	errs = append(errs, a.closeDB())
	return errors.Join(errs...)
}

// memorySearcher lets memory_search be registered before the manager is
// built from the sealed registry.
type memorySearcher struct {
	app *App
}

func (s memorySearcher) Search(ctx context.Context, query string, limit int) ([]types.Turn, error) {
	if s.app.memory == nil {
		return nil, memory.ErrStoreUnavailable
	}
	return s.app.memory.Search(ctx, query, limit)
}

func (a *App) closeDB() error {
	if a.db == nil {
		return nil
	}
	err := dbpkg.Close(a.db)
	a.db = nil
	return err
}
