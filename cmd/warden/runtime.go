package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/warden/internal/agent"
	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/mcp"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/policy"
	"github.com/haasonsaas/warden/internal/providers"
	"github.com/haasonsaas/warden/internal/router"
	"github.com/haasonsaas/warden/internal/secrets"
	"github.com/haasonsaas/warden/internal/sessions"
)

// loadConfig resolves the config file. An empty path falls back to
// WARDEN_CONFIG, then to built-in defaults when no file exists.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("WARDEN_CONFIG")
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// stores bundles the persistence layer shared by every command.
type stores struct {
	events   events.Store
	sessions sessions.Store
}

func openStores(cfg *config.Config) (*stores, error) {
	if cfg.Storage.Backend == "memory" {
		return &stores{
			events:   events.NewMemoryStore(),
			sessions: sessions.NewMemoryStore(),
		}, nil
	}

	if err := os.MkdirAll(cfg.Storage.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	eventStore, err := events.NewSQLiteStore(cfg.Storage.EventsPath())
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	sessionStore, err := sessions.NewSQLiteStore(cfg.Storage.SessionsPath())
	if err != nil {
		eventStore.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return &stores{events: eventStore, sessions: sessionStore}, nil
}

func (s *stores) Close() {
	s.sessions.Close()
	s.events.Close()
}

// runtime is the fully wired agent stack behind the chat command.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	stores  *stores
	manager *mcp.Manager
	loop    *agent.Loop

	metricsSrv *http.Server
}

// newRuntime builds the stack: logging, stores, policy engine, secret
// resolution for server environments, tool server connections, the
// gated router, the model provider, and the run loop.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()

	st, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	engine := policy.NewEngine(cfg.Policy)
	resolver := secrets.NewResolver(secrets.NewEnvSource(cfg.Policy.SecretKeys), engine)

	serverConfigs := make([]*mcp.ServerConfig, 0, len(cfg.Servers))
	for i := range cfg.Servers {
		server := cfg.Servers[i]
		env, err := secrets.ExpandEnv(server.Env, resolver, server.Name)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("server %s: %w", server.Name, err)
		}
		server.Env = env
		serverConfigs = append(serverConfigs, &server)
	}

	manager := mcp.NewManager(serverConfigs, logger)
	if err := manager.Start(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("start tool servers: %w", err)
	}

	rtr := router.New(manager, engine, st.events, logger, metrics, router.Config{
		Timeout:     cfg.Router.Timeout,
		OutputLimit: cfg.Router.OutputLimit,
		Bindings:    cfg.Router.Bindings,
	})

	provider, err := buildProvider(cfg)
	if err != nil {
		manager.Stop()
		st.Close()
		return nil, err
	}

	loop := agent.New(provider, rtr, manager, st.sessions, sessions.NewLocker(), st.events, logger, metrics, agent.Config{
		Model:            cfg.Agent.Model,
		System:           cfg.Agent.System,
		MaxToolRounds:    cfg.Agent.MaxToolRounds,
		MaxTokens:        cfg.Agent.MaxTokens,
		HistoryLimit:     cfg.Agent.HistoryLimit,
		ContextBudget:    cfg.Agent.ContextBudget,
		HardFailOnDenial: cfg.Agent.HardFailOnDenial,
	})

	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stores:  st,
		manager: manager,
		loop:    loop,
	}
	if cfg.Metrics.Enabled {
		rt.serveMetrics(cfg.Metrics.Addr)
	}
	return rt, nil
}

func (rt *runtime) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	rt.metricsSrv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := rt.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rt.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
}

func (rt *runtime) Close() {
	if rt.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		rt.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	rt.manager.Stop()
	rt.stores.Close()
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := cfg.LLM.DefaultProvider
	pc := cfg.LLM.Providers[name]

	switch name {
	case "anthropic":
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			MaxRetries:   pc.MaxRetries,
			DefaultModel: pc.DefaultModel,
		})
	case "openai":
		apiKey := pc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			MaxRetries:   pc.MaxRetries,
			DefaultModel: pc.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
