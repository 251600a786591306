package main

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"conclave/internal/config"
	"conclave/internal/deliberation"
	"conclave/internal/events"
	"conclave/internal/logging"
	"conclave/internal/provider"
	"conclave/internal/research"
	"conclave/internal/store"
	"conclave/internal/usage"
)

// app bundles the wired collaborators behind the subcommands.
type app struct {
	cfg     *config.Config
	broker  *provider.Broker
	store   *store.SessionStore
	tracker *usage.Tracker
	sink    *events.Sink
	engine  *deliberation.Engine
	zlog    *zap.Logger
}

// buildApp wires the full stack from configuration: provider clients, the
// resilient broker, the checkpoint store, the usage ledger, the event sink,
// and the engine on top.
func buildApp() (*app, error) {
	primary, err := newClient(cfg.Providers.Primary)
	if err != nil {
		return nil, err
	}

	var fallback provider.Invoker
	if cfg.Providers.EnableFallback && cfg.Providers.Fallback != "" {
		fallback, err = newClient(cfg.Providers.Fallback)
		if err != nil {
			logging.SessionWarn("Fallback provider unavailable, continuing without: %v", err)
			fallback = nil
		}
	}

	broker := provider.NewBroker(provider.BrokerConfig{
		Primary:          primary,
		Fallback:         fallback,
		EnableFallback:   fallback != nil,
		Tiers:            tierMap(primary, fallback),
		MaxRetries:       cfg.Resilience.MaxRetries,
		BaseBackoff:      cfg.BaseBackoff(),
		MaxBackoff:       cfg.MaxBackoff(),
		FailureThreshold: cfg.Resilience.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout(),
		CacheTTL:         cfg.CacheTTL(),
		CacheMaxEntries:  cfg.Resilience.CacheMaxEntries,
	})

	st, err := store.NewSessionStore(resolvePath(cfg.Store.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	tracker, err := usage.NewTracker(workspace)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open usage ledger: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Logging.DebugMode {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zlog, err := zcfg.Build()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sink := events.NewSink(256)
	researcher := research.NewResearcher(broker, zlog.Named("research"), research.DefaultConfig())

	engine := deliberation.NewEngine(cfg, deliberation.EngineDeps{
		Broker:     broker,
		Store:      st,
		Sink:       sink,
		Tracker:    tracker,
		Researcher: researcher,
	})

	return &app{
		cfg:     cfg,
		broker:  broker,
		store:   st,
		tracker: tracker,
		sink:    sink,
		engine:  engine,
		zlog:    zlog,
	}, nil
}

// close flushes and releases everything buildApp opened.
func (a *app) close() {
	a.sink.Close()
	if err := a.tracker.Save(); err != nil {
		logging.StoreWarn("Failed to save usage ledger: %v", err)
	}
	if err := a.store.Close(); err != nil {
		logging.StoreWarn("Failed to close session store: %v", err)
	}
	_ = a.zlog.Sync()
}

// resolvePath anchors relative paths at the workspace.
func resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

func newClient(name string) (provider.Invoker, error) {
	key := cfg.APIKeyFor(name)
	if key == "" {
		return nil, fmt.Errorf("no API key configured for %s (set %s_API_KEY)", name, envPrefix(name))
	}
	switch name {
	case "anthropic":
		return provider.NewAnthropicClient(key), nil
	case "openai":
		return provider.NewOpenAIClient(key), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

func envPrefix(name string) string {
	if name == "openai" {
		return "OPENAI"
	}
	return "ANTHROPIC"
}

// tierMap assigns model tiers per provider. The primary uses the configured
// models; a fallback of a different vendor gets that vendor's defaults, since
// model names do not carry across providers.
func tierMap(primary, fallback provider.Invoker) map[string]provider.TierModels {
	defaults := map[string]provider.TierModels{
		"anthropic": {Light: "claude-haiku-4-5", Strong: "claude-sonnet-4-5"},
		"openai":    {Light: "gpt-4o-mini", Strong: "gpt-4o"},
	}

	tiers := make(map[string]provider.TierModels)
	tiers[primary.Name()] = provider.TierModels{
		Light:  cfg.Providers.LightModel,
		Strong: cfg.Providers.StrongModel,
	}
	if fallback != nil {
		if _, ok := tiers[fallback.Name()]; !ok {
			tiers[fallback.Name()] = defaults[fallback.Name()]
		}
	}
	return tiers
}
