package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"smartquery/internal/audit"
	"smartquery/internal/config"
	"smartquery/internal/interpret"
	"smartquery/internal/llm"
	"smartquery/internal/logging"
	"smartquery/internal/plan"
	"smartquery/internal/query"
	"smartquery/internal/registry"
	"smartquery/internal/sanitize"
	"smartquery/internal/schema"
	"smartquery/internal/server"
	"smartquery/internal/store"
)

// app holds the wired components shared by all subcommands.
type app struct {
	cfg     *config.Config
	storage *store.SQLiteStore
	emitter audit.Emitter
	reader  *interpret.Reader
	writer  *interpret.Writer
	plans   *plan.Manager
	server  *server.Server
	zap     *zap.Logger
}

// buildApp wires every component from configuration. The order matters:
// store before cache (the store is the cache's fetcher), cache before the
// registry builtins, interpreters before the plan manager.
func buildApp(configPath string, debug bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.DebugMode = true
		cfg.Logging.Level = "debug"
	}

	workspace, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(workspace, logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryBoot).Info("starting %s", cfg.Name)

	st, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	cache := schema.NewCache(st, cfg.Cache.TTL.D(), cfg.Cache.StaleCeiling.D())

	sanitizer, err := buildSanitizer(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	client, embed, err := buildLLM(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	reg := registry.New()
	if err := registry.RegisterBuiltins(reg, st, cache, embed); err != nil {
		st.Close()
		return nil, err
	}

	emitter, err := buildAuditEmitter(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	reader := interpret.NewReader(client, cache, sanitizer, query.NewExecutor(st.DB()))
	writer := interpret.NewWriter(client, cache, sanitizer, reg, emitter)
	plans := plan.NewManager(writer, reg, plan.Options{
		EventBufferSize: cfg.Plan.EventBufferSize,
		IdleTimeout:     cfg.Plan.IdleTimeout.D(),
	})

	zl, err := buildZap(cfg.Logging.DebugMode)
	if err != nil {
		st.Close()
		emitter.Close()
		plans.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		storage: st,
		emitter: emitter,
		reader:  reader,
		writer:  writer,
		plans:   plans,
		server:  server.New(reader, writer, plans, zl),
		zap:     zl,
	}, nil
}

func buildSanitizer(cfg *config.Config) (*sanitize.Sanitizer, error) {
	if cfg.Sanitize.PatternsPath == "" {
		return sanitize.New(), nil
	}
	s, err := sanitize.NewFromFile(cfg.Sanitize.PatternsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load sanitizer patterns: %w", err)
	}
	return s, nil
}

// buildLLM selects the model backend. The gemini client also supplies the
// embedding function for fuzzy entity resolution; the mock backend has none,
// so resolution falls back to exact name matching.
func buildLLM(cfg *config.Config) (llm.Client, store.EmbedFunc, error) {
	switch cfg.LLM.Provider {
	case "gemini", "":
		gc, err := llm.NewGeminiClient(context.Background(), cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, nil, err
		}
		client := llm.NewRetryingClient(gc, cfg.LLM.Timeout.D(), cfg.LLM.MaxRetries)
		return client, gc.Embed, nil
	case "mock":
		return llm.NewMockClient(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func buildAuditEmitter(cfg *config.Config) (audit.Emitter, error) {
	var emitters []audit.Emitter
	if cfg.Audit.NATSURL != "" {
		e, err := audit.NewNATSEmitter(cfg.Audit.NATSURL, cfg.Audit.NATSSubject)
		if err != nil {
			return nil, fmt.Errorf("failed to connect audit NATS sink: %w", err)
		}
		emitters = append(emitters, e)
	}
	if cfg.Audit.FilePath != "" {
		e, err := audit.NewFileEmitter(cfg.Audit.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		emitters = append(emitters, e)
	}

	switch len(emitters) {
	case 0:
		return audit.Nop{}, nil
	case 1:
		return emitters[0], nil
	default:
		return audit.NewMulti(emitters...), nil
	}
}

func buildZap(debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zcfg.Build()
}

// Close releases resources in reverse wiring order.
func (a *app) Close() {
	a.plans.Close()
	a.emitter.Close()
	a.storage.Close()
	a.zap.Sync()
}
