package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/371-Minds/credvault/internal/expressions"
	"github.com/371-Minds/credvault/internal/policy"
	"github.com/371-Minds/credvault/internal/secrets"
	"github.com/371-Minds/credvault/internal/store"
	"github.com/371-Minds/credvault/internal/templates"
	"github.com/371-Minds/credvault/internal/vault"
	"github.com/371-Minds/credvault/pkg/schema"
)

// deps is everything a command needs, built once from Config.
type deps struct {
	cfg      Config
	logger   *slog.Logger
	vault    *vault.Service
	store    store.Store // nil when persistence is off
	registry *prometheus.Registry
}

// buildTemplates returns the built-in catalog merged with the configured
// YAML catalog, if any.
func buildTemplates(cfg Config) (*templates.Registry, error) {
	catalog := templates.Builtin()
	if cfg.TemplatesPath != "" {
		extra, err := templates.LoadFile(cfg.TemplatesPath)
		if err != nil {
			return nil, err
		}
		catalog = templates.Merge(catalog, extra)
	}
	return templates.NewRegistry(catalog)
}

func buildEngine(cfg Config, logger *slog.Logger) (*secrets.AESEngine, error) {
	key := cfg.MasterKey
	if key == "" {
		generated, err := secrets.GenerateMasterKey()
		if err != nil {
			return nil, err
		}
		key = generated
		logger.Warn("no master key configured, generated an ephemeral key; stored credentials will not be readable after restart",
			slog.String("hint", "set CREDVAULT_MASTER_KEY"))
	}
	ec := secrets.Config{MasterKey: key, Iterations: cfg.KDFIterations}
	if cfg.KDFSalt != "" {
		ec.Salt = []byte(cfg.KDFSalt)
	}
	return secrets.NewAESEngine(ec)
}

func buildRules(cfg Config) (*policy.RuleSet, error) {
	if len(cfg.AccessRules) == 0 {
		return nil, nil
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("cel engine: %w", err)
	}
	return policy.NewRuleSet(cel, cfg.AccessRules)
}

// buildDeps wires the vault from cfg. With persist set and a database
// configured, the latest snapshot is loaded; an empty database is not an
// error.
func buildDeps(ctx context.Context, cfg Config, logger *slog.Logger, persist bool) (*deps, error) {
	engine, err := buildEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	tpls, err := buildTemplates(cfg)
	if err != nil {
		return nil, err
	}
	rules, err := buildRules(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	v, err := vault.New(vault.Config{
		Engine:        engine,
		Templates:     tpls,
		Rules:         rules,
		Logger:        logger,
		Metrics:       vault.NewMetricsWithRegisterer("credvault", registry),
		Auditors:      cfg.Auditors,
		AuditCapacity: cfg.AuditCapacity,
	})
	if err != nil {
		return nil, err
	}

	d := &deps{cfg: cfg, logger: logger, vault: v, registry: registry}
	if !persist || cfg.dsn() == "" {
		return d, nil
	}
	if err := cfg.ensureDBDir(); err != nil {
		return nil, err
	}

	st, err := store.NewLibSQLStore(cfg.dsn())
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	if err := v.Load(ctx, st); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		st.Close()
		return nil, fmt.Errorf("load vault: %w", err)
	}
	d.store = st
	return d, nil
}

func (d *deps) close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close store", slog.String("error", err.Error()))
		}
	}
}
