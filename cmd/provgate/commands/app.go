package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/audit"
	"github.com/provgate/provgate/pkg/config"
	"github.com/provgate/provgate/pkg/connectors"
	"github.com/provgate/provgate/pkg/connectors/ldap"
	"github.com/provgate/provgate/pkg/connectors/memory"
	"github.com/provgate/provgate/pkg/connectors/odoo"
	"github.com/provgate/provgate/pkg/connectors/sql"
	"github.com/provgate/provgate/pkg/provisioning"
	"github.com/provgate/provgate/pkg/rules"
	"github.com/provgate/provgate/pkg/telemetry"
)

// app holds the components shared by commands that talk to backends.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	engine   *rules.Engine
	manager  *connectors.Manager
	sink     audit.Sink
	reader   audit.Reader
	orch     *provisioning.Orchestrator
	closeFns []func() error
}

// newRegistry returns a registry with every built-in connector kind.
func newRegistry() *connectors.Registry {
	registry := connectors.NewRegistry()
	registry.MustRegister(ldap.Kind, ldap.Factory)
	registry.MustRegister(sql.Kind, sql.Factory)
	registry.MustRegister(odoo.Kind, odoo.Factory)
	registry.MustRegister(memory.Kind, memory.Factory)
	return registry
}

func loadConfig(version string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if version != "" {
		cfg.Telemetry.ServiceVersion = version
	}
	return cfg, nil
}

// newEngine builds a rules engine for path and loads it once.
func newEngine(ctx context.Context, path string, logger zerolog.Logger, opts ...rules.Option) (*rules.Engine, error) {
	opts = append([]rules.Option{rules.WithConnectorKinds(newRegistry().Kinds()...)}, opts...)
	engine, err := rules.NewEngine(rules.FileSource{Path: path}, logger, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := engine.Reload(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}

// newApp loads configuration and wires the orchestrator.
func newApp(ctx context.Context, version string) (*app, error) {
	cfg, err := loadConfig(version)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}

	a.engine, err = newEngine(ctx, cfg.Rules.Path, a.logger, rules.WithReloadHook(provisioning.ReloadHook(tel)))
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.manager = connectors.NewManager(newRegistry(), cfg.Provisioning.BackendTimeout, a.logger)
	a.closeFns = append(a.closeFns, a.manager.Close)

	if err := a.openAudit(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.orch = provisioning.New(a.engine, a.manager, a.logger,
		provisioning.WithAuditSink(a.sink),
		provisioning.WithTelemetry(tel),
		provisioning.WithDefaultTarget(cfg.Provisioning.DefaultTarget))

	return a, nil
}

func (a *app) openAudit(ctx context.Context) error {
	cfg := a.cfg.Audit
	if !cfg.Enabled {
		a.sink = audit.NewLogSink(a.logger)
		return nil
	}

	switch cfg.Driver {
	case "log":
		a.sink = audit.NewLogSink(a.logger)
	case "memory":
		sink := audit.NewMemorySink()
		a.sink, a.reader = sink, sink
	default:
		store, err := audit.OpenSQLStore(ctx, audit.StoreConfig{Driver: cfg.Driver, DSN: cfg.DSN})
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		a.sink, a.reader = store, store
		a.closeFns = append(a.closeFns, store.Close)
	}
	if cfg.Log && cfg.Driver != "log" {
		a.sink = audit.Multi{a.sink, audit.NewLogSink(a.logger)}
	}

	a.logger.Debug().
		Str("driver", cfg.Driver).
		Bool("queryable", a.reader != nil).
		Msg("Audit sink ready")
	return nil
}

// Close releases connectors, the audit store and telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		errs = append(errs, a.closeFns[i]())
	}
	errs = append(errs, a.tel.Shutdown(context.WithoutCancel(ctx)))
	errs = append(errs, a.tel.Logger.Close())
	return errors.Join(errs...)
}
