package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"milestonepay/internal/chain"
	"milestonepay/internal/config"
	"milestonepay/internal/db"
	"milestonepay/internal/engine"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/migrate"
	"milestonepay/internal/multisig"
	"milestonepay/internal/nonce"
	"milestonepay/internal/server"
	"milestonepay/internal/siws"
	"milestonepay/internal/wallet"
)

type Options struct {
	Workspace string
	// ConfigPath overrides the workspace milestonepay.yml.
	ConfigPath string
	Logger     *slog.Logger
	// InMemoryNonces keeps consumed nonces in memory instead of the
	// workspace badger directory.
	InMemoryNonces bool
}

// App is the wired service: one config, one database and the components
// built on them.
type App struct {
	Workspace   string
	Config      *config.Config
	DB          *sql.DB
	Engine      engine.Engine
	Verifier    *siws.Verifier
	Authorizer  *auth.Authorizer
	Coordinator *multisig.Coordinator
	Webhooks    *server.WebhookDispatcher
	Registry    *prometheus.Registry
	Logger      *slog.Logger

	nonces *nonce.Store
}

// LoadConfig reads path when given, else the workspace config, falling back
// to defaults when the workspace has none.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// NewLogger returns the JSON handler used by serve or the text handler used
// by one-shot commands.
func NewLogger(w io.Writer, json bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func Open(opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: opts.Workspace, Config: cfg, DB: conn, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()
	if err := migrate.Migrate(conn); err != nil {
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.Engine = engine.New(conn, cfg)
	a.Engine.Logger = logger
	a.Engine.Metrics = engine.NewMetrics(a.Registry)

	nonceDir := ""
	if !opts.InMemoryNonces {
		nonceDir = cfg.Auth.NonceDir
		if nonceDir == "" {
			nonceDir = filepath.Join(db.StateDir(opts.Workspace), "nonces")
		}
	}
	a.nonces, err = nonce.Open(nonceDir, logger)
	if err != nil {
		return nil, err
	}
	a.Verifier = siws.NewVerifier(siws.Options{
		ServiceName:     cfg.ServiceName,
		ExpectedDomain:  cfg.Auth.ExpectedDomain,
		SkipDomainCheck: cfg.Auth.SkipDomainCheck,
		Production:      cfg.Production(),
		NonceTTL:        cfg.Auth.NonceTTL,
	}, a.nonces, logger)
	if cfg.DevBypassActive() {
		logger.Warn("authorization bypass is active; every verified signer is treated as a global admin")
	}
	a.Authorizer = auth.NewAuthorizer(cfg.Auth.GlobalSigners, a.Engine.Repo, cfg.DevBypassActive(), logger)

	if len(cfg.Multisig.Signers) > 0 {
		coord, err := multisig.New(conn, cfg,
			chain.New(cfg.Multisig.RPCEndpoint, cfg.Multisig.RequestTimeout, logger),
			wallet.New(cfg.Multisig.WalletURL, cfg.Multisig.RequestTimeout))
		if err != nil {
			return nil, fmt.Errorf("multisig: %w", err)
		}
		coord.Logger = logger
		coord.Metrics = multisig.NewMetrics(a.Registry)
		a.Coordinator = coord
		logger.Info("multisig coordinator ready", "account", coord.Account(), "threshold", cfg.Multisig.Threshold, "network", cfg.Multisig.Network)
	}

	a.Webhooks = server.NewWebhookDispatcher(a.Engine.Repo, cfg.Webhooks, logger)
	ok = true
	return a, nil
}

// Handler builds the HTTP API over the wired components.
func (a *App) Handler() (http.Handler, error) {
	// a nil *Coordinator must not reach the interface
	var ms server.Multisig
	if a.Coordinator != nil {
		ms = a.Coordinator
	}
	return server.New(server.Config{
		Engine:     a.Engine,
		Multisig:   ms,
		Verifier:   a.Verifier,
		Authorizer: a.Authorizer,
		BasePath:   a.Config.Server.BasePath,
		JWTSecret:  a.Config.Auth.JWTSecret,
		Logger:     a.Logger,
		Registry:   a.Registry,
	})
}

func (a *App) Close() error {
	var errs []error
	if a.nonces != nil {
		errs = append(errs, a.nonces.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// StartTracing installs a tracer provider that writes spans to w. The
// returned function flushes and stops it.
func StartTracing(w io.Writer, service string) (func(context.Context) error, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", service))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
