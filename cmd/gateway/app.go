package main

import (
	"context"
	"os"
	"time"

	"github.com/vyrodovalexey/mfgateway/internal/auth"
	gwjwt "github.com/vyrodovalexey/mfgateway/internal/auth/jwt"
	"github.com/vyrodovalexey/mfgateway/internal/auth/legacy"
	"github.com/vyrodovalexey/mfgateway/internal/auth/mtls"
	"github.com/vyrodovalexey/mfgateway/internal/auth/oidc"
	"github.com/vyrodovalexey/mfgateway/internal/auth/pat"
	"github.com/vyrodovalexey/mfgateway/internal/auth/session"
	"github.com/vyrodovalexey/mfgateway/internal/auth/signing"
	"github.com/vyrodovalexey/mfgateway/internal/cache"
	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/identitymap"
	"github.com/vyrodovalexey/mfgateway/internal/keystore"
	"github.com/vyrodovalexey/mfgateway/internal/notifier"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
	"github.com/vyrodovalexey/mfgateway/internal/registry"
	"github.com/vyrodovalexey/mfgateway/internal/server"
)

// application bundles the wired components and their lifecycles.
type application struct {
	cfg      *config.Config
	logger   observability.Logger
	tracer   *observability.Tracer
	store    cache.Cache
	registry registry.Client
	selector *signing.Selector
	notifier *notifier.Notifier
	pat      *pat.Authority
	server   *server.Server
}

// newApplication assembles the gateway from configuration.
func newApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger}

	if cfg.Tracing.Enabled {
		tracer, err := observability.NewTracer(observability.TracerConfig{
			ServiceName:  cfg.Tracing.ServiceName,
			OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
			SamplingRate: cfg.Tracing.SamplingRate,
			Enabled:      true,
		})
		if err != nil {
			return nil, err
		}
		app.tracer = tracer
	}

	store, err := cache.New(&cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	app.store = store

	keys, err := keystore.New(cfg.Keystore, logger)
	if err != nil {
		return nil, err
	}

	var reg registry.Client
	if cfg.Registry.BaseURL != "" {
		reg = registry.NewClient(cfg.Registry, registry.WithLogger(logger))
		app.registry = reg
	}

	var legacyClient legacy.Client
	if cfg.LegacyAuthority.Configured() {
		legacyClient = legacy.NewClient(cfg.LegacyAuthority, reg,
			legacy.WithLogger(logger))
	}

	selector := signing.NewSelector(
		cfg.LegacyAuthority,
		cfg.Security.AuthorityWaitTimeout.Duration(),
		keys,
		legacyClient,
		reg,
		signing.WithLogger(logger),
	)
	app.selector = selector

	mapper := identitymap.New(cfg.IdentityMapper, identitymap.WithLogger(logger))

	selfID := instanceID(cfg)
	var peerNotifier *notifier.Notifier
	if reg != nil {
		peerNotifier = notifier.New(reg, selfID,
			cfg.Notifier.PollInterval.Duration(),
			cfg.Notifier.DeliveryTimeout.Duration(),
			notifier.WithLogger(logger))
		app.notifier = peerNotifier
	}

	signer := gwjwt.NewSigner(selector, gwjwt.DefaultSessionLifetime)
	verifier := gwjwt.NewVerifier(selector)

	sessionOpts := []session.Option{session.WithLogger(logger)}
	if peerNotifier != nil {
		sessionOpts = append(sessionOpts, session.WithNotifier(peerNotifier, selfID))
	}
	if reg != nil {
		sessionOpts = append(sessionOpts, session.WithRegistry(reg))
	}
	sessions := session.NewService(selector, signer, verifier, legacyClient,
		cfg.Users, store, sessionOpts...)

	authority := pat.NewAuthority(cfg.PAT, selector,
		pat.WithLogger(logger),
		pat.WithInvalidTokenCache(store))
	app.pat = authority

	mtlsOpts := []mtls.Option{mtls.WithLogger(logger)}
	if cfg.Security.AllowHeaderCertificate {
		mtlsOpts = append(mtlsOpts, mtls.WithHeaderCertificate())
	}
	if legacyClient != nil {
		mtlsOpts = append(mtlsOpts,
			mtls.WithLegacyClient(legacyClient, cfg.LegacyAuthority.ApplID))
	}
	certProvider := mtls.NewProvider(keys, mapper, mtlsOpts...)

	pipeline := auth.NewPipeline([]auth.Provider{
		pat.NewProvider(authority),
		oidc.NewProvider(cfg.OIDC, mapper, store, oidc.WithLogger(logger)),
		certProvider,
		gwjwt.NewProvider(verifier, sessions, legacyClient, cfg.Security.CookieName),
	}, auth.WithPipelineLogger(logger))

	handlers := server.NewHandlers(cfg, pipeline, sessions, authority, selector,
		certProvider, reg, logger)
	srv, err := server.New(cfg, handlers, server.NewMetrics("mfgateway"), logger)
	if err != nil {
		return nil, err
	}
	app.server = srv

	return app, nil
}

// start decides the signing authority, then serves. An authority that
// stays undetermined past the wait timeout is fatal.
func (a *application) start(ctx context.Context) error {
	if err := a.selector.Determine(ctx); err != nil {
		a.logger.Error("signing authority could not be determined",
			observability.Error(err))
		return err
	}

	if a.notifier != nil {
		a.notifier.Start()
	}
	a.pat.Start()

	return a.server.Start()
}

// shutdown stops components in reverse dependency order.
func (a *application) shutdown(logger observability.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(),
		a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		logger.Warn("server drain incomplete", observability.Error(err))
	}

	a.pat.Stop()
	if a.notifier != nil {
		a.notifier.Stop()
	}
	if a.registry != nil {
		_ = a.registry.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.tracer != nil {
		shutdownCtx, cancelTracer := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTracer()
		_ = a.tracer.Shutdown(shutdownCtx)
	}

	logger.Info("gateway stopped")
}

// instanceID resolves this gateway's registry identity.
func instanceID(cfg *config.Config) string {
	if cfg.Registry.InstanceID != "" {
		return cfg.Registry.InstanceID
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "mfgateway"
	}
	return hostname
}
