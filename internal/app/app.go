package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wiregate/internal/auth"
	"github.com/vovakirdan/wiregate/internal/config"
	"github.com/vovakirdan/wiregate/internal/core"
	"github.com/vovakirdan/wiregate/internal/relay"
	"github.com/vovakirdan/wiregate/internal/store"
	"github.com/vovakirdan/wiregate/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wiregate/internal/transport/http"
)

// Option customizes an App before it runs.
type Option func(*App)

// WithWorkerCommand sets the command `serve` spawns for each IPC worker.
func WithWorkerCommand(name string, args ...string) Option {
	return func(a *App) {
		a.workerCmd = append([]string{name}, args...)
	}
}

// App wires together core, relay and transport layers.
type App struct {
	cfg       config.Config
	engine    *core.Engine
	relay     *relay.Relay
	server    *stdhttp.Server
	store     store.Store
	auth      *auth.Service
	workerCmd []string
	log       *zerolog.Logger
}

// New constructs the application with provided configuration. Handlers may be registered
// on Engine().Router() before Run.
func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	a := &App{cfg: cfg, log: logger}
	for _, opt := range opts {
		opt(a)
	}

	var users store.UserStore
	if cfg.DatabasePath != "" {
		st, err := sqlite.New(ctx, cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		a.store = st
		users = st
		logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")
	}

	engineOpts := core.Options{
		RequireAuth: cfg.JWTRequired,
		Routes:      cfg.Relay.Routes,
		Logger:      logger,
	}
	if cfg.JWTSecret != "" {
		a.auth = auth.NewService(users, jwtConfig(cfg))
		engineOpts.Authenticator = a.auth
	}
	a.engine = core.NewEngine(engineOpts)

	if cfg.Relay.Enabled {
		r, err := relay.Connect(relayConfig(cfg.Relay), a.engine, logger)
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("connect relay: %w", err)
		}
		a.relay = r
		a.engine.AttachRelay(r)
	}

	a.server = transporthttp.NewServer(a.engine, a.auth, users, cfg, logger)
	return a, nil
}

// Engine exposes the local engine for handler registration.
func (a *App) Engine() *core.Engine { return a.engine }

// Run starts the relay, the HTTP server and any workers, and blocks until ctx is cancelled
// or one of them fails.
func (a *App) Run(ctx context.Context) error {
	defer a.closeStore()

	if a.relay != nil {
		if err := a.relay.Start(ctx); err != nil {
			a.closeRelay()
			return fmt.Errorf("start relay: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().Str("addr", a.cfg.Addr).Str("node", a.engine.NodeID()).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.cfg.Workers > 0 {
		sup := newSupervisor(a.workerCmd, a.cfg, a.log)
		g.Go(func() error { return sup.run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		err := a.server.Shutdown(shutdownCtx)
		a.closeRelay()
		return err
	})

	return g.Wait()
}

func (a *App) closeRelay() {
	if a.relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Relay.DrainTimeout+a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.relay.Close(ctx); err != nil {
		a.log.Warn().Err(err).Msg("failed to close relay")
	}
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close store")
	} else {
		a.log.Info().Msg("store closed")
	}
	a.store = nil
}

func jwtConfig(cfg config.Config) *auth.JWTConfig {
	return &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.JWTTTL,
	}
}

func relayConfig(rc config.RelayConfig) relay.Config {
	return relay.Config{
		URL:              rc.NatsURL,
		Prefix:           rc.Prefix,
		Service:          rc.Service,
		Concurrency:      rc.Concurrency,
		OperationTimeout: rc.OperationTimeout,
		GatherWindow:     rc.GatherWindow,
		AckWait:          rc.AckWait,
		MaxDeliver:       rc.MaxDeliver,
		DrainTimeout:     rc.DrainTimeout,
	}
}
