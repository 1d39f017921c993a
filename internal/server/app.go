// Package server initializes and runs authd: it opens storage, builds the
// account and OAuth services, and serves the gRPC API next to the HTTP
// endpoint OAuth providers redirect to.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/authsync/internal/logging"
	"github.com/dmitrijs2005/authsync/internal/server/config"
	"github.com/dmitrijs2005/authsync/internal/server/events"
	"github.com/dmitrijs2005/authsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/authsync/internal/server/services"
	"github.com/dmitrijs2005/authsync/internal/server/web"

	gs "github.com/dmitrijs2005/authsync/internal/server/grpc"
)

const shutdownTimeout = 5 * time.Second

// repoOpener is swapped in tests.
var repoOpener = repomanager.Open

type App struct {
	config       *config.Config
	logger       logging.Logger
	repomanager  repomanager.RepositoryManager
	hub          *events.Hub
	userService  *services.UserService
	oauthService *services.OAuthService
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger := logging.NewJSON(os.Stdout, c.LogLevel)

	rm, err := repoOpener(ctx, c.DatabaseDSN, c.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	hub := events.NewHub(events.DefaultBuffer)
	us := services.NewUserService(rm, hub, c)

	providers := services.ProvidersFromConfig(c)
	oa := services.NewOAuthService(us, providers, c.OAuthFlowTTL, nil, logger)

	storage := "memory"
	if c.DatabaseDSN != "" {
		storage = "postgres"
	}
	logger.Info(ctx, "Storage ready", "users", storage, "redis", c.RedisAddr != "", "oauth_providers", oa.Providers())

	return &App{config: c, logger: logger, repomanager: rm, hub: hub, userService: us, oauthService: oa}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {

	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.userService, app.oauthService, app.hub)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, "gRPC server failed", "error", err)
		cancelFunc()
	}
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {

	srv := web.NewServer(app.config.HTTPAddr, app.oauthService, app.logger.With("module", "http_server"))

	go func() {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(ctx, "HTTP shutdown failed", "error", err)
		}
	}()

	app.logger.Info(ctx, "Starting HTTP server", "address", app.config.HTTPAddr, "callback", app.config.OAuthRedirectURL())

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, "HTTP server failed", "error", err)
		cancelFunc()
	}
}

// Run serves until ctx ends, a signal arrives or a server fails.
func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	app.hub.Close()
	if err := app.repomanager.Close(); err != nil {
		app.logger.Error(ctx, "closing storage failed", "error", err)
	}
	app.logger.Info(ctx, "Stopped")
}
