package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/appbuilder/internal/auth"
	"github.com/ashureev/appbuilder/internal/backend"
	"github.com/ashureev/appbuilder/internal/config"
	"github.com/ashureev/appbuilder/internal/endpoint"
	"github.com/ashureev/appbuilder/internal/session"
	"github.com/ashureev/appbuilder/internal/store"
	"github.com/ashureev/appbuilder/internal/transport"
	"github.com/joho/godotenv"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *backend.Client
	store   *store.SQLiteStore
	session *session.Session
}

func loadConfig(logOut io.Writer) (*config.Config, *slog.Logger, error) {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}
	return cfg, logger, nil
}

// newApp wires config into a session. The caller must call close.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var signedIn *auth.Session
	if cfg.SessionCookie != "" {
		signedIn = &auth.Session{Cookie: cfg.SessionCookie}
	}
	tokens := auth.Source{
		Cache: auth.NewCache(
			&auth.HTTPFetcher{BaseURL: cfg.AuthBaseURL, Client: httpClient},
			auth.WithTTL(cfg.TokenTTL),
			auth.WithCooldown(cfg.TokenCooldown),
			auth.WithLogger(logger),
		),
		Session: signedIn,
	}

	client := backend.NewClient(cfg.APIBaseURL,
		backend.WithHTTPClient(httpClient),
		backend.WithTokenSource(tokens),
		backend.WithCookie(cfg.SessionCookie),
		backend.WithLogger(logger),
	)
	push := transport.NewPush(cfg.TransportURL,
		transport.WithPushTokens(tokens),
		transport.WithPushLogger(logger),
	)
	poller := transport.NewPoller(client, cfg.PollInterval, logger)

	opts := []session.Option{
		session.WithAssistantIntro(cfg.AssistantIntro),
		session.WithTemplate(cfg.Template),
		session.WithBackendOrigin(endpoint.Origin(cfg.APIBaseURL)),
		session.WithTokens(tokens),
		session.WithLogger(logger),
	}

	a := &app{cfg: cfg, logger: logger, client: client}
	if cfg.CacheDBPath != "" {
		st, err := store.NewSQLite(cfg.CacheDBPath)
		if err != nil {
			return nil, fmt.Errorf("open file cache: %w", err)
		}
		a.store = st
		opts = append(opts, session.WithFileStore(st), session.WithProjectMemory(st))
		logger.Debug("File cache opened", "path", cfg.CacheDBPath)
	}

	a.session = session.New(client, push, poller, opts...)
	return a, nil
}

// start runs the session loop until ctx is done. The returned channel closes
// once the loop has stopped its transports.
func (a *app) start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.session.Run(ctx); err != nil {
			a.logger.Error("Session loop failed", "error", err)
		}
	}()
	return done
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close file cache", "error", err)
	}
}

// withApp loads config, wires an app, runs its session, and tears everything
// down after fn returns.
func withApp(ctx context.Context, logOut io.Writer, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig(logOut)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	runCtx, cancel := context.WithCancel(ctx)
	stopped := a.start(runCtx)
	defer func() {
		cancel()
		<-stopped
	}()

	return fn(runCtx, a)
}
