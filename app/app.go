package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/cors"
	"github.com/putto11262002/relay/core"
	"github.com/putto11262002/relay/pkg/logger"
	"github.com/putto11262002/relay/pkg/router"
	"github.com/putto11262002/relay/pkg/server"
)

type App struct {
	config      *Config
	logger      *slog.Logger
	hub         *core.Hub
	wsManager   *core.ConnManager
	router      *router.Router
	server      *server.Server
	roomHandler *RoomHandler
}

type Option func(*appOptions)

type appOptions struct {
	logOutput io.Writer
}

// WithLogOutput sends logs to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(o *appOptions) {
		o.logOutput = w
	}
}

func New(config *Config, opts ...Option) (*App, error) {
	o := appOptions{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}

	app := &App{config: config}

	var err error
	app.logger, err = logger.New(o.logOutput, config.Log.Level, config.Log.Format)
	if err != nil {
		return nil, err
	}

	app.hub = core.NewHub(
		core.WithLogger(app.logger.With(slog.String("component", "hub"))),
		core.WithDebounceWindow(config.WS.DebounceWindow),
		core.WithReportErrors(config.WS.ReportErrors),
		core.WithCloseTimeout(config.ShutdownTimeout),
	)

	origins := newOriginChecker(config.AllowedOrigins, app.logger)
	app.wsManager = core.NewConnManager(app.hub,
		core.WithCheckOrigin(origins.Check),
		core.WithManagerLogger(app.logger.With(slog.String("component", "ws"))),
		core.WithConnOptions(core.ConnOptions{
			SendQueueSize:  config.WS.SendQueueSize,
			MaxMessageSize: config.WS.MaxMessageSize,
			WriteWait:      config.WS.WriteWait,
			PongWait:       config.WS.PongWait,
		}),
	)

	app.roomHandler = NewRoomHandler(app.hub)

	app.router = router.New(router.WithLogger(app.logger))
	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	app.router.RegisterErrorMapper(core.ErrHubClosed, func(err error) router.Error {
		return router.NewJsonError(http.StatusServiceUnavailable, "server is shutting down")
	})

	app.router.Router.Get(config.WS.Path, app.wsManager.ServeHTTP)
	app.router.Get("/health", app.roomHandler.HealthHandler)

	app.router.Route("/api", func(r *router.Router) {
		r.Get("/rooms", app.roomHandler.ListRoomsHandler)
		r.Get("/rooms/{roomID}", app.roomHandler.GetRoomHandler)
		r.Get("/stats", app.roomHandler.StatsHandler)
	})

	app.server = server.New(config.Addr(), app.router)
	if app.tls() {
		app.server.TLSConfig = defaultTLSConfig.Clone()
	}
	// the hub closes every connection, then the manager waits for their loops
	app.server.AddCleanupFunc(func(ctx context.Context) error {
		app.hub.Close()
		return nil
	})
	app.server.AddCleanupFunc(func(ctx context.Context) error {
		if err := app.wsManager.Close(ctx); err != nil {
			return fmt.Errorf("close websocket connections: %w", err)
		}
		return nil
	})

	return app, nil
}

// Handler returns the app's HTTP handler. The hub must be started for the
// websocket and API routes to answer.
func (app *App) Handler() http.Handler {
	return app.router
}

func (app *App) Hub() *core.Hub {
	return app.hub
}

func (app *App) tls() bool {
	return app.config.TLS.Crt != "" && app.config.TLS.Key != ""
}

// Start serves until SIGINT or SIGTERM and then shuts down gracefully. It
// returns the process exit code.
func (app *App) Start() int {
	app.hub.Start()

	go func() {
		if err := app.server.Serve(context.Background(), app.config.TLS.Crt, app.config.TLS.Key); err != nil {
			failed(1, "server error: %v\n", err)
		}
	}()
	app.logger.Info(fmt.Sprintf("relay listening on %s", app.config.Addr()),
		slog.Bool("tls", app.tls()),
		slog.String("ws.path", app.config.WS.Path))

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		app.config.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(ctx context.Context) error {
				app.logger.Info("graceful shutdown initiated...")
				return app.Shutdown(ctx)
			},
		},
	)

	code := <-wait
	if code == 0 {
		app.logger.Info("app shutdown gracefully")
	} else {
		app.logger.Warn("app shutdown with errors", slog.Int("code", code))
	}
	return code
}

// Shutdown stops accepting requests and closes every connection without
// announcing departures.
func (app *App) Shutdown(ctx context.Context) error {
	return app.server.Shutdown(ctx)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
