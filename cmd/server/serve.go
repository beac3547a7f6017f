package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"glyph-sync-server/internal/config"
	"glyph-sync-server/internal/handler"
	"glyph-sync-server/internal/metrics"
	"glyph-sync-server/internal/middleware"
	"glyph-sync-server/internal/repository"
	"glyph-sync-server/internal/schema"
	"glyph-sync-server/internal/service"
	"glyph-sync-server/internal/template"
	"glyph-sync-server/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := cfg.Logging.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checks := make(map[string]handler.Pinger)

	roomRepo, snapshotRepo, closeDB, err := openRepositories(ctx, cfg, logger, checks)
	if err != nil {
		return err
	}
	defer closeDB()

	hub := websocket.NewManager(websocket.Config{
		WriteWait:         cfg.WebSocket.WriteWait,
		PongWait:          cfg.WebSocket.PongWait,
		PingPeriod:        cfg.WebSocket.PingPeriod,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		SendBuffer:        cfg.WebSocket.SendBuffer,
		MaxClientsPerRoom: cfg.WebSocket.MaxClientsPerRoom,
		MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
		Burst:             cfg.WebSocket.Burst,
		RoomBacklog:       cfg.WebSocket.RoomBacklog,
	}, logger)
	hub.SetMetrics(m)

	var fanout service.Fanout = service.NewNopFanout()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
		fanout = service.NewRedisFanout(rdb, cfg.Server.InstanceID, logger)
	}

	rooms := service.NewRoomService(roomRepo, snapshotRepo, hub, fanout, m, service.RoomServiceConfig{
		InstanceID:      cfg.Server.InstanceID,
		PersistInterval: cfg.Collab.PersistInterval,
		IdleTTL:         cfg.Collab.RoomIdleTTL,
		SnapshotEvery:   cfg.Collab.SnapshotEvery,
		KeepSnapshots:   cfg.Collab.KeepSnapshots,
	}, logger)
	hub.SetMessageHandler(handler.NewWebSocketMessageHandler(rooms))
	hub.SetRoomListener(rooms)

	if err := fanout.Start(ctx, rooms.DeliverRemote); err != nil {
		return fmt.Errorf("start room fan-out: %w", err)
	}

	schemas := schema.NewRegistry(
		schema.WithStrict(cfg.Collab.StrictSchemas),
		schema.WithLogger(logger),
		schema.WithMetrics(m),
	)
	templates := template.New(
		template.WithMaxDepth(cfg.Collab.TemplateMaxDepth),
		template.WithMaxLength(cfg.Collab.TemplateMaxLength),
	)

	routes := handler.Routes{
		WebSocket: handler.NewWebSocketHandler(hub, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize, logger),
		Schemas:   handler.NewSchemaHandler(schemas, logger),
		Templates: handler.NewTemplateHandler(templates, m),
		Rooms:     handler.NewRoomHandler(rooms),
		Health:    handler.NewHealthHandler(checks),
		Metrics:   m.Handler(),
		Middleware: []mux.MiddlewareFunc{
			middleware.LoggerMiddleware(logger),
			middleware.CORSMiddleware(cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders),
		},
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
		routes.APIMiddleware = append(routes.APIMiddleware, limiter.Middleware())
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler: handler.NewRouter(routes),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return rooms.Run(gctx) })
	if limiter != nil {
		g.Go(func() error { return limiter.Cleanup(gctx) })
	}
	g.Go(func() error {
		logger.Info("server starting", "addr", srv.Addr, "env", cfg.Server.Env, "instance", cfg.Server.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if cerr := fanout.Close(); cerr != nil {
			logger.Warn("closing fan-out", "error", cerr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}

// openRepositories connects to CouchDB when DB_HOST is set, creating the
// database on first start, and falls back to in-memory persistence otherwise.
func openRepositories(ctx context.Context, cfg *config.Config, logger *slog.Logger, checks map[string]handler.Pinger) (repository.RoomRepository, repository.SnapshotRepository, func(), error) {
	if cfg.Database.Host == "" {
		logger.Warn("DB_HOST not set, room state is kept in memory only")
		return repository.NewMemoryRoomRepository(), repository.NewMemorySnapshotRepository(), func() {}, nil
	}

	client, err := kivik.New("couch", cfg.Database.URL())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, cfg.Database.Name)
	if err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, cfg.Database.Name); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("create database: %w", err)
		}
		logger.Info("created database", "name", cfg.Database.Name)
	}

	checks["couchdb"] = func(ctx context.Context) error {
		up, err := client.Ping(ctx)
		if err != nil {
			return err
		}
		if !up {
			return errors.New("unreachable")
		}
		return nil
	}

	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("closing CouchDB client", "error", err)
		}
	}
	return repository.NewRoomRepository(client, cfg.Database.Name),
		repository.NewSnapshotRepository(client, cfg.Database.Name),
		closeFn, nil
}
