// Command statesocket serves one shared, persisted JSON state to WebSocket
// clients.
//
// It supports two modes:
//  1. "server" (default) runs the HTTP server exposing the WebSocket endpoint,
//     the REST admin API, Prometheus metrics and an /mcp HTTP endpoint
//  2. "mcp" runs an MCP stdio server against a running statesocket API, or
//     against an in-process state manager when no API is reachable
//
// Configuration is read from a YAML file, then STATESOCKET_* environment
// variables (a .env file is loaded first), then command line flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
	"golang.org/x/sync/errgroup"

	"github.com/wricardo/mcp-training/statesocket/api"
	"github.com/wricardo/mcp-training/statesocket/config"
	"github.com/wricardo/mcp-training/statesocket/counter"
	"github.com/wricardo/mcp-training/statesocket/log"
	"github.com/wricardo/mcp-training/statesocket/metrics"
	"github.com/wricardo/mcp-training/statesocket/persistence"
	"github.com/wricardo/mcp-training/statesocket/session"
	"github.com/wricardo/mcp-training/statesocket/transport/mcp"
	"github.com/wricardo/mcp-training/statesocket/transport/websocket"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "statesocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}

	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    AppName,
		Usage:   "shared JSON state over WebSockets",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "statesocket.yaml",
				Usage:   "YAML configuration file (ignored when missing)",
			},
			&cli.StringFlag{Name: "host", Usage: "HTTP server host"},
			&cli.IntFlag{Name: "port", Usage: "HTTP server port"},
			&cli.StringFlag{Name: "driver", Usage: "storage driver: file, bolt or memory"},
			&cli.StringFlag{Name: "data-dir", Usage: "directory holding the persisted state"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.BoolFlag{Name: "log-json", Usage: "log JSON lines instead of console output"},
			&cli.BoolFlag{Name: "ngrok", Usage: "enable ngrok tunnel"},
			&cli.StringFlag{Name: "ngrok-auth", Usage: "ngrok auth token (or NGROK_AUTHTOKEN)"},
			&cli.StringFlag{Name: "ngrok-domain", Usage: "custom ngrok domain"},
		},
		Commands: []*cli.Command{
			{
				Name:    "server",
				Aliases: []string{"http"},
				Usage:   "run the HTTP server with WebSocket, REST, metrics and MCP endpoints",
				Action:  runServer,
			},
			{
				Name:    "mcp",
				Aliases: []string{"stdio-mcp", "mcp-stdio"},
				Usage:   "run an MCP stdio server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "api-url",
						Usage: "statesocket API to administer (defaults to the configured address)",
					},
				},
				Action: runMCP,
			},
		},
		Action: runServer,
	}
}

// loadConfig applies file, environment and flags, in that order.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("driver") {
		cfg.Storage.Driver = cmd.String("driver")
	}
	if cmd.IsSet("data-dir") {
		cfg.Storage.DataDir = cmd.String("data-dir")
	}
	if cmd.Bool("debug") {
		cfg.Log.Level = string(log.DebugLevel)
		cfg.Session.Debug = true
	}
	if cmd.Bool("log-json") {
		cfg.Log.JSON = true
	}
	if cmd.Bool("ngrok") {
		cfg.Ngrok.Enabled = true
	}
	if cmd.IsSet("ngrok-auth") {
		cfg.Ngrok.AuthToken = cmd.String("ngrok-auth")
	}
	if cmd.IsSet("ngrok-domain") {
		cfg.Ngrok.Domain = cmd.String("ngrok-domain")
	}

	return cfg, cfg.Validate()
}

func initLogging(cfg config.Config, output io.Writer) {
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     output,
	})
}

// buildAdapter returns the configured persistence adapter. The closer is
// nil for adapters without resources to release.
func buildAdapter(cfg config.Config) (session.Adapter, io.Closer, error) {
	st := cfg.Storage
	switch st.Driver {
	case config.DriverFile:
		return persistence.NewFileAdapter(filepath.Join(st.DataDir, "state.json"), persistence.FileOptions{
			BackupDir:  st.BackupDir,
			MaxBackups: st.MaxBackups,
		}), nil, nil
	case config.DriverBolt:
		ba, err := persistence.NewBoltAdapter(filepath.Join(st.DataDir, "state.db"), persistence.BoltOptions{
			Key:        st.BoltKey,
			BackupDir:  st.BackupDir,
			MaxBackups: st.MaxBackups,
		})
		if err != nil {
			return nil, nil, err
		}
		return ba, ba, nil
	case config.DriverMemory:
		return persistence.NewMemoryAdapter(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", st.Driver)
	}
}

// newManager wires the counter application to the configured storage.
func newManager(ctx context.Context, cfg config.Config) (*session.Manager[counter.State], func(), error) {
	adapter, closer, err := buildAdapter(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create storage: %w", err)
	}

	logger := log.WithComponent("session")
	opts := counter.Options()
	opts.Adapter = adapter
	opts.HeartbeatInterval = cfg.Session.HeartbeatInterval
	opts.PingTimeout = cfg.Session.PingTimeout
	opts.SyncInterval = cfg.Session.SyncInterval
	opts.EnableVersioning = cfg.Session.EnableVersioning
	opts.BroadcastOnChange = cfg.Session.BroadcastOnChange
	opts.Debug = cfg.Session.Debug
	opts.Logger = &logger
	opts.Observer = metrics.Observer{}
	opts.Hooks.OnPingTimeout = func(conn session.Connection) {
		logger.Warn().Str("conn_id", conn.ID()).Msg("connection missed heartbeat")
	}

	mgr, err := session.New(ctx, opts)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, nil, err
	}
	mgr.Use(counter.LoggingMiddleware(log.WithComponent("counter")))

	cleanup := func() {
		mgr.Dispose()
		if closer != nil {
			if err := closer.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close storage")
			}
		}
	}
	return mgr, cleanup, nil
}

// runServer starts the HTTP server and blocks until a signal arrives.
func runServer(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initLogging(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Str("driver", cfg.Storage.Driver).
		Msg("starting " + AppName)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}
	return serve(ctx, cfg, ln)
}

// serve runs every server component on ln until ctx is done.
func serve(ctx context.Context, cfg config.Config, ln net.Listener) error {
	logger := log.WithComponent("main")

	mgr, cleanup, err := newManager(ctx, cfg)
	if err != nil {
		ln.Close()
		return err
	}
	defer cleanup()

	hub := websocket.NewHub(mgr, websocket.Options{})
	mcpServer := mcp.NewServer(mcp.AdminBackend{Admin: mgr}, Version)
	handler := api.NewServer(mgr, api.Options{
		WebSocket: hub,
		MCP:       mcpServer,
		Version:   Version,
	})

	httpServer := &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ln.Addr().String()
		logger.Info().
			Str("addr", addr).
			Str("websocket", "ws://"+addr+"/ws").
			Str("api", "http://"+addr+"/api").
			Str("mcp", "http://"+addr+"/mcp").
			Msg("HTTP server listening")

		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	if cfg.Ngrok.Enabled {
		g.Go(func() error {
			return runNgrok(gctx, cfg.Ngrok, handler)
		})
	}

	if cfg.Session.BackupInterval > 0 {
		g.Go(func() error {
			backupLoop(gctx, mgr, cfg.Session.BackupInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := hub.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("websocket hub shutdown error")
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server shutdown error")
		}
		if err := mgr.Sync(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("final sync failed")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

// backupLoop asks the manager for a backup every interval until ctx is done.
func backupLoop(ctx context.Context, admin session.Admin, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures are already reported by the manager.
			_ = admin.CreateBackup(ctx)
		}
	}
}

// runNgrok exposes handler through an ngrok tunnel until ctx is done.
func runNgrok(ctx context.Context, cfg config.NgrokConfig, handler http.Handler) error {
	logger := log.WithComponent("ngrok")

	if cfg.AuthToken == "" {
		logger.Warn().Msg("ngrok enabled but no auth token provided (use --ngrok-auth, NGROK_AUTHTOKEN, or NGROK_AUTH_TOKEN)")
		return nil
	}

	// Configure ngrok endpoint
	var tunnel ngrokConfig.Tunnel
	if cfg.Domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.Domain))
		logger.Info().Str("domain", cfg.Domain).Msg("using custom ngrok domain")
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		// The local server keeps running without the tunnel.
		logger.Error().Err(err).Msg("failed to start ngrok tunnel")
		return nil
	}

	url := tun.URL()
	logger.Info().
		Str("url", url).
		Str("websocket", url+"/ws").
		Str("api", url+"/api").
		Msg("ngrok tunnel established")

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close ngrok tunnel")
		}
	}()

	if err := http.Serve(tun, handler); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("ngrok server error")
	}
	logger.Info().Msg("ngrok tunnel closed")
	return nil
}

// runMCP serves MCP over stdio. It administers a running statesocket API
// when one answers, and an in-process manager otherwise.
func runMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	initLogging(cfg, os.Stderr)
	logger := log.WithComponent("main")

	backend, cleanup, err := selectMCPBackend(ctx, cmd.String("api-url"), cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := mcp.NewServer(backend, Version).ServeStdio(); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}
	logger.Info().Msg("MCP stdio server stopped")
	return nil
}

// selectMCPBackend prefers the HTTP API at apiURL (or the configured
// address) and falls back to a manager running in this process.
func selectMCPBackend(ctx context.Context, apiURL string, cfg config.Config) (mcp.Backend, func(), error) {
	logger := log.WithComponent("main")

	if apiURL == "" {
		apiURL = "http://" + cfg.Addr()
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	httpBackend := mcp.NewHTTPBackend(apiURL)
	if err := httpBackend.Ping(probeCtx); err == nil {
		logger.Info().Str("url", apiURL).Msg("MCP stdio server ready (using external API)")
		return httpBackend, func() {}, nil
	}

	logger.Info().Str("url", apiURL).Msg("no API server found, using in-process state manager")
	mgr, cleanup, err := newManager(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return mcp.AdminBackend{Admin: mgr}, cleanup, nil
}
