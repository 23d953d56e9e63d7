package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/camflowhq/camflow/pkg/auth"
	"github.com/camflowhq/camflow/pkg/config"
	"github.com/camflowhq/camflow/pkg/gateway"
	"github.com/camflowhq/camflow/pkg/logging"
	"github.com/camflowhq/camflow/pkg/reliability"
	"github.com/camflowhq/camflow/pkg/telemetry"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "--version", "-v", "version":
		fmt.Printf("camflow %s (commit %s, built %s)\n", version, commit, buildDate)
		return nil
	case "--help", "-h", "help":
		printUsage()
		return nil
	case "login":
		return runLoginCommand(args[1:])
	case "logout":
		return runLogoutCommand(args[1:])
	case "reset-password":
		return runResetPasswordCommand(args[1:])
	case "whoami":
		return runWhoamiCommand(args[1:])
	case "account":
		return runAccountCommand(args[1:])
	case "chat":
		return runChatCommand(args[1:])
	default:
		return fmt.Errorf("unknown command: %s (run 'camflow help')", args[0])
	}
}

func printUsage() {
	fmt.Println(`camflow - booking assistant client for camera rental businesses

Usage:
  camflow login [-email <email>]       sign in and cache the session
  camflow logout                       sign out and clear the session
  camflow reset-password -email <e>    send a password reset email
  camflow whoami                       show the signed-in user
  camflow account <profile|subscription|security> [flags]
  camflow chat [-transport websocket|rest]
  camflow version                      print version information

Environment:
  CAMFLOW_API_URL, CAMFLOW_AUTH_URL, CAMFLOW_CHAT_URL,
  CAMFLOW_CHAT_TRANSPORT, CAMFLOW_LOG_DIR, CAMFLOW_LOG_LEVEL,
  CAMFLOW_TRACE (set to emit request traces to stdout)`)
}

// appDeps is the composition root: one session manager shared by every
// component that needs a token.
type appDeps struct {
	cfg      *config.Config
	logger   *logging.Logger
	sessions *auth.Manager
	api      *gateway.Client
	tracing  *telemetry.TracerProvider
}

// initDependenciesFn allows tests to stub dependency construction.
var initDependenciesFn = initDependencies

func initDependencies() (*appDeps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, ulid.Make().String())
	if err != nil {
		return nil, err
	}
	logger.SetMinLevel(logging.Level(cfg.Logging.MinLevel))

	var tracing *telemetry.TracerProvider
	if os.Getenv("CAMFLOW_TRACE") != "" {
		tracing, err = telemetry.NewTracerProvider("camflow")
		if err != nil {
			return nil, err
		}
	}

	backend, err := auth.NewHTTPBackend(cfg.Auth.BaseURL)
	if err != nil {
		return nil, err
	}
	sessions := auth.NewManager(backend, auth.ManagerOptions{
		SessionTTL:    cfg.Auth.SessionTTL,
		RefreshWindow: cfg.Auth.RefreshWindow,
		Retry: reliability.RetryStrategy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.InitialBackoff,
			MaxDelay:   cfg.Retry.MaxBackoff,
			Multiplier: cfg.Retry.Multiplier,
		},
		Logger: logger,
	})

	api, err := gateway.NewClient(cfg.API.BaseURL, sessions, gateway.Options{
		Timeout: cfg.API.Timeout,
		Logger:  logger,
		Redirect: func(route string) {
			fmt.Fprintf(os.Stderr, "Session expired. Please run 'camflow login'.\n")
		},
	})
	if err != nil {
		return nil, err
	}

	return &appDeps{cfg: cfg, logger: logger, sessions: sessions, api: api, tracing: tracing}, nil
}

func (d *appDeps) Close() {
	if d == nil {
		return
	}
	if d.sessions != nil {
		d.sessions.Close()
	}
	if d.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = d.tracing.Shutdown(ctx)
		cancel()
	}
	if d.logger != nil {
		_ = d.logger.Close()
	}
}
