package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/AlexBischof/mewbase/internal/config"
	"github.com/AlexBischof/mewbase/internal/connmgr"
	"github.com/AlexBischof/mewbase/internal/docbinding"
	"github.com/AlexBischof/mewbase/internal/observability"
)

// flagToKey maps a serve flag to the config key it overrides, mirroring
// §6's recognised options plus the SPEC_FULL additions.
var flagToKey = map[string]string{
	"logs-dir":           config.KeyLogsDir,
	"max-log-chunk-size": config.KeyMaxLogChunkSize,
	"listen":             config.KeyListenAddr,
	"initial-credit":     config.KeyInitialCredit,
	"auth-enabled":       config.KeyAuthEnabled,
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the mewbased server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	flags := cmd.Flags()
	flags.String("logs-dir", "", "directory for channel log files (config: logsDir)")
	flags.Int64("max-log-chunk-size", 0, "bytes per log file (config: maxLogChunkSize)")
	flags.String("listen", "", "listen address (config: listenAddr)")
	flags.Int64("initial-credit", 0, "initial subscriber byte-credit (config: initialCredit)")
	flags.Bool("auth-enabled", false, "reject CONNECT until authenticated (config: authEnabled; currently a stub either way, per §6)")
	flags.String("log-file", "", "write JSON logs to this file instead of stderr")

	return cmd
}

func runServe(cmd *cobra.Command) error {
	v, err := bindViper(cmd)
	if err != nil {
		return err
	}
	for flagName, key := range flagToKey {
		f := cmd.Flags().Lookup(flagName)
		if f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
		observability.SetDefaultLoggerPath(logFile)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.LogsDir, 0o755); err != nil {
		return fmt.Errorf("mewbased: create logs dir %q: %w", cfg.LogsDir, err)
	}

	docs, err := docbinding.NewManager(64, map[string]func() (docbinding.Binder, error){})
	if err != nil {
		return fmt.Errorf("mewbased: build document-binding manager: %w", err)
	}

	server := connmgr.NewServer(connmgr.Config{
		LogsDir:         cfg.LogsDir,
		MaxLogChunkSize: cfg.MaxLogChunkSize,
		InitialCredit:   cfg.InitialCredit,
	}, logger, docs)

	admin := docbinding.NewAdminBinder(server.ChannelNames, server.Channel)
	docs.Register(docbinding.AdminBinderName, func() (docbinding.Binder, error) { return admin, nil })

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("mewbased: listen on %s: %w", cfg.ListenAddr, err)
	}
	logger.CaptureInfo("mewbased: listening", "addr", listener.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- acceptLoop(ctx, listener, server) }()

	select {
	case <-ctx.Done():
	case err := <-acceptErr:
		if err != nil {
			logger.CaptureError(err)
		}
	}

	_ = listener.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.CaptureWarn("mewbased: shutdown did not finish cleanly", "err", err)
	}
	return nil
}

// acceptLoop mirrors the teacher's Server.acceptConnections: accept until
// the listener closes or ctx is cancelled, handing every connection to
// the connection manager's registry.
func acceptLoop(ctx context.Context, listener net.Listener, server *connmgr.Server) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mewbased: accept: %w", err)
		}
		server.Accept(conn)
	}
}

// newLogger builds the server's root logger, writing to the path set by
// --log-file (observability.SetDefaultLoggerPath) if one was given, or
// to stderr otherwise.
func newLogger(cfg config.Config) (*observability.CoreLogger, error) {
	out := io.Writer(os.Stderr)
	if path, ok := observability.GetDefaultLoggerPath(); ok {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("mewbased: open log file %q: %w", path, err)
		}
		out = f
	}
	handler := slog.NewJSONHandler(out, nil)

	var hub *sentry.Hub
	if cfg.SentryDSN != "" {
		client, err := sentry.NewClient(sentry.ClientOptions{Dsn: cfg.SentryDSN})
		if err == nil {
			hub = sentry.NewHub(client, sentry.NewScope())
		}
	}

	return observability.NewCoreLogger(slog.New(handler), hub), nil
}
