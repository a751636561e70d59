// CLAUDE:SUMMARY CLI entry point for quiesced — capture decision daemon with HTTP bus and optional MCP over QUIC.
// Command quiesced runs the conversation capture decision engine.
//
// Usage:
//
//	quiesced -config quiesce.yaml    # run with config file
//	quiesced -db quiesce.db          # run with defaults, secret from QUIESCE_SECRET
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/quiesce"
	"github.com/hazyhaar/quiesce/internal/mcpquic"
)

func main() {
	configPath := flag.String("config", "", "path to quiesce.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	mcpTransport := flag.String("mcp", "", "MCP transport: quic (default: disabled)")
	mcpAddr := flag.String("mcp-addr", ":9444", "MCP QUIC listen address")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *listen, *mcpTransport, *mcpAddr); err != nil {
		logger.Error("quiesced: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, listen, mcpTransport, mcpAddr string) error {
	cfg, err := resolveConfig(configPath, dbPath, listen)
	if err != nil {
		return err
	}

	eng, err := quiesce.New(*cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer eng.Close()

	if mcpTransport == "quic" {
		if err := startMCP(ctx, eng, mcpAddr, logger); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           eng.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /bus/events holds SSE streams open indefinitely.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("quiesced: serving", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("quiesced: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("quiesced: shutdown", "error", err)
	}
	return nil
}

// startMCP mounts the engine's tools on an MCP-over-QUIC listener. TLS_CERT
// and TLS_KEY select a real certificate; otherwise a self-signed one is
// generated and clients must dial insecurely.
func startMCP(ctx context.Context, eng *quiesce.Engine, addr string, logger *slog.Logger) error {
	mcpSrv := mcp.NewServer(&mcp.Implementation{
		Name:    "quiesce",
		Version: "1.0.0",
	}, nil)
	eng.RegisterMCP(mcpSrv)

	var tlsCfg *tls.Config
	var err error
	if cert, key := os.Getenv("TLS_CERT"), os.Getenv("TLS_KEY"); cert != "" && key != "" {
		tlsCfg, err = mcpquic.ServerTLSConfig(cert, key)
	} else {
		tlsCfg, err = mcpquic.SelfSignedTLSConfig()
	}
	if err != nil {
		return err
	}

	ql, err := mcpquic.NewListener(addr, tlsCfg, mcpSrv, logger)
	if err != nil {
		return err
	}
	go func() {
		if err := ql.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("quiesced: mcp quic", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		ql.Close()
	}()
	return nil
}

func resolveConfig(configPath, dbPath, listen string) (*quiesce.Config, error) {
	var cfg *quiesce.Config
	if configPath != "" {
		loaded, err := quiesce.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &quiesce.Config{}
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if cfg.MasterSecret == "" {
		cfg.MasterSecret = os.Getenv("QUIESCE_SECRET")
	}
	return cfg, nil
}
