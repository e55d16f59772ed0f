// Command webtex renders TeX math in live browser pages and serves the
// control API used to toggle it.
//
// Usage:
//
//	webtex -config webtex.yaml                  # daemon: pages from config, HTTP control API
//	webtex -render -host example.org < in.html  # typeset one document to stdout
//	webtex -mcp                                 # MCP tools over stdio
//	echo "$TOKEN" | webtex -hash-token           # auth.token_hash for the config
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/webtex/shield"
	"github.com/hazyhaar/webtex/webtex"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to webtex.yaml")
	listen := flag.String("listen", "", "control API address (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	render := flag.Bool("render", false, "typeset stdin to stdout and exit")
	host := flag.String("host", "", "page host for -render preference lookup")
	sanitize := flag.Bool("sanitize", false, "with -render, write the sanitized body fragment")
	mcpStdio := flag.Bool("mcp", false, "serve the MCP tools over stdio")
	hashToken := flag.Bool("hash-token", false, "read a control API token on stdin and print its auth.token_hash")
	flag.Parse()

	if *hashToken {
		if err := printTokenHash(); err != nil {
			fmt.Fprintln(os.Stderr, "webtex:", err)
			os.Exit(1)
		}
		return
	}

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

	cfg := webtex.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = webtex.LoadConfigFile(*configPath); err != nil {
			logger.Error("webtex: load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	svc, err := webtex.New(cfg, logger)
	if err != nil {
		logger.Error("webtex: init", "error", err)
		os.Exit(1)
	}

	switch {
	case *render:
		err = runRender(ctx, svc, *host, *sanitize)
	case *mcpStdio:
		err = runMCP(ctx, svc)
	default:
		err = runDaemon(ctx, logger, svc, cfg.Listen)
	}
	if stopErr := svc.Stop(); stopErr != nil {
		logger.Warn("webtex: stop", "error", stopErr)
	}
	if err != nil {
		logger.Error("webtex: fatal", "error", err)
		os.Exit(1)
	}
}

func printTokenHash() error {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return errors.New("empty token")
	}
	hash, err := shield.HashToken(token)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func runRender(ctx context.Context, svc *webtex.Service, host string, sanitize bool) error {
	res, err := svc.RenderHTML(ctx, os.Stdin, os.Stdout, webtex.RenderHTMLOptions{Hostname: host, Sanitize: sanitize})
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	if res.Skipped != "" {
		fmt.Fprintf(os.Stderr, "webtex: not rendered: %s\n", res.Skipped)
	}
	return nil
}

func runMCP(ctx context.Context, svc *webtex.Service) error {
	srv := mcp.NewServer(&mcp.Implementation{Name: "webtex", Version: version}, nil)
	svc.RegisterMCP(srv)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	return srv.Run(ctx, &mcp.StdioTransport{})
}

func runDaemon(ctx context.Context, logger *slog.Logger, svc *webtex.Service, addr string) error {
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("webtex: control API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("webtex: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
