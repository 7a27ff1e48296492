package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-proxy-go/pkg/mcpproxy"
	proxygateway "github.com/vikashloomba/mcp-proxy-go/pkg/proxy-gateway"
)

const (
	ListenAddrEnvVar     = "MCP_PROXY_LISTEN_ADDR"
	BasePathEnvVar       = "MCP_PROXY_BASE_PATH"
	AllowedOriginsEnvVar = "MCP_PROXY_ALLOWED_ORIGINS"
	MaxConnectionsEnvVar = "MCP_PROXY_MAX_CONNECTIONS"
	LogLevelEnvVar       = "MCP_PROXY_LOG_LEVEL"
	DefaultCommandEnvVar = "MCP_PROXY_DEFAULT_COMMAND"
	DefaultArgsEnvVar    = "MCP_PROXY_DEFAULT_ARGS"

	listenAddrDefault = ":6277"
)

var (
	flagListenAddr     string
	flagBasePath       string
	flagAllowedOrigins []string
	flagMaxConnections int
	flagLogLevel       string
	flagDefaultCommand string
	flagDefaultArgs    string
	flagDefaultEnv     []string
)

var rootCmd = &cobra.Command{
	Use:   "mcp-proxy",
	Short: "Bridge browser MCP clients to stdio, SSE and streamable HTTP servers",
	Long: "mcp-proxy runs an HTTP endpoint that browser MCP clients connect to over\n" +
		"SSE (GET /sse) or streamable HTTP (POST /mcp). Each browser connection\n" +
		"describes a backing MCP server in its query parameters; the proxy spawns or\n" +
		"dials that server and relays JSON-RPC traffic verbatim in both directions.\n\n" +
		"Configuration follows flag > environment variable > default precedence.\n" +
		"A .env file in the working directory is loaded if present.",
	RunE:         runProxy,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&flagListenAddr, "listen", "",
		fmt.Sprintf("address to bind the HTTP server to (or env var %s, default %s)", ListenAddrEnvVar, listenAddrDefault))
	rootCmd.Flags().StringVar(&flagBasePath, "base-path", "",
		fmt.Sprintf("path prefix for all proxy routes (or env var %s)", BasePathEnvVar))
	rootCmd.Flags().StringSliceVar(&flagAllowedOrigins, "allowed-origins", nil,
		fmt.Sprintf("origins allowed by CORS (or env var %s, comma separated, default *)", AllowedOriginsEnvVar))
	rootCmd.Flags().IntVar(&flagMaxConnections, "max-connections", 0,
		fmt.Sprintf("maximum concurrent proxy sessions, 0 means unlimited (or env var %s)", MaxConnectionsEnvVar))
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "",
		fmt.Sprintf("log level: debug, info, warn or error (or env var %s, default info)", LogLevelEnvVar))
	rootCmd.Flags().StringVar(&flagDefaultCommand, "default-command", "",
		fmt.Sprintf("default stdio command advertised on /config (or env var %s)", DefaultCommandEnvVar))
	rootCmd.Flags().StringVar(&flagDefaultArgs, "default-args", "",
		fmt.Sprintf("default arguments advertised on /config (or env var %s)", DefaultArgsEnvVar))
	rootCmd.Flags().StringArrayVar(&flagDefaultEnv, "default-env", nil,
		"default environment advertised on /config, KEY=VALUE, repeatable")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runProxy(cmd *cobra.Command, args []string) error {
	// Values from a .env file never override variables already exported.
	_ = godotenv.Load()

	level, err := resolveLogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	maxConnections, err := resolveMaxConnections()
	if err != nil {
		return err
	}
	defaultEnv, err := parseDefaultEnv(flagDefaultEnv)
	if err != nil {
		return err
	}

	addr := resolveString(flagListenAddr, ListenAddrEnvVar, listenAddrDefault)
	basePath := resolveString(flagBasePath, BasePathEnvVar, "")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := mcpproxy.NewManager(&mcpproxy.Options{
		MaxConnections: maxConnections,
		Logger:         logger,
		MessagePath:    basePath + "/message",
	})
	gateway, err := proxygateway.NewGateway(manager, &proxygateway.Options{
		Addr:               addr,
		BasePath:           basePath,
		AllowedOrigins:     resolveAllowedOrigins(),
		DefaultCommand:     resolveString(flagDefaultCommand, DefaultCommandEnvVar, ""),
		DefaultArgs:        resolveString(flagDefaultArgs, DefaultArgsEnvVar, ""),
		DefaultEnvironment: defaultEnv,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	logger.Info("mcp-proxy listening", "addr", addr, "basePath", basePath, "maxConnections", maxConnections)
	if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("proxy server stopped: %w", err)
	}
	logger.Info("mcp-proxy stopped")
	return nil
}

// resolveString applies flag > environment variable > default precedence.
func resolveString(flagValue, envVar, fallback string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v
	}
	return fallback
}

func resolveAllowedOrigins() []string {
	if len(flagAllowedOrigins) > 0 {
		return flagAllowedOrigins
	}
	raw := strings.TrimSpace(os.Getenv(AllowedOriginsEnvVar))
	if raw == "" {
		return nil
	}
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func resolveMaxConnections() (int, error) {
	if flagMaxConnections > 0 {
		return flagMaxConnections, nil
	}
	raw := strings.TrimSpace(os.Getenv(MaxConnectionsEnvVar))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid value for %s: '%s', must be a non-negative integer", MaxConnectionsEnvVar, raw)
	}
	return n, nil
}

func resolveLogLevel() (slog.Level, error) {
	raw := strings.ToLower(resolveString(flagLogLevel, LogLevelEnvVar, "info"))
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level '%s', valid values are debug, info, warn and error", raw)
	}
}

func parseDefaultEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --default-env entry '%s', expected KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}
