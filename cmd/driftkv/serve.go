package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"driftkv/internal/admin"
	"driftkv/internal/config"
	"driftkv/internal/node"
	"driftkv/internal/protocol"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a driftkv node",
	Long: `Start a driftkv node. Options are read from the YAML file given by --config
and can be overridden by flags or by environment variables named DRIFTKV_<OPTION>
(e.g. DRIFTKV_SYNC_TIMEOUT=5s or DRIFTKV_SEED_NODES=10.0.0.1:16379,10.0.0.2:16379).`,
	RunE: runServe,
}

// serveFlags are the options exposed as flags. Every option in config.Keys()
// can be set through the environment.
var serveFlags = []struct {
	key   string
	usage string
}{
	{"listen_addr", "client protocol bind address"},
	{"fabric_addr", "inter-node protocol bind address; also the node ID"},
	{"admin_addr", "HTTP admin bind address (empty disables it)"},
	{"seed_nodes", "comma-separated fabric addresses used to join the cluster"},
	{"cluster_name", "cluster namespace; nodes of other clusters are refused"},
	{"data_dir", "directory for persisted data"},
	{"storage", "storage backend (memory, badger)"},
	{"log_level", "log level (debug, info, warn, error)"},
	{"log_format", "log format (text, json)"},
}

func init() {
	cobra.OnInitialize(initEnv)

	serveCmd.Flags().StringP("config", "c", "driftkv.yaml", "path to the YAML configuration file")
	for _, f := range serveFlags {
		serveCmd.Flags().String(flagName(f.key), "", f.usage)
	}
}

// initEnv loads .env files and sets up the environment overrides.
func initEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("driftkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// loadConfig reads the file, then applies environment variables and flags on top.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	for _, key := range config.Keys() {
		if err := viper.BindEnv(key); err != nil {
			return cfg, err
		}
	}
	for _, f := range serveFlags {
		if err := viper.BindPFlag(f.key, cmd.Flags().Lookup(flagName(f.key))); err != nil {
			return cfg, err
		}
	}

	for _, key := range config.Keys() {
		if !viper.IsSet(key) {
			continue
		}
		if err := cfg.Set(key, viper.GetString(key)); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting driftkv", "version", Version)
	fmt.Println(cfg.String())

	n, err := node.New(cfg, node.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	n.Start()

	server := protocol.NewServer(cfg.ListenAddr, n, protocol.Options{
		MaxConnections: cfg.ClientConnectionMax,
		MaxKeyLength:   cfg.MaxKeyLength,
		MaxValueLength: cfg.MaxValueLength,
		Logger:         logger.With("node", n.ID()),
	})
	if err := server.Listen(); err != nil {
		n.Stop()
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve()
	}()

	var adminServer *admin.Server
	if cfg.AdminAddr != "" {
		adminServer = admin.NewServer(n, cfg.AdminAddr, logger.With("node", n.ID()))
		if err := adminServer.Start(); err != nil {
			server.Stop()
			n.Stop()
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("client protocol server stopped: %w", err)
		}
	}

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Warn("admin shutdown failed", "error", err)
		}
	}
	if err := server.Stop(); err != nil {
		logger.Warn("client protocol shutdown failed", "error", err)
	}
	if err := n.Stop(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to stop node: %w", err))
	}
	logger.Info("driftkv stopped")
	return runErr
}
