package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/zZedix/smite/internal/logging"
	"github.com/zZedix/smite/internal/nodeclient"
	"github.com/zZedix/smite/internal/panel/api"
	"github.com/zZedix/smite/internal/panel/ipam"
	"github.com/zZedix/smite/internal/panel/mesh"
	"github.com/zZedix/smite/internal/panel/orchestrator"
	"github.com/zZedix/smite/internal/panel/scheduler"
	"github.com/zZedix/smite/internal/panel/serverman"
	"github.com/zZedix/smite/internal/panel/store"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// panelConfig is the optional YAML config file. Flags win over the
// file, the file wins over env defaults.
type panelConfig struct {
	Port int    `yaml:"port"`
	DB   string `yaml:"db"`
}

func loadConfig(path string) (panelConfig, error) {
	var cfg panelConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func rootCmd() *cobra.Command {
	var apiPort int
	var dbPath string
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:     "smite-panel",
		Short:   "Smite control panel",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if cfg.Port != 0 && !cmd.Flags().Changed("port") {
					apiPort = cfg.Port
				}
				if cfg.DB != "" && !cmd.Flags().Changed("db") {
					dbPath = cfg.DB
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPanel(ctx, apiPort, dbPath)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().IntVar(&apiPort, "port", envIntOr("PANEL_API_PORT", 8000), "Panel API listen port")
	cmd.Flags().StringVar(&dbPath, "db", store.Path(), "SQLite database path")
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("PANEL_CONFIG"), "YAML config file")
	return cmd
}

func runPanel(ctx context.Context, apiPort int, dbPath string) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	nodes := nodeclient.New()
	servers := serverman.New()
	orch := orchestrator.New(st, nodes, servers, apiPort)
	allocator := ipam.New(st)
	composer := mesh.New(st, allocator, nodes)
	sched := scheduler.New(st, orch, nil)
	srv := api.NewServer(st, orch, composer, allocator, nodes, version)

	// Re-dispatch whatever was active before the last shutdown.
	orch.Reconcile(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", apiPort)) })
	g.Go(func() error { return sched.Run(ctx) })
	err = g.Wait()

	servers.Shutdown(context.Background())
	return err
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
