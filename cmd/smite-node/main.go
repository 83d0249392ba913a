package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/adapter/wgmesh"
	"github.com/zZedix/smite/internal/counters"
	"github.com/zZedix/smite/internal/logging"
	"github.com/zZedix/smite/internal/nodeagent"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
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

type agentConfig struct {
	name         string
	role         string
	ipAddress    string
	apiPort      int
	panelAddress string
}

func rootCmd() *cobra.Command {
	var cfg agentConfig
	var debug bool

	cmd := &cobra.Command{
		Use:     "smite-node",
		Short:   "Smite node agent",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&cfg.name, "name", envOr("NODE_NAME", defaultNodeName()), "Node name reported to the panel")
	cmd.Flags().StringVar(&cfg.role, "role", envOr("NODE_ROLE", ""), "Node role, iran or foreign")
	cmd.Flags().StringVar(&cfg.ipAddress, "ip", envOr("NODE_IP", ""), "Public IP the panel should reach this node on")
	cmd.Flags().IntVar(&cfg.apiPort, "port", envIntOr("NODE_API_PORT", smite.DefaultAgentPort), "Agent API listen port")
	cmd.Flags().StringVar(&cfg.panelAddress, "panel", envOr("PANEL_ADDRESS", ""), "Panel base URL for self-registration")
	return cmd
}

func runAgent(ctx context.Context, cfg agentConfig) error {
	var counter nodeagent.ByteCounter
	if tracker, err := counters.New(); err != nil {
		slog.Warn("traffic counters unavailable, usage will not be tracked", "err", err)
	} else {
		counter = tracker
	}

	manager := nodeagent.NewManager(nodeagent.StatePath(), counter)
	manager.Restore(ctx)
	defer manager.Shutdown(context.Background())

	srv := nodeagent.NewServer(manager, wgmesh.NewManager(), cfg.name, version)
	announcer := &nodeagent.Announcer{
		PanelAddress: cfg.panelAddress,
		Name:         cfg.name,
		Role:         cfg.role,
		IPAddress:    cfg.ipAddress,
		APIPort:      cfg.apiPort,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.apiPort)) })
	g.Go(func() error { return announcer.Run(ctx) })
	return g.Wait()
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "smite-node"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
