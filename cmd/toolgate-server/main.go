// toolgate-server is the gateway daemon: tool registry, dispatch pipeline,
// provider lifecycle, and the admin and control-plane surfaces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"toolgate/internal/config"
	"toolgate/internal/gateway"
	"toolgate/internal/logging"
)

const version = "0.2.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "toolgate-server",
		Short:   "Tool registry and execution gateway",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
		SilenceUsage: true,
	}

	flags := root.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flags.String("host", "", "admin API bind host")
	flags.Int("port", 0, "admin API bind port")
	flags.Int("cp-port", 0, "control-plane bind port")
	flags.String("redis", "", "redis address for the shared event bus")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	viper.SetEnvPrefix("TOOLGATE")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("host", flags.Lookup("host"))
	_ = viper.BindPFlag("port", flags.Lookup("port"))
	_ = viper.BindPFlag("cp_port", flags.Lookup("cp-port"))
	_ = viper.BindPFlag("redis_addr", flags.Lookup("redis"))
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))

	return root
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(&cfg)

	logger := logging.NewComponentLogger("main")
	logger.Info("starting toolgate-server %s", version)
	logger.Info("admin api: %s:%d, control plane: %s:%d%s",
		cfg.Server.Host, cfg.Server.Port,
		cfg.ControlPlane.Host, cfg.ControlPlane.Port, cfg.ControlPlane.Path)
	if cfg.Events.RedisAddr != "" {
		logger.Info("event bus: redis at %s", cfg.Events.RedisAddr)
	}

	g, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("assemble gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := g.Start(ctx); err != nil {
		// Port binds and manifest reads are the fatal init failures.
		return fmt.Errorf("start gateway: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received %s, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	g.Shutdown(shutdownCtx)
	return nil
}

// applyFlagOverrides layers explicit CLI flags over file and environment.
func applyFlagOverrides(cfg *config.Config) {
	if v := viper.GetString("host"); v != "" {
		cfg.Server.Host = v
	}
	if v := viper.GetInt("port"); v != 0 {
		cfg.Server.Port = v
	}
	if v := viper.GetInt("cp_port"); v != 0 {
		cfg.ControlPlane.Port = v
	}
	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Events.RedisAddr = v
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.LogLevel = v
	}
}
