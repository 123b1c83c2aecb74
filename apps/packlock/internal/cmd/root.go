package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkkko/packlock/internal/app"
	"github.com/nkkko/packlock/internal/config"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/internal/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile string
	overrides  config.Overrides

	// Loaded by the root PersistentPreRunE
	cfg               *config.Config
	shutdownTelemetry func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "packlock",
	Short: "Cooperative edit locks for shared packs",
	Long: `packlock coordinates exclusive edit access to a shared resource.
Sessions acquire a lease from the lock gateway, keep it alive with
heartbeats and negotiate ownership transfers with other sessions.`,
	SilenceUsage:       true,
	PersistentPreRunE:  loadConfig,
	PersistentPostRunE: flushTelemetry,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (YAML)")
	flags.StringVar(&overrides.GatewayURL, "gateway", "", "lock gateway endpoint, e.g. http://localhost:8080/api/lock")
	flags.StringVarP(&overrides.ResourceID, "resource", "r", "", "protected resource id")
	flags.StringVar(&overrides.OwnerID, "owner", "", "owner id sent to the gateway")
	flags.StringVar(&overrides.OwnerLabel, "label", "", "display name shown to other sessions")
	flags.StringVar(&overrides.TabID, "tab", "", "session id; reuse it to act as the same holder across commands")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.LoadConfig(configFile, overrides)
	if err != nil {
		return err
	}
	cfg = loaded

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	shutdown, err := telemetry.Setup(cmd.Context(), cfg.ToTelemetryConfig())
	if err != nil {
		// Tracing is optional, keep going without it
		log.Warn().Err(err).Msg("Failed to set up tracing")
		shutdown = func(context.Context) error { return nil }
	}
	shutdownTelemetry = shutdown
	return nil
}

func flushTelemetry(cmd *cobra.Command, args []string) error {
	if shutdownTelemetry == nil {
		return nil
	}
	return shutdownTelemetry(context.Background())
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// newApp composes a client session for the configured resource
func newApp(opts ...app.Option) (*app.App, error) {
	if cfg.Client.ResourceID == "" {
		return nil, fmt.Errorf("no resource: pass --resource or set client.resource_id")
	}
	return app.New(cfg.ToAppConfig(), opts...)
}
