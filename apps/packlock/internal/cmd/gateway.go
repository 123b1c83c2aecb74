package cmd

import (
	"context"
	"errors"

	"github.com/nkkko/packlock/internal/gateway"
	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the reference lock gateway",
	Long: `Serve the lock gateway API on /api/lock, push notices on
/api/lock/stream and Prometheus metrics on /metrics.`,
	Args: cobra.NoArgs,
	RunE: runGateway,
}

var gatewayBackend string

func init() {
	// Listen address and data dir are applied by config.LoadConfig
	gatewayCmd.Flags().StringVar(&overrides.ListenAddr, "listen", "", "listen address (default :8080)")
	gatewayCmd.Flags().StringVar(&overrides.DataDir, "data-dir", "", "badger data directory")
	gatewayCmd.Flags().StringVar(&gatewayBackend, "store", "", "lease store backend: memory, badger or redis")
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	serverConfig := cfg.ToGatewayConfig()
	if gatewayBackend != "" {
		serverConfig.Store.Backend = gatewayBackend
	}

	server, err := gateway.NewServer(serverConfig)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
