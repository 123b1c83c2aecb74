package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Boot a session and verify its wiring",
	Long: `Boot a session against the gateway and check that the lock machine is
registered, its state is consistent and the badge, toast and diagnostics
subscribers are attached and saw the bootstrap event. Prints the report as
JSON and exits non-zero when a check fails.`,
	Args: cobra.NoArgs,
	RunE: runSelfTest,
}

var selftestTimeout time.Duration

func init() {
	selftestCmd.Flags().DurationVar(&selftestTimeout, "timeout", 10*time.Second, "overall time limit")
	rootCmd.AddCommand(selftestCmd)
}

func runSelfTest(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), selftestTimeout)
	defer cancel()

	// A gateway failure leaves the machine in Error, which the report shows
	_ = a.Boot(ctx)

	report, err := a.SelfTest(ctx)
	if report == nil {
		return err
	}
	if err := report.WriteJSON(cmd.OutOrStdout()); err != nil {
		return err
	}
	if !report.Passed {
		return fmt.Errorf("self-test failed: %d of %d checks", len(report.Failed()), len(report.Checks))
	}
	return nil
}
