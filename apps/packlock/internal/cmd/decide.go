package cmd

import (
	"fmt"

	"github.com/nkkko/packlock/internal/coordinator"
	"github.com/nkkko/packlock/internal/domain"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/spf13/cobra"
)

var decideCmd = &cobra.Command{
	Use:       "decide grant|decline",
	Short:     "Answer the pending transfer request as holder",
	Long:      `Answer the pending transfer request. Run it with the --owner and --tab of the holding session.`,
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{string(proto.DecisionGrant), string(proto.DecisionDecline)},
	RunE:      runDecide,
}

func init() {
	rootCmd.AddCommand(decideCmd)
}

func runDecide(cmd *cobra.Command, args []string) error {
	decision := proto.Decision(args[0])

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.Boot(ctx); err != nil {
		return err
	}
	if phase := a.Machine().Snapshot().Phase; phase != domain.PhaseHeldBySelf {
		return fmt.Errorf("this session does not hold the lock (%s)", phase)
	}
	if _, err := a.Machine().PollRequests(ctx); err != nil {
		return fmt.Errorf("failed to fetch transfer requests: %w", err)
	}

	req := a.Machine().IncomingRequest()
	if req == nil {
		return coordinator.ErrNoPendingRequest
	}
	if _, err := a.Machine().DecideRequest(ctx, decision); err != nil {
		return fmt.Errorf("failed to %s request %s: %w", decision, req.RequestID, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "request %s from %s: %s\n", req.RequestID, labelOr(req.RequesterLabel, "another user"), decision)
	return nil
}
