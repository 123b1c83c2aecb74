package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/nkkko/packlock/internal/app"
	"github.com/nkkko/packlock/internal/domain"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the lock",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the full state as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	bootErr := a.Boot(ctx)
	if bootErr == nil && a.Machine().Snapshot().Phase == domain.PhaseHeldBySelf {
		// Surface a pending transfer request for the holder
		if _, err := a.Machine().PollRequests(ctx); err != nil {
			bootErr = err
		}
	}

	// Closing drains the bus so the badge reflects the last event
	a.Close()
	if err := printState(cmd.OutOrStdout(), a.State(), statusJSON); err != nil {
		return err
	}
	return bootErr
}

// printState writes a one-line summary, or the full view as JSON
func printState(w io.Writer, view app.StateView, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	fmt.Fprintf(w, "%s: %s (%s)\n", view.State.ResourceID, view.Badge.Text, view.State.Phase)
	if req := view.Incoming; req != nil {
		fmt.Fprintf(w, "  incoming request %s from %s: %q\n", req.RequestID, labelOr(req.RequesterLabel, "another user"), req.Message)
	}
	if req := view.Outbound; req != nil {
		fmt.Fprintf(w, "  outbound request %s is %s\n", req.RequestID, req.Status)
	}
	return nil
}

func labelOr(label, fallback string) string {
	if label == "" {
		return fallback
	}
	return label
}
