package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/nkkko/packlock/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var requestCmd = &cobra.Command{
	Use:   "request [message]",
	Short: "Ask the current holder to hand over the lock",
	Long: `Start a transfer request and wait for the holder's answer. Without
--hold a granted lock is released again before the command exits, so the
exit status only reports whether the holder agreed. With --hold the lock
is kept like the hold command does.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRequest,
}

// ErrRequestNotGranted is returned when the holder declines or the request expires
var ErrRequestNotGranted = errors.New("transfer request was declined or expired")

var (
	requestWait time.Duration
	requestHold bool
)

func init() {
	requestCmd.Flags().DurationVar(&requestWait, "wait", 2*time.Minute, "how long to wait for an answer, 0 returns right away")
	requestCmd.Flags().BoolVar(&requestHold, "hold", false, "keep the lock after it is granted")
	requestCmd.Flags().StringVar(&holdPolicy, "on-request", policyIgnore, "with --hold, answer to transfer requests: grant, decline or ignore")
	rootCmd.AddCommand(requestCmd)
}

func runRequest(cmd *cobra.Command, args []string) error {
	if err := validPolicy(holdPolicy); err != nil {
		return err
	}
	var message string
	if len(args) > 0 {
		message = args[0]
	}

	out := cmd.OutOrStdout()
	a, err := newApp(printingOptions(out)...)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if err := a.Boot(ctx); err != nil {
		a.Close()
		return err
	}
	if _, err := a.Machine().RequestOwnership(ctx, message); err != nil {
		a.Close()
		return fmt.Errorf("failed to request lock: %w", err)
	}
	if requestWait <= 0 {
		a.Close()
		fmt.Fprintf(out, "request %s sent\n", a.Machine().OutboundRequest().RequestID)
		return nil
	}

	ticker := time.NewTicker(cfg.ToPollerConfig().RequestInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(requestWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			a.Close()
			return ctx.Err()

		case <-deadline.C:
			a.Close()
			return fmt.Errorf("no answer within %s", requestWait)

		case <-ticker.C:
			state, err := a.Machine().PollRequests(ctx)
			if err != nil {
				log.Debug().Err(err).Msg("Request poll failed")
				continue
			}

			switch {
			case state.Phase == domain.PhaseHeldBySelf:
				if requestHold {
					return holdLoop(ctx, a, holdPolicy)
				}
				fingerprint := state.Fingerprint
				_, err := a.Machine().Release(ctx)
				a.Close()
				if err != nil {
					return fmt.Errorf("lock granted but release failed: %w", err)
				}
				fmt.Fprintf(out, "lock granted (fingerprint %s) and released\n", fingerprint)
				return nil
			case a.Machine().OutboundRequest() == nil:
				a.Close()
				return ErrRequestNotGranted
			}
		}
	}
}
