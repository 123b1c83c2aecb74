package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nkkko/packlock/internal/app"
	"github.com/nkkko/packlock/internal/domain"
	"github.com/nkkko/packlock/internal/presentation"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var holdCmd = &cobra.Command{
	Use:   "hold",
	Short: "Acquire the lock and keep it until interrupted",
	Long: `Acquire the lock, renew it with heartbeats and answer transfer
requests according to --on-request. The lock is released on exit.`,
	Args: cobra.NoArgs,
	RunE: runHold,
}

// Answers to incoming transfer requests
const (
	policyGrant   = "grant"
	policyDecline = "decline"
	policyIgnore  = "ignore"
)

var holdPolicy string

func init() {
	holdCmd.Flags().StringVar(&holdPolicy, "on-request", policyIgnore, "answer to transfer requests: grant, decline or ignore")
	rootCmd.AddCommand(holdCmd)
}

func validPolicy(policy string) error {
	switch policy {
	case policyGrant, policyDecline, policyIgnore:
		return nil
	}
	return fmt.Errorf("invalid --on-request %q: want grant, decline or ignore", policy)
}

// printingOptions echo badge changes and toasts to w
func printingOptions(w io.Writer) []app.Option {
	return []app.Option{
		app.WithBadgeListener(func(view presentation.BadgeView) {
			fmt.Fprintf(w, "[%s] %s\n", view.Phase, view.Text)
		}),
		app.WithToastSink(func(toast presentation.Toast) {
			if toast.Message != "" {
				fmt.Fprintf(w, "! %s: %s\n", toast.Title, toast.Message)
				return
			}
			fmt.Fprintf(w, "! %s\n", toast.Title)
		}),
	}
}

func runHold(cmd *cobra.Command, args []string) error {
	if err := validPolicy(holdPolicy); err != nil {
		return err
	}

	a, err := newApp(printingOptions(cmd.OutOrStdout())...)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if err := a.Boot(ctx); err != nil {
		a.Close()
		return err
	}

	state, err := a.Machine().Acquire(ctx)
	if err != nil {
		a.Close()
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if state.Phase != domain.PhaseHeldBySelf {
		a.Close()
		return fmt.Errorf("lock not acquired: %s", presentation.RenderBadge(domain.Event{State: state.Phase, Info: state.OwnerInfo}).Text)
	}

	return holdLoop(ctx, a, holdPolicy)
}

// holdLoop runs the session until ctx is cancelled, answering incoming
// requests by policy, then releases the lock if it is still ours
func holdLoop(ctx context.Context, a *app.App, policy string) error {
	incoming := make(chan string, 1)
	if policy != policyIgnore {
		_, err := a.Bus().Subscribe("request-policy", func(ev domain.Event) {
			req := ev.Request
			if req == nil || req.Direction != domain.DirectionIncoming || req.Status != domain.RequestPending {
				return
			}
			select {
			case incoming <- req.RequestID:
			default:
			}
		})
		if err != nil {
			a.Close()
			return err
		}
	}

	// The session outlives ctx long enough to release
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Run(runCtx)
	}()

	for {
		select {
		case err := <-runErr:
			return err

		case requestID := <-incoming:
			decision := proto.DecisionDecline
			if policy == policyGrant {
				decision = proto.DecisionGrant
			}
			if _, err := a.Machine().DecideRequest(ctx, decision); err != nil {
				log.Warn().Err(err).Str("request_id", requestID).Msg("Failed to answer transfer request")
			}

		case <-ctx.Done():
			if a.Machine().Snapshot().Phase == domain.PhaseHeldBySelf {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if _, err := a.Machine().Release(releaseCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to release lock on exit")
				}
				cancel()
			}
			cancelRun()
			if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}
