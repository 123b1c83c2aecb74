package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/nkkko/packlock/internal/domain"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/pkg/client"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/rs/zerolog"
)

// Subscriber opens a push channel of gateway notices
type Subscriber interface {
	Subscribe(ctx context.Context, resourceID string) (*client.Subscription, error)
}

// PollerConfig contains poller configuration
type PollerConfig struct {
	// How often request_state is polled while a transfer can change
	RequestInterval time.Duration

	// How often status is polled to catch lock changes made elsewhere
	StatusInterval time.Duration

	// Whether to listen for gateway push notices
	UseStream bool
}

// DefaultPollerConfig returns default poller configuration
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		RequestInterval: 5 * time.Second,
		StatusInterval:  30 * time.Second,
		UseStream:       true,
	}
}

// Poller keeps the machine in sync with changes made by other sessions
type Poller struct {
	config     PollerConfig
	machine    *Machine
	subscriber Subscriber
	logger     zerolog.Logger
}

// NewPoller creates a poller for machine. subscriber may be nil.
func NewPoller(config PollerConfig, machine *Machine, subscriber Subscriber) *Poller {
	defaults := DefaultPollerConfig()
	if config.RequestInterval <= 0 {
		config.RequestInterval = defaults.RequestInterval
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = defaults.StatusInterval
	}

	return &Poller{
		config:     config,
		machine:    machine,
		subscriber: subscriber,
		logger: logging.Component("poller").With().
			Str("resource_id", machine.ResourceID()).
			Logger(),
	}
}

// Run polls until ctx is cancelled
func (p *Poller) Run(ctx context.Context) error {
	requestTicker := time.NewTicker(p.config.RequestInterval)
	defer requestTicker.Stop()
	statusTicker := time.NewTicker(p.config.StatusInterval)
	defer statusTicker.Stop()

	var notices <-chan *proto.StreamNotice
	if p.config.UseStream && p.subscriber != nil {
		sub, err := p.subscriber.Subscribe(ctx, p.machine.ResourceID())
		if err != nil {
			p.logger.Warn().Err(err).Msg("Push notices unavailable, polling only")
		} else {
			defer sub.Close()
			notices = sub.Notices
		}
	}

	p.logger.Debug().
		Dur("request_interval", p.config.RequestInterval).
		Dur("status_interval", p.config.StatusInterval).
		Bool("stream", notices != nil).
		Msg("Poller started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-requestTicker.C:
			if p.machine.NeedsRequestPolling() {
				p.pollRequests(ctx)
			}

		case <-statusTicker.C:
			p.checkStatus(ctx)

		case n, ok := <-notices:
			if !ok {
				p.logger.Warn().Msg("Push notice stream closed, polling only")
				notices = nil
				continue
			}
			switch n.Type {
			case proto.NoticeLockChanged:
				p.checkStatus(ctx)
			case proto.NoticeRequestChanged:
				p.pollRequests(ctx)
			}
		}
	}
}

func (p *Poller) pollRequests(ctx context.Context) {
	if _, err := p.machine.PollRequests(ctx); err != nil {
		p.logResult(err, "Request poll failed")
	}
}

func (p *Poller) checkStatus(ctx context.Context) {
	if _, err := p.machine.CheckLockStatus(ctx, domain.ReasonPollResult); err != nil {
		p.logResult(err, "Status poll failed")
	}
}

func (p *Poller) logResult(err error, msg string) {
	if errors.Is(err, ErrOperationInFlight) || errors.Is(err, ErrStaleResponse) || errors.Is(err, context.Canceled) {
		p.logger.Debug().Err(err).Msg(msg)
		return
	}
	p.logger.Warn().Err(err).Msg(msg)
}
