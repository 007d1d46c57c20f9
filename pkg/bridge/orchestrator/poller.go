package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/galaxtel/audiobridge/pkg/ari"
)

// Poller reconciles the call registry against the control plane's view of
// active channels. Gaps in the event stream (disconnect windows, dropped
// frames) surface here as synthetic late-start and end events, pushed
// through the same HandleEvent entry point the live stream uses.
type Poller struct {
	interval time.Duration
	orch     *Orchestrator
	cp       controlPlane
	log      *slog.Logger
	kick     chan struct{}
}

func NewPoller(interval time.Duration, orch *Orchestrator, cp controlPlane, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		interval: interval,
		orch:     orch,
		cp:       cp,
		log:      logger,
		kick:     make(chan struct{}, 1),
	}
}

// PollNow requests an out-of-cycle reconciliation, used right after a stream
// reconnect to close the outage gap without waiting for the next tick.
func (p *Poller) PollNow() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. A failed poll is logged and retried on
// the next tick; it never stops the loop.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("reconciliation poll failed", "error", err)
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	channels, err := p.cp.Channels(ctx)
	if err != nil {
		return err
	}

	active := make(map[string]ari.Channel, len(channels))
	for _, ch := range channels {
		active[ch.ID] = ch
	}

	// Active channels the registry has never seen are late starts. Snoop
	// shadows are ours; they never seed calls.
	for id, ch := range active {
		if strings.HasPrefix(ch.Name, "Snoop/") {
			continue
		}
		if p.orch.Registry().HasChannel(id) {
			continue
		}
		chCopy := ch
		p.log.Info("reconciling late-start channel", "channel_id", id, "channel", ch.Name)
		p.orch.HandleEvent(ctx, ari.Event{
			Type:        ari.EventStasisStart,
			Application: p.orch.cfg.AppName,
			Timestamp:   time.Now().UTC(),
			Channel:     &chCopy,
		})
	}

	// Tracked channels the control plane no longer reports have ended.
	for channelID := range p.orch.Registry().TrackedChannels() {
		if _, ok := active[channelID]; ok {
			continue
		}
		p.log.Info("reconciling ended channel", "channel_id", channelID)
		p.orch.HandleEvent(ctx, ari.Event{
			Type:        ari.EventStasisEnd,
			Application: p.orch.cfg.AppName,
			Timestamp:   time.Now().UTC(),
			Channel:     &ari.Channel{ID: channelID},
		})
	}
	return nil
}
