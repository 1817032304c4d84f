package trading

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Poller periodically refreshes the status of live orders so fills and
// cancellations reach the ledger without a caller asking
type Poller struct {
	service  *Service
	interval time.Duration
	lookback time.Duration

	mu   sync.Mutex
	done map[string]bool // orders observed in a terminal state
}

func NewPoller(service *Service, interval, lookback time.Duration) *Poller {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Poller{
		service:  service,
		interval: interval,
		lookback: lookback,
		done:     make(map[string]bool),
	}
}

// Start runs the polling loop until ctx is cancelled
func (p *Poller) Start(ctx context.Context) {
	logger := log.With().Str("component", "status_poller").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting status poller")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down status poller")
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to poll active orders")
			}
		}
	}
}

// Poll refreshes every live order accepted within the lookback window
func (p *Poller) Poll(ctx context.Context) error {
	logger := log.With().Str("component", "status_poller").Logger()

	ids, err := p.service.db.GetActiveOrders(ctx, p.service.now().Add(-p.lookback))
	if err != nil {
		return err
	}

	polled := 0
	for _, id := range ids {
		p.mu.Lock()
		skip := p.done[id]
		p.mu.Unlock()
		if skip {
			continue
		}

		snap, err := p.service.GetOrderStatus(ctx, id)
		if err != nil {
			logger.Warn().Err(err).Str("order_id", id).Msg("failed to refresh order status")
			continue
		}
		polled++
		if snap.Status.IsTerminal() {
			p.mu.Lock()
			p.done[id] = true
			p.mu.Unlock()
		}
	}

	logger.Debug().Int("active", len(ids)).Int("polled", polled).Msg("active orders refreshed")
	return nil
}
