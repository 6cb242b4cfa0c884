package synchronizer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"marketsync/internal/metrics"
	"marketsync/internal/metrics/rate"
	"marketsync/internal/snapshot"
	"marketsync/logger"
	"marketsync/models"
)

// SnapshotFetcher retrieves one raw depth snapshot.
type SnapshotFetcher interface {
	Exchange() string
	Fetch(ctx context.Context, pair models.TradingPair) (snapshot.Snapshot, error)
}

// SnapshotNormalizer turns a raw depth payload into a snapshot event.
type SnapshotNormalizer func(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error)

// Poller fetches a snapshot of every pair once per hour, spacing requests apart.
type Poller struct {
	fetcher   SnapshotFetcher
	normalize SnapshotNormalizer
	pairs     []models.TradingPair
	out       Publisher
	settings

	mu    sync.RWMutex
	state models.ConnectionState
}

func NewPoller(fetcher SnapshotFetcher, normalize SnapshotNormalizer, pairs []models.TradingPair, out Publisher, opts ...Option) *Poller {
	copied := make([]models.TradingPair, len(pairs))
	copy(copied, pairs)
	return &Poller{
		fetcher:   fetcher,
		normalize: normalize,
		pairs:     copied,
		out:       out,
		settings:  newSettings(opts),
		state:     models.StateDisconnected,
	}
}

func (p *Poller) State() models.ConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Poller) setState(state models.ConnectionState) {
	p.mu.Lock()
	changed := p.state != state
	p.state = state
	p.mu.Unlock()
	if !changed {
		return
	}
	metrics.RecordState(p.fetcher.Exchange(), models.TopicSnapshot, state)
	if p.observer != nil {
		p.observer(p.fetcher.Exchange(), models.TopicSnapshot, state)
	}
}

// Run polls until ctx is cancelled and returns the cancellation error.
func (p *Poller) Run(ctx context.Context) error {
	exchange := p.fetcher.Exchange()
	log := p.log.WithComponent("snapshot_poller").WithFields(logger.Fields{
		"exchange": exchange,
		"pairs":    len(p.pairs),
	})
	defer p.setState(models.StateDisconnected)

	log.Info("starting snapshot poller")
	for {
		start := p.now()
		p.setState(models.StateStreaming)

		for _, pair := range p.pairs {
			delay := p.timing.RequestInterval
			event, err := p.poll(ctx, pair)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"trading_pair": pair.String()}).Warn("snapshot poll failed")
				rate.ReportLimitFromError(p.log, exchange, pair.String(), p.localIP, "snapshot", err)
				metrics.RecordSnapshotError(p.log, exchange, pair)
				delay = p.timing.FailureBackoff
			} else {
				p.out.Put(event)
				metrics.RecordEvent(exchange, models.TopicSnapshot)
			}
			if waitForReconnect(ctx, delay) {
				return ctx.Err()
			}
		}

		wait := p.delay(start, p.now())
		log.WithFields(logger.Fields{"next_cycle_in": wait.String()}).Debug("snapshot cycle complete")
		if waitForReconnect(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (p *Poller) poll(ctx context.Context, pair models.TradingPair) (models.OrderBookEvent, error) {
	snap, err := p.fetcher.Fetch(ctx, pair)
	if err != nil {
		return models.OrderBookEvent{}, err
	}
	return p.normalize(snap.Raw, snap.Timestamp, pair)
}

// cycleDelay returns the time from now until the top of the hour following start.
// A cycle that overran the hour starts again immediately.
func cycleDelay(start, now time.Time) time.Duration {
	next := start.UTC().Truncate(time.Hour).Add(time.Hour)
	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}
