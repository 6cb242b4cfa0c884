package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketsync/logger"
	"marketsync/models"
)

// Source performs the exchange specific depth request.
type Source interface {
	Name() string
	FetchDepth(ctx context.Context, pair models.TradingPair) (json.RawMessage, error)
}

// Snapshot is the raw depth payload plus the local time it was taken at, in seconds.
type Snapshot struct {
	Raw       json.RawMessage
	Timestamp float64
}

// IOError wraps any failure of a single snapshot fetch.
type IOError struct {
	Pair     models.TradingPair
	Exchange string
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("error fetching order book for %s at %s: %v", e.Pair, e.Exchange, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

type Fetcher struct {
	source Source
	now    func() time.Time
	log    *logger.Log
}

type Option func(*Fetcher)

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

func WithLogger(log *logger.Log) Option {
	return func(f *Fetcher) { f.log = log }
}

func New(source Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		source: source,
		now:    time.Now,
		log:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) Exchange() string { return f.source.Name() }

// Fetch retrieves one depth snapshot. Cancellation is returned as is; every other
// failure becomes an IOError.
func (f *Fetcher) Fetch(ctx context.Context, pair models.TradingPair) (Snapshot, error) {
	start := time.Now()
	raw, err := f.source.FetchDepth(ctx, pair)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Snapshot{}, ctxErr
		}
		return Snapshot{}, &IOError{Pair: pair, Exchange: f.source.Name(), Err: err}
	}

	log := f.log.WithComponent("snapshot_fetcher").WithFields(logger.Fields{
		"exchange":     f.source.Name(),
		"trading_pair": pair.String(),
	})
	logger.LogPerformanceEntry(log, "snapshot_fetcher", "fetch", time.Since(start), logger.Fields{"bytes": len(raw)})

	return Snapshot{Raw: raw, Timestamp: models.UnixSeconds(f.now())}, nil
}
