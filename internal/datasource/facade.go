package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"marketsync/internal/snapshot"
	"marketsync/internal/synchronizer"
	"marketsync/logger"
	"marketsync/models"
)

// Exchange is everything a data source needs from one exchange adapter.
type Exchange interface {
	synchronizer.Adapter
	FetchDepth(ctx context.Context, pair models.TradingPair) (json.RawMessage, error)
	LatestPrices(ctx context.Context, pairs []models.TradingPair) (map[models.TradingPair]decimal.Decimal, error)
	DiscoverTradingPairs(ctx context.Context) ([]models.TradingPair, error)
	NormalizeSnapshot(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error)
	// StreamsSnapshots reports whether snapshots arrive on a stream instead of REST.
	StreamsSnapshots() bool
}

// Assembler materializes an initial order book from a snapshot event.
type Assembler interface {
	ApplySnapshot(event models.OrderBookEvent) error
}

var ErrStopped = errors.New("data source stopped")

// DataSource is the per-exchange entry point. It launches one synchronizer per channel
// and keeps them running until Stop or until the context given to Start ends.
type DataSource struct {
	exchange Exchange
	out      synchronizer.Publisher
	fetcher  *snapshot.Fetcher
	syncOpts []synchronizer.Option
	log      *logger.Log
	localIP  string

	mu      sync.Mutex
	stopped bool
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*DataSource)

func WithLogger(log *logger.Log) Option {
	return func(d *DataSource) { d.log = log }
}

// WithSynchronizerOptions is applied to every synchronizer the data source launches.
func WithSynchronizerOptions(opts ...synchronizer.Option) Option {
	return func(d *DataSource) { d.syncOpts = append(d.syncOpts, opts...) }
}

// WithLocalIP tags logs with the source IP the exchange adapter is bound to.
func WithLocalIP(ip string) Option {
	return func(d *DataSource) { d.localIP = ip }
}

func New(exchange Exchange, out synchronizer.Publisher, opts ...Option) *DataSource {
	d := &DataSource{
		exchange: exchange,
		out:      out,
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.fetcher = snapshot.New(exchange, snapshot.WithLogger(d.log))
	d.syncOpts = append([]synchronizer.Option{synchronizer.WithLogger(d.log), synchronizer.WithLocalIP(d.localIP)}, d.syncOpts...)
	return d
}

func (d *DataSource) Name() string { return d.exchange.Name() }

func (d *DataSource) entry() *logger.Entry {
	fields := logger.Fields{"exchange": d.exchange.Name()}
	if d.localIP != "" {
		fields["ip"] = d.localIP
	}
	return d.log.WithComponent("data_source").WithFields(fields)
}

// LatestPrices returns a price for every requested pair the exchange lists. Failures
// are logged and yield an empty result.
func (d *DataSource) LatestPrices(ctx context.Context, pairs []models.TradingPair) map[models.TradingPair]decimal.Decimal {
	prices, err := d.exchange.LatestPrices(ctx, pairs)
	if err != nil {
		d.entry().WithError(err).Warn("price lookup failed")
		return map[models.TradingPair]decimal.Decimal{}
	}
	return prices
}

// DiscoverTradingPairs is best effort: on any failure it logs and returns nothing.
func (d *DataSource) DiscoverTradingPairs(ctx context.Context) []models.TradingPair {
	pairs, err := d.exchange.DiscoverTradingPairs(ctx)
	if err != nil {
		d.entry().WithError(err).Warn("trading pair discovery failed")
		return []models.TradingPair{}
	}
	return pairs
}

// FetchInitialOrderBook fetches and normalizes one snapshot and hands it to the
// assembler. A malformed snapshot is returned as a DecodeError and never applied.
func (d *DataSource) FetchInitialOrderBook(ctx context.Context, pair models.TradingPair, assembler Assembler) (models.OrderBookEvent, error) {
	snap, err := d.fetcher.Fetch(ctx, pair)
	if err != nil {
		return models.OrderBookEvent{}, err
	}
	event, err := d.exchange.NormalizeSnapshot(snap.Raw, snap.Timestamp, pair)
	if err != nil {
		return models.OrderBookEvent{}, err
	}
	if assembler != nil {
		if err := assembler.ApplySnapshot(event); err != nil {
			return models.OrderBookEvent{}, fmt.Errorf("apply snapshot for %s: %w", pair, err)
		}
	}
	return event, nil
}

func (d *DataSource) StartTradeStream(ctx context.Context, pairs []models.TradingPair) error {
	return d.startStream(ctx, models.TopicTrade, pairs)
}

func (d *DataSource) StartDiffStream(ctx context.Context, pairs []models.TradingPair) error {
	return d.startStream(ctx, models.TopicDiff, pairs)
}

// StartSnapshotPolling runs the hourly REST poller, or a snapshot stream for
// exchanges that push full books.
func (d *DataSource) StartSnapshotPolling(ctx context.Context, pairs []models.TradingPair) error {
	if d.exchange.StreamsSnapshots() {
		return d.startStream(ctx, models.TopicSnapshot, pairs)
	}
	if err := checkPairs(pairs); err != nil {
		return err
	}
	poller := synchronizer.NewPoller(d.fetcher, d.exchange.NormalizeSnapshot, pairs, d.out, d.syncOpts...)
	return d.launch(ctx, models.TopicSnapshot, poller)
}

func (d *DataSource) startStream(ctx context.Context, topic models.Topic, pairs []models.TradingPair) error {
	if err := checkPairs(pairs); err != nil {
		return err
	}
	s := synchronizer.NewStream(d.exchange, topic, pairs, d.out, d.syncOpts...)
	return d.launch(ctx, topic, s)
}

func checkPairs(pairs []models.TradingPair) error {
	if len(pairs) == 0 {
		return fmt.Errorf("no trading pairs to synchronize")
	}
	return nil
}

type runner interface {
	Run(ctx context.Context) error
}

func (d *DataSource) launch(ctx context.Context, topic models.Topic, r runner) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancels = append(d.cancels, cancel)
	d.wg.Add(1)

	log := d.entry().WithFields(logger.Fields{"topic": string(topic)})
	go func() {
		defer d.wg.Done()
		defer cancel()
		err := r.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("synchronizer exited")
			return
		}
		log.Debug("synchronizer exited")
	}()

	log.Info("synchronizer launched")
	return nil
}

// Wait blocks until every launched synchronizer has returned.
func (d *DataSource) Wait() {
	d.wg.Wait()
}

// Stop cancels every synchronizer and waits for them. Later Start calls fail.
func (d *DataSource) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.stopped = true
	cancels := d.cancels
	d.cancels = nil
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	d.wg.Wait()
	d.entry().Info("data source stopped")
}
