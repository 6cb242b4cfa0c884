package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"marketsync/config"
	ratemetrics "marketsync/internal/metrics/rate"
	"marketsync/internal/rest"
	"marketsync/internal/stream"
	"marketsync/internal/symbols"
	"marketsync/logger"
	"marketsync/models"
)

const (
	exchangeName      = config.ExchangeBinance
	defaultDepthLimit = 100
)

// Quote assets recognized in concatenated binance symbols.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "TUSD", "FDUSD", "BTC", "ETH", "BNB"}

// Source is the binance spot adapter. REST goes through the go-binance client, the
// trade and diff depth streams through the raw stream endpoint.
type Source struct {
	cfg        config.ExchangeConfig
	client     *binance.Client
	limiter    *rate.Limiter
	translator *symbols.Translator
	log        *logger.Log
	requestID  atomic.Int64
}

// NewSource builds the adapter. When used weight reporting is on, every REST response
// feeds the used_weight metric.
func NewSource(cfg *config.Config, localIP string, log *logger.Log) *Source {
	if log == nil {
		log = logger.GetLogger()
	}
	ex := cfg.Source.Binance
	pool := ex.ConnectionPool

	httpClient := rest.NewHTTPClient(cfg.Reader.Timeout, pool.MaxIdleConns, pool.MaxConnsPerHost, localIP)
	if cfg.Metrics.UsedWeight {
		httpClient.Transport = &ratemetrics.WeightTransport{
			Base:      httpClient.Transport,
			Log:       log,
			Component: "binance_source",
			IP:        localIP,
		}
	}

	client := binance.NewClient(ex.APIKey, ex.SecretKey)
	client.HTTPClient = httpClient
	if ex.RESTURL != "" {
		client.BaseURL = strings.TrimRight(ex.RESTURL, "/")
	}

	var limiter *rate.Limiter
	if rl := cfg.Reader.RateLimit; rl.RequestsPerSecond > 0 {
		burst := rl.BurstSize
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}

	return &Source{
		cfg:        ex,
		client:     client,
		limiter:    limiter,
		translator: symbols.New("", quoteAssets...),
		log:        log,
	}
}

func (s *Source) Name() string { return exchangeName }

func (s *Source) Translator() *symbols.Translator { return s.translator }

func (s *Source) StreamsSnapshots() bool { return false }

func (s *Source) NormalizeSnapshot(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error) {
	return ToSnapshotEvent(raw, ts, pair)
}

func (s *Source) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// REST ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

func (s *Source) listPrices(ctx context.Context) ([]*binance.SymbolPrice, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.client.NewListPricesService().Do(ctx)
}

// LatestPrices fetches the full price list once and keeps the requested pairs.
func (s *Source) LatestPrices(ctx context.Context, pairs []models.TradingPair) (map[models.TradingPair]decimal.Decimal, error) {
	prices, err := s.listPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("error fetching last traded prices at %s: %w", exchangeName, err)
	}
	bySymbol := make(map[string]string, len(prices))
	for _, p := range prices {
		bySymbol[p.Symbol] = p.Price
	}

	result := make(map[models.TradingPair]decimal.Decimal, len(pairs))
	for _, pair := range pairs {
		raw, ok := bySymbol[s.translator.ToExchange(pair)]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		result[pair] = price
	}
	return result, nil
}

func (s *Source) DiscoverTradingPairs(ctx context.Context) ([]models.TradingPair, error) {
	prices, err := s.listPrices(ctx)
	if err != nil {
		return nil, err
	}
	pairs := make([]models.TradingPair, 0, len(prices))
	for _, p := range prices {
		if pair, ok := s.translator.FromExchange(p.Symbol); ok {
			pairs = append(pairs, pair)
		}
	}
	return pairs, nil
}

// FetchDepth requests the order book through the SDK and re-encodes it as
// {lastUpdateId, bids, asks}.
func (s *Source) FetchDepth(ctx context.Context, pair models.TradingPair) (json.RawMessage, error) {
	limit := s.cfg.DepthLimit
	if limit <= 0 {
		limit = defaultDepthLimit
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := s.client.NewDepthService().Symbol(s.translator.ToExchange(pair)).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}

	body := depthSnapshot{
		LastUpdateID: &resp.LastUpdateID,
		Bids:         make([][]string, 0, len(resp.Bids)),
		Asks:         make([][]string, 0, len(resp.Asks)),
	}
	for _, b := range resp.Bids {
		body.Bids = append(body.Bids, []string{b.Price, b.Quantity})
	}
	for _, a := range resp.Asks {
		body.Asks = append(body.Asks, []string{a.Price, a.Quantity})
	}
	return json.Marshal(body)
}

// RequestWeightLimit returns the per minute request weight granted by the exchange.
func (s *Source) RequestWeightLimit(ctx context.Context) (int64, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	return ratemetrics.FetchRequestWeightLimit(ctx, s.client)
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// STREAM ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

func (s *Source) Endpoint(topic models.Topic) (stream.Endpoint, error) {
	if topic == models.TopicSnapshot {
		return stream.Endpoint{}, fmt.Errorf("%s does not stream snapshots", exchangeName)
	}
	return stream.Endpoint{URL: s.cfg.WSURL}, nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

var streamSuffix = map[models.Topic]string{
	models.TopicTrade: "@trade",
	models.TopicDiff:  "@depth",
}

func (s *Source) SubscribeMessage(sub models.ChannelSubscription) (interface{}, error) {
	suffix, ok := streamSuffix[sub.Topic]
	if !ok {
		return nil, fmt.Errorf("%s has no stream for topic %s", exchangeName, sub.Topic)
	}
	params := make([]string, 0, len(sub.TradingPairs))
	for _, sym := range s.translator.ToExchangeAll(sub.TradingPairs) {
		params = append(params, strings.ToLower(sym)+suffix)
	}
	return subscribeRequest{Method: "SUBSCRIBE", Params: params, ID: s.requestID.Add(1)}, nil
}

type eventHead struct {
	EventType string `json:"e"`
	EventTime *int64 `json:"E"`
	Symbol    string `json:"s"`
	TradeID   *int64 `json:"t"`
	TradeTime *int64 `json:"T"`
}

// MessageTopic reads the e field; subscription acks have none.
func (s *Source) MessageTopic(raw []byte) (models.Topic, bool) {
	var head eventHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", false
	}
	switch head.EventType {
	case "trade":
		return models.TopicTrade, true
	case "depthUpdate":
		return models.TopicDiff, true
	default:
		return "", false
	}
}

// Decode normalizes one event. Trades are stamped with the trade time, diffs with the
// event time, both floored to seconds.
func (s *Source) Decode(topic models.Topic, raw []byte) ([]models.OrderBookEvent, error) {
	kind := topic.EventType()
	var head eventHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &models.DecodeError{Exchange: exchangeName, Kind: kind, Err: err}
	}
	pair, ok := s.translator.FromExchange(head.Symbol)
	if !ok {
		return nil, models.NewDecodeError(exchangeName, kind, "unknown symbol %q", head.Symbol)
	}

	var (
		ev  models.OrderBookEvent
		err error
	)
	switch topic {
	case models.TopicTrade:
		if head.TradeTime == nil {
			return nil, models.NewDecodeError(exchangeName, kind, "missing T")
		}
		ev, err = ToTradeEvent(raw, models.MsToSeconds(*head.TradeTime), pair)
	case models.TopicDiff:
		if head.EventTime == nil {
			return nil, models.NewDecodeError(exchangeName, kind, "missing E")
		}
		ev, err = ToDiffEvent(raw, models.MsToSeconds(*head.EventTime), pair)
	default:
		return nil, models.NewDecodeError(exchangeName, kind, "unsupported topic %s", topic)
	}
	if err != nil {
		return nil, err
	}
	return []models.OrderBookEvent{ev}, nil
}
