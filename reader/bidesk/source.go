package bidesk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"marketsync/config"
	"marketsync/internal/auth"
	"marketsync/internal/rest"
	"marketsync/internal/stream"
	"marketsync/internal/symbols"
	"marketsync/logger"
	"marketsync/models"
)

const (
	exchangeName = config.ExchangeBidesk

	pricesPath     = "/openapi/quote/v1/ticker/price"
	depthPath      = "/openapi/quote/v1/depth"
	listenKeyPath  = "/openapi/v1/userDataStream"
	publicWSPath   = "/openapi/quote/ws/v1"
	privateWSPath  = "/openapi/ws/%s"
	formURLEncoded = "application/x-www-form-urlencoded"

	defaultDepthLimit = 100
)

// Quote assets recognized in concatenated bidesk symbols.
var quoteAssets = []string{"USDT", "BTC", "ETH"}

// Source is the bidesk data source adapter: REST prices, discovery and depth plus
// the trade and depth streams.
type Source struct {
	cfg        config.ExchangeConfig
	gateway    *rest.Gateway
	signer     *auth.Signer
	translator *symbols.Translator
	log        *logger.Log
	localIP    string
}

// NewSource builds the adapter. Outgoing REST requests are bound to localIP when set.
func NewSource(cfg *config.Config, localIP string, log *logger.Log) *Source {
	if log == nil {
		log = logger.GetLogger()
	}
	ex := cfg.Source.Bidesk
	pool := ex.ConnectionPool
	httpClient := rest.NewHTTPClient(cfg.Reader.Timeout, pool.MaxIdleConns, pool.MaxConnsPerHost, localIP)

	opts := []rest.Option{
		rest.WithHTTPClient(httpClient),
		rest.WithEnvelope(rest.NegativeCode),
		rest.WithContentType(formURLEncoded),
		rest.WithRateLimit(cfg.Reader.RateLimit.RequestsPerSecond, cfg.Reader.RateLimit.BurstSize),
		rest.WithLogger(log),
	}
	var signer *auth.Signer
	if ex.APIKey != "" && ex.SecretKey != "" {
		signer = auth.NewSigner(ex.APIKey, ex.SecretKey)
		opts = append(opts, rest.WithSigner(signer))
	}

	return &Source{
		cfg:        ex,
		gateway:    rest.New(exchangeName, ex.RESTURL, opts...),
		signer:     signer,
		translator: symbols.New("", quoteAssets...),
		log:        log,
		localIP:    localIP,
	}
}

func (s *Source) Name() string { return exchangeName }

func (s *Source) Translator() *symbols.Translator { return s.translator }

// StreamsSnapshots is false: bidesk snapshots come from REST polling.
func (s *Source) StreamsSnapshots() bool { return false }

func (s *Source) NormalizeSnapshot(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error) {
	return ToSnapshotEvent(raw, ts, pair)
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// REST ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

type symbolPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (s *Source) tickerPrices(ctx context.Context) ([]symbolPrice, error) {
	var prices []symbolPrice
	if err := s.gateway.GetJSON(ctx, pricesPath, nil, false, &prices); err != nil {
		return nil, err
	}
	return prices, nil
}

// LatestPrices returns the last price of every requested pair the exchange lists.
func (s *Source) LatestPrices(ctx context.Context, pairs []models.TradingPair) (map[models.TradingPair]decimal.Decimal, error) {
	prices, err := s.tickerPrices(ctx)
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
			s.log.WithComponent("bidesk_source").WithFields(logger.Fields{
				"trading_pair": pair.String(),
				"price":        raw,
			}).Warn("skipping unparsable price")
			continue
		}
		result[pair] = price
	}
	return result, nil
}

// DiscoverTradingPairs lists every symbol of the price ticker that fits the pair grammar.
func (s *Source) DiscoverTradingPairs(ctx context.Context) ([]models.TradingPair, error) {
	prices, err := s.tickerPrices(ctx)
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

// FetchDepth requests the REST order book of one pair.
func (s *Source) FetchDepth(ctx context.Context, pair models.TradingPair) (json.RawMessage, error) {
	limit := s.cfg.DepthLimit
	if limit <= 0 {
		limit = defaultDepthLimit
	}
	params := url.Values{}
	params.Set("symbol", s.translator.ToExchange(pair))
	params.Set("limit", strconv.Itoa(limit))
	return s.gateway.Get(ctx, depthPath, params, false)
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// STREAM ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Endpoint serves the trade and diff topics from the public quote stream, or from the
// account stream when private streaming is configured.
func (s *Source) Endpoint(topic models.Topic) (stream.Endpoint, error) {
	if topic == models.TopicSnapshot {
		return stream.Endpoint{}, fmt.Errorf("%s does not stream snapshots", exchangeName)
	}
	base := strings.TrimRight(s.cfg.WSURL, "/")
	if s.cfg.Private {
		if s.signer == nil {
			return stream.Endpoint{}, fmt.Errorf("%s private stream requires credentials", exchangeName)
		}
		return stream.Endpoint{Session: s.listenKey, Template: base + privateWSPath}, nil
	}
	return stream.Endpoint{URL: base + publicWSPath}, nil
}

func (s *Source) listenKey(ctx context.Context) (string, error) {
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := s.gateway.PostJSON(ctx, listenKeyPath, nil, true, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

type subscribeParams struct {
	Binary bool `json:"binary"`
}

type subscribeRequest struct {
	Symbol string          `json:"symbol"`
	Topic  string          `json:"topic"`
	Event  string          `json:"event"`
	Params subscribeParams `json:"params"`
}

// SubscribeMessage names every pair of the subscription in one request.
func (s *Source) SubscribeMessage(sub models.ChannelSubscription) (interface{}, error) {
	topic, err := wireTopic(sub.Topic)
	if err != nil {
		return nil, err
	}
	return subscribeRequest{
		Symbol: strings.Join(s.translator.ToExchangeAll(sub.TradingPairs), ","),
		Topic:  topic,
		Event:  "sub",
	}, nil
}

func wireTopic(topic models.Topic) (string, error) {
	switch topic {
	case models.TopicTrade:
		return "trade", nil
	case models.TopicDiff:
		return "depth", nil
	default:
		return "", fmt.Errorf("%s has no stream for topic %s", exchangeName, topic)
	}
}

type streamMessage struct {
	Symbol string            `json:"symbol"`
	Topic  string            `json:"topic"`
	Data   []json.RawMessage `json:"data"`
}

// MessageTopic classifies a frame by its topic field.
func (s *Source) MessageTopic(raw []byte) (models.Topic, bool) {
	var head struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", false
	}
	switch head.Topic {
	case "trade":
		return models.TopicTrade, true
	case "depth":
		return models.TopicDiff, true
	default:
		return "", false
	}
}

// Decode normalizes every item of one trade or depth message. Timestamps come from
// each item's millisecond t field, floored to seconds.
func (s *Source) Decode(topic models.Topic, raw []byte) ([]models.OrderBookEvent, error) {
	kind := topic.EventType()
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &models.DecodeError{Exchange: exchangeName, Kind: kind, Err: err}
	}
	pair, ok := s.translator.FromExchange(msg.Symbol)
	if !ok {
		return nil, models.NewDecodeError(exchangeName, kind, "unknown symbol %q", msg.Symbol)
	}
	if msg.Data == nil {
		return nil, models.NewDecodeError(exchangeName, kind, "missing data")
	}

	events := make([]models.OrderBookEvent, 0, len(msg.Data))
	for _, item := range msg.Data {
		var stamp struct {
			T int64 `json:"t"`
		}
		if err := json.Unmarshal(item, &stamp); err != nil {
			return nil, &models.DecodeError{Exchange: exchangeName, Kind: kind, Err: err}
		}
		ts := models.MsToSeconds(stamp.T)

		var (
			ev  models.OrderBookEvent
			err error
		)
		switch topic {
		case models.TopicTrade:
			ev, err = ToTradeEvent(item, ts, pair)
		case models.TopicDiff:
			ev, err = ToDiffEvent(item, ts, pair)
		default:
			return nil, models.NewDecodeError(exchangeName, kind, "unsupported topic %s", topic)
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}
