package bitmax

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"marketsync/config"
	"marketsync/internal/rest"
	"marketsync/internal/stream"
	"marketsync/internal/symbols"
	"marketsync/logger"
	"marketsync/models"
)

const (
	exchangeName = config.ExchangeBitmax

	tickerPath = "/ticker"
	depthPath  = "/depth"
)

// Source is the bitmax adapter. All three topics, snapshots included, are served by
// one stream endpoint; messages are told apart by their m field.
type Source struct {
	cfg        config.ExchangeConfig
	gateway    *rest.Gateway
	translator *symbols.Translator
	log        *logger.Log
}

func NewSource(cfg *config.Config, localIP string, log *logger.Log) *Source {
	if log == nil {
		log = logger.GetLogger()
	}
	ex := cfg.Source.Bitmax
	pool := ex.ConnectionPool
	httpClient := rest.NewHTTPClient(cfg.Reader.Timeout, pool.MaxIdleConns, pool.MaxConnsPerHost, localIP)

	return &Source{
		cfg: ex,
		gateway: rest.New(exchangeName, ex.RESTURL,
			rest.WithHTTPClient(httpClient),
			rest.WithEnvelope(rest.NonZeroCode),
			rest.WithRateLimit(cfg.Reader.RateLimit.RequestsPerSecond, cfg.Reader.RateLimit.BurstSize),
			rest.WithLogger(log),
		),
		translator: symbols.New("/"),
		log:        log,
	}
}

func (s *Source) Name() string { return exchangeName }

func (s *Source) Translator() *symbols.Translator { return s.translator }

// StreamsSnapshots is true: the depth channel pushes full books.
func (s *Source) StreamsSnapshots() bool { return true }

func (s *Source) NormalizeSnapshot(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error) {
	return ToSnapshotEvent(raw, ts, pair)
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// REST ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

type tickerResponse struct {
	Code int64        `json:"code"`
	Data []tickerItem `json:"data"`
}

type tickerItem struct {
	Symbol string   `json:"symbol"`
	Ask    []string `json:"ask"`
	Bid    []string `json:"bid"`
}

func (s *Source) ticker(ctx context.Context) ([]tickerItem, error) {
	var resp tickerResponse
	if err := s.gateway.GetJSON(ctx, tickerPath, nil, false, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// LatestPrices returns the mid of best bid and ask for every requested pair listed.
func (s *Source) LatestPrices(ctx context.Context, pairs []models.TradingPair) (map[models.TradingPair]decimal.Decimal, error) {
	items, err := s.ticker(ctx)
	if err != nil {
		return nil, fmt.Errorf("error fetching last traded prices at %s: %w", exchangeName, err)
	}
	wanted := make(map[models.TradingPair]struct{}, len(pairs))
	for _, p := range pairs {
		wanted[p] = struct{}{}
	}

	result := make(map[models.TradingPair]decimal.Decimal, len(pairs))
	for _, item := range items {
		pair, ok := s.translator.FromExchange(item.Symbol)
		if !ok {
			continue
		}
		if _, ok := wanted[pair]; !ok {
			continue
		}
		mid, err := midPrice(item)
		if err != nil {
			s.log.WithComponent("bitmax_source").WithFields(logger.Fields{
				"trading_pair": pair.String(),
			}).WithError(err).Warn("skipping unparsable ticker")
			continue
		}
		result[pair] = mid
	}
	return result, nil
}

func midPrice(item tickerItem) (decimal.Decimal, error) {
	if len(item.Ask) == 0 || len(item.Bid) == 0 {
		return decimal.Zero, fmt.Errorf("ticker %s has no best bid or ask", item.Symbol)
	}
	ask, err := decimal.NewFromString(item.Ask[0])
	if err != nil {
		return decimal.Zero, err
	}
	bid, err := decimal.NewFromString(item.Bid[0])
	if err != nil {
		return decimal.Zero, err
	}
	return ask.Add(bid).Div(decimal.NewFromInt(2)), nil
}

func (s *Source) DiscoverTradingPairs(ctx context.Context) ([]models.TradingPair, error) {
	items, err := s.ticker(ctx)
	if err != nil {
		return nil, err
	}
	pairs := make([]models.TradingPair, 0, len(items))
	for _, item := range items {
		if pair, ok := s.translator.FromExchange(item.Symbol); ok {
			pairs = append(pairs, pair)
		}
	}
	return pairs, nil
}

// FetchDepth returns the inner depth body {ts, seqnum, asks, bids}.
func (s *Source) FetchDepth(ctx context.Context, pair models.TradingPair) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("symbol", s.translator.ToExchange(pair))

	var resp struct {
		Data struct {
			Symbol string          `json:"symbol"`
			Data   json.RawMessage `json:"data"`
		} `json:"data"`
	}
	if err := s.gateway.GetJSON(ctx, depthPath, params, false, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data.Data) == 0 {
		return nil, fmt.Errorf("depth response for %s has no data", pair)
	}
	return resp.Data.Data, nil
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// STREAM ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

func (s *Source) Endpoint(models.Topic) (stream.Endpoint, error) {
	return stream.Endpoint{URL: s.cfg.WSURL}, nil
}

type subscribeRequest struct {
	Op      string `json:"op"`
	Channel string `json:"ch"`
}

func (s *Source) SubscribeMessage(sub models.ChannelSubscription) (interface{}, error) {
	ch, ok := channels[sub.Topic]
	if !ok {
		return nil, fmt.Errorf("%s has no stream for topic %s", exchangeName, sub.Topic)
	}
	return subscribeRequest{
		Op:      "sub",
		Channel: ch + ":" + strings.Join(s.translator.ToExchangeAll(sub.TradingPairs), ","),
	}, nil
}

var channels = map[models.Topic]string{
	models.TopicTrade:    "trades",
	models.TopicDiff:     "bbo",
	models.TopicSnapshot: "depth",
}

type streamMessage struct {
	M      string          `json:"m"`
	Symbol string          `json:"symbol"`
	Data   json.RawMessage `json:"data"`
}

func (s *Source) MessageTopic(raw []byte) (models.Topic, bool) {
	var head struct {
		M string `json:"m"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", false
	}
	for topic, ch := range channels {
		if ch == head.M {
			return topic, true
		}
	}
	return "", false
}

type pong struct {
	Op string `json:"op"`
}

// KeepAlive answers the exchange's {"m":"ping"} frames.
func (s *Source) KeepAlive(raw []byte) (interface{}, bool) {
	var head struct {
		M string `json:"m"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.M != "ping" {
		return nil, false
	}
	return pong{Op: "pong"}, true
}

// Decode normalizes one message. Trade messages carry a list, bbo and depth one object;
// timestamps are the floored seconds of the payload ts.
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

	if topic != models.TopicTrade {
		ts, err := payloadTime(msg.Data, kind)
		if err != nil {
			return nil, err
		}
		var ev models.OrderBookEvent
		if topic == models.TopicDiff {
			ev, err = ToDiffEvent(msg.Data, ts, pair)
		} else {
			ev, err = ToSnapshotEvent(msg.Data, ts, pair)
		}
		if err != nil {
			return nil, err
		}
		return []models.OrderBookEvent{ev}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(msg.Data, &items); err != nil {
		return nil, &models.DecodeError{Exchange: exchangeName, Kind: kind, Err: err}
	}
	events := make([]models.OrderBookEvent, 0, len(items))
	for _, item := range items {
		ts, err := payloadTime(item, kind)
		if err != nil {
			return nil, err
		}
		ev, err := ToTradeEvent(item, ts, pair)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func payloadTime(raw json.RawMessage, kind models.EventType) (float64, error) {
	var stamp struct {
		TS *int64 `json:"ts"`
	}
	if err := json.Unmarshal(raw, &stamp); err != nil {
		return 0, &models.DecodeError{Exchange: exchangeName, Kind: kind, Err: err}
	}
	if stamp.TS == nil {
		return 0, models.NewDecodeError(exchangeName, kind, "missing ts")
	}
	return models.MsToSeconds(*stamp.TS), nil
}
