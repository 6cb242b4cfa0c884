package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// EVENTS ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PriceLevel is one side entry of a book. A zero amount in a diff deletes the level.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventDiff     EventType = "diff"
	EventTrade    EventType = "trade"
)

// TradeSide is the taker side of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// TakerSide maps the exchange "buyer is maker" flag to the taker side.
func TakerSide(buyerIsMaker bool) TradeSide {
	if buyerIsMaker {
		return SideSell
	}
	return SideBuy
}

// OrderBookEvent is the normalized event handed to the output queue.
// Bids and Asks are set for snapshots and diffs, the trade fields for trades.
type OrderBookEvent struct {
	Type        EventType   `json:"type"`
	Exchange    string      `json:"exchange"`
	TradingPair TradingPair `json:"trading_pair"`
	Timestamp   float64     `json:"timestamp"`
	UpdateID    int64       `json:"update_id"`

	Bids []PriceLevel `json:"bids,omitempty"`
	Asks []PriceLevel `json:"asks,omitempty"`

	Price   decimal.Decimal `json:"price"`
	Amount  decimal.Decimal `json:"amount"`
	Side    TradeSide       `json:"side,omitempty"`
	TradeID string          `json:"trade_id,omitempty"`
}

func NewSnapshotEvent(exchange string, pair TradingPair, ts float64, updateID int64, bids, asks []PriceLevel) OrderBookEvent {
	return OrderBookEvent{Type: EventSnapshot, Exchange: exchange, TradingPair: pair, Timestamp: ts, UpdateID: updateID, Bids: bids, Asks: asks}
}

func NewDiffEvent(exchange string, pair TradingPair, ts float64, updateID int64, bids, asks []PriceLevel) OrderBookEvent {
	return OrderBookEvent{Type: EventDiff, Exchange: exchange, TradingPair: pair, Timestamp: ts, UpdateID: updateID, Bids: bids, Asks: asks}
}

func NewTradeEvent(exchange string, pair TradingPair, ts float64, updateID int64, price, amount decimal.Decimal, side TradeSide, tradeID string) OrderBookEvent {
	return OrderBookEvent{
		Type:        EventTrade,
		Exchange:    exchange,
		TradingPair: pair,
		Timestamp:   ts,
		UpdateID:    updateID,
		Price:       price,
		Amount:      amount,
		Side:        side,
		TradeID:     tradeID,
	}
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// CHANNELS //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Topic names a logical channel of one data source.
type Topic string

const (
	TopicTrade    Topic = "trade"
	TopicDiff     Topic = "diff"
	TopicSnapshot Topic = "snapshot"
)

// EventType returns the event variant carried by the topic.
func (t Topic) EventType() EventType {
	switch t {
	case TopicTrade:
		return EventTrade
	case TopicDiff:
		return EventDiff
	default:
		return EventSnapshot
	}
}

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateFaulted
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChannelSubscription is created when a synchronizer starts and re-sent after every reconnect.
type ChannelSubscription struct {
	ID           uuid.UUID
	Exchange     string
	Topic        Topic
	TradingPairs []TradingPair
}

func NewChannelSubscription(exchange string, topic Topic, pairs []TradingPair) ChannelSubscription {
	copied := make([]TradingPair, len(pairs))
	copy(copied, pairs)
	return ChannelSubscription{
		ID:           uuid.New(),
		Exchange:     exchange,
		Topic:        topic,
		TradingPairs: copied,
	}
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// DECODING /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// DecodeError reports a payload that does not have the expected shape.
type DecodeError struct {
	Exchange string
	Kind     EventType
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: malformed %s payload: %v", e.Exchange, e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func NewDecodeError(exchange string, kind EventType, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Exchange: exchange, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// MsToSeconds converts an exchange millisecond timestamp to seconds, flooring.
func MsToSeconds(ms int64) float64 {
	s := ms / 1000
	if ms%1000 < 0 {
		s--
	}
	return float64(s)
}

// UnixSeconds returns t as fractional seconds since the epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ParseLevels converts [["price","amount"], ...] rows into price levels.
func ParseLevels(rows [][]string) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level %d: expected price and amount, got %d fields", i, len(row))
		}
		level, err := ParseLevel(row[0], row[1])
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func ParseLevel(price, amount string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("price %q: %w", price, err)
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("amount %q: %w", amount, err)
	}
	return PriceLevel{Price: p, Amount: a}, nil
}
