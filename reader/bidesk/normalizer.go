package bidesk

import (
	"encoding/json"
	"fmt"

	"marketsync/models"
)

// depthSnapshot is the REST depth body.
type depthSnapshot struct {
	Time int64      `json:"time"`
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

// depthItem is one entry of a streamed depth message.
type depthItem struct {
	Symbol string     `json:"s"`
	Time   int64      `json:"t"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

// tradeItem is one entry of a streamed trade message.
type tradeItem struct {
	ID           *tradeID `json:"v"`
	Time         int64    `json:"t"`
	Price        string   `json:"p"`
	Quantity     string   `json:"q"`
	BuyerIsMaker *bool    `json:"m"`
}

// tradeID accepts the trade id as a JSON string or number.
type tradeID string

func (id *tradeID) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*id = tradeID(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("trade id must be a string or number: %s", b)
	}
	*id = tradeID(num.String())
	return nil
}

// ToSnapshotEvent normalizes a REST depth body. The exchange time is used as update
// id; without it the local fetch time in milliseconds is.
func ToSnapshotEvent(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error) {
	var body depthSnapshot
	if err := json.Unmarshal(raw, &body); err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventSnapshot, Err: err}
	}
	if body.Bids == nil || body.Asks == nil {
		return models.OrderBookEvent{}, models.NewDecodeError(exchangeName, models.EventSnapshot, "missing bids or asks")
	}
	bids, asks, err := parseSides(body.Bids, body.Asks)
	if err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventSnapshot, Err: err}
	}
	updateID := body.Time
	if updateID == 0 {
		updateID = int64(ts * 1000)
	}
	return models.NewSnapshotEvent(exchangeName, pair, ts, updateID, bids, asks), nil
}

// ToDiffEvent normalizes one streamed depth item.
func ToDiffEvent(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error) {
	var item depthItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventDiff, Err: err}
	}
	if item.Time == 0 {
		return models.OrderBookEvent{}, models.NewDecodeError(exchangeName, models.EventDiff, "missing t")
	}
	if item.Bids == nil && item.Asks == nil {
		return models.OrderBookEvent{}, models.NewDecodeError(exchangeName, models.EventDiff, "missing b and a")
	}
	bids, asks, err := parseSides(item.Bids, item.Asks)
	if err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventDiff, Err: err}
	}
	return models.NewDiffEvent(exchangeName, pair, ts, item.Time, bids, asks), nil
}

// ToTradeEvent normalizes one streamed trade item.
func ToTradeEvent(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error) {
	var item tradeItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventTrade, Err: err}
	}
	if item.Time == 0 || item.BuyerIsMaker == nil {
		return models.OrderBookEvent{}, models.NewDecodeError(exchangeName, models.EventTrade, "missing t or m")
	}
	if item.ID == nil || *item.ID == "" {
		return models.OrderBookEvent{}, models.NewDecodeError(exchangeName, models.EventTrade, "missing v")
	}
	level, err := models.ParseLevel(item.Price, item.Quantity)
	if err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventTrade, Err: err}
	}
	return models.NewTradeEvent(exchangeName, pair, ts, item.Time, level.Price, level.Amount,
		models.TakerSide(*item.BuyerIsMaker), string(*item.ID)), nil
}

func parseSides(bidRows, askRows [][]string) ([]models.PriceLevel, []models.PriceLevel, error) {
	bids, err := models.ParseLevels(bidRows)
	if err != nil {
		return nil, nil, err
	}
	asks, err := models.ParseLevels(askRows)
	if err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}
