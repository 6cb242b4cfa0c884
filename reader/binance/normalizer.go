package binance

import (
	"encoding/json"
	"strconv"

	"marketsync/models"
)

// depthSnapshot is the REST depth body as re-encoded from the SDK response.
type depthSnapshot struct {
	LastUpdateID *int64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// depthUpdate is the diff depth stream event.
type depthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID *int64     `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// tradeEvent is the raw trade stream event.
type tradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      *int64 `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker *bool  `json:"m"`
}

func ToSnapshotEvent(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error) {
	var body depthSnapshot
	if err := json.Unmarshal(raw, &body); err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventSnapshot, Err: err}
	}
	if body.LastUpdateID == nil || body.Bids == nil || body.Asks == nil {
		return models.OrderBookEvent{}, models.NewDecodeError(exchangeName, models.EventSnapshot, "missing lastUpdateId, bids or asks")
	}
	bids, asks, err := parseSides(body.Bids, body.Asks)
	if err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventSnapshot, Err: err}
	}
	return models.NewSnapshotEvent(exchangeName, pair, ts, *body.LastUpdateID, bids, asks), nil
}

// ToDiffEvent uses the final update id u of the event.
func ToDiffEvent(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error) {
	var ev depthUpdate
	if err := json.Unmarshal(raw, &ev); err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventDiff, Err: err}
	}
	if ev.FinalUpdateID == nil {
		return models.OrderBookEvent{}, models.NewDecodeError(exchangeName, models.EventDiff, "missing u")
	}
	if ev.Bids == nil && ev.Asks == nil {
		return models.OrderBookEvent{}, models.NewDecodeError(exchangeName, models.EventDiff, "missing b and a")
	}
	bids, asks, err := parseSides(ev.Bids, ev.Asks)
	if err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventDiff, Err: err}
	}
	return models.NewDiffEvent(exchangeName, pair, ts, *ev.FinalUpdateID, bids, asks), nil
}

func ToTradeEvent(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error) {
	var ev tradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventTrade, Err: err}
	}
	if ev.TradeID == nil || ev.BuyerIsMaker == nil {
		return models.OrderBookEvent{}, models.NewDecodeError(exchangeName, models.EventTrade, "missing t or m")
	}
	level, err := models.ParseLevel(ev.Price, ev.Quantity)
	if err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventTrade, Err: err}
	}
	id := *ev.TradeID
	return models.NewTradeEvent(exchangeName, pair, ts, id, level.Price, level.Amount,
		models.TakerSide(*ev.BuyerIsMaker), strconv.FormatInt(id, 10)), nil
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
