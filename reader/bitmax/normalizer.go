package bitmax

import (
	"encoding/json"
	"strconv"

	"marketsync/models"
)

// depthData is the body of a depth snapshot, streamed or fetched.
type depthData struct {
	Timestamp int64      `json:"ts"`
	SeqNum    *int64     `json:"seqnum"`
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
}

// bboData carries the best bid and ask as [price, size].
type bboData struct {
	Timestamp int64    `json:"ts"`
	Bid       []string `json:"bid"`
	Ask       []string `json:"ask"`
}

type tradeItem struct {
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	Timestamp    int64  `json:"ts"`
	BuyerIsMaker *bool  `json:"bm"`
	SeqNum       *int64 `json:"seqnum"`
}

// ToSnapshotEvent normalizes a depth body; seqnum becomes the update id.
func ToSnapshotEvent(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error) {
	var body depthData
	if err := json.Unmarshal(raw, &body); err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventSnapshot, Err: err}
	}
	if body.SeqNum == nil || body.Bids == nil || body.Asks == nil {
		return models.OrderBookEvent{}, models.NewDecodeError(exchangeName, models.EventSnapshot, "missing seqnum, bids or asks")
	}
	bids, err := models.ParseLevels(body.Bids)
	if err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventSnapshot, Err: err}
	}
	asks, err := models.ParseLevels(body.Asks)
	if err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventSnapshot, Err: err}
	}
	return models.NewSnapshotEvent(exchangeName, pair, ts, *body.SeqNum, bids, asks), nil
}

// ToDiffEvent normalizes a best bid/offer update into a one-level diff per side.
// The exchange timestamp is the update id since bbo carries no sequence number.
func ToDiffEvent(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error) {
	var body bboData
	if err := json.Unmarshal(raw, &body); err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventDiff, Err: err}
	}
	if body.Timestamp == 0 || (body.Bid == nil && body.Ask == nil) {
		return models.OrderBookEvent{}, models.NewDecodeError(exchangeName, models.EventDiff, "missing ts, bid or ask")
	}
	bids, err := optionalLevel(body.Bid)
	if err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventDiff, Err: err}
	}
	asks, err := optionalLevel(body.Ask)
	if err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventDiff, Err: err}
	}
	return models.NewDiffEvent(exchangeName, pair, ts, body.Timestamp, bids, asks), nil
}

func optionalLevel(row []string) ([]models.PriceLevel, error) {
	if row == nil {
		return nil, nil
	}
	return models.ParseLevels([][]string{row})
}

// ToTradeEvent normalizes one trade item. bm is "buyer is maker".
func ToTradeEvent(raw json.RawMessage, ts float64, pair models.TradingPair) (models.OrderBookEvent, error) {
	var item tradeItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventTrade, Err: err}
	}
	if item.SeqNum == nil || item.BuyerIsMaker == nil {
		return models.OrderBookEvent{}, models.NewDecodeError(exchangeName, models.EventTrade, "missing seqnum or bm")
	}
	level, err := models.ParseLevel(item.Price, item.Quantity)
	if err != nil {
		return models.OrderBookEvent{}, &models.DecodeError{Exchange: exchangeName, Kind: models.EventTrade, Err: err}
	}
	seq := *item.SeqNum
	return models.NewTradeEvent(exchangeName, pair, ts, seq, level.Price, level.Amount,
		models.TakerSide(*item.BuyerIsMaker), strconv.FormatInt(seq, 10)), nil
}
