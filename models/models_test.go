package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseTradingPair(t *testing.T) {
	tests := []struct {
		in      string
		want    TradingPair
		wantErr bool
	}{
		{"BTC-USDT", TradingPair{"BTC", "USDT"}, false},
		{"ETH-BTC", TradingPair{"ETH", "BTC"}, false},
		{"BTCUSDT", TradingPair{}, true},
		{"-USDT", TradingPair{}, true},
		{"BTC-", TradingPair{}, true},
		{"A-B-C", TradingPair{}, true},
	}
	for _, tt := range tests {
		got, err := ParseTradingPair(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTradingPair(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTradingPair(%q)=%v want %v", tt.in, got, tt.want)
		}
	}
}

func TestTradingPairAsMapKey(t *testing.T) {
	prices := map[TradingPair]string{NewTradingPair("BTC", "USDT"): "1"}
	data, err := json.Marshal(prices)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"BTC-USDT":"1"}` {
		t.Fatalf("unexpected json: %s", data)
	}
	var out map[TradingPair]string
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out[NewTradingPair("BTC", "USDT")] != "1" {
		t.Fatalf("unexpected map: %v", out)
	}
}

func TestMsToSecondsFloors(t *testing.T) {
	tests := []struct {
		ms   int64
		want float64
	}{
		{1_614_000_000_000, 1_614_000_000},
		{1_614_000_000_999, 1_614_000_000},
		{1_614_000_001_000, 1_614_000_001},
		{999, 0},
		{-1, -1},
	}
	for _, tt := range tests {
		if got := MsToSeconds(tt.ms); got != tt.want {
			t.Errorf("MsToSeconds(%d)=%v want %v", tt.ms, got, tt.want)
		}
	}
}

func TestParseLevels(t *testing.T) {
	levels, err := ParseLevels([][]string{{"100.5", "1.25"}, {"99", "0"}})
	if err != nil {
		t.Fatalf("ParseLevels: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	if !levels[0].Price.Equal(decimal.RequireFromString("100.5")) || !levels[1].Amount.IsZero() {
		t.Fatalf("unexpected levels: %+v", levels)
	}

	if _, err := ParseLevels([][]string{{"100"}}); err == nil {
		t.Fatalf("expected error for short row")
	}
	if _, err := ParseLevels([][]string{{"abc", "1"}}); err == nil {
		t.Fatalf("expected error for bad price")
	}
}

func TestTakerSide(t *testing.T) {
	if TakerSide(true) != SideSell || TakerSide(false) != SideBuy {
		t.Fatalf("unexpected taker side mapping")
	}
}

func TestNewChannelSubscriptionCopiesPairs(t *testing.T) {
	pairs := []TradingPair{NewTradingPair("BTC", "USDT")}
	sub := NewChannelSubscription("bidesk", TopicTrade, pairs)
	pairs[0] = NewTradingPair("ETH", "USDT")
	if sub.TradingPairs[0].Base != "BTC" {
		t.Fatalf("subscription aliases caller slice: %v", sub.TradingPairs)
	}
	if sub.ID.String() == "" {
		t.Fatalf("subscription id not set")
	}
}

func TestConnectionStateString(t *testing.T) {
	if StateStreaming.String() != "streaming" || StateFaulted.String() != "faulted" {
		t.Fatalf("unexpected state names")
	}
}
