package models

import (
	"fmt"
	"strings"
)

// TradingPair identifies one market in the internal BASE-QUOTE form.
type TradingPair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

func NewTradingPair(base, quote string) TradingPair {
	return TradingPair{Base: base, Quote: quote}
}

// ParseTradingPair parses the canonical "BASE-QUOTE" form.
func ParseTradingPair(s string) (TradingPair, error) {
	base, quote, ok := strings.Cut(s, "-")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "-") {
		return TradingPair{}, fmt.Errorf("invalid trading pair %q", s)
	}
	return TradingPair{Base: base, Quote: quote}, nil
}

// ParseTradingPairs parses every entry and fails on the first invalid one.
func ParseTradingPairs(values []string) ([]TradingPair, error) {
	pairs := make([]TradingPair, 0, len(values))
	for _, v := range values {
		p, err := ParseTradingPair(strings.TrimSpace(v))
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

func (p TradingPair) String() string {
	return p.Base + "-" + p.Quote
}

func (p TradingPair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// MarshalText lets pairs be used as JSON object keys.
func (p TradingPair) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *TradingPair) UnmarshalText(text []byte) error {
	parsed, err := ParseTradingPair(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
