package symbols

import (
	"sort"
	"strings"
	"unicode"

	"marketsync/models"
)

// Translator maps internal BASE-QUOTE pairs to an exchange's native symbols and back.
// With an empty separator the native form is BASE+QUOTE and the quote is recognized
// by suffix; otherwise the native form is BASE+separator+QUOTE.
type Translator struct {
	separator string
	quotes    []string
}

// New builds a translator. Quotes are tried longest first so that USDT wins over USD.
func New(separator string, quotes ...string) *Translator {
	ordered := make([]string, len(quotes))
	copy(ordered, quotes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i]) > len(ordered[j])
	})
	return &Translator{separator: separator, quotes: ordered}
}

// Quotes returns the recognized quote assets in match order.
func (t *Translator) Quotes() []string {
	out := make([]string, len(t.quotes))
	copy(out, t.quotes)
	return out
}

func (t *Translator) ToExchange(pair models.TradingPair) string {
	return pair.Base + t.separator + pair.Quote
}

// FromExchange returns false when the symbol does not match the exchange grammar.
// Matching is case-sensitive.
func (t *Translator) FromExchange(native string) (models.TradingPair, bool) {
	if t.separator != "" {
		return t.split(native)
	}
	for _, quote := range t.quotes {
		if !strings.HasSuffix(native, quote) {
			continue
		}
		base := native[:len(native)-len(quote)]
		if !isWord(base) {
			continue
		}
		return models.TradingPair{Base: base, Quote: quote}, true
	}
	return models.TradingPair{}, false
}

// ToExchangeAll converts pairs preserving order.
func (t *Translator) ToExchangeAll(pairs []models.TradingPair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = t.ToExchange(p)
	}
	return out
}

func (t *Translator) split(native string) (models.TradingPair, bool) {
	base, quote, ok := strings.Cut(native, t.separator)
	if !ok || base == "" || quote == "" || strings.Contains(quote, t.separator) {
		return models.TradingPair{}, false
	}
	if len(t.quotes) > 0 && !t.recognized(quote) {
		return models.TradingPair{}, false
	}
	return models.TradingPair{Base: base, Quote: quote}, true
}

func (t *Translator) recognized(quote string) bool {
	for _, q := range t.quotes {
		if q == quote {
			return true
		}
	}
	return false
}

func isWord(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
