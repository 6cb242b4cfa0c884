package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IPShard defines the trading pairs that should be synchronized through a specific source IP.
type IPShard struct {
	IP           string   `yaml:"ip"`
	BideskPairs  []string `yaml:"bidesk_pairs"`
	BitmaxPairs  []string `yaml:"bitmax_pairs"`
	BinancePairs []string `yaml:"binance_pairs"`
}

// PairsFor returns the shard's pairs for one exchange.
func (s IPShard) PairsFor(exchange string) []string {
	switch exchange {
	case ExchangeBidesk:
		return s.BideskPairs
	case ExchangeBitmax:
		return s.BitmaxPairs
	case ExchangeBinance:
		return s.BinancePairs
	default:
		return nil
	}
}

// IPShards represents the full shard configuration.
type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	for i, shard := range cfg.Shards {
		if shard.IP == "" {
			return nil, fmt.Errorf("shard %d: ip is required", i)
		}
	}
	return &cfg, nil
}

// DefaultShards builds a single shard on the default route carrying the configured pairs.
func DefaultShards(cfg *Config) *IPShards {
	return &IPShards{Shards: []IPShard{{
		BideskPairs:  cfg.Source.Bidesk.TradingPairs,
		BitmaxPairs:  cfg.Source.Bitmax.TradingPairs,
		BinancePairs: cfg.Source.Binance.TradingPairs,
	}}}
}
