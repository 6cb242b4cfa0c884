package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig writes content to a temporary config file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

const minimalConfig = `marketsync:
  name: "TestApp"
  version: "1.0"
source:
  bitmax:
    enabled: true
    trading_pairs: ["BTC-USDT", "ETH-BTC"]
sink:
  type: log
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Marketsync.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Marketsync.Name)
	}
	if cfg.Source.Bitmax.RESTURL != "https://bitmax.io/api/pro/v1" {
		t.Errorf("default rest url not applied: %s", cfg.Source.Bitmax.RESTURL)
	}
	if cfg.Stream.FaultBackoff != 30*time.Second || cfg.Stream.ErrorBackoff != 5*time.Second {
		t.Errorf("unexpected backoffs: %v %v", cfg.Stream.FaultBackoff, cfg.Stream.ErrorBackoff)
	}
	if cfg.Stream.ReadTimeout != 30*time.Second || cfg.Stream.ProbeTimeout != 10*time.Second {
		t.Errorf("unexpected stream timeouts: %v %v", cfg.Stream.ReadTimeout, cfg.Stream.ProbeTimeout)
	}
	pairs, err := cfg.Source.Bitmax.Pairs()
	if err != nil || len(pairs) != 2 || pairs[1].Quote != "BTC" {
		t.Errorf("unexpected pairs: %v (%v)", pairs, err)
	}
	enabled := cfg.Source.Exchanges()
	if len(enabled) != 1 {
		t.Fatalf("expected one enabled exchange, got %d", len(enabled))
	}
	if _, ok := enabled[ExchangeBitmax]; !ok {
		t.Errorf("bitmax not enabled")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("BIDESK_API_KEY", " key ")
	t.Setenv("BIDESK_SECRET_KEY", "secret")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")

	content := `marketsync:
  name: "TestApp"
source:
  bidesk:
    enabled: true
    private: true
    trading_pairs: ["BTC-USDT"]
sink:
  type: KAFKA
`
	cfg, err := LoadConfig(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Source.Bidesk.APIKey != "key" || cfg.Source.Bidesk.SecretKey != "secret" {
		t.Errorf("credentials not overridden: %q %q", cfg.Source.Bidesk.APIKey, cfg.Source.Bidesk.SecretKey)
	}
	if cfg.Sink.Type != SinkKafka {
		t.Errorf("sink type not normalised: %s", cfg.Sink.Type)
	}
	if len(cfg.Sink.Kafka.Brokers) != 2 || cfg.Sink.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Sink.Kafka.Brokers)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "no source enabled",
			content: "marketsync:\n  name: x\n",
			want:    "at least one source",
		},
		{
			name:    "bad pair",
			content: "marketsync:\n  name: x\nsource:\n  bitmax:\n    enabled: true\n    trading_pairs: [\"BTCUSDT\"]\n",
			want:    "source.bitmax.trading_pairs",
		},
		{
			name:    "missing rest url",
			content: "marketsync:\n  name: x\nsource:\n  binance:\n    enabled: true\n    rest_url: \"\"\n",
			want:    "source.binance.rest_url is required",
		},
		{
			name:    "private without credentials",
			content: "marketsync:\n  name: x\nsource:\n  bidesk:\n    enabled: true\n    private: true\n",
			want:    "api_key",
		},
		{
			name:    "kafka without brokers",
			content: "marketsync:\n  name: x\nsource:\n  bitmax:\n    enabled: true\nsink:\n  type: kafka\n",
			want:    "sink.kafka.brokers",
		},
		{
			name:    "unknown sink",
			content: "marketsync:\n  name: x\nsource:\n  bitmax:\n    enabled: true\nsink:\n  type: s3\n",
			want:    "sink.type 's3' is invalid",
		},
		{
			name:    "cloudwatch without region",
			content: "marketsync:\n  name: x\nsource:\n  bitmax:\n    enabled: true\nmetrics:\n  cloudwatch:\n    enabled: true\n",
			want:    "metrics.cloudwatch.region",
		},
	}
	t.Setenv("AWS_REGION", "")
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := LoadConfig(writeTempConfig(t, c.content))
			if err == nil {
				t.Fatalf("expected error containing %q", c.want)
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Errorf("error %q does not contain %q", err, c.want)
			}
		})
	}
}

func TestLoadIPShards(t *testing.T) {
	content := `shards:
- ip: "1.1.1.1"
  bidesk_pairs: ["BTC-USDT"]
  bitmax_pairs: ["ETH-BTC"]
  binance_pairs: ["BNB-USDT", "BTC-USDT"]
`
	path := filepath.Join(t.TempDir(), "shards.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	shards, err := LoadIPShards(path)
	if err != nil {
		t.Fatalf("LoadIPShards failed: %v", err)
	}
	if len(shards.Shards) != 1 {
		t.Fatalf("expected 1 shard, got %d", len(shards.Shards))
	}
	shard := shards.Shards[0]
	if shard.IP != "1.1.1.1" {
		t.Errorf("unexpected IP: %s", shard.IP)
	}
	if got := shard.PairsFor(ExchangeBinance); len(got) != 2 || got[0] != "BNB-USDT" {
		t.Errorf("unexpected binance pairs: %v", got)
	}
	if got := shard.PairsFor(ExchangeBitmax); len(got) != 1 || got[0] != "ETH-BTC" {
		t.Errorf("unexpected bitmax pairs: %v", got)
	}
	if got := shard.PairsFor("unknown"); got != nil {
		t.Errorf("expected no pairs for unknown exchange, got %v", got)
	}
}

func TestLoadIPShardsRequiresIP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shards.yml")
	if err := os.WriteFile(path, []byte("shards:\n- bidesk_pairs: [\"BTC-USDT\"]\n"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if _, err := LoadIPShards(path); err == nil {
		t.Fatal("expected error for shard without ip")
	}
}

func TestAppEnvironment(t *testing.T) {
	cases := map[string]string{
		"":           EnvironmentDevelopment,
		"PROD":       EnvironmentProduction,
		" stag ":     EnvironmentStaging,
		"production": EnvironmentProduction,
		"qa":         "qa",
	}
	for in, want := range cases {
		t.Setenv("APP_ENV", in)
		if got := AppEnvironment(); got != want {
			t.Errorf("AppEnvironment(%q) = %q, want %q", in, got, want)
		}
	}
	if !IsProductionLike(EnvironmentStaging) || IsProductionLike(EnvironmentDevelopment) {
		t.Error("unexpected IsProductionLike result")
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	prod := filepath.Join(dir, "config.production.yml")
	if err := os.WriteFile(prod, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "prod")
	if got := resolveEnvSpecificPath(def, def); got != prod {
		t.Errorf("expected %s, got %s", prod, got)
	}
	if got := resolveEnvSpecificPath("custom.yml", def); got != "custom.yml" {
		t.Errorf("explicit path must win, got %s", got)
	}

	t.Setenv("APP_ENV", "staging")
	if got := resolveEnvSpecificPath("", def); got != def {
		t.Errorf("expected default path without staging file, got %s", got)
	}
}
