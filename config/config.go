package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marketsync/models"
)

// Exchange names used across the configuration.
const (
	ExchangeBidesk  = "bidesk"
	ExchangeBitmax  = "bitmax"
	ExchangeBinance = "binance"
)

// Sink types.
const (
	SinkNone  = "none"
	SinkLog   = "log"
	SinkKafka = "kafka"
)

type Config struct {
	Marketsync MarketsyncConfig `yaml:"marketsync"`
	Reader     ReaderConfig     `yaml:"reader"`
	Stream     StreamConfig     `yaml:"stream"`
	Source     SourceConfig     `yaml:"source"`
	Queue      QueueConfig      `yaml:"queue"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Sink       SinkConfig       `yaml:"sink"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type MarketsyncConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ReaderConfig applies to every REST client.
type ReaderConfig struct {
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// StreamConfig holds the connection timeouts and the fixed backoffs of every synchronizer.
type StreamConfig struct {
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	FaultBackoff     time.Duration `yaml:"fault_backoff"`
	ErrorBackoff     time.Duration `yaml:"error_backoff"`
	RequestInterval  time.Duration `yaml:"request_interval"`
	FailureBackoff   time.Duration `yaml:"failure_backoff"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Bidesk  ExchangeConfig `yaml:"bidesk"`
	Bitmax  ExchangeConfig `yaml:"bitmax"`
	Binance ExchangeConfig `yaml:"binance"`
}

// ChannelsConfig switches the three synchronizers of one exchange on or off.
type ChannelsConfig struct {
	Trades    bool `yaml:"trades"`
	Diffs     bool `yaml:"diffs"`
	Snapshots bool `yaml:"snapshots"`
}

type ExchangeConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	RESTURL        string               `yaml:"rest_url"`
	WSURL          string               `yaml:"ws_url"`
	APIKey         string               `yaml:"api_key"`
	SecretKey      string               `yaml:"secret_key"`
	Private        bool                 `yaml:"private"`
	DepthLimit     int                  `yaml:"depth_limit"`
	TradingPairs   []string             `yaml:"trading_pairs"`
	Channels       ChannelsConfig       `yaml:"channels"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

// Pairs parses the configured BASE-QUOTE trading pairs.
func (e ExchangeConfig) Pairs() ([]models.TradingPair, error) {
	return models.ParseTradingPairs(e.TradingPairs)
}

// Exchanges returns the enabled exchanges keyed by name.
func (s SourceConfig) Exchanges() map[string]ExchangeConfig {
	out := make(map[string]ExchangeConfig, 3)
	for name, ex := range map[string]ExchangeConfig{
		ExchangeBidesk:  s.Bidesk,
		ExchangeBitmax:  s.Bitmax,
		ExchangeBinance: s.Binance,
	} {
		if ex.Enabled {
			out[name] = ex
		}
	}
	return out
}

type QueueConfig struct {
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

type MetricsConfig struct {
	Prometheus     bool             `yaml:"prometheus"`
	UsedWeight     bool             `yaml:"used_weight"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	History        int           `yaml:"history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type SinkConfig struct {
	Type  string      `yaml:"type"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func defaultConfig() Config {
	pool := ConnectionPoolConfig{MaxIdleConns: 10, MaxConnsPerHost: 10, IdleConnTimeout: 90 * time.Second}
	all := ChannelsConfig{Trades: true, Diffs: true, Snapshots: true}
	return Config{
		Marketsync: MarketsyncConfig{Name: "marketsync", Version: "dev"},
		Reader: ReaderConfig{
			Timeout:   10 * time.Second,
			RateLimit: RateLimitConfig{RequestsPerSecond: 5, BurstSize: 1},
		},
		Stream: StreamConfig{
			ReadTimeout:      30 * time.Second,
			ProbeTimeout:     10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			FaultBackoff:     30 * time.Second,
			ErrorBackoff:     5 * time.Second,
			RequestInterval:  5 * time.Second,
			FailureBackoff:   5 * time.Second,
		},
		Source: SourceConfig{
			Bidesk: ExchangeConfig{
				RESTURL:        "https://api.bidesk.com",
				WSURL:          "wss://wsapi.bidesk.com",
				DepthLimit:     100,
				Channels:       all,
				ConnectionPool: pool,
			},
			Bitmax: ExchangeConfig{
				RESTURL:        "https://bitmax.io/api/pro/v1",
				WSURL:          "wss://bitmax.io/0/api/pro/v1/stream",
				Channels:       all,
				ConnectionPool: pool,
			},
			Binance: ExchangeConfig{
				RESTURL:        "https://api.binance.com",
				WSURL:          "wss://stream.binance.com:9443/ws",
				DepthLimit:     100,
				Channels:       all,
				ConnectionPool: pool,
			},
		},
		Queue: QueueConfig{MetricsInterval: 30 * time.Second},
		Metrics: MetricsConfig{
			Prometheus:     true,
			UsedWeight:     true,
			ReportInterval: 30 * time.Second,
			CloudWatch:     CloudWatchConfig{Namespace: "MarketSync"},
		},
		Dashboard: DashboardConfig{Addr: ":8080", History: 200, SampleInterval: 5 * time.Second},
		Sink: SinkConfig{
			Type:  SinkLog,
			Kafka: KafkaConfig{Topic: "orderbook-events", BatchSize: 100, BatchTimeout: time.Second},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets credentials and brokers come from the environment instead of the file.
func applyEnvOverrides(config *Config) {
	setFromEnv(&config.Source.Bidesk.APIKey, "BIDESK_API_KEY")
	setFromEnv(&config.Source.Bidesk.SecretKey, "BIDESK_SECRET_KEY")
	setFromEnv(&config.Source.Binance.APIKey, "BINANCE_API_KEY")
	setFromEnv(&config.Source.Binance.SecretKey, "BINANCE_SECRET_KEY")

	if config.Metrics.CloudWatch.Enabled {
		setFromEnv(&config.Metrics.CloudWatch.AccessKeyID, "AWS_ACCESS_KEY_ID")
		setFromEnv(&config.Metrics.CloudWatch.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		setFromEnv(&config.Metrics.CloudWatch.Region, "AWS_REGION")
	}

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		brokers := strings.Split(v, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		config.Sink.Kafka.Brokers = brokers
	}
	config.Sink.Type = strings.ToLower(strings.TrimSpace(config.Sink.Type))
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Marketsync.Name == "" {
		return fmt.Errorf("marketsync.name is required")
	}

	if cfg.Reader.Timeout <= 0 {
		return fmt.Errorf("reader.timeout must be greater than 0")
	}
	if cfg.Reader.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("reader.rate_limit.requests_per_second must not be negative")
	}

	if cfg.Stream.ReadTimeout <= 0 || cfg.Stream.ProbeTimeout <= 0 {
		return fmt.Errorf("stream.read_timeout and stream.probe_timeout must be greater than 0")
	}
	if cfg.Stream.FaultBackoff <= 0 || cfg.Stream.ErrorBackoff <= 0 {
		return fmt.Errorf("stream.fault_backoff and stream.error_backoff must be greater than 0")
	}
	if cfg.Stream.RequestInterval < 0 || cfg.Stream.FailureBackoff < 0 {
		return fmt.Errorf("stream.request_interval and stream.failure_backoff must not be negative")
	}

	enabled := cfg.Source.Exchanges()
	if len(enabled) == 0 {
		return fmt.Errorf("at least one source must be enabled")
	}
	for name, ex := range enabled {
		if ex.RESTURL == "" {
			return fmt.Errorf("source.%s.rest_url is required", name)
		}
		if ex.WSURL == "" {
			return fmt.Errorf("source.%s.ws_url is required", name)
		}
		if _, err := ex.Pairs(); err != nil {
			return fmt.Errorf("source.%s.trading_pairs: %w", name, err)
		}
		if ex.Private && (ex.APIKey == "" || ex.SecretKey == "") {
			return fmt.Errorf("source.%s.api_key and source.%s.secret_key are required for private streams", name, name)
		}
	}

	switch cfg.Sink.Type {
	case SinkNone, SinkLog:
	case SinkKafka:
		if len(cfg.Sink.Kafka.Brokers) == 0 {
			return fmt.Errorf("sink.kafka.brokers is required when the kafka sink is selected")
		}
		if cfg.Sink.Kafka.Topic == "" {
			return fmt.Errorf("sink.kafka.topic is required when the kafka sink is selected")
		}
	default:
		return fmt.Errorf("sink.type '%s' is invalid", cfg.Sink.Type)
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		return fmt.Errorf("metrics.cloudwatch.region is required when CloudWatch is enabled")
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Addr == "" {
		return fmt.Errorf("dashboard.addr is required when the dashboard is enabled")
	}

	return nil
}
