package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketsync/config"
	"marketsync/internal/dashboard"
	"marketsync/internal/datasource"
	"marketsync/internal/metrics"
	"marketsync/internal/queue"
	"marketsync/internal/sink"
	"marketsync/internal/stream"
	"marketsync/internal/synchronizer"
	"marketsync/logger"
	"marketsync/models"
	"marketsync/reader/bidesk"
	"marketsync/reader/binance"
	"marketsync/reader/bitmax"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	shardPath := flag.String("shards", config.DefaultShardPath, "Path to IP shard configuration file")
	flag.Parse()

	resolvedConfig := config.ResolveConfigPath(*configPath)
	cfg, err := config.LoadConfig(resolvedConfig)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Marketsync.Name,
		"version":     cfg.Marketsync.Version,
		"environment": env,
		"config":      resolvedConfig,
	}).Info("starting marketsync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.SetMetricSink(metrics.LogSink)
	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		if err := metrics.InitCloudWatch(ctx, metrics.CloudWatchOptions{
			Region:          cw.Region,
			Namespace:       cw.Namespace,
			AccessKeyID:     cw.AccessKeyID,
			SecretAccessKey: cw.SecretAccessKey,
		}); err != nil {
			log.WithError(err).Warn("CloudWatch publishing disabled")
		}
	}
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval, metrics.PublishReport)

	out := queue.New(log)
	out.StartMetricsReporting(ctx, cfg.Queue.MetricsInterval)

	board := synchronizer.NewStateBoard()

	publisher, err := sink.NewPublisher(cfg.Sink, log)
	if err != nil {
		log.WithError(err).Error("failed to create sink publisher")
		os.Exit(1)
	}
	consumer := sink.NewConsumer(out, publisher, cfg.Sink.Kafka.BatchSize, log)
	if err := consumer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start sink consumer")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if srv := dashboard.NewServer(cfg.Dashboard, board, out, log); srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard stopped")
			}
		}()
	}

	shards := loadShards(cfg, config.ResolveShardPath(*shardPath), env, log)

	sources := make([]*datasource.DataSource, 0, len(shards.Shards)*3)
	for _, shard := range shards.Shards {
		for name, exCfg := range cfg.Source.Exchanges() {
			ds := startExchange(ctx, cfg, name, exCfg, shard, out, board, log)
			if ds != nil {
				sources = append(sources, ds)
			}
		}
	}
	if len(sources) == 0 {
		log.Error("no data source started")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{"data_sources": len(sources)}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		for _, ds := range sources {
			ds.Stop()
		}
		consumer.Stop()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketsync stopped")
}

func loadShards(cfg *config.Config, path, env string, log *logger.Log) *config.IPShards {
	shards, err := config.LoadIPShards(path)
	if err == nil {
		return shards
	}
	if config.IsProductionLike(env) {
		log.WithError(err).Error("failed to load shard configuration")
		os.Exit(1)
	}
	log.WithError(err).WithFields(logger.Fields{"path": path}).Warn("shard configuration unavailable; using the default route")
	return config.DefaultShards(cfg)
}

func newExchange(cfg *config.Config, name, localIP string, log *logger.Log) datasource.Exchange {
	switch name {
	case config.ExchangeBidesk:
		return bidesk.NewSource(cfg, localIP, log)
	case config.ExchangeBitmax:
		return bitmax.NewSource(cfg, localIP, log)
	case config.ExchangeBinance:
		return binance.NewSource(cfg, localIP, log)
	default:
		return nil
	}
}

func startExchange(ctx context.Context, cfg *config.Config, name string, exCfg config.ExchangeConfig, shard config.IPShard, out *queue.Queue, board *synchronizer.StateBoard, log *logger.Log) *datasource.DataSource {
	entry := log.WithComponent("main").WithFields(logger.Fields{"exchange": name, "ip": shard.IP})

	exchange := newExchange(cfg, name, shard.IP, log)
	if exchange == nil {
		entry.Warn("unknown exchange")
		return nil
	}

	label := name
	if shard.IP != "" {
		label = name + "@" + shard.IP
	}

	dialer := stream.NewDialer(
		stream.WithReadTimeout(cfg.Stream.ReadTimeout),
		stream.WithProbeTimeout(cfg.Stream.ProbeTimeout),
		stream.WithHandshakeTimeout(cfg.Stream.HandshakeTimeout),
		stream.WithLocalIP(shard.IP),
		stream.WithLogger(log),
	)
	ds := datasource.New(exchange, out,
		datasource.WithLogger(log),
		datasource.WithLocalIP(shard.IP),
		datasource.WithSynchronizerOptions(
			synchronizer.WithDialer(dialer),
			synchronizer.WithTiming(synchronizer.Timing{
				FaultBackoff:    cfg.Stream.FaultBackoff,
				ErrorBackoff:    cfg.Stream.ErrorBackoff,
				RequestInterval: cfg.Stream.RequestInterval,
				FailureBackoff:  cfg.Stream.FailureBackoff,
			}),
			synchronizer.WithObserver(func(_ string, topic models.Topic, state models.ConnectionState) {
				board.Observe(label, topic, state)
			}),
		),
	)

	pairs, err := models.ParseTradingPairs(shard.PairsFor(name))
	if err != nil {
		entry.WithError(err).Warn("invalid trading pairs in shard")
		return nil
	}
	if len(pairs) == 0 {
		pairs = ds.DiscoverTradingPairs(ctx)
		entry.WithFields(logger.Fields{"pairs": len(pairs)}).Info("no pairs configured; using every listed pair")
	}
	if len(pairs) == 0 {
		entry.Warn("no trading pairs to synchronize")
		return nil
	}

	prices := ds.LatestPrices(ctx, pairs)
	for _, pair := range pairs {
		if _, ok := prices[pair]; !ok {
			entry.WithFields(logger.Fields{"trading_pair": pair.String()}).Warn("pair has no current price on the exchange")
		}
	}

	if bn, ok := exchange.(*binance.Source); ok && cfg.Metrics.UsedWeight {
		if limit, err := bn.RequestWeightLimit(ctx); err != nil {
			entry.WithError(err).Warn("failed to read request weight limit")
		} else {
			entry.WithFields(logger.Fields{"weight_limit": limit}).Info("binance request weight limit")
		}
	}

	start := []struct {
		enabled bool
		run     func(context.Context, []models.TradingPair) error
		topic   models.Topic
	}{
		{exCfg.Channels.Trades, ds.StartTradeStream, models.TopicTrade},
		{exCfg.Channels.Diffs, ds.StartDiffStream, models.TopicDiff},
		{exCfg.Channels.Snapshots, ds.StartSnapshotPolling, models.TopicSnapshot},
	}
	for _, s := range start {
		if !s.enabled {
			continue
		}
		if err := s.run(ctx, pairs); err != nil {
			entry.WithError(err).WithFields(logger.Fields{"topic": string(s.topic)}).Warn("failed to start synchronizer")
		}
	}
	return ds
}
