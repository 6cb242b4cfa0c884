package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"marketsync/config"
	"marketsync/logger"
	"marketsync/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each event as one JSON message keyed by exchange and pair,
// so all events of one book land on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	log    *logger.Log
}

func NewKafkaPublisher(cfg config.KafkaConfig, log *logger.Log) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: batchTimeout,
	}
	log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka publisher initialized")
	return &KafkaPublisher{writer: writer, topic: cfg.Topic, log: log}, nil
}

// MessageKey is the partitioning key of an event.
func MessageKey(ev models.OrderBookEvent) string {
	return ev.Exchange + ":" + ev.TradingPair.String()
}

func (p *KafkaPublisher) Publish(ctx context.Context, events []models.OrderBookEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			p.log.WithComponent("kafka_publisher").WithError(err).Warn("failed to marshal event")
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(MessageKey(ev)),
			Value: data,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(ev.Type)},
			},
		})
	}
	if len(msgs) == 0 {
		return nil
	}

	start := time.Now()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), p.topic, err)
	}
	entry := p.log.WithComponent("kafka_publisher").WithFields(logger.Fields{"topic": p.topic})
	logger.LogPerformanceEntry(entry, "kafka_publisher", "write", time.Since(start), logger.Fields{"messages": len(msgs)})
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher logs every event at debug level. It is the default sink.
type LogPublisher struct {
	log *logger.Log
}

func NewLogPublisher(log *logger.Log) *LogPublisher {
	if log == nil {
		log = logger.GetLogger()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, events []models.OrderBookEvent) error {
	for _, ev := range events {
		p.log.WithComponent("log_publisher").WithFields(logger.Fields{
			"type":         string(ev.Type),
			"exchange":     ev.Exchange,
			"trading_pair": ev.TradingPair.String(),
			"update_id":    ev.UpdateID,
			"timestamp":    ev.Timestamp,
			"bids":         len(ev.Bids),
			"asks":         len(ev.Asks),
		}).Debug("event")
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// DiscardPublisher drops every event.
type DiscardPublisher struct{}

func (DiscardPublisher) Publish(context.Context, []models.OrderBookEvent) error { return nil }

func (DiscardPublisher) Close() error { return nil }

// NewPublisher builds the publisher selected by the sink configuration.
func NewPublisher(cfg config.SinkConfig, log *logger.Log) (Publisher, error) {
	switch cfg.Type {
	case config.SinkKafka:
		return NewKafkaPublisher(cfg.Kafka, log)
	case config.SinkLog:
		return NewLogPublisher(log), nil
	case config.SinkNone, "":
		return DiscardPublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}
