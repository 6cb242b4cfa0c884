package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/config"
	"marketsync/internal/queue"
	"marketsync/logger"
	"marketsync/models"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type countingPublisher struct {
	mu      sync.Mutex
	batches [][]models.OrderBookEvent
	fail    bool
	closed  bool
}

func (p *countingPublisher) Publish(_ context.Context, events []models.OrderBookEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]models.OrderBookEvent(nil), events...))
	if p.fail {
		return errors.New("broker down")
	}
	return nil
}

func (p *countingPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *countingPublisher) Events() []models.OrderBookEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.OrderBookEvent
	for _, b := range p.batches {
		out = append(out, b...)
	}
	return out
}

var btcUSDT = models.NewTradingPair("BTC", "USDT")

func diff(id int64) models.OrderBookEvent {
	return models.NewDiffEvent("bidesk", btcUSDT, 1, id, nil, nil)
}

func TestKafkaPublisherKeysByExchangeAndPair(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "events", log: logger.GetLogger()}

	trade := models.NewTradeEvent("bitmax", models.NewTradingPair("ETH", "BTC"), 2, 9, decimal.NewFromInt(1), decimal.NewFromInt(2), models.SideSell, "9")
	require.NoError(t, p.Publish(context.Background(), []models.OrderBookEvent{diff(1), trade}))

	msgs := w.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "bidesk:BTC-USDT", string(msgs[0].Key))
	assert.Equal(t, "bitmax:ETH-BTC", string(msgs[1].Key))
	assert.Equal(t, "trade", string(msgs[1].Headers[0].Value))

	var decoded models.OrderBookEvent
	require.NoError(t, json.Unmarshal(msgs[1].Value, &decoded))
	assert.Equal(t, models.SideSell, decoded.Side)
	assert.Equal(t, int64(9), decoded.UpdateID)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherWrapsWriteErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := &KafkaPublisher{writer: w, topic: "events", log: logger.GetLogger()}

	err := p.Publish(context.Background(), []models.OrderBookEvent{diff(1)})
	assert.ErrorContains(t, err, "leader not available")
}

func TestNewPublisher(t *testing.T) {
	p, err := NewPublisher(config.SinkConfig{Type: config.SinkLog}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, p)

	p, err = NewPublisher(config.SinkConfig{Type: config.SinkNone}, nil)
	require.NoError(t, err)
	assert.IsType(t, DiscardPublisher{}, p)

	_, err = NewPublisher(config.SinkConfig{Type: config.SinkKafka}, nil)
	assert.Error(t, err, "kafka without brokers")

	p, err = NewPublisher(config.SinkConfig{Type: config.SinkKafka, Kafka: config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Close())

	_, err = NewPublisher(config.SinkConfig{Type: "s3"}, nil)
	assert.Error(t, err)
}

func TestRunPublishesInQueueOrder(t *testing.T) {
	q := queue.New(nil)
	for i := int64(1); i <= 5; i++ {
		q.Put(diff(i))
	}
	pub := &countingPublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, q, pub, 2, logger.GetLogger()) }()

	require.Eventually(t, func() bool { return len(pub.Events()) == 5 }, time.Second, 2*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	for i, ev := range pub.Events() {
		assert.Equal(t, int64(i+1), ev.UpdateID)
	}
	pub.mu.Lock()
	for _, b := range pub.batches {
		assert.LessOrEqual(t, len(b), 2)
	}
	pub.mu.Unlock()
}

func TestRunKeepsGoingAfterPublishFailure(t *testing.T) {
	q := queue.New(nil)
	pub := &countingPublisher{fail: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Run(ctx, q, pub, 10, logger.GetLogger())

	q.Put(diff(1))
	require.Eventually(t, func() bool { return len(pub.Events()) == 1 }, time.Second, 2*time.Millisecond)
	q.Put(diff(2))
	require.Eventually(t, func() bool { return len(pub.Events()) == 2 }, time.Second, 2*time.Millisecond)
}

func TestConsumerLifecycle(t *testing.T) {
	q := queue.New(nil)
	pub := &countingPublisher{}
	c := NewConsumer(q, pub, 0, nil)

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))

	q.Put(diff(1))
	require.Eventually(t, func() bool { return len(pub.Events()) == 1 }, time.Second, 2*time.Millisecond)

	c.Stop()
	assert.True(t, pub.closed)
	c.Stop()
}
