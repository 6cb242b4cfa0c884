package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"marketsync/internal/metrics"
	"marketsync/logger"
	"marketsync/models"
)

// Publisher delivers batches of normalized events downstream.
type Publisher interface {
	Publish(ctx context.Context, events []models.OrderBookEvent) error
	Close() error
}

// Source is the consuming side of the output queue.
type Source interface {
	Get(ctx context.Context) (models.OrderBookEvent, error)
	TryGet() (models.OrderBookEvent, bool)
	Len() int
}

const defaultBatchSize = 100

// Consumer drains the output queue into a publisher.
type Consumer struct {
	source    Source
	publisher Publisher
	batchSize int
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log
}

func NewConsumer(source Source, publisher Publisher, batchSize int, log *logger.Log) *Consumer {
	if log == nil {
		log = logger.GetLogger()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Consumer{
		source:    source,
		publisher: publisher,
		batchSize: batchSize,
		wg:        &sync.WaitGroup{},
		log:       log,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("sink consumer already running")
	}
	c.running = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.log.WithComponent("sink").Info("starting sink consumer")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := Run(runCtx, c.source, c.publisher, c.batchSize, c.log); err != nil && !errors.Is(err, context.Canceled) {
			c.log.WithComponent("sink").WithError(err).Warn("sink consumer exited")
		}
	}()
	return nil
}

func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	if err := c.publisher.Close(); err != nil {
		c.log.WithComponent("sink").WithError(err).Warn("failed to close publisher")
	}
	c.log.WithComponent("sink").Info("sink consumer stopped")
}

// Run blocks for the next event, gathers whatever else is queued up to batchSize and
// publishes the batch. Publish failures are logged and the batch is dropped.
func Run(ctx context.Context, source Source, publisher Publisher, batchSize int, log *logger.Log) error {
	entry := log.WithComponent("sink")
	batch := make([]models.OrderBookEvent, 0, batchSize)
	for {
		first, err := source.Get(ctx)
		if err != nil {
			return err
		}
		batch = append(batch[:0], first)
		for len(batch) < batchSize {
			ev, ok := source.TryGet()
			if !ok {
				break
			}
			batch = append(batch, ev)
		}

		if err := publisher.Publish(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			entry.WithError(err).WithFields(logger.Fields{"events": len(batch)}).Warn("failed to publish batch")
			logger.IncrementDrop("sink", "publish")
		}
		metrics.SetQueueDepth(source.Len())
	}
}
