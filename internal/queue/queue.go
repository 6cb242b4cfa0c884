package queue

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"marketsync/internal/metrics"
	"marketsync/logger"
	"marketsync/models"
)

// Stats counts queue traffic per event type.
type Stats struct {
	Put   map[models.EventType]int64 `json:"put"`
	Got   map[models.EventType]int64 `json:"got"`
	Depth int                        `json:"depth"`
}

// Queue is the unbounded output queue shared by all synchronizers.
// Put never blocks; consumers block in Get.
type Queue struct {
	mu     sync.Mutex
	items  deque.Deque[models.OrderBookEvent]
	notify chan struct{}

	put map[models.EventType]int64
	got map[models.EventType]int64

	log *logger.Log
}

func New(log *logger.Log) *Queue {
	if log == nil {
		log = logger.GetLogger()
	}
	q := &Queue{
		notify: make(chan struct{}, 1),
		put:    make(map[models.EventType]int64),
		got:    make(map[models.EventType]int64),
		log:    log,
	}
	log.WithComponent("queue").Info("output queue initialized")
	return q
}

func (q *Queue) Put(event models.OrderBookEvent) {
	q.mu.Lock()
	q.items.PushBack(event)
	q.put[event.Type]++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get blocks until an event is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (models.OrderBookEvent, error) {
	for {
		if event, ok := q.TryGet(); ok {
			return event, nil
		}
		select {
		case <-ctx.Done():
			return models.OrderBookEvent{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue) TryGet() (models.OrderBookEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return models.OrderBookEvent{}, false
	}
	event := q.items.PopFront()
	q.got[event.Type]++
	if q.items.Len() > 0 {
		// wake the next consumer
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return event, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Put:   make(map[models.EventType]int64, len(q.put)),
		Got:   make(map[models.EventType]int64, len(q.got)),
		Depth: q.items.Len(),
	}
	for k, v := range q.put {
		s.Put[k] = v
	}
	for k, v := range q.got {
		s.Got[k] = v
	}
	return s
}

// StartMetricsReporting logs queue stats every interval until ctx is done.
func (q *Queue) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := q.GetStats()
				q.log.WithComponent("queue").WithFields(logger.Fields{
					"depth":           s.Depth,
					"snapshots_put":   s.Put[models.EventSnapshot],
					"diffs_put":       s.Put[models.EventDiff],
					"trades_put":      s.Put[models.EventTrade],
					"events_consumed": s.Got[models.EventSnapshot] + s.Got[models.EventDiff] + s.Got[models.EventTrade],
				}).Info("queue statistics")
				q.log.WithComponent("queue").LogMetric("queue", "depth", s.Depth, "gauge", nil)
				metrics.SetQueueDepth(s.Depth)
			}
		}
	}()
}
