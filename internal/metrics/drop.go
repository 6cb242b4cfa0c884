package metrics

import (
	"marketsync/logger"
	"marketsync/models"
)

// DropMetric names the metric emitted when a stream message is dropped.
type DropMetric string

const (
	DropMetricTrade DropMetric = "trade_messages_dropped"
	DropMetricDiff  DropMetric = "diff_messages_dropped"
)

func dropMetricFor(topic models.Topic) DropMetric {
	if topic == models.TopicTrade {
		return DropMetricTrade
	}
	return DropMetricDiff
}

// EmitDropMetric records one dropped malformed message of a trade or diff stream.
func EmitDropMetric(log *logger.Log, exchange string, topic models.Topic, reason string) {
	fields := logger.Fields{
		"exchange": exchange,
		"topic":    string(topic),
	}
	if reason != "" {
		fields["reason"] = reason
	}
	droppedTotal.WithLabelValues(exchange, string(topic)).Inc()
	logger.IncrementDrop(exchange, string(topic))
	EmitMetric(log, "synchronizer", string(dropMetricFor(topic)), 1, "counter", fields)
}

// RecordEvent counts one event handed to the output queue.
func RecordEvent(exchange string, topic models.Topic) {
	eventsTotal.WithLabelValues(exchange, string(topic)).Inc()
	logger.IncrementEvent(exchange, string(topic))
}

// RecordReconnect counts one reconnect attempt after a fault.
func RecordReconnect(exchange string, topic models.Topic) {
	reconnectsTotal.WithLabelValues(exchange, string(topic)).Inc()
	logger.IncrementReconnect()
}

// RecordState publishes the current state of one synchronizer.
func RecordState(exchange string, topic models.Topic, state models.ConnectionState) {
	connectionState.WithLabelValues(exchange, string(topic)).Set(float64(state))
}

// RecordSnapshotError counts one failed snapshot poll.
func RecordSnapshotError(log *logger.Log, exchange string, pair models.TradingPair) {
	snapshotErrors.WithLabelValues(exchange, pair.String()).Inc()
	EmitMetric(log, "snapshot_poller", "snapshot_errors", 1, "counter", logger.Fields{
		"exchange":     exchange,
		"trading_pair": pair.String(),
	})
}
