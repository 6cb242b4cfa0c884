package metrics

import (
	"sync"
	"time"

	"marketsync/logger"
)

const recentCapacity = 256

// Metric is one structured metric event.
type Metric struct {
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	Name      string        `json:"name"`
	Value     interface{}   `json:"value"`
	Type      string        `json:"type"`
	Fields    logger.Fields `json:"fields,omitempty"`
}

// MetricHandler consumes every emitted metric.
type MetricHandler func(Metric)

type MetricHandlerID uint64

var (
	metricHandlersMu    sync.RWMutex
	metricHandlers      = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID MetricHandlerID

	recentMu   sync.Mutex
	recent     = make([]Metric, 0, recentCapacity)
	recentNext int
)

// RegisterMetricHandler returns 0 for a nil handler.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}

	metricHandlersMu.Lock()
	defer metricHandlersMu.Unlock()

	nextMetricHandlerID++
	id := nextMetricHandlerID
	metricHandlers[id] = handler
	return id
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	metricHandlersMu.Lock()
	delete(metricHandlers, id)
	metricHandlersMu.Unlock()
}

// Recent returns the latest metrics, oldest first.
func Recent() []Metric {
	recentMu.Lock()
	defer recentMu.Unlock()
	out := make([]Metric, 0, len(recent))
	if len(recent) < recentCapacity {
		return append(out, recent...)
	}
	out = append(out, recent[recentNext:]...)
	return append(out, recent[:recentNext]...)
}

func remember(m Metric) {
	recentMu.Lock()
	defer recentMu.Unlock()
	if len(recent) < recentCapacity {
		recent = append(recent, m)
		return
	}
	recent[recentNext] = m
	recentNext = (recentNext + 1) % recentCapacity
}

func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	userFields := make(logger.Fields, len(fields))
	for k, v := range fields {
		userFields[k] = v
	}

	logFields := make(logger.Fields, len(userFields)+3)
	for k, v := range userFields {
		logFields[k] = v
	}
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	log.WithComponent(component).WithFields(logFields).Debug("metric")

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    userFields,
	}
	remember(m)
	dispatchMetric(m)
	return m, true
}

func dispatchMetric(m Metric) {
	metricHandlersMu.RLock()
	handlers := make([]MetricHandler, 0, len(metricHandlers))
	for _, h := range metricHandlers {
		handlers = append(handlers, h)
	}
	metricHandlersMu.RUnlock()

	for _, h := range handlers {
		h(m)
	}
}

// EmitMetric records a metric, dispatches it to handlers and publishes numeric
// values to CloudWatch when configured.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	m, ok := recordMetric(log, component, name, value, metricType, fields)
	if !ok {
		return
	}
	v, ok := toFloat64(m.Value)
	if !ok {
		return
	}
	publishMetricDatum(component, name, v, m.Fields)
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// LogSink forwards metrics logged through logger.LogMetric. It matches logger.MetricSink.
func LogSink(component, name string, value float64, dims map[string]string) {
	fields := make(logger.Fields, len(dims))
	for k, v := range dims {
		fields[k] = v
	}
	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      "gauge",
		Fields:    fields,
	}
	remember(m)
	dispatchMetric(m)
	publishMetricDatum(component, name, value, fields)
}
