package synchronizer

import (
	"context"
	"time"

	"marketsync/internal/stream"
	"marketsync/logger"
	"marketsync/models"
)

// Publisher receives normalized events. Put must not block.
type Publisher interface {
	Put(event models.OrderBookEvent)
}

// Adapter is the per-exchange capability set driving a stream synchronizer.
type Adapter interface {
	Name() string
	// Endpoint resolves the stream endpoint serving topic.
	Endpoint(topic models.Topic) (stream.Endpoint, error)
	// SubscribeMessage builds the single handshake message naming every pair.
	SubscribeMessage(sub models.ChannelSubscription) (interface{}, error)
	// MessageTopic reports which topic a raw message carries; false for control frames.
	MessageTopic(raw []byte) (models.Topic, bool)
	// Decode normalizes one message of topic into zero or more events.
	Decode(topic models.Topic, raw []byte) ([]models.OrderBookEvent, error)
}

// KeepAliver is implemented by adapters whose exchange sends application level pings.
type KeepAliver interface {
	KeepAlive(raw []byte) (reply interface{}, ok bool)
}

// Conn is one live stream connection.
type Conn interface {
	Send(v interface{}) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Connector opens stream connections.
type Connector interface {
	Connect(ctx context.Context, ep stream.Endpoint) (Conn, error)
}

type dialerConnector struct {
	dialer *stream.Dialer
}

func (c dialerConnector) Connect(ctx context.Context, ep stream.Endpoint) (Conn, error) {
	conn, err := c.dialer.Connect(ctx, ep)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Observer is told about every state transition.
type Observer func(exchange string, topic models.Topic, state models.ConnectionState)

// Timing holds the fixed backoff intervals.
type Timing struct {
	// FaultBackoff follows a connection fault of a trade or diff stream.
	FaultBackoff time.Duration
	// ErrorBackoff follows any other failed connection attempt.
	ErrorBackoff time.Duration
	// RequestInterval separates two snapshot requests.
	RequestInterval time.Duration
	// FailureBackoff follows a failed snapshot request.
	FailureBackoff time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		FaultBackoff:    30 * time.Second,
		ErrorBackoff:    5 * time.Second,
		RequestInterval: 5 * time.Second,
		FailureBackoff:  5 * time.Second,
	}
}

type settings struct {
	timing    Timing
	observer  Observer
	connector Connector
	log       *logger.Log
	localIP   string
	now       func() time.Time
	delay     func(start, now time.Time) time.Duration
}

type Option func(*settings)

func WithTiming(t Timing) Option {
	return func(s *settings) {
		def := DefaultTiming()
		if t.FaultBackoff <= 0 {
			t.FaultBackoff = def.FaultBackoff
		}
		if t.ErrorBackoff <= 0 {
			t.ErrorBackoff = def.ErrorBackoff
		}
		if t.RequestInterval < 0 {
			t.RequestInterval = 0
		}
		if t.FailureBackoff < 0 {
			t.FailureBackoff = 0
		}
		s.timing = t
	}
}

func WithObserver(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

func WithDialer(d *stream.Dialer) Option {
	return func(s *settings) { s.connector = dialerConnector{dialer: d} }
}

func WithConnector(c Connector) Option {
	return func(s *settings) { s.connector = c }
}

func WithLogger(log *logger.Log) Option {
	return func(s *settings) { s.log = log }
}

// WithLocalIP tags logs and rate limit reports with the source address in use.
func WithLocalIP(ip string) Option {
	return func(s *settings) { s.localIP = ip }
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithCycleDelay replaces the hourly alignment of the snapshot poller.
func WithCycleDelay(delay func(start, now time.Time) time.Duration) Option {
	return func(s *settings) { s.delay = delay }
}

func newSettings(opts []Option) settings {
	s := settings{
		timing: DefaultTiming(),
		log:    logger.GetLogger(),
		now:    time.Now,
		delay:  cycleDelay,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.connector == nil {
		s.connector = dialerConnector{dialer: stream.NewDialer(stream.WithLogger(s.log), stream.WithLocalIP(s.localIP))}
	}
	return s
}

// waitForReconnect sleeps for delay and reports whether ctx ended first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() != nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
