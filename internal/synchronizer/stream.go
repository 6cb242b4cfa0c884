package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"marketsync/internal/metrics"
	"marketsync/internal/stream"
	"marketsync/logger"
	"marketsync/models"
)

// Stream keeps one (exchange, topic) subscription alive until cancelled.
type Stream struct {
	adapter Adapter
	topic   models.Topic
	sub     models.ChannelSubscription
	out     Publisher
	settings

	mu    sync.RWMutex
	state models.ConnectionState
}

func NewStream(adapter Adapter, topic models.Topic, pairs []models.TradingPair, out Publisher, opts ...Option) *Stream {
	return &Stream{
		adapter:  adapter,
		topic:    topic,
		sub:      models.NewChannelSubscription(adapter.Name(), topic, pairs),
		out:      out,
		settings: newSettings(opts),
		state:    models.StateDisconnected,
	}
}

func (s *Stream) Topic() models.Topic { return s.topic }

func (s *Stream) Subscription() models.ChannelSubscription { return s.sub }

func (s *Stream) State() models.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Stream) setState(state models.ConnectionState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if !changed {
		return
	}
	metrics.RecordState(s.adapter.Name(), s.topic, state)
	if s.observer != nil {
		s.observer(s.adapter.Name(), s.topic, state)
	}
}

// Run loops connect, subscribe and stream until ctx is cancelled, backing off after
// every failure. It only returns the cancellation error.
func (s *Stream) Run(ctx context.Context) error {
	log := s.log.WithComponent("stream_synchronizer").WithFields(logger.Fields{
		"exchange":     s.adapter.Name(),
		"topic":        string(s.topic),
		"subscription": s.sub.ID.String(),
		"pairs":        len(s.sub.TradingPairs),
	})
	if s.localIP != "" {
		log = log.WithFields(logger.Fields{"ip": s.localIP})
	}
	defer s.setState(models.StateDisconnected)

	log.Info("starting synchronizer")
	for {
		err := s.session(ctx, log)
		if ctx.Err() != nil {
			log.Info("synchronizer stopped")
			return ctx.Err()
		}

		// Transport faults wait FaultBackoff on every topic; anything else, including a
		// malformed streamed snapshot, waits ErrorBackoff.
		backoff := s.timing.ErrorBackoff
		if stream.IsFault(err) {
			backoff = s.timing.FaultBackoff
		}
		s.setState(models.StateFaulted)
		log.WithError(err).WithFields(logger.Fields{"backoff": backoff.String()}).Warn("connection faulted, reconnecting after backoff")

		if waitForReconnect(ctx, backoff) {
			log.Info("synchronizer stopped")
			return ctx.Err()
		}
		metrics.RecordReconnect(s.adapter.Name(), s.topic)
	}
}

// session runs one connection attempt. The connection is closed on every exit path.
func (s *Stream) session(ctx context.Context, log *logger.Entry) error {
	s.setState(models.StateConnecting)

	ep, err := s.adapter.Endpoint(s.topic)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}
	conn, err := s.connector.Connect(ctx, ep)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg, err := s.adapter.SubscribeMessage(s.sub)
	if err != nil {
		return fmt.Errorf("build subscription: %w", err)
	}
	if err := conn.Send(msg); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.setState(models.StateSubscribed)
	log.Debug("subscribed")

	keepAlive, _ := s.adapter.(KeepAliver)
	channel := s.adapter.Name() + "_" + string(s.topic)

	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		if s.State() == models.StateSubscribed {
			s.setState(models.StateStreaming)
		}
		logger.RecordChannelMessage(channel, len(raw))

		if keepAlive != nil {
			if reply, ok := keepAlive.KeepAlive(raw); ok {
				if err := conn.Send(reply); err != nil {
					return err
				}
				continue
			}
		}

		topic, ok := s.adapter.MessageTopic(raw)
		if !ok || topic != s.topic {
			continue
		}

		events, err := s.adapter.Decode(topic, raw)
		if err != nil {
			if s.topic == models.TopicSnapshot {
				return err
			}
			var de *models.DecodeError
			reason := err.Error()
			if errors.As(err, &de) {
				reason = de.Err.Error()
			}
			log.WithError(err).Warn("dropping malformed message")
			metrics.EmitDropMetric(s.log, s.adapter.Name(), s.topic, reason)
			continue
		}

		for _, ev := range events {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.out.Put(ev)
			metrics.RecordEvent(s.adapter.Name(), s.topic)
		}
	}
}
