package synchronizer

import (
	"sort"
	"sync"
	"time"

	"marketsync/models"
)

// ChannelStatus is the last known state of one synchronizer.
type ChannelStatus struct {
	Exchange string    `json:"exchange"`
	Topic    string    `json:"topic"`
	State    string    `json:"state"`
	Since    time.Time `json:"since"`
	Faults   int64     `json:"faults"`
}

// StateBoard collects transitions from many synchronizers. Observe matches Observer.
type StateBoard struct {
	mu       sync.RWMutex
	channels map[string]*ChannelStatus
	now      func() time.Time
}

func NewStateBoard() *StateBoard {
	return &StateBoard{channels: make(map[string]*ChannelStatus), now: time.Now}
}

func (b *StateBoard) Observe(exchange string, topic models.Topic, state models.ConnectionState) {
	key := exchange + "/" + string(topic)
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.channels[key]
	if !ok {
		cs = &ChannelStatus{Exchange: exchange, Topic: string(topic)}
		b.channels[key] = cs
	}
	cs.State = state.String()
	cs.Since = b.now()
	if state == models.StateFaulted {
		cs.Faults++
	}
}

// Channels returns all statuses ordered by exchange and topic.
func (b *StateBoard) Channels() []ChannelStatus {
	b.mu.RLock()
	out := make([]ChannelStatus, 0, len(b.channels))
	for _, cs := range b.channels {
		out = append(out, *cs)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}

// Healthy reports whether no channel is currently faulted.
func (b *StateBoard) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, cs := range b.channels {
		if cs.State == models.StateFaulted.String() {
			return false
		}
	}
	return true
}
