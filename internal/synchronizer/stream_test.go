package synchronizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/stream"
	"marketsync/models"
)

// recorder is an output queue that remembers every event.
type recorder struct {
	mu     sync.Mutex
	events []models.OrderBookEvent
}

func (r *recorder) Put(ev models.OrderBookEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) Events() []models.OrderBookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.OrderBookEvent, len(r.events))
	copy(out, r.events)
	return out
}

// testAdapter speaks a tiny protocol: {"topic":"diff","id":1} and {"ping":1}.
type testAdapter struct{}

type testMessage struct {
	Topic string `json:"topic"`
	ID    int64  `json:"id"`
	Bad   bool   `json:"bad"`
	Ping  int64  `json:"ping"`
}

func (testAdapter) Name() string { return "testex" }

func (testAdapter) Endpoint(models.Topic) (stream.Endpoint, error) {
	return stream.Endpoint{URL: "ws://test"}, nil
}

func (testAdapter) SubscribeMessage(sub models.ChannelSubscription) (interface{}, error) {
	symbols := make([]string, len(sub.TradingPairs))
	for i, p := range sub.TradingPairs {
		symbols[i] = p.Base + p.Quote
	}
	return map[string]string{"topic": string(sub.Topic), "symbol": strings.Join(symbols, ",")}, nil
}

func (testAdapter) MessageTopic(raw []byte) (models.Topic, bool) {
	var m testMessage
	if err := json.Unmarshal(raw, &m); err != nil || m.Topic == "" {
		return "", false
	}
	return models.Topic(m.Topic), true
}

func (testAdapter) Decode(topic models.Topic, raw []byte) ([]models.OrderBookEvent, error) {
	var m testMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, models.NewDecodeError("testex", topic.EventType(), "%v", err)
	}
	if m.Bad {
		return nil, models.NewDecodeError("testex", topic.EventType(), "missing levels")
	}
	pair := models.NewTradingPair("BTC", "USDT")
	if topic == models.TopicTrade {
		return []models.OrderBookEvent{models.NewTradeEvent("testex", pair, 1, m.ID, decimal.Zero, decimal.Zero, models.SideBuy, "")}, nil
	}
	return []models.OrderBookEvent{{Type: topic.EventType(), Exchange: "testex", TradingPair: pair, UpdateID: m.ID}}, nil
}

type pingAdapter struct{ testAdapter }

func (pingAdapter) KeepAlive(raw []byte) (interface{}, bool) {
	var m testMessage
	if json.Unmarshal(raw, &m) == nil && m.Ping != 0 {
		return map[string]int64{"pong": m.Ping}, true
	}
	return nil, false
}

// fakeConn delivers scripted frames. When frames is closed the transport faults.
type fakeConn struct {
	frames chan []byte
	sent   chan interface{}
	once   sync.Once
	closed chan struct{}
}

func newFakeConn(msgs []string, keepOpen bool) *fakeConn {
	c := &fakeConn{
		frames: make(chan []byte, len(msgs)),
		sent:   make(chan interface{}, 16),
		closed: make(chan struct{}),
	}
	for _, m := range msgs {
		c.frames <- []byte(m)
	}
	if !keepOpen {
		close(c.frames)
	}
	return c
}

func (c *fakeConn) Send(v interface{}) error {
	select {
	case c.sent <- v:
	default:
	}
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, &stream.FaultError{Reason: "connection closed"}
	case msg, ok := <-c.frames:
		if !ok {
			return nil, &stream.FaultError{Reason: "transport closed"}
		}
		return msg, nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeConnector hands out conns produced by next and records connect times.
type fakeConnector struct {
	mu       sync.Mutex
	next     func(n int) (*fakeConn, error)
	connects []time.Time
	conns    []*fakeConn
}

func (f *fakeConnector) Connect(ctx context.Context, ep stream.Endpoint) (Conn, error) {
	f.mu.Lock()
	n := len(f.connects)
	f.connects = append(f.connects, time.Now())
	f.mu.Unlock()

	conn, err := f.next(n)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeConnector) Connects() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.connects...)
}

func (f *fakeConnector) Conns() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

type stateLog struct {
	mu     sync.Mutex
	states []models.ConnectionState
}

func (s *stateLog) observe(_ string, _ models.Topic, st models.ConnectionState) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateLog) States() []models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConnectionState(nil), s.states...)
}

func (s *stateLog) Count(st models.ConnectionState) int {
	n := 0
	for _, v := range s.States() {
		if v == st {
			n++
		}
	}
	return n
}

var testPairs = []models.TradingPair{
	models.NewTradingPair("BTC", "USDT"),
	models.NewTradingPair("ETH", "USDT"),
	models.NewTradingPair("ETH", "BTC"),
}

func fastTiming() Timing {
	return Timing{
		FaultBackoff:    60 * time.Millisecond,
		ErrorBackoff:    20 * time.Millisecond,
		RequestInterval: time.Millisecond,
		FailureBackoff:  time.Millisecond,
	}
}

func runAsync(ctx context.Context, s interface{ Run(context.Context) error }) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func TestReconnectWaitsForBackoffAndResubscribes(t *testing.T) {
	connector := &fakeConnector{next: func(int) (*fakeConn, error) {
		return newFakeConn(nil, false), nil
	}}
	states := &stateLog{}
	out := &recorder{}
	s := NewStream(testAdapter{}, models.TopicDiff, testPairs, out,
		WithConnector(connector), WithTiming(fastTiming()), WithObserver(states.observe))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return len(connector.Connects()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	connects := connector.Connects()
	for i := 1; i < len(connects); i++ {
		gap := connects[i].Sub(connects[i-1])
		assert.GreaterOrEqual(t, gap, 55*time.Millisecond, "reconnect %d happened after %v", i, gap)
	}

	for _, conn := range connector.Conns() {
		select {
		case msg := <-conn.sent:
			sub := msg.(map[string]string)
			assert.Equal(t, "diff", sub["topic"])
			assert.Equal(t, "BTCUSDT,ETHUSDT,ETHBTC", sub["symbol"])
		default:
			t.Fatalf("connection without subscription message")
		}
	}

	got := states.States()
	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, []models.ConnectionState{
		models.StateConnecting, models.StateSubscribed, models.StateFaulted, models.StateConnecting,
	}, got[:4])
	assert.Equal(t, models.StateDisconnected, got[len(got)-1])
	assert.Equal(t, models.StateDisconnected, s.State())
	assert.Empty(t, out.Events())
}

func TestConnectErrorUsesErrorBackoff(t *testing.T) {
	timing := fastTiming()
	timing.FaultBackoff = time.Hour
	connector := &fakeConnector{next: func(int) (*fakeConn, error) {
		return nil, errors.New("obtain session token: unauthorized")
	}}
	s := NewStream(testAdapter{}, models.TopicTrade, testPairs, &recorder{},
		WithConnector(connector), WithTiming(timing))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)
	require.Eventually(t, func() bool { return len(connector.Connects()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMalformedDiffMessagesAreDropped(t *testing.T) {
	var msgs []string
	for i := 1; i <= 10; i++ {
		msgs = append(msgs, `{"topic":"diff","id":`+itoa(i)+`}`)
		if i == 3 || i == 7 {
			msgs = append(msgs, `{"topic":"diff","bad":true}`)
		}
	}
	connector := &fakeConnector{next: func(int) (*fakeConn, error) {
		return newFakeConn(msgs, true), nil
	}}
	states := &stateLog{}
	out := &recorder{}
	s := NewStream(testAdapter{}, models.TopicDiff, testPairs, out,
		WithConnector(connector), WithTiming(fastTiming()), WithObserver(states.observe))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return len(out.Events()) == 10 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	events := out.Events()
	require.Len(t, events, 10)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.UpdateID)
		assert.Equal(t, models.EventDiff, ev.Type)
	}
	assert.Len(t, connector.Connects(), 1)
	assert.Zero(t, states.Count(models.StateFaulted))
}

func TestMalformedStreamedSnapshotFaultsConnection(t *testing.T) {
	timing := fastTiming()
	timing.FaultBackoff = time.Hour
	connector := &fakeConnector{next: func(n int) (*fakeConn, error) {
		return newFakeConn([]string{`{"topic":"snapshot","bad":true}`}, true), nil
	}}
	states := &stateLog{}
	out := &recorder{}
	s := NewStream(testAdapter{}, models.TopicSnapshot, testPairs, out,
		WithConnector(connector), WithTiming(timing), WithObserver(states.observe))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return len(connector.Connects()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Empty(t, out.Events())
	assert.GreaterOrEqual(t, states.Count(models.StateFaulted), 1)
}

func TestSnapshotStreamFaultUsesFaultBackoff(t *testing.T) {
	timing := fastTiming()
	timing.FaultBackoff = time.Hour
	connector := &fakeConnector{next: func(int) (*fakeConn, error) {
		return newFakeConn([]string{`{"topic":"snapshot","id":1}`}, false), nil
	}}
	out := &recorder{}
	s := NewStream(testAdapter{}, models.TopicSnapshot, testPairs, out,
		WithConnector(connector), WithTiming(timing))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return s.State() == models.StateFaulted }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Len(t, connector.Connects(), 1, "a closed snapshot stream must wait the fault backoff")
	assert.Len(t, out.Events(), 1)
}

func TestCancellationDuringBackoff(t *testing.T) {
	timing := fastTiming()
	timing.FaultBackoff = time.Hour
	connector := &fakeConnector{next: func(int) (*fakeConn, error) {
		return newFakeConn([]string{`{"topic":"trade","id":1}`}, false), nil
	}}
	states := &stateLog{}
	out := &recorder{}
	s := NewStream(testAdapter{}, models.TopicTrade, testPairs, out,
		WithConnector(connector), WithTiming(timing), WithObserver(states.observe))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	require.Eventually(t, func() bool { return s.State() == models.StateFaulted }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("synchronizer did not stop during backoff")
	}

	assert.Len(t, connector.Connects(), 1)
	assert.Len(t, out.Events(), 1)
	assert.Equal(t, 1, states.Count(models.StateConnecting))
	assert.Equal(t, models.StateDisconnected, s.State())
}

func TestCancellationDuringReceive(t *testing.T) {
	connector := &fakeConnector{next: func(int) (*fakeConn, error) {
		return newFakeConn([]string{`{"topic":"diff","id":1}`}, true), nil
	}}
	out := &recorder{}
	s := NewStream(testAdapter{}, models.TopicDiff, testPairs, out,
		WithConnector(connector), WithTiming(fastTiming()))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)
	require.Eventually(t, func() bool { return len(out.Events()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("synchronizer did not stop while receiving")
	}

	conns := connector.Conns()
	require.Len(t, conns, 1)
	select {
	case <-conns[0].closed:
	default:
		t.Fatalf("connection left open after cancellation")
	}
	assert.Len(t, out.Events(), 1)
}

func TestTopicFiltering(t *testing.T) {
	msgs := []string{
		`{"topic":"trade","id":1}`,
		`{"topic":"diff","id":2}`,
		`{"event":"sub","code":0}`,
		`{"topic":"trade","id":3}`,
		`{"topic":"diff","id":4}`,
	}
	connector := &fakeConnector{next: func(int) (*fakeConn, error) {
		return newFakeConn(msgs, true), nil
	}}
	out := &recorder{}
	s := NewStream(testAdapter{}, models.TopicDiff, testPairs, out,
		WithConnector(connector), WithTiming(fastTiming()))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)
	require.Eventually(t, func() bool { return len(out.Events()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	events := out.Events()
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].UpdateID)
	assert.Equal(t, int64(4), events[1].UpdateID)
}

func TestKeepAliveReply(t *testing.T) {
	connector := &fakeConnector{next: func(int) (*fakeConn, error) {
		return newFakeConn([]string{`{"ping":42}`, `{"topic":"diff","id":1}`}, true), nil
	}}
	out := &recorder{}
	s := NewStream(pingAdapter{}, models.TopicDiff, testPairs, out,
		WithConnector(connector), WithTiming(fastTiming()))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)
	require.Eventually(t, func() bool { return len(out.Events()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	conn := connector.Conns()[0]
	<-conn.sent // subscription
	select {
	case reply := <-conn.sent:
		assert.Equal(t, map[string]int64{"pong": 42}, reply)
	default:
		t.Fatalf("no keep-alive reply sent")
	}
}

func TestStreamOverWebsocket(t *testing.T) {
	var mu sync.Mutex
	var subscriptions []string
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		mu.Lock()
		subscriptions = append(subscriptions, string(sub))
		mu.Unlock()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"trade","id":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"trade","id":2}`))
		conn.ReadMessage()
	}))
	defer server.Close()

	adapter := wsAdapter{url: "ws" + strings.TrimPrefix(server.URL, "http")}
	out := &recorder{}
	s := NewStream(adapter, models.TopicTrade, testPairs[:1], out,
		WithDialer(stream.NewDialer()), WithTiming(fastTiming()))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)
	require.Eventually(t, func() bool { return len(out.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, subscriptions, 1)
	assert.JSONEq(t, `{"topic":"trade","symbol":"BTCUSDT"}`, subscriptions[0])
	assert.Equal(t, models.EventTrade, out.Events()[0].Type)
}

type wsAdapter struct {
	testAdapter
	url string
}

func (a wsAdapter) Endpoint(models.Topic) (stream.Endpoint, error) {
	return stream.Endpoint{URL: a.url}, nil
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
