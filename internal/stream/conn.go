package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketsync/logger"
)

const (
	DefaultReadTimeout      = 30 * time.Second
	DefaultProbeTimeout     = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	closeGrace              = time.Second
)

// FaultError ends a connection: idle probe failure, dial failure or a closed transport.
// Reconnecting is the caller's job.
type FaultError struct {
	Reason string
	Err    error
}

func (e *FaultError) Error() string {
	if e.Err == nil {
		return "stream fault: " + e.Reason
	}
	return fmt.Sprintf("stream fault: %s: %v", e.Reason, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// IsFault reports whether err is a connection fault.
func IsFault(err error) bool {
	var fe *FaultError
	return errors.As(err, &fe)
}

// Endpoint describes where to connect. Private streams set Session, which is called
// before dialing; its token replaces the single %s in Template.
type Endpoint struct {
	URL      string
	Session  func(ctx context.Context) (string, error)
	Template string
}

func (e Endpoint) Private() bool { return e.Session != nil }

// Dialer opens stream connections with shared timeouts.
type Dialer struct {
	dialer       *websocket.Dialer
	readTimeout  time.Duration
	probeTimeout time.Duration
	log          *logger.Log
}

type Option func(*Dialer)

func WithReadTimeout(d time.Duration) Option {
	return func(dl *Dialer) {
		if d > 0 {
			dl.readTimeout = d
		}
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(dl *Dialer) {
		if d > 0 {
			dl.probeTimeout = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(dl *Dialer) {
		if d > 0 {
			dl.dialer.HandshakeTimeout = d
		}
	}
}

// WithLocalIP binds outgoing connections to a source address.
func WithLocalIP(localIP string) Option {
	return func(dl *Dialer) {
		if ip := net.ParseIP(localIP); ip != nil {
			nd := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			dl.dialer.NetDialContext = nd.DialContext
		}
	}
}

func WithLogger(log *logger.Log) Option {
	return func(dl *Dialer) { dl.log = log }
}

func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		readTimeout:  DefaultReadTimeout,
		probeTimeout: DefaultProbeTimeout,
		log:          logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect resolves the endpoint and dials it. For private endpoints the session
// token request always happens before the websocket handshake.
func (d *Dialer) Connect(ctx context.Context, ep Endpoint) (*Conn, error) {
	target := ep.URL
	if ep.Private() {
		token, err := ep.Session(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("obtain session token: %w", err)
		}
		if token == "" {
			return nil, fmt.Errorf("obtain session token: empty token")
		}
		target = strings.Replace(ep.Template, "%s", token, 1)
	}

	ws, _, err := d.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FaultError{Reason: "dial " + redactToken(target, ep), Err: err}
	}

	id := uuid.NewString()
	c := &Conn{
		id:           id,
		ws:           ws,
		frames:       make(chan []byte),
		failed:       make(chan struct{}),
		pong:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		readTimeout:  d.readTimeout,
		probeTimeout: d.probeTimeout,
		log: d.log.WithComponent("stream_gateway").WithFields(logger.Fields{
			"session": id,
			"private": ep.Private(),
		}),
	}
	ws.SetPongHandler(func(string) error {
		select {
		case c.pong <- struct{}{}:
		default:
		}
		return nil
	})

	go c.readLoop()

	c.log.Debug("stream connected")
	return c, nil
}

func redactToken(target string, ep Endpoint) string {
	if !ep.Private() {
		return target
	}
	return strings.Replace(ep.Template, "%s", "***", 1)
}

// Conn is one live duplex connection. Messages are delivered in arrival order.
type Conn struct {
	id string
	ws *websocket.Conn

	frames chan []byte
	failed chan struct{}
	err    error
	pong   chan struct{}
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	readTimeout  time.Duration
	probeTimeout time.Duration
	log          *logger.Entry
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) readLoop() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.err = err
			close(c.failed)
			return
		}
		select {
		case c.frames <- msg:
		case <-c.done:
			return
		}
	}
}

// Send serializes v as JSON and writes it as one text frame.
func (c *Conn) Send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		return &FaultError{Reason: "write", Err: err}
	}
	return nil
}

// Receive blocks for the next message. After readTimeout without traffic a ping is
// sent; if no pong or message follows within probeTimeout the connection is faulted.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	idle := time.NewTimer(c.readTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-c.frames:
			return msg, nil
		case <-c.failed:
			return nil, c.closedFault()
		case <-c.done:
			return nil, &FaultError{Reason: "connection closed"}
		case <-idle.C:
			msg, err := c.probe(ctx)
			if err != nil || msg != nil {
				return msg, err
			}
			idle.Reset(c.readTimeout)
		}
	}
}

func (c *Conn) probe(ctx context.Context) ([]byte, error) {
	select {
	case <-c.pong:
	default:
	}

	deadline := time.Now().Add(c.probeTimeout)
	if err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
		return nil, &FaultError{Reason: "send keep-alive probe", Err: err}
	}
	c.log.Debug("idle timeout, keep-alive probe sent")

	timer := time.NewTimer(c.probeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.pong:
		return nil, nil
	case msg := <-c.frames:
		return msg, nil
	case <-c.failed:
		return nil, c.closedFault()
	case <-c.done:
		return nil, &FaultError{Reason: "connection closed"}
	case <-timer.C:
		c.log.Warn("keep-alive probe timed out")
		return nil, &FaultError{Reason: "keep-alive probe timed out"}
	}
}

func (c *Conn) closedFault() error {
	return &FaultError{Reason: "transport closed", Err: c.err}
}

// Close releases the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = c.ws.Close()
		c.log.Debug("stream closed")
	})
	return err
}
