package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"marketsync/internal/auth"
	"marketsync/logger"
)

const defaultTimeout = 10 * time.Second

// Gateway issues anonymous or signed JSON requests against one exchange.
// It never retries; callers own the retry policy.
type Gateway struct {
	exchange    string
	baseURL     string
	client      *resty.Client
	signer      *auth.Signer
	envelope    Envelope
	limiter     *rate.Limiter
	contentType string
	log         *logger.Log
}

type Option func(*Gateway)

func WithSigner(s *auth.Signer) Option {
	return func(g *Gateway) { g.signer = s }
}

func WithEnvelope(e Envelope) Option {
	return func(g *Gateway) { g.envelope = e }
}

// WithRateLimit throttles outgoing requests. A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(g *Gateway) { g.client = resty.NewWithClient(hc) }
}

func WithContentType(ct string) Option {
	return func(g *Gateway) { g.contentType = ct }
}

func WithLogger(log *logger.Log) Option {
	return func(g *Gateway) { g.log = log }
}

func New(exchange, baseURL string, opts ...Option) *Gateway {
	g := &Gateway{
		exchange: exchange,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   resty.New().SetTimeout(defaultTimeout),
		log:      logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewHTTPClient builds a pooled client optionally bound to a local source IP.
func NewHTTPClient(timeout time.Duration, maxIdleConns, maxConnsPerHost int, localIP string) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		MaxConnsPerHost:     maxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			transport.DialContext = dialer.DialContext
		}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

func (g *Gateway) Exchange() string { return g.exchange }

func (g *Gateway) Get(ctx context.Context, path string, params url.Values, signed bool) (json.RawMessage, error) {
	return g.Request(ctx, http.MethodGet, path, params, signed)
}

func (g *Gateway) Post(ctx context.Context, path string, params url.Values, signed bool) (json.RawMessage, error) {
	return g.Request(ctx, http.MethodPost, path, params, signed)
}

// GetJSON decodes the body into out.
func (g *Gateway) GetJSON(ctx context.Context, path string, params url.Values, signed bool, out interface{}) error {
	body, err := g.Get(ctx, path, params, signed)
	if err != nil {
		return err
	}
	return decode(body, out)
}

func (g *Gateway) PostJSON(ctx context.Context, path string, params url.Values, signed bool, out interface{}) error {
	body, err := g.Post(ctx, path, params, signed)
	if err != nil {
		return err
	}
	return decode(body, out)
}

// Request sends one request and returns the raw JSON body of a 2xx response that
// passed the envelope check.
func (g *Gateway) Request(ctx context.Context, method, path string, params url.Values, signed bool) (json.RawMessage, error) {
	if signed && g.signer == nil {
		return nil, fmt.Errorf("%s %s: signed request without credentials", method, path)
	}

	var query string
	if signed {
		query = g.signer.SignQuery(params)
	} else if len(params) > 0 {
		query = params.Encode()
	}

	target := g.baseURL + path
	if query != "" {
		target += "?" + query
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req := g.client.R().SetContext(ctx).SetHeader("Accept", "application/json")
	if g.contentType != "" {
		req.SetHeader("Content-Type", g.contentType)
	}
	if signed {
		req.SetHeaders(g.signer.Headers())
	}

	log := g.log.WithComponent("rest_gateway").WithFields(logger.Fields{
		"exchange": g.exchange,
		"method":   method,
		"path":     path,
	})
	log.Debug("requesting")

	start := time.Now()
	resp, err := req.Execute(method, target)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Method: method, URL: redact(target), Err: err}
	}

	status := resp.StatusCode()
	body := resp.Body()
	logger.LogPerformanceEntry(log, "rest_gateway", "request", time.Since(start), logger.Fields{"status": status})

	if status < 200 || status >= 300 {
		return nil, &TransportError{Method: method, URL: redact(target), Status: status, Body: truncate(string(body), 256)}
	}

	if g.envelope != nil {
		if code, msg, failed := g.envelope(body); failed {
			return nil, &ExchangeError{Exchange: g.exchange, URL: redact(target), Code: code, Msg: msg}
		}
	}

	return json.RawMessage(body), nil
}

func decode(body []byte, out interface{}) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// redact drops the signature from URLs that end up in errors and logs.
func redact(target string) string {
	if i := strings.Index(target, "&signature="); i >= 0 {
		return target[:i] + "&signature=***"
	}
	return target
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
