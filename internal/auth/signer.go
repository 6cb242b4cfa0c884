package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

const (
	// APIKeyHeader carries the account key on signed requests.
	APIKeyHeader = "X-BH-APIKEY"
	// DefaultRecvWindow is the validity window in milliseconds sent with every signed request.
	DefaultRecvWindow = 5000
)

// Signer produces HMAC-SHA256 signed query strings.
type Signer struct {
	apiKey     string
	secret     string
	recvWindow int
	now        func() time.Time
}

type Option func(*Signer)

func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

func WithRecvWindow(ms int) Option {
	return func(s *Signer) { s.recvWindow = ms }
}

func NewSigner(apiKey, secret string, opts ...Option) *Signer {
	s := &Signer{
		apiKey:     apiKey,
		secret:     secret,
		recvWindow: DefaultRecvWindow,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Signer) APIKey() string { return s.apiKey }

// Headers returns the headers a signed request must carry.
func (s *Signer) Headers() map[string]string {
	return map[string]string{APIKeyHeader: s.apiKey}
}

// SignQuery adds timestamp and recvWindow to a copy of params, encodes it and
// appends the hex signature of the encoded string as the last parameter.
func (s *Signer) SignQuery(params url.Values) string {
	signed := url.Values{}
	for k, vs := range params {
		signed[k] = append([]string(nil), vs...)
	}
	signed.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	signed.Set("recvWindow", strconv.Itoa(s.recvWindow))

	payload := signed.Encode()
	return payload + "&signature=" + Sign(s.secret, payload)
}

// Sign returns the hex HMAC-SHA256 of payload keyed by secret.
func Sign(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}
