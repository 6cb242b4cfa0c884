package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// TransportError is a non-2xx response or a connection level failure (Status 0).
type TransportError struct {
	Method string
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExchangeError is a well-formed response whose envelope reports a failure.
type ExchangeError struct {
	Exchange string
	URL      string
	Code     int64
	Msg      string
}

func (e *ExchangeError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s returned code %d with message '%s'", e.Exchange, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s %s returned code %d with message '%s'", e.Exchange, e.URL, e.Code, e.Msg)
}

// Envelope inspects a decoded 2xx body for an exchange level error.
type Envelope func(body []byte) (code int64, msg string, failed bool)

// NegativeCode fails object bodies whose numeric code is below zero.
func NegativeCode(body []byte) (int64, string, bool) {
	code, msg, ok := readEnvelope(body)
	if !ok {
		return 0, "", false
	}
	return code, msg, code < 0
}

// NonZeroCode fails object bodies carrying any code other than zero.
func NonZeroCode(body []byte) (int64, string, bool) {
	code, msg, ok := readEnvelope(body)
	if !ok {
		return 0, "", false
	}
	return code, msg, code != 0
}

func readEnvelope(body []byte) (int64, string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return 0, "", false
	}
	var env struct {
		Code    json.RawMessage `json:"code"`
		Msg     string          `json:"msg"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil || len(env.Code) == 0 {
		return 0, "", false
	}
	raw := string(bytes.Trim(env.Code, `"`))
	code, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, "", false
	}
	msg := env.Msg
	if msg == "" {
		msg = env.Message
	}
	return code, msg, true
}
