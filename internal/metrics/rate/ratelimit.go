package rate

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"

	"marketsync/internal/rest"
	"marketsync/logger"
)

// ReportRateLimitExceeded records a rate limit hit for the exchange and data type.
func ReportRateLimitExceeded(log *logger.Log, exchange, pair, ip, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(exchange), strings.ToLower(dataType))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange":     strings.ToLower(exchange),
		"trading_pair": pair,
		"ip":           ip,
		"type":         strings.ToLower(dataType),
	}
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan records an IP ban. until is zero when the exchange did not say.
func ReportIPBan(log *logger.Log, exchange, pair, ip, dataType string, until time.Time) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(exchange), strings.ToLower(dataType))
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange":     strings.ToLower(exchange),
		"trading_pair": pair,
		"ip":           ip,
		"type":         strings.ToLower(dataType),
	}
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	if !until.IsZero() {
		fields["banned_until"] = until.UTC().Format(time.RFC3339)
	}
	l.WithFields(fields).Error("ip banned")
}

// detectLimit decides from an exchange message whether it signals a rate limit or
// an IP ban. The wording differs per exchange.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit"))
	case "bidesk":
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "ban") || strings.Contains(lowerMsg, "forbidden"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "too many") || strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "request limit"))
	case "bitmax":
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "throttl"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records rate limit or ban metrics when msg matches the
// exchange wording. It reports which one was found.
func ReportLimitFromMessage(log *logger.Log, exchange, pair, ip, dataType, msg string) (rateLimit bool, ipBan bool) {
	rateLimit, ipBan = detectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, pair, ip, dataType)
	}
	if ipBan {
		ReportIPBan(log, exchange, pair, ip, dataType, banUntil(msg))
	}
	return
}

// ReportLimitFromError inspects a request error. HTTP 429 is a rate limit and 418
// an IP ban regardless of the message; otherwise the message text decides.
func ReportLimitFromError(log *logger.Log, exchange, pair, ip, dataType string, err error) (rateLimit bool, ipBan bool) {
	if err == nil {
		return false, false
	}

	var te *rest.TransportError
	if errors.As(err, &te) {
		switch te.Status {
		case http.StatusTooManyRequests:
			ReportRateLimitExceeded(log, exchange, pair, ip, dataType)
			return true, false
		case http.StatusTeapot:
			ReportIPBan(log, exchange, pair, ip, dataType, banUntil(te.Body))
			return false, true
		}
		return ReportLimitFromMessage(log, exchange, pair, ip, dataType, te.Body)
	}

	var ee *rest.ExchangeError
	if errors.As(err, &ee) {
		return ReportLimitFromMessage(log, exchange, pair, ip, dataType, ee.Msg)
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return ReportLimitFromMessage(log, exchange, pair, ip, dataType, apiErr.Message)
	}

	return ReportLimitFromMessage(log, exchange, pair, ip, dataType, err.Error())
}

// banUntil reads a millisecond timestamp such as "IP banned until 1614000000000".
func banUntil(msg string) time.Time {
	for _, n := range extractInts(msg) {
		// plausible epoch milliseconds only
		if n > 1_000_000_000_000 && n < 10_000_000_000_000 {
			return time.UnixMilli(n)
		}
	}
	return time.Time{}
}

func extractInts(s string) []int64 {
	var nums []int64
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r < '0' || r > '9' }) {
		if n, err := strconv.ParseInt(field, 10, 64); err == nil {
			nums = append(nums, n)
		}
	}
	return nums
}
