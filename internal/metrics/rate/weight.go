package rate

import (
	"context"
	"net/http"
	"strconv"

	"github.com/adshao/go-binance/v2"

	"marketsync/logger"
)

var usedWeightHeaders = []struct {
	key    string
	window string
}{
	{"X-MBX-USED-WEIGHT-1M", "1m"},
	{"X-MBX-USED-WEIGHT", "1m"},
	{"X-MBX-USED-WEIGHT-1S", "1s"},
}

// ReportUsedWeight emits the binance used-weight gauge from response headers. It
// returns the parsed weight and whether a header was found.
func ReportUsedWeight(log *logger.Log, header http.Header, component, ip string) (float64, bool) {
	if log == nil || header == nil {
		return 0, false
	}
	for _, h := range usedWeightHeaders {
		value := header.Get(h.key)
		if value == "" {
			continue
		}
		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithComponent(component).WithFields(logger.Fields{
				"header": h.key,
				"value":  value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}
		fields := logger.Fields{"exchange": "binance", "window": h.window}
		if ip != "" {
			fields["ip"] = ip
		}
		log.LogMetric(component, "used_weight", used, "gauge", fields)
		return used, true
	}
	return 0, false
}

// WeightTransport reports binance used weight for every response it carries.
type WeightTransport struct {
	Base      http.RoundTripper
	Log       *logger.Log
	Component string
	IP        string
}

func (t *WeightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	ReportUsedWeight(t.Log, resp.Header, t.Component, t.IP)
	return resp, nil
}

// FetchRequestWeightLimit returns the REQUEST_WEIGHT per minute limit, or 0 when
// exchange info does not list one.
func FetchRequestWeightLimit(ctx context.Context, client *binance.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}
