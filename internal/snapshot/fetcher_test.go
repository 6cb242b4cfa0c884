package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/models"
)

type fakeSource struct {
	raw json.RawMessage
	err error
}

func (f *fakeSource) Name() string { return "bidesk" }

func (f *fakeSource) FetchDepth(ctx context.Context, pair models.TradingPair) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.raw, f.err
}

func TestFetchStampsLocalTime(t *testing.T) {
	clock := func() time.Time { return time.Unix(1_614_000_000, 500_000_000) }
	f := New(&fakeSource{raw: json.RawMessage(`{"time":1,"bids":[],"asks":[]}`)}, WithClock(clock))

	snap, err := f.Fetch(context.Background(), models.NewTradingPair("BTC", "USDT"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"time":1,"bids":[],"asks":[]}`, string(snap.Raw))
	assert.InDelta(t, 1_614_000_000.5, snap.Timestamp, 1e-6)
}

func TestFetchWrapsFailure(t *testing.T) {
	cause := errors.New("connection reset")
	f := New(&fakeSource{err: cause})

	_, err := f.Fetch(context.Background(), models.NewTradingPair("ETH", "BTC"))
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "error fetching order book for ETH-BTC at bidesk: connection reset", err.Error())
}

func TestFetchCancellationIsNotWrapped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(&fakeSource{})

	_, err := f.Fetch(ctx, models.NewTradingPair("BTC", "USDT"))
	assert.Equal(t, context.Canceled, err)
}
