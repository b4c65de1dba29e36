package models

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSymbol(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"btc/usdt", "BTC/USDT", false},
		{"  Eth/Usdc ", "ETH/USDC", false},
		{"1INCH/USDT", "1INCH/USDT", false},
		{"", "", true},
		{"BTCUSDT", "", true},
		{"BTC/", "", true},
		{"/USDT", "", true},
		{"BTC/USDT/EUR", "", true},
		{"BTC-USDT", "", true},
		{"BT C/USDT", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CanonicalSymbol(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidSymbol))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitAndJoinSymbol(t *testing.T) {
	base, quote, err := SplitSymbol("sol/usdt")
	require.NoError(t, err)
	assert.Equal(t, "SOL", base)
	assert.Equal(t, "USDT", quote)
	assert.Equal(t, "SOL/USDT", JoinSymbol("sol", " usdt"))
}

func TestTickerStaleness(t *testing.T) {
	now := time.Now()
	fresh := &Ticker{Symbol: "BTC/USDT", Price: decimal.NewFromInt(1), Timestamp: now.Add(-30 * time.Second), Status: TickerActive}
	old := &Ticker{Symbol: "BTC/USDT", Price: decimal.NewFromInt(1), Timestamp: now.Add(-5 * time.Minute), Status: TickerActive}

	assert.Equal(t, TickerActive, fresh.WithStaleness(2*time.Minute, now).Status)

	stale := old.WithStaleness(2*time.Minute, now)
	assert.Equal(t, TickerStale, stale.Status)
	assert.Equal(t, TickerActive, old.Status, "original must not be mutated")

	assert.Equal(t, TickerActive, old.WithStaleness(0, now).Status)

	errTicker := NewErrorTicker("binance", "BTC/USDT", ErrorKindUpstreamTimeout, "timeout")
	assert.True(t, errTicker.IsError())
	assert.True(t, errTicker.Price.IsZero())
	assert.Same(t, errTicker, errTicker.WithStaleness(time.Nanosecond, now.Add(time.Hour)))
}

func TestPercentChange(t *testing.T) {
	pct := PercentChange(decimal.NewFromInt(110), decimal.NewFromInt(100))
	require.NotNil(t, pct)
	assert.True(t, pct.Equal(decimal.NewFromInt(10)))
	assert.Nil(t, PercentChange(decimal.NewFromInt(1), decimal.Zero))
	assert.Nil(t, DecimalPtr("not-a-number"))
	assert.Nil(t, DecimalPtr(""))
}
