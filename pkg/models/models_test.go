package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCandleSeriesEviction(t *testing.T) {
	series := NewCandleSeries("BTC_USDT", "1m", 3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		series.Append(Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Close:    float64(100 + i),
		})
	}

	assert.Equal(t, 3, series.Len())
	assert.Equal(t, []float64{102, 103, 104}, series.Closes())
	assert.Equal(t, 104.0, series.Last().Close)
}

func TestCandleSeriesColumns(t *testing.T) {
	series := NewCandleSeries("BTC_USDT", "1m", 10)
	series.Append(Candle{Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 7})
	series.Append(Candle{Open: 1.5, High: 3, Low: 1, Close: 2.5, Volume: 9})

	assert.Equal(t, []float64{2, 3}, series.Highs())
	assert.Equal(t, []float64{0.5, 1}, series.Lows())
	assert.Equal(t, []float64{7, 9}, series.Volumes())
}

func TestNeutralSentiment(t *testing.T) {
	sent := NeutralSentiment()
	assert.Equal(t, 50.0, sent.FearGreedIndex)
	assert.Zero(t, sent.TrendStrength)
	assert.Zero(t, sent.Momentum)
}
