package indicator

import (
	"errors"
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/skalibog/pfta/internal/config"
	"github.com/skalibog/pfta/pkg/models"
)

// ErrInsufficientData возвращается, пока серия не накопила полное окно прогрева.
// Частичный снимок не публикуется никогда: либо полный, либо ошибка.
var ErrInsufficientData = errors.New("недостаточно свечей для расчета индикаторов")

// Engine вычисляет снимок индикаторов по канонической серии свечей.
// Чистая функция без внутреннего состояния: одинаковый вход дает
// побитово одинаковый выход.
type Engine struct {
	cfg config.IndicatorConfig
}

// NewEngine создает новый индикаторный движок
func NewEngine(cfg config.IndicatorConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Compute строит IndicatorSnapshot по последней свече серии
func (e *Engine) Compute(series *models.CandleSeries) (models.IndicatorSnapshot, error) {
	if series == nil || series.Len() < e.cfg.MinCandles {
		have := 0
		if series != nil {
			have = series.Len()
		}
		return models.IndicatorSnapshot{}, fmt.Errorf("%w: %d из %d", ErrInsufficientData, have, e.cfg.MinCandles)
	}

	closes := series.Closes()
	highs := series.Highs()
	lows := series.Lows()
	volumes := series.Volumes()
	last := series.Last()
	n := len(closes)

	rsi := rollingRSI(closes, e.cfg.RSIPeriod)
	k, d, j := kdj(highs, lows, closes, e.cfg.KDJPeriod, e.cfg.KDJSmoothK, e.cfg.KDJSmoothD)

	macd, macdSignal, _ := talib.Macd(closes, e.cfg.MACDFast, e.cfg.MACDSlow, e.cfg.MACDSignal)
	upper, middle, lower := talib.BBands(closes, e.cfg.BBPeriod, 2.0, 2.0, talib.SMA)
	atr := talib.Atr(highs, lows, closes, e.cfg.ATRPeriod)
	emaFast := talib.Ema(closes, e.cfg.EMAFast)
	emaSlow := talib.Ema(closes, e.cfg.EMASlow)
	obv := talib.Obv(closes, volumes)

	lastUpper := upper[n-1]
	lastMiddle := middle[n-1]
	lastLower := lower[n-1]
	var bbWidth float64
	if lastMiddle != 0 {
		bbWidth = (lastUpper - lastLower) / lastMiddle
	}

	// Позиция цены в дневном диапазоне: 50 при вырожденном диапазоне
	pricePosition := 50.0
	if last.High != last.Low {
		pricePosition = (last.Close - last.Low) / (last.High - last.Low) * 100
	}

	// Интенсивность объема в котируемой валюте за последнюю свечу
	volumeIntensity := last.Volume * last.Close

	// Сила рынка: знак последнего приращения цены
	var marketStrength float64
	if closes[n-1] > closes[n-2] {
		marketStrength = 1
	} else if closes[n-1] < closes[n-2] {
		marketStrength = -1
	}

	return models.IndicatorSnapshot{
		Symbol:          series.Symbol,
		Timestamp:       last.OpenTime,
		RSI:             rsi,
		StochK:          k,
		StochD:          d,
		StochJ:          j,
		MACD:            macd[n-1],
		MACDSignal:      macdSignal[n-1],
		BBUpper:         lastUpper,
		BBMiddle:        lastMiddle,
		BBLower:         lastLower,
		BBWidth:         bbWidth,
		ATR:             atr[n-1],
		EMAFast:         emaFast[n-1],
		EMASlow:         emaSlow[n-1],
		OBV:             obv[n-1],
		PricePosition:   pricePosition,
		VolumeIntensity: volumeIntensity,
		MarketStrength:  marketStrength,
		Close:           last.Close,
	}, nil
}

// FromTicker нормализует 24-часовой тикер в снимок индикаторов для
// тикерного варианта конвейера. Осцилляторы без истории нейтральны.
func (e *Engine) FromTicker(t models.TickerSnapshot) models.IndicatorSnapshot {
	pricePosition := 50.0
	if t.High != t.Low {
		pricePosition = (t.Close - t.Low) / (t.High - t.Low) * 100
	}

	var marketStrength float64
	if t.PriceChangePct > 0 {
		marketStrength = 1
	} else if t.PriceChangePct < 0 {
		marketStrength = -1
	}

	return models.IndicatorSnapshot{
		Symbol:          t.Symbol,
		Timestamp:       t.Timestamp,
		RSI:             50,
		StochK:          50,
		StochD:          50,
		StochJ:          50,
		ATR:             t.TrueRange,
		PricePosition:   pricePosition,
		VolumeIntensity: t.VolumeIntensity,
		MarketStrength:  marketStrength,
		Close:           t.Close,
	}
}

// rollingRSI рассчитывает RSI по скользящим средним приращений.
// При нулевом среднем убытке RSI насыщается в 100 - это граничное
// правило, а не деление на ноль.
func rollingRSI(closes []float64, period int) float64 {
	var gains, losses float64
	for i := len(closes) - period; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// kdj рассчитывает стохастик K/D/J с экспоненциальным сглаживанием RSV.
// RSV вырожденного плоского окна определяется как 50 (нейтраль).
func kdj(highs, lows, closes []float64, n, m1, m2 int) (float64, float64, float64) {
	k, d := 50.0, 50.0

	for i := n - 1; i < len(closes); i++ {
		lowest := lows[i]
		highest := highs[i]
		for j := i - n + 1; j <= i; j++ {
			if lows[j] < lowest {
				lowest = lows[j]
			}
			if highs[j] > highest {
				highest = highs[j]
			}
		}

		rsv := 50.0
		if highest != lowest {
			rsv = (closes[i] - lowest) / (highest - lowest) * 100
		}

		k = (k*float64(m1-1) + rsv) / float64(m1)
		d = (d*float64(m2-1) + k) / float64(m2)
	}

	return k, d, 3*k - 2*d
}
