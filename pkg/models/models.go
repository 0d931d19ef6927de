package models

import (
	"time"
)

// Candle представляет свечу
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// CandleSeries представляет упорядоченную серию свечей одной пары и интервала.
// Серия только пополняется, в памяти хранятся последние MaxLen свечей.
type CandleSeries struct {
	Symbol   string
	Interval string
	MaxLen   int
	Candles  []Candle
}

// NewCandleSeries создает новую серию свечей
func NewCandleSeries(symbol, interval string, maxLen int) *CandleSeries {
	return &CandleSeries{
		Symbol:   symbol,
		Interval: interval,
		MaxLen:   maxLen,
		Candles:  make([]Candle, 0, maxLen),
	}
}

// Append добавляет свечу в конец серии, вытесняя самую старую при переполнении
func (s *CandleSeries) Append(c Candle) {
	s.Candles = append(s.Candles, c)
	if s.MaxLen > 0 && len(s.Candles) > s.MaxLen {
		s.Candles = s.Candles[len(s.Candles)-s.MaxLen:]
	}
}

// Len возвращает количество свечей в серии
func (s *CandleSeries) Len() int {
	return len(s.Candles)
}

// Last возвращает последнюю свечу серии
func (s *CandleSeries) Last() Candle {
	return s.Candles[len(s.Candles)-1]
}

// Closes возвращает цены закрытия в порядке времени
func (s *CandleSeries) Closes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Close
	}
	return out
}

// Highs возвращает максимумы в порядке времени
func (s *CandleSeries) Highs() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.High
	}
	return out
}

// Lows возвращает минимумы в порядке времени
func (s *CandleSeries) Lows() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Low
	}
	return out
}

// Volumes возвращает объемы в порядке времени
func (s *CandleSeries) Volumes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Volume
	}
	return out
}

// TickerSnapshot представляет 24-часовой срез тикера.
// Производные поля вычисляются один раз при получении.
type TickerSnapshot struct {
	Symbol      string
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	QuoteVolume float64
	TradeCount  int64
	Timestamp   time.Time

	// Производные поля
	PriceChangePct  float64
	TrueRange       float64
	VolumeIntensity float64
}

// IndicatorSnapshot представляет неизменяемый срез индикаторов для пары на момент времени
type IndicatorSnapshot struct {
	Symbol    string
	Timestamp time.Time

	RSI             float64
	StochK          float64
	StochD          float64
	StochJ          float64
	MACD            float64
	MACDSignal      float64
	BBUpper         float64
	BBMiddle        float64
	BBLower         float64
	BBWidth         float64
	ATR             float64
	EMAFast         float64
	EMASlow         float64
	OBV             float64
	PricePosition   float64 // 0-100, позиция цены в диапазоне high-low
	VolumeIntensity float64
	MarketStrength  float64 // -1, 0 или 1
	Close           float64
}

// SentimentSnapshot представляет срез рыночного настроения
type SentimentSnapshot struct {
	FearGreedIndex  float64 // 0-100
	TrendStrength   float64
	VolumeTrend     float64
	VolatilityLevel float64
	Momentum        float64
}

// NeutralSentiment возвращает нейтральное настроение, используемое при нехватке данных
func NeutralSentiment() SentimentSnapshot {
	return SentimentSnapshot{FearGreedIndex: 50}
}

// Direction направление сделки
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionNone Direction = "none"
)

// Signal представляет торговое решение для пары на один тик
type Signal struct {
	Symbol      string
	Timestamp   time.Time
	ShouldTrade bool
	Direction   Direction
	Confidence  float64 // 0-1
	Components  map[string]float64
	HintApplied bool
}

// AdvisorHint представляет необязательную подсказку внешнего советника.
// Подсказка не является авторитетом: она может только повысить HOLD до сделки.
type AdvisorHint struct {
	Direction  Direction
	Confidence float64
	Rationale  string
}

// PositionSide сторона позиции
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Position представляет открытую позицию.
// Инвариант: Size >= 0, EntryPrice определена только при Size > 0.
type Position struct {
	Symbol     string
	Side       PositionSide
	Size       float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	PeakPrice  float64 // лучшая цена в пользу позиции с момента открытия
	OpenedAt   time.Time
}

// Balance представляет баланс одной монеты на счете
type Balance struct {
	Coin   string
	Free   float64
	Frozen float64
}

// OrderResult представляет подтвержденный результат размещения ордера
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	Size          float64
	Timestamp     time.Time
}
