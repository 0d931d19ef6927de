package sentiment

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/skalibog/pfta/internal/config"
	"github.com/skalibog/pfta/pkg/models"
)

// Scorer превращает снимок индикаторов и короткую историю доходностей
// в оценку рыночного настроения. Любой сбой расчета разрешается
// нейтральным значением: настроение никогда не роняет конвейер.
type Scorer struct {
	cfg config.IndicatorConfig
}

// NewScorer создает новый анализатор настроения
func NewScorer(cfg config.IndicatorConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

const momentumLookback = 20

// Score рассчитывает настроение по серии свечей и снимку индикаторов
func (s *Scorer) Score(snap models.IndicatorSnapshot, series *models.CandleSeries) models.SentimentSnapshot {
	minLen := s.cfg.RSIPeriod + 1
	if s.cfg.VolumeMAPeriod+1 > minLen {
		minLen = s.cfg.VolumeMAPeriod + 1
	}
	if momentumLookback+1 > minLen {
		minLen = momentumLookback + 1
	}
	if series == nil || series.Len() < minLen {
		return models.NeutralSentiment()
	}

	closes := series.Closes()
	volumes := series.Volumes()
	n := len(closes)

	priceVolatility := returnsStdDev(closes, s.cfg.RSIPeriod)
	volumeChange := meanPctChange(volumes, s.cfg.RSIPeriod)

	// Индекс страха и жадности: низкая волатильность, рост объема,
	// высокий RSI и широкие полосы двигают индекс к жадности
	fearGreed := ((1-priceVolatility)*0.3 +
		volumeChange*0.2 +
		(snap.RSI/100)*0.3 +
		snap.BBWidth*0.2) * 100
	fearGreed = math.Max(0, math.Min(100, fearGreed))

	var trendStrength float64
	if snap.EMASlow != 0 {
		trendStrength = (snap.EMAFast - snap.EMASlow) / snap.EMASlow
	}

	var volumeTrend float64
	volumeMA := talib.Sma(volumes, s.cfg.VolumeMAPeriod)
	if ma := volumeMA[n-1]; ma != 0 {
		volumeTrend = (volumes[n-1] - ma) / ma
	}

	var momentum float64
	if base := closes[n-1-momentumLookback]; base != 0 {
		momentum = closes[n-1]/base - 1
	}

	return models.SentimentSnapshot{
		FearGreedIndex:  fearGreed,
		TrendStrength:   trendStrength,
		VolumeTrend:     volumeTrend,
		VolatilityLevel: priceVolatility,
		Momentum:        momentum,
	}
}

// ScoreTicker рассчитывает настроение по одному 24-часовому тикеру,
// когда истории свечей нет
func (s *Scorer) ScoreTicker(t models.TickerSnapshot) models.SentimentSnapshot {
	if t.Close <= 0 {
		return models.NeutralSentiment()
	}

	volatility := t.TrueRange / t.Close
	momentum := t.PriceChangePct / 100

	// Объем и полосы Боллинджера недоступны и входят нейтрально:
	// веса исходной формулы сохраняются, их вклад равен нулю
	fearGreed := ((1-volatility)*0.3 + (50.0/100)*0.3) * 100
	fearGreed = math.Max(0, math.Min(100, fearGreed))

	return models.SentimentSnapshot{
		FearGreedIndex:  fearGreed,
		TrendStrength:   momentum,
		VolumeTrend:     0,
		VolatilityLevel: volatility,
		Momentum:        momentum,
	}
}

// returnsStdDev стандартное отклонение процентных доходностей за окно
func returnsStdDev(closes []float64, period int) float64 {
	returns := make([]float64, 0, period)
	for i := len(closes) - period; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance)
}

// meanPctChange среднее процентное изменение за окно
func meanPctChange(vals []float64, period int) float64 {
	var sum float64
	count := 0
	for i := len(vals) - period; i < len(vals); i++ {
		if vals[i-1] == 0 {
			continue
		}
		sum += vals[i]/vals[i-1] - 1
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
