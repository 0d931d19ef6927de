package signal

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/pfta/internal/config"
	"github.com/skalibog/pfta/pkg/logger"
	"github.com/skalibog/pfta/pkg/models"
)

// Engine принимает решение торговать или нет по текущим снимкам.
// Состояние между тиками не хранится: решение воспроизводимо из
// залогированных входов.
type Engine struct {
	cfg        config.SignalConfig
	tickerMode bool
}

// NewEngine создает новый решающий движок. В тикерном режиме сделку
// может открыть композитная оценка сама по себе; на свечном пути
// сделку открывают только технические правила.
func NewEngine(cfg config.SignalConfig, tickerMode bool) *Engine {
	return &Engine{cfg: cfg, tickerMode: tickerMode}
}

// Веса технической и сентиментной составляющих композитной оценки
const (
	technicalWeight = 0.6
	sentimentWeight = 0.4
)

// Evaluate выносит решение по паре на один тик.
// Подсказка советника может только повысить HOLD до сделки и никогда
// не перебивает направление, выбранное правилами.
func (e *Engine) Evaluate(snap models.IndicatorSnapshot, sent models.SentimentSnapshot, hint *models.AdvisorHint) models.Signal {
	rsiOversold := snap.RSI < e.cfg.RSIOversold
	rsiOverbought := snap.RSI > e.cfg.RSIOverbought
	kdjOversold := snap.StochK < e.cfg.KDJOversold && snap.StochD < e.cfg.KDJOversold
	kdjOverbought := snap.StochK > e.cfg.KDJOverbought && snap.StochD > e.cfg.KDJOverbought

	// Сила тренда: знак MarketStrength исключает одновременные BUY и SELL
	trendStrongUp := snap.MarketStrength > 0 && snap.VolumeIntensity > e.cfg.VolumeIntensityMin
	trendStrongDown := snap.MarketStrength < 0 && snap.VolumeIntensity > e.cfg.VolumeIntensityMin

	var technicalScore float64
	switch {
	case trendStrongUp && (rsiOversold || kdjOversold) && snap.PricePosition < e.cfg.PricePositionLow:
		technicalScore = 1
	case trendStrongDown && (rsiOverbought || kdjOverbought) && snap.PricePosition > e.cfg.PricePositionHigh:
		technicalScore = -1
	}

	sentimentScore := (sent.TrendStrength + sent.VolumeTrend + sent.Momentum) / 3
	composite := technicalScore*technicalWeight + sentimentScore*sentimentWeight

	sig := models.Signal{
		Symbol:    snap.Symbol,
		Timestamp: snap.Timestamp,
		Direction: models.DirectionNone,
		Components: map[string]float64{
			"technical":        technicalScore,
			"sentiment":        sentimentScore,
			"composite":        composite,
			"rsi":              snap.RSI,
			"stoch_k":          snap.StochK,
			"stoch_d":          snap.StochD,
			"price_position":   snap.PricePosition,
			"volume_intensity": snap.VolumeIntensity,
			"market_strength":  snap.MarketStrength,
		},
	}

	// На свечном пути сделку открывают технические правила, композит
	// лишь фильтрует слабые сигналы и дает уверенность; настроение само
	// по себе сделку не открывает и не разворачивает
	tradable := math.Abs(composite) > e.cfg.CompositeThreshold
	if !e.tickerMode {
		tradable = tradable && technicalScore != 0 && composite*technicalScore > 0
	}

	if tradable {
		sig.ShouldTrade = true
		sig.Confidence = math.Min(math.Abs(composite), 1)
		if composite > 0 {
			sig.Direction = models.DirectionBuy
		} else {
			sig.Direction = models.DirectionSell
		}
	}

	sig = e.applyHint(sig, hint)

	logger.Debug("Решение по паре",
		zap.String("symbol", snap.Symbol),
		zap.Time("tick", snap.Timestamp),
		zap.Bool("should_trade", sig.ShouldTrade),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("confidence", sig.Confidence),
		zap.Any("components", sig.Components))

	return sig
}

// applyHint применяет подсказку советника по правилу "только повышение"
func (e *Engine) applyHint(sig models.Signal, hint *models.AdvisorHint) models.Signal {
	if hint == nil || (hint.Direction != models.DirectionBuy && hint.Direction != models.DirectionSell) {
		return sig
	}

	if sig.ShouldTrade {
		if hint.Direction != sig.Direction {
			logger.Warn("Советник противоречит правилам, подсказка отклонена",
				zap.String("symbol", sig.Symbol),
				zap.String("rule_direction", string(sig.Direction)),
				zap.String("hint_direction", string(hint.Direction)),
				zap.Float64("hint_confidence", hint.Confidence))
		}
		return sig
	}

	if hint.Confidence < e.cfg.HintConfidenceFloor {
		return sig
	}

	sig.ShouldTrade = true
	sig.Direction = hint.Direction
	sig.Confidence = math.Min(hint.Confidence, 1)
	sig.HintApplied = true
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	logger.Info("Подсказка советника повысила HOLD до сделки",
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(hint.Direction)),
		zap.Float64("confidence", hint.Confidence),
		zap.String("rationale", hint.Rationale))

	return sig
}
