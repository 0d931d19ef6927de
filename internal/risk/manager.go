package risk

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/pfta/internal/config"
	"github.com/skalibog/pfta/pkg/logger"
	"github.com/skalibog/pfta/pkg/models"
)

// Manager владеет таблицей позиций и дневным накопителем PnL.
// Оба изменяются только после подтвержденного ответа шлюза,
// никогда до отправки ордера.
type Manager struct {
	cfg       config.RiskConfig
	riskLevel string

	mu        sync.Mutex
	positions map[string]*models.Position
	dailyPnL  float64
	day       time.Time
	halted    bool

	now func() time.Time
}

// Границы множителей размера позиции и правила добора/сокращения
const (
	factorMin = 0.5
	factorMax = 1.5

	addAdverseLimit  = 0.02
	reduceLossPct    = 0.02
	reduceProfitPct  = 0.05
	drawdownFraction = 0.30
)

// NewManager создает новый менеджер риска. Текущие сутки фиксируются
// лениво при первой проверке, чтобы границу дня определяли те же часы,
// что и остальные вызовы.
func NewManager(cfg config.RiskConfig, riskLevel string) *Manager {
	return &Manager{
		cfg:       cfg,
		riskLevel: riskLevel,
		positions: make(map[string]*models.Position),
		now:       time.Now,
	}
}

// levelMultiplier масштабирует базовую долю капитала по уровню риска
func (m *Manager) levelMultiplier() float64 {
	switch m.riskLevel {
	case "conservative":
		return 0.5
	case "aggressive":
		return 1.5
	default:
		return 1.0
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// SentimentFactor рассчитывает множитель настроения в границах [0.5, 1.5]
func SentimentFactor(sent models.SentimentSnapshot) float64 {
	fearGreedImpact := 1 + (sent.FearGreedIndex-50)/100
	trendImpact := 1 + sent.TrendStrength*0.5
	volumeImpact := 1 + sent.VolumeTrend*0.3
	return clamp((fearGreedImpact+trendImpact+volumeImpact)/3, factorMin, factorMax)
}

// VolatilityFactor уменьшает размер при растущей волатильности
func VolatilityFactor(volatility float64) float64 {
	if volatility < 0 {
		volatility = 0
	}
	return clamp(1/(1+volatility*5), factorMin, factorMax)
}

// TrendFactor увеличивает размер при выраженном тренде
func TrendFactor(trendStrength float64) float64 {
	return clamp(1+math.Abs(trendStrength)*0.5, factorMin, factorMax)
}

// ComputeSize применяет множители к базовому размеру и ограничивает
// результат максимальной долей капитала
func ComputeSize(basePosition, sentimentFactor, volatilityFactor, trendFactor, maxPosition float64) float64 {
	if basePosition <= 0 || maxPosition <= 0 {
		return 0
	}
	size := basePosition * sentimentFactor * volatilityFactor * trendFactor
	return math.Min(size, maxPosition)
}

// PositionSize рассчитывает размер позиции в котируемой валюте.
// Нулевой или отрицательный результат - ожидаемый исход консервативного
// сайзинга, а не ошибка.
func (m *Manager) PositionSize(equity float64, sent models.SentimentSnapshot) float64 {
	base := equity * m.cfg.BasePositionFraction * m.levelMultiplier()
	maxPosition := equity * m.cfg.MaxPositionFraction
	return ComputeSize(
		base,
		SentimentFactor(sent),
		VolatilityFactor(sent.VolatilityLevel),
		TrendFactor(sent.TrendStrength),
		maxPosition,
	)
}

// Targets рассчитывает динамические уровни тейк-профита и стоп-лосса.
// Уверенность расширяет тейк и поджимает стоп.
func (m *Manager) Targets(price, confidence float64, side models.PositionSide) (takeProfit, stopLoss float64) {
	tpRatio := m.cfg.BaseTakeProfitPct * (1 + confidence)
	slRatio := m.cfg.BaseStopLossPct * (1 - confidence*0.5)

	if side == models.SideShort {
		return price * (1 - tpRatio), price * (1 + slRatio)
	}
	return price * (1 + tpRatio), price * (1 - slRatio)
}

// RecordOpen фиксирует открытие или добор позиции после подтверждения биржи
func (m *Manager) RecordOpen(symbol string, side models.PositionSide, size, entryPrice, stopLoss, takeProfit float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos, ok := m.positions[symbol]; ok && pos.Side == side {
		// Добор: средневзвешенная цена входа
		total := pos.Size + size
		pos.EntryPrice = (pos.EntryPrice*pos.Size + entryPrice*size) / total
		pos.Size = total
		return
	}

	m.positions[symbol] = &models.Position{
		Symbol:     symbol,
		Side:       side,
		Size:       size,
		EntryPrice: entryPrice,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		PeakPrice:  entryPrice,
		OpenedAt:   m.now(),
	}
}

// RecordClose фиксирует закрытие позиции и возвращает реализованный PnL.
// Пробой дневного лимита убытка останавливает новые входы до конца дня.
func (m *Manager) RecordClose(symbol string, exitPrice float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return 0
	}
	delete(m.positions, symbol)

	pnl := realizedPnL(pos, exitPrice)
	m.applyRealized(pnl)
	return pnl
}

// RecordReduce фиксирует частичное закрытие позиции и возвращает
// реализованный на закрытой части результат
func (m *Manager) RecordReduce(symbol string, exitPrice, fraction float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok || fraction <= 0 {
		return 0
	}
	if fraction > 1 {
		fraction = 1
	}

	closed := &models.Position{
		Side:       pos.Side,
		Size:       pos.Size * fraction,
		EntryPrice: pos.EntryPrice,
	}
	pos.Size -= closed.Size
	if pos.Size <= 0 {
		delete(m.positions, symbol)
	}

	pnl := realizedPnL(closed, exitPrice)
	m.applyRealized(pnl)
	return pnl
}

// applyRealized учитывает реализованный результат в дневной статистике.
// Пробой дневного лимита убытка останавливает новые входы до конца дня.
func (m *Manager) applyRealized(pnl float64) {
	m.dailyPnL += pnl
	if m.cfg.DailyLossLimit > 0 && m.dailyPnL <= -m.cfg.DailyLossLimit {
		m.halted = true
		logger.Warn("Дневной лимит убытка достигнут, новые входы остановлены",
			zap.Float64("daily_pnl", m.dailyPnL),
			zap.Float64("limit", m.cfg.DailyLossLimit))
	}
}

func realizedPnL(pos *models.Position, exitPrice float64) float64 {
	if pos.Side == models.SideShort {
		return (pos.EntryPrice - exitPrice) * pos.Size / pos.EntryPrice
	}
	return (exitPrice - pos.EntryPrice) * pos.Size / pos.EntryPrice
}

// unrealizedPct доля нереализованного результата относительно входа
func unrealizedPct(pos *models.Position, price float64) float64 {
	if pos.EntryPrice == 0 {
		return 0
	}
	if pos.Side == models.SideShort {
		return (pos.EntryPrice - price) / pos.EntryPrice
	}
	return (price - pos.EntryPrice) / pos.EntryPrice
}

// UpdateTrailing подтягивает трейлинг-стоп к цене.
// Стоп двигается только в пользу позиции, никогда обратно.
func (m *Manager) UpdateTrailing(symbol string, price float64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok || pos.Size <= 0 {
		return 0, false
	}

	// Обновляем пик в пользу позиции
	if pos.Side == models.SideLong && price > pos.PeakPrice {
		pos.PeakPrice = price
	}
	if pos.Side == models.SideShort && price < pos.PeakPrice {
		pos.PeakPrice = price
	}

	if pos.Side == models.SideShort {
		newStop := price * (1 + m.cfg.TrailingStopPct)
		if newStop < pos.StopLoss {
			pos.StopLoss = newStop
			return newStop, true
		}
		return pos.StopLoss, false
	}

	newStop := price * (1 - m.cfg.TrailingStopPct)
	if newStop > pos.StopLoss {
		pos.StopLoss = newStop
		return newStop, true
	}
	return pos.StopLoss, false
}

// CheckForcedClose проверяет условия принудительного закрытия:
// пробой стопа, достижение тейка или превышение максимального убытка
func (m *Manager) CheckForcedClose(symbol string, price float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok || pos.Size <= 0 {
		return false, ""
	}

	pct := unrealizedPct(pos, price)
	if pct < -m.cfg.MaxLossPct {
		return true, "max_loss"
	}

	if pos.Side == models.SideLong {
		if price <= pos.StopLoss {
			return true, "stop_loss"
		}
		if price >= pos.TakeProfit {
			return true, "take_profit"
		}
	} else {
		if price >= pos.StopLoss {
			return true, "stop_loss"
		}
		if price <= pos.TakeProfit {
			return true, "take_profit"
		}
	}

	return false, ""
}

// CanOpen сообщает, допустим ли новый вход по паре
func (m *Manager) CanOpen(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted {
		return false
	}
	_, exists := m.positions[symbol]
	return !exists
}

// CanAdd сообщает, допустим ли добор позиции: лимит размера не выбран
// и цена не ушла против входа дальше допустимого
func (m *Manager) CanAdd(symbol string, price, equity float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted {
		return false
	}
	pos, ok := m.positions[symbol]
	if !ok {
		return false
	}
	if pos.Size >= equity*m.cfg.MaxPositionFraction {
		return false
	}

	return unrealizedPct(pos, price) >= -addAdverseLimit
}

// ShouldReduce сообщает о принудительном сокращении: убыток за порогом
// либо защита прибыли при глубоком откате от пика
func (m *Manager) ShouldReduce(symbol string, price float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok || pos.Size <= 0 {
		return false, ""
	}

	pct := unrealizedPct(pos, price)
	if pct <= -reduceLossPct {
		return true, "loss_limit"
	}

	if pct >= reduceProfitPct {
		peakGain := math.Abs(pos.PeakPrice - pos.EntryPrice)
		if peakGain > 0 {
			currentGain := pos.PeakPrice - price
			if pos.Side == models.SideShort {
				currentGain = price - pos.PeakPrice
			}
			if currentGain/peakGain >= drawdownFraction {
				return true, "profit_protection"
			}
		}
	}

	return false, ""
}

// EntriesHalted сообщает, остановлены ли новые входы дневным лимитом
func (m *Manager) EntriesHalted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// DailyPnL возвращает накопленный дневной результат
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL
}

// MaybeResetDaily сбрасывает дневную статистику при смене суток UTC
func (m *Manager) MaybeResetDaily(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := now.UTC().Truncate(24 * time.Hour)
	if m.day.IsZero() {
		m.day = day
		return
	}
	if day.After(m.day) {
		m.day = day
		m.dailyPnL = 0
		m.halted = false
		logger.Info("Дневная статистика риска сброшена", zap.Time("day", day))
	}
}

// Position возвращает копию позиции по паре
func (m *Manager) Position(symbol string) (models.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// Positions возвращает копии всех открытых позиций
func (m *Manager) Positions() []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}
