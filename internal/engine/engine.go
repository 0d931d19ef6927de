package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/pfta/internal/advisor"
	"github.com/skalibog/pfta/internal/config"
	"github.com/skalibog/pfta/internal/exchange"
	"github.com/skalibog/pfta/internal/indicator"
	"github.com/skalibog/pfta/internal/risk"
	"github.com/skalibog/pfta/internal/sentiment"
	"github.com/skalibog/pfta/internal/signal"
	"github.com/skalibog/pfta/pkg/logger"
	"github.com/skalibog/pfta/pkg/models"
)

// ExchangeClient операции биржи, нужные контуру принятия решений
type ExchangeClient interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) (*models.CandleSeries, error)
	GetTickers(ctx context.Context) ([]models.TickerSnapshot, error)
	GetBalances(ctx context.Context) ([]models.Balance, error)
	PlaceOrder(ctx context.Context, symbol, side string, size float64) (*models.OrderResult, error)
}

// Observer получает решения и изменения позиций.
// Наблюдатели не влияют на контур: ядро никогда не проверяет их наличие
// ради логики.
type Observer interface {
	OnSignal(sig models.Signal)
	OnPositionChange(pos models.Position, event string, pnl float64)
}

// State явное состояние движка: ни одного глобального синглтона
type State struct {
	mu      sync.Mutex
	running bool
}

func (s *State) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// Running сообщает, работает ли цикл опроса
func (s *State) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Engine однопоточный кооперативный цикл опроса: один проход по парам
// на тик, строго последовательно. Остановка выполняется между тиками.
type Engine struct {
	cfg        *config.Config
	client     ExchangeClient
	indicators *indicator.Engine
	sentiments *sentiment.Scorer
	signals    *signal.Engine
	riskMgr    *risk.Manager
	adv        advisor.Advisor
	observers  []Observer
	state      State
	now        func() time.Time
}

// Дополнительные свечи сверх окна прогрева на случай неполных данных
const klineFetchMargin = 20

// New создает движок. Советник может быть nil: ядро обязано корректно
// работать без него.
func New(cfg *config.Config, client ExchangeClient, riskMgr *risk.Manager, adv advisor.Advisor, observers ...Observer) *Engine {
	return &Engine{
		cfg:        cfg,
		client:     client,
		indicators: indicator.NewEngine(cfg.Analysis.Indicator),
		sentiments: sentiment.NewScorer(cfg.Analysis.Indicator),
		signals:    signal.NewEngine(cfg.Analysis.Signal, cfg.Trading.TickerMode),
		riskMgr:    riskMgr,
		adv:        adv,
		observers:  observers,
		now:        time.Now,
	}
}

// Run запускает цикл опроса до отмены контекста или фатальной ошибки
func (e *Engine) Run(ctx context.Context) error {
	e.state.setRunning(true)
	defer e.state.setRunning(false)

	ticker := time.NewTicker(time.Duration(e.cfg.Trading.PollSeconds) * time.Second)
	defer ticker.Stop()

	logger.Info("Цикл опроса запущен",
		zap.Strings("symbols", e.cfg.Trading.Symbols),
		zap.Int("poll_seconds", e.cfg.Trading.PollSeconds))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Цикл опроса остановлен")
			return nil
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				return err
			}
		}
	}
}

// tick один проход по всем парам. Ошибка возвращается только фатальная.
func (e *Engine) tick(ctx context.Context) error {
	e.riskMgr.MaybeResetDaily(e.now())

	if e.cfg.Trading.TickerMode {
		return e.tickTickers(ctx)
	}

	for _, symbol := range e.cfg.Trading.Symbols {
		if err := e.processSymbol(ctx, symbol); err != nil {
			if exchange.IsFatal(err) {
				logger.Error("Фатальная ошибка аутентификации, сессия остановлена",
					zap.String("symbol", symbol), zap.Error(err))
				return err
			}
			logger.Warn("Тик по паре пропущен",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	return nil
}

// processSymbol полный конвейер одного тика для одной пары:
// свечи -> индикаторы -> настроение -> решение -> риск -> ордер
func (e *Engine) processSymbol(ctx context.Context, symbol string) error {
	limit := e.cfg.Analysis.Indicator.MinCandles + klineFetchMargin
	series, err := e.client.GetKlines(ctx, symbol, e.cfg.Trading.Interval, limit)
	if err != nil {
		return fmt.Errorf("ошибка получения свечей: %w", err)
	}

	snap, err := e.indicators.Compute(series)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientData) {
			logger.Debug("Окно прогрева не заполнено", zap.String("symbol", symbol), zap.Error(err))
			return nil
		}
		return fmt.Errorf("ошибка расчета индикаторов: %w", err)
	}

	sent := e.sentiments.Score(snap, series)
	return e.decide(ctx, symbol, snap, sent)
}

// tickTickers тикерный вариант конвейера: один запрос 24-часовых тикеров
// на все пары, осцилляторы без истории нейтральны
func (e *Engine) tickTickers(ctx context.Context) error {
	tickers, err := e.client.GetTickers(ctx)
	if err != nil {
		if exchange.IsFatal(err) {
			logger.Error("Фатальная ошибка аутентификации, сессия остановлена", zap.Error(err))
			return err
		}
		logger.Warn("Тик пропущен: тикеры недоступны", zap.Error(err))
		return nil
	}

	// Символы конфигурации и биржи нормализуются к одному формату
	bySymbol := make(map[string]models.TickerSnapshot, len(tickers))
	for _, t := range tickers {
		bySymbol[exchange.FormatSymbol(t.Symbol)] = t
	}

	for _, symbol := range e.cfg.Trading.Symbols {
		t, ok := bySymbol[exchange.FormatSymbol(symbol)]
		if !ok {
			logger.Warn("Тикер по паре отсутствует", zap.String("symbol", symbol))
			continue
		}

		snap := e.indicators.FromTicker(t)
		sent := e.sentiments.ScoreTicker(t)
		if err := e.decide(ctx, symbol, snap, sent); err != nil {
			if exchange.IsFatal(err) {
				return err
			}
			logger.Warn("Тик по паре пропущен",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	return nil
}

// decide общий хвост обоих вариантов конвейера:
// подсказка -> решение -> сопровождение позиции -> вход
func (e *Engine) decide(ctx context.Context, symbol string, snap models.IndicatorSnapshot, sent models.SentimentSnapshot) error {
	var hint *models.AdvisorHint
	if e.adv != nil {
		advised, err := e.adv.Advise(ctx, symbol, snap, sent)
		if err != nil {
			// Советник - необязательный: продолжаем без подсказки
			logger.Debug("Советник недоступен", zap.String("symbol", symbol), zap.Error(err))
		} else {
			hint = advised
		}
	}

	sig := e.signals.Evaluate(snap, sent, hint)
	for _, obs := range e.observers {
		obs.OnSignal(sig)
	}

	price := snap.Close
	if price <= 0 {
		logger.Warn("Отсутствует цена, тик пропущен", zap.String("symbol", symbol))
		return nil
	}

	if err := e.managePosition(ctx, symbol, price); err != nil {
		return err
	}

	if !sig.ShouldTrade {
		return nil
	}
	return e.enterPosition(ctx, symbol, price, sig, sent)
}

// managePosition сопровождает открытую позицию: принудительное закрытие,
// защитное сокращение и трейлинг-стоп
func (e *Engine) managePosition(ctx context.Context, symbol string, price float64) error {
	pos, ok := e.riskMgr.Position(symbol)
	if !ok {
		return nil
	}

	if closeNow, reason := e.riskMgr.CheckForcedClose(symbol, price); closeNow {
		return e.closePosition(ctx, pos, price, reason)
	}

	if reduce, reason := e.riskMgr.ShouldReduce(symbol, price); reduce {
		return e.reducePosition(ctx, pos, price, reason)
	}

	if newStop, updated := e.riskMgr.UpdateTrailing(symbol, price); updated {
		logger.Info("Трейлинг-стоп подтянут",
			zap.String("symbol", symbol),
			zap.Float64("price", price),
			zap.Float64("stop_loss", newStop))
	}

	return nil
}

// Доля позиции, закрываемая при защитном сокращении
const reduceFraction = 0.5

// closeSide сторона ордера, закрывающего позицию
func closeSide(pos models.Position) string {
	if pos.Side == models.SideShort {
		return "BUY"
	}
	return "SELL"
}

// closePosition закрывает позицию рыночным ордером.
// Размер позиции хранится в котируемой валюте на момент входа, поэтому
// количество базовой монеты пересчитывается по цене входа, не по текущей.
// Таблица позиций изменяется только после подтверждения биржи.
func (e *Engine) closePosition(ctx context.Context, pos models.Position, price float64, reason string) error {
	quantity := pos.Size / pos.EntryPrice

	if _, err := e.client.PlaceOrder(ctx, pos.Symbol, closeSide(pos), quantity); err != nil {
		return fmt.Errorf("ошибка закрытия позиции (%s): %w", reason, err)
	}

	pnl := e.riskMgr.RecordClose(pos.Symbol, price)
	logger.Info("Позиция закрыта",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", reason),
		zap.Float64("exit_price", price),
		zap.Float64("pnl", pnl),
		zap.Float64("daily_pnl", e.riskMgr.DailyPnL()))

	for _, obs := range e.observers {
		obs.OnPositionChange(pos, "close:"+reason, pnl)
	}
	return nil
}

// reducePosition частично закрывает позицию при защитном сокращении
func (e *Engine) reducePosition(ctx context.Context, pos models.Position, price float64, reason string) error {
	quantity := pos.Size * reduceFraction / pos.EntryPrice

	if _, err := e.client.PlaceOrder(ctx, pos.Symbol, closeSide(pos), quantity); err != nil {
		return fmt.Errorf("ошибка сокращения позиции (%s): %w", reason, err)
	}

	pnl := e.riskMgr.RecordReduce(pos.Symbol, price, reduceFraction)
	logger.Info("Позиция сокращена",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", reason),
		zap.Float64("exit_price", price),
		zap.Float64("fraction", reduceFraction),
		zap.Float64("pnl", pnl))

	for _, obs := range e.observers {
		obs.OnPositionChange(pos, "reduce:"+reason, pnl)
	}
	return nil
}

// enterPosition открывает новую позицию по сигналу или добирает открытую
func (e *Engine) enterPosition(ctx context.Context, symbol string, price float64, sig models.Signal, sent models.SentimentSnapshot) error {
	if e.riskMgr.EntriesHalted() {
		logger.Info("Вход пропущен: дневной лимит убытка", zap.String("symbol", symbol))
		return nil
	}

	balances, err := e.client.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("ошибка получения балансов: %w", err)
	}
	equity := exchange.AvailableUSDT(balances)
	if alloc, ok := e.cfg.Trading.Allocations[symbol]; ok && alloc > 0 {
		equity *= alloc
	}

	if pos, exists := e.riskMgr.Position(symbol); exists {
		return e.addToPosition(ctx, pos, price, sig, sent, equity)
	}
	if !e.riskMgr.CanOpen(symbol) {
		logger.Debug("Вход пропущен", zap.String("symbol", symbol))
		return nil
	}

	size := e.riskMgr.PositionSize(equity, sent)
	if size <= 0 {
		// Ожидаемый исход консервативного сайзинга, не ошибка
		logger.Info("Сделка отменена: нулевой размер позиции",
			zap.String("symbol", symbol),
			zap.Float64("equity", equity))
		return nil
	}

	side := models.SideLong
	orderSide := "BUY"
	if sig.Direction == models.DirectionSell {
		side = models.SideShort
		orderSide = "SELL"
	}
	takeProfit, stopLoss := e.riskMgr.Targets(price, sig.Confidence, side)

	order, err := e.client.PlaceOrder(ctx, symbol, orderSide, size/price)
	if err != nil {
		return fmt.Errorf("ошибка размещения ордера: %w", err)
	}

	e.riskMgr.RecordOpen(symbol, side, size, price, stopLoss, takeProfit)
	logger.Info("Позиция открыта",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("size", size),
		zap.Float64("price", price),
		zap.Float64("stop_loss", stopLoss),
		zap.Float64("take_profit", takeProfit),
		zap.Float64("confidence", sig.Confidence),
		zap.String("order_id", order.OrderID))

	pos, _ := e.riskMgr.Position(symbol)
	for _, obs := range e.observers {
		obs.OnPositionChange(pos, "open", 0)
	}
	return nil
}

// addToPosition добор открытой позиции по сигналу в ту же сторону.
// Суммарный размер никогда не превышает максимальную долю капитала.
func (e *Engine) addToPosition(ctx context.Context, pos models.Position, price float64, sig models.Signal, sent models.SentimentSnapshot, equity float64) error {
	sameDirection := (pos.Side == models.SideLong && sig.Direction == models.DirectionBuy) ||
		(pos.Side == models.SideShort && sig.Direction == models.DirectionSell)
	if !sameDirection {
		logger.Debug("Сигнал против открытой позиции, добор пропущен",
			zap.String("symbol", pos.Symbol),
			zap.String("side", string(pos.Side)),
			zap.String("direction", string(sig.Direction)))
		return nil
	}
	if !e.riskMgr.CanAdd(pos.Symbol, price, equity) {
		logger.Debug("Добор пропущен: лимит размера или ход против входа",
			zap.String("symbol", pos.Symbol))
		return nil
	}

	size := e.riskMgr.PositionSize(equity, sent)
	if room := equity*e.cfg.Risk.MaxPositionFraction - pos.Size; size > room {
		size = room
	}
	if size <= 0 {
		return nil
	}

	orderSide := "BUY"
	if pos.Side == models.SideShort {
		orderSide = "SELL"
	}
	order, err := e.client.PlaceOrder(ctx, pos.Symbol, orderSide, size/price)
	if err != nil {
		return fmt.Errorf("ошибка добора позиции: %w", err)
	}

	e.riskMgr.RecordOpen(pos.Symbol, pos.Side, size, price, pos.StopLoss, pos.TakeProfit)
	logger.Info("Позиция добрана",
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("size", size),
		zap.Float64("price", price),
		zap.String("order_id", order.OrderID))

	updated, _ := e.riskMgr.Position(pos.Symbol)
	for _, obs := range e.observers {
		obs.OnPositionChange(updated, "add", 0)
	}
	return nil
}
