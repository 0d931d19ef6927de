package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/pfta/internal/config"
	"github.com/skalibog/pfta/internal/exchange"
	"github.com/skalibog/pfta/internal/risk"
	"github.com/skalibog/pfta/pkg/models"
)

// fakeClient детерминированная замена биржи для тестов контура
type fakeClient struct {
	series    *models.CandleSeries
	klinesErr error
	tickers   []models.TickerSnapshot
	balances  []models.Balance
	orders    []placedOrder
	orderErr  error
	orderSeq  int
}

type placedOrder struct {
	symbol string
	side   string
	size   float64
}

func (f *fakeClient) GetKlines(ctx context.Context, symbol, interval string, limit int) (*models.CandleSeries, error) {
	if f.klinesErr != nil {
		return nil, f.klinesErr
	}
	return f.series, nil
}

func (f *fakeClient) GetTickers(ctx context.Context) ([]models.TickerSnapshot, error) {
	return f.tickers, nil
}

func (f *fakeClient) GetBalances(ctx context.Context) ([]models.Balance, error) {
	return f.balances, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, symbol, side string, size float64) (*models.OrderResult, error) {
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.orders = append(f.orders, placedOrder{symbol: symbol, side: side, size: size})
	f.orderSeq++
	return &models.OrderResult{
		OrderID:   fmt.Sprintf("%d", f.orderSeq),
		Symbol:    symbol,
		Side:      side,
		Size:      size,
		Timestamp: time.Now(),
	}, nil
}

// recorder наблюдатель, запоминающий события
type recorder struct {
	signals []models.Signal
	events  []string
}

func (r *recorder) OnSignal(sig models.Signal) {
	r.signals = append(r.signals, sig)
}

func (r *recorder) OnPositionChange(pos models.Position, event string, pnl float64) {
	r.events = append(r.events, event)
}

func testEngineConfig() *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			Symbols:     []string{"BTC_USDT"},
			Interval:    "1m",
			PollSeconds: 60,
			RiskLevel:   "moderate",
		},
		Risk: config.RiskConfig{
			BasePositionFraction: 0.1,
			MaxPositionFraction:  0.3,
			MaxLeverage:          5,
			DailyLossLimit:       50,
			BaseStopLossPct:      0.01,
			BaseTakeProfitPct:    0.02,
			TrailingStopPct:      0.01,
			MaxLossPct:           0.05,
		},
		Analysis: config.AnalysisConfig{
			Indicator: config.IndicatorConfig{
				MinCandles:     40,
				RSIPeriod:      14,
				KDJPeriod:      9,
				KDJSmoothK:     3,
				KDJSmoothD:     3,
				MACDFast:       12,
				MACDSlow:       26,
				MACDSignal:     9,
				BBPeriod:       20,
				ATRPeriod:      14,
				EMAFast:        10,
				EMASlow:        30,
				VolumeMAPeriod: 20,
			},
			Signal: config.SignalConfig{
				RSIOversold:         30,
				RSIOverbought:       70,
				KDJOversold:         20,
				KDJOverbought:       80,
				PricePositionLow:    30,
				PricePositionHigh:   70,
				VolumeIntensityMin:  1000,
				CompositeThreshold:  0.5,
				HintConfidenceFloor: 0.6,
			},
		},
	}
}

// calmSeries серия без сигнала: плоская цена и слабый объем
func calmSeries(n int, closePrice float64) *models.CandleSeries {
	series := models.NewCandleSeries("BTC_USDT", "1m", n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		series.Append(models.Candle{
			Symbol:   "BTC_USDT",
			Interval: "1m",
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     closePrice,
			High:     closePrice + 1,
			Low:      closePrice - 1,
			Close:    closePrice,
			Volume:   5,
		})
	}
	return series
}

func TestTickSkipsWarmup(t *testing.T) {
	fake := &fakeClient{series: calmSeries(10, 100)}
	rec := &recorder{}
	eng := New(testEngineConfig(), fake, risk.NewManager(testEngineConfig().Risk, "moderate"), nil, rec)

	require.NoError(t, eng.tick(context.Background()))
	assert.Empty(t, fake.orders)
	assert.Empty(t, rec.signals)
}

func TestTickPublishesSignal(t *testing.T) {
	fake := &fakeClient{series: calmSeries(60, 100)}
	rec := &recorder{}
	eng := New(testEngineConfig(), fake, risk.NewManager(testEngineConfig().Risk, "moderate"), nil, rec)

	require.NoError(t, eng.tick(context.Background()))
	require.Len(t, rec.signals, 1)
	assert.False(t, rec.signals[0].ShouldTrade)
	assert.Empty(t, fake.orders)
}

func TestTickFatalOnAuthError(t *testing.T) {
	fake := &fakeClient{klinesErr: fmt.Errorf("запрос свечей: %w", exchange.ErrAuth)}
	eng := New(testEngineConfig(), fake, risk.NewManager(testEngineConfig().Risk, "moderate"), nil)

	err := eng.tick(context.Background())
	assert.ErrorIs(t, err, exchange.ErrAuth)
}

func TestTickSurvivesTransientError(t *testing.T) {
	fake := &fakeClient{klinesErr: fmt.Errorf("запрос свечей: %w", exchange.ErrRateLimited)}
	eng := New(testEngineConfig(), fake, risk.NewManager(testEngineConfig().Risk, "moderate"), nil)

	// Временная ошибка пропускает тик по паре, но не роняет сессию
	assert.NoError(t, eng.tick(context.Background()))
}

func TestForcedCloseOnMaxLoss(t *testing.T) {
	cfg := testEngineConfig()
	fake := &fakeClient{series: calmSeries(60, 90)}
	rec := &recorder{}
	riskMgr := risk.NewManager(cfg.Risk, "moderate")
	eng := New(cfg, fake, riskMgr, nil, rec)

	// Открытая позиция с входом 100 при текущей цене 90: убыток 10% > 5%
	riskMgr.RecordOpen("BTC_USDT", models.SideLong, 1000, 100, 99, 104)

	require.NoError(t, eng.tick(context.Background()))

	require.Len(t, fake.orders, 1)
	assert.Equal(t, "SELL", fake.orders[0].side)
	// Количество к закрытию считается по цене входа: 1000 USDT при
	// входе 100 - это 10 базовых единиц, сколько бы ни стоила монета сейчас
	assert.InDelta(t, 10.0, fake.orders[0].size, 1e-9)

	_, open := riskMgr.Position("BTC_USDT")
	assert.False(t, open)
	assert.Contains(t, rec.events, "close:max_loss")
}

// При защитном сокращении закрывается половина позиции, количество
// пересчитано по цене входа
func TestReducePositionOnLossLimit(t *testing.T) {
	cfg := testEngineConfig()
	fake := &fakeClient{series: calmSeries(60, 97.5)}
	rec := &recorder{}
	riskMgr := risk.NewManager(cfg.Risk, "moderate")
	eng := New(cfg, fake, riskMgr, nil, rec)

	// Стоп и тейк далеко: срабатывает только правило сокращения (-2.5%)
	riskMgr.RecordOpen("BTC_USDT", models.SideLong, 1000, 100, 90, 150)

	require.NoError(t, eng.tick(context.Background()))

	require.Len(t, fake.orders, 1)
	assert.Equal(t, "SELL", fake.orders[0].side)
	assert.InDelta(t, 5.0, fake.orders[0].size, 1e-9)

	pos, open := riskMgr.Position("BTC_USDT")
	require.True(t, open)
	assert.InDelta(t, 500.0, pos.Size, 1e-9)
	assert.Contains(t, rec.events, "reduce:loss_limit")
}

func TestForcedClosePositionKeptOnOrderFailure(t *testing.T) {
	cfg := testEngineConfig()
	fake := &fakeClient{
		series:   calmSeries(60, 90),
		orderErr: fmt.Errorf("отказ биржи: %w", exchange.ErrRateLimited),
	}
	riskMgr := risk.NewManager(cfg.Risk, "moderate")
	eng := New(cfg, fake, riskMgr, nil)

	riskMgr.RecordOpen("BTC_USDT", models.SideLong, 1000, 100, 99, 104)
	require.NoError(t, eng.tick(context.Background()))

	// Таблица позиций не изменяется без подтверждения биржи
	_, open := riskMgr.Position("BTC_USDT")
	assert.True(t, open)
}

func TestEnterPositionRecordsAndNotifies(t *testing.T) {
	cfg := testEngineConfig()
	fake := &fakeClient{
		series:   calmSeries(60, 100),
		balances: []models.Balance{{Coin: "USDT", Free: 10000}},
	}
	rec := &recorder{}
	riskMgr := risk.NewManager(cfg.Risk, "moderate")
	eng := New(cfg, fake, riskMgr, nil, rec)

	sig := models.Signal{
		Symbol:      "BTC_USDT",
		ShouldTrade: true,
		Direction:   models.DirectionBuy,
		Confidence:  0.8,
	}
	sent := models.SentimentSnapshot{FearGreedIndex: 50}

	require.NoError(t, eng.enterPosition(context.Background(), "BTC_USDT", 100, sig, sent))

	require.Len(t, fake.orders, 1)
	assert.Equal(t, "BUY", fake.orders[0].side)
	// Размер 1000 USDT при цене 100: количество 10 базовой монеты
	assert.InDelta(t, 10.0, fake.orders[0].size, 1e-9)

	pos, open := riskMgr.Position("BTC_USDT")
	require.True(t, open)
	assert.Equal(t, models.SideLong, pos.Side)
	assert.InDelta(t, 1000.0, pos.Size, 1e-9)
	assert.Less(t, pos.StopLoss, 100.0)
	assert.Greater(t, pos.TakeProfit, 100.0)
	assert.Contains(t, rec.events, "open")
}

// Сигнал в сторону открытой позиции добирает ее в пределах
// максимальной доли капитала
func TestEnterPositionAddsToSameDirection(t *testing.T) {
	cfg := testEngineConfig()
	fake := &fakeClient{balances: []models.Balance{{Coin: "USDT", Free: 10000}}}
	rec := &recorder{}
	riskMgr := risk.NewManager(cfg.Risk, "moderate")
	eng := New(cfg, fake, riskMgr, nil, rec)

	riskMgr.RecordOpen("BTC_USDT", models.SideLong, 1000, 100, 95, 150)

	sig := models.Signal{Symbol: "BTC_USDT", ShouldTrade: true, Direction: models.DirectionBuy, Confidence: 0.8}
	require.NoError(t, eng.enterPosition(context.Background(), "BTC_USDT", 101, sig, models.SentimentSnapshot{FearGreedIndex: 50}))

	require.Len(t, fake.orders, 1)
	assert.Equal(t, "BUY", fake.orders[0].side)
	assert.InDelta(t, 1000.0/101, fake.orders[0].size, 1e-9)

	pos, open := riskMgr.Position("BTC_USDT")
	require.True(t, open)
	assert.InDelta(t, 2000.0, pos.Size, 1e-9)
	assert.InDelta(t, 100.5, pos.EntryPrice, 1e-9)
	assert.Contains(t, rec.events, "add")
}

func TestEnterPositionAddCappedByMaxFraction(t *testing.T) {
	cfg := testEngineConfig()
	fake := &fakeClient{balances: []models.Balance{{Coin: "USDT", Free: 10000}}}
	riskMgr := risk.NewManager(cfg.Risk, "moderate")
	eng := New(cfg, fake, riskMgr, nil)

	// До потолка 3000 остается 500
	riskMgr.RecordOpen("BTC_USDT", models.SideLong, 2500, 100, 95, 150)

	sig := models.Signal{Symbol: "BTC_USDT", ShouldTrade: true, Direction: models.DirectionBuy, Confidence: 0.8}
	require.NoError(t, eng.enterPosition(context.Background(), "BTC_USDT", 100, sig, models.SentimentSnapshot{FearGreedIndex: 50}))

	require.Len(t, fake.orders, 1)
	assert.InDelta(t, 500.0/100, fake.orders[0].size, 1e-9)

	pos, _ := riskMgr.Position("BTC_USDT")
	assert.InDelta(t, 3000.0, pos.Size, 1e-9)
}

// Сигнал против открытой позиции не добирает и не разворачивает ее
func TestEnterPositionSkipsOppositeDirection(t *testing.T) {
	cfg := testEngineConfig()
	fake := &fakeClient{balances: []models.Balance{{Coin: "USDT", Free: 10000}}}
	riskMgr := risk.NewManager(cfg.Risk, "moderate")
	eng := New(cfg, fake, riskMgr, nil)

	riskMgr.RecordOpen("BTC_USDT", models.SideLong, 1000, 100, 95, 150)

	sig := models.Signal{Symbol: "BTC_USDT", ShouldTrade: true, Direction: models.DirectionSell, Confidence: 0.8}
	require.NoError(t, eng.enterPosition(context.Background(), "BTC_USDT", 100, sig, models.SentimentSnapshot{FearGreedIndex: 50}))

	assert.Empty(t, fake.orders)
	pos, _ := riskMgr.Position("BTC_USDT")
	assert.Equal(t, models.SideLong, pos.Side)
}

func TestEnterPositionAddSkippedOnAdverseMove(t *testing.T) {
	cfg := testEngineConfig()
	fake := &fakeClient{balances: []models.Balance{{Coin: "USDT", Free: 10000}}}
	riskMgr := risk.NewManager(cfg.Risk, "moderate")
	eng := New(cfg, fake, riskMgr, nil)

	riskMgr.RecordOpen("BTC_USDT", models.SideLong, 1000, 100, 90, 150)

	// Цена ушла против входа на 3%: добор запрещен
	sig := models.Signal{Symbol: "BTC_USDT", ShouldTrade: true, Direction: models.DirectionBuy, Confidence: 0.8}
	require.NoError(t, eng.enterPosition(context.Background(), "BTC_USDT", 97, sig, models.SentimentSnapshot{FearGreedIndex: 50}))

	assert.Empty(t, fake.orders)
}

func TestEnterPositionAppliesAllocation(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Trading.Allocations = map[string]float64{"BTC_USDT": 0.5}
	fake := &fakeClient{balances: []models.Balance{{Coin: "USDT", Free: 10000}}}
	riskMgr := risk.NewManager(cfg.Risk, "moderate")
	eng := New(cfg, fake, riskMgr, nil)

	sig := models.Signal{Symbol: "BTC_USDT", ShouldTrade: true, Direction: models.DirectionSell, Confidence: 0.5}
	require.NoError(t, eng.enterPosition(context.Background(), "BTC_USDT", 100, sig, models.SentimentSnapshot{FearGreedIndex: 50}))

	require.Len(t, fake.orders, 1)
	assert.Equal(t, "SELL", fake.orders[0].side)
	// Половина капитала: база 500 USDT, количество 5
	assert.InDelta(t, 5.0, fake.orders[0].size, 1e-9)

	pos, open := riskMgr.Position("BTC_USDT")
	require.True(t, open)
	assert.Equal(t, models.SideShort, pos.Side)
}

func TestTickerModePublishesSignal(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Trading.TickerMode = true
	fake := &fakeClient{
		tickers: []models.TickerSnapshot{{
			Symbol:          "BTC_USDT",
			Open:            100,
			High:            102,
			Low:             98,
			Close:           100,
			Timestamp:       time.Now(),
			TrueRange:       4,
			VolumeIntensity: 500,
		}},
	}
	rec := &recorder{}
	eng := New(cfg, fake, risk.NewManager(cfg.Risk, "moderate"), nil, rec)

	require.NoError(t, eng.tick(context.Background()))
	require.Len(t, rec.signals, 1)
	assert.False(t, rec.signals[0].ShouldTrade)
	assert.Empty(t, fake.orders)
}

// Пара из конфигурации находит свой тикер независимо от разделителя
func TestTickerModeNormalizesSymbols(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Trading.TickerMode = true
	cfg.Trading.Symbols = []string{"BTC/USDT"}
	fake := &fakeClient{
		tickers: []models.TickerSnapshot{{
			Symbol:    "BTC_USDT",
			Open:      100,
			High:      102,
			Low:       98,
			Close:     100,
			Timestamp: time.Now(),
			TrueRange: 4,
		}},
	}
	rec := &recorder{}
	eng := New(cfg, fake, risk.NewManager(cfg.Risk, "moderate"), nil, rec)

	require.NoError(t, eng.tick(context.Background()))
	require.Len(t, rec.signals, 1)
}

func TestTickerModeSkipsMissingSymbol(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Trading.TickerMode = true
	fake := &fakeClient{tickers: []models.TickerSnapshot{{Symbol: "ETH_USDT", Close: 100}}}
	rec := &recorder{}
	eng := New(cfg, fake, risk.NewManager(cfg.Risk, "moderate"), nil, rec)

	require.NoError(t, eng.tick(context.Background()))
	assert.Empty(t, rec.signals)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Trading.PollSeconds = 3600
	eng := New(cfg, &fakeClient{}, risk.NewManager(cfg.Risk, "moderate"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	// Даем циклу запуститься и останавливаем между тиками
	time.Sleep(50 * time.Millisecond)
	assert.True(t, eng.state.Running())
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("цикл не остановился по отмене контекста")
	}
	assert.False(t, eng.state.Running())
}
