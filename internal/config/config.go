package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Pionex   PionexConfig   `yaml:"pionex"`
	Trading  TradingConfig  `yaml:"trading"`
	Risk     RiskConfig     `yaml:"risk"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Advisor  AdvisorConfig  `yaml:"advisor"`
	Storage  StorageConfig  `yaml:"storage"`
}

// PionexConfig содержит настройки подключения к Pionex
type PionexConfig struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_seconds"`
	MaxRetries int    `yaml:"max_retries"`
}

// TradingConfig содержит настройки торговли
type TradingConfig struct {
	Symbols     []string           `yaml:"symbols"`
	Interval    string             `yaml:"interval"`
	PollSeconds int                `yaml:"poll_seconds"`
	Leverage    int                `yaml:"leverage"`
	RiskLevel   string             `yaml:"risk_level"` // conservative, moderate, aggressive
	TickerMode  bool               `yaml:"ticker_mode"`
	Allocations map[string]float64 `yaml:"allocations"`
}

// RiskConfig содержит лимиты риска. Владелец значений - внешняя конфигурация,
// ядро читает их и никогда не изменяет.
type RiskConfig struct {
	BasePositionFraction float64 `yaml:"base_position_fraction"`
	MaxPositionFraction  float64 `yaml:"max_position_fraction"`
	MaxLeverage          int     `yaml:"max_leverage"`
	DailyLossLimit       float64 `yaml:"daily_loss_limit"`
	BaseStopLossPct      float64 `yaml:"base_stop_loss_pct"`
	BaseTakeProfitPct    float64 `yaml:"base_take_profit_pct"`
	TrailingStopPct      float64 `yaml:"trailing_stop_pct"`
	MaxLossPct           float64 `yaml:"max_loss_pct"`
}

// AnalysisConfig содержит настройки аналитических модулей
type AnalysisConfig struct {
	Indicator IndicatorConfig `yaml:"indicator"`
	Signal    SignalConfig    `yaml:"signal"`
}

// IndicatorConfig настройки индикаторного движка
type IndicatorConfig struct {
	MinCandles     int `yaml:"min_candles"`
	RSIPeriod      int `yaml:"rsi_period"`
	KDJPeriod      int `yaml:"kdj_period"`
	KDJSmoothK     int `yaml:"kdj_smooth_k"`
	KDJSmoothD     int `yaml:"kdj_smooth_d"`
	MACDFast       int `yaml:"macd_fast"`
	MACDSlow       int `yaml:"macd_slow"`
	MACDSignal     int `yaml:"macd_signal"`
	BBPeriod       int `yaml:"bb_period"`
	ATRPeriod      int `yaml:"atr_period"`
	EMAFast        int `yaml:"ema_fast"`
	EMASlow        int `yaml:"ema_slow"`
	VolumeMAPeriod int `yaml:"volume_ma_period"`
}

// SignalConfig пороговые значения для сигналов
type SignalConfig struct {
	RSIOversold         float64 `yaml:"rsi_oversold"`
	RSIOverbought       float64 `yaml:"rsi_overbought"`
	KDJOversold         float64 `yaml:"kdj_oversold"`
	KDJOverbought       float64 `yaml:"kdj_overbought"`
	PricePositionLow    float64 `yaml:"price_position_low"`
	PricePositionHigh   float64 `yaml:"price_position_high"`
	VolumeIntensityMin  float64 `yaml:"volume_intensity_min"`
	CompositeThreshold  float64 `yaml:"composite_threshold"`
	HintConfidenceFloor float64 `yaml:"hint_confidence_floor"`
}

// AdvisorConfig настройки внешнего LLM-советника
type AdvisorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_seconds"`
}

// StorageConfig настройки хранения данных
type StorageConfig struct {
	Type         string `yaml:"type"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// Load загружает конфигурацию из файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}

	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// applyDefaults подставляет значения по умолчанию для незаполненных полей
func (c *Config) applyDefaults() {
	if c.Pionex.BaseURL == "" {
		c.Pionex.BaseURL = "https://api.pionex.com"
	}
	if c.Pionex.TimeoutSec <= 0 {
		c.Pionex.TimeoutSec = 10
	}
	if c.Pionex.MaxRetries <= 0 {
		c.Pionex.MaxRetries = 3
	}
	if c.Trading.Interval == "" {
		c.Trading.Interval = "1m"
	}
	if c.Trading.PollSeconds <= 0 {
		c.Trading.PollSeconds = 60
	}
	if c.Trading.Leverage <= 0 {
		c.Trading.Leverage = 1
	}
	if c.Trading.RiskLevel == "" {
		c.Trading.RiskLevel = "moderate"
	}

	r := &c.Risk
	if r.BasePositionFraction <= 0 {
		r.BasePositionFraction = 0.1
	}
	if r.MaxPositionFraction <= 0 {
		r.MaxPositionFraction = 0.3
	}
	if r.MaxLeverage <= 0 {
		r.MaxLeverage = 5
	}
	if r.BaseStopLossPct <= 0 {
		r.BaseStopLossPct = 0.01
	}
	if r.BaseTakeProfitPct <= 0 {
		r.BaseTakeProfitPct = 0.02
	}
	if r.TrailingStopPct <= 0 {
		r.TrailingStopPct = 0.01
	}
	if r.MaxLossPct <= 0 {
		r.MaxLossPct = 0.05
	}

	ind := &c.Analysis.Indicator
	if ind.MinCandles <= 0 {
		ind.MinCandles = 200
	}
	if ind.RSIPeriod <= 0 {
		ind.RSIPeriod = 14
	}
	if ind.KDJPeriod <= 0 {
		ind.KDJPeriod = 9
	}
	if ind.KDJSmoothK <= 0 {
		ind.KDJSmoothK = 3
	}
	if ind.KDJSmoothD <= 0 {
		ind.KDJSmoothD = 3
	}
	if ind.MACDFast <= 0 {
		ind.MACDFast = 12
	}
	if ind.MACDSlow <= 0 {
		ind.MACDSlow = 26
	}
	if ind.MACDSignal <= 0 {
		ind.MACDSignal = 9
	}
	if ind.BBPeriod <= 0 {
		ind.BBPeriod = 20
	}
	if ind.ATRPeriod <= 0 {
		ind.ATRPeriod = 14
	}
	if ind.EMAFast <= 0 {
		ind.EMAFast = 50
	}
	if ind.EMASlow <= 0 {
		ind.EMASlow = 200
	}
	if ind.VolumeMAPeriod <= 0 {
		ind.VolumeMAPeriod = 20
	}

	sig := &c.Analysis.Signal
	if sig.RSIOversold <= 0 {
		sig.RSIOversold = 30
	}
	if sig.RSIOverbought <= 0 {
		sig.RSIOverbought = 70
	}
	if sig.KDJOversold <= 0 {
		sig.KDJOversold = 20
	}
	if sig.KDJOverbought <= 0 {
		sig.KDJOverbought = 80
	}
	if sig.PricePositionLow <= 0 {
		sig.PricePositionLow = 30
	}
	if sig.PricePositionHigh <= 0 {
		sig.PricePositionHigh = 70
	}
	if sig.VolumeIntensityMin <= 0 {
		sig.VolumeIntensityMin = 1000
	}
	if sig.CompositeThreshold <= 0 {
		sig.CompositeThreshold = 0.5
	}
	if sig.HintConfidenceFloor <= 0 {
		sig.HintConfidenceFloor = 0.6
	}

	if c.Advisor.TimeoutSec <= 0 {
		c.Advisor.TimeoutSec = 15
	}
}

// validate проверяет согласованность конфигурации
func (c *Config) validate() error {
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("не задан ни один торговый символ")
	}
	switch c.Trading.RiskLevel {
	case "conservative", "moderate", "aggressive":
	default:
		return fmt.Errorf("неизвестный уровень риска: %s", c.Trading.RiskLevel)
	}
	if c.Trading.Leverage > c.Risk.MaxLeverage {
		return fmt.Errorf("плечо %d превышает лимит %d", c.Trading.Leverage, c.Risk.MaxLeverage)
	}
	if c.Risk.MaxPositionFraction > 1 {
		return fmt.Errorf("max_position_fraction не может превышать 1")
	}
	return nil
}

// RequestTimeout возвращает таймаут HTTP-запросов к бирже
func (c *PionexConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}
