package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/skalibog/pfta/internal/config"
	"github.com/skalibog/pfta/pkg/logger"
	"github.com/skalibog/pfta/pkg/models"
)

// Соответствие внутренних интервалов формату Pionex
var intervalMapping = map[string]string{
	"1m":  "1M",
	"5m":  "5M",
	"15m": "15M",
	"30m": "30M",
	"1h":  "60M",
	"4h":  "4H",
	"8h":  "8H",
	"12h": "12H",
	"1d":  "1D",
}

// Client клиент для взаимодействия с Pionex REST API
type Client struct {
	cfg        config.PionexConfig
	httpClient *http.Client
	signer     *Signer
	now        func() time.Time
}

// NewClient создает новый клиент Pionex
func NewClient(cfg config.PionexConfig) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("не заданы API-ключи")
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout(),
		},
		signer: NewSigner(cfg.APISecret),
		now:    time.Now,
	}, nil
}

// apiResponse общая форма ответа Pionex
type apiResponse struct {
	Result  bool            `json:"result"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do выполняет один подписанный запрос без повторов.
// Подпись и timestamp генерируются заново на каждый вызов и никогда не переиспользуются.
func (c *Client) do(ctx context.Context, method, path string, params url.Values) (json.RawMessage, error) {
	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, v)
		}
	}
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	signed.Set("timestamp", timestamp)

	signature := c.signer.Sign(method, path, signed)

	reqURL := c.cfg.BaseURL + path + "?" + signed.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PIONEX-KEY", c.cfg.APIKey)
	req.Header.Set("PIONEX-SIGNATURE", signature)
	req.Header.Set("PIONEX-TIMESTAMP", timestamp)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("сетевая ошибка: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		return nil, fmt.Errorf("%w: HTTP %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	if !parsed.Result {
		if isAuthCode(parsed.Code, parsed.Message) {
			return nil, fmt.Errorf("%w: %s", ErrAuth, parsed.Message)
		}
		return nil, &apiError{status: resp.StatusCode, code: parsed.Code, message: parsed.Message}
	}

	return parsed.Data, nil
}

// isAuthCode распознает ошибки подписи и ключей в теле ответа
func isAuthCode(code, message string) bool {
	s := strings.ToUpper(code + " " + message)
	return strings.Contains(s, "SIGNATURE") ||
		strings.Contains(s, "APIKEY") ||
		strings.Contains(s, "API_KEY") ||
		strings.Contains(s, "TIMESTAMP_EXPIRED")
}

// doWithRetry выполняет запрос с ограниченным экспоненциальным бэкоффом.
// Ошибки аутентификации и формата ответа не повторяются.
func (c *Client) doWithRetry(ctx context.Context, method, path string, params url.Values) (json.RawMessage, error) {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		data, err := c.do(ctx, method, path, params)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if errors.Is(err, ErrAuth) || errors.Is(err, ErrBadPayload) {
			return nil, err
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			// Отказ биржи по существу запроса, повтор не поможет
			return nil, err
		}

		wait := b.Duration()
		logger.Warn("Повтор запроса к бирже",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, fmt.Errorf("исчерпаны попытки запроса %s: %w", path, lastErr)
}

type klineData struct {
	Time   int64  `json:"time"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

// GetKlines получает исторические свечи и нормализует их в CandleSeries
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) (*models.CandleSeries, error) {
	formatted, ok := intervalMapping[interval]
	if !ok {
		formatted = interval
	}

	params := url.Values{}
	params.Set("symbol", FormatSymbol(symbol))
	params.Set("interval", formatted)
	params.Set("limit", strconv.Itoa(limit))

	data, err := c.doWithRetry(ctx, http.MethodGet, "/api/v1/market/klines", params)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения свечей: %w", err)
	}

	var payload struct {
		Klines []klineData `json:"klines"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	series := models.NewCandleSeries(symbol, interval, limit)
	sort.Slice(payload.Klines, func(i, j int) bool {
		return payload.Klines[i].Time < payload.Klines[j].Time
	})
	for _, k := range payload.Klines {
		candle, err := parseKline(symbol, interval, k)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		series.Append(candle)
	}

	return series, nil
}

func parseKline(symbol, interval string, k klineData) (models.Candle, error) {
	open, err1 := strconv.ParseFloat(k.Open, 64)
	high, err2 := strconv.ParseFloat(k.High, 64)
	low, err3 := strconv.ParseFloat(k.Low, 64)
	cl, err4 := strconv.ParseFloat(k.Close, 64)
	vol, err5 := strconv.ParseFloat(k.Volume, 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return models.Candle{}, err
		}
	}
	return models.Candle{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: time.UnixMilli(k.Time),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    cl,
		Volume:   vol,
	}, nil
}

type tickerData struct {
	Symbol string `json:"symbol"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
	Amount string `json:"amount"`
	Count  int64  `json:"count"`
	Time   int64  `json:"time"`
}

// GetTickers получает 24-часовые тикеры по всем парам
func (c *Client) GetTickers(ctx context.Context) ([]models.TickerSnapshot, error) {
	data, err := c.doWithRetry(ctx, http.MethodGet, "/api/v1/market/tickers", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения тикеров: %w", err)
	}

	var payload struct {
		Tickers []tickerData `json:"tickers"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	out := make([]models.TickerSnapshot, 0, len(payload.Tickers))
	for _, t := range payload.Tickers {
		snap, err := parseTicker(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

// parseTicker нормализует тикер и вычисляет производные поля один раз
func parseTicker(t tickerData) (models.TickerSnapshot, error) {
	open, err1 := strconv.ParseFloat(t.Open, 64)
	high, err2 := strconv.ParseFloat(t.High, 64)
	low, err3 := strconv.ParseFloat(t.Low, 64)
	cl, err4 := strconv.ParseFloat(t.Close, 64)
	vol, err5 := strconv.ParseFloat(t.Volume, 64)
	amount, err6 := strconv.ParseFloat(t.Amount, 64)
	for _, err := range []error{err1, err2, err3, err4, err5, err6} {
		if err != nil {
			return models.TickerSnapshot{}, err
		}
	}

	snap := models.TickerSnapshot{
		Symbol:      t.Symbol,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       cl,
		Volume:      vol,
		QuoteVolume: amount,
		TradeCount:  t.Count,
		Timestamp:   time.UnixMilli(t.Time),
	}

	if open != 0 {
		snap.PriceChangePct = (cl - open) / open * 100
	}
	snap.TrueRange = high - low
	// Интенсивность объема: средний размер сделки в котируемой валюте
	if t.Count > 0 {
		snap.VolumeIntensity = amount / float64(t.Count)
	}

	return snap, nil
}

type balanceData struct {
	Coin   string `json:"coin"`
	Free   string `json:"free"`
	Frozen string `json:"frozen"`
}

// GetBalances получает балансы счета
func (c *Client) GetBalances(ctx context.Context) ([]models.Balance, error) {
	data, err := c.doWithRetry(ctx, http.MethodGet, "/api/v1/account/balances", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения балансов: %w", err)
	}

	var payload struct {
		Balances []balanceData `json:"balances"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	out := make([]models.Balance, 0, len(payload.Balances))
	for _, b := range payload.Balances {
		free, err1 := strconv.ParseFloat(b.Free, 64)
		frozen, err2 := strconv.ParseFloat(b.Frozen, 64)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: некорректный баланс %s", ErrBadPayload, b.Coin)
		}
		out = append(out, models.Balance{Coin: b.Coin, Free: free, Frozen: frozen})
	}
	return out, nil
}

// AvailableUSDT возвращает свободный остаток USDT
func AvailableUSDT(balances []models.Balance) float64 {
	var total float64
	for _, b := range balances {
		if b.Coin == "USDT" {
			total += b.Free
		}
	}
	return total
}

// PlaceOrder размещает рыночный ордер.
// При неопределенном исходе (таймаут после отправки) результат сверяется по
// clientOrderId; рыночный ордер никогда не пересылается вслепую.
func (c *Client) PlaceOrder(ctx context.Context, symbol, side string, size float64) (*models.OrderResult, error) {
	clientOrderID := uuid.NewString()
	quantity := decimal.NewFromFloat(size).RoundFloor(8)
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("некорректный размер ордера: %s", quantity)
	}

	params := url.Values{}
	params.Set("symbol", FormatSymbol(symbol))
	params.Set("side", strings.ToUpper(side))
	params.Set("type", "MARKET")
	params.Set("size", quantity.String())
	params.Set("clientOrderId", clientOrderID)

	data, err := c.do(ctx, http.MethodPost, "/api/v1/trade/order", params)
	if err != nil {
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrBadPayload) {
			return nil, err
		}
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		// Таймаут или обрыв сети: биржа могла успеть исполнить ордер
		return c.reconcileOrder(symbol, clientOrderID, err)
	}

	var payload struct {
		OrderID json.Number `json:"orderId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	size, _ = quantity.Float64()
	return &models.OrderResult{
		OrderID:       payload.OrderID.String(),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          strings.ToUpper(side),
		Size:          size,
		Timestamp:     c.now(),
	}, nil
}

// reconcileOrder сверяет судьбу ордера после неопределенного таймаута
func (c *Client) reconcileOrder(symbol, clientOrderID string, cause error) (*models.OrderResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
	defer cancel()

	order, err := c.GetOrderByClientID(ctx, symbol, clientOrderID)
	if err != nil {
		logger.Error("Сверка ордера не удалась, ордер считается неисполненным",
			zap.String("symbol", symbol),
			zap.String("clientOrderId", clientOrderID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousOrder, cause)
	}

	if order != nil {
		logger.Warn("Сверка подтвердила исполнение ордера после таймаута",
			zap.String("symbol", symbol),
			zap.String("clientOrderId", clientOrderID))
		return order, nil
	}

	logger.Info("Сверка подтвердила: ордер не исполнен",
		zap.String("symbol", symbol),
		zap.String("clientOrderId", clientOrderID))
	return nil, fmt.Errorf("ордер не исполнен после таймаута: %w", cause)
}

// GetOrderByClientID ищет ордер по клиентскому идентификатору.
// Возвращает (nil, nil), если биржа ордер не знает.
func (c *Client) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*models.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", FormatSymbol(symbol))
	params.Set("clientOrderId", clientOrderID)

	data, err := c.doWithRetry(ctx, http.MethodGet, "/api/v1/trade/orderByClientOrderId", params)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && strings.Contains(strings.ToUpper(apiErr.code), "NOT_FOUND") {
			return nil, nil
		}
		return nil, err
	}

	var payload struct {
		OrderID json.Number `json:"orderId"`
		Symbol  string      `json:"symbol"`
		Side    string      `json:"side"`
		Size    string      `json:"size"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if payload.OrderID.String() == "" {
		return nil, nil
	}

	size, err := strconv.ParseFloat(payload.Size, 64)
	if err != nil {
		size = math.NaN()
	}
	return &models.OrderResult{
		OrderID:       payload.OrderID.String(),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          payload.Side,
		Size:          size,
		Timestamp:     c.now(),
	}, nil
}

// FormatSymbol приводит символ к формату Pionex (BTC_USDT)
func FormatSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}
