package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skalibog/pfta/internal/config"
	"github.com/skalibog/pfta/pkg/models"
)

// Advisor выдает необязательную подсказку по направлению сделки.
// Подсказка - недоверенный совет: движок обязан корректно работать
// без советника и при любом его сбое.
type Advisor interface {
	Advise(ctx context.Context, symbol string, snap models.IndicatorSnapshot, sent models.SentimentSnapshot) (*models.AdvisorHint, error)
}

// LLMAdvisor клиент OpenAI-совместимого chat-эндпоинта
type LLMAdvisor struct {
	cfg        config.AdvisorConfig
	httpClient *http.Client
}

// NewLLMAdvisor создает советника поверх LLM API
func NewLLMAdvisor(cfg config.AdvisorConfig) *LLMAdvisor {
	return &LLMAdvisor{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const systemPrompt = "Ты аналитик рынка криптовалютных фьючерсов. Ответь строго JSON-объектом " +
	`{"direction":"buy|sell|none","confidence":0.0,"rationale":"..."} без другого текста.`

// Advise запрашивает подсказку у LLM. Любой сбой возвращает ошибку,
// вызывающая сторона продолжает без подсказки.
func (a *LLMAdvisor) Advise(ctx context.Context, symbol string, snap models.IndicatorSnapshot, sent models.SentimentSnapshot) (*models.AdvisorHint, error) {
	prompt := fmt.Sprintf(
		"Пара %s. RSI=%.1f, K=%.1f, D=%.1f, MACD=%.4f, позиция цены=%.1f, "+
			"индекс страха и жадности=%.1f, сила тренда=%.4f, тренд объема=%.4f, "+
			"волатильность=%.4f, моментум=%.4f. Каково направление сделки?",
		symbol, snap.RSI, snap.StochK, snap.StochD, snap.MACD, snap.PricePosition,
		sent.FearGreedIndex, sent.TrendStrength, sent.VolumeTrend,
		sent.VolatilityLevel, sent.Momentum)

	body, err := json.Marshal(chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.3,
		MaxTokens:   256,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации запроса советника: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса советника: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса советника: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ответа советника: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("советник вернул HTTP %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("некорректный ответ советника: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("ошибка советника: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("пустой ответ советника")
	}

	return parseHint(parsed.Choices[0].Message.Content)
}

// parseHint осторожно разбирает JSON из текста модели
func parseHint(content string) (*models.AdvisorHint, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("в ответе советника нет JSON")
	}

	var hint struct {
		Direction  string  `json:"direction"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &hint); err != nil {
		return nil, fmt.Errorf("некорректный JSON советника: %w", err)
	}

	direction := models.Direction(strings.ToLower(hint.Direction))
	switch direction {
	case models.DirectionBuy, models.DirectionSell, models.DirectionNone:
	default:
		return nil, fmt.Errorf("неизвестное направление советника: %s", hint.Direction)
	}
	if hint.Confidence < 0 || hint.Confidence > 1 {
		return nil, fmt.Errorf("уверенность советника вне [0,1]: %f", hint.Confidence)
	}

	return &models.AdvisorHint{
		Direction:  direction,
		Confidence: hint.Confidence,
		Rationale:  hint.Rationale,
	}, nil
}
