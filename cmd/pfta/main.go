package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/skalibog/pfta/internal/advisor"
	"github.com/skalibog/pfta/internal/config"
	"github.com/skalibog/pfta/internal/engine"
	"github.com/skalibog/pfta/internal/exchange"
	"github.com/skalibog/pfta/internal/risk"
	"github.com/skalibog/pfta/internal/storage"
	"github.com/skalibog/pfta/pkg/logger"
)

func main() {
	logger.Init()
	defer logger.GetLogger().Sync()

	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	// Проверяем наличие файла конфигурации
	logger.Info("Проверка наличия файла конфигурации", zap.String("path", *configPath))
	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		logger.Fatal("Файл конфигурации не найден", zap.String("path", *configPath))
	}

	// Загружаем конфигурацию
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}

	// Контекст с отменой по сигналам завершения: остановка кооперативная,
	// цикл завершается между тиками
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Инициализируем клиент биржи
	client, err := exchange.NewClient(cfg.Pionex)
	if err != nil {
		logger.Fatal("Ошибка инициализации клиента биржи", zap.Error(err))
	}

	// Хранилище необязательно: без него работаем только с логами
	var observers []engine.Observer
	if cfg.Storage.URL != "" {
		store, err := storage.NewInfluxDBStorage(cfg.Storage)
		if err != nil {
			logger.Fatal("Ошибка инициализации хранилища", zap.Error(err))
		}
		defer store.Close()
		observers = append(observers, store)
	}

	// Советник необязателен: движок обязан работать без него
	var adv advisor.Advisor
	if cfg.Advisor.Enabled {
		adv = advisor.NewLLMAdvisor(cfg.Advisor)
	}

	riskMgr := risk.NewManager(cfg.Risk, cfg.Trading.RiskLevel)

	eng := engine.New(cfg, client, riskMgr, adv, observers...)
	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("Движок остановлен по ошибке", zap.Error(err))
	}

	logger.Info("Завершение работы")
}
