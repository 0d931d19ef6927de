// internal/storage/influxdb.go
package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/skalibog/pfta/internal/config"
	"github.com/skalibog/pfta/pkg/models"
)

// InfluxDBStorage пишет журнал решений и позиций в InfluxDB.
// Это журнал для внешней наблюдаемости: ядро никогда не читает его
// обратно в решающем контуре.
type InfluxDBStorage struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(context.Background())
	if err != nil {
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	return &InfluxDBStorage{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// OnSignal сохраняет торговое решение вместе с его составляющими
func (s *InfluxDBStorage) OnSignal(sig models.Signal) {
	fields := map[string]interface{}{
		"should_trade": sig.ShouldTrade,
		"confidence":   sig.Confidence,
		"hint_applied": sig.HintApplied,
	}
	for name, value := range sig.Components {
		fields["component_"+name] = value
	}

	point := influxdb2.NewPoint(
		"signals",
		map[string]string{
			"symbol":    sig.Symbol,
			"direction": string(sig.Direction),
		},
		fields,
		sig.Timestamp,
	)

	s.writeAPI.WritePoint(point)
}

// OnPositionChange сохраняет изменение позиции (открытие, добор, закрытие)
func (s *InfluxDBStorage) OnPositionChange(pos models.Position, event string, pnl float64) {
	point := influxdb2.NewPoint(
		"positions",
		map[string]string{
			"symbol": pos.Symbol,
			"side":   string(pos.Side),
			"event":  event,
		},
		map[string]interface{}{
			"size":        pos.Size,
			"entry_price": pos.EntryPrice,
			"stop_loss":   pos.StopLoss,
			"take_profit": pos.TakeProfit,
			"pnl":         pnl,
		},
		time.Now(),
	)

	s.writeAPI.WritePoint(point)
}
