package service

import (
	"context"
	"time"

	"riskguard/internal/guard"
	"riskguard/internal/models"
	"riskguard/internal/repository"
	"riskguard/internal/websocket"
)

// LockRepositoryInterface определяет интерфейс репозитория аварийного замка
type LockRepositoryInterface interface {
	Get() (*models.LockState, error)
	Arm(reason string) error
	ClearLock() error
	SetTradingDisabled(disabled bool, reason string) error
	TradingAllowed() (bool, error)
}

// ReportRepositoryInterface определяет интерфейс репозитория отчетов прогонов
type ReportRepositoryInterface interface {
	Save(report *models.PanicReport) error
	GetLatest() (*models.PanicReport, error)
	GetByRunID(runID string) (*models.PanicReport, error)
	GetRecent(limit int) ([]*models.PanicReport, error)
	Count() (int, error)
	DeleteOlderThan(timestamp time.Time) (int64, error)
}

// CommandRepositoryInterface определяет интерфейс репозитория риск-команд
type CommandRepositoryInterface interface {
	Publish(cmd *models.RiskCommand) error
	Get() (*models.RiskCommand, error)
	GetMode() (models.RiskMode, error)
}

// Проверяем, что реальные репозитории реализуют интерфейсы сервисного слоя
var _ LockRepositoryInterface = (*repository.LockRepository)(nil)
var _ ReportRepositoryInterface = (*repository.ReportRepository)(nil)
var _ CommandRepositoryInterface = (*repository.CommandRepository)(nil)

// ...и контракты хранилищ, которых ждут оркестратор и монитор
var _ guard.LockStore = (*repository.LockRepository)(nil)
var _ guard.ReportStore = (*repository.ReportRepository)(nil)
var _ guard.CommandStore = (*repository.CommandRepository)(nil)

// Статусный хаб обязан удовлетворять контракту неблокирующей рассылки
var _ guard.Broadcaster = (*websocket.Hub)(nil)

// ============ Интерфейсы ядра для Dependency Injection ============

// PanicEngineInterface - операции аварийного автомата, нужные сервису
type PanicEngineInterface interface {
	Trigger(reason string) (*models.PanicReport, error)
	Reset(ctx context.Context) error
	Status() (*guard.Status, error)
}

// RiskMonitorInterface - снимок состояния монитора рисков
type RiskMonitorInterface interface {
	Status() *guard.RiskStatus
}

// BreakerInterface - снимок состояния дневного ограничителя потерь
type BreakerInterface interface {
	Status() guard.BreakerStatus
}

// Проверяем, что ядро guard реализует интерфейсы
var _ PanicEngineInterface = (*guard.Orchestrator)(nil)
var _ RiskMonitorInterface = (*guard.Monitor)(nil)
var _ BreakerInterface = (*guard.DailyBreaker)(nil)

// ============ Интерфейсы сервисов для Dependency Injection ============

// PanicServiceInterface определяет интерфейс сервиса аварийной остановки
type PanicServiceInterface interface {
	Trigger(reason string) (*models.PanicReport, error)
	Reset(ctx context.Context) error
	Status() (*guard.Status, error)
	History(limit int) ([]*models.PanicReport, error)
	Report(runID string) (*models.PanicReport, error)
	ReportCount() (int, error)
	PruneReports(olderThan time.Duration) (int64, error)
}

// RiskServiceInterface определяет интерфейс сервиса статуса рисков
type RiskServiceInterface interface {
	Status() *guard.RiskStatus
	Command() (*models.RiskCommand, error)
	Mode() (models.RiskMode, error)
	Breaker() guard.BreakerStatus
	TradingAllowed() (bool, error)
}

// Проверяем, что реальные сервисы реализуют интерфейсы
var _ PanicServiceInterface = (*PanicService)(nil)
var _ RiskServiceInterface = (*RiskService)(nil)
