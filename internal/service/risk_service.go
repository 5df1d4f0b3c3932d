package service

import (
	"errors"
	"fmt"
	"time"

	"riskguard/internal/guard"
	"riskguard/internal/models"
	"riskguard/internal/repository"
)

// DefaultCommandFreshness - предельный возраст команды для читателей:
// два интервала опроса монитора при интервале по умолчанию 60 секунд.
const DefaultCommandFreshness = 2 * time.Minute

// RiskService - статусная прослойка над монитором рисков.
//
// Отвечает за:
// - Снимок последнего опроса монитора (режим, счетчик сбоев, маржа)
// - Выдачу сохраненной команды с той же трактовкой свежести,
//   которой обязаны следовать потребители
// - Состояние дневного ограничителя потерь и флага торговли
//
// Сервис ничего не публикует и не исполняет: писатель команд один,
// и это монитор.
type RiskService struct {
	monitor   RiskMonitorInterface
	breaker   BreakerInterface
	commands  CommandRepositoryInterface
	locks     LockRepositoryInterface
	freshness time.Duration
}

// NewRiskService создает новый экземпляр RiskService.
//
// freshness - предельный возраст команды; нулевое значение заменяется
// на DefaultCommandFreshness.
func NewRiskService(
	monitor RiskMonitorInterface,
	breaker BreakerInterface,
	commands CommandRepositoryInterface,
	locks LockRepositoryInterface,
	freshness time.Duration,
) *RiskService {
	if freshness <= 0 {
		freshness = DefaultCommandFreshness
	}
	return &RiskService{
		monitor:   monitor,
		breaker:   breaker,
		commands:  commands,
		locks:     locks,
		freshness: freshness,
	}
}

// Status возвращает снимок последнего опроса монитора.
func (s *RiskService) Status() *guard.RiskStatus {
	return s.monitor.Status()
}

// Command возвращает команду в той трактовке, которой обязан следовать
// читатель хранилища: отсутствующая и протухшая команды неотличимы,
// в обоих случаях отдается консервативная поза с запретом входов.
func (s *RiskService) Command() (*models.RiskCommand, error) {
	cmd, err := s.commands.Get()
	if err != nil {
		if errors.Is(err, repository.ErrCommandNotFound) {
			return models.ConservativeCommand("No risk command stored"), nil
		}
		return nil, err
	}

	if !cmd.IsFresh(time.Now().UTC(), s.freshness) {
		reason := fmt.Sprintf("Risk command stale: last update %s",
			cmd.Timestamp.UTC().Format(time.RFC3339))
		return models.ConservativeCommand(reason), nil
	}

	return cmd, nil
}

// Mode возвращает режим сохраненной команды КАК ЗАПИСАН, без проверки
// свежести. Расхождение с Command().Mode означает, что запись протухла:
// монитор не публиковал дольше допустимого.
func (s *RiskService) Mode() (models.RiskMode, error) {
	mode, err := s.commands.GetMode()
	if err != nil {
		if errors.Is(err, repository.ErrCommandNotFound) {
			return models.ModeShutdown, nil
		}
		return "", err
	}
	return mode, nil
}

// Breaker возвращает состояние дневного ограничителя потерь.
func (s *RiskService) Breaker() guard.BreakerStatus {
	return s.breaker.Status()
}

// TradingAllowed сообщает, разрешена ли сейчас торговля по флагу замка.
func (s *RiskService) TradingAllowed() (bool, error) {
	return s.locks.TradingAllowed()
}
