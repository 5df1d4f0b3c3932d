package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"riskguard/internal/guard"
	"riskguard/internal/models"
	"riskguard/internal/repository"
)

// Ошибки сервиса аварийной остановки
var (
	ErrRunIDEmpty     = errors.New("run id cannot be empty")
	ErrReportNotFound = errors.New("panic report not found")
)

// DefaultTriggerReason подставляется, когда вызывающий не указал причину
const DefaultTriggerReason = "Manual panic trigger"

// Пределы выборки истории прогонов. Отчеты тяжелые (JSONB с таймингами
// фаз и списком символов), поэтому лимиты ниже, чем у обычных журналов.
const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// defaultReportRetention - сколько храним завершенные отчеты
const defaultReportRetention = 90 * 24 * time.Hour

// PanicService - прикладной слой над аварийным автоматом.
//
// Отвечает за:
// - Запуск аварийной остановки с нормализацией причины
// - Сброс замка после ручной проверки
// - Выдачу статуса, истории и отдельных отчетов прогонов
// - Плановую чистку старых отчетов
//
// Сервис не содержит собственной логики остановки: все решения
// принимает автомат, сервис только нормализует вход и переводит
// ошибки хранилища в ошибки своего уровня.
type PanicService struct {
	engine  PanicEngineInterface
	reports ReportRepositoryInterface
}

// NewPanicService создает новый экземпляр PanicService.
func NewPanicService(engine PanicEngineInterface, reports ReportRepositoryInterface) *PanicService {
	return &PanicService{
		engine:  engine,
		reports: reports,
	}
}

// Trigger запускает аварийную остановку и блокируется до терминального
// состояния прогона.
//
// Параметры:
// - reason: причина запуска для отчета и уведомлений; пустая строка
//   заменяется на DefaultTriggerReason
//
// Возвращает отчет прогона. При повторном запуске поверх незавершенного
// прогона или поставленного замка возвращается отчет текущего/последнего
// прогона вместе с guard.ErrRunInFlight.
func (s *PanicService) Trigger(reason string) (*models.PanicReport, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultTriggerReason
	}
	return s.engine.Trigger(reason)
}

// Reset снимает аварийный замок после ручной проверки счета.
//
// Возвращает:
// - guard.ErrResetNotArmed если замок не поставлен
// - *guard.NotFlatError если на счете остались позиции или ордера
func (s *PanicService) Reset(ctx context.Context) error {
	return s.engine.Reset(ctx)
}

// Status возвращает снимок состояния автомата, замка и последнего отчета.
func (s *PanicService) Status() (*guard.Status, error) {
	return s.engine.Status()
}

// History возвращает последние отчеты прогонов (новые сверху).
//
// Параметры:
// - limit: максимальное количество записей (по умолчанию 20, максимум 100)
func (s *PanicService) History(limit int) ([]*models.PanicReport, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	reports, err := s.reports.GetRecent(limit)
	if err != nil {
		return nil, err
	}

	// Гарантируем возврат пустого массива вместо nil
	if reports == nil {
		reports = []*models.PanicReport{}
	}

	return reports, nil
}

// Report возвращает отчет прогона по его идентификатору.
//
// Возвращает:
// - ErrRunIDEmpty если идентификатор пустой
// - ErrReportNotFound если прогон с таким идентификатором не сохранен
func (s *PanicService) Report(runID string) (*models.PanicReport, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, ErrRunIDEmpty
	}

	report, err := s.reports.GetByRunID(runID)
	if err != nil {
		if errors.Is(err, repository.ErrReportNotFound) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}

	return report, nil
}

// ReportCount возвращает общее количество сохраненных отчетов.
func (s *PanicService) ReportCount() (int, error) {
	return s.reports.Count()
}

// PruneReports удаляет отчеты старше olderThan и возвращает число удаленных.
//
// Вызывается планово из процесса. Нулевой или отрицательный срок
// заменяется на 90 суток.
func (s *PanicService) PruneReports(olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = defaultReportRetention
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.reports.DeleteOlderThan(cutoff)
}
