package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"riskguard/internal/guard"
	"riskguard/internal/models"
	"riskguard/internal/service"
)

// ============ Mock Panic Service ============

// MockPanicService мок для PanicServiceInterface
type MockPanicService struct {
	report  *models.PanicReport
	status  *guard.Status
	history []*models.PanicReport

	triggerErr error
	resetErr   error
	statusErr  error
	getErr     error
	pruneErr   error

	triggerReasons []string
	resetCalls     int
	mu             sync.RWMutex
}

// NewMockPanicService создает новый мок сервиса аварийной остановки
func NewMockPanicService() *MockPanicService {
	return &MockPanicService{
		report: &models.PanicReport{
			RunID:   "run-1",
			Success: true,
			Locked:  true,
		},
		status: &guard.Status{
			State:     guard.StateIdle,
			StateInfo: guard.StateInfo(guard.StateIdle),
		},
	}
}

func (m *MockPanicService) Trigger(reason string) (*models.PanicReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.triggerReasons = append(m.triggerReasons, reason)
	if m.triggerErr != nil {
		return m.report, m.triggerErr
	}
	return m.report, nil
}

func (m *MockPanicService) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetCalls++
	return m.resetErr
}

func (m *MockPanicService) Status() (*guard.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return m.status, nil
}

func (m *MockPanicService) History(limit int) ([]*models.PanicReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.getErr != nil {
		return nil, m.getErr
	}

	result := make([]*models.PanicReport, 0, len(m.history))
	result = append(result, m.history...)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockPanicService) Report(runID string) (*models.PanicReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, report := range m.history {
		if report.RunID == runID {
			return report, nil
		}
	}
	return nil, service.ErrReportNotFound
}

func (m *MockPanicService) ReportCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.getErr != nil {
		return 0, m.getErr
	}
	return len(m.history), nil
}

func (m *MockPanicService) PruneReports(olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pruneErr != nil {
		return 0, m.pruneErr
	}
	return 0, nil
}

// SetError устанавливает ошибку для указанной операции
func (m *MockPanicService) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch operation {
	case "trigger":
		m.triggerErr = err
	case "reset":
		m.resetErr = err
	case "status":
		m.statusErr = err
	case "get":
		m.getErr = err
	case "prune":
		m.pruneErr = err
	}
}

// AddReport добавляет отчет в историю напрямую (для настройки тестов)
func (m *MockPanicService) AddReport(report *models.PanicReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, report)
}

// SetStatus устанавливает снимок состояния напрямую (для настройки тестов)
func (m *MockPanicService) SetStatus(status *guard.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status = status
}

// ============ Mock Risk Service ============

// MockRiskService мок для RiskServiceInterface
type MockRiskService struct {
	status  *guard.RiskStatus
	command *models.RiskCommand
	mode    models.RiskMode
	breaker guard.BreakerStatus
	allowed bool

	commandErr error
	modeErr    error
	allowedErr error
	mu         sync.RWMutex
}

// NewMockRiskService создает новый мок сервиса статуса рисков
func NewMockRiskService() *MockRiskService {
	return &MockRiskService{
		status:  &guard.RiskStatus{Mode: models.ModeNormal},
		command: &models.RiskCommand{Timestamp: time.Now().UTC(), Mode: models.ModeNormal, AllowNewEntries: true},
		mode:    models.ModeNormal,
		breaker: guard.BreakerStatus{Enabled: true},
		allowed: true,
	}
}

func (m *MockRiskService) Status() *guard.RiskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.status
}

func (m *MockRiskService) Command() (*models.RiskCommand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.commandErr != nil {
		return nil, m.commandErr
	}
	return m.command, nil
}

func (m *MockRiskService) Mode() (models.RiskMode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.modeErr != nil {
		return "", m.modeErr
	}
	return m.mode, nil
}

func (m *MockRiskService) Breaker() guard.BreakerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.breaker
}

func (m *MockRiskService) TradingAllowed() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.allowedErr != nil {
		return false, m.allowedErr
	}
	return m.allowed, nil
}

// SetError устанавливает ошибку для указанной операции
func (m *MockRiskService) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch operation {
	case "command":
		m.commandErr = err
	case "mode":
		m.modeErr = err
	case "allowed":
		m.allowedErr = err
	}
}

// SetSnapshot устанавливает снимок монитора напрямую (для настройки тестов)
func (m *MockRiskService) SetSnapshot(status *guard.RiskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status = status
}

// ============ Helper errors for tests ============

var (
	ErrMockDatabase = errors.New("mock database error")
	ErrMockService  = errors.New("mock service error")
)

// ============ Проверяем, что моки реализуют интерфейсы ============

var _ service.PanicServiceInterface = (*MockPanicService)(nil)
var _ service.RiskServiceInterface = (*MockRiskService)(nil)
