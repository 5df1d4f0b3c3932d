package service

import (
	"context"
	"time"

	"riskguard/internal/guard"
	"riskguard/internal/models"
	"riskguard/internal/repository"
)

// ============ Mock PanicEngine ============

type MockPanicEngine struct {
	report     *models.PanicReport
	triggerErr error
	resetErr   error
	status     *guard.Status
	statusErr  error

	triggerReasons []string
	resetCalls     int
}

func NewMockPanicEngine() *MockPanicEngine {
	return &MockPanicEngine{
		status: &guard.Status{
			State:     guard.StateIdle,
			StateInfo: guard.StateInfo(guard.StateIdle),
		},
	}
}

func (m *MockPanicEngine) Trigger(reason string) (*models.PanicReport, error) {
	m.triggerReasons = append(m.triggerReasons, reason)
	return m.report, m.triggerErr
}

func (m *MockPanicEngine) Reset(ctx context.Context) error {
	m.resetCalls++
	return m.resetErr
}

func (m *MockPanicEngine) Status() (*guard.Status, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return m.status, nil
}

// ============ Mock ReportRepository ============

// MockReportRepository хранит отчеты в порядке сохранения:
// последний сохраненный считается самым свежим.
type MockReportRepository struct {
	reports   []*models.PanicReport
	saveErr   error
	getErr    error
	countErr  error
	deleteErr error

	lastRecentLimit int
}

func NewMockReportRepository() *MockReportRepository {
	return &MockReportRepository{}
}

func (m *MockReportRepository) Save(report *models.PanicReport) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	for i, existing := range m.reports {
		if existing.RunID == report.RunID {
			m.reports[i] = report
			return nil
		}
	}
	m.reports = append(m.reports, report)
	return nil
}

func (m *MockReportRepository) GetLatest() (*models.PanicReport, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if len(m.reports) == 0 {
		return nil, repository.ErrReportNotFound
	}
	return m.reports[len(m.reports)-1], nil
}

func (m *MockReportRepository) GetByRunID(runID string) (*models.PanicReport, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, report := range m.reports {
		if report.RunID == runID {
			return report, nil
		}
	}
	return nil, repository.ErrReportNotFound
}

func (m *MockReportRepository) GetRecent(limit int) ([]*models.PanicReport, error) {
	m.lastRecentLimit = limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	result := make([]*models.PanicReport, 0, limit)
	for i := len(m.reports) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, m.reports[i])
	}
	return result, nil
}

func (m *MockReportRepository) Count() (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	return len(m.reports), nil
}

func (m *MockReportRepository) DeleteOlderThan(timestamp time.Time) (int64, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	kept := m.reports[:0]
	var deleted int64
	for _, report := range m.reports {
		if report.StartedAt.Before(timestamp) {
			deleted++
			continue
		}
		kept = append(kept, report)
	}
	m.reports = kept
	return deleted, nil
}

// ============ Mock CommandRepository ============

type MockCommandRepository struct {
	cmd        *models.RiskCommand
	publishErr error
	getErr     error
	modeErr    error

	publishCalls int
}

func NewMockCommandRepository() *MockCommandRepository {
	return &MockCommandRepository{}
}

func (m *MockCommandRepository) Publish(cmd *models.RiskCommand) error {
	m.publishCalls++
	if m.publishErr != nil {
		return m.publishErr
	}
	m.cmd = cmd
	return nil
}

func (m *MockCommandRepository) Get() (*models.RiskCommand, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.cmd == nil {
		return nil, repository.ErrCommandNotFound
	}
	return m.cmd, nil
}

func (m *MockCommandRepository) GetMode() (models.RiskMode, error) {
	if m.modeErr != nil {
		return "", m.modeErr
	}
	if m.cmd == nil {
		return "", repository.ErrCommandNotFound
	}
	return m.cmd.Mode, nil
}

// ============ Mock LockRepository ============

type MockLockRepository struct {
	state      models.LockState
	getErr     error
	armErr     error
	clearErr   error
	disableErr error
	allowedErr error
}

func NewMockLockRepository() *MockLockRepository {
	return &MockLockRepository{}
}

func (m *MockLockRepository) Get() (*models.LockState, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	state := m.state
	return &state, nil
}

func (m *MockLockRepository) Arm(reason string) error {
	if m.armErr != nil {
		return m.armErr
	}
	now := time.Now().UTC()
	m.state.Armed = true
	m.state.ArmedAt = &now
	m.state.Reason = reason
	m.state.TradingDisabled = true
	m.state.DisabledReason = reason
	return nil
}

func (m *MockLockRepository) ClearLock() error {
	if m.clearErr != nil {
		return m.clearErr
	}
	m.state = models.LockState{}
	return nil
}

func (m *MockLockRepository) SetTradingDisabled(disabled bool, reason string) error {
	if m.disableErr != nil {
		return m.disableErr
	}
	// Как и в реальном хранилище: пока замок взведен, торговля запрещена
	m.state.TradingDisabled = m.state.Armed || disabled
	m.state.DisabledReason = reason
	return nil
}

func (m *MockLockRepository) TradingAllowed() (bool, error) {
	if m.allowedErr != nil {
		return false, m.allowedErr
	}
	state := m.state
	return state.TradingAllowed(), nil
}

// ============ Mock RiskMonitor ============

type MockRiskMonitor struct {
	status *guard.RiskStatus
}

func NewMockRiskMonitor() *MockRiskMonitor {
	return &MockRiskMonitor{
		status: &guard.RiskStatus{Mode: models.ModeNormal},
	}
}

func (m *MockRiskMonitor) Status() *guard.RiskStatus {
	return m.status
}

// ============ Mock Breaker ============

type MockBreaker struct {
	status guard.BreakerStatus
}

func NewMockBreaker() *MockBreaker {
	return &MockBreaker{
		status: guard.BreakerStatus{Enabled: true},
	}
}

func (m *MockBreaker) Status() guard.BreakerStatus {
	return m.status
}
