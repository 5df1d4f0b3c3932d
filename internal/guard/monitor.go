package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"riskguard/internal/alert"
	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// ============================================================
// Монитор маржинального риска
// ============================================================

// CommandStore - долговременное хранилище риск-команд.
// Publish атомарно заменяет единственную текущую команду.
type CommandStore interface {
	Publish(cmd *models.RiskCommand) error
	Get() (*models.RiskCommand, error)
}

// Thresholds - границы режимов по утилизации маржи.
// Границы включающие снизу: utilization >= Halt означает HALT.
type Thresholds struct {
	Warn   float64
	Derisk float64
	Cap    float64
	Halt   float64
}

// DefaultThresholds возвращает границы режимов по умолчанию
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warn:   0.60,
		Derisk: 0.70,
		Cap:    0.80,
		Halt:   0.90,
	}
}

// Validate проверяет, что границы лежат в (0, 1] и строго возрастают
func (t Thresholds) Validate() error {
	bounds := []struct {
		name  string
		value float64
	}{
		{"warn", t.Warn},
		{"derisk", t.Derisk},
		{"cap", t.Cap},
		{"halt", t.Halt},
	}
	prev := 0.0
	for _, b := range bounds {
		if b.value <= 0 || b.value > 1 {
			return fmt.Errorf("threshold %s = %.3f out of range (0, 1]", b.name, b.value)
		}
		if b.value <= prev {
			return fmt.Errorf("threshold %s = %.3f must be greater than the previous one", b.name, b.value)
		}
		prev = b.value
	}
	return nil
}

// ModeForUtilization - чистая функция режима от утилизации.
// Вся градация риска сосредоточена здесь.
func ModeForUtilization(utilization float64, t Thresholds) models.RiskMode {
	switch {
	case utilization >= t.Halt:
		return models.ModeHalt
	case utilization >= t.Cap:
		return models.ModeEmergency
	case utilization >= t.Derisk:
		return models.ModeDerisk
	case utilization >= t.Warn:
		return models.ModeAlert
	default:
		return models.ModeNormal
	}
}

// Предел растяжки паузы опроса при сбоях, в периодах опроса.
const failureBackoffCap = 4

// MonitorConfig - конфигурация монитора риска
type MonitorConfig struct {
	// Период опроса маржинального состояния
	PollInterval time.Duration

	// Таймаут одного запроса к бирже, должен быть меньше периода опроса
	RequestTimeout time.Duration

	// Число подряд проваленных опросов, после которого публикуется HALT
	FailureThreshold int

	// В dry-run режиме команды помечаются флагом и потребители их не исполняют
	DryRun bool

	// Границы режимов
	Thresholds Thresholds

	// Целевая утилизация после сокращения в DERISK
	DeriskTarget float64

	// Целевая утилизация после сокращения в EMERGENCY
	EmergencyTarget float64
}

// DefaultMonitorConfig возвращает конфигурацию по умолчанию
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:     60 * time.Second,
		RequestTimeout:   10 * time.Second,
		FailureThreshold: 3,
		Thresholds:       DefaultThresholds(),
		DeriskTarget:     0.60,
		EmergencyTarget:  0.58,
	}
}

// Monitor опрашивает маржинальное состояние аккаунта и публикует
// риск-команды для потребителей (entry engine, position manager).
//
// Монитор - единственный писатель команды. Потребители читают её из
// хранилища и обязаны трактовать протухшую или отсутствующую команду
// как запрет входов, поэтому при сбоях опроса хранимая команда не
// ослабляется никогда: либо публикуется более строгая, либо ничего.
type Monitor struct {
	gateway  exchange.Gateway
	commands CommandStore
	alerts   alert.Sink
	hub      Broadcaster
	logger   *utils.Logger
	config   MonitorConfig

	mu                  sync.Mutex
	lastMode            models.RiskMode
	lastState           *models.AccountMarginState
	lastCommand         *models.RiskCommand
	consecutiveFailures int
	stateHooks          []func(*models.AccountMarginState)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMonitor создает монитор риска
func NewMonitor(
	gateway exchange.Gateway,
	commands CommandStore,
	alerts alert.Sink,
	hub Broadcaster,
	config MonitorConfig,
) *Monitor {
	if config.PollInterval <= 0 {
		config.PollInterval = 60 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	return &Monitor{
		gateway:  gateway,
		commands: commands,
		alerts:   alerts,
		hub:      hub,
		logger:   utils.L().WithComponent("monitor"),
		config:   config,
		lastMode: models.ModeNormal,
		stopCh:   make(chan struct{}),
	}
}

// OnState регистрирует обработчик каждого успешного опроса.
// Так дневной предохранитель наблюдает капитал без собственного опроса.
func (m *Monitor) OnState(hook func(*models.AccountMarginState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateHooks = append(m.stateHooks, hook)
}

// Start запускает цикл мониторинга и блокируется до остановки.
// Первый опрос выполняется сразу, чтобы базовая команда появилась
// до истечения первого периода. При подряд идущих сбоях опроса пауза
// между опросами удваивается до предела, после успеха возвращается
// к обычному периоду.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("монитор риска запущен",
		utils.String("poll_interval", m.config.PollInterval.String()),
		utils.Float64("warn", m.config.Thresholds.Warn),
		utils.Float64("derisk", m.config.Thresholds.Derisk),
		utils.Float64("cap", m.config.Thresholds.Cap),
		utils.Float64("halt", m.config.Thresholds.Halt),
		utils.Bool("dry_run", m.config.DryRun))

	m.cycle(ctx)

	timer := time.NewTimer(m.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.publishShutdown()
			return
		case <-m.stopCh:
			m.publishShutdown()
			return
		case <-timer.C:
			m.cycle(ctx)
			timer.Reset(m.nextDelay())
		}
	}
}

// nextDelay возвращает паузу до следующего опроса: обычный период,
// удвоенный за каждый подряд идущий сбой, не более failureBackoffCap
// периодов. Порог сбоев для HALT не зависит от пауз.
func (m *Monitor) nextDelay() time.Duration {
	m.mu.Lock()
	n := m.consecutiveFailures
	m.mu.Unlock()

	delay := m.config.PollInterval
	maxDelay := failureBackoffCap * m.config.PollInterval
	for i := 0; i < n && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// Stop останавливает цикл мониторинга
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// cycle выполняет один цикл: опрос, градация, публикация
func (m *Monitor) cycle(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	state, err := m.gateway.GetMarginState(reqCtx)
	RecordGatewayRequest("get_margin_state", latencyMs(start), err)
	if err != nil {
		m.handlePollFailure(err)
		return
	}
	m.handleState(state)
}

// handlePollFailure считает подряд идущие провалы опроса.
// Ниже порога хранимая команда не трогается: её протухание само
// переведет потребителей в консервативную позу. На пороге и выше
// публикуется аварийный HALT.
func (m *Monitor) handlePollFailure(err error) {
	m.mu.Lock()
	m.consecutiveFailures++
	n := m.consecutiveFailures
	m.mu.Unlock()

	RecordRiskPollFailure(n)
	m.logger.Error("опрос маржи провален",
		utils.Int("consecutive", n),
		utils.Err(err))

	if n < m.config.FailureThreshold {
		return
	}

	cmd := &models.RiskCommand{
		Timestamp:       time.Now().UTC(),
		Mode:            models.ModeHalt,
		DryRun:          m.config.DryRun,
		AllowNewEntries: false,
		CancelAllOrders: true,
		ClosePositions:  true,
		CloseFraction:   1.0,
		Priority:        models.PriorityImmediate,
		Message:         fmt.Sprintf("API failures - emergency halt after %d errors", n),
	}
	m.publish(cmd)

	m.mu.Lock()
	m.lastMode = models.ModeHalt
	m.lastCommand = cmd
	m.mu.Unlock()

	if n == m.config.FailureThreshold {
		m.sendAlert("🚨 RISK MONITOR DEGRADED\n" + cmd.Message)
	}
}

// handleState градуирует утилизацию и публикует команду режима
func (m *Monitor) handleState(state *models.AccountMarginState) {
	mode := ModeForUtilization(state.Utilization, m.config.Thresholds)
	cmd := m.deriveCommand(mode, state)

	m.mu.Lock()
	prevMode := m.lastMode
	m.consecutiveFailures = 0
	m.lastMode = mode
	m.lastState = state
	m.lastCommand = cmd
	hooks := make([]func(*models.AccountMarginState), len(m.stateHooks))
	copy(hooks, m.stateHooks)
	m.mu.Unlock()

	RecordRiskPoll(state, mode)

	m.logger.Info("цикл монитора",
		utils.Equity(state.TotalEquity),
		utils.Float64("used_im", state.UsedInitialMargin),
		utils.Float64("free_margin", state.FreeMargin),
		utils.Utilization(state.Utilization),
		utils.Mode(string(mode)))

	m.publish(cmd)

	for _, hook := range hooks {
		hook(state)
	}

	if mode != prevMode {
		m.logger.Warn("смена режима риска",
			utils.String("from", string(prevMode)),
			utils.Mode(string(mode)),
			utils.String("message", cmd.Message))
		if mode.StricterThan(prevMode) && mode.Rank() >= models.ModeDerisk.Rank() {
			m.sendAlert(fmt.Sprintf("⚠️ RISK MODE %s\nUtilization: %.1f%%\n%s",
				mode, state.Utilization*100, cmd.Message))
		}
	}
}

// deriveCommand строит команду режима из маржинального снимка
func (m *Monitor) deriveCommand(mode models.RiskMode, state *models.AccountMarginState) *models.RiskCommand {
	cmd := &models.RiskCommand{
		Timestamp:   time.Now().UTC(),
		Mode:        mode,
		Utilization: state.Utilization,
		TotalEquity: state.TotalEquity,
		UsedIM:      state.UsedInitialMargin,
		DryRun:      m.config.DryRun,
	}

	switch mode {
	case models.ModeHalt:
		cmd.AllowNewEntries = false
		cmd.CancelAllOrders = true
		cmd.ClosePositions = true
		cmd.CloseFraction = 1.0
		cmd.Priority = models.PriorityImmediate
		cmd.Message = "≥90% IM - EMERGENCY SHUTDOWN"

	case models.ModeEmergency:
		cmd.AllowNewEntries = false
		cmd.CancelAllOrders = true
		cmd.ClosePositions = true
		cmd.CloseFraction = 0.33
		cmd.TargetUtilization = m.config.EmergencyTarget
		cmd.ExcessIMToReduce = utils.CalculateExcessIM(state.TotalEquity, state.UsedInitialMargin, m.config.EmergencyTarget)
		cmd.Priority = models.PriorityHigh
		cmd.Message = fmt.Sprintf("80-90%% IM - Emergency deleverage to %.0f%%", m.config.EmergencyTarget*100)

	case models.ModeDerisk:
		cmd.AllowNewEntries = false
		cmd.CancelAllOrders = true
		cmd.ClosePositions = true
		cmd.CloseFraction = 0.25
		cmd.TargetUtilization = m.config.DeriskTarget
		cmd.ExcessIMToReduce = utils.CalculateExcessIM(state.TotalEquity, state.UsedInitialMargin, m.config.DeriskTarget)
		cmd.Priority = models.PriorityMedium
		cmd.Message = fmt.Sprintf("70-80%% IM - Active deleverage to %.0f%%", m.config.DeriskTarget*100)

	case models.ModeAlert:
		cmd.AllowNewEntries = true
		cmd.Priority = models.PriorityLow
		cmd.Message = "60-70% IM - Recommend reducing order sizes"

	default:
		cmd.AllowNewEntries = true
		cmd.Priority = models.PriorityNone
		cmd.Message = "Normal trading - All systems operational"
	}

	return cmd
}

// publish пишет команду в хранилище и рассылает её в статусный стрим
func (m *Monitor) publish(cmd *models.RiskCommand) {
	if err := m.commands.Publish(cmd); err != nil {
		m.logger.Error("не удалось опубликовать команду",
			utils.Mode(string(cmd.Mode)),
			utils.Err(err))
		return
	}
	RecordCommandPublished(cmd.Mode)

	if m.hub != nil {
		m.hub.BroadcastEvent("risk_command", cmd)
		RecordWSEvent("risk_command")
	}

	m.logger.Info("команда опубликована",
		utils.Mode(string(cmd.Mode)),
		utils.Bool("allow_entries", cmd.AllowNewEntries),
		utils.String("priority", string(cmd.Priority)),
		utils.String("message", cmd.Message))
}

// publishShutdown публикует SHUTDOWN при остановке монитора:
// потребители не должны торговать, пока надзор выключен
func (m *Monitor) publishShutdown() {
	cmd := models.ConservativeCommand("Risk Command Center offline")
	cmd.DryRun = m.config.DryRun
	m.publish(cmd)
	m.logger.Warn("монитор риска остановлен")
}

// sendAlert отправляет уведомление, не блокируя цикл надолго
func (m *Monitor) sendAlert(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.alerts.Send(ctx, text); err != nil {
		m.logger.Warn("не удалось отправить уведомление", utils.Err(err))
	}
}

// RiskStatus - моментальный снимок состояния монитора
type RiskStatus struct {
	Mode                models.RiskMode            `json:"mode"`
	ConsecutiveFailures int                        `json:"consecutive_failures"`
	MarginState         *models.AccountMarginState `json:"margin_state,omitempty"`
	Command             *models.RiskCommand        `json:"command,omitempty"`
}

// Status возвращает снимок последнего опроса.
// Снимки и команды после публикации не изменяются, поэтому
// указатели можно отдавать без копирования.
func (m *Monitor) Status() *RiskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &RiskStatus{
		Mode:                m.lastMode,
		ConsecutiveFailures: m.consecutiveFailures,
		MarginState:         m.lastState,
		Command:             m.lastCommand,
	}
}
