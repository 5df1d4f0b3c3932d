package guard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"riskguard/internal/alert"
	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/pkg/retry"
	"riskguard/pkg/utils"
)

// ============================================================
// Оркестратор аварийной остановки
// ============================================================

// LockStore - долговременное хранилище замка и флага запрета торговли
type LockStore interface {
	Get() (*models.LockState, error)
	Arm(reason string) error
	ClearLock() error
	SetTradingDisabled(disabled bool, reason string) error
}

// ReportStore - долговременное хранилище отчетов прогонов
type ReportStore interface {
	Save(report *models.PanicReport) error
	GetLatest() (*models.PanicReport, error)
}

// Broadcaster рассылает события статусного стрима подключенным клиентам.
// Рассылка обязана быть неблокирующей: медленный клиент не должен
// замедлять аварийную процедуру.
type Broadcaster interface {
	BroadcastEvent(event string, payload interface{})
}

// Ошибки оркестратора
var (
	// ErrRunInFlight - повторный trigger при незавершенном прогоне или
	// поставленном замке. Это не сбой: вызывающий получает отчет
	// текущего/последнего прогона.
	ErrRunInFlight = errors.New("panic already triggered: run in flight or lock armed")

	// ErrResetNotArmed - попытка сброса без поставленного замка
	ErrResetNotArmed = errors.New("reset rejected: panic lock is not armed")
)

// NotFlatError - сброс отклонен: на счете остались позиции или ордера
type NotFlatError struct {
	PositionsRemaining int
	OrdersRemaining    int
}

func (e *NotFlatError) Error() string {
	return fmt.Sprintf("unsafe reset: %d positions, %d orders remaining", e.PositionsRemaining, e.OrdersRemaining)
}

// PartialFailureError - прогон завершился в FAILED_PARTIAL: замок поставлен,
// но пустота счета не подтверждена
type PartialFailureError struct {
	RunID  string
	Reason string
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("panic run %s ended in partial failure: %s", e.RunID, e.Reason)
}

// OrchestratorConfig - конфигурация аварийной остановки
type OrchestratorConfig struct {
	// Интервал опроса биржи в фазе верификации
	VerifyPollInterval time.Duration

	// Максимальное время ожидания пустого счета
	VerifyTimeout time.Duration

	// Размер пула воркеров для отмены и закрытия по символам
	FlattenWorkers int

	// Жесткий потолок длительности всего прогона
	RunTimeout time.Duration

	// Политика повторов запросов к бирже внутри прогона.
	// MaxRetries <= 0 заменяется retry.ExecutionConfig(): прогон обязан
	// быть ограничен по числу попыток
	Retry retry.Config
}

// DefaultOrchestratorConfig возвращает конфигурацию по умолчанию
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		VerifyPollInterval: 200 * time.Millisecond,
		VerifyTimeout:      120 * time.Second,
		FlattenWorkers:     4,
		RunTimeout:         10 * time.Minute,
	}
}

// Orchestrator - синглтон аварийной остановки.
//
// Последовательность прогона: DISABLING → CANCELING → FLATTENING → VERIFYING,
// затем LOCKED при подтвержденной пустоте счета или FAILED_PARTIAL при любом
// невосстановимом сбое. В ОБОИХ терминальных исходах замок ставится, а флаг
// запрета торговли остается выставленным: после аварийной остановки система
// никогда не возвращается в торговлю сама.
type Orchestrator struct {
	gateway exchange.Gateway
	locks   LockStore
	reports ReportStore
	alerts  alert.Sink
	hub     Broadcaster
	logger  *utils.Logger
	config  OrchestratorConfig

	retryCfg retry.Config

	// mu охраняет state и report: прогон дописывает отчет только под mu,
	// читатели статуса получают копию
	mu     sync.Mutex
	state  State
	report *models.PanicReport

	// Подсказки приватного стрима ускоряют верификацию между опросами
	wakeCh chan struct{}
}

// NewOrchestrator создает новый оркестратор аварийной остановки
func NewOrchestrator(
	gateway exchange.Gateway,
	locks LockStore,
	reports ReportStore,
	alerts alert.Sink,
	hub Broadcaster,
	config OrchestratorConfig,
) *Orchestrator {
	retryCfg := config.Retry
	if retryCfg.MaxRetries <= 0 {
		retryCfg = retry.ExecutionConfig()
	}
	o := &Orchestrator{
		gateway:  gateway,
		locks:    locks,
		reports:  reports,
		alerts:   alerts,
		hub:      hub,
		logger:   utils.L().WithComponent("orchestrator"),
		config:   config,
		retryCfg: retryCfg,
		state:    StateIdle,
		wakeCh:   make(chan struct{}, 1),
	}
	o.retryCfg.RetryIf = retry.IsRetryable
	o.retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		o.logger.Warn("повтор запроса к бирже",
			utils.Int("attempt", attempt),
			utils.String("delay", delay.String()),
			utils.Err(err))
	}
	return o
}

// Restore приводит автомат к состоянию из долговременного хранилища.
// Вызывается один раз при старте процесса: если замок пережил рестарт,
// оркестратор просыпается уже заблокированным.
func (o *Orchestrator) Restore() error {
	lock, err := o.locks.Get()
	if err != nil {
		return fmt.Errorf("restore lock state: %w", err)
	}

	UpdateLockStatus(lock.Armed, lock.TradingDisabled)
	if !lock.Armed {
		return nil
	}

	terminal := StateLocked
	last, err := o.reports.GetLatest()
	if err == nil && last != nil && !last.Success {
		terminal = StateFailedPartial
	}

	o.mu.Lock()
	if last != nil {
		o.report = last
	}
	old := ForceTransition(&o.state, terminal)
	o.mu.Unlock()

	o.logger.Warn("замок пережил рестарт, автомат восстановлен",
		utils.String("from", string(old)),
		utils.State(string(terminal)),
		utils.String("reason", lock.Reason))
	return nil
}

// State возвращает текущее состояние автомата
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastReport возвращает копию отчета текущего или последнего прогона
func (o *Orchestrator) LastReport() *models.PanicReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.report.Clone()
}

// Wake будит цикл верификации раньше очередного опроса.
// Вызывается по событиям приватного WebSocket (позиция закрыта, ордер снят).
func (o *Orchestrator) Wake() {
	select {
	case o.wakeCh <- struct{}{}:
	default:
	}
}

// Trigger синхронно выполняет полный прогон аварийной остановки.
//
// Прогон намеренно не отменяется вызывающей стороной: начатая аварийная
// процедура всегда доводится до терминального состояния под собственным
// контекстом с жестким потолком длительности. Повторный вызов при
// незавершенном прогоне или поставленном замке возвращает отчет
// текущего/последнего прогона и ErrRunInFlight.
func (o *Orchestrator) Trigger(reason string) (*models.PanicReport, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		report := o.report.Clone()
		state := o.state
		o.mu.Unlock()
		o.logger.Warn("повторный trigger отклонен",
			utils.State(string(state)),
			utils.String("reason", reason))
		return report, ErrRunInFlight
	}

	report := &models.PanicReport{
		RunID:          uuid.NewString(),
		Reason:         reason,
		StartedAt:      time.Now().UTC(),
		SymbolsTouched: []string{},
		PhaseTimings:   []models.PhaseTiming{},
		Warnings:       []string{},
	}
	o.report = report
	o.transitionLocked(StateDisabling)
	o.mu.Unlock()

	runCtx, cancel := context.WithTimeout(context.Background(), o.config.RunTimeout)
	defer cancel()

	return o.run(runCtx, report)
}

// run выполняет фазы прогона и всегда доводит его до терминального состояния
func (o *Orchestrator) run(ctx context.Context, report *models.PanicReport) (*models.PanicReport, error) {
	o.logger.Warn("🚨 аварийная остановка запущена",
		utils.RunID(report.RunID),
		utils.String("reason", report.Reason))
	o.sendAlert(fmt.Sprintf("🚨 PANIC BUTTON ACTIVATED\nRun: %s\nReason: %s\nStarted: %s",
		report.RunID, report.Reason, report.StartedAt.Format(time.RFC3339)))
	o.saveReport(report)

	// Фаза DISABLING: флаг запрета торговли пишется ДО первого вызова биржи.
	// Если процесс упадет посреди прогона, торговля останется запрещенной.
	phaseStart := time.Now()
	err := o.locks.SetTradingDisabled(true, "panic: "+report.Reason)
	o.observePhase(report, "DISABLING", phaseStart, err == nil)
	if err != nil {
		o.mutateReport(func() {
			report.AddWarning(fmt.Sprintf("disable trading failed: %v", err))
		})
		return o.finishRun(report, StateFailedPartial, fmt.Sprintf("disable trading: %v", err))
	}
	o.broadcastFlag(true, "panic: "+report.Reason)
	o.transition(StateCanceling)

	touched := make(map[string]struct{})

	// Фаза CANCELING: ошибка отмены по отдельному символу - предупреждение,
	// недоступность шлюза целиком - провал прогона
	phaseStart = time.Now()
	canceled, cancelWarns, fatal := o.cancelPhase(ctx, touched)
	o.mutateReport(func() {
		report.OrdersCanceled = canceled
		for _, w := range cancelWarns {
			report.AddWarning(w)
		}
	})
	o.observePhase(report, "CANCELING", phaseStart, fatal == nil && len(cancelWarns) == 0)
	if fatal != nil {
		o.mutateReport(func() {
			report.AddWarning(fmt.Sprintf("cancel phase failed: %v", fatal))
		})
		return o.finishRun(report, StateFailedPartial, fmt.Sprintf("cancel orders: %v", fatal))
	}
	o.transition(StateFlattening)

	// Фаза FLATTENING: размер закрывающего ордера берется из живого
	// ответа биржи, никогда из кэша
	phaseStart = time.Now()
	closed, flattenWarns, fatal := o.flattenPhase(ctx, touched)
	o.mutateReport(func() {
		report.PositionsClosed = closed
		report.SymbolsTouched = sortedSymbols(touched)
		for _, w := range flattenWarns {
			report.AddWarning(w)
		}
	})
	o.observePhase(report, "FLATTENING", phaseStart, fatal == nil && len(flattenWarns) == 0)
	if fatal != nil {
		o.mutateReport(func() {
			report.AddWarning(fmt.Sprintf("flatten phase failed: %v", fatal))
		})
		return o.finishRun(report, StateFailedPartial, fmt.Sprintf("flatten positions: %v", fatal))
	}
	o.transition(StateVerifying)

	// Фаза VERIFYING: опрос до пустоты счета или до таймаута
	phaseStart = time.Now()
	clean, posLeft, ordLeft, stuck := o.verifyClean(ctx)
	o.observePhase(report, "VERIFYING", phaseStart, clean)

	if clean {
		return o.finishRun(report, StateLocked, "")
	}

	o.mutateReport(func() {
		if posLeft < 0 {
			report.AddWarning("verification polls failed: account state unknown")
		} else {
			report.AddWarning(fmt.Sprintf("Verification timeout after %.1fs: %d positions, %d orders remaining",
				time.Since(phaseStart).Seconds(), posLeft, ordLeft))
		}
		for _, s := range stuck {
			report.AddWarning(fmt.Sprintf("position still open: %s", s))
		}
	})
	return o.finishRun(report, StateFailedPartial, "verification timeout")
}

// cancelPhase отменяет все открытые ордера.
// Возвращает число отмененных, предупреждения по символам и фатальную ошибку.
func (o *Orchestrator) cancelPhase(ctx context.Context, touched map[string]struct{}) (int, []string, error) {
	orders, err := o.listOrders(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("list open orders: %w", err)
	}
	if len(orders) == 0 {
		o.logger.Info("открытых ордеров нет")
		return 0, nil, nil
	}

	symbols := make([]string, 0, len(orders))
	seen := make(map[string]struct{})
	for _, ord := range orders {
		touched[ord.Symbol] = struct{}{}
		if _, ok := seen[ord.Symbol]; !ok {
			seen[ord.Symbol] = struct{}{}
			symbols = append(symbols, ord.Symbol)
		}
	}

	// Быстрый путь: одна общая отмена на весь аккаунт
	var canceled int
	err = retry.Do(ctx, func() error {
		start := time.Now()
		n, cerr := o.gateway.CancelAllOrders(ctx, "")
		RecordGatewayRequest("cancel_all_orders", latencyMs(start), cerr)
		if cerr == nil {
			canceled = n
		}
		return cerr
	}, o.retryCfg)
	if err == nil {
		o.logger.Info("все ордера отменены общим запросом", utils.Int("canceled", canceled))
		return canceled, nil, nil
	}
	o.logger.Warn("общая отмена не удалась, отменяем по символам", utils.Err(err))

	// Медленный путь: отмена по символам в пуле воркеров.
	// Ошибка одного символа не останавливает остальные: все ошибки
	// копятся и уходят в отчет предупреждениями.
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
		errs  error
	)
	sem := make(chan struct{}, o.config.FlattenWorkers)

	for _, symbol := range symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			var n int
			cerr := retry.Do(ctx, func() error {
				start := time.Now()
				c, rerr := o.gateway.CancelAllOrders(ctx, symbol)
				RecordGatewayRequest("cancel_all_orders", latencyMs(start), rerr)
				if rerr == nil {
					n = c
				}
				return rerr
			}, o.retryCfg)

			mu.Lock()
			defer mu.Unlock()
			if cerr != nil {
				errs = multierr.Append(errs, fmt.Errorf("Cancel error for %s: %v", symbol, cerr))
				return
			}
			total += n
		}(symbol)
	}
	wg.Wait()

	return total, warningLines(errs), nil
}

// flattenPhase закрывает все открытые позиции рыночными reduce-only ордерами.
// Возвращает число закрытых, предупреждения по символам и фатальную ошибку.
func (o *Orchestrator) flattenPhase(ctx context.Context, touched map[string]struct{}) (int, []string, error) {
	positions, err := o.listPositions(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("list positions: %w", err)
	}
	if len(positions) == 0 {
		o.logger.Info("открытых позиций нет")
		return 0, nil, nil
	}

	for _, pos := range positions {
		touched[pos.Symbol] = struct{}{}
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed int
		errs   error
	)
	sem := make(chan struct{}, o.config.FlattenWorkers)

	for _, pos := range positions {
		wg.Add(1)
		sem <- struct{}{}
		go func(pos exchange.Position) {
			defer wg.Done()
			defer func() { <-sem }()

			cerr := o.closePosition(ctx, pos)

			mu.Lock()
			defer mu.Unlock()
			if cerr != nil {
				errs = multierr.Append(errs, fmt.Errorf("Close error for %s: %v", pos.Symbol, cerr))
				return
			}
			closed++
		}(pos)
	}
	wg.Wait()

	return closed, warningLines(errs), nil
}

// warningLines разворачивает накопленную ошибку в отсортированные
// строки для отчета
func warningLines(errs error) []string {
	list := multierr.Errors(errs)
	if len(list) == 0 {
		return nil
	}
	lines := make([]string, 0, len(list))
	for _, e := range list {
		lines = append(lines, e.Error())
	}
	sort.Strings(lines)
	return lines
}

// closePosition закрывает одну позицию противоположным рыночным ордером.
// При ошибке точности размер один раз пересчитывается по свежему ответу биржи.
func (o *Orchestrator) closePosition(ctx context.Context, pos exchange.Position) error {
	o.logger.Info("закрываем позицию",
		utils.Symbol(pos.Symbol),
		utils.Side(pos.CloseSide()),
		utils.Qty(pos.Size))

	err := o.placeClose(ctx, pos.Symbol, pos.CloseSide(), pos.Size)
	if err == nil {
		return nil
	}
	if !exchange.IsPrecision(err) {
		return err
	}

	// Одна повторная попытка со свежим размером
	fresh, ferr := o.findLivePosition(ctx, pos.Symbol)
	if ferr != nil {
		return fmt.Errorf("refresh position after precision error: %w", ferr)
	}
	if fresh == nil {
		// Позиция уже закрыта
		return nil
	}
	o.logger.Warn("ошибка точности, повтор со свежим размером",
		utils.Symbol(fresh.Symbol),
		utils.Qty(fresh.Size))
	return o.placeClose(ctx, fresh.Symbol, fresh.CloseSide(), fresh.Size)
}

func (o *Orchestrator) placeClose(ctx context.Context, symbol, side string, qty float64) error {
	return retry.Do(ctx, func() error {
		start := time.Now()
		_, err := o.gateway.PlaceReduceOnlyMarket(ctx, symbol, side, qty)
		RecordGatewayRequest("place_reduce_only", latencyMs(start), err)
		return err
	}, o.retryCfg)
}

// findLivePosition возвращает живую позицию по символу или nil, если ее нет
func (o *Orchestrator) findLivePosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	positions, err := o.listPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// verifyClean опрашивает биржу до пустоты счета или до таймаута.
// Возвращает исход, остатки по последнему успешному опросу и застрявшие символы.
func (o *Orchestrator) verifyClean(ctx context.Context) (bool, int, int, []string) {
	deadline := time.NewTimer(o.config.VerifyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.config.VerifyPollInterval)
	defer ticker.Stop()

	posLeft, ordLeft := -1, -1
	var stuck []string

	for {
		start := time.Now()
		positions, perr := o.gateway.ListPositions(ctx)
		RecordGatewayRequest("list_positions", latencyMs(start), perr)

		start = time.Now()
		orders, oerr := o.gateway.ListOpenOrders(ctx)
		RecordGatewayRequest("list_open_orders", latencyMs(start), oerr)

		if perr == nil && oerr == nil {
			posLeft, ordLeft = len(positions), len(orders)
			if posLeft == 0 && ordLeft == 0 {
				return true, 0, 0, nil
			}
			stuck = stuck[:0]
			for _, p := range positions {
				stuck = append(stuck, p.Symbol)
			}
			sort.Strings(stuck)
		}

		select {
		case <-ctx.Done():
			return false, posLeft, ordLeft, stuck
		case <-deadline.C:
			return false, posLeft, ordLeft, stuck
		case <-ticker.C:
		case <-o.wakeCh:
		}
	}
}

// finishRun ставит замок, финализирует отчет и переводит автомат в терминал.
// Замок ставится в ЛЮБОМ терминальном исходе: даже провальный прогон
// оставляет систему заблокированной.
func (o *Orchestrator) finishRun(report *models.PanicReport, terminal State, errMsg string) (*models.PanicReport, error) {
	locked := true
	if err := o.locks.Arm(report.Reason); err != nil {
		locked = false
		o.logger.Error("не удалось поставить замок", utils.Err(err))
	}

	o.mu.Lock()
	if !locked {
		report.AddWarning("arm lock failed: lock store unreachable")
	}
	if errMsg != "" {
		report.ErrorMessage = errMsg
	}
	report.Finalize(terminal == StateLocked, locked)
	o.transitionLocked(terminal)
	o.mu.Unlock()

	RecordPanicOutcome(terminal)
	PanicOrdersCanceled.Add(float64(report.OrdersCanceled))
	PanicPositionsClosed.Add(float64(report.PositionsClosed))
	UpdateLockStatus(locked, true)

	o.saveReport(report)
	o.broadcastReport(report)

	if terminal == StateLocked {
		o.logger.Warn("✅ аварийная остановка завершена, счет пуст",
			utils.RunID(report.RunID),
			utils.Int("orders_canceled", report.OrdersCanceled),
			utils.Int("positions_closed", report.PositionsClosed))
		o.sendAlert(fmt.Sprintf("✅ PANIC BUTTON COMPLETED\nRun: %s\nOrders canceled: %d\nPositions closed: %d\nSymbols: %s\nPhases: %s\nDuration: %.1fs\nAccount verified clean, lock armed",
			report.RunID, report.OrdersCanceled, report.PositionsClosed,
			symbolsLine(report.SymbolsTouched), phasesLine(report.PhaseTimings),
			report.TotalDurationSec))
		return report, nil
	}

	o.logger.Error("❌ аварийная остановка завершена частичным провалом",
		utils.RunID(report.RunID),
		utils.String("error", report.ErrorMessage),
		utils.Int("warnings", len(report.Warnings)))
	o.sendAlert(fmt.Sprintf("❌ PANIC BUTTON FAILED\nRun: %s\nError: %s\n⚠️ Warnings: %d\nPhases: %s\nDuration: %.1fs\nLock armed, manual intervention required",
		report.RunID, report.ErrorMessage, len(report.Warnings),
		phasesLine(report.PhaseTimings), report.TotalDurationSec))
	return report, &PartialFailureError{RunID: report.RunID, Reason: errMsg}
}

// Reset снимает замок после ручной проверки.
//
// Сброс требует поставленного замка и СВЕЖЕЙ проверки пустоты счета:
// решение никогда не принимается по данным, полученным до вызова.
// При любом отказе состояние остается нетронутым.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	if !IsTerminal(o.state) {
		o.mu.Unlock()
		return ErrResetNotArmed
	}
	o.mu.Unlock()

	positions, err := o.listPositions(ctx)
	if err != nil {
		return fmt.Errorf("reset flat check: %w", err)
	}
	orders, err := o.listOrders(ctx)
	if err != nil {
		return fmt.Errorf("reset flat check: %w", err)
	}
	if len(positions) > 0 || len(orders) > 0 {
		nfErr := &NotFlatError{PositionsRemaining: len(positions), OrdersRemaining: len(orders)}
		o.logger.Warn("сброс отклонен: счет не пуст",
			utils.Int("positions", len(positions)),
			utils.Int("orders", len(orders)))
		o.sendAlert(fmt.Sprintf("❌ PANIC RESET FAILED\n%s", nfErr.Error()))
		return nfErr
	}

	o.mu.Lock()
	prev := o.state
	if err := TryTransition(&o.state, StateIdle); err != nil {
		o.mu.Unlock()
		return ErrResetNotArmed
	}
	o.mu.Unlock()

	if err := o.locks.ClearLock(); err != nil {
		// Замок в хранилище не снялся: возвращаем автомат в терминал
		o.mu.Lock()
		ForceTransition(&o.state, prev)
		o.mu.Unlock()
		return fmt.Errorf("clear lock: %w", err)
	}

	RecordStateTransition(prev, StateIdle)
	UpdateLockStatus(false, false)
	o.broadcastState(StateIdle)
	o.broadcastFlag(false, "")
	o.logger.Warn("🔓 замок снят, торговля разрешена")
	o.sendAlert("🔓 PANIC RESET SUCCESSFUL\nAll positions and orders verified clean\nTrading re-enabled")
	return nil
}

// Status - моментальный снимок состояния аварийной подсистемы
type Status struct {
	State           State               `json:"state"`
	StateInfo       string              `json:"state_info"`
	Armed           bool                `json:"armed"`
	TradingDisabled bool                `json:"trading_disabled"`
	DisabledReason  string              `json:"disabled_reason,omitempty"`
	LastReport      *models.PanicReport `json:"last_report,omitempty"`
}

// Status возвращает снимок состояния автомата, замка и последнего отчета
func (o *Orchestrator) Status() (*Status, error) {
	lock, err := o.locks.Get()
	if err != nil {
		return nil, fmt.Errorf("read lock state: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return &Status{
		State:           o.state,
		StateInfo:       StateInfo(o.state),
		Armed:           lock.Armed,
		TradingDisabled: lock.TradingDisabled,
		DisabledReason:  lock.DisabledReason,
		LastReport:      o.report.Clone(),
	}, nil
}

// ============================================================
// Внутренние помощники
// ============================================================

func (o *Orchestrator) listOrders(ctx context.Context) ([]exchange.Order, error) {
	return retry.DoWithResult(ctx, func() ([]exchange.Order, error) {
		start := time.Now()
		orders, err := o.gateway.ListOpenOrders(ctx)
		RecordGatewayRequest("list_open_orders", latencyMs(start), err)
		return orders, err
	}, o.retryCfg)
}

func (o *Orchestrator) listPositions(ctx context.Context) ([]exchange.Position, error) {
	return retry.DoWithResult(ctx, func() ([]exchange.Position, error) {
		start := time.Now()
		positions, err := o.gateway.ListPositions(ctx)
		RecordGatewayRequest("list_positions", latencyMs(start), err)
		return positions, err
	}, o.retryCfg)
}

// transitionLocked переводит автомат. Вызывается только под mu.
func (o *Orchestrator) transitionLocked(to State) {
	from := o.state
	if err := TryTransition(&o.state, to); err != nil {
		// Ошибка в логике фаз: доводим прогон силой, чтобы не зависнуть
		o.logger.Error("недопустимый переход состояния", utils.Err(err))
		ForceTransition(&o.state, to)
	}
	RecordStateTransition(from, to)
	o.logger.Info("переход состояния",
		utils.String("from", string(from)),
		utils.State(string(to)))
	o.broadcastState(to)
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitionLocked(to)
}

// mutateReport сериализует изменения отчета с читателями статуса
func (o *Orchestrator) mutateReport(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn()
}

func (o *Orchestrator) saveReport(report *models.PanicReport) {
	o.mu.Lock()
	snapshot := report.Clone()
	o.mu.Unlock()
	if err := o.reports.Save(snapshot); err != nil {
		o.logger.Error("не удалось сохранить отчет",
			utils.RunID(report.RunID),
			utils.Err(err))
	}
}

// sendAlert отправляет уведомление, не задерживая прогон дольше таймаута канала
func (o *Orchestrator) sendAlert(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.alerts.Send(ctx, text); err != nil {
		o.logger.Warn("не удалось отправить уведомление", utils.Err(err))
	}
}

func (o *Orchestrator) broadcastState(state State) {
	if o.hub == nil {
		return
	}
	o.hub.BroadcastEvent("panic_state", map[string]interface{}{
		"state": string(state),
		"info":  StateInfo(state),
	})
	RecordWSEvent("panic_state")
}

func (o *Orchestrator) broadcastReport(report *models.PanicReport) {
	if o.hub == nil {
		return
	}
	o.hub.BroadcastEvent("panic_report", report)
	RecordWSEvent("panic_report")
}

func (o *Orchestrator) broadcastFlag(disabled bool, reason string) {
	if o.hub == nil {
		return
	}
	o.hub.BroadcastEvent("trading_flag", map[string]interface{}{
		"trading_disabled": disabled,
		"reason":           reason,
	})
	RecordWSEvent("trading_flag")
}

// observePhase дописывает хронометраж фазы в отчет и метрики
func (o *Orchestrator) observePhase(report *models.PanicReport, phase string, start time.Time, success bool) {
	d := time.Since(start)
	o.mutateReport(func() {
		report.AddPhase(phase, d, success)
	})
	RecordPhaseDuration(phase, d.Seconds())
	o.logger.Info("фаза завершена",
		utils.Phase(phase),
		utils.Bool("success", success),
		utils.String("duration", d.String()))
}

func latencyMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func sortedSymbols(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func symbolsLine(symbols []string) string {
	if len(symbols) == 0 {
		return "none"
	}
	return strings.Join(symbols, ", ")
}

func phasesLine(timings []models.PhaseTiming) string {
	if len(timings) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(timings))
	for _, pt := range timings {
		mark := ""
		if !pt.Success {
			mark = "!"
		}
		parts = append(parts, fmt.Sprintf("%s%s %.1fs", mark, pt.Phase, pt.DurationSec))
	}
	return strings.Join(parts, " | ")
}
