package guard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
)

// ============================================================
// Prometheus метрики подсистемы защиты счета
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации утилизации и состояния замка
// - Alertmanager для уведомлений о DERISK/HALT и провалах опроса
// - Разбор полетов после аварийной остановки по фазовым таймингам

// ============ Метрики риск-монитора ============

// RiskUtilization - текущая утилизация маржи (used_im / total_equity)
var RiskUtilization = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "utilization_ratio",
		Help:      "Current initial margin utilization, used_im / total_equity in [0, 1]",
	},
)

// RiskTotalEquity - общий капитал аккаунта по последнему опросу
var RiskTotalEquity = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "total_equity_usdt",
		Help:      "Total account equity in USDT from the last successful poll",
	},
)

// RiskUsedIM - занятая начальная маржа по последнему опросу
var RiskUsedIM = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "used_im_usdt",
		Help:      "Used initial margin in USDT from the last successful poll",
	},
)

// RiskModeRank - ранг текущего режима (0=NORMAL ... 5=SHUTDOWN)
var RiskModeRank = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "mode_rank",
		Help:      "Rank of the current risk mode: 0=NORMAL 1=ALERT 2=DERISK 3=EMERGENCY 4=HALT 5=SHUTDOWN",
	},
)

// RiskCommandsPublished - количество опубликованных команд по режимам
var RiskCommandsPublished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "commands_published_total",
		Help:      "Total number of published risk commands",
	},
	[]string{"mode"},
)

// RiskPollFailures - количество неудачных опросов маржи
var RiskPollFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "poll_failures_total",
		Help:      "Total number of failed margin polls",
	},
)

// RiskConsecutiveFailures - текущая длина серии неудачных опросов
var RiskConsecutiveFailures = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "consecutive_poll_failures",
		Help:      "Current streak of consecutive failed margin polls",
	},
)

// RiskDailyDrawdown - дневная просадка капитала от якоря UTC-дня
var RiskDailyDrawdown = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "daily_drawdown_pct",
		Help:      "Equity drawdown in percent from the UTC day anchor, negative means profit",
	},
)

// RiskBreakerTripped - сработал ли дневной ограничитель потерь
var RiskBreakerTripped = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "breaker_tripped",
		Help:      "1 while the daily loss breaker keeps trading disabled, 0 otherwise",
	},
)

// ============ Метрики аварийной остановки ============

// PanicRuns - количество прогонов аварийной остановки по исходам
var PanicRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "panic",
		Name:      "runs_total",
		Help:      "Total number of panic runs by terminal state",
	},
	[]string{"outcome"},
)

// PanicPhaseDuration - длительность фаз аварийной остановки
// Buckets покрывают диапазон от мгновенной записи флага до таймаута верификации
var PanicPhaseDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskguard",
		Subsystem: "panic",
		Name:      "phase_duration_seconds",
		Help:      "Duration of panic run phases in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	},
	[]string{"phase"},
)

// PanicStateTransitions - переходы конечного автомата
var PanicStateTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "panic",
		Name:      "state_transitions_total",
		Help:      "Total number of panic state machine transitions",
	},
	[]string{"from", "to"},
)

// PanicOrdersCanceled - суммарное число отмененных ордеров
var PanicOrdersCanceled = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "panic",
		Name:      "orders_canceled_total",
		Help:      "Total number of orders canceled by panic runs",
	},
)

// PanicPositionsClosed - суммарное число закрытых позиций
var PanicPositionsClosed = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "panic",
		Name:      "positions_closed_total",
		Help:      "Total number of positions closed by panic runs",
	},
)

// PanicLockArmed - состояние замка (1 = поставлен)
var PanicLockArmed = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "panic",
		Name:      "lock_armed",
		Help:      "Whether the panic lock is armed (1) or not (0)",
	},
)

// PanicTradingDisabled - состояние флага запрета торговли (1 = запрещена)
var PanicTradingDisabled = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "panic",
		Name:      "trading_disabled",
		Help:      "Whether the trading disabled flag is set (1) or not (0)",
	},
)

// ============ Метрики шлюза биржи ============

// GatewayRequestLatency - латентность запросов к бирже
var GatewayRequestLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskguard",
		Subsystem: "gateway",
		Name:      "request_latency_ms",
		Help:      "Latency of exchange gateway requests in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"method"},
)

// GatewayErrors - ошибки шлюза по методам и характеру
var GatewayErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "gateway",
		Name:      "errors_total",
		Help:      "Total number of gateway errors by method and transience",
	},
	[]string{"method", "transient"},
)

// ============ Метрики WebSocket трансляции ============

// WSClientsConnected - число подключенных клиентов статусного стрима
var WSClientsConnected = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "ws",
		Name:      "clients_connected",
		Help:      "Number of connected status stream clients",
	},
)

// WSEventsSent - количество разосланных событий по типам
var WSEventsSent = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "ws",
		Name:      "events_sent_total",
		Help:      "Total number of broadcast status events by type",
	},
	[]string{"event"},
)

// ============ Вспомогательные функции ============

// RecordRiskPoll фиксирует результат успешного опроса маржи
func RecordRiskPoll(state *models.AccountMarginState, mode models.RiskMode) {
	RiskUtilization.Set(state.Utilization)
	RiskTotalEquity.Set(state.TotalEquity)
	RiskUsedIM.Set(state.UsedInitialMargin)
	RiskModeRank.Set(float64(mode.Rank()))
	RiskConsecutiveFailures.Set(0)
}

// RecordRiskPollFailure фиксирует неудачный опрос маржи
func RecordRiskPollFailure(consecutive int) {
	RiskPollFailures.Inc()
	RiskConsecutiveFailures.Set(float64(consecutive))
}

// RecordCommandPublished фиксирует публикацию риск-команды
func RecordCommandPublished(mode models.RiskMode) {
	RiskCommandsPublished.WithLabelValues(string(mode)).Inc()
}

// RecordStateTransition фиксирует переход конечного автомата
func RecordStateTransition(from, to State) {
	PanicStateTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordPanicOutcome фиксирует терминальный исход прогона
func RecordPanicOutcome(terminal State) {
	PanicRuns.WithLabelValues(string(terminal)).Inc()
}

// RecordPhaseDuration фиксирует длительность фазы прогона
func RecordPhaseDuration(phase string, seconds float64) {
	PanicPhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// UpdateLockStatus обновляет показания замка и флага запрета торговли
func UpdateLockStatus(armed, disabled bool) {
	if armed {
		PanicLockArmed.Set(1)
	} else {
		PanicLockArmed.Set(0)
	}
	if disabled {
		PanicTradingDisabled.Set(1)
	} else {
		PanicTradingDisabled.Set(0)
	}
}

// UpdateBreaker обновляет показания дневного ограничителя потерь
func UpdateBreaker(drawdownPct float64, tripped bool) {
	RiskDailyDrawdown.Set(drawdownPct)
	if tripped {
		RiskBreakerTripped.Set(1)
	} else {
		RiskBreakerTripped.Set(0)
	}
}

// RecordGatewayRequest фиксирует запрос к бирже и его исход
func RecordGatewayRequest(method string, latencyMs float64, err error) {
	GatewayRequestLatency.WithLabelValues(method).Observe(latencyMs)
	if err != nil {
		transient := "false"
		if exchange.IsTransient(err) {
			transient = "true"
		}
		GatewayErrors.WithLabelValues(method, transient).Inc()
	}
}

// UpdateWSClients обновляет число подключенных клиентов
func UpdateWSClients(count int) {
	WSClientsConnected.Set(float64(count))
}

// RecordWSEvent фиксирует рассылку события статусного стрима
func RecordWSEvent(event string) {
	WSEventsSent.WithLabelValues(event).Inc()
}
