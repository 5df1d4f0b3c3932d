package handlers

import (
	"net/http"
	"time"

	"riskguard/internal/service"
)

// unhealthyFailureStreak - столько подряд проваленных опросов монитора
// переводит сервис в unhealthy (тот же порог, после которого монитор
// публикует аварийный HALT)
const unhealthyFailureStreak = 3

// HealthHandler отвечает за служебные endpoints
//
// Endpoints:
// - GET /healthz - живость процесса и доступность биржи
// - GET / - имя сервиса, версия, карта endpoints
type HealthHandler struct {
	panicService service.PanicServiceInterface
	riskService  service.RiskServiceInterface
	version      string
	startedAt    time.Time
}

// NewHealthHandler создает новый HealthHandler
func NewHealthHandler(panicService service.PanicServiceInterface, riskService service.RiskServiceInterface, version string) *HealthHandler {
	return &HealthHandler{
		panicService: panicService,
		riskService:  riskService,
		version:      version,
		startedAt:    time.Now().UTC(),
	}
}

// HealthResponse - ответ проверки живости
type HealthResponse struct {
	Status              string  `json:"status"`
	Timestamp           string  `json:"timestamp"`
	PanicState          string  `json:"panic_state,omitempty"`
	TradingAllowed      bool    `json:"trading_allowed"`
	GatewayOK           bool    `json:"gateway_ok"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	UptimeSec           float64 `json:"uptime_sec"`
	Error               string  `json:"error,omitempty"`
}

// Healthz возвращает живость процесса и косвенную доступность биржи.
//
// GET /healthz
//
// Доступность биржи оценивается по последнему опросу монитора, без
// дополнительного запроса: проверка живости не должна нагружать биржу.
//
// Ответы:
// - 200 OK: healthy либо degraded (единичные сбои опроса)
// - 503 Service Unavailable: хранилище недоступно или опрос биржи
//   проваливается столько же раз подряд, сколько нужно для HALT
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	risk := h.riskService.Status()
	gatewayOK := risk.ConsecutiveFailures == 0 && risk.MarginState != nil

	panicStatus, err := h.panicService.Status()
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:              "unhealthy",
			Timestamp:           now.Format(time.RFC3339),
			GatewayOK:           gatewayOK,
			ConsecutiveFailures: risk.ConsecutiveFailures,
			UptimeSec:           now.Sub(h.startedAt).Seconds(),
			Error:               err.Error(),
		})
		return
	}

	status := "healthy"
	code := http.StatusOK
	switch {
	case risk.ConsecutiveFailures >= unhealthyFailureStreak:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !gatewayOK:
		status = "degraded"
	}

	respondJSON(w, code, HealthResponse{
		Status:              status,
		Timestamp:           now.Format(time.RFC3339),
		PanicState:          string(panicStatus.State),
		TradingAllowed:      !panicStatus.TradingDisabled,
		GatewayOK:           gatewayOK,
		ConsecutiveFailures: risk.ConsecutiveFailures,
		UptimeSec:           now.Sub(h.startedAt).Seconds(),
	})
}

// RootResponse - визитная карточка сервиса
type RootResponse struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	UptimeSec float64           `json:"uptime_sec"`
	Endpoints map[string]string `json:"endpoints"`
}

// Root возвращает имя сервиса, версию и карту endpoints
//
// GET /
//
// Поле status: operational пока замок не взведен, locked после
// аварийной остановки.
func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	status := "operational"
	if panicStatus, err := h.panicService.Status(); err != nil {
		status = "unknown"
	} else if panicStatus.Armed {
		status = "locked"
	}

	respondJSON(w, http.StatusOK, RootResponse{
		Name:      "riskguard",
		Version:   h.version,
		Status:    status,
		UptimeSec: time.Now().UTC().Sub(h.startedAt).Seconds(),
		Endpoints: map[string]string{
			"POST /api/v1/panic":                  "Execute emergency panic procedure",
			"POST /api/v1/panic/reset":            "Reset panic lock after manual review",
			"GET /api/v1/panic/status":            "Panic state machine and lock status",
			"GET /api/v1/panic/history":           "Recent panic run reports",
			"GET /api/v1/panic/history/{run_id}":  "Single panic run report",
			"GET /api/v1/risk/status":             "Risk monitor snapshot",
			"GET /api/v1/risk/command":            "Current risk command as consumers see it",
			"GET /healthz":                        "Liveness and gateway reachability",
			"GET /metrics":                        "Prometheus metrics",
			"GET /ws":                             "Status event stream (WebSocket)",
		},
	})
}
