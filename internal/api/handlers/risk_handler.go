package handlers

import (
	"net/http"

	"riskguard/internal/guard"
	"riskguard/internal/models"
	"riskguard/internal/service"
)

// RiskHandler отвечает за чтение состояния монитора рисков
//
// Endpoints:
// - GET /api/v1/risk/status - снимок монитора, ограничителя и флага торговли
// - GET /api/v1/risk/command - команда глазами потребителя хранилища
//
// Назначение:
// Только чтение. Монитор - единственный писатель команд, поэтому здесь
// нет ни одной мутирующей операции.
type RiskHandler struct {
	riskService service.RiskServiceInterface
}

// NewRiskHandler создает новый RiskHandler с внедрением зависимости
func NewRiskHandler(riskService service.RiskServiceInterface) *RiskHandler {
	return &RiskHandler{
		riskService: riskService,
	}
}

// RiskStatusResponse - сводный снимок риск-подсистемы
type RiskStatusResponse struct {
	Mode                models.RiskMode            `json:"mode"`
	ConsecutiveFailures int                        `json:"consecutive_failures"`
	MarginState         *models.AccountMarginState `json:"margin_state,omitempty"`
	LastCommand         *models.RiskCommand        `json:"last_command,omitempty"`
	StoredMode          models.RiskMode            `json:"stored_mode"`
	Breaker             guard.BreakerStatus        `json:"breaker"`
	TradingAllowed      bool                       `json:"trading_allowed"`
}

// GetRiskStatus возвращает сводный снимок риск-подсистемы
//
// GET /api/v1/risk/status
//
// В ответе два режима: mode - что монитор вычислил на последнем опросе,
// stored_mode - что лежит в хранилище. Расхождение означает, что
// публикация команд отстает или сломана.
//
// Ответы:
// - 200 OK: снимок собран
// - 500 Internal Server Error: ошибка чтения хранилища
func (h *RiskHandler) GetRiskStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := h.riskService.Status()

	storedMode, err := h.riskService.Mode()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read stored mode", err.Error())
		return
	}

	allowed, err := h.riskService.TradingAllowed()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read trading flag", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, RiskStatusResponse{
		Mode:                snapshot.Mode,
		ConsecutiveFailures: snapshot.ConsecutiveFailures,
		MarginState:         snapshot.MarginState,
		LastCommand:         snapshot.Command,
		StoredMode:          storedMode,
		Breaker:             h.riskService.Breaker(),
		TradingAllowed:      allowed,
	})
}

// GetRiskCommand возвращает команду в трактовке читателя хранилища
//
// GET /api/v1/risk/command
//
// Отсутствующая или протухшая команда отдается как консервативная поза
// SHUTDOWN с запретом входов - ровно то, что обязан увидеть потребитель.
//
// Ответы:
// - 200 OK: команда (возможно консервативная)
// - 500 Internal Server Error: ошибка чтения хранилища
func (h *RiskHandler) GetRiskCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.riskService.Command()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read risk command", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, cmd)
}
