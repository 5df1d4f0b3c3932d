package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"riskguard/internal/guard"
	"riskguard/internal/models"
	"riskguard/internal/service"

	"github.com/gorilla/mux"
)

// PanicHandler отвечает за управление аварийной остановкой
//
// Endpoints:
// - POST /api/v1/panic - запуск аварийной остановки
// - POST /api/v1/panic/reset - снятие замка после ручной проверки
// - GET /api/v1/panic/status - состояние автомата, замка и последний отчет
// - GET /api/v1/panic/history - последние отчеты прогонов
// - GET /api/v1/panic/history/{run_id} - отчет конкретного прогона
//
// Назначение:
// Запуск синхронный: ответ на POST /panic приходит только после того,
// как прогон дошел до терминального состояния, поэтому таймаут записи
// HTTP-сервера обязан превышать таймаут прогона.
type PanicHandler struct {
	panicService service.PanicServiceInterface
}

// NewPanicHandler создает новый PanicHandler с внедрением зависимости
func NewPanicHandler(panicService service.PanicServiceInterface) *PanicHandler {
	return &PanicHandler{
		panicService: panicService,
	}
}

// TriggerPanicRequest - тело запроса запуска (опционально)
type TriggerPanicRequest struct {
	Reason string `json:"reason"`
}

// PanicRunResponse - ответ с отчетом прогона
type PanicRunResponse struct {
	Report *models.PanicReport `json:"report"`
	Error  string              `json:"error,omitempty"`
}

// TriggerPanic запускает аварийную остановку и ждет терминального состояния
//
// POST /api/v1/panic
//
// Тело запроса (опционально):
//
//	{
//	  "reason": "Margin spike on BTCUSDT"
//	}
//
// Ответы:
// - 200 OK: прогон завершился успешно (LOCKED), отчет в теле
// - 409 Conflict: прогон уже идет или замок поставлен, в теле отчет
//   текущего/последнего прогона
// - 500 Internal Server Error: прогон завершился в FAILED_PARTIAL
//   (отчет в теле) либо внутренняя ошибка
func (h *PanicHandler) TriggerPanic(w http.ResponseWriter, r *http.Request) {
	var req TriggerPanicRequest
	if r.Body != nil {
		// Пустое тело - штатный вызов без причины
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			respondError(w, http.StatusBadRequest, "Invalid JSON body", err.Error())
			return
		}
	}

	report, err := h.panicService.Trigger(req.Reason)
	if err != nil {
		if errors.Is(err, guard.ErrRunInFlight) {
			respondJSON(w, http.StatusConflict, PanicRunResponse{
				Report: report,
				Error:  err.Error(),
			})
			return
		}

		var partial *guard.PartialFailureError
		if errors.As(err, &partial) {
			respondJSON(w, http.StatusInternalServerError, PanicRunResponse{
				Report: report,
				Error:  partial.Error(),
			})
			return
		}

		respondError(w, http.StatusInternalServerError, "Panic execution failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, PanicRunResponse{Report: report})
}

// ResetPanicResponse - ответ успешного сброса
type ResetPanicResponse struct {
	Message string `json:"message"`
}

// NotFlatResponse - отказ сброса из-за непустого счета
type NotFlatResponse struct {
	Error              string `json:"error"`
	PositionsRemaining int    `json:"positions_remaining"`
	OrdersRemaining    int    `json:"orders_remaining"`
}

// ResetPanic снимает аварийный замок после ручной проверки счета
//
// POST /api/v1/panic/reset
//
// Перед снятием выполняется свежая проверка биржи: на счете не должно
// остаться ни позиций, ни ордеров.
//
// Ответы:
// - 200 OK: замок снят, торговля разрешена
// - 400 Bad Request: замок не поставлен либо счет не пуст
// - 500 Internal Server Error: ошибка проверки или хранилища
func (h *PanicHandler) ResetPanic(w http.ResponseWriter, r *http.Request) {
	err := h.panicService.Reset(r.Context())
	if err != nil {
		if errors.Is(err, guard.ErrResetNotArmed) {
			respondError(w, http.StatusBadRequest, "Nothing to reset", "Panic lock is not armed")
			return
		}

		var notFlat *guard.NotFlatError
		if errors.As(err, &notFlat) {
			respondJSON(w, http.StatusBadRequest, NotFlatResponse{
				Error:              notFlat.Error(),
				PositionsRemaining: notFlat.PositionsRemaining,
				OrdersRemaining:    notFlat.OrdersRemaining,
			})
			return
		}

		respondError(w, http.StatusInternalServerError, "Reset failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, ResetPanicResponse{
		Message: "Panic lock cleared, trading re-enabled",
	})
}

// GetPanicStatus возвращает снимок аварийной подсистемы
//
// GET /api/v1/panic/status
//
// Ответы:
// - 200 OK: состояние автомата, замка и последний отчет
// - 500 Internal Server Error: ошибка чтения замка
func (h *PanicHandler) GetPanicStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.panicService.Status()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read panic status", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, status)
}

// GetPanicHistoryResponse - ответ со списком отчетов
type GetPanicHistoryResponse struct {
	Reports []*models.PanicReport `json:"reports"`
	Total   int                   `json:"total"`
}

// GetPanicHistory возвращает последние отчеты прогонов (новые сверху)
//
// GET /api/v1/panic/history
//
// Query параметры:
// - limit (int): количество записей (по умолчанию 20, максимум 100)
//
// Ответы:
// - 200 OK: массив отчетов
// - 500 Internal Server Error: ошибка базы данных
func (h *PanicHandler) GetPanicHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	reports, err := h.panicService.History(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get panic history", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, GetPanicHistoryResponse{
		Reports: reports,
		Total:   len(reports),
	})
}

// GetPanicReport возвращает отчет прогона по run_id
//
// GET /api/v1/panic/history/{run_id}
//
// Ответы:
// - 200 OK: отчет прогона
// - 404 Not Found: прогон с таким run_id не сохранен
// - 500 Internal Server Error: ошибка базы данных
func (h *PanicHandler) GetPanicReport(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	report, err := h.panicService.Report(runID)
	if err != nil {
		if errors.Is(err, service.ErrReportNotFound) || errors.Is(err, service.ErrRunIDEmpty) {
			respondError(w, http.StatusNotFound, "Report not found", "No panic run with id "+runID)
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to get panic report", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, report)
}
