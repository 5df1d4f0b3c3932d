package api

import (
	"net/http"

	"riskguard/internal/api/handlers"
	"riskguard/internal/api/middleware"
	"riskguard/internal/service"
	"riskguard/internal/websocket"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	PanicService service.PanicServiceInterface
	RiskService  service.RiskServiceInterface
	Hub          *websocket.Hub
	Version      string

	// Доступ к управляющей поверхности
	Allowlist    []string
	AuthUsername string
	AuthHash     string
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /panic
//	│   ├── POST / - запустить аварийную остановку (auth)
//	│   ├── POST /reset - снять замок после ручной проверки (auth)
//	│   ├── GET /status - состояние машины и замка
//	│   ├── GET /history - отчеты последних прогонов
//	│   └── GET /history/{run_id} - отчет одного прогона
//	└── /risk
//	    ├── GET /status - снимок монитора и ограничителя
//	    └── GET /command - команда глазами потребителя
//
// GET / - визитная карточка сервиса
// GET /healthz - живость и доступность биржи
// GET /metrics - Prometheus
// GET /ws - поток событий (WebSocket)
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. Allowlist (для всех маршрутов, включая /healthz: аварийная
//    кнопка не светится наружу целиком, пробер добавляется в список)
// 4. CORS (для всех маршрутов)
// 5. BasicAuth (только на двух мутирующих маршрутах)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.Allowlist(deps.Allowlist))
	router.Use(middleware.CORS)

	panicHandler := handlers.NewPanicHandler(deps.PanicService)
	riskHandler := handlers.NewRiskHandler(deps.RiskService)
	healthHandler := handlers.NewHealthHandler(deps.PanicService, deps.RiskService, deps.Version)

	api := router.PathPrefix("/api/v1").Subrouter()

	// Мутирующие маршруты за вторым рубежом
	auth := middleware.BasicAuth(deps.AuthUsername, deps.AuthHash)
	api.Handle("/panic", auth(http.HandlerFunc(panicHandler.TriggerPanic))).Methods("POST")
	api.Handle("/panic/reset", auth(http.HandlerFunc(panicHandler.ResetPanic))).Methods("POST")

	// Panic routes (чтение)
	api.HandleFunc("/panic/status", panicHandler.GetPanicStatus).Methods("GET")
	api.HandleFunc("/panic/history", panicHandler.GetPanicHistory).Methods("GET")
	api.HandleFunc("/panic/history/{run_id}", panicHandler.GetPanicReport).Methods("GET")

	// Risk routes
	api.HandleFunc("/risk/status", riskHandler.GetRiskStatus).Methods("GET")
	api.HandleFunc("/risk/command", riskHandler.GetRiskCommand).Methods("GET")

	// WebSocket route
	if deps.Hub != nil {
		router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(deps.Hub, w, r)
		}).Methods("GET")
	}

	// Служебные маршруты
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", healthHandler.Healthz).Methods("GET")
	router.HandleFunc("/", healthHandler.Root).Methods("GET")

	return router
}
