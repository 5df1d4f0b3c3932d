package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"riskguard/internal/alert"
	"riskguard/internal/api"
	"riskguard/internal/config"
	"riskguard/internal/exchange"
	"riskguard/internal/guard"
	"riskguard/internal/repository"
	"riskguard/internal/service"
	"riskguard/internal/websocket"
	"riskguard/pkg/retry"
	"riskguard/pkg/utils"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

const version = "1.0.0"

func main() {
	// .env удобен в разработке, в бою переменные приходят из окружения
	_ = godotenv.Load()

	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer logger.Sync()

	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	utils.Info("подключение к базе данных установлено",
		utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	if err := repository.InitSchema(db); err != nil {
		utils.Error("не удалось инициализировать схему", utils.Err(err))
		os.Exit(1)
	}

	// Инициализация репозиториев
	lockRepo := repository.NewLockRepository(db)
	reportRepo := repository.NewReportRepository(db)
	commandRepo := repository.NewCommandRepository(db)

	// Шлюз биржи. Недоступная биржа не мешает запуску:
	// монитор сам объявит HALT после серии проваленных опросов.
	gateway := exchange.NewBybit(exchange.BybitConfig{
		APIKey:       cfg.Bybit.APIKey,
		APISecret:    cfg.Bybit.APISecret,
		Testnet:      cfg.Bybit.Testnet,
		BaseURL:      cfg.Bybit.BaseURL,
		WSPrivateURL: cfg.Bybit.WSPrivateURL,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := gateway.Ping(pingCtx); err != nil {
		utils.Warn("биржа недоступна при старте", utils.Err(err))
	}
	pingCancel()

	// Статусный хаб для WebSocket-подписчиков
	hub := websocket.NewHub()
	go hub.Run()

	alerts := buildAlertSink(cfg)

	// Ядро защиты: ограничитель, оркестратор, монитор
	breaker := guard.NewDailyBreaker(lockRepo, alerts, hub, guard.BreakerConfig{
		Enabled:         cfg.Breaker.Enabled,
		MaxDailyLossPct: cfg.Breaker.MaxDailyLossPct,
	})

	orch := guard.NewOrchestrator(gateway, lockRepo, reportRepo, alerts, hub, guard.OrchestratorConfig{
		VerifyPollInterval: cfg.Panic.VerifyPollInterval,
		VerifyTimeout:      cfg.Panic.VerifyTimeout,
		FlattenWorkers:     cfg.Panic.FlattenWorkers,
		RunTimeout:         cfg.Panic.RunTimeout,
		Retry: retry.Config{
			MaxRetries:   cfg.Panic.RetryMaxAttempts,
			InitialDelay: cfg.Panic.RetryInitialDelay,
			MaxDelay:     cfg.Panic.RetryMaxDelay,
			Multiplier:   cfg.Panic.RetryMultiplier,
			JitterFactor: 0.1,
		},
	})

	// Замок, переживший рестарт, должен проснуться взведенным.
	// Неизвестное состояние при старте недопустимо.
	if err := orch.Restore(); err != nil {
		utils.Error("не удалось восстановить состояние автомата", utils.Err(err))
		os.Exit(1)
	}

	monitor := guard.NewMonitor(gateway, commandRepo, alerts, hub, guard.MonitorConfig{
		PollInterval:     cfg.Risk.PollInterval,
		RequestTimeout:   cfg.Risk.RequestTimeout,
		FailureThreshold: cfg.Risk.FailureThreshold,
		DryRun:           cfg.Risk.DryRun,
		Thresholds: guard.Thresholds{
			Warn:   cfg.Risk.WarnAt,
			Derisk: cfg.Risk.DeriskAt,
			Cap:    cfg.Risk.CapAt,
			Halt:   cfg.Risk.HaltAt,
		},
		DeriskTarget:    cfg.Risk.DeriskTarget,
		EmergencyTarget: cfg.Risk.EmergencyTarget,
	})
	monitor.OnState(breaker.Observe)

	// Приватный стрим лишь ускоряет верификацию, истина приходит по REST
	if err := gateway.SubscribePositions(func(*exchange.Position) { orch.Wake() }); err != nil {
		utils.Warn("подписка на позиции недоступна", utils.Err(err))
	}
	if err := gateway.SubscribeOrders(func(*exchange.Order) { orch.Wake() }); err != nil {
		utils.Warn("подписка на ордера недоступна", utils.Err(err))
	}

	// Инициализация сервисов
	panicService := service.NewPanicService(orch, reportRepo)
	riskService := service.NewRiskService(monitor, breaker, commandRepo, lockRepo, 2*cfg.Risk.PollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Start(ctx)
	go runReportSweeper(ctx, panicService, cfg.Retention.SweepInterval, cfg.Retention.ReportMaxAge)

	// Настройка зависимостей для API
	deps := &api.Dependencies{
		PanicService: panicService,
		RiskService:  riskService,
		Hub:          hub,
		Version:      version,
		Allowlist:    cfg.Control.Allowlist,
		AuthUsername: cfg.Control.AuthUsername,
		AuthHash:     cfg.Control.AuthHash,
	}

	router := api.SetupRoutes(deps)

	// HTTP сервер. WriteTimeout обязан переживать аварийный прогон:
	// ответ на POST /panic пишется после завершения прогона.
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		utils.Info("сервер запущен",
			utils.String("addr", server.Addr),
			utils.String("version", version))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("сервер завершился с ошибкой", utils.Err(err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("остановка сервера")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		utils.Error("сервер остановлен принудительно", utils.Err(err))
	}

	cancel()
	monitor.Stop()
	hub.Stop()

	if err := gateway.Close(); err != nil {
		utils.Warn("ошибка при закрытии соединений с биржей", utils.Err(err))
	}

	utils.Info("сервер остановлен")
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// buildAlertSink выбирает канал оповещений по конфигурации
func buildAlertSink(cfg *config.Config) alert.Sink {
	if cfg.Alert.TelegramToken != "" && cfg.Alert.TelegramChatID != "" {
		utils.Info("оповещения направляются в Telegram")
		return alert.NewTelegramSink(cfg.Alert.TelegramToken, cfg.Alert.TelegramChatID)
	}
	utils.Info("канал оповещений не настроен, используется заглушка")
	return alert.NewNopSink()
}

// runReportSweeper периодически удаляет отчеты старше максимального возраста.
// Первая чистка выполняется сразу: после долгого простоя не ждем целый интервал.
func runReportSweeper(ctx context.Context, svc *service.PanicService, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}

	sweep := func() {
		removed, err := svc.PruneReports(maxAge)
		if err != nil {
			utils.Warn("чистка отчетов не удалась", utils.Err(err))
			return
		}
		if removed > 0 {
			utils.Info("старые отчеты удалены", utils.Int64("removed", removed))
		}
	}

	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
