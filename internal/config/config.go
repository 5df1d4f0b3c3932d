package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"riskguard/pkg/crypto"
	"riskguard/pkg/utils"
)

// Config содержит всю конфигурацию приложения.
//
// Источники, в порядке приоритета:
// 1. Переменные окружения
// 2. YAML файл защитных настроек (путь в RISKGUARD_CONFIG)
// 3. Значения по умолчанию
//
// Секреты (ключи биржи, ключ шифрования, хеш пароля) приходят
// только из окружения, в YAML им не место.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Bybit     BybitConfig
	Risk      RiskConfig
	Panic     PanicConfig
	Breaker   BreakerConfig
	Alert     AlertConfig
	Control   ControlConfig
	Security  SecurityConfig
	Logging   LoggingConfig
	Retention RetentionConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// BybitConfig - доступ к бирже.
//
// Ключи могут быть заданы открыто (BYBIT_API_KEY / BYBIT_API_SECRET)
// или зашифрованными AES-256-GCM (BYBIT_API_KEY_ENC / BYBIT_API_SECRET_ENC,
// base64); зашифрованный вариант имеет приоритет и требует ENCRYPTION_KEY.
type BybitConfig struct {
	APIKey       string
	APISecret    string
	Testnet      bool
	BaseURL      string
	WSPrivateURL string
}

// RiskConfig - настройки монитора рисков
type RiskConfig struct {
	PollInterval     time.Duration
	RequestTimeout   time.Duration
	FailureThreshold int
	DryRun           bool

	// Границы режимов по утилизации маржи, строго по возрастанию
	WarnAt   float64
	DeriskAt float64
	CapAt    float64
	HaltAt   float64

	// Целевая утилизация после сокращения
	DeriskTarget    float64
	EmergencyTarget float64
}

// PanicConfig - настройки аварийной остановки
type PanicConfig struct {
	VerifyTimeout      time.Duration
	VerifyPollInterval time.Duration
	FlattenWorkers     int
	RunTimeout         time.Duration

	// Политика повторов запросов к бирже внутри прогона
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
}

// BreakerConfig - настройки дневного ограничителя потерь
type BreakerConfig struct {
	Enabled         bool
	MaxDailyLossPct float64
}

// AlertConfig - канал уведомлений.
// Пустой токен или chat id отключают Telegram, встает заглушка.
type AlertConfig struct {
	TelegramToken  string
	TelegramChatID string
}

// ControlConfig - доступ к управляющей поверхности
type ControlConfig struct {
	// Разрешенные IP; пустой список сводится к loopback
	Allowlist []string

	// Basic auth для мутирующих маршрутов; пусто = без второго рубежа
	AuthUsername string
	AuthHash     string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	EncryptionKey string
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// RetentionConfig - хранение отчетов о прогонах
type RetentionConfig struct {
	ReportMaxAge  time.Duration
	SweepInterval time.Duration
}

// Load загружает конфигурацию: YAML защитных настроек (если задан),
// поверх него переменные окружения, затем валидация
func Load() (*Config, error) {
	tun, err := loadTunables(os.Getenv("RISKGUARD_CONFIG"))
	if err != nil {
		return nil, fmt.Errorf("failed to load tunables file: %w", err)
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "riskguard"),
			User:     getEnv("DB_USER", "riskguard"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Bybit: BybitConfig{
			APIKey:       getEnv("BYBIT_API_KEY", ""),
			APISecret:    getEnv("BYBIT_API_SECRET", ""),
			Testnet:      getEnvAsBool("BYBIT_TESTNET", false),
			BaseURL:      getEnv("BYBIT_BASE_URL", ""),
			WSPrivateURL: getEnv("BYBIT_WS_PRIVATE_URL", ""),
		},
		Risk: RiskConfig{
			PollInterval:     getEnvAsDuration("RISK_POLL_INTERVAL", 60*time.Second),
			RequestTimeout:   getEnvAsDuration("RISK_REQUEST_TIMEOUT", 10*time.Second),
			FailureThreshold: getEnvAsInt("RISK_FAILURE_THRESHOLD", 3),
			DryRun:           getEnvAsBool("RISK_DRY_RUN", false),
			WarnAt:           getEnvAsFloat("RISK_WARN_AT", tun.Risk.WarnAt),
			DeriskAt:         getEnvAsFloat("RISK_DERISK_AT", tun.Risk.DeriskAt),
			CapAt:            getEnvAsFloat("RISK_CAP_AT", tun.Risk.CapAt),
			HaltAt:           getEnvAsFloat("RISK_HALT_AT", tun.Risk.HaltAt),
			DeriskTarget:     getEnvAsFloat("RISK_DERISK_TARGET", tun.Risk.TargetAfterDerisk),
			EmergencyTarget:  getEnvAsFloat("RISK_EMERGENCY_TARGET", tun.Risk.TargetAfterEmergency),
		},
		Panic: PanicConfig{
			VerifyTimeout:      getEnvAsDuration("PANIC_VERIFY_TIMEOUT", time.Duration(tun.Verify.TimeoutSec)*time.Second),
			VerifyPollInterval: getEnvAsDuration("PANIC_VERIFY_POLL", time.Duration(tun.Verify.PollMs)*time.Millisecond),
			FlattenWorkers:     getEnvAsInt("PANIC_FLATTEN_WORKERS", 4),
			RunTimeout:         getEnvAsDuration("PANIC_RUN_TIMEOUT", 10*time.Minute),
			RetryMaxAttempts:   getEnvAsInt("PANIC_RETRY_MAX_ATTEMPTS", tun.Backoff.MaxAttempts),
			RetryInitialDelay:  getEnvAsDuration("PANIC_RETRY_INITIAL_DELAY", time.Duration(tun.Backoff.InitialMs)*time.Millisecond),
			RetryMaxDelay:      getEnvAsDuration("PANIC_RETRY_MAX_DELAY", time.Duration(tun.Backoff.MaxMs)*time.Millisecond),
			RetryMultiplier:    getEnvAsFloat("PANIC_RETRY_MULTIPLIER", tun.Backoff.Multiplier),
		},
		Breaker: BreakerConfig{
			Enabled:         getEnvAsBool("BREAKER_ENABLED", tun.Breaker.Enabled),
			MaxDailyLossPct: getEnvAsFloat("BREAKER_MAX_DAILY_LOSS_PCT", tun.Breaker.MaxDailyLossPct),
		},
		Alert: AlertConfig{
			TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),
		},
		Control: ControlConfig{
			Allowlist:    getEnvAsSlice("HTTP_ALLOWLIST", tun.HTTP.Allowlist),
			AuthUsername: getEnv("CONTROL_AUTH_USER", ""),
			AuthHash:     getEnv("CONTROL_AUTH_HASH", ""),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 28),
			Compress:   getEnvAsBool("LOG_COMPRESS", false),
		},
		Retention: RetentionConfig{
			ReportMaxAge:  getEnvAsDuration("REPORT_RETENTION", 90*24*time.Hour),
			SweepInterval: getEnvAsDuration("REPORT_RETENTION_SWEEP", 24*time.Hour),
		},
	}

	// Ответ на запуск паники приходит только после завершения прогона,
	// поэтому потолок записи ответа обязан перекрывать потолок прогона
	cfg.Server = ServerConfig{
		Host:            getEnv("SERVER_HOST", "127.0.0.1"),
		Port:            getEnvAsInt("SERVER_PORT", 8787),
		ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", cfg.Panic.RunTimeout+time.Minute),
		ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	if err := cfg.resolveCredentials(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolveCredentials расшифровывает ключи биржи, если они заданы
// в зашифрованном виде
func (c *Config) resolveCredentials() error {
	keyEnc := os.Getenv("BYBIT_API_KEY_ENC")
	secretEnc := os.Getenv("BYBIT_API_SECRET_ENC")
	if keyEnc == "" && secretEnc == "" {
		return nil
	}

	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required to decrypt BYBIT_API_KEY_ENC / BYBIT_API_SECRET_ENC")
	}

	if keyEnc != "" {
		key, err := crypto.DecryptWithKeyString(keyEnc, c.Security.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to decrypt BYBIT_API_KEY_ENC: %w", err)
		}
		c.Bybit.APIKey = key
	}

	if secretEnc != "" {
		secret, err := crypto.DecryptWithKeyString(secretEnc, c.Security.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to decrypt BYBIT_API_SECRET_ENC: %w", err)
		}
		c.Bybit.APISecret = secret
	}

	return nil
}

// validate проверяет конфигурацию перед запуском.
// Собирает ВСЕ нарушения, а не только первое: оператор чинит
// конфигурацию за один заход, а не по ошибке за перезапуск.
func (c *Config) validate() error {
	return multierr.Combine(c.validateRanges(), c.validateControl())
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	var errs error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port))
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port))
	}

	// Опрос не должен накладываться сам на себя
	if c.Risk.RequestTimeout >= c.Risk.PollInterval {
		errs = multierr.Append(errs, fmt.Errorf("RISK_REQUEST_TIMEOUT (%v) must be less than RISK_POLL_INTERVAL (%v)",
			c.Risk.RequestTimeout, c.Risk.PollInterval))
	}

	if c.Risk.FailureThreshold < 1 {
		errs = multierr.Append(errs, fmt.Errorf("RISK_FAILURE_THRESHOLD must be at least 1, got %d", c.Risk.FailureThreshold))
	}

	// Границы режимов строго по возрастанию внутри (0, 1]
	t := c.Risk
	if !(t.WarnAt > 0 && t.WarnAt < t.DeriskAt && t.DeriskAt < t.CapAt && t.CapAt < t.HaltAt && t.HaltAt <= 1) {
		errs = multierr.Append(errs, fmt.Errorf("risk thresholds must be ascending within (0, 1]: warn=%.2f derisk=%.2f cap=%.2f halt=%.2f",
			t.WarnAt, t.DeriskAt, t.CapAt, t.HaltAt))
	}

	if err := utils.ValidateFraction("RISK_DERISK_TARGET", t.DeriskTarget); err != nil {
		errs = multierr.Append(errs, err)
	} else if t.DeriskTarget > t.DeriskAt {
		errs = multierr.Append(errs, fmt.Errorf("RISK_DERISK_TARGET (%.2f) must not exceed the derisk threshold (%.2f)",
			t.DeriskTarget, t.DeriskAt))
	}

	if err := utils.ValidateFraction("RISK_EMERGENCY_TARGET", t.EmergencyTarget); err != nil {
		errs = multierr.Append(errs, err)
	} else if t.EmergencyTarget > t.CapAt {
		errs = multierr.Append(errs, fmt.Errorf("RISK_EMERGENCY_TARGET (%.2f) must not exceed the cap threshold (%.2f)",
			t.EmergencyTarget, t.CapAt))
	}

	if c.Panic.VerifyPollInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("PANIC_VERIFY_POLL must be positive, got %v", c.Panic.VerifyPollInterval))
	}

	if c.Panic.VerifyTimeout <= c.Panic.VerifyPollInterval {
		errs = multierr.Append(errs, fmt.Errorf("PANIC_VERIFY_TIMEOUT (%v) must exceed PANIC_VERIFY_POLL (%v)",
			c.Panic.VerifyTimeout, c.Panic.VerifyPollInterval))
	}

	if c.Panic.FlattenWorkers < 1 {
		errs = multierr.Append(errs, fmt.Errorf("PANIC_FLATTEN_WORKERS must be at least 1, got %d", c.Panic.FlattenWorkers))
	}

	if c.Panic.RunTimeout <= c.Panic.VerifyTimeout {
		errs = multierr.Append(errs, fmt.Errorf("PANIC_RUN_TIMEOUT (%v) must exceed PANIC_VERIFY_TIMEOUT (%v)",
			c.Panic.RunTimeout, c.Panic.VerifyTimeout))
	}

	if c.Server.WriteTimeout <= c.Panic.RunTimeout {
		errs = multierr.Append(errs, fmt.Errorf("SERVER_WRITE_TIMEOUT (%v) must exceed PANIC_RUN_TIMEOUT (%v): the panic response is written after the run finishes",
			c.Server.WriteTimeout, c.Panic.RunTimeout))
	}

	if c.Breaker.MaxDailyLossPct <= 0 || c.Breaker.MaxDailyLossPct > 100 {
		errs = multierr.Append(errs, fmt.Errorf("BREAKER_MAX_DAILY_LOSS_PCT must be within (0, 100], got %.2f", c.Breaker.MaxDailyLossPct))
	}

	return errs
}

// validateControl проверяет настройки управляющей поверхности
// и форму учетных данных биржи
func (c *Config) validateControl() error {
	var errs error

	user, hash := c.Control.AuthUsername, c.Control.AuthHash
	if (user == "") != (hash == "") {
		errs = multierr.Append(errs, fmt.Errorf("CONTROL_AUTH_USER and CONTROL_AUTH_HASH must be set together"))
	}

	if hash != "" {
		if _, err := crypto.GetHashCost(hash); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("CONTROL_AUTH_HASH is not a valid bcrypt hash: %w", err))
		}
	}

	// Пустые учетные данные допустимы: без них шлюз откажет на первом
	// подписанном запросе. Обрезанный или вставленный с пробелом ключ
	// ловим при загрузке, а не на первом аварийном прогоне.
	if c.Bybit.APIKey != "" {
		if err := utils.ValidateAPIKey(c.Bybit.APIKey); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("BYBIT_API_KEY: %w", err))
		}
	}
	if c.Bybit.APISecret != "" {
		if err := utils.ValidateAPISecret(c.Bybit.APISecret); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("BYBIT_API_SECRET: %w", err))
		}
	}

	return errs
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
