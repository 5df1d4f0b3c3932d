package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// logger.go - структурированное логирование на базе zap
//
// Назначение:
// Единый логгер для всех компонентов подсистемы безопасности.
// JSON формат для production (парсится коллекторами), text для разработки.
// Вывод в stdout/stderr или в файл с ротацией через lumberjack.
//
// Использование:
//
//	logger := utils.InitLogger(utils.LogConfig{Level: "info", Format: "json"})
//	logger.Info("monitor started", utils.Component("monitor"))
//
//	// или через глобальный логгер:
//	utils.InitGlobalLogger(cfg)
//	utils.L().Warn("risk mode escalated", utils.Mode("DERISK"))

// LogConfig - конфигурация логгера
type LogConfig struct {
	Level       string // debug | info | warn | error | fatal
	Format      string // json | text
	Output      string // stdout | stderr | путь к файлу
	Development bool   // режим разработки: stacktraces, caller

	// Ротация файла (только когда Output - путь к файлу)
	MaxSizeMB  int  // максимальный размер файла до ротации (default 100)
	MaxBackups int  // сколько старых файлов хранить (default 3)
	MaxAgeDays int  // сколько дней хранить старые файлы (default 28)
	Compress   bool // сжимать ли ротированные файлы
}

// Logger оборачивает zap.Logger вместе с sugared вариантом
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

// parseLevel преобразует строковый уровень в zapcore.Level.
// Неизвестный уровень безопасно откатывается в info.
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// buildWriter выбирает место назначения логов.
// Недоступный файл не валит процесс: откатываемся на stderr.
func buildWriter(cfg LogConfig) zapcore.WriteSyncer {
	switch cfg.Output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zapcore.Lock(os.Stderr)
		}
		f.Close()

		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		maxAge := cfg.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 28
		}

		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   cfg.Compress,
		})
	}
}

// InitLogger создаёт новый логгер по конфигурации.
// Никогда не возвращает nil и не паникует: любые проблемы конфигурации
// приводят к рабочему логгеру с безопасными значениями по умолчанию.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" || strings.ToLower(cfg.Format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, buildWriter(cfg), level)

	opts := []zap.Option{}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddCaller())
	}

	zl := zap.New(core, opts...)
	return &Logger{
		Logger: zl,
		sugar:  zl.Sugar(),
	}
}

// ============================================================
// Глобальный логгер
// ============================================================

var (
	globalMu     sync.Mutex
	globalLogger *Logger
)

// GetGlobalLogger возвращает глобальный логгер, создавая дефолтный при первом вызове
func GetGlobalLogger() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{Level: "info", Format: "json"})
	}
	return globalLogger
}

// L - короткий псевдоним для GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// InitGlobalLogger создаёт логгер по конфигурации и делает его глобальным
func InitGlobalLogger(cfg LogConfig) *Logger {
	logger := InitLogger(cfg)
	SetGlobalLogger(logger)
	return logger
}

// SetGlobalLogger подменяет глобальный логгер (используется в тестах)
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// ============================================================
// Методы Logger
// ============================================================

// With возвращает новый логгер с добавленными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	zl := l.Logger.With(fields...)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// Sugar возвращает sugared логгер для printf-стиля
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// WithComponent возвращает логгер с полем component
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(Component(name))
}

// WithExchange возвращает логгер с полем exchange
func (l *Logger) WithExchange(name string) *Logger {
	return l.With(Exchange(name))
}

// WithSymbol возвращает логгер с полем symbol
func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(Symbol(symbol))
}

// WithRunID возвращает логгер с идентификатором прогона аварийной остановки
func (l *Logger) WithRunID(runID string) *Logger {
	return l.With(RunID(runID))
}

// Debugf логирует отформатированное сообщение на уровне debug
func (l *Logger) Debugf(template string, args ...interface{}) {
	l.sugar.Debugf(template, args...)
}

// Infof логирует отформатированное сообщение на уровне info
func (l *Logger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}

// Warnf логирует отформатированное сообщение на уровне warn
func (l *Logger) Warnf(template string, args ...interface{}) {
	l.sugar.Warnf(template, args...)
}

// Errorf логирует отформатированное сообщение на уровне error
func (l *Logger) Errorf(template string, args ...interface{}) {
	l.sugar.Errorf(template, args...)
}

// ============================================================
// Глобальные функции логирования
// ============================================================

func Debug(msg string, fields ...zap.Field) { GetGlobalLogger().Logger.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetGlobalLogger().Logger.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetGlobalLogger().Logger.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetGlobalLogger().Logger.Error(msg, fields...) }

func Debugf(template string, args ...interface{}) { GetGlobalLogger().Debugf(template, args...) }
func Infof(template string, args ...interface{})  { GetGlobalLogger().Infof(template, args...) }
func Warnf(template string, args ...interface{})  { GetGlobalLogger().Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { GetGlobalLogger().Errorf(template, args...) }

// ============================================================
// Конструкторы полей
// ============================================================

// Доменные поля подсистемы безопасности

func Exchange(name string) zap.Field  { return zap.String("exchange", name) }
func Symbol(symbol string) zap.Field  { return zap.String("symbol", symbol) }
func OrderID(id string) zap.Field     { return zap.String("order_id", id) }
func RunID(id string) zap.Field       { return zap.String("run_id", id) }
func Side(side string) zap.Field      { return zap.String("side", side) }
func Qty(qty float64) zap.Field       { return zap.Float64("qty", qty) }
func Utilization(u float64) zap.Field { return zap.Float64("utilization", u) }
func Equity(e float64) zap.Field      { return zap.Float64("equity", e) }
func Mode(mode string) zap.Field      { return zap.String("mode", mode) }
func State(state string) zap.Field    { return zap.String("state", state) }
func Phase(phase string) zap.Field    { return zap.String("phase", phase) }
func Latency(ms float64) zap.Field    { return zap.Float64("latency_ms", ms) }
func RequestID(id string) zap.Field   { return zap.String("request_id", id) }
func Component(name string) zap.Field { return zap.String("component", name) }

// Переэкспорт стандартных конструкторов zap, чтобы не импортировать zap в каждом пакете

func String(key, value string) zap.Field          { return zap.String(key, value) }
func Int(key string, value int) zap.Field         { return zap.Int(key, value) }
func Int64(key string, value int64) zap.Field     { return zap.Int64(key, value) }
func Float64(key string, value float64) zap.Field { return zap.Float64(key, value) }
func Bool(key string, value bool) zap.Field       { return zap.Bool(key, value) }
func Err(err error) zap.Field                     { return zap.Error(err) }
func Any(key string, value interface{}) zap.Field { return zap.Any(key, value) }

// fieldsToInterface конвертирует zap поля в плоский список ключ-значение
// для передачи в sugared логгер
func fieldsToInterface(fields []zap.Field) []interface{} {
	result := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		result = append(result, f.Key)
		switch {
		case f.Interface != nil:
			result = append(result, f.Interface)
		case f.String != "":
			result = append(result, f.String)
		default:
			result = append(result, f.Integer)
		}
	}
	return result
}
