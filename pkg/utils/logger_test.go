package utils

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newBufferLogger создаёт логгер, пишущий JSON в буфер.
func newBufferLogger(buf *bytes.Buffer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			MessageKey: "message",
			LevelKey:   "level",
		}),
		zapcore.AddSync(buf),
		zapcore.DebugLevel,
	)
	zl := zap.New(core)
	return &Logger{Logger: zl, sugar: zl.Sugar()}
}

// ============================================================
// Тесты InitLogger
// ============================================================

func TestInitLogger_NeverNil(t *testing.T) {
	configs := map[string]LogConfig{
		"empty":          {},
		"json":           {Level: "info", Format: "json"},
		"text":           {Level: "debug", Format: "text"},
		"console alias":  {Level: "debug", Format: "console"},
		"development":    {Level: "debug", Format: "text", Development: true},
		"unknown level":  {Level: "whatever"},
		"unwritable out": {Level: "info", Output: "/nonexistent/dir/riskguard.log"},
	}

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			logger := InitLogger(cfg)
			if logger == nil || logger.Logger == nil || logger.sugar == nil {
				t.Fatal("InitLogger must always return a usable logger")
			}
		})
	}
}

func TestInitLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskguard.log")

	logger := InitLogger(LogConfig{Level: "info", Format: "json", Output: path})
	logger.Info("panic run finished", String("run_id", "run-1"))
	logger.Sync()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(content) == 0 {
		t.Fatal("log file is empty")
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(content, &entry); err != nil {
		t.Errorf("log line is not JSON: %v", err)
	}
	if entry["run_id"] != "run-1" {
		t.Errorf("run_id = %v, want run-1", entry["run_id"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"Error", zapcore.ErrorLevel},
		{"fatal", zapcore.FatalLevel},
		{"bogus", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

// ============================================================
// Тесты глобального логгера
// ============================================================

func TestGlobalLogger_LazyInitAndAlias(t *testing.T) {
	SetGlobalLogger(nil)

	first := GetGlobalLogger()
	if first == nil {
		t.Fatal("GetGlobalLogger returned nil")
	}
	if GetGlobalLogger() != first {
		t.Error("repeated calls must return the same logger")
	}
	if L() != first {
		t.Error("L() must alias GetGlobalLogger()")
	}
}

func TestInitGlobalLogger_ReplacesGlobal(t *testing.T) {
	logger := InitGlobalLogger(LogConfig{Level: "debug", Format: "text"})
	if GetGlobalLogger() != logger {
		t.Error("InitGlobalLogger must install the new logger globally")
	}
}

func TestGlobalLoggingFunctions(t *testing.T) {
	var buf bytes.Buffer
	testLogger := newBufferLogger(&buf)
	SetGlobalLogger(testLogger)
	defer SetGlobalLogger(nil)

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message", Err(os.ErrClosed))

	Debugf("formatted %s %d", "debug", 1)
	Warnf("formatted %s %d", "warn", 2)

	testLogger.Sync()
	out := buf.String()

	for _, want := range []string{
		"debug message", "info message", "warn message", "error message",
		"formatted debug 1", "formatted warn 2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

// ============================================================
// Тесты методов и полей
// ============================================================

func TestLogger_WithHelpersReturnFreshLogger(t *testing.T) {
	logger := InitLogger(LogConfig{Level: "info"})

	helpers := map[string]func() *Logger{
		"With":          func() *Logger { return logger.With(String("k", "v")) },
		"WithComponent": func() *Logger { return logger.WithComponent("monitor") },
		"WithExchange":  func() *Logger { return logger.WithExchange("bybit") },
		"WithSymbol":    func() *Logger { return logger.WithSymbol("BTCUSDT") },
		"WithRunID":     func() *Logger { return logger.WithRunID("run-42") },
	}

	for name, helper := range helpers {
		t.Run(name, func(t *testing.T) {
			child := helper()
			if child == nil {
				t.Fatalf("%s returned nil", name)
			}
			if child == logger {
				t.Errorf("%s must return a child, not the receiver", name)
			}
		})
	}
}

func TestDomainFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf)

	logger.Info("flatten progress",
		Exchange("bybit"),
		Symbol("ETHUSDT"),
		OrderID("ord-1"),
		RunID("run-7"),
		Side("Sell"),
		Qty(0.25),
		Utilization(0.83),
		Equity(10250.5),
		Mode("EMERGENCY"),
		State("FLATTENING"),
		Phase("flatten"),
		Latency(12.5),
		RequestID("req-3"),
		Component("orchestrator"),
	)
	logger.Sync()
	out := buf.String()

	pairs := map[string]string{
		"exchange":    "bybit",
		"symbol":      "ETHUSDT",
		"order_id":    "ord-1",
		"run_id":      "run-7",
		"side":        "Sell",
		"qty":         "0.25",
		"utilization": "0.83",
		"equity":      "10250.5",
		"mode":        "EMERGENCY",
		"state":       "FLATTENING",
		"phase":       "flatten",
		"latency_ms":  "12.5",
		"request_id":  "req-3",
		"component":   "orchestrator",
	}
	for key, val := range pairs {
		if !strings.Contains(out, key) || !strings.Contains(out, val) {
			t.Errorf("output missing field %s=%s: %s", key, val, out)
		}
	}
}

func TestReexportedFieldConstructors(t *testing.T) {
	fields := []zap.Field{
		String("s", "v"),
		Int("i", 42),
		Int64("i64", 42),
		Float64("f", 3.14),
		Bool("b", true),
		Err(os.ErrNotExist),
		Any("any", map[string]int{"a": 1}),
	}
	for _, f := range fields {
		if f.Key == "" {
			t.Errorf("field %+v has empty key", f)
		}
	}
}

func TestFieldsToInterface(t *testing.T) {
	flat := fieldsToInterface([]zap.Field{
		zap.String("symbol", "BTCUSDT"),
		zap.Int("orders", 3),
	})

	if len(flat) != 4 {
		t.Fatalf("len = %d, want 4 (key/value pairs)", len(flat))
	}
	if flat[0] != "symbol" || flat[2] != "orders" {
		t.Errorf("keys = %v, %v; want symbol, orders", flat[0], flat[2])
	}
}

// ============================================================
// Бенчмарки
// ============================================================

func BenchmarkLogger_StructuredInfo(b *testing.B) {
	logger := InitLogger(LogConfig{Level: "info", Format: "json", Output: "/dev/null"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("margin poll",
			Utilization(0.42),
			Equity(10000),
			Int("failures", 0),
		)
	}
}

func BenchmarkLogger_ChildWith(b *testing.B) {
	logger := InitLogger(LogConfig{Level: "info", Format: "json", Output: "/dev/null"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.WithComponent("monitor").Info("cycle done")
	}
}
