package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// flaggedErr - ошибка с явным признаком повторяемости,
// как у exchange.ExchangeError.
type flaggedErr struct {
	msg       string
	retryable bool
}

func (e *flaggedErr) Error() string   { return e.msg }
func (e *flaggedErr) Retryable() bool { return e.retryable }

// tempErr имитирует net.Error с Temporary().
type tempErr struct{ temp bool }

func (e *tempErr) Error() string   { return "net: transient failure" }
func (e *tempErr) Temporary() bool { return e.temp }

// fastConfig - политика с миллисекундными задержками для тестов.
func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0,
	}
}

// ============================================================
// Тесты Do / DoWithResult
// ============================================================

func TestDo_SuccessFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return nil
	}, fastConfig(3))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastConfig(5))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsRetriesReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("attempt %d failed", calls)
	}, fastConfig(3))

	if err == nil || err.Error() != "attempt 3 failed" {
		t.Fatalf("error = %v, want error of the last attempt", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (MaxRetries)", calls)
	}
}

func TestDo_ZeroMaxRetriesMeansSingleAttempt(t *testing.T) {
	calls := 0
	cfg := fastConfig(0)

	err := Do(context.Background(), func() error {
		calls++
		return errors.New("boom")
	}, cfg)

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries for MaxRetries <= 0)", calls)
	}
}

func TestDo_RetryIfStopsOnFatalError(t *testing.T) {
	calls := 0
	cfg := fastConfig(5)
	cfg.RetryIf = IsRetryable

	fatal := &flaggedErr{msg: "order qty invalid", retryable: false}
	err := Do(context.Background(), func() error {
		calls++
		return fatal
	}, cfg)

	if !errors.Is(err, fatal) {
		t.Fatalf("error = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (fatal error must not be retried)", calls)
	}
}

func TestDo_CanceledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func() error {
		calls++
		return errors.New("transient")
	}, fastConfig(5))

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestDo_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := Config{
		MaxRetries:   5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	calls := 0
	transient := errors.New("transient")
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, func() error {
		calls++
		return transient
	}, cfg)
	elapsed := time.Since(start)

	// Отмена во время ожидания возвращает ошибку последней попытки.
	if !errors.Is(err, transient) {
		t.Fatalf("error = %v, want %v", err, transient)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("Do did not return promptly on cancel: took %v", elapsed)
	}
}

func TestDo_OnRetryCallback(t *testing.T) {
	type retryEvent struct {
		attempt int
		delay   time.Duration
	}
	var events []retryEvent

	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		events = append(events, retryEvent{attempt, delay})
	}

	_ = Do(context.Background(), func() error {
		return errors.New("transient")
	}, cfg)

	// 3 попытки разделяются двумя ожиданиями.
	if len(events) != 2 {
		t.Fatalf("OnRetry called %d times, want 2", len(events))
	}
	for i, ev := range events {
		if ev.attempt != i+1 {
			t.Errorf("event %d: attempt = %d, want %d", i, ev.attempt, i+1)
		}
	}
}

func TestDoWithResult_ReturnsValue(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), func() ([]string, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("transient")
		}
		return []string{"BTCUSDT", "ETHUSDT"}, nil
	}, fastConfig(3))

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "BTCUSDT" {
		t.Errorf("result = %v, want two symbols", got)
	}
}

func TestDoWithResult_ZeroValueOnFailure(t *testing.T) {
	got, err := DoWithResult(context.Background(), func() (int, error) {
		return 42, errors.New("always fails")
	}, fastConfig(2))

	if err == nil {
		t.Fatal("expected error")
	}
	if got != 0 {
		t.Errorf("result = %d, want zero value", got)
	}
}

// ============================================================
// Тесты расчёта задержки
// ============================================================

func TestDelayFor_ExponentialGrowth(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0,
	}
	cfg.normalize()

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for attempt, expected := range want {
		if got := cfg.delayFor(attempt); got != expected {
			t.Errorf("delayFor(%d) = %v, want %v", attempt, got, expected)
		}
	}
}

func TestDelayFor_CappedByMaxDelay(t *testing.T) {
	cfg := ExecutionConfig()
	cfg.JitterFactor = 0
	cfg.normalize()

	if got := cfg.delayFor(10); got != cfg.MaxDelay {
		t.Errorf("delayFor(10) = %v, want cap %v", got, cfg.MaxDelay)
	}
}

func TestDelayFor_JitterStaysWithinBounds(t *testing.T) {
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   1.0,
		JitterFactor: 0.1,
	}
	cfg.normalize()

	for i := 0; i < 100; i++ {
		d := cfg.delayFor(0)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("delay %v outside [900ms, 1100ms]", d)
		}
	}
}

// ============================================================
// Тесты классификации ошибок
// ============================================================

func TestIsRetryable(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("request failed: %w", err) }

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), true},
		{"flagged retryable", &flaggedErr{msg: "rate limited", retryable: true}, true},
		{"flagged fatal", &flaggedErr{msg: "bad params", retryable: false}, false},
		{"wrapped fatal", wrap(&flaggedErr{msg: "bad params", retryable: false}), false},
		{"temporary net error", &tempErr{temp: true}, true},
		{"permanent net error", &tempErr{temp: false}, false},
		{"wrapped temporary", wrap(&tempErr{temp: true}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestExecutionConfig(t *testing.T) {
	cfg := ExecutionConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.InitialDelay != 250*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 250ms", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 2*time.Second {
		t.Errorf("MaxDelay = %v, want 2s", cfg.MaxDelay)
	}
}
