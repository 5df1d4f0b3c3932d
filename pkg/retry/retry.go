package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// retry.go - повторы запросов к бирже с экспоненциальным backoff
//
// Каждая попытка отделяется задержкой InitialDelay * Multiplier^n
// с ограничением MaxDelay. Jitter размывает задержку на +-JitterFactor,
// чтобы воркеры flatten-фазы не били в API синхронно после общего сбоя.
//
// Количество попыток всегда конечно: аварийная процедура обязана
// либо завершиться, либо зафиксировать частичный провал в отчёте,
// а не зависнуть в бесконечном retry.

// RetryableError реализуют ошибки, которые сами знают,
// имеет ли смысл их повторять (см. exchange.ExchangeError).
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable сообщает, стоит ли повторять операцию после ошибки.
//
// Ошибка с Retryable() решает сама. Ошибка с Temporary() (net.Error
// и подобные) повторяется, если временная. Всё остальное повторяется:
// неизвестный сбой сети дешевле повторить, чем бросить позицию открытой.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}

	var te interface{ Temporary() bool }
	if errors.As(err, &te) {
		return te.Temporary()
	}

	return true
}

// Config задаёт политику повторов.
type Config struct {
	// MaxRetries - всего попыток, включая первую. Значение <= 0
	// нормализуется в 1: одна попытка, без повторов.
	MaxRetries int

	// InitialDelay - задержка перед второй попыткой (default 250ms).
	InitialDelay time.Duration

	// MaxDelay - потолок задержки (default 2s).
	MaxDelay time.Duration

	// Multiplier - во сколько раз растёт задержка (default 2.0).
	Multiplier float64

	// JitterFactor - доля случайного размытия задержки, 0..1 (default 0.1).
	JitterFactor float64

	// RetryIf отвечает, повторять ли конкретную ошибку.
	// nil означает повторять любую.
	RetryIf func(error) bool

	// OnRetry вызывается перед каждым ожиданием: номер следующей
	// попытки (с единицы), ошибка и выбранная задержка.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// ExecutionConfig - политика для аварийных фаз (отмена ордеров,
// закрытие позиций): 3 попытки, задержки 250ms и 500ms с jitter.
func ExecutionConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

func (c *Config) normalize() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 250 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// delayFor возвращает задержку перед попыткой attempt+2
// (attempt нумеруется с нуля).
func (c *Config) delayFor(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do выполняет operation, повторяя её по политике cfg.
// Возвращает nil при первом успехе, иначе последнюю ошибку.
// Отмена контекста прерывает ожидание между попытками; если хотя бы
// одна попытка уже была, возвращается её ошибка, а не ctx.Err().
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult - вариант Do для операций, возвращающих значение.
// При неудаче всех попыток возвращает нулевое значение T.
//
//	orders, err := retry.DoWithResult(ctx, func() ([]exchange.Order, error) {
//	    return gateway.ListOpenOrders(ctx)
//	}, retry.ExecutionConfig())
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.normalize()

	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, ctx.Err()
		default:
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}

		// После последней попытки не ждём.
		if attempt == cfg.MaxRetries-1 {
			break
		}

		delay := cfg.delayFor(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, lastErr
		}
	}

	return zero, lastErr
}
