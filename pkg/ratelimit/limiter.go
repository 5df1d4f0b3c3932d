package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Token bucket для запросов к API биржи.
//
// Ведро ёмкостью burst наполняется со скоростью rate токенов/сек,
// каждый запрос забирает один токен. Полное ведро на старте позволяет
// аварийной процедуре выстрелить пачкой отмен и закрытий, после чего
// поток выравнивается под лимит биржи.
//
// Лимиты Bybit v5 (на UID): order create/cancel и account/position -
// 10 req/sec, публичные market-данные - 50 req/sec.

// RateLimiter - один token bucket. Все методы потокобезопасны.
type RateLimiter struct {
	mu     sync.Mutex
	rate   float64 // токенов в секунду
	burst  float64 // ёмкость ведра
	tokens float64
	last   time.Time // момент последнего пополнения
}

// NewRateLimiter создаёт limiter со скоростью rate req/sec и ёмкостью
// burst. Значения rate <= 0 заменяются на 10, burst <= 0 на 2*rate;
// burst никогда не меньше rate. Ведро начинается полным.
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = rate * 2
	}
	if burst < rate {
		burst = rate
	}
	return &RateLimiter{
		rate:   rate,
		burst:  burst,
		tokens: burst,
		last:   time.Now(),
	}
}

// refillLocked доначисляет токены за время с последнего пополнения.
func (rl *RateLimiter) refillLocked(now time.Time) {
	rl.tokens += now.Sub(rl.last).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.last = now
}

// Allow забирает токен, если он есть. Не блокирует.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked(time.Now())
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}

// Wait блокирует до получения токена или отмены контекста.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refillLocked(time.Now())
		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		// Сколько ждать накопления недостающей части токена.
		deficit := 1 - rl.tokens
		wait := time.Duration(deficit / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetRate меняет скорость пополнения. Используется для адаптивного
// замедления после ответа биржи "too many visits". Накопленные токены
// фиксируются по старой скорости до переключения. rate <= 0 игнорируется.
func (rl *RateLimiter) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refillLocked(time.Now())
	rl.rate = rate
}

// Tokens возвращает текущий запас токенов.
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refillLocked(time.Now())
	return rl.tokens
}

// Rate возвращает текущую скорость пополнения.
func (rl *RateLimiter) Rate() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.rate
}

// Burst возвращает ёмкость ведра.
func (rl *RateLimiter) Burst() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.burst
}

// MultiLimiter держит независимые ведра по категориям запросов:
// у биржи свои лимиты на order, account и market группы эндпоинтов.
type MultiLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*RateLimiter
}

func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{buckets: make(map[string]*RateLimiter)}
}

// Add регистрирует ведро для категории, заменяя существующее.
func (ml *MultiLimiter) Add(category string, rate, burst float64) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.buckets[category] = NewRateLimiter(rate, burst)
}

func (ml *MultiLimiter) lookup(category string) *RateLimiter {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.buckets[category]
}

// Wait ожидает токен категории. Незнакомая категория не ограничена.
func (ml *MultiLimiter) Wait(ctx context.Context, category string) error {
	if rl := ml.lookup(category); rl != nil {
		return rl.Wait(ctx)
	}
	return nil
}

// Allow забирает токен категории без блокировки.
// Незнакомая категория не ограничена.
func (ml *MultiLimiter) Allow(category string) bool {
	if rl := ml.lookup(category); rl != nil {
		return rl.Allow()
	}
	return true
}

// Get возвращает ведро категории либо nil.
func (ml *MultiLimiter) Get(category string) *RateLimiter {
	return ml.lookup(category)
}
