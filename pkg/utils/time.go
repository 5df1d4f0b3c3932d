package utils

import (
	"time"
)

// time.go - границы торгового дня
//
// Дневной ограничитель потерь привязывает "день" к UTC, как и
// расчётный день биржи: якорь капитала фиксируется в полночь UTC
// и действует до следующей полуночи.

// GetDayStartFrom возвращает начало дня (00:00:00 UTC) для момента t.
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// IsSameUTCDay сообщает, относятся ли два момента к одному дню UTC.
// Смена дня означает, что стартовый капитал нужно зафиксировать заново.
func IsSameUTCDay(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
