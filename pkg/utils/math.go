package utils

// math.go - математические утилиты для маржинальных расчётов
//
// Назначение:
// Вспомогательные функции для арифметики риск-монитора и дневного
// ограничителя потерь. Все функции являются чистыми (pure functions)
// без побочных эффектов.
//
// Функции:
// - CalculateExcessIM: превышение начальной маржи над целевым уровнем
// - CalculateDrawdownPct: дневная просадка капитала в процентах
// - Clamp: ограничение значения диапазоном

// CalculateExcessIM вычисляет объём начальной маржи сверх целевого уровня.
//
// Показывает, сколько занятой маржи нужно высвободить, чтобы утилизация
// опустилась до targetUtilization. Публикуется в команде риск-монитора,
// исполнители используют значение для выбора позиций на сокращение.
//
// Формула:
//
//	excess = used_im - target × total_equity
//
// Параметры:
//   - totalEquity: общий капитал аккаунта
//   - usedIM: занятая начальная маржа
//   - targetUtilization: целевая утилизация в долях (0.60 = 60%)
//
// Возвращает:
//   - Превышение в валюте капитала, не меньше 0
//   - 0 если totalEquity <= 0
func CalculateExcessIM(totalEquity, usedIM, targetUtilization float64) float64 {
	if totalEquity <= 0 {
		return 0
	}
	excess := usedIM - targetUtilization*totalEquity
	if excess < 0 {
		return 0
	}
	return excess
}

// CalculateDrawdownPct вычисляет просадку капитала в процентах от стартового.
//
// Положительное значение означает убыток, отрицательное - прибыль.
// Используется дневным ограничителем потерь: просадка сравнивается
// с допустимым дневным лимитом.
//
// Параметры:
//   - startEquity: капитал на начало дня (UTC)
//   - currentEquity: текущий капитал
//
// Возвращает:
//   - Просадку в процентах (5.0 означает потерю 5% капитала)
//   - 0 если startEquity <= 0
func CalculateDrawdownPct(startEquity, currentEquity float64) float64 {
	if startEquity <= 0 {
		return 0
	}
	return (startEquity - currentEquity) / startEquity * 100
}

// Clamp ограничивает значение диапазоном [min, max].
// Используется для нормализации утилизации маржи к [0, 1].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
