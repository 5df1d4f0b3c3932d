package utils

import (
	"fmt"
	"strings"
)

// validator.go - валидация данных
//
// Назначение:
// Проверка корректности входных данных: символы инструментов перед
// обращением к бирже, учётные данные API при загрузке конфигурации,
// доли и пороги утилизации.
//
// Функции:
// - ValidateSymbol: проверка формата символа (BTCUSDT)
// - ValidateFraction: проверка доли в диапазоне (0, 1]
// - ValidateAPIKey: базовая проверка API ключа
// - ValidateAPISecret: базовая проверка API секрета
//
// Возвращает error с описанием проблемы или nil

const (
	minSymbolLength = 5
	maxSymbolLength = 20

	minAPIKeyLength    = 8
	minAPISecretLength = 16
)

// ValidateSymbol проверяет формат торгового символа.
//
// Допустимы только заглавные латинские буквы и цифры (BTCUSDT, 1000PEPEUSDT).
// Пустая строка отклоняется: режим "все символы" выражается отсутствием
// фильтра, а не пустым символом.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("symbol is empty")
	}
	if len(symbol) < minSymbolLength || len(symbol) > maxSymbolLength {
		return fmt.Errorf("symbol %q length must be %d..%d characters", symbol, minSymbolLength, maxSymbolLength)
	}
	for _, r := range symbol {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("symbol %q contains invalid character %q", symbol, r)
		}
	}
	return nil
}

// ValidateFraction проверяет, что значение лежит в диапазоне (0, 1].
//
// Используется для порогов утилизации и долей сокращения позиций.
// Имя параметра включается в текст ошибки.
func ValidateFraction(name string, value float64) error {
	if value <= 0 || value > 1 {
		return fmt.Errorf("%s must be in (0, 1], got %v", name, value)
	}
	return nil
}

// ValidateAPIKey выполняет базовую проверку API ключа.
//
// Проверяется только форма (длина, отсутствие пробельных символов),
// подлинность ключа подтверждается первым подписанным запросом.
func ValidateAPIKey(apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("api key is empty")
	}
	if len(apiKey) < minAPIKeyLength {
		return fmt.Errorf("api key is too short (min %d characters)", minAPIKeyLength)
	}
	if strings.ContainsAny(apiKey, " \t\n\r") {
		return fmt.Errorf("api key contains whitespace")
	}
	return nil
}

// ValidateAPISecret выполняет базовую проверку API секрета.
func ValidateAPISecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("api secret is empty")
	}
	if len(secret) < minAPISecretLength {
		return fmt.Errorf("api secret is too short (min %d characters)", minAPISecretLength)
	}
	if strings.ContainsAny(secret, " \t\n\r") {
		return fmt.Errorf("api secret contains whitespace")
	}
	return nil
}
