package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// hash.go - bcrypt-хэши пароля panic-эндпоинтов
//
// Пароль Basic Auth никогда не хранится открытым текстом: в конфиге
// лежит только bcrypt-хэш (PANIC_AUTH_PASSWORD_HASH). Хэш генерируется
// офлайн и проверяется на каждом запросе к POST /panic.

const (
	// DefaultCost - стоимость bcrypt для боевых хэшей.
	// 12 даёт ~250ms на проверку: для ручного аварийного эндпоинта
	// это приемлемо, а перебор паролей становится дорогим.
	DefaultCost = 12

	// MaxPasswordLength - предел bcrypt: всё после 72 байт
	// молча отбрасывается алгоритмом, поэтому такие пароли отклоняем.
	MaxPasswordLength = 72
)

// HashPassword хэширует пароль со стоимостью DefaultCost.
func HashPassword(password string) (string, error) {
	return HashPasswordWithCost(password, DefaultCost)
}

// HashPasswordWithCost хэширует пароль с указанной стоимостью.
// Стоимость за пределами bcrypt.MinCost..bcrypt.MaxCost приводится
// к ближайшей допустимой. Пустой или слишком длинный пароль - ошибка.
func HashPasswordWithCost(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	if len(password) > MaxPasswordLength {
		return "", fmt.Errorf("password exceeds %d bytes", MaxPasswordLength)
	}

	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(hash), nil
}

// CheckPasswordMatch сообщает, соответствует ли пароль хэшу.
// Любая проблема (битый хэш, несовпадение) даёт false: для HTTP-слоя
// различие между "не тот пароль" и "кривой хэш" не играет роли,
// ответ в обоих случаях 401.
func CheckPasswordMatch(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GetHashCost возвращает стоимость, зашитую в хэш.
// Используется при старте: слабый cost - повод для предупреждения
// в логе, невалидный хэш - повод не поднимать auth вовсе.
func GetHashCost(hash string) (int, error) {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return 0, fmt.Errorf("not a bcrypt hash: %w", err)
	}
	return cost, nil
}
