package models

import (
	"errors"
	"math"
	"time"

	"riskguard/pkg/utils"
)

// Ошибки маржинальных данных
var (
	ErrInvalidEquity = errors.New("invalid total equity: must be finite and positive")
)

// AccountMarginState представляет моментальный снимок маржинального состояния аккаунта.
//
// Источник данных: /v5/account/wallet-balance (accountType=UNIFIED).
// Снимок пересчитывается на каждом опросе и не хранится дольше последнего значения.
type AccountMarginState struct {
	TotalEquity       float64   `json:"total_equity"`        // общий капитал аккаунта в USDT
	UsedInitialMargin float64   `json:"used_im"`             // занятая начальная маржа
	FreeMargin        float64   `json:"free_margin"`         // свободная маржа
	Utilization       float64   `json:"utilization"`         // used_im / total_equity, в [0, 1]
	Timestamp         time.Time `json:"timestamp"`           // время снятия снимка
}

// NewAccountMarginState строит снимок и вычисляет утилизацию.
//
// Невалидный капитал (<= 0 или не-число) - это ОШИБКА опроса, а не "нулевая
// утилизация": система никогда не делает вывод "всё спокойно" из мусорных данных.
// Нефинитная used_im трактуется как 0 (утилизация занижена быть не может,
// потому что такой ответ биржи отбрасывается уровнем выше при retCode != 0).
func NewAccountMarginState(totalEquity, usedIM, freeMargin float64) (*AccountMarginState, error) {
	if math.IsInf(totalEquity, 0) || math.IsNaN(totalEquity) || totalEquity <= 0 {
		return nil, ErrInvalidEquity
	}

	if math.IsInf(usedIM, 0) || math.IsNaN(usedIM) {
		usedIM = 0
	}

	u := utils.Clamp(usedIM/totalEquity, 0, 1)

	return &AccountMarginState{
		TotalEquity:       totalEquity,
		UsedInitialMargin: usedIM,
		FreeMargin:        freeMargin,
		Utilization:       u,
		Timestamp:         time.Now().UTC(),
	}, nil
}
