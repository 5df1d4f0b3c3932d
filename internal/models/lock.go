package models

import "time"

// LockState - долговременная запись Lock Store.
//
// Хранит два независимых флага:
//   - armed: паник-лок взведён оркестратором; снимается только явным reset()
//     после свежей проверки, что аккаунт пуст;
//   - trading_disabled: запрет торговли; взводится оркестратором ПЕРЕД первым
//     обращением к бирже и, независимо, дневным стоп-лоссом.
//
// Инвариант: armed == true влечёт trading_disabled == true.
// Обратное неверно: дневной стоп-лосс запрещает торговлю, не взводя лок.
type LockState struct {
	Armed           bool       `json:"armed"`
	ArmedAt         *time.Time `json:"armed_at,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	TradingDisabled bool       `json:"trading_disabled"`
	DisabledReason  string     `json:"disabled_reason,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TradingAllowed сообщает, разрешена ли торговля при текущем состоянии
func (l *LockState) TradingAllowed() bool {
	if l == nil {
		return false
	}
	return !l.Armed && !l.TradingDisabled
}
