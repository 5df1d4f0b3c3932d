package websocket

import (
	"time"
)

// Типы событий статусного стрима
const (
	// EventPanicState - переход конечного автомата аварийной процедуры.
	// Отправляется на каждом переходе: DISABLING, CANCELING, FLATTENING,
	// VERIFYING и терминальные LOCKED / FAILED_PARTIAL
	EventPanicState = "panic_state"

	// EventPanicReport - итоговый отчет аварийного прогона.
	// Отправляется один раз по достижении терминального состояния
	EventPanicReport = "panic_report"

	// EventRiskCommand - актуальная риск-команда.
	// Отправляется после каждого успешного опроса маржи и при
	// аварийных публикациях (HALT по серии отказов, SHUTDOWN)
	EventRiskCommand = "risk_command"

	// EventTradingFlag - изменение флага запрета торговли.
	// Отправляется аварийной процедурой и дневным ограничителем потерь
	EventTradingFlag = "trading_flag"
)

// Envelope - конверт события статусного стрима.
//
// Каждое событие уходит клиентам в одинаковой обертке:
// тип, серверное время и полезная нагрузка как есть.
// Клиент маршрутизирует по полю type и не обязан знать
// все типы: незнакомые события пропускаются.
type Envelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewEnvelope оборачивает полезную нагрузку в конверт с текущим временем
func NewEnvelope(event string, data interface{}) *Envelope {
	return &Envelope{
		Type:      event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
