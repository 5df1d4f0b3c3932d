package models

import "time"

// RiskMode - градуированный режим риска, чистая функция утилизации маржи.
//
// Режимы упорядочены по строгости: NORMAL < ALERT < DERISK < EMERGENCY < HALT.
// SHUTDOWN - служебный режим, публикуется при остановке монитора, чтобы
// потребители не торговали вслепую, пока надзор выключен.
type RiskMode string

const (
	ModeNormal    RiskMode = "NORMAL"    // < 60% - торговля без ограничений
	ModeAlert     RiskMode = "ALERT"     // 60-70% - предупреждение, входы ещё разрешены
	ModeDerisk    RiskMode = "DERISK"    // 70-80% - активное сокращение позиций
	ModeEmergency RiskMode = "EMERGENCY" // 80-90% - агрессивное сокращение
	ModeHalt      RiskMode = "HALT"      // >= 90% - полная остановка, закрыть всё
	ModeShutdown  RiskMode = "SHUTDOWN"  // монитор остановлен - запрет входов
)

// modeRanks задаёт порядок строгости режимов
var modeRanks = map[RiskMode]int{
	ModeNormal:    0,
	ModeAlert:     1,
	ModeDerisk:    2,
	ModeEmergency: 3,
	ModeHalt:      4,
	ModeShutdown:  5,
}

// Rank возвращает числовой ранг строгости режима.
// Неизвестный режим получает максимальный ранг: незнакомое трактуем как строгое.
func (m RiskMode) Rank() int {
	if r, ok := modeRanks[m]; ok {
		return r
	}
	return len(modeRanks)
}

// StricterThan сообщает, строже ли режим m, чем other
func (m RiskMode) StricterThan(other RiskMode) bool {
	return m.Rank() > other.Rank()
}

// Valid проверяет, что режим принадлежит известному набору
func (m RiskMode) Valid() bool {
	_, ok := modeRanks[m]
	return ok
}

// Priority - срочность команды для потребителей
type Priority string

const (
	PriorityNone      Priority = "NONE"
	PriorityLow       Priority = "LOW"
	PriorityMedium    Priority = "MEDIUM"
	PriorityHigh      Priority = "HIGH"
	PriorityImmediate Priority = "IMMEDIATE"
)

// RiskCommand - неизменяемый снимок риск-команды.
//
// Контракт между монитором (единственный писатель) и потребителями
// (entry engine, position manager): запись всегда публикуется целиком,
// читатель никогда не видит полей из двух разных записей. Неизвестные
// поля читатели обязаны игнорировать (forward compatibility).
type RiskCommand struct {
	Timestamp         time.Time `json:"timestamp"`
	Mode              RiskMode  `json:"mode"`
	Utilization       float64   `json:"utilization"`
	TotalEquity       float64   `json:"total_equity"`
	UsedIM            float64   `json:"used_im"`
	DryRun            bool      `json:"dry_run"`
	AllowNewEntries   bool      `json:"allow_new_entries"`
	CancelAllOrders   bool      `json:"cancel_all_orders"`
	ClosePositions    bool      `json:"close_positions"`
	CloseFraction     float64   `json:"close_fraction"`
	TargetUtilization float64   `json:"target_utilization,omitempty"`
	ExcessIMToReduce  float64   `json:"excess_im_to_reduce,omitempty"`
	Priority          Priority  `json:"priority"`
	Message           string    `json:"message"`
}

// IsFresh проверяет, что команда не старше maxAge.
// Протухшая команда для читателя неотличима от отсутствующей:
// в обоих случаях он обязан уйти в самую консервативную позу (запрет входов).
func (c *RiskCommand) IsFresh(now time.Time, maxAge time.Duration) bool {
	if c == nil {
		return false
	}
	return now.Sub(c.Timestamp) <= maxAge
}

// StricterThan сравнивает команды по строгости режима
func (c *RiskCommand) StricterThan(other *RiskCommand) bool {
	if other == nil {
		return true
	}
	return c.Mode.StricterThan(other.Mode)
}

// ConservativeCommand возвращает позу "отказ от торговли" для случаев,
// когда команда отсутствует или протухла
func ConservativeCommand(reason string) *RiskCommand {
	return &RiskCommand{
		Timestamp:       time.Now().UTC(),
		Mode:            ModeShutdown,
		AllowNewEntries: false,
		CancelAllOrders: false,
		ClosePositions:  false,
		Priority:        PriorityImmediate,
		Message:         reason,
	}
}
