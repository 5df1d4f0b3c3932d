package guard

import "fmt"

// State - состояние конечного автомата аварийной остановки
type State string

// Состояния прогона аварийной остановки
const (
	StateIdle          State = "IDLE"           // вооружен, прогон не запущен
	StateDisabling     State = "DISABLING"      // выставление флага запрета торговли
	StateCanceling     State = "CANCELING"      // отмена всех открытых ордеров
	StateFlattening    State = "FLATTENING"     // закрытие всех позиций
	StateVerifying     State = "VERIFYING"      // проверка пустоты аккаунта
	StateLocked        State = "LOCKED"         // терминал: счет пуст, замок поставлен
	StateFailedPartial State = "FAILED_PARTIAL" // терминал: частичный провал, замок поставлен
)

// ValidTransitions определяет допустимые переходы между состояниями
var ValidTransitions = map[State][]State{
	StateIdle:          {StateDisabling},
	StateDisabling:     {StateCanceling, StateFailedPartial},
	StateCanceling:     {StateFlattening, StateFailedPartial},
	StateFlattening:    {StateVerifying, StateFailedPartial},
	StateVerifying:     {StateLocked, StateFailedPartial},
	StateLocked:        {StateIdle}, // только ручной сброс
	StateFailedPartial: {StateIdle}, // только ручной сброс
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to State) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateTransitionError - попытка недопустимого перехода между состояниями
type StateTransitionError struct {
	From State
	To   State
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// TryTransition выполняет переход, если он допустим.
// При недопустимом переходе состояние остается прежним.
func TryTransition(current *State, to State) error {
	if !CanTransition(*current, to) {
		return &StateTransitionError{From: *current, To: to}
	}
	*current = to
	return nil
}

// ForceTransition выполняет переход без проверки допустимости
// и возвращает прежнее состояние. Используется при восстановлении
// после рестарта процесса, когда автомат нужно привести к состоянию
// из долговременного хранилища.
func ForceTransition(current *State, to State) State {
	old := *current
	*current = to
	return old
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s State) string {
	switch s {
	case StateIdle:
		return "Штатный режим - аварийная остановка не запускалась"
	case StateDisabling:
		return "Выставление флага запрета торговли..."
	case StateCanceling:
		return "Отмена всех открытых ордеров..."
	case StateFlattening:
		return "Закрытие всех позиций..."
	case StateVerifying:
		return "Проверка пустоты счета..."
	case StateLocked:
		return "Замок поставлен - торговля заблокирована до ручного сброса"
	case StateFailedPartial:
		return "Частичный провал! Замок поставлен, требуется ручное вмешательство"
	default:
		return "Неизвестное состояние"
	}
}

// IsTerminal возвращает true если прогон завершен
func IsTerminal(s State) bool {
	return s == StateLocked || s == StateFailedPartial
}

// IsRunning возвращает true если прогон выполняется
func IsRunning(s State) bool {
	return s == StateDisabling || s == StateCanceling || s == StateFlattening || s == StateVerifying
}
