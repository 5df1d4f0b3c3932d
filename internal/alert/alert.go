package alert

import "context"

// Sink определяет канал доставки аварийных уведомлений.
//
// Доставка уведомления никогда не лежит на критическом пути аварийной
// процедуры: ошибка отправки логируется вызывающей стороной и не влияет
// на исход прогона.
type Sink interface {
	// Send отправляет текстовое уведомление
	Send(ctx context.Context, text string) error
}

// NopSink - заглушка для окружений без настроенного канала уведомлений
type NopSink struct{}

// NewNopSink создает заглушку уведомлений
func NewNopSink() *NopSink {
	return &NopSink{}
}

// Send ничего не делает
func (s *NopSink) Send(ctx context.Context, text string) error {
	return nil
}

var _ Sink = (*NopSink)(nil)
