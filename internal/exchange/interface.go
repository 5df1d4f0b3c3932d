package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"riskguard/internal/models"
)

// Gateway определяет контракт работы с биржей для подсистемы защиты счёта.
//
// Все решения принимаются только по данным REST: приватный WebSocket
// используется как подсказка для ускорения проверок, но источником истины
// не является. Каждый метод обязан вернуть ошибку вместо правдоподобной
// заглушки: неуверенность наверху трактуется как опасность.
type Gateway interface {
	// Name возвращает имя биржи
	Name() string

	// GetMarginState получает маржинальный снимок единого аккаунта.
	// Невалидный капитал в ответе биржи - это ошибка опроса, а не нулевая утилизация.
	GetMarginState(ctx context.Context) (*models.AccountMarginState, error)

	// ListOpenOrders возвращает все открытые ордера по деривативам
	ListOpenOrders(ctx context.Context) ([]Order, error)

	// CancelAllOrders отменяет все открытые ордера.
	// symbol == "" означает все символы. Возвращает число отменённых ордеров;
	// отсутствие ордеров - успех с нулём.
	CancelAllOrders(ctx context.Context, symbol string) (int, error)

	// ListPositions возвращает открытые позиции (size != 0)
	ListPositions(ctx context.Context) ([]Position, error)

	// PlaceReduceOnlyMarket размещает рыночный reduce-only ордер.
	// Ордер может только сократить позицию: перевернуть её биржа не даст.
	PlaceReduceOnlyMarket(ctx context.Context, symbol, side string, qty float64) (*Order, error)

	// GetLimits получает торговые лимиты для символа (шаг объёма, минимум)
	GetLimits(ctx context.Context, symbol string) (*Limits, error)

	// Ping проверяет доступность биржи
	Ping(ctx context.Context) error

	// SubscribePositions подписывается на обновления позиций через приватный WebSocket
	SubscribePositions(callback func(*Position)) error

	// SubscribeOrders подписывается на обновления ордеров через приватный WebSocket
	SubscribeOrders(callback func(*Order)) error

	// Close закрывает соединения с биржей
	Close() error
}

// Order представляет ордер
type Order struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"` // "buy" или "sell"
	Type         string    `json:"type"` // "market" или "limit"
	Quantity     float64   `json:"quantity"`
	FilledQty    float64   `json:"filled_qty"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	Status       string    `json:"status"` // "new", "filled", "partial", "cancelled"
	ReduceOnly   bool      `json:"reduce_only"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Position представляет открытую позицию
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // "long" или "short"
	Size          float64   `json:"size"` // размер позиции, всегда > 0
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	Leverage      int       `json:"leverage"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CloseSide возвращает сторону рыночного ордера, закрывающего позицию
func (p *Position) CloseSide() string {
	if p.Side == SideLong {
		return SideSell
	}
	return SideBuy
}

// Limits содержит торговые ограничения биржи
type Limits struct {
	Symbol      string  `json:"symbol"`
	MinOrderQty float64 `json:"min_order_qty"` // минимальный размер ордера
	MaxOrderQty float64 `json:"max_order_qty"` // максимальный размер ордера
	QtyStep     float64 `json:"qty_step"`      // шаг изменения количества (lot size)
	MinNotional float64 `json:"min_notional"`  // минимальная сумма сделки в USDT
	PriceStep   float64 `json:"price_step"`    // шаг изменения цены (tick size)
	MaxLeverage int     `json:"max_leverage"`  // максимальное плечо
}

// ============================================================
// Ошибки шлюза
// ============================================================

// ExchangeError представляет ошибку от биржи
//
// Transient отмечает временные сбои (сеть, таймаут, rate limit, 5xx):
// такие ошибки можно повторить, остальные повторять бессмысленно.
type ExchangeError struct {
	Exchange  string
	Code      string
	Message   string
	Transient bool
	Original  error
}

func (e *ExchangeError) Error() string {
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Retryable сообщает retry-слою, можно ли повторять запрос
func (e *ExchangeError) Retryable() bool {
	return e.Transient
}

// IsTransient проверяет, является ли ошибка временным сбоем шлюза
func IsTransient(err error) bool {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Transient
	}
	return false
}

// PrecisionError возникает когда объём ордера не соответствует шагу инструмента.
//
// Повторять такой запрос без пересчёта объёма бессмысленно: вызывающая
// сторона один раз округляет объём вниз до Step и пробует снова.
type PrecisionError struct {
	Symbol string
	Qty    float64
	Step   float64
	Reason string
}

func (e *PrecisionError) Error() string {
	return fmt.Sprintf("precision: %s qty %v does not fit step %v: %s", e.Symbol, e.Qty, e.Step, e.Reason)
}

// Retryable: без корректировки объёма повтор не имеет смысла
func (e *PrecisionError) Retryable() bool {
	return false
}

// IsPrecision проверяет, является ли ошибка ошибкой точности объёма
func IsPrecision(err error) bool {
	var pErr *PrecisionError
	return errors.As(err, &pErr)
}

// ============================================================
// Константы
// ============================================================

// Side constants for orders (используются при размещении ордеров)
const (
	SideBuy  = "buy"  // покупка (закрытие short)
	SideSell = "sell" // продажа (закрытие long)
)

// Side constants for positions (используются для описания направления позиции)
const (
	SideLong  = "long"  // длинная позиция
	SideShort = "short" // короткая позиция
)

// Order status constants
const (
	OrderStatusNew       = "new"
	OrderStatusFilled    = "filled"
	OrderStatusPartial   = "partial"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)
