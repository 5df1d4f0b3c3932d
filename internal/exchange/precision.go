package exchange

import (
	"github.com/shopspring/decimal"
)

// ============================================================
// Точность количеств
// ============================================================
//
// Количество в заявке должно быть кратно шагу инструмента (qtyStep),
// иначе биржа отклонит ордер. Для закрывающих reduce-only ордеров
// округление всегда ВНИЗ: заявка не должна превысить размер позиции.
// Арифметика на decimal, float64 даёт хвосты вида 0.30000000000000004,
// которые нельзя отправлять в API.

// FloorToStep округляет количество вниз до ближайшего кратного шага.
// При нулевом или отрицательном шаге количество возвращается как есть.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	d := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	f, _ := d.Div(s).Floor().Mul(s).Float64()
	return f
}

// FormatQty форматирует количество для отправки в API:
// floor до шага инструмента и строка без артефактов двоичного представления.
func FormatQty(qty, step float64) string {
	d := decimal.NewFromFloat(qty)
	if step <= 0 {
		return d.String()
	}
	s := decimal.NewFromFloat(step)
	return d.Div(s).Floor().Mul(s).String()
}

// FormatPrice форматирует цену с шагом tickSize.
// Для цен округление к ближайшему, а не вниз: цена не несёт
// риска переворота позиции.
func FormatPrice(price, tick float64) string {
	d := decimal.NewFromFloat(price)
	if tick <= 0 {
		return d.String()
	}
	t := decimal.NewFromFloat(tick)
	return d.Div(t).Round(0).Mul(t).String()
}
