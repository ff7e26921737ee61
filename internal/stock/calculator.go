package stock

import (
	"errors"

	"github.com/shopspring/decimal"

	"coopcycle/backend/internal/money"
)

var ErrNestedBox = errors.New("a box cannot contain another box")

// ProducerQtyStockInvoiced splits an invoiced quantity of a replenishment
// managed item into what must be bought from the producer, what is drawn
// from the existing stock and what is delivered to customers.
func ProducerQtyStockInvoiced(invoiced, stock, add2Stock decimal.Decimal) (buy, fromStock, customer decimal.Decimal) {
	if !invoiced.IsPositive() {
		return money.Zero, money.Zero, money.Zero
	}
	if stock.IsZero() {
		return invoiced, money.Zero, invoiced
	}
	// A stock addition above the invoiced quantity leaves customers nothing
	// to draw; it never gives stock back.
	needed := money.Max(money.Zero, invoiced.Sub(add2Stock))
	shortfall := money.Quantity(needed.Sub(stock))
	if !shortfall.IsPositive() {
		return add2Stock, needed, needed
	}
	return shortfall.Add(add2Stock), stock, needed
}

// Component is one line of a box as seen by the stock calculator.
type Component struct {
	ProductID    int64
	Stock        decimal.Decimal
	Quantity     decimal.Decimal
	LimitToStock bool
	IsBox        bool
}

// BoxStock is the number of complete boxes the component stocks allow. Only
// components limited to their stock count; without any the box has no stock.
func BoxStock(components []Component) (decimal.Decimal, error) {
	var (
		result decimal.Decimal
		found  bool
	)
	for _, c := range components {
		if c.IsBox {
			return money.Zero, ErrNestedBox
		}
		if !c.LimitToStock || !c.Quantity.IsPositive() {
			continue
		}
		available := money.Max(money.Zero, c.Stock).Div(c.Quantity).Floor()
		if !found || available.LessThan(result) {
			result = available
			found = true
		}
	}
	if !found {
		return money.Zero, nil
	}
	return result, nil
}

// BatchShortfall is the quantity to add to stock so that what is ordered
// from the producer becomes a whole number of batches. An exact multiple
// needs nothing.
func BatchShortfall(invoiced, stock, batch decimal.Decimal) decimal.Decimal {
	if batch.LessThanOrEqual(money.One) {
		return money.Zero
	}
	needed := invoiced.Sub(stock)
	if !needed.IsPositive() {
		return money.Zero
	}
	remainder := needed.Mod(batch)
	if remainder.IsZero() {
		return money.Zero
	}
	return money.Quantity(batch.Sub(remainder))
}

// NewStock never goes below zero.
func NewStock(stock, taken, add2Stock decimal.Decimal) decimal.Decimal {
	return money.Stock(money.Max(money.Zero, stock.Sub(taken).Add(add2Stock)))
}
