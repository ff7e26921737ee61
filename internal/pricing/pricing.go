// Package pricing holds the explicit update functions that derive prices,
// purchase amounts and their deltas. Callers apply the returned deltas to
// the aggregates they own; nothing here touches storage.
package pricing

import (
	"github.com/shopspring/decimal"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/money"
)

type CatalogPrice struct {
	ProducerUnitPrice  decimal.Decimal
	CustomerUnitPrice  decimal.Decimal
	VATRate            decimal.Decimal
	Multiplier         decimal.Decimal
	PricesWoVAT        bool
	ResalePriceIsFixed bool
}

type UnitPrices struct {
	ProducerUnitPrice decimal.Decimal
	CustomerUnitPrice decimal.Decimal
	ProducerVAT       decimal.Decimal
	CustomerVAT       decimal.Decimal
}

// DeriveUnitPrices returns VAT inclusive unit prices and their VAT part.
func DeriveUnitPrices(in CatalogPrice) UnitPrices {
	multiplier := in.Multiplier
	if multiplier.IsZero() {
		multiplier = money.One
	}
	customer := in.CustomerUnitPrice
	if !in.ResalePriceIsFixed {
		customer = money.Amount(in.ProducerUnitPrice.Mul(multiplier))
	}

	if in.PricesWoVAT {
		producerVAT := money.VAT(in.ProducerUnitPrice.Mul(in.VATRate))
		customerVAT := money.VAT(customer.Mul(in.VATRate))
		return UnitPrices{
			ProducerUnitPrice: money.Amount(in.ProducerUnitPrice.Add(producerVAT)),
			CustomerUnitPrice: money.Amount(customer.Add(customerVAT)),
			ProducerVAT:       producerVAT,
			CustomerVAT:       customerVAT,
		}
	}
	return UnitPrices{
		ProducerUnitPrice: in.ProducerUnitPrice,
		CustomerUnitPrice: customer,
		ProducerVAT:       includedVAT(in.ProducerUnitPrice, in.VATRate),
		CustomerVAT:       includedVAT(customer, in.VATRate),
	}
}

func includedVAT(price, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return money.Zero
	}
	return money.VAT(price.Sub(price.Div(money.One.Add(rate))))
}

// Line is the money carried by one purchase row.
type Line struct {
	Quantity      decimal.Decimal
	PurchasePrice decimal.Decimal
	SellingPrice  decimal.Decimal
	ProducerVAT   decimal.Decimal
	CustomerVAT   decimal.Decimal
	Deposit       decimal.Decimal
}

func (l Line) Sub(prev Line) Line {
	return Line{
		Quantity:      l.Quantity.Sub(prev.Quantity),
		PurchasePrice: l.PurchasePrice.Sub(prev.PurchasePrice),
		SellingPrice:  l.SellingPrice.Sub(prev.SellingPrice),
		ProducerVAT:   l.ProducerVAT.Sub(prev.ProducerVAT),
		CustomerVAT:   l.CustomerVAT.Sub(prev.CustomerVAT),
		Deposit:       l.Deposit.Sub(prev.Deposit),
	}
}

func (l Line) IsZero() bool {
	return l.Quantity.IsZero() && l.PurchasePrice.IsZero() && l.SellingPrice.IsZero() &&
		l.ProducerVAT.IsZero() && l.CustomerVAT.IsZero() && l.Deposit.IsZero()
}

// PurchaseLine prices qty units of an offer item. Pieces sold by weight are
// priced on their average weight until the item switches to the converted
// unit. Box content lines are paid to the producer but sold through the box.
func PurchaseLine(item domain.OfferItem, qty decimal.Decimal, boxContent bool) Line {
	priced := qty
	if item.OrderUnit == domain.OrderUnitPieceByWeight && !item.UseOrderUnitConverted && item.AverageWeight.IsPositive() {
		priced = qty.Mul(item.AverageWeight)
	}
	deposit := money.Amount(qty.Mul(item.UnitDeposit))
	line := Line{
		Quantity:      qty,
		PurchasePrice: money.Amount(priced.Mul(item.ProducerUnitPrice).Add(deposit)),
		ProducerVAT:   money.VAT(priced.Mul(item.ProducerVAT)),
		Deposit:       deposit,
	}
	if !boxContent {
		line.SellingPrice = money.Amount(priced.Mul(item.CustomerUnitPrice).Add(deposit))
		line.CustomerVAT = money.VAT(priced.Mul(item.CustomerVAT))
	}
	return line
}

// PreviousLine reads the shadow fields of a purchase.
func PreviousLine(p domain.Purchase) Line {
	return Line{
		Quantity:      p.PreviousQuantity,
		PurchasePrice: p.PreviousPurchasePrice,
		SellingPrice:  p.PreviousSellingPrice,
		ProducerVAT:   p.PreviousProducerVAT,
		CustomerVAT:   p.PreviousCustomerVAT,
		Deposit:       p.PreviousDeposit,
	}
}

// Reprice recomputes a purchase from its invoiced quantity, stores the new
// amounts in both the current and shadow fields and returns the change the
// owning aggregates must absorb.
func Reprice(p *domain.Purchase, item domain.OfferItem) Line {
	next := PurchaseLine(item, p.QuantityInvoiced, p.IsBoxContent)
	delta := next.Sub(PreviousLine(*p))

	p.PurchasePrice = next.PurchasePrice
	p.SellingPrice = next.SellingPrice
	p.ProducerVAT = next.ProducerVAT
	p.CustomerVAT = next.CustomerVAT
	p.Deposit = next.Deposit

	p.PreviousQuantity = next.Quantity
	p.PreviousPurchasePrice = next.PurchasePrice
	p.PreviousSellingPrice = next.SellingPrice
	p.PreviousProducerVAT = next.ProducerVAT
	p.PreviousCustomerVAT = next.CustomerVAT
	p.PreviousDeposit = next.Deposit
	return delta
}

// ResetShadow forgets what a purchase already contributed, so the next
// Reprice adds it in full.
func ResetShadow(p *domain.Purchase) {
	p.PreviousQuantity = money.Zero
	p.PreviousPurchasePrice = money.Zero
	p.PreviousSellingPrice = money.Zero
	p.PreviousProducerVAT = money.Zero
	p.PreviousCustomerVAT = money.Zero
	p.PreviousDeposit = money.Zero
}

// StockAddition is the producer side change caused by a new add_2_stock or
// a new producer price on a replenishment managed item.
type StockAddition struct {
	Quantity      decimal.Decimal
	PurchasePrice decimal.Decimal
}

// RepriceStockAddition returns the change and moves the shadow fields
// forward. Items that are not replenishment managed never change.
func RepriceStockAddition(item *domain.OfferItem) StockAddition {
	if !item.ManageReplenishment {
		return StockAddition{Quantity: money.Zero, PurchasePrice: money.Zero}
	}
	if item.PreviousAdd2Stock.Equal(item.Add2Stock) &&
		item.PreviousProducerUnitPrice.Equal(item.ProducerUnitPrice) &&
		item.PreviousUnitDeposit.Equal(item.UnitDeposit) {
		return StockAddition{Quantity: money.Zero, PurchasePrice: money.Zero}
	}
	previous := item.PreviousProducerUnitPrice.Add(item.PreviousUnitDeposit).Mul(item.PreviousAdd2Stock)
	current := item.ProducerUnitPrice.Add(item.UnitDeposit).Mul(item.Add2Stock)
	change := StockAddition{
		Quantity:      item.Add2Stock.Sub(item.PreviousAdd2Stock),
		PurchasePrice: money.Amount(current.Sub(previous)),
	}
	item.QuantityInvoiced = item.QuantityInvoiced.Add(change.Quantity)
	item.TotalPurchaseWithTax = item.TotalPurchaseWithTax.Add(change.PurchasePrice)
	item.PreviousAdd2Stock = item.Add2Stock
	item.PreviousProducerUnitPrice = item.ProducerUnitPrice
	item.PreviousUnitDeposit = item.UnitDeposit
	return change
}

// BoxContentPrice prices one box line; the deposit counts whole units only.
func BoxContentPrice(quantity, customerUnitPrice, unitDeposit decimal.Decimal) (price, deposit decimal.Decimal) {
	return money.Amount(quantity.Mul(customerUnitPrice)), money.Amount(quantity.Floor().Mul(unitDeposit))
}

// GroupDelta is what a paying customer invoice owes on top of its purchases.
type GroupDelta struct {
	Price     decimal.Decimal
	VAT       decimal.Decimal
	Transport decimal.Decimal
}

// CustomerDelta applies the invoice multiplier to base and adds transport
// until base reaches the minimum. Child cycles never carry transport.
func CustomerDelta(base, vat, multiplier, transport, minTransport decimal.Decimal, child bool) GroupDelta {
	if multiplier.IsZero() {
		multiplier = money.One
	}
	delta := GroupDelta{
		Price:     money.Amount(base.Mul(multiplier)).Sub(base),
		VAT:       money.VAT(vat.Mul(multiplier)).Sub(vat),
		Transport: money.Zero,
	}
	if child || !transport.IsPositive() {
		return delta
	}
	switch {
	case minTransport.IsZero():
		delta.Transport = transport
	case base.LessThan(minTransport):
		delta.Transport = money.Min(minTransport.Sub(base), transport)
	}
	return delta
}

// Margin splits the difference between selling and purchase amounts into
// its VAT part and the part without tax.
func Margin(selling, purchase, customerVAT, producerVAT decimal.Decimal) (vat, withoutTax decimal.Decimal) {
	vat = customerVAT.Sub(producerVAT)
	return vat, selling.Sub(purchase).Sub(vat)
}
