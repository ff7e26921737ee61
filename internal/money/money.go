package money

import "github.com/shopspring/decimal"

// Scales used across the ledger. Rounding is half away from zero, which is
// round-half-up for the positive amounts the ledger mostly carries.
const (
	AmountPlaces   int32 = 2
	StockPlaces    int32 = 3
	QuantityPlaces int32 = 4
)

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)
)

func Amount(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountPlaces)
}

func Stock(d decimal.Decimal) decimal.Decimal {
	return d.Round(StockPlaces)
}

func Quantity(d decimal.Decimal) decimal.Decimal {
	return d.Round(QuantityPlaces)
}

// VAT amounts keep four decimals like quantities.
func VAT(d decimal.Decimal) decimal.Decimal {
	return d.Round(QuantityPlaces)
}

func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Split returns the pair (in, out) representing a signed net amount, the way
// bank entries store money.
func Split(net decimal.Decimal) (in decimal.Decimal, out decimal.Decimal) {
	if net.IsNegative() {
		return Zero, net.Neg()
	}
	return net, Zero
}

func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
