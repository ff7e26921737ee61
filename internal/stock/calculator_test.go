package stock

import (
	"errors"
	"testing"

	"coopcycle/backend/internal/money"
)

func TestProducerQtyStockInvoiced(t *testing.T) {
	cases := []struct {
		name                           string
		invoiced, stock, add           string
		wantBuy, wantStock, wantClient string
	}{
		{name: "partly from stock", invoiced: "10", stock: "4", add: "0", wantBuy: "6", wantStock: "4", wantClient: "10"},
		{name: "empty stock", invoiced: "10", stock: "0", add: "2", wantBuy: "10", wantStock: "0", wantClient: "10"},
		{name: "nothing invoiced", invoiced: "0", stock: "7", add: "3", wantBuy: "0", wantStock: "0", wantClient: "0"},
		{name: "fully from stock", invoiced: "5", stock: "8", add: "2", wantBuy: "2", wantStock: "3", wantClient: "3"},
		{name: "negative invoiced", invoiced: "-1", stock: "8", add: "0", wantBuy: "0", wantStock: "0", wantClient: "0"},
		{name: "stock addition above invoiced", invoiced: "3", stock: "5", add: "4", wantBuy: "4", wantStock: "0", wantClient: "0"},
	}
	for _, tc := range cases {
		buy, fromStock, customer := ProducerQtyStockInvoiced(money.MustParse(tc.invoiced), money.MustParse(tc.stock), money.MustParse(tc.add))
		if !buy.Equal(money.MustParse(tc.wantBuy)) || !fromStock.Equal(money.MustParse(tc.wantStock)) || !customer.Equal(money.MustParse(tc.wantClient)) {
			t.Fatalf("%s: got (%s, %s, %s), want (%s, %s, %s)", tc.name, buy, fromStock, customer, tc.wantBuy, tc.wantStock, tc.wantClient)
		}
	}
}

func TestBoxStockTakesSmallestComponent(t *testing.T) {
	got, err := BoxStock([]Component{
		{ProductID: 1, Stock: money.MustParse("9"), Quantity: money.MustParse("3"), LimitToStock: true},
		{ProductID: 2, Stock: money.MustParse("4"), Quantity: money.MustParse("1"), LimitToStock: true},
		{ProductID: 3, Stock: money.MustParse("0"), Quantity: money.MustParse("1")},
	})
	if err != nil {
		t.Fatalf("box stock: %v", err)
	}
	if !got.Equal(money.MustParse("3")) {
		t.Fatalf("expected 3 boxes, got %s", got)
	}
}

func TestBoxStockWithoutLimitedComponentIsZero(t *testing.T) {
	got, err := BoxStock([]Component{{ProductID: 1, Stock: money.MustParse("9"), Quantity: money.MustParse("1")}})
	if err != nil {
		t.Fatalf("box stock: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero, got %s", got)
	}
}

func TestBoxStockFloorsPartialBoxes(t *testing.T) {
	got, err := BoxStock([]Component{{ProductID: 1, Stock: money.MustParse("7.5"), Quantity: money.MustParse("2"), LimitToStock: true}})
	if err != nil {
		t.Fatalf("box stock: %v", err)
	}
	if !got.Equal(money.MustParse("3")) {
		t.Fatalf("expected 3, got %s", got)
	}
}

func TestBoxStockRejectsNestedBox(t *testing.T) {
	_, err := BoxStock([]Component{{ProductID: 1, IsBox: true, Quantity: money.One}})
	if !errors.Is(err, ErrNestedBox) {
		t.Fatalf("expected ErrNestedBox, got %v", err)
	}
}

func TestBatchShortfall(t *testing.T) {
	cases := []struct {
		invoiced, stock, batch, want string
	}{
		{"7", "0", "6", "5"},
		{"12", "0", "6", "0"},
		{"7", "3", "6", "2"},
		{"2", "5", "6", "0"},
		{"7", "0", "1", "0"},
	}
	for _, tc := range cases {
		got := BatchShortfall(money.MustParse(tc.invoiced), money.MustParse(tc.stock), money.MustParse(tc.batch))
		if !got.Equal(money.MustParse(tc.want)) {
			t.Fatalf("BatchShortfall(%s, %s, %s) = %s, want %s", tc.invoiced, tc.stock, tc.batch, got, tc.want)
		}
	}
}

func TestNewStockFloorsAtZero(t *testing.T) {
	if got := NewStock(money.MustParse("2"), money.MustParse("5"), money.Zero); !got.IsZero() {
		t.Fatalf("expected zero, got %s", got)
	}
	if got := NewStock(money.MustParse("4"), money.MustParse("3"), money.MustParse("2")); !got.Equal(money.MustParse("3")) {
		t.Fatalf("expected 3, got %s", got)
	}
}
