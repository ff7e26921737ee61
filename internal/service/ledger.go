package service

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/money"
	"coopcycle/backend/internal/pricing"
	"coopcycle/backend/internal/store"
)

type crossKey struct {
	customerID int64
	producerID int64
}

// ledger holds the aggregates of one cycle that purchases roll up into. Rows
// are read once, locked, changed in memory and written back by flush.
type ledger struct {
	tx        store.Tx
	cycle     *domain.OrderCycle
	items     map[int64]*domain.OfferItem
	producers map[int64]*domain.ProducerInvoice
	customers map[int64]*domain.CustomerInvoice
	cross     map[crossKey]*domain.CustomerProducerInvoice
}

func newLedger(tx store.Tx, cycle *domain.OrderCycle) *ledger {
	return &ledger{
		tx:        tx,
		cycle:     cycle,
		items:     make(map[int64]*domain.OfferItem),
		producers: make(map[int64]*domain.ProducerInvoice),
		customers: make(map[int64]*domain.CustomerInvoice),
		cross:     make(map[crossKey]*domain.CustomerProducerInvoice),
	}
}

// preload reads every aggregate of the cycle in primary key order.
func (l *ledger) preload(ctx context.Context) error {
	items, err := l.tx.ListOfferItems(ctx, store.OfferItemFilter{CycleID: l.cycle.ID, ForUpdate: true})
	if err != nil {
		return err
	}
	for i := range items {
		l.items[items[i].ID] = &items[i]
	}
	producers, err := l.tx.ListProducerInvoices(ctx, store.ProducerInvoiceFilter{CycleID: l.cycle.ID, ForUpdate: true})
	if err != nil {
		return err
	}
	for i := range producers {
		l.producers[producers[i].ProducerID] = &producers[i]
	}
	customers, err := l.tx.ListCustomerInvoices(ctx, store.CustomerInvoiceFilter{CycleID: l.cycle.ID, ForUpdate: true})
	if err != nil {
		return err
	}
	for i := range customers {
		l.customers[customers[i].ID] = &customers[i]
	}
	cross, err := l.tx.ListCustomerProducerInvoices(ctx, store.CustomerProducerFilter{CycleID: l.cycle.ID})
	if err != nil {
		return err
	}
	for i := range cross {
		l.cross[crossKey{cross[i].CustomerID, cross[i].ProducerID}] = &cross[i]
	}
	return nil
}

func (l *ledger) offerItem(ctx context.Context, id int64) (*domain.OfferItem, error) {
	if item, ok := l.items[id]; ok {
		return item, nil
	}
	item, err := l.tx.GetOfferItem(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if item.CycleID != l.cycle.ID {
		return nil, fmt.Errorf("offer item %d: %w", id, store.ErrNotFound)
	}
	l.items[id] = item
	return item, nil
}

// producerInvoice returns the producer's row of the cycle, creating it on the
// producer's first line.
func (l *ledger) producerInvoice(ctx context.Context, producerID int64) (*domain.ProducerInvoice, error) {
	if invoice, ok := l.producers[producerID]; ok {
		return invoice, nil
	}
	found, err := l.tx.ListProducerInvoices(ctx, store.ProducerInvoiceFilter{
		CycleID:     l.cycle.ID,
		ProducerIDs: []int64{producerID},
		ForUpdate:   true,
	})
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		l.producers[producerID] = &found[0]
		return &found[0], nil
	}
	producer, err := l.tx.GetProducer(ctx, producerID, false)
	if err != nil {
		return nil, err
	}
	created, err := l.tx.CreateProducerInvoice(ctx, newProducerInvoice(*l.cycle, *producer))
	if err != nil {
		return nil, err
	}
	l.producers[producerID] = created
	return created, nil
}

func (l *ledger) customerInvoice(ctx context.Context, id int64) (*domain.CustomerInvoice, error) {
	if invoice, ok := l.customers[id]; ok {
		return invoice, nil
	}
	found, err := l.tx.ListCustomerInvoices(ctx, store.CustomerInvoiceFilter{CycleID: l.cycle.ID, IDs: []int64{id}, ForUpdate: true})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("customer invoice %d: %w", id, store.ErrNotFound)
	}
	l.customers[id] = &found[0]
	return &found[0], nil
}

func (l *ledger) crossInvoice(ctx context.Context, customerID, producerID int64) (*domain.CustomerProducerInvoice, error) {
	key := crossKey{customerID, producerID}
	if row, ok := l.cross[key]; ok {
		return row, nil
	}
	found, err := l.tx.ListCustomerProducerInvoices(ctx, store.CustomerProducerFilter{
		CycleID:     l.cycle.ID,
		CustomerIDs: []int64{customerID},
		ProducerIDs: []int64{producerID},
	})
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		l.cross[key] = &found[0]
		return &found[0], nil
	}
	created, err := l.tx.CreateCustomerProducerInvoice(ctx, domain.CustomerProducerInvoice{
		CycleID:              l.cycle.ID,
		CustomerID:           customerID,
		ProducerID:           producerID,
		TotalPurchaseWithTax: money.Zero,
		TotalSellingWithTax:  money.Zero,
	})
	if err != nil {
		return nil, err
	}
	l.cross[key] = created
	return created, nil
}

// apply adds the change of one purchase line to every aggregate above it.
func (l *ledger) apply(ctx context.Context, p domain.Purchase, delta pricing.Line) error {
	if delta.IsZero() {
		return nil
	}
	item, err := l.offerItem(ctx, p.OfferItemID)
	if err != nil {
		return err
	}
	item.QuantityInvoiced = item.QuantityInvoiced.Add(delta.Quantity)
	item.TotalPurchaseWithTax = item.TotalPurchaseWithTax.Add(delta.PurchasePrice)
	item.TotalSellingWithTax = item.TotalSellingWithTax.Add(delta.SellingPrice)

	pi, err := l.producerInvoice(ctx, p.ProducerID)
	if err != nil {
		return err
	}
	pi.TotalPriceWithTax = pi.TotalPriceWithTax.Add(delta.PurchasePrice)
	pi.TotalVAT = pi.TotalVAT.Add(delta.ProducerVAT)
	pi.TotalDeposit = pi.TotalDeposit.Add(delta.Deposit)

	ci, err := l.customerInvoice(ctx, p.CustomerInvoiceID)
	if err != nil {
		return err
	}
	ci.TotalPriceWithTax = ci.TotalPriceWithTax.Add(delta.SellingPrice)
	ci.TotalVAT = ci.TotalVAT.Add(delta.CustomerVAT)
	ci.TotalDeposit = ci.TotalDeposit.Add(delta.Deposit)

	cpi, err := l.crossInvoice(ctx, p.CustomerID, p.ProducerID)
	if err != nil {
		return err
	}
	cpi.TotalPurchaseWithTax = cpi.TotalPurchaseWithTax.Add(delta.PurchasePrice)
	cpi.TotalSellingWithTax = cpi.TotalSellingWithTax.Add(delta.SellingPrice)

	l.cycle.TotalPurchaseWithTax = l.cycle.TotalPurchaseWithTax.Add(delta.PurchasePrice)
	l.cycle.TotalSellingWithTax = l.cycle.TotalSellingWithTax.Add(delta.SellingPrice)
	l.cycle.TotalPurchaseVAT = l.cycle.TotalPurchaseVAT.Add(delta.ProducerVAT)
	l.cycle.TotalSellingVAT = l.cycle.TotalSellingVAT.Add(delta.CustomerVAT)
	return nil
}

// applyStockAddition moves the producer side of an offer item after its
// stock addition or unit price changed.
func (l *ledger) applyStockAddition(ctx context.Context, item *domain.OfferItem) error {
	change := pricing.RepriceStockAddition(item)
	if change.PurchasePrice.IsZero() {
		return nil
	}
	pi, err := l.producerInvoice(ctx, item.ProducerID)
	if err != nil {
		return err
	}
	pi.TotalPriceWithTax = pi.TotalPriceWithTax.Add(change.PurchasePrice)
	return nil
}

// reset zeroes every aggregate before a full replay.
func (l *ledger) reset() {
	for _, item := range l.items {
		item.QuantityInvoiced = money.Zero
		item.TotalPurchaseWithTax = money.Zero
		item.TotalSellingWithTax = money.Zero
	}
	for _, pi := range l.producers {
		pi.TotalPriceWithTax = money.Zero
		pi.TotalVAT = money.Zero
		pi.TotalDeposit = money.Zero
	}
	for _, ci := range l.customers {
		ci.TotalPriceWithTax = money.Zero
		ci.TotalVAT = money.Zero
		ci.TotalDeposit = money.Zero
	}
	for _, cpi := range l.cross {
		cpi.TotalPurchaseWithTax = money.Zero
		cpi.TotalSellingWithTax = money.Zero
	}
	l.cycle.TotalPurchaseWithTax = money.Zero
	l.cycle.TotalSellingWithTax = money.Zero
	l.cycle.TotalPurchaseVAT = money.Zero
	l.cycle.TotalSellingVAT = money.Zero
}

// flush writes every row the ledger read back, the cycle included.
func (l *ledger) flush(ctx context.Context) error {
	for _, id := range sortedKeys(l.items) {
		if err := l.tx.UpdateOfferItem(ctx, *l.items[id]); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(l.producers) {
		if err := l.tx.UpdateProducerInvoice(ctx, *l.producers[id]); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(l.customers) {
		if err := l.tx.UpdateCustomerInvoice(ctx, *l.customers[id]); err != nil {
			return err
		}
	}
	rows := make([]*domain.CustomerProducerInvoice, 0, len(l.cross))
	for _, row := range l.cross {
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b *domain.CustomerProducerInvoice) int {
		return cmp.Compare(a.ID, b.ID)
	})
	for _, row := range rows {
		if err := l.tx.UpdateCustomerProducerInvoice(ctx, *row); err != nil {
			return err
		}
	}
	return l.tx.UpdateCycle(ctx, *l.cycle)
}

func newProducerInvoice(cycle domain.OrderCycle, producer domain.Producer) domain.ProducerInvoice {
	return domain.ProducerInvoice{
		CycleID:             cycle.ID,
		ProducerID:          producer.ID,
		Status:              cycle.Status,
		ToBePaid:            true,
		ToBeInvoicedBalance: money.Zero,
		Balance:             producer.Balance,
		DateBalance:         producer.DateBalance,
		PreviousBalance:     producer.Balance,
		DatePreviousBalance: producer.DateBalance,
	}
}
