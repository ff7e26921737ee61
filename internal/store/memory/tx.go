package memory

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/store"
)

// memTx works directly on the live state; Store.WithinTx holds the lock and
// owns the rollback snapshot.
type memTx struct {
	st *state
}

func (t *memTx) GetProducer(_ context.Context, id int64, _ bool) (*domain.Producer, error) {
	producer, ok := t.st.producers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &producer, nil
}

func (t *memTx) ListProducers(_ context.Context, filter store.ProducerFilter) ([]domain.Producer, error) {
	return collect(t.st.producers, func(p domain.Producer) bool {
		if !containsAll(filter.IDs, p.ID) {
			return false
		}
		return filter.RepresentsGroup == nil || *filter.RepresentsGroup == p.RepresentsGroup
	}), nil
}

func (t *memTx) CreateProducer(_ context.Context, producer domain.Producer) (*domain.Producer, error) {
	for _, existing := range t.st.producers {
		if existing.ShortName == producer.ShortName {
			return nil, store.ErrConflict
		}
	}
	producer.ID = t.st.newID()
	t.st.producers[producer.ID] = producer
	return &producer, nil
}

func (t *memTx) UpdateProducer(_ context.Context, producer domain.Producer) error {
	if _, ok := t.st.producers[producer.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.producers[producer.ID] = producer
	return nil
}

func (t *memTx) GetCustomer(_ context.Context, id int64, _ bool) (*domain.Customer, error) {
	customer, ok := t.st.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (t *memTx) ListCustomers(_ context.Context, filter store.CustomerFilter) ([]domain.Customer, error) {
	return collect(t.st.customers, func(c domain.Customer) bool {
		if !containsAll(filter.IDs, c.ID) {
			return false
		}
		return filter.RepresentsGroup == nil || *filter.RepresentsGroup == c.RepresentsGroup
	}), nil
}

func (t *memTx) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	for _, existing := range t.st.customers {
		if existing.ShortName == customer.ShortName {
			return nil, store.ErrConflict
		}
	}
	customer.ID = t.st.newID()
	t.st.customers[customer.ID] = customer
	return &customer, nil
}

func (t *memTx) UpdateCustomer(_ context.Context, customer domain.Customer) error {
	if _, ok := t.st.customers[customer.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.customers[customer.ID] = customer
	return nil
}

func (t *memTx) ListDeliveryPoints(_ context.Context, ids []int64) ([]domain.DeliveryPoint, error) {
	return collect(t.st.deliveryPoints, func(p domain.DeliveryPoint) bool {
		return containsAll(ids, p.ID)
	}), nil
}

func (t *memTx) CreateDeliveryPoint(_ context.Context, point domain.DeliveryPoint) (*domain.DeliveryPoint, error) {
	for _, existing := range t.st.deliveryPoints {
		if existing.ShortName == point.ShortName {
			return nil, store.ErrConflict
		}
	}
	point.ID = t.st.newID()
	t.st.deliveryPoints[point.ID] = point
	return &point, nil
}

func (t *memTx) GetProduct(_ context.Context, id int64, _ bool) (*domain.Product, error) {
	product, ok := t.st.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (t *memTx) ListProducts(_ context.Context, filter store.ProductFilter) ([]domain.Product, error) {
	return collect(t.st.products, func(p domain.Product) bool {
		if filter.ActiveOnly && !p.Active {
			return false
		}
		return containsAll(filter.IDs, p.ID) &&
			containsAll(filter.ProducerIDs, p.ProducerID) &&
			containsAll(filter.OrderUnits, p.OrderUnit)
	}), nil
}

func (t *memTx) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	for _, existing := range t.st.products {
		if existing.ProducerID == product.ProducerID && existing.LongName == product.LongName {
			return nil, store.ErrConflict
		}
	}
	product.ID = t.st.newID()
	t.st.products[product.ID] = product
	return &product, nil
}

func (t *memTx) UpdateProduct(_ context.Context, product domain.Product) error {
	if _, ok := t.st.products[product.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.products[product.ID] = product
	return nil
}

func (t *memTx) UpdateProductStockIf(_ context.Context, id int64, expected decimal.Decimal, stock decimal.Decimal) (bool, error) {
	product, ok := t.st.products[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !product.Stock.Equal(expected) {
		return false, nil
	}
	product.Stock = stock
	t.st.products[id] = product
	return true, nil
}

func (t *memTx) ListBoxContents(_ context.Context, boxID int64) ([]domain.BoxContent, error) {
	return collect(t.st.boxContents, func(c domain.BoxContent) bool {
		return c.BoxID == boxID
	}), nil
}

func (t *memTx) ReplaceBoxContents(_ context.Context, boxID int64, contents []domain.BoxContent) ([]domain.BoxContent, error) {
	seen := make(map[int64]bool, len(contents))
	for _, c := range contents {
		if seen[c.ProductID] {
			return nil, store.ErrConflict
		}
		seen[c.ProductID] = true
	}
	for id, existing := range t.st.boxContents {
		if existing.BoxID == boxID {
			delete(t.st.boxContents, id)
		}
	}
	result := make([]domain.BoxContent, 0, len(contents))
	for _, c := range contents {
		c.ID = t.st.newID()
		c.BoxID = boxID
		t.st.boxContents[c.ID] = c
		result = append(result, c)
	}
	return result, nil
}

func (t *memTx) GetCycle(_ context.Context, id int64, _ bool) (*domain.OrderCycle, error) {
	cycle, ok := t.st.cycles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneCycle(cycle)
	return &dup, nil
}

func (t *memTx) ListCycles(_ context.Context, filter store.CycleFilter) ([]domain.OrderCycle, error) {
	cycles := collect(t.st.cycles, func(c domain.OrderCycle) bool {
		if !containsAll(filter.Statuses, c.Status) {
			return false
		}
		if filter.Date != nil && !sameDay(*filter.Date, c.Date) {
			return false
		}
		if filter.ShortName != nil && *filter.ShortName != c.ShortName {
			return false
		}
		if filter.MasterID != nil && (c.MasterID == nil || *c.MasterID != *filter.MasterID) {
			return false
		}
		return true
	})
	if filter.Limit > 0 && len(cycles) > filter.Limit {
		cycles = cycles[:filter.Limit]
	}
	for i := range cycles {
		cycles[i] = cloneCycle(cycles[i])
	}
	return cycles, nil
}

func (t *memTx) CreateCycle(_ context.Context, cycle domain.OrderCycle) (*domain.OrderCycle, error) {
	cycle.ID = t.st.newID()
	cycle = cloneCycle(cycle)
	t.st.cycles[cycle.ID] = cycle
	dup := cloneCycle(cycle)
	return &dup, nil
}

func (t *memTx) UpdateCycle(_ context.Context, cycle domain.OrderCycle) error {
	if _, ok := t.st.cycles[cycle.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.cycles[cycle.ID] = cloneCycle(cycle)
	return nil
}

func (t *memTx) ListDeliveryBoards(_ context.Context, filter store.DeliveryBoardFilter) ([]domain.DeliveryBoard, error) {
	return collect(t.st.deliveryBoards, func(b domain.DeliveryBoard) bool {
		return b.CycleID == filter.CycleID && containsAll(filter.IDs, b.ID)
	}), nil
}

func (t *memTx) CreateDeliveryBoard(_ context.Context, board domain.DeliveryBoard) (*domain.DeliveryBoard, error) {
	board.ID = t.st.newID()
	t.st.deliveryBoards[board.ID] = board
	return &board, nil
}

func (t *memTx) UpdateDeliveryBoard(_ context.Context, board domain.DeliveryBoard) error {
	if _, ok := t.st.deliveryBoards[board.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.deliveryBoards[board.ID] = board
	return nil
}

func (t *memTx) ListProducerInvoices(_ context.Context, filter store.ProducerInvoiceFilter) ([]domain.ProducerInvoice, error) {
	return collect(t.st.producerInvoices, func(p domain.ProducerInvoice) bool {
		return p.CycleID == filter.CycleID && containsAll(filter.ProducerIDs, p.ProducerID)
	}), nil
}

func (t *memTx) CreateProducerInvoice(_ context.Context, invoice domain.ProducerInvoice) (*domain.ProducerInvoice, error) {
	for _, existing := range t.st.producerInvoices {
		if existing.CycleID == invoice.CycleID && existing.ProducerID == invoice.ProducerID {
			return nil, store.ErrConflict
		}
	}
	invoice.ID = t.st.newID()
	t.st.producerInvoices[invoice.ID] = invoice
	return &invoice, nil
}

func (t *memTx) UpdateProducerInvoice(_ context.Context, invoice domain.ProducerInvoice) error {
	if _, ok := t.st.producerInvoices[invoice.ID]; !ok {
		return store.ErrNotFound
	}
	for _, existing := range t.st.producerInvoices {
		if existing.ID != invoice.ID && existing.CycleID == invoice.CycleID && existing.ProducerID == invoice.ProducerID {
			return store.ErrConflict
		}
	}
	t.st.producerInvoices[invoice.ID] = invoice
	return nil
}

func (t *memTx) ListCustomerInvoices(_ context.Context, filter store.CustomerInvoiceFilter) ([]domain.CustomerInvoice, error) {
	return collect(t.st.customerInvoices, func(c domain.CustomerInvoice) bool {
		if filter.CycleID != 0 && c.CycleID != filter.CycleID {
			return false
		}
		if len(filter.DeliveryPointIDs) > 0 && (c.DeliveryPointID == nil || !slices.Contains(filter.DeliveryPointIDs, *c.DeliveryPointID)) {
			return false
		}
		return containsAll(filter.IDs, c.ID) && containsAll(filter.CustomerIDs, c.CustomerID)
	}), nil
}

func (t *memTx) CreateCustomerInvoice(_ context.Context, invoice domain.CustomerInvoice) (*domain.CustomerInvoice, error) {
	for _, existing := range t.st.customerInvoices {
		if existing.CycleID == invoice.CycleID && existing.CustomerID == invoice.CustomerID {
			return nil, store.ErrConflict
		}
	}
	invoice.ID = t.st.newID()
	t.st.customerInvoices[invoice.ID] = invoice
	return &invoice, nil
}

func (t *memTx) UpdateCustomerInvoice(_ context.Context, invoice domain.CustomerInvoice) error {
	if _, ok := t.st.customerInvoices[invoice.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.customerInvoices[invoice.ID] = invoice
	return nil
}

func (t *memTx) ListCustomerProducerInvoices(_ context.Context, filter store.CustomerProducerFilter) ([]domain.CustomerProducerInvoice, error) {
	return collect(t.st.crossInvoices, func(c domain.CustomerProducerInvoice) bool {
		return c.CycleID == filter.CycleID &&
			containsAll(filter.CustomerIDs, c.CustomerID) &&
			containsAll(filter.ProducerIDs, c.ProducerID)
	}), nil
}

func (t *memTx) CreateCustomerProducerInvoice(_ context.Context, invoice domain.CustomerProducerInvoice) (*domain.CustomerProducerInvoice, error) {
	for _, existing := range t.st.crossInvoices {
		if existing.CycleID == invoice.CycleID && existing.CustomerID == invoice.CustomerID && existing.ProducerID == invoice.ProducerID {
			return nil, store.ErrConflict
		}
	}
	invoice.ID = t.st.newID()
	t.st.crossInvoices[invoice.ID] = invoice
	return &invoice, nil
}

func (t *memTx) UpdateCustomerProducerInvoice(_ context.Context, invoice domain.CustomerProducerInvoice) error {
	if _, ok := t.st.crossInvoices[invoice.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.crossInvoices[invoice.ID] = invoice
	return nil
}

func (t *memTx) GetOfferItem(_ context.Context, id int64, _ bool) (*domain.OfferItem, error) {
	item, ok := t.st.offerItems[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (t *memTx) ListOfferItems(_ context.Context, filter store.OfferItemFilter) ([]domain.OfferItem, error) {
	return collect(t.st.offerItems, func(o domain.OfferItem) bool {
		if o.CycleID != filter.CycleID {
			return false
		}
		if filter.ManagedOnly && !o.ManageReplenishment {
			return false
		}
		if filter.ActiveOnly && !o.IsActive {
			return false
		}
		return containsAll(filter.IDs, o.ID) &&
			containsAll(filter.ProducerIDs, o.ProducerID) &&
			containsAll(filter.ProductIDs, o.ProductID) &&
			containsAll(filter.OrderUnits, o.OrderUnit)
	}), nil
}

func (t *memTx) CreateOfferItem(_ context.Context, item domain.OfferItem) (*domain.OfferItem, error) {
	for _, existing := range t.st.offerItems {
		if existing.CycleID == item.CycleID && existing.ProductID == item.ProductID {
			return nil, store.ErrConflict
		}
	}
	item.ID = t.st.newID()
	t.st.offerItems[item.ID] = item
	return &item, nil
}

func (t *memTx) UpdateOfferItem(_ context.Context, item domain.OfferItem) error {
	if _, ok := t.st.offerItems[item.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.offerItems[item.ID] = item
	return nil
}

func (t *memTx) GetPurchase(_ context.Context, id int64, _ bool) (*domain.Purchase, error) {
	purchase, ok := t.st.purchases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &purchase, nil
}

func (t *memTx) ListPurchases(_ context.Context, filter store.PurchaseFilter) ([]domain.Purchase, error) {
	return collect(t.st.purchases, func(p domain.Purchase) bool {
		if filter.CycleID != 0 && p.CycleID != filter.CycleID {
			return false
		}
		return containsAll(filter.IDs, p.ID) &&
			containsAll(filter.OfferItemIDs, p.OfferItemID) &&
			containsAll(filter.CustomerIDs, p.CustomerID) &&
			containsAll(filter.ProducerIDs, p.ProducerID) &&
			containsAll(filter.CustomerInvoiceIDs, p.CustomerInvoiceID)
	}), nil
}

func (t *memTx) CreatePurchase(_ context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	purchase.ID = t.st.newID()
	t.st.purchases[purchase.ID] = purchase
	return &purchase, nil
}

func (t *memTx) UpdatePurchase(_ context.Context, purchase domain.Purchase) error {
	if _, ok := t.st.purchases[purchase.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.purchases[purchase.ID] = purchase
	return nil
}

func (t *memTx) ListBankEntries(_ context.Context, filter store.BankEntryFilter) ([]domain.BankEntry, error) {
	entries := collect(t.st.bankEntries, func(b domain.BankEntry) bool {
		return matchBankEntry(b, filter)
	})
	if filter.Descending {
		slices.Reverse(entries)
	}
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func matchBankEntry(b domain.BankEntry, filter store.BankEntryFilter) bool {
	if !containsAll(filter.IDs, b.ID) || !containsAll(filter.Statuses, b.Status) {
		return false
	}
	if !optionalEquals(filter.CycleID, b.CycleID) ||
		!optionalEquals(filter.CustomerID, b.CustomerID) ||
		!optionalEquals(filter.ProducerID, b.ProducerID) {
		return false
	}
	if len(filter.CustomerInvoiceIDs) > 0 && (b.CustomerInvoiceID == nil || !slices.Contains(filter.CustomerInvoiceIDs, *b.CustomerInvoiceID)) {
		return false
	}
	if len(filter.ProducerInvoiceIDs) > 0 && (b.ProducerInvoiceID == nil || !slices.Contains(filter.ProducerInvoiceIDs, *b.ProducerInvoiceID)) {
		return false
	}
	if filter.HasCustomer && b.CustomerID == nil {
		return false
	}
	if filter.HasProducer && b.ProducerID == nil {
		return false
	}
	if filter.NoParty && (b.CustomerID != nil || b.ProducerID != nil) {
		return false
	}
	if filter.Unlinked && b.Linked() {
		return false
	}
	if filter.OnOrBefore != nil && b.OperationDate.After(*filter.OnOrBefore) {
		return false
	}
	return true
}

func optionalEquals(want *int64, got *int64) bool {
	if want == nil {
		return true
	}
	return got != nil && *got == *want
}

func (t *memTx) CreateBankEntry(_ context.Context, entry domain.BankEntry) (*domain.BankEntry, error) {
	if entry.Status == domain.BankLatestTotal {
		for _, existing := range t.st.bankEntries {
			if existing.Status == domain.BankLatestTotal {
				return nil, store.ErrConflict
			}
		}
	}
	entry.ID = t.st.newID()
	t.st.bankEntries[entry.ID] = entry
	return &entry, nil
}

func (t *memTx) UpdateBankEntry(_ context.Context, entry domain.BankEntry) error {
	if _, ok := t.st.bankEntries[entry.ID]; !ok {
		return store.ErrNotFound
	}
	if entry.Status == domain.BankLatestTotal {
		for _, existing := range t.st.bankEntries {
			if existing.ID != entry.ID && existing.Status == domain.BankLatestTotal {
				return store.ErrConflict
			}
		}
	}
	t.st.bankEntries[entry.ID] = entry
	return nil
}

func (t *memTx) DeleteBankEntries(_ context.Context, ids []int64) error {
	for _, id := range ids {
		delete(t.st.bankEntries, id)
	}
	return nil
}
