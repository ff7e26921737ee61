package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coopcycle/backend/internal/config"
	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/lock"
	"coopcycle/backend/internal/money"
	"coopcycle/backend/internal/store"
	"coopcycle/backend/internal/store/memory"
)

type fixture struct {
	svc       *Service
	repo      *memory.Store
	ctx       context.Context
	producers map[string]domain.Producer
	customers map[string]domain.Customer
	products  map[string]domain.Product
}

func newFixture(t *testing.T, settings config.Settings, opts ...Option) *fixture {
	t.Helper()
	repo := memory.NewSeeded()
	f := &fixture{
		svc:       New(repo, settings, opts...),
		repo:      repo,
		ctx:       WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin}),
		producers: map[string]domain.Producer{},
		customers: map[string]domain.Customer{},
		products:  map[string]domain.Product{},
	}
	producers, err := f.svc.ListProducers(f.ctx)
	if err != nil {
		t.Fatalf("list producers: %v", err)
	}
	for _, producer := range producers {
		f.producers[producer.ShortName] = producer
	}
	customers, err := f.svc.ListCustomers(f.ctx)
	if err != nil {
		t.Fatalf("list customers: %v", err)
	}
	for _, customer := range customers {
		f.customers[customer.ShortName] = customer
	}
	products, err := f.svc.ListProducts(f.ctx, nil)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	for _, product := range products {
		f.products[product.LongName] = product
	}
	return f
}

func accounting() config.Settings {
	return config.Settings{ManageAccounting: true}
}

func today() time.Time {
	return dateOnly(time.Now())
}

func (f *fixture) createCycle(t *testing.T, date time.Time) domain.CycleDetail {
	t.Helper()
	detail, err := f.svc.CreateCycle(f.ctx, domain.CreateCycleRequest{
		ShortName:   "Weekly basket",
		Date:        date,
		ProducerIDs: []int64{f.producers["Green Farm"].ID, f.producers["Bakery"].ID},
	})
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	return detail
}

func (f *fixture) offerItem(t *testing.T, cycleID int64, product string) domain.OfferItem {
	t.Helper()
	var item domain.OfferItem
	err := f.repo.WithinTx(f.ctx, func(tx store.Tx) error {
		items, err := tx.ListOfferItems(f.ctx, store.OfferItemFilter{
			CycleID:    cycleID,
			ProductIDs: []int64{f.products[product].ID},
		})
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return store.ErrNotFound
		}
		item = items[0]
		return nil
	})
	if err != nil {
		t.Fatalf("offer item %s: %v", product, err)
	}
	return item
}

func (f *fixture) order(t *testing.T, cycleID int64, customer, product, qty string) domain.Purchase {
	t.Helper()
	purchase, err := f.svc.PlaceOrder(f.ctx, cycleID, domain.PlaceOrderRequest{
		CustomerID:  f.customers[customer].ID,
		OfferItemID: f.offerItem(t, cycleID, product).ID,
		Quantity:    decimal.RequireFromString(qty),
	})
	if err != nil {
		t.Fatalf("order %s %s for %s: %v", qty, product, customer, err)
	}
	return purchase
}

// sentCycle runs a cycle up to SEND with a few orders.
func (f *fixture) sentCycle(t *testing.T) domain.CycleDetail {
	t.Helper()
	cycle := f.createCycle(t, today())
	id := cycle.Cycle.ID
	if _, err := f.svc.OpenOrders(f.ctx, id); err != nil {
		t.Fatalf("open orders: %v", err)
	}
	f.order(t, id, "Alice", "Carrots", "2.5")
	f.order(t, id, "Alice", "Sourdough", "1")
	f.order(t, id, "Bruno", "Eggs x6", "6")
	if _, err := f.svc.CloseOrders(f.ctx, id, domain.CloseOrderRequest{}); err != nil {
		t.Fatalf("close orders: %v", err)
	}
	detail, err := f.svc.SendToProducers(f.ctx, id, domain.SendRequest{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return detail
}

func (f *fixture) bankEntries(t *testing.T, statuses ...domain.BankStatus) []domain.BankEntry {
	t.Helper()
	var entries []domain.BankEntry
	err := f.repo.WithinTx(f.ctx, func(tx store.Tx) error {
		var err error
		entries, err = tx.ListBankEntries(f.ctx, store.BankEntryFilter{Statuses: statuses})
		return err
	})
	if err != nil {
		t.Fatalf("list bank entries: %v", err)
	}
	return entries
}

func (f *fixture) balances(t *testing.T) map[string]decimal.Decimal {
	t.Helper()
	result := map[string]decimal.Decimal{}
	customers, err := f.svc.ListCustomers(f.ctx)
	if err != nil {
		t.Fatalf("list customers: %v", err)
	}
	for _, customer := range customers {
		result["customer:"+customer.ShortName] = customer.Balance
	}
	producers, err := f.svc.ListProducers(f.ctx)
	if err != nil {
		t.Fatalf("list producers: %v", err)
	}
	for _, producer := range producers {
		result["producer:"+producer.ShortName] = producer.Balance
	}
	return result
}

func findCustomerInvoice(detail domain.CycleDetail, customerID int64) *domain.CustomerInvoice {
	for i := range detail.CustomerInvoices {
		if detail.CustomerInvoices[i].CustomerID == customerID {
			return &detail.CustomerInvoices[i]
		}
	}
	return nil
}

func TestOperationsRequireActor(t *testing.T) {
	f := newFixture(t, accounting())

	_, err := f.svc.Invoice(context.Background(), 1, domain.InvoiceRequest{PaymentDate: today()})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	staff := WithActor(context.Background(), domain.Actor{Username: "staff", Role: domain.RoleStaff})
	_, err = f.svc.CloseOrders(staff, 1, domain.CloseOrderRequest{})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected staff to be refused closing orders, got %v", err)
	}
}

func TestAdvanceRejectsWrongStartingStatus(t *testing.T) {
	f := newFixture(t, accounting())
	cycle := f.createCycle(t, today())

	_, err := f.svc.Advance(f.ctx, cycle.Cycle.ID, domain.AdvanceRequest{
		From: []domain.Status{domain.StatusOpened},
		To:   domain.StatusClosed,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var transitionErr *TransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected transition error, got %T", err)
	}
	if transitionErr.Current != domain.StatusPlanned {
		t.Fatalf("expected current PLANNED, got %s", transitionErr.Current)
	}
}

func TestHighestStatusNeverGoesBack(t *testing.T) {
	f := newFixture(t, accounting())
	cycle := f.createCycle(t, today())
	id := cycle.Cycle.ID

	if _, err := f.svc.OpenOrders(f.ctx, id); err != nil {
		t.Fatalf("open orders: %v", err)
	}
	detail, err := f.svc.BackToScheduled(f.ctx, id)
	if err != nil {
		t.Fatalf("back to scheduled: %v", err)
	}
	if detail.Cycle.Status != domain.StatusPlanned {
		t.Fatalf("expected PLANNED, got %s", detail.Cycle.Status)
	}
	if detail.Cycle.HighestStatus != domain.StatusOpened {
		t.Fatalf("expected highest status OPENED, got %s", detail.Cycle.HighestStatus)
	}
	if f.offerItem(t, id, "Carrots").MayOrder {
		t.Fatalf("expected offer items closed to ordering")
	}
}

func TestPlaceOrderRejectsFractionalPieces(t *testing.T) {
	f := newFixture(t, accounting())
	cycle := f.createCycle(t, today())
	if _, err := f.svc.OpenOrders(f.ctx, cycle.Cycle.ID); err != nil {
		t.Fatalf("open orders: %v", err)
	}

	_, err := f.svc.PlaceOrder(f.ctx, cycle.Cycle.ID, domain.PlaceOrderRequest{
		CustomerID:  f.customers["Alice"].ID,
		OfferItemID: f.offerItem(t, cycle.Cycle.ID, "Eggs x6").ID,
		Quantity:    decimal.RequireFromString("1.5"),
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCloseOrdersRoundsManagedItemsToBatches(t *testing.T) {
	f := newFixture(t, accounting())
	detail := f.sentCycle(t)

	eggs := f.offerItem(t, detail.Cycle.ID, "Eggs x6")
	if !eggs.Add2Stock.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("expected 8 eggs added to stock, got %s", eggs.Add2Stock)
	}
	if !eggs.QuantityInvoiced.Equal(decimal.NewFromInt(14)) {
		t.Fatalf("expected 14 invoiced including stock addition, got %s", eggs.QuantityInvoiced)
	}
	sourdough := f.offerItem(t, detail.Cycle.ID, "Sourdough")
	if !sourdough.UseOrderUnitConverted {
		t.Fatalf("expected sourdough to switch to its converted unit on send")
	}
}

func TestCloseOrdersAddsMembershipFee(t *testing.T) {
	settings := accounting()
	settings.MembershipFee = decimal.NewFromInt(5)
	settings.MembershipFeeDurationMonths = 12
	f := newFixture(t, settings)

	cycle := f.createCycle(t, today().AddDate(0, 0, 1))
	id := cycle.Cycle.ID
	if _, err := f.svc.OpenOrders(f.ctx, id); err != nil {
		t.Fatalf("open orders: %v", err)
	}
	f.order(t, id, "Alice", "Carrots", "1")
	if _, err := f.svc.CloseOrders(f.ctx, id, domain.CloseOrderRequest{}); err != nil {
		t.Fatalf("close orders: %v", err)
	}

	fee := f.offerItem(t, id, "Membership fee")
	if !fee.QuantityInvoiced.Equal(money.One) {
		t.Fatalf("expected one membership fee, got %s", fee.QuantityInvoiced)
	}
	customers, err := f.svc.ListCustomers(f.ctx)
	if err != nil {
		t.Fatalf("list customers: %v", err)
	}
	for _, customer := range customers {
		if customer.ShortName != "Alice" {
			continue
		}
		want := today().AddDate(0, 12, 0)
		if !customer.MembershipFeeValidUntil.Equal(want) {
			t.Fatalf("expected membership valid until %s, got %s", want, customer.MembershipFeeValidUntil)
		}
	}
}

func TestFullRecalculationIsIdempotent(t *testing.T) {
	f := newFixture(t, accounting())
	detail := f.sentCycle(t)
	id := detail.Cycle.ID

	first, err := f.svc.RecalculateOrderAmount(f.ctx, id, domain.RecalculateRequest{ReInit: true})
	if err != nil {
		t.Fatalf("first recalculation: %v", err)
	}
	second, err := f.svc.RecalculateOrderAmount(f.ctx, id, domain.RecalculateRequest{ReInit: true})
	if err != nil {
		t.Fatalf("second recalculation: %v", err)
	}

	if !first.Cycle.TotalPurchaseWithTax.Equal(detail.Cycle.TotalPurchaseWithTax) ||
		!second.Cycle.TotalPurchaseWithTax.Equal(first.Cycle.TotalPurchaseWithTax) {
		t.Fatalf("purchase totals drifted: %s, %s, %s",
			detail.Cycle.TotalPurchaseWithTax, first.Cycle.TotalPurchaseWithTax, second.Cycle.TotalPurchaseWithTax)
	}
	if !second.Cycle.TotalSellingWithTax.Equal(first.Cycle.TotalSellingWithTax) {
		t.Fatalf("selling totals drifted: %s, %s", first.Cycle.TotalSellingWithTax, second.Cycle.TotalSellingWithTax)
	}
	for i, invoice := range second.ProducerInvoices {
		if !invoice.TotalPriceWithTax.Equal(first.ProducerInvoices[i].TotalPriceWithTax) {
			t.Fatalf("producer %d total drifted: %s vs %s",
				invoice.ProducerID, first.ProducerInvoices[i].TotalPriceWithTax, invoice.TotalPriceWithTax)
		}
	}
}

func TestInvoiceSettlesBalancesAndStock(t *testing.T) {
	bus := events.NewBus()
	var seen []events.Type
	bus.Subscribe(func(_ context.Context, evt events.Event) {
		seen = append(seen, evt.Type)
	})
	f := newFixture(t, accounting(), WithPublisher(bus))
	detail := f.sentCycle(t)
	alice := findCustomerInvoice(detail, f.customers["Alice"].ID)
	if alice == nil {
		t.Fatalf("expected an invoice for Alice")
	}

	result, err := f.svc.Invoice(f.ctx, detail.Cycle.ID, domain.InvoiceRequest{PaymentDate: today()})
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if result.Cycle.Status != domain.StatusInvoiced {
		t.Fatalf("expected INVOICED, got %s", result.Cycle.Status)
	}
	if result.Child != nil {
		t.Fatalf("expected no child cycle when every producer is paid")
	}
	if result.Cycle.InvoiceSortOrder == nil || *result.Cycle.InvoiceSortOrder != result.LatestTotal.ID {
		t.Fatalf("expected cycle sorted by the new latest total %d", result.LatestTotal.ID)
	}

	latest := f.bankEntries(t, domain.BankLatestTotal)
	if len(latest) != 1 || latest[0].ID != result.LatestTotal.ID {
		t.Fatalf("expected exactly the new latest total, got %+v", latest)
	}

	balances := f.balances(t)
	if !balances["customer:Alice"].Equal(alice.TotalPriceWithTax.Neg()) {
		t.Fatalf("expected Alice to owe %s, got %s", alice.TotalPriceWithTax, balances["customer:Alice"])
	}
	if !balances["producer:Green Farm"].IsZero() {
		t.Fatalf("expected Green Farm paid in full, got %s", balances["producer:Green Farm"])
	}

	settled, err := f.svc.GetCycle(f.ctx, detail.Cycle.ID)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	paid := money.Zero
	for _, invoice := range settled.ProducerInvoices {
		paid = paid.Add(invoice.TotalDue())
		if invoice.InvoiceSortOrder == nil || *invoice.InvoiceSortOrder != result.LatestTotal.ID {
			t.Fatalf("expected producer invoice %d sorted by the latest total", invoice.ID)
		}
	}
	if !result.LatestTotal.Net().Equal(paid.Neg()) {
		t.Fatalf("expected latest total %s, got %s", paid.Neg(), result.LatestTotal.Net())
	}

	products, err := f.svc.ListProducts(f.ctx, []int64{f.producers["Green Farm"].ID})
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	for _, product := range products {
		if product.LongName == "Eggs x6" && !product.Stock.Equal(decimal.NewFromInt(8)) {
			t.Fatalf("expected 8 eggs left in stock, got %s", product.Stock)
		}
	}

	if len(seen) == 0 || seen[len(seen)-1] != events.Invoiced {
		t.Fatalf("expected an invoiced event last, got %v", seen)
	}
}

func TestCancelInvoiceRestoresPreviousState(t *testing.T) {
	f := newFixture(t, accounting())
	detail := f.sentCycle(t)
	id := detail.Cycle.ID
	bruno := f.customers["Bruno"].ID
	farm := f.producers["Green Farm"].ID
	for _, req := range []domain.BankMovementRequest{
		{OperationDate: today(), CustomerID: &bruno, AmountIn: decimal.NewFromInt(20), AmountOut: money.Zero},
		{OperationDate: today(), ProducerID: &farm, AmountIn: money.Zero, AmountOut: decimal.NewFromInt(5)},
	} {
		if _, err := f.svc.RecordBankMovement(f.ctx, req); err != nil {
			t.Fatalf("record movement: %v", err)
		}
	}
	movements := f.bankEntries(t, domain.BankMovement)
	opening := f.bankEntries(t, domain.BankLatestTotal)
	before := f.balances(t)

	first, err := f.svc.Invoice(f.ctx, id, domain.InvoiceRequest{PaymentDate: today()})
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	for _, entry := range f.bankEntries(t, domain.BankMovement) {
		if !entry.Linked() {
			t.Fatalf("expected movement %d attributed by the settlement", entry.ID)
		}
	}
	cancelled, err := f.svc.CancelInvoice(f.ctx, id)
	if err != nil {
		t.Fatalf("cancel invoice: %v", err)
	}
	if cancelled.Cycle.Status != domain.StatusSend {
		t.Fatalf("expected SEND after cancel, got %s", cancelled.Cycle.Status)
	}
	if cancelled.Cycle.HighestStatus != domain.StatusInvoiced {
		t.Fatalf("expected highest status to stay INVOICED, got %s", cancelled.Cycle.HighestStatus)
	}
	if cancelled.Cycle.InvoiceSortOrder != nil {
		t.Fatalf("expected sort order cleared")
	}

	after := f.balances(t)
	for key, balance := range before {
		if !after[key].Equal(balance) {
			t.Fatalf("%s: expected %s after cancel, got %s", key, balance, after[key])
		}
	}
	latest := f.bankEntries(t, domain.BankLatestTotal)
	if len(latest) != 1 || latest[0].ID != opening[0].ID {
		t.Fatalf("expected the opening total to be latest again, got %+v", latest)
	}
	if synthesized := f.bankEntries(t, domain.SynthesizedBankStatuses...); len(synthesized) != 0 {
		t.Fatalf("expected settlement entries removed, got %d", len(synthesized))
	}
	restored := f.bankEntries(t, domain.BankMovement)
	if len(restored) != len(movements) {
		t.Fatalf("expected %d statement movements kept, got %d", len(movements), len(restored))
	}
	for i, entry := range restored {
		if entry.ID != movements[i].ID || !entry.Net().Equal(movements[i].Net()) {
			t.Fatalf("movement %d changed: %+v", movements[i].ID, entry)
		}
		if entry.Linked() || entry.CycleID != nil {
			t.Fatalf("expected movement %d detached, got %+v", entry.ID, entry)
		}
	}

	second, err := f.svc.Invoice(f.ctx, id, domain.InvoiceRequest{PaymentDate: today()})
	if err != nil {
		t.Fatalf("invoice again: %v", err)
	}
	for _, entry := range f.bankEntries(t, domain.BankMovement) {
		if !entry.Linked() || entry.CycleID == nil || *entry.CycleID != id {
			t.Fatalf("expected movement %d attributed again, got %+v", entry.ID, entry)
		}
	}
	if !second.LatestTotal.Net().Equal(first.LatestTotal.Net()) {
		t.Fatalf("expected the same latest total, got %s then %s", first.LatestTotal.Net(), second.LatestTotal.Net())
	}
}

func TestCancelInvoiceOnlyForLastInvoicedCycle(t *testing.T) {
	f := newFixture(t, accounting())
	older := f.sentCycle(t)
	if _, err := f.svc.Invoice(f.ctx, older.Cycle.ID, domain.InvoiceRequest{PaymentDate: today()}); err != nil {
		t.Fatalf("invoice older: %v", err)
	}
	newer := f.sentCycle(t)
	if _, err := f.svc.Invoice(f.ctx, newer.Cycle.ID, domain.InvoiceRequest{PaymentDate: today()}); err != nil {
		t.Fatalf("invoice newer: %v", err)
	}

	if latest := f.bankEntries(t, domain.BankLatestTotal); len(latest) != 1 {
		t.Fatalf("expected a single latest total after two settlements, got %d", len(latest))
	}

	_, err := f.svc.CancelInvoice(f.ctx, older.Cycle.ID)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict cancelling an older invoice, got %v", err)
	}
	if latest := f.bankEntries(t, domain.BankLatestTotal); len(latest) != 1 {
		t.Fatalf("expected a single latest total after a refused cancel, got %d", len(latest))
	}
}

func TestInvoiceMovesUnpaidProducersToChild(t *testing.T) {
	f := newFixture(t, accounting())
	detail := f.sentCycle(t)
	bakery := f.producers["Bakery"].ID
	alice := f.customers["Alice"].ID
	aliceBefore := findCustomerInvoice(detail, alice).TotalPriceWithTax

	result, err := f.svc.Invoice(f.ctx, detail.Cycle.ID, domain.InvoiceRequest{
		PaymentDate: today(),
		Producers:   []domain.ProducerSettlement{{ProducerID: bakery, ToBePaid: false}},
	})
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if result.Child == nil {
		t.Fatalf("expected a child cycle")
	}
	if result.Child.MasterID == nil || *result.Child.MasterID != detail.Cycle.ID {
		t.Fatalf("expected child of %d, got %v", detail.Cycle.ID, result.Child.MasterID)
	}

	child, err := f.svc.GetCycle(f.ctx, result.Child.ID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.Cycle.Status != domain.StatusSend {
		t.Fatalf("expected child at SEND, got %s", child.Cycle.Status)
	}
	if len(child.ProducerInvoices) != 1 || child.ProducerInvoices[0].ProducerID != bakery {
		t.Fatalf("expected only the bakery in the child, got %+v", child.ProducerInvoices)
	}
	parent, err := f.svc.GetCycle(f.ctx, detail.Cycle.ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	for _, invoice := range parent.ProducerInvoices {
		if invoice.ProducerID == bakery {
			t.Fatalf("expected the bakery to leave the parent cycle")
		}
	}

	split := findCustomerInvoice(parent, alice).TotalPriceWithTax.Add(findCustomerInvoice(child, alice).TotalPriceWithTax)
	if !split.Equal(aliceBefore) {
		t.Fatalf("expected Alice's lines split without loss, %s before, %s after", aliceBefore, split)
	}

	selling := money.Zero
	err = f.repo.WithinTx(f.ctx, func(tx store.Tx) error {
		rows, err := tx.ListPurchases(f.ctx, store.PurchaseFilter{CycleID: child.Cycle.ID})
		if err != nil {
			return err
		}
		for _, row := range rows {
			selling = selling.Add(row.SellingPrice)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list child purchases: %v", err)
	}
	if !selling.IsPositive() || !child.Cycle.TotalSellingWithTax.Equal(selling) {
		t.Fatalf("expected child total %s to equal its purchases %s", child.Cycle.TotalSellingWithTax, selling)
	}
}

func TestInvoiceWithoutLatestTotalFails(t *testing.T) {
	f := newFixture(t, accounting())
	detail := f.sentCycle(t)
	opening := f.bankEntries(t, domain.BankLatestTotal)
	err := f.repo.WithinTx(f.ctx, func(tx store.Tx) error {
		return tx.DeleteBankEntries(f.ctx, []int64{opening[0].ID})
	})
	if err != nil {
		t.Fatalf("delete latest total: %v", err)
	}

	_, err = f.svc.Invoice(f.ctx, detail.Cycle.ID, domain.InvoiceRequest{PaymentDate: today()})
	if !errors.Is(err, ErrSettlementPrerequisites) {
		t.Fatalf("expected missing prerequisites, got %v", err)
	}
	after, err := f.svc.GetCycle(f.ctx, detail.Cycle.ID)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	if after.Cycle.Status != domain.StatusSend {
		t.Fatalf("expected cycle left at SEND, got %s", after.Cycle.Status)
	}
}

func TestInvoiceRequiresSentCycle(t *testing.T) {
	f := newFixture(t, accounting())
	cycle := f.createCycle(t, today())

	_, err := f.svc.Invoice(f.ctx, cycle.Cycle.ID, domain.InvoiceRequest{PaymentDate: today()})
	var transitionErr *TransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string) (lock.Lease, error) {
	return nil, lock.ErrNotObtained
}

func TestInvoiceFailsFastWhenTotalIsLocked(t *testing.T) {
	f := newFixture(t, accounting(), WithLocker(busyLocker{}))
	detail := f.sentCycle(t)

	_, err := f.svc.Invoice(f.ctx, detail.Cycle.ID, domain.InvoiceRequest{PaymentDate: today()})
	if !errors.Is(err, ErrLockNotObtained) || !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
}

func TestArchiveWithoutAccounting(t *testing.T) {
	f := newFixture(t, config.Settings{})
	detail := f.sentCycle(t)

	result, err := f.svc.Invoice(f.ctx, detail.Cycle.ID, domain.InvoiceRequest{PaymentDate: today()})
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if result.Cycle.Status != domain.StatusArchived {
		t.Fatalf("expected ARCHIVED without accounting, got %s", result.Cycle.Status)
	}
}

func TestCancelDeliveryStampsClosestTotal(t *testing.T) {
	f := newFixture(t, accounting())
	detail := f.sentCycle(t)
	opening := f.bankEntries(t, domain.BankLatestTotal)

	cancelled, err := f.svc.CancelDelivery(f.ctx, detail.Cycle.ID)
	if err != nil {
		t.Fatalf("cancel delivery: %v", err)
	}
	if cancelled.Cycle.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Cycle.Status)
	}
	if cancelled.Cycle.InvoiceSortOrder == nil || *cancelled.Cycle.InvoiceSortOrder != opening[0].ID {
		t.Fatalf("expected sort order %d, got %v", opening[0].ID, cancelled.Cycle.InvoiceSortOrder)
	}
	if _, err := f.svc.Archive(f.ctx, detail.Cycle.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected archive of a cancelled cycle to conflict, got %v", err)
	}
}

func TestDuplicateSkipsExistingDates(t *testing.T) {
	f := newFixture(t, accounting())
	cycle := f.createCycle(t, today())
	next := today().AddDate(0, 0, 7)

	result, err := f.svc.Duplicate(f.ctx, cycle.Cycle.ID, domain.DuplicateRequest{
		Dates: []time.Time{today(), next, next, next.AddDate(0, 0, 7)},
	})
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if result.Created != 2 {
		t.Fatalf("expected 2 new cycles, got %d", result.Created)
	}
	for _, created := range result.Cycles {
		if created.Status != domain.StatusPlanned || len(created.ProducerIDs) != 2 {
			t.Fatalf("expected planned copy with both producers, got %+v", created)
		}
	}

	dates := make([]time.Time, 0, 60)
	for i := 1; i <= 60; i++ {
		dates = append(dates, today().AddDate(0, 0, 7*i+100))
	}
	result, err = f.svc.Duplicate(f.ctx, cycle.Cycle.ID, domain.DuplicateRequest{Dates: dates})
	if err != nil {
		t.Fatalf("duplicate many: %v", err)
	}
	if result.Created != maxDuplicates {
		t.Fatalf("expected %d cycles at most, got %d", maxDuplicates, result.Created)
	}
}

func TestCreateChildKeepsDate(t *testing.T) {
	f := newFixture(t, accounting())
	cycle := f.createCycle(t, today())

	child, err := f.svc.CreateChild(f.ctx, cycle.Cycle.ID, domain.ChildRequest{Status: domain.StatusPlanned})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	if !child.Cycle.Date.Equal(cycle.Cycle.Date) {
		t.Fatalf("expected child on %s, got %s", cycle.Cycle.Date, child.Cycle.Date)
	}
	if child.Cycle.MasterID == nil || *child.Cycle.MasterID != cycle.Cycle.ID {
		t.Fatalf("expected master %d, got %v", cycle.Cycle.ID, child.Cycle.MasterID)
	}
}

func TestInitBankTotalRefusedTwice(t *testing.T) {
	f := newFixture(t, accounting())

	_, err := f.svc.InitBankTotal(f.ctx, domain.InitBankTotalRequest{OperationDate: today(), Amount: decimal.NewFromInt(100)})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second opening total, got %v", err)
	}
}

func TestBankMovementIsAttributedOnInvoice(t *testing.T) {
	f := newFixture(t, accounting())
	detail := f.sentCycle(t)
	bruno := f.customers["Bruno"].ID

	movement, err := f.svc.RecordBankMovement(f.ctx, domain.BankMovementRequest{
		OperationDate: today(),
		CustomerID:    &bruno,
		AmountIn:      decimal.NewFromInt(20),
		AmountOut:     money.Zero,
		Comment:       "transfer",
	})
	if err != nil {
		t.Fatalf("record movement: %v", err)
	}

	if _, err := f.svc.Invoice(f.ctx, detail.Cycle.ID, domain.InvoiceRequest{PaymentDate: today()}); err != nil {
		t.Fatalf("invoice: %v", err)
	}
	entries, err := f.svc.ListBankEntries(f.ctx, 0)
	if err != nil {
		t.Fatalf("list bank entries: %v", err)
	}
	for _, entry := range entries {
		if entry.ID != movement.ID {
			continue
		}
		if entry.CustomerInvoiceID == nil || entry.CycleID == nil || *entry.CycleID != detail.Cycle.ID {
			t.Fatalf("expected the movement linked to the cycle, got %+v", entry)
		}
		return
	}
	t.Fatalf("movement %d not found", movement.ID)
}

func TestSetBoxContentsRejectsNestedBox(t *testing.T) {
	f := newFixture(t, accounting())
	farm := f.producers["Green Farm"].ID
	box, err := f.svc.CreateProduct(f.ctx, domain.CreateProductRequest{
		ProducerID: farm,
		LongName:   "Veggie box",
		OrderUnit:  domain.OrderUnitPiece,
		IsBox:      true,
	})
	if err != nil {
		t.Fatalf("create box: %v", err)
	}
	inner, err := f.svc.CreateProduct(f.ctx, domain.CreateProductRequest{
		ProducerID: farm,
		LongName:   "Small box",
		OrderUnit:  domain.OrderUnitPiece,
		IsBox:      true,
	})
	if err != nil {
		t.Fatalf("create inner box: %v", err)
	}

	_, err = f.svc.SetBoxContents(f.ctx, box.ID, domain.SetBoxContentsRequest{
		Contents: []domain.BoxContentRequest{{ProductID: inner.ID, ContentQuantity: money.One}},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected nested box rejected, got %v", err)
	}

	contents, err := f.svc.SetBoxContents(f.ctx, box.ID, domain.SetBoxContentsRequest{
		Contents: []domain.BoxContentRequest{{ProductID: f.products["Carrots"].ID, ContentQuantity: decimal.NewFromInt(2)}},
	})
	if err != nil {
		t.Fatalf("set box contents: %v", err)
	}
	// 1.5 * 1.2 = 1.80 ex VAT, 1.91 with 6% VAT, two per box.
	if len(contents) != 1 || !contents[0].CustomerPrice.Equal(decimal.RequireFromString("3.82")) {
		t.Fatalf("expected the component priced at 3.82, got %+v", contents)
	}
}

func TestCreateProductDerivesCustomerPrice(t *testing.T) {
	f := newFixture(t, accounting())
	leeks, err := f.svc.CreateProduct(f.ctx, domain.CreateProductRequest{
		ProducerID:        f.producers["Green Farm"].ID,
		LongName:          "Leeks",
		OrderUnit:         domain.OrderUnitKilogram,
		ProducerUnitPrice: decimal.RequireFromString("2"),
		VATRate:           decimal.RequireFromString("0.06"),
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if !leeks.CustomerUnitPrice.Equal(decimal.RequireFromString("2.54")) {
		t.Fatalf("expected customer price 2.54, got %s", leeks.CustomerUnitPrice)
	}

	fixed := decimal.RequireFromString("3")
	honey, err := f.svc.CreateProduct(f.ctx, domain.CreateProductRequest{
		ProducerID:        f.producers["Green Farm"].ID,
		LongName:          "Honey",
		OrderUnit:         domain.OrderUnitPiece,
		ProducerUnitPrice: decimal.RequireFromString("2"),
		CustomerUnitPrice: &fixed,
	})
	if err != nil {
		t.Fatalf("create fixed price product: %v", err)
	}
	if !honey.CustomerUnitPrice.Equal(fixed) || !honey.IsResalePriceFixed {
		t.Fatalf("expected fixed resale price kept, got %s", honey.CustomerUnitPrice)
	}
	if !f.products["Carrots"].CustomerUnitPrice.Equal(decimal.RequireFromString("1.91")) {
		t.Fatalf("expected seeded carrots priced 1.91, got %s", f.products["Carrots"].CustomerUnitPrice)
	}
}

func TestBackToScheduledClosesTheOffer(t *testing.T) {
	f := newFixture(t, accounting())
	cycle := f.createCycle(t, today())
	id := cycle.Cycle.ID
	if _, err := f.svc.OpenOrders(f.ctx, id); err != nil {
		t.Fatalf("open orders: %v", err)
	}

	detail, err := f.svc.BackToScheduled(f.ctx, id)
	if err != nil {
		t.Fatalf("back to scheduled: %v", err)
	}
	if detail.Cycle.Status != domain.StatusPlanned {
		t.Fatalf("expected PLANNED, got %s", detail.Cycle.Status)
	}
	if len(detail.Cycle.ProducerIDs) == 0 {
		t.Fatalf("expected producers still offering to stay in the cycle")
	}
	if f.offerItem(t, id, "Carrots").MayOrder {
		t.Fatalf("expected offer to be closed for ordering")
	}
}

func TestUpdateInvoicedQuantityReprices(t *testing.T) {
	f := newFixture(t, accounting())
	detail := f.sentCycle(t)
	id := detail.Cycle.ID
	carrots := f.offerItem(t, id, "Carrots")

	var purchase domain.Purchase
	err := f.repo.WithinTx(f.ctx, func(tx store.Tx) error {
		rows, err := tx.ListPurchases(f.ctx, store.PurchaseFilter{
			CycleID:      id,
			OfferItemIDs: []int64{carrots.ID},
			CustomerIDs:  []int64{f.customers["Alice"].ID},
		})
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			return store.ErrNotFound
		}
		purchase = rows[0]
		return nil
	})
	if err != nil {
		t.Fatalf("find purchase: %v", err)
	}

	updated, err := f.svc.UpdateInvoicedQuantity(f.ctx, purchase.ID, domain.UpdateInvoicedQuantityRequest{Quantity: decimal.NewFromInt(3)})
	if err != nil {
		t.Fatalf("update invoiced quantity: %v", err)
	}
	if !updated.QuantityInvoiced.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected 3 invoiced, got %s", updated.QuantityInvoiced)
	}
	after, err := f.svc.GetCycle(f.ctx, id)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	if !after.Cycle.TotalPurchaseWithTax.GreaterThan(detail.Cycle.TotalPurchaseWithTax) {
		t.Fatalf("expected purchase total to grow from %s, got %s",
			detail.Cycle.TotalPurchaseWithTax, after.Cycle.TotalPurchaseWithTax)
	}
}

func TestUpdateStockAdditionNeedsManagedItem(t *testing.T) {
	f := newFixture(t, accounting())
	cycle := f.createCycle(t, today())
	id := cycle.Cycle.ID
	if _, err := f.svc.OpenOrders(f.ctx, id); err != nil {
		t.Fatalf("open orders: %v", err)
	}

	_, err := f.svc.UpdateStockAddition(f.ctx, f.offerItem(t, id, "Carrots").ID, domain.UpdateStockAdditionRequest{Add2Stock: decimal.NewFromInt(2)})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for an unmanaged item, got %v", err)
	}

	eggs, err := f.svc.UpdateStockAddition(f.ctx, f.offerItem(t, id, "Eggs x6").ID, domain.UpdateStockAdditionRequest{Add2Stock: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("update stock addition: %v", err)
	}
	if !eggs.Add2Stock.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10 added to stock, got %s", eggs.Add2Stock)
	}
}

func TestPartialScopeAdvance(t *testing.T) {
	cases := []struct {
		name   string
		boards bool
	}{
		{name: "producer subsets", boards: false},
		{name: "delivery board subsets", boards: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, accounting())
			req := domain.CreateCycleRequest{
				ShortName:   "Split delivery",
				Date:        today(),
				ProducerIDs: []int64{f.producers["Green Farm"].ID, f.producers["Bakery"].ID},
			}
			if tc.boards {
				for _, name := range []string{"North", "South"} {
					point, err := f.svc.CreateDeliveryPoint(f.ctx, domain.CreateDeliveryPointRequest{ShortName: name})
					if err != nil {
						t.Fatalf("create delivery point %s: %v", name, err)
					}
					req.DeliveryPointIDs = append(req.DeliveryPointIDs, point.ID)
				}
			}
			created, err := f.svc.CreateCycle(f.ctx, req)
			if err != nil {
				t.Fatalf("create cycle: %v", err)
			}
			id := created.Cycle.ID
			opened, err := f.svc.OpenOrders(f.ctx, id)
			if err != nil {
				t.Fatalf("open orders: %v", err)
			}

			var rows [2]int64
			scopes := [2]domain.Scope{}
			if tc.boards {
				if len(opened.DeliveryBoards) != 2 {
					t.Fatalf("expected 2 delivery boards, got %d", len(opened.DeliveryBoards))
				}
				for i := range rows {
					rows[i] = opened.DeliveryBoards[i].ID
					scopes[i] = domain.Scope{DeliveryBoardIDs: []int64{rows[i]}}
				}
			} else {
				rows = [2]int64{f.producers["Green Farm"].ID, f.producers["Bakery"].ID}
				for i := range rows {
					scopes[i] = domain.Scope{ProducerIDs: []int64{rows[i]}}
				}
			}
			rowStatus := func(detail domain.CycleDetail, row int64) domain.Status {
				if tc.boards {
					for _, board := range detail.DeliveryBoards {
						if board.ID == row {
							return board.Status
						}
					}
				} else {
					for _, invoice := range detail.ProducerInvoices {
						if invoice.ProducerID == row {
							return invoice.Status
						}
					}
				}
				t.Fatalf("row %d not found", row)
				return 0
			}

			advance := domain.AdvanceRequest{From: []domain.Status{domain.StatusOpened}, To: domain.StatusWaitForClosed}

			advance.Scope = scopes[0]
			first, err := f.svc.Advance(f.ctx, id, advance)
			if err != nil {
				t.Fatalf("advance first subset: %v", err)
			}
			if first.Cycle.Status != domain.StatusOpened {
				t.Fatalf("expected cycle to stay OPENED, got %s", first.Cycle.Status)
			}
			if first.Cycle.HighestStatus != domain.StatusWaitForClosed {
				t.Fatalf("expected highest status WAIT_FOR_CLOSED, got %s", first.Cycle.HighestStatus)
			}
			if got := rowStatus(first, rows[0]); got != domain.StatusWaitForClosed {
				t.Fatalf("expected scoped row WAIT_FOR_CLOSED, got %s", got)
			}
			if got := rowStatus(first, rows[1]); got != domain.StatusOpened {
				t.Fatalf("expected other row to stay OPENED, got %s", got)
			}

			advance.Scope = scopes[1]
			second, err := f.svc.Advance(f.ctx, id, advance)
			if err != nil {
				t.Fatalf("advance second subset: %v", err)
			}
			if second.Cycle.Status != domain.StatusWaitForClosed {
				t.Fatalf("expected cycle WAIT_FOR_CLOSED once every row got there, got %s", second.Cycle.Status)
			}
			for _, row := range rows {
				if got := rowStatus(second, row); got != domain.StatusWaitForClosed {
					t.Fatalf("row %d: expected WAIT_FOR_CLOSED, got %s", row, got)
				}
			}
		})
	}
}
