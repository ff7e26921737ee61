package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/money"
	"coopcycle/backend/internal/pricing"
	"coopcycle/backend/internal/stock"
	"coopcycle/backend/internal/store"
)

// settlement carries what one invoicing run reads once and reuses.
type settlement struct {
	l             *ledger
	payment       time.Time
	firstInvoice  bool
	latest        domain.BankEntry
	groupProducer domain.Producer
	groupCustomer domain.Customer
	groupInvoice  *domain.CustomerInvoice
	newTotal      decimal.Decimal
	// invoiced holds the producers whose invoiced balance was given.
	invoiced map[int64]bool
}

// Invoice settles a sent cycle: customers are debited, producers credited,
// stock is consumed, the margin is booked and every bank movement up to the
// payment date is attributed. A new bank latest total closes the run.
func (s *Service) Invoice(ctx context.Context, cycleID int64, req domain.InvoiceRequest) (domain.SettlementResult, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.SettlementResult{}, err
	}
	if err := s.check(req); err != nil {
		return domain.SettlementResult{}, err
	}

	var result domain.SettlementResult
	err := s.withLatestTotalLock(ctx, func() error {
		return s.repo.WithinTx(ctx, func(tx store.Tx) error {
			var err error
			result, err = s.invoice(ctx, tx, cycleID, req)
			return err
		})
	})
	if err != nil {
		return domain.SettlementResult{}, err
	}

	evts := []events.Event{events.New(events.Invoiced, result.Cycle.ID, result.Cycle.Status)}
	if result.Child != nil {
		evts = append(evts, events.New(events.CycleCreated, result.Child.ID, result.Child.Status))
	}
	s.publish(ctx, evts...)
	return result, nil
}

func (s *Service) invoice(ctx context.Context, tx store.Tx, cycleID int64, req domain.InvoiceRequest) (domain.SettlementResult, error) {
	before, err := lockCycleIn(ctx, tx, cycleID, domain.StatusSend)
	if err != nil {
		return domain.SettlementResult{}, err
	}
	st := &settlement{
		payment:      dateOnly(req.PaymentDate),
		firstInvoice: before.HighestStatus <= domain.StatusSend,
	}
	if err := st.loadPrerequisites(ctx, tx); err != nil {
		return domain.SettlementResult{}, err
	}

	cycle, _, err := s.setStatus(ctx, tx, cycleID, transition{
		from: []domain.Status{domain.StatusSend},
		to:   domain.StatusWaitForInvoiced,
	})
	if err != nil {
		return domain.SettlementResult{}, err
	}
	if st.invoiced, err = applyProducerSettlements(ctx, tx, cycle.ID, req.Producers); err != nil {
		return domain.SettlementResult{}, err
	}

	child, err := s.splitCycle(ctx, tx, cycle)
	if err != nil {
		return domain.SettlementResult{}, err
	}

	st.l = newLedger(tx, cycle)
	if child != nil {
		if err := s.recalculate(ctx, st.l, replay{reInit: true}); err != nil {
			return domain.SettlementResult{}, err
		}
	} else if err := st.l.preload(ctx); err != nil {
		return domain.SettlementResult{}, err
	}
	st.newTotal = st.latest.Net()

	if err := s.ensureGroupInvoice(ctx, st); err != nil {
		return domain.SettlementResult{}, err
	}
	if err := s.chargeDeltas(ctx, st.l); err != nil {
		return domain.SettlementResult{}, err
	}
	if err := recalculateProfit(ctx, st.l); err != nil {
		return domain.SettlementResult{}, err
	}

	steps := []func(context.Context, *settlement) error{
		s.debitCustomers,
		s.consumeStock,
		s.creditProducers,
		s.bookMargin,
		s.bookShipping,
		s.generateBankMovements,
		s.attributeGroupMargin,
		s.attributeCustomerMovements,
		s.attributeProducerMovements,
	}
	for _, step := range steps {
		if err := step(ctx, st); err != nil {
			return domain.SettlementResult{}, err
		}
	}

	latest, err := s.rollLatestTotal(ctx, st)
	if err != nil {
		return domain.SettlementResult{}, err
	}
	if err := st.l.flush(ctx); err != nil {
		return domain.SettlementResult{}, err
	}

	final := domain.StatusInvoiced
	if !s.settings.ManageAccounting {
		final = domain.StatusArchived
	}
	payment := st.payment
	cycle, _, err = s.setStatus(ctx, tx, cycleID, transition{
		from:        []domain.Status{domain.StatusWaitForInvoiced},
		to:          final,
		paymentDate: &payment,
	})
	if err != nil {
		return domain.SettlementResult{}, err
	}

	s.log.Info().
		Int64("cycle_id", cycle.ID).
		Int64("latest_total_id", latest.ID).
		Str("latest_total", latest.Net().StringFixed(2)).
		Bool("split", child != nil).
		Msg("cycle invoiced")
	return domain.SettlementResult{Cycle: *cycle, Child: child, LatestTotal: *latest}, nil
}

func (st *settlement) loadPrerequisites(ctx context.Context, tx store.Tx) error {
	totals, err := tx.ListBankEntries(ctx, store.BankEntryFilter{
		Statuses:  []domain.BankStatus{domain.BankLatestTotal},
		ForUpdate: true,
	})
	if err != nil {
		return err
	}
	producer, err := groupProducer(ctx, tx)
	if err != nil {
		return err
	}
	customer, err := groupCustomer(ctx, tx)
	if err != nil {
		return err
	}
	var missing []string
	if len(totals) == 0 {
		missing = append(missing, "bank latest total")
	}
	if producer == nil {
		missing = append(missing, "group producer")
	}
	if customer == nil {
		missing = append(missing, "group customer")
	}
	if len(missing) > 0 {
		return missingPrerequisites(missing...)
	}
	st.latest = totals[0]
	st.groupProducer = *producer
	st.groupCustomer = *customer
	return nil
}

// applyProducerSettlements records how much each producer invoices and
// whether it is paid in this run. It reports the producers that gave an
// invoiced balance.
func applyProducerSettlements(ctx context.Context, tx store.Tx, cycleID int64, settlements []domain.ProducerSettlement) (map[int64]bool, error) {
	invoiced := make(map[int64]bool)
	if len(settlements) == 0 {
		return invoiced, nil
	}
	invoices, err := tx.ListProducerInvoices(ctx, store.ProducerInvoiceFilter{CycleID: cycleID, ForUpdate: true})
	if err != nil {
		return nil, err
	}
	byProducer := make(map[int64]domain.ProducerInvoice, len(invoices))
	for _, invoice := range invoices {
		byProducer[invoice.ProducerID] = invoice
	}
	for _, settlement := range settlements {
		invoice, ok := byProducer[settlement.ProducerID]
		if !ok {
			return nil, fmt.Errorf("producer %d in cycle %d: %w", settlement.ProducerID, cycleID, store.ErrNotFound)
		}
		invoice.ToBePaid = settlement.ToBePaid
		if settlement.InvoicedBalance != nil {
			invoice.ToBeInvoicedBalance = money.Amount(*settlement.InvoicedBalance)
			invoiced[settlement.ProducerID] = true
		}
		invoice.InvoiceReference = settlement.InvoiceReference
		if err := tx.UpdateProducerInvoice(ctx, invoice); err != nil {
			return nil, err
		}
	}
	return invoiced, nil
}

// ensureGroupInvoice returns the cooperative's own customer invoice of the
// cycle, which receives the margin entries.
func (s *Service) ensureGroupInvoice(ctx context.Context, st *settlement) error {
	for _, id := range sortedKeys(st.l.customers) {
		if st.l.customers[id].CustomerID == st.groupCustomer.ID {
			st.groupInvoice = st.l.customers[id]
			return nil
		}
	}
	created, err := st.l.tx.CreateCustomerInvoice(ctx, domain.CustomerInvoice{
		CycleID:             st.l.cycle.ID,
		CustomerID:          st.groupCustomer.ID,
		CustomerChargedID:   st.groupCustomer.ID,
		Status:              st.l.cycle.Status,
		PriceMultiplier:     money.One,
		Transport:           s.settings.Transport,
		MinTransport:        s.settings.MinTransport,
		Balance:             st.groupCustomer.Balance,
		DateBalance:         st.payment,
		PreviousBalance:     st.groupCustomer.Balance,
		DatePreviousBalance: st.groupCustomer.DateBalance,
	})
	if err != nil {
		return err
	}
	st.l.customers[created.ID] = created
	st.groupInvoice = created
	return nil
}

// chargeDeltas sets the multiplier and transport deltas of every invoice
// that pays for itself, over everything charged to it. Group invoices pick
// up the current terms of the delivery point they are responsible for.
func (s *Service) chargeDeltas(ctx context.Context, l *ledger) error {
	var points []domain.DeliveryPoint
	child := l.cycle.MasterID != nil
	for _, id := range sortedKeys(l.customers) {
		invoice := l.customers[id]
		if !invoice.PaysOwnOrder() {
			continue
		}
		if invoice.IsGroup {
			if points == nil {
				var err error
				if points, err = l.tx.ListDeliveryPoints(ctx, nil); err != nil {
					return err
				}
			}
			if err := refreshGroupTerms(ctx, l.tx, invoice, points); err != nil {
				return err
			}
		}
		base, vat := chargedTo(l, invoice.CustomerID)
		delta := pricing.CustomerDelta(base, vat, invoice.PriceMultiplier, invoice.Transport, invoice.MinTransport, child)
		invoice.DeltaPriceWithTax = delta.Price
		invoice.DeltaVAT = delta.VAT
		invoice.DeltaTransport = delta.Transport
	}
	return nil
}

func refreshGroupTerms(ctx context.Context, tx store.Tx, invoice *domain.CustomerInvoice, points []domain.DeliveryPoint) error {
	for _, point := range points {
		if point.CustomerResponsibleID == nil || *point.CustomerResponsibleID != invoice.CustomerID {
			continue
		}
		invoice.Transport = point.Transport
		invoice.MinTransport = point.MinTransport
		if point.PriceMultiplier.IsPositive() {
			invoice.PriceMultiplier = point.PriceMultiplier
			return nil
		}
		responsible, err := tx.GetCustomer(ctx, invoice.CustomerID, false)
		if err != nil {
			return err
		}
		invoice.PriceMultiplier = responsible.PriceMultiplier
		return nil
	}
	return nil
}

// chargedTo sums the purchases of every invoice billed to customerID.
func chargedTo(l *ledger, customerID int64) (total, vat decimal.Decimal) {
	total, vat = money.Zero, money.Zero
	for _, id := range sortedKeys(l.customers) {
		invoice := l.customers[id]
		if invoice.CustomerChargedID != customerID {
			continue
		}
		total = total.Add(invoice.TotalPriceWithTax)
		vat = vat.Add(invoice.TotalVAT)
	}
	return total, vat
}

// debitCustomers moves what each paying invoice owes off its customer's
// balance. Customers billed to someone else only get their date moved.
func (s *Service) debitCustomers(ctx context.Context, st *settlement) error {
	l := st.l
	for _, id := range sortedKeys(l.customers) {
		invoice := l.customers[id]
		customer, err := l.tx.GetCustomer(ctx, invoice.CustomerID, true)
		if err != nil {
			return err
		}
		invoice.Balance = customer.Balance
		invoice.PreviousBalance = customer.Balance
		invoice.DatePreviousBalance = customer.DateBalance
		invoice.DateBalance = st.payment

		if invoice.PaysOwnOrder() {
			base, _ := chargedTo(l, invoice.CustomerID)
			due := base.Add(invoice.DeltaPriceWithTax).Add(invoice.DeltaTransport)
			invoice.Balance = invoice.Balance.Sub(due)
			customer.Balance = customer.Balance.Sub(due)
		}
		customer.DateBalance = st.payment
		if err := l.tx.UpdateCustomer(ctx, *customer); err != nil {
			return err
		}
	}
	return nil
}

// consumeStock books what was served from stock against the producer and
// computes the stock left after the cycle. The catalog only follows on the
// first invoicing of a cycle.
func (s *Service) consumeStock(ctx context.Context, st *settlement) error {
	l := st.l
	for _, id := range sortedKeys(l.items) {
		item := l.items[id]
		if !item.IsActive || !item.ManageReplenishment {
			continue
		}
		_, taken, _ := stock.ProducerQtyStockInvoiced(item.QuantityInvoiced, item.Stock, item.Add2Stock)
		if !taken.IsZero() {
			price, vat := item.ProducerUnitPrice, item.ProducerVAT
			if item.PriceMultiplier.LessThan(money.One) {
				price, vat = item.CustomerUnitPrice, item.CustomerVAT
			}
			invoice, err := l.producerInvoice(ctx, item.ProducerID)
			if err != nil {
				return err
			}
			invoice.DeltaStockWithTax = invoice.DeltaStockWithTax.Sub(money.Amount(price.Add(item.UnitDeposit).Mul(taken)))
			invoice.DeltaStockVAT = invoice.DeltaStockVAT.Sub(money.VAT(vat.Mul(taken)))
			invoice.DeltaStockDeposit = invoice.DeltaStockDeposit.Sub(money.Amount(item.UnitDeposit.Mul(taken)))
		}

		left := stock.NewStock(item.Stock, taken, item.Add2Stock)
		item.NewStock = &left
		item.PreviousAdd2Stock = item.Add2Stock
		item.PreviousProducerUnitPrice = item.ProducerUnitPrice
		item.PreviousUnitDeposit = item.UnitDeposit

		if !st.firstInvoice {
			continue
		}
		written, err := l.tx.UpdateProductStockIf(ctx, item.ProductID, money.Max(money.Zero, item.Stock), left)
		if err != nil {
			return err
		}
		if !written {
			s.log.Warn().
				Int64("cycle_id", l.cycle.ID).
				Int64("product_id", item.ProductID).
				Msg("product stock changed since the offer was opened, stock left untouched")
		}
	}
	return nil
}

// creditProducers adds what the cooperative owes for the cycle to each
// producer's balance.
func (s *Service) creditProducers(ctx context.Context, st *settlement) error {
	l := st.l
	for _, producerID := range sortedKeys(l.producers) {
		invoice := l.producers[producerID]
		producer, err := l.tx.GetProducer(ctx, producerID, true)
		if err != nil {
			return err
		}
		invoice.Balance = producer.Balance
		invoice.PreviousBalance = producer.Balance
		invoice.DatePreviousBalance = producer.DateBalance
		invoice.DateBalance = st.payment

		due := invoice.TotalDue()
		invoice.Balance = invoice.Balance.Add(due)
		producer.Balance = producer.Balance.Add(due)
		producer.DateBalance = st.payment
		if err := l.tx.UpdateProducer(ctx, *producer); err != nil {
			return err
		}
	}
	return nil
}

// bookMargin posts the profit and the VAT balance of the cycle to the
// cooperative. Lines sold below cost and the cooperative's own products
// carry no margin.
func (s *Service) bookMargin(ctx context.Context, st *settlement) error {
	l := st.l
	purchases, err := l.tx.ListPurchases(ctx, store.PurchaseFilter{CycleID: l.cycle.ID})
	if err != nil {
		return err
	}
	selling, purchase := money.Zero, money.Zero
	customerVAT, producerVAT := money.Zero, money.Zero
	for _, p := range purchases {
		if p.IsBoxContent || p.ProducerID == st.groupProducer.ID {
			continue
		}
		item, err := l.offerItem(ctx, p.OfferItemID)
		if err != nil {
			return err
		}
		if item.PriceMultiplier.LessThan(money.One) {
			continue
		}
		selling = selling.Add(p.SellingPrice)
		purchase = purchase.Add(p.PurchasePrice)
		customerVAT = customerVAT.Add(p.CustomerVAT)
		producerVAT = producerVAT.Add(p.ProducerVAT)
	}
	vat, profit := pricing.Margin(selling, purchase, customerVAT, producerVAT)

	profitComment := "Profit"
	if profit.IsNegative() {
		profitComment = "Lost"
	}
	if err := st.bookGroup(ctx, domain.BankProfit, profitComment, money.Amount(profit), nil); err != nil {
		return err
	}
	vatComment := "VAT to pay to the tax authorities"
	if vat.IsNegative() {
		vatComment = "VAT to receive from the tax authorities"
	}
	return st.bookGroup(ctx, domain.BankTax, vatComment, money.Amount(vat), nil)
}

// bookShipping records the transport charged to customers as profit of the
// cooperative. The entries are linked to the group invoice straight away so
// they never count twice.
func (s *Service) bookShipping(ctx context.Context, st *settlement) error {
	l := st.l
	for _, id := range sortedKeys(l.customers) {
		invoice := l.customers[id]
		if invoice.CustomerID == st.groupCustomer.ID || invoice.DeltaTransport.IsZero() {
			continue
		}
		customer, err := l.tx.GetCustomer(ctx, invoice.CustomerID, false)
		if err != nil {
			return err
		}
		linked := st.groupInvoice.ID
		if err := st.bookGroup(ctx, domain.BankProfit, "Shipping : "+customer.ShortName, invoice.DeltaTransport, &linked); err != nil {
			return err
		}
	}
	return nil
}

func (st *settlement) bookGroup(ctx context.Context, status domain.BankStatus, comment string, net decimal.Decimal, invoiceID *int64) error {
	if net.IsZero() {
		return nil
	}
	in, out := money.Split(net)
	_, err := st.l.tx.CreateBankEntry(ctx, domain.BankEntry{
		OperationDate:     st.payment,
		Status:            status,
		Comment:           comment,
		AmountIn:          in,
		AmountOut:         out,
		CustomerID:        int64Ptr(st.groupCustomer.ID),
		CycleID:           int64Ptr(st.l.cycle.ID),
		CustomerInvoiceID: invoiceID,
	})
	return err
}

// generateBankMovements turns what each paid producer invoices into a
// calculated bank movement and books any gap with its balance as a
// correction of the cooperative. A producer without an invoiced balance
// invoices its whole balance.
func (s *Service) generateBankMovements(ctx context.Context, st *settlement) error {
	l := st.l
	for _, producerID := range sortedKeys(l.producers) {
		invoice := l.producers[producerID]
		if invoice.InvoiceSortOrder != nil || !invoice.ToBePaid {
			continue
		}
		producer, err := l.tx.GetProducer(ctx, producerID, true)
		if err != nil {
			return err
		}
		pending, err := l.tx.ListBankEntries(ctx, store.BankEntryFilter{
			ProducerID: int64Ptr(producerID),
			Unlinked:   true,
		})
		if err != nil {
			return err
		}
		notInvoiced := money.Zero
		for _, entry := range pending {
			notInvoiced = notInvoiced.Sub(entry.Net())
		}
		if !st.invoiced[producerID] {
			invoice.ToBeInvoicedBalance = money.Amount(producer.Balance)
		}
		toInvoice := invoice.ToBeInvoicedBalance
		if producer.Balance.IsZero() && toInvoice.IsZero() && notInvoiced.IsZero() {
			continue
		}

		if delta := money.Amount(toInvoice.Sub(notInvoiced)); delta.IsPositive() {
			comment := invoice.InvoiceReference
			if comment == "" {
				comment = "Calculated invoice"
			}
			if _, err := l.tx.CreateBankEntry(ctx, domain.BankEntry{
				OperationDate: st.payment,
				Status:        domain.BankCalculatedInvoice,
				Comment:       comment,
				AmountIn:      money.Zero,
				AmountOut:     delta,
				ProducerID:    int64Ptr(producerID),
			}); err != nil {
				return err
			}
		}

		correction := money.Amount(producer.Balance.Sub(toInvoice))
		if correction.IsZero() {
			continue
		}
		if err := st.bookGroup(ctx, domain.BankProfit, "Correction "+producer.ShortName, correction, nil); err != nil {
			return err
		}
		invoice.Balance = invoice.Balance.Sub(correction)
		producer.Balance = producer.Balance.Sub(correction)
		if err := l.tx.UpdateProducer(ctx, *producer); err != nil {
			return err
		}
	}
	return nil
}

// attributeGroupMargin adds the cooperative's unlinked margin entries to its
// balance. They are bookkeeping only and leave the bank total alone.
func (s *Service) attributeGroupMargin(ctx context.Context, st *settlement) error {
	l := st.l
	entries, err := l.tx.ListBankEntries(ctx, store.BankEntryFilter{
		Statuses:   []domain.BankStatus{domain.BankProfit, domain.BankTax},
		CustomerID: int64Ptr(st.groupCustomer.ID),
		Unlinked:   true,
		OnOrBefore: &st.payment,
		ForUpdate:  true,
	})
	if err != nil || len(entries) == 0 {
		return err
	}
	customer, err := l.tx.GetCustomer(ctx, st.groupCustomer.ID, true)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		net := entry.Net()
		customer.Balance = customer.Balance.Add(net)
		st.groupInvoice.Balance = st.groupInvoice.Balance.Add(net)
		entry.CustomerInvoiceID = int64Ptr(st.groupInvoice.ID)
		if err := l.tx.UpdateBankEntry(ctx, entry); err != nil {
			return err
		}
	}
	customer.DateBalance = st.payment
	st.groupInvoice.DateBalance = st.payment
	return l.tx.UpdateCustomer(ctx, *customer)
}

// attributeCustomerMovements links every customer payment up to the payment
// date to this cycle.
func (s *Service) attributeCustomerMovements(ctx context.Context, st *settlement) error {
	l := st.l
	entries, err := l.tx.ListBankEntries(ctx, store.BankEntryFilter{
		HasCustomer: true,
		Unlinked:    true,
		OnOrBefore:  &st.payment,
		ForUpdate:   true,
	})
	if err != nil {
		return err
	}
	for _, entry := range entries {
		customer, err := l.tx.GetCustomer(ctx, *entry.CustomerID, true)
		if err != nil {
			return err
		}
		invoice, err := s.settlementCustomerInvoice(ctx, l, *customer, st.payment)
		if err != nil {
			return err
		}
		net := entry.Net()
		st.newTotal = st.newTotal.Add(net)
		invoice.DateBalance = st.payment
		invoice.BankAmountIn = invoice.BankAmountIn.Add(entry.AmountIn)
		invoice.BankAmountOut = invoice.BankAmountOut.Add(entry.AmountOut)
		invoice.Balance = invoice.Balance.Add(net)

		customer.Balance = customer.Balance.Add(net)
		customer.DateBalance = st.payment
		if err := l.tx.UpdateCustomer(ctx, *customer); err != nil {
			return err
		}
		entry.CustomerInvoiceID = int64Ptr(invoice.ID)
		entry.CycleID = int64Ptr(l.cycle.ID)
		if err := l.tx.UpdateBankEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) settlementCustomerInvoice(ctx context.Context, l *ledger, customer domain.Customer, payment time.Time) (*domain.CustomerInvoice, error) {
	for _, id := range sortedKeys(l.customers) {
		if l.customers[id].CustomerID == customer.ID {
			return l.customers[id], nil
		}
	}
	multiplier := customer.PriceMultiplier
	if multiplier.IsZero() {
		multiplier = money.One
	}
	created, err := l.tx.CreateCustomerInvoice(ctx, domain.CustomerInvoice{
		CycleID:             l.cycle.ID,
		CustomerID:          customer.ID,
		CustomerChargedID:   customer.ID,
		Status:              l.cycle.Status,
		PriceMultiplier:     multiplier,
		Transport:           s.settings.Transport,
		MinTransport:        s.settings.MinTransport,
		Balance:             customer.Balance,
		DateBalance:         payment,
		PreviousBalance:     customer.Balance,
		DatePreviousBalance: customer.DateBalance,
	})
	if err != nil {
		return nil, err
	}
	l.customers[created.ID] = created
	return created, nil
}

// attributeProducerMovements links every producer payment up to the payment
// date to this cycle, calculated invoices included.
func (s *Service) attributeProducerMovements(ctx context.Context, st *settlement) error {
	l := st.l
	entries, err := l.tx.ListBankEntries(ctx, store.BankEntryFilter{
		HasProducer: true,
		Unlinked:    true,
		OnOrBefore:  &st.payment,
		ForUpdate:   true,
	})
	if err != nil {
		return err
	}
	for _, entry := range entries {
		invoice, err := l.producerInvoice(ctx, *entry.ProducerID)
		if err != nil {
			return err
		}
		producer, err := l.tx.GetProducer(ctx, *entry.ProducerID, true)
		if err != nil {
			return err
		}
		net := entry.Net()
		st.newTotal = st.newTotal.Add(net)
		invoice.DateBalance = st.payment
		invoice.BankAmountIn = invoice.BankAmountIn.Add(entry.AmountIn)
		invoice.BankAmountOut = invoice.BankAmountOut.Add(entry.AmountOut)
		invoice.Balance = invoice.Balance.Add(net)

		producer.Balance = producer.Balance.Add(net)
		producer.DateBalance = st.payment
		if err := l.tx.UpdateProducer(ctx, *producer); err != nil {
			return err
		}
		entry.ProducerInvoiceID = int64Ptr(invoice.ID)
		entry.CycleID = int64Ptr(l.cycle.ID)
		if err := l.tx.UpdateBankEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// rollLatestTotal retires the current latest total and records the new one.
// Its id becomes the sort order of everything settled in this run.
func (s *Service) rollLatestTotal(ctx context.Context, st *settlement) (*domain.BankEntry, error) {
	l := st.l
	current, err := l.tx.ListBankEntries(ctx, store.BankEntryFilter{
		Statuses:  []domain.BankStatus{domain.BankLatestTotal},
		ForUpdate: true,
	})
	if err != nil {
		return nil, err
	}
	for _, entry := range current {
		entry.Status = domain.BankNotLatestTotal
		if err := l.tx.UpdateBankEntry(ctx, entry); err != nil {
			return nil, err
		}
	}

	in, out := money.Split(st.newTotal)
	latest, err := l.tx.CreateBankEntry(ctx, domain.BankEntry{
		OperationDate: st.payment,
		Status:        domain.BankLatestTotal,
		Comment:       truncate(l.cycle.ShortName, 100),
		AmountIn:      in,
		AmountOut:     out,
		CycleID:       int64Ptr(l.cycle.ID),
	})
	if err != nil {
		return nil, err
	}
	for _, invoice := range l.producers {
		invoice.InvoiceSortOrder = int64Ptr(latest.ID)
	}
	for _, invoice := range l.customers {
		invoice.InvoiceSortOrder = int64Ptr(latest.ID)
	}
	l.cycle.InvoiceSortOrder = int64Ptr(latest.ID)
	return latest, nil
}

// splitCycle moves the producers not paid in this run, with their lines and
// customers, into a child cycle left at SEND. It returns nil when every
// producer is paid.
func (s *Service) splitCycle(ctx context.Context, tx store.Tx, cycle *domain.OrderCycle) (*domain.OrderCycle, error) {
	invoices, err := tx.ListProducerInvoices(ctx, store.ProducerInvoiceFilter{CycleID: cycle.ID, ForUpdate: true})
	if err != nil {
		return nil, err
	}
	var keep, move []int64
	for _, invoice := range invoices {
		if invoice.InvoiceSortOrder != nil {
			continue
		}
		if invoice.ToBePaid {
			keep = append(keep, invoice.ProducerID)
		} else {
			move = append(move, invoice.ProducerID)
		}
	}
	if len(move) == 0 {
		return nil, nil
	}

	cycle.ProducerIDs = keep
	if err := tx.UpdateCycle(ctx, *cycle); err != nil {
		return nil, err
	}
	child, err := createChild(ctx, tx, *cycle, domain.StatusSend)
	if err != nil {
		return nil, err
	}
	child.ProducerIDs = move
	if err := tx.UpdateCycle(ctx, *child); err != nil {
		return nil, err
	}

	for _, invoice := range invoices {
		if !store.Contains(move, invoice.ProducerID) {
			continue
		}
		invoice.CycleID = child.ID
		invoice.Status = domain.StatusSend
		if err := tx.UpdateProducerInvoice(ctx, invoice); err != nil {
			return nil, err
		}
	}
	cross, err := tx.ListCustomerProducerInvoices(ctx, store.CustomerProducerFilter{CycleID: cycle.ID, ProducerIDs: move})
	if err != nil {
		return nil, err
	}
	for _, row := range cross {
		row.CycleID = child.ID
		if err := tx.UpdateCustomerProducerInvoice(ctx, row); err != nil {
			return nil, err
		}
	}
	items, err := tx.ListOfferItems(ctx, store.OfferItemFilter{CycleID: cycle.ID, ProducerIDs: move, ForUpdate: true})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		item.CycleID = child.ID
		if err := tx.UpdateOfferItem(ctx, item); err != nil {
			return nil, err
		}
	}

	purchases, err := tx.ListPurchases(ctx, store.PurchaseFilter{CycleID: cycle.ID, ProducerIDs: move, ForUpdate: true})
	if err != nil {
		return nil, err
	}
	clones := make(map[int64]int64)
	for _, purchase := range purchases {
		cloneID, err := cloneCustomerInvoice(ctx, tx, cycle.ID, *child, purchase.CustomerInvoiceID, clones)
		if err != nil {
			return nil, err
		}
		purchase.CycleID = child.ID
		purchase.CustomerInvoiceID = cloneID
		purchase.Status = domain.StatusSend
		if err := tx.UpdatePurchase(ctx, purchase); err != nil {
			return nil, err
		}
	}

	l := newLedger(tx, child)
	if err := s.recalculate(ctx, l, replay{reInit: true}); err != nil {
		return nil, err
	}
	if err := l.flush(ctx); err != nil {
		return nil, err
	}
	s.log.Info().
		Int64("cycle_id", cycle.ID).
		Int64("child_id", child.ID).
		Ints64("moved_producers", move).
		Msg("unpaid producers moved to a child cycle")
	return child, nil
}

// cloneCustomerInvoice gives a customer of the master cycle a fresh invoice
// in the child. The customer charged for it is cloned along.
func cloneCustomerInvoice(ctx context.Context, tx store.Tx, masterID int64, child domain.OrderCycle, invoiceID int64, clones map[int64]int64) (int64, error) {
	if id, ok := clones[invoiceID]; ok {
		return id, nil
	}
	found, err := tx.ListCustomerInvoices(ctx, store.CustomerInvoiceFilter{CycleID: masterID, IDs: []int64{invoiceID}})
	if err != nil {
		return 0, err
	}
	if len(found) == 0 {
		return 0, fmt.Errorf("customer invoice %d: %w", invoiceID, store.ErrNotFound)
	}
	original := found[0]
	if !original.PaysOwnOrder() {
		charged, err := tx.ListCustomerInvoices(ctx, store.CustomerInvoiceFilter{
			CycleID:     masterID,
			CustomerIDs: []int64{original.CustomerChargedID},
		})
		if err != nil {
			return 0, err
		}
		if len(charged) > 0 {
			if _, err := cloneCustomerInvoice(ctx, tx, masterID, child, charged[0].ID, clones); err != nil {
				return 0, err
			}
		}
	}

	clone := original
	clone.ID = 0
	clone.CycleID = child.ID
	clone.Status = child.Status
	clone.TotalPriceWithTax = money.Zero
	clone.TotalVAT = money.Zero
	clone.TotalDeposit = money.Zero
	clone.DeltaPriceWithTax = money.Zero
	clone.DeltaVAT = money.Zero
	clone.DeltaTransport = money.Zero
	clone.BankAmountIn = money.Zero
	clone.BankAmountOut = money.Zero
	clone.InvoiceSortOrder = nil
	created, err := tx.CreateCustomerInvoice(ctx, clone)
	if err != nil {
		return 0, err
	}
	clones[invoiceID] = created.ID
	return created.ID, nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
