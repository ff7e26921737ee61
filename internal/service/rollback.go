package service

import (
	"context"
	"fmt"
	"time"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/money"
	"coopcycle/backend/internal/store"
)

// CancelInvoice takes the last invoiced cycle back to SEND. Balances are
// restored, bank movements are detached, the entries the settlement wrote
// are deleted and the previous bank total becomes the latest again. Stock
// stays as the settlement left it.
func (s *Service) CancelInvoice(ctx context.Context, cycleID int64) (domain.CycleDetail, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CycleDetail{}, err
	}

	var cycle *domain.OrderCycle
	err := s.withLatestTotalLock(ctx, func() error {
		return s.repo.WithinTx(ctx, func(tx store.Tx) error {
			var err error
			cycle, err = s.cancelInvoice(ctx, tx, cycleID)
			return err
		})
	})
	if err != nil {
		return domain.CycleDetail{}, err
	}
	s.publish(ctx, events.New(events.InvoiceCancelled, cycle.ID, cycle.Status))
	return s.GetCycle(ctx, cycleID)
}

func (s *Service) cancelInvoice(ctx context.Context, tx store.Tx, cycleID int64) (*domain.OrderCycle, error) {
	if _, err := lockCycleIn(ctx, tx, cycleID, domain.StatusInvoiced); err != nil {
		return nil, err
	}
	latest, err := tx.ListBankEntries(ctx, store.BankEntryFilter{
		Statuses:  []domain.BankStatus{domain.BankLatestTotal},
		ForUpdate: true,
	})
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 || latest[0].CycleID == nil || *latest[0].CycleID != cycleID {
		return nil, fmt.Errorf("%w: cycle %d is not the last one invoiced", store.ErrConflict, cycleID)
	}

	cancelling, _, err := s.setStatus(ctx, tx, cycleID, transition{
		from: []domain.Status{domain.StatusInvoiced},
		to:   domain.StatusWaitForCancelInvoice,
	})
	if err != nil {
		return nil, err
	}
	if err := restoreCustomers(ctx, tx, cycleID); err != nil {
		return nil, err
	}
	group, err := groupProducer(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := restoreProducers(ctx, tx, cycleID, group); err != nil {
		return nil, err
	}

	if err := tx.DeleteBankEntries(ctx, []int64{latest[0].ID}); err != nil {
		return nil, err
	}
	previous, err := tx.ListBankEntries(ctx, store.BankEntryFilter{
		Statuses:   []domain.BankStatus{domain.BankNotLatestTotal},
		NoParty:    true,
		Descending: true,
		Limit:      1,
		ForUpdate:  true,
	})
	if err != nil {
		return nil, err
	}
	if len(previous) > 0 {
		previous[0].Status = domain.BankLatestTotal
		if err := tx.UpdateBankEntry(ctx, previous[0]); err != nil {
			return nil, err
		}
	}

	if err := deleteSynthesized(ctx, tx, cycleID); err != nil {
		return nil, err
	}
	cancelling.InvoiceSortOrder = nil
	if err := tx.UpdateCycle(ctx, *cancelling); err != nil {
		return nil, err
	}
	cycle, _, err := s.setStatus(ctx, tx, cycleID, transition{
		from: []domain.Status{domain.StatusWaitForCancelInvoice},
		to:   domain.StatusSend,
	})
	return cycle, err
}

func restoreCustomers(ctx context.Context, tx store.Tx, cycleID int64) error {
	invoices, err := tx.ListCustomerInvoices(ctx, store.CustomerInvoiceFilter{CycleID: cycleID, ForUpdate: true})
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(invoices))
	for _, invoice := range invoices {
		invoice.BankAmountIn = money.Zero
		invoice.BankAmountOut = money.Zero
		invoice.Balance = invoice.PreviousBalance
		invoice.DateBalance = invoice.DatePreviousBalance
		invoice.InvoiceSortOrder = nil
		if err := tx.UpdateCustomerInvoice(ctx, invoice); err != nil {
			return err
		}
		customer, err := tx.GetCustomer(ctx, invoice.CustomerID, true)
		if err != nil {
			return err
		}
		customer.Balance = invoice.PreviousBalance
		customer.DateBalance = invoice.DatePreviousBalance
		if err := tx.UpdateCustomer(ctx, *customer); err != nil {
			return err
		}
		ids = append(ids, invoice.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	entries, err := tx.ListBankEntries(ctx, store.BankEntryFilter{CustomerInvoiceIDs: ids, ForUpdate: true})
	if err != nil {
		return err
	}
	return detach(ctx, tx, entries)
}

// restoreProducers rolls producer invoices back to their previous balance.
// The cooperative's own invoice keeps the deltas booked while ordering.
func restoreProducers(ctx context.Context, tx store.Tx, cycleID int64, group *domain.Producer) error {
	invoices, err := tx.ListProducerInvoices(ctx, store.ProducerInvoiceFilter{CycleID: cycleID, ForUpdate: true})
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(invoices))
	for _, invoice := range invoices {
		invoice.BankAmountIn = money.Zero
		invoice.BankAmountOut = money.Zero
		invoice.DeltaStockWithTax = money.Zero
		invoice.DeltaStockVAT = money.Zero
		invoice.DeltaStockDeposit = money.Zero
		if group == nil || invoice.ProducerID != group.ID {
			invoice.DeltaPriceWithTax = money.Zero
			invoice.DeltaVAT = money.Zero
			invoice.DeltaTransport = money.Zero
			invoice.DeltaDeposit = money.Zero
		}
		invoice.Balance = invoice.PreviousBalance
		invoice.DateBalance = invoice.DatePreviousBalance
		invoice.InvoiceSortOrder = nil
		if err := tx.UpdateProducerInvoice(ctx, invoice); err != nil {
			return err
		}
		producer, err := tx.GetProducer(ctx, invoice.ProducerID, true)
		if err != nil {
			return err
		}
		producer.Balance = invoice.PreviousBalance
		producer.DateBalance = invoice.DatePreviousBalance
		if err := tx.UpdateProducer(ctx, *producer); err != nil {
			return err
		}
		ids = append(ids, invoice.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	entries, err := tx.ListBankEntries(ctx, store.BankEntryFilter{ProducerInvoiceIDs: ids, ForUpdate: true})
	if err != nil {
		return err
	}
	return detach(ctx, tx, entries)
}

// detach clears the invoice links of entries. Statement movements also lose
// their cycle so that the next settlement picks them up again.
func detach(ctx context.Context, tx store.Tx, entries []domain.BankEntry) error {
	for _, entry := range entries {
		entry.CustomerInvoiceID = nil
		entry.ProducerInvoiceID = nil
		if entry.Status == domain.BankMovement {
			entry.CycleID = nil
		}
		if err := tx.UpdateBankEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func deleteSynthesized(ctx context.Context, tx store.Tx, cycleID int64) error {
	entries, err := tx.ListBankEntries(ctx, store.BankEntryFilter{
		CycleID:   &cycleID,
		Statuses:  domain.SynthesizedBankStatuses,
		ForUpdate: true,
	})
	if err != nil || len(entries) == 0 {
		return err
	}
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	return tx.DeleteBankEntries(ctx, ids)
}

// CancelDelivery ends a sent cycle without invoicing it.
func (s *Service) CancelDelivery(ctx context.Context, cycleID int64) (domain.CycleDetail, error) {
	return s.closeWithoutInvoice(ctx, cycleID, domain.StatusCancelled)
}

// Archive files a sent cycle without invoicing it.
func (s *Service) Archive(ctx context.Context, cycleID int64) (domain.CycleDetail, error) {
	return s.closeWithoutInvoice(ctx, cycleID, domain.StatusArchived)
}

func (s *Service) closeWithoutInvoice(ctx context.Context, cycleID int64, to domain.Status) (domain.CycleDetail, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CycleDetail{}, err
	}

	var cycle *domain.OrderCycle
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		cycle, _, err = s.setStatus(ctx, tx, cycleID, transition{
			from: []domain.Status{domain.StatusSend},
			to:   to,
		})
		if err != nil {
			return err
		}
		closest, err := closestTotal(ctx, tx, cycle.Date)
		if err != nil || closest == nil {
			return err
		}
		cycle.InvoiceSortOrder = int64Ptr(closest.ID)
		return tx.UpdateCycle(ctx, *cycle)
	})
	if err != nil {
		return domain.CycleDetail{}, err
	}
	s.publish(ctx, events.New(events.StatusChanged, cycle.ID, cycle.Status))
	return s.GetCycle(ctx, cycleID)
}

// closestTotal returns the bank total whose date is nearest to date. The
// most recent entry wins a tie.
func closestTotal(ctx context.Context, tx store.Tx, date time.Time) (*domain.BankEntry, error) {
	totals, err := tx.ListBankEntries(ctx, store.BankEntryFilter{
		Statuses: []domain.BankStatus{domain.BankLatestTotal, domain.BankNotLatestTotal},
	})
	if err != nil {
		return nil, err
	}
	var (
		best     *domain.BankEntry
		bestDist time.Duration
	)
	for i := range totals {
		dist := totals[i].OperationDate.Sub(date).Abs()
		if best == nil || dist <= bestDist {
			best, bestDist = &totals[i], dist
		}
	}
	return best, nil
}
