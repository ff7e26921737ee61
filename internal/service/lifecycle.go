package service

import (
	"context"
	"fmt"
	"time"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/store"
)

type transition struct {
	from        []domain.Status
	to          domain.Status
	scope       domain.Scope
	paymentDate *time.Time
}

// Advance moves a cycle, or the scoped part of it, to req.To.
func (s *Service) Advance(ctx context.Context, cycleID int64, req domain.AdvanceRequest) (domain.CycleDetail, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CycleDetail{}, err
	}
	if err := s.check(req); err != nil {
		return domain.CycleDetail{}, err
	}
	if !req.To.Valid() {
		return domain.CycleDetail{}, invalidField("to", "status")
	}

	var cycle *domain.OrderCycle
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		cycle, _, err = s.setStatus(ctx, tx, cycleID, transition{
			from:        req.From,
			to:          req.To,
			scope:       req.Scope,
			paymentDate: req.PaymentDate,
		})
		return err
	})
	if err != nil {
		return domain.CycleDetail{}, err
	}
	s.publish(ctx, events.New(events.StatusChanged, cycle.ID, cycle.Status))
	return s.GetCycle(ctx, cycleID)
}

// setStatus locks the cycle, checks it is in t.from and moves the scoped
// rows to t.to. The cycle itself follows once every scoped row got there.
// It reports whether the cycle status changed.
func (s *Service) setStatus(ctx context.Context, tx store.Tx, cycleID int64, t transition) (*domain.OrderCycle, bool, error) {
	cycle, err := tx.GetCycle(ctx, cycleID, true)
	if err != nil {
		return nil, false, err
	}
	if !domain.StatusIn(cycle.Status, t.from) || cycle.Status == t.to {
		return nil, false, &TransitionError{CycleID: cycle.ID, Current: cycle.Status, Allowed: t.from, Target: t.to}
	}

	scope := t.scope
	if t.to == domain.StatusWaitForOpen {
		if err := ensureProducerInvoices(ctx, tx, cycle); err != nil {
			return nil, false, err
		}
		scope = domain.Scope{}
	}

	forward := t.to > cycle.Status
	mv := mover{tx: tx, to: t.to, forward: forward}

	switch {
	case scope.Everything():
		if cycle.WithDeliveryPoint {
			if err := mv.deliveryBoards(ctx, cycle.ID, nil); err != nil {
				return nil, false, err
			}
		}
		if err := mv.producerInvoices(ctx, cycle.ID, nil); err != nil {
			return nil, false, err
		}
		if err := mv.customerInvoices(ctx, store.CustomerInvoiceFilter{CycleID: cycle.ID, ForUpdate: true}); err != nil {
			return nil, false, err
		}
		if err := mv.purchases(ctx, store.PurchaseFilter{CycleID: cycle.ID, ForUpdate: true}); err != nil {
			return nil, false, err
		}
	case len(scope.DeliveryBoardIDs) > 0 && cycle.WithDeliveryPoint:
		if err := mv.deliveryBoards(ctx, cycle.ID, scope.DeliveryBoardIDs); err != nil {
			return nil, false, err
		}
		if len(mv.pointIDs) == 0 {
			return nil, false, fmt.Errorf("delivery boards %v: %w", scope.DeliveryBoardIDs, store.ErrNotFound)
		}
		invoices, err := tx.ListCustomerInvoices(ctx, store.CustomerInvoiceFilter{
			CycleID:          cycle.ID,
			DeliveryPointIDs: mv.pointIDs,
			ForUpdate:        true,
		})
		if err != nil {
			return nil, false, err
		}
		invoiceIDs := make([]int64, 0, len(invoices))
		for _, invoice := range invoices {
			invoiceIDs = append(invoiceIDs, invoice.ID)
		}
		if len(invoiceIDs) > 0 {
			if err := mv.customerInvoices(ctx, store.CustomerInvoiceFilter{CycleID: cycle.ID, IDs: invoiceIDs, ForUpdate: true}); err != nil {
				return nil, false, err
			}
			if err := mv.purchases(ctx, store.PurchaseFilter{CycleID: cycle.ID, CustomerInvoiceIDs: invoiceIDs, ForUpdate: true}); err != nil {
				return nil, false, err
			}
		}
	default:
		if len(scope.ProducerIDs) == 0 {
			return nil, false, invalidField("scope", "delivery_board_ids require a cycle with delivery points")
		}
		if err := mv.producerInvoices(ctx, cycle.ID, scope.ProducerIDs); err != nil {
			return nil, false, err
		}
		if err := mv.purchases(ctx, store.PurchaseFilter{CycleID: cycle.ID, ProducerIDs: scope.ProducerIDs, ForUpdate: true}); err != nil {
			return nil, false, err
		}
	}

	advance := scope.Everything()
	if !advance {
		advance, err = everyRowReached(ctx, tx, cycle, scope, t.to, forward)
		if err != nil {
			return nil, false, err
		}
	}

	from := cycle.Status
	if t.to > cycle.HighestStatus {
		cycle.HighestStatus = t.to
	}
	if advance {
		cycle.Status = t.to
		cycle.UpdatedOn = s.now().UTC()
		if t.paymentDate != nil {
			paid := dateOnly(*t.paymentDate)
			cycle.PaymentDate = &paid
		}
	}
	if err := tx.UpdateCycle(ctx, *cycle); err != nil {
		return nil, false, err
	}

	s.log.Info().
		Int64("cycle_id", cycle.ID).
		Str("from", from.String()).
		Str("to", t.to.String()).
		Str("scope", scopeLabel(t.scope)).
		Bool("cycle_advanced", advance).
		Msg("cycle transition")
	return cycle, advance, nil
}

// everyRowReached checks the rows a partial transition did not touch.
func everyRowReached(ctx context.Context, tx store.Tx, cycle *domain.OrderCycle, scope domain.Scope, to domain.Status, forward bool) (bool, error) {
	reached := func(status domain.Status) bool {
		if forward {
			return status >= to
		}
		return status == to
	}
	if len(scope.DeliveryBoardIDs) > 0 && cycle.WithDeliveryPoint {
		boards, err := tx.ListDeliveryBoards(ctx, store.DeliveryBoardFilter{CycleID: cycle.ID})
		if err != nil {
			return false, err
		}
		for _, board := range boards {
			if !reached(board.Status) {
				return false, nil
			}
		}
		return len(boards) > 0, nil
	}
	invoices, err := tx.ListProducerInvoices(ctx, store.ProducerInvoiceFilter{CycleID: cycle.ID})
	if err != nil {
		return false, err
	}
	for _, invoice := range invoices {
		if !reached(invoice.Status) {
			return false, nil
		}
	}
	return len(invoices) > 0, nil
}

// ensureProducerInvoices gives every participating producer its row.
func ensureProducerInvoices(ctx context.Context, tx store.Tx, cycle *domain.OrderCycle) error {
	existing, err := tx.ListProducerInvoices(ctx, store.ProducerInvoiceFilter{CycleID: cycle.ID, ForUpdate: true})
	if err != nil {
		return err
	}
	have := make(map[int64]bool, len(existing))
	for _, invoice := range existing {
		have[invoice.ProducerID] = true
	}
	for _, producerID := range cycle.ProducerIDs {
		if have[producerID] {
			continue
		}
		producer, err := tx.GetProducer(ctx, producerID, false)
		if err != nil {
			return err
		}
		if _, err := tx.CreateProducerInvoice(ctx, newProducerInvoice(*cycle, *producer)); err != nil {
			return err
		}
	}
	return nil
}

// mover writes a status on ledger rows. Moving forward never pulls back a
// row that already went further.
type mover struct {
	tx       store.Tx
	to       domain.Status
	forward  bool
	pointIDs []int64
}

func (m *mover) moves(current domain.Status) bool {
	return current != m.to && (!m.forward || current < m.to)
}

func (m *mover) deliveryBoards(ctx context.Context, cycleID int64, ids []int64) error {
	boards, err := m.tx.ListDeliveryBoards(ctx, store.DeliveryBoardFilter{CycleID: cycleID, IDs: ids, ForUpdate: true})
	if err != nil {
		return err
	}
	for _, board := range boards {
		m.pointIDs = append(m.pointIDs, board.DeliveryPointID)
		if !m.moves(board.Status) {
			continue
		}
		board.Status = m.to
		if err := m.tx.UpdateDeliveryBoard(ctx, board); err != nil {
			return err
		}
	}
	return nil
}

func (m *mover) producerInvoices(ctx context.Context, cycleID int64, producerIDs []int64) error {
	invoices, err := m.tx.ListProducerInvoices(ctx, store.ProducerInvoiceFilter{CycleID: cycleID, ProducerIDs: producerIDs, ForUpdate: true})
	if err != nil {
		return err
	}
	for _, invoice := range invoices {
		if !m.moves(invoice.Status) {
			continue
		}
		invoice.Status = m.to
		if err := m.tx.UpdateProducerInvoice(ctx, invoice); err != nil {
			return err
		}
	}
	return nil
}

func (m *mover) customerInvoices(ctx context.Context, filter store.CustomerInvoiceFilter) error {
	invoices, err := m.tx.ListCustomerInvoices(ctx, filter)
	if err != nil {
		return err
	}
	for _, invoice := range invoices {
		if !m.moves(invoice.Status) {
			continue
		}
		invoice.Status = m.to
		if err := m.tx.UpdateCustomerInvoice(ctx, invoice); err != nil {
			return err
		}
	}
	return nil
}

func (m *mover) purchases(ctx context.Context, filter store.PurchaseFilter) error {
	purchases, err := m.tx.ListPurchases(ctx, filter)
	if err != nil {
		return err
	}
	for _, purchase := range purchases {
		if !m.moves(purchase.Status) {
			continue
		}
		purchase.Status = m.to
		if err := m.tx.UpdatePurchase(ctx, purchase); err != nil {
			return err
		}
	}
	return nil
}
