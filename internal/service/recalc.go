package service

import (
	"context"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/money"
	"coopcycle/backend/internal/pricing"
	"coopcycle/backend/internal/store"
)

type replay struct {
	offerItemIDs   []int64
	reInit         bool
	sendToProducer bool
}

func (r replay) full() bool {
	return r.reInit || r.sendToProducer || len(r.offerItemIDs) == 0
}

// RecalculateOrderAmount replays purchases into the cycle aggregates, either
// from zero or for a few offer items only.
func (s *Service) RecalculateOrderAmount(ctx context.Context, cycleID int64, req domain.RecalculateRequest) (domain.CycleDetail, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CycleDetail{}, err
	}
	if err := s.check(req); err != nil {
		return domain.CycleDetail{}, err
	}

	var status domain.Status
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		cycle, err := tx.GetCycle(ctx, cycleID, true)
		if err != nil {
			return err
		}
		if cycle.Status >= domain.StatusWaitForInvoiced || cycle.Status < domain.StatusOpened {
			return &TransitionError{
				CycleID: cycle.ID,
				Current: cycle.Status,
				Allowed: []domain.Status{domain.StatusOpened, domain.StatusClosed, domain.StatusSend},
				Target:  cycle.Status,
			}
		}
		status = cycle.Status
		l := newLedger(tx, cycle)
		if err := s.recalculate(ctx, l, replay{
			offerItemIDs:   req.OfferItemIDs,
			reInit:         req.ReInit,
			sendToProducer: req.SendToProducer,
		}); err != nil {
			return err
		}
		return l.flush(ctx)
	})
	if err != nil {
		return domain.CycleDetail{}, err
	}
	s.publish(ctx, events.New(events.AmountsChanged, cycleID, status))
	return s.GetCycle(ctx, cycleID)
}

func (s *Service) recalculate(ctx context.Context, l *ledger, r replay) error {
	full := r.full()
	filter := store.PurchaseFilter{CycleID: l.cycle.ID, ForUpdate: true}
	if full {
		if err := l.preload(ctx); err != nil {
			return err
		}
		l.reset()
		for _, id := range sortedKeys(l.items) {
			item := l.items[id]
			if !item.ManageReplenishment || item.Add2Stock.IsZero() {
				continue
			}
			item.PreviousAdd2Stock = money.Zero
			if err := l.applyStockAddition(ctx, item); err != nil {
				return err
			}
		}
	} else {
		filter.OfferItemIDs = r.offerItemIDs
	}

	purchases, err := l.tx.ListPurchases(ctx, filter)
	if err != nil {
		return err
	}

	if r.sendToProducer {
		for i := range purchases {
			purchase := &purchases[i]
			if purchase.Status != domain.StatusWaitForSend {
				continue
			}
			item, err := l.offerItem(ctx, purchase.OfferItemID)
			if err != nil {
				return err
			}
			if item.OrderUnit == domain.OrderUnitPieceByWeight {
				purchase.QuantityInvoiced = money.Quantity(purchase.QuantityOrdered.Mul(item.AverageWeight))
				item.UseOrderUnitConverted = true
			} else {
				purchase.QuantityInvoiced = purchase.QuantityOrdered
			}
		}
	}

	for i := range purchases {
		purchase := &purchases[i]
		item, err := l.offerItem(ctx, purchase.OfferItemID)
		if err != nil {
			return err
		}
		if full {
			pricing.ResetShadow(purchase)
		}
		delta := pricing.Reprice(purchase, *item)
		if err := l.tx.UpdatePurchase(ctx, *purchase); err != nil {
			return err
		}
		if err := l.apply(ctx, *purchase, delta); err != nil {
			return err
		}
	}
	return nil
}

// recalculateProfit sets the cycle totals from its purchases and the deltas
// of the group invoices. Lines sold below cost count their selling side on
// both sides.
func recalculateProfit(ctx context.Context, l *ledger) error {
	purchases, err := l.tx.ListPurchases(ctx, store.PurchaseFilter{CycleID: l.cycle.ID})
	if err != nil {
		return err
	}
	var (
		purchase    = money.Zero
		selling     = money.Zero
		producerVAT = money.Zero
		customerVAT = money.Zero
	)
	for _, id := range sortedKeys(l.customers) {
		invoice := l.customers[id]
		if !invoice.IsGroup {
			continue
		}
		selling = selling.Add(invoice.DeltaPriceWithTax).Add(invoice.DeltaTransport)
		customerVAT = customerVAT.Add(invoice.DeltaVAT)
	}
	for _, p := range purchases {
		item, err := l.offerItem(ctx, p.OfferItemID)
		if err != nil {
			return err
		}
		if item.PriceMultiplier.LessThan(money.One) {
			purchase = purchase.Add(p.SellingPrice)
			selling = selling.Add(p.SellingPrice)
			producerVAT = producerVAT.Add(p.CustomerVAT)
			customerVAT = customerVAT.Add(p.CustomerVAT)
			continue
		}
		purchase = purchase.Add(p.PurchasePrice)
		selling = selling.Add(p.SellingPrice)
		producerVAT = producerVAT.Add(p.ProducerVAT)
		customerVAT = customerVAT.Add(p.CustomerVAT)
	}
	l.cycle.TotalPurchaseWithTax = purchase
	l.cycle.TotalSellingWithTax = selling
	l.cycle.TotalPurchaseVAT = producerVAT
	l.cycle.TotalSellingVAT = customerVAT
	return nil
}
