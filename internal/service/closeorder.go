package service

import (
	"context"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/money"
	"coopcycle/backend/internal/pricing"
	"coopcycle/backend/internal/stock"
	"coopcycle/backend/internal/store"
)

// CloseOrders stops ordering for the scope and adds the lines the
// cooperative books on its own: membership fees, deposits, batch rounding
// and transport.
func (s *Service) CloseOrders(ctx context.Context, cycleID int64, req domain.CloseOrderRequest) (domain.CycleDetail, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CycleDetail{}, err
	}
	if err := s.check(req); err != nil {
		return domain.CycleDetail{}, err
	}

	var cycle *domain.OrderCycle
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		closing, _, err := s.setStatus(ctx, tx, cycleID, transition{
			from:  []domain.Status{domain.StatusOpened},
			to:    domain.StatusWaitForClosed,
			scope: req.Scope,
		})
		if err != nil {
			return err
		}
		l := newLedger(tx, closing)
		if err := l.preload(ctx); err != nil {
			return err
		}
		if err := s.closeOrder(ctx, l, req.Scope); err != nil {
			return err
		}
		if err := l.flush(ctx); err != nil {
			return err
		}
		cycle, _, err = s.setStatus(ctx, tx, cycleID, transition{
			from:  []domain.Status{domain.StatusOpened, domain.StatusWaitForClosed},
			to:    domain.StatusClosed,
			scope: req.Scope,
		})
		return err
	})
	if err != nil {
		return domain.CycleDetail{}, err
	}
	s.publish(ctx, events.New(events.OrdersClosed, cycle.ID, cycle.Status))
	return s.GetCycle(ctx, cycleID)
}

func (s *Service) closeOrder(ctx context.Context, l *ledger, scope domain.Scope) error {
	everything := scope.Everything()
	var pointIDs []int64
	if l.cycle.WithDeliveryPoint && len(scope.DeliveryBoardIDs) > 0 {
		boards, err := l.tx.ListDeliveryBoards(ctx, store.DeliveryBoardFilter{CycleID: l.cycle.ID, IDs: scope.DeliveryBoardIDs})
		if err != nil {
			return err
		}
		for _, board := range boards {
			pointIDs = append(pointIDs, board.DeliveryPointID)
		}
	}

	if s.settings.CustomerMustConfirmOrder {
		if err := s.cancelUnconfirmed(ctx, l, scope, pointIDs); err != nil {
			return err
		}
	}
	if everything && s.settings.MembershipFee.IsPositive() && s.settings.MembershipFeeDurationMonths > 0 {
		if err := s.addMembershipFees(ctx, l); err != nil {
			return err
		}
	}
	if everything || len(pointIDs) > 0 {
		if err := s.addDeposits(ctx, l, scope, pointIDs); err != nil {
			return err
		}
	}
	if everything || len(scope.ProducerIDs) > 0 {
		if err := s.roundToBatches(ctx, l, scope); err != nil {
			return err
		}
		if err := s.addTransport(ctx, l, scope); err != nil {
			return err
		}
	}
	return nil
}

// cancelUnconfirmed empties the lines of orders their customer never
// confirmed.
func (s *Service) cancelUnconfirmed(ctx context.Context, l *ledger, scope domain.Scope, pointIDs []int64) error {
	for _, id := range sortedKeys(l.customers) {
		invoice := l.customers[id]
		if invoice.IsOrderConfirmed {
			continue
		}
		if len(pointIDs) > 0 && (invoice.DeliveryPointID == nil || !store.Contains(pointIDs, *invoice.DeliveryPointID)) {
			continue
		}
		purchases, err := l.tx.ListPurchases(ctx, store.PurchaseFilter{
			CycleID:            l.cycle.ID,
			CustomerInvoiceIDs: []int64{invoice.ID},
			ProducerIDs:        scope.ProducerIDs,
			ForUpdate:          true,
		})
		if err != nil {
			return err
		}
		for _, purchase := range purchases {
			item, err := l.offerItem(ctx, purchase.OfferItemID)
			if err != nil {
				return err
			}
			purchase.QuantityOrdered = money.Zero
			purchase.QuantityInvoiced = money.Zero
			delta := pricing.Reprice(&purchase, *item)
			if err := l.tx.UpdatePurchase(ctx, purchase); err != nil {
				return err
			}
			if err := l.apply(ctx, purchase, delta); err != nil {
				return err
			}
		}
		s.log.Info().Int64("cycle_id", l.cycle.ID).Int64("customer_id", invoice.CustomerID).Msg("unconfirmed order cancelled")
	}
	return nil
}

func (s *Service) addMembershipFees(ctx context.Context, l *ledger) error {
	products, err := l.tx.ListProducts(ctx, store.ProductFilter{
		OrderUnits: []domain.OrderUnit{domain.OrderUnitMembershipFee},
		ActiveOnly: true,
	})
	if err != nil {
		return err
	}
	if len(products) == 0 {
		s.log.Warn().Int64("cycle_id", l.cycle.ID).Msg("membership fee configured without a membership product")
		return nil
	}
	product := products[0]
	product.ProducerUnitPrice = s.settings.MembershipFee
	product.CustomerUnitPrice = s.settings.MembershipFee
	if err := l.tx.UpdateProduct(ctx, product); err != nil {
		return err
	}

	today := s.today()
	var item *domain.OfferItem
	for _, id := range sortedKeys(l.customers) {
		invoice := l.customers[id]
		if !invoice.PaysOwnOrder() {
			continue
		}
		customer, err := l.tx.GetCustomer(ctx, invoice.CustomerID, true)
		if err != nil {
			return err
		}
		if customer.RepresentsGroup || !customer.MembershipFeeValidUntil.Before(l.cycle.Date) {
			continue
		}
		if item == nil {
			if item, err = s.offerItemForProduct(ctx, l, product.ID); err != nil {
				return err
			}
			if err := refreshFeeItem(ctx, l, item, product); err != nil {
				return err
			}
		}
		if _, err := setPurchaseQuantity(ctx, l, *customer, item, invoice.ID, money.One, false); err != nil {
			return err
		}
		validUntil := customer.MembershipFeeValidUntil.AddDate(0, s.settings.MembershipFeeDurationMonths, 0)
		if validUntil.Before(today) {
			validUntil = today
		}
		customer.MembershipFeeValidUntil = validUntil
		if err := l.tx.UpdateCustomer(ctx, *customer); err != nil {
			return err
		}
	}
	return nil
}

// refreshFeeItem brings an offer item made before the fee changed to the
// configured price.
func refreshFeeItem(ctx context.Context, l *ledger, item *domain.OfferItem, product domain.Product) error {
	producer, err := l.tx.GetProducer(ctx, product.ProducerID, false)
	if err != nil {
		return err
	}
	fresh := snapshotItem(*item, l.cycle.ID, *producer, product)
	fresh.MayOrder = item.MayOrder
	*item = fresh
	return nil
}

// addDeposits gives every ordering customer a deposit line they can use to
// return containers.
func (s *Service) addDeposits(ctx context.Context, l *ledger, scope domain.Scope, pointIDs []int64) error {
	var items []*domain.OfferItem
	for _, id := range sortedKeys(l.items) {
		item := l.items[id]
		if item.OrderUnit != domain.OrderUnitDeposit {
			continue
		}
		if !scope.Everything() && len(scope.ProducerIDs) > 0 && !inScope(scope, item.ProducerID) {
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil
	}
	for _, id := range sortedKeys(l.customers) {
		invoice := l.customers[id]
		if len(pointIDs) > 0 && (invoice.DeliveryPointID == nil || !store.Contains(pointIDs, *invoice.DeliveryPointID)) {
			continue
		}
		customer, err := l.tx.GetCustomer(ctx, invoice.CustomerID, false)
		if err != nil {
			return err
		}
		if customer.RepresentsGroup || !customer.MayOrder {
			continue
		}
		for _, item := range items {
			if _, err := setPurchaseQuantity(ctx, l, *customer, item, invoice.ID, money.One, false); err != nil {
				return err
			}
			if _, err := setPurchaseQuantity(ctx, l, *customer, item, invoice.ID, money.Zero, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// roundToBatches tops managed items up to the producer's batch size.
func (s *Service) roundToBatches(ctx context.Context, l *ledger, scope domain.Scope) error {
	for _, id := range sortedKeys(l.items) {
		item := l.items[id]
		if !item.ManageReplenishment || !item.MayOrder || item.OrderUnit >= domain.OrderUnitDeposit {
			continue
		}
		if !inScope(scope, item.ProducerID) {
			continue
		}
		ordered := item.QuantityInvoiced.Sub(item.PreviousAdd2Stock)
		if !ordered.IsPositive() {
			continue
		}
		shortfall := stock.BatchShortfall(ordered, item.Stock, item.ProducerOrderByQuantity)
		if shortfall.IsZero() {
			continue
		}
		item.Add2Stock = shortfall
		if err := l.applyStockAddition(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// addTransport books one transport line for the cooperative itself.
func (s *Service) addTransport(ctx context.Context, l *ledger, scope domain.Scope) error {
	var items []*domain.OfferItem
	for _, id := range sortedKeys(l.items) {
		item := l.items[id]
		if item.OrderUnit == domain.OrderUnitTransport && inScope(scope, item.ProducerID) {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return nil
	}
	group, err := groupCustomer(ctx, l.tx)
	if err != nil {
		return err
	}
	if group == nil {
		s.log.Warn().Int64("cycle_id", l.cycle.ID).Msg("transport offered without a group customer")
		return nil
	}
	invoice, err := s.ensureCustomerInvoice(ctx, l.tx, l.cycle, *group)
	if err != nil {
		return err
	}
	if _, ok := l.customers[invoice.ID]; !ok {
		l.customers[invoice.ID] = invoice
	}
	for _, item := range items {
		if _, err := setPurchaseQuantity(ctx, l, *group, item, invoice.ID, money.One, false); err != nil {
			return err
		}
	}
	return nil
}

func groupCustomer(ctx context.Context, tx store.Tx) (*domain.Customer, error) {
	yes := true
	customers, err := tx.ListCustomers(ctx, store.CustomerFilter{RepresentsGroup: &yes, ForUpdate: true})
	if err != nil || len(customers) == 0 {
		return nil, err
	}
	return &customers[0], nil
}

func groupProducer(ctx context.Context, tx store.Tx) (*domain.Producer, error) {
	yes := true
	producers, err := tx.ListProducers(ctx, store.ProducerFilter{RepresentsGroup: &yes, ForUpdate: true})
	if err != nil || len(producers) == 0 {
		return nil, err
	}
	return &producers[0], nil
}
