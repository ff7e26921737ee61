package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/money"
	"coopcycle/backend/internal/pricing"
	"coopcycle/backend/internal/store"
)

// PlaceOrder sets the quantity a customer orders of one offer item.
func (s *Service) PlaceOrder(ctx context.Context, cycleID int64, req domain.PlaceOrderRequest) (domain.Purchase, error) {
	if err := requireStaff(ctx); err != nil {
		return domain.Purchase{}, err
	}
	if err := s.check(req); err != nil {
		return domain.Purchase{}, err
	}

	var placed domain.Purchase
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		cycle, err := lockCycleIn(ctx, tx, cycleID, domain.StatusOpened)
		if err != nil {
			return err
		}
		customer, err := tx.GetCustomer(ctx, req.CustomerID, true)
		if err != nil {
			return err
		}
		if !customer.Active || !customer.MayOrder {
			return invalidField("customer_id", "may_order")
		}

		l := newLedger(tx, cycle)
		item, err := l.offerItem(ctx, req.OfferItemID)
		if err != nil {
			return err
		}
		if !item.IsActive || !item.MayOrder {
			return invalidField("offer_item_id", "may_order")
		}
		if !item.OrderUnit.Fractional() && !req.Quantity.Equal(req.Quantity.Truncate(0)) {
			return invalidField("quantity", "integer")
		}
		if item.LimitOrderQuantityToStock {
			if err := checkStock(ctx, tx, *item, customer.ID, req.Quantity); err != nil {
				return err
			}
		}

		invoice, err := s.ensureCustomerInvoice(ctx, tx, cycle, *customer)
		if err != nil {
			return err
		}
		if invoice.IsOrderConfirmed && s.settings.CustomerMustConfirmOrder {
			return fmt.Errorf("%w: order of customer %d is already confirmed", store.ErrConflict, customer.ID)
		}

		purchase, err := setPurchaseQuantity(ctx, l, *customer, item, invoice.ID, req.Quantity, false)
		if err != nil {
			return err
		}
		if purchase == nil {
			return invalidField("quantity", "gt=0")
		}
		if comment := strings.TrimSpace(req.Comment); comment != "" {
			purchase.Comment = comment
			if err := tx.UpdatePurchase(ctx, *purchase); err != nil {
				return err
			}
		}
		if item.IsBox {
			if err := s.refreshBoxContents(ctx, l, *customer, invoice.ID); err != nil {
				return err
			}
		}
		if err := l.flush(ctx); err != nil {
			return err
		}
		placed = *purchase
		return nil
	})
	if err != nil {
		return domain.Purchase{}, err
	}
	s.publish(ctx, events.New(events.AmountsChanged, cycleID, domain.StatusOpened))
	return placed, nil
}

func (s *Service) ConfirmOrder(ctx context.Context, cycleID int64, req domain.ConfirmOrderRequest) (domain.CustomerInvoice, error) {
	if err := requireStaff(ctx); err != nil {
		return domain.CustomerInvoice{}, err
	}
	if err := s.check(req); err != nil {
		return domain.CustomerInvoice{}, err
	}

	var confirmed domain.CustomerInvoice
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := lockCycleIn(ctx, tx, cycleID, domain.StatusOpened); err != nil {
			return err
		}
		invoices, err := tx.ListCustomerInvoices(ctx, store.CustomerInvoiceFilter{
			CycleID:     cycleID,
			CustomerIDs: []int64{req.CustomerID},
			ForUpdate:   true,
		})
		if err != nil {
			return err
		}
		if len(invoices) == 0 {
			return fmt.Errorf("order of customer %d: %w", req.CustomerID, store.ErrNotFound)
		}
		confirmed = invoices[0]
		confirmed.IsOrderConfirmed = true
		return tx.UpdateCustomerInvoice(ctx, confirmed)
	})
	return confirmed, err
}

// UpdateInvoicedQuantity corrects what was actually delivered on a purchase
// once the order went to the producer.
func (s *Service) UpdateInvoicedQuantity(ctx context.Context, purchaseID int64, req domain.UpdateInvoicedQuantityRequest) (domain.Purchase, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Purchase{}, err
	}
	if err := s.check(req); err != nil {
		return domain.Purchase{}, err
	}

	var (
		updated domain.Purchase
		cycleID int64
	)
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		purchase, err := tx.GetPurchase(ctx, purchaseID, true)
		if err != nil {
			return err
		}
		cycle, err := lockCycleIn(ctx, tx, purchase.CycleID, domain.StatusSend)
		if err != nil {
			return err
		}
		cycleID = cycle.ID

		l := newLedger(tx, cycle)
		item, err := l.offerItem(ctx, purchase.OfferItemID)
		if err != nil {
			return err
		}
		purchase.QuantityInvoiced = money.Quantity(req.Quantity)
		delta := pricing.Reprice(purchase, *item)
		if err := tx.UpdatePurchase(ctx, *purchase); err != nil {
			return err
		}
		if err := l.apply(ctx, *purchase, delta); err != nil {
			return err
		}
		if err := l.flush(ctx); err != nil {
			return err
		}
		updated = *purchase
		return nil
	})
	if err != nil {
		return domain.Purchase{}, err
	}
	s.publish(ctx, events.New(events.AmountsChanged, cycleID, domain.StatusSend))
	return updated, nil
}

// UpdateStockAddition sets how much of an offer item goes to stock on top of
// the customers' orders and reprices the producer side.
func (s *Service) UpdateStockAddition(ctx context.Context, offerItemID int64, req domain.UpdateStockAdditionRequest) (domain.OfferItem, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.OfferItem{}, err
	}
	if err := s.check(req); err != nil {
		return domain.OfferItem{}, err
	}

	var (
		updated domain.OfferItem
		status  domain.Status
	)
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		found, err := tx.GetOfferItem(ctx, offerItemID, true)
		if err != nil {
			return err
		}
		cycle, err := lockCycleIn(ctx, tx, found.CycleID,
			domain.StatusOpened, domain.StatusWaitForClosed, domain.StatusClosed, domain.StatusWaitForSend, domain.StatusSend)
		if err != nil {
			return err
		}
		status = cycle.Status

		l := newLedger(tx, cycle)
		item, err := l.offerItem(ctx, offerItemID)
		if err != nil {
			return err
		}
		if !item.ManageReplenishment {
			return invalidField("add_2_stock", "manage_replenishment")
		}
		item.Add2Stock = money.Quantity(req.Add2Stock)
		if err := l.applyStockAddition(ctx, item); err != nil {
			return err
		}
		if err := l.flush(ctx); err != nil {
			return err
		}
		updated = *item
		return nil
	})
	if err != nil {
		return domain.OfferItem{}, err
	}
	s.publish(ctx, events.New(events.AmountsChanged, updated.CycleID, status))
	return updated, nil
}

// lockCycleIn locks the cycle and checks it is in one of allowed.
func lockCycleIn(ctx context.Context, tx store.Tx, cycleID int64, allowed ...domain.Status) (*domain.OrderCycle, error) {
	cycle, err := tx.GetCycle(ctx, cycleID, true)
	if err != nil {
		return nil, err
	}
	if !domain.StatusIn(cycle.Status, allowed) {
		return nil, &TransitionError{CycleID: cycle.ID, Current: cycle.Status, Allowed: allowed, Target: cycle.Status}
	}
	return cycle, nil
}

func checkStock(ctx context.Context, tx store.Tx, item domain.OfferItem, customerID int64, qty decimal.Decimal) error {
	purchases, err := tx.ListPurchases(ctx, store.PurchaseFilter{CycleID: item.CycleID, OfferItemIDs: []int64{item.ID}})
	if err != nil {
		return err
	}
	ordered := qty
	for _, purchase := range purchases {
		if purchase.CustomerID == customerID || purchase.IsBoxContent {
			continue
		}
		ordered = ordered.Add(purchase.QuantityOrdered)
	}
	if ordered.GreaterThan(item.Stock) {
		return invalidField("quantity", "stock")
	}
	return nil
}

// ensureCustomerInvoice returns the customer's row of the cycle. A member of
// a delivery point with a responsible customer is charged to that customer,
// whose own row is created alongside.
func (s *Service) ensureCustomerInvoice(ctx context.Context, tx store.Tx, cycle *domain.OrderCycle, customer domain.Customer) (*domain.CustomerInvoice, error) {
	found, err := tx.ListCustomerInvoices(ctx, store.CustomerInvoiceFilter{
		CycleID:     cycle.ID,
		CustomerIDs: []int64{customer.ID},
		ForUpdate:   true,
	})
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		return &found[0], nil
	}

	invoice := domain.CustomerInvoice{
		CycleID:             cycle.ID,
		CustomerID:          customer.ID,
		CustomerChargedID:   customer.ID,
		DeliveryPointID:     customer.DeliveryPointID,
		Status:              cycle.Status,
		PriceMultiplier:     customer.PriceMultiplier,
		Transport:           s.settings.Transport,
		MinTransport:        s.settings.MinTransport,
		Balance:             customer.Balance,
		DateBalance:         customer.DateBalance,
		PreviousBalance:     customer.Balance,
		DatePreviousBalance: customer.DateBalance,
	}
	if invoice.PriceMultiplier.IsZero() {
		invoice.PriceMultiplier = money.One
	}
	if customer.DeliveryPointID != nil {
		points, err := tx.ListDeliveryPoints(ctx, []int64{*customer.DeliveryPointID})
		if err != nil {
			return nil, err
		}
		if len(points) > 0 && points[0].CustomerResponsibleID != nil {
			point := points[0]
			invoice.CustomerChargedID = *point.CustomerResponsibleID
			invoice.IsGroup = invoice.CustomerChargedID == customer.ID
			invoice.Transport = point.Transport
			invoice.MinTransport = point.MinTransport
			if point.PriceMultiplier.IsPositive() {
				invoice.PriceMultiplier = point.PriceMultiplier
			}
			if !invoice.IsGroup {
				responsible, err := tx.GetCustomer(ctx, invoice.CustomerChargedID, true)
				if err != nil {
					return nil, err
				}
				if _, err := s.ensureCustomerInvoice(ctx, tx, cycle, *responsible); err != nil {
					return nil, err
				}
			}
		}
	}
	return tx.CreateCustomerInvoice(ctx, invoice)
}

// setPurchaseQuantity writes the ordered quantity of a customer's line and
// rolls the change up through the ledger. It returns nil when there is no
// line and nothing to order.
func setPurchaseQuantity(ctx context.Context, l *ledger, customer domain.Customer, item *domain.OfferItem, invoiceID int64, qty decimal.Decimal, boxContent bool) (*domain.Purchase, error) {
	existing, err := l.tx.ListPurchases(ctx, store.PurchaseFilter{
		CycleID:      l.cycle.ID,
		CustomerIDs:  []int64{customer.ID},
		OfferItemIDs: []int64{item.ID},
		ForUpdate:    true,
	})
	if err != nil {
		return nil, err
	}
	var purchase *domain.Purchase
	for i := range existing {
		if existing[i].IsBoxContent == boxContent {
			purchase = &existing[i]
			break
		}
	}
	if purchase == nil {
		if qty.IsZero() {
			return nil, nil
		}
		purchase = &domain.Purchase{
			CycleID:           l.cycle.ID,
			CustomerID:        customer.ID,
			CustomerInvoiceID: invoiceID,
			ProducerID:        item.ProducerID,
			OfferItemID:       item.ID,
			IsBoxContent:      boxContent,
			Status:            l.cycle.Status,
		}
	}

	qty = money.Quantity(qty)
	purchase.QuantityOrdered = qty
	if purchase.Status < domain.StatusWaitForSend {
		purchase.QuantityInvoiced = qty
	}
	delta := pricing.Reprice(purchase, *item)
	if purchase.ID == 0 {
		created, err := l.tx.CreatePurchase(ctx, *purchase)
		if err != nil {
			return nil, err
		}
		purchase = created
	} else if err := l.tx.UpdatePurchase(ctx, *purchase); err != nil {
		return nil, err
	}
	if err := l.apply(ctx, *purchase, delta); err != nil {
		return nil, err
	}
	return purchase, nil
}

// refreshBoxContents rewrites the content lines of a customer from the boxes
// they ordered. A product found in several boxes gets one line.
func (s *Service) refreshBoxContents(ctx context.Context, l *ledger, customer domain.Customer, invoiceID int64) error {
	purchases, err := l.tx.ListPurchases(ctx, store.PurchaseFilter{
		CycleID:     l.cycle.ID,
		CustomerIDs: []int64{customer.ID},
		ForUpdate:   true,
	})
	if err != nil {
		return err
	}

	wanted := make(map[int64]decimal.Decimal)
	for _, purchase := range purchases {
		if purchase.IsBoxContent {
			item, err := l.offerItem(ctx, purchase.OfferItemID)
			if err != nil {
				return err
			}
			if _, ok := wanted[item.ProductID]; !ok {
				wanted[item.ProductID] = money.Zero
			}
			continue
		}
		box, err := l.offerItem(ctx, purchase.OfferItemID)
		if err != nil {
			return err
		}
		if !box.IsBox {
			continue
		}
		contents, err := l.tx.ListBoxContents(ctx, box.ProductID)
		if err != nil {
			return err
		}
		for _, content := range contents {
			qty := purchase.QuantityOrdered.Mul(content.ContentQuantity)
			wanted[content.ProductID] = wanted[content.ProductID].Add(qty)
		}
	}

	for _, productID := range sortedKeys(wanted) {
		item, err := s.offerItemForProduct(ctx, l, productID)
		if err != nil {
			return err
		}
		if _, err := setPurchaseQuantity(ctx, l, customer, item, invoiceID, wanted[productID], true); err != nil {
			return err
		}
	}
	return nil
}

// offerItemForProduct returns the cycle's offer item of a product, adding it
// and its producer to the cycle when missing.
func (s *Service) offerItemForProduct(ctx context.Context, l *ledger, productID int64) (*domain.OfferItem, error) {
	items, err := l.tx.ListOfferItems(ctx, store.OfferItemFilter{CycleID: l.cycle.ID, ProductIDs: []int64{productID}})
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		return l.offerItem(ctx, items[0].ID)
	}
	product, err := l.tx.GetProduct(ctx, productID, false)
	if err != nil {
		return nil, err
	}
	producer, err := l.tx.GetProducer(ctx, product.ProducerID, false)
	if err != nil {
		return nil, err
	}
	created, err := l.tx.CreateOfferItem(ctx, snapshotItem(domain.OfferItem{}, l.cycle.ID, *producer, *product))
	if err != nil {
		return nil, err
	}
	l.cycle.ProducerIDs = appendUnique(l.cycle.ProducerIDs, producer.ID)
	if _, err := l.producerInvoice(ctx, producer.ID); err != nil {
		return nil, err
	}
	l.items[created.ID] = created
	return created, nil
}
