package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/money"
	"coopcycle/backend/internal/pricing"
	"coopcycle/backend/internal/stock"
	"coopcycle/backend/internal/store"
)

// OpenOrders snapshots the catalog of every participating producer into the
// cycle and opens it to customers.
func (s *Service) OpenOrders(ctx context.Context, cycleID int64) (domain.CycleDetail, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CycleDetail{}, err
	}

	var cycle *domain.OrderCycle
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		opening, _, err := s.setStatus(ctx, tx, cycleID, transition{
			from: []domain.Status{domain.StatusPlanned, domain.StatusPreOpen},
			to:   domain.StatusWaitForOpen,
		})
		if err != nil {
			return err
		}
		if err := s.snapshotOffer(ctx, tx, opening); err != nil {
			return err
		}
		cycle, _, err = s.setStatus(ctx, tx, cycleID, transition{
			from: []domain.Status{domain.StatusWaitForOpen},
			to:   domain.StatusOpened,
		})
		return err
	})
	if err != nil {
		return domain.CycleDetail{}, err
	}
	s.publish(ctx, events.New(events.StatusChanged, cycle.ID, cycle.Status))
	return s.GetCycle(ctx, cycleID)
}

func (s *Service) snapshotOffer(ctx context.Context, tx store.Tx, cycle *domain.OrderCycle) error {
	if len(cycle.ProducerIDs) == 0 {
		return nil
	}
	producers, err := tx.ListProducers(ctx, store.ProducerFilter{IDs: cycle.ProducerIDs})
	if err != nil {
		return err
	}
	existing, err := tx.ListOfferItems(ctx, store.OfferItemFilter{CycleID: cycle.ID, ForUpdate: true})
	if err != nil {
		return err
	}
	byProduct := make(map[int64]domain.OfferItem, len(existing))
	for _, item := range existing {
		byProduct[item.ProductID] = item
	}

	for _, producer := range producers {
		products, err := tx.ListProducts(ctx, store.ProductFilter{ProducerIDs: []int64{producer.ID}, ActiveOnly: true})
		if err != nil {
			return err
		}
		for _, product := range products {
			if product.IsBox {
				boxStock, err := s.boxStock(ctx, tx, product.ID)
				if err != nil {
					return err
				}
				product.Stock = boxStock
			}
			item, found := byProduct[product.ID]
			item = snapshotItem(item, cycle.ID, producer, product)
			if found {
				if err := tx.UpdateOfferItem(ctx, item); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.CreateOfferItem(ctx, item); err != nil {
				return err
			}
		}
	}
	return nil
}

// snapshotItem copies the catalog fields of a product into its offer item,
// keeping the quantities and totals already accumulated. A box is bought
// through its contents, so its own line only sells.
func snapshotItem(item domain.OfferItem, cycleID int64, producer domain.Producer, product domain.Product) domain.OfferItem {
	prices := catalogPrices(producer, product)
	if product.IsBox {
		prices.ProducerUnitPrice = money.Zero
		prices.ProducerVAT = money.Zero
	}
	multiplier := producer.PriceMultiplier
	if multiplier.IsZero() {
		multiplier = money.One
	}

	item.CycleID = cycleID
	item.ProductID = product.ID
	item.ProducerID = producer.ID
	item.LongName = product.LongName
	item.OrderUnit = product.OrderUnit
	item.IsBox = product.IsBox
	item.IsActive = true
	item.MayOrder = product.OrderUnit < domain.OrderUnitMembershipFee
	item.ManageReplenishment = product.ManageReplenishment
	item.LimitOrderQuantityToStock = product.LimitOrderQuantityToStock
	item.PriceMultiplier = multiplier
	item.ProducerUnitPrice = prices.ProducerUnitPrice
	item.CustomerUnitPrice = prices.CustomerUnitPrice
	item.ProducerVAT = prices.ProducerVAT
	item.CustomerVAT = prices.CustomerVAT
	item.UnitDeposit = product.UnitDeposit
	item.VATRate = product.VATRate
	item.AverageWeight = product.AverageWeight
	item.ProducerOrderByQuantity = product.ProducerOrderByQuantity
	item.Stock = product.Stock
	return item
}

// catalogPrices derives the VAT inclusive unit prices a product sells at
// under its producer's pricing terms.
func catalogPrices(producer domain.Producer, product domain.Product) pricing.UnitPrices {
	return pricing.DeriveUnitPrices(pricing.CatalogPrice{
		ProducerUnitPrice:  product.ProducerUnitPrice,
		CustomerUnitPrice:  product.CustomerUnitPrice,
		VATRate:            product.VATRate,
		Multiplier:         producer.PriceMultiplier,
		PricesWoVAT:        producer.PricesWoVAT,
		ResalePriceIsFixed: product.IsResalePriceFixed || product.IsBox,
	})
}

// boxStock derives how many boxes the limited components allow.
func (s *Service) boxStock(ctx context.Context, tx store.Tx, boxID int64) (decimal.Decimal, error) {
	contents, err := tx.ListBoxContents(ctx, boxID)
	if err != nil {
		return money.Zero, err
	}
	components := make([]stock.Component, 0, len(contents))
	for _, content := range contents {
		product, err := tx.GetProduct(ctx, content.ProductID, false)
		if err != nil {
			return money.Zero, err
		}
		components = append(components, stock.Component{
			ProductID:    product.ID,
			Stock:        product.Stock,
			Quantity:     content.ContentQuantity,
			LimitToStock: product.LimitOrderQuantityToStock,
			IsBox:        product.IsBox,
		})
	}
	boxStock, err := stock.BoxStock(components)
	if errors.Is(err, stock.ErrNestedBox) {
		return money.Zero, invalidField("contents", "nested box")
	}
	return boxStock, err
}

// BackToScheduled takes an opened cycle back to planning. Only producers
// still offering something stay in the cycle.
func (s *Service) BackToScheduled(ctx context.Context, cycleID int64) (domain.CycleDetail, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CycleDetail{}, err
	}

	var cycle *domain.OrderCycle
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		cycle, _, err = s.setStatus(ctx, tx, cycleID, transition{
			from: []domain.Status{domain.StatusPreOpen, domain.StatusWaitForOpen, domain.StatusOpened},
			to:   domain.StatusPlanned,
		})
		if err != nil {
			return err
		}
		items, err := tx.ListOfferItems(ctx, store.OfferItemFilter{CycleID: cycleID, ForUpdate: true})
		if err != nil {
			return err
		}
		producerIDs := make([]int64, 0)
		for _, item := range items {
			if !item.MayOrder {
				continue
			}
			producerIDs = appendUnique(producerIDs, item.ProducerID)
			item.MayOrder = false
			if err := tx.UpdateOfferItem(ctx, item); err != nil {
				return err
			}
		}
		cycle.ProducerIDs = producerIDs
		return tx.UpdateCycle(ctx, *cycle)
	})
	if err != nil {
		return domain.CycleDetail{}, err
	}
	s.publish(ctx, events.New(events.StatusChanged, cycle.ID, cycle.Status))
	return s.GetCycle(ctx, cycleID)
}
