package service

import (
	"context"
	"strings"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/money"
	"coopcycle/backend/internal/store"
)

func (s *Service) CreateCycle(ctx context.Context, req domain.CreateCycleRequest) (domain.CycleDetail, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CycleDetail{}, err
	}
	if err := s.check(req); err != nil {
		return domain.CycleDetail{}, err
	}

	var created *domain.OrderCycle
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		producerIDs := make([]int64, 0, len(req.ProducerIDs))
		for _, id := range req.ProducerIDs {
			if _, err := tx.GetProducer(ctx, id, false); err != nil {
				return err
			}
			producerIDs = appendUnique(producerIDs, id)
		}
		points, err := s.deliveryPoints(ctx, tx, req.DeliveryPointIDs)
		if err != nil {
			return err
		}

		created, err = tx.CreateCycle(ctx, domain.OrderCycle{
			ShortName:            strings.TrimSpace(req.ShortName),
			Date:                 dateOnly(req.Date),
			Status:               domain.StatusPlanned,
			HighestStatus:        domain.StatusPlanned,
			WithDeliveryPoint:    len(points) > 0,
			ProducerIDs:          producerIDs,
			TotalPurchaseWithTax: money.Zero,
			TotalSellingWithTax:  money.Zero,
			TotalPurchaseVAT:     money.Zero,
			TotalSellingVAT:      money.Zero,
			UpdatedOn:            s.now().UTC(),
		})
		if err != nil {
			return err
		}
		for _, point := range points {
			if _, err := tx.CreateDeliveryBoard(ctx, domain.DeliveryBoard{
				CycleID:         created.ID,
				DeliveryPointID: point.ID,
				Status:          domain.StatusPlanned,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.CycleDetail{}, err
	}
	s.publish(ctx, events.New(events.CycleCreated, created.ID, created.Status))
	return s.GetCycle(ctx, created.ID)
}

func (s *Service) deliveryPoints(ctx context.Context, tx store.Tx, ids []int64) ([]domain.DeliveryPoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	points, err := tx.ListDeliveryPoints(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		found := false
		for _, point := range points {
			if point.ID == id {
				found = true
				break
			}
		}
		if !found {
			return nil, invalidField("delivery_point_ids", "exists")
		}
	}
	return points, nil
}

func (s *Service) GetCycle(ctx context.Context, cycleID int64) (domain.CycleDetail, error) {
	if err := requireStaff(ctx); err != nil {
		return domain.CycleDetail{}, err
	}
	var detail domain.CycleDetail
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		cycle, err := tx.GetCycle(ctx, cycleID, false)
		if err != nil {
			return err
		}
		detail.Cycle = *cycle
		if detail.DeliveryBoards, err = tx.ListDeliveryBoards(ctx, store.DeliveryBoardFilter{CycleID: cycleID}); err != nil {
			return err
		}
		if detail.ProducerInvoices, err = tx.ListProducerInvoices(ctx, store.ProducerInvoiceFilter{CycleID: cycleID}); err != nil {
			return err
		}
		detail.CustomerInvoices, err = tx.ListCustomerInvoices(ctx, store.CustomerInvoiceFilter{CycleID: cycleID})
		return err
	})
	return detail, err
}

func (s *Service) ListCycles(ctx context.Context, statuses []domain.Status, limit int) ([]domain.OrderCycle, error) {
	if err := requireStaff(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var cycles []domain.OrderCycle
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		cycles, err = tx.ListCycles(ctx, store.CycleFilter{Statuses: statuses, Limit: limit})
		return err
	})
	return cycles, err
}

// Summary returns the per-producer and per-customer breakdown of a cycle.
func (s *Service) Summary(ctx context.Context, cycleID int64) (domain.CycleSummary, error) {
	if err := requireStaff(ctx); err != nil {
		return domain.CycleSummary{}, err
	}
	return s.summary.Summary(ctx, cycleID, func(ctx context.Context) (domain.OrderCycle, []domain.CustomerProducerInvoice, error) {
		var (
			cycle domain.OrderCycle
			rows  []domain.CustomerProducerInvoice
		)
		err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
			found, err := tx.GetCycle(ctx, cycleID, false)
			if err != nil {
				return err
			}
			cycle = *found
			rows, err = tx.ListCustomerProducerInvoices(ctx, store.CustomerProducerFilter{CycleID: cycleID})
			return err
		})
		return cycle, rows, err
	})
}
