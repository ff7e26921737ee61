package service

import (
	"context"
	"slices"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/money"
	"coopcycle/backend/internal/store"
)

// maxDuplicates bounds one duplication to about a year of weekly cycles.
const maxDuplicates = 56

// Duplicate plans a copy of the cycle on each date, with its producers and
// delivery boards. Dates that already hold a cycle of the same name are
// skipped.
func (s *Service) Duplicate(ctx context.Context, cycleID int64, req domain.DuplicateRequest) (domain.DuplicateResult, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.DuplicateResult{}, err
	}
	if err := s.check(req); err != nil {
		return domain.DuplicateResult{}, err
	}
	dates := req.Dates
	if len(dates) > maxDuplicates {
		dates = dates[:maxDuplicates]
	}

	result := domain.DuplicateResult{Cycles: make([]domain.OrderCycle, 0, len(dates))}
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		source, err := tx.GetCycle(ctx, cycleID, false)
		if err != nil {
			return err
		}
		boards, err := tx.ListDeliveryBoards(ctx, store.DeliveryBoardFilter{CycleID: source.ID})
		if err != nil {
			return err
		}
		for _, date := range dates {
			day := dateOnly(date)
			existing, err := tx.ListCycles(ctx, store.CycleFilter{Date: &day, ShortName: &source.ShortName, Limit: 1})
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				continue
			}
			created, err := tx.CreateCycle(ctx, domain.OrderCycle{
				ShortName:            source.ShortName,
				Date:                 day,
				Status:               domain.StatusPlanned,
				HighestStatus:        domain.StatusPlanned,
				WithDeliveryPoint:    source.WithDeliveryPoint,
				ProducerIDs:          slices.Clone(source.ProducerIDs),
				TotalPurchaseWithTax: money.Zero,
				TotalSellingWithTax:  money.Zero,
				TotalPurchaseVAT:     money.Zero,
				TotalSellingVAT:      money.Zero,
				UpdatedOn:            s.now().UTC(),
			})
			if err != nil {
				return err
			}
			for _, board := range boards {
				if _, err := tx.CreateDeliveryBoard(ctx, domain.DeliveryBoard{
					CycleID:         created.ID,
					DeliveryPointID: board.DeliveryPointID,
					Comment:         board.Comment,
					Status:          domain.StatusPlanned,
				}); err != nil {
					return err
				}
			}
			result.Cycles = append(result.Cycles, *created)
		}
		return nil
	})
	if err != nil {
		return domain.DuplicateResult{}, err
	}
	result.Created = len(result.Cycles)

	evts := make([]events.Event, 0, len(result.Cycles))
	for _, cycle := range result.Cycles {
		evts = append(evts, events.New(events.CycleCreated, cycle.ID, cycle.Status))
	}
	s.publish(ctx, evts...)
	s.log.Info().Int64("cycle_id", cycleID).Int("created", result.Created).Msg("cycle duplicated")
	return result, nil
}

// CreateChild opens a cycle on the same date that belongs to cycleID.
func (s *Service) CreateChild(ctx context.Context, cycleID int64, req domain.ChildRequest) (domain.CycleDetail, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CycleDetail{}, err
	}
	if err := s.check(req); err != nil {
		return domain.CycleDetail{}, err
	}
	if !req.Status.Valid() {
		return domain.CycleDetail{}, invalidField("status", "status")
	}

	var child *domain.OrderCycle
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		master, err := tx.GetCycle(ctx, cycleID, true)
		if err != nil {
			return err
		}
		child, err = createChild(ctx, tx, *master, req.Status)
		return err
	})
	if err != nil {
		return domain.CycleDetail{}, err
	}
	s.publish(ctx, events.New(events.CycleCreated, child.ID, child.Status))
	return s.GetCycle(ctx, child.ID)
}

func createChild(ctx context.Context, tx store.Tx, master domain.OrderCycle, status domain.Status) (*domain.OrderCycle, error) {
	return tx.CreateCycle(ctx, domain.OrderCycle{
		ShortName:            master.ShortName,
		Date:                 master.Date,
		Status:               status,
		HighestStatus:        status,
		MasterID:             int64Ptr(master.ID),
		WithDeliveryPoint:    master.WithDeliveryPoint,
		ProducerIDs:          []int64{},
		TotalPurchaseWithTax: money.Zero,
		TotalSellingWithTax:  money.Zero,
		TotalPurchaseVAT:     money.Zero,
		TotalSellingVAT:      money.Zero,
		UpdatedOn:            master.UpdatedOn,
	})
}
