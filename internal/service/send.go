package service

import (
	"context"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/store"
)

// SendToProducers freezes the ordered quantities of the scope and passes
// the orders on to the producers.
func (s *Service) SendToProducers(ctx context.Context, cycleID int64, req domain.SendRequest) (domain.CycleDetail, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.CycleDetail{}, err
	}
	if err := s.check(req); err != nil {
		return domain.CycleDetail{}, err
	}

	var cycle *domain.OrderCycle
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		sending, _, err := s.setStatus(ctx, tx, cycleID, transition{
			from:  []domain.Status{domain.StatusClosed},
			to:    domain.StatusWaitForSend,
			scope: req.Scope,
		})
		if err != nil {
			return err
		}
		l := newLedger(tx, sending)
		if err := s.recalculate(ctx, l, replay{sendToProducer: true}); err != nil {
			return err
		}
		if err := l.flush(ctx); err != nil {
			return err
		}
		cycle, _, err = s.setStatus(ctx, tx, cycleID, transition{
			from:  []domain.Status{domain.StatusClosed, domain.StatusWaitForSend},
			to:    domain.StatusSend,
			scope: req.Scope,
		})
		return err
	})
	if err != nil {
		return domain.CycleDetail{}, err
	}
	s.publish(ctx, events.New(events.StatusChanged, cycle.ID, cycle.Status))
	return s.GetCycle(ctx, cycleID)
}
