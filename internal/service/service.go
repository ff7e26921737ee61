package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"coopcycle/backend/internal/config"
	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/lock"
	"coopcycle/backend/internal/logging"
	"coopcycle/backend/internal/store"
	"coopcycle/backend/internal/summary"
)

// latestTotalLockKey guards the single latest-total bank entry.
const latestTotalLockKey = "bank:latest-total"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo      store.Repository
	locker    lock.Locker
	publisher events.Publisher
	summary   *summary.Engine
	settings  config.Settings
	validate  *validator.Validate
	log       zerolog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithLocker(locker lock.Locker) Option {
	return func(s *Service) { s.locker = locker }
}

func WithPublisher(publisher events.Publisher) Option {
	return func(s *Service) { s.publisher = publisher }
}

func WithSummary(engine *summary.Engine) Option {
	return func(s *Service) { s.summary = engine }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(repo store.Repository, settings config.Settings, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		settings: settings,
		validate: newValidator(),
		log:      logging.WithComponent("service"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = lock.NewLocalLocker(5 * time.Second)
	}
	if s.publisher == nil {
		s.publisher = events.NewBus()
	}
	if s.summary == nil {
		s.summary = summary.NewEngine(nil, 0)
	}
	return s
}

func (s *Service) Settings() config.Settings {
	return s.settings
}

func (s *Service) today() time.Time {
	return dateOnly(s.now())
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func requireStaff(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleAdmin && actor.Role != domain.RoleStaff) {
		return ErrForbidden
	}
	return nil
}

// publish hands committed changes to subscribers. A failing subscriber is
// logged and never undoes the operation.
func (s *Service) publish(ctx context.Context, evts ...events.Event) {
	actor, _ := ActorFromContext(ctx)
	for _, evt := range evts {
		evt.Actor = actor.Username
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.log.Warn().Err(err).
				Str("event", string(evt.Type)).
				Int64("cycle_id", evt.CycleID).
				Msg("failed to publish cycle event")
		}
	}
}

// withLatestTotalLock runs fn while holding the global latest-total lock.
func (s *Service) withLatestTotalLock(ctx context.Context, fn func() error) error {
	lease, err := s.locker.Acquire(ctx, latestTotalLockKey)
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			return ErrLockNotObtained
		}
		return fmt.Errorf("acquire %s: %w", latestTotalLockKey, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn().Err(err).Str("key", latestTotalLockKey).Msg("failed to release lock")
		}
	}()
	return fn()
}

func dateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func int64Ptr(v int64) *int64 {
	return &v
}
