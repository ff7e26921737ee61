package app

import (
	"context"
	"testing"
	"time"

	"coopcycle/backend/internal/config"
	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/service"
)

func TestBuildFallsBackToMemoryAndInProcessCollaborators(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := Build(ctx, config.Config{RedisAddr: "127.0.0.1:1"}, Options{Migrate: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	if a.Postgres != nil {
		t.Fatalf("expected no postgres store without DATABASE_URL")
	}
	actorCtx := service.WithActor(ctx, domain.Actor{Username: "admin", Role: domain.RoleAdmin})
	producers, err := a.Service.ListProducers(actorCtx)
	if err != nil {
		t.Fatalf("list producers: %v", err)
	}
	if len(producers) == 0 {
		t.Fatalf("expected seeded producers")
	}

	received := make(chan events.Event, 1)
	a.Bus.Subscribe(func(_ context.Context, event events.Event) {
		received <- event
	})
	if err := a.Bus.Publish(ctx, events.New(events.StatusChanged, 7, domain.StatusOpened)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case event := <-received:
		if event.CycleID != 7 {
			t.Fatalf("unexpected event %+v", event)
		}
	default:
		t.Fatalf("expected bus subscribers to be called synchronously")
	}
}

func TestBuildRequiresDatabaseWhenAsked(t *testing.T) {
	if _, err := Build(context.Background(), config.Config{}, Options{RequireDatabase: true}); err == nil {
		t.Fatalf("expected an error without DATABASE_URL")
	}
}
