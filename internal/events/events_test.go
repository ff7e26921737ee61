package events

import (
	"context"
	"errors"
	"testing"

	"coopcycle/backend/internal/domain"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(func(_ context.Context, e Event) { got = append(got, e) })
	bus.Subscribe(func(_ context.Context, e Event) { got = append(got, e) })

	evt := New(StatusChanged, 4, domain.StatusOpened)
	if err := bus.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 2 || got[0].CycleID != 4 || got[1].ID != evt.ID {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if evt.ID == "" || evt.At.IsZero() {
		t.Fatalf("event should carry an id and a timestamp")
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, Event) error { return errors.New("down") }

func TestFanoutJoinsErrors(t *testing.T) {
	bus := NewBus()
	delivered := false
	bus.Subscribe(func(context.Context, Event) { delivered = true })

	err := Fanout{failingPublisher{}, bus, nil}.Publish(context.Background(), New(Invoiced, 1, domain.StatusInvoiced))
	if err == nil {
		t.Fatalf("expected the failing publisher error")
	}
	if !delivered {
		t.Fatalf("a failing publisher must not stop the others")
	}
}
