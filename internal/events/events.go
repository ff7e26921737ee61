// Package events carries notifications about committed cycle changes to the
// collaborators that keep derived views, such as the summary cache.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"coopcycle/backend/internal/domain"
)

type Type string

const (
	StatusChanged    Type = "status_changed"
	OrdersClosed     Type = "orders_closed"
	AmountsChanged   Type = "amounts_changed"
	Invoiced         Type = "invoiced"
	InvoiceCancelled Type = "invoice_cancelled"
	CycleCreated     Type = "cycle_created"
)

type Event struct {
	ID      string        `json:"id"`
	Type    Type          `json:"type"`
	CycleID int64         `json:"cycle_id"`
	Status  domain.Status `json:"status"`
	Actor   string        `json:"actor,omitempty"`
	At      time.Time     `json:"at"`
}

func New(kind Type, cycleID int64, status domain.Status) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    kind,
		CycleID: cycleID,
		Status:  status,
		At:      time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Handler func(ctx context.Context, event Event)

// Bus delivers events synchronously to in-process subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()
	for _, handler := range handlers {
		handler(ctx, event)
	}
	return nil
}

// RedisPublisher forwards events to a redis channel for other processes.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

const DefaultChannel = "coopcycle:cycle-events"

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
