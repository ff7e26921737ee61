package summary

import (
	"context"
	"sync"
	"testing"
	"time"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/money"
)

type mapCache struct {
	mu    sync.Mutex
	items map[string]domain.CycleSummary
}

func (m *mapCache) Get(_ context.Context, key string) (*domain.CycleSummary, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

func (m *mapCache) Set(_ context.Context, key string, value *domain.CycleSummary, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = *value
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func rows() []domain.CustomerProducerInvoice {
	return []domain.CustomerProducerInvoice{
		{CustomerID: 10, ProducerID: 1, TotalPurchaseWithTax: money.MustParse("8"), TotalSellingWithTax: money.MustParse("10")},
		{CustomerID: 11, ProducerID: 1, TotalPurchaseWithTax: money.MustParse("4"), TotalSellingWithTax: money.MustParse("5")},
		{CustomerID: 10, ProducerID: 2, TotalPurchaseWithTax: money.MustParse("3"), TotalSellingWithTax: money.MustParse("3.5")},
		{CustomerID: 12, ProducerID: 2},
	}
}

func TestBuildAggregatesRollups(t *testing.T) {
	got := Build(domain.OrderCycle{ID: 5, Status: domain.StatusSend}, rows())
	if len(got.Producers) != 2 || len(got.Customers) != 2 {
		t.Fatalf("unexpected breakdown %+v", got)
	}
	if !got.Producers[0].Selling.Equal(money.MustParse("15")) || got.Producers[0].Customers != 2 {
		t.Fatalf("unexpected producer line %+v", got.Producers[0])
	}
	if !got.Customers[0].Selling.Equal(money.MustParse("13.5")) || got.Customers[0].Producers != 2 {
		t.Fatalf("unexpected customer line %+v", got.Customers[0])
	}
	if !got.Purchase.Equal(money.MustParse("15")) || !got.Selling.Equal(money.MustParse("18.5")) {
		t.Fatalf("unexpected totals %s/%s", got.Purchase, got.Selling)
	}
}

func TestSummaryIsCachedUntilInvalidated(t *testing.T) {
	engine := NewEngine(&mapCache{items: map[string]domain.CycleSummary{}}, time.Minute)
	loads := 0
	load := func(context.Context) (domain.OrderCycle, []domain.CustomerProducerInvoice, error) {
		loads++
		return domain.OrderCycle{ID: 5}, rows(), nil
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := engine.Summary(ctx, 5, load); err != nil {
			t.Fatalf("summary: %v", err)
		}
	}
	if loads != 1 {
		t.Fatalf("expected one load, got %d", loads)
	}
	engine.Invalidate(ctx, events.New(events.StatusChanged, 5, domain.StatusClosed))
	if _, err := engine.Summary(ctx, 5, load); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if loads != 2 {
		t.Fatalf("expected a reload after invalidation, got %d", loads)
	}
}
