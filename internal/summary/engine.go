// Package summary builds the per-producer and per-customer billing breakdown
// of a cycle from its customer/producer rollups and keeps it cached until the
// next event about that cycle.
package summary

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"coopcycle/backend/internal/cache"
	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/events"
	"coopcycle/backend/internal/logging"
	"coopcycle/backend/internal/money"
)

type Loader func(ctx context.Context) (domain.OrderCycle, []domain.CustomerProducerInvoice, error)

type Engine struct {
	cache    cache.SummaryCache
	cacheTTL time.Duration
	log      zerolog.Logger
}

func NewEngine(cacheStore cache.SummaryCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopSummaryCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Engine{
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		log:      logging.WithComponent("summary"),
	}
}

// Summary returns the cached breakdown or builds it with load.
func (e *Engine) Summary(ctx context.Context, cycleID int64, load Loader) (domain.CycleSummary, error) {
	key := cache.SummaryKey(cycleID)
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		e.log.Warn().Err(err).Int64("cycle_id", cycleID).Msg("summary cache read failed")
	}

	cycle, rows, err := load(ctx)
	if err != nil {
		return domain.CycleSummary{}, err
	}
	result := Build(cycle, rows)
	if err := e.cache.Set(ctx, key, &result, e.cacheTTL); err != nil {
		e.log.Warn().Err(err).Int64("cycle_id", cycleID).Msg("summary cache write failed")
	}
	return result, nil
}

// Invalidate is subscribed to the cycle event bus.
func (e *Engine) Invalidate(ctx context.Context, event events.Event) {
	if err := e.cache.Delete(ctx, cache.SummaryKey(event.CycleID)); err != nil {
		e.log.Warn().Err(err).Int64("cycle_id", event.CycleID).Str("event", string(event.Type)).Msg("summary cache delete failed")
	}
}

func Build(cycle domain.OrderCycle, rows []domain.CustomerProducerInvoice) domain.CycleSummary {
	producers := make(map[int64]*domain.ProducerSummary)
	customers := make(map[int64]*domain.CustomerSummary)
	result := domain.CycleSummary{
		CycleID:  cycle.ID,
		Status:   cycle.Status,
		Purchase: money.Zero,
		Selling:  money.Zero,
		BuiltAt:  time.Now().UTC(),
	}

	for _, row := range rows {
		if row.TotalPurchaseWithTax.IsZero() && row.TotalSellingWithTax.IsZero() {
			continue
		}
		p, ok := producers[row.ProducerID]
		if !ok {
			p = &domain.ProducerSummary{ProducerID: row.ProducerID, Purchase: money.Zero, Selling: money.Zero}
			producers[row.ProducerID] = p
		}
		p.Purchase = p.Purchase.Add(row.TotalPurchaseWithTax)
		p.Selling = p.Selling.Add(row.TotalSellingWithTax)
		p.Customers++

		c, ok := customers[row.CustomerID]
		if !ok {
			c = &domain.CustomerSummary{CustomerID: row.CustomerID, Selling: money.Zero}
			customers[row.CustomerID] = c
		}
		c.Selling = c.Selling.Add(row.TotalSellingWithTax)
		c.Producers++

		result.Purchase = result.Purchase.Add(row.TotalPurchaseWithTax)
		result.Selling = result.Selling.Add(row.TotalSellingWithTax)
	}

	result.Producers = make([]domain.ProducerSummary, 0, len(producers))
	for _, p := range producers {
		result.Producers = append(result.Producers, *p)
	}
	sort.Slice(result.Producers, func(i, j int) bool {
		return result.Producers[i].ProducerID < result.Producers[j].ProducerID
	})
	result.Customers = make([]domain.CustomerSummary, 0, len(customers))
	for _, c := range customers {
		result.Customers = append(result.Customers, *c)
	}
	sort.Slice(result.Customers, func(i, j int) bool {
		return result.Customers[i].CustomerID < result.Customers[j].CustomerID
	})
	return result
}
