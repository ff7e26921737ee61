package cache

import (
	"context"
	"fmt"
	"time"

	"coopcycle/backend/internal/domain"
)

type SummaryCache interface {
	Get(ctx context.Context, key string) (*domain.CycleSummary, bool, error)
	Set(ctx context.Context, key string, value *domain.CycleSummary, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func SummaryKey(cycleID int64) string {
	return fmt.Sprintf("summary:cycle:%d", cycleID)
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.CycleSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.CycleSummary, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Delete(_ context.Context, _ string) error {
	return nil
}
