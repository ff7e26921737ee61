package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalLockerIsExclusive(t *testing.T) {
	locker := NewLocalLocker(20 * time.Millisecond)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "bank:latest-total")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "bank:latest-total"); !errors.Is(err, ErrNotObtained) {
		t.Fatalf("expected ErrNotObtained while held, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "other"); err != nil {
		t.Fatalf("other keys must stay free: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := locker.Acquire(ctx, "bank:latest-total")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = again.Release(ctx)
}

func TestLocalLockerWaitsForRelease(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = lease.Release(ctx)
	}()
	second, err := locker.Acquire(ctx, "k")
	if err != nil {
		t.Fatalf("expected to obtain the lock after release, got %v", err)
	}
	_ = second.Release(ctx)
}
