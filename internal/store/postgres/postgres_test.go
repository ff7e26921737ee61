package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("COOPCYCLE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set COOPCYCLE_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate twice: %v", err)
	}
	return s
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	name := fmt.Sprintf("rb-%d", time.Now().UnixNano()%1_000_000_000)
	boom := errors.New("boom")

	var createdID int64
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		created, err := tx.CreateProducer(ctx, domain.Producer{
			ShortName:       name,
			PriceMultiplier: decimal.NewFromInt(1),
			Active:          true,
			DateBalance:     time.Now(),
		})
		if err != nil {
			return err
		}
		createdID = created.ID
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetProducer(ctx, createdID, false)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected rolled back producer to be gone, got %v", err)
	}
}

func TestSingleLatestTotal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var existing []domain.BankEntry
	err := s.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		existing, err = tx.ListBankEntries(ctx, store.BankEntryFilter{
			Statuses:  []domain.BankStatus{domain.BankLatestTotal},
			ForUpdate: true,
		})
		if err != nil || len(existing) > 0 {
			return err
		}
		_, err = tx.CreateBankEntry(ctx, domain.BankEntry{
			OperationDate: time.Now(),
			Status:        domain.BankLatestTotal,
			Comment:       "Opening balance",
			AmountIn:      decimal.Zero,
			AmountOut:     decimal.Zero,
		})
		return err
	})
	if err != nil {
		t.Fatalf("ensure latest total: %v", err)
	}

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.CreateBankEntry(ctx, domain.BankEntry{
			OperationDate: time.Now(),
			Status:        domain.BankLatestTotal,
			AmountIn:      decimal.NewFromInt(1),
			AmountOut:     decimal.Zero,
		})
		return err
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on a second latest total, got %v", err)
	}
}

func TestCycleRoundTripKeepsProducers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano() % 1_000_000_000

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		first, err := tx.CreateProducer(ctx, domain.Producer{ShortName: fmt.Sprintf("a-%d", stamp), PriceMultiplier: decimal.NewFromInt(1), DateBalance: time.Now()})
		if err != nil {
			return err
		}
		second, err := tx.CreateProducer(ctx, domain.Producer{ShortName: fmt.Sprintf("b-%d", stamp), PriceMultiplier: decimal.NewFromInt(1), DateBalance: time.Now()})
		if err != nil {
			return err
		}
		cycle, err := tx.CreateCycle(ctx, domain.OrderCycle{
			ShortName:     "Round trip",
			Date:          time.Now(),
			Status:        domain.StatusPlanned,
			HighestStatus: domain.StatusPlanned,
			ProducerIDs:   []int64{first.ID, second.ID},
			UpdatedOn:     time.Now(),
		})
		if err != nil {
			return err
		}

		cycle.Status = domain.StatusOpened
		cycle.HighestStatus = domain.StatusOpened
		cycle.ProducerIDs = []int64{second.ID}
		if err := tx.UpdateCycle(ctx, *cycle); err != nil {
			return err
		}
		loaded, err := tx.GetCycle(ctx, cycle.ID, true)
		if err != nil {
			return err
		}
		if loaded.Status != domain.StatusOpened {
			t.Errorf("expected OPENED, got %s", loaded.Status)
		}
		if len(loaded.ProducerIDs) != 1 || loaded.ProducerIDs[0] != second.ID {
			t.Errorf("expected producers [%d], got %v", second.ID, loaded.ProducerIDs)
		}
		if loaded.MasterID != nil || loaded.PaymentDate != nil {
			t.Errorf("expected no master and no payment date, got %+v", loaded)
		}
		return errors.New("rollback")
	})
	if err == nil || err.Error() != "rollback" {
		t.Fatalf("round trip: %v", err)
	}
}
