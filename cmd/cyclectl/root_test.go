package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"coopcycle/backend/internal/app"
	"coopcycle/backend/internal/config"
	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/service"
)

// sharedApp keeps one in-memory application alive across several commands.
func sharedApp(t *testing.T) (*cli, *app.App) {
	t.Helper()
	cfg := config.Config{Settings: config.Settings{ManageAccounting: true}}
	a, err := app.Build(context.Background(), cfg, app.Options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	c := &cli{
		cfg: cfg,
		build: func(context.Context, config.Config, app.Options) (*app.App, error) {
			return a, nil
		},
	}
	return c, a
}

func execute(t *testing.T, c *cli, args ...string) (string, error) {
	t.Helper()
	root := c.command()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestLifecycleCommands(t *testing.T) {
	c, a := sharedApp(t)
	ctx := service.WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})

	producers, err := a.Service.ListProducers(ctx)
	if err != nil {
		t.Fatalf("list producers: %v", err)
	}
	var bakery int64
	for _, p := range producers {
		if p.ShortName == "Bakery" {
			bakery = p.ID
		}
	}
	created, err := a.Service.CreateCycle(ctx, domain.CreateCycleRequest{
		ShortName:   "Bread run",
		Date:        time.Now().UTC().Truncate(24 * time.Hour),
		ProducerIDs: []int64{bakery},
	})
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	id := strconv.FormatInt(created.Cycle.ID, 10)

	for _, step := range []string{"open", "close", "send"} {
		if _, err := execute(t, c, step, id); err != nil {
			t.Fatalf("%s: %v", step, err)
		}
	}

	out, err := execute(t, c, "invoice", id, "--as", "treasurer")
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	var settled domain.SettlementResult
	if err := json.Unmarshal([]byte(out), &settled); err != nil {
		t.Fatalf("decode invoice output: %v (%s)", err, out)
	}
	if settled.Cycle.Status != domain.StatusInvoiced {
		t.Fatalf("expected INVOICED, got %s", settled.Cycle.Status)
	}

	if _, err := execute(t, c, "archive", id); err == nil {
		t.Fatalf("expected archive of an invoiced cycle to fail")
	}

	out, err = execute(t, c, "duplicate", id, "--weekly", "2")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	var duplicated domain.DuplicateResult
	if err := json.Unmarshal([]byte(out), &duplicated); err != nil {
		t.Fatalf("decode duplicate output: %v", err)
	}
	if duplicated.Created != 2 {
		t.Fatalf("expected 2 copies, got %d", duplicated.Created)
	}
}

func TestAdvanceRejectsUnknownStatus(t *testing.T) {
	c, _ := sharedApp(t)
	_, err := execute(t, c, "advance", "1", "--from", "OPENED", "--to", "SHIPPED")
	if err == nil || !strings.Contains(err.Error(), "SHIPPED") {
		t.Fatalf("expected unknown status error, got %v", err)
	}
}

func TestMigrateRequiresDatabase(t *testing.T) {
	c := newRootCmd(config.Config{})
	c.SetArgs([]string{"migrate"})
	c.SetOut(&bytes.Buffer{})
	c.SetErr(&bytes.Buffer{})
	if err := c.Execute(); err == nil {
		t.Fatalf("expected migrate to refuse the in-memory store")
	}
}

func TestParseHelpers(t *testing.T) {
	ids, err := parseIDs(" 3, 5 ,,8")
	if err != nil || len(ids) != 3 || ids[2] != 8 {
		t.Fatalf("unexpected ids %v (%v)", ids, err)
	}
	if _, err := parseIDs("3,-1"); err == nil {
		t.Fatalf("expected negative id to be rejected")
	}
	start := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	dates := weeklyDates(start, 3)
	if len(dates) != 3 || !dates[2].Equal(start.AddDate(0, 0, 21)) {
		t.Fatalf("unexpected weekly dates %v", dates)
	}
}
