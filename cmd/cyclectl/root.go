package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"coopcycle/backend/internal/app"
	"coopcycle/backend/internal/config"
	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/httpapi"
	"coopcycle/backend/internal/service"
)

const dateLayout = "2006-01-02"

type cli struct {
	cfg     config.Config
	actor   string
	timeout time.Duration
	// build is swapped in tests.
	build func(ctx context.Context, cfg config.Config, opts app.Options) (*app.App, error)
}

func newRootCmd(cfg config.Config) *cobra.Command {
	return (&cli{cfg: cfg, build: app.Build}).command()
}

func (c *cli) command() *cobra.Command {
	root := &cobra.Command{
		Use:   "cyclectl",
		Short: "Drive order cycles from scripts and schedulers",
		Long: `cyclectl runs order-cycle lifecycle operations against the configured
database, the same way the HTTP API does. Results are printed as JSON.

Environment variables are read from .env when present (DATABASE_URL,
REDIS_ADDR, MANAGE_ACCOUNTING, MEMBERSHIP_FEE, ...).`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.actor, "as", "cyclectl", "Username recorded as the acting admin")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 2*time.Minute, "Deadline for the whole command")

	root.AddCommand(
		c.advanceCmd(),
		c.cycleCmd("open", "Snapshot the catalog and open orders", func(ctx context.Context, svc *service.Service, id int64) (any, error) {
			return svc.OpenOrders(ctx, id)
		}),
		c.closeCmd(),
		c.sendCmd(),
		c.recalculateCmd(),
		c.invoiceCmd(),
		c.cycleCmd("cancel-invoice", "Roll back the last invoiced cycle", func(ctx context.Context, svc *service.Service, id int64) (any, error) {
			return svc.CancelInvoice(ctx, id)
		}),
		c.cycleCmd("cancel-delivery", "Cancel a sent cycle without invoicing it", func(ctx context.Context, svc *service.Service, id int64) (any, error) {
			return svc.CancelDelivery(ctx, id)
		}),
		c.cycleCmd("archive", "Archive a cycle", func(ctx context.Context, svc *service.Service, id int64) (any, error) {
			return svc.Archive(ctx, id)
		}),
		c.duplicateCmd(),
		c.migrateCmd(),
		c.createUserCmd(),
	)
	return root
}

// run builds the application, calls fn as an admin actor and prints its result.
func (c *cli) run(cmd *cobra.Command, opts app.Options, fn func(ctx context.Context, a *app.App) (any, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()

	a, err := c.build(ctx, c.cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx = service.WithActor(ctx, domain.Actor{Username: c.actor, Role: domain.RoleAdmin})
	result, err := fn(ctx, a)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func (c *cli) cycleCmd(use, short string, fn func(ctx context.Context, svc *service.Service, id int64) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <cycle-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) (any, error) {
				return fn(ctx, a.Service, id)
			})
		},
	}
}

func (c *cli) advanceCmd() *cobra.Command {
	var (
		from, to    string
		scope       scopeFlags
		paymentDate string
	)
	cmd := &cobra.Command{
		Use:   "advance <cycle-id>",
		Short: "Move a cycle, or part of it, from one status to another",
		Example: `  cyclectl advance 12 --from OPENED --to CLOSED --producer 3
  cyclectl advance 12 --from SEND,WAIT_FOR_SEND --to INVOICED --payment-date 2026-10-16`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req := domain.AdvanceRequest{Scope: scope.scope()}
			if req.From, err = parseStatuses(from); err != nil {
				return err
			}
			if req.To, err = domain.ParseStatus(to); err != nil {
				return err
			}
			if paymentDate != "" {
				date, err := time.Parse(dateLayout, paymentDate)
				if err != nil {
					return fmt.Errorf("invalid payment date, use YYYY-MM-DD: %w", err)
				}
				req.PaymentDate = &date
			}
			return c.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) (any, error) {
				return a.Service.Advance(ctx, id, req)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Comma separated statuses the cycle may start from")
	cmd.Flags().StringVar(&to, "to", "", "Target status")
	cmd.Flags().StringVar(&paymentDate, "payment-date", "", "Payment date stamped on the cycle (YYYY-MM-DD)")
	scope.register(cmd)
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (c *cli) closeCmd() *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "close <cycle-id>",
		Short: "Close orders, rounding replenished items to whole batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) (any, error) {
				return a.Service.CloseOrders(ctx, id, domain.CloseOrderRequest{Scope: scope.scope()})
			})
		},
	}
	scope.register(cmd)
	return cmd
}

func (c *cli) sendCmd() *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "send <cycle-id>",
		Short: "Send closed orders to producers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) (any, error) {
				return a.Service.SendToProducers(ctx, id, domain.SendRequest{Scope: scope.scope()})
			})
		},
	}
	scope.register(cmd)
	return cmd
}

func (c *cli) recalculateCmd() *cobra.Command {
	var (
		offerItems     string
		reInit         bool
		sendToProducer bool
	)
	cmd := &cobra.Command{
		Use:   "recalculate <cycle-id>",
		Short: "Recompute purchase, invoice and cycle totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ids, err := parseIDs(offerItems)
			if err != nil {
				return err
			}
			req := domain.RecalculateRequest{OfferItemIDs: ids, ReInit: reInit, SendToProducer: sendToProducer}
			return c.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) (any, error) {
				return a.Service.RecalculateOrderAmount(ctx, id, req)
			})
		},
	}
	cmd.Flags().StringVar(&offerItems, "offer-item", "", "Comma separated offer item ids, default all")
	cmd.Flags().BoolVar(&reInit, "re-init", false, "Re-snapshot prices from the catalog first")
	cmd.Flags().BoolVar(&sendToProducer, "send-to-producer", false, "Apply the send-time price freeze")
	return cmd
}

func (c *cli) invoiceCmd() *cobra.Command {
	var (
		paymentDate string
		unpaid      string
	)
	cmd := &cobra.Command{
		Use:   "invoice <cycle-id>",
		Short: "Settle a sent cycle against the bank ledger",
		Example: `  cyclectl invoice 12 --payment-date 2026-10-16
  cyclectl invoice 12 --unpaid 3,5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req := domain.InvoiceRequest{PaymentDate: time.Now().UTC().Truncate(24 * time.Hour)}
			if paymentDate != "" {
				if req.PaymentDate, err = time.Parse(dateLayout, paymentDate); err != nil {
					return fmt.Errorf("invalid payment date, use YYYY-MM-DD: %w", err)
				}
			}
			producerIDs, err := parseIDs(unpaid)
			if err != nil {
				return err
			}
			for _, producerID := range producerIDs {
				req.Producers = append(req.Producers, domain.ProducerSettlement{ProducerID: producerID, ToBePaid: false})
			}
			return c.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) (any, error) {
				return a.Service.Invoice(ctx, id, req)
			})
		},
	}
	cmd.Flags().StringVar(&paymentDate, "payment-date", "", "Payment date (YYYY-MM-DD), default today")
	cmd.Flags().StringVar(&unpaid, "unpaid", "", "Comma separated producer ids left unpaid and moved to a child cycle")
	return cmd
}

func (c *cli) duplicateCmd() *cobra.Command {
	var (
		dates  string
		weekly int
	)
	cmd := &cobra.Command{
		Use:   "duplicate <cycle-id>",
		Short: "Copy a cycle onto other dates",
		Example: `  cyclectl duplicate 12 --dates 2026-10-23,2026-10-30
  cyclectl duplicate 12 --weekly 8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var req domain.DuplicateRequest
			for _, raw := range splitList(dates) {
				date, err := time.Parse(dateLayout, raw)
				if err != nil {
					return fmt.Errorf("invalid date %q, use YYYY-MM-DD: %w", raw, err)
				}
				req.Dates = append(req.Dates, date)
			}
			return c.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) (any, error) {
				if weekly > 0 {
					detail, err := a.Service.GetCycle(ctx, id)
					if err != nil {
						return nil, err
					}
					req.Dates = append(req.Dates, weeklyDates(detail.Cycle.Date, weekly)...)
				}
				return a.Service.Duplicate(ctx, id, req)
			})
		},
	}
	cmd.Flags().StringVar(&dates, "dates", "", "Comma separated target dates (YYYY-MM-DD)")
	cmd.Flags().IntVar(&weekly, "weekly", 0, "Also copy onto this many following weeks")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, app.Options{Migrate: true, RequireDatabase: true}, func(ctx context.Context, a *app.App) (any, error) {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil, nil
			})
		},
	}
}

func (c *cli) createUserCmd() *cobra.Command {
	var req domain.CreateUserRequest
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a staff or admin login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, app.Options{}, func(ctx context.Context, a *app.App) (any, error) {
				auth := httpapi.NewAuthManager(ctx, c.cfg.AuthSecret, 0, a.Repo)
				return auth.CreateUser(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&req.Username, "username", "", "Login name")
	cmd.Flags().StringVar(&req.Password, "password", "", "Initial password")
	cmd.Flags().StringVar(&req.Role, "role", domain.RoleStaff, "staff or admin")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

type scopeFlags struct {
	producers string
	boards    string
	parsed    domain.Scope
}

func (s *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.producers, "producer", "", "Limit to these producer ids (comma separated)")
	cmd.Flags().StringVar(&s.boards, "board", "", "Limit to these delivery board ids (comma separated)")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		if s.parsed.ProducerIDs, err = parseIDs(s.producers); err != nil {
			return err
		}
		s.parsed.DeliveryBoardIDs, err = parseIDs(s.boards)
		return err
	}
}

func (s *scopeFlags) scope() domain.Scope {
	return s.parsed
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range splitList(raw) {
		id, err := parseID(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseStatuses(raw string) ([]domain.Status, error) {
	var statuses []domain.Status
	for _, part := range splitList(raw) {
		status, err := domain.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func weeklyDates(from time.Time, weeks int) []time.Time {
	dates := make([]time.Time, 0, weeks)
	for i := 1; i <= weeks; i++ {
		dates = append(dates, from.AddDate(0, 0, 7*i))
	}
	return dates
}
