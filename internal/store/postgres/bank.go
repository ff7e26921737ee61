package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/store"
)

const bankEntryColumns = `id, operation_date, status, comment, amount_in, amount_out,
	producer_id, customer_id, cycle_id, producer_invoice_id, customer_invoice_id`

func scanBankEntry(row rowScanner) (domain.BankEntry, error) {
	var (
		b                                domain.BankEntry
		producer, customer, cycle        sql.NullInt64
		producerInvoice, customerInvoice sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.OperationDate, &b.Status, &b.Comment, &b.AmountIn, &b.AmountOut,
		&producer, &customer, &cycle, &producerInvoice, &customerInvoice)
	b.OperationDate = b.OperationDate.UTC()
	b.ProducerID = idPtr(producer)
	b.CustomerID = idPtr(customer)
	b.CycleID = idPtr(cycle)
	b.ProducerInvoiceID = idPtr(producerInvoice)
	b.CustomerInvoiceID = idPtr(customerInvoice)
	return b, err
}

func (t *pgTx) ListBankEntries(ctx context.Context, filter store.BankEntryFilter) ([]domain.BankEntry, error) {
	var c conditions
	c.anyOf("id", filter.IDs)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		c.add("status = ANY(" + c.arg(statuses) + ")")
	}
	if filter.CycleID != nil {
		c.eq("cycle_id", *filter.CycleID)
	}
	if filter.CustomerID != nil {
		c.eq("customer_id", *filter.CustomerID)
	}
	if filter.ProducerID != nil {
		c.eq("producer_id", *filter.ProducerID)
	}
	c.anyOf("customer_invoice_id", filter.CustomerInvoiceIDs)
	c.anyOf("producer_invoice_id", filter.ProducerInvoiceIDs)
	if filter.HasCustomer {
		c.add("customer_id IS NOT NULL")
	}
	if filter.HasProducer {
		c.add("producer_id IS NOT NULL")
	}
	if filter.NoParty {
		c.add("customer_id IS NULL AND producer_id IS NULL")
	}
	if filter.Unlinked {
		c.add("customer_invoice_id IS NULL AND producer_invoice_id IS NULL")
	}
	if filter.OnOrBefore != nil {
		c.add("operation_date <= " + c.arg(nowDateUTC(*filter.OnOrBefore)))
	}
	return queryList(ctx, t.tx, scanBankEntry,
		`SELECT `+bankEntryColumns+` FROM bank_entries`+c.where()+tail(filter.Descending, filter.Limit, filter.ForUpdate), c.args...)
}

func (t *pgTx) CreateBankEntry(ctx context.Context, b domain.BankEntry) (*domain.BankEntry, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO bank_entries (operation_date, status, comment, amount_in, amount_out,
			producer_id, customer_id, cycle_id, producer_invoice_id, customer_invoice_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`, nowDateUTC(b.OperationDate), string(b.Status), b.Comment, b.AmountIn, b.AmountOut,
		nullID(b.ProducerID), nullID(b.CustomerID), nullID(b.CycleID), nullID(b.ProducerInvoiceID), nullID(b.CustomerInvoiceID),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) && b.Status == domain.BankLatestTotal {
			return nil, fmt.Errorf("%w: a latest bank total already exists", store.ErrConflict)
		}
		return nil, mapError(err)
	}
	b.ID = id
	return &b, nil
}

func (t *pgTx) UpdateBankEntry(ctx context.Context, b domain.BankEntry) error {
	return execOne(ctx, t.tx, `
		UPDATE bank_entries
		SET operation_date = $2, status = $3, comment = $4, amount_in = $5, amount_out = $6,
			producer_id = $7, customer_id = $8, cycle_id = $9, producer_invoice_id = $10, customer_invoice_id = $11
		WHERE id = $1
	`, b.ID, nowDateUTC(b.OperationDate), string(b.Status), b.Comment, b.AmountIn, b.AmountOut,
		nullID(b.ProducerID), nullID(b.CustomerID), nullID(b.CycleID), nullID(b.ProducerInvoiceID), nullID(b.CustomerInvoiceID))
}

func (t *pgTx) DeleteBankEntries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `DELETE FROM bank_entries WHERE id = ANY($1)`, ids)
	return mapError(err)
}
