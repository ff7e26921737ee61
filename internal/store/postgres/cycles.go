package postgres

import (
	"context"
	"database/sql"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/store"
)

const cycleColumns = `id, short_name, date, status, highest_status, master_id, payment_date, invoice_sort_order,
	total_purchase_with_tax, total_selling_with_tax, total_purchase_vat, total_selling_vat,
	with_delivery_point, updated_on`

func scanCycle(row rowScanner) (domain.OrderCycle, error) {
	var (
		c         domain.OrderCycle
		master    sql.NullInt64
		payment   sql.NullTime
		sortOrder sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.ShortName, &c.Date, &c.Status, &c.HighestStatus, &master, &payment, &sortOrder,
		&c.TotalPurchaseWithTax, &c.TotalSellingWithTax, &c.TotalPurchaseVAT, &c.TotalSellingVAT,
		&c.WithDeliveryPoint, &c.UpdatedOn)
	c.Date = c.Date.UTC()
	c.UpdatedOn = c.UpdatedOn.UTC()
	c.MasterID = idPtr(master)
	c.PaymentDate = datePtr(payment)
	c.InvoiceSortOrder = idPtr(sortOrder)
	return c, err
}

func (t *pgTx) GetCycle(ctx context.Context, id int64, forUpdate bool) (*domain.OrderCycle, error) {
	cycle, err := queryOne(ctx, t.tx, scanCycle,
		`SELECT `+cycleColumns+` FROM order_cycles WHERE id = $1`+lockClause(forUpdate), id)
	if err != nil {
		return nil, err
	}
	cycles := []domain.OrderCycle{*cycle}
	if err := t.loadCycleProducers(ctx, cycles); err != nil {
		return nil, err
	}
	return &cycles[0], nil
}

func (t *pgTx) ListCycles(ctx context.Context, filter store.CycleFilter) ([]domain.OrderCycle, error) {
	var c conditions
	c.anyOf("status", statusCodes(filter.Statuses))
	if filter.Date != nil {
		c.eq("date", nowDateUTC(*filter.Date))
	}
	if filter.ShortName != nil {
		c.eq("short_name", *filter.ShortName)
	}
	if filter.MasterID != nil {
		c.eq("master_id", *filter.MasterID)
	}
	cycles, err := queryList(ctx, t.tx, scanCycle,
		`SELECT `+cycleColumns+` FROM order_cycles`+c.where()+tail(false, filter.Limit, false), c.args...)
	if err != nil {
		return nil, err
	}
	if err := t.loadCycleProducers(ctx, cycles); err != nil {
		return nil, err
	}
	return cycles, nil
}

func (t *pgTx) loadCycleProducers(ctx context.Context, cycles []domain.OrderCycle) error {
	if len(cycles) == 0 {
		return nil
	}
	index := make(map[int64]int, len(cycles))
	ids := make([]int64, 0, len(cycles))
	for i := range cycles {
		cycles[i].ProducerIDs = []int64{}
		index[cycles[i].ID] = i
		ids = append(ids, cycles[i].ID)
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT cycle_id, producer_id
		FROM cycle_producers
		WHERE cycle_id = ANY($1)
		ORDER BY cycle_id, producer_id
	`, ids)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var cycleID, producerID int64
		if err := rows.Scan(&cycleID, &producerID); err != nil {
			return err
		}
		i := index[cycleID]
		cycles[i].ProducerIDs = append(cycles[i].ProducerIDs, producerID)
	}
	return rows.Err()
}

func (t *pgTx) CreateCycle(ctx context.Context, c domain.OrderCycle) (*domain.OrderCycle, error) {
	id, err := insertID(ctx, t.tx, `
		INSERT INTO order_cycles (short_name, date, status, highest_status, master_id, payment_date, invoice_sort_order,
			total_purchase_with_tax, total_selling_with_tax, total_purchase_vat, total_selling_vat,
			with_delivery_point, updated_on)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id
	`, c.ShortName, nowDateUTC(c.Date), int(c.Status), int(c.HighestStatus), nullID(c.MasterID), nullDate(c.PaymentDate),
		nullID(c.InvoiceSortOrder), c.TotalPurchaseWithTax, c.TotalSellingWithTax, c.TotalPurchaseVAT, c.TotalSellingVAT,
		c.WithDeliveryPoint, c.UpdatedOn)
	if err != nil {
		return nil, err
	}
	c.ID = id
	if err := t.replaceCycleProducers(ctx, c.ID, c.ProducerIDs); err != nil {
		return nil, err
	}
	if c.ProducerIDs == nil {
		c.ProducerIDs = []int64{}
	}
	return &c, nil
}

func (t *pgTx) UpdateCycle(ctx context.Context, c domain.OrderCycle) error {
	err := execOne(ctx, t.tx, `
		UPDATE order_cycles
		SET short_name = $2, date = $3, status = $4, highest_status = $5, master_id = $6, payment_date = $7,
			invoice_sort_order = $8, total_purchase_with_tax = $9, total_selling_with_tax = $10,
			total_purchase_vat = $11, total_selling_vat = $12, with_delivery_point = $13, updated_on = $14
		WHERE id = $1
	`, c.ID, c.ShortName, nowDateUTC(c.Date), int(c.Status), int(c.HighestStatus), nullID(c.MasterID), nullDate(c.PaymentDate),
		nullID(c.InvoiceSortOrder), c.TotalPurchaseWithTax, c.TotalSellingWithTax,
		c.TotalPurchaseVAT, c.TotalSellingVAT, c.WithDeliveryPoint, c.UpdatedOn)
	if err != nil {
		return err
	}
	return t.replaceCycleProducers(ctx, c.ID, c.ProducerIDs)
}

func (t *pgTx) replaceCycleProducers(ctx context.Context, cycleID int64, producerIDs []int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM cycle_producers WHERE cycle_id = $1`, cycleID); err != nil {
		return mapError(err)
	}
	if len(producerIDs) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cycle_producers (cycle_id, producer_id)
		SELECT $1, producer_id FROM unnest($2::bigint[]) AS producer_id
		ON CONFLICT DO NOTHING
	`, cycleID, producerIDs)
	return mapError(err)
}

func scanDeliveryBoard(row rowScanner) (domain.DeliveryBoard, error) {
	var b domain.DeliveryBoard
	err := row.Scan(&b.ID, &b.CycleID, &b.DeliveryPointID, &b.Comment, &b.Status)
	return b, err
}

func (t *pgTx) ListDeliveryBoards(ctx context.Context, filter store.DeliveryBoardFilter) ([]domain.DeliveryBoard, error) {
	var c conditions
	c.eq("cycle_id", filter.CycleID)
	c.anyOf("id", filter.IDs)
	return queryList(ctx, t.tx, scanDeliveryBoard, `
		SELECT id, cycle_id, delivery_point_id, comment, status
		FROM delivery_boards`+c.where()+tail(false, 0, filter.ForUpdate), c.args...)
}

func (t *pgTx) CreateDeliveryBoard(ctx context.Context, b domain.DeliveryBoard) (*domain.DeliveryBoard, error) {
	id, err := insertID(ctx, t.tx, `
		INSERT INTO delivery_boards (cycle_id, delivery_point_id, comment, status)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, b.CycleID, b.DeliveryPointID, b.Comment, int(b.Status))
	if err != nil {
		return nil, err
	}
	b.ID = id
	return &b, nil
}

func (t *pgTx) UpdateDeliveryBoard(ctx context.Context, b domain.DeliveryBoard) error {
	return execOne(ctx, t.tx, `
		UPDATE delivery_boards SET delivery_point_id = $2, comment = $3, status = $4 WHERE id = $1
	`, b.ID, b.DeliveryPointID, b.Comment, int(b.Status))
}

const producerInvoiceColumns = `id, cycle_id, producer_id, status, to_be_paid, to_be_invoiced_balance, invoice_reference,
	total_price_with_tax, total_vat, total_deposit, delta_price_with_tax, delta_vat, delta_transport, delta_deposit,
	delta_stock_with_tax, delta_stock_vat, delta_stock_deposit, bank_amount_in, bank_amount_out,
	balance, date_balance, previous_balance, date_previous_balance, invoice_sort_order`

func scanProducerInvoice(row rowScanner) (domain.ProducerInvoice, error) {
	var (
		p         domain.ProducerInvoice
		sortOrder sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.CycleID, &p.ProducerID, &p.Status, &p.ToBePaid, &p.ToBeInvoicedBalance, &p.InvoiceReference,
		&p.TotalPriceWithTax, &p.TotalVAT, &p.TotalDeposit, &p.DeltaPriceWithTax, &p.DeltaVAT, &p.DeltaTransport, &p.DeltaDeposit,
		&p.DeltaStockWithTax, &p.DeltaStockVAT, &p.DeltaStockDeposit, &p.BankAmountIn, &p.BankAmountOut,
		&p.Balance, &p.DateBalance, &p.PreviousBalance, &p.DatePreviousBalance, &sortOrder)
	p.DateBalance = p.DateBalance.UTC()
	p.DatePreviousBalance = p.DatePreviousBalance.UTC()
	p.InvoiceSortOrder = idPtr(sortOrder)
	return p, err
}

func (t *pgTx) ListProducerInvoices(ctx context.Context, filter store.ProducerInvoiceFilter) ([]domain.ProducerInvoice, error) {
	var c conditions
	c.eq("cycle_id", filter.CycleID)
	c.anyOf("producer_id", filter.ProducerIDs)
	return queryList(ctx, t.tx, scanProducerInvoice,
		`SELECT `+producerInvoiceColumns+` FROM producer_invoices`+c.where()+tail(false, 0, filter.ForUpdate), c.args...)
}

func (t *pgTx) CreateProducerInvoice(ctx context.Context, p domain.ProducerInvoice) (*domain.ProducerInvoice, error) {
	id, err := insertID(ctx, t.tx, `
		INSERT INTO producer_invoices (cycle_id, producer_id, status, to_be_paid, to_be_invoiced_balance, invoice_reference,
			total_price_with_tax, total_vat, total_deposit, delta_price_with_tax, delta_vat, delta_transport, delta_deposit,
			delta_stock_with_tax, delta_stock_vat, delta_stock_deposit, bank_amount_in, bank_amount_out,
			balance, date_balance, previous_balance, date_previous_balance, invoice_sort_order)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		RETURNING id
	`, p.CycleID, p.ProducerID, int(p.Status), p.ToBePaid, p.ToBeInvoicedBalance, p.InvoiceReference,
		p.TotalPriceWithTax, p.TotalVAT, p.TotalDeposit, p.DeltaPriceWithTax, p.DeltaVAT, p.DeltaTransport, p.DeltaDeposit,
		p.DeltaStockWithTax, p.DeltaStockVAT, p.DeltaStockDeposit, p.BankAmountIn, p.BankAmountOut,
		p.Balance, nowDateUTC(p.DateBalance), p.PreviousBalance, nowDateUTC(p.DatePreviousBalance), nullID(p.InvoiceSortOrder))
	if err != nil {
		return nil, err
	}
	p.ID = id
	return &p, nil
}

func (t *pgTx) UpdateProducerInvoice(ctx context.Context, p domain.ProducerInvoice) error {
	return execOne(ctx, t.tx, `
		UPDATE producer_invoices
		SET cycle_id = $2, producer_id = $3, status = $4, to_be_paid = $5, to_be_invoiced_balance = $6,
			invoice_reference = $7, total_price_with_tax = $8, total_vat = $9, total_deposit = $10,
			delta_price_with_tax = $11, delta_vat = $12, delta_transport = $13, delta_deposit = $14,
			delta_stock_with_tax = $15, delta_stock_vat = $16, delta_stock_deposit = $17,
			bank_amount_in = $18, bank_amount_out = $19, balance = $20, date_balance = $21,
			previous_balance = $22, date_previous_balance = $23, invoice_sort_order = $24
		WHERE id = $1
	`, p.ID, p.CycleID, p.ProducerID, int(p.Status), p.ToBePaid, p.ToBeInvoicedBalance,
		p.InvoiceReference, p.TotalPriceWithTax, p.TotalVAT, p.TotalDeposit,
		p.DeltaPriceWithTax, p.DeltaVAT, p.DeltaTransport, p.DeltaDeposit,
		p.DeltaStockWithTax, p.DeltaStockVAT, p.DeltaStockDeposit,
		p.BankAmountIn, p.BankAmountOut, p.Balance, nowDateUTC(p.DateBalance),
		p.PreviousBalance, nowDateUTC(p.DatePreviousBalance), nullID(p.InvoiceSortOrder))
}

const customerInvoiceColumns = `id, cycle_id, customer_id, customer_charged_id, delivery_point_id, is_group,
	is_order_confirmed, status, price_multiplier, transport, min_transport, total_price_with_tax, total_vat,
	total_deposit, delta_price_with_tax, delta_vat, delta_transport, bank_amount_in, bank_amount_out,
	balance, date_balance, previous_balance, date_previous_balance, invoice_sort_order`

func scanCustomerInvoice(row rowScanner) (domain.CustomerInvoice, error) {
	var (
		c         domain.CustomerInvoice
		point     sql.NullInt64
		sortOrder sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.CycleID, &c.CustomerID, &c.CustomerChargedID, &point, &c.IsGroup,
		&c.IsOrderConfirmed, &c.Status, &c.PriceMultiplier, &c.Transport, &c.MinTransport, &c.TotalPriceWithTax, &c.TotalVAT,
		&c.TotalDeposit, &c.DeltaPriceWithTax, &c.DeltaVAT, &c.DeltaTransport, &c.BankAmountIn, &c.BankAmountOut,
		&c.Balance, &c.DateBalance, &c.PreviousBalance, &c.DatePreviousBalance, &sortOrder)
	c.DeliveryPointID = idPtr(point)
	c.DateBalance = c.DateBalance.UTC()
	c.DatePreviousBalance = c.DatePreviousBalance.UTC()
	c.InvoiceSortOrder = idPtr(sortOrder)
	return c, err
}

func (t *pgTx) ListCustomerInvoices(ctx context.Context, filter store.CustomerInvoiceFilter) ([]domain.CustomerInvoice, error) {
	var c conditions
	if filter.CycleID != 0 {
		c.eq("cycle_id", filter.CycleID)
	}
	c.anyOf("id", filter.IDs)
	c.anyOf("customer_id", filter.CustomerIDs)
	c.anyOf("delivery_point_id", filter.DeliveryPointIDs)
	return queryList(ctx, t.tx, scanCustomerInvoice,
		`SELECT `+customerInvoiceColumns+` FROM customer_invoices`+c.where()+tail(false, 0, filter.ForUpdate), c.args...)
}

func (t *pgTx) CreateCustomerInvoice(ctx context.Context, c domain.CustomerInvoice) (*domain.CustomerInvoice, error) {
	id, err := insertID(ctx, t.tx, `
		INSERT INTO customer_invoices (cycle_id, customer_id, customer_charged_id, delivery_point_id, is_group,
			is_order_confirmed, status, price_multiplier, transport, min_transport, total_price_with_tax, total_vat,
			total_deposit, delta_price_with_tax, delta_vat, delta_transport, bank_amount_in, bank_amount_out,
			balance, date_balance, previous_balance, date_previous_balance, invoice_sort_order)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		RETURNING id
	`, c.CycleID, c.CustomerID, c.CustomerChargedID, nullID(c.DeliveryPointID), c.IsGroup,
		c.IsOrderConfirmed, int(c.Status), c.PriceMultiplier, c.Transport, c.MinTransport, c.TotalPriceWithTax, c.TotalVAT,
		c.TotalDeposit, c.DeltaPriceWithTax, c.DeltaVAT, c.DeltaTransport, c.BankAmountIn, c.BankAmountOut,
		c.Balance, nowDateUTC(c.DateBalance), c.PreviousBalance, nowDateUTC(c.DatePreviousBalance), nullID(c.InvoiceSortOrder))
	if err != nil {
		return nil, err
	}
	c.ID = id
	return &c, nil
}

func (t *pgTx) UpdateCustomerInvoice(ctx context.Context, c domain.CustomerInvoice) error {
	return execOne(ctx, t.tx, `
		UPDATE customer_invoices
		SET cycle_id = $2, customer_id = $3, customer_charged_id = $4, delivery_point_id = $5, is_group = $6,
			is_order_confirmed = $7, status = $8, price_multiplier = $9, transport = $10, min_transport = $11,
			total_price_with_tax = $12, total_vat = $13, total_deposit = $14, delta_price_with_tax = $15,
			delta_vat = $16, delta_transport = $17, bank_amount_in = $18, bank_amount_out = $19,
			balance = $20, date_balance = $21, previous_balance = $22, date_previous_balance = $23,
			invoice_sort_order = $24
		WHERE id = $1
	`, c.ID, c.CycleID, c.CustomerID, c.CustomerChargedID, nullID(c.DeliveryPointID), c.IsGroup,
		c.IsOrderConfirmed, int(c.Status), c.PriceMultiplier, c.Transport, c.MinTransport,
		c.TotalPriceWithTax, c.TotalVAT, c.TotalDeposit, c.DeltaPriceWithTax,
		c.DeltaVAT, c.DeltaTransport, c.BankAmountIn, c.BankAmountOut,
		c.Balance, nowDateUTC(c.DateBalance), c.PreviousBalance, nowDateUTC(c.DatePreviousBalance),
		nullID(c.InvoiceSortOrder))
}

func scanCrossInvoice(row rowScanner) (domain.CustomerProducerInvoice, error) {
	var c domain.CustomerProducerInvoice
	err := row.Scan(&c.ID, &c.CycleID, &c.CustomerID, &c.ProducerID, &c.TotalPurchaseWithTax, &c.TotalSellingWithTax)
	return c, err
}

func (t *pgTx) ListCustomerProducerInvoices(ctx context.Context, filter store.CustomerProducerFilter) ([]domain.CustomerProducerInvoice, error) {
	var c conditions
	c.eq("cycle_id", filter.CycleID)
	c.anyOf("customer_id", filter.CustomerIDs)
	c.anyOf("producer_id", filter.ProducerIDs)
	return queryList(ctx, t.tx, scanCrossInvoice, `
		SELECT id, cycle_id, customer_id, producer_id, total_purchase_with_tax, total_selling_with_tax
		FROM customer_producer_invoices`+c.where()+tail(false, 0, false), c.args...)
}

func (t *pgTx) CreateCustomerProducerInvoice(ctx context.Context, c domain.CustomerProducerInvoice) (*domain.CustomerProducerInvoice, error) {
	id, err := insertID(ctx, t.tx, `
		INSERT INTO customer_producer_invoices (cycle_id, customer_id, producer_id, total_purchase_with_tax, total_selling_with_tax)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, c.CycleID, c.CustomerID, c.ProducerID, c.TotalPurchaseWithTax, c.TotalSellingWithTax)
	if err != nil {
		return nil, err
	}
	c.ID = id
	return &c, nil
}

func (t *pgTx) UpdateCustomerProducerInvoice(ctx context.Context, c domain.CustomerProducerInvoice) error {
	return execOne(ctx, t.tx, `
		UPDATE customer_producer_invoices
		SET cycle_id = $2, customer_id = $3, producer_id = $4,
			total_purchase_with_tax = $5, total_selling_with_tax = $6
		WHERE id = $1
	`, c.ID, c.CycleID, c.CustomerID, c.ProducerID, c.TotalPurchaseWithTax, c.TotalSellingWithTax)
}
