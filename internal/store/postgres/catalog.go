package postgres

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/store"
)

// pgTx implements store.Tx on one serializable transaction.
type pgTx struct {
	tx *sql.Tx
}

const producerColumns = `id, short_name, balance, date_balance, represents_group, price_multiplier, prices_wo_vat, active`

func scanProducer(row rowScanner) (domain.Producer, error) {
	var p domain.Producer
	err := row.Scan(&p.ID, &p.ShortName, &p.Balance, &p.DateBalance, &p.RepresentsGroup, &p.PriceMultiplier, &p.PricesWoVAT, &p.Active)
	p.DateBalance = p.DateBalance.UTC()
	return p, err
}

func (t *pgTx) GetProducer(ctx context.Context, id int64, forUpdate bool) (*domain.Producer, error) {
	return queryOne(ctx, t.tx, scanProducer,
		`SELECT `+producerColumns+` FROM producers WHERE id = $1`+lockClause(forUpdate), id)
}

func (t *pgTx) ListProducers(ctx context.Context, filter store.ProducerFilter) ([]domain.Producer, error) {
	var c conditions
	c.anyOf("id", filter.IDs)
	if filter.RepresentsGroup != nil {
		c.eq("represents_group", *filter.RepresentsGroup)
	}
	return queryList(ctx, t.tx, scanProducer,
		`SELECT `+producerColumns+` FROM producers`+c.where()+tail(false, 0, filter.ForUpdate), c.args...)
}

func (t *pgTx) CreateProducer(ctx context.Context, p domain.Producer) (*domain.Producer, error) {
	id, err := insertID(ctx, t.tx, `
		INSERT INTO producers (short_name, balance, date_balance, represents_group, price_multiplier, prices_wo_vat, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, p.ShortName, p.Balance, nowDateUTC(p.DateBalance), p.RepresentsGroup, p.PriceMultiplier, p.PricesWoVAT, p.Active)
	if err != nil {
		return nil, err
	}
	p.ID = id
	return &p, nil
}

func (t *pgTx) UpdateProducer(ctx context.Context, p domain.Producer) error {
	return execOne(ctx, t.tx, `
		UPDATE producers
		SET short_name = $2, balance = $3, date_balance = $4, represents_group = $5,
			price_multiplier = $6, prices_wo_vat = $7, active = $8
		WHERE id = $1
	`, p.ID, p.ShortName, p.Balance, nowDateUTC(p.DateBalance), p.RepresentsGroup, p.PriceMultiplier, p.PricesWoVAT, p.Active)
}

const customerColumns = `id, short_name, balance, date_balance, represents_group, may_order, active,
	price_multiplier, delivery_point_id, membership_fee_valid_until`

func scanCustomer(row rowScanner) (domain.Customer, error) {
	var (
		c     domain.Customer
		point sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.ShortName, &c.Balance, &c.DateBalance, &c.RepresentsGroup, &c.MayOrder, &c.Active,
		&c.PriceMultiplier, &point, &c.MembershipFeeValidUntil)
	c.DeliveryPointID = idPtr(point)
	c.DateBalance = c.DateBalance.UTC()
	c.MembershipFeeValidUntil = c.MembershipFeeValidUntil.UTC()
	return c, err
}

func (t *pgTx) GetCustomer(ctx context.Context, id int64, forUpdate bool) (*domain.Customer, error) {
	return queryOne(ctx, t.tx, scanCustomer,
		`SELECT `+customerColumns+` FROM customers WHERE id = $1`+lockClause(forUpdate), id)
}

func (t *pgTx) ListCustomers(ctx context.Context, filter store.CustomerFilter) ([]domain.Customer, error) {
	var c conditions
	c.anyOf("id", filter.IDs)
	if filter.RepresentsGroup != nil {
		c.eq("represents_group", *filter.RepresentsGroup)
	}
	return queryList(ctx, t.tx, scanCustomer,
		`SELECT `+customerColumns+` FROM customers`+c.where()+tail(false, 0, filter.ForUpdate), c.args...)
}

func (t *pgTx) CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	id, err := insertID(ctx, t.tx, `
		INSERT INTO customers (short_name, balance, date_balance, represents_group, may_order, active,
			price_multiplier, delivery_point_id, membership_fee_valid_until)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, c.ShortName, c.Balance, nowDateUTC(c.DateBalance), c.RepresentsGroup, c.MayOrder, c.Active,
		c.PriceMultiplier, nullID(c.DeliveryPointID), nowDateUTC(c.MembershipFeeValidUntil))
	if err != nil {
		return nil, err
	}
	c.ID = id
	return &c, nil
}

func (t *pgTx) UpdateCustomer(ctx context.Context, c domain.Customer) error {
	return execOne(ctx, t.tx, `
		UPDATE customers
		SET short_name = $2, balance = $3, date_balance = $4, represents_group = $5, may_order = $6,
			active = $7, price_multiplier = $8, delivery_point_id = $9, membership_fee_valid_until = $10
		WHERE id = $1
	`, c.ID, c.ShortName, c.Balance, nowDateUTC(c.DateBalance), c.RepresentsGroup, c.MayOrder,
		c.Active, c.PriceMultiplier, nullID(c.DeliveryPointID), nowDateUTC(c.MembershipFeeValidUntil))
}

func scanDeliveryPoint(row rowScanner) (domain.DeliveryPoint, error) {
	var (
		p           domain.DeliveryPoint
		responsible sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.ShortName, &responsible, &p.PriceMultiplier, &p.Transport, &p.MinTransport)
	p.CustomerResponsibleID = idPtr(responsible)
	return p, err
}

func (t *pgTx) ListDeliveryPoints(ctx context.Context, ids []int64) ([]domain.DeliveryPoint, error) {
	var c conditions
	c.anyOf("id", ids)
	return queryList(ctx, t.tx, scanDeliveryPoint, `
		SELECT id, short_name, customer_responsible_id, price_multiplier, transport, min_transport
		FROM delivery_points`+c.where()+tail(false, 0, false), c.args...)
}

func (t *pgTx) CreateDeliveryPoint(ctx context.Context, p domain.DeliveryPoint) (*domain.DeliveryPoint, error) {
	id, err := insertID(ctx, t.tx, `
		INSERT INTO delivery_points (short_name, customer_responsible_id, price_multiplier, transport, min_transport)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, p.ShortName, nullID(p.CustomerResponsibleID), p.PriceMultiplier, p.Transport, p.MinTransport)
	if err != nil {
		return nil, err
	}
	p.ID = id
	return &p, nil
}

const productColumns = `id, producer_id, long_name, order_unit, producer_unit_price, customer_unit_price,
	unit_deposit, vat_rate, average_weight, producer_order_by_quantity, stock,
	limit_order_quantity_to_stock, manage_replenishment, is_resale_price_fixed, is_box, active`

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.ProducerID, &p.LongName, &p.OrderUnit, &p.ProducerUnitPrice, &p.CustomerUnitPrice,
		&p.UnitDeposit, &p.VATRate, &p.AverageWeight, &p.ProducerOrderByQuantity, &p.Stock,
		&p.LimitOrderQuantityToStock, &p.ManageReplenishment, &p.IsResalePriceFixed, &p.IsBox, &p.Active)
	return p, err
}

func (t *pgTx) GetProduct(ctx context.Context, id int64, forUpdate bool) (*domain.Product, error) {
	return queryOne(ctx, t.tx, scanProduct,
		`SELECT `+productColumns+` FROM products WHERE id = $1`+lockClause(forUpdate), id)
}

func (t *pgTx) ListProducts(ctx context.Context, filter store.ProductFilter) ([]domain.Product, error) {
	var c conditions
	c.anyOf("id", filter.IDs)
	c.anyOf("producer_id", filter.ProducerIDs)
	c.anyOf("order_unit", orderUnits(filter.OrderUnits))
	if filter.ActiveOnly {
		c.add("active")
	}
	return queryList(ctx, t.tx, scanProduct,
		`SELECT `+productColumns+` FROM products`+c.where()+tail(false, 0, false), c.args...)
}

func (t *pgTx) CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	id, err := insertID(ctx, t.tx, `
		INSERT INTO products (producer_id, long_name, order_unit, producer_unit_price, customer_unit_price,
			unit_deposit, vat_rate, average_weight, producer_order_by_quantity, stock,
			limit_order_quantity_to_stock, manage_replenishment, is_resale_price_fixed, is_box, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id
	`, p.ProducerID, p.LongName, int(p.OrderUnit), p.ProducerUnitPrice, p.CustomerUnitPrice,
		p.UnitDeposit, p.VATRate, p.AverageWeight, p.ProducerOrderByQuantity, p.Stock,
		p.LimitOrderQuantityToStock, p.ManageReplenishment, p.IsResalePriceFixed, p.IsBox, p.Active)
	if err != nil {
		return nil, err
	}
	p.ID = id
	return &p, nil
}

func (t *pgTx) UpdateProduct(ctx context.Context, p domain.Product) error {
	return execOne(ctx, t.tx, `
		UPDATE products
		SET producer_id = $2, long_name = $3, order_unit = $4, producer_unit_price = $5, customer_unit_price = $6,
			unit_deposit = $7, vat_rate = $8, average_weight = $9, producer_order_by_quantity = $10, stock = $11,
			limit_order_quantity_to_stock = $12, manage_replenishment = $13, is_resale_price_fixed = $14,
			is_box = $15, active = $16
		WHERE id = $1
	`, p.ID, p.ProducerID, p.LongName, int(p.OrderUnit), p.ProducerUnitPrice, p.CustomerUnitPrice,
		p.UnitDeposit, p.VATRate, p.AverageWeight, p.ProducerOrderByQuantity, p.Stock,
		p.LimitOrderQuantityToStock, p.ManageReplenishment, p.IsResalePriceFixed, p.IsBox, p.Active)
}

func (t *pgTx) UpdateProductStockIf(ctx context.Context, id int64, expected decimal.Decimal, stock decimal.Decimal) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE products SET stock = $2 WHERE id = $1 AND stock = $3`, id, stock, expected)
	if err != nil {
		return false, mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := t.GetProduct(ctx, id, false); err != nil {
		return false, err
	}
	return false, nil
}

func scanBoxContent(row rowScanner) (domain.BoxContent, error) {
	var c domain.BoxContent
	err := row.Scan(&c.ID, &c.BoxID, &c.ProductID, &c.ContentQuantity, &c.CustomerPrice, &c.Deposit)
	return c, err
}

func (t *pgTx) ListBoxContents(ctx context.Context, boxID int64) ([]domain.BoxContent, error) {
	return queryList(ctx, t.tx, scanBoxContent, `
		SELECT id, box_id, product_id, content_quantity, customer_price, deposit
		FROM box_contents
		WHERE box_id = $1
		ORDER BY id
	`, boxID)
}

func (t *pgTx) ReplaceBoxContents(ctx context.Context, boxID int64, contents []domain.BoxContent) ([]domain.BoxContent, error) {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM box_contents WHERE box_id = $1`, boxID); err != nil {
		return nil, mapError(err)
	}
	result := make([]domain.BoxContent, 0, len(contents))
	for _, content := range contents {
		id, err := insertID(ctx, t.tx, `
			INSERT INTO box_contents (box_id, product_id, content_quantity, customer_price, deposit)
			VALUES ($1,$2,$3,$4,$5)
			RETURNING id
		`, boxID, content.ProductID, content.ContentQuantity, content.CustomerPrice, content.Deposit)
		if err != nil {
			return nil, err
		}
		content.ID = id
		content.BoxID = boxID
		result = append(result, content)
	}
	return result, nil
}

func orderUnits(units []domain.OrderUnit) []int64 {
	if len(units) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(units))
	for _, unit := range units {
		ids = append(ids, int64(unit))
	}
	return ids
}

func statusCodes(statuses []domain.Status) []int64 {
	if len(statuses) == 0 {
		return nil
	}
	codes := make([]int64, 0, len(statuses))
	for _, status := range statuses {
		codes = append(codes, int64(status))
	}
	return codes
}
