package postgres

import (
	"context"

	"github.com/shopspring/decimal"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/store"
)

const offerItemColumns = `id, cycle_id, product_id, producer_id, long_name, order_unit, is_box, is_active, may_order,
	manage_replenishment, limit_order_quantity_to_stock, price_multiplier, producer_unit_price, customer_unit_price,
	producer_vat, customer_vat, unit_deposit, vat_rate, average_weight, producer_order_by_quantity, stock,
	quantity_invoiced, use_order_unit_converted, add_2_stock, new_stock, total_purchase_with_tax,
	total_selling_with_tax, previous_add_2_stock, previous_producer_unit_price, previous_unit_deposit`

func scanOfferItem(row rowScanner) (domain.OfferItem, error) {
	var (
		o        domain.OfferItem
		newStock decimal.NullDecimal
	)
	err := row.Scan(&o.ID, &o.CycleID, &o.ProductID, &o.ProducerID, &o.LongName, &o.OrderUnit, &o.IsBox, &o.IsActive, &o.MayOrder,
		&o.ManageReplenishment, &o.LimitOrderQuantityToStock, &o.PriceMultiplier, &o.ProducerUnitPrice, &o.CustomerUnitPrice,
		&o.ProducerVAT, &o.CustomerVAT, &o.UnitDeposit, &o.VATRate, &o.AverageWeight, &o.ProducerOrderByQuantity, &o.Stock,
		&o.QuantityInvoiced, &o.UseOrderUnitConverted, &o.Add2Stock, &newStock, &o.TotalPurchaseWithTax,
		&o.TotalSellingWithTax, &o.PreviousAdd2Stock, &o.PreviousProducerUnitPrice, &o.PreviousUnitDeposit)
	if newStock.Valid {
		stock := newStock.Decimal
		o.NewStock = &stock
	}
	return o, err
}

func nullDecimal(val *decimal.Decimal) decimal.NullDecimal {
	if val == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *val, Valid: true}
}

func (t *pgTx) GetOfferItem(ctx context.Context, id int64, forUpdate bool) (*domain.OfferItem, error) {
	return queryOne(ctx, t.tx, scanOfferItem,
		`SELECT `+offerItemColumns+` FROM offer_items WHERE id = $1`+lockClause(forUpdate), id)
}

func (t *pgTx) ListOfferItems(ctx context.Context, filter store.OfferItemFilter) ([]domain.OfferItem, error) {
	var c conditions
	c.eq("cycle_id", filter.CycleID)
	c.anyOf("id", filter.IDs)
	c.anyOf("producer_id", filter.ProducerIDs)
	c.anyOf("product_id", filter.ProductIDs)
	c.anyOf("order_unit", orderUnits(filter.OrderUnits))
	if filter.ManagedOnly {
		c.add("manage_replenishment")
	}
	if filter.ActiveOnly {
		c.add("is_active")
	}
	return queryList(ctx, t.tx, scanOfferItem,
		`SELECT `+offerItemColumns+` FROM offer_items`+c.where()+tail(false, 0, filter.ForUpdate), c.args...)
}

func (t *pgTx) CreateOfferItem(ctx context.Context, o domain.OfferItem) (*domain.OfferItem, error) {
	id, err := insertID(ctx, t.tx, `
		INSERT INTO offer_items (cycle_id, product_id, producer_id, long_name, order_unit, is_box, is_active, may_order,
			manage_replenishment, limit_order_quantity_to_stock, price_multiplier, producer_unit_price, customer_unit_price,
			producer_vat, customer_vat, unit_deposit, vat_rate, average_weight, producer_order_by_quantity, stock,
			quantity_invoiced, use_order_unit_converted, add_2_stock, new_stock, total_purchase_with_tax,
			total_selling_with_tax, previous_add_2_stock, previous_producer_unit_price, previous_unit_deposit)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29)
		RETURNING id
	`, o.CycleID, o.ProductID, o.ProducerID, o.LongName, int(o.OrderUnit), o.IsBox, o.IsActive, o.MayOrder,
		o.ManageReplenishment, o.LimitOrderQuantityToStock, o.PriceMultiplier, o.ProducerUnitPrice, o.CustomerUnitPrice,
		o.ProducerVAT, o.CustomerVAT, o.UnitDeposit, o.VATRate, o.AverageWeight, o.ProducerOrderByQuantity, o.Stock,
		o.QuantityInvoiced, o.UseOrderUnitConverted, o.Add2Stock, nullDecimal(o.NewStock), o.TotalPurchaseWithTax,
		o.TotalSellingWithTax, o.PreviousAdd2Stock, o.PreviousProducerUnitPrice, o.PreviousUnitDeposit)
	if err != nil {
		return nil, err
	}
	o.ID = id
	return &o, nil
}

func (t *pgTx) UpdateOfferItem(ctx context.Context, o domain.OfferItem) error {
	return execOne(ctx, t.tx, `
		UPDATE offer_items
		SET cycle_id = $2, product_id = $3, producer_id = $4, long_name = $5, order_unit = $6, is_box = $7,
			is_active = $8, may_order = $9, manage_replenishment = $10, limit_order_quantity_to_stock = $11,
			price_multiplier = $12, producer_unit_price = $13, customer_unit_price = $14, producer_vat = $15,
			customer_vat = $16, unit_deposit = $17, vat_rate = $18, average_weight = $19,
			producer_order_by_quantity = $20, stock = $21, quantity_invoiced = $22, use_order_unit_converted = $23,
			add_2_stock = $24, new_stock = $25, total_purchase_with_tax = $26, total_selling_with_tax = $27,
			previous_add_2_stock = $28, previous_producer_unit_price = $29, previous_unit_deposit = $30
		WHERE id = $1
	`, o.ID, o.CycleID, o.ProductID, o.ProducerID, o.LongName, int(o.OrderUnit), o.IsBox,
		o.IsActive, o.MayOrder, o.ManageReplenishment, o.LimitOrderQuantityToStock,
		o.PriceMultiplier, o.ProducerUnitPrice, o.CustomerUnitPrice, o.ProducerVAT,
		o.CustomerVAT, o.UnitDeposit, o.VATRate, o.AverageWeight,
		o.ProducerOrderByQuantity, o.Stock, o.QuantityInvoiced, o.UseOrderUnitConverted,
		o.Add2Stock, nullDecimal(o.NewStock), o.TotalPurchaseWithTax, o.TotalSellingWithTax,
		o.PreviousAdd2Stock, o.PreviousProducerUnitPrice, o.PreviousUnitDeposit)
}

const purchaseColumns = `id, cycle_id, customer_id, customer_invoice_id, producer_id, offer_item_id, is_box_content,
	status, quantity_ordered, quantity_invoiced, purchase_price, selling_price, producer_vat, customer_vat, deposit,
	comment, previous_quantity, previous_purchase_price, previous_selling_price, previous_producer_vat,
	previous_customer_vat, previous_deposit`

func scanPurchase(row rowScanner) (domain.Purchase, error) {
	var p domain.Purchase
	err := row.Scan(&p.ID, &p.CycleID, &p.CustomerID, &p.CustomerInvoiceID, &p.ProducerID, &p.OfferItemID, &p.IsBoxContent,
		&p.Status, &p.QuantityOrdered, &p.QuantityInvoiced, &p.PurchasePrice, &p.SellingPrice, &p.ProducerVAT, &p.CustomerVAT, &p.Deposit,
		&p.Comment, &p.PreviousQuantity, &p.PreviousPurchasePrice, &p.PreviousSellingPrice, &p.PreviousProducerVAT,
		&p.PreviousCustomerVAT, &p.PreviousDeposit)
	return p, err
}

func (t *pgTx) GetPurchase(ctx context.Context, id int64, forUpdate bool) (*domain.Purchase, error) {
	return queryOne(ctx, t.tx, scanPurchase,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`+lockClause(forUpdate), id)
}

func (t *pgTx) ListPurchases(ctx context.Context, filter store.PurchaseFilter) ([]domain.Purchase, error) {
	var c conditions
	if filter.CycleID != 0 {
		c.eq("cycle_id", filter.CycleID)
	}
	c.anyOf("id", filter.IDs)
	c.anyOf("offer_item_id", filter.OfferItemIDs)
	c.anyOf("customer_id", filter.CustomerIDs)
	c.anyOf("producer_id", filter.ProducerIDs)
	c.anyOf("customer_invoice_id", filter.CustomerInvoiceIDs)
	return queryList(ctx, t.tx, scanPurchase,
		`SELECT `+purchaseColumns+` FROM purchases`+c.where()+tail(false, 0, filter.ForUpdate), c.args...)
}

func (t *pgTx) CreatePurchase(ctx context.Context, p domain.Purchase) (*domain.Purchase, error) {
	id, err := insertID(ctx, t.tx, `
		INSERT INTO purchases (cycle_id, customer_id, customer_invoice_id, producer_id, offer_item_id, is_box_content,
			status, quantity_ordered, quantity_invoiced, purchase_price, selling_price, producer_vat, customer_vat, deposit,
			comment, previous_quantity, previous_purchase_price, previous_selling_price, previous_producer_vat,
			previous_customer_vat, previous_deposit)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		RETURNING id
	`, p.CycleID, p.CustomerID, p.CustomerInvoiceID, p.ProducerID, p.OfferItemID, p.IsBoxContent,
		int(p.Status), p.QuantityOrdered, p.QuantityInvoiced, p.PurchasePrice, p.SellingPrice, p.ProducerVAT, p.CustomerVAT, p.Deposit,
		p.Comment, p.PreviousQuantity, p.PreviousPurchasePrice, p.PreviousSellingPrice, p.PreviousProducerVAT,
		p.PreviousCustomerVAT, p.PreviousDeposit)
	if err != nil {
		return nil, err
	}
	p.ID = id
	return &p, nil
}

func (t *pgTx) UpdatePurchase(ctx context.Context, p domain.Purchase) error {
	return execOne(ctx, t.tx, `
		UPDATE purchases
		SET cycle_id = $2, customer_id = $3, customer_invoice_id = $4, producer_id = $5, offer_item_id = $6,
			is_box_content = $7, status = $8, quantity_ordered = $9, quantity_invoiced = $10, purchase_price = $11,
			selling_price = $12, producer_vat = $13, customer_vat = $14, deposit = $15, comment = $16,
			previous_quantity = $17, previous_purchase_price = $18, previous_selling_price = $19,
			previous_producer_vat = $20, previous_customer_vat = $21, previous_deposit = $22
		WHERE id = $1
	`, p.ID, p.CycleID, p.CustomerID, p.CustomerInvoiceID, p.ProducerID, p.OfferItemID,
		p.IsBoxContent, int(p.Status), p.QuantityOrdered, p.QuantityInvoiced, p.PurchasePrice,
		p.SellingPrice, p.ProducerVAT, p.CustomerVAT, p.Deposit, p.Comment,
		p.PreviousQuantity, p.PreviousPurchasePrice, p.PreviousSellingPrice,
		p.PreviousProducerVAT, p.PreviousCustomerVAT, p.PreviousDeposit)
}
