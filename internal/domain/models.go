package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Producer struct {
	ID              int64           `json:"id"`
	ShortName       string          `json:"short_name"`
	Balance         decimal.Decimal `json:"balance"`
	DateBalance     time.Time       `json:"date_balance"`
	RepresentsGroup bool            `json:"represents_group"`
	PriceMultiplier decimal.Decimal `json:"price_multiplier"`
	PricesWoVAT     bool            `json:"prices_wo_vat"`
	Active          bool            `json:"active"`
}

type Customer struct {
	ID                      int64           `json:"id"`
	ShortName               string          `json:"short_name"`
	Balance                 decimal.Decimal `json:"balance"`
	DateBalance             time.Time       `json:"date_balance"`
	RepresentsGroup         bool            `json:"represents_group"`
	MayOrder                bool            `json:"may_order"`
	Active                  bool            `json:"active"`
	PriceMultiplier         decimal.Decimal `json:"price_multiplier"`
	DeliveryPointID         *int64          `json:"delivery_point_id,omitempty"`
	MembershipFeeValidUntil time.Time       `json:"membership_fee_valid_until"`
}

// DeliveryPoint may bill every member to one responsible customer, with its
// own multiplier and transport schedule.
type DeliveryPoint struct {
	ID                    int64           `json:"id"`
	ShortName             string          `json:"short_name"`
	CustomerResponsibleID *int64          `json:"customer_responsible_id,omitempty"`
	PriceMultiplier       decimal.Decimal `json:"price_multiplier"`
	Transport             decimal.Decimal `json:"transport"`
	MinTransport          decimal.Decimal `json:"min_transport"`
}

type Product struct {
	ID                        int64           `json:"id"`
	ProducerID                int64           `json:"producer_id"`
	LongName                  string          `json:"long_name"`
	OrderUnit                 OrderUnit       `json:"order_unit"`
	ProducerUnitPrice         decimal.Decimal `json:"producer_unit_price"`
	CustomerUnitPrice         decimal.Decimal `json:"customer_unit_price"`
	UnitDeposit               decimal.Decimal `json:"unit_deposit"`
	VATRate                   decimal.Decimal `json:"vat_rate"`
	AverageWeight             decimal.Decimal `json:"average_weight"`
	ProducerOrderByQuantity   decimal.Decimal `json:"producer_order_by_quantity"`
	Stock                     decimal.Decimal `json:"stock"`
	LimitOrderQuantityToStock bool            `json:"limit_order_quantity_to_stock"`
	ManageReplenishment       bool            `json:"manage_replenishment"`
	IsResalePriceFixed        bool            `json:"is_resale_price_fixed"`
	IsBox                     bool            `json:"is_box"`
	Active                    bool            `json:"active"`
}

// BoxContent is one component of a box product. Boxes never contain boxes.
type BoxContent struct {
	ID              int64           `json:"id"`
	BoxID           int64           `json:"box_id"`
	ProductID       int64           `json:"product_id"`
	ContentQuantity decimal.Decimal `json:"content_quantity"`
	CustomerPrice   decimal.Decimal `json:"calculated_customer_content_price"`
	Deposit         decimal.Decimal `json:"calculated_content_deposit"`
}

type OrderCycle struct {
	ID                   int64           `json:"id"`
	ShortName            string          `json:"short_name"`
	Date                 time.Time       `json:"date"`
	Status               Status          `json:"status"`
	HighestStatus        Status          `json:"highest_status"`
	MasterID             *int64          `json:"master_id,omitempty"`
	PaymentDate          *time.Time      `json:"payment_date,omitempty"`
	InvoiceSortOrder     *int64          `json:"invoice_sort_order,omitempty"`
	TotalPurchaseWithTax decimal.Decimal `json:"total_purchase_with_tax"`
	TotalSellingWithTax  decimal.Decimal `json:"total_selling_with_tax"`
	TotalPurchaseVAT     decimal.Decimal `json:"total_purchase_vat"`
	TotalSellingVAT      decimal.Decimal `json:"total_selling_vat"`
	WithDeliveryPoint    bool            `json:"with_delivery_point"`
	ProducerIDs          []int64         `json:"producer_ids"`
	UpdatedOn            time.Time       `json:"updated_on"`
}

// DeliveryBoard carries the status of one delivery point within a cycle.
type DeliveryBoard struct {
	ID              int64  `json:"id"`
	CycleID         int64  `json:"cycle_id"`
	DeliveryPointID int64  `json:"delivery_point_id"`
	Comment         string `json:"comment,omitempty"`
	Status          Status `json:"status"`
}

type ProducerInvoice struct {
	ID                  int64           `json:"id"`
	CycleID             int64           `json:"cycle_id"`
	ProducerID          int64           `json:"producer_id"`
	Status              Status          `json:"status"`
	ToBePaid            bool            `json:"to_be_paid"`
	ToBeInvoicedBalance decimal.Decimal `json:"to_be_invoiced_balance"`
	InvoiceReference    string          `json:"invoice_reference,omitempty"`
	TotalPriceWithTax   decimal.Decimal `json:"total_price_with_tax"`
	TotalVAT            decimal.Decimal `json:"total_vat"`
	TotalDeposit        decimal.Decimal `json:"total_deposit"`
	DeltaPriceWithTax   decimal.Decimal `json:"delta_price_with_tax"`
	DeltaVAT            decimal.Decimal `json:"delta_vat"`
	DeltaTransport      decimal.Decimal `json:"delta_transport"`
	DeltaDeposit        decimal.Decimal `json:"delta_deposit"`
	DeltaStockWithTax   decimal.Decimal `json:"delta_stock_with_tax"`
	DeltaStockVAT       decimal.Decimal `json:"delta_stock_vat"`
	DeltaStockDeposit   decimal.Decimal `json:"delta_stock_deposit"`
	BankAmountIn        decimal.Decimal `json:"bank_amount_in"`
	BankAmountOut       decimal.Decimal `json:"bank_amount_out"`
	Balance             decimal.Decimal `json:"balance"`
	DateBalance         time.Time       `json:"date_balance"`
	PreviousBalance     decimal.Decimal `json:"previous_balance"`
	DatePreviousBalance time.Time       `json:"date_previous_balance"`
	InvoiceSortOrder    *int64          `json:"invoice_sort_order,omitempty"`
}

// TotalDue is what the cooperative owes the producer for this cycle.
func (p ProducerInvoice) TotalDue() decimal.Decimal {
	return p.TotalPriceWithTax.
		Add(p.DeltaPriceWithTax).
		Add(p.DeltaTransport).
		Add(p.DeltaStockWithTax)
}

type CustomerInvoice struct {
	ID                  int64           `json:"id"`
	CycleID             int64           `json:"cycle_id"`
	CustomerID          int64           `json:"customer_id"`
	CustomerChargedID   int64           `json:"customer_charged_id"`
	DeliveryPointID     *int64          `json:"delivery_point_id,omitempty"`
	IsGroup             bool            `json:"is_group"`
	IsOrderConfirmed    bool            `json:"is_order_confirmed"`
	Status              Status          `json:"status"`
	PriceMultiplier     decimal.Decimal `json:"price_multiplier"`
	Transport           decimal.Decimal `json:"transport"`
	MinTransport        decimal.Decimal `json:"min_transport"`
	TotalPriceWithTax   decimal.Decimal `json:"total_price_with_tax"`
	TotalVAT            decimal.Decimal `json:"total_vat"`
	TotalDeposit        decimal.Decimal `json:"total_deposit"`
	DeltaPriceWithTax   decimal.Decimal `json:"delta_price_with_tax"`
	DeltaVAT            decimal.Decimal `json:"delta_vat"`
	DeltaTransport      decimal.Decimal `json:"delta_transport"`
	BankAmountIn        decimal.Decimal `json:"bank_amount_in"`
	BankAmountOut       decimal.Decimal `json:"bank_amount_out"`
	Balance             decimal.Decimal `json:"balance"`
	DateBalance         time.Time       `json:"date_balance"`
	PreviousBalance     decimal.Decimal `json:"previous_balance"`
	DatePreviousBalance time.Time       `json:"date_previous_balance"`
	InvoiceSortOrder    *int64          `json:"invoice_sort_order,omitempty"`
}

// PaysOwnOrder is true when nobody else is billed for this invoice.
func (c CustomerInvoice) PaysOwnOrder() bool {
	return c.CustomerID == c.CustomerChargedID
}

type CustomerProducerInvoice struct {
	ID                   int64           `json:"id"`
	CycleID              int64           `json:"cycle_id"`
	CustomerID           int64           `json:"customer_id"`
	ProducerID           int64           `json:"producer_id"`
	TotalPurchaseWithTax decimal.Decimal `json:"total_purchase_with_tax"`
	TotalSellingWithTax  decimal.Decimal `json:"total_selling_with_tax"`
}

type OfferItem struct {
	ID                        int64            `json:"id"`
	CycleID                   int64            `json:"cycle_id"`
	ProductID                 int64            `json:"product_id"`
	ProducerID                int64            `json:"producer_id"`
	LongName                  string           `json:"long_name"`
	OrderUnit                 OrderUnit        `json:"order_unit"`
	IsBox                     bool             `json:"is_box"`
	IsActive                  bool             `json:"is_active"`
	MayOrder                  bool             `json:"may_order"`
	ManageReplenishment       bool             `json:"manage_replenishment"`
	LimitOrderQuantityToStock bool             `json:"limit_order_quantity_to_stock"`
	PriceMultiplier           decimal.Decimal  `json:"price_multiplier"`
	ProducerUnitPrice         decimal.Decimal  `json:"producer_unit_price"`
	CustomerUnitPrice         decimal.Decimal  `json:"customer_unit_price"`
	ProducerVAT               decimal.Decimal  `json:"producer_vat"`
	CustomerVAT               decimal.Decimal  `json:"customer_vat"`
	UnitDeposit               decimal.Decimal  `json:"unit_deposit"`
	VATRate                   decimal.Decimal  `json:"vat_rate"`
	AverageWeight             decimal.Decimal  `json:"average_weight"`
	ProducerOrderByQuantity   decimal.Decimal  `json:"producer_order_by_quantity"`
	Stock                     decimal.Decimal  `json:"stock"`
	QuantityInvoiced          decimal.Decimal  `json:"quantity_invoiced"`
	UseOrderUnitConverted     bool             `json:"use_order_unit_converted"`
	Add2Stock                 decimal.Decimal  `json:"add_2_stock"`
	NewStock                  *decimal.Decimal `json:"new_stock,omitempty"`
	TotalPurchaseWithTax      decimal.Decimal  `json:"total_purchase_with_tax"`
	TotalSellingWithTax       decimal.Decimal  `json:"total_selling_with_tax"`

	PreviousAdd2Stock         decimal.Decimal `json:"-"`
	PreviousProducerUnitPrice decimal.Decimal `json:"-"`
	PreviousUnitDeposit       decimal.Decimal `json:"-"`
}

type Purchase struct {
	ID                int64           `json:"id"`
	CycleID           int64           `json:"cycle_id"`
	CustomerID        int64           `json:"customer_id"`
	CustomerInvoiceID int64           `json:"customer_invoice_id"`
	ProducerID        int64           `json:"producer_id"`
	OfferItemID       int64           `json:"offer_item_id"`
	IsBoxContent      bool            `json:"is_box_content"`
	Status            Status          `json:"status"`
	QuantityOrdered   decimal.Decimal `json:"quantity_ordered"`
	QuantityInvoiced  decimal.Decimal `json:"quantity_invoiced"`
	PurchasePrice     decimal.Decimal `json:"purchase_price"`
	SellingPrice      decimal.Decimal `json:"selling_price"`
	ProducerVAT       decimal.Decimal `json:"producer_vat"`
	CustomerVAT       decimal.Decimal `json:"customer_vat"`
	Deposit           decimal.Decimal `json:"deposit"`
	Comment           string          `json:"comment,omitempty"`

	PreviousQuantity      decimal.Decimal `json:"-"`
	PreviousPurchasePrice decimal.Decimal `json:"-"`
	PreviousSellingPrice  decimal.Decimal `json:"-"`
	PreviousProducerVAT   decimal.Decimal `json:"-"`
	PreviousCustomerVAT   decimal.Decimal `json:"-"`
	PreviousDeposit       decimal.Decimal `json:"-"`
}

type BankEntry struct {
	ID                int64           `json:"id"`
	OperationDate     time.Time       `json:"operation_date"`
	Status            BankStatus      `json:"status"`
	Comment           string          `json:"comment,omitempty"`
	AmountIn          decimal.Decimal `json:"amount_in"`
	AmountOut         decimal.Decimal `json:"amount_out"`
	ProducerID        *int64          `json:"producer_id,omitempty"`
	CustomerID        *int64          `json:"customer_id,omitempty"`
	CycleID           *int64          `json:"cycle_id,omitempty"`
	ProducerInvoiceID *int64          `json:"producer_invoice_id,omitempty"`
	CustomerInvoiceID *int64          `json:"customer_invoice_id,omitempty"`
}

// Net is the signed amount of the entry from the bank's point of view.
func (b BankEntry) Net() decimal.Decimal {
	return b.AmountIn.Sub(b.AmountOut)
}

func (b BankEntry) Linked() bool {
	return b.ProducerInvoiceID != nil || b.CustomerInvoiceID != nil
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)
