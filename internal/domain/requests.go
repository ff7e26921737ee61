package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scope narrows a transition to a subset of producers or delivery boards.
// The zero value means the whole cycle.
type Scope struct {
	ProducerIDs      []int64 `json:"producer_ids,omitempty" validate:"omitempty,dive,gt=0"`
	DeliveryBoardIDs []int64 `json:"delivery_board_ids,omitempty" validate:"omitempty,dive,gt=0"`
}

func (s Scope) Everything() bool {
	return len(s.ProducerIDs) == 0 && len(s.DeliveryBoardIDs) == 0
}

type AdvanceRequest struct {
	From        []Status   `json:"from" validate:"required,min=1"`
	To          Status     `json:"to" validate:"required"`
	Scope       Scope      `json:"scope"`
	PaymentDate *time.Time `json:"payment_date,omitempty"`
}

type CloseOrderRequest struct {
	Scope Scope `json:"scope"`
}

type SendRequest struct {
	Scope Scope `json:"scope"`
}

type ProducerSettlement struct {
	ProducerID       int64            `json:"producer_id" validate:"required,gt=0"`
	ToBePaid         bool             `json:"to_be_paid"`
	InvoicedBalance  *decimal.Decimal `json:"invoiced_balance,omitempty"`
	InvoiceReference string           `json:"invoice_reference,omitempty" validate:"max=100"`
}

type InvoiceRequest struct {
	PaymentDate time.Time            `json:"payment_date" validate:"required"`
	Producers   []ProducerSettlement `json:"producers,omitempty" validate:"omitempty,dive"`
}

type RecalculateRequest struct {
	OfferItemIDs   []int64 `json:"offer_item_ids,omitempty" validate:"omitempty,dive,gt=0"`
	ReInit         bool    `json:"re_init"`
	SendToProducer bool    `json:"send_to_producer"`
}

type DuplicateRequest struct {
	Dates []time.Time `json:"dates" validate:"required,min=1"`
}

type DuplicateResult struct {
	Created int          `json:"created"`
	Cycles  []OrderCycle `json:"cycles"`
}

type ChildRequest struct {
	Status Status `json:"status" validate:"required"`
}

type CreateCycleRequest struct {
	ShortName        string    `json:"short_name" validate:"max=50"`
	Date             time.Time `json:"date" validate:"required"`
	ProducerIDs      []int64   `json:"producer_ids" validate:"omitempty,dive,gt=0"`
	DeliveryPointIDs []int64   `json:"delivery_point_ids" validate:"omitempty,dive,gt=0"`
}

type PlaceOrderRequest struct {
	CustomerID  int64           `json:"customer_id" validate:"required,gt=0"`
	OfferItemID int64           `json:"offer_item_id" validate:"required,gt=0"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gte=0"`
	Comment     string          `json:"comment,omitempty" validate:"max=100"`
}

type ConfirmOrderRequest struct {
	CustomerID int64 `json:"customer_id" validate:"required,gt=0"`
}

type UpdateInvoicedQuantityRequest struct {
	Quantity decimal.Decimal `json:"quantity" validate:"gte=0"`
}

type UpdateStockAdditionRequest struct {
	Add2Stock decimal.Decimal `json:"add_2_stock" validate:"gte=0"`
}

type CreateProducerRequest struct {
	ShortName       string           `json:"short_name" validate:"required,max=25"`
	RepresentsGroup bool             `json:"represents_group"`
	PriceMultiplier *decimal.Decimal `json:"price_multiplier,omitempty" validate:"omitempty,gte=0"`
	PricesWoVAT     bool             `json:"prices_wo_vat"`
	Balance         decimal.Decimal  `json:"balance"`
}

type CreateCustomerRequest struct {
	ShortName               string           `json:"short_name" validate:"required,max=25"`
	RepresentsGroup         bool             `json:"represents_group"`
	PriceMultiplier         *decimal.Decimal `json:"price_multiplier,omitempty" validate:"omitempty,gte=0"`
	DeliveryPointID         *int64           `json:"delivery_point_id,omitempty" validate:"omitempty,gt=0"`
	MembershipFeeValidUntil *time.Time       `json:"membership_fee_valid_until,omitempty"`
	Balance                 decimal.Decimal  `json:"balance"`
}

type CreateDeliveryPointRequest struct {
	ShortName             string           `json:"short_name" validate:"required,max=25"`
	CustomerResponsibleID *int64           `json:"customer_responsible_id,omitempty" validate:"omitempty,gt=0"`
	PriceMultiplier       *decimal.Decimal `json:"price_multiplier,omitempty" validate:"omitempty,gte=0"`
	Transport             decimal.Decimal  `json:"transport" validate:"gte=0"`
	MinTransport          decimal.Decimal  `json:"min_transport" validate:"gte=0"`
}

type CreateProductRequest struct {
	ProducerID                int64            `json:"producer_id" validate:"required,gt=0"`
	LongName                  string           `json:"long_name" validate:"required,max=100"`
	OrderUnit                 OrderUnit        `json:"order_unit" validate:"required"`
	ProducerUnitPrice         decimal.Decimal  `json:"producer_unit_price" validate:"gte=0"`
	CustomerUnitPrice         *decimal.Decimal `json:"customer_unit_price,omitempty" validate:"omitempty,gte=0"`
	UnitDeposit               decimal.Decimal  `json:"unit_deposit" validate:"gte=0"`
	VATRate                   decimal.Decimal  `json:"vat_rate" validate:"gte=0,lt=1"`
	AverageWeight             decimal.Decimal  `json:"average_weight" validate:"gte=0"`
	ProducerOrderByQuantity   decimal.Decimal  `json:"producer_order_by_quantity" validate:"gte=0"`
	Stock                     decimal.Decimal  `json:"stock" validate:"gte=0"`
	LimitOrderQuantityToStock bool             `json:"limit_order_quantity_to_stock"`
	ManageReplenishment       bool             `json:"manage_replenishment"`
	IsBox                     bool             `json:"is_box"`
}

type BoxContentRequest struct {
	ProductID       int64           `json:"product_id" validate:"required,gt=0"`
	ContentQuantity decimal.Decimal `json:"content_quantity" validate:"gt=0"`
}

type SetBoxContentsRequest struct {
	Contents []BoxContentRequest `json:"contents" validate:"dive"`
}

type BankMovementRequest struct {
	OperationDate time.Time       `json:"operation_date" validate:"required"`
	ProducerID    *int64          `json:"producer_id,omitempty" validate:"omitempty,gt=0"`
	CustomerID    *int64          `json:"customer_id,omitempty" validate:"omitempty,gt=0"`
	AmountIn      decimal.Decimal `json:"amount_in" validate:"gte=0"`
	AmountOut     decimal.Decimal `json:"amount_out" validate:"gte=0"`
	Comment       string          `json:"comment,omitempty" validate:"max=100"`
}

type InitBankTotalRequest struct {
	OperationDate time.Time       `json:"operation_date" validate:"required"`
	Amount        decimal.Decimal `json:"amount"`
}

type CycleDetail struct {
	Cycle            OrderCycle        `json:"cycle"`
	DeliveryBoards   []DeliveryBoard   `json:"delivery_boards"`
	ProducerInvoices []ProducerInvoice `json:"producer_invoices"`
	CustomerInvoices []CustomerInvoice `json:"customer_invoices"`
}

type SettlementResult struct {
	Cycle       OrderCycle  `json:"cycle"`
	Child       *OrderCycle `json:"child,omitempty"`
	LatestTotal BankEntry   `json:"latest_total"`
}

// CycleSummary is the billing breakdown shown to staff.
type CycleSummary struct {
	CycleID   int64             `json:"cycle_id"`
	Status    Status            `json:"status"`
	Producers []ProducerSummary `json:"producers"`
	Customers []CustomerSummary `json:"customers"`
	Purchase  decimal.Decimal   `json:"total_purchase_with_tax"`
	Selling   decimal.Decimal   `json:"total_selling_with_tax"`
	BuiltAt   time.Time         `json:"built_at"`
}

type ProducerSummary struct {
	ProducerID int64           `json:"producer_id"`
	Purchase   decimal.Decimal `json:"total_purchase_with_tax"`
	Selling    decimal.Decimal `json:"total_selling_with_tax"`
	Customers  int             `json:"customers"`
}

type CustomerSummary struct {
	CustomerID int64           `json:"customer_id"`
	Selling    decimal.Decimal `json:"total_selling_with_tax"`
	Producers  int             `json:"producers"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}
