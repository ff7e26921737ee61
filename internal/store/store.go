package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"coopcycle/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
)

// Repository runs units of work. Every write goes through a Tx so that an
// operation either commits as a whole or leaves nothing behind.
type Repository interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is one unit of work. Rows requested with ForUpdate stay locked until
// the unit ends; lists are always returned in primary key order.
type Tx interface {
	GetProducer(ctx context.Context, id int64, forUpdate bool) (*domain.Producer, error)
	ListProducers(ctx context.Context, filter ProducerFilter) ([]domain.Producer, error)
	CreateProducer(ctx context.Context, producer domain.Producer) (*domain.Producer, error)
	UpdateProducer(ctx context.Context, producer domain.Producer) error

	GetCustomer(ctx context.Context, id int64, forUpdate bool) (*domain.Customer, error)
	ListCustomers(ctx context.Context, filter CustomerFilter) ([]domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	UpdateCustomer(ctx context.Context, customer domain.Customer) error

	ListDeliveryPoints(ctx context.Context, ids []int64) ([]domain.DeliveryPoint, error)
	CreateDeliveryPoint(ctx context.Context, point domain.DeliveryPoint) (*domain.DeliveryPoint, error)

	GetProduct(ctx context.Context, id int64, forUpdate bool) (*domain.Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) error
	// UpdateProductStockIf writes the stock only when it still equals
	// expected, and reports whether it did.
	UpdateProductStockIf(ctx context.Context, id int64, expected decimal.Decimal, stock decimal.Decimal) (bool, error)
	ListBoxContents(ctx context.Context, boxID int64) ([]domain.BoxContent, error)
	ReplaceBoxContents(ctx context.Context, boxID int64, contents []domain.BoxContent) ([]domain.BoxContent, error)

	GetCycle(ctx context.Context, id int64, forUpdate bool) (*domain.OrderCycle, error)
	ListCycles(ctx context.Context, filter CycleFilter) ([]domain.OrderCycle, error)
	CreateCycle(ctx context.Context, cycle domain.OrderCycle) (*domain.OrderCycle, error)
	UpdateCycle(ctx context.Context, cycle domain.OrderCycle) error

	ListDeliveryBoards(ctx context.Context, filter DeliveryBoardFilter) ([]domain.DeliveryBoard, error)
	CreateDeliveryBoard(ctx context.Context, board domain.DeliveryBoard) (*domain.DeliveryBoard, error)
	UpdateDeliveryBoard(ctx context.Context, board domain.DeliveryBoard) error

	ListProducerInvoices(ctx context.Context, filter ProducerInvoiceFilter) ([]domain.ProducerInvoice, error)
	CreateProducerInvoice(ctx context.Context, invoice domain.ProducerInvoice) (*domain.ProducerInvoice, error)
	UpdateProducerInvoice(ctx context.Context, invoice domain.ProducerInvoice) error

	ListCustomerInvoices(ctx context.Context, filter CustomerInvoiceFilter) ([]domain.CustomerInvoice, error)
	CreateCustomerInvoice(ctx context.Context, invoice domain.CustomerInvoice) (*domain.CustomerInvoice, error)
	UpdateCustomerInvoice(ctx context.Context, invoice domain.CustomerInvoice) error

	ListCustomerProducerInvoices(ctx context.Context, filter CustomerProducerFilter) ([]domain.CustomerProducerInvoice, error)
	CreateCustomerProducerInvoice(ctx context.Context, invoice domain.CustomerProducerInvoice) (*domain.CustomerProducerInvoice, error)
	UpdateCustomerProducerInvoice(ctx context.Context, invoice domain.CustomerProducerInvoice) error

	GetOfferItem(ctx context.Context, id int64, forUpdate bool) (*domain.OfferItem, error)
	ListOfferItems(ctx context.Context, filter OfferItemFilter) ([]domain.OfferItem, error)
	CreateOfferItem(ctx context.Context, item domain.OfferItem) (*domain.OfferItem, error)
	UpdateOfferItem(ctx context.Context, item domain.OfferItem) error

	GetPurchase(ctx context.Context, id int64, forUpdate bool) (*domain.Purchase, error)
	ListPurchases(ctx context.Context, filter PurchaseFilter) ([]domain.Purchase, error)
	CreatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error)
	UpdatePurchase(ctx context.Context, purchase domain.Purchase) error

	ListBankEntries(ctx context.Context, filter BankEntryFilter) ([]domain.BankEntry, error)
	CreateBankEntry(ctx context.Context, entry domain.BankEntry) (*domain.BankEntry, error)
	UpdateBankEntry(ctx context.Context, entry domain.BankEntry) error
	DeleteBankEntries(ctx context.Context, ids []int64) error
}

type ProducerFilter struct {
	IDs             []int64
	RepresentsGroup *bool
	ForUpdate       bool
}

type CustomerFilter struct {
	IDs             []int64
	RepresentsGroup *bool
	ForUpdate       bool
}

type ProductFilter struct {
	IDs         []int64
	ProducerIDs []int64
	OrderUnits  []domain.OrderUnit
	ActiveOnly  bool
}

type CycleFilter struct {
	Statuses  []domain.Status
	Date      *time.Time
	ShortName *string
	MasterID  *int64
	Limit     int
}

type DeliveryBoardFilter struct {
	CycleID   int64
	IDs       []int64
	ForUpdate bool
}

type ProducerInvoiceFilter struct {
	CycleID     int64
	ProducerIDs []int64
	ForUpdate   bool
}

type CustomerInvoiceFilter struct {
	CycleID          int64
	IDs              []int64
	CustomerIDs      []int64
	DeliveryPointIDs []int64
	ForUpdate        bool
}

type CustomerProducerFilter struct {
	CycleID     int64
	CustomerIDs []int64
	ProducerIDs []int64
}

type OfferItemFilter struct {
	CycleID     int64
	IDs         []int64
	ProducerIDs []int64
	ProductIDs  []int64
	OrderUnits  []domain.OrderUnit
	ManagedOnly bool
	ActiveOnly  bool
	ForUpdate   bool
}

type PurchaseFilter struct {
	CycleID            int64
	IDs                []int64
	OfferItemIDs       []int64
	CustomerIDs        []int64
	ProducerIDs        []int64
	CustomerInvoiceIDs []int64
	ForUpdate          bool
}

// BankEntryFilter selects ledger entries. Unlinked keeps entries attached to
// neither a customer nor a producer invoice; NoParty keeps entries with
// neither a customer nor a producer.
type BankEntryFilter struct {
	IDs                []int64
	Statuses           []domain.BankStatus
	CycleID            *int64
	CustomerID         *int64
	ProducerID         *int64
	CustomerInvoiceIDs []int64
	ProducerInvoiceIDs []int64
	HasCustomer        bool
	HasProducer        bool
	NoParty            bool
	Unlinked           bool
	OnOrBefore         *time.Time
	Limit              int
	Descending         bool
	ForUpdate          bool
}

// Contains reports whether id is in ids; an empty ids matches everything.
func Contains(ids []int64, id int64) bool {
	if len(ids) == 0 {
		return true
	}
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
