package service

import (
	"context"
	"fmt"
	"strings"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/money"
	"coopcycle/backend/internal/pricing"
	"coopcycle/backend/internal/store"
)

func (s *Service) CreateProducer(ctx context.Context, req domain.CreateProducerRequest) (domain.Producer, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Producer{}, err
	}
	if err := s.check(req); err != nil {
		return domain.Producer{}, err
	}
	multiplier := money.One
	if req.PriceMultiplier != nil && req.PriceMultiplier.IsPositive() {
		multiplier = *req.PriceMultiplier
	}

	var created *domain.Producer
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if req.RepresentsGroup {
			existing, err := groupProducer(ctx, tx)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("%w: producer %d already represents the cooperative", store.ErrConflict, existing.ID)
			}
		}
		var err error
		created, err = tx.CreateProducer(ctx, domain.Producer{
			ShortName:       strings.TrimSpace(req.ShortName),
			Balance:         money.Amount(req.Balance),
			DateBalance:     s.today(),
			RepresentsGroup: req.RepresentsGroup,
			PriceMultiplier: multiplier,
			PricesWoVAT:     req.PricesWoVAT,
			Active:          true,
		})
		return err
	})
	if err != nil {
		return domain.Producer{}, err
	}
	return *created, nil
}

func (s *Service) ListProducers(ctx context.Context) ([]domain.Producer, error) {
	if err := requireStaff(ctx); err != nil {
		return nil, err
	}
	var producers []domain.Producer
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		producers, err = tx.ListProducers(ctx, store.ProducerFilter{})
		return err
	})
	return producers, err
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CreateCustomerRequest) (domain.Customer, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Customer{}, err
	}
	if err := s.check(req); err != nil {
		return domain.Customer{}, err
	}
	multiplier := money.One
	if req.PriceMultiplier != nil && req.PriceMultiplier.IsPositive() {
		multiplier = *req.PriceMultiplier
	}
	validUntil := s.today()
	if req.MembershipFeeValidUntil != nil {
		validUntil = dateOnly(*req.MembershipFeeValidUntil)
	}

	var created *domain.Customer
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if req.RepresentsGroup {
			existing, err := groupCustomer(ctx, tx)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("%w: customer %d already represents the cooperative", store.ErrConflict, existing.ID)
			}
		}
		if req.DeliveryPointID != nil {
			if _, err := s.deliveryPoints(ctx, tx, []int64{*req.DeliveryPointID}); err != nil {
				return err
			}
		}
		var err error
		created, err = tx.CreateCustomer(ctx, domain.Customer{
			ShortName:               strings.TrimSpace(req.ShortName),
			Balance:                 money.Amount(req.Balance),
			DateBalance:             s.today(),
			RepresentsGroup:         req.RepresentsGroup,
			MayOrder:                !req.RepresentsGroup,
			Active:                  true,
			PriceMultiplier:         multiplier,
			DeliveryPointID:         req.DeliveryPointID,
			MembershipFeeValidUntil: validUntil,
		})
		return err
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return *created, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	if err := requireStaff(ctx); err != nil {
		return nil, err
	}
	var customers []domain.Customer
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		customers, err = tx.ListCustomers(ctx, store.CustomerFilter{})
		return err
	})
	return customers, err
}

func (s *Service) CreateDeliveryPoint(ctx context.Context, req domain.CreateDeliveryPointRequest) (domain.DeliveryPoint, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.DeliveryPoint{}, err
	}
	if err := s.check(req); err != nil {
		return domain.DeliveryPoint{}, err
	}
	point := domain.DeliveryPoint{
		ShortName:             strings.TrimSpace(req.ShortName),
		CustomerResponsibleID: req.CustomerResponsibleID,
		PriceMultiplier:       money.Zero,
		Transport:             money.Amount(req.Transport),
		MinTransport:          money.Amount(req.MinTransport),
	}
	if req.PriceMultiplier != nil {
		point.PriceMultiplier = *req.PriceMultiplier
	}

	var created *domain.DeliveryPoint
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if req.CustomerResponsibleID != nil {
			if _, err := tx.GetCustomer(ctx, *req.CustomerResponsibleID, false); err != nil {
				return err
			}
		}
		var err error
		created, err = tx.CreateDeliveryPoint(ctx, point)
		return err
	})
	if err != nil {
		return domain.DeliveryPoint{}, err
	}
	return *created, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.CreateProductRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}
	if !req.OrderUnit.Valid() {
		return domain.Product{}, invalidField("order_unit", "order_unit")
	}
	if !req.OrderUnit.Fractional() && !req.Stock.Equal(req.Stock.Truncate(0)) {
		return domain.Product{}, invalidField("stock", "integer")
	}
	if req.OrderUnit == domain.OrderUnitPieceByWeight && !req.AverageWeight.IsPositive() {
		return domain.Product{}, invalidField("average_weight", "gt=0")
	}
	customerPrice := req.ProducerUnitPrice
	fixed := false
	if req.CustomerUnitPrice != nil {
		customerPrice = *req.CustomerUnitPrice
		fixed = true
	}
	name := strings.TrimSpace(req.LongName)

	var created *domain.Product
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		producer, err := tx.GetProducer(ctx, req.ProducerID, false)
		if err != nil {
			return err
		}
		if !fixed {
			customerPrice = catalogPrices(*producer, domain.Product{
				ProducerUnitPrice: req.ProducerUnitPrice,
				VATRate:           req.VATRate,
				IsBox:             req.IsBox,
			}).CustomerUnitPrice
		}
		siblings, err := tx.ListProducts(ctx, store.ProductFilter{ProducerIDs: []int64{req.ProducerID}})
		if err != nil {
			return err
		}
		for _, sibling := range siblings {
			if strings.EqualFold(sibling.LongName, name) {
				return invalidField("long_name", "unique")
			}
		}
		created, err = tx.CreateProduct(ctx, domain.Product{
			ProducerID:                req.ProducerID,
			LongName:                  name,
			OrderUnit:                 req.OrderUnit,
			ProducerUnitPrice:         money.Amount(req.ProducerUnitPrice),
			CustomerUnitPrice:         money.Amount(customerPrice),
			UnitDeposit:               money.Amount(req.UnitDeposit),
			VATRate:                   money.VAT(req.VATRate),
			AverageWeight:             money.Quantity(req.AverageWeight),
			ProducerOrderByQuantity:   money.Quantity(req.ProducerOrderByQuantity),
			Stock:                     money.Stock(req.Stock),
			LimitOrderQuantityToStock: req.LimitOrderQuantityToStock,
			ManageReplenishment:       req.ManageReplenishment,
			IsResalePriceFixed:        fixed,
			IsBox:                     req.IsBox,
			Active:                    true,
		})
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}
	return *created, nil
}

func (s *Service) ListProducts(ctx context.Context, producerIDs []int64) ([]domain.Product, error) {
	if err := requireStaff(ctx); err != nil {
		return nil, err
	}
	var products []domain.Product
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		products, err = tx.ListProducts(ctx, store.ProductFilter{ProducerIDs: producerIDs})
		return err
	})
	return products, err
}

// SetBoxContents replaces the components of a box. Each component carries
// the customer price and deposit it contributes to the box.
func (s *Service) SetBoxContents(ctx context.Context, boxID int64, req domain.SetBoxContentsRequest) ([]domain.BoxContent, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if err := s.check(req); err != nil {
		return nil, err
	}

	var contents []domain.BoxContent
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		box, err := tx.GetProduct(ctx, boxID, true)
		if err != nil {
			return err
		}
		if !box.IsBox {
			return invalidField("product_id", "is_box")
		}
		rows := make([]domain.BoxContent, 0, len(req.Contents))
		seen := make(map[int64]bool, len(req.Contents))
		for i, content := range req.Contents {
			if seen[content.ProductID] {
				return invalidField(fmt.Sprintf("contents[%d].product_id", i), "unique")
			}
			seen[content.ProductID] = true
			product, err := tx.GetProduct(ctx, content.ProductID, false)
			if err != nil {
				return err
			}
			if product.IsBox {
				return invalidField(fmt.Sprintf("contents[%d].product_id", i), "nested box")
			}
			producer, err := tx.GetProducer(ctx, product.ProducerID, false)
			if err != nil {
				return err
			}
			quantity := money.Quantity(content.ContentQuantity)
			unit := catalogPrices(*producer, *product)
			price, deposit := pricing.BoxContentPrice(quantity, unit.CustomerUnitPrice, product.UnitDeposit)
			rows = append(rows, domain.BoxContent{
				BoxID:           boxID,
				ProductID:       product.ID,
				ContentQuantity: quantity,
				CustomerPrice:   price,
				Deposit:         deposit,
			})
		}
		contents, err = tx.ReplaceBoxContents(ctx, boxID, rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return contents, nil
}

// RefreshBoxStock writes the number of boxes the limited components allow
// into the box's own stock.
func (s *Service) RefreshBoxStock(ctx context.Context, boxID int64) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	var box *domain.Product
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		box, err = tx.GetProduct(ctx, boxID, true)
		if err != nil {
			return err
		}
		if !box.IsBox {
			return invalidField("product_id", "is_box")
		}
		if box.Stock, err = s.boxStock(ctx, tx, boxID); err != nil {
			return err
		}
		box.LimitOrderQuantityToStock = true
		return tx.UpdateProduct(ctx, *box)
	})
	if err != nil {
		return domain.Product{}, err
	}
	return *box, nil
}

// RecordBankMovement enters one line of the bank statement. It stays
// unattributed until the next settlement dated on or after it.
func (s *Service) RecordBankMovement(ctx context.Context, req domain.BankMovementRequest) (domain.BankEntry, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.BankEntry{}, err
	}
	if err := s.check(req); err != nil {
		return domain.BankEntry{}, err
	}
	if (req.ProducerID == nil) == (req.CustomerID == nil) {
		return domain.BankEntry{}, invalidField("customer_id", "exactly one of customer_id and producer_id")
	}
	if req.AmountIn.IsPositive() == req.AmountOut.IsPositive() {
		return domain.BankEntry{}, invalidField("amount_in", "exactly one of amount_in and amount_out")
	}

	var created *domain.BankEntry
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if req.ProducerID != nil {
			if _, err := tx.GetProducer(ctx, *req.ProducerID, false); err != nil {
				return err
			}
		}
		if req.CustomerID != nil {
			if _, err := tx.GetCustomer(ctx, *req.CustomerID, false); err != nil {
				return err
			}
		}
		var err error
		created, err = tx.CreateBankEntry(ctx, domain.BankEntry{
			OperationDate: dateOnly(req.OperationDate),
			Status:        domain.BankMovement,
			Comment:       strings.TrimSpace(req.Comment),
			AmountIn:      money.Amount(req.AmountIn),
			AmountOut:     money.Amount(req.AmountOut),
			ProducerID:    req.ProducerID,
			CustomerID:    req.CustomerID,
		})
		return err
	})
	if err != nil {
		return domain.BankEntry{}, err
	}
	return *created, nil
}

func (s *Service) ListBankEntries(ctx context.Context, limit int) ([]domain.BankEntry, error) {
	if err := requireStaff(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []domain.BankEntry
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		entries, err = tx.ListBankEntries(ctx, store.BankEntryFilter{Descending: true, Limit: limit})
		return err
	})
	return entries, err
}

// InitBankTotal records the opening bank balance. It is refused once any
// bank total exists.
func (s *Service) InitBankTotal(ctx context.Context, req domain.InitBankTotalRequest) (domain.BankEntry, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.BankEntry{}, err
	}
	if err := s.check(req); err != nil {
		return domain.BankEntry{}, err
	}

	var created *domain.BankEntry
	err := s.withLatestTotalLock(ctx, func() error {
		return s.repo.WithinTx(ctx, func(tx store.Tx) error {
			existing, err := tx.ListBankEntries(ctx, store.BankEntryFilter{
				Statuses: []domain.BankStatus{domain.BankLatestTotal, domain.BankNotLatestTotal},
				Limit:    1,
			})
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return fmt.Errorf("%w: bank total already initialised", store.ErrConflict)
			}
			in, out := money.Split(money.Amount(req.Amount))
			created, err = tx.CreateBankEntry(ctx, domain.BankEntry{
				OperationDate: dateOnly(req.OperationDate),
				Status:        domain.BankLatestTotal,
				Comment:       "Opening balance",
				AmountIn:      in,
				AmountOut:     out,
			})
			return err
		})
	})
	if err != nil {
		return domain.BankEntry{}, err
	}
	s.log.Info().Int64("bank_entry_id", created.ID).Str("amount", created.Net().StringFixed(2)).Msg("bank total initialised")
	return *created, nil
}
