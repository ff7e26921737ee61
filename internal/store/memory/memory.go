package memory

import (
	"context"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/pricing"
	"coopcycle/backend/internal/store"
)

// Store keeps everything in maps. A unit of work holds the write lock for
// its whole duration and restores the state it started from on error.
type Store struct {
	mu              sync.RWMutex
	state           *state
	usersByUsername map[string]domain.UserAccount
}

type state struct {
	nextID           int64
	producers        map[int64]domain.Producer
	customers        map[int64]domain.Customer
	deliveryPoints   map[int64]domain.DeliveryPoint
	products         map[int64]domain.Product
	boxContents      map[int64]domain.BoxContent
	cycles           map[int64]domain.OrderCycle
	deliveryBoards   map[int64]domain.DeliveryBoard
	producerInvoices map[int64]domain.ProducerInvoice
	customerInvoices map[int64]domain.CustomerInvoice
	crossInvoices    map[int64]domain.CustomerProducerInvoice
	offerItems       map[int64]domain.OfferItem
	purchases        map[int64]domain.Purchase
	bankEntries      map[int64]domain.BankEntry
}

func newState() *state {
	return &state{
		producers:        make(map[int64]domain.Producer),
		customers:        make(map[int64]domain.Customer),
		deliveryPoints:   make(map[int64]domain.DeliveryPoint),
		products:         make(map[int64]domain.Product),
		boxContents:      make(map[int64]domain.BoxContent),
		cycles:           make(map[int64]domain.OrderCycle),
		deliveryBoards:   make(map[int64]domain.DeliveryBoard),
		producerInvoices: make(map[int64]domain.ProducerInvoice),
		customerInvoices: make(map[int64]domain.CustomerInvoice),
		crossInvoices:    make(map[int64]domain.CustomerProducerInvoice),
		offerItems:       make(map[int64]domain.OfferItem),
		purchases:        make(map[int64]domain.Purchase),
		bankEntries:      make(map[int64]domain.BankEntry),
	}
}

func (s *state) clone() *state {
	dup := &state{
		nextID:           s.nextID,
		producers:        maps.Clone(s.producers),
		customers:        maps.Clone(s.customers),
		deliveryPoints:   maps.Clone(s.deliveryPoints),
		products:         maps.Clone(s.products),
		boxContents:      maps.Clone(s.boxContents),
		cycles:           make(map[int64]domain.OrderCycle, len(s.cycles)),
		deliveryBoards:   maps.Clone(s.deliveryBoards),
		producerInvoices: maps.Clone(s.producerInvoices),
		customerInvoices: maps.Clone(s.customerInvoices),
		crossInvoices:    maps.Clone(s.crossInvoices),
		offerItems:       maps.Clone(s.offerItems),
		purchases:        maps.Clone(s.purchases),
		bankEntries:      maps.Clone(s.bankEntries),
	}
	for id, cycle := range s.cycles {
		dup.cycles[id] = cloneCycle(cycle)
	}
	return dup
}

func (s *state) newID() int64 {
	s.nextID++
	return s.nextID
}

// New returns an empty store with the seeded staff accounts.
func New() *Store {
	return &Store{state: newState(), usersByUsername: seedUsers()}
}

// seedUsers builds the initial staff accounts for dev/demo mode. Passwords
// come from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD, with dev defaults.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"staff", staffPwd, domain.RoleStaff},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("failed to hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with the cooperative identities, a few parties,
// a small catalog and an opening bank total, enough to run a demo cycle.
func NewSeeded() *Store {
	s := New()
	st := s.state
	today := nowDateUTC(time.Now())
	one := decimal.NewFromInt(1)

	add := func(fn func(id int64)) int64 {
		id := st.newID()
		fn(id)
		return id
	}
	groupProducer := add(func(id int64) {
		st.producers[id] = domain.Producer{ID: id, ShortName: "Cooperative", RepresentsGroup: true, PriceMultiplier: one, Active: true, DateBalance: today}
	})
	farm := add(func(id int64) {
		st.producers[id] = domain.Producer{ID: id, ShortName: "Green Farm", PriceMultiplier: decimal.RequireFromString("1.2"), PricesWoVAT: true, Active: true, DateBalance: today}
	})
	bakery := add(func(id int64) {
		st.producers[id] = domain.Producer{ID: id, ShortName: "Bakery", PriceMultiplier: one, Active: true, DateBalance: today}
	})
	add(func(id int64) {
		st.customers[id] = domain.Customer{ID: id, ShortName: "Cooperative", RepresentsGroup: true, PriceMultiplier: one, Active: true, DateBalance: today, MembershipFeeValidUntil: today}
	})
	for _, name := range []string{"Alice", "Bruno", "Chloe"} {
		add(func(id int64) {
			st.customers[id] = domain.Customer{ID: id, ShortName: name, MayOrder: true, PriceMultiplier: one, Active: true, DateBalance: today, MembershipFeeValidUntil: today}
		})
	}
	for _, p := range []domain.Product{
		{ProducerID: farm, LongName: "Carrots", OrderUnit: domain.OrderUnitKilogram, ProducerUnitPrice: decimal.RequireFromString("1.5"), VATRate: decimal.RequireFromString("0.06")},
		{ProducerID: farm, LongName: "Eggs x6", OrderUnit: domain.OrderUnitPiece, ProducerUnitPrice: decimal.RequireFromString("2.1"), VATRate: decimal.RequireFromString("0.06"), ManageReplenishment: true, ProducerOrderByQuantity: decimal.NewFromInt(10), Stock: decimal.NewFromInt(4)},
		{ProducerID: bakery, LongName: "Sourdough", OrderUnit: domain.OrderUnitPieceByWeight, ProducerUnitPrice: decimal.RequireFromString("6.8"), CustomerUnitPrice: decimal.RequireFromString("6.8"), AverageWeight: decimal.RequireFromString("0.8"), VATRate: decimal.RequireFromString("0.06")},
		{ProducerID: bakery, LongName: "Bottle deposit", OrderUnit: domain.OrderUnitDeposit, UnitDeposit: decimal.RequireFromString("0.1")},
		{ProducerID: groupProducer, LongName: "Transport", OrderUnit: domain.OrderUnitTransport, ProducerUnitPrice: decimal.RequireFromString("2")},
		{ProducerID: groupProducer, LongName: "Membership fee", OrderUnit: domain.OrderUnitMembershipFee},
	} {
		producer := st.producers[p.ProducerID]
		p.CustomerUnitPrice = pricing.DeriveUnitPrices(pricing.CatalogPrice{
			ProducerUnitPrice:  p.ProducerUnitPrice,
			CustomerUnitPrice:  p.CustomerUnitPrice,
			VATRate:            p.VATRate,
			Multiplier:         producer.PriceMultiplier,
			PricesWoVAT:        producer.PricesWoVAT,
			ResalePriceIsFixed: p.IsResalePriceFixed,
		}).CustomerUnitPrice
		add(func(id int64) {
			p.ID = id
			p.Active = true
			st.products[id] = p
		})
	}
	add(func(id int64) {
		st.bankEntries[id] = domain.BankEntry{ID: id, OperationDate: today, Status: domain.BankLatestTotal, Comment: "Opening balance", AmountIn: decimal.Zero, AmountOut: decimal.Zero}
	})
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&memTx{st: s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func nowDateUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func cloneCycle(src domain.OrderCycle) domain.OrderCycle {
	dup := src
	dup.ProducerIDs = slices.Clone(src.ProducerIDs)
	return dup
}

// collect returns the values kept by keep in ascending id order.
func collect[T any](m map[int64]T, keep func(T) bool) []T {
	result := make([]T, 0)
	for _, id := range slices.Sorted(maps.Keys(m)) {
		if keep(m[id]) {
			result = append(result, m[id])
		}
	}
	return result
}

func containsAll[T comparable](values []T, v T) bool {
	return len(values) == 0 || slices.Contains(values, v)
}
