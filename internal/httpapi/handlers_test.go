package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"coopcycle/backend/internal/config"
	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/service"
	"coopcycle/backend/internal/store"
	"coopcycle/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) (*API, *memory.Store) {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, config.Settings{ManageAccounting: true})
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, repo)

	return New(svc, auth, "*"), repo
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
	return out
}

func cyclePath(id int64, action string) string {
	path := "/api/v1/cycles/" + strconv.FormatInt(id, 10)
	if action != "" {
		path += "/" + action
	}
	return path
}

func seededIDs(t *testing.T, repo *memory.Store) (producers map[string]int64, customers map[string]int64) {
	t.Helper()
	producers = map[string]int64{}
	customers = map[string]int64{}
	ctx := context.Background()
	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		ps, err := tx.ListProducers(ctx, store.ProducerFilter{})
		if err != nil {
			return err
		}
		for _, p := range ps {
			producers[p.ShortName] = p.ID
		}
		cs, err := tx.ListCustomers(ctx, store.CustomerFilter{})
		if err != nil {
			return err
		}
		for _, c := range cs {
			customers[c.ShortName] = c.ID
		}
		return nil
	})
	if err != nil {
		t.Fatalf("load seeded ids: %v", err)
	}
	return producers, customers
}

func offerItemIDs(t *testing.T, repo *memory.Store, cycleID int64) map[string]int64 {
	t.Helper()
	ids := map[string]int64{}
	ctx := context.Background()
	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		items, err := tx.ListOfferItems(ctx, store.OfferItemFilter{CycleID: cycleID})
		for _, item := range items {
			ids[item.LongName] = item.ID
		}
		return err
	})
	if err != nil {
		t.Fatalf("list offer items: %v", err)
	}
	return ids
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[domain.LoginResponse](t, rec)
	if body.AccessToken == "" || body.Role != domain.RoleAdmin {
		t.Fatalf("expected admin access token, got %+v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_RejectsUnknownFields(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "admin123",
		"pin":      "1234",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/products", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "staff", "staff123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string][]domain.Product](t, rec)
	if len(body["products"]) == 0 {
		t.Fatalf("expected seeded products, got %v", body)
	}
}

func TestStaffCannotRunLifecycleActions(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "staff", "staff123")

	rec := doJSON(t, handler, http.MethodPost, cyclePath(1, "archive"), token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/bank-entries", token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on bank entries, got %d", rec.Code)
	}
}

func TestUnknownCycleReturns404(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodGet, cyclePath(9999, ""), token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/cycles/abc", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestCycleLifecycleOverHTTP(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	admin := login(t, handler, "admin", "admin123")
	staff := login(t, handler, "staff", "staff123")
	producers, customers := seededIDs(t, repo)
	date := time.Now().UTC().Truncate(24 * time.Hour)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/cycles", admin, domain.CreateCycleRequest{
		ShortName:   "Weekly basket",
		Date:        date,
		ProducerIDs: []int64{producers["Green Farm"], producers["Bakery"]},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create cycle: %d %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.CycleDetail](t, rec)
	id := created.Cycle.ID
	if created.Cycle.Status != domain.StatusPlanned {
		t.Fatalf("expected PLANNED, got %s", created.Cycle.Status)
	}

	if rec := doJSON(t, handler, http.MethodPost, cyclePath(id, "open"), admin, nil); rec.Code != http.StatusOK {
		t.Fatalf("open: %d %s", rec.Code, rec.Body.String())
	}

	items := offerItemIDs(t, repo, id)
	rec = doJSON(t, handler, http.MethodPost, cyclePath(id, "orders"), staff, map[string]any{
		"customer_id":   customers["Alice"],
		"offer_item_id": items["Carrots"],
		"quantity":      "2.5",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("place order: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(t, handler, http.MethodPost, cyclePath(id, "confirm"), staff, domain.ConfirmOrderRequest{CustomerID: customers["Alice"]}); rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body.String())
	}

	for _, action := range []string{"close", "send"} {
		if rec := doJSON(t, handler, http.MethodPost, cyclePath(id, action), admin, nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", action, rec.Code, rec.Body.String())
		}
	}

	rec = doJSON(t, handler, http.MethodGet, cyclePath(id, "summary"), staff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("summary: %d %s", rec.Code, rec.Body.String())
	}
	summary := decodeBody[domain.CycleSummary](t, rec)
	if summary.CycleID != id || summary.Status != domain.StatusSend {
		t.Fatalf("unexpected summary %+v", summary)
	}

	rec = doJSON(t, handler, http.MethodPost, cyclePath(id, "invoice"), admin, domain.InvoiceRequest{PaymentDate: date})
	if rec.Code != http.StatusOK {
		t.Fatalf("invoice: %d %s", rec.Code, rec.Body.String())
	}
	settled := decodeBody[domain.SettlementResult](t, rec)
	if settled.Cycle.Status != domain.StatusInvoiced || settled.LatestTotal.Status != domain.BankLatestTotal {
		t.Fatalf("unexpected settlement %+v", settled)
	}

	rec = doJSON(t, handler, http.MethodPost, cyclePath(id, "invoice"), admin, domain.InvoiceRequest{PaymentDate: date})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 when invoicing twice, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, cyclePath(id, "cancel-invoice"), admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel invoice: %d %s", rec.Code, rec.Body.String())
	}
	cancelled := decodeBody[domain.CycleDetail](t, rec)
	if cancelled.Cycle.Status != domain.StatusSend {
		t.Fatalf("expected SEND after cancel, got %s", cancelled.Cycle.Status)
	}
}

func TestListCyclesFiltersByStatus(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	admin := login(t, handler, "admin", "admin123")
	producers, _ := seededIDs(t, repo)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/cycles", admin, domain.CreateCycleRequest{
		ShortName:   "Market",
		Date:        time.Now().UTC().Truncate(24 * time.Hour),
		ProducerIDs: []int64{producers["Bakery"]},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create cycle: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/cycles?status=planned", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	if cycles := decodeBody[map[string][]domain.OrderCycle](t, rec)["cycles"]; len(cycles) != 1 {
		t.Fatalf("expected one planned cycle, got %d", len(cycles))
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/cycles?status=OPENED", admin, nil)
	if cycles := decodeBody[map[string][]domain.OrderCycle](t, rec)["cycles"]; len(cycles) != 0 {
		t.Fatalf("expected no opened cycles, got %d", len(cycles))
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/cycles?status=SHIPPED", admin, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestValidationErrorListsFields(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	admin := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/producers", admin, map[string]any{"short_name": ""})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody[map[string]any](t, rec)
	fields, ok := body["fields"].(map[string]any)
	if !ok || fields["short_name"] == nil {
		t.Fatalf("expected short_name field error, got %v", body)
	}
}

func TestInitBankTotalConflictsWithSeededTotal(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	admin := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/bank-entries/init-total", admin, map[string]any{
		"operation_date": time.Now().UTC().Truncate(24 * time.Hour),
		"amount":         "100",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestCreateUserThenLogin(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	admin := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users", admin, domain.CreateUserRequest{Username: "packer", Password: "pack1234"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users", admin, domain.CreateUserRequest{Username: "packer", Password: "pack1234"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate user, got %d", rec.Code)
	}
	if token := login(t, handler, "packer", "pack1234"); token == "" {
		t.Fatalf("expected token for new user")
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes.
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
