package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coopcycle/backend/internal/domain"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, r, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListUsers(r.Context())})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	user, err := a.auth.CreateUser(r.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errUserExists) {
			status = http.StatusConflict
		}
		writeError(w, r, status, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (a *API) handleListCycles(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.Status
	for _, raw := range strings.Split(r.URL.Query().Get("status"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		status, err := domain.ParseStatus(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}
		statuses = append(statuses, status)
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500)

	cycles, err := a.service.ListCycles(r.Context(), statuses, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

func (a *API) handleCreateCycle(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCycleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	detail, err := a.service.CreateCycle(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (a *API) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	a.cycleAction(a.service.GetCycle)(w, r)
}

func (a *API) handleCycleSummary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	summary, err := a.service.Summary(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// cycleAction serves the lifecycle endpoints that take no request body.
func (a *API) cycleAction(action func(context.Context, int64) (domain.CycleDetail, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}

		detail, err := action(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

// cycleCommand decodes a request body of type T and applies it to the cycle
// named in the path.
func cycleCommand[T any, R any](action func(context.Context, int64, T) (R, error), optionalBody bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}

		var req T
		decode := decodeJSON
		if optionalBody {
			decode = decodeOptionalJSON
		}
		if err := decode(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err)
			return
		}

		result, err := action(r.Context(), id, req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (a *API) handleAdvance(w http.ResponseWriter, r *http.Request) {
	cycleCommand(a.service.Advance, false)(w, r)
}

func (a *API) handleCloseOrders(w http.ResponseWriter, r *http.Request) {
	cycleCommand(a.service.CloseOrders, true)(w, r)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	cycleCommand(a.service.SendToProducers, true)(w, r)
}

func (a *API) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	cycleCommand(a.service.RecalculateOrderAmount, true)(w, r)
}

func (a *API) handleInvoice(w http.ResponseWriter, r *http.Request) {
	cycleCommand(a.service.Invoice, false)(w, r)
}

func (a *API) handleDuplicate(w http.ResponseWriter, r *http.Request) {
	cycleCommand(a.service.Duplicate, false)(w, r)
}

func (a *API) handleCreateChild(w http.ResponseWriter, r *http.Request) {
	cycleCommand(a.service.CreateChild, false)(w, r)
}

func (a *API) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	cycleCommand(a.service.PlaceOrder, false)(w, r)
}

func (a *API) handleConfirmOrder(w http.ResponseWriter, r *http.Request) {
	cycleCommand(a.service.ConfirmOrder, false)(w, r)
}

func (a *API) handleUpdatePurchase(w http.ResponseWriter, r *http.Request) {
	cycleCommand(a.service.UpdateInvoicedQuantity, false)(w, r)
}

func (a *API) handleUpdateOfferItem(w http.ResponseWriter, r *http.Request) {
	cycleCommand(a.service.UpdateStockAddition, false)(w, r)
}

func (a *API) handleListProducers(w http.ResponseWriter, r *http.Request) {
	producers, err := a.service.ListProducers(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"producers": producers})
}

func (a *API) handleCreateProducer(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateProducerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	producer, err := a.service.CreateProducer(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"producer": producer})
}

func (a *API) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := a.service.ListCustomers(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": customers})
}

func (a *API) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCustomerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	customer, err := a.service.CreateCustomer(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"customer": customer})
}

func (a *API) handleCreateDeliveryPoint(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateDeliveryPointRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	point, err := a.service.CreateDeliveryPoint(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"delivery_point": point})
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	var producerIDs []int64
	for _, raw := range strings.Split(r.URL.Query().Get("producer_id"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, http.StatusBadRequest, errors.New("invalid producer_id"))
			return
		}
		producerIDs = append(producerIDs, id)
	}

	products, err := a.service.ListProducts(r.Context(), producerIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateProductRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product": product})
}

func (a *API) handleSetBoxContents(w http.ResponseWriter, r *http.Request) {
	cycleCommand(a.service.SetBoxContents, false)(w, r)
}

func (a *API) handleRefreshBoxStock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	product, err := a.service.RefreshBoxStock(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleListBankEntries(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 1000)
	entries, err := a.service.ListBankEntries(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bank_entries": entries})
}

func (a *API) handleRecordBankMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.BankMovementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	entry, err := a.service.RecordBankMovement(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"bank_entry": entry})
}

func (a *API) handleInitBankTotal(w http.ResponseWriter, r *http.Request) {
	var req domain.InitBankTotalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	entry, err := a.service.InitBankTotal(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"bank_entry": entry})
}
