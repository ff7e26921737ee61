package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coopcycle/backend/internal/domain"
	"coopcycle/backend/internal/logging"
	"coopcycle/backend/internal/service"
	"coopcycle/backend/internal/store"
)

const requestIDHeader = "X-Request-ID"

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	logger        zerolog.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		logger:        logging.WithComponent("httpapi"),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	staff := []string{domain.RoleStaff, domain.RoleAdmin}
	admin := []string{domain.RoleAdmin}

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("GET /api/v1/users", a.requireAuth(a.handleListUsers, admin...))
	mux.HandleFunc("POST /api/v1/users", a.requireAuth(a.handleCreateUser, admin...))

	mux.HandleFunc("GET /api/v1/cycles", a.requireAuth(a.handleListCycles, staff...))
	mux.HandleFunc("POST /api/v1/cycles", a.requireAuth(a.handleCreateCycle, admin...))
	mux.HandleFunc("GET /api/v1/cycles/{id}", a.requireAuth(a.handleGetCycle, staff...))
	mux.HandleFunc("GET /api/v1/cycles/{id}/summary", a.requireAuth(a.handleCycleSummary, staff...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/advance", a.requireAuth(a.handleAdvance, admin...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/open", a.requireAuth(a.cycleAction(a.service.OpenOrders), admin...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/back-to-scheduled", a.requireAuth(a.cycleAction(a.service.BackToScheduled), admin...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/close", a.requireAuth(a.handleCloseOrders, admin...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/send", a.requireAuth(a.handleSend, admin...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/recalculate", a.requireAuth(a.handleRecalculate, admin...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/invoice", a.requireAuth(a.handleInvoice, admin...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/cancel-invoice", a.requireAuth(a.cycleAction(a.service.CancelInvoice), admin...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/cancel-delivery", a.requireAuth(a.cycleAction(a.service.CancelDelivery), admin...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/archive", a.requireAuth(a.cycleAction(a.service.Archive), admin...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/duplicate", a.requireAuth(a.handleDuplicate, admin...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/child", a.requireAuth(a.handleCreateChild, admin...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/orders", a.requireAuth(a.handlePlaceOrder, staff...))
	mux.HandleFunc("POST /api/v1/cycles/{id}/confirm", a.requireAuth(a.handleConfirmOrder, staff...))
	mux.HandleFunc("PATCH /api/v1/purchases/{id}", a.requireAuth(a.handleUpdatePurchase, admin...))
	mux.HandleFunc("PATCH /api/v1/offer-items/{id}", a.requireAuth(a.handleUpdateOfferItem, admin...))

	mux.HandleFunc("GET /api/v1/producers", a.requireAuth(a.handleListProducers, staff...))
	mux.HandleFunc("POST /api/v1/producers", a.requireAuth(a.handleCreateProducer, admin...))
	mux.HandleFunc("GET /api/v1/customers", a.requireAuth(a.handleListCustomers, staff...))
	mux.HandleFunc("POST /api/v1/customers", a.requireAuth(a.handleCreateCustomer, admin...))
	mux.HandleFunc("POST /api/v1/delivery-points", a.requireAuth(a.handleCreateDeliveryPoint, admin...))
	mux.HandleFunc("GET /api/v1/products", a.requireAuth(a.handleListProducts, staff...))
	mux.HandleFunc("POST /api/v1/products", a.requireAuth(a.handleCreateProduct, admin...))
	mux.HandleFunc("POST /api/v1/products/{id}/box-contents", a.requireAuth(a.handleSetBoxContents, admin...))
	mux.HandleFunc("POST /api/v1/products/{id}/refresh-stock", a.requireAuth(a.handleRefreshBoxStock, admin...))

	mux.HandleFunc("GET /api/v1/bank-entries", a.requireAuth(a.handleListBankEntries, admin...))
	mux.HandleFunc("POST /api/v1/bank-entries", a.requireAuth(a.handleRecordBankMovement, admin...))
	mux.HandleFunc("POST /api/v1/bank-entries/init-total", a.requireAuth(a.handleInitBankTotal, admin...))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, r, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		logger := zerolog.Ctx(r.Context()).With().Str("actor", actor.Username).Logger()
		ctx := service.WithActor(logger.WithContext(r.Context()), actor)
		next(w, r.WithContext(ctx))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		logger := logging.WithRequestID(a.logger, requestID)
		r = r.WithContext(logger.WithContext(r.Context()))

		w.Header().Set(requestIDHeader, requestID)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(recorder, r)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("elapsed", time.Since(startedAt)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// decodeOptionalJSON accepts an empty body for endpoints whose request
// fields all have usable zero values.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(r, dest)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// statusFor maps service and store errors onto HTTP status codes.
func statusFor(err error) int {
	var transition *service.TransitionError
	var validation *service.ValidationError
	switch {
	case errors.Is(err, service.ErrSettlementPrerequisites):
		return http.StatusPreconditionFailed
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &transition), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusFor(err), err)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		zerolog.Ctx(r.Context()).Error().Err(err).Int("status", status).Msg("internal error")
		msg = "internal server error"
	}
	payload := map[string]any{"error": msg}
	var validation *service.ValidationError
	if errors.As(err, &validation) && len(validation.Fields) > 0 {
		payload["fields"] = validation.Fields
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
