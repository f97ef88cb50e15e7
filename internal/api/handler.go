package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/escrowd/internal/domain"
	"github.com/punchamoorthee/escrowd/internal/models"
	"github.com/punchamoorthee/escrowd/internal/service"
)

const maxBodyBytes = 1 << 20

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "endpoint"})
)

// Pinger is satisfied by the stores; /health reports its result.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Services struct {
	Contracts *service.ContractService
	Payments  *service.PaymentService
	Webhooks  *service.WebhookService
	Wallet    *service.WalletService
	Payouts   *service.PayoutService
}

type Handler struct {
	svc    Services
	db     Pinger
	logger *slog.Logger
}

func NewHandler(svc Services, db Pinger, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, db: db, logger: logger.With("module", "api")}
}

// NewRouter wires the internal API behind bearer auth, the gateway webhook
// behind its HMAC signature, and the unauthenticated ops endpoints.
func NewRouter(h *Handler, auth *Authenticator) *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/gateway", h.GatewayWebhookHandler).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(auth.Middleware)
	v1.HandleFunc("/contracts", h.CreateContractHandler).Methods(http.MethodPost)
	v1.HandleFunc("/contracts/{id}", h.GetContractHandler).Methods(http.MethodGet)
	v1.HandleFunc("/contracts/{id}/signatures", h.RecordSignatureHandler).Methods(http.MethodPost)
	v1.HandleFunc("/contracts/{id}/dispute", h.DisputeHandler).Methods(http.MethodPost)
	v1.HandleFunc("/contracts/{id}/payments", h.RequestPaymentHandler).Methods(http.MethodPost)
	v1.HandleFunc("/contracts/{id}/payments", h.ListPaymentsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/wallet", h.WalletSummaryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/wallet/entries", h.WalletEntriesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/payouts", h.SubmitPayoutHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payouts", h.ListPayoutsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/payouts/{id}/approve", h.ApprovePayoutHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payouts/{id}/complete", h.CompletePayoutHandler).Methods(http.MethodPost)
	v1.HandleFunc("/payouts/{id}/reject", h.RejectPayoutHandler).Methods(http.MethodPost)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument labels metrics with the route template so ids do not explode
// cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := "unmatched"
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrDuplicateSignature):
		status, code = http.StatusConflict, "duplicate_signature"
	case errors.Is(err, domain.ErrAlreadyPaid):
		status, code = http.StatusConflict, "already_paid"
	case errors.Is(err, domain.ErrInFlight):
		status, code = http.StatusConflict, "in_flight"
	case errors.Is(err, domain.ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrInsufficientBalance):
		status, code = http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, domain.ErrInvalidInput):
		status, code = http.StatusUnprocessableEntity, "invalid_input"
	case errors.Is(err, domain.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		status, code = http.StatusServiceUnavailable, "gateway_unavailable"
		w.Header().Set("Retry-After", "5")
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "Internal Server Error"
	}
	respondWithError(w, status, code, msg, domain.Retryable(err))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_input", "Malformed JSON body", false)
		return false
	}
	return true
}

func respondWithError(w http.ResponseWriter, code int, errCode, message string, retryable bool) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message, Code: errCode, Retryable: retryable})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
