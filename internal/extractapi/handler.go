// Package extractapi is the HTTP surface of the extraction service: payment
// order creation, request admission, status polling, and completed-PDF
// retrieval.
package extractapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mahabhulekh/ferfar-extracts/internal/blobstore"
	"github.com/mahabhulekh/ferfar-extracts/internal/job"
	"github.com/mahabhulekh/ferfar-extracts/internal/payment"
	"github.com/mahabhulekh/ferfar-extracts/internal/workitem"
)

type Config struct {
	// OrderAmount is the checkout price in the currency's minor unit.
	OrderAmount   int64
	OrderCurrency string

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

// AdmissionService is the admission slice the handler needs.
type AdmissionService interface {
	Submit(ctx context.Context, in SubmitInput) (int64, error)
}

// JobReader is the read-only store projection behind the status endpoint.
type JobReader interface {
	Get(ctx context.Context, id int64) (job.Request, error)
}

// OrderCreator opens a checkout with the payment provider.
type OrderCreator interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string) (payment.Order, error)
}

// FileReader serves completed extract PDFs.
type FileReader interface {
	Get(ctx context.Context, key string) (blobstore.Object, error)
}

func NewHandler(cfg Config, admission AdmissionService, jobs JobReader, orders OrderCreator, files FileReader) (http.Handler, error) {
	if jobs == nil {
		return nil, fmt.Errorf("%w: nil job reader", ErrInvalidConfig)
	}
	if cfg.OrderAmount <= 0 {
		cfg.OrderAmount = 2000
	}
	if strings.TrimSpace(cfg.OrderCurrency) == "" {
		cfg.OrderCurrency = "INR"
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:       cfg,
		admission: admission,
		jobs:      jobs,
		orders:    orders,
		files:     files,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /api/pay/create-order", h.handleCreateOrder)
	mux.HandleFunc("POST /api/request", h.handleSubmit)
	mux.HandleFunc("GET /api/status/{id}", h.handleStatus)
	mux.HandleFunc("GET /files/{filename}", h.handleFile)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		if !h.limiter.Allow(clientIP(r), h.cfg.Now().UTC()) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate_limited"})
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	admission AdmissionService
	jobs      JobReader
	orders    OrderCreator
	files     FileReader
	limiter   *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "orders_unavailable"})
		return
	}

	receipt := fmt.Sprintf("rec_%d", h.cfg.Now().UTC().UnixMilli())
	order, err := h.orders.CreateOrder(r.Context(), h.cfg.OrderAmount, h.cfg.OrderCurrency, receipt)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "order_creation_failed"})
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type submitRequestBody struct {
	District   string `json:"district"`
	Taluka     string `json:"taluka"`
	Village    string `json:"village"`
	MutationNo string `json:"mutation_no"`
	DocType    string `json:"doc_type"`

	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpaySignature string `json:"razorpay_signature"`
}

func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if h.admission == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "admission_unavailable"})
		return
	}

	body, ok := decodeJSONBody[submitRequestBody](w, r)
	if !ok {
		return
	}

	id, err := h.admission.Submit(r.Context(), SubmitInput{
		District:   body.District,
		Taluka:     body.Taluka,
		Village:    body.Village,
		MutationNo: body.MutationNo,
		DocType:    body.DocType,
		Proof: payment.Proof{
			OrderID:   body.RazorpayOrderID,
			PaymentID: body.RazorpayPaymentID,
			Signature: body.RazorpaySignature,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrVerificationFailed):
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "payment_verification_failed"})
		case errors.Is(err, job.ErrMissingField):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_field"})
		case errors.Is(err, job.ErrPaymentReplayed):
			writeJSON(w, http.StatusConflict, map[string]any{"error": "payment_replayed"})
		default:
			// Store and dispatch faults both surface as a generic server
			// error; the admitter already logged which step failed.
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

type statusResponse struct {
	Status string  `json:"status"`
	PDFURL *string `json:"pdf_url"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("id")), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request_id"})
		return
	}

	rec, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			// Valid absence: the id may not exist or the row may not be
			// visible yet to a fast poller.
			writeJSON(w, http.StatusNotFound, map[string]any{"status": "not_found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}

	resp := statusResponse{Status: string(rec.Status)}
	if rec.PDFURL != "" {
		pdfURL := rec.PDFURL
		resp.PDFURL = &pdfURL
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleFile(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "files_unavailable"})
		return
	}

	obj, err := h.files.Get(r.Context(), r.PathValue("filename"))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, blobstore.ErrInvalidKey) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}

	ct := obj.ContentType
	if ct == "" {
		ct = "application/pdf"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOldest()
		}
		l.states[ip] = limiterState{tokens: l.burst - 1, lastAt: now, lastSeen: now}
		return true
	}

	if elapsed := now.Sub(st.lastAt).Seconds(); elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOldest() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}

// Keep the admitter assignable where the handler expects it.
var _ AdmissionService = (*Admitter)(nil)
var _ WorkDispatcher = (*workitem.Dispatcher)(nil)
