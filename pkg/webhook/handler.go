package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/internal/constants"
	"github.com/nftopia/ingest-go/pkg/types"
)

// Handler is the HTTP surface of the webhook pipeline. Accepted events are
// handed to a background worker pool so the sender gets a fast 202; all
// outcomes past that point live in the metrics and logs.
type Handler struct {
	verifier  *Verifier
	limiter   *RateLimiter
	processor *Processor
	metrics   *Metrics
	logger    *zap.Logger

	jobs chan *types.WebhookEvent
	wg   sync.WaitGroup
	once sync.Once
}

// HandlerConfig sizes the async handoff.
type HandlerConfig struct {
	Buffer  int
	Workers int
}

func (c *HandlerConfig) setDefaults() {
	if c.Buffer <= 0 {
		c.Buffer = constants.DefaultHandoffBuffer
	}
	if c.Workers <= 0 {
		c.Workers = constants.DefaultHandoffWorkers
	}
}

// NewHandler creates the handler and starts its worker pool.
func NewHandler(cfg HandlerConfig, verifier *Verifier, limiter *RateLimiter, processor *Processor, metrics *Metrics, logger *zap.Logger) *Handler {
	cfg.setDefaults()

	h := &Handler{
		verifier:  verifier,
		limiter:   limiter,
		processor: processor,
		metrics:   metrics,
		logger:    logger.Named("webhook"),
		jobs:      make(chan *types.WebhookEvent, cfg.Buffer),
	}

	h.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go h.worker()
	}
	return h
}

// Routes mounts the webhook endpoints on a fresh router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/transactions", h.handleTransaction)
	return r
}

func (h *Handler) worker() {
	defer h.wg.Done()
	for event := range h.jobs {
		// Errors become retries inside the processor; nothing to do here.
		_ = h.processor.Process(context.Background(), event)
	}
}

// handleTransaction accepts one transaction-status event. Order matters:
// rate limiting is decided before signature verification so abusive clients
// cannot burn HMAC work, and the signature covers the raw body exactly as
// received.
func (h *Handler) handleTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, constants.MaxWebhookBodyBytes))
	if err != nil {
		h.metrics.RecordRejected("oversized")
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	// The transaction tier keys on the hash, so peek at it before the full
	// payload is validated.
	var peek struct {
		TxHash string `json:"txHash"`
	}
	_ = json.Unmarshal(body, &peek)

	ip := clientIP(r)
	decision := h.limiter.Check(RateRequest{
		IP:     ip,
		Source: r.Header.Get(constants.SourceHeader),
		TxHash: peek.TxHash,
	})
	writeRateHeaders(w, decision)
	if !decision.Allowed {
		h.metrics.RecordRejected("rate_limited")
		retryAfter := int(decision.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":      "rate limit exceeded",
			"tier":       decision.Tier,
			"retryAfter": retryAfter,
		})
		return
	}

	signature := r.Header.Get(constants.SignatureHeader)
	if signature == "" {
		h.metrics.RecordRejected("missing_signature")
		writeError(w, http.StatusUnauthorized, "missing signature")
		return
	}
	if !h.verifier.Verify(body, signature) {
		h.metrics.RecordRejected("invalid_signature")
		h.logger.Warn("invalid webhook signature", zap.String("ip", ip))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var event types.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.metrics.RecordRejected("malformed")
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	if err := event.Validate(); err != nil {
		h.metrics.RecordRejected("invalid_payload")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	select {
	case h.jobs <- &event:
		h.metrics.RecordReceived()
	default:
		h.metrics.RecordRejected("backlog_full")
		writeError(w, http.StatusServiceUnavailable, "processing backlog full")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"eventId": event.EventID(),
	})
}

// Close drains the worker pool. New requests racing Close may panic on the
// closed channel, so stop the HTTP server first.
func (h *Handler) Close() {
	h.once.Do(func() {
		close(h.jobs)
		h.wg.Wait()
	})
}

// clientIP resolves the caller address, preferring proxy headers in order
// and falling back to the socket peer. IPv4-mapped IPv6 prefixes are
// stripped so the same client always maps to the same key.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			xff = xff[:idx]
		}
		return canonicalIP(strings.TrimSpace(xff))
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return canonicalIP(strings.TrimSpace(rip))
	}
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return canonicalIP(strings.TrimSpace(cf))
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return canonicalIP(r.RemoteAddr)
	}
	return canonicalIP(host)
}

func canonicalIP(ip string) string {
	return strings.TrimPrefix(ip, "::ffff:")
}

func writeRateHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
