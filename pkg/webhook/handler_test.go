package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nftopia/ingest-go/internal/constants"
	"github.com/nftopia/ingest-go/pkg/types"
)

type handlerFixture struct {
	handler  *Handler
	verifier *Verifier
	store    *MemoryTransactionStore
	metrics  *Metrics
	server   *httptest.Server
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	verifier, err := NewVerifier("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	limiter := NewRateLimiter(DefaultLimits(), zap.NewNop())
	store := NewMemoryTransactionStore()
	processor := NewProcessor(store, metrics, zap.NewNop())
	handler := NewHandler(HandlerConfig{}, verifier, limiter, processor, metrics, zap.NewNop())

	server := httptest.NewServer(handler.Routes())
	t.Cleanup(func() {
		server.Close()
		handler.Close()
		processor.Close()
		limiter.Close()
	})

	return &handlerFixture{
		handler:  handler,
		verifier: verifier,
		store:    store,
		metrics:  metrics,
		server:   server,
	}
}

func (f *handlerFixture) post(t *testing.T, event *types.WebhookEvent, mutate func(*http.Request)) *http.Response {
	t.Helper()

	body, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/transactions", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(constants.SignatureHeader, f.verifier.Sign(body))
	if mutate != nil {
		mutate(req)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandlerAcceptsValidEvent(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.Seed("0xabc")

	resp := f.post(t, confirmedEvent("0xabc", 100), nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var ack map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatal(err)
	}
	if ack["eventId"] != "0xabc-100" {
		t.Errorf("expected eventId 0xabc-100, got %q", ack["eventId"])
	}

	// processing is asynchronous
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tx, err := f.store.FindByHash(context.Background(), "0xabc")
		if err == nil && tx.Status == types.StatusConfirmed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("transaction never reached CONFIRMED")
}

func TestHandlerRejectsMissingSignature(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.post(t, confirmedEvent("0xabc", 100), func(r *http.Request) {
		r.Header.Del(constants.SignatureHeader)
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.post(t, confirmedEvent("0xabc", 100), func(r *http.Request) {
		r.Header.Set(constants.SignatureHeader, "sha256=deadbeef")
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandlerRejectsInvalidPayload(t *testing.T) {
	f := newHandlerFixture(t)

	event := confirmedEvent("0xabc", 100)
	event.Status = "SHIPPED"
	resp := f.post(t, event, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandlerRateLimitsByTransaction(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.Seed("0xabc")

	var last *http.Response
	for i := int64(0); i < 6; i++ {
		// same hash, varying block so dedup does not mask the limiter
		last = f.post(t, confirmedEvent("0xabc", 100+i), nil)
	}

	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on 6th event for one hash, got %d", last.StatusCode)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}

	var body map[string]any
	if err := json.NewDecoder(last.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["tier"] != TierTransaction {
		t.Errorf("expected transaction tier in response, got %v", body["tier"])
	}
}

func TestHandlerSetsRateHeaders(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.Seed("0xabc")

	resp := f.post(t, confirmedEvent("0xabc", 100), nil)
	if resp.Header.Get("X-RateLimit-Limit") == "" ||
		resp.Header.Get("X-RateLimit-Remaining") == "" ||
		resp.Header.Get("X-RateLimit-Reset") == "" {
		t.Error("accepted responses must carry rate limit headers")
	}
}

func TestClientIPResolution(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{
			name:    "forwarded for takes precedence",
			headers: map[string]string{"X-Forwarded-For": "9.9.9.9, 10.0.0.1", "X-Real-IP": "8.8.8.8"},
			remote:  "127.0.0.1:1234",
			want:    "9.9.9.9",
		},
		{
			name:    "real ip",
			headers: map[string]string{"X-Real-IP": "8.8.8.8"},
			remote:  "127.0.0.1:1234",
			want:    "8.8.8.8",
		},
		{
			name:    "cloudflare",
			headers: map[string]string{"CF-Connecting-IP": "7.7.7.7"},
			remote:  "127.0.0.1:1234",
			want:    "7.7.7.7",
		},
		{
			name:   "remote addr fallback",
			remote: "192.168.1.5:9999",
			want:   "192.168.1.5",
		},
		{
			name:   "ipv4 mapped ipv6 stripped",
			remote: "[::ffff:1.2.3.4]:80",
			want:   "1.2.3.4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/transactions", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
