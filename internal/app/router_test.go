package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/faultline-labs/faultline/internal/adapter/httpclient"
	"github.com/faultline-labs/faultline/internal/adapter/httpserver"
	kvredis "github.com/faultline-labs/faultline/internal/adapter/kv/redis"
	"github.com/faultline-labs/faultline/internal/config"
	"github.com/faultline-labs/faultline/internal/domain"
	"github.com/faultline-labs/faultline/internal/resilience"
	"github.com/faultline-labs/faultline/internal/service/chaos"
	"github.com/faultline-labs/faultline/internal/service/gateway"
	"github.com/faultline-labs/faultline/internal/service/notifications"
	"github.com/faultline-labs/faultline/internal/service/orders"
	"github.com/faultline-labs/faultline/internal/service/payments"
)

func testCfg() config.Config {
	return config.Config{
		EdgeDeadline:     25 * time.Second,
		CORSAllowOrigins: "*",
		RateLimitPerMin:  300,
	}
}

func newTestKV(t *testing.T) *kvredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return kvredis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
}

func okChecks() map[string]Check {
	return map[string]Check{"redis": func(domain.Context) error { return nil }}
}

func newPaymentsRouter(t *testing.T, checks map[string]Check) http.Handler {
	t.Helper()
	kv := newTestKV(t)
	knobs := chaos.New("payments", kv, nil)
	return PaymentsRouter(testCfg(), payments.NewHandler(kv, knobs),
		chaos.NewHandler(knobs, chaos.KnobLatencyMS, chaos.KnobErrorRate), checks)
}

func Test_ParseOrigins(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"https://a.example", []string{"https://a.example"}},
		{" https://a.example , https://b.example ", []string{"https://a.example", "https://b.example"}},
		{" , ", []string{"*"}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ParseOrigins(tt.in), "input %q", tt.in)
	}
}

func Test_Router_OpsEndpoints(t *testing.T) {
	r := newPaymentsRouter(t, okChecks())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"payments"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ready"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func Test_Router_ReadyDegraded(t *testing.T) {
	checks := map[string]Check{
		"redis": func(domain.Context) error { return nil },
		"db":    func(domain.Context) error { return errors.New("connection refused") },
	}
	r := newPaymentsRouter(t, checks)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body.Status)
	require.Equal(t, "ok", body.Checks["redis"])
	require.Contains(t, body.Checks["db"], "connection refused")
}

func Test_Router_SecurityHeaders(t *testing.T) {
	r := newPaymentsRouter(t, okChecks())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func Test_Router_ChargeRoute(t *testing.T) {
	r := newPaymentsRouter(t, okChecks())
	req := httptest.NewRequest(http.MethodPost, "/payments/charge",
		strings.NewReader(`{"order_id":"o1","amount":20.00}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"charged"`)
	require.NotEmpty(t, rec.Header().Get("X-Correlation-ID"), "the edge stamps a correlation id")
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func Test_Router_ExpiredDeadlineRejected(t *testing.T) {
	r := newPaymentsRouter(t, okChecks())
	req := httptest.NewRequest(http.MethodPost, "/payments/charge",
		strings.NewReader(`{"order_id":"o1","amount":20.00}`))
	req.Header.Set(resilience.HeaderDeadline, resilience.FormatDeadline(time.Now().Add(-time.Second)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)

	// Ops endpoints stay reachable regardless of the deadline header.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(resilience.HeaderDeadline, resilience.FormatDeadline(time.Now().Add(-time.Second)))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

// appOrderRepo is the minimal repository used to exercise router wiring.
type appOrderRepo struct {
	mu      sync.Mutex
	creates int
}

func (f *appOrderRepo) CreateWithEvent(_ domain.Context, o domain.Order, _ domain.OutboxEvent) (domain.Order, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	return o, true, nil
}

func (f *appOrderRepo) UpdateStatusWithEvent(domain.Context, string, domain.OrderStatus, domain.OutboxEvent) error {
	return nil
}

func (f *appOrderRepo) Get(domain.Context, string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}

func (f *appOrderRepo) List(domain.Context, int) ([]domain.Order, error) { return nil, nil }

func (f *appOrderRepo) FindStalePending(domain.Context, time.Duration, int) ([]domain.Order, error) {
	return nil, nil
}

type appNoopClient struct{}

func (appNoopClient) Charge(domain.Context, string, domain.Cents, string, *resilience.Budget) error {
	return nil
}

func (appNoopClient) Reserve(domain.Context, string, []domain.OrderItem, string, *resilience.Budget) error {
	return nil
}

func Test_OrdersRouter_IdempotencyWired(t *testing.T) {
	kv := newTestKV(t)
	repo := &appOrderRepo{}
	h := orders.NewHandler(orders.NewOrchestrator(repo, appNoopClient{}, appNoopClient{}, 3))
	idem := httpserver.NewIdempotency("orders", kv, time.Hour, 30*time.Second)
	r := OrdersRouter(testCfg(), h, idem, okChecks())

	body := `{"customer_id":"c1","items":[{"product_id":"prod-001","quantity":1,"unit_price":5.00}]}`
	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
		req.Header.Set(resilience.HeaderIdempotencyKey, "K1")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	first := post()
	require.Equal(t, http.StatusCreated, first.Code)
	second := post()
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get(resilience.HeaderReplayed))
	require.Equal(t, first.Body.String(), second.Body.String(), "replays are byte identical")
	require.Equal(t, 1, repo.creates, "the filter absorbs the duplicate before the handler")
}

func newGatewayTestRouter(t *testing.T, backendURL string, cfg config.Config, maxInflight int) http.Handler {
	t.Helper()
	registry := resilience.NewRegistry(resilience.BreakerConfig{})
	caller := httpclient.New(httpclient.Config{
		From:    "gateway",
		To:      "orders",
		BaseURL: backendURL,
		Retry:   resilience.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, JitterOff: true},
		Breaker: registry.Get("orders"),
	})
	h := gateway.NewHandler(caller, registry)
	return GatewayRouter(cfg, h, httpserver.NewLoadShedder("gateway", maxInflight), okChecks())
}

func Test_GatewayRouter_ProxyAndCORS(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"orders":[],"count":0}`))
	}))
	defer backend.Close()

	r := newGatewayTestRouter(t, backend.URL, testCfg(), 10)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":0`)

	req := httptest.NewRequest(http.MethodOptions, "/orders", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func Test_GatewayRouter_ShedsAtCapacity(t *testing.T) {
	r := newGatewayTestRouter(t, "http://localhost:0", testCfg(), 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Contains(t, rec.Body.String(), "LOAD_SHED")

	// Probes bypass admission control.
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func Test_GatewayRouter_RateLimitsMutations(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"o1"}`))
	}))
	defer backend.Close()

	cfg := testCfg()
	cfg.RateLimitPerMin = 1
	r := newGatewayTestRouter(t, backend.URL, cfg, 10)

	post := func() int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`)))
		return rec.Code
	}
	require.Equal(t, http.StatusCreated, post())
	require.Equal(t, http.StatusTooManyRequests, post())
}

func Test_NotificationsRouter_IngestAndList(t *testing.T) {
	kv := newTestKV(t)
	h := notifications.NewHandler(kv, 100, 100, time.Hour)
	r := NotificationsRouter(testCfg(), h, okChecks())

	req := httptest.NewRequest(http.MethodPost, "/events",
		strings.NewReader(`{"event_type":"order_created","aggregate_id":"o1","payload":{"order_id":"o1"}}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"order_created"`)
}
