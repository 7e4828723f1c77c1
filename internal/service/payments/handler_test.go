package payments

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	kvredis "github.com/faultline-labs/faultline/internal/adapter/kv/redis"
	"github.com/faultline-labs/faultline/internal/service/chaos"
)

func newRouter(t *testing.T) (chi.Router, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvredis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	h := NewHandler(kv, chaos.New("payments", kv, nil))
	r := chi.NewRouter()
	r.Post("/payments/charge", h.Charge)
	r.Get("/payments/{transaction_id}", h.GetTransaction)
	return r, mr
}

func charge(r chi.Router, body, idemKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payments/charge", strings.NewReader(body))
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func Test_Charge_Succeeds(t *testing.T) {
	r, _ := newRouter(t)
	rec := charge(r, `{"order_id":"o1","amount":20.00}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChargeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TransactionID)
	require.Equal(t, "o1", resp.OrderID)
	require.Equal(t, "charged", resp.Status)
	require.Contains(t, rec.Body.String(), `"amount":20.00`, "amounts keep the two-decimal wire shape")
}

func Test_Charge_ValidatesBody(t *testing.T) {
	r, _ := newRouter(t)
	require.Equal(t, http.StatusBadRequest, charge(r, `{"amount":20.00}`, "").Code)
	require.Equal(t, http.StatusBadRequest, charge(r, `{"order_id":"o1","amount":0}`, "").Code)
	require.Equal(t, http.StatusBadRequest, charge(r, `{"order_id":"o1","amount":-3}`, "").Code)
	require.Equal(t, http.StatusBadRequest, charge(r, `{`, "").Code)
}

func Test_Charge_ReplaySameKey(t *testing.T) {
	r, _ := newRouter(t)
	first := charge(r, `{"order_id":"o1","amount":20.00}`, "K1")
	require.Equal(t, http.StatusOK, first.Code)
	var a ChargeResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))

	second := charge(r, `{"order_id":"o1","amount":20.00}`, "K1")
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	var b ChargeResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	require.Equal(t, a.TransactionID, b.TransactionID, "a retried charge must not create a second transaction")
}

func Test_Charge_DistinctKeysCharged(t *testing.T) {
	r, _ := newRouter(t)
	var a, b ChargeResponse
	require.NoError(t, json.Unmarshal(charge(r, `{"order_id":"o1","amount":5}`, "K1").Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(charge(r, `{"order_id":"o2","amount":5}`, "K2").Body.Bytes(), &b))
	require.NotEqual(t, a.TransactionID, b.TransactionID)
}

func Test_Charge_ChaosFault(t *testing.T) {
	r, mr := newRouter(t)
	require.NoError(t, mr.Set("chaos:payments:error_rate", "1"))
	rec := charge(r, `{"order_id":"o1","amount":20.00}`, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "payment processor temporarily unavailable")
}

func Test_Charge_KVDownStillCharges(t *testing.T) {
	r, mr := newRouter(t)
	mr.Close()
	rec := charge(r, `{"order_id":"o1","amount":20.00}`, "K1")
	require.Equal(t, http.StatusOK, rec.Code, "idempotency cache loss must not block charging")
}

func Test_GetTransaction(t *testing.T) {
	r, _ := newRouter(t)
	var resp ChargeResponse
	require.NoError(t, json.Unmarshal(charge(r, `{"order_id":"o1","amount":5}`, "").Body.Bytes(), &resp))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/"+resp.TransactionID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"charged"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
