package chaos

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	kvredis "github.com/faultline-labs/faultline/internal/adapter/kv/redis"
)

func newKnobs(t *testing.T, fallbacks map[string]float64) (*Knobs, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvredis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	return New("payments", kv, fallbacks), mr
}

type recordingClock struct {
	slept []time.Duration
}

func (c *recordingClock) Now() time.Time                { return time.Now() }
func (c *recordingClock) Since(time.Time) time.Duration { return 0 }

func (c *recordingClock) Sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	return nil
}

func Test_Knobs_FallbackWhenUnset(t *testing.T) {
	k, _ := newKnobs(t, map[string]float64{KnobLatencyMS: 150})
	require.Equal(t, 150.0, k.Value(context.Background(), KnobLatencyMS))
}

func Test_Knobs_RedisOverridesFallback(t *testing.T) {
	k, mr := newKnobs(t, map[string]float64{KnobErrorRate: 0})
	require.NoError(t, mr.Set("chaos:payments:error_rate", "0.5"))
	require.Equal(t, 0.5, k.Value(context.Background(), KnobErrorRate))
}

func Test_Knobs_FallbackWhenRedisDown(t *testing.T) {
	k, mr := newKnobs(t, map[string]float64{KnobErrorRate: 0.25})
	mr.Close()
	require.Equal(t, 0.25, k.Value(context.Background(), KnobErrorRate))
}

func Test_Knobs_GarbageValueFallsBack(t *testing.T) {
	k, mr := newKnobs(t, map[string]float64{KnobLatencyMS: 10})
	require.NoError(t, mr.Set("chaos:payments:latency_ms", "soon"))
	require.Equal(t, 10.0, k.Value(context.Background(), KnobLatencyMS))
}

func Test_ShouldFail_Extremes(t *testing.T) {
	k, mr := newKnobs(t, nil)
	require.False(t, k.ShouldFail(context.Background()), "zero rate never fails")
	require.NoError(t, mr.Set("chaos:payments:error_rate", "1"))
	require.True(t, k.ShouldFail(context.Background()), "rate one always fails")
}

func Test_InjectLatency_JitterWithinBounds(t *testing.T) {
	k, mr := newKnobs(t, nil)
	require.NoError(t, mr.Set("chaos:payments:latency_ms", "100"))
	clock := &recordingClock{}
	k.WithClock(clock)
	for i := 0; i < 20; i++ {
		k.InjectLatency(context.Background(), KnobLatencyMS)
	}
	require.Len(t, clock.slept, 20)
	for _, d := range clock.slept {
		require.GreaterOrEqual(t, d, 80*time.Millisecond)
		require.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func Test_InjectLatency_ZeroSkipsSleep(t *testing.T) {
	k, _ := newKnobs(t, nil)
	clock := &recordingClock{}
	k.WithClock(clock)
	k.InjectLatency(context.Background(), KnobLatencyMS)
	require.Empty(t, clock.slept)
}

func Test_Handler_ConfigureAndReset(t *testing.T) {
	k, mr := newKnobs(t, nil)
	h := NewHandler(k, KnobLatencyMS, KnobErrorRate)

	rec := httptest.NewRecorder()
	h.Configure(rec, httptest.NewRequest(http.MethodPost, "/chaos/config?latency_ms=250&error_rate=0.3", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "250", mustGet(t, mr, "chaos:payments:latency_ms"))
	require.Equal(t, "0.3", mustGet(t, mr, "chaos:payments:error_rate"))

	rec = httptest.NewRecorder()
	h.Reset(rec, httptest.NewRequest(http.MethodDelete, "/chaos/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, mr.Exists("chaos:payments:latency_ms"))
	require.False(t, mr.Exists("chaos:payments:error_rate"))
}

func Test_Handler_RejectsBadValue(t *testing.T) {
	k, _ := newKnobs(t, nil)
	h := NewHandler(k, KnobErrorRate)
	rec := httptest.NewRecorder()
	h.Configure(rec, httptest.NewRequest(http.MethodPost, "/chaos/config?error_rate=lots", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
