package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, remoteAddr string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_UnderLimit(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{Max: 5, Window: time.Minute})(okHandler())

	for i := range 5 {
		w := serve(h, "192.168.1.1:12345", nil)
		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	h := RateLimit(t.Context(), RateLimitConfig{Max: 2, Window: time.Minute})(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, serve(h, "10.0.0.1:9999", nil).Code)
	}

	w := serve(h, "10.0.0.1:9999", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEqual(t, "0", w.Header().Get("Retry-After"))

	var msg string
	require.NoError(t, jx.DecodeBytes(w.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		if key != "errors" {
			return d.Skip()
		}
		var err error
		msg, err = d.Str()
		return err
	}))
	assert.Equal(t, "Rate limit exceeded", msg)
}

func TestRateLimit_Keys(t *testing.T) {
	type hit struct {
		addr   string
		header map[string]string
	}
	tests := []struct {
		name    string
		cfg     RateLimitConfig
		first   hit
		second  hit
		limited bool
	}{
		{
			name:    "DifferentIPs",
			first:   hit{addr: "10.0.0.1:1234"},
			second:  hit{addr: "10.0.0.2:1234"},
			limited: false,
		},
		{
			name:    "SameIPDifferentPort",
			first:   hit{addr: "10.0.0.1:1234"},
			second:  hit{addr: "10.0.0.1:5678"},
			limited: true,
		},
		{
			name:    "ForwardedForFirstHop",
			first:   hit{"192.168.1.1:4444", map[string]string{"X-Forwarded-For": "203.0.113.50, 70.41.3.18"}},
			second:  hit{"192.168.1.2:5555", map[string]string{"X-Forwarded-For": "203.0.113.50"}},
			limited: true,
		},
		{
			name:    "RealIP",
			first:   hit{"192.168.1.1:4444", map[string]string{"X-Real-IP": "203.0.113.7"}},
			second:  hit{"192.168.1.1:4444", map[string]string{"X-Real-IP": "203.0.113.8"}},
			limited: false,
		},
		{
			name: "CustomKeyFunc",
			cfg: RateLimitConfig{KeyFunc: func(r *http.Request) string {
				return r.Header.Get("X-Shop-Domain")
			}},
			first:   hit{"10.0.0.1:1", map[string]string{"X-Shop-Domain": "a.example"}},
			second:  hit{"10.0.0.2:1", map[string]string{"X-Shop-Domain": "a.example"}},
			limited: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Max = 1
			cfg.Window = time.Minute
			h := RateLimit(t.Context(), cfg)(okHandler())

			w1 := serve(h, tt.first.addr, tt.first.header)
			require.Equal(t, http.StatusOK, w1.Code)

			w2 := serve(h, tt.second.addr, tt.second.header)
			if tt.limited {
				assert.Equal(t, http.StatusTooManyRequests, w2.Code)
			} else {
				assert.Equal(t, http.StatusOK, w2.Code)
			}
		})
	}
}

func TestRateLimit_Evict(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Max: 1, Window: time.Second})
	now := time.Now()

	rl.limiter("stale", now.Add(-time.Minute))
	rl.limiter("fresh", now)
	rl.evict(now)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.buckets, "stale")
	assert.Contains(t, rl.buckets, "fresh")
}
