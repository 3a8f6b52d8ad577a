package controller

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnpool/internal/config"
)

func limitedHandler(cfg config.BrokerConfig) (*Server, http.Handler) {
	s := NewServer(cfg, nil, nil, nil)
	return s, s.withRateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func serveFrom(h http.Handler, remote, forwarded string) int {
	r := httptest.NewRequest(http.MethodGet, "/list", nil)
	r.RemoteAddr = remote
	if forwarded != "" {
		r.Header.Set("X-Forwarded-For", forwarded)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w.Code
}

func TestRateLimit_ForwardedForFromUntrustedPeer(t *testing.T) {
	t.Parallel()
	s, h := limitedHandler(config.BrokerConfig{RateLimit: 0.001, RateBurst: 1})

	allowed := 0
	for i := 0; i < 50; i++ {
		if serveFrom(h, "198.51.100.7:40000", fmt.Sprintf("10.1.%d.%d", i/250, i%250)) == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
	assert.Len(t, s.limiter.clients, 1)
}

func TestRateLimit_TrustedProxyUsesForwardedFor(t *testing.T) {
	t.Parallel()
	_, h := limitedHandler(config.BrokerConfig{
		RateLimit:      0.001,
		RateBurst:      1,
		TrustedProxies: []string{"198.51.100.0/24"},
	})

	assert.Equal(t, http.StatusOK, serveFrom(h, "198.51.100.7:40000", "192.0.2.1"))
	assert.Equal(t, http.StatusOK, serveFrom(h, "198.51.100.8:40000", "192.0.2.2"))
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(h, "198.51.100.9:40000", "192.0.2.1"))

	// The header is ignored once the peer is outside the trusted range.
	assert.Equal(t, http.StatusOK, serveFrom(h, "203.0.113.5:40000", "192.0.2.1"))
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(h, "203.0.113.5:40001", "192.0.2.9"))
}

func TestClientLimiter_EnforcesKeyCap(t *testing.T) {
	t.Parallel()
	l := newClientLimiter(1, 1)
	require.NotNil(t, l)
	l.maxKeys = 3

	start := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		l.allow(fmt.Sprintf("192.0.2.%d", i), start.Add(time.Duration(i)*time.Second))
		if len(l.clients) > l.maxKeys {
			t.Fatalf("clients=%d max=%d", len(l.clients), l.maxKeys)
		}
	}
	assert.Len(t, l.clients, 3)
	assert.Contains(t, l.clients, "192.0.2.9")
	assert.NotContains(t, l.clients, "192.0.2.0")
}

func TestNewClientLimiter_DisabledWithoutRate(t *testing.T) {
	t.Parallel()
	assert.Nil(t, newClientLimiter(0, 10))
}
