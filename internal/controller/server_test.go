package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnpool/internal/api"
	"vpnpool/internal/broker"
	"vpnpool/internal/config"
	"vpnpool/internal/logger"
	"vpnpool/internal/metrics"
	"vpnpool/internal/store"
)

type fixture struct {
	srv    *Server
	http   *httptest.Server
	client *api.Client
}

func newFixture(t *testing.T, cfg config.BrokerConfig) *fixture {
	t.Helper()
	db, err := store.Open(context.Background(), store.Options{
		Path:        filepath.Join(t.TempDir(), "pool.db"),
		BusyTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := broker.New(db, broker.Options{Metrics: m})
	reg.MustRegister(metrics.NewPoolCollector(b, time.Second))

	s := NewServer(cfg, b, m, reg)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return &fixture{srv: s, http: hs, client: api.NewClient(hs.URL)}
}

func (f *fixture) seed(t *testing.T, ip string, port, n int) {
	t.Helper()
	ctx := context.Background()
	_, err := f.client.RegisterServer(ctx, api.RegisterServerRequest{PublicIP: ip, Port: port, ServerPubkey: "srv-" + ip})
	require.NoError(t, err)

	req := api.RegisterKeysRequest{PublicIP: ip, Port: port}
	for i := 0; i < n; i++ {
		req.Keys = append(req.Keys, api.KeyItem{
			InternalIP: fmt.Sprintf("10.8.0.%d", i+10),
			PrivateKey: fmt.Sprintf("priv-%s-%d", ip, i),
			PublicKey:  fmt.Sprintf("pub-%s-%d", ip, i),
		})
	}
	resp, err := f.client.RegisterKeys(ctx, req)
	require.NoError(t, err)
	require.Equal(t, n, resp.Registered)
}

func statusCode(t *testing.T, err error) int {
	t.Helper()
	var se *api.StatusError
	require.True(t, errors.As(err, &se), "expected *api.StatusError, got %v", err)
	return se.StatusCode
}

func TestAllocateRelease_RoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})
	f.seed(t, "203.0.113.1", 51820, 2)
	ctx := context.Background()

	lease, err := f.client.Allocate(ctx, "", "")
	require.NoError(t, err)
	assert.True(t, lease.Success)
	assert.Equal(t, "203.0.113.1", lease.ServerIP)
	assert.Equal(t, "127.0.0.1", lease.AssignedTo)
	assert.Contains(t, lease.Config, "Endpoint = 203.0.113.1:51820")

	st, err := f.client.Status(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, api.Statistics{TotalKeys: 2, KeysInUse: 1, KeysAvailable: 1}, st.Statistics)
	require.Len(t, st.ActiveConnections, 1)
	assert.Equal(t, lease.InternalIP, st.ActiveConnections[0].InternalIP)
	assert.Equal(t, 1, st.Leases.Count)

	rel, err := f.client.Release(ctx, lease.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, lease.InternalIP, rel.InternalIP)
	assert.Empty(t, rel.LogError)

	_, err = f.client.Release(ctx, lease.PublicKey)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, statusCode(t, err))
}

func TestAllocate_ExplicitHolder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})
	f.seed(t, "203.0.113.2", 51820, 1)

	lease, err := f.client.Allocate(context.Background(), "203.0.113.2", "laptop-7")
	require.NoError(t, err)
	assert.Equal(t, "laptop-7", lease.AssignedTo)
}

func TestAllocate_ForwardedForHolder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})
	f.seed(t, "203.0.113.3", 51820, 1)

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/allocate", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", "198.51.100.20, 10.0.0.1")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Contains(t, string(body), `"assigned_to":"198.51.100.20"`)
}

func TestAllocate_NotFoundCases(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})
	f.seed(t, "203.0.113.4", 51820, 1)
	ctx := context.Background()

	_, err := f.client.Allocate(ctx, "198.51.100.99", "")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, statusCode(t, err))

	_, err = f.client.Allocate(ctx, "", "")
	require.NoError(t, err)

	// Exhausted pool is reported as 404 on allocate.
	_, err = f.client.Allocate(ctx, "", "")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, statusCode(t, err))

	_, err = f.client.Allocate(ctx, "not-an-ip", "")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, statusCode(t, err))
}

func TestRelease_MissingKeyIs400(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})

	_, err := f.client.Release(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, statusCode(t, err))
}

func TestRegisterKeys_PartialBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})
	ctx := context.Background()
	_, err := f.client.RegisterServer(ctx, api.RegisterServerRequest{PublicIP: "203.0.113.5", Port: 51820, ServerPubkey: "srv"})
	require.NoError(t, err)

	resp, err := f.client.RegisterKeys(ctx, api.RegisterKeysRequest{
		PublicIP: "203.0.113.5",
		Port:     51820,
		Keys: []api.KeyItem{
			{InternalIP: "10.8.0.10", PrivateKey: "a", PublicKey: "A"},
			{InternalIP: "10.8.0.11", PublicKey: "B"},
			{InternalIP: "10.8.0.12", PrivateKey: "c", PublicKey: "C"},
		},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, resp.Partial)
	assert.Equal(t, 2, resp.Registered)
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 1, resp.Errors[0].Index)
}

func TestRegisterKeys_UnknownServer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})

	_, err := f.client.RegisterKeys(context.Background(), api.RegisterKeysRequest{
		PublicIP: "203.0.113.6",
		Port:     51820,
		Keys:     []api.KeyItem{{InternalIP: "10.8.0.10", PrivateKey: "a", PublicKey: "A"}},
	})
	require.Error(t, err)
	code := statusCode(t, err)
	assert.True(t, code == http.StatusBadRequest || code == http.StatusNotFound, "code=%d", code)
}

func TestReleaseAll_DeleteServer(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})
	f.seed(t, "203.0.113.7", 51820, 3)
	ctx := context.Background()

	_, err := f.client.Allocate(ctx, "203.0.113.7", "")
	require.NoError(t, err)

	res, err := f.client.DeleteServer(ctx, "203.0.113.7", 0)
	require.NoError(t, err)
	require.NotNil(t, res.Deleted)
	assert.Equal(t, 3, res.Deleted.KeysDeleted)
	assert.Equal(t, 1, res.Deleted.KeysWereInUse)

	_, err = f.client.DeleteServer(ctx, "203.0.113.7", 0)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, statusCode(t, err))

	res2, err := http.Get(f.http.URL + "/release/all?delete=true")
	require.NoError(t, err)
	res2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res2.StatusCode)
}

func TestReleaseAll_ReleasesEverything(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})
	f.seed(t, "203.0.113.8", 51820, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.client.Allocate(ctx, "", "")
		require.NoError(t, err)
	}
	res, err := f.client.ReleaseAll(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Released)
	assert.Len(t, res.Leases, 2)
	assert.Nil(t, res.Deleted)
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})
	f.seed(t, "203.0.113.9", 51820, 2)
	ctx := context.Background()

	_, err := f.client.Allocate(ctx, "", "")
	require.NoError(t, err)

	res, err := f.client.Cleanup(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Cleaned, "fresh leases survive the default ttl")

	zero := 0
	res, err = f.client.Cleanup(ctx, &zero)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cleaned)

	neg := -1
	_, err = f.client.Cleanup(ctx, &neg)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, statusCode(t, err))
}

func TestCleanup_EmptyBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})

	res, err := http.Post(f.http.URL+"/cleanup", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestHeartbeatAndTraffic(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})
	f.seed(t, "203.0.113.10", 51820, 1)
	ctx := context.Background()

	rx, tx := uint64(1000), uint64(500)
	require.NoError(t, f.client.Heartbeat(ctx, api.HeartbeatRequest{PublicIP: "203.0.113.10", Interface: "eth0", RxBytes: &rx, TxBytes: &tx}))
	rx, tx = 1600, 900
	require.NoError(t, f.client.Heartbeat(ctx, api.HeartbeatRequest{PublicIP: "203.0.113.10", Interface: "eth0", RxBytes: &rx, TxBytes: &tx}))

	tr, err := f.client.Traffic(ctx, "203.0.113.10", "")
	require.NoError(t, err)
	require.Len(t, tr.Samples, 1)
	assert.EqualValues(t, 600, tr.Samples[0].RxBytes)
	assert.EqualValues(t, 400, tr.Samples[0].TxBytes)

	res, err := http.Get(f.http.URL + "/traffic?format=csv&ip=203.0.113.10")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "text/csv", res.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(string(body), "date,server_ip,"), string(body))

	err = f.client.Heartbeat(ctx, api.HeartbeatRequest{PublicIP: "198.51.100.1"})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, statusCode(t, err))

	err = f.client.Heartbeat(ctx, api.HeartbeatRequest{})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, statusCode(t, err))

	_, err = f.client.Traffic(ctx, "203.0.113.10", "19-10-2026")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, statusCode(t, err))
}

func TestServerActive_HidesFromList(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})
	f.seed(t, "203.0.113.11", 51820, 1)
	ctx := context.Background()

	list, err := f.client.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.11"}, list.Servers)

	require.NoError(t, f.client.SetServerActive(ctx, api.ServerActiveRequest{PublicIP: "203.0.113.11", Port: 51820, Active: false}))
	list, err = f.client.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list.Servers)
	assert.Zero(t, list.Count)

	err = f.client.SetServerActive(ctx, api.ServerActiveRequest{PublicIP: "203.0.113.12", Port: 51820, Active: true})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, statusCode(t, err))
}

func TestHealthAndIndex(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})

	h, err := f.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)

	res, err := http.Get(f.http.URL + "/")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get(HeaderRequestID))

	res, err = http.Get(f.http.URL + "/nope")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})

	res, err := http.Post(f.http.URL+"/allocate", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)

	res, err = http.Get(f.http.URL + "/release")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestRequestID_Echoed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/list", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "abc-123")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, "abc-123", res.Header.Get(HeaderRequestID))
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{RateLimit: 0.001, RateBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		res, err := http.Get(f.http.URL + "/list")
		require.NoError(t, err)
		res.Body.Close()
		codes = append(codes, res.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.BrokerConfig{})
	f.seed(t, "203.0.113.13", 51820, 1)

	_, err := f.client.Allocate(context.Background(), "", "")
	require.NoError(t, err)

	res, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "vpnpool_allocations_total")
	assert.Contains(t, string(body), "vpnpool_store_up 1")
	assert.Contains(t, string(body), `vpnpool_http_requests_total{code="200",route="/allocate"}`)
}

func TestWriteError_StatusMapping(t *testing.T) {
	t.Parallel()
	s := &Server{log: logger.Get("controller")}

	cases := []struct {
		route string
		err   error
		want  int
	}{
		{"release", broker.ErrLeaseNotFound, http.StatusNotFound},
		{"allocate", broker.ErrPoolExhausted, http.StatusNotFound},
		{"register_keys", broker.ErrConflict, http.StatusConflict},
		{"status", fmt.Errorf("x: %w", store.ErrUnavailable), http.StatusServiceUnavailable},
		{"status", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		s.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.route, tc.err)
		assert.Equal(t, tc.want, rec.Code, "%s: %v", tc.route, tc.err)
		assert.Contains(t, rec.Body.String(), `"success":false`)
	}
}

func TestMinutes_Saturates(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 10*time.Minute, minutes(10))
	assert.Equal(t, time.Duration(1<<63-1), minutes(1<<62))
}
