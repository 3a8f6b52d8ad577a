package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnpool/internal/model"
)

type fakePool struct {
	st  *model.Status
	err error
}

func (f fakePool) Status(context.Context, string) (*model.Status, error) {
	return f.st, f.err
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestMetrics_CountersRegistered(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Allocation("ok")
	m.Allocation("ok")
	m.Released("sweep", 3)
	m.Request("/allocate", 200, 10*time.Millisecond)

	fams := gather(t, reg)
	require.Contains(t, fams, "vpnpool_allocations_total")
	assert.Equal(t, 2.0, fams["vpnpool_allocations_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 3.0, fams["vpnpool_released_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Contains(t, fams, "vpnpool_http_request_duration_seconds")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Allocation("ok")
	m.Released("release", 1)
	m.Heartbeat("ok")
	m.TrafficError()
	m.Request("/", 200, time.Millisecond)
	m.RateLimited()
}

func TestPoolCollector(t *testing.T) {
	t.Parallel()

	st := &model.Status{
		Statistics: model.PoolStats{TotalKeys: 5, KeysInUse: 2, KeysAvailable: 3},
		Servers: []model.ServerSummary{{
			PublicIP:  "203.0.113.10",
			Port:      51820,
			Eligible:  true,
			PoolStats: model.PoolStats{TotalKeys: 5, KeysInUse: 2, KeysAvailable: 3},
		}},
		Active: []model.ActiveLease{{DurationSeconds: 40}, {DurationSeconds: 90}},
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPoolCollector(fakePool{st: st}, time.Second))

	fams := gather(t, reg)
	assert.Equal(t, 1.0, fams["vpnpool_store_up"].GetMetric()[0].GetGauge().GetValue())
	assert.Len(t, fams["vpnpool_credentials"].GetMetric(), 2)
	assert.Len(t, fams["vpnpool_server_credentials"].GetMetric(), 2)
	assert.Equal(t, 1.0, fams["vpnpool_server_eligible"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 90.0, fams["vpnpool_lease_age_max_seconds"].GetMetric()[0].GetGauge().GetValue())
}

func TestPoolCollector_StoreDown(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewPoolCollector(fakePool{err: errors.New("locked")}, time.Second))

	fams := gather(t, reg)
	assert.Equal(t, 0.0, fams["vpnpool_store_up"].GetMetric()[0].GetGauge().GetValue())
	assert.NotContains(t, fams, "vpnpool_credentials")
}
