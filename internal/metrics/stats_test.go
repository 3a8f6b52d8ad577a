package metrics

import (
	"testing"

	"vpnpool/internal/model"
)

func TestSummarizeLeases_Basic(t *testing.T) {
	t.Parallel()

	s := SummarizeLeases([]model.ActiveLease{
		{DurationSeconds: 30},
		{DurationSeconds: 10},
		{DurationSeconds: 20},
	})
	if s.Count != 3 {
		t.Fatalf("count=%d", s.Count)
	}
	if s.AvgSeconds != 20 {
		t.Fatalf("avg=%.2f", s.AvgSeconds)
	}
	if s.MinSeconds != 10 || s.MaxSeconds != 30 {
		t.Fatalf("min/max=%d/%d", s.MinSeconds, s.MaxSeconds)
	}
	if s.P95Seconds != 30 {
		t.Fatalf("p95=%d", s.P95Seconds)
	}
}

func TestSummarizeLeases_Empty(t *testing.T) {
	t.Parallel()

	if s := SummarizeLeases(nil); s != (LeaseSummary{}) {
		t.Fatalf("summary=%+v", s)
	}
}

func TestSummarizeTraffic_HandlesCounterReset(t *testing.T) {
	t.Parallel()

	s := SummarizeTraffic([]model.TrafficSample{
		{Date: "2026-10-18", BaselineRx: 100, CurrentRx: 300, BaselineTx: 10, CurrentTx: 15},
		{Date: "2026-10-19", BaselineRx: 500, CurrentRx: 40, BaselineTx: 0, CurrentTx: 5},
	})
	if s.RxBytes != 240 || s.TxBytes != 10 {
		t.Fatalf("rx=%d tx=%d", s.RxBytes, s.TxBytes)
	}
	if s.From != "2026-10-18" || s.To != "2026-10-19" {
		t.Fatalf("from=%s to=%s", s.From, s.To)
	}
}

func TestPercentile_Edges(t *testing.T) {
	t.Parallel()

	values := []int64{1, 2, 3, 4}
	if got := percentile(values, 0); got != 1 {
		t.Fatalf("p0=%v", got)
	}
	if got := percentile(values, 1); got != 4 {
		t.Fatalf("p100=%v", got)
	}
}
