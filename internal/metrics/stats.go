package metrics

import (
	"math"
	"sort"

	"vpnpool/internal/model"
)

// LeaseSummary is a snapshot of how long current leases have been held.
type LeaseSummary struct {
	Count      int     `json:"count"`
	AvgSeconds float64 `json:"avg_seconds"`
	P95Seconds int64   `json:"p95_seconds"`
	MinSeconds int64   `json:"min_seconds"`
	MaxSeconds int64   `json:"max_seconds"`
}

// SummarizeLeases computes hold-time statistics over active leases.
func SummarizeLeases(active []model.ActiveLease) LeaseSummary {
	if len(active) == 0 {
		return LeaseSummary{}
	}

	values := make([]int64, 0, len(active))
	var sum int64
	for _, a := range active {
		values = append(values, a.DurationSeconds)
		sum += a.DurationSeconds
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	return LeaseSummary{
		Count:      len(values),
		AvgSeconds: float64(sum) / float64(len(values)),
		P95Seconds: percentile(values, 0.95),
		MinSeconds: values[0],
		MaxSeconds: values[len(values)-1],
	}
}

// TrafficSummary totals per-day deltas over a set of samples.
type TrafficSummary struct {
	Samples int    `json:"samples"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
}

func SummarizeTraffic(samples []model.TrafficSample) TrafficSummary {
	s := TrafficSummary{Samples: len(samples)}
	for _, t := range samples {
		s.RxBytes += t.RxDelta()
		s.TxBytes += t.TxDelta()
		// Dates are YYYY-MM-DD so string order is chronological.
		if s.From == "" || t.Date < s.From {
			s.From = t.Date
		}
		if t.Date > s.To {
			s.To = t.Date
		}
	}
	return s
}

func percentile(values []int64, p float64) int64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
