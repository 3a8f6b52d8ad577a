package broker

import (
	"context"
	"strings"
	"time"

	"vpnpool/internal/model"
	"vpnpool/internal/store"
)

// Heartbeat is a liveness report from a server agent. Traffic is recorded
// only when Interface and both counters are set.
type Heartbeat struct {
	PublicIP  string  `json:"public_ip" validate:"required,ip"`
	Port      int     `json:"port" validate:"min=0,max=65535"`
	Interface string  `json:"interface" validate:"max=64"`
	RxBytes   *uint64 `json:"rx_bytes"`
	TxBytes   *uint64 `json:"tx_bytes"`
}

func (h Heartbeat) hasTraffic() bool {
	return h.Interface != "" && h.RxBytes != nil && h.TxBytes != nil
}

// Heartbeat stamps the active servers matching the report. It never
// reactivates an inactive server.
func (b *Broker) Heartbeat(ctx context.Context, hb Heartbeat) error {
	const op = "heartbeat"

	hb.PublicIP = strings.TrimSpace(hb.PublicIP)
	hb.Interface = strings.TrimSpace(hb.Interface)
	if err := b.check(op, hb); err != nil {
		b.metrics.Heartbeat("invalid")
		return err
	}

	now := b.now()
	var ids []int64
	err := b.db.WithTx(ctx, func(q *store.Queries) error {
		var err error
		ids, err = q.TouchHeartbeat(ctx, hb.PublicIP, hb.Port, now)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return ErrServerNotFound
		}
		return nil
	})
	if err != nil {
		err = fail(op, err)
		if KindOf(err) == KindNotFound {
			b.metrics.Heartbeat("unknown")
		} else {
			b.metrics.Heartbeat("error")
		}
		return err
	}
	b.metrics.Heartbeat("ok")
	b.log.Debug("Heartbeat", "server", hb.PublicIP, "port", hb.Port, "servers", len(ids))

	if hb.hasTraffic() {
		b.recordTraffic(ctx, ids, hb, now)
	}
	return nil
}

// recordTraffic is best effort; failures are logged and counted only.
func (b *Broker) recordTraffic(ctx context.Context, ids []int64, hb Heartbeat, now time.Time) {
	date := trafficDate(now)
	err := b.db.WithTx(ctx, func(q *store.Queries) error {
		for _, id := range ids {
			if err := q.UpsertTraffic(ctx, id, hb.Interface, date, *hb.RxBytes, *hb.TxBytes, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.metrics.TrafficError()
		b.log.Warn("Failed to record traffic", "server", hb.PublicIP, "interface", hb.Interface, "error", err)
	}
}

func trafficDate(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

type trafficQuery struct {
	PublicIP string `json:"ip" validate:"required,ip"`
	Date     string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

// TrafficReport returns the traffic samples of servers at publicIP, for one
// UTC date when date is set.
func (b *Broker) TrafficReport(ctx context.Context, publicIP, date string) ([]model.TrafficSample, error) {
	const op = "traffic_report"

	tq := trafficQuery{PublicIP: strings.TrimSpace(publicIP), Date: strings.TrimSpace(date)}
	if err := b.check(op, tq); err != nil {
		return nil, err
	}
	samples, err := b.db.Reader().TrafficSamples(ctx, tq.PublicIP, tq.Date)
	if err != nil {
		return nil, fail(op, err)
	}
	if samples == nil {
		samples = []model.TrafficSample{}
	}
	return samples, nil
}
