package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"vpnpool/internal/model"
)

// UpsertTraffic records interface counters for (server, interface, date). The
// first sample of a date sets baseline and current; later ones move current only.
func (q *Queries) UpsertTraffic(ctx context.Context, serverID int64, iface, date string, rx, tx uint64, now time.Time) error {
	rxv, err := counter(rx)
	if err != nil {
		return err
	}
	txv, err := counter(tx)
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO traffic_samples
			(server_id, interface, date, baseline_rx, current_rx, baseline_tx, current_tx, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id, interface, date) DO UPDATE SET
			current_rx = excluded.current_rx,
			current_tx = excluded.current_tx,
			updated_at = excluded.updated_at`,
		serverID, iface, date, rxv, rxv, txv, txv, toMillis(now))
	if err != nil {
		return fmt.Errorf("failed to upsert traffic sample: %w", err)
	}
	return nil
}

// TrafficSamples lists samples for servers at publicIP, optionally for one date.
func (q *Queries) TrafficSamples(ctx context.Context, publicIP, date string) ([]model.TrafficSample, error) {
	query := `
		SELECT t.server_id, s.public_ip, t.interface, t.date,
			t.baseline_rx, t.current_rx, t.baseline_tx, t.current_tx, t.updated_at
		FROM traffic_samples t JOIN servers s ON t.server_id = s.id
		WHERE s.public_ip = ?`
	args := []any{publicIP}
	if date != "" {
		query += ` AND t.date = ?`
		args = append(args, date)
	}
	query += ` ORDER BY t.date DESC, s.port, t.interface`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TrafficSample
	for rows.Next() {
		var (
			t                            model.TrafficSample
			baseRx, curRx, baseTx, curTx int64
			updated                      int64
		)
		if err := rows.Scan(&t.ServerID, &t.PublicIP, &t.Interface, &t.Date, &baseRx, &curRx, &baseTx, &curTx, &updated); err != nil {
			return nil, err
		}
		t.BaselineRx, t.CurrentRx = uint64(baseRx), uint64(curRx)
		t.BaselineTx, t.CurrentTx = uint64(baseTx), uint64(curTx)
		t.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// SQLite integers are signed 64-bit.
func counter(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("counter %d out of range", v)
	}
	return int64(v), nil
}
