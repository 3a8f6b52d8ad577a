package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vpnpool/internal/model"
)

// OpenUsage records the start of a lease episode.
func (q *Queries) OpenUsage(ctx context.Context, credentialID, serverID int64, holder string, now time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO usage_logs (credential_id, server_id, holder, connected_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		credentialID, serverID, holder, toMillis(now), model.UsageConnected)
	if err != nil {
		return 0, fmt.Errorf("failed to open usage log: %w", err)
	}
	return res.LastInsertId()
}

// CloseUsage closes the most recent open entry of a credential and returns
// its duration in seconds. ErrNotFound means no entry was open.
func (q *Queries) CloseUsage(ctx context.Context, credentialID int64, now time.Time) (int64, error) {
	var (
		id          int64
		connectedAt int64
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, connected_at FROM usage_logs
		WHERE credential_id = ? AND status = ?
		ORDER BY connected_at DESC, id DESC LIMIT 1`,
		credentialID, model.UsageConnected).Scan(&id, &connectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	duration := durationSeconds(connectedAt, now)
	if _, err := q.q.ExecContext(ctx, `
		UPDATE usage_logs
		SET disconnected_at = ?, status = ?, duration_seconds = ?
		WHERE id = ?`,
		toMillis(now), model.UsageDisconnected, duration, id); err != nil {
		return 0, fmt.Errorf("failed to close usage log: %w", err)
	}
	return duration, nil
}

// CloseUsageBatch closes every open entry of the listed credentials.
func (q *Queries) CloseUsageBatch(ctx context.Context, credentialIDs []int64, now time.Time) (int64, error) {
	if len(credentialIDs) == 0 {
		return 0, nil
	}
	in, args := inList(credentialIDs)
	nowMS := toMillis(now)
	res, err := q.q.ExecContext(ctx, `
		UPDATE usage_logs
		SET disconnected_at = ?, status = ?, duration_seconds = MAX(0, (? - connected_at) / 1000)
		WHERE status = ? AND credential_id IN (`+in+`)`,
		append([]any{nowMS, model.UsageDisconnected, nowMS, model.UsageConnected}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to close usage logs: %w", err)
	}
	return res.RowsAffected()
}

// UsageLog returns all entries of a credential, oldest first.
func (q *Queries) UsageLog(ctx context.Context, credentialID int64) ([]model.UsageLogEntry, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, credential_id, server_id, holder, connected_at, disconnected_at, status, duration_seconds
		FROM usage_logs WHERE credential_id = ? ORDER BY connected_at, id`, credentialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.UsageLogEntry
	for rows.Next() {
		var (
			e              model.UsageLogEntry
			connectedAt    sql.NullInt64
			disconnectedAt sql.NullInt64
			duration       sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.CredentialID, &e.ServerID, &e.Holder, &connectedAt, &disconnectedAt, &e.Status, &duration); err != nil {
			return nil, err
		}
		e.ConnectedAt = fromMillis(connectedAt)
		e.DisconnectedAt = fromMillis(disconnectedAt)
		e.DurationSeconds = duration.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}

func durationSeconds(connectedAtMS int64, now time.Time) int64 {
	d := (toMillis(now) - connectedAtMS) / 1000
	if d < 0 {
		return 0
	}
	return d
}
