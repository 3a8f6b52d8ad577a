package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vpnpool/internal/model"
)

const serverColumns = `id, public_ip, port, server_pubkey, memo, is_active, last_heartbeat_at, created_at, updated_at`

// eligibleClause is the staleness predicate shared by allocation and listing.
// Its single parameter is the heartbeat cutoff in unix milliseconds.
const eligibleClause = `s.is_active = 1 AND s.last_heartbeat_at IS NOT NULL AND s.last_heartbeat_at > ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(r rowScanner) (*model.Server, error) {
	var (
		s         model.Server
		memo      sql.NullString
		heartbeat sql.NullInt64
		created   sql.NullInt64
		updated   sql.NullInt64
	)
	if err := r.Scan(&s.ID, &s.PublicIP, &s.Port, &s.ServerPubkey, &memo, &s.IsActive, &heartbeat, &created, &updated); err != nil {
		return nil, err
	}
	s.Memo = memo.String
	s.LastHeartbeatAt = fromMillis(heartbeat)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	return &s, nil
}

// FindServer returns the server identified by (publicIP, port).
func (q *Queries) FindServer(ctx context.Context, publicIP string, port int) (*model.Server, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE public_ip = ? AND port = ?`, publicIP, port)
	s, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ServersByIP returns every server registered at publicIP, ordered by port.
func (q *Queries) ServersByIP(ctx context.Context, publicIP string) ([]model.Server, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE public_ip = ? ORDER BY port, id`, publicIP)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// InsertServer creates an active server with a fresh heartbeat.
func (q *Queries) InsertServer(ctx context.Context, publicIP string, port int, pubkey, memo string, now time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO servers (public_ip, port, server_pubkey, memo, is_active, last_heartbeat_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
		publicIP, port, pubkey, nullString(memo), toMillis(now), toMillis(now), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to insert server: %w", err)
	}
	return res.LastInsertId()
}

// RefreshServer re-activates a server, replacing its key and memo and stamping its heartbeat.
func (q *Queries) RefreshServer(ctx context.Context, id int64, pubkey, memo string, now time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE servers
		SET server_pubkey = ?, memo = ?, is_active = 1, last_heartbeat_at = ?, updated_at = ?
		WHERE id = ?`,
		pubkey, nullString(memo), toMillis(now), toMillis(now), id)
	if err != nil {
		return fmt.Errorf("failed to update server: %w", err)
	}
	return nil
}

// SetServerActive flips is_active on the server at (publicIP, port) and
// returns the number of rows touched.
func (q *Queries) SetServerActive(ctx context.Context, publicIP string, port int, active bool, now time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`UPDATE servers SET is_active = ?, updated_at = ? WHERE public_ip = ? AND port = ?`,
		active, toMillis(now), publicIP, port)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TouchHeartbeat stamps last_heartbeat_at on active servers at publicIP
// (any port when port is 0) and returns their ids.
func (q *Queries) TouchHeartbeat(ctx context.Context, publicIP string, port int, now time.Time) ([]int64, error) {
	query := `SELECT id FROM servers WHERE public_ip = ? AND is_active = 1`
	args := []any{publicIP}
	if port > 0 {
		query += ` AND port = ?`
		args = append(args, port)
	}
	ids, err := q.selectIDs(ctx, query, args...)
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	in, inArgs := inList(ids)
	_, err = q.q.ExecContext(ctx,
		`UPDATE servers SET last_heartbeat_at = ? WHERE id IN (`+in+`)`,
		append([]any{toMillis(now)}, inArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to stamp heartbeat: %w", err)
	}
	return ids, nil
}

// CountServerCredentials returns total and in-use credential counts for a server.
func (q *Queries) CountServerCredentials(ctx context.Context, serverID int64) (total, inUse int, err error) {
	err = q.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN in_use = 1 THEN 1 ELSE 0 END), 0)
		FROM credentials WHERE server_id = ?`, serverID).Scan(&total, &inUse)
	return total, inUse, err
}

// DeleteServer removes a server; foreign keys cascade to its credentials,
// usage logs and traffic samples.
func (q *Queries) DeleteServer(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EligibleServerIPs lists distinct addresses of servers that are active, have
// a public key and heartbeated after cutoff.
func (q *Queries) EligibleServerIPs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT DISTINCT s.public_ip FROM servers s
		WHERE `+eligibleClause+` AND s.server_pubkey != ''
		ORDER BY s.public_ip`, toMillis(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		out = append(out, ip)
	}
	return out, rows.Err()
}

// EligibleServerExists reports whether some server at publicIP can currently serve allocations.
func (q *Queries) EligibleServerExists(ctx context.Context, publicIP string, cutoff time.Time) (bool, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM servers s WHERE s.public_ip = ? AND `+eligibleClause,
		publicIP, toMillis(cutoff)).Scan(&n)
	return n > 0, err
}

// ServerSummaries returns per-server credential counts for active servers with
// a public key, optionally restricted to publicIP. Eligible is left for the
// caller to decide.
func (q *Queries) ServerSummaries(ctx context.Context, publicIP string) ([]model.ServerSummary, error) {
	query := `
		SELECT s.id, s.public_ip, s.port, s.last_heartbeat_at,
			COUNT(c.id),
			COALESCE(SUM(CASE WHEN c.in_use = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN c.in_use = 0 THEN 1 ELSE 0 END), 0)
		FROM servers s
		LEFT JOIN credentials c ON c.server_id = s.id
		WHERE s.is_active = 1 AND s.server_pubkey != ''`
	var args []any
	if publicIP != "" {
		query += ` AND s.public_ip = ?`
		args = append(args, publicIP)
	}
	query += ` GROUP BY s.id, s.public_ip, s.port ORDER BY s.public_ip, s.port`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ServerSummary
	for rows.Next() {
		var (
			sum       model.ServerSummary
			heartbeat sql.NullInt64
		)
		if err := rows.Scan(&sum.ServerID, &sum.PublicIP, &sum.Port, &heartbeat,
			&sum.TotalKeys, &sum.KeysInUse, &sum.KeysAvailable); err != nil {
			return nil, err
		}
		sum.LastHeartbeatAt = fromMillis(heartbeat)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (q *Queries) selectIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func inList(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
