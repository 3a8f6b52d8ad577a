package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vpnpool/internal/model"
)

// Candidate is a free credential joined with its server's connection parameters.
type Candidate struct {
	model.Credential
	ServerIP     string
	ServerPort   int
	ServerPubkey string
}

// HeldCredential is an in-use credential as selected for release.
type HeldCredential struct {
	ID              int64
	ServerID        int64
	InternalAddress string
	AssignedTo      string
	AssignedAt      time.Time
	ServerIP        string
}

const credentialColumns = `c.id, c.server_id, c.internal_address, c.private_key, c.public_key, c.in_use,
	c.assigned_to, c.assigned_at, c.released_at, c.last_used_at, c.use_count`

func scanCredential(r rowScanner, extra ...any) (*model.Credential, error) {
	var (
		c          model.Credential
		assignedTo sql.NullString
		assignedAt sql.NullInt64
		releasedAt sql.NullInt64
		lastUsedAt sql.NullInt64
	)
	dest := []any{&c.ID, &c.ServerID, &c.InternalAddress, &c.PrivateKey, &c.PublicKey, &c.InUse,
		&assignedTo, &assignedAt, &releasedAt, &lastUsedAt, &c.UseCount}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	c.AssignedTo = assignedTo.String
	c.AssignedAt = fromMillis(assignedAt)
	c.ReleasedAt = fromMillis(releasedAt)
	c.LastUsedAt = fromMillis(lastUsedAt)
	return &c, nil
}

// NextFreeCredential returns the least recently, then least frequently, used
// free credential on an eligible server, optionally restricted to servers at
// publicIP. It must run inside WithTx so the row stays reserved until commit.
func (q *Queries) NextFreeCredential(ctx context.Context, publicIP string, cutoff time.Time) (*Candidate, error) {
	query := `
		SELECT ` + credentialColumns + `, s.public_ip, s.port, s.server_pubkey
		FROM credentials c
		JOIN servers s ON c.server_id = s.id
		WHERE c.in_use = 0 AND ` + eligibleClause
	args := []any{toMillis(cutoff)}
	if publicIP != "" {
		query += ` AND s.public_ip = ?`
		args = append(args, publicIP)
	}
	query += ` ORDER BY c.last_used_at ASC, c.use_count ASC, c.id ASC LIMIT 1`

	var cand Candidate
	cred, err := scanCredential(q.q.QueryRowContext(ctx, query, args...), &cand.ServerIP, &cand.ServerPort, &cand.ServerPubkey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cand.Credential = *cred
	return &cand, nil
}

// ClaimCredential marks a free credential as held. It returns false when the
// row was not free anymore.
func (q *Queries) ClaimCredential(ctx context.Context, id int64, holder string, now time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE credentials
		SET in_use = 1, assigned_to = ?, assigned_at = ?, last_used_at = ?, use_count = use_count + 1
		WHERE id = ? AND in_use = 0`,
		holder, toMillis(now), toMillis(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim credential: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ServerCredentials lists all credentials of a server ordered by id.
func (q *Queries) ServerCredentials(ctx context.Context, serverID int64) ([]model.Credential, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials c WHERE c.server_id = ? ORDER BY c.id`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// HeldByPublicKey returns the in-use credential with publicKey.
func (q *Queries) HeldByPublicKey(ctx context.Context, publicKey string) (*HeldCredential, error) {
	var (
		h          HeldCredential
		holder     sql.NullString
		assignedAt sql.NullInt64
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT c.id, c.server_id, c.internal_address, c.assigned_to, c.assigned_at, s.public_ip
		FROM credentials c JOIN servers s ON c.server_id = s.id
		WHERE c.public_key = ? AND c.in_use = 1`, publicKey).
		Scan(&h.ID, &h.ServerID, &h.InternalAddress, &holder, &assignedAt, &h.ServerIP)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	h.AssignedTo = holder.String
	h.AssignedAt = fromMillis(assignedAt)
	return &h, nil
}

// HeldCredentials lists in-use credentials, optionally restricted to servers at publicIP.
func (q *Queries) HeldCredentials(ctx context.Context, publicIP string) ([]HeldCredential, error) {
	query := `
		SELECT c.id, c.server_id, c.internal_address, c.assigned_to, c.assigned_at, s.public_ip
		FROM credentials c JOIN servers s ON c.server_id = s.id
		WHERE c.in_use = 1`
	var args []any
	if publicIP != "" {
		query += ` AND s.public_ip = ?`
		args = append(args, publicIP)
	}
	return q.queryHeld(ctx, query+` ORDER BY c.id`, args...)
}

// ExpiredCredentials lists in-use credentials assigned strictly before cutoff.
func (q *Queries) ExpiredCredentials(ctx context.Context, cutoff time.Time) ([]HeldCredential, error) {
	return q.queryHeld(ctx, `
		SELECT c.id, c.server_id, c.internal_address, c.assigned_to, c.assigned_at, s.public_ip
		FROM credentials c JOIN servers s ON c.server_id = s.id
		WHERE c.in_use = 1 AND c.assigned_at < ?
		ORDER BY c.assigned_at, c.id`, toMillis(cutoff))
}

func (q *Queries) queryHeld(ctx context.Context, query string, args ...any) ([]HeldCredential, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HeldCredential
	for rows.Next() {
		var (
			h          HeldCredential
			holder     sql.NullString
			assignedAt sql.NullInt64
		)
		if err := rows.Scan(&h.ID, &h.ServerID, &h.InternalAddress, &holder, &assignedAt, &h.ServerIP); err != nil {
			return nil, err
		}
		h.AssignedTo = holder.String
		h.AssignedAt = fromMillis(assignedAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// FreeCredentials returns the listed credentials to the pool. Rows that are
// already free are left untouched.
func (q *Queries) FreeCredentials(ctx context.Context, ids []int64, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	in, args := inList(ids)
	res, err := q.q.ExecContext(ctx, `
		UPDATE credentials
		SET in_use = 0, assigned_to = NULL, released_at = ?
		WHERE in_use = 1 AND id IN (`+in+`)`,
		append([]any{toMillis(now)}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to free credentials: %w", err)
	}
	return res.RowsAffected()
}

// DeleteServerCredentials removes every credential of a server, held or not.
func (q *Queries) DeleteServerCredentials(ctx context.Context, serverID int64) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM credentials WHERE server_id = ?`, serverID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete credentials: %w", err)
	}
	return res.RowsAffected()
}

// InsertCredential adds one free credential to a server.
func (q *Queries) InsertCredential(ctx context.Context, serverID int64, internalAddress, privateKey, publicKey string) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO credentials (server_id, internal_address, private_key, public_key)
		VALUES (?, ?, ?, ?)`,
		serverID, internalAddress, privateKey, publicKey)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PoolStats counts credentials on active servers, or on servers at publicIP when given.
func (q *Queries) PoolStats(ctx context.Context, publicIP string) (model.PoolStats, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN c.in_use = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN c.in_use = 0 THEN 1 ELSE 0 END), 0)
		FROM credentials c JOIN servers s ON c.server_id = s.id`
	var args []any
	if publicIP != "" {
		query += ` WHERE s.public_ip = ?`
		args = append(args, publicIP)
	} else {
		query += ` WHERE s.is_active = 1`
	}

	var st model.PoolStats
	err := q.q.QueryRowContext(ctx, query, args...).Scan(&st.TotalKeys, &st.KeysInUse, &st.KeysAvailable)
	return st, err
}

// ActiveLeases lists held credentials, most recent first.
func (q *Queries) ActiveLeases(ctx context.Context, publicIP string, now time.Time) ([]model.ActiveLease, error) {
	query := `
		SELECT c.internal_address, c.assigned_to, c.assigned_at, s.public_ip
		FROM credentials c JOIN servers s ON c.server_id = s.id
		WHERE c.in_use = 1`
	var args []any
	if publicIP != "" {
		query += ` AND s.public_ip = ?`
		args = append(args, publicIP)
	}
	query += ` ORDER BY c.assigned_at DESC, c.id DESC`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ActiveLease
	for rows.Next() {
		var (
			a          model.ActiveLease
			holder     sql.NullString
			assignedAt sql.NullInt64
		)
		if err := rows.Scan(&a.InternalAddress, &holder, &assignedAt, &a.ServerIP); err != nil {
			return nil, err
		}
		a.AssignedTo = holder.String
		a.AssignedAt = fromMillis(assignedAt)
		if !a.AssignedAt.IsZero() {
			a.DurationSeconds = int64(now.Sub(a.AssignedAt) / time.Second)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountInconsistent counts credentials whose in_use flag and holder disagree.
// The schema CHECK keeps this at zero.
func (q *Queries) CountInconsistent(ctx context.Context) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credentials
		WHERE (in_use = 1 AND assigned_to IS NULL) OR (in_use = 0 AND assigned_to IS NOT NULL)`).Scan(&n)
	return n, err
}
