package store

import (
	"context"
	"database/sql"
	"errors"

	"vpnpool/internal/model"
)

// GetCredential loads one credential by id.
func (q *Queries) GetCredential(ctx context.Context, id int64) (*model.Credential, error) {
	c, err := scanCredential(q.q.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials c WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// CountServerRows counts rows in every table that reference serverID.
func (q *Queries) CountServerRows(ctx context.Context, serverID int64) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM credentials WHERE server_id = ?) +
			(SELECT COUNT(*) FROM usage_logs WHERE server_id = ?) +
			(SELECT COUNT(*) FROM traffic_samples WHERE server_id = ?)`,
		serverID, serverID, serverID).Scan(&n)
	return n, err
}
