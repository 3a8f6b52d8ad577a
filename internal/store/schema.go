package store

import (
	"context"
	"database/sql"
)

// Timestamps are INTEGER unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS servers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	public_ip TEXT NOT NULL,
	port INTEGER NOT NULL,
	server_pubkey TEXT NOT NULL DEFAULT '',
	memo TEXT,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	last_heartbeat_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(public_ip, port)
);

CREATE INDEX IF NOT EXISTS idx_servers_public_ip ON servers(public_ip);
CREATE INDEX IF NOT EXISTS idx_servers_eligible ON servers(is_active, last_heartbeat_at);

CREATE TABLE IF NOT EXISTS credentials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	server_id INTEGER NOT NULL,
	internal_address TEXT NOT NULL,
	private_key TEXT NOT NULL,
	public_key TEXT NOT NULL UNIQUE,
	in_use BOOLEAN NOT NULL DEFAULT 0,
	assigned_to TEXT,
	assigned_at INTEGER,
	released_at INTEGER,
	last_used_at INTEGER,
	use_count INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,
	UNIQUE(server_id, internal_address),
	CHECK ((in_use = 0 AND assigned_to IS NULL) OR (in_use = 1 AND assigned_to IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_credentials_pick ON credentials(in_use, last_used_at, use_count);
CREATE INDEX IF NOT EXISTS idx_credentials_server ON credentials(server_id);

CREATE TABLE IF NOT EXISTS usage_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	credential_id INTEGER NOT NULL,
	server_id INTEGER NOT NULL,
	holder TEXT NOT NULL,
	connected_at INTEGER NOT NULL,
	disconnected_at INTEGER,
	status TEXT NOT NULL CHECK(status IN ('connected', 'disconnected')),
	duration_seconds INTEGER,
	FOREIGN KEY (credential_id) REFERENCES credentials(id) ON DELETE CASCADE,
	FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_usage_logs_open ON usage_logs(credential_id) WHERE status = 'connected';
CREATE INDEX IF NOT EXISTS idx_usage_logs_server ON usage_logs(server_id);

CREATE TABLE IF NOT EXISTS traffic_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	server_id INTEGER NOT NULL,
	interface TEXT NOT NULL,
	date TEXT NOT NULL,
	baseline_rx INTEGER NOT NULL,
	current_rx INTEGER NOT NULL,
	baseline_tx INTEGER NOT NULL,
	current_tx INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,
	UNIQUE(server_id, interface, date)
);
`

func initSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
