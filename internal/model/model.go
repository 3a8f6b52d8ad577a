package model

import "time"

// Server is a VPN server that owns a pool of credentials.
type Server struct {
	ID              int64
	PublicIP        string
	Port            int
	ServerPubkey    string
	Memo            string
	IsActive        bool
	LastHeartbeatAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Endpoint returns "ip:port" as used in WireGuard peer sections.
func (s Server) Endpoint() string {
	return JoinEndpoint(s.PublicIP, s.Port)
}

// Credential is the leasable unit: a key pair bound to an internal address on one server.
type Credential struct {
	ID              int64
	ServerID        int64
	InternalAddress string
	PrivateKey      string
	PublicKey       string
	InUse           bool
	AssignedTo      string // empty when free
	AssignedAt      time.Time
	ReleasedAt      time.Time
	LastUsedAt      time.Time
	UseCount        int64
}

const (
	UsageConnected    = "connected"
	UsageDisconnected = "disconnected"
)

// UsageLogEntry records one lease episode. It is open while DisconnectedAt is zero.
type UsageLogEntry struct {
	ID              int64
	CredentialID    int64
	ServerID        int64
	Holder          string
	ConnectedAt     time.Time
	DisconnectedAt  time.Time
	Status          string
	DurationSeconds int64
}

// TrafficSample holds per-day interface counters for a server. Baseline is the
// first value seen that day; Current is the latest.
type TrafficSample struct {
	ServerID   int64
	PublicIP   string
	Interface  string
	Date       string // YYYY-MM-DD, UTC
	BaselineRx uint64
	CurrentRx  uint64
	BaselineTx uint64
	CurrentTx  uint64
	UpdatedAt  time.Time
}

// RxDelta is the number of bytes received since the day's baseline. Counter
// resets (interface recreated) yield the current value.
func (t TrafficSample) RxDelta() uint64 {
	return counterDelta(t.BaselineRx, t.CurrentRx)
}

// TxDelta is the transmit counterpart of RxDelta.
func (t TrafficSample) TxDelta() uint64 {
	return counterDelta(t.BaselineTx, t.CurrentTx)
}

func counterDelta(baseline, current uint64) uint64 {
	if current < baseline {
		return current
	}
	return current - baseline
}

// Lease is what a successful allocation hands back to the caller.
type Lease struct {
	CredentialID    int64
	ServerID        int64
	ServerIP        string
	ServerPort      int
	ServerPubkey    string
	PrivateKey      string
	PublicKey       string
	InternalAddress string
	Holder          string
	AssignedAt      time.Time
	UseCount        int64
	Config          string
}

// ReleasedLease describes one credential returned to the pool.
type ReleasedLease struct {
	CredentialID    int64
	InternalAddress string
	Holder          string
	ServerIP        string
	DurationSeconds int64
	// LogError is set when the credential was freed but its usage entry could not be closed.
	LogError string
}

// ReleaseReport summarizes a bulk release or sweep.
type ReleaseReport struct {
	Released int
	Leases   []ReleasedLease
}

// ServerDeletion reports what a server delete removed.
type ServerDeletion struct {
	ServerIP      string
	Port          int
	KeysDeleted   int
	KeysWereInUse int
}

// PoolStats are credential counts over a set of servers.
type PoolStats struct {
	TotalKeys     int
	KeysInUse     int
	KeysAvailable int
}

// ServerSummary is a per-server row of the status report.
type ServerSummary struct {
	ServerID        int64
	PublicIP        string
	Port            int
	Eligible        bool
	LastHeartbeatAt time.Time
	PoolStats
}

// ActiveLease is a currently held credential as shown in status.
type ActiveLease struct {
	InternalAddress string
	AssignedTo      string
	AssignedAt      time.Time
	ServerIP        string
	DurationSeconds int64
}

// Status is the full status report.
type Status struct {
	Statistics PoolStats
	Servers    []ServerSummary
	Active     []ActiveLease
}
