package api

import (
	"time"

	"vpnpool/internal/metrics"
)

// Response is the envelope every endpoint returns; failures set Error.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AllocateResponse carries one leased credential and its client config.
type AllocateResponse struct {
	Response
	ServerIP     string `json:"server_ip"`
	ServerPort   int    `json:"server_port"`
	ServerPubkey string `json:"server_pubkey"`
	PrivateKey   string `json:"private_key"`
	PublicKey    string `json:"public_key"`
	InternalIP   string `json:"internal_ip"`
	AssignedTo   string `json:"assigned_to"`
	Config       string `json:"config"`
}

type ReleaseRequest struct {
	PublicKey string `json:"public_key"`
}

type ReleaseResponse struct {
	Response
	Message         string `json:"message,omitempty"`
	InternalIP      string `json:"internal_ip,omitempty"`
	AssignedTo      string `json:"assigned_to,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
	LogError        string `json:"log_error,omitempty"`
}

type ReleasedLease struct {
	InternalIP      string `json:"internal_ip"`
	AssignedTo      string `json:"assigned_to"`
	ServerIP        string `json:"server_ip"`
	DurationSeconds int64  `json:"duration_seconds"`
	LogError        string `json:"log_error,omitempty"`
}

// ReleaseAllResponse reports a bulk release; Deleted is set when the
// request also removed the server.
type ReleaseAllResponse struct {
	Response
	Message  string          `json:"message,omitempty"`
	Released int             `json:"released"`
	Leases   []ReleasedLease `json:"released_keys"`
	Deleted  *DeletedServer  `json:"deleted,omitempty"`
}

type DeletedServer struct {
	ServerIP      string `json:"server_ip"`
	Port          int    `json:"port"`
	KeysDeleted   int    `json:"keys_deleted"`
	KeysWereInUse int    `json:"keys_were_in_use"`
}

type Statistics struct {
	TotalKeys     int `json:"total_keys"`
	KeysInUse     int `json:"keys_in_use"`
	KeysAvailable int `json:"keys_available"`
}

type ServerStatus struct {
	ServerID        int64      `json:"server_id"`
	PublicIP        string     `json:"public_ip"`
	Port            int        `json:"port"`
	Eligible        bool       `json:"eligible"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	Statistics
}

type ActiveConnection struct {
	InternalIP      string    `json:"internal_ip"`
	AssignedTo      string    `json:"assigned_to"`
	AssignedAt      time.Time `json:"assigned_at"`
	ServerIP        string    `json:"server_ip"`
	DurationSeconds int64     `json:"duration_seconds"`
}

type StatusResponse struct {
	Response
	Statistics        Statistics           `json:"statistics"`
	Servers           []ServerStatus       `json:"servers"`
	ActiveConnections []ActiveConnection   `json:"active_connections"`
	Leases            metrics.LeaseSummary `json:"lease_summary"`
}

type ListResponse struct {
	Response
	Servers []string `json:"servers"`
	Count   int      `json:"count"`
}

type RegisterServerRequest struct {
	PublicIP     string `json:"public_ip"`
	Port         int    `json:"port"`
	ServerPubkey string `json:"server_pubkey"`
	Memo         string `json:"memo,omitempty"`
}

type RegisterServerResponse struct {
	Response
	ServerID int64  `json:"server_id"`
	Action   string `json:"action"`
}

type ServerActiveRequest struct {
	PublicIP string `json:"public_ip"`
	Port     int    `json:"port"`
	Active   bool   `json:"active"`
}

type KeyItem struct {
	InternalIP string `json:"internal_ip"`
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

type RegisterKeysRequest struct {
	PublicIP string    `json:"public_ip"`
	Port     int       `json:"port"`
	Keys     []KeyItem `json:"keys"`
}

type KeyError struct {
	Index      int    `json:"index"`
	InternalIP string `json:"internal_ip,omitempty"`
	Error      string `json:"error"`
}

type RegisterKeysResponse struct {
	Response
	ServerID   int64      `json:"server_id"`
	Registered int        `json:"registered"`
	Total      int        `json:"total"`
	Partial    bool       `json:"partial"`
	Errors     []KeyError `json:"errors"`
}

// CleanupRequest reclaims leases held for at least Minutes (10 when omitted).
type CleanupRequest struct {
	Minutes *int `json:"minutes,omitempty"`
}

type CleanupResponse struct {
	Response
	Cleaned int             `json:"cleaned"`
	Leases  []ReleasedLease `json:"released_keys"`
}

type HeartbeatRequest struct {
	PublicIP  string  `json:"public_ip"`
	Port      int     `json:"port,omitempty"`
	Interface string  `json:"interface,omitempty"`
	RxBytes   *uint64 `json:"rx_bytes,omitempty"`
	TxBytes   *uint64 `json:"tx_bytes,omitempty"`
}

type TrafficSample struct {
	ServerID   int64     `json:"server_id"`
	Interface  string    `json:"interface"`
	Date       string    `json:"date"`
	BaselineRx uint64    `json:"baseline_rx"`
	CurrentRx  uint64    `json:"current_rx"`
	BaselineTx uint64    `json:"baseline_tx"`
	CurrentTx  uint64    `json:"current_tx"`
	RxBytes    uint64    `json:"rx_bytes"`
	TxBytes    uint64    `json:"tx_bytes"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type TrafficResponse struct {
	Response
	ServerIP string                 `json:"server_ip"`
	Date     string                 `json:"date,omitempty"`
	Samples  []TrafficSample        `json:"samples"`
	Summary  metrics.TrafficSummary `json:"summary"`
}

type HealthResponse struct {
	Response
	Status   string `json:"status"`
	Database string `json:"database"`
}

type Endpoint struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

type IndexResponse struct {
	Response
	Name      string     `json:"name"`
	Endpoints []Endpoint `json:"endpoints"`
}
