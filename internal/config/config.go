package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen            = ":8080"
	DefaultDatabase          = "vpnpool.db"
	DefaultBusyTimeout       = 5 * time.Second
	DefaultStalenessWindow   = 90 * time.Second
	DefaultLeaseTTL          = 10 * time.Minute
	DefaultSweepInterval     = time.Minute
	DefaultRateLimit         = 20.0
	DefaultRateBurst         = 40
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWGInterface       = "wg0"
	DefaultWGPort            = 51820
	DefaultPrefixLen         = 24
	DefaultDNS               = "1.1.1.1, 8.8.8.8"
	DefaultKeepaliveSec      = 25
	DefaultProvisionSubnet   = "10.8.0.0/24"
	DefaultProvisionFirst    = 10
	DefaultProvisionLast     = 254
	DefaultProvisionRetries  = 3
	DefaultLogFormat         = "text"
	DefaultLogLevel          = "info"
)

var DefaultAllowedIPs = []string{"0.0.0.0/0"}

// Config holds both broker and agent settings.
type Config struct {
	Broker *BrokerConfig `yaml:"broker,omitempty"`
	Agent  *AgentConfig  `yaml:"agent,omitempty"`
	Log    LogConfig     `yaml:"log"`
}

// BrokerConfig is used by the lease broker process.
type BrokerConfig struct {
	Listen          string        `yaml:"listen"`
	Database        string        `yaml:"database"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
	StalenessWindow time.Duration `yaml:"staleness_window"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	// SweepInterval of zero selects the default; broker serve --no-sweep
	// disables the background sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RateLimit     float64       `yaml:"rate_limit"`
	RateBurst     int           `yaml:"rate_burst"`
	// TrustedProxies lists peer addresses or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers select the rate limit bucket.
	TrustedProxies []string     `yaml:"trusted_proxies"`
	Client         ClientConfig `yaml:"client"`
}

// ClientConfig shapes the WireGuard config handed out with each lease.
type ClientConfig struct {
	PrefixLen    int      `yaml:"prefix_len"`
	DNS          string   `yaml:"dns"`
	AllowedIPs   []string `yaml:"allowed_ips"`
	KeepaliveSec int      `yaml:"keepalive_sec"`
	MTU          int      `yaml:"mtu"`
}

// AgentConfig is used by the agent running on each VPN server.
type AgentConfig struct {
	Broker string `yaml:"broker"`
	// PublicIP is discovered over STUN when empty.
	PublicIP string `yaml:"public_ip"`
	// Port is read from the wg interface when zero.
	Port              int             `yaml:"port"`
	Memo              string          `yaml:"memo"`
	WGInterface       string          `yaml:"wg_interface"`
	TrafficInterface  string          `yaml:"traffic_interface"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	STUNServers       []string        `yaml:"stun_servers"`
	Provision         ProvisionConfig `yaml:"provision"`
}

// ProvisionConfig describes the address range the agent fills with credentials.
type ProvisionConfig struct {
	Subnet    string `yaml:"subnet"`
	FirstHost int    `yaml:"first_host"`
	LastHost  int    `yaml:"last_host"`
	Retries   int    `yaml:"retries"`
}

type LogConfig struct {
	Format     string            `yaml:"format"`
	Level      string            `yaml:"level"`
	Components map[string]string `yaml:"components,omitempty"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks required fields and ranges.
func Validate(cfg Config) error {
	if cfg.Broker == nil && cfg.Agent == nil {
		return fmt.Errorf("config must contain broker or agent section")
	}
	if b := cfg.Broker; b != nil {
		if b.Listen == "" {
			return fmt.Errorf("broker.listen is required")
		}
		if b.Database == "" {
			return fmt.Errorf("broker.database is required")
		}
		if b.StalenessWindow <= 0 {
			return fmt.Errorf("broker.staleness_window must be positive")
		}
		if b.LeaseTTL < 0 || b.SweepInterval < 0 {
			return fmt.Errorf("broker.lease_ttl and broker.sweep_interval must not be negative")
		}
		if b.RateLimit < 0 || b.RateBurst < 0 {
			return fmt.Errorf("broker.rate_limit and broker.rate_burst must not be negative")
		}
		if b.Client.PrefixLen < 0 || b.Client.PrefixLen > 128 {
			return fmt.Errorf("broker.client.prefix_len out of range")
		}
		if _, err := ParsePrefixes(b.TrustedProxies); err != nil {
			return fmt.Errorf("broker.trusted_proxies: %w", err)
		}
		for _, cidr := range b.Client.AllowedIPs {
			if _, err := netip.ParsePrefix(cidr); err != nil {
				return fmt.Errorf("broker.client.allowed_ips: %w", err)
			}
		}
	}
	if a := cfg.Agent; a != nil {
		if a.Broker == "" {
			return fmt.Errorf("agent.broker is required")
		}
		u, err := url.Parse(a.Broker)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("agent.broker must be an http(s) URL")
		}
		if a.PublicIP != "" {
			if _, err := netip.ParseAddr(a.PublicIP); err != nil {
				return fmt.Errorf("agent.public_ip: %w", err)
			}
		}
		if a.Port < 0 || a.Port > 65535 {
			return fmt.Errorf("agent.port out of range")
		}
		if a.HeartbeatInterval <= 0 {
			return fmt.Errorf("agent.heartbeat_interval must be positive")
		}
		p := a.Provision
		if _, err := netip.ParsePrefix(p.Subnet); err != nil {
			return fmt.Errorf("agent.provision.subnet: %w", err)
		}
		if p.FirstHost <= 0 || p.LastHost < p.FirstHost {
			return fmt.Errorf("agent.provision host range is invalid")
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if b := cfg.Broker; b != nil {
		if b.Listen == "" {
			b.Listen = DefaultListen
		}
		if b.Database == "" {
			b.Database = DefaultDatabase
		}
		if b.BusyTimeout == 0 {
			b.BusyTimeout = DefaultBusyTimeout
		}
		if b.StalenessWindow == 0 {
			b.StalenessWindow = DefaultStalenessWindow
		}
		if b.LeaseTTL == 0 {
			b.LeaseTTL = DefaultLeaseTTL
		}
		if b.SweepInterval == 0 {
			b.SweepInterval = DefaultSweepInterval
		}
		if b.RateLimit == 0 {
			b.RateLimit = DefaultRateLimit
		}
		if b.RateBurst == 0 {
			b.RateBurst = DefaultRateBurst
		}
		if b.Client.PrefixLen == 0 {
			b.Client.PrefixLen = DefaultPrefixLen
		}
		if b.Client.DNS == "" {
			b.Client.DNS = DefaultDNS
		}
		if len(b.Client.AllowedIPs) == 0 {
			b.Client.AllowedIPs = append([]string(nil), DefaultAllowedIPs...)
		}
		if b.Client.KeepaliveSec == 0 {
			b.Client.KeepaliveSec = DefaultKeepaliveSec
		}
	}

	if a := cfg.Agent; a != nil {
		if a.WGInterface == "" {
			a.WGInterface = DefaultWGInterface
		}
		if a.TrafficInterface == "" {
			a.TrafficInterface = a.WGInterface
		}
		if a.HeartbeatInterval == 0 {
			a.HeartbeatInterval = DefaultHeartbeatInterval
		}
		if a.Provision.Subnet == "" {
			a.Provision.Subnet = DefaultProvisionSubnet
		}
		if a.Provision.FirstHost == 0 {
			a.Provision.FirstHost = DefaultProvisionFirst
		}
		if a.Provision.LastHost == 0 {
			a.Provision.LastHost = DefaultProvisionLast
		}
		if a.Provision.Retries == 0 {
			a.Provision.Retries = DefaultProvisionRetries
		}
	}

	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

// ParsePrefixes parses addresses and CIDRs. A bare address becomes a
// single-host prefix.
func ParsePrefixes(items []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
