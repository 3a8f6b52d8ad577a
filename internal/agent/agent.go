// Package agent runs on each VPN server: it registers the server with the
// broker, provisions its credential pool and keeps its heartbeat fresh.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vpnpool/internal/api"
	"vpnpool/internal/config"
	"vpnpool/internal/execx"
	"vpnpool/internal/logger"
	"vpnpool/internal/stunutil"
	"vpnpool/internal/wireguard"
)

// Agent talks to the local wg interface and the broker API.
type Agent struct {
	cfg      config.AgentConfig
	client   *api.Client
	wg       *wireguard.Manager
	keys     wireguard.KeyPairGenerator
	peers    wireguard.PeerInstaller
	counters CounterSource
	discover func(ctx context.Context, servers []string, timeout time.Duration) (stunutil.Mapping, error)
	backoff  time.Duration
	log      *slog.Logger

	publicIP string
	port     int
}

// New builds an agent for cfg. A nil runner executes commands on the host.
func New(cfg config.AgentConfig, r execx.Runner) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	wg := wireguard.NewManager(r, cfg.WGInterface)
	return &Agent{
		cfg:      cfg,
		client:   api.NewClient(cfg.Broker),
		wg:       wg,
		keys:     wg,
		peers:    wg,
		counters: newCounterSource(cfg, wg),
		discover: stunutil.Discover,
		backoff:  500 * time.Millisecond,
		log:      logger.Get("agent"),
	}
}

// identity resolves the address and port this server is registered under.
func (a *Agent) identity(ctx context.Context) (string, int, error) {
	if a.publicIP != "" && a.port > 0 {
		return a.publicIP, a.port, nil
	}

	ip := a.cfg.PublicIP
	if ip == "" {
		m, err := a.discover(ctx, a.cfg.STUNServers, stunutil.DefaultTimeout)
		if err != nil {
			return "", 0, fmt.Errorf("public ip discovery: %w", err)
		}
		a.log.Info("Discovered public address", "addr", m.Addr, "nat", m.NAT)
		ip = m.IP
	}

	port := a.cfg.Port
	if port == 0 {
		p, err := a.wg.ListenPort(ctx)
		if err != nil {
			a.log.Warn("Failed to read listen port, using default", "interface", a.wg.Interface(), "port", config.DefaultWGPort, "error", err)
			p = config.DefaultWGPort
		}
		port = p
	}

	a.publicIP, a.port = ip, port
	return ip, port, nil
}

// Register announces this server and its wg public key to the broker.
func (a *Agent) Register(ctx context.Context) (api.RegisterServerResponse, error) {
	ip, port, err := a.identity(ctx)
	if err != nil {
		return api.RegisterServerResponse{}, err
	}
	pub, err := a.wg.PublicKey(ctx)
	if err != nil {
		return api.RegisterServerResponse{}, err
	}

	resp, err := a.client.RegisterServer(ctx, api.RegisterServerRequest{
		PublicIP:     ip,
		Port:         port,
		ServerPubkey: pub,
		Memo:         a.cfg.Memo,
	})
	if err != nil {
		return resp, fmt.Errorf("register server: %w", err)
	}
	a.log.Info("Server registered", "public_ip", ip, "port", port, "server_id", resp.ServerID, "action", resp.Action)
	return resp, nil
}

// Heartbeat reports liveness plus interface counters when they can be read.
func (a *Agent) Heartbeat(ctx context.Context) error {
	ip, port, err := a.identity(ctx)
	if err != nil {
		return err
	}

	req := api.HeartbeatRequest{PublicIP: ip, Port: port}
	if a.counters != nil {
		rx, tx, err := a.counters.Counters(ctx, a.cfg.TrafficInterface)
		if err != nil {
			a.log.Warn("Failed to read traffic counters", "interface", a.cfg.TrafficInterface, "error", err)
		} else {
			req.Interface = a.cfg.TrafficInterface
			req.RxBytes, req.TxBytes = &rx, &tx
		}
	}
	return a.client.Heartbeat(ctx, req)
}

// Run registers the server and then heartbeats until ctx is done. A server
// the broker no longer knows is registered again.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.registerUntilDone(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := a.Heartbeat(ctx)
			if err == nil {
				a.log.Debug("Heartbeat sent")
				continue
			}
			var se *api.StatusError
			if errors.As(err, &se) && se.StatusCode == 404 {
				a.log.Warn("Broker does not know this server, registering again")
				if _, err := a.Register(ctx); err != nil {
					a.log.Error("Re-registration failed", "error", err)
				}
				continue
			}
			a.log.Error("Heartbeat failed", "error", err)
		}
	}
}

func (a *Agent) registerUntilDone(ctx context.Context) error {
	for {
		_, err := a.Register(ctx)
		if err == nil {
			return nil
		}
		a.log.Error("Registration failed", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.HeartbeatInterval):
		}
	}
}
