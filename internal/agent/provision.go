package agent

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"vpnpool/internal/api"
)

// ProvisionReport summarizes a provisioning run.
type ProvisionReport struct {
	Generated int
	Skipped   []string
	Result    api.RegisterKeysResponse
}

// Provision fills the configured address range with fresh credentials:
// it generates a key pair per address, installs the peer on the local
// interface, persists the interface config and registers the batch with the
// broker, replacing the server's previous credential set. Addresses whose key
// generation or installation keeps failing are skipped.
func (a *Agent) Provision(ctx context.Context) (*ProvisionReport, error) {
	p := a.cfg.Provision
	addrs, err := hostRange(p.Subnet, p.FirstHost, p.LastHost)
	if err != nil {
		return nil, err
	}
	if _, err := a.Register(ctx); err != nil {
		return nil, err
	}
	ip, port, err := a.identity(ctx)
	if err != nil {
		return nil, err
	}

	report := &ProvisionReport{}
	req := api.RegisterKeysRequest{PublicIP: ip, Port: port}
	for _, addr := range addrs {
		var priv, pub string
		err := a.retry(ctx, func() error {
			var err error
			priv, pub, err = a.keys.GenerateKeyPair(ctx)
			return err
		})
		if err == nil {
			err = a.retry(ctx, func() error {
				return a.peers.InstallPeer(ctx, pub, addr.String())
			})
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.log.Warn("Skipping address", "internal_ip", addr, "error", err)
			report.Skipped = append(report.Skipped, addr.String())
			continue
		}
		req.Keys = append(req.Keys, api.KeyItem{InternalIP: addr.String(), PrivateKey: priv, PublicKey: pub})
	}
	report.Generated = len(req.Keys)
	if report.Generated == 0 {
		return report, fmt.Errorf("no credentials could be generated for %s", p.Subnet)
	}

	if err := a.wg.SaveConfig(ctx); err != nil {
		a.log.Warn("Failed to persist interface config; peers are live until reboot", "error", err)
	}

	res, err := a.client.RegisterKeys(ctx, req)
	if err != nil {
		return report, fmt.Errorf("register keys: %w", err)
	}
	report.Result = res
	a.log.Info("Credentials provisioned",
		"registered", res.Registered,
		"total", res.Total,
		"skipped", len(report.Skipped))
	return report, nil
}

// retry runs fn up to Provision.Retries times.
func (a *Agent) retry(ctx context.Context, fn func() error) error {
	attempts := a.cfg.Provision.Retries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.backoff * time.Duration(i+1)):
		}
	}
	return err
}

// hostRange returns the addresses at offsets first..last inside the IPv4 subnet.
func hostRange(subnet string, first, last int) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, err
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("subnet %s must be IPv4", subnet)
	}
	size := 1 << uint(32-prefix.Bits())
	if first <= 0 || last < first || last >= size {
		return nil, fmt.Errorf("host range %d-%d does not fit %s", first, last, subnet)
	}

	base := prefix.Masked().Addr().As4()
	val := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	out := make([]netip.Addr, 0, last-first+1)
	for i := first; i <= last; i++ {
		v := val + uint32(i)
		out = append(out, netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}))
	}
	return out, nil
}
