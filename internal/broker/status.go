package broker

import (
	"context"
	"strings"

	"vpnpool/internal/model"
)

// Status reports pool counts, per-server summaries and active leases,
// optionally restricted to servers at publicIP.
func (b *Broker) Status(ctx context.Context, publicIP string) (*model.Status, error) {
	const op = "status"

	publicIP = strings.TrimSpace(publicIP)
	if err := b.validate.Var(publicIP, "omitempty,ip"); err != nil {
		return nil, invalid(op, "ip must be an IP address")
	}

	now := b.now()
	r := b.db.Reader()
	stats, err := r.PoolStats(ctx, publicIP)
	if err != nil {
		return nil, fail(op, err)
	}
	servers, err := r.ServerSummaries(ctx, publicIP)
	if err != nil {
		return nil, fail(op, err)
	}
	for i := range servers {
		srv := model.Server{IsActive: true, LastHeartbeatAt: servers[i].LastHeartbeatAt}
		servers[i].Eligible = b.Eligible(srv, now)
	}
	active, err := r.ActiveLeases(ctx, publicIP, now)
	if err != nil {
		return nil, fail(op, err)
	}
	if servers == nil {
		servers = []model.ServerSummary{}
	}
	if active == nil {
		active = []model.ActiveLease{}
	}
	return &model.Status{Statistics: stats, Servers: servers, Active: active}, nil
}

// ListServers returns the distinct addresses of servers that can currently
// serve allocations.
func (b *Broker) ListServers(ctx context.Context) ([]string, error) {
	ips, err := b.db.Reader().EligibleServerIPs(ctx, b.cutoff(b.now()))
	if err != nil {
		return nil, fail("list_servers", err)
	}
	if ips == nil {
		ips = []string{}
	}
	return ips, nil
}

// InconsistentCredentials reports the number of credentials whose in-use flag and holder
// disagree. It is always zero unless the database was edited by hand.
func (b *Broker) InconsistentCredentials(ctx context.Context) (int, error) {
	n, err := b.db.Reader().CountInconsistent(ctx)
	return n, fail("consistency", err)
}
